package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/nxdrive/drivesync/internal/dao"
	"github.com/nxdrive/drivesync/internal/filter"
	"github.com/nxdrive/drivesync/internal/localfs"
	"github.com/nxdrive/drivesync/internal/queue"
	"github.com/nxdrive/drivesync/internal/remote"
	"github.com/nxdrive/drivesync/internal/remote/remotetest"
	"github.com/nxdrive/drivesync/internal/state"
	"github.com/nxdrive/drivesync/internal/transfer"
)

type fixture struct {
	store     *dao.Store
	server    *remotetest.Server
	local     *localfs.Client
	filters   *filter.Engine
	queue     *queue.Manager
	proc      *Processor
	conflicts []*state.DocPair
	errs      []*ProcessError
	sessions  []*state.Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := log.New(io.Discard, "", 0)
	dir := t.TempDir()

	store, err := dao.Open(filepath.Join(dir, "engine.db"), logger)
	if err != nil {
		t.Fatalf("dao.Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	root := filepath.Join(dir, "root")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}
	local, err := localfs.New(root, localfs.Options{Logger: logger})
	if err != nil {
		t.Fatal(err)
	}
	server := remotetest.New()

	rootInfo, err := local.GetInfo("/")
	if err != nil {
		t.Fatal(err)
	}
	remoteRoot, err := server.GetInfo(ctx, remotetest.RootRef)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.InsertRootState(ctx, rootInfo, remoteRoot); err != nil {
		t.Fatalf("InsertRootState() failed: %v", err)
	}

	q := queue.New(&queue.Config{Logger: logger})
	store.SetQueueManager(q)
	filters, err := filter.New(ctx, store, q, logger)
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{store: store, server: server, local: local, filters: filters, queue: q}
	transfers := transfer.New(store, server, local, transfer.Options{ChunkSize: 4, Logger: logger})
	f.proc = New(store, server, local, transfers, Options{
		Algorithm:  "md5",
		Filters:    filters,
		OnConflict: func(p *state.DocPair) { f.conflicts = append(f.conflicts, p) },
		OnError:    func(_ *state.DocPair, pe *ProcessError) { f.errs = append(f.errs, pe) },
		OnSession:  func(s *state.Session) { f.sessions = append(f.sessions, s) },
		Logger:     logger,
	})
	return f
}

func (f *fixture) run(t *testing.T) int {
	t.Helper()
	return f.queue.Drain(context.Background(), func(ctx context.Context, worker int, it queue.Item) error {
		return f.proc.Process(ctx, worker, it.ID)
	})
}

func (f *fixture) write(t *testing.T, rel, content string) {
	t.Helper()
	abs := f.local.Abspath(rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) read(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(f.local.Abspath(rel))
	if err != nil {
		t.Fatalf("read %s: %v", rel, err)
	}
	return string(data)
}

func (f *fixture) pair(t *testing.T, rel string) *state.DocPair {
	t.Helper()
	p, err := f.store.GetStateFromLocal(context.Background(), rel)
	if err != nil {
		t.Fatalf("GetStateFromLocal(%q) failed: %v", rel, err)
	}
	if p == nil {
		t.Fatalf("no pair at %s", rel)
	}
	return p
}

func (f *fixture) byID(t *testing.T, id int64) *state.DocPair {
	t.Helper()
	p, err := f.store.GetStateFromID(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

// created records rel as a new local item, the way the local watcher does.
func (f *fixture) created(t *testing.T, rel string) *state.DocPair {
	t.Helper()
	ctx := context.Background()
	info, err := f.local.GetInfoWithDigest(rel, "md5")
	if err != nil {
		t.Fatal(err)
	}
	id, err := f.store.InsertLocalState(ctx, info, info.ParentPath())
	if err != nil {
		t.Fatal(err)
	}
	return f.byID(t, id)
}

// remoteCreated records a server document as a new remote item.
func (f *fixture) remoteCreated(t *testing.T, ref, localPath string) *state.DocPair {
	t.Helper()
	ctx := context.Background()
	info, err := f.server.GetInfo(ctx, ref)
	if err != nil {
		t.Fatal(err)
	}
	id, err := f.store.InsertRemoteState(ctx, info, info.ParentPath(), localPath, state.ParentPath(localPath))
	if err != nil {
		t.Fatal(err)
	}
	return f.byID(t, id)
}

// synced writes rel at the root and synchronizes it with a new document.
func (f *fixture) synced(t *testing.T, rel, content string) (*state.DocPair, string) {
	t.Helper()
	f.write(t, rel, content)
	p := f.created(t, rel)
	f.run(t)
	p = f.byID(t, p.ID)
	if p.PairState != state.PairSynchronized {
		t.Fatalf("%s not synchronized: %s", rel, p.PairState)
	}
	return p, p.RemoteRef
}

// localEdit rewrites rel and records the change, as the local watcher does.
func (f *fixture) localEdit(t *testing.T, p *state.DocPair, content string) {
	t.Helper()
	f.write(t, p.LocalPath, content)
	info, err := f.local.GetInfoWithDigest(p.LocalPath, "md5")
	if err != nil {
		t.Fatal(err)
	}
	p.LocalState = state.LocalModified
	if err := f.store.UpdateLocalState(context.Background(), p, info, true); err != nil {
		t.Fatal(err)
	}
}

// remoteEdit refreshes the remote side of p, as the remote watcher does.
func (f *fixture) remoteEdit(t *testing.T, p *state.DocPair) {
	t.Helper()
	ctx := context.Background()
	info, err := f.server.GetInfo(ctx, p.RemoteRef)
	if err != nil {
		t.Fatal(err)
	}
	p.RemoteState = state.RemoteModified
	if _, err := f.store.UpdateRemoteState(ctx, p, info, dao.RemoteUpdate{Force: true}); err != nil {
		t.Fatal(err)
	}
}

func TestProcess_LocallyCreatedFile(t *testing.T) {
	f := newFixture(t)
	f.write(t, "/a.txt", "hello")
	f.created(t, "/a.txt")

	if n := f.run(t); n == 0 {
		t.Fatal("nothing processed")
	}

	ref := f.server.Child(remotetest.RootRef, "a.txt")
	if ref == "" {
		t.Fatal("a.txt not created remotely")
	}
	if data, _ := f.server.Content(ref); string(data) != "hello" {
		t.Errorf("remote content = %q", data)
	}
	p := f.pair(t, "/a.txt")
	if p.PairState != state.PairSynchronized || p.RemoteRef != ref {
		t.Errorf("pair = %s/%s, want synchronized/%s", p.PairState, p.RemoteRef, ref)
	}
	if p.LastTransfer != state.TransferUpload {
		t.Errorf("last_transfer = %q, want upload", p.LastTransfer)
	}
	if got := f.local.GetRemoteRef("/a.txt"); got != ref {
		t.Errorf("local file tagged %q", got)
	}
}

func TestProcess_LocallyCreatedTree(t *testing.T) {
	f := newFixture(t)
	if err := os.MkdirAll(f.local.Abspath("/docs/sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	f.write(t, "/docs/sub/b.txt", "bbb")
	f.created(t, "/docs")
	f.created(t, "/docs/sub")
	f.created(t, "/docs/sub/b.txt")

	f.run(t)

	docs := f.server.Child(remotetest.RootRef, "docs")
	sub := f.server.Child(docs, "sub")
	if docs == "" || sub == "" || f.server.Child(sub, "b.txt") == "" {
		t.Fatalf("remote tree incomplete: docs=%q sub=%q", docs, sub)
	}
	p := f.pair(t, "/docs/sub/b.txt")
	if p.RemoteParentPath != "/root/"+docs+"/"+sub {
		t.Errorf("remote parent path = %s", p.RemoteParentPath)
	}
	for _, rel := range []string{"/docs", "/docs/sub", "/docs/sub/b.txt"} {
		if ps := f.pair(t, rel).PairState; ps != state.PairSynchronized {
			t.Errorf("%s: pair_state = %s", rel, ps)
		}
	}
}

func TestProcess_LocallyCreatedDedupSuffixIsStripped(t *testing.T) {
	f := newFixture(t)
	f.write(t, "/a.txt", "other")
	f.write(t, "/a__1.txt", "x")
	f.created(t, "/a__1.txt")
	f.run(t)
	if f.server.Child(remotetest.RootRef, "a.txt") == "" {
		t.Errorf("children = %v, want a.txt", f.server.Children(remotetest.RootRef))
	}
}

// A __N suffix without the un-suffixed sibling is part of the user's name.
func TestProcess_OwnDedupLikeNameIsKept(t *testing.T) {
	f := newFixture(t)
	f.write(t, "/report__2.txt", "x")
	f.created(t, "/report__2.txt")
	f.run(t)
	if f.server.Child(remotetest.RootRef, "report__2.txt") == "" {
		t.Errorf("children = %v, want report__2.txt", f.server.Children(remotetest.RootRef))
	}

	p := f.pair(t, "/report__2.txt")
	ref := p.RemoteRef
	f.server.UpdateFile(ref, []byte("remote v2"))
	f.remoteEdit(t, p)
	f.run(t)

	got := f.byID(t, p.ID)
	if got.LocalPath != "/report__2.txt" || got.PairState != state.PairSynchronized {
		t.Errorf("pair = %s at %s, want synchronized in place", got.PairState, got.LocalPath)
	}
	if data := f.read(t, "/report__2.txt"); data != "remote v2" {
		t.Errorf("local content = %q", data)
	}
}

func TestProcess_LocallyCreatedAlignsWithSameContent(t *testing.T) {
	f := newFixture(t)
	ref := f.server.CreateFile(remotetest.RootRef, "a.txt", []byte("same"))
	f.write(t, "/a.txt", "same")
	f.created(t, "/a.txt")

	f.run(t)

	if names := f.server.Children(remotetest.RootRef); len(names) != 1 {
		t.Fatalf("duplicate created: %v", names)
	}
	p := f.pair(t, "/a.txt")
	if p.RemoteRef != ref || p.PairState != state.PairSynchronized {
		t.Errorf("pair = %s/%s, want synchronized/%s", p.PairState, p.RemoteRef, ref)
	}
	if n := f.server.Calls("NewBatch"); n != 0 {
		t.Errorf("uploaded aligned file (%d batches)", n)
	}
}

func TestProcess_LocallyCreatedDifferentContentConflicts(t *testing.T) {
	f := newFixture(t)
	f.server.CreateFile(remotetest.RootRef, "a.txt", []byte("remote"))
	f.write(t, "/a.txt", "local")
	f.created(t, "/a.txt")

	f.run(t)

	if p := f.pair(t, "/a.txt"); p.PairState != state.PairConflicted {
		t.Errorf("pair_state = %s, want conflicted", p.PairState)
	}
	if len(f.conflicts) != 1 {
		t.Errorf("conflict hook called %d times", len(f.conflicts))
	}
}

func TestProcess_LocallyCreatedUnderFilteredName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	docs := f.server.CreateFolder(remotetest.RootRef, "docs")
	if err := f.filters.Add(ctx, "/root/"+docs); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(f.local.Abspath("/docs"), 0o755); err != nil {
		t.Fatal(err)
	}
	f.created(t, "/docs")

	f.run(t)

	if names := f.server.Children(remotetest.RootRef); len(names) != 1 {
		t.Errorf("filtered folder duplicated remotely: %v", names)
	}
	if p := f.pair(t, "/docs"); p.RemoteRef != "" {
		t.Errorf("bound to filtered document %s", p.RemoteRef)
	}
}

func TestProcess_YieldsWithoutRemoteParent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write(t, "/docs/a.txt", "a")
	f.created(t, "/docs")
	child := f.created(t, "/docs/a.txt")

	err := f.proc.Process(ctx, testWorker, child.ID)
	var pe *ProcessError
	if !errors.As(err, &pe) || pe.Kind != Yield {
		t.Fatalf("Process() = %v, want a yield", err)
	}
	if pe.Delay() != DefaultYieldDelay {
		t.Errorf("Delay() = %s", pe.Delay())
	}
	if p := f.byID(t, child.ID); p.ErrorCount != 0 {
		t.Errorf("yield counted as an error: %d", p.ErrorCount)
	}
}

func TestProcess_RemotelyCreated(t *testing.T) {
	f := newFixture(t)
	docs := f.server.CreateFolder(remotetest.RootRef, "docs")
	file := f.server.CreateFile(docs, "a.txt", []byte("remote content"))
	f.remoteCreated(t, docs, "/docs")
	f.remoteCreated(t, file, "/docs/a.txt")

	f.run(t)

	if got := f.read(t, "/docs/a.txt"); got != "remote content" {
		t.Errorf("local content = %q", got)
	}
	p := f.pair(t, "/docs/a.txt")
	if p.PairState != state.PairSynchronized || p.LastTransfer != state.TransferDownload {
		t.Errorf("pair = %s/%s", p.PairState, p.LastTransfer)
	}
	if got := f.local.GetRemoteRef("/docs"); got != docs {
		t.Errorf("folder tagged %q, want %s", got, docs)
	}
}

func TestProcess_RemotelyCreatedNameTaken(t *testing.T) {
	tests := []struct {
		name      string
		local     string
		wantPath  string
		downloads int
	}{
		{"different content", "mine", "/a__1.txt", 1},
		{"same content", "theirs", "/a.txt", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.write(t, "/a.txt", tt.local)
			ref := f.server.CreateFile(remotetest.RootRef, "a.txt", []byte("theirs"))
			p := f.remoteCreated(t, ref, "/a.txt")

			f.run(t)

			p = f.byID(t, p.ID)
			if p.LocalPath != tt.wantPath || p.PairState != state.PairSynchronized {
				t.Errorf("pair = %s at %s, want synchronized at %s", p.PairState, p.LocalPath, tt.wantPath)
			}
			if got := f.read(t, "/a.txt"); got != tt.local {
				t.Errorf("existing file overwritten: %q", got)
			}
			if n := f.server.Calls("Download"); n != tt.downloads {
				t.Errorf("Download calls = %d, want %d", n, tt.downloads)
			}
		})
	}
}

func TestProcess_RemotelyCreatedMissingDocumentIsDropped(t *testing.T) {
	f := newFixture(t)
	ref := f.server.CreateFile(remotetest.RootRef, "a.txt", []byte("x"))
	p := f.remoteCreated(t, ref, "/a.txt")
	f.server.DeleteDoc(ref)

	f.run(t)

	if got := f.byID(t, p.ID); got != nil {
		t.Errorf("pair kept as %s", got.PairState)
	}
	if f.local.Exists("/a.txt") {
		t.Error("deleted document downloaded")
	}
}

func TestProcess_TransientFailureIsRecorded(t *testing.T) {
	f := newFixture(t)
	ref := f.server.CreateFile(remotetest.RootRef, "a.txt", []byte("x"))
	p := f.remoteCreated(t, ref, "/a.txt")
	f.server.FailNext("GetInfo", remotetest.ErrOffline)

	err := f.proc.Process(context.Background(), testWorker, p.ID)
	var pe *ProcessError
	if !errors.As(err, &pe) || pe.Kind != Transient {
		t.Fatalf("Process() = %v, want a transient error", err)
	}
	if pe.Attempts() != 1 {
		t.Errorf("Attempts() = %d", pe.Attempts())
	}
	got := f.byID(t, p.ID)
	if got.ErrorCount != 1 || got.LastError != ReasonNetwork {
		t.Errorf("error bookkeeping = %d/%s", got.ErrorCount, got.LastError)
	}
	if len(f.errs) != 1 {
		t.Errorf("error hook called %d times", len(f.errs))
	}

	if err := f.proc.Process(context.Background(), testWorker, p.ID); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if got := f.byID(t, p.ID); got.PairState != state.PairSynchronized || got.ErrorCount != 0 {
		t.Errorf("after retry: %s, %d errors", got.PairState, got.ErrorCount)
	}
}

func TestProcess_LocallyModified(t *testing.T) {
	f := newFixture(t)
	p, ref := f.synced(t, "/a.txt", "v1")
	f.localEdit(t, p, "version 2")

	f.run(t)

	if data, _ := f.server.Content(ref); string(data) != "version 2" {
		t.Errorf("remote content = %q", data)
	}
	if got := f.byID(t, p.ID); got.PairState != state.PairSynchronized {
		t.Errorf("pair_state = %s", got.PairState)
	}
}

func TestProcess_LocallyModifiedSameContentSkipsUpload(t *testing.T) {
	f := newFixture(t)
	p, _ := f.synced(t, "/a.txt", "v1")
	before := f.server.Calls("NewBatch")
	f.localEdit(t, p, "v1")

	f.run(t)

	if n := f.server.Calls("NewBatch"); n != before {
		t.Errorf("unchanged content uploaded")
	}
	if got := f.byID(t, p.ID); got.PairState != state.PairSynchronized {
		t.Errorf("pair_state = %s", got.PairState)
	}
}

func TestProcess_LocallyModifiedReadOnlyFreezes(t *testing.T) {
	f := newFixture(t)
	p, ref := f.synced(t, "/a.txt", "v1")
	f.server.SetReadOnly(ref, true)
	info, _ := f.server.GetInfo(context.Background(), ref)
	if _, err := f.store.UpdateRemoteState(context.Background(), p, info, dao.RemoteUpdate{Force: true}); err != nil {
		t.Fatal(err)
	}
	f.localEdit(t, p, "v2")

	f.run(t)

	got := f.byID(t, p.ID)
	if got.PairState != state.PairUnsynchronized || got.LastError != ReasonReadOnly {
		t.Errorf("pair = %s/%s, want unsynchronized/%s", got.PairState, got.LastError, ReasonReadOnly)
	}
	if data, _ := f.server.Content(ref); string(data) != "v1" {
		t.Errorf("read-only document changed: %q", data)
	}
}

func TestProcess_RemotelyModified(t *testing.T) {
	f := newFixture(t)
	p, ref := f.synced(t, "/a.txt", "v1")
	f.server.UpdateFile(ref, []byte("remote v2"))
	f.remoteEdit(t, p)

	f.run(t)

	if got := f.read(t, "/a.txt"); got != "remote v2" {
		t.Errorf("local content = %q", got)
	}
	if got := f.byID(t, p.ID); got.PairState != state.PairSynchronized || got.LastTransfer != state.TransferDownload {
		t.Errorf("pair = %s/%s", got.PairState, got.LastTransfer)
	}
}

func TestProcess_RemotelyRenamedAndMoved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, ref := f.synced(t, "/a.txt", "data")
	if err := os.Mkdir(f.local.Abspath("/docs"), 0o755); err != nil {
		t.Fatal(err)
	}
	folder := f.created(t, "/docs")
	f.run(t)
	folder = f.byID(t, folder.ID)

	f.server.RenameDoc(ref, "b.txt")
	f.server.MoveDoc(ref, folder.RemoteRef)
	info, _ := f.server.GetInfo(ctx, ref)
	p.RemoteState = state.RemoteMoved
	if _, err := f.store.UpdateRemoteState(ctx, p, info, dao.RemoteUpdate{RemoteParentPath: folder.RemotePath(), Force: true}); err != nil {
		t.Fatal(err)
	}

	f.run(t)

	got := f.byID(t, p.ID)
	if got.LocalPath != "/docs/b.txt" || got.PairState != state.PairSynchronized {
		t.Errorf("pair = %s at %s", got.PairState, got.LocalPath)
	}
	if f.local.Exists("/a.txt") || f.read(t, "/docs/b.txt") != "data" {
		t.Error("local file not moved")
	}
}

func TestProcess_RemotelyModifiedWithLocalEditConflicts(t *testing.T) {
	f := newFixture(t)
	p, ref := f.synced(t, "/a.txt", "v1")
	// Edited locally, not seen by the watcher yet.
	f.write(t, "/a.txt", "local v2")
	f.server.UpdateFile(ref, []byte("remote v2"))
	f.remoteEdit(t, p)

	f.run(t)

	if got := f.byID(t, p.ID); got.PairState != state.PairConflicted {
		t.Errorf("pair_state = %s, want conflicted", got.PairState)
	}
	if got := f.read(t, "/a.txt"); got != "local v2" {
		t.Errorf("local edit lost: %q", got)
	}
}

func TestProcess_LocallyRenamed(t *testing.T) {
	f := newFixture(t)
	p, ref := f.synced(t, "/a.txt", "data")
	if err := os.Rename(f.local.Abspath("/a.txt"), f.local.Abspath("/b.txt")); err != nil {
		t.Fatal(err)
	}
	info, err := f.local.GetInfoWithDigest("/b.txt", "md5")
	if err != nil {
		t.Fatal(err)
	}
	p.LocalState = state.LocalMoved
	if err := f.store.UpdateLocalState(context.Background(), p, info, true); err != nil {
		t.Fatal(err)
	}

	f.run(t)

	if f.server.Child(remotetest.RootRef, "b.txt") != ref {
		t.Errorf("children = %v", f.server.Children(remotetest.RootRef))
	}
	if got := f.byID(t, p.ID); got.PairState != state.PairSynchronized || got.RemoteName != "b.txt" {
		t.Errorf("pair = %s/%s", got.PairState, got.RemoteName)
	}
	if n := f.server.Calls("NewBatch"); n != 1 {
		t.Errorf("rename uploaded content again (%d batches)", n)
	}
}

func TestProcess_LocallyDeleted(t *testing.T) {
	tests := []struct {
		name  string
		trash bool
	}{
		{"delete", false},
		{"trash", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.proc.opts.Trash = tt.trash
			p, ref := f.synced(t, "/a.txt", "data")
			if err := os.Remove(f.local.Abspath("/a.txt")); err != nil {
				t.Fatal(err)
			}
			if err := f.store.SetLocalState(context.Background(), p, state.LocalDeleted); err != nil {
				t.Fatal(err)
			}

			f.run(t)

			if _, ok := f.server.Content(ref); ok {
				t.Error("remote document still alive")
			}
			if got := f.byID(t, p.ID); got != nil {
				t.Errorf("pair kept as %s", got.PairState)
			}
		})
	}
}

func TestProcess_LocallyDeletedReadOnlyIsRestored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, ref := f.synced(t, "/a.txt", "data")
	f.server.SetReadOnly(ref, true)
	info, _ := f.server.GetInfo(ctx, ref)
	if _, err := f.store.UpdateRemoteState(ctx, p, info, dao.RemoteUpdate{Force: true}); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(f.local.Abspath("/a.txt")); err != nil {
		t.Fatal(err)
	}
	if err := f.store.SetLocalState(ctx, p, state.LocalDeleted); err != nil {
		t.Fatal(err)
	}

	f.run(t)

	if _, ok := f.server.Content(ref); !ok {
		t.Fatal("read-only document deleted")
	}
	if got := f.read(t, "/a.txt"); got != "data" {
		t.Errorf("restored content = %q", got)
	}
	if got := f.byID(t, p.ID); got == nil || got.PairState != state.PairSynchronized {
		t.Errorf("pair = %+v", got)
	}
}

func TestProcess_RemotelyDeleted(t *testing.T) {
	f := newFixture(t)
	p, ref := f.synced(t, "/a.txt", "data")
	f.server.DeleteDoc(ref)
	if err := f.store.MarkRemotelyDeleted(context.Background(), p); err != nil {
		t.Fatal(err)
	}

	f.run(t)

	if f.local.Exists("/a.txt") {
		t.Error("local file kept")
	}
	if got := f.byID(t, p.ID); got != nil {
		t.Errorf("pair kept as %s", got.PairState)
	}
}

// conflicted drives a synchronized hello.txt into a conflict with "A"
// locally and "B" remotely.
func (f *fixture) conflicted(t *testing.T, local, remote string) (*state.DocPair, string) {
	t.Helper()
	p, ref := f.synced(t, "/hello.txt", "hello")
	f.localEdit(t, p, local)
	f.server.UpdateFile(ref, []byte(remote))
	f.remoteEdit(t, p)
	if p.PairState != state.PairConflicted {
		t.Fatalf("pair_state = %s, want conflicted", p.PairState)
	}
	return p, ref
}

func TestProcess_ConflictKeepsLocalCopy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, _ := f.conflicted(t, "A", "B")

	if err := f.proc.Process(ctx, testWorker, p.ID); err != nil {
		t.Fatalf("Process() failed: %v", err)
	}

	if got := f.read(t, "/hello (local copy).txt"); got != "A" {
		t.Errorf("local copy = %q, want A", got)
	}
	if got := f.read(t, "/hello.txt"); got != "B" {
		t.Errorf("original = %q, want B", got)
	}
	got := f.byID(t, p.ID)
	if got.PairState != state.PairConflicted {
		t.Errorf("pair_state = %s, want conflicted", got.PairState)
	}
	if got.LastErrorDetails != "/hello (local copy).txt" {
		t.Errorf("last error details = %q", got.LastErrorDetails)
	}

	// Processing the conflict again does not make another copy.
	if err := f.proc.Process(ctx, testWorker, p.ID); err != nil {
		t.Fatal(err)
	}
	if f.local.Exists("/hello (local copy)__1.txt") {
		t.Error("second local copy created")
	}
}

func TestProcess_ConflictWithSameContentResolves(t *testing.T) {
	f := newFixture(t)
	p, _ := f.conflicted(t, "same", "same")

	if err := f.proc.Process(context.Background(), testWorker, p.ID); err != nil {
		t.Fatalf("Process() failed: %v", err)
	}
	if got := f.byID(t, p.ID); got.PairState != state.PairSynchronized {
		t.Errorf("pair_state = %s, want synchronized", got.PairState)
	}
	if f.local.Exists("/hello (local copy).txt") {
		t.Error("local copy made for identical content")
	}
}

func TestProcess_ResolvedWithLocalUploads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, ref := f.conflicted(t, "A", "B")
	if err := f.store.ForceLocal(ctx, p); err != nil {
		t.Fatal(err)
	}

	f.run(t)

	if data, _ := f.server.Content(ref); string(data) != "A" {
		t.Errorf("remote content = %q, want A", data)
	}
	if got := f.byID(t, p.ID); got.PairState != state.PairSynchronized {
		t.Errorf("pair_state = %s", got.PairState)
	}
}

func TestProcess_DirectTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := filepath.Join(t.TempDir(), "batch")
	if err := os.MkdirAll(src, 0o755); err != nil {
		t.Fatal(err)
	}
	file := filepath.Join(src, "x.txt")
	if err := os.WriteFile(file, []byte("direct"), 0o644); err != nil {
		t.Fatal(err)
	}

	sess := &state.Session{RemotePath: "/root", RemoteRef: remotetest.RootRef, Total: 2, PlannedItems: 2}
	if err := f.store.CreateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.InsertDirectTransfer(ctx, src, true, 0, sess.UID, remotetest.RootRef, "/root"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.InsertDirectTransfer(ctx, file, false, 6, sess.UID, "", ""); err != nil {
		t.Fatal(err)
	}

	f.run(t)

	folder := f.server.Child(remotetest.RootRef, "batch")
	ref := f.server.Child(folder, "x.txt")
	if data, _ := f.server.Content(ref); string(data) != "direct" {
		t.Fatalf("uploaded content = %q (folder %q)", data, folder)
	}
	done, err := f.store.GetSession(ctx, sess.UID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != state.SessionDone || done.Uploaded != 2 {
		t.Errorf("session = %s %d/%d", done.Status, done.Uploaded, done.Total)
	}
	if len(f.sessions) != 2 {
		t.Errorf("session hook called %d times", len(f.sessions))
	}
	if _, err := os.Stat(file); err != nil {
		t.Errorf("source file touched: %v", err)
	}
}

func TestProcess_SkipsLeasedPair(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write(t, "/a.txt", "a")
	p := f.created(t, "/a.txt")
	if ok, err := f.store.AcquireProcessor(ctx, 42, p.ID); err != nil || !ok {
		t.Fatalf("AcquireProcessor() = %v, %v", ok, err)
	}

	if err := f.proc.Process(ctx, testWorker, p.ID); err != nil {
		t.Fatal(err)
	}
	if got := f.byID(t, p.ID); got.PairState != state.PairLocallyCreated {
		t.Errorf("leased pair processed: %s", got.PairState)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		kind   Kind
		reason string
		local  bool
	}{
		{localfs.ErrLocked, Locked, ReasonLocked, false},
		{remote.ErrUnauthorized, Permanent, ReasonUnauthorized, false},
		{remote.ErrForbidden, Permanent, ReasonReadOnly, false},
		{&remote.ConflictError{Ref: "doc-1"}, Conflict, "CONFLICT", false},
		{fmt.Errorf("get: %w", remote.ErrNotFound), NotFound, "REMOTE_NOT_FOUND", false},
		{fmt.Errorf("stat: %w", fs.ErrNotExist), NotFound, "LOCAL_NOT_FOUND", true},
		{transfer.ErrDigestMismatch, Transient, ReasonDigestMismatch, false},
		{fs.ErrPermission, Permanent, ReasonLocalIO, false},
		{context.Canceled, Yield, "CANCELLED", false},
		{remotetest.ErrOffline, Transient, ReasonNetwork, false},
		{errors.New("boom"), Transient, "UNKNOWN", false},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			pe := Classify(tt.err)
			if pe.Kind != tt.kind || pe.Reason != tt.reason || pe.Local != tt.local {
				t.Errorf("Classify() = %s/%s/%v, want %s/%s/%v", pe.Kind, pe.Reason, pe.Local, tt.kind, tt.reason, tt.local)
			}
			if !errors.Is(pe, tt.err) {
				t.Error("classified error does not wrap the original")
			}
		})
	}

	if !IsRetryable(localfs.ErrLocked) || IsRetryable(remote.ErrForbidden) {
		t.Error("IsRetryable() mismatch")
	}
	if !IsUserActionRequired(remote.ErrForbidden) || IsUserActionRequired(remotetest.ErrOffline) {
		t.Error("IsUserActionRequired() mismatch")
	}
}

const testWorker = queue.FirstFileWorker
