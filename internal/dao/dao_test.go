package dao

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nxdrive/drivesync/internal/localfs"
	"github.com/nxdrive/drivesync/internal/remote"
	"github.com/nxdrive/drivesync/internal/state"
)

// testDBPath returns a temporary path for test databases
func testDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "engine.db")
}

type recordingQueue struct {
	mu    sync.Mutex
	pairs []*state.DocPair
}

func (q *recordingQueue) Push(p *state.DocPair) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pairs = append(q.pairs, p.Clone())
}

func (q *recordingQueue) ids() []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]int64, len(q.pairs))
	for i, p := range q.pairs {
		out[i] = p.ID
	}
	return out
}

func (q *recordingQueue) reset() {
	q.mu.Lock()
	q.pairs = nil
	q.mu.Unlock()
}

func newTestStore(t *testing.T) (*Store, *recordingQueue) {
	t.Helper()
	s, err := Open(testDBPath(t), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	q := &recordingQueue{}
	s.SetQueueManager(q)
	return s, q
}

func localFile(path string, digest string) *localfs.FileInfo {
	return &localfs.FileInfo{
		Path:         path,
		Name:         filepath.Base(path),
		Size:         int64(len(digest)),
		LastModified: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Digest:       state.Digest{Algorithm: "md5", Value: digest},
	}
}

func localFolder(path string) *localfs.FileInfo {
	return &localfs.FileInfo{
		Path:         path,
		Name:         filepath.Base(path),
		Folderish:    true,
		LastModified: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

func remoteDoc(uid, parent, name, digest string, folderish bool) *remote.Info {
	info := &remote.Info{
		UID:          uid,
		ParentUID:    parent,
		Name:         name,
		Folderish:    folderish,
		LastModified: time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC),
		CanRename:    true,
		CanDelete:    true,
		CanUpdate:    true,
	}
	if !folderish {
		info.Digest = state.Digest{Algorithm: "md5", Value: digest}
	}
	return info
}

func mustInsertLocal(t *testing.T, s *Store, info *localfs.FileInfo) *state.DocPair {
	t.Helper()
	ctx := context.Background()
	id, err := s.InsertLocalState(ctx, info, state.ParentPath(info.Path))
	if err != nil {
		t.Fatalf("InsertLocalState(%s) failed: %v", info.Path, err)
	}
	p, err := s.GetStateFromID(ctx, id)
	if err != nil || p == nil {
		t.Fatalf("GetStateFromID(%d) = %v, %v", id, p, err)
	}
	return p
}

// synchronizedPair creates a pair bound on both sides.
func synchronizedPair(t *testing.T, s *Store, info *localfs.FileInfo, doc *remote.Info, parentPath string) *state.DocPair {
	t.Helper()
	ctx := context.Background()
	p := mustInsertLocal(t, s, info)
	if _, err := s.UpdateRemoteState(ctx, p, doc, RemoteUpdate{RemoteParentPath: parentPath, Force: true}); err != nil {
		t.Fatalf("UpdateRemoteState() failed: %v", err)
	}
	p.LocalDigest = info.Digest
	p.RemoteDigest = doc.Digest
	ok, err := s.SynchronizeState(ctx, p, p.Version)
	if err != nil || !ok {
		t.Fatalf("SynchronizeState() = %v, %v", ok, err)
	}
	return p
}

func TestOpen_AppliesMigrations(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	v, err := s.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("SchemaVersion() failed: %v", err)
	}
	if v != LatestSchemaVersion() {
		t.Errorf("SchemaVersion() = %d, want %d", v, LatestSchemaVersion())
	}

	stored, err := s.GetConfigInt(ctx, SchemaVersionKey, 0)
	if err != nil {
		t.Fatalf("GetConfigInt() failed: %v", err)
	}
	if int(stored) != v {
		t.Errorf("stored schema_version = %d, want %d", stored, v)
	}
}

func TestOpen_Reopen(t *testing.T) {
	path := testDBPath(t)
	logger := log.New(io.Discard, "", 0)

	s, err := Open(path, logger)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	mustInsertLocal(t, s, localFile("/a.txt", "aaa"))
	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	s, err = Open(path, logger)
	if err != nil {
		t.Fatalf("second Open() failed: %v", err)
	}
	defer s.Close()

	p, err := s.GetStateFromLocal(context.Background(), "/a.txt")
	if err != nil || p == nil {
		t.Fatalf("pair lost across reopen: %v, %v", p, err)
	}
}

func TestInsertLocalState(t *testing.T) {
	s, q := newTestStore(t)

	p := mustInsertLocal(t, s, localFile("/docs/a.txt", "d41d8cd98f00b204e9800998ecf8427e"))

	if p.PairState != state.PairLocallyCreated {
		t.Errorf("pair_state = %q, want locally_created", p.PairState)
	}
	if p.LocalParentPath != "/docs" || p.LocalName != "a.txt" {
		t.Errorf("parent/name = %q/%q", p.LocalParentPath, p.LocalName)
	}
	if p.LocalDigest.Algorithm != "md5" {
		t.Errorf("digest algorithm = %q, want md5", p.LocalDigest.Algorithm)
	}
	if got := q.ids(); len(got) != 1 || got[0] != p.ID {
		t.Errorf("queued = %v, want [%d]", got, p.ID)
	}
}

func TestInsertLocalState_PendingParentNotQueued(t *testing.T) {
	s, q := newTestStore(t)

	folder := mustInsertLocal(t, s, localFolder("/docs"))
	q.reset()

	child := mustInsertLocal(t, s, localFile("/docs/a.txt", "aaa"))
	if len(q.ids()) != 0 {
		t.Fatalf("child of a pending folder was queued: %v", q.ids())
	}

	if err := s.QueueChildren(context.Background(), folder); err != nil {
		t.Fatalf("QueueChildren() failed: %v", err)
	}
	if got := q.ids(); len(got) != 1 || got[0] != child.ID {
		t.Errorf("QueueChildren queued %v, want [%d]", got, child.ID)
	}
}

func TestInsertRemoteState(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id, err := s.InsertRemoteState(ctx, remoteDoc("doc-1", "root", "b.txt", "bbb", false), "/root", "/b.txt", "/")
	if err != nil {
		t.Fatalf("InsertRemoteState() failed: %v", err)
	}

	p, err := s.GetStateFromRemote(ctx, "doc-1")
	if err != nil || p == nil {
		t.Fatalf("GetStateFromRemote() = %v, %v", p, err)
	}
	if p.ID != id {
		t.Errorf("id = %d, want %d", p.ID, id)
	}
	if p.PairState != state.PairRemotelyCreated {
		t.Errorf("pair_state = %q, want remotely_created", p.PairState)
	}
	if p.HasLocal() {
		t.Error("remote creation should not report a local side")
	}
	if got := p.RemotePath(); got != "/root/doc-1" {
		t.Errorf("RemotePath() = %q", got)
	}

	byPath, err := s.GetStateFromRemotePath(ctx, "/root/doc-1")
	if err != nil || byPath == nil || byPath.ID != id {
		t.Errorf("GetStateFromRemotePath() = %v, %v", byPath, err)
	}
}

func TestLookups_NotFound(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if p, err := s.GetStateFromLocal(ctx, "/missing"); p != nil || err != nil {
		t.Errorf("GetStateFromLocal() = %v, %v, want nil, nil", p, err)
	}
	if p, err := s.GetStateFromRemote(ctx, "nope"); p != nil || err != nil {
		t.Errorf("GetStateFromRemote() = %v, %v, want nil, nil", p, err)
	}
	if u, err := s.GetUpload(ctx, 42); u != nil || err != nil {
		t.Errorf("GetUpload() = %v, %v, want nil, nil", u, err)
	}
}

func TestSynchronizeState_StaleVersion(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	p := mustInsertLocal(t, s, localFile("/a.txt", "aaa"))
	seen := p.Version

	// A concurrent writer updates the pair.
	other := p.Clone()
	other.LocalState = state.LocalModified
	if err := s.UpdateLocalState(ctx, other, localFile("/a.txt", "bbb"), true); err != nil {
		t.Fatalf("UpdateLocalState() failed: %v", err)
	}

	ok, err := s.SynchronizeState(ctx, p, seen)
	if err != nil {
		t.Fatalf("SynchronizeState() failed: %v", err)
	}
	if ok {
		t.Fatal("SynchronizeState() succeeded on a stale version")
	}

	fresh, _ := s.GetStateFromID(ctx, p.ID)
	if fresh.PairState == state.PairSynchronized {
		t.Error("stale synchronize overwrote the pair")
	}

	ok, err = s.SynchronizeState(ctx, fresh, fresh.Version)
	if err != nil || !ok {
		t.Fatalf("SynchronizeState() on fresh version = %v, %v", ok, err)
	}
	if fresh.PairState != state.PairSynchronized || fresh.ErrorCount != 0 {
		t.Errorf("after sync: state=%q errors=%d", fresh.PairState, fresh.ErrorCount)
	}
}

func TestUpdateRemoteState_NoChange(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	doc := remoteDoc("doc-1", "root", "a.txt", "aaa", false)
	p := synchronizedPair(t, s, localFile("/a.txt", "aaa"), doc, "/root")

	changed, err := s.UpdateRemoteState(ctx, p, doc, RemoteUpdate{})
	if err != nil {
		t.Fatalf("UpdateRemoteState() failed: %v", err)
	}
	if changed {
		t.Error("UpdateRemoteState() wrote an unchanged document")
	}
}

func TestPairStateAlwaysMatchesSides(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	doc := remoteDoc("doc-1", "root", "a.txt", "aaa", false)
	p := synchronizedPair(t, s, localFile("/a.txt", "aaa"), doc, "/root")

	steps := []func() error{
		func() error { return s.SetLocalState(ctx, p, state.LocalModified) },
		func() error { return s.SetConflictState(ctx, p) },
		func() error { return s.ForceLocal(ctx, p) },
		func() error { return s.ForceRemote(ctx, p) },
		func() error { return s.UnsynchronizeState(ctx, p, "READONLY", "") },
		func() error { return s.MarkRemotelyDeleted(ctx, p) },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d failed: %v", i, err)
		}
		stored, err := s.GetStateFromID(ctx, p.ID)
		if err != nil {
			t.Fatalf("GetStateFromID() failed: %v", err)
		}
		want, err := state.PairStateFor(stored.LocalState, stored.RemoteState)
		if err != nil {
			t.Fatalf("step %d left an invalid combination: %v", i, err)
		}
		if stored.PairState != want {
			t.Errorf("step %d: pair_state = %q, want %q", i, stored.PairState, want)
		}
	}
}

func TestSetConflictState(t *testing.T) {
	s, q := newTestStore(t)
	ctx := context.Background()

	p := mustInsertLocal(t, s, localFile("/a.txt", "aaa"))
	q.reset()

	if err := s.SetConflictState(ctx, p); err != nil {
		t.Fatalf("SetConflictState() failed: %v", err)
	}
	if p.PairState != state.PairConflicted {
		t.Errorf("pair_state = %q, want conflicted", p.PairState)
	}
	if len(q.ids()) != 0 {
		t.Error("conflicted pairs must not be queued")
	}

	conflicts, err := s.GetConflicts(ctx)
	if err != nil || len(conflicts) != 1 {
		t.Fatalf("GetConflicts() = %v, %v", conflicts, err)
	}
}

func TestForceLocalAndRemote(t *testing.T) {
	s, q := newTestStore(t)
	ctx := context.Background()

	p := mustInsertLocal(t, s, localFile("/a.txt", "aaa"))
	if err := s.SetConflictState(ctx, p); err != nil {
		t.Fatal(err)
	}
	q.reset()

	if err := s.ForceLocal(ctx, p); err != nil {
		t.Fatalf("ForceLocal() failed: %v", err)
	}
	if p.PairState != state.PairLocallyResolved {
		t.Errorf("after ForceLocal pair_state = %q", p.PairState)
	}
	if len(q.ids()) != 1 {
		t.Errorf("ForceLocal queued %d pairs, want 1", len(q.ids()))
	}

	if err := s.SetConflictState(ctx, p); err != nil {
		t.Fatal(err)
	}
	if err := s.ForceRemote(ctx, p); err != nil {
		t.Fatalf("ForceRemote() failed: %v", err)
	}
	if p.PairState != state.PairRemotelyModified {
		t.Errorf("after ForceRemote pair_state = %q", p.PairState)
	}
}

func TestUpdateLocalPaths(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	mustInsertLocal(t, s, localFolder("/été"))
	mustInsertLocal(t, s, localFolder("/été/sub"))
	mustInsertLocal(t, s, localFile("/été/sub/a.txt", "aaa"))
	mustInsertLocal(t, s, localFile("/étéx/b.txt", "bbb"))

	if err := s.UpdateLocalPaths(ctx, "/été", "/archive/hiver"); err != nil {
		t.Fatalf("UpdateLocalPaths() failed: %v", err)
	}

	tests := []struct {
		path, parent, name string
	}{
		{"/archive/hiver", "/archive", "hiver"},
		{"/archive/hiver/sub", "/archive/hiver", "sub"},
		{"/archive/hiver/sub/a.txt", "/archive/hiver/sub", "a.txt"},
		{"/étéx/b.txt", "/étéx", "b.txt"},
	}
	for _, tt := range tests {
		p, err := s.GetStateFromLocal(ctx, tt.path)
		if err != nil || p == nil {
			t.Errorf("missing pair at %s (%v)", tt.path, err)
			continue
		}
		if p.LocalParentPath != tt.parent {
			t.Errorf("%s parent = %q, want %q", tt.path, p.LocalParentPath, tt.parent)
		}
		if p.LocalName != tt.name {
			t.Errorf("%s name = %q, want %q", tt.path, p.LocalName, tt.name)
		}
	}
}

func TestRemoveState_Cascade(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	folder := synchronizedPair(t, s, localFolder("/docs"), remoteDoc("doc-1", "root", "docs", "", true), "/root")
	child := synchronizedPair(t, s, localFile("/docs/a.txt", "aaa"), remoteDoc("doc-2", "doc-1", "a.txt", "aaa", false), "/root/doc-1")
	other := mustInsertLocal(t, s, localFile("/docs2/b.txt", "bbb"))

	if err := s.SaveDownload(ctx, &state.Download{Transfer: state.Transfer{DocPair: child.ID, Path: "/docs/a.txt"}}); err != nil {
		t.Fatalf("SaveDownload() failed: %v", err)
	}

	if err := s.RemoveState(ctx, folder); err != nil {
		t.Fatalf("RemoveState() failed: %v", err)
	}

	for _, id := range []int64{folder.ID, child.ID} {
		if p, _ := s.GetStateFromID(ctx, id); p != nil {
			t.Errorf("pair %d survived its folder removal", id)
		}
	}
	if p, _ := s.GetStateFromID(ctx, other.ID); p == nil {
		t.Error("sibling prefix folder was removed")
	}
	if d, _ := s.GetDownload(ctx, child.ID); d != nil {
		t.Error("download row survived its pair")
	}
}

func TestMarkLocallyDeleted(t *testing.T) {
	s, q := newTestStore(t)
	ctx := context.Background()

	folder := synchronizedPair(t, s, localFolder("/docs"), remoteDoc("doc-1", "root", "docs", "", true), "/root")
	child := synchronizedPair(t, s, localFile("/docs/a.txt", "aaa"), remoteDoc("doc-2", "doc-1", "a.txt", "aaa", false), "/root/doc-1")
	q.reset()

	if err := s.MarkLocallyDeleted(ctx, folder); err != nil {
		t.Fatalf("MarkLocallyDeleted() failed: %v", err)
	}
	if folder.PairState != state.PairLocallyDeleted {
		t.Errorf("folder pair_state = %q", folder.PairState)
	}
	stored, _ := s.GetStateFromID(ctx, child.ID)
	if stored.PairState != state.PairLocallyDeleted {
		t.Errorf("child pair_state = %q", stored.PairState)
	}
	if got := q.ids(); len(got) != 1 || got[0] != folder.ID {
		t.Errorf("queued = %v, want only the folder", got)
	}
}

func TestFindAlignment(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	local := mustInsertLocal(t, s, localFile("/a.txt", "aaa"))

	tests := []struct {
		name   string
		query  AlignQuery
		wantID int64
	}{
		{"exact", AlignQuery{Side: AlignLocal, ParentPath: "/", Name: "a.txt", Digest: state.Digest{Algorithm: "md5", Value: "aaa"}}, local.ID},
		{"digest differs", AlignQuery{Side: AlignLocal, ParentPath: "/", Name: "a.txt", Digest: state.Digest{Algorithm: "md5", Value: "zzz"}}, 0},
		{"deferred digest", AlignQuery{Side: AlignLocal, ParentPath: "/", Name: "a.txt", Digest: state.Digest{Value: state.UnaccessibleHash}}, local.ID},
		{"other name", AlignQuery{Side: AlignLocal, ParentPath: "/", Name: "b.txt"}, 0},
		{"folder kind", AlignQuery{Side: AlignLocal, ParentPath: "/", Name: "a.txt", Folderish: true}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := s.FindAlignment(ctx, tt.query)
			if err != nil {
				t.Fatalf("FindAlignment() failed: %v", err)
			}
			var got int64
			if p != nil {
				got = p.ID
			}
			if got != tt.wantID {
				t.Errorf("FindAlignment() = %d, want %d", got, tt.wantID)
			}
		})
	}
}

func TestProcessorLease(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	p := mustInsertLocal(t, s, localFile("/a.txt", "aaa"))

	ok, err := s.AcquireProcessor(ctx, 1, p.ID)
	if err != nil || !ok {
		t.Fatalf("AcquireProcessor(1) = %v, %v", ok, err)
	}
	if ok, _ := s.AcquireProcessor(ctx, 2, p.ID); ok {
		t.Error("a second processor acquired a leased pair")
	}
	if ok, _ := s.AcquireProcessor(ctx, 1, p.ID); !ok {
		t.Error("lease holder could not re-acquire")
	}
	if err := s.ReleaseProcessor(ctx, 1); err != nil {
		t.Fatalf("ReleaseProcessor() failed: %v", err)
	}
	if ok, _ := s.AcquireProcessor(ctx, 2, p.ID); !ok {
		t.Error("pair not free after release")
	}
}

func TestErrors(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	p := mustInsertLocal(t, s, localFile("/a.txt", "aaa"))

	for i := 0; i < 3; i++ {
		if err := s.IncreaseError(ctx, p, "SERVER_ERROR", "boom", 1); err != nil {
			t.Fatalf("IncreaseError() failed: %v", err)
		}
	}
	errs, err := s.GetErrors(ctx, 3)
	if err != nil || len(errs) != 1 {
		t.Fatalf("GetErrors(3) = %v, %v", errs, err)
	}
	if errs[0].LastError != "SERVER_ERROR" || errs[0].PairState != state.PairLocallyCreated {
		t.Errorf("error pair = %+v", errs[0])
	}

	if err := s.ResetError(ctx, p); err != nil {
		t.Fatalf("ResetError() failed: %v", err)
	}
	errs, _ = s.GetErrors(ctx, 1)
	if len(errs) != 0 {
		t.Errorf("errors after reset = %d", len(errs))
	}
}

func TestFilters(t *testing.T) {
	s, q := newTestStore(t)
	ctx := context.Background()

	folder := synchronizedPair(t, s, localFolder("/docs"), remoteDoc("doc-1", "root", "docs", "", true), "/root")
	child := synchronizedPair(t, s, localFile("/docs/a.txt", "aaa"), remoteDoc("doc-2", "doc-1", "a.txt", "aaa", false), "/root/doc-1")
	if _, err := s.AddFilter(ctx, "/root/doc-1/sub"); err != nil {
		t.Fatal(err)
	}
	if err := s.AddPathToScan(ctx, "/root/doc-1/other"); err != nil {
		t.Fatal(err)
	}
	q.reset()

	pair, err := s.AddFilter(ctx, "/root/doc-1")
	if err != nil {
		t.Fatalf("AddFilter() failed: %v", err)
	}
	if pair == nil || pair.ID != folder.ID || pair.PairState != state.PairRemotelyDeleted {
		t.Fatalf("AddFilter() returned %+v", pair)
	}

	filters, _ := s.GetFilters(ctx)
	if len(filters) != 1 || filters[0] != "/root/doc-1/" {
		t.Errorf("filters = %v, want the subfilter replaced", filters)
	}
	if scans, _ := s.GetPathsToScan(ctx); len(scans) != 0 {
		t.Errorf("pending scans under the filter survived: %v", scans)
	}
	stored, _ := s.GetStateFromID(ctx, child.ID)
	if stored.PairState != state.PairRemotelyDeleted {
		t.Errorf("child pair_state = %q", stored.PairState)
	}

	for _, tt := range []struct {
		path string
		want bool
	}{
		{"/root/doc-1", true},
		{"/root/doc-1/doc-9", true},
		{"/root/doc-10", false},
		{"/root", false},
	} {
		if got, _ := s.IsFiltered(ctx, tt.path); got != tt.want {
			t.Errorf("IsFiltered(%s) = %v, want %v", tt.path, got, tt.want)
		}
	}

	if err := s.RemoveFilter(ctx, "/root/doc-1"); err != nil {
		t.Fatalf("RemoveFilter() failed: %v", err)
	}
	scans, _ := s.GetPathsToScan(ctx)
	if len(scans) != 1 || scans[0] != "/root/doc-1" {
		t.Errorf("scans after RemoveFilter = %v", scans)
	}
}

func TestTransfers(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	p := mustInsertLocal(t, s, localFile("/big.bin", "aaa"))

	u := &state.Upload{
		Transfer:   state.Transfer{DocPair: p.ID, Path: "/big.bin", Filesize: 100},
		ChunkSize:  20,
		RequestUID: "req-1",
		Batch:      []byte(`{"batchId":"batch-1"}`),
	}
	if err := s.SaveUpload(ctx, u); err != nil {
		t.Fatalf("SaveUpload() failed: %v", err)
	}
	if u.UID == 0 || u.Status != state.TransferOngoing {
		t.Fatalf("SaveUpload() left uid=%d status=%q", u.UID, u.Status)
	}

	u.Progress = 40
	if err := s.SaveUpload(ctx, u); err != nil {
		t.Fatalf("SaveUpload() update failed: %v", err)
	}
	got, err := s.GetUpload(ctx, p.ID)
	if err != nil || got == nil {
		t.Fatalf("GetUpload() = %v, %v", got, err)
	}
	if got.Offset() != 40 || got.RequestUID != "req-1" || string(got.Batch) != `{"batchId":"batch-1"}` {
		t.Errorf("GetUpload() = %+v", got)
	}

	if n, err := s.SuspendOngoingTransfers(ctx); err != nil || n != 1 {
		t.Fatalf("SuspendOngoingTransfers() = %d, %v", n, err)
	}
	if sts, _ := s.GetTransferStatus(ctx, state.TransferUpload, u.UID); sts != state.TransferSuspended {
		t.Errorf("status = %q, want suspended", sts)
	}

	if err := s.SetTransferStatus(ctx, state.TransferUpload, u.UID, state.TransferPaused); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.ResumeSuspendedTransfers(ctx); n != 0 {
		t.Errorf("resume touched %d paused transfers", n)
	}

	if err := s.RemoveTransfer(ctx, state.TransferUpload, p.ID); err != nil {
		t.Fatalf("RemoveTransfer() failed: %v", err)
	}
	if sts, _ := s.GetTransferStatus(ctx, state.TransferUpload, u.UID); sts != state.TransferCancelled {
		t.Errorf("removed transfer status = %q, want cancelled", sts)
	}
}

func TestSessions(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	sess := &state.Session{RemotePath: "/Workspaces/ws", RemoteRef: "doc-1", Total: 2, PlannedItems: 2}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession() failed: %v", err)
	}
	items := []SessionItem{{Path: "/tmp/a.txt", Size: 3}, {Path: "/tmp/dir", Folderish: true}}
	if err := s.AddSessionItems(ctx, sess.UID, items); err != nil {
		t.Fatalf("AddSessionItems() failed: %v", err)
	}
	got, err := s.GetSessionItems(ctx, sess.UID)
	if err != nil || len(got) != 2 {
		t.Fatalf("GetSessionItems() = %v, %v", got, err)
	}

	updated, err := s.IncrementSessionUploaded(ctx, sess.UID)
	if err != nil {
		t.Fatalf("IncrementSessionUploaded() failed: %v", err)
	}
	if updated.Status != state.SessionOngoing {
		t.Errorf("status after 1/2 = %q", updated.Status)
	}

	updated, _ = s.IncrementSessionUploaded(ctx, sess.UID)
	if updated.Status != state.SessionDone || updated.CompletedOn == nil {
		t.Errorf("session not completed at 2/2: %+v", updated)
	}

	updated, _ = s.IncrementSessionUploaded(ctx, sess.UID)
	if updated.Uploaded != 2 {
		t.Errorf("uploaded = %d, must never exceed total", updated.Uploaded)
	}

	done, _ := s.ListSessions(ctx, true)
	if len(done) != 1 {
		t.Errorf("ListSessions(done) = %d sessions", len(done))
	}
}

func TestConfiguration(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if v, _ := s.GetConfig(ctx, ConfigRemoteToken, "none"); v != "none" {
		t.Errorf("default = %q", v)
	}
	if err := s.SetConfig(ctx, ConfigLowerBound, "42"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetConfig(ctx, ConfigLowerBound, "43"); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.GetConfigInt(ctx, ConfigLowerBound, 0); n != 43 {
		t.Errorf("GetConfigInt() = %d, want 43", n)
	}
	if err := s.DeleteConfig(ctx, ConfigLowerBound); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.GetConfigInt(ctx, ConfigLowerBound, -1); n != -1 {
		t.Errorf("after delete = %d", n)
	}
}
