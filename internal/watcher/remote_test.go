package watcher

import (
	"context"
	"testing"

	"github.com/nxdrive/drivesync/internal/dao"
	"github.com/nxdrive/drivesync/internal/localfs"
	"github.com/nxdrive/drivesync/internal/remote/remotetest"
	"github.com/nxdrive/drivesync/internal/state"
)

func (f *fixture) poll(t *testing.T) {
	t.Helper()
	if err := f.rw.Poll(context.Background()); err != nil {
		t.Fatalf("Poll() failed: %v", err)
	}
}

func TestRemotePoll_FirstPollScans(t *testing.T) {
	f := newFixture(t)
	docs := f.server.CreateFolder(remotetest.RootRef, "docs")
	file := f.server.CreateFile(docs, "a.txt", []byte("aaa"))

	f.poll(t)

	folder := f.remotePair(t, docs)
	if folder == nil || folder.LocalPath != "/docs" || folder.PairState != state.PairRemotelyCreated {
		t.Fatalf("folder pair = %+v", folder)
	}
	p := f.remotePair(t, file)
	if p == nil {
		t.Fatal("file not recorded")
	}
	if p.LocalPath != "/docs/a.txt" || p.RemoteParentPath != "/root/"+docs {
		t.Errorf("paths = %s, %s", p.LocalPath, p.RemoteParentPath)
	}
	if p.PairState != state.PairRemotelyCreated {
		t.Errorf("pair_state = %s, want remotely_created", p.PairState)
	}

	scanned, _ := f.store.GetConfig(context.Background(), dao.ConfigLastFullScan, "")
	if scanned == "" {
		t.Error("full scan date not recorded")
	}
}

func TestRemotePoll_NoChangesIsNoop(t *testing.T) {
	f := newFixture(t)
	f.server.CreateFile(remotetest.RootRef, "a.txt", []byte("aaa"))
	f.poll(t)
	before := f.server.Calls("GetChildren")

	f.poll(t)
	if got := f.server.Calls("GetChildren"); got != before {
		t.Errorf("incremental poll listed folders: %d calls, want %d", got, before)
	}
}

func TestRemotePoll_Modified(t *testing.T) {
	f := newFixture(t)
	_, ref := f.synced(t, "/a.txt", "aaa")
	f.poll(t)
	if p := f.pair(t, "/a.txt"); p.PairState != state.PairSynchronized {
		t.Fatalf("scan of a converged tree changed the pair: %s", p.PairState)
	}

	f.server.UpdateFile(ref, []byte("remote edit"))
	f.poll(t)

	p := f.pair(t, "/a.txt")
	if p.PairState != state.PairRemotelyModified {
		t.Errorf("pair_state = %s, want remotely_modified", p.PairState)
	}
	if p.RemoteDigest != localfs.DigestBytes([]byte("remote edit"), "md5") {
		t.Errorf("remote digest = %v", p.RemoteDigest)
	}
}

func TestRemotePoll_Renamed(t *testing.T) {
	f := newFixture(t)
	_, ref := f.synced(t, "/a.txt", "aaa")
	f.poll(t)

	f.server.RenameDoc(ref, "b.txt")
	f.poll(t)

	p := f.remotePair(t, ref)
	if p.RemoteName != "b.txt" || p.PairState != state.PairRemotelyModified {
		t.Errorf("pair = %s/%s, want b.txt remotely_modified", p.RemoteName, p.PairState)
	}
	if p.LocalPath != "/a.txt" {
		t.Errorf("local path changed before processing: %s", p.LocalPath)
	}
}

func TestRemotePoll_Deleted(t *testing.T) {
	f := newFixture(t)
	_, ref := f.synced(t, "/a.txt", "aaa")
	pending := f.server.CreateFile(remotetest.RootRef, "never-downloaded.txt", []byte("x"))
	f.poll(t)

	f.server.DeleteDoc(ref)
	f.server.DeleteDoc(pending)
	f.poll(t)

	if p := f.remotePair(t, ref); p == nil || p.PairState != state.PairRemotelyDeleted {
		t.Errorf("pair = %+v, want remotely_deleted", p)
	}
	if p := f.remotePair(t, pending); p != nil {
		t.Errorf("remote-only pair kept after deletion: %s", p.PairState)
	}
}

func TestRemotePoll_MovePropagatesToDescendants(t *testing.T) {
	f := newFixture(t)
	a := f.server.CreateFolder(remotetest.RootRef, "a")
	b := f.server.CreateFolder(remotetest.RootRef, "b")
	file := f.server.CreateFile(a, "f.txt", []byte("f"))
	f.poll(t)

	f.server.MoveDoc(a, b)
	f.poll(t)

	if p := f.remotePair(t, a); p.RemoteParentPath != "/root/"+b {
		t.Errorf("folder remote parent = %s", p.RemoteParentPath)
	}
	want := "/root/" + b + "/" + a
	if p := f.remotePair(t, file); p.RemoteParentPath != want {
		t.Errorf("child remote parent = %s, want %s", p.RemoteParentPath, want)
	}
}

func TestRemoteScan_TransientFailureIsRetried(t *testing.T) {
	f := newFixture(t)
	docs := f.server.CreateFolder(remotetest.RootRef, "docs")
	file := f.server.CreateFile(docs, "a.txt", []byte("aaa"))
	// The root listing succeeds, the one of docs does not.
	f.server.FailNext("GetChildren", nil, remotetest.ErrOffline)

	f.poll(t)

	paths, err := f.store.GetPathsToScan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 1 || paths[0] != "/root/"+docs {
		t.Fatalf("paths to scan = %v", paths)
	}
	if p := f.remotePair(t, file); p != nil {
		t.Fatal("child of an unlisted folder recorded")
	}

	f.poll(t)

	if p := f.remotePair(t, file); p == nil {
		t.Error("child not recorded after the retry")
	}
	if paths, _ := f.store.GetPathsToScan(context.Background()); len(paths) != 0 {
		t.Errorf("paths to scan left: %v", paths)
	}
}

func TestRemotePoll_FilteredSubtree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	skip := f.server.CreateFolder(remotetest.RootRef, "skip")
	if err := f.filters.Add(ctx, "/root/"+skip); err != nil {
		t.Fatal(err)
	}
	f.server.CreateFile(skip, "inside.txt", []byte("x"))
	keep := f.server.CreateFile(remotetest.RootRef, "keep.txt", []byte("y"))

	f.poll(t)

	if p := f.remotePair(t, skip); p != nil {
		t.Error("filtered folder recorded")
	}
	if p := f.remotePair(t, keep); p == nil {
		t.Error("unfiltered file not recorded")
	}
}

// A document moved into a filtered folder whose pair is not dropped yet
// must lose its local copy, not follow the folder.
func TestRemotePoll_MovedIntoFilteredFolder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, ref := f.synced(t, "/a.txt", "aaa")
	docs := f.server.CreateFolder(remotetest.RootRef, "docs")
	f.poll(t)
	if f.remotePair(t, docs) == nil {
		t.Fatal("folder not recorded")
	}
	if err := f.filters.Add(ctx, "/root/"+docs); err != nil {
		t.Fatal(err)
	}

	f.server.MoveDoc(ref, docs)
	f.poll(t)

	p := f.remotePair(t, ref)
	if p == nil || p.PairState != state.PairRemotelyDeleted {
		t.Fatalf("pair = %+v, want remotely_deleted", p)
	}
	if p.RemoteParentPath != "/"+remotetest.RootRef {
		t.Errorf("remote parent path = %s, want it left at the root", p.RemoteParentPath)
	}
}

func TestRemotePoll_AlignsWithLocalCreation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write(t, "/a.txt", "same")
	if err := f.lw.Scan(ctx); err != nil {
		t.Fatal(err)
	}
	ref := f.server.CreateFile(remotetest.RootRef, "a.txt", []byte("same"))

	f.poll(t)

	p := f.pair(t, "/a.txt")
	if p.RemoteRef != ref || p.PairState != state.PairSynchronized {
		t.Errorf("pair = %s/%s, want synchronized with %s", p.RemoteRef, p.PairState, ref)
	}
	if n := countPairs(t, f.store)[state.PairRemotelyCreated]; n != 0 {
		t.Errorf("%d duplicate remote creation(s)", n)
	}
}

func TestRemotePoll_NameClashIsDeduplicated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write(t, "/a.txt", "local")
	if err := f.lw.Scan(ctx); err != nil {
		t.Fatal(err)
	}
	// Same name, other content, in another folder than the local file's
	// pair would align with: it must not take /a.txt.
	other := f.server.CreateFolder(remotetest.RootRef, "a.txt")

	f.poll(t)

	p := f.remotePair(t, other)
	if p == nil || p.LocalPath == "/a.txt" {
		t.Fatalf("remote folder pair = %+v", p)
	}
	if p.LocalPath != "/a__1.txt" {
		t.Errorf("local path = %s, want /a__1.txt", p.LocalPath)
	}
}

func TestRemotePoll_ConcurrentEditConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, ref := f.synced(t, "/a.txt", "aaa")
	f.poll(t)
	if err := f.store.SetLocalState(ctx, p, state.LocalModified); err != nil {
		t.Fatal(err)
	}

	f.server.UpdateFile(ref, []byte("remote edit"))
	f.poll(t)

	if got := f.pair(t, "/a.txt"); got.PairState != state.PairConflicted {
		t.Errorf("pair_state = %s, want conflicted", got.PairState)
	}
	if len(f.conflicts) != 1 {
		t.Errorf("conflict hook called %d time(s)", len(f.conflicts))
	}
}
