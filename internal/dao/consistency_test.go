package dao

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"testing"

	"github.com/nxdrive/drivesync/internal/state"
)

// TestPathWrites_InvalidateSnapshots checks that path and digest writes
// bump the version, so a worker holding an older copy cannot mark the pair
// synchronized over them.
func TestPathWrites_InvalidateSnapshots(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		write func(s *Store, folder, child *state.DocPair) error
	}{
		{
			name: "local parent moved",
			write: func(s *Store, folder, _ *state.DocPair) error {
				return s.UpdateLocalPaths(ctx, folder.LocalPath, "/moved")
			},
		},
		{
			name: "remote parent moved",
			write: func(s *Store, folder, _ *state.DocPair) error {
				return s.UpdateRemoteParentPaths(ctx, folder.RemotePath(), "/root/doc-9/doc-1")
			},
		},
		{
			name: "deferred digest",
			write: func(s *Store, _, child *state.DocPair) error {
				return s.SetLocalDigest(ctx, child.Clone(), state.Digest{Algorithm: "md5", Value: "bbb"})
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestStore(t)
			folder := synchronizedPair(t, s, localFolder("/docs"), remoteDoc("doc-1", "root", "docs", "", true), "/root")
			child := synchronizedPair(t, s, localFile("/docs/a.txt", "aaa"), remoteDoc("doc-2", "doc-1", "a.txt", "aaa", false), "/root/doc-1")
			snapshot, err := s.GetStateFromID(ctx, child.ID)
			if err != nil {
				t.Fatal(err)
			}

			if err := tt.write(s, folder, child); err != nil {
				t.Fatalf("write failed: %v", err)
			}

			stored, _ := s.GetStateFromID(ctx, child.ID)
			if stored.Version <= snapshot.Version {
				t.Errorf("version = %d, want above %d", stored.Version, snapshot.Version)
			}
			ok, err := s.SynchronizeState(ctx, snapshot, snapshot.Version)
			if err != nil {
				t.Fatal(err)
			}
			if ok {
				t.Error("SynchronizeState() accepted a stale snapshot")
			}
		})
	}
}

func TestSetLocalDigest_KeepsCallerCurrent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	p := synchronizedPair(t, s, localFile("/a.txt", "aaa"), remoteDoc("doc-2", "root", "a.txt", "aaa", false), "/root")

	if err := s.SetLocalDigest(ctx, p, state.Digest{Algorithm: "md5", Value: "bbb"}); err != nil {
		t.Fatal(err)
	}
	ok, err := s.SynchronizeState(ctx, p, p.Version)
	if err != nil || !ok {
		t.Errorf("SynchronizeState() after own digest write = %v, %v", ok, err)
	}
}

func TestSetLocalState_UnknownPairState(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	folder := synchronizedPair(t, s, localFolder("/docs"), remoteDoc("doc-1", "root", "docs", "", true), "/root")
	p := synchronizedPair(t, s, localFile("/docs/a.txt", "aaa"), remoteDoc("doc-2", "doc-1", "a.txt", "aaa", false), "/root/doc-1")
	if err := s.SetRemoteState(ctx, p, state.RemoteMoved); err != nil {
		t.Fatal(err)
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return txSetLocalState(ctx, tx, p, state.LocalDeleted)
	})
	if !errors.Is(err, state.ErrUnknownPairState) {
		t.Fatalf("txSetLocalState() = %v, want ErrUnknownPairState", err)
	}

	// Deleting the folder leaves the moved child to its own step.
	if err := s.MarkLocallyDeleted(ctx, folder); err != nil {
		t.Fatalf("MarkLocallyDeleted() failed: %v", err)
	}
	stored, _ := s.GetStateFromID(ctx, p.ID)
	if stored.LocalState != state.LocalSynchronized || stored.RemoteState != state.RemoteMoved {
		t.Errorf("child states = %s/%s", stored.LocalState, stored.RemoteState)
	}
}

// TestAddFilter_QueuesOrphanDescendants filters a subtree whose folder pair
// is unknown: the top-most marked pairs must still reach the queue.
func TestAddFilter_QueuesOrphanDescendants(t *testing.T) {
	s, q := newTestStore(t)
	ctx := context.Background()

	top := synchronizedPair(t, s, localFile("/docs/a.txt", "aaa"), remoteDoc("doc-2", "doc-1", "a.txt", "aaa", false), "/root/doc-1")
	sub := synchronizedPair(t, s, localFolder("/docs/sub"), remoteDoc("doc-3", "doc-1", "sub", "", true), "/root/doc-1")
	deep := synchronizedPair(t, s, localFile("/docs/sub/b.txt", "bbb"), remoteDoc("doc-4", "doc-3", "b.txt", "bbb", false), "/root/doc-1/doc-3")
	q.reset()

	pair, err := s.AddFilter(ctx, "/root/doc-1")
	if err != nil {
		t.Fatalf("AddFilter() failed: %v", err)
	}
	if pair != nil {
		t.Errorf("AddFilter() returned %+v, want nil without a folder pair", pair)
	}

	got := q.ids()
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	want := []int64{top.ID, sub.ID}
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("queued %v, want %v", got, want)
	}
	for _, id := range []int64{top.ID, sub.ID, deep.ID} {
		stored, _ := s.GetStateFromID(ctx, id)
		if stored.PairState != state.PairRemotelyDeleted {
			t.Errorf("pair %d pair_state = %q", id, stored.PairState)
		}
	}
}
