package watcher

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/nxdrive/drivesync/internal/dao"
	"github.com/nxdrive/drivesync/internal/filter"
	"github.com/nxdrive/drivesync/internal/localfs"
	"github.com/nxdrive/drivesync/internal/remote/remotetest"
	"github.com/nxdrive/drivesync/internal/state"
)

type fixture struct {
	store     *dao.Store
	server    *remotetest.Server
	local     *localfs.Client
	filters   *filter.Engine
	lw        *Local
	rw        *Remote
	conflicts []*state.DocPair
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

	filters, err := filter.New(ctx, store, nil, logger)
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{store: store, server: server, local: local, filters: filters}
	onConflict := func(p *state.DocPair) { f.conflicts = append(f.conflicts, p) }
	f.lw = NewLocal(store, local, LocalOptions{OnConflict: onConflict, Logger: logger})
	f.rw = NewRemote(store, server, RemoteOptions{
		RootRef:    remotetest.RootRef,
		Filters:    filters,
		Local:      local,
		OnConflict: onConflict,
		Logger:     logger,
	})
	return f
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

func (f *fixture) remotePair(t *testing.T, ref string) *state.DocPair {
	t.Helper()
	p, err := f.store.GetStateFromRemote(context.Background(), ref)
	if err != nil {
		t.Fatalf("GetStateFromRemote(%q) failed: %v", ref, err)
	}
	return p
}

// synced writes rel locally and binds it to a new remote document, as if
// both sides had been synchronized before.
func (f *fixture) synced(t *testing.T, rel, content string) (*state.DocPair, string) {
	t.Helper()
	ctx := context.Background()
	f.write(t, rel, content)
	info, err := f.local.GetInfoWithDigest(rel, "md5")
	if err != nil {
		t.Fatal(err)
	}
	id, err := f.store.InsertLocalState(ctx, info, info.ParentPath())
	if err != nil {
		t.Fatal(err)
	}
	p, _ := f.store.GetStateFromID(ctx, id)

	ref := f.server.CreateFile(remotetest.RootRef, info.Name, []byte(content))
	doc, _ := f.server.GetInfo(ctx, ref)
	if _, err := f.store.UpdateRemoteState(ctx, p, doc, dao.RemoteUpdate{RemoteParentPath: "/" + remotetest.RootRef, Force: true}); err != nil {
		t.Fatal(err)
	}
	if ok, err := f.store.SynchronizeState(ctx, p, p.Version); err != nil || !ok {
		t.Fatalf("SynchronizeState() = %v, %v", ok, err)
	}
	return p, ref
}

func countPairs(t *testing.T, s *dao.Store) map[state.PairState]int {
	t.Helper()
	counts, err := s.CountByPairState(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return counts
}
