//go:build linux || darwin

package processor

import (
	"context"
	"errors"
	"os"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/nxdrive/drivesync/internal/state"
)

// hold takes an exclusive advisory lock on rel until the test ends or the
// returned func is called.
func (f *fixture) hold(t *testing.T, rel string) func() {
	t.Helper()
	fd, err := os.Open(f.local.Abspath(rel))
	if err != nil {
		t.Fatal(err)
	}
	if err := unix.Flock(int(fd.Fd()), unix.LOCK_EX); err != nil {
		fd.Close()
		t.Fatal(err)
	}
	release := func() {
		_ = unix.Flock(int(fd.Fd()), unix.LOCK_UN)
		_ = fd.Close()
	}
	t.Cleanup(release)
	return release
}

func TestProcess_RemotelyDeletedLockedFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, ref := f.synced(t, "/report.docx", "draft")
	release := f.hold(t, "/report.docx")

	f.server.DeleteDoc(ref)
	if err := f.store.MarkRemotelyDeleted(ctx, p); err != nil {
		t.Fatal(err)
	}

	err := f.proc.Process(ctx, testWorker, p.ID)
	var pe *ProcessError
	if !errors.As(err, &pe) || pe.Kind != Locked {
		t.Fatalf("Process() = %v, want a locked error", err)
	}
	if pe.Delay() != DefaultLockDelay {
		t.Errorf("Delay() = %s, want %s", pe.Delay(), DefaultLockDelay)
	}
	got := f.byID(t, p.ID)
	if got.ErrorCount != 1 || got.LastError != ReasonLocked {
		t.Errorf("error bookkeeping = %d/%s", got.ErrorCount, got.LastError)
	}
	if !f.local.Exists("/report.docx") {
		t.Fatal("locked file deleted")
	}

	release()
	if err := f.proc.Process(ctx, testWorker, p.ID); err != nil {
		t.Fatalf("Process() after unlock = %v", err)
	}
	if f.local.Exists("/report.docx") {
		t.Error("file kept after unlock")
	}
	if got := f.byID(t, p.ID); got != nil {
		t.Errorf("pair kept as %s", got.PairState)
	}
}

func TestProcess_RemotelyModifiedLockedFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, ref := f.synced(t, "/a.txt", "v1")
	f.hold(t, "/a.txt")
	f.server.UpdateFile(ref, []byte("v2"))
	f.remoteEdit(t, p)

	err := f.proc.Process(ctx, testWorker, p.ID)
	var pe *ProcessError
	if !errors.As(err, &pe) || pe.Kind != Locked {
		t.Fatalf("Process() = %v, want a locked error", err)
	}
	if got := f.byID(t, p.ID); got.PairState != state.PairRemotelyModified {
		t.Errorf("pair_state = %s", got.PairState)
	}
	if got := f.read(t, "/a.txt"); got != "v1" {
		t.Errorf("locked file overwritten: %q", got)
	}
}
