package state

import (
	"errors"
	"testing"
)

func TestPairStateFor(t *testing.T) {
	tests := []struct {
		local  LocalState
		remote RemoteState
		want   PairState
	}{
		{LocalSynchronized, RemoteSynchronized, PairSynchronized},
		{LocalCreated, RemoteUnknown, PairLocallyCreated},
		{LocalUnknown, RemoteCreated, PairRemotelyCreated},
		{LocalModified, RemoteSynchronized, PairLocallyModified},
		{LocalSynchronized, RemoteModified, PairRemotelyModified},
		{LocalMoved, RemoteSynchronized, PairLocallyMoved},
		{LocalMoved, RemoteDeleted, PairLocallyMovedCreated},
		{LocalMoved, RemoteModified, PairLocallyMovedRemotelyModified},
		{LocalDeleted, RemoteSynchronized, PairLocallyDeleted},
		{LocalSynchronized, RemoteDeleted, PairRemotelyDeleted},
		{LocalDeleted, RemoteDeleted, PairDeleted},
		{LocalModified, RemoteModified, PairConflicted},
		{LocalCreated, RemoteCreated, PairConflicted},
		{LocalCreated, RemoteDeleted, PairLocallyCreated},
		{LocalDeleted, RemoteModified, PairRemotelyCreated},
		{LocalResolved, RemoteSynchronized, PairLocallyResolved},
		{LocalUnsynchronized, RemoteModified, PairUnsynchronized},
		{LocalDirect, RemoteTodo, PairDirectTransfer},
	}

	for _, tt := range tests {
		t.Run(string(tt.local)+"/"+string(tt.remote), func(t *testing.T) {
			got, err := PairStateFor(tt.local, tt.remote)
			if err != nil {
				t.Fatalf("PairStateFor() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("PairStateFor() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPairStateFor_Unknown(t *testing.T) {
	_, err := PairStateFor(LocalDirect, RemoteSynchronized)
	if !errors.Is(err, ErrUnknownPairState) {
		t.Fatalf("error = %v, want ErrUnknownPairState", err)
	}
}

func TestPairStateFor_ChildrenModifiedNeverStored(t *testing.T) {
	for k, v := range pairStates {
		if v == PairChildrenModified {
			t.Errorf("%v maps to the display-only children_modified state", k)
		}
	}
}

func TestIsQueueable(t *testing.T) {
	for _, ps := range []PairState{PairConflicted, PairSynchronized, PairUnsynchronized} {
		if ps.IsQueueable() {
			t.Errorf("%s should not be queueable", ps)
		}
	}
	if !PairLocallyCreated.IsQueueable() {
		t.Error("locally_created should be queueable")
	}
}

func TestDigestEqual(t *testing.T) {
	md5 := func(v string) Digest { return Digest{Algorithm: "md5", Value: v} }

	tests := []struct {
		name string
		a, b Digest
		want bool
	}{
		{"same", md5("abc"), md5("abc"), true},
		{"case insensitive", md5("ABC"), md5("abc"), true},
		{"different", md5("abc"), md5("abd"), false},
		{"algorithm mismatch", md5("abc"), Digest{Algorithm: "sha256", Value: "abc"}, false},
		{"deferred", md5(UnaccessibleHash), md5(UnaccessibleHash), false},
		{"empty", Digest{}, Digest{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Equal(tt.b); got != tt.want {
				t.Errorf("Equal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPathHelpers(t *testing.T) {
	if got := JoinPath("/", "a.txt"); got != "/a.txt" {
		t.Errorf("JoinPath(/, a.txt) = %q", got)
	}
	if got := JoinPath("/docs", "a.txt"); got != "/docs/a.txt" {
		t.Errorf("JoinPath(/docs, a.txt) = %q", got)
	}
	if got := ParentPath("/docs/a.txt"); got != "/docs" {
		t.Errorf("ParentPath = %q", got)
	}
	if got := ParentPath("/a.txt"); got != "/" {
		t.Errorf("ParentPath top-level = %q", got)
	}
	if got := NormalizePath(`docs\sub\a.txt`); got != "/docs/sub/a.txt" {
		t.Errorf("NormalizePath = %q", got)
	}
	if !IsUnder("/docs/a", "/docs") || IsUnder("/docs2/a", "/docs") {
		t.Error("IsUnder prefix handling is wrong")
	}
	if !IsUnder("/a", "/") || IsUnder("/", "/") {
		t.Error("IsUnder root handling is wrong")
	}
}

func TestTransferOffset(t *testing.T) {
	tr := Transfer{Filesize: 100 << 20, Progress: 60}
	if got, want := tr.Offset(), int64(60<<20); got != want {
		t.Errorf("Offset() = %d, want %d", got, want)
	}
}
