package nuxeo

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/nxdrive/drivesync/internal/remote"
)

// newTestClient starts a server routing on "METHOD path" and returns a
// client pointed at it.
func newTestClient(t *testing.T, routes map[string]http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h, ok := routes[r.Method+" "+r.URL.Path]; ok {
			h(w, r)
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	c, err := New(Options{
		URL:      srv.URL + "/",
		Token:    "secret",
		DeviceID: "device-1",
		Logger:   log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return c
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestNew_RequiresURL(t *testing.T) {
	if _, err := New(Options{URL: "  "}); err == nil {
		t.Fatal("expected an error for an empty URL")
	}
}

func TestGetInfo(t *testing.T) {
	c := newTestClient(t, map[string]http.HandlerFunc{
		"POST /api/v1/automation/NuxeoDrive.GetFileSystemItem": func(w http.ResponseWriter, r *http.Request) {
			if got := r.Header.Get(tokenHeader); got != "secret" {
				t.Errorf("token header = %q", got)
			}
			if got := r.Header.Get(deviceHeader); got != "device-1" {
				t.Errorf("device header = %q", got)
			}
			var body struct {
				Params map[string]string `json:"params"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("bad body: %v", err)
			}
			if body.Params["id"] == "missing" {
				w.Write([]byte("null"))
				return
			}
			writeJSON(w, map[string]any{
				"id":                   body.Params["id"],
				"parentId":             "root",
				"path":                 "/root/" + body.Params["id"],
				"name":                 "hello.txt",
				"lastModificationDate": 1700000000000,
				"digest":               "49f68a5c8493ec2c0bf489821c21fc3b",
				"digestAlgorithm":      "md5",
				"size":                 2,
				"downloadURL":          "nxfile/default/doc-1/blobholder:0/hello.txt",
				"canUpdate":            true,
				"lockInfo":             map[string]any{"owner": "bob"},
			})
		},
	})

	info, err := c.GetInfo(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("GetInfo() failed: %v", err)
	}
	if info.Name != "hello.txt" || info.ParentUID != "root" || info.Size != 2 {
		t.Errorf("unexpected info: %+v", info)
	}
	if info.Digest.Algorithm != "md5" || info.Digest.Value != "49f68a5c8493ec2c0bf489821c21fc3b" {
		t.Errorf("digest = %+v", info.Digest)
	}
	if info.LockOwner != "bob" || !info.CanUpdate || info.CanDelete {
		t.Errorf("lock/permissions = %+v", info)
	}
	if info.ParentPath() != "/root" {
		t.Errorf("ParentPath() = %q", info.ParentPath())
	}

	if _, err := c.GetInfo(context.Background(), "missing"); !errors.Is(err, remote.ErrNotFound) {
		t.Errorf("GetInfo(missing) error = %v, want ErrNotFound", err)
	}
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		check  func(error) bool
	}{
		{http.StatusUnauthorized, func(err error) bool { return errors.Is(err, remote.ErrUnauthorized) }},
		{http.StatusForbidden, remote.IsPermission},
		{http.StatusNotFound, func(err error) bool { return errors.Is(err, remote.ErrNotFound) }},
		{http.StatusConflict, remote.IsConflict},
		{http.StatusServiceUnavailable, remote.IsTransient},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := newTestClient(t, map[string]http.HandlerFunc{
				"POST /api/v1/automation/NuxeoDrive.Rename": func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(tt.status)
					writeJSON(w, map[string]any{"message": "nope", "status": tt.status})
				},
			})
			_, err := c.Rename(context.Background(), "doc-1", "new")
			if err == nil || !tt.check(err) {
				t.Errorf("Rename() error = %v", err)
			}
		})
	}
}

func TestGetChangeSummary(t *testing.T) {
	c := newTestClient(t, map[string]http.HandlerFunc{
		"POST /api/v1/automation/NuxeoDrive.GetChangeSummary": func(w http.ResponseWriter, r *http.Request) {
			var body struct {
				Params struct {
					LowerBound int64  `json:"lowerBound"`
					Roots      string `json:"lastSyncActiveRootDefinitions"`
				} `json:"params"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body.Params.LowerBound != 41 || body.Params.Roots != "default:root" {
				t.Errorf("params = %+v", body.Params)
			}
			changes := []map[string]any{
				{"eventId": remote.EventModified, "docUuid": "u1", "fileSystemItemId": "doc-1",
					"fileSystemItem": map[string]any{"id": "doc-1", "name": "a.txt", "path": "/root/doc-1"}},
				{"eventId": remote.EventDeleted, "docUuid": "u2", "fileSystemItemId": "doc-2"},
			}
			resp := map[string]any{"syncDate": 1700000000, "upperBound": 42, "fileSystemChanges": changes}
			resp["activeSynchronizationRootDefinitions"] = "default:root"
			writeJSON(w, resp)
		},
	})

	sum, err := c.GetChangeSummary(context.Background(), 41, "default:root")
	if err != nil {
		t.Fatalf("GetChangeSummary() failed: %v", err)
	}
	if sum.UpperBound != 42 || len(sum.Changes) != 2 {
		t.Fatalf("summary = %+v", sum)
	}
	if sum.Changes[0].Item == nil || sum.Changes[0].Item.Name != "a.txt" {
		t.Errorf("first change item = %+v", sum.Changes[0].Item)
	}
	if sum.Changes[1].Item != nil {
		t.Errorf("deleted change should carry no item")
	}
}

func TestDownload_RangeIgnored(t *testing.T) {
	c := newTestClient(t, map[string]http.HandlerFunc{
		"GET /nxfile/default/doc-1/blobholder:0/f.bin": func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Range") != "bytes=4-" {
				t.Errorf("Range = %q", r.Header.Get("Range"))
			}
			w.Write([]byte("0123456789"))
		},
	})

	rc, err := c.Download(context.Background(), &remote.Info{UID: "doc-1", DownloadURL: "/nxfile/default/doc-1/blobholder:0/f.bin"}, 4)
	if err != nil {
		t.Fatalf("Download() failed: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "456789" {
		t.Errorf("downloaded %q", data)
	}
}

func TestChunkedUpload(t *testing.T) {
	var mu sync.Mutex
	chunks := map[string]string{}
	var idemKey string

	c := newTestClient(t, map[string]http.HandlerFunc{
		"POST /api/v1/upload/": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, map[string]any{"batchId": "b1"})
		},
		"POST /api/v1/upload/b1/0": func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-Upload-Type") != "chunked" || r.Header.Get("X-File-Size") != "6" {
				t.Errorf("headers = %v", r.Header)
			}
			data, _ := io.ReadAll(r.Body)
			mu.Lock()
			chunks[r.Header.Get("X-Upload-Chunk-Index")] = string(data)
			mu.Unlock()
			w.WriteHeader(http.StatusCreated)
		},
		"GET /api/v1/upload/b1/0": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, map[string]any{"uploadedChunkIds": []int{0}, "chunkCount": 2})
		},
		"POST /api/v1/upload/b1/0/execute/NuxeoDrive.CreateFile": func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			idemKey = r.Header.Get(idempotencyKey)
			mu.Unlock()
			writeJSON(w, map[string]any{"id": "doc-9", "name": "f.bin", "parentId": "root"})
		},
		"DELETE /api/v1/upload/b1": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		},
	})
	ctx := context.Background()

	b, err := c.NewBatch(ctx)
	if err != nil {
		t.Fatalf("NewBatch() failed: %v", err)
	}
	for i, part := range []string{"abc", "def"} {
		b, err = c.UploadChunk(ctx, b, remote.Chunk{
			Index: i, Count: 2, Size: 3, FileSize: 6, FileName: "f.bin", Data: strings.NewReader(part),
		})
		if err != nil {
			t.Fatalf("UploadChunk(%d) failed: %v", i, err)
		}
	}
	if !b.HasChunk(0) || !b.HasChunk(1) {
		t.Errorf("uploaded chunks = %v", b.UploadedChunks)
	}
	mu.Lock()
	if chunks["0"] != "abc" || chunks["1"] != "def" {
		t.Errorf("server received %v", chunks)
	}
	mu.Unlock()

	st, err := c.BatchStatus(ctx, &remote.Batch{ID: "b1"})
	if err != nil {
		t.Fatalf("BatchStatus() failed: %v", err)
	}
	if st.NextChunk() != 1 || st.ChunkCount != 2 {
		t.Errorf("status = %+v", st)
	}

	info, err := c.Attach(ctx, b, remote.AttachRequest{ParentRef: "root", Name: "f.bin", RequestUID: "req-1"})
	if err != nil {
		t.Fatalf("Attach() failed: %v", err)
	}
	mu.Lock()
	key := idemKey
	mu.Unlock()
	if info.UID != "doc-9" || key != "req-1" {
		t.Errorf("attach = %+v, idempotency key %q", info, key)
	}
	if err := c.CancelBatch(ctx, b); err != nil {
		t.Errorf("CancelBatch() failed: %v", err)
	}
}

func TestBatchStatus_Expired(t *testing.T) {
	c := newTestClient(t, nil)
	_, err := c.BatchStatus(context.Background(), &remote.Batch{ID: "gone"})
	if !errors.Is(err, remote.ErrBatchExpired) {
		t.Errorf("BatchStatus() error = %v, want ErrBatchExpired", err)
	}
}

func TestSupportsS3(t *testing.T) {
	tests := []struct {
		version string
		want    bool
	}{
		{"10.10-HF23", true},
		{"10.3", false},
		{"9.10", false},
		{"2021.5", true},
		{"garbage", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := SupportsS3(tt.version); got != tt.want {
			t.Errorf("SupportsS3(%q) = %v, want %v", tt.version, got, tt.want)
		}
	}
}

func TestNegotiate(t *testing.T) {
	c := newTestClient(t, map[string]http.HandlerFunc{
		"GET /json/cmis": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, map[string]any{"default": map[string]any{"productVersion": "2021.12"}})
		},
	})

	version, err := c.Negotiate(context.Background(), true)
	if err != nil {
		t.Fatalf("Negotiate() failed: %v", err)
	}
	if version != "2021.12" || !c.s3Enabled() {
		t.Errorf("version %q, s3 %v", version, c.s3Enabled())
	}
	if _, err := c.Negotiate(context.Background(), false); err != nil || c.s3Enabled() {
		t.Errorf("S3 should stay off when not allowed")
	}
}

func TestServerConfig_Missing(t *testing.T) {
	c := newTestClient(t, nil)
	cfg, err := c.ServerConfig(context.Background())
	if err != nil || len(cfg) != 0 {
		t.Errorf("ServerConfig() = %v, %v", cfg, err)
	}
}

func TestDocUID(t *testing.T) {
	if got := DocUID("defaultFileSystemItemFactory#default#abc"); got != "abc" {
		t.Errorf("DocUID() = %q", got)
	}
	c := newTestClient(t, nil)
	if got := c.DocumentURL("f#default#abc", true); !strings.HasSuffix(got, "/ui/#!/doc/abc?view=edit") {
		t.Errorf("DocumentURL() = %q", got)
	}
}
