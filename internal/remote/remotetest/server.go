// Package remotetest provides an in-memory remote repository implementing
// remote.Client, with a change log and failure injection for tests.
package remotetest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nxdrive/drivesync/internal/localfs"
	"github.com/nxdrive/drivesync/internal/remote"
)

// RootRef is the reference of the synchronization root of every Server.
const RootRef = "root"

type document struct {
	uid       string
	parent    string
	name      string
	folder    bool
	data      []byte
	modified  time.Time
	deleted   bool
	readOnly  bool
	lockOwner string
}

type change struct {
	id    int64
	event string
	uid   string
	name  string
	date  time.Time
}

type batch struct {
	remote.Batch
	chunks map[int][]byte
}

// Server is a fake remote repository. It is safe for concurrent use.
type Server struct {
	mu       sync.Mutex
	docs     map[string]*document
	nextID   int
	clock    int64
	changes  []change
	batches  map[string]*batch
	requests map[string]string
	failures map[string][]error
	calls    map[string]int
	offline  bool
	s3       bool
	version  string
	config   map[string]any

	// chunkBudget makes UploadChunk fail once this many chunks succeeded.
	chunkBudget int
	chunkErr    error
}

// New returns a Server holding an empty synchronization root.
func New() *Server {
	s := &Server{
		docs:     make(map[string]*document),
		batches:  make(map[string]*batch),
		requests: make(map[string]string),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
		version:  "10.10",
		config:   make(map[string]any),

		chunkBudget: -1,
	}
	s.docs[RootRef] = &document{uid: RootRef, name: "Workspace", folder: true, modified: time.Now().UTC()}
	return s
}

var _ remote.Client = (*Server)(nil)

// ErrOffline is returned by every call while the server is offline.
var ErrOffline = &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}

// --- test controls ---

// FailNext queues errors returned by the next calls of op (a method name).
func (s *Server) FailNext(op string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], errs...)
}

// FailChunksAfter makes UploadChunk return err once n more chunks succeeded.
func (s *Server) FailChunksAfter(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunkBudget = n
	s.chunkErr = err
}

// SetOffline toggles connection failures on every call.
func (s *Server) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// EnableS3 makes new batches use the S3 direct upload provider.
func (s *Server) EnableS3(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.s3 = enabled
}

// SetVersion sets the version reported by ServerVersion.
func (s *Server) SetVersion(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = v
}

// SetConfig sets the policy returned by ServerConfig.
func (s *Server) SetConfig(cfg map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = cfg
}

// Calls returns how many times op was invoked.
func (s *Server) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// --- server-side mutations, as done by other users ---

// CreateFolder creates a folder and returns its ref.
func (s *Server) CreateFolder(parentRef, name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.create(parentRef, name, true, nil).uid
}

// CreateFile creates a file and returns its ref.
func (s *Server) CreateFile(parentRef, name string, data []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.create(parentRef, name, false, data).uid
}

// UpdateFile replaces the content of a file.
func (s *Server) UpdateFile(ref string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.docs[ref]
	d.data = append([]byte(nil), data...)
	d.modified = s.tick()
	s.record(remote.EventModified, d)
}

// RenameDoc renames a document.
func (s *Server) RenameDoc(ref, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.docs[ref]
	d.name = name
	d.modified = s.tick()
	s.record(remote.EventModified, d)
}

// MoveDoc moves a document under another folder.
func (s *Server) MoveDoc(ref, parentRef string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.docs[ref]
	d.parent = parentRef
	d.modified = s.tick()
	s.record(remote.EventMoved, d)
}

// DeleteDoc deletes a document and its descendants.
func (s *Server) DeleteDoc(ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(ref)
}

// SetReadOnly revokes or grants write permissions on a document.
func (s *Server) SetReadOnly(ref string, readOnly bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.docs[ref]
	d.readOnly = readOnly
	s.tick()
	s.record(remote.EventSecurityUpdated, d)
}

// Content returns the content of a live file.
func (s *Server) Content(ref string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[ref]
	if !ok || d.deleted {
		return nil, false
	}
	return append([]byte(nil), d.data...), true
}

// Child returns the ref of the live child called name, or "".
func (s *Server) Child(parentRef, name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.docs {
		if !d.deleted && d.parent == parentRef && d.name == name {
			return d.uid
		}
	}
	return ""
}

// Children returns the names of the live children of a folder.
func (s *Server) Children(parentRef string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for _, d := range s.docs {
		if !d.deleted && d.parent == parentRef {
			names = append(names, d.name)
		}
	}
	sort.Strings(names)
	return names
}

// PathOf returns the ref path of a document.
func (s *Server) PathOf(ref string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path(ref)
}

// --- internals ---

func (s *Server) tick() time.Time {
	s.clock++
	return time.Unix(1700000000+s.clock, 0).UTC()
}

func (s *Server) create(parentRef, name string, folder bool, data []byte) *document {
	s.nextID++
	d := &document{
		uid:      fmt.Sprintf("doc-%d", s.nextID),
		parent:   parentRef,
		name:     name,
		folder:   folder,
		data:     append([]byte(nil), data...),
		modified: s.tick(),
	}
	s.docs[d.uid] = d
	s.record(remote.EventCreated, d)
	return d
}

func (s *Server) remove(ref string) {
	d, ok := s.docs[ref]
	if !ok || d.deleted {
		return
	}
	for _, child := range s.docs {
		if child.parent == ref && !child.deleted {
			child.deleted = true
			s.markDescendants(child.uid)
		}
	}
	d.deleted = true
	s.tick()
	s.record(remote.EventDeleted, d)
}

func (s *Server) markDescendants(ref string) {
	for _, child := range s.docs {
		if child.parent == ref && !child.deleted {
			child.deleted = true
			s.markDescendants(child.uid)
		}
	}
}

func (s *Server) record(event string, d *document) {
	s.changes = append(s.changes, change{
		id:    s.clock,
		event: event,
		uid:   d.uid,
		name:  d.name,
		date:  d.modified,
	})
}

func (s *Server) path(ref string) string {
	var parts []string
	for cur := ref; cur != ""; {
		parts = append([]string{cur}, parts...)
		d, ok := s.docs[cur]
		if !ok {
			break
		}
		cur = d.parent
	}
	return "/" + strings.Join(parts, "/")
}

func (s *Server) info(d *document) *remote.Info {
	info := &remote.Info{
		UID:            d.uid,
		ParentUID:      d.parent,
		Path:           s.path(d.uid),
		Name:           d.name,
		Folderish:      d.folder,
		LastModified:   d.modified,
		LockOwner:      d.lockOwner,
		CanRename:      !d.readOnly && d.uid != RootRef,
		CanDelete:      !d.readOnly && d.uid != RootRef,
		CanUpdate:      !d.readOnly,
		CanCreateChild: d.folder && !d.readOnly,
	}
	if !d.folder {
		info.Size = int64(len(d.data))
		info.Digest = localfs.DigestBytes(d.data, "md5")
		info.DownloadURL = "nxfile/default/" + d.uid
	}
	return info
}

// enter records a call and returns an injected failure, if any.
func (s *Server) enter(op string) error {
	s.calls[op]++
	if s.offline {
		return ErrOffline
	}
	if errs := s.failures[op]; len(errs) > 0 {
		s.failures[op] = errs[1:]
		return errs[0]
	}
	return nil
}

func (s *Server) live(ref string) (*document, error) {
	d, ok := s.docs[ref]
	if !ok || d.deleted {
		return nil, fmt.Errorf("%s: %w", ref, remote.ErrNotFound)
	}
	return d, nil
}

// --- remote.Client ---

func (s *Server) GetInfo(ctx context.Context, ref string) (*remote.Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("GetInfo"); err != nil {
		return nil, err
	}
	d, err := s.live(ref)
	if err != nil {
		return nil, err
	}
	return s.info(d), nil
}

func (s *Server) GetChildren(ctx context.Context, ref string) ([]*remote.Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("GetChildren"); err != nil {
		return nil, err
	}
	if _, err := s.live(ref); err != nil {
		return nil, err
	}
	var out []*remote.Info
	for _, d := range s.docs {
		if d.parent == ref && !d.deleted {
			out = append(out, s.info(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Server) GetChangeSummary(ctx context.Context, lowerBound int64, lastRoots string) (*remote.ChangeSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("GetChangeSummary"); err != nil {
		return nil, err
	}

	summary := &remote.ChangeSummary{
		SyncDate:    s.clock,
		UpperBound:  s.clock,
		ActiveRoots: RootRef,
	}
	// Most recent event first, like the server.
	for i := len(s.changes) - 1; i >= 0; i-- {
		c := s.changes[i]
		if c.id <= lowerBound {
			break
		}
		entry := remote.Change{
			EventID:   c.event,
			EventDate: c.date,
			DocUUID:   c.uid,
			ItemID:    c.uid,
			ItemName:  c.name,
		}
		if d, ok := s.docs[c.uid]; ok && !d.deleted {
			entry.Item = s.info(d)
		}
		summary.Changes = append(summary.Changes, entry)
	}
	return summary, nil
}

func (s *Server) SetSynchronization(ctx context.Context, ref string, enable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("SetSynchronization"); err != nil {
		return err
	}
	d, err := s.live(ref)
	if err != nil {
		return err
	}
	s.tick()
	if enable {
		s.record(remote.EventRootRegistered, d)
	} else {
		s.record(remote.EventRootUnregistered, d)
	}
	return nil
}

func (s *Server) MakeFolder(ctx context.Context, parentRef, name string) (*remote.Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("MakeFolder"); err != nil {
		return nil, err
	}
	parent, err := s.live(parentRef)
	if err != nil {
		return nil, err
	}
	if parent.readOnly {
		return nil, remote.ErrForbidden
	}
	return s.info(s.create(parentRef, name, true, nil)), nil
}

func (s *Server) Rename(ctx context.Context, ref, name string) (*remote.Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Rename"); err != nil {
		return nil, err
	}
	d, err := s.live(ref)
	if err != nil {
		return nil, err
	}
	if d.readOnly {
		return nil, remote.ErrForbidden
	}
	d.name = name
	d.modified = s.tick()
	s.record(remote.EventModified, d)
	return s.info(d), nil
}

func (s *Server) Move(ctx context.Context, ref, parentRef string) (*remote.Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Move"); err != nil {
		return nil, err
	}
	d, err := s.live(ref)
	if err != nil {
		return nil, err
	}
	parent, err := s.live(parentRef)
	if err != nil {
		return nil, err
	}
	if d.readOnly || parent.readOnly {
		return nil, remote.ErrForbidden
	}
	d.parent = parentRef
	d.modified = s.tick()
	s.record(remote.EventMoved, d)
	return s.info(d), nil
}

func (s *Server) Delete(ctx context.Context, ref string, trash bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Delete"); err != nil {
		return err
	}
	d, err := s.live(ref)
	if err != nil {
		return err
	}
	if d.readOnly {
		return remote.ErrForbidden
	}
	s.remove(ref)
	return nil
}

func (s *Server) Lock(ctx context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Lock"); err != nil {
		return err
	}
	d, err := s.live(ref)
	if err != nil {
		return err
	}
	if d.lockOwner != "" {
		return &remote.ConflictError{Ref: ref, Message: "already locked by " + d.lockOwner}
	}
	d.lockOwner = "ndrive"
	s.tick()
	s.record(remote.EventLocked, d)
	return nil
}

func (s *Server) Unlock(ctx context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Unlock"); err != nil {
		return err
	}
	d, err := s.live(ref)
	if err != nil {
		return err
	}
	d.lockOwner = ""
	s.tick()
	s.record(remote.EventUnlocked, d)
	return nil
}

func (s *Server) Download(ctx context.Context, info *remote.Info, offset int64) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Download"); err != nil {
		return nil, err
	}
	d, err := s.live(info.UID)
	if err != nil {
		return nil, err
	}
	if offset > int64(len(d.data)) {
		return nil, &remote.HTTPError{Status: 416, Message: "range not satisfiable"}
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), d.data[offset:]...))), nil
}

func (s *Server) NewBatch(ctx context.Context) (*remote.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("NewBatch"); err != nil {
		return nil, err
	}
	s.nextID++
	b := &batch{
		Batch:  remote.Batch{ID: fmt.Sprintf("batch-%d", s.nextID)},
		chunks: make(map[int][]byte),
	}
	if s.s3 {
		b.Provider = remote.ProviderS3
		b.Extra = map[string]string{"bucket": "test", "baseKey": b.ID + "/"}
	}
	s.batches[b.ID] = b
	out := b.Batch
	return &out, nil
}

func (s *Server) BatchStatus(ctx context.Context, rb *remote.Batch) (*remote.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("BatchStatus"); err != nil {
		return nil, err
	}
	b, ok := s.batches[rb.ID]
	if !ok {
		return nil, remote.ErrBatchExpired
	}
	out := *rb
	out.UploadedChunks = b.uploaded()
	return &out, nil
}

func (b *batch) uploaded() []int {
	idx := make([]int, 0, len(b.chunks))
	for i := range b.chunks {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	return idx
}

func (s *Server) UploadChunk(ctx context.Context, rb *remote.Batch, chunk remote.Chunk) (*remote.Batch, error) {
	data, err := io.ReadAll(chunk.Data)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("UploadChunk"); err != nil {
		return nil, err
	}
	if s.chunkBudget == 0 {
		return nil, s.chunkErr
	}
	b, ok := s.batches[rb.ID]
	if !ok {
		return nil, remote.ErrBatchExpired
	}
	if int64(len(data)) != chunk.Size {
		return nil, &remote.HTTPError{Status: 400, Message: "chunk size mismatch"}
	}
	if s.chunkBudget > 0 {
		s.chunkBudget--
	}
	b.chunks[chunk.Index] = data
	b.ChunkCount = chunk.Count

	out := *rb
	out.ChunkCount = chunk.Count
	out.UploadedChunks = b.uploaded()
	if b.IsS3() {
		out.ETags = make(map[int]string, len(rb.ETags)+1)
		for k, v := range rb.ETags {
			out.ETags[k] = v
		}
		out.ETags[chunk.Index] = fmt.Sprintf("etag-%d", chunk.Index)
	}
	return &out, nil
}

func (s *Server) Attach(ctx context.Context, rb *remote.Batch, req remote.AttachRequest) (*remote.Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Attach"); err != nil {
		return nil, err
	}
	if req.RequestUID != "" {
		if ref, ok := s.requests[req.RequestUID]; ok {
			if d, ok := s.docs[ref]; ok && !d.deleted {
				return s.info(d), nil
			}
		}
	}

	b, ok := s.batches[rb.ID]
	if !ok {
		return nil, remote.ErrBatchExpired
	}
	var content []byte
	for i := 0; i < b.ChunkCount; i++ {
		part, ok := b.chunks[i]
		if !ok {
			return nil, &remote.HTTPError{Status: 400, Message: fmt.Sprintf("missing chunk %d", i)}
		}
		content = append(content, part...)
	}

	var d *document
	if req.Ref != "" {
		existing, err := s.live(req.Ref)
		if err != nil {
			return nil, err
		}
		if existing.readOnly {
			return nil, remote.ErrForbidden
		}
		existing.data = content
		existing.modified = s.tick()
		s.record(remote.EventModified, existing)
		d = existing
	} else {
		parent, err := s.live(req.ParentRef)
		if err != nil {
			return nil, err
		}
		if parent.readOnly {
			return nil, remote.ErrForbidden
		}
		d = s.create(req.ParentRef, req.Name, false, content)
	}

	delete(s.batches, rb.ID)
	if req.RequestUID != "" {
		s.requests[req.RequestUID] = d.uid
	}
	return s.info(d), nil
}

func (s *Server) CancelBatch(ctx context.Context, rb *remote.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("CancelBatch"); err != nil {
		return err
	}
	delete(s.batches, rb.ID)
	return nil
}

func (s *Server) ServerConfig(ctx context.Context) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ServerConfig"); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(s.config))
	for k, v := range s.config {
		out[k] = v
	}
	return out, nil
}

func (s *Server) ServerVersion(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ServerVersion"); err != nil {
		return "", err
	}
	return s.version, nil
}

func (s *Server) DocumentURL(ref string, edit bool) string {
	if edit {
		return "memory://ui/doc/" + ref + "/edit"
	}
	return "memory://ui/doc/" + ref
}
