package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"github.com/nxdrive/drivesync/internal/config"
	"github.com/nxdrive/drivesync/internal/localfs"
	"github.com/nxdrive/drivesync/internal/logging"
	"github.com/nxdrive/drivesync/internal/notify"
	"github.com/nxdrive/drivesync/internal/remote"
	"github.com/nxdrive/drivesync/internal/remote/nuxeo"
)

// RegistryFile is the bindings registry, in the home folder.
const RegistryFile = "engines.toml"

var (
	// ErrUnknownEngine is returned for an engine uid or folder not bound.
	ErrUnknownEngine = errors.New("unknown engine")
	// ErrFolderBound is returned when binding a folder overlapping a bound one.
	ErrFolderBound = errors.New("folder overlaps a bound folder")
	// ErrNoCredentials is returned when neither a token nor a way to get one
	// is available.
	ErrNoCredentials = errors.New("no credentials")
)

type registry struct {
	DeviceID string    `toml:"device_id"`
	Engines  []Binding `toml:"engine"`
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Config *config.Config
	// Dial creates remote clients. Nil dials Nuxeo servers.
	Dial Dialer
	Logs *logging.Sink
}

// Manager owns the bound engines of one home folder.
type Manager struct {
	cfg    *config.Config
	logs   *logging.Sink
	logger *log.Logger
	dial   Dialer
	bus    *notify.Bus

	mu      sync.Mutex
	reg     registry
	engines map[string]*Engine
	server  *notify.Server
}

// NewManager loads the registry of the configured home folder.
func NewManager(opts ManagerOptions) (*Manager, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logs := opts.Logs
	if logs == nil {
		logs = logging.New(os.Stderr, cfg.Verbose)
	}
	m := &Manager{
		cfg:     cfg,
		logs:    logs,
		logger:  logs.Logger("manager"),
		dial:    opts.Dial,
		bus:     notify.NewBus(logs.Logger("notify")),
		engines: make(map[string]*Engine),
	}
	if m.dial == nil {
		m.dial = m.dialNuxeo
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) registryPath() string {
	return filepath.Join(m.cfg.Home, RegistryFile)
}

func (m *Manager) load() error {
	_, err := toml.DecodeFile(m.registryPath(), &m.reg)
	if errors.Is(err, fs.ErrNotExist) {
		m.reg = registry{DeviceID: uuid.NewString()}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", RegistryFile, err)
	}
	if m.reg.DeviceID == "" {
		m.reg.DeviceID = uuid.NewString()
	}
	return nil
}

// save writes the registry atomically. Callers hold m.mu.
func (m *Manager) save() error {
	if err := os.MkdirAll(m.cfg.Home, 0o755); err != nil {
		return fmt.Errorf("failed to create home folder: %w", err)
	}
	tmp, err := os.CreateTemp(m.cfg.Home, ".engines-*.toml")
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", RegistryFile, err)
	}
	defer os.Remove(tmp.Name())
	if err := toml.NewEncoder(tmp).Encode(m.reg); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode %s: %w", RegistryFile, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), m.registryPath()); err != nil {
		return fmt.Errorf("failed to write %s: %w", RegistryFile, err)
	}
	return nil
}

// DeviceID identifies this installation on the servers. It is created
// with the registry and never changes.
func (m *Manager) DeviceID() string {
	return m.reg.DeviceID
}

func (m *Manager) dialNuxeo(ctx context.Context, b Binding, token string) (remote.Client, error) {
	return nuxeo.New(nuxeo.Options{
		URL:            b.ServerURL,
		Token:          token,
		User:           b.User,
		DeviceID:       m.DeviceID(),
		Timeout:        m.cfg.Timeout,
		SSLNoVerify:    m.cfg.SSLNoVerify,
		Logger:         m.logs.Logger("nuxeo"),
		S3DirectUpload: m.cfg.Features.S3DirectUpload,
	})
}

// Bus returns the bus shared by every engine.
func (m *Manager) Bus() *notify.Bus {
	return m.bus
}

// Bindings returns the bound folders.
func (m *Manager) Bindings() []Binding {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Binding(nil), m.reg.Engines...)
}

func (m *Manager) binding(uid string) (Binding, bool) {
	for _, b := range m.reg.Engines {
		if b.UID == uid {
			return b, true
		}
	}
	return Binding{}, false
}

// Engine returns the engine of uid, opening it on first use.
func (m *Manager) Engine(ctx context.Context, uid string) (*Engine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engineLocked(ctx, uid, "")
}

func (m *Manager) engineLocked(ctx context.Context, uid, token string) (*Engine, error) {
	if e, ok := m.engines[uid]; ok {
		return e, nil
	}
	b, ok := m.binding(uid)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEngine, uid)
	}
	e, err := New(ctx, b, Options{
		Config: m.cfg,
		Dial:   m.dial,
		Token:  token,
		Bus:    m.bus,
		Logs:   m.logs,
	})
	if err != nil {
		return nil, err
	}
	m.engines[uid] = e
	return e, nil
}

// Engines opens every bound engine.
func (m *Manager) Engines(ctx context.Context) ([]*Engine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Engine, 0, len(m.reg.Engines))
	for _, b := range m.reg.Engines {
		e, err := m.engineLocked(ctx, b.UID, "")
		if err != nil {
			return nil, fmt.Errorf("failed to open engine %s: %w", b.UID, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// EngineFor returns the engine whose local folder contains path, and the
// store path of path in it.
func (m *Manager) EngineFor(ctx context.Context, path string) (*Engine, string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, "", err
	}
	m.mu.Lock()
	var uid string
	for _, b := range m.reg.Engines {
		if within(abs, b.LocalFolder) {
			uid = b.UID
			break
		}
	}
	m.mu.Unlock()
	if uid == "" {
		return nil, "", fmt.Errorf("%w: %s is not in a bound folder", ErrUnknownEngine, path)
	}
	e, err := m.Engine(ctx, uid)
	if err != nil {
		return nil, "", err
	}
	rel, err := e.LocalPath(abs)
	if err != nil {
		return nil, "", err
	}
	return e, rel, nil
}

// within reports whether p is dir or lies below it.
func within(p, dir string) bool {
	rel, err := filepath.Rel(dir, p)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// BindRequest describes a new binding.
type BindRequest struct {
	LocalFolder string
	ServerURL   string
	User        string
	// Password is exchanged for a token when Token is empty.
	Password string
	Token    string
	// RootRef defaults to the top-level folder of the user.
	RootRef string
	Name    string
}

// BindServer binds a local folder to a server account and returns the new
// engine, not started.
func (m *Manager) BindServer(ctx context.Context, req BindRequest) (*Engine, error) {
	if req.ServerURL == "" {
		return nil, fmt.Errorf("server URL is required")
	}
	folder, err := filepath.Abs(req.LocalFolder)
	if err != nil {
		return nil, fmt.Errorf("invalid local folder: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.reg.Engines {
		if within(folder, b.LocalFolder) || within(b.LocalFolder, folder) {
			return nil, fmt.Errorf("%w: %s", ErrFolderBound, b.LocalFolder)
		}
	}

	b := Binding{
		UID:         uuid.NewString(),
		Name:        req.Name,
		LocalFolder: folder,
		ServerURL:   strings.TrimRight(req.ServerURL, "/"),
		User:        req.User,
		RootRef:     req.RootRef,
	}
	if b.Name == "" {
		b.Name = filepath.Base(folder)
	}
	if b.RootRef == "" {
		b.RootRef = nuxeo.TopLevelRef
	}

	token := req.Token
	if token == "" {
		if token, err = m.requestToken(ctx, b, req.Password); err != nil {
			return nil, err
		}
	}

	m.reg.Engines = append(m.reg.Engines, b)
	e, err := m.engineLocked(ctx, b.UID, token)
	if err != nil {
		m.reg.Engines = m.reg.Engines[:len(m.reg.Engines)-1]
		_ = os.Remove(m.cfg.DatabasePath(b.UID))
		return nil, err
	}
	if err := m.save(); err != nil {
		return nil, err
	}
	m.logger.Printf("bound %s to %s as %s", folder, b.ServerURL, b.User)
	return e, nil
}

func (m *Manager) requestToken(ctx context.Context, b Binding, password string) (string, error) {
	if password == "" {
		return "", ErrNoCredentials
	}
	client, err := m.dial(ctx, b, "")
	if err != nil {
		return "", err
	}
	tr, ok := client.(interface {
		RequestToken(ctx context.Context, user, password string) (string, error)
	})
	if !ok {
		return "", ErrNoCredentials
	}
	token, err := tr.RequestToken(ctx, b.User, password)
	if err != nil {
		return "", fmt.Errorf("failed to authenticate %s: %w", b.User, err)
	}
	return token, nil
}

// UnbindServer stops an engine, revokes its token and forgets it. Local
// files stay; their remote references are removed.
func (m *Manager) UnbindServer(ctx context.Context, uid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.binding(uid)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEngine, uid)
	}

	if e, err := m.engineLocked(ctx, uid, ""); err != nil {
		m.logger.Printf("engine %s cannot be opened, removing it anyway: %v", uid, err)
	} else {
		if r, ok := e.remote.(interface{ RevokeToken(context.Context) error }); ok {
			if err := r.RevokeToken(ctx); err != nil {
				m.logger.Printf("failed to revoke token of %s: %v", uid, err)
			}
		}
		if err := e.Close(ctx); err != nil {
			m.logger.Printf("failed to close engine %s: %v", uid, err)
		}
		delete(m.engines, uid)
	}

	db := m.cfg.DatabasePath(uid)
	for _, p := range []string{db, db + "-wal", db + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", p, err)
		}
	}
	if _, err := m.cleanFolder(b.LocalFolder); err != nil {
		m.logger.Printf("failed to clean %s: %v", b.LocalFolder, err)
	}

	kept := m.reg.Engines[:0]
	for _, other := range m.reg.Engines {
		if other.UID != uid {
			kept = append(kept, other)
		}
	}
	m.reg.Engines = kept
	if err := m.save(); err != nil {
		return err
	}
	m.logger.Printf("unbound %s", b.LocalFolder)
	return nil
}

// BindRoot registers a remote folder as a synchronization root of the
// account of engine uid.
func (m *Manager) BindRoot(ctx context.Context, uid, ref string) error {
	return m.setSynchronization(ctx, uid, ref, true)
}

// UnbindRoot unregisters a synchronization root.
func (m *Manager) UnbindRoot(ctx context.Context, uid, ref string) error {
	return m.setSynchronization(ctx, uid, ref, false)
}

func (m *Manager) setSynchronization(ctx context.Context, uid, ref string, enable bool) error {
	e, err := m.Engine(ctx, uid)
	if err != nil {
		return err
	}
	if err := e.remote.SetSynchronization(ctx, ref, enable); err != nil {
		return fmt.Errorf("failed to set synchronization of %s: %w", ref, err)
	}
	return nil
}

// CleanFolder strips remote references and partial downloads below path.
func (m *Manager) CleanFolder(path string) (localfs.CleanStats, error) {
	return m.cleanFolder(path)
}

func (m *Manager) cleanFolder(path string) (localfs.CleanStats, error) {
	c, err := localfs.New(path, localfs.Options{Logger: m.logs.Logger("localfs")})
	if err != nil {
		return localfs.CleanStats{}, err
	}
	stats, err := c.CleanTree("/")
	if err != nil {
		return stats, fmt.Errorf("failed to clean %s: %w", path, err)
	}
	m.logger.Printf("cleaned %s: %d reference(s), %d partial download(s)", path, stats.Refs, stats.Partials)
	return stats, nil
}

// AccessOnline returns the web address of the document synchronized with
// a local path.
func (m *Manager) AccessOnline(ctx context.Context, path string) (string, error) {
	return m.documentURL(ctx, path, false)
}

// CopyShareLink returns the permanent link of the document synchronized
// with a local path, to be shared with other users.
func (m *Manager) CopyShareLink(ctx context.Context, path string) (string, error) {
	return m.documentURL(ctx, path, false)
}

// EditMetadata returns the address of the metadata form of the document
// synchronized with a local path.
func (m *Manager) EditMetadata(ctx context.Context, path string) (string, error) {
	return m.documentURL(ctx, path, true)
}

func (m *Manager) documentURL(ctx context.Context, path string, edit bool) (string, error) {
	e, rel, err := m.EngineFor(ctx, path)
	if err != nil {
		return "", err
	}
	return e.DocumentURL(ctx, rel, edit)
}

// Run starts every engine and the event server, then blocks until ctx is
// done and stops them.
func (m *Manager) Run(ctx context.Context) error {
	engines, err := m.Engines(ctx)
	if err != nil {
		return err
	}
	if m.cfg.NotifyPort > 0 {
		if err := m.startServer(engines); err != nil {
			return err
		}
	}

	var started []*Engine
	for _, e := range engines {
		if err := e.Start(ctx); err != nil {
			m.logger.Printf("failed to start %s: %v", e.UID(), err)
			continue
		}
		started = append(started, e)
	}
	m.logger.Printf("%d engine(s) running", len(started))

	<-ctx.Done()
	return m.stop(context.WithoutCancel(ctx), started)
}

func (m *Manager) startServer(engines []*Engine) error {
	server, err := notify.NewServer(&notify.ServerConfig{
		Port: m.cfg.NotifyPort,
		Bus:  m.bus,
		Snapshot: func() []notify.Event {
			var out []notify.Event
			for _, e := range engines {
				ev, err := e.stateEvent(context.Background(), e.State())
				if err == nil {
					out = append(out, ev)
				}
			}
			return out
		},
		Logger: m.logs.Logger("notify"),
	})
	if err != nil {
		return err
	}
	if err := server.Start(); err != nil {
		return err
	}
	m.mu.Lock()
	m.server = server
	m.mu.Unlock()
	return nil
}

func (m *Manager) stop(ctx context.Context, engines []*Engine) error {
	var errs []error
	for _, e := range engines {
		if err := e.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("engine %s: %w", e.UID(), err))
		}
	}
	m.mu.Lock()
	server := m.server
	m.server = nil
	m.mu.Unlock()
	if server != nil {
		if err := server.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close stops and closes every open engine.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	engines := make([]*Engine, 0, len(m.engines))
	for uid, e := range m.engines {
		engines = append(engines, e)
		delete(m.engines, uid)
	}
	m.mu.Unlock()

	var errs []error
	for _, e := range engines {
		if err := e.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	m.bus.Close()
	return errors.Join(errs...)
}
