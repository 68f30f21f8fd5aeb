// Package worldsync keeps a collection of worlds and settings consistent
// between a local store and a remote service under intermittent
// connectivity.
//
// Example:
//
//	cfg, _ := worldsync.LoadConfig("config.toml")
//	eng, err := worldsync.Open(ctx, cfg, worldsync.WithLogger(logger))
//	if err != nil && !errors.Is(err, worldsync.ErrStorageUnavailable) {
//		return err
//	}
//	defer eng.Close()
//
//	w, _ := eng.SaveWorld(ctx, worldsync.World{Name: "Aster"})
//	worlds, _ := eng.ListWorlds(ctx)
//	eng.ForceSync(ctx)
package worldsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Engine wires the backend, record store, pending queue, orchestrator and
// connectivity state behind the interface used by the editor.
type Engine struct {
	cfg     Config
	logger  *zap.Logger
	backend Backend
	remote  Remote
	bus     *Bus
	conn    *Connectivity
	queue   *Queue
	store   *Store
	orch    *Orchestrator
	monitor *Monitor
	feed    *ChangeFeed

	closeOnce sync.Once
}

type engineOptions struct {
	logger      *zap.Logger
	remote      Remote
	backend     Backend
	snapshotter Snapshotter
	httpClient  *http.Client
	now         func() time.Time
	online      *bool
}

// Option configures Open.
type Option func(*engineOptions)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *engineOptions) { o.logger = l }
}

// WithRemote replaces the HTTP remote built from the config.
func WithRemote(r Remote) Option {
	return func(o *engineOptions) { o.remote = r }
}

// WithBackend replaces backend probing.
func WithBackend(b Backend) Option {
	return func(o *engineOptions) { o.backend = b }
}

// WithSnapshotter replaces the MinIO backup built from the config.
func WithSnapshotter(s Snapshotter) Option {
	return func(o *engineOptions) { o.snapshotter = s }
}

// WithRecoveryClient sets the HTTP client used for config recovery.
func WithRecoveryClient(c *http.Client) Option {
	return func(o *engineOptions) { o.httpClient = c }
}

// WithClock sets the time source for stamps and sync times.
func WithClock(now func() time.Time) Option {
	return func(o *engineOptions) { o.now = now }
}

// WithInitialOnline sets the starting connectivity state. Without it the
// engine starts online and lets the health probe correct it.
func WithInitialOnline(online bool) Option {
	return func(o *engineOptions) { o.online = &online }
}

// Open builds an engine from cfg. When no persistence backend can be opened
// it still returns a working engine in degraded mode, together with an error
// matching ErrStorageUnavailable.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Engine, error) {
	o := engineOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	cfg.normalize()
	logger := o.logger.With(zap.String("environment", string(cfg.Remote.Environment)))

	if cfg.Remote.RecoveryURL != "" {
		recovered, err := RecoverConfig(ctx, cfg, o.httpClient)
		if err != nil {
			logger.Warn("Config recovery failed, running offline", zap.Error(err))
		}
		cfg = recovered
	}

	var openErr error
	backend := o.backend
	if backend == nil {
		backend, openErr = OpenBackend(ctx, BackendOptions{
			Dir:    storageDir(cfg.Storage),
			Prefix: cfg.Storage.LocalKey,
			Prefer: cfg.Storage.Backend,
		}, logger)
		if backend == nil {
			return nil, openErr
		}
	} else {
		backend = serialize(backend)
	}

	remote := o.remote
	if remote == nil && cfg.Remote.BaseURL != "" {
		remote = NewHTTPRemoteFromConfig(cfg.Remote)
	}

	snapshotter := o.snapshotter
	if snapshotter == nil && cfg.Backup.Endpoint != "" {
		b, err := NewMinIOBackup(cfg.Backup, logger)
		if err != nil {
			logger.Warn("Snapshot backup disabled", zap.Error(err))
		} else {
			snapshotter = b
		}
	}

	online := true
	if o.online != nil {
		online = *o.online
	}

	bus := NewBus(logger)
	conn := NewConnectivity(online, bus)
	queue, err := NewQueue(ctx, backend, bus, logger, QueueOptions{
		AttemptCeiling: cfg.Queue.AttemptCeiling,
		WarnThreshold:  cfg.Queue.WarnThreshold,
	})
	if err != nil {
		backend.Close()
		return nil, err
	}

	store := NewStore(StoreOptions{
		Backend:       backend,
		Remote:        remote,
		Connectivity:  conn,
		Queue:         queue,
		Bus:           bus,
		Logger:        logger,
		ClientVersion: cfg.Remote.ClientVersion,
		CloudEnabled:  cfg.Sync.CloudEnabled,
		Now:           o.now,
	})
	if raw := store.LoadSetting(ctx, SettingCloudSync, nil); raw != nil {
		var enabled bool
		if json.Unmarshal(raw, &enabled) == nil {
			store.SetCloudEnabled(enabled && cfg.Sync.CloudEnabled)
		}
	}

	interval := time.Duration(0)
	if cfg.Sync.AutoSync {
		interval = cfg.Sync.Interval.D()
	}
	orch := NewOrchestrator(OrchestratorOptions{
		Store:          store,
		Queue:          queue,
		Remote:         remote,
		Connectivity:   conn,
		Bus:            bus,
		Logger:         logger,
		Environment:    cfg.Remote.Environment,
		Interval:       interval,
		RetryBaseDelay: cfg.Sync.RetryBaseDelay.D(),
		MaxRetries:     cfg.Sync.MaxRetries,
		SyncedSettings: cfg.Sync.Settings,
		Snapshotter:    snapshotter,
		Now:            o.now,
	})
	if t := LoadSettingAs(ctx, store, SettingLastSyncTime, time.Time{}); !t.IsZero() {
		orch.setLastSyncTime(t)
	}

	e := &Engine{
		cfg:     cfg,
		logger:  logger,
		backend: backend,
		remote:  remote,
		bus:     bus,
		conn:    conn,
		queue:   queue,
		store:   store,
		orch:    orch,
	}
	if remote != nil {
		e.monitor = NewMonitor(conn, remote, cfg.Sync.ProbeInterval.D(), logger)
	}
	if remote != nil && cfg.Sync.Realtime && cfg.Remote.BaseURL != "" {
		e.feed = NewChangeFeed(FeedConfig{
			BaseURL:     cfg.Remote.BaseURL,
			Tokens:      tokenProviderFor(cfg.Remote),
			Environment: cfg.Remote.Environment,
		}, logger)
		e.feed.OnChange(func(ev FeedEvent) { e.orch.RequestSync("feed:" + ev.Type) })
		e.feed.OnState(func(s FeedState) {
			if s == FeedConnected {
				conn.SetOnline(true)
			}
		})
	}

	logger.Info("Engine opened",
		zap.String("backend", backend.Name()),
		zap.Bool("cloud", store.CloudEnabled()),
		zap.Int("queue_length", queue.Len()))
	return e, openErr
}

func storageDir(c StorageConfig) string {
	if c.Dir != "" {
		return c.Dir
	}
	return filepath.Join(".", ".worldsync")
}

func tokenProviderFor(c RemoteConfig) TokenProvider {
	if c.Token != "" {
		return StaticToken(c.Token)
	}
	return EnvironmentToken{Environment: c.Environment, Version: c.ClientVersion}
}

// Start begins the periodic sync timer, the health probe and, when enabled,
// the change feed.
func (e *Engine) Start(ctx context.Context) error {
	e.orch.Start()
	if e.monitor != nil {
		e.monitor.Start()
	}
	if e.feed != nil {
		if err := e.feed.Connect(ctx); err != nil {
			e.logger.Warn("Change feed unavailable", zap.Error(err))
		}
	}
	return nil
}

// Close stops background work and releases the backend.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		if e.feed != nil {
			e.feed.Disconnect()
		}
		if e.monitor != nil {
			e.monitor.Stop()
		}
		e.orch.Close()
		e.bus.clear()
		err = e.backend.Close()
	})
	return err
}

// ============================================================================
// Records
// ============================================================================

func (e *Engine) SaveWorld(ctx context.Context, w World) (World, error) {
	return e.store.SaveWorld(ctx, w)
}

func (e *Engine) LoadWorld(ctx context.Context, id string) (World, error) {
	return e.store.LoadWorld(ctx, id)
}

func (e *Engine) ListWorlds(ctx context.Context) ([]World, error) {
	return e.store.ListWorlds(ctx)
}

func (e *Engine) DeleteWorld(ctx context.Context, id string) error {
	return e.store.DeleteWorld(ctx, id)
}

func (e *Engine) SaveSetting(ctx context.Context, key string, value any) error {
	return e.store.SaveSetting(ctx, key, value)
}

// LoadSetting never fails; def is returned on any lookup error.
func (e *Engine) LoadSetting(ctx context.Context, key string, def json.RawMessage) json.RawMessage {
	return e.store.LoadSetting(ctx, key, def)
}

// Store exposes the record store, mainly for LoadSettingAs.
func (e *Engine) Store() *Store { return e.store }

// ============================================================================
// Sync
// ============================================================================

// ForceSync runs a sync cycle now.
func (e *Engine) ForceSync(ctx context.Context) error {
	return e.orch.ForceSync(ctx)
}

// RequestSync schedules a background cycle if none is running.
func (e *Engine) RequestSync(reason string) {
	e.orch.RequestSync(reason)
}

// DrainQueue replays queued operations without a full cycle.
func (e *Engine) DrainQueue(ctx context.Context) (DrainReport, error) {
	if e.remote == nil || !e.store.CloudEnabled() {
		return DrainReport{Remaining: e.queue.Len()}, ErrCloudDisabled
	}
	if !e.conn.IsOnline() {
		return DrainReport{Remaining: e.queue.Len()}, fmt.Errorf("drain: %w: offline", ErrRemoteUnreachable)
	}
	return e.queue.Drain(ctx, e.store.applyOp), nil
}

// PendingOps returns the queued operations in order.
func (e *Engine) PendingOps() []PendingOp { return e.queue.List() }

// Failures returns operations that exhausted their attempts.
func (e *Engine) Failures() []OpFailure { return e.queue.Failures() }

func (e *Engine) Pause()  { e.orch.Pause() }
func (e *Engine) Resume() { e.orch.Resume() }

// Subscribe registers h for engine events.
func (e *Engine) Subscribe(h EventHandler) (unsubscribe func()) {
	return e.bus.Subscribe(h)
}

// SetOnline overrides the connectivity state, for callers with their own
// network signal.
func (e *Engine) SetOnline(online bool) {
	e.conn.SetOnline(online)
}

// CheckConnectivity probes the remote once.
func (e *Engine) CheckConnectivity(ctx context.Context) (bool, error) {
	if e.monitor == nil {
		return false, ErrCloudDisabled
	}
	return e.monitor.Check(ctx), nil
}

// GetSyncStatus computes the current status.
func (e *Engine) GetSyncStatus() SyncStatus {
	attempt, scheduled := e.orch.RetryState()
	return SyncStatus{
		IsOnline:       e.conn.IsOnline(),
		SyncInProgress: e.orch.State() == StateSyncing,
		LastSyncTime:   e.orch.LastSyncTime(),
		QueueLength:    e.queue.Len(),
		Environment:    e.cfg.Remote.Environment,
		Backend:        e.backend.Name(),
		CloudEnabled:   e.store.CloudEnabled(),
		RetryAttempt:   attempt,
		RetryScheduled: scheduled,
		Paused:         e.orch.Paused(),
	}
}

// Config returns the effective configuration after recovery and defaults.
func (e *Engine) Config() Config { return e.cfg }

// NotificationHandler returns an HTTP handler for signed change pushes that
// trigger a cycle.
func (e *Engine) NotificationHandler() http.Handler {
	return NewNotificationHandler(e.cfg.Remote.NotifySecret, func(n Notification) {
		e.orch.RequestSync("notify:" + n.Event)
	})
}
