package worldsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// OrchestratorOptions configures a sync orchestrator.
type OrchestratorOptions struct {
	Store        *Store
	Queue        *Queue
	Remote       Remote
	Connectivity *Connectivity
	Bus          *Bus
	Logger       *zap.Logger
	Environment  Environment
	// Interval between automatic cycles. Zero disables the periodic timer.
	Interval time.Duration
	// RetryBaseDelay is multiplied by the attempt number for each retry.
	RetryBaseDelay time.Duration
	MaxRetries     int
	SyncedSettings []string
	Snapshotter    Snapshotter
	Now            func() time.Time
}

// Orchestrator runs sync cycles: pull, merge, persist, push, reconcile
// settings, drain the queue and record the sync time. At most one cycle runs
// at a time. A failed cycle is retried after RetryBaseDelay times the attempt
// number, up to MaxRetries; after that a final failure is published and the
// counter is only reset by ForceSync or a successful cycle.
type Orchestrator struct {
	store       *Store
	queue       *Queue
	remote      Remote
	conn        *Connectivity
	bus         *Bus
	logger      *zap.Logger
	env         Environment
	interval    time.Duration
	baseDelay   time.Duration
	maxRetries  int
	syncedKeys  []string
	snapshotter Snapshotter
	now         func() time.Time

	mu           sync.Mutex
	state        SyncState
	retryAttempt int
	retryTimer   *time.Timer
	lastSync     *time.Time
	paused       bool
	started      bool
	closed       bool
	stopCh       chan struct{}
	wg           sync.WaitGroup
}

// NewOrchestrator wires an orchestrator. The online transition of conn
// triggers an immediate queue drain.
func NewOrchestrator(opts OrchestratorOptions) *Orchestrator {
	o := &Orchestrator{
		store:       opts.Store,
		queue:       opts.Queue,
		remote:      opts.Remote,
		conn:        opts.Connectivity,
		bus:         opts.Bus,
		logger:      opts.Logger,
		env:         opts.Environment,
		interval:    opts.Interval,
		baseDelay:   opts.RetryBaseDelay,
		maxRetries:  opts.MaxRetries,
		syncedKeys:  opts.SyncedSettings,
		snapshotter: opts.Snapshotter,
		now:         opts.Now,
		state:       StateIdle,
		stopCh:      make(chan struct{}),
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.bus == nil {
		o.bus = NewBus(o.logger)
	}
	if o.baseDelay <= 0 {
		o.baseDelay = DefaultRetryBaseDelay
	}
	if o.maxRetries <= 0 {
		o.maxRetries = DefaultMaxRetries
	}
	if o.syncedKeys == nil {
		o.syncedKeys = DefaultSyncedSettings
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.env == "" {
		o.env = EnvLocal
	}
	if o.conn != nil {
		o.conn.watch(func(online bool) {
			if online {
				o.spawn(o.drainOnReconnect)
			}
		})
	}
	return o
}

// ============================================================================
// State
// ============================================================================

// State returns Idle or Syncing.
func (o *Orchestrator) State() SyncState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// LastSyncTime returns when the last cycle completed, or nil.
func (o *Orchestrator) LastSyncTime() *time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastSync == nil {
		return nil
	}
	t := *o.lastSync
	return &t
}

func (o *Orchestrator) setLastSyncTime(t time.Time) {
	o.mu.Lock()
	o.lastSync = &t
	o.mu.Unlock()
}

// RetryState returns the current retry attempt and whether a retry timer is
// pending.
func (o *Orchestrator) RetryState() (attempt int, scheduled bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.retryAttempt, o.retryTimer != nil
}

// Pause stops future cycles from starting. A running cycle completes.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	o.paused = true
	o.mu.Unlock()
	o.logger.Info("Sync paused")
}

// Resume allows cycles again.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	o.paused = false
	o.mu.Unlock()
	o.logger.Info("Sync resumed")
}

// Paused reports whether cycles are paused.
func (o *Orchestrator) Paused() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.paused
}

// ============================================================================
// Triggers
// ============================================================================

// ForceSync runs a cycle now, resetting the retry counter and cancelling any
// scheduled retry. It returns ErrSyncInProgress if a cycle is running.
func (o *Orchestrator) ForceSync(ctx context.Context) error {
	if err := o.precheck(); err != nil {
		return err
	}
	o.mu.Lock()
	if o.state == StateSyncing {
		o.mu.Unlock()
		o.logger.Info("Sync already in progress")
		return ErrSyncInProgress
	}
	o.retryAttempt = 0
	o.stopRetryLocked()
	o.mu.Unlock()
	return o.run(ctx, "manual")
}

// RequestSync starts a cycle in the background unless one is running or the
// orchestrator cannot run. It is used by push notifications and the change
// feed. Like ForceSync it resets the retry counter and cancels a scheduled
// retry.
func (o *Orchestrator) RequestSync(reason string) {
	if o.precheck() != nil || !o.online() {
		return
	}
	o.mu.Lock()
	if o.state == StateSyncing {
		o.mu.Unlock()
		o.logger.Debug("Sync already in progress", zap.String("reason", reason))
		return
	}
	o.retryAttempt = 0
	o.stopRetryLocked()
	o.mu.Unlock()
	o.spawn(func() {
		if err := o.run(context.Background(), reason); err != nil && !errors.Is(err, ErrSyncInProgress) {
			o.logger.Debug("Requested sync failed", zap.String("reason", reason), zap.Error(err))
		}
	})
}

func (o *Orchestrator) precheck() error {
	o.mu.Lock()
	closed, paused := o.closed, o.paused
	o.mu.Unlock()
	switch {
	case closed:
		return fmt.Errorf("worldsync: orchestrator closed")
	case paused:
		return fmt.Errorf("worldsync: sync paused")
	case o.remote == nil || !o.store.CloudEnabled():
		return ErrCloudDisabled
	}
	return nil
}

func (o *Orchestrator) online() bool {
	return o.conn == nil || o.conn.IsOnline()
}

// Start begins the periodic timer.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	if o.started || o.closed || o.interval <= 0 {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.mu.Unlock()

	o.spawn(func() {
		ticker := time.NewTicker(o.interval)
		defer ticker.Stop()
		for {
			select {
			case <-o.stopCh:
				return
			case <-ticker.C:
				if o.precheck() != nil || !o.online() || o.State() == StateSyncing {
					continue
				}
				if err := o.run(context.Background(), "periodic"); err != nil {
					o.logger.Debug("Periodic sync failed", zap.Error(err))
				}
			}
		}
	})
}

// Close stops the timer and any scheduled retry and waits for background
// work to finish.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	close(o.stopCh)
	o.stopRetryLocked()
	o.mu.Unlock()
	o.wg.Wait()
}

// spawn runs fn on a tracked goroutine unless the orchestrator is closed.
func (o *Orchestrator) spawn(fn func()) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	o.wg.Add(1)
	o.mu.Unlock()
	go func() {
		defer o.wg.Done()
		fn()
	}()
	return true
}

func (o *Orchestrator) drainOnReconnect() {
	if o.remote == nil || !o.store.CloudEnabled() || o.queue.Len() == 0 {
		return
	}
	report := o.queue.Drain(context.Background(), o.store.applyOp)
	o.logger.Info("Drained queue after reconnect",
		zap.Int("confirmed", report.Confirmed),
		zap.Int("retrying", report.Retrying),
		zap.Int("failed", len(report.Failed)),
		zap.Int("remaining", report.Remaining),
		zap.Bool("skipped", report.Skipped))
}

// ============================================================================
// Cycle
// ============================================================================

func (o *Orchestrator) run(ctx context.Context, reason string) error {
	o.mu.Lock()
	if o.state == StateSyncing {
		o.mu.Unlock()
		o.logger.Info("Sync already in progress", zap.String("reason", reason))
		return ErrSyncInProgress
	}
	o.state = StateSyncing
	attempt := o.retryAttempt + 1
	o.mu.Unlock()

	o.logger.Info("Sync started", zap.String("reason", reason), zap.Int("attempt", attempt))
	o.bus.Publish(Event{Type: EventSyncStarted, Attempt: attempt})

	// A started cycle runs to completion regardless of the caller.
	report, err := o.cycle(context.WithoutCancel(ctx), attempt)

	o.mu.Lock()
	o.state = StateIdle
	if err == nil {
		o.retryAttempt = 0
		o.stopRetryLocked()
		o.mu.Unlock()
		o.logger.Info("Sync completed", zap.String("reason", reason))
		o.bus.Publish(Event{Type: EventSyncCompleted, Report: &report})
		return nil
	}

	if o.retryAttempt < o.maxRetries {
		o.retryAttempt++
		next := o.retryAttempt
		delay := o.baseDelay * time.Duration(next)
		o.scheduleRetryLocked(delay)
		o.mu.Unlock()

		o.logger.Warn("Sync failed, retry scheduled",
			zap.String("reason", reason),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		o.bus.Publish(Event{Type: EventSyncFailed, Err: err, Attempt: attempt})
		o.bus.Publish(Event{Type: EventSyncRetryScheduled, Attempt: next, Delay: delay})
		return err
	}
	o.mu.Unlock()

	final := fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, err)
	o.logger.Error("Sync failed, retries exhausted",
		zap.String("reason", reason),
		zap.Int("attempt", attempt),
		zap.Error(err))
	o.bus.Publish(Event{Type: EventSyncFailed, Err: final, Attempt: attempt, Final: true})
	return final
}

func (o *Orchestrator) scheduleRetryLocked(delay time.Duration) {
	o.stopRetryLocked()
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		o.mu.Lock()
		if o.retryTimer == t {
			o.retryTimer = nil
		}
		o.mu.Unlock()
		o.spawn(func() {
			if o.precheck() != nil || !o.online() {
				o.logger.Debug("Skipping scheduled retry")
				return
			}
			if err := o.run(context.Background(), "retry"); err != nil {
				o.logger.Debug("Retry failed", zap.Error(err))
			}
		})
	})
	o.retryTimer = t
}

func (o *Orchestrator) stopRetryLocked() {
	if o.retryTimer != nil {
		o.retryTimer.Stop()
		o.retryTimer = nil
	}
}

func (o *Orchestrator) cycle(ctx context.Context, attempt int) (DrainReport, error) {
	if !o.online() {
		return DrainReport{}, fmt.Errorf("sync: %w: offline", ErrRemoteUnreachable)
	}

	var merged []World
	if o.env != EnvWeb {
		var err error
		if merged, err = o.syncWorlds(ctx, attempt); err != nil {
			return DrainReport{}, err
		}
		if err := o.syncSettings(ctx, attempt); err != nil {
			return DrainReport{}, err
		}
	}

	report := o.queue.Drain(ctx, o.store.applyOp)

	now := o.now().UTC().Truncate(time.Millisecond)
	if _, err := o.store.writeSettingLocal(ctx, SettingLastSyncTime, quoteTime(now)); err != nil && !errors.Is(err, ErrStorageUnavailable) {
		o.logger.Warn("Failed to persist last sync time", zap.Error(err))
	}
	o.setLastSyncTime(now)

	if o.snapshotter != nil && merged != nil {
		snap := Snapshot{TakenAt: now, Environment: o.env, Worlds: merged}
		if err := o.snapshotter.Snapshot(ctx, snap); err != nil {
			o.logger.Warn("Snapshot backup failed", zap.Error(err))
		}
	}
	return report, nil
}

func (o *Orchestrator) syncWorlds(ctx context.Context, attempt int) ([]World, error) {
	var local, remote []World
	var localErr error

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		local, localErr = o.store.localWorlds(gctx)
		if errors.Is(localErr, ErrStorageUnavailable) {
			local, localErr = nil, nil
		}
		return localErr
	})
	g.Go(func() error {
		var err error
		remote, err = o.remote.ListWorlds(gctx)
		if err != nil {
			o.logCycleFailure("pull worlds", attempt, err)
		}
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("sync worlds: %w", err)
	}

	remote = withoutDeleted(remote, o.queue.PendingDeletes(TargetWorld))
	merged, from := mergeWorlds(local, remote)

	var pulled []World
	var changed []string
	for _, w := range merged {
		if from[w.ID] == SourceRemote {
			pulled = append(pulled, w)
			changed = append(changed, w.ID)
		}
	}
	if len(pulled) > 0 {
		if err := o.store.putWorldsLocal(ctx, pulled); err != nil && !errors.Is(err, ErrStorageUnavailable) {
			return nil, fmt.Errorf("sync worlds: persist merged: %w", err)
		}
		o.bus.Publish(Event{Type: EventWorldsChanged, WorldIDs: changed})
	}

	if err := o.remote.PushWorlds(ctx, merged); err != nil {
		o.logCycleFailure("push worlds", attempt, err)
		return nil, fmt.Errorf("sync worlds: %w", err)
	}
	return merged, nil
}

// withoutDeleted drops worlds with a queued delete so the merge cannot bring
// them back before the delete reaches the remote.
func withoutDeleted(worlds []World, deleted map[string]bool) []World {
	if len(deleted) == 0 {
		return worlds
	}
	out := worlds[:0:0]
	for _, w := range worlds {
		if !deleted[w.ID] {
			out = append(out, w)
		}
	}
	return out
}

func (o *Orchestrator) syncSettings(ctx context.Context, attempt int) error {
	if len(o.syncedKeys) == 0 {
		return nil
	}
	local, err := o.store.localSettings(ctx, o.syncedKeys)
	if err != nil && !errors.Is(err, ErrStorageUnavailable) {
		return fmt.Errorf("sync settings: %w", err)
	}

	all, err := o.remote.ListSettings(ctx)
	if err != nil {
		o.logCycleFailure("pull settings", attempt, err)
		return fmt.Errorf("sync settings: %w", err)
	}
	wanted := make(map[string]bool, len(o.syncedKeys))
	for _, k := range o.syncedKeys {
		wanted[k] = true
	}
	var remote []Setting
	for _, s := range all {
		if wanted[s.Key] {
			remote = append(remote, s)
		}
	}

	merged, from := mergeSettings(local, remote)
	for _, s := range merged {
		if from[s.Key] == SourceRemote {
			if err := o.store.putSettingLocal(ctx, s); err != nil && !errors.Is(err, ErrStorageUnavailable) {
				return fmt.Errorf("sync settings: %w", err)
			}
			continue
		}
		if err := o.remote.SaveSetting(ctx, s); err != nil {
			o.logger.Warn("Remote call failed",
				zap.String("op", "push setting"),
				zap.String("target", s.Key),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return fmt.Errorf("sync settings: %w", err)
		}
	}
	return nil
}

func (o *Orchestrator) logCycleFailure(op string, attempt int, err error) {
	o.logger.Warn("Remote call failed",
		zap.String("op", op),
		zap.String("target", "*"),
		zap.Int("attempt", attempt),
		zap.Error(err))
}

func quoteTime(t time.Time) json.RawMessage {
	data, _ := json.Marshal(t)
	return data
}
