package worldsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Setting keys that never leave the device.
var localOnlySettings = map[string]bool{
	SettingLastSyncTime: true,
	SettingCloudSync:    true,
	failuresKey:         true,
}

// Store is the record store. It owns world and setting identity and local
// timestamps, always writes locally first, and then either writes through to
// the remote service or queues the mutation.
type Store struct {
	backend Backend
	remote  Remote
	conn    *Connectivity
	queue   *Queue
	bus     *Bus
	logger  *zap.Logger
	version string
	now     func() time.Time

	// writeMu serializes the read-stamp-write sequence of local saves.
	writeMu sync.Mutex

	mu    sync.RWMutex
	cloud bool
}

// StoreOptions wires a Store.
type StoreOptions struct {
	Backend       Backend
	Remote        Remote
	Connectivity  *Connectivity
	Queue         *Queue
	Bus           *Bus
	Logger        *zap.Logger
	ClientVersion string
	CloudEnabled  bool
	Now           func() time.Time
}

// NewStore creates a record store. Remote may be nil, in which case every
// mutation is queued.
func NewStore(opts StoreOptions) *Store {
	s := &Store{
		backend: opts.Backend,
		remote:  opts.Remote,
		conn:    opts.Connectivity,
		queue:   opts.Queue,
		bus:     opts.Bus,
		logger:  opts.Logger,
		version: opts.ClientVersion,
		now:     opts.Now,
		cloud:   opts.CloudEnabled,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.bus == nil {
		s.bus = NewBus(s.logger)
	}
	if s.conn == nil {
		s.conn = NewConnectivity(true, s.bus)
	}
	if s.version == "" {
		s.version = DefaultClientVersion
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// CloudEnabled reports whether remote write-through and sync are on.
func (s *Store) CloudEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cloud
}

// SetCloudEnabled turns remote write-through on or off for this process. The
// persistent switch is the cloudSync setting.
func (s *Store) SetCloudEnabled(enabled bool) {
	s.mu.Lock()
	s.cloud = enabled
	s.mu.Unlock()
}

func (s *Store) remoteEnabled() bool {
	return s.remote != nil && s.CloudEnabled() && s.conn.IsOnline()
}

// stamp returns the current time, bumped past prev when the clock has not
// moved, so lastModified strictly increases per record.
func (s *Store) stamp(prev time.Time) time.Time {
	t := s.now().UTC().Truncate(time.Millisecond)
	if !t.After(prev) {
		t = prev.Add(time.Millisecond)
	}
	return t
}

// NewWorldID returns a fresh world id of the form world_<unixms>_<random>.
func NewWorldID(now time.Time) string {
	r := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("world_%d_%s", now.UnixMilli(), r[:9])
}

// ============================================================================
// Worlds
// ============================================================================

// SaveWorld stamps and stores w locally, then writes it through to the
// remote or queues it. Only a local failure fails the call.
func (s *Store) SaveWorld(ctx context.Context, w World) (World, error) {
	if strings.TrimSpace(w.Name) == "" {
		return World{}, fmt.Errorf("%w: name is required", ErrInvalidWorld)
	}
	if w.Type == "" {
		w.Type = DefaultWorldType
	}
	if !w.Type.Valid() {
		return World{}, fmt.Errorf("%w: unknown type %q", ErrInvalidWorld, w.Type)
	}

	saved, err := s.writeWorldLocal(ctx, w.Clone())
	if err != nil {
		return World{}, err
	}
	s.bus.Publish(Event{Type: EventWorldsChanged, WorldIDs: []string{saved.ID}})

	if s.remoteEnabled() {
		_, err := s.remote.SaveWorld(ctx, saved)
		if err == nil {
			return saved, nil
		}
		s.logRemoteFailure("save world", saved.ID, err)
	}
	s.enqueueWorld(ctx, OpSave, saved)
	return saved, nil
}

func (s *Store) writeWorldLocal(ctx context.Context, w World) (World, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var prev *World
	if w.ID == "" {
		w.ID = NewWorldID(s.now())
	} else if existing, err := s.getLocalWorld(ctx, w.ID); err == nil {
		prev = &existing
	} else if !errors.Is(err, ErrNotFound) {
		return World{}, fmt.Errorf("save world %s: %w", w.ID, err)
	}

	var last time.Time
	if prev != nil {
		last = prev.LastModified
		w.Created = prev.Created
	}
	if last.Before(w.LastModified) {
		last = w.LastModified
	}
	w.LastModified = s.stamp(last)
	if w.Created.IsZero() {
		w.Created = w.LastModified
	}
	if w.Version == "" {
		w.Version = s.version
	}
	if w.Metadata.Tags == nil {
		w.Metadata.Tags = []string{}
	}

	data, err := json.Marshal(w)
	if err != nil {
		return World{}, fmt.Errorf("encode world %s: %w", w.ID, err)
	}
	if err := s.backend.Put(ctx, CollectionWorlds, w.ID, data); err != nil {
		return World{}, fmt.Errorf("save world %s: %w", w.ID, err)
	}
	return w, nil
}

// LoadWorld returns a world, preferring the remote copy when reachable. A
// remote hit is written back locally.
func (s *Store) LoadWorld(ctx context.Context, id string) (World, error) {
	if s.remoteEnabled() {
		remote, err := s.remote.GetWorld(ctx, id)
		switch {
		case err == nil:
			if err := s.putWorldLocal(ctx, *remote); err != nil && !errors.Is(err, ErrStorageUnavailable) {
				s.logger.Warn("Failed to cache remote world", zap.String("target", id), zap.Error(err))
			}
			return *remote, nil
		case errors.Is(err, ErrNotFound):
			s.logger.Debug("World not on remote", zap.String("target", id))
		default:
			s.logRemoteFailure("load world", id, err)
		}
	}

	local, localErr := s.getLocalWorld(ctx, id)
	if localErr != nil {
		if errors.Is(localErr, ErrNotFound) || errors.Is(localErr, ErrStorageUnavailable) {
			return World{}, fmt.Errorf("load world %s: %w", id, ErrNotFound)
		}
		return World{}, fmt.Errorf("load world %s: %w", id, localErr)
	}
	return local, nil
}

// ListWorlds returns the local worlds, merged with the remote list when the
// remote is reachable. A remote failure falls back to the local list.
func (s *Store) ListWorlds(ctx context.Context) ([]World, error) {
	var (
		local, remote       []World
		localErr, remoteErr error
		useRemote           = s.remoteEnabled()
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		local, localErr = s.localWorlds(gctx)
		return nil
	})
	if useRemote {
		g.Go(func() error {
			remote, remoteErr = s.remote.ListWorlds(gctx)
			return nil
		})
	}
	_ = g.Wait()

	if useRemote && remoteErr != nil {
		s.logRemoteFailure("list worlds", "", remoteErr)
		useRemote = false
	}
	if localErr != nil {
		if !useRemote {
			return nil, fmt.Errorf("list worlds: %w", localErr)
		}
		s.logger.Warn("Local world list unavailable, using remote only", zap.Error(localErr))
		return MergeWorlds(nil, s.withoutPendingDeletes(remote)), nil
	}
	if !useRemote {
		return local, nil
	}
	return MergeWorlds(local, s.withoutPendingDeletes(remote)), nil
}

func (s *Store) withoutPendingDeletes(worlds []World) []World {
	if s.queue == nil {
		return worlds
	}
	return withoutDeleted(worlds, s.queue.PendingDeletes(TargetWorld))
}

// DeleteWorld removes a world locally, then deletes it remotely or queues
// the delete.
func (s *Store) DeleteWorld(ctx context.Context, id string) error {
	if err := s.backend.Delete(ctx, CollectionWorlds, id); err != nil {
		return fmt.Errorf("delete world %s: %w", id, err)
	}
	s.bus.Publish(Event{Type: EventWorldsChanged, WorldIDs: []string{id}})

	if s.remoteEnabled() {
		err := s.remote.DeleteWorld(ctx, id)
		if err == nil {
			return nil
		}
		s.logRemoteFailure("delete world", id, err)
	}
	s.enqueueWorld(ctx, OpDelete, World{ID: id})
	return nil
}

func (s *Store) enqueueWorld(ctx context.Context, kind OpKind, w World) {
	op := PendingOp{Op: kind, Target: TargetWorld, TargetID: w.ID}
	if kind == OpSave {
		payload, err := json.Marshal(w)
		if err != nil {
			s.logger.Error("Failed to encode queued world", zap.String("target", w.ID), zap.Error(err))
			return
		}
		op.Payload = payload
	}
	if _, err := s.queue.Enqueue(ctx, op); err != nil && !errors.Is(err, ErrStorageUnavailable) {
		s.logger.Warn("Queued op kept in memory only", zap.String("target", w.ID), zap.Error(err))
	}
}

// ============================================================================
// Settings
// ============================================================================

// SaveSetting stores value under key locally and writes it through or queues
// it. Saving cloudSync also switches cloud sync for this process.
func (s *Store) SaveSetting(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode setting %s: %w", key, err)
	}
	setting, err := s.writeSettingLocal(ctx, key, raw)
	if err != nil {
		return err
	}

	if key == SettingCloudSync {
		var enabled bool
		if json.Unmarshal(raw, &enabled) == nil {
			s.SetCloudEnabled(enabled)
			s.logger.Info("Cloud sync toggled", zap.Bool("enabled", enabled))
		}
	}
	if localOnlySettings[key] {
		return nil
	}

	if s.remoteEnabled() {
		err := s.remote.SaveSetting(ctx, setting)
		if err == nil {
			return nil
		}
		s.logRemoteFailure("save setting", key, err)
	}

	payload, err := json.Marshal(setting)
	if err != nil {
		return nil
	}
	op := PendingOp{Op: OpSave, Target: TargetSetting, TargetID: key, Payload: payload}
	if _, err := s.queue.Enqueue(ctx, op); err != nil && !errors.Is(err, ErrStorageUnavailable) {
		s.logger.Warn("Queued op kept in memory only", zap.String("target", key), zap.Error(err))
	}
	return nil
}

func (s *Store) writeSettingLocal(ctx context.Context, key string, value json.RawMessage) (Setting, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var last time.Time
	if prev, err := s.getLocalSetting(ctx, key); err == nil {
		last = prev.LastModified
	}
	setting := Setting{Key: key, Value: value, LastModified: s.stamp(last)}
	if err := s.putSettingLocal(ctx, setting); err != nil {
		return Setting{}, err
	}
	return setting, nil
}

// LoadSetting returns the stored value for key, or def on any failure. A key
// missing locally is looked up on the remote when reachable.
func (s *Store) LoadSetting(ctx context.Context, key string, def json.RawMessage) json.RawMessage {
	if setting, err := s.getLocalSetting(ctx, key); err == nil {
		return setting.Value
	}
	if localOnlySettings[key] || !s.remoteEnabled() {
		return def
	}

	settings, err := s.remote.ListSettings(ctx)
	if err != nil {
		s.logRemoteFailure("load setting", key, err)
		return def
	}
	for _, setting := range settings {
		if setting.Key == key {
			if err := s.putSettingLocal(ctx, setting); err != nil && !errors.Is(err, ErrStorageUnavailable) {
				s.logger.Warn("Failed to cache remote setting", zap.String("target", key), zap.Error(err))
			}
			return setting.Value
		}
	}
	return def
}

// LoadSettingAs decodes a setting into T, returning def when the setting is
// absent or does not decode.
func LoadSettingAs[T any](ctx context.Context, s *Store, key string, def T) T {
	raw := s.LoadSetting(ctx, key, nil)
	if raw == nil {
		return def
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return def
	}
	return v
}

// ============================================================================
// Local access for the orchestrator
// ============================================================================

func (s *Store) getLocalWorld(ctx context.Context, id string) (World, error) {
	data, err := s.backend.Get(ctx, CollectionWorlds, id)
	if err != nil {
		return World{}, err
	}
	var w World
	if err := json.Unmarshal(data, &w); err != nil {
		return World{}, fmt.Errorf("decode world %s: %w", id, err)
	}
	return w, nil
}

func (s *Store) localWorlds(ctx context.Context) ([]World, error) {
	raw, err := s.backend.GetAll(ctx, CollectionWorlds)
	if err != nil {
		return nil, err
	}
	worlds := make([]World, 0, len(raw))
	for _, data := range raw {
		var w World
		if err := json.Unmarshal(data, &w); err != nil {
			s.logger.Error("Skipping unreadable world", zap.Error(err))
			continue
		}
		worlds = append(worlds, w)
	}
	return worlds, nil
}

func (s *Store) putWorldLocal(ctx context.Context, w World) error {
	data, err := json.Marshal(w)
	if err != nil {
		return err
	}
	return s.backend.Put(ctx, CollectionWorlds, w.ID, data)
}

// putWorldsLocal writes worlds in one batch when the backend supports it.
func (s *Store) putWorldsLocal(ctx context.Context, worlds []World) error {
	values := make(map[string][]byte, len(worlds))
	for _, w := range worlds {
		data, err := json.Marshal(w)
		if err != nil {
			return fmt.Errorf("encode world %s: %w", w.ID, err)
		}
		values[w.ID] = data
	}
	if bp, ok := s.backend.(BatchPutter); ok {
		return bp.PutBatch(ctx, CollectionWorlds, values)
	}
	for id, data := range values {
		if err := s.backend.Put(ctx, CollectionWorlds, id, data); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) getLocalSetting(ctx context.Context, key string) (Setting, error) {
	data, err := s.backend.Get(ctx, CollectionSettings, key)
	if err != nil {
		return Setting{}, err
	}
	var setting Setting
	if err := json.Unmarshal(data, &setting); err != nil {
		return Setting{}, fmt.Errorf("decode setting %s: %w", key, err)
	}
	return setting, nil
}

func (s *Store) putSettingLocal(ctx context.Context, setting Setting) error {
	data, err := json.Marshal(setting)
	if err != nil {
		return fmt.Errorf("encode setting %s: %w", setting.Key, err)
	}
	if err := s.backend.Put(ctx, CollectionSettings, setting.Key, data); err != nil {
		return fmt.Errorf("save setting %s: %w", setting.Key, err)
	}
	return nil
}

// localSettings returns the stored settings among keys.
func (s *Store) localSettings(ctx context.Context, keys []string) ([]Setting, error) {
	var out []Setting
	for _, k := range keys {
		setting, err := s.getLocalSetting(ctx, k)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, setting)
	}
	return out, nil
}

// applyOp replays a queued op against the remote.
func (s *Store) applyOp(ctx context.Context, op PendingOp) error {
	if s.remote == nil {
		return ErrCloudDisabled
	}
	switch {
	case op.Target == TargetWorld && op.Op == OpSave:
		var w World
		if err := json.Unmarshal(op.Payload, &w); err != nil {
			return fmt.Errorf("decode queued world %s: %w", op.TargetID, err)
		}
		return s.replayWorldSave(ctx, w)
	case op.Target == TargetWorld && op.Op == OpDelete:
		return s.remote.DeleteWorld(ctx, op.TargetID)
	case op.Target == TargetSetting && op.Op == OpSave:
		var setting Setting
		if err := json.Unmarshal(op.Payload, &setting); err != nil {
			return fmt.Errorf("decode queued setting %s: %w", op.TargetID, err)
		}
		return s.remote.SaveSetting(ctx, setting)
	default:
		return fmt.Errorf("unsupported pending op %s on %s", op.Op, op.Target)
	}
}

// replayWorldSave pushes the newest known copy of a queued world. The local
// record replaces the payload when it is newer. Nothing is sent when the
// remote copy is at least as new; the remote copy then refreshes an older
// local record.
func (s *Store) replayWorldSave(ctx context.Context, queued World) error {
	w := queued
	local, err := s.getLocalWorld(ctx, queued.ID)
	hasLocal := err == nil
	if hasLocal && local.LastModified.After(w.LastModified) {
		w = local
	}

	remote, err := s.remote.GetWorld(ctx, w.ID)
	switch {
	case err == nil:
		if !w.LastModified.After(remote.LastModified) {
			s.logger.Debug("Queued save superseded by remote",
				zap.String("target", w.ID),
				zap.Time("queued", queued.LastModified),
				zap.Time("remote", remote.LastModified))
			if hasLocal && remote.LastModified.After(local.LastModified) {
				if err := s.putWorldLocal(ctx, *remote); err != nil && !errors.Is(err, ErrStorageUnavailable) {
					s.logger.Warn("Failed to cache remote world", zap.String("target", w.ID), zap.Error(err))
				}
			}
			return nil
		}
	case errors.Is(err, ErrNotFound):
	default:
		return err
	}
	_, err = s.remote.SaveWorld(ctx, w)
	return err
}

func (s *Store) logRemoteFailure(op, target string, err error) {
	s.logger.Warn("Remote call failed, continuing locally",
		zap.String("op", op),
		zap.String("target", target),
		zap.Int("attempt", 1),
		zap.Error(err))
}
