package worldsync

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewWorldID(t *testing.T) {
	now := time.UnixMilli(1767225600123)
	id := NewWorldID(now)
	assert.Regexp(t, regexp.MustCompile(`^world_1767225600123_[0-9a-f]{9}$`), id)
	assert.NotEqual(t, id, NewWorldID(now))
}

func TestStoreSaveWorld(t *testing.T) {
	ctx := context.Background()

	t.Run("offline save is queued once", func(t *testing.T) {
		h := newHarness(t, false)

		saved := mustSave(t, h.store, World{Name: "Eldoria"})

		assert.NotEmpty(t, saved.ID)
		assert.Equal(t, DefaultWorldType, saved.Type)
		assert.Equal(t, DefaultClientVersion, saved.Version)
		assert.NotNil(t, saved.Metadata.Tags)
		assert.Zero(t, h.remote.callCount("SaveWorld"))

		ops := h.queue.List()
		require.Len(t, ops, 1)
		assert.Equal(t, OpSave, ops[0].Op)
		assert.Equal(t, TargetWorld, ops[0].Target)
		assert.Equal(t, saved.ID, ops[0].TargetID)

		var queued World
		require.NoError(t, json.Unmarshal(ops[0].Payload, &queued))
		assert.Equal(t, "Eldoria", queued.Name)

		local, err := h.store.getLocalWorld(ctx, saved.ID)
		require.NoError(t, err)
		assert.Equal(t, saved.LastModified, local.LastModified)
	})

	t.Run("online save writes through", func(t *testing.T) {
		h := newHarness(t, true)

		saved := mustSave(t, h.store, World{Name: "Eldoria"})

		assert.Equal(t, 1, h.remote.callCount("SaveWorld"))
		assert.Zero(t, h.queue.Len())
		remote, ok := h.remote.world(saved.ID)
		require.True(t, ok)
		assert.Equal(t, "Eldoria", remote.Name)
	})

	t.Run("remote failure is queued", func(t *testing.T) {
		h := newHarness(t, true)
		h.remote.setErr(&RemoteError{Op: "save world", Status: 503})

		saved, err := h.store.SaveWorld(ctx, World{Name: "Eldoria"})
		require.NoError(t, err)
		require.Equal(t, 1, h.queue.Len())
		assert.Equal(t, saved.ID, h.queue.List()[0].TargetID)
	})

	t.Run("cloud disabled is queued", func(t *testing.T) {
		h := newHarness(t, true)
		h.store.SetCloudEnabled(false)

		mustSave(t, h.store, World{Name: "Eldoria"})
		assert.Zero(t, h.remote.callCount("SaveWorld"))
		assert.Equal(t, 1, h.queue.Len())
	})

	t.Run("lastModified strictly increases with a frozen clock", func(t *testing.T) {
		h := newHarness(t, false)

		first := mustSave(t, h.store, World{Name: "Eldoria"})
		edit := first
		edit.Name = "Eldoria II"
		edit.Created = time.Time{}
		second := mustSave(t, h.store, edit)
		third := mustSave(t, h.store, second)

		assert.True(t, second.LastModified.After(first.LastModified))
		assert.True(t, third.LastModified.After(second.LastModified))
		assert.Equal(t, first.Created, second.Created, "created is immutable")
		assert.Equal(t, first.Created, third.Created)
	})

	t.Run("caller timestamps are never trusted backwards", func(t *testing.T) {
		h := newHarness(t, false)
		first := mustSave(t, h.store, World{Name: "Eldoria"})

		stale := first
		stale.LastModified = first.LastModified.Add(-time.Hour)
		again := mustSave(t, h.store, stale)
		assert.True(t, again.LastModified.After(first.LastModified))
	})

	t.Run("validation", func(t *testing.T) {
		h := newHarness(t, false)

		_, err := h.store.SaveWorld(ctx, World{Name: "  "})
		assert.ErrorIs(t, err, ErrInvalidWorld)

		_, err = h.store.SaveWorld(ctx, World{Name: "x", Type: "steampunk"})
		assert.ErrorIs(t, err, ErrInvalidWorld)
		assert.Zero(t, h.queue.Len())
	})

	t.Run("publishes worlds changed", func(t *testing.T) {
		h := newHarness(t, false)
		rec := record(h.bus)

		saved := mustSave(t, h.store, World{Name: "Eldoria"})
		events := rec.ofType(EventWorldsChanged)
		require.Len(t, events, 1)
		assert.Equal(t, []string{saved.ID}, events[0].WorldIDs)
	})

	t.Run("storage unavailable fails the save", func(t *testing.T) {
		bus := NewBus(zap.NewNop())
		q, err := NewQueue(ctx, unavailableBackend{}, bus, nil, QueueOptions{})
		require.NoError(t, err)
		s := NewStore(StoreOptions{Backend: unavailableBackend{}, Queue: q, Bus: bus})

		_, err = s.SaveWorld(ctx, World{Name: "Eldoria"})
		assert.ErrorIs(t, err, ErrStorageUnavailable)
		assert.Zero(t, q.Len())
	})
}

func TestStoreLoadWorld(t *testing.T) {
	ctx := context.Background()

	t.Run("remote copy wins and is cached", func(t *testing.T) {
		h := newHarness(t, true)
		h.store.SetCloudEnabled(false)
		local := mustSave(t, h.store, World{ID: "w1", Name: "local"})
		h.store.SetCloudEnabled(true)

		remote := local
		remote.Name = "remote"
		remote.LastModified = local.LastModified.Add(time.Minute)
		h.remote.put(remote)

		got, err := h.store.LoadWorld(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(t, "remote", got.Name)

		cached, err := h.store.getLocalWorld(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(t, "remote", cached.Name)
	})

	t.Run("remote copy replaces a newer local copy", func(t *testing.T) {
		h := newHarness(t, true)
		h.remote.put(world("w1", "remote", t0))
		h.store.SetCloudEnabled(false)
		mustSave(t, h.store, World{ID: "w1", Name: "local"})
		h.store.SetCloudEnabled(true)

		got, err := h.store.LoadWorld(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(t, "remote", got.Name)

		cached, err := h.store.getLocalWorld(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(t, "remote", cached.Name)
		assert.Equal(t, 1, h.queue.Len(), "the local edit stays queued")
	})

	t.Run("remote failure falls back to local", func(t *testing.T) {
		h := newHarness(t, true)
		h.store.SetCloudEnabled(false)
		mustSave(t, h.store, World{ID: "w1", Name: "local"})
		h.store.SetCloudEnabled(true)
		h.remote.setErr(errUnreachable)

		got, err := h.store.LoadWorld(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(t, "local", got.Name)
	})

	t.Run("offline reads local", func(t *testing.T) {
		h := newHarness(t, false)
		mustSave(t, h.store, World{ID: "w1", Name: "local"})

		got, err := h.store.LoadWorld(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(t, "local", got.Name)
		assert.Zero(t, h.remote.callCount("GetWorld"))
	})

	t.Run("missing everywhere", func(t *testing.T) {
		h := newHarness(t, true)
		_, err := h.store.LoadWorld(ctx, "ghost")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStoreListWorlds(t *testing.T) {
	ctx := context.Background()

	t.Run("union of local and remote", func(t *testing.T) {
		h := newHarness(t, true)
		h.store.SetCloudEnabled(false)
		mustSave(t, h.store, World{ID: "a", Name: "local"})
		h.store.SetCloudEnabled(true)
		h.remote.put(world("b", "remote", t0))

		got, err := h.store.ListWorlds(ctx)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "a", got[0].ID)
		assert.Equal(t, "b", got[1].ID)
	})

	t.Run("remote failure degrades to local", func(t *testing.T) {
		h := newHarness(t, true)
		h.store.SetCloudEnabled(false)
		mustSave(t, h.store, World{ID: "a", Name: "local"})
		h.store.SetCloudEnabled(true)
		h.remote.setErr(errUnreachable)

		got, err := h.store.ListWorlds(ctx)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "a", got[0].ID)
	})

	t.Run("offline lists local only", func(t *testing.T) {
		h := newHarness(t, false)
		h.remote.put(world("b", "remote", t0))
		mustSave(t, h.store, World{ID: "a", Name: "local"})

		got, err := h.store.ListWorlds(ctx)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Zero(t, h.remote.callCount("ListWorlds"))
	})
}

func TestStoreDeleteWorld(t *testing.T) {
	ctx := context.Background()

	t.Run("offline delete is queued", func(t *testing.T) {
		h := newHarness(t, false)
		saved := mustSave(t, h.store, World{Name: "Eldoria"})

		require.NoError(t, h.store.DeleteWorld(ctx, saved.ID))

		_, err := h.store.getLocalWorld(ctx, saved.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		ops := h.queue.List()
		require.Len(t, ops, 2)
		assert.Equal(t, OpDelete, ops[1].Op)
		assert.Equal(t, saved.ID, ops[1].TargetID)
	})

	t.Run("online delete goes through", func(t *testing.T) {
		h := newHarness(t, true)
		saved := mustSave(t, h.store, World{Name: "Eldoria"})

		require.NoError(t, h.store.DeleteWorld(ctx, saved.ID))
		_, ok := h.remote.world(saved.ID)
		assert.False(t, ok)
		assert.Zero(t, h.queue.Len())
	})
}

func TestStoreSettings(t *testing.T) {
	ctx := context.Background()

	t.Run("default when absent", func(t *testing.T) {
		h := newHarness(t, false)
		assert.Equal(t, "es", LoadSettingAs(ctx, h.store, "language", "es"))
		assert.JSONEq(t, `{"a":1}`, string(h.store.LoadSetting(ctx, "missing", json.RawMessage(`{"a":1}`))))
	})

	t.Run("round trip", func(t *testing.T) {
		h := newHarness(t, false)
		require.NoError(t, h.store.SaveSetting(ctx, "darkMode", true))
		assert.True(t, LoadSettingAs(ctx, h.store, "darkMode", false))

		ops := h.queue.List()
		require.Len(t, ops, 1)
		assert.Equal(t, TargetSetting, ops[0].Target)
		assert.Equal(t, "darkMode", ops[0].TargetID)
	})

	t.Run("write through when online", func(t *testing.T) {
		h := newHarness(t, true)
		require.NoError(t, h.store.SaveSetting(ctx, "language", "en"))
		assert.Equal(t, 1, h.remote.callCount("SaveSetting"))
		assert.Zero(t, h.queue.Len())
	})

	t.Run("local only keys never leave the device", func(t *testing.T) {
		h := newHarness(t, true)
		require.NoError(t, h.store.SaveSetting(ctx, SettingLastSyncTime, time.Now()))
		assert.Zero(t, h.remote.callCount("SaveSetting"))
		assert.Zero(t, h.queue.Len())
	})

	t.Run("cloudSync toggles write through", func(t *testing.T) {
		h := newHarness(t, true)
		require.NoError(t, h.store.SaveSetting(ctx, SettingCloudSync, false))
		assert.False(t, h.store.CloudEnabled())

		mustSave(t, h.store, World{Name: "Eldoria"})
		assert.Zero(t, h.remote.callCount("SaveWorld"))

		require.NoError(t, h.store.SaveSetting(ctx, SettingCloudSync, true))
		assert.True(t, h.store.CloudEnabled())

		assert.Zero(t, h.remote.callCount("SaveSetting"), "cloudSync stays on the device")
		for _, op := range h.queue.List() {
			assert.NotEqual(t, TargetSetting, op.Target)
		}
	})

	t.Run("cloudSync is never fetched from remote", func(t *testing.T) {
		h := newHarness(t, true)
		h.remote.settings[SettingCloudSync] = Setting{Key: SettingCloudSync, Value: json.RawMessage(`false`), LastModified: t0}

		assert.True(t, LoadSettingAs(ctx, h.store, SettingCloudSync, true))
		assert.Zero(t, h.remote.callCount("ListSettings"))
	})

	t.Run("missing locally is fetched from remote", func(t *testing.T) {
		h := newHarness(t, true)
		h.remote.settings["autoSave"] = Setting{Key: "autoSave", Value: json.RawMessage(`false`), LastModified: t0}

		assert.False(t, LoadSettingAs(ctx, h.store, "autoSave", true))
		cached, err := h.store.getLocalSetting(ctx, "autoSave")
		require.NoError(t, err)
		assert.Equal(t, "false", string(cached.Value))
	})

	t.Run("undecodable value yields default", func(t *testing.T) {
		h := newHarness(t, false)
		require.NoError(t, h.store.SaveSetting(ctx, "language", 42))
		assert.Equal(t, "es", LoadSettingAs(ctx, h.store, "language", "es"))
	})
}

func TestStoreApplyOp(t *testing.T) {
	ctx := context.Background()

	t.Run("without a remote", func(t *testing.T) {
		s := NewStore(StoreOptions{Backend: NewMemoryBackend()})
		assert.ErrorIs(t, s.applyOp(ctx, saveOp("a")), ErrCloudDisabled)
	})

	t.Run("unsupported op", func(t *testing.T) {
		h := newHarness(t, true)
		err := h.store.applyOp(ctx, PendingOp{Op: OpDelete, Target: TargetSetting, TargetID: "k"})
		assert.Error(t, err)
	})

	queuedSave := func(t *testing.T, w World) PendingOp {
		t.Helper()
		payload, err := json.Marshal(w)
		require.NoError(t, err)
		return PendingOp{Op: OpSave, Target: TargetWorld, TargetID: w.ID, Payload: payload}
	}

	t.Run("replays a queued save missing remotely", func(t *testing.T) {
		h := newHarness(t, true)
		require.NoError(t, h.store.applyOp(ctx, queuedSave(t, world("w1", "draft", t0))))
		got, ok := h.remote.world("w1")
		require.True(t, ok)
		assert.Equal(t, "draft", got.Name)
	})

	t.Run("newer remote copy is not overwritten", func(t *testing.T) {
		h := newHarness(t, true)
		h.store.SetCloudEnabled(false)
		stale := mustSave(t, h.store, World{ID: "w1", Name: "local edit"})
		h.store.SetCloudEnabled(true)
		h.remote.put(world("w1", "remote edit", stale.LastModified.Add(time.Minute)))

		require.NoError(t, h.store.applyOp(ctx, queuedSave(t, stale)))

		remote, ok := h.remote.world("w1")
		require.True(t, ok)
		assert.Equal(t, "remote edit", remote.Name)
		assert.Zero(t, h.remote.callCount("SaveWorld"))

		local, err := h.store.getLocalWorld(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(t, "remote edit", local.Name)
	})

	t.Run("newer local record replaces the queued payload", func(t *testing.T) {
		h := newHarness(t, true)
		h.store.SetCloudEnabled(false)
		first := mustSave(t, h.store, World{ID: "w1", Name: "first"})
		h.clock.Advance(time.Minute)
		mustSave(t, h.store, World{ID: "w1", Name: "second", Created: first.Created})
		h.store.SetCloudEnabled(true)
		h.remote.put(world("w1", "older remote", first.LastModified.Add(-time.Hour)))

		require.NoError(t, h.store.applyOp(ctx, queuedSave(t, first)))

		remote, _ := h.remote.world("w1")
		assert.Equal(t, "second", remote.Name)
	})

	t.Run("remote lookup failure is retried", func(t *testing.T) {
		h := newHarness(t, true)
		h.remote.setErr(errUnreachable)
		err := h.store.applyOp(ctx, queuedSave(t, world("w1", "draft", t0)))
		assert.ErrorIs(t, err, ErrRemoteUnreachable)
	})

	t.Run("replays a queued delete", func(t *testing.T) {
		h := newHarness(t, true)
		h.remote.put(world("w1", "remote", t0))
		require.NoError(t, h.store.applyOp(ctx, PendingOp{Op: OpDelete, Target: TargetWorld, TargetID: "w1"}))
		_, ok := h.remote.world("w1")
		assert.False(t, ok)
	})
}
