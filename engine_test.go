package worldsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// worldService is an in-process stand-in for the remote world service.
type worldService struct {
	mu       sync.Mutex
	worlds   map[string]World
	settings map[string]Setting
	envs     []string
}

func newWorldService(t *testing.T) (*worldService, *httptest.Server) {
	ws := &worldService{worlds: map[string]World{}, settings: map[string]Setting{}}
	srv := httptest.NewServer(ws)
	t.Cleanup(srv.Close)
	return ws, srv
}

func (s *worldService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs = append(s.envs, r.Header.Get("X-Environment"))

	switch {
	case r.URL.Path == "/health":
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	case r.URL.Path == "/worlds" && r.Method == http.MethodGet:
		out := []World{}
		for _, v := range s.worlds {
			out = append(out, v)
		}
		writeJSON(w, http.StatusOK, out)

	case r.URL.Path == "/worlds" && r.Method == http.MethodPost:
		var in World
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"code": "BAD_REQUEST", "message": err.Error()})
			return
		}
		s.worlds[in.ID] = in
		writeJSON(w, http.StatusOK, in)

	case r.URL.Path == "/worlds/sync":
		var in pushWorldsRequest
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"code": "BAD_REQUEST"})
			return
		}
		for _, v := range in.Worlds {
			s.worlds[v.ID] = v
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})

	case strings.HasPrefix(r.URL.Path, "/worlds/"):
		id := strings.TrimPrefix(r.URL.Path, "/worlds/")
		v, ok := s.worlds[id]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"code": "NOT_FOUND"})
			return
		}
		if r.Method == http.MethodDelete {
			delete(s.worlds, id)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, v)

	case r.URL.Path == "/settings" && r.Method == http.MethodGet:
		out := []Setting{}
		for _, v := range s.settings {
			out = append(out, v)
		}
		writeJSON(w, http.StatusOK, out)

	case r.URL.Path == "/settings":
		var in Setting
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"code": "BAD_REQUEST"})
			return
		}
		s.settings[in.Key] = in
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *worldService) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.worlds)
}

func testConfig(t *testing.T) Config {
	t.Setenv("WORLDSYNC_ENVIRONMENT", "")
	t.Setenv("CODESPACES", "")
	cfg := DefaultConfig()
	cfg.Storage.Dir = t.TempDir()
	cfg.Storage.Backend = BackendFlat
	cfg.Sync.AutoSync = false
	return cfg
}

func TestEngineEndToEnd(t *testing.T) {
	ctx := context.Background()
	svc, srv := newWorldService(t)

	cfg := testConfig(t)
	cfg.Remote.BaseURL = srv.URL
	cfg.Remote.Environment = EnvCodespaces

	eng, err := Open(ctx, cfg, WithLogger(zaptest.NewLogger(t)), WithInitialOnline(false))
	require.NoError(t, err)
	defer eng.Close()

	saved, err := eng.SaveWorld(ctx, World{Name: "Eldoria", Metadata: WorldMetadata{Tags: []string{"elves"}}})
	require.NoError(t, err)
	require.Len(t, eng.PendingOps(), 1)
	assert.Zero(t, svc.count())

	online, err := eng.CheckConnectivity(ctx)
	require.NoError(t, err)
	assert.True(t, online)

	require.Eventually(t, func() bool { return len(eng.PendingOps()) == 0 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, svc.count())

	require.NoError(t, eng.ForceSync(ctx))
	status := eng.GetSyncStatus()
	assert.True(t, status.IsOnline)
	assert.NotNil(t, status.LastSyncTime)
	assert.Equal(t, BackendFlat, status.Backend)
	assert.Equal(t, EnvCodespaces, status.Environment)
	assert.Zero(t, status.QueueLength)

	got, err := eng.LoadWorld(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"elves"}, got.Metadata.Tags)

	svc.mu.Lock()
	for _, env := range svc.envs {
		assert.Equal(t, "codespaces", env)
	}
	svc.mu.Unlock()
}

func TestEngineSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	eng, err := Open(ctx, cfg)
	require.NoError(t, err)
	saved, err := eng.SaveWorld(ctx, World{Name: "Eldoria"})
	require.NoError(t, err)
	require.NoError(t, eng.SaveSetting(ctx, "darkMode", true))
	require.NoError(t, eng.Close())

	eng, err = Open(ctx, cfg)
	require.NoError(t, err)
	defer eng.Close()

	got, err := eng.LoadWorld(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, "Eldoria", got.Name)
	assert.True(t, LoadSettingAs(ctx, eng.Store(), "darkMode", false))
	assert.Len(t, eng.PendingOps(), 2, "queued ops survive a restart")
}

func TestEngineDegradedStorage(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	cfg.Storage.Dir = file
	cfg.Storage.Backend = ""

	eng, err := Open(ctx, cfg)
	require.ErrorIs(t, err, ErrStorageUnavailable)
	require.NotNil(t, eng)
	defer eng.Close()

	_, err = eng.SaveWorld(ctx, World{Name: "Eldoria"})
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.Equal(t, "unavailable", eng.GetSyncStatus().Backend)

	assert.Equal(t, "fallback", LoadSettingAs(ctx, eng.Store(), "language", "fallback"))
}

func TestEngineCloudSyncSetting(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	data, _ := json.Marshal(Setting{Key: SettingCloudSync, Value: json.RawMessage(`false`), LastModified: t0})
	require.NoError(t, b.Put(ctx, CollectionSettings, SettingCloudSync, data))

	eng, err := Open(ctx, testConfig(t), WithBackend(b), WithRemote(newFakeRemote()))
	require.NoError(t, err)
	defer eng.Close()

	assert.False(t, eng.GetSyncStatus().CloudEnabled)
	assert.ErrorIs(t, eng.ForceSync(ctx), ErrCloudDisabled)
	_, err = eng.DrainQueue(ctx)
	assert.ErrorIs(t, err, ErrCloudDisabled)
}

func TestEngineRestoresLastSyncTime(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	last := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	data, _ := json.Marshal(Setting{Key: SettingLastSyncTime, Value: quoteTime(last), LastModified: last})
	require.NoError(t, b.Put(ctx, CollectionSettings, SettingLastSyncTime, data))

	eng, err := Open(ctx, testConfig(t), WithBackend(b))
	require.NoError(t, err)
	defer eng.Close()

	got := eng.GetSyncStatus().LastSyncTime
	require.NotNil(t, got)
	assert.True(t, got.Equal(last))
}

func TestEngineRecoveryFailureRunsOffline(t *testing.T) {
	ctx := context.Background()
	srv, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	cfg := testConfig(t)
	cfg.Remote.RecoveryURL = srv.URL

	eng, err := Open(ctx, cfg, WithBackend(NewMemoryBackend()))
	require.NoError(t, err)
	defer eng.Close()

	assert.False(t, eng.Config().Sync.CloudEnabled)
	assert.False(t, eng.GetSyncStatus().CloudEnabled)
	_, err = eng.CheckConnectivity(ctx)
	assert.ErrorIs(t, err, ErrCloudDisabled)
}

func TestEngineNotificationTriggersSync(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Remote.NotifySecret = testSecret
	remote := newFakeRemote()

	eng, err := Open(ctx, cfg, WithBackend(NewMemoryBackend()), WithRemote(remote))
	require.NoError(t, err)
	defer eng.Close()

	completed := make(chan struct{}, 1)
	unsubscribe := eng.Subscribe(func(ev Event) {
		if ev.Type == EventSyncCompleted {
			select {
			case completed <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	body := `{"event":"worlds.changed","worldIds":["w1"]}`
	req := httptest.NewRequest(http.MethodPost, "/notify", strings.NewReader(body))
	req.Header.Set(SignatureHeader, SignBody([]byte(body), testSecret))
	rec := httptest.NewRecorder()
	eng.NotificationHandler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case <-completed:
	case <-time.After(3 * time.Second):
		t.Fatal("notification did not trigger a sync")
	}
	assert.Equal(t, 1, remote.callCount("PushWorlds"))
}

func TestEnginePauseAndDrain(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	eng, err := Open(ctx, testConfig(t), WithBackend(NewMemoryBackend()), WithRemote(remote), WithInitialOnline(false))
	require.NoError(t, err)
	defer eng.Close()

	_, err = eng.SaveWorld(ctx, World{Name: "Eldoria"})
	require.NoError(t, err)

	_, err = eng.DrainQueue(ctx)
	assert.ErrorIs(t, err, ErrRemoteUnreachable)

	eng.Pause()
	assert.True(t, eng.GetSyncStatus().Paused)
	assert.Error(t, eng.ForceSync(ctx))
	eng.Resume()

	eng.SetOnline(true)
	require.Eventually(t, func() bool { return len(eng.PendingOps()) == 0 }, 3*time.Second, 10*time.Millisecond)

	report, err := eng.DrainQueue(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Remaining)
}
