package worldsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

// ============================================================================
// Fake remote
// ============================================================================

type fakeRemote struct {
	mu       sync.Mutex
	worlds   map[string]World
	settings map[string]Setting
	err      error
	calls    map[string]int
	pushed   [][]World

	// listGate, when set, holds ListWorlds until it is closed. listEntered
	// receives once per ListWorlds call before waiting.
	listGate    chan struct{}
	listEntered chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		worlds:   make(map[string]World),
		settings: make(map[string]Setting),
		calls:    make(map[string]int),
	}
}

func (f *fakeRemote) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeRemote) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeRemote) put(w World) {
	f.mu.Lock()
	f.worlds[w.ID] = w.Clone()
	f.mu.Unlock()
}

func (f *fakeRemote) world(id string) (World, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.worlds[id]
	return w, ok
}

func (f *fakeRemote) enter(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
	return f.err
}

func (f *fakeRemote) ListWorlds(ctx context.Context) ([]World, error) {
	f.mu.Lock()
	gate, entered := f.listGate, f.listEntered
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	if err := f.enter("ListWorlds"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]World, 0, len(f.worlds))
	for _, w := range f.worlds {
		out = append(out, w.Clone())
	}
	return out, nil
}

func (f *fakeRemote) GetWorld(ctx context.Context, id string) (*World, error) {
	if err := f.enter("GetWorld"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.worlds[id]
	if !ok {
		return nil, &RemoteError{Op: "get world", Status: 404}
	}
	c := w.Clone()
	return &c, nil
}

func (f *fakeRemote) SaveWorld(ctx context.Context, w World) (*World, error) {
	if err := f.enter("SaveWorld"); err != nil {
		return nil, err
	}
	f.put(w)
	return &w, nil
}

func (f *fakeRemote) DeleteWorld(ctx context.Context, id string) error {
	if err := f.enter("DeleteWorld"); err != nil {
		return err
	}
	f.mu.Lock()
	delete(f.worlds, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeRemote) PushWorlds(ctx context.Context, worlds []World) error {
	if err := f.enter("PushWorlds"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]World, len(worlds))
	for i, w := range worlds {
		cp[i] = w.Clone()
		f.worlds[w.ID] = w.Clone()
	}
	f.pushed = append(f.pushed, cp)
	return nil
}

func (f *fakeRemote) ListSettings(ctx context.Context) ([]Setting, error) {
	if err := f.enter("ListSettings"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Setting, 0, len(f.settings))
	for _, s := range f.settings {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeRemote) SaveSetting(ctx context.Context, s Setting) error {
	if err := f.enter("SaveSetting"); err != nil {
		return err
	}
	f.mu.Lock()
	f.settings[s.Key] = s
	f.mu.Unlock()
	return nil
}

func (f *fakeRemote) Health(ctx context.Context) error {
	return f.enter("Health")
}

var errUnreachable = &RemoteError{Op: "test", Err: context.DeadlineExceeded}

// ============================================================================
// Wiring
// ============================================================================

// testClock returns a clock that only moves when advanced.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	backend Backend
	remote  *fakeRemote
	bus     *Bus
	conn    *Connectivity
	queue   *Queue
	store   *Store
	orch    *Orchestrator
	clock   *testClock
}

type harnessOption func(*OrchestratorOptions)

func newHarness(t *testing.T, online bool, opts ...harnessOption) *harness {
	t.Helper()
	ctx := context.Background()

	h := &harness{
		backend: serialize(NewMemoryBackend()),
		remote:  newFakeRemote(),
		clock:   newTestClock(),
	}
	logger := zap.NewNop()
	h.bus = NewBus(logger)
	h.conn = NewConnectivity(online, h.bus)

	q, err := NewQueue(ctx, h.backend, h.bus, logger, QueueOptions{})
	require.NoError(t, err)
	h.queue = q

	h.store = NewStore(StoreOptions{
		Backend:      h.backend,
		Remote:       h.remote,
		Connectivity: h.conn,
		Queue:        h.queue,
		Bus:          h.bus,
		Logger:       logger,
		CloudEnabled: true,
		Now:          h.clock.Now,
	})

	oo := OrchestratorOptions{
		Store:          h.store,
		Queue:          h.queue,
		Remote:         h.remote,
		Connectivity:   h.conn,
		Bus:            h.bus,
		Logger:         logger,
		Environment:    EnvLocal,
		RetryBaseDelay: time.Hour,
		MaxRetries:     3,
		Now:            h.clock.Now,
	}
	for _, o := range opts {
		o(&oo)
	}
	h.orch = NewOrchestrator(oo)
	t.Cleanup(h.orch.Close)
	return h
}

// recorder collects bus events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func record(b *Bus) *recorder {
	r := &recorder{}
	b.Subscribe(func(ev Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func mustSave(t *testing.T, s *Store, w World) World {
	t.Helper()
	saved, err := s.SaveWorld(context.Background(), w)
	require.NoError(t, err)
	return saved
}

func strPtr(s string) *string { return &s }
