package worldsync

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// Feed event types pushed by the remote service.
const (
	FeedWorldsChanged   = "worlds.changed"
	FeedSettingsChanged = "settings.changed"
)

// FeedEvent is a change announced by the remote service.
type FeedEvent struct {
	Type     string    `json:"-"`
	WorldIDs []string  `json:"worldIds,omitempty"`
	Keys     []string  `json:"keys,omitempty"`
	At       time.Time `json:"timestamp"`
}

type feedEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// FeedConfig configures a ChangeFeed.
type FeedConfig struct {
	BaseURL              string
	Tokens               TokenProvider
	Environment          Environment
	DisableReconnect     bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HandshakeTimeout     time.Duration
	HTTPClient           *http.Client
}

func (c *FeedConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.Tokens == nil {
		c.Tokens = EnvironmentToken{Environment: c.Environment, Version: DefaultClientVersion}
	}
}

// FeedState is the connection state of a ChangeFeed.
type FeedState string

const (
	FeedDisconnected FeedState = "disconnected"
	FeedConnecting   FeedState = "connecting"
	FeedConnected    FeedState = "connected"
	FeedReconnecting FeedState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay doubles per attempt with up to 50% jitter. A connection that
// lasted over a minute starts the sequence again.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// ChangeFeed
// ============================================================================

// ChangeFeed holds a websocket to the remote service and reports change
// announcements and connection state. It reconnects on its own until
// Disconnect is called or the attempts run out.
type ChangeFeed struct {
	cfg    FeedConfig
	logger *zap.Logger
	recon  *reconnector

	mu       sync.Mutex
	state    FeedState
	conn     *websocket.Conn
	cancel   context.CancelFunc
	onChange []func(FeedEvent)
	onState  []func(FeedState)

	lastSeen atomic.Int64
	wg       sync.WaitGroup
}

// NewChangeFeed creates a disconnected feed.
func NewChangeFeed(cfg FeedConfig, logger *zap.Logger) *ChangeFeed {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChangeFeed{
		cfg:    cfg,
		logger: logger,
		state:  FeedDisconnected,
		recon: &reconnector{
			baseDelay:   cfg.ReconnectBaseDelay,
			maxDelay:    cfg.ReconnectMaxDelay,
			maxAttempts: cfg.MaxReconnectAttempts,
		},
	}
}

// OnChange registers a handler for change announcements. Handlers run on the
// feed goroutine and must not block.
func (f *ChangeFeed) OnChange(h func(FeedEvent)) {
	f.mu.Lock()
	f.onChange = append(f.onChange, h)
	f.mu.Unlock()
}

// OnState registers a handler for connection state changes.
func (f *ChangeFeed) OnState(h func(FeedState)) {
	f.mu.Lock()
	f.onState = append(f.onState, h)
	f.mu.Unlock()
}

// State returns the current connection state.
func (f *ChangeFeed) State() FeedState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *ChangeFeed) setState(s FeedState) {
	f.mu.Lock()
	if f.state == s {
		f.mu.Unlock()
		return
	}
	f.state = s
	handlers := append([]func(FeedState){}, f.onState...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(s)
	}
}

// Connect dials the feed and waits for the handshake. The connection then
// lives until Disconnect, independent of ctx.
func (f *ChangeFeed) Connect(ctx context.Context) error {
	f.mu.Lock()
	if f.cancel != nil || f.state == FeedConnecting {
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()
	f.setState(FeedConnecting)

	conn, err := f.dial(ctx)
	if err != nil {
		f.setState(FeedDisconnected)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	f.mu.Lock()
	f.conn = conn
	f.cancel = cancel
	f.mu.Unlock()
	f.recon.markConnected()
	f.setState(FeedConnected)

	f.wg.Add(1)
	go f.run(runCtx, conn)
	return nil
}

// Disconnect closes the connection and stops reconnecting.
func (f *ChangeFeed) Disconnect() {
	f.mu.Lock()
	cancel := f.cancel
	f.cancel = nil
	conn := f.conn
	f.conn = nil
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	f.wg.Wait()
	f.setState(FeedDisconnected)
}

func (f *ChangeFeed) feedURL(token string) string {
	wsURL := strings.Replace(f.cfg.BaseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	return wsURL + "/ws?token=" + url.QueryEscape(token)
}

func (f *ChangeFeed) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := f.cfg.Tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("change feed: token: %w", err)
	}

	header := http.Header{}
	header.Set("X-Environment", string(f.cfg.Environment))
	conn, _, err := websocket.Dial(ctx, f.feedURL(token), &websocket.DialOptions{
		HTTPClient: f.cfg.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	// The first message must be "authenticated".
	hctx, cancel := context.WithTimeout(ctx, f.cfg.HandshakeTimeout)
	defer cancel()
	_, data, err := conn.Read(hctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("read auth message: %w", err)
	}
	var env feedEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}
	f.lastSeen.Store(time.Now().UnixNano())
	return conn, nil
}

func (f *ChangeFeed) run(ctx context.Context, conn *websocket.Conn) {
	defer f.wg.Done()
	for {
		err := f.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		f.logger.Warn("Change feed dropped", zap.Error(err))
		f.mu.Lock()
		f.conn = nil
		f.mu.Unlock()

		conn = f.reconnect(ctx)
		if conn == nil {
			f.mu.Lock()
			cancel := f.cancel
			f.cancel = nil
			f.mu.Unlock()
			if cancel != nil {
				cancel()
			}
			f.setState(FeedDisconnected)
			return
		}
		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()
		f.setState(FeedConnected)
	}
}

// serve reads until the connection fails, running the heartbeat alongside.
func (f *ChangeFeed) serve(ctx context.Context, conn *websocket.Conn) error {
	hbCtx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.heartbeat(hbCtx, conn)
	}()

	err := f.readLoop(ctx, conn)
	stop()
	wg.Wait()
	conn.Close(websocket.StatusGoingAway, "")
	return err
}

func (f *ChangeFeed) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		f.lastSeen.Store(time.Now().UnixNano())

		var env feedEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		switch env.Type {
		case FeedWorldsChanged, FeedSettingsChanged:
			var ev FeedEvent
			if len(env.Payload) > 0 {
				_ = json.Unmarshal(env.Payload, &ev)
			}
			ev.Type = env.Type
			f.dispatch(ev)
		case "error":
			f.logger.Warn("Change feed error", zap.ByteString("payload", env.Payload))
		}
	}
}

func (f *ChangeFeed) dispatch(ev FeedEvent) {
	f.mu.Lock()
	handlers := append([]func(FeedEvent){}, f.onChange...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

// heartbeat pings on an interval and closes the connection when nothing has
// been heard for two intervals.
func (f *ChangeFeed) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(f.cfg.HeartbeatInterval)
	defer ticker.Stop()
	ping, _ := json.Marshal(feedEnvelope{Type: "ping"})

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			silent := time.Since(time.Unix(0, f.lastSeen.Load()))
			if silent > 2*f.cfg.HeartbeatInterval {
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, ping); err != nil {
				conn.Close(websocket.StatusGoingAway, "heartbeat failed")
				return
			}
		}
	}
}

func (f *ChangeFeed) reconnect(ctx context.Context) *websocket.Conn {
	if f.cfg.DisableReconnect {
		return nil
	}
	for f.recon.shouldReconnect() {
		delay := f.recon.nextDelay()
		f.setState(FeedReconnecting)
		f.logger.Info("Change feed reconnecting",
			zap.Int("attempt", f.recon.attempt), zap.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		conn, err := f.dial(ctx)
		if err == nil {
			f.recon.markConnected()
			return conn
		}
		f.logger.Debug("Change feed reconnect failed", zap.Error(err))
	}
	return nil
}
