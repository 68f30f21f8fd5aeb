package worldsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// feedServer is a websocket endpoint that authenticates, runs script, then
// reads until the client goes away.
type feedServer struct {
	*httptest.Server
	connections atomic.Int32
	tokens      chan string
}

func newFeedServer(t *testing.T, script func(n int32, ctx context.Context, c *websocket.Conn) bool) *feedServer {
	t.Helper()
	fs := &feedServer{tokens: make(chan string, 8)}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")
		n := fs.connections.Add(1)
		select {
		case fs.tokens <- r.URL.Query().Get("token"):
		default:
		}

		ctx := r.Context()
		if !script(n, ctx, c) {
			return
		}
		for {
			if _, _, err := c.Read(ctx); err != nil {
				return
			}
		}
	}))
	t.Cleanup(fs.Close)
	return fs
}

func authenticate(ctx context.Context, c *websocket.Conn) error {
	return c.Write(ctx, websocket.MessageText, []byte(`{"type":"authenticated"}`))
}

func testFeedConfig(url string) FeedConfig {
	return FeedConfig{
		BaseURL:            url,
		Tokens:             StaticToken("feed-token"),
		Environment:        EnvLocal,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
		HeartbeatInterval:  time.Hour,
		HandshakeTimeout:   2 * time.Second,
	}
}

func TestChangeFeedDeliversEvents(t *testing.T) {
	srv := newFeedServer(t, func(_ int32, ctx context.Context, c *websocket.Conn) bool {
		if authenticate(ctx, c) != nil {
			return false
		}
		msg := `{"type":"worlds.changed","payload":{"worldIds":["w1","w2"],"timestamp":"2026-03-01T12:00:00Z"}}`
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"pong"}`))
		_ = c.Write(ctx, websocket.MessageText, []byte(msg))
		return true
	})

	feed := NewChangeFeed(testFeedConfig(srv.URL), zap.NewNop())
	events := make(chan FeedEvent, 4)
	feed.OnChange(func(ev FeedEvent) { events <- ev })

	var mu sync.Mutex
	var states []FeedState
	feed.OnState(func(s FeedState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	require.NoError(t, feed.Connect(context.Background()))
	assert.Equal(t, FeedConnected, feed.State())
	assert.Equal(t, "feed-token", <-srv.tokens)

	select {
	case ev := <-events:
		assert.Equal(t, FeedWorldsChanged, ev.Type)
		assert.Equal(t, []string{"w1", "w2"}, ev.WorldIDs)
		assert.True(t, ev.At.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
	case <-time.After(2 * time.Second):
		t.Fatal("no change event received")
	}

	feed.Disconnect()
	assert.Equal(t, FeedDisconnected, feed.State())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []FeedState{FeedConnecting, FeedConnected, FeedDisconnected}, states)
}

func TestChangeFeedRejectsBadHandshake(t *testing.T) {
	srv := newFeedServer(t, func(_ int32, ctx context.Context, c *websocket.Conn) bool {
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"error","payload":{"message":"bad token"}}`))
		return true
	})

	feed := NewChangeFeed(testFeedConfig(srv.URL), zap.NewNop())
	err := feed.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authenticated")
	assert.Equal(t, FeedDisconnected, feed.State())
}

func TestChangeFeedReconnects(t *testing.T) {
	srv := newFeedServer(t, func(n int32, ctx context.Context, c *websocket.Conn) bool {
		if authenticate(ctx, c) != nil {
			return false
		}
		// Drop the first connection right after the handshake.
		return n > 1
	})

	feed := NewChangeFeed(testFeedConfig(srv.URL), zap.NewNop())
	require.NoError(t, feed.Connect(context.Background()))
	defer feed.Disconnect()

	require.Eventually(t, func() bool {
		return srv.connections.Load() >= 2 && feed.State() == FeedConnected
	}, 3*time.Second, 10*time.Millisecond)
}

func TestChangeFeedGivesUp(t *testing.T) {
	srv := newFeedServer(t, func(_ int32, ctx context.Context, c *websocket.Conn) bool {
		_ = authenticate(ctx, c)
		return false
	})

	cfg := testFeedConfig(srv.URL)
	cfg.DisableReconnect = true
	feed := NewChangeFeed(cfg, zap.NewNop())
	require.NoError(t, feed.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return feed.State() == FeedDisconnected
	}, 3*time.Second, 10*time.Millisecond)
	feed.Disconnect()
}

func TestFeedURL(t *testing.T) {
	f := NewChangeFeed(FeedConfig{BaseURL: "https://api.example.com"}, nil)
	assert.Equal(t, "wss://api.example.com/ws?token=a+b%2F", f.feedURL("a b/"))

	f = NewChangeFeed(FeedConfig{BaseURL: "http://localhost:8080"}, nil)
	assert.Equal(t, "ws://localhost:8080/ws?token=x", f.feedURL("x"))
}

func TestReconnectorBackoff(t *testing.T) {
	r := &reconnector{baseDelay: 100 * time.Millisecond, maxDelay: time.Second, maxAttempts: 3}

	first := r.nextDelay()
	assert.GreaterOrEqual(t, first, 100*time.Millisecond)
	assert.Less(t, first, 150*time.Millisecond)

	second := r.nextDelay()
	assert.GreaterOrEqual(t, second, 200*time.Millisecond)

	third := r.nextDelay()
	assert.LessOrEqual(t, third, time.Second)
	assert.False(t, r.shouldReconnect())
}
