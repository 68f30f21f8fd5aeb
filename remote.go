package worldsync

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Remote is the client side of the remote world service.
type Remote interface {
	ListWorlds(ctx context.Context) ([]World, error)
	// GetWorld returns an error matching ErrNotFound when the id is unknown.
	GetWorld(ctx context.Context, id string) (*World, error)
	SaveWorld(ctx context.Context, w World) (*World, error)
	DeleteWorld(ctx context.Context, id string) error
	PushWorlds(ctx context.Context, worlds []World) error
	ListSettings(ctx context.Context) ([]Setting, error)
	SaveSetting(ctx context.Context, s Setting) error
	Health(ctx context.Context) error
}

// ============================================================================
// Token providers
// ============================================================================

// TokenProvider supplies the bearer token for each remote call.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// EnvironmentToken derives a token from the environment and client version
// when the deployment has no issued credentials.
type EnvironmentToken struct {
	Environment Environment
	Version     string
	Now         func() time.Time
}

func (t EnvironmentToken) Token(context.Context) (string, error) {
	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	data, err := json.Marshal(struct {
		Environment Environment `json:"environment"`
		Timestamp   int64       `json:"timestamp"`
		Version     string      `json:"version"`
	}{t.Environment, now().UnixMilli(), t.Version})
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// ============================================================================
// HTTP remote
// ============================================================================

// HTTPRemote talks to the world service over REST/JSON.
type HTTPRemote struct {
	baseURL       string
	tokens        TokenProvider
	environment   Environment
	clientVersion string
	httpClient    *http.Client
	now           func() time.Time
}

type RemoteOption func(*HTTPRemote)

func WithBaseURL(u string) RemoteOption {
	return func(r *HTTPRemote) { r.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) RemoteOption {
	return func(r *HTTPRemote) { r.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) RemoteOption {
	return func(r *HTTPRemote) { r.httpClient = client }
}

func WithTokenProvider(p TokenProvider) RemoteOption {
	return func(r *HTTPRemote) { r.tokens = p }
}

func WithEnvironment(env Environment) RemoteOption {
	return func(r *HTTPRemote) { r.environment = env }
}

func WithClientVersion(v string) RemoteOption {
	return func(r *HTTPRemote) { r.clientVersion = v }
}

// NewHTTPRemote creates a remote client. Without WithTokenProvider it uses an
// EnvironmentToken for the configured environment and version.
func NewHTTPRemote(opts ...RemoteOption) *HTTPRemote {
	r := &HTTPRemote{
		environment:   EnvLocal,
		clientVersion: DefaultClientVersion,
		httpClient:    &http.Client{Timeout: DefaultRemoteTimeout},
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.tokens == nil {
		r.tokens = EnvironmentToken{Environment: r.environment, Version: r.clientVersion}
	}
	return r
}

// NewHTTPRemoteFromConfig builds a remote from the [remote] section.
func NewHTTPRemoteFromConfig(cfg RemoteConfig) *HTTPRemote {
	opts := []RemoteOption{
		WithBaseURL(cfg.BaseURL),
		WithEnvironment(cfg.Environment),
		WithClientVersion(cfg.ClientVersion),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, WithTimeout(cfg.Timeout.D()))
	}
	if cfg.Token != "" {
		opts = append(opts, WithTokenProvider(StaticToken(cfg.Token)))
	}
	return NewHTTPRemote(opts...)
}

// BaseURL returns the service root.
func (r *HTTPRemote) BaseURL() string { return r.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

func (r *HTTPRemote) doRequest(ctx context.Context, op, method, path string, body interface{}) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to marshal request: %w", op, err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create request: %w", op, err)
	}

	token, err := r.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: token: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Environment", string(r.environment))
	req.Header.Set("X-Client-Version", r.clientVersion)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, &RemoteError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RemoteError{Op: op, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newRemoteError(op, resp.StatusCode, data)
	}
	return data, nil
}

// newRemoteError reads an error body of either {"code","message"} or
// {"error":{"code","message"}}.
func newRemoteError(op string, status int, data []byte) *RemoteError {
	e := &RemoteError{Op: op, Status: status}
	var envelope struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &envelope) == nil {
		e.Code, e.Message = envelope.Code, envelope.Message
		if envelope.Error != nil {
			e.Code, e.Message = envelope.Error.Code, envelope.Error.Message
		}
	}
	return e
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Worlds
// ============================================================================

func (r *HTTPRemote) ListWorlds(ctx context.Context) ([]World, error) {
	data, err := r.doRequest(ctx, "list worlds", http.MethodGet, "/worlds", nil)
	if err != nil {
		return nil, err
	}
	worlds, err := decodeJSON[[]World](data)
	if err != nil {
		return nil, fmt.Errorf("list worlds: %w", err)
	}
	return *worlds, nil
}

func (r *HTTPRemote) GetWorld(ctx context.Context, id string) (*World, error) {
	data, err := r.doRequest(ctx, "get world", http.MethodGet, "/worlds/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	w, err := decodeJSON[World](data)
	if err != nil {
		return nil, fmt.Errorf("get world: %w", err)
	}
	return w, nil
}

// SaveWorld creates or updates a world and returns the stored copy. An empty
// response body is treated as an echo of w.
func (r *HTTPRemote) SaveWorld(ctx context.Context, w World) (*World, error) {
	data, err := r.doRequest(ctx, "save world", http.MethodPost, "/worlds", w)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return &w, nil
	}
	stored, err := decodeJSON[World](data)
	if err != nil {
		return nil, fmt.Errorf("save world: %w", err)
	}
	return stored, nil
}

// DeleteWorld removes a world. A world the service does not know is already
// deleted, so 404 is not an error.
func (r *HTTPRemote) DeleteWorld(ctx context.Context, id string) error {
	_, err := r.doRequest(ctx, "delete world", http.MethodDelete, "/worlds/"+url.PathEscape(id), nil)
	if err != nil && isStatus(err, http.StatusNotFound) {
		return nil
	}
	return err
}

type pushWorldsRequest struct {
	Worlds      []World     `json:"worlds"`
	Environment Environment `json:"environment"`
	Timestamp   time.Time   `json:"timestamp"`
}

func (r *HTTPRemote) PushWorlds(ctx context.Context, worlds []World) error {
	if worlds == nil {
		worlds = []World{}
	}
	_, err := r.doRequest(ctx, "push worlds", http.MethodPost, "/worlds/sync", pushWorldsRequest{
		Worlds:      worlds,
		Environment: r.environment,
		Timestamp:   r.now().UTC(),
	})
	return err
}

// ============================================================================
// Settings
// ============================================================================

func (r *HTTPRemote) ListSettings(ctx context.Context) ([]Setting, error) {
	data, err := r.doRequest(ctx, "list settings", http.MethodGet, "/settings", nil)
	if err != nil {
		return nil, err
	}
	settings, err := decodeJSON[[]Setting](data)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	return *settings, nil
}

type saveSettingRequest struct {
	Key          string          `json:"key"`
	Value        json.RawMessage `json:"value"`
	LastModified time.Time       `json:"lastModified"`
	Environment  Environment     `json:"environment"`
	Timestamp    time.Time       `json:"timestamp"`
}

func (r *HTTPRemote) SaveSetting(ctx context.Context, s Setting) error {
	_, err := r.doRequest(ctx, "save setting", http.MethodPost, "/settings", saveSettingRequest{
		Key:          s.Key,
		Value:        s.Value,
		LastModified: s.LastModified,
		Environment:  r.environment,
		Timestamp:    r.now().UTC(),
	})
	return err
}

// Health calls GET /health.
func (r *HTTPRemote) Health(ctx context.Context) error {
	_, err := r.doRequest(ctx, "health", http.MethodGet, "/health", nil)
	return err
}

func isStatus(err error, status int) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Status == status
}
