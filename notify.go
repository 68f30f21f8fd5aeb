package worldsync

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// SignatureHeader carries the HMAC-SHA256 of a notification body.
const SignatureHeader = "X-Worldsync-Signature"

// maxNotificationBody bounds how much of a request body is read.
const maxNotificationBody = 1 << 20

// Notification is a change push sent by the remote service.
type Notification struct {
	Event       string      `json:"event"`
	Timestamp   int64       `json:"timestamp"`
	Environment Environment `json:"environment,omitempty"`
	WorldIDs    []string    `json:"worldIds,omitempty"`
	Keys        []string    `json:"keys,omitempty"`
}

// VerifySignature checks an HMAC-SHA256 signature of body, accepting an
// optional "sha256=" prefix. The comparison is constant time.
func VerifySignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || signature == "" || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// SignBody returns the signature header value for body.
func SignBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ParseNotification decodes and validates a notification body.
func ParseNotification(body []byte) (*Notification, error) {
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("invalid JSON in notification body: %w", err)
	}
	switch n.Event {
	case "":
		return nil, fmt.Errorf("missing event field in notification")
	case FeedWorldsChanged, FeedSettingsChanged:
	default:
		return nil, fmt.Errorf("unknown notification event: %s", n.Event)
	}
	return &n, nil
}

// NotificationHandler verifies, parses and dispatches change pushes.
type NotificationHandler struct {
	secret   string
	onNotify func(Notification)
}

// NewNotificationHandler creates a handler. With an empty secret every
// request is rejected.
func NewNotificationHandler(secret string, onNotify func(Notification)) *NotificationHandler {
	return &NotificationHandler{secret: secret, onNotify: onNotify}
}

// Handle processes a body and signature and returns the status code and
// response body for the caller to write.
func (h *NotificationHandler) Handle(body []byte, signature string) (int, any) {
	if !VerifySignature(body, signature, h.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}
	n, err := ParseNotification(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}
	if h.onNotify != nil {
		h.onNotify(*n)
	}
	return http.StatusAccepted, map[string]bool{"ok": true}
}

func (h *NotificationHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(rw).Encode(map[string]string{"error": "Method not allowed"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxNotificationBody))
	defer r.Body.Close()
	if err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(rw).Encode(map[string]string{"error": "Failed to read body"})
		return
	}

	status, data := h.Handle(body, r.Header.Get(SignatureHeader))
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(data)
}
