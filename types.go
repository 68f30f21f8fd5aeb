package worldsync

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Worlds
// ============================================================================

// WorldType is the category a world belongs to.
type WorldType string

const (
	WorldFantasy    WorldType = "fantasy"
	WorldSciFi      WorldType = "scifi"
	WorldModern     WorldType = "modern"
	WorldHistorical WorldType = "historical"
	WorldCustom     WorldType = "custom"
)

// DefaultWorldType is assigned to worlds saved without a type.
const DefaultWorldType = WorldFantasy

// Valid reports whether t is one of the known categories.
func (t WorldType) Valid() bool {
	switch t {
	case WorldFantasy, WorldSciFi, WorldModern, WorldHistorical, WorldCustom:
		return true
	}
	return false
}

// WorldMetadata carries authoring information for a world.
type WorldMetadata struct {
	Author   string   `json:"author" yaml:"author"`
	Tags     []string `json:"tags" yaml:"tags"`
	IsPublic bool     `json:"isPublic" yaml:"isPublic"`
}

// World is a user-authored record kept in sync between the local store and
// the remote service.
type World struct {
	ID           string        `json:"id" yaml:"id"`
	Name         string        `json:"name" yaml:"name"`
	Description  string        `json:"description" yaml:"description"`
	Type         WorldType     `json:"type" yaml:"type"`
	Created      time.Time     `json:"created" yaml:"created"`
	LastModified time.Time     `json:"lastModified" yaml:"lastModified"`
	Version      string        `json:"version" yaml:"version"`
	Canvas       *string       `json:"canvas" yaml:"canvas,omitempty"`
	Metadata     WorldMetadata `json:"metadata" yaml:"metadata"`
}

// Clone returns a deep copy of w.
func (w World) Clone() World {
	c := w
	if w.Canvas != nil {
		s := *w.Canvas
		c.Canvas = &s
	}
	if w.Metadata.Tags != nil {
		c.Metadata.Tags = make([]string, len(w.Metadata.Tags))
		copy(c.Metadata.Tags, w.Metadata.Tags)
	}
	return c
}

// ============================================================================
// Settings
// ============================================================================

// Setting is a single key/value preference. Only the current value is kept.
type Setting struct {
	Key          string          `json:"key"`
	Value        json.RawMessage `json:"value"`
	LastModified time.Time       `json:"lastModified"`
}

// Setting keys with engine-level meaning.
const (
	SettingCloudSync    = "cloudSync"
	SettingLastSyncTime = "lastSyncTime"
)

// DefaultSyncedSettings are reconciled with the remote on every cycle.
var DefaultSyncedSettings = []string{"darkMode", "autoSave", "voiceNavigation", "language"}

// ============================================================================
// Pending operations
// ============================================================================

// OpKind is the mutation a pending operation replays.
type OpKind string

const (
	OpSave   OpKind = "save"
	OpDelete OpKind = "delete"
)

// TargetType is the kind of entity a pending operation applies to.
type TargetType string

const (
	TargetWorld   TargetType = "world"
	TargetSetting TargetType = "setting"
)

// PendingOp is a queued mutation waiting for remote confirmation.
type PendingOp struct {
	ID         int64           `json:"id"`
	Op         OpKind          `json:"operation"`
	Target     TargetType      `json:"targetType"`
	TargetID   string          `json:"targetId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"lastError,omitempty"`
}

// OpFailure is a pending operation that exhausted its attempts.
type OpFailure struct {
	Op       PendingOp `json:"op"`
	Err      string    `json:"error"`
	FailedAt time.Time `json:"failedAt"`
}

// DrainReport summarizes one pass over the pending queue.
type DrainReport struct {
	Attempted int         `json:"attempted"`
	Confirmed int         `json:"confirmed"`
	Retrying  int         `json:"retrying"`
	Failed    []OpFailure `json:"failed,omitempty"`
	Remaining int         `json:"remaining"`
	Skipped   bool        `json:"skipped,omitempty"`
}

// ============================================================================
// Status
// ============================================================================

// SyncState is the orchestrator state.
type SyncState string

const (
	StateIdle    SyncState = "idle"
	StateSyncing SyncState = "syncing"
)

// SyncStatus is computed on demand; it is never persisted.
type SyncStatus struct {
	IsOnline       bool        `json:"isOnline"`
	SyncInProgress bool        `json:"syncInProgress"`
	LastSyncTime   *time.Time  `json:"lastSyncTime,omitempty"`
	QueueLength    int         `json:"queueLength"`
	Environment    Environment `json:"environment"`
	Backend        string      `json:"backend"`
	CloudEnabled   bool        `json:"cloudEnabled"`
	RetryAttempt   int         `json:"retryAttempt"`
	RetryScheduled bool        `json:"retryScheduled"`
	Paused         bool        `json:"paused"`
}
