package worldsync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Collection names shared by every backend.
const (
	CollectionWorlds   = "worlds"
	CollectionSettings = "settings"
	CollectionPending  = "pendingSync"
)

var collections = []string{CollectionWorlds, CollectionSettings, CollectionPending}

func validCollection(name string) error {
	for _, c := range collections {
		if c == name {
			return nil
		}
	}
	return fmt.Errorf("worldsync: unknown collection %q", name)
}

// Backend is a local key-value store with named collections. Values are
// opaque JSON documents. Get returns ErrNotFound for missing keys.
type Backend interface {
	Name() string
	Put(ctx context.Context, collection, key string, value []byte) error
	Get(ctx context.Context, collection, key string) ([]byte, error)
	GetAll(ctx context.Context, collection string) ([][]byte, error)
	Delete(ctx context.Context, collection, key string) error
	Close() error
}

// BatchPutter is implemented by backends that can write several keys in one
// transaction.
type BatchPutter interface {
	PutBatch(ctx context.Context, collection string, values map[string][]byte) error
}

// Backend kinds accepted by BackendOptions.Prefer.
const (
	BackendSQLite = "sqlite"
	BackendFlat   = "flat"
	BackendMemory = "memory"
)

// BackendOptions controls backend probing.
type BackendOptions struct {
	// Dir holds the SQLite database or the flat blob files.
	Dir string
	// Prefix names the files inside Dir.
	Prefix string
	// Prefer selects a backend explicitly; empty means probe sqlite then flat.
	Prefer string
}

// OpenBackend probes for the best available backend: the indexed SQLite
// store first, then the flat blob store. When neither can be opened it
// returns an unavailable backend whose calls all fail with
// ErrStorageUnavailable, together with that error, so the caller can run
// degraded for the rest of the process.
func OpenBackend(ctx context.Context, opts BackendOptions, logger *zap.Logger) (Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultLocalKey
	}

	var probes []func() (Backend, error)
	sqliteProbe := func() (Backend, error) { return OpenSQLiteBackend(ctx, sqlitePath(opts)) }
	flatProbe := func() (Backend, error) { return OpenFlatBackend(opts.Dir, opts.Prefix) }

	switch opts.Prefer {
	case "", BackendSQLite:
		probes = append(probes, sqliteProbe, flatProbe)
	case BackendFlat:
		probes = append(probes, flatProbe)
	case BackendMemory:
		return NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("worldsync: unknown backend %q", opts.Prefer)
	}

	var errs []error
	for _, probe := range probes {
		b, err := probe()
		if err == nil {
			logger.Info("Persistence backend selected", zap.String("backend", b.Name()))
			return serialize(b), nil
		}
		logger.Warn("Persistence backend unavailable", zap.Error(err))
		errs = append(errs, err)
	}

	logger.Error("No persistence backend available, running in memory only")
	return unavailableBackend{}, fmt.Errorf("%w: %w", ErrStorageUnavailable, errors.Join(errs...))
}

// ============================================================================
// Per-collection serialization
// ============================================================================

// lockedBackend serializes access per collection so read-modify-write
// backends do not lose updates when callers run concurrently.
type lockedBackend struct {
	inner Backend
	locks map[string]*sync.Mutex
}

func serialize(b Backend) Backend {
	if _, ok := b.(*lockedBackend); ok {
		return b
	}
	lb := &lockedBackend{inner: b, locks: make(map[string]*sync.Mutex, len(collections))}
	for _, c := range collections {
		lb.locks[c] = &sync.Mutex{}
	}
	return lb
}

func (b *lockedBackend) lock(collection string) (func(), error) {
	mu, ok := b.locks[collection]
	if !ok {
		return nil, validCollection(collection)
	}
	mu.Lock()
	return mu.Unlock, nil
}

func (b *lockedBackend) Name() string { return b.inner.Name() }

func (b *lockedBackend) Put(ctx context.Context, collection, key string, value []byte) error {
	unlock, err := b.lock(collection)
	if err != nil {
		return err
	}
	defer unlock()
	return b.inner.Put(ctx, collection, key, value)
}

func (b *lockedBackend) PutBatch(ctx context.Context, collection string, values map[string][]byte) error {
	unlock, err := b.lock(collection)
	if err != nil {
		return err
	}
	defer unlock()
	if bp, ok := b.inner.(BatchPutter); ok {
		return bp.PutBatch(ctx, collection, values)
	}
	for k, v := range values {
		if err := b.inner.Put(ctx, collection, k, v); err != nil {
			return err
		}
	}
	return nil
}

func (b *lockedBackend) Get(ctx context.Context, collection, key string) ([]byte, error) {
	unlock, err := b.lock(collection)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return b.inner.Get(ctx, collection, key)
}

func (b *lockedBackend) GetAll(ctx context.Context, collection string) ([][]byte, error) {
	unlock, err := b.lock(collection)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return b.inner.GetAll(ctx, collection)
}

func (b *lockedBackend) Delete(ctx context.Context, collection, key string) error {
	unlock, err := b.lock(collection)
	if err != nil {
		return err
	}
	defer unlock()
	return b.inner.Delete(ctx, collection, key)
}

func (b *lockedBackend) Close() error { return b.inner.Close() }

// ============================================================================
// Unavailable backend
// ============================================================================

type unavailableBackend struct{}

func (unavailableBackend) Name() string { return "unavailable" }

func (unavailableBackend) Put(context.Context, string, string, []byte) error {
	return ErrStorageUnavailable
}

func (unavailableBackend) Get(context.Context, string, string) ([]byte, error) {
	return nil, ErrStorageUnavailable
}

func (unavailableBackend) GetAll(context.Context, string) ([][]byte, error) {
	return nil, ErrStorageUnavailable
}

func (unavailableBackend) Delete(context.Context, string, string) error {
	return ErrStorageUnavailable
}

func (unavailableBackend) Close() error { return nil }
