package worldsync

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// FlatBackend stores each collection as one JSON object on disk and rewrites
// the whole file on every mutation. It is not safe for concurrent callers on
// its own; OpenBackend wraps it with per-collection locking.
type FlatBackend struct {
	dir    string
	prefix string
}

// OpenFlatBackend checks that dir is writable and returns a flat backend
// rooted there.
func OpenFlatBackend(dir, prefix string) (*FlatBackend, error) {
	if dir == "" {
		return nil, fmt.Errorf("flat backend: no directory configured")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("flat backend: %w", err)
	}

	// Same probe as a write/remove round trip on browser storage.
	probe := filepath.Join(dir, "."+prefix+"_probe")
	if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("flat backend: directory not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("flat backend: %w", err)
	}

	return &FlatBackend{dir: dir, prefix: prefix}, nil
}

func (f *FlatBackend) Name() string { return BackendFlat }

func (f *FlatBackend) path(collection string) string {
	return filepath.Join(f.dir, f.prefix+"_"+collection+".json")
}

func (f *FlatBackend) load(collection string) (map[string]json.RawMessage, error) {
	if err := validCollection(collection); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path(collection))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]json.RawMessage{}, nil
		}
		return nil, fmt.Errorf("flat backend: read %s: %w", collection, err)
	}
	m := map[string]json.RawMessage{}
	if len(data) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("flat backend: decode %s: %w", collection, err)
	}
	return m, nil
}

// store replaces the collection file through a rename so a crash leaves
// either the old or the new mapping on disk.
func (f *FlatBackend) store(collection string, m map[string]json.RawMessage) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("flat backend: encode %s: %w", collection, err)
	}
	tmp, err := os.CreateTemp(f.dir, "."+f.prefix+"_"+collection+"-*.tmp")
	if err != nil {
		return fmt.Errorf("flat backend: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("flat backend: write %s: %w", collection, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("flat backend: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path(collection)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("flat backend: replace %s: %w", collection, err)
	}
	return nil
}

func (f *FlatBackend) Put(_ context.Context, collection, key string, value []byte) error {
	if !json.Valid(value) {
		return fmt.Errorf("flat backend: value for %s/%s is not JSON", collection, key)
	}
	m, err := f.load(collection)
	if err != nil {
		return err
	}
	m[key] = json.RawMessage(value)
	return f.store(collection, m)
}

func (f *FlatBackend) PutBatch(_ context.Context, collection string, values map[string][]byte) error {
	m, err := f.load(collection)
	if err != nil {
		return err
	}
	for k, v := range values {
		if !json.Valid(v) {
			return fmt.Errorf("flat backend: value for %s/%s is not JSON", collection, k)
		}
		m[k] = json.RawMessage(v)
	}
	return f.store(collection, m)
}

func (f *FlatBackend) Get(_ context.Context, collection, key string) ([]byte, error) {
	m, err := f.load(collection)
	if err != nil {
		return nil, err
	}
	v, ok := m[key]
	if !ok {
		return nil, ErrNotFound
	}
	return []byte(v), nil
}

func (f *FlatBackend) GetAll(_ context.Context, collection string) ([][]byte, error) {
	m, err := f.load(collection)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([][]byte, 0, len(keys))
	for _, k := range keys {
		out = append(out, []byte(m[k]))
	}
	return out, nil
}

func (f *FlatBackend) Delete(_ context.Context, collection, key string) error {
	m, err := f.load(collection)
	if err != nil {
		return err
	}
	if _, ok := m[key]; !ok {
		return nil
	}
	delete(m, key)
	return f.store(collection, m)
}

func (f *FlatBackend) Close() error { return nil }
