package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// SnapshotCache persists the last successfully fetched snapshot per
// principal so a failed fetch can present a stale-but-last-known list
// instead of an unrecoverable error. All implementations are best
// effort; the in-memory store remains the only authority.
type SnapshotCache interface {
	Load(principalID string) ([]Notification, error)
	Save(principalID string, list []Notification) error
	Close() error
}

type SnapshotCacheFactory func(dsn string) (SnapshotCache, error)

var (
	cacheFactoryMu sync.RWMutex
	cacheFactories = map[string]SnapshotCacheFactory{}
)

// RegisterSnapshotCacheFactory installs a factory for a DSN scheme,
// overriding any built-in handling for that scheme.
func RegisterSnapshotCacheFactory(scheme string, factory SnapshotCacheFactory) error {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return ErrInvalidInput
	}
	cacheFactoryMu.Lock()
	defer cacheFactoryMu.Unlock()
	cacheFactories[scheme] = factory
	return nil
}

func lookupSnapshotCacheFactory(scheme string) (SnapshotCacheFactory, bool) {
	cacheFactoryMu.RLock()
	defer cacheFactoryMu.RUnlock()
	factory, ok := cacheFactories[scheme]
	return factory, ok
}

// BuildSnapshotCacheFromDSN selects a cache backend by DSN scheme:
// memory://, file://<path> (or a bare path), postgres://. An empty DSN
// yields no cache.
func BuildSnapshotCacheFromDSN(dsn string) (SnapshotCache, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupSnapshotCacheFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path := dsn
		if scheme == "file" {
			path = strings.TrimPrefix(dsn, "file://")
		}
		if strings.TrimSpace(path) == "" {
			return nil, fmt.Errorf("%w: empty cache file path", ErrInvalidInput)
		}
		return NewFileSnapshotCache(path), nil
	case "memory", "mem", "inmem":
		return NewMemorySnapshotCache(), nil
	case "postgres", "postgresql":
		return NewPostgresSnapshotCache(dsn)
	default:
		return nil, fmt.Errorf("unsupported snapshot cache scheme: %s", scheme)
	}
}

type MemorySnapshotCache struct {
	mu        sync.Mutex
	snapshots map[string][]Notification
}

func NewMemorySnapshotCache() *MemorySnapshotCache {
	return &MemorySnapshotCache{snapshots: map[string][]Notification{}}
}

func (c *MemorySnapshotCache) Load(principalID string) ([]Notification, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stored, ok := c.snapshots[principalID]
	if !ok {
		return nil, nil
	}
	out := make([]Notification, len(stored))
	copy(out, stored)
	return out, nil
}

func (c *MemorySnapshotCache) Save(principalID string, list []Notification) error {
	clone := make([]Notification, len(list))
	copy(clone, list)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots[principalID] = clone
	return nil
}

func (c *MemorySnapshotCache) Close() error {
	return nil
}

// FileSnapshotCache keeps one JSON file with all cached snapshots,
// written atomically via rename.
type FileSnapshotCache struct {
	path string
	mu   sync.Mutex
}

type fileSnapshotState struct {
	Snapshots map[string][]Notification `json:"snapshots"`
}

func NewFileSnapshotCache(path string) *FileSnapshotCache {
	return &FileSnapshotCache{path: path}
}

func (c *FileSnapshotCache) Load(principalID string) ([]Notification, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, err := c.loadLocked()
	if err != nil {
		return nil, err
	}
	return state.Snapshots[principalID], nil
}

func (c *FileSnapshotCache) Save(principalID string, list []Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, err := c.loadLocked()
	if err != nil {
		return err
	}
	clone := make([]Notification, len(list))
	copy(clone, list)
	state.Snapshots[principalID] = clone
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(c.path, data, 0o644)
}

func (c *FileSnapshotCache) Close() error {
	return nil
}

func (c *FileSnapshotCache) loadLocked() (fileSnapshotState, error) {
	state := fileSnapshotState{Snapshots: map[string][]Notification{}}
	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return state, nil
		}
		return state, err
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, err
	}
	if state.Snapshots == nil {
		state.Snapshots = map[string][]Notification{}
	}
	return state, nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
