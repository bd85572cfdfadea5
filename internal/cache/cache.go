// Package cache provides a TTL-bound content cache shared across the
// pipeline. Keys follow the "<namespace>:<identifier>" convention and
// payloads round-trip through plain JSON; formats capable of reconstructing
// executable objects are deliberately unsupported.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/scrutari/scrutari/internal/logger"
)

// DefaultTTL applies to namespaces without an explicit override.
const DefaultTTL = 3600 * time.Second

// Validator checks a payload's structure on read. A payload that fails
// validation is treated as a miss and evicted; this guards against entries
// poisoned by partial writes or external mutation.
type Validator func(payload map[string]any) bool

// Store is the cache contract. Implementations are safe for concurrent use
// with atomic get/set at the key level.
type Store interface {
	// Get returns the payload for key if present, unexpired, and valid.
	Get(ctx context.Context, key string, validate Validator) (map[string]any, bool)

	// Set stores payload under key. Serialization failures are logged and
	// swallowed; the pipeline never fails because a cache write did.
	Set(ctx context.Context, key string, payload map[string]any)

	// Delete removes key if present.
	Delete(ctx context.Context, key string)
}

// entry is the persisted envelope.
type entry struct {
	Key        string         `json:"key"`
	Payload    map[string]any `json:"payload"`
	CreatedAt  time.Time      `json:"created_at"`
	TTLSeconds int            `json:"ttl_seconds"`
}

func (e *entry) expired(now time.Time) bool {
	return e.TTLSeconds > 0 && now.Sub(e.CreatedAt) > time.Duration(e.TTLSeconds)*time.Second
}

// namespaceOf extracts the namespace prefix of a key ("scrape:https://…"
// yields "scrape"). Keys without a prefix share the default TTL.
func namespaceOf(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return ""
}

// config holds options shared by both store implementations.
type config struct {
	defaultTTL    time.Duration
	namespaceTTLs map[string]time.Duration
}

func newConfig(opts []Option) config {
	cfg := config{
		defaultTTL:    DefaultTTL,
		namespaceTTLs: make(map[string]time.Duration),
	}
	if raw := os.Getenv("CACHE_TTL_SECONDS"); raw != "" {
		if secs, err := time.ParseDuration(raw + "s"); err == nil && secs > 0 {
			cfg.defaultTTL = secs
		}
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func (c config) ttlFor(key string) time.Duration {
	if ttl, ok := c.namespaceTTLs[namespaceOf(key)]; ok {
		return ttl
	}
	return c.defaultTTL
}

// Option configures a store.
type Option func(*config)

// WithDefaultTTL overrides the default entry lifetime.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *config) { c.defaultTTL = ttl }
}

// WithNamespaceTTL sets the lifetime for one key namespace.
func WithNamespaceTTL(namespace string, ttl time.Duration) Option {
	return func(c *config) { c.namespaceTTLs[namespace] = ttl }
}

// FileStore persists entries on disk as <sha256(key)>.json under Dir.
type FileStore struct {
	dir string
	cfg config
	mu  sync.Mutex
}

// NewFileStore creates a disk-backed store rooted at dir.
func NewFileStore(dir string, opts ...Option) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir, cfg: newConfig(opts)}, nil
}

func (s *FileStore) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:])+".json")
}

// Get implements Store.
func (s *FileStore) Get(_ context.Context, key string, validate Validator) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return nil, false
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil || e.Payload == nil {
		logger.Debug("cache entry unreadable, evicting", "key", key)
		os.Remove(s.path(key))
		return nil, false
	}
	if e.expired(time.Now()) {
		os.Remove(s.path(key))
		return nil, false
	}
	if validate != nil && !validate(e.Payload) {
		logger.Debug("cache entry failed validation, evicting", "key", key)
		os.Remove(s.path(key))
		return nil, false
	}
	return e.Payload, true
}

// Set implements Store.
func (s *FileStore) Set(_ context.Context, key string, payload map[string]any) {
	e := entry{
		Key:        key,
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
		TTLSeconds: int(s.cfg.ttlFor(key) / time.Second),
	}
	data, err := json.Marshal(&e)
	if err != nil {
		logger.Warn("cache serialization failed", "key", key, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.path(key) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		logger.Warn("cache write failed", "key", key, "error", err)
		return
	}
	if err := os.Rename(tmp, s.path(key)); err != nil {
		logger.Warn("cache rename failed", "key", key, "error", err)
	}
}

// Delete implements Store.
func (s *FileStore) Delete(_ context.Context, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	os.Remove(s.path(key))
}

// MemoryStore keeps entries in a map. Used in tests and for short-lived
// pipeline runs where persistence is unwanted.
type MemoryStore struct {
	cfg     config
	mu      sync.Mutex
	entries map[string]entry
}

// NewMemoryStore creates an in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		cfg:     newConfig(opts),
		entries: make(map[string]entry),
	}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string, validate Validator) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(time.Now()) || e.Payload == nil || (validate != nil && !validate(e.Payload)) {
		delete(s.entries, key)
		return nil, false
	}
	return e.Payload, true
}

// Set implements Store.
func (s *MemoryStore) Set(_ context.Context, key string, payload map[string]any) {
	// Round-trip through JSON so stored payloads carry no live references
	// and match what a persistent store would return.
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Warn("cache serialization failed", "key", key, "error", err)
		return
	}
	var clean map[string]any
	if err := json.Unmarshal(data, &clean); err != nil {
		logger.Warn("cache deserialization failed", "key", key, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry{
		Key:        key,
		Payload:    clean,
		CreatedAt:  time.Now().UTC(),
		TTLSeconds: int(s.cfg.ttlFor(key) / time.Second),
	}
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}
