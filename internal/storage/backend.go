package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Backend is a document store addressed by a fixed top-level collection key and an entry id inside it.
// Every Store call rewrites the whole entry; there is no partial update at this layer.
type Backend interface {
	// Load returns nil document and nil error when the entry is absent
	Load(ctx context.Context, collection, id string) ([]byte, error)
	Store(ctx context.Context, collection, id string, doc []byte) error
	Delete(ctx context.Context, collection, id string) error
	// Dump returns every entry of the collection keyed by id
	Dump(ctx context.Context, collection string) (map[string]json.RawMessage, error)
	Close()
}

// OpenBackend creates Backend chosen by cfg.Backend
func OpenBackend(ctx context.Context, logger *zap.SugaredLogger, cfg Config, opts ...Option) (Backend, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		logger.Info("Using in-memory document backend")
		return NewMemoryBackend(), nil
	case BackendPostgres:
		logger.Infof("Using PostgreSQL document backend (host: %s, db: %s)", cfg.Host, cfg.DBName)
		return NewPostgresBackend(ctx, logger, cfg, opts...)
	case BackendRedis:
		logger.Info("Using Redis document backend")
		return NewRedisBackend(ctx, cfg.RedisURL, 3*time.Second)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// MemoryBackend keeps documents in process memory
type MemoryBackend struct {
	mu          sync.RWMutex
	collections map[string]map[string][]byte
	closed      bool
}

// NewMemoryBackend returns empty MemoryBackend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{collections: make(map[string]map[string][]byte)}
}

func (b *MemoryBackend) Load(_ context.Context, collection, id string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrBackendClosed
	}

	doc, ok := b.collections[collection][id]
	if !ok {
		return nil, nil
	}

	out := make([]byte, len(doc))
	copy(out, doc)
	return out, nil
}

func (b *MemoryBackend) Store(_ context.Context, collection, id string, doc []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBackendClosed
	}

	entries, ok := b.collections[collection]
	if !ok {
		entries = make(map[string][]byte)
		b.collections[collection] = entries
	}

	stored := make([]byte, len(doc))
	copy(stored, doc)
	entries[id] = stored
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, collection, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBackendClosed
	}

	delete(b.collections[collection], id)
	return nil
}

func (b *MemoryBackend) Dump(_ context.Context, collection string) (map[string]json.RawMessage, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrBackendClosed
	}

	out := make(map[string]json.RawMessage, len(b.collections[collection]))
	for id, doc := range b.collections[collection] {
		raw := make([]byte, len(doc))
		copy(raw, doc)
		out[id] = raw
	}
	return out, nil
}

func (b *MemoryBackend) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}
