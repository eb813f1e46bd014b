package memory

import (
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"path/filepath"
	"strings"
	"sync"

	"github.com/engramdev/engram/internal/embeddings"
	"github.com/engramdev/engram/internal/storage"
	"github.com/engramdev/engram/internal/storage/chromem"
	"github.com/engramdev/engram/internal/storage/postgres"
)

// BackendKind selects which storage backend a factory builds.
type BackendKind string

const (
	// BackendChromem is the embedded vector backend, one on-disk database
	// directory per tenant.
	BackendChromem BackendKind = "chromem"

	// BackendPostgres is the relational backend, one PostgreSQL schema per
	// tenant.
	BackendPostgres BackendKind = "postgres"
)

// FactoryConfig configures a Factory.
type FactoryConfig struct {
	// Backend selects the storage implementation.
	Backend BackendKind

	// DataPath is the root directory for per-tenant vector databases
	// (chromem only).
	DataPath string

	// DSN is the PostgreSQL connection string (postgres only).
	DSN string

	// Provider computes embeddings for both backends.
	Provider embeddings.Provider
}

// Factory builds and caches one Store per tenant. The tenant identifier is
// threaded through every caller-facing operation and selects the physical
// backend instance (directory or schema); this is the sole multi-tenancy
// mechanism.
type Factory struct {
	cfg FactoryConfig

	mu     sync.Mutex
	stores map[string]*Store
}

// NewFactory validates the configuration and returns a Factory.
func NewFactory(cfg FactoryConfig) (*Factory, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("memory: embedding provider is required")
	}
	switch cfg.Backend {
	case BackendChromem:
		if cfg.DataPath == "" {
			return nil, fmt.Errorf("memory: DataPath is required for the %s backend", cfg.Backend)
		}
	case BackendPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("memory: DSN is required for the %s backend", cfg.Backend)
		}
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", storage.ErrInvalidInput, cfg.Backend)
	}

	return &Factory{cfg: cfg, stores: make(map[string]*Store)}, nil
}

// StoreFor returns the tenant's store, building it on first use.
func (f *Factory) StoreFor(username string) (*Store, error) {
	tenant := sanitizeTenant(username)
	if tenant == "" {
		return nil, fmt.Errorf("%w: empty tenant name", storage.ErrInvalidInput)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if store, ok := f.stores[tenant]; ok {
		return store, nil
	}

	backend, err := f.build(tenant)
	if err != nil {
		return nil, err
	}

	store := New(backend)
	f.stores[tenant] = store
	return store, nil
}

// Close releases every cached store.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var firstErr error
	for tenant, store := range f.stores {
		if err := store.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("memory: close store for tenant %q: %w", tenant, err)
		}
		delete(f.stores, tenant)
	}
	return firstErr
}

func (f *Factory) build(tenant string) (storage.Backend, error) {
	switch f.cfg.Backend {
	case BackendChromem:
		return chromem.New(filepath.Join(f.cfg.DataPath, tenant), f.cfg.Provider)
	case BackendPostgres:
		return postgres.New(f.cfg.DSN, f.cfg.Provider, postgres.WithSchema("tenant_"+tenant))
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", storage.ErrInvalidInput, f.cfg.Backend)
	}
}

// sanitizeTenant maps a username to a name safe to use as a directory or SQL
// schema component: lowercase letters, digits, and underscores only. The
// mapping must be injective — the username is the sole multi-tenancy
// mechanism, so two distinct usernames must never share a physical store.
// Names already in the safe set pass through unchanged; anything else keeps
// its normalized form plus a hash of the original, so "john.doe" and
// "john doe" land in different stores. Names with nothing salvageable map to
// the empty string, which StoreFor rejects.
func sanitizeTenant(username string) string {
	username = strings.TrimSpace(username)

	var b strings.Builder
	for _, r := range strings.ToLower(username) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r == '-' || r == '.' || r == ' ':
			b.WriteByte('_')
		}
	}
	safe := b.String()
	if safe == "" || safe == username {
		return safe
	}

	h := fnv.New32a()
	h.Write([]byte(username))
	return safe + "_" + hex.EncodeToString(h.Sum(nil))
}
