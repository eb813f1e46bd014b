package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramdev/engram/internal/embeddings"
	"github.com/engramdev/engram/internal/memory"
	"github.com/engramdev/engram/internal/storage"
)

func newChromemFactory(t *testing.T) *memory.Factory {
	t.Helper()
	f, err := memory.NewFactory(memory.FactoryConfig{
		Backend:  memory.BackendChromem,
		DataPath: t.TempDir(),
		Provider: embeddings.NewMock(64),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestFactory_RequiresProvider(t *testing.T) {
	_, err := memory.NewFactory(memory.FactoryConfig{
		Backend:  memory.BackendChromem,
		DataPath: t.TempDir(),
	})
	assert.Error(t, err)
}

func TestFactory_RejectsUnknownBackend(t *testing.T) {
	_, err := memory.NewFactory(memory.FactoryConfig{
		Backend:  "mongodb",
		DataPath: t.TempDir(),
		Provider: embeddings.NewMock(64),
	})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestFactory_PostgresRequiresDSN(t *testing.T) {
	_, err := memory.NewFactory(memory.FactoryConfig{
		Backend:  memory.BackendPostgres,
		Provider: embeddings.NewMock(64),
	})
	assert.Error(t, err)
}

func TestStoreFor_CachesPerTenant(t *testing.T) {
	f := newChromemFactory(t)

	a, err := f.StoreFor("alice")
	require.NoError(t, err)
	again, err := f.StoreFor("alice")
	require.NoError(t, err)
	assert.Same(t, a, again)

	b, err := f.StoreFor("bob")
	require.NoError(t, err)
	assert.NotSame(t, a, b)
}

func TestStoreFor_DistinctUsernamesGetDistinctStores(t *testing.T) {
	f := newChromemFactory(t)

	underscored, err := f.StoreFor("john_doe")
	require.NoError(t, err)
	dotted, err := f.StoreFor("john.doe")
	require.NoError(t, err)
	spaced, err := f.StoreFor("john doe")
	require.NoError(t, err)

	assert.NotSame(t, underscored, dotted)
	assert.NotSame(t, underscored, spaced)
	assert.NotSame(t, dotted, spaced)

	// Dropped runes must not collapse onto another tenant either.
	plain, err := f.StoreFor("bob")
	require.NoError(t, err)
	punctuated, err := f.StoreFor("bob!")
	require.NoError(t, err)
	assert.NotSame(t, plain, punctuated)
}

func TestStoreFor_UnsafeNamesStillCache(t *testing.T) {
	f := newChromemFactory(t)

	a, err := f.StoreFor("john.doe")
	require.NoError(t, err)
	again, err := f.StoreFor("john.doe")
	require.NoError(t, err)
	assert.Same(t, a, again)
}

func TestStoreFor_RejectsEmptyTenant(t *testing.T) {
	f := newChromemFactory(t)

	_, err := f.StoreFor("")
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	_, err = f.StoreFor("!!!")
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestStoreFor_TenantsAreIsolated(t *testing.T) {
	f := newChromemFactory(t)
	ctx := context.Background()

	alice, err := f.StoreFor("alice")
	require.NoError(t, err)
	bob, err := f.StoreFor("bob")
	require.NoError(t, err)

	_, err = alice.Create(ctx, "facts", "alice's secret", memory.CreateOptions{})
	require.NoError(t, err)

	count, err := bob.Count(ctx, "facts", false)
	require.NoError(t, err)
	assert.Zero(t, count, "tenants must not see each other's memories")
}
