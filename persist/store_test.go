package persist

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Exercises the Store contract shared by every backend.
func testStoreImplementation(t *testing.T, store Store) {
	record := &Record{
		Name:      "db/password",
		Value:     "aa11:bb22:cc33",
		Version:   "1748500000000_deadbeef",
		Encrypted: true,
		Metadata:  json.RawMessage(`{"description":"test secret"}`),
	}

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, store.Ping(), "store should be reachable")
	})

	t.Run("GetType", func(t *testing.T) {
		assert.NotEmpty(t, store.GetType())
	})

	t.Run("SaveAndLoadSecret", func(t *testing.T) {
		require.NoError(t, store.SaveSecret(record.Name, record))

		loaded, err := store.LoadSecret(record.Name)
		require.NoError(t, err)
		assert.Equal(t, record.Value, loaded.Value)
		assert.Equal(t, record.Version, loaded.Version)
		assert.True(t, loaded.Encrypted)
		assert.JSONEq(t, string(record.Metadata), string(loaded.Metadata))
		assert.False(t, loaded.UpdatedAt.IsZero(), "store should stamp UpdatedAt")
	})

	t.Run("LoadReturnsCopy", func(t *testing.T) {
		first, err := store.LoadSecret(record.Name)
		require.NoError(t, err)
		first.Value = "mutated"

		second, err := store.LoadSecret(record.Name)
		require.NoError(t, err)
		assert.Equal(t, record.Value, second.Value, "caller mutation must not leak into the store")
	})

	t.Run("SecretExists", func(t *testing.T) {
		exists, err := store.SecretExists(record.Name)
		require.NoError(t, err)
		assert.True(t, exists)

		exists, err = store.SecretExists("no/such/secret")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("RotateSecret", func(t *testing.T) {
		rotated := record.Clone()
		rotated.Value = "dd44:ee55:ff66"
		rotated.Version = "1748500001000_cafef00d"
		require.NoError(t, store.RotateSecret(record.Name, rotated))

		loaded, err := store.LoadSecret(record.Name)
		require.NoError(t, err)
		assert.Equal(t, rotated.Value, loaded.Value)
		assert.Equal(t, rotated.Version, loaded.Version)
	})

	t.Run("RotateMissingSecretFails", func(t *testing.T) {
		err := store.RotateSecret("no/such/secret", record.Clone())
		assert.ErrorIs(t, err, ErrSecretNotFound, "rotation must never create a secret")
	})

	t.Run("ListSecrets", func(t *testing.T) {
		require.NoError(t, store.SaveSecret("api/token", &Record{Name: "api/token", Value: "11:22:33", Encrypted: true}))

		names, err := store.ListSecrets()
		require.NoError(t, err)
		assert.Contains(t, names, record.Name)
		assert.Contains(t, names, "api/token")
	})

	t.Run("DeleteSecret", func(t *testing.T) {
		require.NoError(t, store.DeleteSecret("api/token"))

		_, err := store.LoadSecret("api/token")
		assert.ErrorIs(t, err, ErrSecretNotFound)

		assert.ErrorIs(t, store.DeleteSecret("api/token"), ErrSecretNotFound)
	})

	t.Run("LoadMissingSecret", func(t *testing.T) {
		_, err := store.LoadSecret("no/such/secret")
		assert.ErrorIs(t, err, ErrSecretNotFound)
	})

	t.Run("Salt", func(t *testing.T) {
		exists, err := store.SaltExists()
		require.NoError(t, err)
		assert.False(t, exists, "fresh store should have no salt")

		salt := []byte("0123456789abcdef0123456789abcdef")
		require.NoError(t, store.SaveSalt(salt))

		exists, err = store.SaltExists()
		require.NoError(t, err)
		assert.True(t, exists)

		loaded, err := store.LoadSalt()
		require.NoError(t, err)
		assert.Equal(t, salt, loaded)
	})
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	testStoreImplementation(t, store)
}

func TestFileSystemStore(t *testing.T) {
	store, err := NewFileSystemStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	testStoreImplementation(t, store)
}

func TestFileSystemStorePersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()

	first, err := NewFileSystemStore(dir)
	require.NoError(t, err)

	record := &Record{
		Name:      "durable",
		Value:     "aa:bb:cc",
		Version:   "v1",
		Encrypted: true,
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, first.SaveSecret(record.Name, record))
	require.NoError(t, first.SaveSalt([]byte("persisted-salt-0123456789abcdef")))
	require.NoError(t, first.Close())

	second, err := NewFileSystemStore(dir)
	require.NoError(t, err)
	defer second.Close()

	loaded, err := second.LoadSecret("durable")
	require.NoError(t, err)
	assert.Equal(t, record.Value, loaded.Value)

	salt, err := second.LoadSalt()
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted-salt-0123456789abcdef"), salt)
}

func TestMemoryStoreCloseWipesState(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.SaveSecret("ephemeral", &Record{Name: "ephemeral", Value: "aa:bb:cc", Encrypted: true}))
	require.NoError(t, store.SaveSalt([]byte("ephemeral-salt-0123456789abcdef")))
	require.NoError(t, store.Close())

	_, err := store.LoadSecret("ephemeral")
	assert.ErrorIs(t, err, ErrSecretNotFound)

	exists, err := store.SaltExists()
	require.NoError(t, err)
	assert.False(t, exists, "close must wipe the salt")
}

func TestNewStoreSelection(t *testing.T) {
	memory, err := NewStore(StoreConfig{Type: "memory"})
	require.NoError(t, err)
	assert.Equal(t, "memory", memory.GetType())
	memory.Close()

	fs, err := NewStore(StoreConfig{Type: "filesystem", Path: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, "filesystem", fs.GetType())
	fs.Close()

	_, err = NewStore(StoreConfig{Type: "carrier-pigeon"})
	assert.Error(t, err)

	_, err = NewStore(StoreConfig{Type: "s3"})
	assert.Error(t, err, "s3 without configuration must fail")
}
