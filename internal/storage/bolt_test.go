package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir(), zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestBoltStoreOpen(t *testing.T) {
	store := newTestStore(t)

	version, err := store.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)
}

func TestTokenCRUD(t *testing.T) {
	store := newTestStore(t)

	record := &TokenRecord{
		UserID:       "user-1",
		ServerKey:    "github_abcdef0123456789",
		ServerName:   "github",
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		TokenType:    "Bearer",
		ExpiresAt:    time.Now().Add(time.Hour).UTC(),
		Scopes:       []string{"repo"},
	}

	t.Run("find before create returns nil", func(t *testing.T) {
		got, err := store.FindToken("user-1", record.ServerKey)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("create then find", func(t *testing.T) {
		require.NoError(t, store.CreateToken(record))

		got, err := store.FindToken("user-1", record.ServerKey)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "access-1", got.AccessToken)
		assert.Equal(t, "refresh-1", got.RefreshToken)
		assert.False(t, got.Created.IsZero())
	})

	t.Run("double create fails", func(t *testing.T) {
		err := store.CreateToken(record)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already exists")
	})

	t.Run("update preserves created stamp", func(t *testing.T) {
		before, err := store.FindToken("user-1", record.ServerKey)
		require.NoError(t, err)

		updated := *before
		updated.AccessToken = "access-2"
		require.NoError(t, store.UpdateToken(&updated))

		after, err := store.FindToken("user-1", record.ServerKey)
		require.NoError(t, err)
		assert.Equal(t, "access-2", after.AccessToken)
		assert.Equal(t, before.Created.Unix(), after.Created.Unix())
	})

	t.Run("update upserts missing record", func(t *testing.T) {
		fresh := &TokenRecord{
			UserID:      "user-2",
			ServerKey:   "jira_0011223344556677",
			AccessToken: "jira-token",
		}
		require.NoError(t, store.UpdateToken(fresh))

		got, err := store.FindToken("user-2", fresh.ServerKey)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "jira-token", got.AccessToken)
	})

	t.Run("per-user isolation", func(t *testing.T) {
		got, err := store.FindToken("user-2", record.ServerKey)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		require.NoError(t, store.DeleteToken("user-1", record.ServerKey))
		require.NoError(t, store.DeleteToken("user-1", record.ServerKey))

		got, err := store.FindToken("user-1", record.ServerKey)
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestAppUserNormalization(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateToken(&TokenRecord{
		ServerKey:   "shared_1122334455667788",
		AccessToken: "app-token",
	}))

	// Empty user and AppUserID address the same record.
	got, err := store.FindToken("", "shared_1122334455667788")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, AppUserID, got.UserID)

	got, err = store.FindToken(AppUserID, "shared_1122334455667788")
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestListTokens(t *testing.T) {
	store := newTestStore(t)

	for _, key := range []string{"a_1111111111111111", "b_2222222222222222"} {
		require.NoError(t, store.CreateToken(&TokenRecord{
			UserID:      "user-1",
			ServerKey:   key,
			AccessToken: "tok-" + key,
		}))
	}
	require.NoError(t, store.CreateToken(&TokenRecord{
		UserID:      "user-2",
		ServerKey:   "c_3333333333333333",
		AccessToken: "other",
	}))

	records, err := store.ListTokens("user-1")
	require.NoError(t, err)
	assert.Len(t, records, 2)

	records, err = store.ListTokens("user-3")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestTokenRecordIsExpired(t *testing.T) {
	assert.False(t, (&TokenRecord{}).IsExpired(0), "zero expiry never expires")

	live := &TokenRecord{ExpiresAt: time.Now().Add(time.Hour)}
	assert.False(t, live.IsExpired(30*time.Second))

	expired := &TokenRecord{ExpiresAt: time.Now().Add(-time.Minute)}
	assert.True(t, expired.IsExpired(0))

	// Within the skew window counts as expired.
	almost := &TokenRecord{ExpiresAt: time.Now().Add(10 * time.Second)}
	assert.True(t, almost.IsExpired(30*time.Second))
}

func TestBackup(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateToken(&TokenRecord{
		UserID:      "user-1",
		ServerKey:   "gh_aaaaaaaaaaaaaaaa",
		AccessToken: "tok",
	}))

	backupPath := filepath.Join(t.TempDir(), "backup.db")
	require.NoError(t, store.Backup(backupPath))

	info, err := os.Stat(backupPath)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}
