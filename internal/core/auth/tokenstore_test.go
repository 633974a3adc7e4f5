package auth

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileTokenStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "token.json")
	store := NewFileTokenStore(path)

	_, err := store.Load(context.Background())
	assert.ErrorIs(t, err, ErrNoCredential)

	exp := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, store.Save(context.Background(), &Credential{AccessToken: "abc", ExpiresAt: exp, ClientVersion: 4}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// A fresh store instance sees the same record, as after a restart.
	cred, err := NewFileTokenStore(path).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", cred.AccessToken)
	assert.True(t, exp.Equal(cred.ExpiresAt))
	assert.Equal(t, 4, cred.ClientVersion)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestFileTokenStoreCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := NewFileTokenStore(path).Load(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoCredential)

	m := NewManager(context.Background(), Config{}, NewFileTokenStore(path), testLogger())
	assert.Equal(t, NeverAuthorized, m.State())
}

func TestFileTokenStoreRejectsNil(t *testing.T) {
	store := NewFileTokenStore(filepath.Join(t.TempDir(), "token.json"))
	assert.Error(t, store.Save(context.Background(), nil))
}

func TestMemoryTokenStoreCopies(t *testing.T) {
	store := NewMemoryTokenStore()
	cred := &Credential{AccessToken: "one"}
	require.NoError(t, store.Save(context.Background(), cred))
	cred.AccessToken = "mutated"

	got, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "one", got.AccessToken)
}
