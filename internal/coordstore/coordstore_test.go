package coordstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCASLinearizesConcurrentWriters(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "coord.db"))
	require.NoError(t, err)
	defer store.Close()

	ok, err := store.CAS("/votes/round-1", nil, []byte("1"))
	require.NoError(t, err)
	assert.True(t, ok)

	// A second creation CAS must lose the race.
	ok, err = store.CAS("/votes/round-1", nil, []byte("2"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.CAS("/votes/round-1", []byte("1"), []byte("2"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLeaseExpiryDeletesKey(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "coord.db"))
	require.NoError(t, err)
	defer store.Close()

	lease := store.LeaseGrant(30 * time.Millisecond)
	require.NoError(t, store.Put("/locks/tx/abc", []byte("3"), lease))

	val, err := store.Get("/locks/tx/abc")
	require.NoError(t, err)
	assert.Equal(t, []byte("3"), val)

	time.Sleep(100 * time.Millisecond)

	val, err = store.Get("/locks/tx/abc")
	require.NoError(t, err)
	assert.Nil(t, val)
}

func TestWatchEmitsChanges(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "coord.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := store.Watch(ctx, "/txstate/")

	require.NoError(t, store.Put("/txstate/tx-1", []byte("pending"), 0))

	select {
	case ev := <-events:
		assert.Equal(t, "/txstate/tx-1", ev.Key)
		assert.Equal(t, []byte("pending"), ev.NewValue)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for watch event")
	}
}

func TestTryLockSkipsWhenHeld(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "coord.db"))
	require.NoError(t, err)
	defer store.Close()

	ok, lease, err := TryLock(store, SubmissionLockKey("tx-9"), 0, 300*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	defer Unlock(store, lease)

	ok2, _, err := TryLock(store, SubmissionLockKey("tx-9"), 1, 300*time.Second)
	require.NoError(t, err)
	assert.False(t, ok2)
}
