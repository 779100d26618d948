package presigpool_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kisdex/mpc-custody/internal/mpc/ecdsa"
	"github.com/kisdex/mpc-custody/internal/presigpool"
)

func TestPoolNeedsRefillAndCapacity(t *testing.T) {
	pool := presigpool.NewPool(2, 3)
	length, target, capacity := pool.Stats()
	assert.Equal(t, 0, length)
	assert.Equal(t, 2, target)
	assert.Equal(t, 3, capacity)
	assert.True(t, pool.NeedsRefill())

	assert.True(t, pool.Insert(&ecdsa.Presignature{}))
	assert.True(t, pool.Insert(&ecdsa.Presignature{}))
	assert.False(t, pool.NeedsRefill())

	assert.True(t, pool.Insert(&ecdsa.Presignature{}))
	assert.False(t, pool.Insert(&ecdsa.Presignature{}), "pool is at capacity")
}

func TestPoolTryTakeIsFIFOAndSingleUse(t *testing.T) {
	pool := presigpool.NewPool(1, 2)
	first := &ecdsa.Presignature{}
	second := &ecdsa.Presignature{}
	require.True(t, pool.Insert(first))
	require.True(t, pool.Insert(second))

	got, ok := pool.TryTake()
	require.True(t, ok)
	assert.Same(t, first, got)

	got, ok = pool.TryTake()
	require.True(t, ok)
	assert.Same(t, second, got)

	_, ok = pool.TryTake()
	assert.False(t, ok)
}
