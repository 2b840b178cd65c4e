package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetThenGet(t *testing.T) {
	c, err := New(100)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Set("geo:10.0.0.1", "tehran", time.Minute))

	v, ok := c.Get("geo:10.0.0.1")
	require.True(t, ok)
	assert.Equal(t, "tehran", v)

	_, ok = c.Get("geo:10.0.0.2")
	assert.False(t, ok)
}

func TestExpiry(t *testing.T) {
	c, err := New(100)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Set("k", 1, 50*time.Millisecond))

	assert.Eventually(t, func() bool {
		_, ok := c.Get("k")
		return !ok
	}, 3*time.Second, 20*time.Millisecond)
}
