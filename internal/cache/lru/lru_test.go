package lru

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCacheSetGetPromotesRecency(t *testing.T) {
	c, err := New[string]("test", 2)
	require.NoError(t, err)

	c.Set("a", "1")
	c.Set("b", "2")
	_, _ = c.Get("a") // promote a over b
	c.Set("c", "3")   // evicts b, the now-least-recently-used

	_, ok := c.Get("b")
	require.False(t, ok)

	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, "1", v)

	v, ok = c.Get("c")
	require.True(t, ok)
	require.Equal(t, "3", v)
}

func TestCacheDeleteAndClear(t *testing.T) {
	c, err := New[int]("test", 10)
	require.NoError(t, err)

	c.Set("x", 1)
	c.Set("y", 2)
	require.Equal(t, 2, c.Len())

	c.Delete("x")
	require.Equal(t, 1, c.Len())
	_, ok := c.Get("x")
	require.False(t, ok)

	c.Clear()
	require.Equal(t, 0, c.Len())
}

func TestCacheMissReturnsZeroValue(t *testing.T) {
	c, err := New[int]("test", 4)
	require.NoError(t, err)

	v, ok := c.Get("missing")
	require.False(t, ok)
	require.Equal(t, 0, v)
}
