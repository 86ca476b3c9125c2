package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_SetGetExpire(t *testing.T) {
	c := New[string, int](time.Minute)
	defer c.Stop()

	c.Set("a", 1)
	c.SetWithTTL("b", 2, 10*time.Millisecond)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 2, c.Len())

	time.Sleep(20 * time.Millisecond)
	_, ok = c.Get("b")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())

	c.Delete("a")
	_, ok = c.Get("a")
	assert.False(t, ok)
}

func TestCache_GetOrLoad(t *testing.T) {
	c := New[string, string](time.Minute)
	defer c.Stop()
	ctx := context.Background()

	loads := 0
	load := func(context.Context) (string, error) {
		loads++
		return "value", nil
	}

	for i := 0; i < 3; i++ {
		v, err := c.GetOrLoad(ctx, "k", load)
		require.NoError(t, err)
		assert.Equal(t, "value", v)
	}
	assert.Equal(t, 1, loads)

	boom := errors.New("boom")
	_, err := c.GetOrLoad(ctx, "bad", func(context.Context) (string, error) { return "", boom })
	assert.ErrorIs(t, err, boom)
	_, ok := c.Get("bad")
	assert.False(t, ok)
}

func TestCache_StopTwice(t *testing.T) {
	c := New[int, int](time.Millisecond)
	c.Stop()
	assert.NotPanics(t, c.Stop)
}
