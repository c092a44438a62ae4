package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCacheRoundTrip(t *testing.T) {
	c := NewMemoryCache(1024 * 1024)

	type payload struct {
		Name  string
		Count int
	}
	require.NoError(t, c.Set("k", &payload{Name: "x", Count: 3}, time.Minute))

	var got payload
	require.NoError(t, c.Get("k", &got))
	assert.Equal(t, payload{Name: "x", Count: 3}, got)

	require.NoError(t, c.Delete("k"))
	assert.Error(t, c.Get("k", &got))
}

func TestFetchComputesOnMiss(t *testing.T) {
	c := NewMemoryCache(1024 * 1024)

	calls := 0
	load := func() (string, error) {
		calls++
		return "value", nil
	}

	got, err := Fetch(c, "k", time.Minute, load)
	require.NoError(t, err)
	assert.Equal(t, "value", got)

	got, err = Fetch(c, "k", time.Minute, load)
	require.NoError(t, err)
	assert.Equal(t, "value", got)
	assert.Equal(t, 1, calls)
}

func TestFetchPropagatesLoadError(t *testing.T) {
	c := NewMemoryCache(1024 * 1024)
	boom := errors.New("boom")

	_, err := Fetch(c, "k", time.Minute, func() (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "alertconf:rt:open-port", Key("alertconf", "rt", "open-port"))
}
