package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.Incr(Connections, 3)
	m.Decr(Connections, 1)
	m.Incr(Frames, 1)

	assert.Equal(t, int64(2), m.Count(Connections))
	assert.Equal(t, int64(0), m.Count(Evictions))

	snap, err := m.Snapshot()
	require.NoError(t, err)
	frames, ok := snap[Frames].(map[string]any)
	require.True(t, ok, "counter exported as object: %v", snap)
	assert.EqualValues(t, 1, frames["count"])
}

func TestRegistriesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.Incr(Frames, 5)
	assert.Equal(t, int64(0), b.Count(Frames))
}
