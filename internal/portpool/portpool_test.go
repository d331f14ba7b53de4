package portpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestReleaseFIFO(t *testing.T) {
	p, err := New(5000, 5003)
	require.NoError(t, err)

	a, err := p.Request()
	require.NoError(t, err)
	assert.Equal(t, 5000, a)

	b, err := p.Request()
	require.NoError(t, err)
	assert.Equal(t, 5001, b)

	p.Release(a)

	// a was released to the tail, so the next request should be the
	// remaining untouched port, not a reused immediately.
	c, err := p.Request()
	require.NoError(t, err)
	assert.Equal(t, 5002, c)

	d, err := p.Request()
	require.NoError(t, err)
	assert.Equal(t, a, d, "released port should be reused only after FIFO order reaches it")
}

func TestExhaustion(t *testing.T) {
	p, err := New(5000, 5002)
	require.NoError(t, err)

	_, err = p.Request()
	require.NoError(t, err)
	_, err = p.Request()
	require.NoError(t, err)

	_, err = p.Request()
	assert.ErrorIs(t, err, ErrNoCapacity)

	status := p.Status()
	assert.Equal(t, 2, status.Total)
	assert.Equal(t, 0, status.AvailableCount)
	assert.Equal(t, 2, status.ReservedCount)
}

func TestReleaseNonReservedIsNoOp(t *testing.T) {
	p, err := New(5000, 5001)
	require.NoError(t, err)

	p.Release(5000) // not reserved -- should be a no-op
	status := p.Status()
	assert.Equal(t, 1, status.AvailableCount)
	assert.Equal(t, 0, status.ReservedCount)
}

func TestStatusInvariantAtRest(t *testing.T) {
	p, err := New(6000, 6010)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := p.Request()
		require.NoError(t, err)
	}

	status := p.Status()
	assert.Equal(t, status.Total, status.AvailableCount+status.ReservedCount)
	assert.Equal(t, "6000-6009", status.RangeString)
}
