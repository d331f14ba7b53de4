package workerengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPingSucceeds(t *testing.T) {
	b := NewBundle()
	result, err := b.Dispatch("ping", nil)
	require.NoError(t, err)
	assert.Equal(t, true, result)
}

func TestGetUniqueIDIsStable(t *testing.T) {
	b := NewBundle()
	first, err := b.Dispatch("get_uniqueid", nil)
	require.NoError(t, err)
	second, err := b.Dispatch("get_uniqueid", nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSetThenGetValueRoundTrips(t *testing.T) {
	b := NewBundle()

	_, err := b.Dispatch("set_value", map[string]interface{}{"name": "teff", "value": 5772.0})
	require.NoError(t, err)

	result, err := b.Dispatch("get_value", map[string]interface{}{"name": "teff"})
	require.NoError(t, err)
	assert.Equal(t, 5772.0, result)
}

func TestGetValueUnknownParameterErrors(t *testing.T) {
	b := NewBundle()
	_, err := b.Dispatch("get_value", map[string]interface{}{"name": "missing"})
	assert.Error(t, err)
}

func TestGetParameterReturnsNormalizedQuantity(t *testing.T) {
	b := NewBundle()
	_, err := b.Dispatch("set_value", map[string]interface{}{"name": "radius", "value": 1.5})
	require.NoError(t, err)

	result, err := b.Dispatch("get_parameter", map[string]interface{}{"name": "radius", "unit": "solRad"})
	require.NoError(t, err)

	asMap, ok := result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 1.5, asMap["value"])
	assert.Equal(t, "solRad", asMap["unit"])
}

func TestRunComputeSumsStoredParameters(t *testing.T) {
	b := NewBundle()
	_, err := b.Dispatch("set_value", map[string]interface{}{"name": "a", "value": 2.0})
	require.NoError(t, err)
	_, err = b.Dispatch("set_value", map[string]interface{}{"name": "b", "value": 3.0})
	require.NoError(t, err)

	result, err := b.Dispatch("run_compute", nil)
	require.NoError(t, err)

	asMap, ok := result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 5.0, asMap["sum"])
	assert.EqualValues(t, 2, asMap["parameters"])
}

func TestDispatchUnknownCommandReturnsError(t *testing.T) {
	b := NewBundle()
	_, err := b.Dispatch("not_a_real_command", nil)
	var unknown ErrUnknownCommand
	assert.ErrorAs(t, err, &unknown)
	assert.Equal(t, "not_a_real_command", unknown.Command)
}
