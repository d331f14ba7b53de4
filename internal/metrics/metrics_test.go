package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestNewWithRegistererRegistersEveryCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegisterer(reg)

	m.SessionsActive.Set(1)
	m.SessionsCreatedTotal.Inc()
	m.SessionsDestroyedTotal.WithLabelValues("manual").Inc()
	m.WorkerSpawnFailures.Inc()
	m.PortPoolAvailable.Set(5)
	m.PortPoolReserved.Set(2)
	m.RPCDuration.WithLabelValues("ping", "true").Observe(0.01)

	families, err := reg.Gather()
	assert.NoError(t, err)
	assert.NotEmpty(t, families)
}
