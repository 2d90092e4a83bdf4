package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streamgate/errors"
)

func newTestCounter(name string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "streamgate",
		Subsystem: "test",
		Name:      name,
		Help:      "test counter",
	})
}

func TestRegisterAndUnregister(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := newTestCounter("ops_total")
	require.NoError(t, registry.Register("gateway", "ops_total", counter))

	assert.True(t, registry.Unregister("gateway", "ops_total"))
	assert.False(t, registry.Unregister("gateway", "ops_total"))
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	registry := NewMetricsRegistry()

	require.NoError(t, registry.Register("gateway", "ops_total", newTestCounter("ops_total")))

	err := registry.Register("gateway", "ops_total", newTestCounter("ops_total"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	// Same metric name under a different component registers its own key but
	// collides inside Prometheus.
	err = registry.Register("bus", "ops_total", newTestCounter("ops_total"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestCoreMetricsAvailable(t *testing.T) {
	registry := NewMetricsRegistry()

	core := registry.CoreMetrics()
	require.NotNil(t, core)

	// Recording against core metrics must not panic.
	core.RecordEventPublished("bus", "MESSAGE_CREATE")
	core.RecordError("ingest", "decode")
	core.RecordNATSStatus(true)
	core.RecordNATSReconnect()
	core.RecordCircuitBreakerState(false)
	core.RecordHealthStatus("gateway", true)
	core.RecordComponentStatus("gateway", 2)
}
