package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streamgate/component"
)

func TestStatusPredicates(t *testing.T) {
	assert.True(t, NewHealthy("a", "ok").IsHealthy())
	assert.True(t, NewDegraded("a", "slow").IsDegraded())
	assert.True(t, NewUnhealthy("a", "down").IsUnhealthy())

	assert.False(t, NewDegraded("a", "slow").IsHealthy())
	assert.False(t, NewDegraded("a", "slow").Healthy)
}

func TestWithSubStatusDoesNotShareSlice(t *testing.T) {
	base := NewHealthy("system", "ok")
	withOne := base.WithSubStatus(NewHealthy("a", "ok"))
	withTwo := withOne.WithSubStatus(NewHealthy("b", "ok"))

	assert.Empty(t, base.SubStatuses)
	assert.Len(t, withOne.SubStatuses, 1)
	assert.Len(t, withTwo.SubStatuses, 2)
}

func TestFromComponentHealth(t *testing.T) {
	now := time.Now()

	status := FromComponentHealth("gateway", component.HealthStatus{
		Healthy:    true,
		LastCheck:  now,
		ErrorCount: 2,
		Uptime:     3 * time.Minute,
	})

	assert.Equal(t, "gateway", status.Component)
	assert.Equal(t, StateHealthy, status.State)
	require.NotNil(t, status.Metrics)
	assert.Equal(t, 3*time.Minute, status.Metrics.Uptime)
	assert.Equal(t, 2, status.Metrics.ErrorCount)
	assert.Equal(t, now, status.Metrics.LastActivity)
}

func TestFromComponentHealthSanitizesError(t *testing.T) {
	status := FromComponentHealth("ingest", component.HealthStatus{
		Healthy:   false,
		LastError: "dial nats://10.0.0.5:4222 failed with token=abc123",
	})

	assert.Equal(t, StateUnhealthy, status.State)
	assert.NotContains(t, status.Message, "10.0.0.5")
	assert.NotContains(t, status.Message, "abc123")
	assert.NotContains(t, status.Message, "nats://")
}

func TestSanitizeErrorMessage(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		excluded []string
	}{
		{
			name:     "http url",
			input:    "GET https://internal.example.com/admin failed",
			excluded: []string{"internal.example.com"},
		},
		{
			name:     "unix path",
			input:    "open /etc/streamgate/config.yaml: permission denied",
			excluded: []string{"/etc/streamgate"},
		},
		{
			name:     "credential",
			input:    "auth rejected: password=hunter2",
			excluded: []string{"hunter2"},
		},
		{
			name:     "ip and port",
			input:    "connect 192.168.1.10:8080 refused",
			excluded: []string{"192.168.1.10", "8080"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := sanitizeErrorMessage(tc.input)
			for _, fragment := range tc.excluded {
				assert.NotContains(t, result, fragment)
			}
		})
	}

	assert.Equal(t, "", sanitizeErrorMessage(""))
}
