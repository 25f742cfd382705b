package types

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHealthState_Worse(t *testing.T) {
	assert.Equal(t, HealthDegraded, HealthHealthy.Worse(HealthDegraded))
	assert.Equal(t, HealthUnhealthy, HealthDegraded.Worse(HealthUnhealthy))
	assert.Equal(t, HealthUnhealthy, HealthUnhealthy.Worse(HealthHealthy))
	assert.Equal(t, HealthHealthy, HealthHealthy.Worse(HealthHealthy))
	assert.Equal(t, HealthUnhealthy, HealthHealthy.Worse("unknown"), "unknown states count as unhealthy")
}

func TestComponentHealthBuilders(t *testing.T) {
	h := Healthy("cache_local", 3*time.Millisecond)
	assert.Equal(t, HealthHealthy, h.Status)
	assert.Equal(t, 3*time.Millisecond, h.Latency)
	assert.False(t, h.CheckedAt.IsZero())

	u := Unhealthy("medium_term", errors.New("dial tcp: refused"))
	assert.Equal(t, HealthUnhealthy, u.Status)
	assert.Equal(t, "dial tcp: refused", u.Message)
	assert.Empty(t, Unhealthy("x", nil).Message)
}
