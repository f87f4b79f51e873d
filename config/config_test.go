package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, c, c.Normalize())

	assert.Equal(t, 90*time.Second, c.VM.DetectionLatency())
	assert.LessOrEqual(t, c.VM.DetectionLatency(), MaxDetectionLatency)
	assert.Equal(t, 10*time.Second, c.VM.ConnectTimeout)
	assert.Equal(t, 5*time.Second, c.Daemon.WatchdogInterval)
	assert.Equal(t, 8, c.Extension.ReadyAttempts)
}

func TestNormalizeClampsTimeouts(t *testing.T) {
	c := Default()
	c.Daemon.CommandTimeout = 1000 * time.Millisecond
	c.Extension.FetchTimeout = 1000 * time.Millisecond
	c.Extension.CallTimeout = 0
	c.Daemon.WatchdogInterval = 10 * time.Millisecond

	n := c.Normalize()
	assert.Equal(t, 5000*time.Millisecond, n.Daemon.CommandTimeout)
	assert.Equal(t, 5000*time.Millisecond, n.Extension.FetchTimeout)
	assert.Equal(t, MinCommandTimeout, n.Extension.CallTimeout)
	assert.Equal(t, MinWatchdogInterval, n.Daemon.WatchdogInterval)

	// longer values are untouched
	c.Extension.FetchTimeout = time.Minute
	assert.Equal(t, time.Minute, c.Normalize().Extension.FetchTimeout)
}

func TestProbeTimeout(t *testing.T) {
	cases := []struct {
		name     string
		timeout  time.Duration
		interval time.Duration
		exp      time.Duration
	}{
		{name: "default", timeout: 5 * time.Second, interval: 30 * time.Second, exp: 5 * time.Second},
		{name: "too close to interval", timeout: 29 * time.Second, interval: 30 * time.Second, exp: 25 * time.Second},
		{name: "below minimum", timeout: 10 * time.Millisecond, interval: 30 * time.Second, exp: MinProbeTimeout},
		{name: "tiny interval", timeout: 5 * time.Second, interval: 2 * time.Second, exp: MinProbeTimeout},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.exp, ProbeTimeout(c.timeout, c.interval))
		})
	}
}

func TestValidateDetectionLatency(t *testing.T) {
	v := DefaultVM()
	v.MaxHeartbeatFailures = 5
	err := v.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds 2m0s")

	v.MaxHeartbeatFailures = 4
	assert.NoError(t, v.Validate())

	v.MaxHeartbeatFailures = 0
	assert.Error(t, v.Validate())
}
