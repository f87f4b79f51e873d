// Package config holds the tunables of the daemon supervisor, the VM client and the extension facade.
//
// The supervisor, client and facade constructors apply Normalize to the section they are given, so a
// misconfigured timeout can never be shorter than its minimum. Validate rejects combinations that would
// make failure detection too slow.
package config

import (
	"errors"
	"fmt"
	"time"
)

const (
	// MinCommandTimeout is the shortest allowed wait for a daemon command response.
	MinCommandTimeout = 5 * time.Second
	// MinFetchTimeout is the shortest allowed outer timeout for tree and data fetches.
	MinFetchTimeout = 5 * time.Second
	// MinProbeTimeout is the shortest allowed heartbeat probe timeout.
	MinProbeTimeout = 1 * time.Second
	// ProbeHeadroom is how much shorter than the heartbeat interval a probe timeout must be.
	ProbeHeadroom = 5 * time.Second
	// MinWatchdogInterval is the shortest allowed daemon liveness poll interval.
	MinWatchdogInterval = 1 * time.Second
	// MaxDetectionLatency bounds HeartbeatInterval * MaxHeartbeatFailures.
	MaxDetectionLatency = 120 * time.Second
)

type Config struct {
	Daemon    Daemon
	VM        VM
	Extension Extension
}

// Daemon configures the build-tool subprocess supervisor.
type Daemon struct {
	// Command is the build tool executable, e.g. "flutter".
	Command string
	// Args are passed before any per-session arguments.
	Args []string
	// Dir is the working directory of the subprocess.
	Dir string

	CommandTimeout   time.Duration
	StopTimeout      time.Duration
	WatchdogInterval time.Duration
	// ReapInterval is how often stale command requests are reaped. Requests older than twice CommandTimeout are stale.
	ReapInterval time.Duration
}

// VM configures the VM service client.
type VM struct {
	ConnectTimeout       time.Duration
	RequestTimeout       time.Duration
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	MaxHeartbeatFailures int

	MaxReconnectAttempts int
	ReconnectBackoff     time.Duration
	MaxReconnectBackoff  time.Duration

	// Streams are subscribed after connecting and after every reconnect.
	Streams []string
}

// Extension configures the extension facade.
type Extension struct {
	CallTimeout   time.Duration
	FetchTimeout  time.Duration
	ReadyAttempts int
	ReadyInterval time.Duration
	ReadyTimeout  time.Duration
}

func Default() Config {
	return Config{
		Daemon: DefaultDaemon(),
		VM:     DefaultVM(),
		Extension: Extension{
			CallTimeout:   10 * time.Second,
			FetchTimeout:  30 * time.Second,
			ReadyAttempts: 8,
			ReadyInterval: 500 * time.Millisecond,
			ReadyTimeout:  2 * time.Second,
		},
	}
}

func DefaultDaemon() Daemon {
	return Daemon{
		Command:          "flutter",
		CommandTimeout:   30 * time.Second,
		StopTimeout:      5 * time.Second,
		WatchdogInterval: 5 * time.Second,
		ReapInterval:     30 * time.Second,
	}
}

func DefaultVM() VM {
	return VM{
		ConnectTimeout:       10 * time.Second,
		RequestTimeout:       10 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		HeartbeatTimeout:     5 * time.Second,
		MaxHeartbeatFailures: 3,
		MaxReconnectAttempts: 5,
		ReconnectBackoff:     500 * time.Millisecond,
		MaxReconnectBackoff:  8 * time.Second,
		Streams:              []string{"Extension", "GC", "Logging", "Isolate"},
	}
}

// Normalize returns a copy with every timeout raised to its enforced minimum.
func (c Config) Normalize() Config {
	c.Daemon = c.Daemon.Normalize()
	c.VM = c.VM.Normalize()
	c.Extension = c.Extension.Normalize()
	return c
}

// Normalize returns a copy with the command timeout and watchdog interval raised to their minimums.
func (d Daemon) Normalize() Daemon {
	d.CommandTimeout = AtLeast(d.CommandTimeout, MinCommandTimeout)
	d.WatchdogInterval = AtLeast(d.WatchdogInterval, MinWatchdogInterval)
	if d.StopTimeout <= 0 {
		d.StopTimeout = DefaultDaemon().StopTimeout
	}
	if d.ReapInterval <= 0 {
		d.ReapInterval = d.CommandTimeout
	}
	return d
}

// Normalize returns a copy with the request timeout raised to its minimum and the probe timeout clamped to the interval.
func (v VM) Normalize() VM {
	v.RequestTimeout = AtLeast(v.RequestTimeout, MinCommandTimeout)
	v.HeartbeatTimeout = ProbeTimeout(v.HeartbeatTimeout, v.HeartbeatInterval)
	return v
}

func (e Extension) Normalize() Extension {
	e.CallTimeout = AtLeast(e.CallTimeout, MinCommandTimeout)
	e.FetchTimeout = AtLeast(e.FetchTimeout, MinFetchTimeout)
	return e
}

func (c Config) Validate() error {
	if c.Daemon.Command == "" {
		return errors.New("daemon command is required")
	}
	if err := c.VM.Validate(); err != nil {
		return err
	}
	if c.Extension.ReadyAttempts < 1 {
		return fmt.Errorf("ready attempts must be positive, got %d", c.Extension.ReadyAttempts)
	}
	return nil
}

func (v VM) Validate() error {
	if v.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %s", v.HeartbeatInterval)
	}
	if v.MaxHeartbeatFailures < 1 {
		return fmt.Errorf("max heartbeat failures must be positive, got %d", v.MaxHeartbeatFailures)
	}
	if v.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max reconnect attempts must not be negative, got %d", v.MaxReconnectAttempts)
	}
	if latency := v.DetectionLatency(); latency > MaxDetectionLatency {
		return fmt.Errorf("heartbeat detection latency %s (%s x %d) exceeds %s",
			latency, v.HeartbeatInterval, v.MaxHeartbeatFailures, MaxDetectionLatency)
	}
	return nil
}

// DetectionLatency is the worst-case time for the heartbeat to declare a silent connection dead.
func (v VM) DetectionLatency() time.Duration {
	return v.HeartbeatInterval * time.Duration(v.MaxHeartbeatFailures)
}

// AtLeast clamps d up to min.
func AtLeast(d, min time.Duration) time.Duration {
	if d < min {
		return min
	}
	return d
}

// ProbeTimeout clamps a heartbeat probe timeout into [MinProbeTimeout, interval-ProbeHeadroom].
func ProbeTimeout(timeout, interval time.Duration) time.Duration {
	if ceiling := interval - ProbeHeadroom; timeout > ceiling {
		timeout = ceiling
	}
	return AtLeast(timeout, MinProbeTimeout)
}
