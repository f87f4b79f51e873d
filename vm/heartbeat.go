package vm

// heartbeat counts consecutive failed liveness probes.
type heartbeat struct {
	failures int
	max      int
}

// reset clears the failure count. A successful probe and a reconnect signal both reset it.
func (h *heartbeat) reset() { h.failures = 0 }

// failure records a failed probe and reports whether the connection should be considered dead.
func (h *heartbeat) failure() bool {
	h.failures++
	return h.failures >= h.max
}
