/*
Package vm is a client for the Dart VM service protocol: JSON-RPC 2.0 over a WebSocket.

A Conn owns the transport. Requests carry string ids from a per-connection counter and are correlated by a
pending.Tracker; a single reader goroutine resolves responses and turns streamNotify notifications into
Events. When the transport fails, every in-flight request fails with a cancellation error and the Conn
re-dials with exponential backoff, reporting EventReconnecting before each attempt and EventReconnected
(after which the configured streams are re-subscribed) or, once attempts are exhausted, EventDisconnected.

A Client runs the forwarding loop on top of a Conn. It classifies notifications into domain events,
probes liveness with getVersion on every heartbeat tick, and gives up after MaxHeartbeatFailures
consecutive failed probes. Reconnect signals reset the failure count.

RequestHandle is the value handed to callers that need to issue requests, such as the extension facade.
*/
package vm
