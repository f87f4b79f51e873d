package net

import (
	"fmt"
	"net"
)

// EphemeralAddr reserves a free loopback TCP port and returns it as host:port.
// The port is released before returning, so a test server can bind it and later re-bind it after a restart.
func EphemeralAddr() (string, error) {
	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("resolving 127.0.0.1:0: %w", err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().String(), nil
}
