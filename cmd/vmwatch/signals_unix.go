//go:build !windows

package main

import (
	"os"
	"syscall"
)

func controlSignals() []os.Signal {
	return []os.Signal{syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGHUP}
}

func signalAction(sig os.Signal) action {
	switch sig {
	case syscall.SIGUSR1:
		return actionReload
	case syscall.SIGUSR2:
		return actionRestart
	case syscall.SIGHUP:
		return actionFetchTree
	default:
		return actionNone
	}
}
