package main

import "os"

// Windows has no user signals; reloads can only be triggered by the daemon itself.
func controlSignals() []os.Signal { return nil }

func signalAction(os.Signal) action { return actionNone }
