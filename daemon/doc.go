/*
Package daemon supervises build-tool daemon subprocesses (such as "flutter run --machine") and talks to them over their line-oriented command protocol.

Each command is written to the subprocess's stdin as a single line holding a JSON array with one object:

	[{"id":1,"method":"app.restart","params":{"appId":"...","fullRestart":false}}]

The subprocess answers on stdout with newline-delimited JSON, either bare objects or single-element arrays.
Objects carrying an "id" are responses and are matched to the pending command with that id.
Objects carrying an "event" are daemon events and are forwarded to the session's event sink.
Lines that are not JSON are forwarded as raw output.

A Session owns one subprocess. Its supervising goroutine forwards events, captures the app id from
"app.start"/"app.started" events, and runs a watchdog that detects a dead subprocess even when its
stdout is never closed (for example when a grandchild inherited the pipe). When the loop ends the
session stops the app gracefully unless the process is already known to be gone, tears the process
down and removes itself from the Registry.
*/
package daemon
