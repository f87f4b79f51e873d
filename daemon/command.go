package daemon

import (
	"encoding/json"
	"fmt"
)

// Command is one of the daemon commands defined in this package.
type Command interface {
	// Method is the wire method name.
	Method() string
	// Params are the wire parameters. Nil is sent as an empty object.
	Params() map[string]any
	// Description names the command in logs and timeout errors.
	Description() string

	isCommand()
}

// Reload hot-reloads the app's sources.
type Reload struct {
	AppID  string
	Reason string
	Pause  bool
}

func (Reload) Method() string { return "app.restart" }
func (c Reload) Params() map[string]any {
	p := map[string]any{"appId": c.AppID, "fullRestart": false, "pause": c.Pause}
	if c.Reason != "" {
		p["reason"] = c.Reason
	}
	return p
}
func (Reload) Description() string { return "reload (app.restart)" }
func (Reload) isCommand()          {}

// Restart hot-restarts the app, resetting its state.
type Restart struct {
	AppID  string
	Reason string
}

func (Restart) Method() string { return "app.restart" }
func (c Restart) Params() map[string]any {
	p := map[string]any{"appId": c.AppID, "fullRestart": true}
	if c.Reason != "" {
		p["reason"] = c.Reason
	}
	return p
}
func (Restart) Description() string { return "restart (app.restart)" }
func (Restart) isCommand()          {}

// Stop stops the app and lets the daemon exit.
type Stop struct {
	AppID string
}

func (Stop) Method() string           { return "app.stop" }
func (c Stop) Params() map[string]any { return map[string]any{"appId": c.AppID} }
func (Stop) Description() string      { return "stop (app.stop)" }
func (Stop) isCommand()               {}

// Detach detaches from the app, leaving it running.
type Detach struct {
	AppID string
}

func (Detach) Method() string           { return "app.detach" }
func (c Detach) Params() map[string]any { return map[string]any{"appId": c.AppID} }
func (Detach) Description() string      { return "detach (app.detach)" }
func (Detach) isCommand()               {}

// GetVersion asks the daemon for its protocol version.
type GetVersion struct{}

func (GetVersion) Method() string         { return "daemon.version" }
func (GetVersion) Params() map[string]any { return nil }
func (GetVersion) Description() string    { return "get version (daemon.version)" }
func (GetVersion) isCommand()             {}

// Shutdown asks the daemon to exit.
type Shutdown struct{}

func (Shutdown) Method() string         { return "daemon.shutdown" }
func (Shutdown) Params() map[string]any { return nil }
func (Shutdown) Description() string    { return "shutdown (daemon.shutdown)" }
func (Shutdown) isCommand()             {}

// EnableDevicePolling turns on device discovery events.
type EnableDevicePolling struct{}

func (EnableDevicePolling) Method() string         { return "device.enable" }
func (EnableDevicePolling) Params() map[string]any { return nil }
func (EnableDevicePolling) Description() string    { return "enable device polling (device.enable)" }
func (EnableDevicePolling) isCommand()             {}

// DisableDevicePolling turns off device discovery events.
type DisableDevicePolling struct{}

func (DisableDevicePolling) Method() string         { return "device.disable" }
func (DisableDevicePolling) Params() map[string]any { return nil }
func (DisableDevicePolling) Description() string    { return "disable device polling (device.disable)" }
func (DisableDevicePolling) isCommand()             {}

// GetDevices lists the currently connected devices.
type GetDevices struct{}

func (GetDevices) Method() string         { return "device.getDevices" }
func (GetDevices) Params() map[string]any { return nil }
func (GetDevices) Description() string    { return "get devices (device.getDevices)" }
func (GetDevices) isCommand()             {}

// CallServiceExtension calls a service extension through the daemon rather than the VM service.
type CallServiceExtension struct {
	AppID      string
	MethodName string
	Args       map[string]string
}

func (CallServiceExtension) Method() string { return "app.callServiceExtension" }
func (c CallServiceExtension) Params() map[string]any {
	args := map[string]string{}
	for k, v := range c.Args {
		args[k] = v
	}
	return map[string]any{"appId": c.AppID, "methodName": c.MethodName, "params": args}
}
func (c CallServiceExtension) Description() string {
	return fmt.Sprintf("call %s (app.callServiceExtension)", c.MethodName)
}
func (CallServiceExtension) isCommand() {}

type wireCommand struct {
	ID     uint64         `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

// encodeCommand renders a command as one newline-terminated protocol line.
func encodeCommand(id uint64, c Command) ([]byte, error) {
	params := c.Params()
	if params == nil {
		params = map[string]any{}
	}
	b, err := json.Marshal([]wireCommand{{ID: id, Method: c.Method(), Params: params}})
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", c.Description(), err)
	}
	return append(b, '\n'), nil
}
