package daemon

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Response is the daemon's answer to one command.
type Response struct {
	ID      uint64
	Success bool
	Result  json.RawMessage
	Error   string
}

type EventKind int

const (
	// EventDaemon is a structured {"event":...} message.
	EventDaemon EventKind = iota
	// EventOutput is a line that was not a protocol message.
	EventOutput
	// EventExit is emitted once when the subprocess has exited.
	EventExit
)

func (k EventKind) String() string {
	switch k {
	case EventDaemon:
		return "daemon"
	case EventOutput:
		return "output"
	case EventExit:
		return "exit"
	default:
		return "unknown"
	}
}

// Event is one message from the subprocess that is not a command response.
type Event struct {
	Kind EventKind
	// Name is the daemon event name, such as "app.started".
	Name   string
	Params json.RawMessage
	// Raw is the line as read, without the trailing newline.
	Raw    string
	Stderr bool
	// ExitCode is set for EventExit. It is -1 when the exit status is unknown.
	ExitCode int
}

type inbound struct {
	ID     json.RawMessage `json:"id"`
	Event  string          `json:"event"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

// parseLine classifies one stdout line as a response or an event.
// Exactly one of the returned values is non-nil.
func parseLine(line []byte) (*Response, *Event) {
	trimmed := bytes.TrimSpace(line)
	raw := string(bytes.TrimRight(line, "\r\n"))

	msg, ok := decodeMessage(trimmed)
	if !ok {
		return nil, &Event{Kind: EventOutput, Raw: raw}
	}
	if msg.Event != "" {
		return nil, &Event{Kind: EventDaemon, Name: msg.Event, Params: msg.Params, Raw: raw}
	}
	id, ok := parseID(msg.ID)
	if !ok {
		return nil, &Event{Kind: EventOutput, Raw: raw}
	}
	resp := &Response{ID: id, Result: msg.Result, Success: len(msg.Error) == 0 || string(msg.Error) == "null"}
	if !resp.Success {
		resp.Error = errorText(msg.Error)
	}
	return resp, nil
}

func decodeMessage(b []byte) (inbound, bool) {
	var msg inbound
	if len(b) == 0 {
		return msg, false
	}
	switch b[0] {
	case '[':
		var msgs []inbound
		if err := json.Unmarshal(b, &msgs); err != nil || len(msgs) != 1 {
			return msg, false
		}
		return msgs[0], true
	case '{':
		if err := json.Unmarshal(b, &msg); err != nil {
			return msg, false
		}
		return msg, true
	default:
		return msg, false
	}
}

// parseID accepts ids encoded as numbers or as quoted numbers.
func parseID(raw json.RawMessage) (uint64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	s := string(raw)
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = unquoted
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func errorText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}
