package vm

import (
	"encoding/json"
	"strconv"

	"github.com/guseggert/vmwatch/errs"
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// rpcMessage is anything the service sends: a response or a notification.
type rpcMessage struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

func (e *rpcError) toProtocolError() *errs.ProtocolError {
	return &errs.ProtocolError{Code: e.Code, Message: e.Message, Data: e.Data}
}

// StreamEvent is the payload of a streamNotify notification.
type StreamEvent struct {
	StreamID      string
	Kind          string
	IsolateID     string
	ExtensionKind string
	ExtensionData json.RawMessage
	// Raw is the whole event object.
	Raw json.RawMessage
}

type streamNotifyParams struct {
	StreamID string          `json:"streamId"`
	Event    json.RawMessage `json:"event"`
}

type wireEvent struct {
	Kind    string `json:"kind"`
	Isolate *struct {
		ID string `json:"id"`
	} `json:"isolate"`
	ExtensionKind string          `json:"extensionKind"`
	ExtensionData json.RawMessage `json:"extensionData"`
}

func parseStreamNotify(params json.RawMessage) (StreamEvent, error) {
	var p streamNotifyParams
	if err := json.Unmarshal(params, &p); err != nil {
		return StreamEvent{}, errs.Malformed("streamNotify", "decoding params: %s", err)
	}
	var ev wireEvent
	if err := json.Unmarshal(p.Event, &ev); err != nil {
		return StreamEvent{}, errs.Malformed("streamNotify", "decoding event: %s", err)
	}
	se := StreamEvent{
		StreamID:      p.StreamID,
		Kind:          ev.Kind,
		ExtensionKind: ev.ExtensionKind,
		ExtensionData: ev.ExtensionData,
		Raw:           p.Event,
	}
	if ev.Isolate != nil {
		se.IsolateID = ev.Isolate.ID
	}
	return se, nil
}

// parseID accepts the string ids this client sends, and numeric ids from services that echo numbers.
func parseID(raw json.RawMessage) (uint64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	s := string(raw)
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = unquoted
	}
	id, err := strconv.ParseUint(s, 10, 64)
	return id, err == nil
}
