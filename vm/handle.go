package vm

import (
	"context"
	"encoding/json"
	"time"

	"github.com/guseggert/vmwatch/errs"
)

// RequestHandle issues requests on one connection. It is a small value and may be copied
// and shared by any number of goroutines. The zero value behaves like a closed connection.
type RequestHandle struct {
	conn    *Conn
	timeout time.Duration
}

// Call sends a request. A timeout of zero uses the handle's default.
// Error responses are returned as *errs.ProtocolError.
func (h RequestHandle) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if h.conn == nil {
		return nil, errs.ErrChannelClosed
	}
	if timeout <= 0 {
		timeout = h.timeout
	}
	return h.conn.Call(ctx, method, params, timeout)
}

// Valid reports whether the handle is bound to a connection.
func (h RequestHandle) Valid() bool { return h.conn != nil }
