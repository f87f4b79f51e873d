package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/guseggert/vmwatch/errs"
	"github.com/guseggert/vmwatch/pending"
	"go.uber.org/zap"
)

const outboundQueueSize = 64

// outbound is the queue of encoded lines waiting to be written to the subprocess's stdin.
type outbound struct {
	lines     chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newOutbound() *outbound {
	return &outbound{
		lines:  make(chan []byte, outboundQueueSize),
		closed: make(chan struct{}),
	}
}

func (o *outbound) close() {
	o.closeOnce.Do(func() { close(o.closed) })
}

func (o *outbound) isClosed() bool {
	select {
	case <-o.closed:
		return true
	default:
		return false
	}
}

// writeLoop drains the queue into w until the queue is closed or a write fails.
// A failed write closes the queue and cancels everything in flight.
func (o *outbound) writeLoop(w io.Writer, tracker *pending.Tracker[Response], log *zap.SugaredLogger) {
	for {
		var line []byte
		select {
		case <-o.closed:
			return
		case line = <-o.lines:
		}
		if _, err := w.Write(line); err != nil {
			log.Debugf("error writing to stdin: %s", err)
			o.close()
			tracker.CancelAll(fmt.Sprintf("writing to daemon: %s", err))
			return
		}
	}
}

// CommandSender issues commands to one daemon subprocess.
// It is a small value and may be copied freely; all copies share the same channel.
// The zero value behaves like a closed channel.
type CommandSender struct {
	tracker *pending.Tracker[Response]
	out     *outbound
}

// Send writes cmd and waits up to timeout for its response.
// It returns errs.ErrChannelClosed without registering anything if the channel is already closed.
// An unsuccessful response is returned as a *errs.ProtocolError.
func (s CommandSender) Send(ctx context.Context, cmd Command, timeout time.Duration) (json.RawMessage, error) {
	if s.out == nil || s.out.isClosed() {
		return nil, errs.ErrChannelClosed
	}

	id, reply := s.tracker.Register(cmd.Description())
	line, err := encodeCommand(id, cmd)
	if err != nil {
		s.tracker.Resolve(id, Response{}, err)
	} else if s.out.isClosed() {
		// closed between the check above and registration, possibly after the bulk cancel ran
		s.tracker.Resolve(id, Response{}, errs.ErrChannelClosed)
	} else {
		select {
		case s.out.lines <- line:
		case <-s.out.closed:
			s.tracker.Resolve(id, Response{}, errs.ErrChannelClosed)
		case <-ctx.Done():
			s.tracker.Resolve(id, Response{}, ctx.Err())
		}
	}

	resp, err := s.tracker.Await(ctx, id, reply, timeout)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, &errs.ProtocolError{Method: cmd.Method(), Message: resp.Error}
	}
	return resp.Result, nil
}

// SendFireAndForget writes cmd without waiting for, or tracking, a response.
func (s CommandSender) SendFireAndForget(cmd Command) error {
	if s.out == nil {
		return errs.ErrChannelClosed
	}
	line, err := encodeCommand(s.tracker.NextID(), cmd)
	if err != nil {
		return err
	}
	select {
	case <-s.out.closed:
		return errs.ErrChannelClosed
	default:
	}
	select {
	case s.out.lines <- line:
		return nil
	case <-s.out.closed:
		return errs.ErrChannelClosed
	}
}

// Pending returns the number of commands awaiting a response.
func (s CommandSender) Pending() int {
	if s.tracker == nil {
		return 0
	}
	return s.tracker.Len()
}

// handleLine resolves a response line against the tracker, or returns the line as an event.
func handleLine(tracker *pending.Tracker[Response], line []byte) *Event {
	resp, ev := parseLine(line)
	if resp != nil {
		tracker.Resolve(resp.ID, *resp, nil)
		return nil
	}
	return ev
}
