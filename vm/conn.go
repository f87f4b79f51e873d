package vm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/guseggert/vmwatch/config"
	"github.com/guseggert/vmwatch/errs"
	"github.com/guseggert/vmwatch/pending"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// widget trees and heap snapshots can be large
const readLimit = 64 << 20

const connEventQueueSize = 256

type State int

const (
	Connecting State = iota
	Connected
	Reconnecting
	PermanentlyDisconnected
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case PermanentlyDisconnected:
		return "permanently disconnected"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Status is the connection state plus, while Reconnecting, the attempt in progress.
type Status struct {
	State       State
	Attempt     int
	MaxAttempts int
}

type EventKind int

const (
	// EventStream is a streamNotify notification.
	EventStream EventKind = iota
	// EventReconnecting is emitted before each reconnect attempt.
	EventReconnecting
	// EventReconnected is emitted once a reconnect attempt succeeded and streams are being re-subscribed.
	EventReconnected
	// EventDisconnected is emitted when reconnecting has been given up on. No events follow it.
	EventDisconnected
)

// Event is one connection-level event.
type Event struct {
	Kind        EventKind
	Stream      StreamEvent
	Attempt     int
	MaxAttempts int
	Err         error
}

// InvalidatesIsolate reports whether isolate ids learned before this event may no longer be valid.
func (e Event) InvalidatesIsolate() bool {
	switch e.Kind {
	case EventReconnected:
		return true
	case EventStream:
		return e.Stream.Kind == "IsolateExit"
	default:
		return false
	}
}

// Conn is a JSON-RPC connection to a VM service.
// Its reader goroutine is the only reader of the transport. When the transport fails it
// cancels every pending request and re-dials with exponential backoff.
type Conn struct {
	log     *zap.SugaredLogger
	url     string
	cfg     config.VM
	tracker *pending.Tracker[json.RawMessage]

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	ws          *websocket.Conn
	state       State
	attempt     int
	maxAttempts int

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

type ConnOption func(c *Conn)

func WithConnLogger(l *zap.SugaredLogger) ConnOption {
	return func(c *Conn) {
		c.log = l
	}
}

func dial(ctx context.Context, url string) (*websocket.Conn, error) {
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(readLimit)
	return ws, nil
}

// Dial connects to the VM service at url. ctx bounds only the initial handshake.
func Dial(ctx context.Context, url string, cfg config.VM, opts ...ConnOption) (*Conn, error) {
	c := &Conn{
		log:    zap.NewNop().Sugar(),
		url:    url,
		cfg:    cfg,
		state:  Connecting,
		events: make(chan Event, connEventQueueSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.tracker = pending.NewTracker[json.RawMessage](pending.WithLogger(c.log.Named("pending")))

	ws, err := dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	c.ws = ws
	c.state = Connected
	c.ctx, c.cancel = context.WithCancel(context.Background())

	go c.readLoop()
	return c, nil
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns the state and, while reconnecting, the current attempt and the attempt limit.
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{State: c.state}
	if c.state == Reconnecting {
		st.Attempt = c.attempt
		st.MaxAttempts = c.maxAttempts
	}
	return st
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Closed {
		return
	}
	c.state = s
}

func (c *Conn) setReconnecting(attempt, maxAttempts int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Closed {
		return
	}
	c.state = Reconnecting
	c.attempt = attempt
	c.maxAttempts = maxAttempts
}

func (c *Conn) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws
}

// Events returns connection events. The channel is closed when the reader goroutine exits.
func (c *Conn) Events() <-chan Event { return c.events }

// Done is closed when the reader goroutine has exited.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Handle returns a copyable request handle whose calls default to timeout.
func (c *Conn) Handle(timeout time.Duration) RequestHandle {
	return RequestHandle{conn: c, timeout: timeout}
}

func (c *Conn) emit(e Event) {
	select {
	case c.events <- e:
	case <-c.ctx.Done():
	}
}

func (c *Conn) readLoop() {
	defer func() {
		c.tracker.CancelAll("vm connection closed")
		close(c.events)
		close(c.done)
	}()

	for {
		var msg rpcMessage
		err := wsjson.Read(c.ctx, c.current(), &msg)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.log.Debugf("read error: %s", err)
			c.tracker.CancelAll(fmt.Sprintf("vm connection lost: %s", err))
			if !c.reconnect() {
				if c.ctx.Err() != nil {
					return
				}
				c.setState(PermanentlyDisconnected)
				c.emit(Event{Kind: EventDisconnected, Err: fmt.Errorf("%w: reconnect attempts exhausted after: %v", errs.ErrChannelClosed, err)})
				return
			}
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Conn) dispatch(msg rpcMessage) {
	if msg.Method == "streamNotify" {
		ev, err := parseStreamNotify(msg.Params)
		if err != nil {
			c.log.Debugw("dropping malformed notification", "Error", err)
			return
		}
		c.emit(Event{Kind: EventStream, Stream: ev})
		return
	}
	if msg.Method != "" {
		c.log.Debugw("ignoring service request", "Method", msg.Method)
		return
	}
	id, ok := parseID(msg.ID)
	if !ok {
		c.log.Debugw("dropping message without id", "ID", string(msg.ID))
		return
	}
	if msg.Error != nil {
		c.tracker.Resolve(id, nil, msg.Error.toProtocolError())
		return
	}
	c.tracker.Resolve(id, msg.Result, nil)
}

// reconnect re-dials with exponential backoff, reporting whether a connection was re-established.
func (c *Conn) reconnect() bool {
	old := c.current()
	go old.Close(websocket.StatusGoingAway, "reconnecting")

	maxAttempts := c.cfg.MaxReconnectAttempts
	backoff := c.cfg.ReconnectBackoff
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		c.setReconnecting(attempt, maxAttempts)
		c.emit(Event{Kind: EventReconnecting, Attempt: attempt, MaxAttempts: maxAttempts})

		timer := time.NewTimer(backoff)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}

		dialCtx, cancel := context.WithTimeout(c.ctx, c.cfg.ConnectTimeout)
		ws, err := dial(dialCtx, c.url)
		cancel()
		if err != nil {
			c.log.Debugw("reconnect attempt failed", "Attempt", attempt, "Max", maxAttempts, "Error", err)
			backoff *= 2
			if c.cfg.MaxReconnectBackoff > 0 && backoff > c.cfg.MaxReconnectBackoff {
				backoff = c.cfg.MaxReconnectBackoff
			}
			continue
		}

		c.mu.Lock()
		c.ws = ws
		c.mu.Unlock()
		c.setState(Connected)
		c.log.Debugw("reconnected", "Attempt", attempt)

		// responses are read by this goroutine, so the subscriptions must be issued from another
		go func() {
			ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RequestTimeout)
			defer cancel()
			if err := c.Subscribe(ctx, c.cfg.Streams); err != nil {
				c.log.Warnw("re-subscribing streams", "Error", err)
			}
		}()
		c.emit(Event{Kind: EventReconnected, Attempt: attempt, MaxAttempts: maxAttempts})
		return true
	}
	return false
}

// Call sends a request and waits up to timeout for its response. Cancelling ctx abandons the
// request without affecting the connection or other callers.
func (c *Conn) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	switch c.State() {
	case PermanentlyDisconnected, Closed:
		return nil, errs.ErrChannelClosed
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id, reply := c.tracker.Register(method)
	req := rpcRequest{JSONRPC: "2.0", ID: strconv.FormatUint(id, 10), Method: method, Params: params}

	// a write context ending mid-write closes the whole transport, so only the connection and
	// timeout bound the write; ctx bounds the wait for the response
	writeCtx, cancel := context.WithTimeout(c.ctx, timeout)
	err := wsjson.Write(writeCtx, c.current(), req)
	cancel()
	if err != nil {
		c.tracker.Resolve(id, nil, fmt.Errorf("writing %s request: %w: %v", method, errs.ErrChannelClosed, err))
	}

	result, err := c.tracker.Await(ctx, id, reply, timeout)
	var pe *errs.ProtocolError
	if errors.As(err, &pe) && pe.Method == "" {
		pe.Method = method
	}
	return result, err
}

// Subscribe listens to each stream, returning the combined errors of the subscriptions that failed.
func (c *Conn) Subscribe(ctx context.Context, streams []string) error {
	var err error
	for _, stream := range streams {
		_, subErr := c.Call(ctx, "streamListen", map[string]string{"streamId": stream}, c.cfg.RequestTimeout)
		if subErr != nil {
			err = multierr.Append(err, fmt.Errorf("subscribing to %s: %w", stream, subErr))
		}
	}
	return err
}

// Close shuts the connection down and waits for its reader to exit.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = Closed
		ws := c.ws
		c.mu.Unlock()

		// cancelling the read context tears the transport down, so the close handshake cannot hang
		c.cancel()
		if err := ws.Close(websocket.StatusNormalClosure, ""); err != nil {
			c.log.Debugf("error closing conn: %s", err)
		}
		<-c.done
	})
}
