package vm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/guseggert/vmwatch/config"
	"github.com/guseggert/vmwatch/errs"
	"github.com/guseggert/vmwatch/events"
	"go.uber.org/zap"
)

// ErrUnresponsive is returned by Run when consecutive heartbeat probes failed.
var ErrUnresponsive = errors.New("vm service unresponsive")

// Client connects to a VM service and forwards its notifications as domain events.
type Client struct {
	log  *zap.SugaredLogger
	url  string
	cfg  config.VM
	sink events.Sink

	onHandle func(RequestHandle)
	observer func(Event)

	mu     sync.Mutex
	handle RequestHandle
	status func() Status

	exactTimeouts bool
}

type Option func(c *Client)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Client) {
		c.log = l
	}
}

func WithSink(sink events.Sink) Option {
	return func(c *Client) {
		c.sink = sink
	}
}

// WithHandleFunc is called with the request handle once the connection is up and subscribed.
func WithHandleFunc(f func(RequestHandle)) Option {
	return func(c *Client) {
		c.onHandle = f
	}
}

// WithObserver is called from the forwarding goroutine with every connection event, before it is classified.
func WithObserver(f func(Event)) Option {
	return func(c *Client) {
		c.observer = f
	}
}

// withExactTimeouts skips the timeout minimums so tests can run with short timeouts.
func withExactTimeouts() Option {
	return func(c *Client) {
		c.exactTimeouts = true
	}
}

// NewClient builds a client for the VM service at url. Timeouts in cfg below their minimums are raised.
func NewClient(url string, cfg config.VM, opts ...Option) *Client {
	c := &Client{
		log:  zap.NewNop().Sugar(),
		url:  url,
		cfg:  cfg,
		sink: events.Discard,
	}
	for _, opt := range opts {
		opt(c)
	}
	if !c.exactTimeouts {
		c.cfg = c.cfg.Normalize()
	}
	return c
}

// Handle returns the current request handle, if connected.
func (c *Client) Handle() (RequestHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle, c.handle.Valid()
}

// State returns the connection state, or Connecting before the first connection is made.
func (c *Client) State() State {
	return c.Status().State
}

// Status returns the connection state together with the reconnect attempt in progress, if any.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == nil {
		return Status{State: Connecting}
	}
	return c.status()
}

func (c *Client) publish(e events.Event) error {
	err := c.sink.Publish(e)
	if err != nil {
		c.log.Debugw("error publishing event", "Kind", e.Kind, "Error", err)
	}
	return err
}

// Run connects, subscribes and forwards events until ctx is done or the connection is lost for good.
// It returns nil on shutdown, a *errs.ConnectionFailedError if the first connection could not be made,
// ErrUnresponsive if the heartbeat gave up, or the reason the connection was lost.
func (c *Client) Run(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	conn, err := Dial(dialCtx, c.url, c.cfg, WithConnLogger(c.log.Named("conn")))
	dialErr := dialCtx.Err()
	cancel()
	if err != nil {
		if errors.Is(dialErr, context.DeadlineExceeded) {
			err = &errs.TimeoutError{Op: "connect", Timeout: c.cfg.ConnectTimeout}
		}
		connErr := &errs.ConnectionFailedError{URL: c.url, Cause: err}
		c.publish(events.Event{Kind: events.VMConnectFailed, Err: connErr, Message: connErr.Error()})
		return connErr
	}

	if err := conn.Subscribe(ctx, c.cfg.Streams); err != nil {
		c.log.Warnw("some stream subscriptions failed", "Error", err)
	}

	handle := conn.Handle(c.cfg.RequestTimeout)
	c.mu.Lock()
	c.handle = handle
	c.status = conn.Status
	c.mu.Unlock()
	if c.onHandle != nil {
		c.onHandle(handle)
	}
	c.publish(events.Event{Kind: events.VMConnected, Message: c.url})

	err = c.forward(ctx, conn, handle)
	conn.Close()

	c.mu.Lock()
	c.handle = RequestHandle{}
	c.mu.Unlock()
	disconnected := events.Event{Kind: events.VMDisconnected, Err: err}
	if err != nil {
		disconnected.Message = err.Error()
	}
	c.publish(disconnected)
	return err
}

func (c *Client) forward(ctx context.Context, conn *Conn, handle RequestHandle) error {
	hb := heartbeat{max: c.cfg.MaxHeartbeatFailures}
	// the first tick arrives one full interval after entering the loop
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	probeResults := make(chan error, 1)
	probing := false
	connEvents := conn.Events()

	for {
		// connection events first, then shutdown, then the heartbeat
		select {
		case ev, ok := <-connEvents:
			if done, err := c.handleEvent(ev, ok, &hb); done {
				return err
			}
			continue
		default:
		}
		select {
		case <-ctx.Done():
			c.log.Debug("shutdown requested")
			return nil
		default:
		}

		select {
		case ev, ok := <-connEvents:
			if done, err := c.handleEvent(ev, ok, &hb); done {
				return err
			}
		case <-ctx.Done():
			c.log.Debug("shutdown requested")
			return nil
		case err := <-probeResults:
			probing = false
			if err == nil {
				hb.reset()
				continue
			}
			c.log.Debugw("heartbeat probe failed", "Failures", hb.failures+1, "Max", hb.max, "Error", err)
			if hb.failure() {
				c.log.Warnw("vm service unresponsive, giving up", "Failures", hb.failures)
				return fmt.Errorf("%w: %d consecutive heartbeat failures", ErrUnresponsive, hb.failures)
			}
		case <-ticker.C:
			if probing {
				continue
			}
			probing = true
			go func() {
				_, err := handle.Call(ctx, "getVersion", nil, c.cfg.HeartbeatTimeout)
				probeResults <- err
			}()
		}
	}
}

func (c *Client) handleEvent(ev Event, ok bool, hb *heartbeat) (bool, error) {
	if !ok {
		return true, errs.ErrChannelClosed
	}
	if c.observer != nil {
		c.observer(ev)
	}
	switch ev.Kind {
	case EventReconnecting:
		hb.reset()
		c.log.Debugw("reconnecting", "Attempt", ev.Attempt, "Max", ev.MaxAttempts)
		return c.publish(events.Event{Kind: events.VMReconnecting, Attempt: ev.Attempt, MaxAttempts: ev.MaxAttempts}) != nil, nil
	case EventReconnected:
		hb.reset()
		return c.publish(events.Event{Kind: events.VMReconnected, Attempt: ev.Attempt, MaxAttempts: ev.MaxAttempts}) != nil, nil
	case EventDisconnected:
		return true, ev.Err
	default:
		de, ok := Classify(ev.Stream)
		if !ok {
			return false, nil
		}
		if err := c.publish(de); err != nil {
			return true, fmt.Errorf("publishing %s: %w", de.Kind, err)
		}
		return false, nil
	}
}
