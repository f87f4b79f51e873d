// Package events defines the high-level domain events this core reports to the presentation layer.
package events

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by Publish once the sink has been closed.
var ErrClosed = errors.New("event sink closed")

type Kind string

const (
	SessionStarted   Kind = "session.started"
	SessionStopped   Kind = "session.stopped"
	DaemonEvent      Kind = "daemon.event"
	DaemonLog        Kind = "daemon.log"
	ProcessExited    Kind = "process.exited"
	ReloadCompleted  Kind = "reload.completed"
	ReloadFailed     Kind = "reload.failed"
	RestartCompleted Kind = "restart.completed"
	RestartFailed    Kind = "restart.failed"

	VMConnected     Kind = "vm.connected"
	VMConnectFailed Kind = "vm.connect_failed"
	VMDisconnected  Kind = "vm.disconnected"
	VMReconnecting  Kind = "vm.reconnecting"
	VMReconnected   Kind = "vm.reconnected"
	VMError         Kind = "vm.error"
	VMFrame         Kind = "vm.frame"
	VMGC            Kind = "vm.gc"
	VMLog           Kind = "vm.log"

	TreeFetched       Kind = "tree.fetched"
	TreeFetchFailed   Kind = "tree.fetch_failed"
	TreeFetchTimedOut Kind = "tree.fetch_timed_out"
	DataFetched       Kind = "data.fetched"
	DataFetchFailed   Kind = "data.fetch_failed"
)

// UnknownExitCode is reported when a process exit was detected without an exit status.
const UnknownExitCode = -1

// Event is one domain event. Fields irrelevant to a kind are left zero.
type Event struct {
	Kind      Kind
	Time      time.Time
	SessionID string
	AppID     string

	// Name is the daemon event name (e.g. "app.progress") or VM extension kind.
	Name     string
	Message  string
	ExitCode int

	Attempt     int
	MaxAttempts int

	Data json.RawMessage
	Err  error
}

// Sink receives domain events.
type Sink interface {
	Publish(Event) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Event) error

func (f SinkFunc) Publish(e Event) error { return f(e) }

// Discard is a Sink that drops everything.
var Discard Sink = SinkFunc(func(Event) error { return nil })

// Queue is a buffered Sink read through C.
// Publish blocks while the buffer is full and fails with ErrClosed after Close.
type Queue struct {
	ch        chan Event
	closed    chan struct{}
	closeOnce sync.Once
}

func NewQueue(size int) *Queue {
	return &Queue{
		ch:     make(chan Event, size),
		closed: make(chan struct{}),
	}
}

func (q *Queue) Publish(e Event) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}
	select {
	case q.ch <- e:
		return nil
	case <-q.closed:
		return ErrClosed
	}
}

// C returns the channel events are delivered on. It is never closed; select on Done as well.
func (q *Queue) C() <-chan Event { return q.ch }

// Done is closed once the queue has been closed.
func (q *Queue) Done() <-chan struct{} { return q.closed }

func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.closed) })
}
