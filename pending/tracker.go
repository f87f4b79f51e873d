// Package pending correlates asynchronous responses with the calls that requested them.
//
// A Tracker hands out monotonically increasing ids and single-use reply
// channels. Every registered request is resolved exactly once: by a matching
// response, by a timeout, or by bulk cancellation when the owning channel is
// torn down. Whoever removes an entry from the pending map under the lock is
// the only party allowed to deliver its reply.
package pending

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guseggert/vmwatch/errs"
	"go.uber.org/zap"
)

// Result is the value delivered into a reply channel.
type Result[T any] struct {
	Value T
	Err   error
}

type request[T any] struct {
	id          uint64
	description string
	createdAt   time.Time
	reply       chan Result[T]
}

// Tracker owns the pending requests of one command channel.
type Tracker[T any] struct {
	log *zap.SugaredLogger
	now func() time.Time

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]*request[T]
}

type Option func(o *options)

type options struct {
	log *zap.SugaredLogger
	now func() time.Time
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *options) {
		o.log = l
	}
}

// WithClock overrides the time source used to stamp and age requests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func NewTracker[T any](opts ...Option) *Tracker[T] {
	o := options{log: zap.NewNop().Sugar(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Tracker[T]{
		log:     o.log,
		now:     o.now,
		pending: map[uint64]*request[T]{},
	}
}

// NextID allocates an id without registering it, for messages that expect no reply.
func (t *Tracker[T]) NextID() uint64 {
	return t.nextID.Add(1)
}

// Register allocates the next id and returns it with the channel its result will be delivered on.
func (t *Tracker[T]) Register(description string) (uint64, <-chan Result[T]) {
	req := &request[T]{
		id:          t.NextID(),
		description: description,
		createdAt:   t.now(),
		reply:       make(chan Result[T], 1),
	}
	t.mu.Lock()
	t.pending[req.id] = req
	t.mu.Unlock()
	return req.id, req.reply
}

// Resolve delivers a result to the request with the given id, reporting whether one was pending.
func (t *Tracker[T]) Resolve(id uint64, value T, err error) bool {
	req := t.take(id)
	if req == nil {
		t.log.Debugw("dropping unmatched response", "ID", id)
		return false
	}
	req.reply <- Result[T]{Value: value, Err: err}
	return true
}

// Expire resolves one request with a timeout error. It is a no-op if the request already resolved.
func (t *Tracker[T]) Expire(id uint64, timeout time.Duration) bool {
	req := t.take(id)
	if req == nil {
		return false
	}
	req.reply <- Result[T]{Err: &errs.TimeoutError{Op: req.description, Timeout: timeout}}
	return true
}

// CancelAll resolves every pending request with a cancellation error.
func (t *Tracker[T]) CancelAll(reason string) int {
	t.mu.Lock()
	drained := make([]*request[T], 0, len(t.pending))
	for id, req := range t.pending {
		drained = append(drained, req)
		delete(t.pending, id)
	}
	t.mu.Unlock()

	err := errs.Cancelled(reason)
	for _, req := range drained {
		req.reply <- Result[T]{Err: err}
	}
	if len(drained) > 0 {
		t.log.Debugw("cancelled pending requests", "Count", len(drained), "Reason", reason)
	}
	return len(drained)
}

// ReapStale times out every request strictly older than maxAge and returns their ids in ascending order.
func (t *Tracker[T]) ReapStale(maxAge time.Duration) []uint64 {
	now := t.now()
	t.mu.Lock()
	var stale []*request[T]
	for id, req := range t.pending {
		if now.Sub(req.createdAt) > maxAge {
			stale = append(stale, req)
			delete(t.pending, id)
		}
	}
	t.mu.Unlock()

	ids := make([]uint64, 0, len(stale))
	for _, req := range stale {
		req.reply <- Result[T]{Err: &errs.TimeoutError{Op: req.description, Timeout: maxAge}}
		ids = append(ids, req.id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of unresolved requests.
func (t *Tracker[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Await waits for the reply of a registered request.
// If timeout elapses first the request is expired and a *errs.TimeoutError is returned.
// If ctx is done first the request is dropped from the tracker and ctx.Err() is returned.
func (t *Tracker[T]) Await(ctx context.Context, id uint64, reply <-chan Result[T], timeout time.Duration) (T, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var zero T
	select {
	case res := <-reply:
		return res.Value, res.Err
	case <-timer.C:
	case <-ctx.Done():
		if t.take(id) != nil {
			return zero, ctx.Err()
		}
		// lost the race with a resolver, which has already delivered
		res := <-reply
		return res.Value, res.Err
	}

	if t.Expire(id, timeout) {
		t.log.Debugw("request timed out", "ID", id, "Timeout", timeout)
	}
	res := <-reply
	return res.Value, res.Err
}

// RunReaper periodically reaps requests older than maxAge until ctx is done.
func (t *Tracker[T]) RunReaper(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if ids := t.ReapStale(maxAge); len(ids) > 0 {
			t.log.Warnw("reaped stale requests", "IDs", ids, "MaxAge", maxAge)
		}
	}
}

func (t *Tracker[T]) take(id uint64) *request[T] {
	t.mu.Lock()
	defer t.mu.Unlock()
	req := t.pending[id]
	if req == nil {
		return nil
	}
	delete(t.pending, id)
	return req
}
