// Package extension calls Flutter service extensions through a VM request handle and manages
// the lifecycle of the inspector object groups those calls create.
package extension

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/guseggert/vmwatch/config"
	"github.com/guseggert/vmwatch/errs"
	"github.com/guseggert/vmwatch/events"
	"github.com/guseggert/vmwatch/vm"
	"go.uber.org/zap"
)

// Caller issues VM service requests. vm.RequestHandle satisfies it.
type Caller interface {
	Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
}

type Facade struct {
	log    *zap.SugaredLogger
	caller Caller
	cfg    config.Extension
	sink   events.Sink

	isolateMu sync.Mutex
	isolateID string

	groupsMu sync.Mutex
	groups   map[string]*group

	exactTimeouts bool
}

type Option func(f *Facade)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(f *Facade) {
		f.log = l
	}
}

func WithSink(sink events.Sink) Option {
	return func(f *Facade) {
		f.sink = sink
	}
}

// withExactTimeouts skips the timeout minimums so tests can run with short timeouts.
func withExactTimeouts() Option {
	return func(f *Facade) {
		f.exactTimeouts = true
	}
}

// New builds a facade over caller. Call and fetch timeouts in cfg below their minimums are raised.
func New(caller Caller, cfg config.Extension, opts ...Option) *Facade {
	f := &Facade{
		log:    zap.NewNop().Sugar(),
		caller: caller,
		cfg:    cfg,
		sink:   events.Discard,
		groups: map[string]*group{},
	}
	for _, opt := range opts {
		opt(f)
	}
	if !f.exactTimeouts {
		f.cfg = f.cfg.Normalize()
	}
	return f
}

func (f *Facade) publish(e events.Event) {
	if err := f.sink.Publish(e); err != nil {
		f.log.Debugw("error publishing event", "Kind", e.Kind, "Error", err)
	}
}

// IsolateID returns the id of the main isolate, asking the VM only when nothing is cached.
func (f *Facade) IsolateID(ctx context.Context) (string, error) {
	f.isolateMu.Lock()
	id := f.isolateID
	f.isolateMu.Unlock()
	if id != "" {
		return id, nil
	}

	raw, err := f.caller.Call(ctx, "getVM", nil, f.cfg.CallTimeout)
	if err != nil {
		return "", fmt.Errorf("resolving isolate: %w", err)
	}
	var resp struct {
		Isolates []struct {
			ID       string `json:"id"`
			IsSystem bool   `json:"isSystemIsolate"`
		} `json:"isolates"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", errs.Malformed("getVM", "decoding response: %s", err)
	}
	for _, iso := range resp.Isolates {
		if !iso.IsSystem && iso.ID != "" {
			id = iso.ID
			break
		}
	}
	if id == "" {
		return "", errs.Malformed("getVM", "no isolates")
	}

	f.isolateMu.Lock()
	f.isolateID = id
	f.isolateMu.Unlock()
	return id, nil
}

// InvalidateIsolate drops the cached isolate id.
func (f *Facade) InvalidateIsolate() {
	f.isolateMu.Lock()
	defer f.isolateMu.Unlock()
	f.isolateID = ""
}

// Observe invalidates the isolate cache on reconnects and isolate exits. It is meant for vm.WithObserver.
func (f *Facade) Observe(e vm.Event) {
	if e.InvalidatesIsolate() {
		f.log.Debug("invalidating cached isolate")
		f.InvalidateIsolate()
	}
}

// CallExtension calls a service extension on the main isolate. Every argument is sent as a string.
// Errors meaning the extension is absent are returned as *errs.ExtensionUnavailableError.
func (f *Facade) CallExtension(ctx context.Context, method string, args map[string]string) (json.RawMessage, error) {
	return f.callExtension(ctx, method, args, f.cfg.CallTimeout)
}

func (f *Facade) callExtension(ctx context.Context, method string, args map[string]string, timeout time.Duration) (json.RawMessage, error) {
	isolate, err := f.IsolateID(ctx)
	if err != nil {
		return nil, err
	}
	params := make(map[string]string, len(args)+1)
	for k, v := range args {
		params[k] = v
	}
	params["isolateId"] = isolate

	raw, err := f.caller.Call(ctx, method, params, timeout)
	if err != nil {
		return nil, Classify(method, err)
	}
	return raw, nil
}

type boolResponse struct {
	Enabled json.RawMessage `json:"enabled"`
}

// parseBool accepts only the strings "true" and "false".
func parseBool(method string, raw json.RawMessage) (bool, error) {
	var resp boolResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return false, errs.Malformed(method, "decoding response: %s", err)
	}
	var s string
	if err := json.Unmarshal(resp.Enabled, &s); err != nil {
		return false, errs.Malformed(method, "enabled must be a string, got %s", string(resp.Enabled))
	}
	switch s {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, errs.Malformed(method, "enabled must be \"true\" or \"false\", got %q", s)
	}
}

// GetBool reads a boolean extension such as ext.flutter.debugPaint.
func (f *Facade) GetBool(ctx context.Context, method string) (bool, error) {
	raw, err := f.CallExtension(ctx, method, nil)
	if err != nil {
		return false, err
	}
	return parseBool(method, raw)
}

// SetBool sets a boolean extension and returns the value it reports afterwards.
func (f *Facade) SetBool(ctx context.Context, method string, enabled bool) (bool, error) {
	raw, err := f.CallExtension(ctx, method, map[string]string{"enabled": fmt.Sprint(enabled)})
	if err != nil {
		return false, err
	}
	return parseBool(method, raw)
}

// Toggle flips a boolean extension and returns the new value.
func (f *Facade) Toggle(ctx context.Context, method string) (bool, error) {
	cur, err := f.GetBool(ctx, method)
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", method, err)
	}
	next, err := f.SetBool(ctx, method, !cur)
	if err != nil {
		return false, fmt.Errorf("setting %s: %w", method, err)
	}
	return next, nil
}

// Dump calls a data-dump extension such as ext.flutter.debugDumpApp and returns its text.
func (f *Facade) Dump(ctx context.Context, method string, args map[string]string) (string, error) {
	data, err := f.dump(ctx, method, args)
	if err != nil {
		f.publish(events.Event{Kind: events.DataFetchFailed, Name: method, Err: err, Message: err.Error()})
		return "", err
	}
	f.publish(events.Event{Kind: events.DataFetched, Name: method, Message: data})
	return data, nil
}

func (f *Facade) dump(ctx context.Context, method string, args map[string]string) (string, error) {
	raw, err := f.CallExtension(ctx, method, args)
	if err != nil {
		return "", err
	}
	var resp struct {
		Data *string `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", errs.Malformed(method, "decoding response: %s", err)
	}
	if resp.Data == nil {
		return "", errs.Malformed(method, "response has no string data field")
	}
	return *resp.Data, nil
}
