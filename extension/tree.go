package extension

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/guseggert/vmwatch/errs"
	"github.com/guseggert/vmwatch/events"
	"go.uber.org/multierr"
)

const (
	methodIsWidgetTreeReady  = "ext.flutter.inspector.isWidgetTreeReady"
	methodDisposeGroup       = "ext.flutter.inspector.disposeGroup"
	methodGetRootWidgetTree  = "ext.flutter.inspector.getRootWidgetTree"
	methodGetRootSummaryTree = "ext.flutter.inspector.getRootWidgetSummaryTreeWithPreviews"
	methodGetDetailsSubtree  = "ext.flutter.inspector.getDetailsSubtree"
)

// ObjectGroup is a named set of inspector references held by the debuggee.
type ObjectGroup struct {
	Name     string
	Disposed bool
}

type group struct {
	// sem admits one fetch cycle at a time
	sem      chan struct{}
	disposed bool
	known    bool
}

func (f *Facade) group(name string) *group {
	f.groupsMu.Lock()
	defer f.groupsMu.Unlock()
	g, ok := f.groups[name]
	if !ok {
		g = &group{sem: make(chan struct{}, 1)}
		f.groups[name] = g
	}
	return g
}

func (g *group) acquire(ctx context.Context) error {
	select {
	case g.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *group) release() { <-g.sem }

// ObjectGroups returns the groups this facade has created, ordered by name.
func (f *Facade) ObjectGroups() []ObjectGroup {
	f.groupsMu.Lock()
	defer f.groupsMu.Unlock()
	var groups []ObjectGroup
	for name, g := range f.groups {
		if g.known {
			groups = append(groups, ObjectGroup{Name: name, Disposed: g.disposed})
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
	return groups
}

func (f *Facade) markLive(name string) {
	f.groupsMu.Lock()
	defer f.groupsMu.Unlock()
	g := f.groups[name]
	g.known = true
	g.disposed = false
}

// needsDispose reports whether the debuggee may still hold references in the group.
// A group this facade has not used yet may have been left behind by an earlier run.
func (f *Facade) needsDispose(name string) bool {
	f.groupsMu.Lock()
	defer f.groupsMu.Unlock()
	g := f.groups[name]
	return !g.known || !g.disposed
}

func (f *Facade) disposeRemote(ctx context.Context, name string) error {
	_, err := f.CallExtension(ctx, methodDisposeGroup, map[string]string{"objectGroup": name})
	if err != nil {
		return fmt.Errorf("disposing object group %q: %w", name, err)
	}
	f.groupsMu.Lock()
	g := f.groups[name]
	g.known = true
	g.disposed = true
	f.groupsMu.Unlock()
	return nil
}

// DisposeGroup releases the debuggee's references in the group. Disposing a group twice, or one never fetched, is a no-op.
func (f *Facade) DisposeGroup(ctx context.Context, name string) error {
	g := f.group(name)
	if err := g.acquire(ctx); err != nil {
		return err
	}
	defer g.release()

	f.groupsMu.Lock()
	live := g.known && !g.disposed
	f.groupsMu.Unlock()
	if !live {
		return nil
	}
	return f.disposeRemote(ctx, name)
}

// DisposeAll disposes every live group, returning the combined errors.
func (f *Facade) DisposeAll(ctx context.Context) error {
	var err error
	for _, g := range f.ObjectGroups() {
		if g.Disposed {
			continue
		}
		err = multierr.Append(err, f.DisposeGroup(ctx, g.Name))
	}
	return err
}

// FetchTree fetches the widget summary tree into the named object group, disposing the group's
// previous contents first. At most one fetch per group runs at a time, and the whole cycle is
// bounded by the configured fetch timeout.
func (f *Facade) FetchTree(ctx context.Context, groupName string) (json.RawMessage, error) {
	g := f.group(groupName)
	if err := g.acquire(ctx); err != nil {
		return nil, err
	}
	defer g.release()

	fetchCtx, cancel := context.WithTimeout(ctx, f.cfg.FetchTimeout)
	defer cancel()

	tree, err := f.fetchTree(fetchCtx, groupName)
	if err != nil {
		if ctx.Err() == nil && errors.Is(fetchCtx.Err(), context.DeadlineExceeded) {
			err = &errs.TimeoutError{Op: "fetch widget tree", Timeout: f.cfg.FetchTimeout}
			f.publish(events.Event{Kind: events.TreeFetchTimedOut, Name: groupName, Err: err, Message: err.Error()})
			return nil, err
		}
		f.publish(events.Event{Kind: events.TreeFetchFailed, Name: groupName, Err: err, Message: err.Error()})
		return nil, err
	}
	f.publish(events.Event{Kind: events.TreeFetched, Name: groupName, Data: tree})
	return tree, nil
}

func (f *Facade) fetchTree(ctx context.Context, groupName string) (json.RawMessage, error) {
	if _, err := f.IsolateID(ctx); err != nil {
		return nil, err
	}
	if !f.waitReady(ctx) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f.log.Warnw("widget tree not ready, fetching anyway", "Group", groupName, "Attempts", f.cfg.ReadyAttempts)
	}

	if f.needsDispose(groupName) {
		if err := f.disposeRemote(ctx, groupName); err != nil {
			f.log.Warnw("dispose before fetch failed", "Group", groupName, "Error", err)
		}
	}

	f.markLive(groupName)
	method := methodGetRootWidgetTree
	raw, err := f.CallExtension(ctx, method, map[string]string{
		"groupName":     groupName,
		"isSummaryTree": "true",
		"withPreviews":  "true",
	})
	if errors.Is(err, errs.ErrExtensionUnavailable) {
		f.log.Debugw("falling back to the older tree API", "Error", err)
		method = methodGetRootSummaryTree
		raw, err = f.CallExtension(ctx, method, map[string]string{"groupName": groupName})
	}
	if err != nil {
		return nil, err
	}
	return unwrapResult(method, raw)
}

// waitReady polls until the widget tree reports ready. A poll that times out or fails counts as not ready.
func (f *Facade) waitReady(ctx context.Context) bool {
	for attempt := 1; attempt <= f.cfg.ReadyAttempts; attempt++ {
		ready, err := f.pollReady(ctx)
		switch {
		case errors.Is(err, errs.ErrExtensionUnavailable):
			// older debuggees have no readiness extension
			return true
		case err != nil:
			f.log.Debugw("ready poll failed", "Attempt", attempt, "Error", err)
		case ready:
			return true
		}
		if attempt == f.cfg.ReadyAttempts {
			break
		}
		timer := time.NewTimer(f.cfg.ReadyInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
	return false
}

func (f *Facade) pollReady(ctx context.Context) (bool, error) {
	raw, err := f.callExtension(ctx, methodIsWidgetTreeReady, nil, f.cfg.ReadyTimeout)
	if err != nil {
		return false, err
	}
	var resp struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return false, errs.Malformed(methodIsWidgetTreeReady, "decoding response: %s", err)
	}
	switch string(resp.Result) {
	case "true", `"true"`:
		return true, nil
	default:
		return false, nil
	}
}

// FetchDetailsSubtree fetches the details subtree of a node previously returned into the named group.
func (f *Facade) FetchDetailsSubtree(ctx context.Context, groupName, nodeID string, depth int) (json.RawMessage, error) {
	g := f.group(groupName)
	if err := g.acquire(ctx); err != nil {
		return nil, err
	}
	defer g.release()

	f.markLive(groupName)
	raw, err := f.CallExtension(ctx, methodGetDetailsSubtree, map[string]string{
		"objectGroup":  groupName,
		"arg":          nodeID,
		"subtreeDepth": strconv.Itoa(depth),
	})
	if err != nil {
		return nil, err
	}
	return unwrapResult(methodGetDetailsSubtree, raw)
}

// unwrapResult returns the "result" member inspector extensions wrap their payload in.
func unwrapResult(method string, raw json.RawMessage) (json.RawMessage, error) {
	var resp struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, errs.Malformed(method, "decoding response: %s", err)
	}
	if len(resp.Result) == 0 || string(resp.Result) == "null" {
		return nil, errs.Malformed(method, "response has no result")
	}
	return resp.Result, nil
}

// Close disposes every live group.
func (f *Facade) Close(ctx context.Context) error {
	return f.DisposeAll(ctx)
}
