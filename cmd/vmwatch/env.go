package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"

	"github.com/guseggert/vmwatch/config"
	"github.com/guseggert/vmwatch/daemon"
	"github.com/guseggert/vmwatch/events"
	"github.com/guseggert/vmwatch/extension"
	"github.com/guseggert/vmwatch/internal/files"
	"github.com/guseggert/vmwatch/vm"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type action int

const (
	actionNone action = iota
	actionReload
	actionRestart
	actionFetchTree
)

// env is what every subcommand runs with.
type env struct {
	log *zap.SugaredLogger
	cfg config.Config
}

func newEnv(c *cli.Context) (*env, error) {
	log, err := newLogger(c.String("log-level"), c.Bool("dev"))
	if err != nil {
		return nil, err
	}
	cfg, err := configFromFlags(c)
	if err != nil {
		return nil, err
	}
	return &env{log: log, cfg: cfg}, nil
}

func (e *env) logEvent(ev events.Event) {
	fields := []any{"Kind", ev.Kind}
	if ev.SessionID != "" {
		fields = append(fields, "SessionID", ev.SessionID)
	}
	if ev.Name != "" {
		fields = append(fields, "Name", ev.Name)
	}
	if ev.Message != "" {
		fields = append(fields, "Message", ev.Message)
	}
	switch ev.Kind {
	case events.ProcessExited:
		fields = append(fields, "ExitCode", ev.ExitCode)
	case events.VMReconnecting:
		fields = append(fields, "Attempt", ev.Attempt, "MaxAttempts", ev.MaxAttempts)
	}
	if ev.Err != nil {
		e.log.Warnw("event", append(fields, "Error", ev.Err)...)
		return
	}
	e.log.Infow("event", fields...)
}

type debugPort struct {
	AppID string `json:"appId"`
	WSURI string `json:"wsUri"`
}

// run supervises `flutter run --machine` in the project and attaches to the VM once the daemon reports its URI.
func (e *env) run(ctx context.Context, project, device, treeGroup string) error {
	pubspec, err := files.FindUp("pubspec.yaml", project)
	if err != nil {
		return fmt.Errorf("finding project root: %w", err)
	}
	e.cfg.Daemon.Dir = filepath.Dir(pubspec)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	queue := events.NewQueue(256)
	sup := daemon.NewSupervisor(e.cfg.Daemon, daemon.WithLogger(e.log.Named("daemon")), daemon.WithSink(queue))

	args := []string{"run", "--machine"}
	if device != "" {
		args = append(args, "-d", device)
	}
	// the session outlives ctx so that it can be stopped gracefully below
	sess, err := sup.StartSession(context.Background(), args...)
	if err != nil {
		return fmt.Errorf("starting session: %w", err)
	}

	vmCtx, cancelVM := context.WithCancel(context.Background())
	defer cancelVM()
	var g errgroup.Group
	var facade atomic.Pointer[extension.Facade]
	vmStarted := false

	controls := make(chan os.Signal, 1)
	if sigs := controlSignals(); len(sigs) > 0 {
		signal.Notify(controls, sigs...)
		defer signal.Stop(controls)
	}

	stopping := ctx.Done()
loop:
	for {
		select {
		case ev := <-queue.C():
			e.logEvent(ev)
			if ev.Kind == events.DaemonEvent && ev.Name == "app.debugPort" && !vmStarted {
				var p debugPort
				if err := json.Unmarshal(ev.Data, &p); err != nil || p.WSURI == "" {
					e.log.Warnw("unusable app.debugPort event", "Params", string(ev.Data))
					continue
				}
				vmStarted = true
				client := e.newClient(p.WSURI, queue, &facade)
				g.Go(func() error { return client.Run(vmCtx) })
			}
		case sig := <-controls:
			a := signalAction(sig)
			g.Go(func() error {
				e.perform(ctx, a, sess, &facade, treeGroup)
				return nil
			})
		case <-stopping:
			e.log.Info("shutting down")
			stopping = nil
			// the VM goes away with the app, so its object groups are released first
			e.disposeGroups(&facade)
			go sess.Close()
		case <-sess.Done():
			break loop
		}
	}

	cancelVM()
	waited := make(chan error, 1)
	go func() { waited <- g.Wait() }()
	for {
		select {
		case ev := <-queue.C():
			e.logEvent(ev)
		case err := <-waited:
			queue.Close()
			if err != nil && !errors.Is(err, context.Canceled) {
				e.log.Warnw("VM client stopped", "Error", err)
			}
			return nil
		}
	}
}

func (e *env) newClient(uri string, sink events.Sink, facade *atomic.Pointer[extension.Facade]) *vm.Client {
	return vm.NewClient(uri, e.cfg.VM,
		vm.WithLogger(e.log.Named("vm")),
		vm.WithSink(sink),
		vm.WithHandleFunc(func(h vm.RequestHandle) {
			facade.Store(extension.New(h, e.cfg.Extension, extension.WithLogger(e.log.Named("extension")), extension.WithSink(sink)))
		}),
		vm.WithObserver(func(ev vm.Event) {
			if f := facade.Load(); f != nil {
				f.Observe(ev)
			}
		}),
	)
}

func (e *env) perform(ctx context.Context, a action, sess *daemon.Session, facade *atomic.Pointer[extension.Facade], treeGroup string) {
	switch a {
	case actionReload:
		if err := sess.Reload(ctx, "manual"); err != nil {
			e.log.Warnw("reload failed", "Error", err)
		}
	case actionRestart:
		if err := sess.Restart(ctx); err != nil {
			e.log.Warnw("restart failed", "Error", err)
		}
	case actionFetchTree:
		f := facade.Load()
		if f == nil {
			e.log.Warn("not connected to the VM yet")
			return
		}
		tree, err := f.FetchTree(ctx, treeGroup)
		if err != nil {
			e.log.Warnw("fetching widget tree failed", "Error", err)
			return
		}
		e.log.Infow("fetched widget tree", "Group", treeGroup, "Bytes", len(tree))
	}
}

// attach watches a VM that is already running.
func (e *env) attach(ctx context.Context, uri string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var facade atomic.Pointer[extension.Facade]
	client := e.newClient(uri, events.SinkFunc(func(ev events.Event) error {
		e.logEvent(ev)
		return nil
	}), &facade)

	// the client outlives ctx so that object groups can be disposed over its connection
	clientCtx, cancelClient := context.WithCancel(context.Background())
	defer cancelClient()
	result := make(chan error, 1)
	go func() { result <- client.Run(clientCtx) }()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
	}
	e.disposeGroups(&facade)
	cancelClient()
	return <-result
}

// disposeGroups releases every object group the facade still holds in the debuggee.
func (e *env) disposeGroups(facade *atomic.Pointer[extension.Facade]) {
	f := facade.Load()
	if f == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Extension.CallTimeout)
	defer cancel()
	if err := f.Close(ctx); err != nil {
		e.log.Warnw("disposing object groups", "Error", err)
	}
}

// withFacade dials the VM, runs fn against an extension facade and disconnects.
func (e *env) withFacade(ctx context.Context, uri string, fn func(f *extension.Facade) error) error {
	dialCtx, cancel := context.WithTimeout(ctx, e.cfg.VM.ConnectTimeout)
	conn, err := vm.Dial(dialCtx, uri, e.cfg.VM, vm.WithConnLogger(e.log.Named("conn")))
	cancel()
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", uri, err)
	}
	defer conn.Close()
	f := extension.New(conn.Handle(e.cfg.VM.RequestTimeout), e.cfg.Extension, extension.WithLogger(e.log.Named("extension")))
	return fn(f)
}

func (e *env) toggle(ctx context.Context, uri, method string) error {
	return e.withFacade(ctx, uri, func(f *extension.Facade) error {
		enabled, err := f.Toggle(ctx, method)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %t\n", method, enabled)
		return nil
	})
}

func (e *env) dump(ctx context.Context, uri, method string) error {
	return e.withFacade(ctx, uri, func(f *extension.Facade) error {
		data, err := f.Dump(ctx, method, nil)
		if err != nil {
			return err
		}
		fmt.Println(data)
		return nil
	})
}

func (e *env) tree(ctx context.Context, uri, group string) error {
	return e.withFacade(ctx, uri, func(f *extension.Facade) error {
		defer func() {
			if derr := f.DisposeGroup(ctx, group); derr != nil {
				e.log.Warnw("disposing object group", "Group", group, "Error", derr)
			}
		}()
		tree, err := f.FetchTree(ctx, group)
		if err != nil {
			return err
		}
		fmt.Println(string(tree))
		return nil
	})
}
