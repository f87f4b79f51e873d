package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/vmwatch/config"
	"github.com/guseggert/vmwatch/errs"
	"github.com/guseggert/vmwatch/events"
	"go.uber.org/zap"
)

// ErrNoApp is returned by app commands issued before the daemon reported an app id.
var ErrNoApp = errors.New("no app started")

// Supervisor spawns daemon sessions.
type Supervisor struct {
	log      *zap.SugaredLogger
	cfg      config.Daemon
	sink     events.Sink
	registry *Registry
	env      []string

	exactTimeouts bool
}

type Option func(s *Supervisor)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Supervisor) {
		s.log = l
	}
}

// WithSink sets where session events are published. The default discards them.
func WithSink(sink events.Sink) Option {
	return func(s *Supervisor) {
		s.sink = sink
	}
}

func WithRegistry(r *Registry) Option {
	return func(s *Supervisor) {
		s.registry = r
	}
}

// withExactTimeouts skips the timeout minimums so tests can run with short timeouts.
func withExactTimeouts() Option {
	return func(s *Supervisor) {
		s.exactTimeouts = true
	}
}

// WithEnv adds environment entries to every spawned subprocess.
func WithEnv(env ...string) Option {
	return func(s *Supervisor) {
		s.env = append(s.env, env...)
	}
}

func NewSupervisor(cfg config.Daemon, opts ...Option) *Supervisor {
	s := &Supervisor{
		log:      zap.NewNop().Sugar(),
		cfg:      cfg,
		sink:     events.Discard,
		registry: NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if !s.exactTimeouts {
		s.cfg = s.cfg.Normalize()
	}
	if s.cfg.WatchdogInterval <= 0 {
		s.cfg.WatchdogInterval = config.DefaultDaemon().WatchdogInterval
	}
	return s
}

func (s *Supervisor) Registry() *Registry { return s.registry }

// StartSession spawns the daemon with the configured arguments followed by args,
// and supervises it until it exits or ctx is cancelled.
func (s *Supervisor) StartSession(ctx context.Context, args ...string) (*Session, error) {
	id := uuid.NewString()
	log := s.log.Named("session").With("SessionID", id)

	procArgs := append(append([]string{}, s.cfg.Args...), args...)
	proc, err := StartProcess(
		StartProcRequest{Command: s.cfg.Command, Args: procArgs, Env: s.env, WD: s.cfg.Dir},
		WithProcessLogger(log.Named("process")),
		WithStopTimeout(s.cfg.StopTimeout),
		WithReaper(s.cfg.ReapInterval, 2*s.cfg.CommandTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("starting daemon session: %w", err)
	}

	// the cancel func exists before the goroutine does, so Close can never race the loop's startup
	ctx, cancel := context.WithCancel(ctx)
	sess := &Session{
		id:       id,
		log:      log,
		cfg:      s.cfg,
		proc:     proc,
		sender:   proc.Sender(),
		sink:     s.sink,
		registry: s.registry,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	s.registry.Add(sess)
	sess.publish(events.Event{Kind: events.SessionStarted, Message: fmt.Sprintf("pid %d", proc.Pid())})
	log.Debugw("session started", "PID", proc.Pid(), "Args", procArgs)

	go sess.run(ctx)
	return sess, nil
}

// Session is one supervised daemon subprocess.
type Session struct {
	id       string
	log      *zap.SugaredLogger
	cfg      config.Daemon
	proc     *Process
	sender   CommandSender
	sink     events.Sink
	registry *Registry

	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	appID string
}

func (s *Session) ID() string { return s.id }

// AppID returns the app id reported by the daemon, or "" if none has been reported yet.
func (s *Session) AppID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appID
}

func (s *Session) setAppID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appID = id
}

func (s *Session) Sender() CommandSender { return s.sender }

// Done is closed once the session has been cleaned up and removed from the registry.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close requests shutdown and waits for cleanup to finish.
func (s *Session) Close() {
	s.cancel()
	<-s.done
}

// Send issues cmd with the configured command timeout.
func (s *Session) Send(ctx context.Context, cmd Command) (json.RawMessage, error) {
	return s.sender.Send(ctx, cmd, s.cfg.CommandTimeout)
}

// Reload hot-reloads the running app.
func (s *Session) Reload(ctx context.Context, reason string) error {
	appID := s.AppID()
	if appID == "" {
		return ErrNoApp
	}
	err := s.restart(ctx, Reload{AppID: appID, Reason: reason})
	if err != nil {
		s.publish(events.Event{Kind: events.ReloadFailed, AppID: appID, Err: err, Message: err.Error()})
		return err
	}
	s.publish(events.Event{Kind: events.ReloadCompleted, AppID: appID})
	return nil
}

// Restart hot-restarts the running app.
func (s *Session) Restart(ctx context.Context) error {
	appID := s.AppID()
	if appID == "" {
		return ErrNoApp
	}
	err := s.restart(ctx, Restart{AppID: appID, Reason: "manual"})
	if err != nil {
		s.publish(events.Event{Kind: events.RestartFailed, AppID: appID, Err: err, Message: err.Error()})
		return err
	}
	s.publish(events.Event{Kind: events.RestartCompleted, AppID: appID})
	return nil
}

type restartResult struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Session) restart(ctx context.Context, cmd Command) error {
	result, err := s.Send(ctx, cmd)
	if err != nil {
		return err
	}
	var res restartResult
	if len(result) == 0 || json.Unmarshal(result, &res) != nil {
		// not every daemon version reports a result object
		return nil
	}
	if res.Code != 0 {
		return &errs.ProtocolError{Method: cmd.Method(), Code: res.Code, Message: res.Message}
	}
	return nil
}

func (s *Session) publish(e events.Event) error {
	e.SessionID = s.id
	if e.AppID == "" {
		e.AppID = s.AppID()
	}
	err := s.sink.Publish(e)
	if err != nil {
		s.log.Debugw("error publishing event", "Kind", e.Kind, "Error", err)
	}
	return err
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	watchdog := time.NewTicker(s.cfg.WatchdogInterval)
	exited := s.forward(ctx, watchdog.C)
	watchdog.Stop()

	s.cleanup(exited)
}

// forward pumps subprocess events to the sink until the process exits, the sink closes, or ctx is done.
// It reports whether the process is known to have exited.
func (s *Session) forward(ctx context.Context, watchdog <-chan time.Time) bool {
	procEvents := s.proc.Events()
	for {
		// subprocess events first, then shutdown, then the watchdog
		select {
		case ev, ok := <-procEvents:
			if stop, exited := s.handle(ev, ok); stop {
				return exited
			}
			continue
		default:
		}
		select {
		case <-ctx.Done():
			s.log.Debug("shutdown requested")
			return false
		default:
		}

		select {
		case ev, ok := <-procEvents:
			if stop, exited := s.handle(ev, ok); stop {
				return exited
			}
		case <-ctx.Done():
			s.log.Debug("shutdown requested")
			return false
		case <-watchdog:
			if !s.proc.Alive() {
				s.log.Warnw("daemon process is gone without closing its output")
				s.publish(events.Event{
					Kind:     events.ProcessExited,
					ExitCode: events.UnknownExitCode,
					Err:      errs.ErrProcessGone,
					Message:  errs.ErrProcessGone.Error(),
				})
				return true
			}
		}
	}
}

func (s *Session) handle(ev Event, ok bool) (stop bool, exited bool) {
	if !ok {
		return true, true
	}
	switch ev.Kind {
	case EventExit:
		s.publish(events.Event{Kind: events.ProcessExited, ExitCode: ev.ExitCode})
		return true, true
	case EventDaemon:
		if ev.Name == "app.start" || ev.Name == "app.started" {
			var params struct {
				AppID string `json:"appId"`
			}
			if err := json.Unmarshal(ev.Params, &params); err == nil && params.AppID != "" {
				s.setAppID(params.AppID)
			}
		}
		err := s.publish(events.Event{Kind: events.DaemonEvent, Name: ev.Name, Data: ev.Params, Message: ev.Raw})
		return err != nil, false
	default:
		name := "stdout"
		if ev.Stderr {
			name = "stderr"
		}
		err := s.publish(events.Event{Kind: events.DaemonLog, Name: name, Message: ev.Raw})
		return err != nil, false
	}
}

func (s *Session) cleanup(exited bool) {
	// keep the readers unblocked so the stop response can be read
	go func() {
		for range s.proc.Events() {
		}
	}()

	if !exited {
		var cmd Command = Shutdown{}
		if appID := s.AppID(); appID != "" {
			cmd = Stop{AppID: appID}
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopTimeout)
		if _, err := s.sender.Send(ctx, cmd, s.cfg.StopTimeout); err != nil {
			s.log.Warnw("graceful stop failed", "Command", cmd.Description(), "Error", err)
		}
		cancel()
	}

	if err := s.proc.Close(); err != nil {
		s.log.Warnw("error closing daemon process", "Error", err)
	}
	s.registry.Remove(s.id)
	s.publish(events.Event{Kind: events.SessionStopped})
	s.log.Debug("session cleaned up")
}
