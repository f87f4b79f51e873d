package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/guseggert/vmwatch/pending"
	"go.uber.org/zap"
)

const eventQueueSize = 256

type StartProcRequest struct {
	Command string
	Args    []string
	// Env entries are appended to the current environment.
	Env []string
	WD  string
}

// Process is a running daemon subprocess bound to a command channel on its stdin
// and an event stream read from its stdout and stderr.
type Process struct {
	log         *zap.SugaredLogger
	stopTimeout time.Duration

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	tracker *pending.Tracker[Response]
	out     *outbound

	events  chan Event
	closing chan struct{}
	// waitDone is closed once the OS has reported the process exited. exitCode is valid after that.
	waitDone chan struct{}
	exitCode int
	// done is closed after the exit event has been emitted and the event channel closed.
	done chan struct{}

	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

type ProcessOption func(p *processOptions)

type processOptions struct {
	log          *zap.SugaredLogger
	stopTimeout  time.Duration
	reapInterval time.Duration
	reapMaxAge   time.Duration
}

func WithProcessLogger(l *zap.SugaredLogger) ProcessOption {
	return func(o *processOptions) {
		o.log = l
	}
}

// WithStopTimeout sets how long Close waits after interrupting the process before killing it.
func WithStopTimeout(d time.Duration) ProcessOption {
	return func(o *processOptions) {
		o.stopTimeout = d
	}
}

// WithReaper periodically times out commands that have been pending longer than maxAge.
func WithReaper(interval, maxAge time.Duration) ProcessOption {
	return func(o *processOptions) {
		o.reapInterval = interval
		o.reapMaxAge = maxAge
	}
}

// StartProcess starts the subprocess and the goroutines that service its pipes.
func StartProcess(req StartProcRequest, opts ...ProcessOption) (*Process, error) {
	o := processOptions{
		log:         zap.NewNop().Sugar(),
		stopTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}

	cmd := exec.Command(req.Command, req.Args...)
	if len(req.Env) > 0 {
		cmd.Env = append(os.Environ(), req.Env...)
	}
	cmd.Dir = req.WD

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", req.Command, err)
	}

	log := o.log.With("PID", cmd.Process.Pid)
	ctx, cancel := context.WithCancel(context.Background())
	p := &Process{
		log:         log,
		stopTimeout: o.stopTimeout,
		cmd:         cmd,
		stdin:       stdin,
		stdout:      stdout,
		stderr:      stderr,
		tracker:     pending.NewTracker[Response](pending.WithLogger(log.Named("pending"))),
		out:         newOutbound(),
		events:      make(chan Event, eventQueueSize),
		closing:     make(chan struct{}),
		waitDone:    make(chan struct{}),
		exitCode:    -1,
		done:        make(chan struct{}),
		cancel:      cancel,
	}

	// os.Process.Wait rather than cmd.Wait, which would close stdout/stderr before the readers drain them
	go func() {
		state, err := cmd.Process.Wait()
		if err != nil {
			log.Debugf("error waiting on process: %s", err)
		} else {
			p.exitCode = state.ExitCode()
		}
		close(p.waitDone)
	}()

	go p.out.writeLoop(stdin, p.tracker, log.Named("stdin"))

	if o.reapInterval > 0 {
		go p.tracker.RunReaper(ctx, o.reapInterval, o.reapMaxAge)
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go p.readLines(&readers, stdout, false)
	go p.readLines(&readers, stderr, true)

	go func() {
		readers.Wait()
		<-p.waitDone
		log.Debugw("process exited", "ExitCode", p.exitCode)
		p.emit(Event{Kind: EventExit, ExitCode: p.exitCode})
		p.out.close()
		p.tracker.CancelAll("daemon process exited")
		cancel()
		close(p.events)
		close(p.done)
	}()

	return p, nil
}

func (p *Process) readLines(wg *sync.WaitGroup, r io.Reader, stderr bool) {
	defer wg.Done()
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			if stderr {
				p.emit(Event{Kind: EventOutput, Raw: string(trimNewline(line)), Stderr: true})
			} else if ev := handleLine(p.tracker, line); ev != nil {
				p.emit(*ev)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				p.log.Debugf("error reading output: %s", err)
			}
			return
		}
	}
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

// emit delivers an event unless the process is being closed, in which case it is dropped.
func (p *Process) emit(e Event) {
	select {
	case p.events <- e:
	case <-p.closing:
	}
}

// Events returns the subprocess's events. The channel is closed after the exit event.
func (p *Process) Events() <-chan Event { return p.events }

// Done is closed once the process has exited and its event channel has been closed.
func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) Sender() CommandSender {
	return CommandSender{tracker: p.tracker, out: p.out}
}

func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Alive reports whether the OS still considers the process running.
// It does not depend on the output streams, so it detects a dead process whose stdout is held open by a descendant.
func (p *Process) Alive() bool {
	select {
	case <-p.waitDone:
		return false
	default:
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return p.cmd.Process.Signal(syscall.Signal(0)) == nil
}

// Close interrupts the process, kills it if it has not exited within the stop timeout,
// releases its pipes and cancels every pending command.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		close(p.closing)
		p.out.close()

		select {
		case <-p.waitDone:
		default:
			if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
				p.log.Debugf("error interrupting process: %s", err)
			}
			timer := time.NewTimer(p.stopTimeout)
			select {
			case <-p.waitDone:
			case <-timer.C:
				p.log.Debugw("process did not exit after interrupt, killing", "StopTimeout", p.stopTimeout)
				if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
					p.closeErr = fmt.Errorf("killing process: %w", err)
				}
				<-p.waitDone
			}
			timer.Stop()
		}

		p.stdin.Close()
		p.stdout.Close()
		p.stderr.Close()
		p.tracker.CancelAll("daemon process closed")
		p.cancel()
		<-p.done
	})
	return p.closeErr
}
