package daemon

import (
	"context"
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/guseggert/vmwatch/config"
	"github.com/guseggert/vmwatch/errs"
	"github.com/guseggert/vmwatch/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func helperConfig() config.Daemon {
	cfg := config.DefaultDaemon()
	cfg.Command = os.Args[0]
	cfg.Args = helperArgs()
	cfg.StopTimeout = 2 * time.Second
	cfg.CommandTimeout = 5 * time.Second
	cfg.WatchdogInterval = 200 * time.Millisecond
	return cfg
}

func waitForEvent(t *testing.T, q *events.Queue, kind events.Kind) events.Event {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case e := <-q.C():
			if e.Kind == kind {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func TestSessionLifecycle(t *testing.T) {
	q := events.NewQueue(256)
	log := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel)).Sugar()
	sup := NewSupervisor(helperConfig(), WithSink(q), WithLogger(log), WithEnv(helperEnv("daemon")...))

	sess, err := sup.StartSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sup.Registry().Len())

	started := waitForEvent(t, q, events.SessionStarted)
	assert.Equal(t, sess.ID(), started.SessionID)

	for {
		e := waitForEvent(t, q, events.DaemonEvent)
		assert.Equal(t, sess.ID(), e.SessionID)
		if e.Name == "app.started" {
			break
		}
	}
	require.Eventually(t, func() bool { return sess.AppID() == "app-1" }, 5*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, sess.Reload(ctx, "save"))
	e := waitForEvent(t, q, events.ReloadCompleted)
	assert.Equal(t, "app-1", e.AppID)

	err = sess.Reload(ctx, "broken")
	var pe *errs.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 1, pe.Code)
	assert.Equal(t, "compilation failed", pe.Message)
	e = waitForEvent(t, q, events.ReloadFailed)
	assert.ErrorIs(t, e.Err, errs.ErrProtocol)

	require.NoError(t, sess.Restart(ctx))
	waitForEvent(t, q, events.RestartCompleted)

	sess.Close()
	assert.Equal(t, 0, sup.Registry().Len())
	stopped := waitForEvent(t, q, events.SessionStopped)
	assert.Equal(t, sess.ID(), stopped.SessionID)

	_, err = sess.Send(ctx, GetVersion{})
	assert.ErrorIs(t, err, errs.ErrChannelClosed)
}

func TestSessionReportsExit(t *testing.T) {
	q := events.NewQueue(256)
	sup := NewSupervisor(helperConfig(), WithSink(q), WithEnv(helperEnv("exit3")...))

	sess, err := sup.StartSession(context.Background())
	require.NoError(t, err)

	exited := waitForEvent(t, q, events.ProcessExited)
	assert.Equal(t, 3, exited.ExitCode)
	assert.NoError(t, exited.Err)

	select {
	case <-sess.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("session was not cleaned up")
	}
	assert.Equal(t, 0, sup.Registry().Len())
	assert.ErrorIs(t, sess.Reload(context.Background(), "save"), ErrNoApp)
}

func TestWatchdogDetectsSilentDeath(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	q := events.NewQueue(256)
	cfg := config.DefaultDaemon()
	cfg.Command = "sh"
	// the shell dies immediately, but the backgrounded sleep keeps its stdout open
	cfg.Args = []string{"-c", "sleep 3 & kill -9 $$"}
	cfg.WatchdogInterval = 100 * time.Millisecond
	cfg.StopTimeout = time.Second
	sup := NewSupervisor(cfg, WithSink(q), withExactTimeouts())

	start := time.Now()
	sess, err := sup.StartSession(context.Background())
	require.NoError(t, err)

	exited := waitForEvent(t, q, events.ProcessExited)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, events.UnknownExitCode, exited.ExitCode)
	assert.ErrorIs(t, exited.Err, errs.ErrProcessGone)

	<-sess.Done()
	assert.Equal(t, 0, sup.Registry().Len())
}

func TestSessionEndsWhenSinkCloses(t *testing.T) {
	q := events.NewQueue(256)
	sup := NewSupervisor(helperConfig(), WithSink(q), WithEnv(helperEnv("daemon")...))
	q.Close()

	sess, err := sup.StartSession(context.Background())
	require.NoError(t, err)

	select {
	case <-sess.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("session did not end after its sink closed")
	}
	assert.Equal(t, 0, sup.Registry().Len())
}

func TestRegistryCloseAll(t *testing.T) {
	q := events.NewQueue(256)
	sup := NewSupervisor(helperConfig(), WithSink(q), WithEnv(helperEnv("daemon")...))

	a, err := sup.StartSession(context.Background())
	require.NoError(t, err)
	b, err := sup.StartSession(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())

	got, ok := sup.Registry().Get(a.ID())
	require.True(t, ok)
	assert.Same(t, a, got)
	assert.Len(t, sup.Registry().List(), 2)

	sup.Registry().CloseAll()
	assert.Equal(t, 0, sup.Registry().Len())
	_, ok = sup.Registry().Get(a.ID())
	assert.False(t, ok)
}

func TestSupervisorEnforcesTimeoutMinimums(t *testing.T) {
	cfg := helperConfig()
	cfg.CommandTimeout = time.Second
	cfg.WatchdogInterval = 10 * time.Millisecond
	cfg.ReapInterval = 0
	sup := NewSupervisor(cfg, WithEnv(helperEnv("daemon")...))
	assert.Equal(t, config.MinCommandTimeout, sup.cfg.CommandTimeout)
	assert.Equal(t, config.MinWatchdogInterval, sup.cfg.WatchdogInterval)

	sess, err := sup.StartSession(context.Background())
	require.NoError(t, err)
	t.Cleanup(sess.Close)

	// getDevices is never answered, so the wait runs to the enforced minimum
	start := time.Now()
	_, err = sess.Send(context.Background(), GetDevices{})
	var te *errs.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, config.MinCommandTimeout, te.Timeout)
	assert.GreaterOrEqual(t, time.Since(start), config.MinCommandTimeout)
}
