package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/guseggert/vmwatch/errs"
	"github.com/guseggert/vmwatch/pending"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type pipeDaemon struct {
	sender  CommandSender
	tracker *pending.Tracker[Response]
	out     *outbound
	lines   *bufio.Reader
}

func newPipeDaemon(t *testing.T) *pipeDaemon {
	pr, pw := io.Pipe()
	tracker := pending.NewTracker[Response]()
	out := newOutbound()
	go out.writeLoop(pw, tracker, zap.NewNop().Sugar())
	t.Cleanup(func() {
		out.close()
		pr.Close()
	})
	return &pipeDaemon{
		sender:  CommandSender{tracker: tracker, out: out},
		tracker: tracker,
		out:     out,
		lines:   bufio.NewReader(pr),
	}
}

// next reads the next command written by the sender.
func (d *pipeDaemon) next(t *testing.T) wireCommand {
	line, err := d.lines.ReadBytes('\n')
	require.NoError(t, err)
	var cmds []wireCommand
	require.NoError(t, json.Unmarshal(line, &cmds))
	require.Len(t, cmds, 1)
	return cmds[0]
}

func (d *pipeDaemon) respond(id uint64, result string) {
	handleLine(d.tracker, []byte(fmt.Sprintf(`[{"id":%d,"result":%s}]`, id, result)))
}

type sendResult struct {
	result json.RawMessage
	err    error
}

func sendAsync(ctx context.Context, s CommandSender, cmd Command, timeout time.Duration) <-chan sendResult {
	ch := make(chan sendResult, 1)
	go func() {
		res, err := s.Send(ctx, cmd, timeout)
		ch <- sendResult{result: res, err: err}
	}()
	return ch
}

func TestSendOutOfOrderResponses(t *testing.T) {
	ctx := context.Background()
	d := newPipeDaemon(t)

	first := sendAsync(ctx, d.sender, Reload{AppID: "app"}, 5*time.Second)
	cmd1 := d.next(t)
	second := sendAsync(ctx, d.sender, Restart{AppID: "app"}, 5*time.Second)
	cmd2 := d.next(t)

	assert.Equal(t, uint64(1), cmd1.ID)
	assert.Equal(t, uint64(2), cmd2.ID)
	assert.Equal(t, false, cmd1.Params["fullRestart"])
	assert.Equal(t, true, cmd2.Params["fullRestart"])

	d.respond(2, `{"code":0,"message":"restarted"}`)
	d.respond(1, `{"code":0,"message":"reloaded"}`)

	r2 := <-second
	require.NoError(t, r2.err)
	assert.JSONEq(t, `{"code":0,"message":"restarted"}`, string(r2.result))

	r1 := <-first
	require.NoError(t, r1.err)
	assert.JSONEq(t, `{"code":0,"message":"reloaded"}`, string(r1.result))

	assert.Equal(t, 0, d.sender.Pending())
}

func TestSendTimeout(t *testing.T) {
	d := newPipeDaemon(t)

	res := sendAsync(context.Background(), d.sender, Reload{AppID: "app"}, 50*time.Millisecond)
	cmd := d.next(t)

	r := <-res
	require.Error(t, r.err)
	assert.ErrorIs(t, r.err, errs.ErrTimeout)
	var te *errs.TimeoutError
	require.True(t, errors.As(r.err, &te))
	assert.Equal(t, "reload (app.restart)", te.Op)
	assert.Equal(t, 50*time.Millisecond, te.Timeout)
	assert.Equal(t, 0, d.sender.Pending())

	// a late response is dropped
	d.respond(cmd.ID, `{"code":0}`)
	assert.Equal(t, 0, d.sender.Pending())
}

func TestSendOnClosedChannel(t *testing.T) {
	d := newPipeDaemon(t)
	d.out.close()

	_, err := d.sender.Send(context.Background(), GetVersion{}, time.Second)
	assert.ErrorIs(t, err, errs.ErrChannelClosed)
	assert.Equal(t, 0, d.sender.Pending())
	// nothing was registered, so no id was consumed
	assert.Equal(t, uint64(1), d.tracker.NextID())

	assert.ErrorIs(t, d.sender.SendFireAndForget(GetVersion{}), errs.ErrChannelClosed)

	_, err = CommandSender{}.Send(context.Background(), GetVersion{}, time.Second)
	assert.ErrorIs(t, err, errs.ErrChannelClosed)
}

func TestSendCancelledByTeardown(t *testing.T) {
	d := newPipeDaemon(t)

	res := sendAsync(context.Background(), d.sender, GetDevices{}, time.Minute)
	d.next(t)
	assert.Equal(t, 1, d.tracker.CancelAll("daemon exited"))

	r := <-res
	assert.ErrorIs(t, r.err, errs.ErrChannelClosed)
	assert.ErrorIs(t, r.err, errs.ErrCancelled)
}

func TestSendContextCancelled(t *testing.T) {
	d := newPipeDaemon(t)
	ctx, cancel := context.WithCancel(context.Background())

	res := sendAsync(ctx, d.sender, GetDevices{}, time.Minute)
	d.next(t)
	cancel()

	r := <-res
	assert.ErrorIs(t, r.err, context.Canceled)
	assert.Equal(t, 0, d.sender.Pending())
}

func TestSendErrorResponse(t *testing.T) {
	d := newPipeDaemon(t)

	res := sendAsync(context.Background(), d.sender, Stop{AppID: "gone"}, 5*time.Second)
	cmd := d.next(t)
	handleLine(d.tracker, []byte(fmt.Sprintf(`[{"id":%d,"error":"app 'gone' not found"}]`, cmd.ID)))

	r := <-res
	assert.ErrorIs(t, r.err, errs.ErrProtocol)
	var pe *errs.ProtocolError
	require.True(t, errors.As(r.err, &pe))
	assert.Equal(t, "app.stop", pe.Method)
	assert.Equal(t, "app 'gone' not found", pe.Message)
}

func TestSendFireAndForget(t *testing.T) {
	d := newPipeDaemon(t)

	require.NoError(t, d.sender.SendFireAndForget(EnableDevicePolling{}))
	cmd := d.next(t)
	assert.Equal(t, uint64(1), cmd.ID)
	assert.Equal(t, "device.enable", cmd.Method)
	assert.Equal(t, 0, d.sender.Pending())
}

func TestWriteFailureCancelsPending(t *testing.T) {
	pr, pw := io.Pipe()
	tracker := pending.NewTracker[Response]()
	out := newOutbound()
	sender := CommandSender{tracker: tracker, out: out}
	require.NoError(t, pr.Close())

	go out.writeLoop(pw, tracker, zap.NewNop().Sugar())

	_, err := sender.Send(context.Background(), GetVersion{}, 5*time.Second)
	assert.ErrorIs(t, err, errs.ErrChannelClosed)

	<-out.closed
	_, err = sender.Send(context.Background(), GetVersion{}, 5*time.Second)
	assert.ErrorIs(t, err, errs.ErrChannelClosed)
}
