package vm

import (
	"testing"

	"github.com/guseggert/vmwatch/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name       string
		event      StreamEvent
		expOK      bool
		expKind    events.Kind
		expMessage string
	}{
		{
			name: "fatal error",
			event: StreamEvent{StreamID: "Extension", Kind: "Extension", ExtensionKind: "Flutter.Error",
				ExtensionData: []byte(`{"description":"RenderFlex overflowed"}`)},
			expOK:      true,
			expKind:    events.VMError,
			expMessage: "RenderFlex overflowed",
		},
		{
			name:    "frame",
			event:   StreamEvent{StreamID: "Extension", Kind: "Extension", ExtensionKind: "Flutter.Frame", ExtensionData: []byte(`{"number":12}`)},
			expOK:   true,
			expKind: events.VMFrame,
		},
		{
			name:    "gc",
			event:   StreamEvent{StreamID: "GC", Kind: "GC", Raw: []byte(`{"kind":"GC"}`)},
			expOK:   true,
			expKind: events.VMGC,
		},
		{
			name: "log",
			event: StreamEvent{StreamID: "Logging", Kind: "Logging",
				Raw: []byte(`{"kind":"Logging","logRecord":{"message":{"valueAsString":"hello"}}}`)},
			expOK:      true,
			expKind:    events.VMLog,
			expMessage: "hello",
		},
		{
			name:  "other extension event",
			event: StreamEvent{StreamID: "Extension", Kind: "Extension", ExtensionKind: "Flutter.Navigation"},
		},
		{
			name:  "isolate event",
			event: StreamEvent{StreamID: "Isolate", Kind: "IsolateExit", IsolateID: "isolates/1"},
		},
		{
			name: "first match wins",
			event: StreamEvent{StreamID: "Logging", Kind: "Extension", ExtensionKind: "Flutter.Error",
				ExtensionData: []byte(`{"renderedErrorText":"boom"}`)},
			expOK:      true,
			expKind:    events.VMError,
			expMessage: "boom",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			e, ok := Classify(c.event)
			require.Equal(t, c.expOK, ok)
			if !ok {
				return
			}
			assert.Equal(t, c.expKind, e.Kind)
			assert.Equal(t, c.expMessage, e.Message)
		})
	}
}

func TestParseStreamNotify(t *testing.T) {
	ev, err := parseStreamNotify([]byte(`{"streamId":"Extension","event":{"type":"Event","kind":"Extension","isolate":{"id":"isolates/7"},"extensionKind":"Flutter.Frame","extensionData":{"elapsed":1}}}`))
	require.NoError(t, err)
	assert.Equal(t, "Extension", ev.StreamID)
	assert.Equal(t, "Extension", ev.Kind)
	assert.Equal(t, "isolates/7", ev.IsolateID)
	assert.Equal(t, "Flutter.Frame", ev.ExtensionKind)
	assert.JSONEq(t, `{"elapsed":1}`, string(ev.ExtensionData))

	_, err = parseStreamNotify([]byte(`{"streamId":1}`))
	assert.Error(t, err)
}

func TestInvalidatesIsolate(t *testing.T) {
	assert.True(t, Event{Kind: EventReconnected}.InvalidatesIsolate())
	assert.True(t, Event{Kind: EventStream, Stream: StreamEvent{Kind: "IsolateExit"}}.InvalidatesIsolate())
	assert.False(t, Event{Kind: EventStream, Stream: StreamEvent{Kind: "GC"}}.InvalidatesIsolate())
	assert.False(t, Event{Kind: EventReconnecting}.InvalidatesIsolate())
}

func TestHeartbeatCounter(t *testing.T) {
	hb := heartbeat{max: 3}
	assert.False(t, hb.failure())
	assert.False(t, hb.failure())
	hb.reset()
	assert.False(t, hb.failure())
	assert.False(t, hb.failure())
	assert.True(t, hb.failure())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "reconnecting", Reconnecting.String())
	assert.Equal(t, "permanently disconnected", PermanentlyDisconnected.String())
	assert.Equal(t, "unknown", State(42).String())
}
