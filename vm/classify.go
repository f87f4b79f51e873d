package vm

import (
	"encoding/json"

	"github.com/guseggert/vmwatch/events"
)

type rule struct {
	name    string
	matches func(StreamEvent) bool
	build   func(StreamEvent) events.Event
}

// rules are evaluated in order and the first match wins.
var rules = []rule{
	{
		name:    "fatal error",
		matches: func(e StreamEvent) bool { return e.Kind == "Extension" && e.ExtensionKind == "Flutter.Error" },
		build: func(e StreamEvent) events.Event {
			return events.Event{Kind: events.VMError, Name: e.ExtensionKind, Message: errorSummary(e.ExtensionData), Data: e.ExtensionData}
		},
	},
	{
		name:    "frame timing",
		matches: func(e StreamEvent) bool { return e.Kind == "Extension" && e.ExtensionKind == "Flutter.Frame" },
		build: func(e StreamEvent) events.Event {
			return events.Event{Kind: events.VMFrame, Name: e.ExtensionKind, Data: e.ExtensionData}
		},
	},
	{
		name:    "gc",
		matches: func(e StreamEvent) bool { return e.StreamID == "GC" || e.Kind == "GC" },
		build: func(e StreamEvent) events.Event {
			return events.Event{Kind: events.VMGC, Name: e.Kind, Data: e.Raw}
		},
	},
	{
		name:    "log",
		matches: func(e StreamEvent) bool { return e.StreamID == "Logging" || e.Kind == "Logging" },
		build: func(e StreamEvent) events.Event {
			return events.Event{Kind: events.VMLog, Name: e.Kind, Message: logMessage(e.Raw), Data: e.Raw}
		},
	},
}

// Classify maps a stream notification to a domain event. It reports false for notifications that are ignored.
func Classify(e StreamEvent) (events.Event, bool) {
	for _, r := range rules {
		if r.matches(e) {
			return r.build(e), true
		}
	}
	return events.Event{}, false
}

func errorSummary(data json.RawMessage) string {
	var d struct {
		Description       string `json:"description"`
		RenderedErrorText string `json:"renderedErrorText"`
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return ""
	}
	if d.Description != "" {
		return d.Description
	}
	return d.RenderedErrorText
}

func logMessage(raw json.RawMessage) string {
	var ev struct {
		LogRecord struct {
			Message struct {
				ValueAsString string `json:"valueAsString"`
			} `json:"message"`
		} `json:"logRecord"`
	}
	if err := json.Unmarshal(raw, &ev); err != nil {
		return ""
	}
	return ev.LogRecord.Message.ValueAsString
}
