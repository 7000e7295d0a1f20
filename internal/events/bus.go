// Package events implements the typed async event bus described in design
// doc Section 4.7/9: an explicit Subscribe/Dispatch pair replacing the
// source's in-language delegate multicast, with tagged payload structs
// instead of an inheritance hierarchy.
package events

import (
	"context"
	"log/slog"
)

// Event identifies one of the seven dispatch points in the plugin
// lifecycle (design doc Section 4.7).
type Event int

const (
	Init Event = iota
	OptionsLoaded
	BeforeRequest
	BeforeResponse
	AfterResponse
	AfterRequestLog
	AfterRecordingStop
)

func (e Event) String() string {
	switch e {
	case Init:
		return "Init"
	case OptionsLoaded:
		return "OptionsLoaded"
	case BeforeRequest:
		return "BeforeRequest"
	case BeforeResponse:
		return "BeforeResponse"
	case AfterResponse:
		return "AfterResponse"
	case AfterRequestLog:
		return "AfterRequestLog"
	case AfterRecordingStop:
		return "AfterRecordingStop"
	default:
		return "Unknown"
	}
}

// Handler processes one event firing. It may return an error; the bus
// catches it, logs it, and moves on to the next subscriber (design doc
// Section 7: "plugin handlers must not throw through the event bus").
type Handler func(ctx context.Context, args any) error

type namedHandler struct {
	name string
	fn   Handler
}

// Bus dispatches events to subscribers in subscription order, awaiting each
// handler before moving to the next (design doc Section 4.7: "handlers may
// suspend... but are awaited in declaration order before moving to the next
// handler"). Dispatch is single-threaded per session/call; concurrent
// Dispatch calls for different sessions run in parallel, each with its own
// ordered walk over subs.
type Bus struct {
	subs   map[Event][]namedHandler
	logger *slog.Logger
}

// New creates a Bus that logs handler failures to logger.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{subs: make(map[Event][]namedHandler), logger: logger}
}

// Subscribe registers h under name to run whenever e is dispatched. Plugins
// subscribe in Register(); dispatch order for a given event is subscription
// order, which is declaration order in the plugin-host's config (design doc
// Section 4.6).
func (b *Bus) Subscribe(e Event, name string, h Handler) {
	b.subs[e] = append(b.subs[e], namedHandler{name: name, fn: h})
}

// Dispatch runs every subscriber of e in order, awaiting each one. A
// subscriber that returns an error is logged and does not stop the
// remaining subscribers from running.
func (b *Bus) Dispatch(ctx context.Context, e Event, args any) {
	for _, nh := range b.subs[e] {
		if err := nh.fn(ctx, args); err != nil {
			b.logger.Error("plugin handler failed",
				"plugin", nh.name, "event", e.String(), "error", err)
		}
	}
}

// SubscriberCount reports how many handlers are registered for e, mostly
// useful in tests asserting registration order/count.
func (b *Bus) SubscriberCount(e Event) int { return len(b.subs[e]) }
