// Package reqlog implements the structured per-request logger (design doc
// Section 4.9): messages for a given request are buffered until a
// FinishedProcessingRequest record arrives for that request, at which point
// the whole buffer is flushed, in insertion order, as one boxed block.
package reqlog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nivlark/devproxy/internal/events"
)

// MessageType classifies a RequestLog entry (design doc Section 3).
type MessageType int

const (
	InterceptedRequest MessageType = iota
	InterceptedResponse
	PassedThrough
	Chaos
	Warning
	Mocked
	Failed
	Tip
	Skipped
	FinishedProcessingRequest
)

func (t MessageType) String() string {
	switch t {
	case InterceptedRequest:
		return "request"
	case InterceptedResponse:
		return "response"
	case PassedThrough:
		return "passed-through"
	case Chaos:
		return "chaos"
	case Warning:
		return "warning"
	case Mocked:
		return "mocked"
	case Failed:
		return "failed"
	case Tip:
		return "tip"
	case Skipped:
		return "skipped"
	case FinishedProcessingRequest:
		return "done"
	default:
		return "unknown"
	}
}

// RequestLog is a single log record (design doc Section 3).
type RequestLog struct {
	MessageLines []string
	MessageType  MessageType
	SessionID    uint64
	PluginName   string
	Method       string
	URL          string
}

// Logger buffers per-request messages and flushes them as a single boxed
// block when the terminal record for that request arrives.
//
// Thread-safety: Log is called concurrently from every session's goroutine;
// the mutex guards the shared buffer map only, not the sink write, which is
// done outside the lock so a slow sink can't stall other sessions' Log
// calls.
type Logger struct {
	mu           sync.Mutex
	buffers      map[uint64][]RequestLog
	sink         *slog.Logger
	showSkipMsgs bool
	bus          *events.Bus
}

// Option configures a Logger at construction.
type Option func(*Logger)

// WithShowSkipMessages controls whether Skipped records are emitted.
func WithShowSkipMessages(show bool) Option {
	return func(l *Logger) { l.showSkipMsgs = show }
}

// WithBus fires events.AfterRequestLog on bus for every record as it is
// flushed (including the terminal record) — internal/logstream subscribes
// to this to tap the stream for a live WebSocket feed.
func WithBus(bus *events.Bus) Option {
	return func(l *Logger) { l.bus = bus }
}

// New creates a Logger writing flushed records to sink.
func New(sink *slog.Logger, opts ...Option) *Logger {
	if sink == nil {
		sink = slog.Default()
	}
	l := &Logger{buffers: make(map[uint64][]RequestLog), sink: sink}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Log records rl. Non-terminal records are buffered under rl.SessionID;
// a FinishedProcessingRequest record flushes and deletes that buffer.
// Skipped records are dropped entirely unless showSkipMsgs is set.
func (l *Logger) Log(rl RequestLog) {
	if rl.MessageType == Skipped && !l.showSkipMsgs {
		return
	}

	if rl.MessageType != FinishedProcessingRequest {
		l.mu.Lock()
		l.buffers[rl.SessionID] = append(l.buffers[rl.SessionID], rl)
		l.mu.Unlock()
		return
	}

	l.mu.Lock()
	buffered := l.buffers[rl.SessionID]
	delete(l.buffers, rl.SessionID)
	l.mu.Unlock()

	all := append(buffered, rl)
	l.flush(rl.SessionID, all)
}

// flush writes every record for a session as one grouped, box-drawn block.
func (l *Logger) flush(sessionID uint64, records []RequestLog) {
	if len(records) == 0 {
		return
	}

	var b strings.Builder
	label := fmt.Sprintf("request #%d", sessionID)
	fmt.Fprintf(&b, "┌─ %s\n", label)
	for i, r := range records {
		prefix := "│"
		if i == len(records)-1 {
			prefix = "└"
		}
		tag := r.MessageType.String()
		if r.PluginName != "" {
			tag = r.PluginName + ":" + tag
		}
		if len(r.MessageLines) == 0 {
			fmt.Fprintf(&b, "%s [%s]\n", prefix, tag)
		}
		for j, line := range r.MessageLines {
			glyph := prefix
			if i != len(records)-1 && j > 0 {
				glyph = "│"
			}
			fmt.Fprintf(&b, "%s [%s] %s\n", glyph, tag, line)
		}
	}

	l.sink.Info(strings.TrimRight(b.String(), "\n"))

	if l.bus != nil {
		for _, r := range records {
			l.bus.Dispatch(context.Background(), events.AfterRequestLog, &events.RequestLogArgs{Log: r})
		}
	}
}

// ScopedLogger carries a fixed SessionID so plugins don't have to repeat it
// on every call. It is threaded through a session the same way
// context.Value carries a logical scope — created once per session, not
// via goroutine-local or async-local state (design doc Section 9).
type ScopedLogger struct {
	sessionID uint64
	logger    *Logger
}

// WithSession returns a ScopedLogger bound to sessionID.
func (l *Logger) WithSession(sessionID uint64) *ScopedLogger {
	return &ScopedLogger{sessionID: sessionID, logger: l}
}

// Log records rl with SessionID pre-filled from the scope.
func (s *ScopedLogger) Log(messageType MessageType, pluginName string, lines ...string) {
	s.logger.Log(RequestLog{
		SessionID:    s.sessionID,
		MessageType:  messageType,
		PluginName:   pluginName,
		MessageLines: lines,
	})
}

// Finish emits the terminal FinishedProcessingRequest record, flushing the
// whole buffer for this session.
func (s *ScopedLogger) Finish(method, url string) {
	s.logger.Log(RequestLog{
		SessionID:   s.sessionID,
		MessageType: FinishedProcessingRequest,
		Method:      method,
		URL:         url,
	})
}
