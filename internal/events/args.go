package events

import "github.com/nivlark/devproxy/internal/session"

// ProxyRequestArgs is the BeforeRequest payload (design doc Section 4.7).
type ProxyRequestArgs struct {
	Session *session.Session
}

// ProxyResponseArgs is the BeforeResponse/AfterResponse payload.
type ProxyResponseArgs struct {
	Session *session.Session
}

// RequestLogArgs is the AfterRequestLog payload — fired once per buffered
// log entry flush. Log is `any` here (an internal/reqlog.RequestLog in
// practice) to avoid an import cycle between events and reqlog, which both
// need to reference the other's types (reqlog emits via AfterRequestLog;
// events payload needs reqlog's type). Subscribers type-assert.
type RequestLogArgs struct {
	Log any
}

// RecordingArgs is the AfterRecordingStop payload.
type RecordingArgs struct {
	RequestLogs []any
	GlobalData  map[string]any

	// Reports is the sharedstate.Registry ReportsBag snapshot taken at the
	// moment the recording window closed (design doc Section 3: "written by
	// plugins during a recording window; read by reporter plugins at
	// AfterRecordingStop").
	Reports map[string]any
}
