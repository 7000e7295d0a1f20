// Package sharedstate implements the process-wide registry that plugins
// consult and mutate across requests (design doc Section 4.5): the
// throttler list, a per-plugin global-data map, the reports bag, and a
// recording-window flag. It is built once in main and injected by
// pointer into every plugin constructor, the same way the teacher's
// internal/proxy.Options/internal/dashboard.Options thread a single
// *engine.Engine/*audit.AuditLog through the process.
package sharedstate

import (
	"net/http"
	"sync"
	"time"
)

// ThrottlingInfo is the result of consulting a throttler for one request
// (design doc Section 3). ThrottleForSeconds > 0 means "produce a
// synthetic throttled response now".
type ThrottlingInfo struct {
	ThrottleForSeconds   int
	RetryAfterHeaderName string

	// Custom, when true, means the coordinator should write
	// CustomStatusCode/CustomHeaders/CustomBody verbatim instead of its own
	// generic throttled body (design doc Section 4.11 path (b): "return the
	// user-configured custom response"). CustomStatusCode of 0 falls back to
	// the coordinator's configured default status.
	Custom           bool
	CustomStatusCode int
	CustomHeaders    http.Header
	CustomBody       []byte
}

// ThrottleCheck compares a request against a throttler's key and decides
// whether to throttle it. The request parameter is typed any to avoid an
// import cycle with internal/session; callers pass *session.Request and
// type-assert inside the closure.
type ThrottleCheck func(req any, key string) ThrottlingInfo

// Throttler is the shared record coordinating 429 behavior for one
// throttling key (design doc Section 3). It remains in the registry's list
// until ResetTime < now at the start of a new request, at which point it is
// reaped opportunistically.
type Throttler struct {
	Key            string
	ShouldThrottle ThrottleCheck
	ResetTime      time.Time
}

// PluginData is a per-plugin locked scratch map. Cross-session mutation of
// a slot requires taking this lock — mutation inside one session's own
// event-dispatch critical section does not (design doc Section 4.5/5).
type PluginData struct {
	mu   sync.RWMutex
	data map[string]any
}

// Get reads a key under the read lock.
func (p *PluginData) Get(key string) (any, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.data[key]
	return v, ok
}

// Set writes a key under the write lock.
func (p *PluginData) Set(key string, value any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data[key] = value
}

// Mutate runs fn with the write lock held, for read-modify-write updates
// (e.g. odataguidance adding a link to its issued-nextLink set) that would otherwise
// race between Get and Set.
func (p *PluginData) Mutate(fn func(data map[string]any)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p.data)
}

// ReportsBag maps a plugin key to an arbitrary report object, written by
// plugins during a recording window and read by reporter plugins at
// AfterRecordingStop (design doc Section 3).
type ReportsBag struct {
	mu   sync.Mutex
	data map[string]any
}

// Set stores a report under key.
func (b *ReportsBag) Set(key string, report any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = report
}

// Snapshot returns a shallow copy of all reports, safe to hand to an
// AfterRecordingStop subscriber without further locking.
func (b *ReportsBag) Snapshot() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]any, len(b.data))
	for k, v := range b.data {
		out[k] = v
	}
	return out
}

// Registry is the process-wide singleton described in design doc Section 4.5.
// Registry only tracks whether a recording window is currently open; no
// request logs are buffered for a recording, here or in internal/reqlog.
type Registry struct {
	mu         sync.Mutex
	throttlers []*Throttler
	globalData map[string]*PluginData
	reports    *ReportsBag
	recording  bool
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		globalData: make(map[string]*PluginData),
		reports:    &ReportsBag{data: make(map[string]any)},
	}
}

// AddThrottler appends a throttler to the shared list. Any plugin may call
// this (design doc Section 3: "ownership: shared by the list in C5; any
// plugin may append").
func (r *Registry) AddThrottler(t *Throttler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.throttlers = append(r.throttlers, t)
}

// ReapAndList removes expired throttlers (ResetTime before now) and returns
// the remaining ones, in the order the Retry-After enforcer should consult
// them. Reaping and listing are combined into one locked step so a
// throttler can never be observed between "expired" and "removed".
func (r *Registry) ReapAndList(now time.Time) []*Throttler {
	r.mu.Lock()
	defer r.mu.Unlock()
	live := r.throttlers[:0]
	for _, t := range r.throttlers {
		if t.ResetTime.Before(now) {
			continue
		}
		live = append(live, t)
	}
	r.throttlers = live
	out := make([]*Throttler, len(live))
	copy(out, live)
	return out
}

// GlobalData returns the locked scratch map for the given plugin name,
// creating it on first use.
func (r *Registry) GlobalData(pluginName string) *PluginData {
	r.mu.Lock()
	defer r.mu.Unlock()
	pd, ok := r.globalData[pluginName]
	if !ok {
		pd = &PluginData{data: make(map[string]any)}
		r.globalData[pluginName] = pd
	}
	return pd
}

// Reports returns the shared reports bag.
func (r *Registry) Reports() *ReportsBag { return r.reports }

// SetRecording opens or closes the recording window. Turning it off does
// not clear the reports bag, which the AfterRecordingStop dispatch reads.
func (r *Registry) SetRecording(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recording = on
}

// Recording reports whether a recording window is currently open.
func (r *Registry) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}
