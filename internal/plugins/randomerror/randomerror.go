// Package randomerror implements the random-error injector (design doc
// Section 4.12/spec.md Section 6): on a configurable fraction of requests
// it synthesizes one of the configured allowed-error statuses instead of
// letting the request reach upstream, using the Microsoft Graph error
// envelope for graph.microsoft.com destinations and a generic
// configstore.GenericErrorResponse shape otherwise.
package randomerror

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nivlark/devproxy/internal/configstore"
	"github.com/nivlark/devproxy/internal/events"
	"github.com/nivlark/devproxy/internal/pluginhost"
	"github.com/nivlark/devproxy/internal/session"
	"github.com/nivlark/devproxy/internal/sharedstate"
	"github.com/nivlark/devproxy/internal/throttle"
	"github.com/nivlark/devproxy/internal/watch"
)

// Name is the plugin's registered name.
const Name = "random-error"

// Config is this plugin's configSection shape.
type Config struct {
	FailureRate   int   `yaml:"failureRate"` // 0..100
	AllowedErrors []int `yaml:"allowedErrors"`
}

// Plugin is the random-error injector.
type Plugin struct {
	cfg         Config
	urlsToWatch *watch.Matcher
	coordinator *throttle.Coordinator
	errorsDoc   *configstore.Loader[configstore.ErrorsDocument]
	registry    *sharedstate.Registry

	mu             sync.Mutex
	injectedByCode map[int]int
}

// New builds the plugin. errorsDoc is the hot-reloaded errors.json loader
// (design doc Section 4.8); it may be nil, in which case a minimal built-in
// body is synthesized for every status. registry, when non-nil, receives a
// per-status injection-count report under this plugin's Name key in
// sharedstate.Registry's ReportsBag (design doc Section 3: "written by
// plugins during a recording window"), read back at AfterRecordingStop.
func New(desc pluginhost.Descriptor, cfg Config, coordinator *throttle.Coordinator, errorsDoc *configstore.Loader[configstore.ErrorsDocument], registry *sharedstate.Registry) (*Plugin, error) {
	matcher, err := watch.NewMatcher(desc.URLsToWatch)
	if err != nil {
		return nil, fmt.Errorf("randomerror: compiling urlsToWatch: %w", err)
	}
	if cfg.FailureRate < 0 || cfg.FailureRate > 100 {
		return nil, fmt.Errorf("randomerror: failureRate %d out of range", cfg.FailureRate)
	}
	if len(cfg.AllowedErrors) == 0 {
		cfg.AllowedErrors = []int{429, 500, 502, 503, 504}
	}

	return &Plugin{
		cfg:            cfg,
		urlsToWatch:    matcher,
		coordinator:    coordinator,
		errorsDoc:      errorsDoc,
		registry:       registry,
		injectedByCode: make(map[int]int),
	}, nil
}

// recordInjection increments this status's counter and, when a registry is
// bound, publishes a snapshot into the shared ReportsBag.
func (p *Plugin) recordInjection(status int) {
	p.mu.Lock()
	p.injectedByCode[status]++
	snapshot := make(map[string]int, len(p.injectedByCode))
	for k, v := range p.injectedByCode {
		snapshot[fmt.Sprintf("%d", k)] = v
	}
	p.mu.Unlock()

	if p.registry != nil {
		p.registry.Reports().Set(Name, snapshot)
	}
}

// Register subscribes the injector to BeforeRequest.
func (p *Plugin) Register(bus *events.Bus) {
	bus.Subscribe(events.BeforeRequest, Name, p.handleBeforeRequest)
}

func (p *Plugin) handleBeforeRequest(ctx context.Context, rawArgs any) error {
	args, ok := rawArgs.(*events.ProxyRequestArgs)
	if !ok {
		return fmt.Errorf("randomerror: unexpected args type %T", rawArgs)
	}
	sess := args.Session
	if !pluginhost.ShouldExecute(sess, p.urlsToWatch) {
		return nil
	}

	// draw in [0,100); fire iff draw < failureRate.
	if rand.N(100) >= p.cfg.FailureRate {
		return nil
	}

	// Resolved Open Question: inclusive of the last element via IntN(len),
	// not len-1, since IntN's upper bound is already exclusive.
	status := p.cfg.AllowedErrors[rand.IntN(len(p.cfg.AllowedErrors))]
	p.recordInjection(status)

	if status == http.StatusTooManyRequests {
		p.coordinator.Add(throttle.NewThrottler(sess.Request.URL, time.Now().Add(5*time.Second), func(req *session.Request, key string) sharedstate.ThrottlingInfo {
			if req == nil || req.URL != key {
				return sharedstate.ThrottlingInfo{}
			}
			return sharedstate.ThrottlingInfo{ThrottleForSeconds: 5, RetryAfterHeaderName: "Retry-After"}
		}))
	}

	if isGraphHost(sess.Request.URL) {
		p.writeGraphError(sess, status)
		return nil
	}
	p.writeGenericError(sess, status)
	return nil
}

func isGraphHost(rawURL string) bool {
	return strings.Contains(rawURL, "graph.microsoft.com")
}

func (p *Plugin) writeGraphError(sess *session.Session, status int) {
	requestID := uuid.NewString()
	now := time.Now()

	body := fmt.Sprintf(
		`{"error":{"code":%q,"message":%q,"innerError":{"request-id":%q,"date":%q}}}`,
		spacedStatusText(status), http.StatusText(status), requestID, now.Format(time.RFC1123),
	)

	h := http.Header{}
	h.Set("request-id", requestID)
	h.Set("client-request-id", requestID)
	h.Set("x-ms-ags-diagnostic", "")
	h.Set("Date", now.Format(http.TimeFormat))
	h.Set("Cache-Control", "no-store")
	h.Set("Strict-Transport-Security", "max-age=31536000")
	if origin := sess.Request.Headers.Get("Origin"); origin != "" {
		h.Set("Access-Control-Allow-Origin", origin)
	}
	h.Set("Content-Type", "application/json")

	sess.GenericResponse([]byte(body), status, h)
}

func (p *Plugin) writeGenericError(sess *session.Session, status int) {
	if doc := p.errorsDoc; doc != nil {
		for _, e := range doc.Get().Errors {
			if e.StatusCode != status {
				continue
			}
			h := http.Header{}
			for _, hp := range e.Headers {
				h.Add(hp.Name, hp.Value)
			}
			sess.GenericResponse(bodyBytes(e.Body), status, h)
			return
		}
	}

	h := http.Header{"Content-Type": []string{"application/json"}}
	body := fmt.Sprintf(`{"error":%q}`, http.StatusText(status))
	sess.GenericResponse([]byte(body), status, h)
}

func bodyBytes(b configstore.Body) []byte {
	switch b.Kind {
	case configstore.BodyString:
		return []byte(b.String)
	case configstore.BodyJSON:
		return []byte(b.JSON)
	default:
		return nil
	}
}

// spacedStatusText returns the status text in Graph's "Too Many
// Requests"-style spaced form, inserting a space wherever a lowercase letter
// is followed by an uppercase one. Stdlib text is already spaced and passes
// through unchanged.
func spacedStatusText(status int) string {
	text := http.StatusText(status)
	var b strings.Builder
	var prev rune
	for _, r := range text {
		if r >= 'A' && r <= 'Z' && prev >= 'a' && prev <= 'z' {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
		prev = r
	}
	return b.String()
}

// Factory adapts New to pluginhost.Factory.
func Factory(cfg Config, coordinator *throttle.Coordinator, errorsDoc *configstore.Loader[configstore.ErrorsDocument], registry *sharedstate.Registry) pluginhost.Factory {
	return func(desc pluginhost.Descriptor) (pluginhost.Plugin, error) {
		return New(desc, cfg, coordinator, errorsDoc, registry)
	}
}
