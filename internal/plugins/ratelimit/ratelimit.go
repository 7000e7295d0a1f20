// Package ratelimit implements the rate-limit warning-header plugin
// (design doc Section 4.11): it tracks a fixed-window request budget in the
// plugin's own mutex-guarded state, decrementing it by costPerRequest and
// refilling it once the window expires. A request whose cost exceeds what
// is left of the budget is handed off to a registered throttle.Coordinator,
// which synthesizes either the enforcer's generic 429 or, when a
// rate-limit-response.json document is configured, the user's custom
// response (honoring an "@dynamic" Retry-After sentinel resolved to
// seconds-until-windowResetTime).
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nivlark/devproxy/internal/configstore"
	"github.com/nivlark/devproxy/internal/events"
	"github.com/nivlark/devproxy/internal/pluginhost"
	"github.com/nivlark/devproxy/internal/session"
	"github.com/nivlark/devproxy/internal/sharedstate"
	"github.com/nivlark/devproxy/internal/throttle"
	"github.com/nivlark/devproxy/internal/watch"
)

// Name is the plugin's registered name, the key of the throttler it adds to
// the coordinator, and the key its report is published under in
// sharedstate.Registry.Reports().
const Name = "rate-limit"

// dynamicRetryAfter is the sentinel Retry-After-style header value meaning
// "seconds until windowResetTime" (design doc Section 4.11).
const dynamicRetryAfter = "@dynamic"

// Config is this plugin's configSection shape.
type Config struct {
	WindowSeconds    int     `yaml:"windowSeconds"`
	Limit            int     `yaml:"limit"`
	WarningThreshold float64 `yaml:"warningThreshold"` // fraction of Limit used before warning headers appear, e.g. 0.2
	RetryAfterHeader string  `yaml:"retryAfterHeaderName"`
	CostPerRequest   int     `yaml:"costPerRequest"`
}

// state is the RateLimiterState, held by the plugin itself rather than in
// sharedstate.Registry and guarded by its own mutex per design doc Section
// 5's per-slot lock requirement (GlobalData.Mutate only guards the map entry, not cross-field
// invariants within one plugin's state).
type state struct {
	mu          sync.Mutex
	remaining   int
	windowReset time.Time
}

// Plugin is the rate limiter.
type Plugin struct {
	cfg         Config
	urlsToWatch *watch.Matcher
	registry    *sharedstate.Registry
	coordinator *throttle.Coordinator
	responseDoc *configstore.Loader[configstore.RateLimitResponseDocument]
	payloadDir  string
	logger      *slog.Logger
	now         func() time.Time
	st          *state

	timesThrottled int // guarded by st.mu; only mutated inside shouldThrottle
}

// New builds the plugin from its Descriptor and shared process state.
// responseDoc is the optional hot-reloaded rate-limit-response.json loader
// backing the "(b) custom response" path (design doc Section 4.11); pass
// nil to always use the coordinator's generic 429 body.
func New(desc pluginhost.Descriptor, cfg Config, registry *sharedstate.Registry, coordinator *throttle.Coordinator, responseDoc *configstore.Loader[configstore.RateLimitResponseDocument], payloadDir string, logger *slog.Logger) (*Plugin, error) {
	matcher, err := watch.NewMatcher(desc.URLsToWatch)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: compiling urlsToWatch: %w", err)
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 100
	}
	if cfg.WindowSeconds <= 0 {
		cfg.WindowSeconds = 60
	}
	if cfg.RetryAfterHeader == "" {
		cfg.RetryAfterHeader = "Retry-After"
	}
	if cfg.CostPerRequest <= 0 {
		cfg.CostPerRequest = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Plugin{
		cfg:         cfg,
		urlsToWatch: matcher,
		registry:    registry,
		coordinator: coordinator,
		responseDoc: responseDoc,
		payloadDir:  payloadDir,
		logger:      logger,
		now:         time.Now,
		st:          &state{windowReset: time.Now().Add(time.Duration(cfg.WindowSeconds) * time.Second), remaining: cfg.Limit},
	}

	// ResetTime is set far in the future so the Retry-After enforcer's reap
	// step never drops this throttler on its own — this plugin's own window
	// bookkeeping (windowReset/remaining), not Throttler.ResetTime, decides
	// whether a given request gets throttled.
	coordinator.Add(throttle.NewThrottler(Name, p.now().Add(100*365*24*time.Hour), p.shouldThrottle))

	return p, nil
}

// Register subscribes the decrement-and-check handler to BeforeRequest and
// the warning-header annotator to BeforeResponse.
func (p *Plugin) Register(bus *events.Bus) {
	bus.Subscribe(events.BeforeRequest, Name, p.handleBeforeRequest)
	bus.Subscribe(events.BeforeResponse, Name, p.handleBeforeResponse)
}

func (p *Plugin) handleBeforeRequest(ctx context.Context, rawArgs any) error {
	args, ok := rawArgs.(*events.ProxyRequestArgs)
	if !ok {
		return fmt.Errorf("ratelimit: unexpected args type %T", rawArgs)
	}
	if !pluginhost.ShouldExecute(args.Session, p.urlsToWatch) {
		return nil
	}

	p.st.mu.Lock()
	now := p.now()
	if now.After(p.st.windowReset) {
		p.st.remaining = p.cfg.Limit
		p.st.windowReset = now.Add(time.Duration(p.cfg.WindowSeconds) * time.Second)
	}
	if p.st.remaining > 0 {
		p.st.remaining -= p.cfg.CostPerRequest
		if p.st.remaining < 0 {
			p.st.remaining = 0
		}
	}
	p.st.mu.Unlock()

	return nil
}

// shouldThrottle is consulted by the shared throttle.Coordinator before this
// plugin's own BeforeRequest handler runs. A request whose cost exceeds the
// budget left in the current window is throttled and the budget is clamped
// to 0.
func (p *Plugin) shouldThrottle(req *session.Request, key string) sharedstate.ThrottlingInfo {
	p.st.mu.Lock()
	defer p.st.mu.Unlock()

	if p.st.remaining >= p.cfg.CostPerRequest {
		return sharedstate.ThrottlingInfo{}
	}
	p.st.remaining = 0

	seconds := int(p.st.windowReset.Sub(p.now()).Seconds())
	if seconds < 0 {
		seconds = 0
	}

	p.timesThrottled++
	if p.registry != nil {
		p.registry.Reports().Set(Name, map[string]int{"timesThrottled": p.timesThrottled})
	}

	info := sharedstate.ThrottlingInfo{
		ThrottleForSeconds:   seconds,
		RetryAfterHeaderName: p.cfg.RetryAfterHeader,
	}

	if p.responseDoc == nil {
		return info
	}
	doc := p.responseDoc.Get()
	if doc == nil {
		return info
	}

	info.Custom = true
	info.CustomStatusCode = doc.StatusCode
	info.CustomHeaders = p.resolveHeaders(doc.Headers, seconds)
	info.CustomBody = p.resolveBody(doc.Body)
	return info
}

// resolveHeaders builds the custom response's headers, resolving the
// "@dynamic" Retry-After sentinel (design doc Section 4.11) to the live
// seconds-until-windowResetTime value; any other configured value is used
// verbatim.
func (p *Plugin) resolveHeaders(pairs []configstore.HeaderPair, dynamicSeconds int) http.Header {
	h := http.Header{}
	for _, hp := range pairs {
		if hp.Value == dynamicRetryAfter {
			h.Add(hp.Name, fmt.Sprintf("%d", dynamicSeconds))
			continue
		}
		h.Add(hp.Name, hp.Value)
	}
	return h
}

// resolveBody handles the three Body kinds the same way
// internal/plugins/mockresponder does, streaming @-file references from
// disk with a graceful fallback to the literal reference string on a
// missing file.
func (p *Plugin) resolveBody(b configstore.Body) []byte {
	switch b.Kind {
	case configstore.BodyFileRef:
		path := filepath.Join(p.payloadDir, b.FileRef)
		data, err := os.ReadFile(path)
		if err != nil {
			p.logger.Error("ratelimit: reading @-file body failed, falling back to literal reference", "path", path, "error", err)
			return []byte("@" + b.FileRef)
		}
		return data
	case configstore.BodyString:
		return []byte(b.String)
	default:
		return []byte(b.JSON)
	}
}

// handleBeforeResponse annotates real upstream responses with RateLimit-*
// warning headers once remaining crosses the configured warning threshold
// — the "annotates real responses" representative path (design doc Section
// 4.11).
func (p *Plugin) handleBeforeResponse(ctx context.Context, rawArgs any) error {
	args, ok := rawArgs.(*events.ProxyResponseArgs)
	if !ok {
		return fmt.Errorf("ratelimit: unexpected args type %T", rawArgs)
	}
	sess := args.Session
	if sess.State.HasBeenSet() || !p.urlsToWatch.IsIncluded(sess.Request.URL) {
		return nil
	}

	p.st.mu.Lock()
	remaining := p.st.remaining
	reset := p.st.windowReset
	p.st.mu.Unlock()

	if float64(remaining) > float64(p.cfg.Limit)*(1-p.cfg.WarningThreshold) {
		return nil
	}

	h := sess.Response.Headers
	if h == nil {
		return nil
	}
	h.Set("RateLimit-Limit", fmt.Sprintf("%d", p.cfg.Limit))
	h.Set("RateLimit-Remaining", fmt.Sprintf("%d", remaining))
	h.Set("RateLimit-Reset", fmt.Sprintf("%d", int(reset.Sub(p.now()).Seconds())))
	return nil
}

// Factory adapts New to pluginhost.Factory for the process's in-process
// factory registry. cfg and shared dependencies are bound by the caller
// (cmd/devproxy) via a closure, since Factory's signature only carries the
// Descriptor.
func Factory(cfg Config, registry *sharedstate.Registry, coordinator *throttle.Coordinator, responseDoc *configstore.Loader[configstore.RateLimitResponseDocument], payloadDir string, logger *slog.Logger) pluginhost.Factory {
	return func(desc pluginhost.Descriptor) (pluginhost.Plugin, error) {
		return New(desc, cfg, registry, coordinator, responseDoc, payloadDir, logger)
	}
}
