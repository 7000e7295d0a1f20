// Package latency implements the latency-injection plugin (design doc
// Section 4.15): it delays BeforeRequest by a fixed or uniformly-random
// duration, using a context-aware sleep so cancellation (spec.md Section 5)
// interrupts the delay promptly instead of blocking shutdown.
package latency

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/nivlark/devproxy/internal/events"
	"github.com/nivlark/devproxy/internal/pluginhost"
	"github.com/nivlark/devproxy/internal/watch"
)

// Name is the plugin's registered name.
const Name = "latency"

// Config is this plugin's configSection shape. When MaxMs is zero, MinMs is
// used as a fixed delay; otherwise a uniform draw in [MinMs, MaxMs] is used.
type Config struct {
	MinMs int `yaml:"minMs"`
	MaxMs int `yaml:"maxMs"`
}

// Plugin is the latency injector.
type Plugin struct {
	cfg         Config
	urlsToWatch *watch.Matcher
}

// New builds the plugin.
func New(desc pluginhost.Descriptor, cfg Config) (*Plugin, error) {
	matcher, err := watch.NewMatcher(desc.URLsToWatch)
	if err != nil {
		return nil, fmt.Errorf("latency: compiling urlsToWatch: %w", err)
	}
	if cfg.MinMs < 0 {
		return nil, fmt.Errorf("latency: minMs must be >= 0, got %d", cfg.MinMs)
	}
	if cfg.MaxMs != 0 && cfg.MaxMs < cfg.MinMs {
		return nil, fmt.Errorf("latency: maxMs (%d) must be >= minMs (%d)", cfg.MaxMs, cfg.MinMs)
	}
	return &Plugin{cfg: cfg, urlsToWatch: matcher}, nil
}

// Register subscribes the delay to BeforeRequest.
func (p *Plugin) Register(bus *events.Bus) {
	bus.Subscribe(events.BeforeRequest, Name, p.handleBeforeRequest)
}

func (p *Plugin) handleBeforeRequest(ctx context.Context, rawArgs any) error {
	args, ok := rawArgs.(*events.ProxyRequestArgs)
	if !ok {
		return fmt.Errorf("latency: unexpected args type %T", rawArgs)
	}
	if !pluginhost.ShouldExecute(args.Session, p.urlsToWatch) {
		return nil
	}

	delay := p.pickDelay()
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
	return nil
}

func (p *Plugin) pickDelay() time.Duration {
	if p.cfg.MaxMs == 0 || p.cfg.MaxMs == p.cfg.MinMs {
		return time.Duration(p.cfg.MinMs) * time.Millisecond
	}
	span := p.cfg.MaxMs - p.cfg.MinMs + 1
	ms := p.cfg.MinMs + rand.IntN(span)
	return time.Duration(ms) * time.Millisecond
}

// Factory adapts New to pluginhost.Factory.
func Factory(cfg Config) pluginhost.Factory {
	return func(desc pluginhost.Descriptor) (pluginhost.Plugin, error) {
		return New(desc, cfg)
	}
}
