package randomerror

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/nivlark/devproxy/internal/events"
	"github.com/nivlark/devproxy/internal/pluginhost"
	"github.com/nivlark/devproxy/internal/session"
	"github.com/nivlark/devproxy/internal/sharedstate"
	"github.com/nivlark/devproxy/internal/throttle"
)

func newFireAlways(t *testing.T, allowed []int) *Plugin {
	t.Helper()
	registry := sharedstate.New()
	coordinator := throttle.New(registry, 0)
	p, err := New(pluginhost.Descriptor{}, Config{FailureRate: 100, AllowedErrors: allowed}, coordinator, nil, registry)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestPlugin_NeverFiresAtZeroFailureRate(t *testing.T) {
	registry := sharedstate.New()
	coordinator := throttle.New(registry, 0)
	p, err := New(pluginhost.Descriptor{}, Config{FailureRate: 0, AllowedErrors: []int{500}}, coordinator, nil, registry)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	bus := events.New(nil)
	p.Register(bus)

	for i := 0; i < 50; i++ {
		sess := session.New(uint64(i), session.NewRequest(http.MethodGet, "https://graph.microsoft.com/v1.0/me", http.Header{}, nil))
		bus.Dispatch(context.Background(), events.BeforeRequest, &events.ProxyRequestArgs{Session: sess})
		if sess.State.HasBeenSet() {
			t.Fatal("expected zero failure rate to never synthesize an error")
		}
	}
}

func TestPlugin_AlwaysFiresAtFullFailureRate(t *testing.T) {
	p := newFireAlways(t, []int{503})
	bus := events.New(nil)
	p.Register(bus)

	sess := session.New(1, session.NewRequest(http.MethodGet, "https://graph.microsoft.com/v1.0/me", http.Header{}, nil))
	bus.Dispatch(context.Background(), events.BeforeRequest, &events.ProxyRequestArgs{Session: sess})

	if !sess.State.HasBeenSet() {
		t.Fatal("expected full failure rate to always synthesize an error")
	}
	if sess.Response.StatusCode != 503 {
		t.Fatalf("expected 503, got %d", sess.Response.StatusCode)
	}
}

func TestPlugin_GraphEnvelopeForGraphHost(t *testing.T) {
	p := newFireAlways(t, []int{500})
	bus := events.New(nil)
	p.Register(bus)

	sess := session.New(1, session.NewRequest(http.MethodGet, "https://graph.microsoft.com/v1.0/me", http.Header{}, nil))
	bus.Dispatch(context.Background(), events.BeforeRequest, &events.ProxyRequestArgs{Session: sess})

	if sess.Response.Headers.Get("request-id") == "" {
		t.Fatal("expected a request-id header for a Graph-shaped error")
	}
	if sess.Response.Headers.Get("Cache-Control") != "no-store" {
		t.Fatal("expected Cache-Control: no-store for Graph error envelope")
	}
}

func TestPlugin_GenericEnvelopeForNonGraphHost(t *testing.T) {
	p := newFireAlways(t, []int{500})
	bus := events.New(nil)
	p.Register(bus)

	sess := session.New(1, session.NewRequest(http.MethodGet, "https://api.example.com/v1/widgets", http.Header{}, nil))
	bus.Dispatch(context.Background(), events.BeforeRequest, &events.ProxyRequestArgs{Session: sess})

	if sess.Response.Headers.Get("request-id") != "" {
		t.Fatal("did not expect Graph-specific headers for a non-Graph host")
	}
	if sess.Response.StatusCode != 500 {
		t.Fatalf("expected 500, got %d", sess.Response.StatusCode)
	}
}

func TestPlugin_PublishesInjectionCountsToReportsBag(t *testing.T) {
	registry := sharedstate.New()
	coordinator := throttle.New(registry, 0)
	p, err := New(pluginhost.Descriptor{}, Config{FailureRate: 100, AllowedErrors: []int{503}}, coordinator, nil, registry)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	bus := events.New(nil)
	p.Register(bus)

	for i := 0; i < 3; i++ {
		sess := session.New(uint64(i), session.NewRequest(http.MethodGet, "https://graph.microsoft.com/v1.0/me", http.Header{}, nil))
		bus.Dispatch(context.Background(), events.BeforeRequest, &events.ProxyRequestArgs{Session: sess})
	}

	report, ok := registry.Reports().Snapshot()[Name]
	if !ok {
		t.Fatal("expected a report under the plugin's Name key")
	}
	counts, ok := report.(map[string]int)
	if !ok {
		t.Fatalf("expected map[string]int report, got %T", report)
	}
	if counts["503"] != 3 {
		t.Fatalf("expected 3 injections of 503, got %d", counts["503"])
	}
}

func TestPlugin_RegistersThrottlerOn429(t *testing.T) {
	p := newFireAlways(t, []int{429})
	bus := events.New(nil)
	p.Register(bus)

	sess := session.New(1, session.NewRequest(http.MethodGet, "https://graph.microsoft.com/v1.0/me", http.Header{}, nil))
	bus.Dispatch(context.Background(), events.BeforeRequest, &events.ProxyRequestArgs{Session: sess})

	if sess.Response.StatusCode != 429 {
		t.Fatalf("expected 429, got %d", sess.Response.StatusCode)
	}
	if sess.Response.Headers.Get("Strict-Transport-Security") == "" {
		t.Fatal("expected Graph envelope headers on the 429 too")
	}
	if got := len(p.registry.ReapAndList(time.Now())); got != 1 {
		t.Fatalf("expected one throttler registered after a 429, got %d", got)
	}
}
