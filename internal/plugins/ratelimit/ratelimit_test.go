package ratelimit

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/nivlark/devproxy/internal/configstore"
	"github.com/nivlark/devproxy/internal/events"
	"github.com/nivlark/devproxy/internal/pluginhost"
	"github.com/nivlark/devproxy/internal/session"
	"github.com/nivlark/devproxy/internal/sharedstate"
	"github.com/nivlark/devproxy/internal/throttle"
)

func newTestPlugin(t *testing.T, limit, windowSeconds int) (*Plugin, *events.Bus) {
	t.Helper()
	registry := sharedstate.New()
	coordinator := throttle.New(registry, 0)
	bus := events.New(nil)
	coordinator.Register(bus)

	p, err := New(
		pluginhost.Descriptor{URLsToWatch: nil},
		Config{Limit: limit, WindowSeconds: windowSeconds, WarningThreshold: 0.2},
		registry, coordinator, nil, "", nil,
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.Register(bus)
	return p, bus
}

func fire(bus *events.Bus, sess *session.Session) {
	bus.Dispatch(context.Background(), events.BeforeRequest, &events.ProxyRequestArgs{Session: sess})
}

func TestPlugin_AllowsWithinBudget(t *testing.T) {
	_, bus := newTestPlugin(t, 2, 60)

	sess := session.New(1, session.NewRequest(http.MethodGet, "https://graph.microsoft.com/v1.0/me", nil, nil))
	fire(bus, sess)

	if sess.State.HasBeenSet() {
		t.Fatal("expected first request within budget to pass through")
	}
}

func TestPlugin_ThrottlesOnceBudgetExhausted(t *testing.T) {
	_, bus := newTestPlugin(t, 1, 60)

	first := session.New(1, session.NewRequest(http.MethodGet, "https://graph.microsoft.com/v1.0/me", nil, nil))
	fire(bus, first)
	if first.State.HasBeenSet() {
		t.Fatal("first request should not be throttled")
	}

	second := session.New(2, session.NewRequest(http.MethodGet, "https://graph.microsoft.com/v1.0/me", nil, nil))
	fire(bus, second)
	if !second.State.HasBeenSet() {
		t.Fatal("expected second request to be throttled once budget exhausted")
	}
	if second.Response.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Response.StatusCode)
	}
	if second.Response.Headers.Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header on throttled response")
	}
}

func TestPlugin_AnnotatesNearLimitResponses(t *testing.T) {
	p, bus := newTestPlugin(t, 2, 60)

	sess := session.New(1, session.NewRequest(http.MethodGet, "https://graph.microsoft.com/v1.0/me", nil, nil))
	fire(bus, sess)
	sess.Response.Headers = http.Header{}
	sess.Response.StatusCode = http.StatusOK

	bus.Dispatch(context.Background(), events.BeforeResponse, &events.ProxyResponseArgs{Session: sess})

	if sess.Response.Headers.Get("RateLimit-Limit") == "" {
		t.Fatal("expected RateLimit-Limit header once remaining crosses the warning threshold")
	}

	_ = p
}

func TestPlugin_CostPerRequestExhaustsBudgetFaster(t *testing.T) {
	registry := sharedstate.New()
	coordinator := throttle.New(registry, 0)
	bus := events.New(nil)
	coordinator.Register(bus)

	p, err := New(
		pluginhost.Descriptor{},
		Config{Limit: 5, WindowSeconds: 60, WarningThreshold: 0.2, CostPerRequest: 2},
		registry, coordinator, nil, "", nil,
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.Register(bus)

	for i := 1; i <= 2; i++ {
		sess := session.New(uint64(i), session.NewRequest(http.MethodGet, "https://graph.microsoft.com/v1.0/me", nil, nil))
		fire(bus, sess)
		if sess.State.HasBeenSet() {
			t.Fatalf("request #%d should pass through, remaining budget not yet exhausted", i)
		}
	}

	sess := session.New(3, session.NewRequest(http.MethodGet, "https://graph.microsoft.com/v1.0/me", nil, nil))
	fire(bus, sess)
	if !sess.State.HasBeenSet() {
		t.Fatal("expected third request to be throttled: costPerRequest=2 exhausts a limit of 5 within 3 requests")
	}
}

func TestPlugin_CustomResponseDocumentOverridesGenericBody(t *testing.T) {
	dir := t.TempDir()
	docPath := filepath.Join(dir, "rate-limit-response.json")
	doc := `{"statusCode":400,"headers":[{"name":"Retry-After","value":"@dynamic"},{"name":"X-Reason","value":"quota"}],"body":{"error":"custom-throttled"}}`
	if err := os.WriteFile(docPath, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	loader := configstore.NewLoader(docPath, configstore.ParseRateLimitResponseDocument)
	if err := loader.Load(); err != nil {
		t.Fatalf("loading rate-limit-response.json: %v", err)
	}

	registry := sharedstate.New()
	coordinator := throttle.New(registry, 0)
	bus := events.New(nil)
	coordinator.Register(bus)

	p, err := New(
		pluginhost.Descriptor{},
		Config{Limit: 1, WindowSeconds: 60, WarningThreshold: 0.2},
		registry, coordinator, loader, dir, nil,
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.Register(bus)

	first := session.New(1, session.NewRequest(http.MethodGet, "https://graph.microsoft.com/v1.0/me", nil, nil))
	fire(bus, first)
	if first.State.HasBeenSet() {
		t.Fatal("first request should not be throttled")
	}

	second := session.New(2, session.NewRequest(http.MethodGet, "https://graph.microsoft.com/v1.0/me", nil, nil))
	fire(bus, second)
	if !second.State.HasBeenSet() {
		t.Fatal("expected second request to be throttled")
	}
	if second.Response.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected custom statusCode 400, got %d", second.Response.StatusCode)
	}
	if second.Response.Headers.Get("X-Reason") != "quota" {
		t.Fatalf("expected custom header to survive, got %q", second.Response.Headers.Get("X-Reason"))
	}
	if second.Response.Headers.Get("Retry-After") == "" || second.Response.Headers.Get("Retry-After") == "@dynamic" {
		t.Fatalf("expected @dynamic sentinel resolved to a live seconds value, got %q", second.Response.Headers.Get("Retry-After"))
	}
}
