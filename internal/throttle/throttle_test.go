package throttle

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/nivlark/devproxy/internal/events"
	"github.com/nivlark/devproxy/internal/session"
	"github.com/nivlark/devproxy/internal/sharedstate"
)

func newSession() *session.Session {
	req := session.NewRequest(http.MethodGet, "https://graph.microsoft.com/v1.0/me", http.Header{}, nil)
	return session.New(1, req)
}

func TestCoordinator_ThrottlesAndSetsRetryAfter(t *testing.T) {
	reg := sharedstate.New()
	c := New(reg, 0)
	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixedNow }

	c.Add(NewThrottler("host", fixedNow.Add(time.Hour), func(req *session.Request, key string) sharedstate.ThrottlingInfo {
		return sharedstate.ThrottlingInfo{ThrottleForSeconds: 5, RetryAfterHeaderName: "Retry-After"}
	}))

	sess := newSession()
	if err := c.handleBeforeRequest(context.Background(), &events.ProxyRequestArgs{Session: sess}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !sess.State.HasBeenSet() {
		t.Fatal("expected response to be set")
	}
	if sess.Response.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", sess.Response.StatusCode)
	}
	if got := sess.Response.Headers.Get("Retry-After"); got != "5" {
		t.Fatalf("expected Retry-After: 5, got %q", got)
	}
}

func TestCoordinator_ReapsExpiredThrottlers(t *testing.T) {
	reg := sharedstate.New()
	c := New(reg, 0)
	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixedNow }

	called := false
	reg.AddThrottler(&sharedstate.Throttler{
		Key:       "expired",
		ResetTime: fixedNow.Add(-time.Minute),
		ShouldThrottle: func(req any, key string) sharedstate.ThrottlingInfo {
			called = true
			return sharedstate.ThrottlingInfo{ThrottleForSeconds: 5}
		},
	})

	sess := newSession()
	if err := c.handleBeforeRequest(context.Background(), &events.ProxyRequestArgs{Session: sess}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if called {
		t.Fatal("expired throttler's ShouldThrottle must not be consulted")
	}
	if sess.State.HasBeenSet() {
		t.Fatal("expected response not to be set")
	}
}

func TestCoordinator_SkipsWhenResponseAlreadySet(t *testing.T) {
	reg := sharedstate.New()
	c := New(reg, 0)

	consulted := false
	reg.AddThrottler(&sharedstate.Throttler{
		Key:       "k",
		ResetTime: time.Now().Add(time.Hour),
		ShouldThrottle: func(req any, key string) sharedstate.ThrottlingInfo {
			consulted = true
			return sharedstate.ThrottlingInfo{ThrottleForSeconds: 5}
		},
	})

	sess := newSession()
	sess.GenericResponse([]byte("ok"), http.StatusOK, http.Header{})

	if err := c.handleBeforeRequest(context.Background(), &events.ProxyRequestArgs{Session: sess}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if consulted {
		t.Fatal("enforcer must no-op once the response is already set")
	}
}

func TestCoordinator_ExtendsResetTimeOnThrottle(t *testing.T) {
	reg := sharedstate.New()
	c := New(reg, 0)
	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixedNow }

	th := NewThrottler("host", fixedNow.Add(time.Second), func(req *session.Request, key string) sharedstate.ThrottlingInfo {
		return sharedstate.ThrottlingInfo{ThrottleForSeconds: 5}
	})
	c.Add(th)

	sess := newSession()
	_ = c.handleBeforeRequest(context.Background(), &events.ProxyRequestArgs{Session: sess})

	if !th.ResetTime.Equal(fixedNow.Add(5 * time.Second)) {
		t.Fatalf("expected reset time extended by 5s, got %v", th.ResetTime)
	}
}
