// Package throttle implements the Retry-After enforcer (design doc Section
// 4.10): a BeforeRequest subscriber that runs first, reaps expired
// throttlers, consults every remaining one, and synthesizes a 429 the
// moment any throttler says to.
package throttle

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/nivlark/devproxy/internal/events"
	"github.com/nivlark/devproxy/internal/session"
	"github.com/nivlark/devproxy/internal/sharedstate"
)

// Name is the subscriber name used for logging/registration order.
const Name = "retry-after-enforcer"

// Coordinator registers the Retry-After enforcer on a Bus.
type Coordinator struct {
	registry *sharedstate.Registry
	status   int // status code to use for synthetic throttled responses, default 429
	now      func() time.Time
}

// New creates a Coordinator backed by registry. statusCode of 0 defaults to
// http.StatusTooManyRequests.
func New(registry *sharedstate.Registry, statusCode int) *Coordinator {
	if statusCode == 0 {
		statusCode = http.StatusTooManyRequests
	}
	return &Coordinator{registry: registry, status: statusCode, now: time.Now}
}

// Add appends a throttler to the shared registry. Convenience wrapper so
// plugins only need to import this package's exported types, not
// sharedstate directly, to register one.
func (c *Coordinator) Add(t *sharedstate.Throttler) {
	c.registry.AddThrottler(t)
}

// Register subscribes the enforcer to BeforeRequest. It must be registered
// before any other plugin that itself wants to observe throttling, matching
// the design's "runs first in BeforeRequest" requirement — callers achieve
// this by calling Register on the bus before any plugin subscribes
// (cmd/devproxy does so ahead of pluginhost.Load).
func (c *Coordinator) Register(bus *events.Bus) {
	bus.Subscribe(events.BeforeRequest, Name, c.handleBeforeRequest)
}

func (c *Coordinator) handleBeforeRequest(ctx context.Context, rawArgs any) error {
	args, ok := rawArgs.(*events.ProxyRequestArgs)
	if !ok {
		return fmt.Errorf("throttle: unexpected args type %T", rawArgs)
	}
	sess := args.Session
	if sess.State.HasBeenSet() {
		return nil
	}

	now := c.now()
	throttlers := c.registry.ReapAndList(now)

	for _, t := range throttlers {
		info := t.ShouldThrottle(sess.Request, t.Key)
		if info.ThrottleForSeconds <= 0 {
			continue
		}

		headerName := info.RetryAfterHeaderName
		if headerName == "" {
			headerName = "Retry-After"
		}

		if info.Custom {
			headers := info.CustomHeaders
			if headers == nil {
				headers = http.Header{}
			}
			if headers.Get(headerName) == "" {
				headers.Set(headerName, fmt.Sprintf("%d", info.ThrottleForSeconds))
			}
			status := info.CustomStatusCode
			if status == 0 {
				status = c.status
			}
			sess.GenericResponse(info.CustomBody, status, headers)
		} else {
			headers := http.Header{}
			headers.Set(headerName, fmt.Sprintf("%d", info.ThrottleForSeconds))
			body := []byte(fmt.Sprintf(`{"error":"throttled","retryAfterSeconds":%d}`, info.ThrottleForSeconds))
			sess.GenericResponse(body, c.status, headers)
		}

		// Anti-bruteforce: extend this throttler's window so a retry inside
		// it is throttled again, rather than resetting to a clean state. A
		// ResetTime that is already later is kept.
		if extended := now.Add(time.Duration(info.ThrottleForSeconds) * time.Second); extended.After(t.ResetTime) {
			t.ResetTime = extended
		}
		return nil
	}

	return nil
}

// NewThrottler builds a sharedstate.Throttler from a key, a reset time and a
// ShouldThrottle closure typed on *session.Request, so throttler-producing
// plugins (random error injector, rate limiter) need not type-assert the
// request themselves.
func NewThrottler(key string, resetTime time.Time, check func(req *session.Request, key string) sharedstate.ThrottlingInfo) *sharedstate.Throttler {
	return &sharedstate.Throttler{
		Key:       key,
		ResetTime: resetTime,
		ShouldThrottle: func(req any, key string) sharedstate.ThrottlingInfo {
			r, _ := req.(*session.Request)
			return check(r, key)
		},
	}
}
