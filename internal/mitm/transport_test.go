package mitm

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nivlark/devproxy/internal/events"
	"github.com/nivlark/devproxy/internal/pluginhost"
	"github.com/nivlark/devproxy/internal/reqlog"
)

func newTestTransport() *Transport {
	return &Transport{
		Bus:      events.New(slog.Default()),
		ReqLog:   reqlog.New(slog.Default()),
		Upstream: http.DefaultClient,
		Logger:   slog.Default(),
		Host:     &pluginhost.Host{},
	}
}

func TestRunSession_FetchesUpstreamWhenNoPluginResponds(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("hello"))
	}))
	defer upstream.Close()

	tr := newTestTransport()

	req, _ := http.NewRequest(http.MethodGet, upstream.URL, nil)
	resp := tr.runSession(context.Background(), req)

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
}

func TestRunSession_PluginShortCircuitSkipsUpstream(t *testing.T) {
	tr := newTestTransport()
	tr.Bus.Subscribe(events.BeforeRequest, "test-mock", func(ctx context.Context, args any) error {
		a := args.(*events.ProxyRequestArgs)
		a.Session.GenericResponse([]byte(`{"mocked":true}`), http.StatusOK, nil)
		return nil
	})

	req, _ := http.NewRequest(http.MethodGet, "http://example.invalid/thing", nil)
	resp := tr.runSession(context.Background(), req)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from mock, got %d", resp.StatusCode)
	}
}

func TestRunSession_BeforeResponseCanAnnotate(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	tr := newTestTransport()
	tr.Bus.Subscribe(events.BeforeResponse, "annotator", func(ctx context.Context, args any) error {
		a := args.(*events.ProxyResponseArgs)
		a.Session.Response.Headers.Set("X-Dev-Proxy", "1")
		return nil
	})

	req, _ := http.NewRequest(http.MethodGet, upstream.URL, nil)
	resp := tr.runSession(context.Background(), req)

	if resp.Header.Get("X-Dev-Proxy") != "1" {
		t.Fatalf("expected BeforeResponse annotation to survive, got headers %v", resp.Header)
	}
}

func TestRunSession_AssignsIncrementingSessionIDs(t *testing.T) {
	tr := newTestTransport()
	var ids []uint64
	tr.Bus.Subscribe(events.BeforeRequest, "id-capture", func(ctx context.Context, args any) error {
		a := args.(*events.ProxyRequestArgs)
		ids = append(ids, a.Session.ID)
		a.Session.GenericResponse(nil, http.StatusOK, nil)
		return nil
	})

	for i := 0; i < 3; i++ {
		req, _ := http.NewRequest(http.MethodGet, "http://example.invalid/", nil)
		tr.runSession(context.Background(), req)
	}

	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("expected strictly increasing session IDs, got %v", ids)
		}
	}
}
