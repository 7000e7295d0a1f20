package pluginhost

import (
	"context"
	"net/http"
	"testing"

	"github.com/nivlark/devproxy/internal/events"
	"github.com/nivlark/devproxy/internal/session"
	"github.com/nivlark/devproxy/internal/watch"
)

type recordingPlugin struct {
	name  string
	order *[]string
}

func (p *recordingPlugin) Register(bus *events.Bus) {
	bus.Subscribe(events.BeforeRequest, p.name, func(ctx context.Context, args any) error {
		*p.order = append(*p.order, p.name)
		return nil
	})
}

func TestLoad_DispatchOrderMatchesDeclarationOrder(t *testing.T) {
	var order []string
	factories := map[string]Factory{
		"first":  func(d Descriptor) (Plugin, error) { return &recordingPlugin{name: "first", order: &order}, nil },
		"second": func(d Descriptor) (Plugin, error) { return &recordingPlugin{name: "second", order: &order}, nil },
		"third":  func(d Descriptor) (Plugin, error) { return &recordingPlugin{name: "third", order: &order}, nil },
	}

	bus := events.New(nil)
	descs := []Descriptor{
		{Name: "first", Enabled: true},
		{Name: "second", Enabled: true},
		{Name: "third", Enabled: true},
	}

	host, err := Load(bus, descs, factories)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(host.Names()) != 3 {
		t.Fatalf("expected 3 plugins loaded, got %d", len(host.Names()))
	}

	req := session.NewRequest(http.MethodGet, "https://example.com/x", http.Header{}, nil)
	sess := session.New(1, req)
	bus.Dispatch(context.Background(), events.BeforeRequest, &events.ProxyRequestArgs{Session: sess})

	want := []string{"first", "second", "third"}
	if len(order) != len(want) {
		t.Fatalf("got order %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got order %v, want %v", order, want)
		}
	}
}

func TestLoad_DisabledPluginIsSkipped(t *testing.T) {
	var order []string
	factories := map[string]Factory{
		"a": func(d Descriptor) (Plugin, error) { return &recordingPlugin{name: "a", order: &order}, nil },
	}

	bus := events.New(nil)
	descs := []Descriptor{{Name: "a", Enabled: false}}

	host, err := Load(bus, descs, factories)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(host.Names()) != 0 {
		t.Fatalf("expected disabled plugin to be skipped, got %v", host.Names())
	}
}

func TestLoad_MissingFactoryErrors(t *testing.T) {
	bus := events.New(nil)
	descs := []Descriptor{{Name: "missing", Enabled: true}}

	if _, err := Load(bus, descs, map[string]Factory{}); err == nil {
		t.Fatal("expected error for missing factory")
	}
}

func TestShouldExecute_FalseOnceResponseSet(t *testing.T) {
	req := session.NewRequest(http.MethodGet, "https://example.com/x", http.Header{}, nil)
	sess := session.New(1, req)
	matcher, _ := watch.NewMatcher(nil)

	if !ShouldExecute(sess, matcher) {
		t.Fatal("expected true before response is set")
	}

	sess.GenericResponse([]byte("x"), http.StatusOK, http.Header{})
	if ShouldExecute(sess, matcher) {
		t.Fatal("expected false once response is set")
	}
}

func TestShouldExecute_FalseWhenURLExcluded(t *testing.T) {
	req := session.NewRequest(http.MethodGet, "https://example.com/x", http.Header{}, nil)
	sess := session.New(1, req)
	matcher, err := watch.NewMatcher([]watch.PatternSpec{{URL: "https://example.com/*", Exclude: true}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ShouldExecute(sess, matcher) {
		t.Fatal("expected false when URL is excluded")
	}
}
