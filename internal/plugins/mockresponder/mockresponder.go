// Package mockresponder implements the mock-response plugin (design doc
// Section 4.13/spec.md Section 8 scenario 2): each configured MockResponse
// rule is checked in declaration order against the request URL/method; a
// rule's optional `nth` field makes it fire only on the nth matching
// request, tracked with a per-rule atomic counter so nth bookkeeping is
// concurrency-safe without a registry-wide lock.
package mockresponder

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/nivlark/devproxy/internal/configstore"
	"github.com/nivlark/devproxy/internal/events"
	"github.com/nivlark/devproxy/internal/pluginhost"
	"github.com/nivlark/devproxy/internal/reqlog"
	"github.com/nivlark/devproxy/internal/session"
	"github.com/nivlark/devproxy/internal/watch"
)

// Name is the plugin's registered name.
const Name = "mock-responder"

// rule pairs a compiled MockResponse with its own hit counter.
type rule struct {
	spec  configstore.MockResponse
	glob  interface{ Match(string) bool }
	hits  atomic.Int32
}

// Plugin is the mock responder.
type Plugin struct {
	urlsToWatch *watch.Matcher
	mocksDoc    *configstore.Loader[configstore.MocksDocument]
	payloadDir  string
	reqLog      *reqlog.Logger
	logger      *slog.Logger

	mu          sync.Mutex // guards lastVersion and rules
	lastVersion *configstore.MocksDocument
	rules       []*rule
}

// New builds the plugin bound to a hot-reloaded mocks.json loader.
func New(desc pluginhost.Descriptor, mocksDoc *configstore.Loader[configstore.MocksDocument], payloadDir string, reqLog *reqlog.Logger, logger *slog.Logger) (*Plugin, error) {
	matcher, err := watch.NewMatcher(desc.URLsToWatch)
	if err != nil {
		return nil, fmt.Errorf("mockresponder: compiling urlsToWatch: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Plugin{urlsToWatch: matcher, mocksDoc: mocksDoc, payloadDir: payloadDir, reqLog: reqLog, logger: logger}, nil
}

// Register subscribes the matcher to BeforeRequest.
func (p *Plugin) Register(bus *events.Bus) {
	bus.Subscribe(events.BeforeRequest, Name, p.handleBeforeRequest)
}

// rulesFor returns the compiled rule set for the loader's current document,
// rebuilding (and resetting hit counters) only when the document identity
// has changed since the last request — a hot reload always produces a new
// *MocksDocument via the atomic pointer swap in configstore.Loader.
func (p *Plugin) rulesFor() []*rule {
	p.mu.Lock()
	defer p.mu.Unlock()

	doc := p.mocksDoc.Get()
	if doc == p.lastVersion {
		return p.rules
	}

	rules := make([]*rule, 0, len(doc.Mocks))
	for _, m := range doc.Mocks {
		g, err := watch.CompileGlob(m.Request.URL)
		if err != nil {
			p.logger.Warn("mockresponder: skipping rule with invalid url pattern", "url", m.Request.URL, "error", err)
			continue
		}
		rules = append(rules, &rule{spec: m, glob: g})
	}
	p.rules = rules
	p.lastVersion = doc
	return rules
}

func (p *Plugin) handleBeforeRequest(ctx context.Context, rawArgs any) error {
	args, ok := rawArgs.(*events.ProxyRequestArgs)
	if !ok {
		return fmt.Errorf("mockresponder: unexpected args type %T", rawArgs)
	}
	sess := args.Session
	if !pluginhost.ShouldExecute(sess, p.urlsToWatch) {
		return nil
	}

	scoped := p.reqLog.WithSession(sess.ID)

	for _, r := range p.rulesFor() {
		if r.spec.Request.Method != "" && !methodMatches(r.spec.Request.Method, sess.Request.Method) {
			continue
		}
		if !r.glob.Match(watch.RequestPath(sess.Request.URL)) {
			continue
		}

		hit := r.hits.Add(1)
		if r.spec.Request.Nth > 0 && int(hit) != r.spec.Request.Nth {
			continue
		}

		p.respond(sess, r.spec.Response)
		if scoped != nil {
			scoped.Log(reqlog.Mocked, Name, fmt.Sprintf("%s %s matched rule %q", sess.Request.Method, sess.Request.URL, r.spec.Request.URL))
		}
		return nil
	}

	return nil
}

func methodMatches(configured, actual string) bool {
	return configured == actual
}

func (p *Plugin) respond(sess *session.Session, resp configstore.MockResponseSpec) {
	h := http.Header{}
	for _, hp := range resp.Headers {
		h.Add(hp.Name, hp.Value)
	}

	body := p.resolveBody(resp.Body)
	sess.GenericResponse(body, resp.StatusCode, h)
}

// resolveBody handles the three Body kinds, streaming @-file references
// from disk with a graceful fallback to the literal reference string on a
// missing file (spec.md Section 8 scenario 6).
func (p *Plugin) resolveBody(b configstore.Body) []byte {
	switch b.Kind {
	case configstore.BodyFileRef:
		path := filepath.Join(p.payloadDir, b.FileRef)
		data, err := os.ReadFile(path)
		if err != nil {
			p.logger.Error("mockresponder: reading @-file body failed, falling back to literal reference", "path", path, "error", err)
			return []byte("@" + b.FileRef)
		}
		return data
	case configstore.BodyString:
		return []byte(b.String)
	default:
		return []byte(b.JSON)
	}
}

// Factory adapts New to pluginhost.Factory.
func Factory(mocksDoc *configstore.Loader[configstore.MocksDocument], payloadDir string, reqLog *reqlog.Logger, logger *slog.Logger) pluginhost.Factory {
	return func(desc pluginhost.Descriptor) (pluginhost.Plugin, error) {
		return New(desc, mocksDoc, payloadDir, reqLog, logger)
	}
}
