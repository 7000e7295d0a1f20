// Package odataguidance implements the OData paging tip plugin (design doc
// Section 4.16/spec.md Section 8 scenario 4): it watches AfterResponse for
// an "@odata.nextLink" in the body, remembers that link's full URL in
// sharedstate.Registry's per-plugin GlobalData, and logs a Tip when a later
// request carries a $skip parameter and its URL is not one of the links this
// proxy issued.
package odataguidance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/nivlark/devproxy/internal/events"
	"github.com/nivlark/devproxy/internal/pluginhost"
	"github.com/nivlark/devproxy/internal/reqlog"
	"github.com/nivlark/devproxy/internal/sharedstate"
	"github.com/nivlark/devproxy/internal/watch"
)

// Name is the plugin's registered name and GlobalData slot key.
const Name = "odata-guidance"

const issuedLinksKey = "issuedNextLinks"

// Plugin is the OData paging tip plugin.
type Plugin struct {
	urlsToWatch *watch.Matcher
	registry    *sharedstate.Registry
	reqLog      *reqlog.Logger
}

// New builds the plugin.
func New(desc pluginhost.Descriptor, registry *sharedstate.Registry, reqLog *reqlog.Logger) (*Plugin, error) {
	matcher, err := watch.NewMatcher(desc.URLsToWatch)
	if err != nil {
		return nil, fmt.Errorf("odataguidance: compiling urlsToWatch: %w", err)
	}
	return &Plugin{urlsToWatch: matcher, registry: registry, reqLog: reqLog}, nil
}

// Register subscribes the plugin to BeforeRequest (to flag unsolicited
// $skip values before the request is served) and AfterResponse (to record
// nextLinks this proxy itself issued).
func (p *Plugin) Register(bus *events.Bus) {
	bus.Subscribe(events.BeforeRequest, Name, p.handleBeforeRequest)
	bus.Subscribe(events.AfterResponse, Name, p.handleAfterResponse)
}

func (p *Plugin) handleBeforeRequest(ctx context.Context, rawArgs any) error {
	args, ok := rawArgs.(*events.ProxyRequestArgs)
	if !ok {
		return fmt.Errorf("odataguidance: unexpected args type %T", rawArgs)
	}
	sess := args.Session
	if !p.urlsToWatch.IsIncluded(sess.Request.URL) {
		return nil
	}

	skip := skipParam(sess.Request.URL)
	if skip == "" {
		return nil
	}

	data := p.registry.GlobalData(Name)
	issued, _ := data.Get(issuedLinksKey)
	issuedSet, _ := issued.(map[string]bool)
	if issuedSet[sess.Request.URL] {
		return nil
	}

	p.reqLog.WithSession(sess.ID).Log(reqlog.Tip, Name,
		fmt.Sprintf("$skip=%s was constructed manually, not returned by a previous @odata.nextLink", skip))
	return nil
}

func (p *Plugin) handleAfterResponse(ctx context.Context, rawArgs any) error {
	args, ok := rawArgs.(*events.ProxyResponseArgs)
	if !ok {
		return fmt.Errorf("odataguidance: unexpected args type %T", rawArgs)
	}
	sess := args.Session
	if !p.urlsToWatch.IsIncluded(sess.Request.URL) {
		return nil
	}

	nextLink := extractNextLink(sess.Response.Body())
	if nextLink == "" {
		return nil
	}

	data := p.registry.GlobalData(Name)
	data.Mutate(func(d map[string]any) {
		issued, _ := d[issuedLinksKey].(map[string]bool)
		if issued == nil {
			issued = make(map[string]bool)
		}
		issued[nextLink] = true
		d[issuedLinksKey] = issued
	})
	return nil
}

func extractNextLink(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	link, _ := parsed["@odata.nextLink"].(string)
	return link
}

func skipParam(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Query().Get("$skip")
}

// Factory adapts New to pluginhost.Factory.
func Factory(registry *sharedstate.Registry, reqLog *reqlog.Logger) pluginhost.Factory {
	return func(desc pluginhost.Descriptor) (pluginhost.Plugin, error) {
		return New(desc, registry, reqLog)
	}
}
