// Package pluginhost implements the plugin host (design doc Section 4.6):
// it resolves plugins from config, orders them, instantiates each with its
// context, and fires their lifecycle hooks. Short-circuiting on a set
// response is a convention every plugin follows via ShouldExecute, not a
// decision the host makes for them (design doc: "the host does not
// unilaterally short-circuit subscribers").
package pluginhost

import (
	"fmt"
	"plugin"

	"github.com/spf13/cobra"

	"github.com/nivlark/devproxy/internal/events"
	"github.com/nivlark/devproxy/internal/session"
	"github.com/nivlark/devproxy/internal/watch"
)

// Descriptor is one entry in the process config's ordered plugin list
// (design doc Section 4.6/6).
type Descriptor struct {
	Name          string             `yaml:"name"`
	Enabled       bool               `yaml:"enabled"`
	URLsToWatch   []watch.PatternSpec `yaml:"urlsToWatch"`
	ConfigSection string             `yaml:"configSection"`
	PluginPath    string             `yaml:"pluginPath"` // non-empty => load via Go's plugin package
}

// Plugin is the stable ABI every plugin, in-process or dynamically loaded,
// implements. Register subscribes the plugin's handlers to bus.
type Plugin interface {
	Register(bus *events.Bus)
}

// CommandContributor is an optional extension a plugin may implement to add
// CLI flags during the Init phase (design doc Section 4.6 step 3).
type CommandContributor interface {
	Init(root *cobra.Command)
}

// OptionsAware is an optional extension a plugin may implement to observe
// the fully-parsed invocation context once CLI parsing completes.
type OptionsAware interface {
	OptionsLoaded(ctx *cobra.Command)
}

// Factory builds a Plugin instance for one Descriptor. Each in-process
// plugin package registers a Factory under its own name in a Registry
// built by cmd/devproxy/main.go.
type Factory func(desc Descriptor) (Plugin, error)

// Host holds the ordered, instantiated, registered plugin set for one
// running proxy.
type Host struct {
	bus     *events.Bus
	plugins []Plugin
	names   []string
}

// Load resolves every enabled Descriptor (in declaration order) into a
// Plugin via either the in-process factories map or, if PluginPath is set,
// Go's plugin.Open/Lookup — the dlopen-style stable ABI called for by the
// design's "reflection-based plugin loading" redesign note: a single
// exported symbol, DevProxyPlugin, of type Plugin.
func Load(bus *events.Bus, descs []Descriptor, factories map[string]Factory) (*Host, error) {
	h := &Host{bus: bus}

	for _, d := range descs {
		if !d.Enabled {
			continue
		}

		var p Plugin
		var err error

		switch {
		case d.PluginPath != "":
			p, err = loadDynamic(d)
		default:
			factory, ok := factories[d.Name]
			if !ok {
				return nil, fmt.Errorf("pluginhost: no in-process factory registered for plugin %q", d.Name)
			}
			p, err = factory(d)
		}
		if err != nil {
			return nil, fmt.Errorf("pluginhost: loading plugin %q: %w", d.Name, err)
		}

		p.Register(bus)
		h.plugins = append(h.plugins, p)
		h.names = append(h.names, d.Name)
	}

	return h, nil
}

// loadDynamic opens a compiled Go plugin binary and looks up its exported
// DevProxyPlugin symbol.
func loadDynamic(d Descriptor) (Plugin, error) {
	pl, err := plugin.Open(d.PluginPath)
	if err != nil {
		return nil, fmt.Errorf("opening plugin binary %s: %w", d.PluginPath, err)
	}
	sym, err := pl.Lookup("DevProxyPlugin")
	if err != nil {
		return nil, fmt.Errorf("plugin %s missing DevProxyPlugin symbol: %w", d.PluginPath, err)
	}
	p, ok := sym.(Plugin)
	if !ok {
		return nil, fmt.Errorf("plugin %s's DevProxyPlugin does not implement pluginhost.Plugin", d.PluginPath)
	}
	return p, nil
}

// Init fires the Init lifecycle hook (design doc Section 4.6 step 3) on
// every loaded plugin that implements CommandContributor, in load order.
func (h *Host) Init(root *cobra.Command) {
	for _, p := range h.plugins {
		if cc, ok := p.(CommandContributor); ok {
			cc.Init(root)
		}
	}
}

// OptionsLoaded fires after CLI parsing completes.
func (h *Host) OptionsLoaded(ctx *cobra.Command) {
	for _, p := range h.plugins {
		if oa, ok := p.(OptionsAware); ok {
			oa.OptionsLoaded(ctx)
		}
	}
}

// Names returns the loaded plugin names in declaration order.
func (h *Host) Names() []string { return h.names }

// ShouldExecute is the standard guard every plugin's BeforeRequest/
// BeforeResponse handler calls first (design doc Section 4.6): a plugin
// no-ops once the response is already set, or if the session's URL isn't
// in its watch list.
func ShouldExecute(sess *session.Session, urlsToWatch *watch.Matcher) bool {
	if sess.State.HasBeenSet() {
		return false
	}
	return urlsToWatch.IsIncluded(sess.Request.URL)
}
