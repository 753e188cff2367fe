// Package pluginhost discovers, loads, version-checks, and dispatches into
// dynamically loaded plugin code, isolating panics and timeouts so that one
// misbehaving plugin cannot affect the daemon or any other plugin
// (spec.md §4.5).
package pluginhost

import "github.com/run-vibes/vibes/internal/events"

// APIVersion is the host's ABI version. A plugin's exported
// _vibes_plugin_api_version must equal this exactly; any mismatch aborts
// the load (spec.md §4.5, §6).
const APIVersion uint32 = 1

// State is a loaded plugin's lifecycle state.
type State string

const (
	StateLoaded   State = "Loaded"
	StateDisabled State = "Disabled"
	StateFailed   State = "Failed"
)

// Manifest describes a plugin, returned once post-load by Manifest().
type Manifest struct {
	Name        string
	Version     string // semver
	APIVersion  uint32
	Description string
	Author      string
	License     string
	Commands    []CommandSpec
}

// CommandSpec describes one CLI command a plugin wants to register.
type CommandSpec struct {
	Path        []string
	Description string
	Args        []string
}

// RouteSpec describes one HTTP route a plugin wants to register.
type RouteSpec struct {
	Method  string
	Path    string // pattern, may contain :param segments
}

// CommandOutput is the tagged result of a dispatched CLI command.
type CommandOutput struct {
	Kind     CommandOutputKind
	Text     string
	Rows     [][]string
	ExitCode int
}

// CommandOutputKind selects which CommandOutput field is populated.
type CommandOutputKind string

const (
	CommandOutputText    CommandOutputKind = "text"
	CommandOutputTable   CommandOutputKind = "table"
	CommandOutputSuccess CommandOutputKind = "success"
)

// RouteRequest is the inbound request forwarded to a plugin's route handler,
// with :param segments already extracted.
type RouteRequest struct {
	Params map[string]string
	Query  map[string]string
	Body   []byte
}

// RouteResponse is returned by a plugin's route handler.
type RouteResponse struct {
	Status      int
	Body        []byte
	ContentType string
}

// Plugin is the polymorphic capability set every plugin exposes
// (spec.md §4.5). Event handlers default to no-ops; embed BasePlugin to
// get that default and override only what you need.
type Plugin interface {
	Manifest() Manifest
	OnLoad(ctx *Context) error
	OnUnload() error

	OnSessionCreated(events.Event)
	OnSessionStateChanged(events.Event)
	OnTurnStart(events.Event)
	OnTurnComplete(events.Event)
	OnToolUseStart(events.Event)
	OnToolResult(events.Event)
	OnError(events.Event)
	OnPtyOutput(events.Event)

	HandleCommand(path []string, args []string, ctx *Context) (CommandOutput, error)
	HandleRoute(method, pattern string, req RouteRequest, ctx *Context) (RouteResponse, error)
}

// BasePlugin implements every Plugin method as a no-op. Real plugins embed
// it and override only the handlers they care about, the same way the
// corpus's event-driven plugin runtimes default unmarked hooks to no-ops
// (see streamspace's plugin runtime, which documents "default-no-op where
// unmarked").
type BasePlugin struct{}

func (BasePlugin) Manifest() Manifest                 { return Manifest{} }
func (BasePlugin) OnLoad(*Context) error               { return nil }
func (BasePlugin) OnUnload() error                     { return nil }
func (BasePlugin) OnSessionCreated(events.Event)       {}
func (BasePlugin) OnSessionStateChanged(events.Event)  {}
func (BasePlugin) OnTurnStart(events.Event)            {}
func (BasePlugin) OnTurnComplete(events.Event)         {}
func (BasePlugin) OnToolUseStart(events.Event)         {}
func (BasePlugin) OnToolResult(events.Event)           {}
func (BasePlugin) OnError(events.Event)                {}
func (BasePlugin) OnPtyOutput(events.Event)            {}

func (BasePlugin) HandleCommand([]string, []string, *Context) (CommandOutput, error) {
	return CommandOutput{}, ErrUnknownCommand
}

func (BasePlugin) HandleRoute(string, string, RouteRequest, *Context) (RouteResponse, error) {
	return RouteResponse{Status: 404}, ErrUnknownRoute
}
