package pluginhost

import (
	"fmt"
	"os"
	"path/filepath"
	"plugin"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/run-vibes/vibes/internal/events"
)

// dispatchTimeout bounds every call into plugin code: OnLoad, every event
// handler, HandleCommand, HandleRoute (spec.md §4.5 "a plugin call that
// does not return within 5s is treated as failed").
const dispatchTimeout = 5 * time.Second

// symbolOpener resolves a shared object's two required exported symbols.
// Production code backs this with plugin.Open/Lookup; tests inject an
// in-memory fake since there is no way to build a real .so without the Go
// toolchain in this environment.
type symbolOpener func(path string) (apiVersion func() uint32, create func() Plugin, err error)

func openSharedObject(path string) (func() uint32, func() Plugin, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("pluginhost: open %s: %w", path, err)
	}

	verSym, err := p.Lookup("_vibes_plugin_api_version")
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: _vibes_plugin_api_version", ErrMissingSymbol, path)
	}
	verFn, ok := verSym.(func() uint32)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s: _vibes_plugin_api_version has wrong signature", ErrMissingSymbol, path)
	}

	createSym, err := p.Lookup("_vibes_plugin_create")
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: _vibes_plugin_create", ErrMissingSymbol, path)
	}
	createFn, ok := createSym.(func() Plugin)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s: _vibes_plugin_create has wrong signature", ErrMissingSymbol, path)
	}

	return verFn, createFn, nil
}

// loadedPlugin is one entry in Host.plugins.
type loadedPlugin struct {
	name     string
	manifest Manifest
	instance Plugin
	ctx      *Context
	state    State
	err      error

	commandPaths []string // fully namespaced, for conflict bookkeeping
	routeKeys    []string
}

// Host discovers, loads, and dispatches into plugins, isolating each
// plugin's panics and timeouts from the daemon and from every other
// plugin (spec.md §4.5).
type Host struct {
	log          *logrus.Entry
	searchRoots  []string // precedence order, first wins
	configDir    string
	open         symbolOpener
	timeout      time.Duration

	mu        sync.Mutex
	plugins   map[string]*loadedPlugin
	commands  map[string]string // namespaced path -> plugin name
	routes    map[string]string // "METHOD /api/plugin/pattern" -> plugin name
	loadOrder []string          // names in the order they were (most recently) loaded
}

// NewHost constructs a Host that loads real shared objects via Go's
// plugin package. searchRoots are consulted in order for both plugin
// binaries and each root's own registry.toml; configDir roots per-plugin
// config.toml files.
func NewHost(searchRoots []string, configDir string, log *logrus.Logger) *Host {
	return newHost(searchRoots, configDir, log, openSharedObject)
}

func newHost(searchRoots []string, configDir string, log *logrus.Logger, open symbolOpener) *Host {
	return &Host{
		log:         log.WithField("component", "pluginhost"),
		searchRoots: searchRoots,
		configDir:   configDir,
		open:        open,
		timeout:     dispatchTimeout,
		plugins:     make(map[string]*loadedPlugin),
		commands:    make(map[string]string),
		routes:      make(map[string]string),
	}
}

// candidate is one discovered plugin binary.
type candidate struct {
	name string
	path string
}

// discover walks every search root in precedence order (a name found in an
// earlier root shadows the same name in a later one) and returns the
// enabled plugin candidates sorted by name. Layout per root:
// <root>/<name>/<name>.<semver>.<ext> with a fixed-name alias
// <root>/<name>/<name>.<ext> (spec.md §4.5 "Discover").
func (h *Host) discover() ([]candidate, error) {
	seen := map[string]bool{}
	var out []candidate

	for _, root := range h.searchRoots {
		enabled, err := readRegistry(filepath.Join(root, "registry.toml"))
		if err != nil {
			return nil, fmt.Errorf("pluginhost: read registry under %s: %w", root, err)
		}

		entries, err := os.ReadDir(root)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("pluginhost: scan %s: %w", root, err)
		}

		for _, entry := range entries {
			if !entry.IsDir() || seen[entry.Name()] {
				continue
			}
			name := entry.Name()
			if !enabled[name] {
				continue
			}
			alias := filepath.Join(root, name, name+sharedObjectExt())
			if _, err := os.Stat(alias); err != nil {
				continue
			}
			seen[name] = true
			out = append(out, candidate{name: name, path: alias})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, nil
}

func sharedObjectExt() string {
	return ".so"
}

// LoadAll discovers and loads every enabled plugin. Each plugin loads (or
// fails) independently; a failure in one does not prevent the others from
// loading (spec.md §4.5 load sequencing). It returns the names that
// failed to load, paired with their errors.
func (h *Host) LoadAll() map[string]error {
	candidates, err := h.discover()
	if err != nil {
		h.log.WithError(err).Error("pluginhost: discovery failed")
		return nil
	}

	failures := make(map[string]error)
	for _, c := range candidates {
		if err := h.Load(c.name, c.path); err != nil {
			failures[c.name] = err
		}
	}
	return failures
}

// Load loads a single plugin by name from path. Its command and route
// registrations are all-or-nothing: if any conflicts with an
// already-loaded plugin's registration, none of this plugin's
// registrations take effect and the plugin is unloaded (spec.md §4.5
// "register_command"/"register_route" conflict handling).
func (h *Host) Load(name, path string) error {
	verFn, createFn, err := h.open(path)
	if err != nil {
		return err
	}
	if verFn() != APIVersion {
		return fmt.Errorf("%w: %s reports %d, host requires %d", ErrAPIVersionMismatch, name, verFn(), APIVersion)
	}

	instance := createFn()

	h.mu.Lock()
	_, alreadyLoaded := h.plugins[name]
	h.mu.Unlock()
	if alreadyLoaded {
		return fmt.Errorf("pluginhost: %s is already loaded, call Reload", name)
	}

	lp := &loadedPlugin{name: name, instance: instance, state: StateLoaded}

	var provisionalCommands []string
	var provisionalRoutes []string
	registerErr := error(nil)

	ctx := newContext(name, h.configDir, h.log,
		func(spec CommandSpec) error {
			key := namespacedCommand(name, spec.Path)
			if contains(provisionalCommands, key) {
				registerErr = fmt.Errorf("%w: %s", ErrCommandConflict, key)
				return registerErr
			}
			h.mu.Lock()
			_, exists := h.commands[key]
			h.mu.Unlock()
			if exists {
				registerErr = fmt.Errorf("%w: %s", ErrCommandConflict, key)
				return registerErr
			}
			provisionalCommands = append(provisionalCommands, key)
			return nil
		},
		func(spec RouteSpec) error {
			key := routeKey(spec.Method, name, spec.Path)
			if contains(provisionalRoutes, key) {
				registerErr = fmt.Errorf("%w: %s", ErrRouteConflict, key)
				return registerErr
			}
			h.mu.Lock()
			_, exists := h.routes[key]
			h.mu.Unlock()
			if exists {
				registerErr = fmt.Errorf("%w: %s", ErrRouteConflict, key)
				return registerErr
			}
			provisionalRoutes = append(provisionalRoutes, key)
			return nil
		},
	)
	lp.ctx = ctx

	if err := h.guard(lp, func() error { return instance.OnLoad(ctx) }); err != nil {
		return err
	}
	if registerErr != nil {
		h.guard(lp, func() error { return instance.OnUnload() })
		return registerErr
	}

	lp.manifest = instance.Manifest()
	lp.commandPaths = provisionalCommands
	lp.routeKeys = provisionalRoutes

	h.mu.Lock()
	for _, key := range provisionalCommands {
		h.commands[key] = name
	}
	for _, key := range provisionalRoutes {
		h.routes[key] = name
	}
	h.plugins[name] = lp
	h.loadOrder = append(h.loadOrder, name)
	h.mu.Unlock()

	return nil
}

// locate returns the expected shared-object path for name, searching the
// host's roots in precedence order. It does not require the plugin to be
// enabled in any registry.toml.
func (h *Host) locate(name string) (string, error) {
	for _, root := range h.searchRoots {
		dir := filepath.Join(root, name)
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		return filepath.Join(dir, name+sharedObjectExt()), nil
	}
	return "", ErrPluginNotFound
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func namespacedCommand(pluginName string, path []string) string {
	return strings.Join(append([]string{pluginName}, path...), "/")
}

func routeKey(method, pluginName, pattern string) string {
	pattern = strings.TrimPrefix(pattern, "/")
	return fmt.Sprintf("%s /api/%s/%s", strings.ToUpper(method), pluginName, pattern)
}

// guard runs fn with panic recovery and a dispatch-timeout watchdog,
// flipping lp to Failed on either (spec.md §4.5 isolation guarantee).
func (h *Host) guard(lp *loadedPlugin, fn func() error) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%w: %v", ErrPluginPanicked, r)
			}
		}()
		done <- fn()
	}()

	select {
	case err := <-done:
		if err != nil {
			h.markFailed(lp, err)
		}
		return err
	case <-time.After(h.timeout):
		h.markFailed(lp, ErrPluginTimeout)
		return ErrPluginTimeout
	}
}

func (h *Host) markFailed(lp *loadedPlugin, err error) {
	h.mu.Lock()
	lp.state = StateFailed
	lp.err = err
	h.mu.Unlock()
	h.log.WithError(err).WithField("plugin", lp.name).Error("pluginhost: plugin marked Failed")
}

// Unload runs OnUnload, removes the plugin's command and route
// registrations, and drops it from the host.
func (h *Host) Unload(name string) error {
	h.mu.Lock()
	lp, ok := h.plugins[name]
	h.mu.Unlock()
	if !ok {
		return ErrPluginNotFound
	}

	h.guard(lp, func() error { return lp.instance.OnUnload() })

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, key := range lp.commandPaths {
		delete(h.commands, key)
	}
	for _, key := range lp.routeKeys {
		delete(h.routes, key)
	}
	delete(h.plugins, name)
	for i, n := range h.loadOrder {
		if n == name {
			h.loadOrder = append(h.loadOrder[:i], h.loadOrder[i+1:]...)
			break
		}
	}
	return nil
}

// Reload unloads then re-loads a plugin from path. A reload failure
// leaves the plugin unloaded rather than resurrecting the stale instance
// (spec.md §4.5 "reload").
func (h *Host) Reload(name, path string) error {
	h.mu.Lock()
	_, exists := h.plugins[name]
	h.mu.Unlock()
	if exists {
		if err := h.Unload(name); err != nil {
			return err
		}
	}
	return h.Load(name, path)
}

// ReloadByName resolves name's on-disk path and reloads it in place. Unlike
// Reload, the caller does not need to already know the plugin's path — this
// is what the CLI's "plugin reload <name>" command uses.
func (h *Host) ReloadByName(name string) error {
	path, err := h.locate(name)
	if err != nil {
		return err
	}
	return h.Reload(name, path)
}

// UnloadAll unloads every currently loaded plugin in reverse load order,
// used during daemon shutdown (spec.md §4.6 shutdown step 4). Unload
// failures are logged and do not stop the rest of the teardown.
func (h *Host) UnloadAll() {
	h.mu.Lock()
	order := append([]string(nil), h.loadOrder...)
	h.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		if err := h.Unload(name); err != nil {
			h.log.WithError(err).WithField("plugin", name).Warn("pluginhost: unload during shutdown failed")
		}
	}
}

// Enable marks name enabled in its discovered root's registry.toml and
// loads it.
func (h *Host) Enable(name string) error {
	for _, root := range h.searchRoots {
		dir := filepath.Join(root, name)
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		regPath := filepath.Join(root, "registry.toml")
		enabled, err := readRegistry(regPath)
		if err != nil {
			return err
		}
		enabled[name] = true
		if err := writeRegistry(regPath, enabled); err != nil {
			return err
		}
		return h.Load(name, filepath.Join(dir, name+sharedObjectExt()))
	}
	return ErrPluginNotFound
}

// Disable marks name disabled in its registry.toml and unloads it if
// currently loaded.
func (h *Host) Disable(name string) error {
	found := false
	for _, root := range h.searchRoots {
		dir := filepath.Join(root, name)
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		found = true
		regPath := filepath.Join(root, "registry.toml")
		enabled, err := readRegistry(regPath)
		if err != nil {
			return err
		}
		enabled[name] = false
		if err := writeRegistry(regPath, enabled); err != nil {
			return err
		}
	}
	if !found {
		return ErrPluginNotFound
	}

	h.mu.Lock()
	_, loaded := h.plugins[name]
	h.mu.Unlock()
	if loaded {
		return h.Unload(name)
	}
	return nil
}

// Info returns the manifest and state of a single loaded plugin.
func (h *Host) Info(name string) (Manifest, State, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	lp, ok := h.plugins[name]
	if !ok {
		return Manifest{}, "", ErrPluginNotFound
	}
	return lp.manifest, lp.state, nil
}

// List returns every loaded plugin's name in sorted order, the
// deterministic dispatch order spec.md §4.5 requires for broadcast event
// handlers.
func (h *Host) List() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.plugins))
	for name := range h.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DiscoveredPlugin describes one plugin directory found under a search
// root, whether or not it is currently enabled and loaded.
type DiscoveredPlugin struct {
	Name  string
	State State
}

// ListAll returns every discovered plugin directory across all search
// roots, loaded or not, with its current state — StateDisabled for a
// plugin directory that exists but is not currently loaded. This backs
// "plugin list --all", which, unlike List, also surfaces plugins a user
// has not yet enabled (spec.md §4.5 "Discover").
func (h *Host) ListAll() []DiscoveredPlugin {
	seen := map[string]bool{}
	var out []DiscoveredPlugin

	for _, root := range h.searchRoots {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() || seen[entry.Name()] {
				continue
			}
			name := entry.Name()
			alias := filepath.Join(root, name, name+sharedObjectExt())
			if _, err := os.Stat(alias); err != nil {
				continue
			}
			seen[name] = true

			h.mu.Lock()
			lp, loaded := h.plugins[name]
			h.mu.Unlock()

			state := StateDisabled
			if loaded {
				state = lp.state
			}
			out = append(out, DiscoveredPlugin{Name: name, State: state})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Broadcast dispatches an event to every loaded, non-Failed, non-Disabled
// plugin's matching handler, in name-ascending order. Per-plugin panics
// or timeouts mark that plugin Failed without affecting the others
// (spec.md §4.5).
func (h *Host) Broadcast(e events.Event) {
	for _, name := range h.List() {
		h.mu.Lock()
		lp, ok := h.plugins[name]
		h.mu.Unlock()
		if !ok || lp.state != StateLoaded {
			continue
		}
		h.guard(lp, func() error {
			dispatchEvent(lp.instance, e)
			return nil
		})
	}
}

func dispatchEvent(p Plugin, e events.Event) {
	switch e.Kind {
	case events.KindSessionCreated:
		p.OnSessionCreated(e)
	case events.KindSessionStateChange:
		p.OnSessionStateChanged(e)
	case events.KindTurnStart:
		p.OnTurnStart(e)
	case events.KindTurnComplete:
		p.OnTurnComplete(e)
	case events.KindToolUseStart:
		p.OnToolUseStart(e)
	case events.KindToolResult:
		p.OnToolResult(e)
	case events.KindError:
		p.OnError(e)
	case events.KindPtyOutput:
		p.OnPtyOutput(e)
	}
}

// DispatchCommand routes a fully namespaced command path (first segment
// is the owning plugin's name) to that plugin's HandleCommand, subject to
// the same panic/timeout isolation as Broadcast (spec.md §4.5
// "dispatch_command").
func (h *Host) DispatchCommand(path []string, args []string) (CommandOutput, error) {
	if len(path) == 0 {
		return CommandOutput{}, ErrUnknownCommand
	}
	key := strings.Join(path, "/")

	h.mu.Lock()
	name, ok := h.commands[key]
	var lp *loadedPlugin
	if ok {
		lp = h.plugins[name]
	}
	h.mu.Unlock()

	if !ok || lp == nil {
		return CommandOutput{}, ErrUnknownCommand
	}
	if lp.state == StateFailed {
		return CommandOutput{}, ErrPluginFailed
	}
	if lp.state == StateDisabled {
		return CommandOutput{}, ErrPluginDisabled
	}

	subPath := path[1:]
	var out CommandOutput
	err := h.guard(lp, func() error {
		var callErr error
		out, callErr = lp.instance.HandleCommand(subPath, args, lp.ctx)
		return callErr
	})
	return out, err
}

// DispatchRoute routes a method+pattern pair to the owning plugin's
// HandleRoute.
func (h *Host) DispatchRoute(method, pluginName, pattern string, req RouteRequest) (RouteResponse, error) {
	key := routeKey(method, pluginName, pattern)

	h.mu.Lock()
	name, ok := h.routes[key]
	var lp *loadedPlugin
	if ok {
		lp = h.plugins[name]
	}
	h.mu.Unlock()

	if !ok || lp == nil {
		return RouteResponse{Status: 404}, ErrUnknownRoute
	}
	if lp.state != StateLoaded {
		return RouteResponse{Status: 503}, ErrPluginFailed
	}

	var out RouteResponse
	err := h.guard(lp, func() error {
		var callErr error
		out, callErr = lp.instance.HandleRoute(method, pattern, req, lp.ctx)
		return callErr
	})
	return out, err
}
