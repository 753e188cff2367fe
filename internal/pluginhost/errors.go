package pluginhost

import "errors"

var (
	// ErrUnknownCommand is returned by BasePlugin.HandleCommand and by Host
	// dispatch when no plugin recognizes a command path.
	ErrUnknownCommand = errors.New("pluginhost: unknown command")
	// ErrUnknownRoute is returned by BasePlugin.HandleRoute and by Host
	// dispatch when no plugin owns a route.
	ErrUnknownRoute = errors.New("pluginhost: unknown route")
	// ErrAPIVersionMismatch aborts a Load when a plugin's
	// _vibes_plugin_api_version does not exactly equal APIVersion.
	ErrAPIVersionMismatch = errors.New("pluginhost: plugin API version mismatch")
	// ErrMissingSymbol aborts a Load when a plugin's shared object does not
	// export one of the required ABI symbols.
	ErrMissingSymbol = errors.New("pluginhost: plugin missing required symbol")
	// ErrPluginNotFound is returned by management operations addressing an
	// unknown plugin name.
	ErrPluginNotFound = errors.New("pluginhost: plugin not found")
	// ErrCommandConflict aborts a Load when two plugins register the same
	// command path.
	ErrCommandConflict = errors.New("pluginhost: command path already registered")
	// ErrRouteConflict aborts a Load when two plugins register the same
	// route.
	ErrRouteConflict = errors.New("pluginhost: route already registered")
	// ErrPluginPanicked is the sentinel recorded against a plugin after a
	// dispatched call panics.
	ErrPluginPanicked = errors.New("pluginhost: plugin panicked")
	// ErrPluginTimeout is the sentinel recorded against a plugin after a
	// dispatched call exceeds the dispatch timeout.
	ErrPluginTimeout = errors.New("pluginhost: plugin call timed out")
	// ErrPluginFailed is returned by Dispatch for a plugin already in the
	// Failed state.
	ErrPluginFailed = errors.New("pluginhost: plugin is in Failed state")
	// ErrPluginDisabled is returned by Dispatch for a plugin in the
	// Disabled state.
	ErrPluginDisabled = errors.New("pluginhost: plugin is disabled")
)
