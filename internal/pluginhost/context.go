package pluginhost

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

// Context is the capability object handed to a plugin at OnLoad and on
// every dispatched call: scoped config, scoped logging, and command/route
// registration (spec.md §4.5 "PluginContext"). It is the plugin's only
// channel back into the host; plugins never see the Host itself.
type Context struct {
	name       string
	configPath string
	log        *logrus.Entry

	mu     sync.Mutex
	config map[string]any

	registerCommand func(CommandSpec) error
	registerRoute   func(RouteSpec) error
}

func newContext(name, configDir string, log *logrus.Entry, registerCommand func(CommandSpec) error, registerRoute func(RouteSpec) error) *Context {
	return &Context{
		name:             name,
		configPath:       filepath.Join(configDir, name, "config.toml"),
		log:              log.WithField("plugin", name),
		config:           map[string]any{},
		registerCommand:  registerCommand,
		registerRoute:    registerRoute,
	}
}

// Logger returns a logger scoped to this plugin's name, used verbatim the
// way the daemon's own components pull a *logrus.Entry rather than the
// root logger.
func (c *Context) Logger() *logrus.Entry {
	return c.log
}

// ConfigGet re-reads the plugin's per-plugin config.toml on every call and
// returns the value for key, or ok=false if unset (spec.md §4.5
// "config_get/config_set").
func (c *Context) ConfigGet(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.loadConfigLocked(); err != nil {
		c.log.WithError(err).Warn("pluginhost: config load failed")
	}
	v, ok := c.config[key]
	return v, ok
}

// ConfigSet writes key=value into the plugin's config.toml, persisting
// immediately so the value survives a daemon restart.
func (c *Context) ConfigSet(key string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.loadConfigLocked(); err != nil {
		c.log.WithError(err).Warn("pluginhost: config load failed")
	}
	c.config[key] = value
	return c.saveConfigLocked()
}

func (c *Context) loadConfigLocked() error {
	data, err := os.ReadFile(c.configPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return toml.Unmarshal(data, &c.config)
}

func (c *Context) saveConfigLocked() error {
	if err := os.MkdirAll(filepath.Dir(c.configPath), 0o755); err != nil {
		return err
	}
	f, err := os.Create(c.configPath)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(c.config)
}

// RegisterCommand registers a CLI command path under this plugin's
// namespace (spec.md §4.5 "register_command"). A path that is already
// registered makes this call return ErrCommandConflict, and Host.Load then
// aborts the whole load; otherwise the registration stays provisional until
// the load succeeds.
func (c *Context) RegisterCommand(spec CommandSpec) error {
	return c.registerCommand(spec)
}

// RegisterRoute registers an HTTP route under /api/<plugin_name>/...
// (spec.md §4.5 "register_route").
func (c *Context) RegisterRoute(spec RouteSpec) error {
	return c.registerRoute(spec)
}
