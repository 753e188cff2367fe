package pluginhost

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/run-vibes/vibes/internal/events"
)

func mustEvent() events.Event {
	return events.SessionCreated("s1", "agent")
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// fakePlugin is an in-memory stand-in for a loaded shared object, since
// this environment cannot build real .so fixtures without the Go
// toolchain.
type fakePlugin struct {
	BasePlugin
	name     string
	commands []CommandSpec
	routes   []RouteSpec

	onLoad    func(*Context) error
	onUnload  func() error
	onCommand func([]string, []string, *Context) (CommandOutput, error)
	panicOn   string // event/method name to panic on
	hangOn    string
	sawEvents []string
}

func (f *fakePlugin) OnUnload() error {
	if f.onUnload != nil {
		return f.onUnload()
	}
	return nil
}

func (f *fakePlugin) Manifest() Manifest {
	return Manifest{Name: f.name, Version: "1.0.0", APIVersion: APIVersion, Commands: f.commands}
}

func (f *fakePlugin) OnLoad(ctx *Context) error {
	for _, c := range f.commands {
		if err := ctx.RegisterCommand(c); err != nil {
			return err
		}
	}
	for _, r := range f.routes {
		if err := ctx.RegisterRoute(r); err != nil {
			return err
		}
	}
	if f.onLoad != nil {
		return f.onLoad(ctx)
	}
	return nil
}

func (f *fakePlugin) HandleCommand(path []string, args []string, ctx *Context) (CommandOutput, error) {
	if f.panicOn == "command" {
		panic("boom")
	}
	if f.hangOn == "command" {
		time.Sleep(time.Hour)
	}
	if f.onCommand != nil {
		return f.onCommand(path, args, ctx)
	}
	return CommandOutput{Kind: CommandOutputText, Text: "ok"}, nil
}

func (f *fakePlugin) OnSessionCreated(e events.Event) {
	f.sawEvents = append(f.sawEvents, string(e.Kind))
}

// registerFake installs a fake plugin file at root/name/name.so so
// discover() finds it; fakeOpener builds the symbolOpener that resolves
// that path to the plugin instance.
func registerFake(t *testing.T, root, name string, p Plugin) {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".so"), []byte("stub"), 0o644))
}

func fakeOpener(plugins map[string]Plugin) symbolOpener {
	return func(path string) (func() uint32, func() Plugin, error) {
		name := filepath.Base(filepath.Dir(path))
		p, ok := plugins[name]
		if !ok {
			return nil, nil, fmt.Errorf("no fake plugin registered for %s", path)
		}
		return func() uint32 { return APIVersion }, func() Plugin { return p }, nil
	}
}

func enableAll(t *testing.T, root string, names ...string) {
	t.Helper()
	enabled := map[string]bool{}
	for _, n := range names {
		enabled[n] = true
	}
	require.NoError(t, writeRegistry(filepath.Join(root, "registry.toml"), enabled))
}

func TestLoadAllLoadsEachPluginIndependently(t *testing.T) {
	root := t.TempDir()
	good := &fakePlugin{name: "good"}
	bad := &fakePlugin{name: "bad", onLoad: func(*Context) error { return assertErr }}
	registerFake(t, root, "good", good)
	registerFake(t, root, "bad", bad)
	enableAll(t, root, "good", "bad")

	h := newHost([]string{root}, t.TempDir(), testLogger(), fakeOpener(map[string]Plugin{
		"good": good, "bad": bad,
	}))

	failures := h.LoadAll()
	assert.Len(t, failures, 1)
	assert.Contains(t, failures, "bad")
	assert.Equal(t, []string{"good"}, h.List())
}

var assertErr = fmt.Errorf("induced load failure")

func TestCommandDispatchRoundTrip(t *testing.T) {
	root := t.TempDir()
	p := &fakePlugin{name: "echo", commands: []CommandSpec{{Path: []string{"say"}}}}
	registerFake(t, root, "echo", p)
	enableAll(t, root, "echo")

	h := newHost([]string{root}, t.TempDir(), testLogger(), fakeOpener(map[string]Plugin{"echo": p}))
	failures := h.LoadAll()
	require.Empty(t, failures)

	out, err := h.DispatchCommand([]string{"echo", "say"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Text)
}

func TestDispatchUnknownCommand(t *testing.T) {
	h := newHost(nil, t.TempDir(), testLogger(), fakeOpener(nil))
	_, err := h.DispatchCommand([]string{"nope", "cmd"}, nil)
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestDuplicateCommandPathWithinOnePluginIsRejected(t *testing.T) {
	root := t.TempDir()
	// Since command paths are namespaced by the owning plugin's own name,
	// the only way two registrations can collide is within a single
	// plugin's own OnLoad.
	p := &fakePlugin{name: "dup", commands: []CommandSpec{{Path: []string{"x"}}, {Path: []string{"x"}}}}
	registerFake(t, root, "dup", p)
	enableAll(t, root, "dup")

	h := newHost([]string{root}, t.TempDir(), testLogger(), fakeOpener(map[string]Plugin{"dup": p}))
	err := h.Load("dup", filepath.Join(root, "dup", "dup.so"))
	assert.ErrorIs(t, err, ErrCommandConflict)
	assert.Empty(t, h.List())
}

func TestReloadReplacesAPluginCleanly(t *testing.T) {
	root := t.TempDir()
	p1 := &fakePlugin{name: "p1", commands: []CommandSpec{{Path: []string{"x"}}}}
	registerFake(t, root, "p1", p1)
	enableAll(t, root, "p1")

	h := newHost([]string{root}, t.TempDir(), testLogger(), fakeOpener(map[string]Plugin{"p1": p1}))
	require.NoError(t, h.Load("p1", filepath.Join(root, "p1", "p1.so")))

	_, err := h.DispatchCommand([]string{"p1", "x"}, nil)
	require.NoError(t, err)

	require.NoError(t, h.Reload("p1", filepath.Join(root, "p1", "p1.so")))
	_, err = h.DispatchCommand([]string{"p1", "x"}, nil)
	require.NoError(t, err)
}

func TestPanicInCommandMarksPluginFailed(t *testing.T) {
	root := t.TempDir()
	p := &fakePlugin{name: "crasher", commands: []CommandSpec{{Path: []string{"go"}}}, panicOn: "command"}
	registerFake(t, root, "crasher", p)
	enableAll(t, root, "crasher")

	h := newHost([]string{root}, t.TempDir(), testLogger(), fakeOpener(map[string]Plugin{"crasher": p}))
	require.NoError(t, h.Load("crasher", filepath.Join(root, "crasher", "crasher.so")))

	_, err := h.DispatchCommand([]string{"crasher", "go"}, nil)
	assert.ErrorIs(t, err, ErrPluginPanicked)

	_, state, err := h.Info("crasher")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, state)

	// Subsequent dispatch fails fast instead of calling the plugin again.
	_, err = h.DispatchCommand([]string{"crasher", "go"}, nil)
	assert.ErrorIs(t, err, ErrPluginFailed)
}

func TestDispatchTimeoutMarksPluginFailed(t *testing.T) {
	root := t.TempDir()
	p := &fakePlugin{name: "slow", commands: []CommandSpec{{Path: []string{"go"}}}, hangOn: "command"}
	registerFake(t, root, "slow", p)
	enableAll(t, root, "slow")

	h := newHost([]string{root}, t.TempDir(), testLogger(), fakeOpener(map[string]Plugin{"slow": p}))
	h.timeout = 20 * time.Millisecond
	require.NoError(t, h.Load("slow", filepath.Join(root, "slow", "slow.so")))

	_, err := h.DispatchCommand([]string{"slow", "go"}, nil)
	assert.ErrorIs(t, err, ErrPluginTimeout)

	_, state, err := h.Info("slow")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, state)
}

func TestAPIVersionMismatchAbortsLoad(t *testing.T) {
	root := t.TempDir()
	p := &fakePlugin{name: "oldapi"}
	registerFake(t, root, "oldapi", p)
	enableAll(t, root, "oldapi")

	open := func(path string) (func() uint32, func() Plugin, error) {
		return func() uint32 { return APIVersion + 1 }, func() Plugin { return p }, nil
	}
	h := newHost([]string{root}, t.TempDir(), testLogger(), open)
	err := h.Load("oldapi", filepath.Join(root, "oldapi", "oldapi.so"))
	assert.ErrorIs(t, err, ErrAPIVersionMismatch)
	assert.Empty(t, h.List())
}

func TestDisabledPluginIsNotDiscovered(t *testing.T) {
	root := t.TempDir()
	p := &fakePlugin{name: "off"}
	registerFake(t, root, "off", p)
	// No enableAll call: registry.toml is absent, so nothing is enabled.

	h := newHost([]string{root}, t.TempDir(), testLogger(), fakeOpener(map[string]Plugin{"off": p}))
	failures := h.LoadAll()
	assert.Empty(t, failures)
	assert.Empty(t, h.List())
}

func TestEnableThenDisableRoundTrip(t *testing.T) {
	root := t.TempDir()
	p := &fakePlugin{name: "toggle"}
	registerFake(t, root, "toggle", p)

	h := newHost([]string{root}, t.TempDir(), testLogger(), fakeOpener(map[string]Plugin{"toggle": p}))
	require.NoError(t, h.Enable("toggle"))
	assert.Equal(t, []string{"toggle"}, h.List())

	require.NoError(t, h.Disable("toggle"))
	assert.Empty(t, h.List())
}

func TestReloadByNameResolvesPathItself(t *testing.T) {
	root := t.TempDir()
	p := &fakePlugin{name: "p1", commands: []CommandSpec{{Path: []string{"x"}}}}
	registerFake(t, root, "p1", p)
	enableAll(t, root, "p1")

	h := newHost([]string{root}, t.TempDir(), testLogger(), fakeOpener(map[string]Plugin{"p1": p}))
	require.Empty(t, h.LoadAll())

	require.NoError(t, h.ReloadByName("p1"))
	_, err := h.DispatchCommand([]string{"p1", "x"}, nil)
	assert.NoError(t, err)
}

func TestReloadByNameUnknownPluginFails(t *testing.T) {
	h := newHost(nil, t.TempDir(), testLogger(), fakeOpener(nil))
	err := h.ReloadByName("nope")
	assert.ErrorIs(t, err, ErrPluginNotFound)
}

func TestUnloadAllUnloadsInReverseLoadOrder(t *testing.T) {
	root := t.TempDir()
	var order []string
	record := func(name string) func() error {
		return func() error {
			order = append(order, name)
			return nil
		}
	}
	first := &fakePlugin{name: "first"}
	second := &fakePlugin{name: "second"}
	third := &fakePlugin{name: "third"}
	first.onUnload = record("first")
	second.onUnload = record("second")
	third.onUnload = record("third")
	for _, p := range []*fakePlugin{first, second, third} {
		registerFake(t, root, p.name, p)
	}
	enableAll(t, root, "first", "second", "third")

	h := newHost([]string{root}, t.TempDir(), testLogger(), fakeOpener(map[string]Plugin{
		"first": first, "second": second, "third": third,
	}))
	require.NoError(t, h.Load("first", filepath.Join(root, "first", "first.so")))
	require.NoError(t, h.Load("second", filepath.Join(root, "second", "second.so")))
	require.NoError(t, h.Load("third", filepath.Join(root, "third", "third.so")))

	h.UnloadAll()
	assert.Empty(t, h.List())
	assert.Equal(t, []string{"third", "second", "first"}, order)
}

func TestListAllIncludesDisabledPlugins(t *testing.T) {
	root := t.TempDir()
	on := &fakePlugin{name: "on"}
	off := &fakePlugin{name: "off"}
	registerFake(t, root, "on", on)
	registerFake(t, root, "off", off)
	enableAll(t, root, "on") // off is discovered but never enabled

	h := newHost([]string{root}, t.TempDir(), testLogger(), fakeOpener(map[string]Plugin{"on": on, "off": off}))
	require.Empty(t, h.LoadAll())

	all := h.ListAll()
	require.Len(t, all, 2)
	byName := map[string]DiscoveredPlugin{}
	for _, dp := range all {
		byName[dp.Name] = dp
	}
	assert.Equal(t, StateLoaded, byName["on"].State)
	assert.Equal(t, StateDisabled, byName["off"].State)
}

func TestBroadcastSkipsFailedPlugins(t *testing.T) {
	root := t.TempDir()
	good := &fakePlugin{name: "good"}
	crasher := &fakePlugin{name: "crasher", commands: []CommandSpec{{Path: []string{"go"}}}, panicOn: "command"}
	registerFake(t, root, "good", good)
	registerFake(t, root, "crasher", crasher)
	enableAll(t, root, "good", "crasher")

	h := newHost([]string{root}, t.TempDir(), testLogger(), fakeOpener(map[string]Plugin{
		"good": good, "crasher": crasher,
	}))
	require.Empty(t, h.LoadAll())

	_, _ = h.DispatchCommand([]string{"crasher", "go"}, nil)
	// Broadcasting afterwards must not panic the test process even though
	// crasher is now Failed, and only good receives the event.
	h.Broadcast(mustEvent())
	assert.Equal(t, []string{string(events.KindSessionCreated)}, good.sawEvents)
	assert.Empty(t, crasher.sawEvents)
}
