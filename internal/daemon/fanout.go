package daemon

import (
	"github.com/run-vibes/vibes/internal/events"
	"github.com/run-vibes/vibes/internal/eventlog"
	"github.com/run-vibes/vibes/internal/pluginhost"
)

// fanoutSink implements both ptysession.EventSink and sessionmgr.EventSink:
// every event a session publishes is durably appended to the event log and
// broadcast to every loaded plugin, so the daemon's two observers of
// session activity never need to know about each other.
type fanoutSink struct {
	log     *eventlog.Log
	plugins *pluginhost.Host
}

func newFanoutSink(log *eventlog.Log, plugins *pluginhost.Host) *fanoutSink {
	return &fanoutSink{log: log, plugins: plugins}
}

// Publish appends e to the durable log first, then broadcasts it to
// plugins. A plugin panic or timeout during broadcast is isolated by
// pluginhost.Host.Broadcast and never prevents the durable append above.
func (f *fanoutSink) Publish(e events.Event) {
	f.log.Publish(e)
	f.plugins.Broadcast(e)
}
