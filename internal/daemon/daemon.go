// Package daemon implements the vibesd background daemon.
//
// The daemon listens on a Unix domain socket and handles requests from the
// vibes CLI client. Each request is a single newline-terminated JSON
// object; the daemon writes a single newline-terminated JSON response and
// then closes the connection — except for attach requests, which enter a
// bidirectional streaming mode (see proto/messages.go for the wire format).
//
// Daemon wires together the three components spec.md names: sessionmgr.Manager
// (live PTY sessions), eventlog.Log (the durable event fabric), and
// pluginhost.Host (dynamically loaded plugin code). It is the generalization
// of the teacher's own daemon.go, which wired a map of git-worktree+Docker
// instances directly into the same newline-JSON/binary-frame protocol.
package daemon

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/run-vibes/vibes/internal/eventlog"
	"github.com/run-vibes/vibes/internal/pluginhost"
	"github.com/run-vibes/vibes/internal/proto"
	"github.com/run-vibes/vibes/internal/ptysession"
	"github.com/run-vibes/vibes/internal/sessionmgr"
)

// shutdownFlushDeadline bounds how long Close waits for the event log's
// reconnect buffer to drain before giving up on it (spec.md §4.6 shutdown
// step 3).
const shutdownFlushDeadline = 5 * time.Second

// Daemon is the central supervisor. It owns the session manager, the event
// log, and the plugin host, and dispatches IPC requests across all three.
type Daemon struct {
	log     *logrus.Logger
	entry   *logrus.Entry
	sess    *sessionmgr.Manager
	events  *eventlog.Log
	plugins *pluginhost.Host

	mu sync.Mutex
	ln net.Listener
}

// New wires a Daemon from its three components. eventStoreDir roots the
// embedded event-log broker's storage; pluginRoots and pluginConfigDir are
// passed to pluginhost.NewHost unchanged.
func New(eventStoreDir string, pluginRoots []string, pluginConfigDir string, log *logrus.Logger) (*Daemon, error) {
	entry := log.WithField("component", "daemon")

	evLog, err := eventlog.Open(eventStoreDir, log)
	if err != nil {
		return nil, fmt.Errorf("daemon: open event log: %w", err)
	}

	host := pluginhost.NewHost(pluginRoots, pluginConfigDir, log)
	if failures := host.LoadAll(); len(failures) > 0 {
		for name, ferr := range failures {
			entry.WithError(ferr).WithField("plugin", name).Warn("daemon: plugin failed to load")
		}
	}

	sink := newFanoutSink(evLog, host)
	mgr := sessionmgr.New(sink, sessionmgr.KeepRunning, 0, log)

	return &Daemon{log: log, entry: entry, sess: mgr, events: evLog, plugins: host}, nil
}

// Close runs the daemon's shutdown sequence, in order: stop accepting new
// connections, kill every live session and wait for each to exit, flush the
// event log's reconnect buffer within a bounded deadline and close it, then
// unload every plugin in reverse load order (spec.md §4.6).
func (d *Daemon) Close() {
	d.mu.Lock()
	ln := d.ln
	d.mu.Unlock()
	if ln != nil {
		ln.Close()
	}

	d.sess.Shutdown()
	d.events.Shutdown(shutdownFlushDeadline)
	d.plugins.UnloadAll()
}

// Run starts the Unix socket listener and blocks until it is closed.
func (d *Daemon) Run(socketPath string) error {
	os.Remove(socketPath)

	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("daemon: listen on %s: %w", socketPath, err)
	}
	d.mu.Lock()
	d.ln = l
	d.mu.Unlock()
	defer l.Close()

	d.entry.WithField("socket", socketPath).Info("vibesd listening")

	for {
		conn, err := l.Accept()
		if err != nil {
			return nil
		}
		go d.handleConn(conn)
	}
}

func (d *Daemon) handleConn(conn net.Conn) {
	defer conn.Close()

	var req proto.Request
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	if !scanner.Scan() {
		return
	}
	if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
		respond(conn, proto.Response{OK: false, Error: "bad request: " + err.Error()})
		return
	}

	switch req.Type {
	case proto.ReqPing:
		respond(conn, proto.Response{OK: true})
	case proto.ReqSpawn:
		d.handleSpawn(conn, req)
	case proto.ReqList:
		d.handleList(conn)
	case proto.ReqAttach:
		d.handleAttach(conn, req)
	case proto.ReqKill:
		d.handleKill(conn, req)
	case proto.ReqPluginList:
		d.handlePluginList(conn, req)
	case proto.ReqPluginInfo:
		d.handlePluginInfo(conn, req)
	case proto.ReqPluginEnable:
		d.handlePluginEnable(conn, req)
	case proto.ReqPluginDisable:
		d.handlePluginDisable(conn, req)
	case proto.ReqPluginReload:
		d.handlePluginReload(conn, req)
	case proto.ReqPluginCommand:
		d.handlePluginCommand(conn, req)
	default:
		respond(conn, proto.Response{OK: false, Error: "unknown request type: " + req.Type})
	}
}

func respond(conn net.Conn, r proto.Response) {
	data, _ := json.Marshal(r)
	data = append(data, '\n')
	conn.Write(data)
}

func (d *Daemon) handleSpawn(conn net.Conn, req proto.Request) {
	if req.Command == "" {
		respond(conn, proto.Response{OK: false, Error: "command required"})
		return
	}
	cfg := ptysession.Config{
		Command: req.Command,
		Args:    req.Args,
		Cols:    uint16(req.Cols),
		Rows:    uint16(req.Rows),
	}
	id, err := d.sess.Create(req.Name, cfg)
	if err != nil {
		respond(conn, proto.Response{OK: false, Error: err.Error()})
		return
	}
	respond(conn, proto.Response{OK: true, SessionID: id})
}

func (d *Daemon) handleList(conn net.Conn) {
	summaries := d.sess.List()
	infos := make([]proto.SessionInfo, 0, len(summaries))
	for _, s := range summaries {
		infos = append(infos, proto.SessionInfo{
			ID:        s.ID,
			Name:      s.Name,
			State:     string(s.State),
			CreatedAt: s.CreatedAt.Unix(),
			Attached:  s.Subscribers,
		})
	}
	respond(conn, proto.Response{OK: true, Sessions: infos})
}

func (d *Daemon) handleAttach(conn net.Conn, req proto.Request) {
	att, err := d.sess.Attach(req.SessionID)
	if err != nil {
		respond(conn, proto.Response{OK: false, Error: err.Error()})
		return
	}
	defer d.sess.Detach(req.SessionID, att)

	respond(conn, proto.Response{OK: true})

	done := make(chan struct{})
	go readInbound(conn, req.SessionID, d.sess, done)

	if len(att.Replay) > 0 {
		if _, err := conn.Write(att.Replay); err != nil {
			return
		}
	}
	for {
		select {
		case chunk, ok := <-att.Output:
			if !ok {
				return
			}
			if _, err := conn.Write(chunk); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// readInbound decodes the client's framed stdin/resize/detach messages and
// applies them to the session, closing done when the client disconnects or
// detaches.
func readInbound(conn net.Conn, sessionID string, sess *sessionmgr.Manager, done chan struct{}) {
	defer close(done)
	for {
		frameType, payload, err := proto.ReadFrame(conn)
		if err != nil {
			return
		}
		switch frameType {
		case proto.AttachFrameData:
			sess.Write(sessionID, payload)
		case proto.AttachFrameResize:
			if len(payload) == 4 {
				cols := uint16(payload[0])<<8 | uint16(payload[1])
				rows := uint16(payload[2])<<8 | uint16(payload[3])
				sess.Resize(sessionID, cols, rows)
			}
		case proto.AttachFrameDetach:
			return
		}
	}
}

func (d *Daemon) handleKill(conn net.Conn, req proto.Request) {
	if err := d.sess.Kill(req.SessionID); err != nil {
		respond(conn, proto.Response{OK: false, Error: err.Error()})
		return
	}
	respond(conn, proto.Response{OK: true})
}

func (d *Daemon) handlePluginList(conn net.Conn, req proto.Request) {
	var infos []proto.PluginInfo
	if req.All {
		for _, dp := range d.plugins.ListAll() {
			info := proto.PluginInfo{Name: dp.Name, State: string(dp.State)}
			if m, _, err := d.plugins.Info(dp.Name); err == nil {
				info.Version = m.Version
				info.Description = m.Description
			}
			infos = append(infos, info)
		}
	} else {
		for _, name := range d.plugins.List() {
			m, state, err := d.plugins.Info(name)
			if err != nil {
				continue
			}
			infos = append(infos, proto.PluginInfo{Name: m.Name, Version: m.Version, Description: m.Description, State: string(state)})
		}
	}
	respond(conn, proto.Response{OK: true, Plugins: infos})
}

func (d *Daemon) handlePluginInfo(conn net.Conn, req proto.Request) {
	m, state, err := d.plugins.Info(req.PluginName)
	if err != nil {
		respond(conn, proto.Response{OK: false, Error: err.Error()})
		return
	}
	respond(conn, proto.Response{OK: true, Plugin: &proto.PluginInfo{
		Name: m.Name, Version: m.Version, Description: m.Description, State: string(state),
	}})
}

func (d *Daemon) handlePluginEnable(conn net.Conn, req proto.Request) {
	if err := d.plugins.Enable(req.PluginName); err != nil {
		respond(conn, proto.Response{OK: false, Error: err.Error()})
		return
	}
	respond(conn, proto.Response{OK: true})
}

func (d *Daemon) handlePluginDisable(conn net.Conn, req proto.Request) {
	if err := d.plugins.Disable(req.PluginName); err != nil {
		respond(conn, proto.Response{OK: false, Error: err.Error()})
		return
	}
	respond(conn, proto.Response{OK: true})
}

func (d *Daemon) handlePluginReload(conn net.Conn, req proto.Request) {
	if err := d.plugins.ReloadByName(req.PluginName); err != nil {
		respond(conn, proto.Response{OK: false, Error: err.Error()})
		return
	}
	respond(conn, proto.Response{OK: true})
}

func (d *Daemon) handlePluginCommand(conn net.Conn, req proto.Request) {
	out, err := d.plugins.DispatchCommand(req.CommandPath, req.CommandArgs)
	if err != nil {
		respond(conn, proto.Response{OK: false, Error: err.Error()})
		return
	}
	respond(conn, proto.Response{
		OK:          true,
		CommandText: out.Text,
		CommandRows: out.Rows,
		CommandExit: out.ExitCode,
	})
}
