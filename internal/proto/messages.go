// Package proto defines the IPC message types and attach-stream framing
// used between the vibes CLI client and vibesd over a Unix domain socket.
//
// Normal commands use newline-delimited JSON: client sends one Request,
// daemon sends one Response, then the connection closes.
//
// The attach command is special: after the JSON handshake the connection
// enters a streaming mode where the server sends raw PTY output and the
// client sends framed control messages (data, resize, detach). Any number
// of clients may attach to the same session concurrently; none of them
// holds it exclusively.
package proto

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Request type constants.
const (
	ReqPing   = "ping"
	ReqSpawn  = "spawn"
	ReqList   = "list"
	ReqAttach = "attach"
	ReqKill   = "kill"

	ReqPluginList    = "plugin_list"
	ReqPluginInfo    = "plugin_info"
	ReqPluginEnable  = "plugin_enable"
	ReqPluginDisable = "plugin_disable"
	ReqPluginReload  = "plugin_reload"
	ReqPluginCommand = "plugin_command"
)

// Session state strings. SessionInfo.State does not use them: the daemon
// fills it with the ptysession.State value ("Spawning", "Running",
// "Terminating" or "Terminated").
const (
	StateRunning = "running"
	StateExited  = "exited"
	StateKilled  = "killed"
)

// Request is the JSON payload sent from the CLI client to vibesd.
type Request struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`

	// Spawn
	Name    string   `json:"name,omitempty"`
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	Cols    int      `json:"cols,omitempty"`
	Rows    int      `json:"rows,omitempty"`

	// Plugin management / dispatch
	PluginName  string   `json:"plugin_name,omitempty"`
	All         bool     `json:"all,omitempty"` // ReqPluginList: include discovered-but-disabled plugins
	CommandPath []string `json:"command_path,omitempty"`
	CommandArgs []string `json:"command_args,omitempty"`
}

// SessionInfo is a point-in-time snapshot of a session's metadata,
// mirroring sessionmgr.Summary over the wire.
type SessionInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	State      string `json:"state"`
	CreatedAt  int64  `json:"created_at"`
	Attached   int    `json:"attached"`
}

// PluginInfo is a point-in-time snapshot of a loaded plugin's manifest and
// state, mirroring pluginhost.Manifest/State over the wire.
type PluginInfo struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	State       string `json:"state"`
}

// Response is the JSON payload returned by the daemon for every command;
// for attach it is the handshake reply sent before streaming begins.
type Response struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`

	SessionID string        `json:"session_id,omitempty"`
	Sessions  []SessionInfo `json:"sessions,omitempty"`
	Plugins   []PluginInfo  `json:"plugins,omitempty"`
	Plugin    *PluginInfo   `json:"plugin,omitempty"`

	// Fields used by ReqPluginCommand.
	CommandText   string     `json:"command_text,omitempty"`
	CommandRows   [][]string `json:"command_rows,omitempty"`
	CommandExit   int        `json:"command_exit,omitempty"`
}

// ─── Attach stream framing ────────────────────────────────────────────────────
//
// After the JSON handshake the attach connection becomes asymmetric:
//
//   Server → Client : raw PTY output bytes (no framing; terminal handles escapes)
//   Client → Server : length-prefixed frames:
//
//     [1 byte type][4 bytes big-endian length][payload]
//
//     0x00  data    – stdin bytes to write into the PTY
//     0x01  resize  – payload: 2-byte cols + 2-byte rows (big-endian uint16)
//     0x02  detach  – no payload; client wants to detach cleanly

const (
	AttachFrameData   byte = 0x00
	AttachFrameResize byte = 0x01
	AttachFrameDetach byte = 0x02
)

// WriteFrame writes a single framed message to w.
func WriteFrame(w io.Writer, frameType byte, payload []byte) error {
	hdr := make([]byte, 5)
	hdr[0] = frameType
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if len(payload) > 0 {
		_, err := w.Write(payload)
		return err
	}
	return nil
}

// ReadFrame reads a single framed message from r.
// Returns (frameType, payload, error).
func ReadFrame(r io.Reader) (byte, []byte, error) {
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, nil, err
	}
	frameType := hdr[0]
	n := binary.BigEndian.Uint32(hdr[1:])
	if n > 1<<20 { // sanity cap: 1 MiB
		return 0, nil, fmt.Errorf("attach frame too large: %d bytes", n)
	}
	if n == 0 {
		return frameType, nil, nil
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return frameType, payload, nil
}
