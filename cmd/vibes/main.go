// vibes is the CLI client for vibesd: spawn and attach to AI coding
// assistant sessions, list what's running, and manage plugins.
package main

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/run-vibes/vibes/internal/proto"
)

func daemonSocket() string {
	root := os.Getenv("VIBES_ROOT")
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		root = filepath.Join(home, ".vibesd")
	}
	return filepath.Join(root, "vibesd.sock")
}

func dial() (net.Conn, error) {
	return net.Dial("unix", daemonSocket())
}

func writeRequest(conn net.Conn, req proto.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = conn.Write(append(data, '\n'))
	return err
}

func readResponse(conn net.Conn) (proto.Response, error) {
	dec := json.NewDecoder(conn)
	var resp proto.Response
	err := dec.Decode(&resp)
	return resp, err
}

func roundTrip(req proto.Request) (proto.Response, error) {
	conn, err := dial()
	if err != nil {
		return proto.Response{}, fmt.Errorf("cannot connect to vibesd: %w", err)
	}
	defer conn.Close()
	if err := writeRequest(conn, req); err != nil {
		return proto.Response{}, err
	}
	return readResponse(conn)
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "vibes: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	root := &cobra.Command{
		Use:   "vibes",
		Short: "Attach to and manage AI coding assistant sessions",
	}

	root.AddCommand(spawnCmd(), listCmd(), attachCmd(), killCmd(), pluginCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func spawnCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "spawn <command> [args...]",
		Short: "Start a new assistant session",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			resp, err := roundTrip(proto.Request{
				Type:    proto.ReqSpawn,
				Name:    name,
				Command: args[0],
				Args:    args[1:],
			})
			if err != nil {
				fail("%v", err)
			}
			if !resp.OK {
				fail("%s", resp.Error)
			}
			fmt.Println(resp.SessionID)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "human-readable session name")
	return cmd
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List live sessions",
		Run: func(cmd *cobra.Command, args []string) {
			resp, err := roundTrip(proto.Request{Type: proto.ReqList})
			if err != nil {
				fail("%v", err)
			}
			if !resp.OK {
				fail("%s", resp.Error)
			}
			for _, s := range resp.Sessions {
				fmt.Printf("%-8s %-8s %-10s attached=%d\n", s.ID, s.Name, s.State, s.Attached)
			}
		},
	}
}

func killCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <session-id>",
		Short: "Terminate a session",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			resp, err := roundTrip(proto.Request{Type: proto.ReqKill, SessionID: args[0]})
			if err != nil {
				fail("%v", err)
			}
			if !resp.OK {
				fail("%s", resp.Error)
			}
		},
	}
}

func attachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach <session-id>",
		Short: "Attach to a running session's terminal",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			doAttach(args[0])
		},
	}
}

// doAttach implements the raw-terminal attach loop: server PTY output
// copies straight to stdout, stdin is framed and sent to the server, and
// terminal resizes are forwarded, exactly as the teacher's own attach
// command did over the same wire protocol.
func doAttach(sessionID string) {
	conn, err := dial()
	if err != nil {
		fail("cannot connect to vibesd: %v", err)
	}

	if err := writeRequest(conn, proto.Request{Type: proto.ReqAttach, SessionID: sessionID}); err != nil {
		fail("%v", err)
	}

	resp, err := readResponse(conn)
	if err != nil || !resp.OK {
		msg := "attach failed"
		if err != nil {
			msg = err.Error()
		} else if resp.Error != "" {
			msg = resp.Error
		}
		conn.Close()
		fail("%s", msg)
	}

	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		conn.Close()
		fail("cannot set raw mode: %v", err)
	}
	defer term.Restore(fd, oldState)

	fmt.Fprintf(os.Stdout, "\r\n[vibes] attached to %s  (detach: Ctrl-])\r\n", sessionID)

	done := make(chan struct{}, 1)
	notifyDone := func() {
		select {
		case done <- struct{}{}:
		default:
		}
	}

	go func() {
		io.Copy(os.Stdout, conn)
		notifyDone()
	}()

	go func() {
		buf := make([]byte, 256)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				for i := 0; i < n; i++ {
					if buf[i] == 0x1D { // Ctrl-]
						proto.WriteFrame(conn, proto.AttachFrameDetach, nil)
						notifyDone()
						return
					}
				}
				proto.WriteFrame(conn, proto.AttachFrameData, buf[:n])
			}
			if err != nil {
				notifyDone()
				return
			}
		}
	}()

	winchCh := make(chan os.Signal, 1)
	signal.Notify(winchCh, syscall.SIGWINCH)
	sendResize := func() {
		if cols, rows, err := term.GetSize(fd); err == nil {
			payload := make([]byte, 4)
			binary.BigEndian.PutUint16(payload[0:2], uint16(cols))
			binary.BigEndian.PutUint16(payload[2:4], uint16(rows))
			proto.WriteFrame(conn, proto.AttachFrameResize, payload)
		}
	}
	go func() {
		for range winchCh {
			sendResize()
		}
	}()
	sendResize()

	<-done
	signal.Stop(winchCh)
	conn.Close()
}

func pluginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugin",
		Short: "Manage and invoke plugins",
	}
	cmd.AddCommand(
		pluginListCmd(),
		pluginInfoCmd(),
		pluginEnableCmd(),
		pluginDisableCmd(),
		pluginReloadCmd(),
		pluginDispatchCmd(),
	)
	return cmd
}

func pluginListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List loaded plugins",
		Run: func(cmd *cobra.Command, args []string) {
			resp, err := roundTrip(proto.Request{Type: proto.ReqPluginList, All: all})
			if err != nil {
				fail("%v", err)
			}
			for _, p := range resp.Plugins {
				fmt.Printf("%-16s %-10s %-10s %s\n", p.Name, p.Version, p.State, p.Description)
			}
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "also show discovered plugins that are not enabled")
	return cmd
}

func pluginInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <plugin-name>",
		Short: "Show a single plugin's manifest and state",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			resp, err := roundTrip(proto.Request{Type: proto.ReqPluginInfo, PluginName: args[0]})
			if err != nil {
				fail("%v", err)
			}
			if !resp.OK || resp.Plugin == nil {
				fail("%s", resp.Error)
			}
			fmt.Printf("name: %s\nversion: %s\nstate: %s\ndescription: %s\n",
				resp.Plugin.Name, resp.Plugin.Version, resp.Plugin.State, resp.Plugin.Description)
		},
	}
}

func pluginEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <plugin-name>",
		Short: "Enable and load a discovered plugin",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			resp, err := roundTrip(proto.Request{Type: proto.ReqPluginEnable, PluginName: args[0]})
			if err != nil {
				fail("%v", err)
			}
			if !resp.OK {
				fail("%s", resp.Error)
			}
		},
	}
}

func pluginDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <plugin-name>",
		Short: "Disable and unload a plugin",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			resp, err := roundTrip(proto.Request{Type: proto.ReqPluginDisable, PluginName: args[0]})
			if err != nil {
				fail("%v", err)
			}
			if !resp.OK {
				fail("%s", resp.Error)
			}
		},
	}
}

func pluginReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload <plugin-name>",
		Short: "Unload and reload a plugin from disk",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			resp, err := roundTrip(proto.Request{Type: proto.ReqPluginReload, PluginName: args[0]})
			if err != nil {
				fail("%v", err)
			}
			if !resp.OK {
				fail("%s", resp.Error)
			}
		},
	}
}

// pluginDispatchCmd implements the "<plugin-name> <path...> [args]"
// command-path dispatch as the explicit "vibes plugin dispatch" subcommand,
// which forwards its arguments verbatim to the plugin host. A top-level
// command that cobra does not recognize is not forwarded.
func pluginDispatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:                "dispatch <plugin-name> <path...> -- [args...]",
		Short:              "Invoke a plugin-registered command",
		DisableFlagParsing: true,
		Args:               cobra.MinimumNArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			var path, rest []string
			for i, a := range args {
				if a == "--" {
					path = args[:i]
					rest = args[i+1:]
					break
				}
			}
			if path == nil {
				path = args
			}
			resp, err := roundTrip(proto.Request{Type: proto.ReqPluginCommand, CommandPath: path, CommandArgs: rest})
			if err != nil {
				fail("%v", err)
			}
			if !resp.OK {
				fail("%s", resp.Error)
			}
			if resp.CommandText != "" {
				fmt.Println(resp.CommandText)
			}
			for _, row := range resp.CommandRows {
				fmt.Println(strings.Join(row, "\t"))
			}
			os.Exit(resp.CommandExit)
		},
	}
	return cmd
}
