package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/blectl/internal/comms"
	"github.com/chaz8081/blectl/internal/device"
)

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive session: scan, pick a device, send commands and files",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		sh := newShell(a, os.Stdout)
		return sh.run(ctx, os.Stdin)
	},
}

func init() {
	rootCmd.AddCommand(shellCmd)
}

const shellHelp = `commands:
  scan | stop              start or stop discovery
  devices                  list discovered devices
  connect <n|address>      connect to a device (n from the devices list)
  retry                    reconnect to the last selected device
  disconnect               end the session
  send <text>              send a command
  upload <path>            queue a file transfer
  files                    list files on the device
  play <name> [seconds]    play a stored file
  pause                    pause playback
  delete <name>            delete a stored file
  clear                    forget non-priority idle devices
  status                   show connection, history and transfers
  quit`

// shell is the interactive front end. It renders snapshot changes as they
// arrive and runs one typed command at a time.
type shell struct {
	app *app

	mu  sync.Mutex // serializes output
	out io.Writer

	listed []device.Device // last devices listing, for connect <n>
}

func newShell(a *app, out io.Writer) *shell {
	return &shell{app: a, out: out}
}

func (sh *shell) printf(format string, args ...any) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	fmt.Fprintf(sh.out, format, args...)
}

func (sh *shell) run(ctx context.Context, in io.Reader) error {
	updates, unsubscribe := sh.app.manager.Subscribe()
	defer unsubscribe()
	go sh.render(updates)

	sh.printf("%s\n", shellHelp)
	lines := readLines(ctx, in)

	for {
		sh.printf("> ")
		select {
		case <-ctx.Done():
			sh.printf("\n")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := sh.exec(ctx, line)
			if err != nil {
				sh.printf("error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// readLines delivers input lines until in is exhausted or ctx is done.
func readLines(ctx context.Context, in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

// render prints what changed between consecutive snapshots.
func (sh *shell) render(updates <-chan comms.Snapshot) {
	var prev *comms.Snapshot
	for snap := range updates {
		if prev != nil {
			for _, line := range describeChanges(*prev, snap) {
				sh.printf("\n%s\n", line)
			}
		}
		s := snap
		prev = &s
	}
}

// exec runs one shell command and reports whether the shell should exit.
func (sh *shell) exec(ctx context.Context, line string) (bool, error) {
	name, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)
	m := sh.app.manager

	switch name {
	case "":
		return false, nil
	case "quit", "exit":
		return true, nil
	case "help":
		sh.printf("%s\n", shellHelp)
	case "scan":
		return false, m.StartScan(ctx)
	case "stop":
		m.StopScan()
	case "devices":
		sh.listed = m.Devices()
		if len(sh.listed) == 0 {
			sh.printf("no devices yet\n")
		}
		for i, d := range sh.listed {
			sh.printf("%2d %s\n", i+1, formatDevice(d))
		}
	case "connect":
		id, err := sh.resolveDevice(rest)
		if err != nil {
			return false, err
		}
		return false, m.SelectDevice(ctx, id)
	case "retry":
		return false, m.RetryConnect(ctx)
	case "disconnect":
		m.Disconnect()
	case "send":
		return false, m.SendCommand(ctx, rest)
	case "upload":
		if rest == "" {
			return false, errors.New("usage: upload <path>")
		}
		id, err := m.UploadFile(rest)
		if err != nil {
			return false, err
		}
		sh.printf("queued transfer %s\n", id)
	case "files":
		files, err := m.ListRemoteFiles(ctx)
		if err != nil {
			return false, err
		}
		for _, f := range files {
			sh.printf("  %-40s %s\n", f.Name, f.Modified.Format(time.DateTime))
		}
	case "play":
		fileName, secs, _ := strings.Cut(rest, " ")
		var offset time.Duration
		if secs = strings.TrimSpace(secs); secs != "" {
			n, err := strconv.Atoi(secs)
			if err != nil {
				return false, fmt.Errorf("bad offset %q", secs)
			}
			offset = time.Duration(n) * time.Second
		}
		return false, m.PlayRemoteFile(ctx, fileName, offset)
	case "pause":
		return false, m.PauseRemote(ctx)
	case "delete":
		return false, m.DeleteRemoteFile(ctx, rest)
	case "clear":
		sh.printf("removed %d devices\n", m.ClearDevices(nil))
	case "status":
		sh.printStatus(m.Snapshot())
	default:
		return false, fmt.Errorf("unknown command %q (try help)", name)
	}
	return false, nil
}

// resolveDevice accepts a 1-based index into the last listing or an address.
func (sh *shell) resolveDevice(arg string) (string, error) {
	if arg == "" {
		return "", errors.New("usage: connect <n|address>")
	}
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(sh.listed) {
			return "", fmt.Errorf("no device %d in the last listing", n)
		}
		return sh.listed[n-1].ID, nil
	}
	return arg, nil
}

func (sh *shell) printStatus(s comms.Snapshot) {
	sh.printf("radio: %s  scanning: %v  connection: %s", s.Power, s.Scanning, s.ConnectionState)
	if s.ActiveDevice != "" {
		sh.printf(" (%s)", s.ActiveDevice)
	}
	sh.printf("\n")
	if s.LastError != nil {
		sh.printf("last error: %v\n", s.LastError)
	}
	for _, c := range s.CommandHistory {
		sh.printf("  %s\n", formatCommand(c))
	}
	for _, r := range s.Received {
		sh.printf("  < %s\n", r.Text)
	}
	for _, t := range s.Transfers {
		sh.printf("  %s\n", formatTransfer(t))
	}
}

// describeChanges lists the user-visible differences between two snapshots.
func describeChanges(prev, next comms.Snapshot) []string {
	var lines []string
	if prev.Power != next.Power {
		lines = append(lines, "radio: "+next.Power.String())
	}
	if prev.ConnectionState != next.ConnectionState {
		line := "connection: " + next.ConnectionState.String()
		if next.ActiveDevice != "" {
			line += " (" + next.ActiveDevice + ")"
		}
		lines = append(lines, line)
	}
	if next.LastDisconnect != nil && next.LastDisconnect.Unexpected &&
		(prev.LastDisconnect == nil || !prev.LastDisconnect.At.Equal(next.LastDisconnect.At)) {
		lines = append(lines, "connection lost: "+next.LastDisconnect.DeviceID+" (type retry to reconnect)")
	}
	if next.LastError != nil && next.LastError != prev.LastError {
		lines = append(lines, "error: "+next.LastError.Error())
	}
	if len(next.Received) > len(prev.Received) {
		for _, r := range next.Received[len(prev.Received):] {
			lines = append(lines, "< "+r.Text)
		}
	}

	before := make(map[string]comms.Transfer, len(prev.Transfers))
	for _, t := range prev.Transfers {
		before[t.ID] = t
	}
	for _, t := range next.Transfers {
		old, ok := before[t.ID]
		if ok && old.Status == t.Status && progressStep(old) == progressStep(t) {
			continue
		}
		if !ok && t.Status == comms.TransferQueued {
			continue
		}
		lines = append(lines, "transfer "+formatTransfer(t))
	}
	return lines
}

// progressStep buckets progress into quarters so rendering stays quiet.
func progressStep(t comms.Transfer) int {
	return int(t.Progress() * 4)
}
