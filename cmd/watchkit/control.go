package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/watchkit/config"
	"github.com/vinayprograms/watchkit/errors"
	"github.com/vinayprograms/watchkit/supervisor"
)

// The daemon and the control commands meet in the data directory: the
// daemon refreshes status.json every tick and drains *.ctl files from
// control/. No sockets; same coordination model as the task store.

// errNotRunning is returned when status.json is missing or stale.
var errNotRunning = errors.New(errors.CodeUnavailable, "daemon not running")

// statusStale is how old a status snapshot may be before the daemon is
// presumed dead. The daemon refreshes every second.
const statusStale = 15 * time.Second

type daemonStatus struct {
	PID       int                        `json:"pid"`
	Zone      string                     `json:"zone"`
	StartedAt time.Time                  `json:"started_at"`
	UpdatedAt time.Time                  `json:"updated_at"`
	Paused    []string                   `json:"paused_endpoints,omitempty"`
	Watchers  []supervisor.WatcherStatus `json:"watchers,omitempty"`
}

type controlRequest struct {
	Op      string `json:"op"`
	Watcher string `json:"watcher,omitempty"`
}

func statusPath(dataDir string) string {
	return filepath.Join(dataDir, "status.json")
}

func controlDir(dataDir string) string {
	return filepath.Join(dataDir, "control")
}

func readStatus(dataDir string) (*daemonStatus, error) {
	data, err := os.ReadFile(statusPath(dataDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errNotRunning
		}
		return nil, errors.WrapWithCode(err, errors.CodeInternal, "read daemon status")
	}
	var st daemonStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeParseFailure, "decode daemon status")
	}
	if time.Since(st.UpdatedAt) > statusStale {
		return nil, errNotRunning
	}
	return &st, nil
}

func writeControl(dataDir string, req controlRequest) error {
	dir := controlDir(dataDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.WrapWithCode(err, errors.CodeInternal, "create control directory")
	}
	data, err := json.Marshal(req)
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeInternal, "encode control request")
	}
	name := fmt.Sprintf("%d-%s.ctl", time.Now().UnixNano(), req.Op)
	tmp := filepath.Join(dir, "."+name)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.WrapWithCode(err, errors.CodeInternal, "write control request")
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		return errors.WrapWithCode(err, errors.CodeInternal, "publish control request")
	}
	return nil
}

// pendingControls lists queued control files in arrival order.
func pendingControls(dataDir string) ([]string, error) {
	entries, err := os.ReadDir(controlDir(dataDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".ctl" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the daemon and its watchers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		st, err := readStatus(cfg.DataDir)
		if err != nil {
			return err
		}
		if jsonOut {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		}
		fmt.Printf("zone: %s  pid: %d  up since: %s\n",
			st.Zone, st.PID, st.StartedAt.Format(time.RFC3339))
		if len(st.Paused) > 0 {
			fmt.Printf("paused endpoints: %v\n", st.Paused)
		}
		for _, w := range st.Watchers {
			line := fmt.Sprintf("  %-20s %-10s restarts=%d", w.Name, w.State, w.Restarts)
			if w.PID != 0 {
				line += fmt.Sprintf(" pid=%d", w.PID)
			}
			if w.MemoryMB != 0 {
				line += fmt.Sprintf(" mem=%dMB", w.MemoryMB)
			}
			if w.DisabledReason != "" {
				line += " (" + w.DisabledReason + ")"
			}
			if w.LastError != "" {
				line += " last_error=" + strconv.Quote(w.LastError)
			}
			fmt.Println(line)
		}
		return nil
	},
}

// sendControl queues one request for a running daemon.
func sendControl(req controlRequest) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if req.Watcher != "" && cfg.Watcher(req.Watcher) == nil {
		return errors.InvalidInput("unknown watcher: " + req.Watcher)
	}
	if _, err := readStatus(cfg.DataDir); err != nil {
		return err
	}
	if err := writeControl(cfg.DataDir, req); err != nil {
		return err
	}
	if jsonOut {
		fmt.Printf("{\"ok\":true,\"op\":%q}\n", req.Op)
	} else {
		fmt.Println("queued:", req.Op)
	}
	return nil
}

var startAllCmd = &cobra.Command{
	Use:   "start-all",
	Short: "Start every enabled watcher",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendControl(controlRequest{Op: "start-all"})
	},
}

var stopAllCmd = &cobra.Command{
	Use:   "stop-all",
	Short: "Stop every managed watcher",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendControl(controlRequest{Op: "stop-all"})
	},
}

var enableCmd = &cobra.Command{
	Use:   "enable <watcher>",
	Short: "Re-enable a disabled watcher",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendControl(controlRequest{Op: "enable", Watcher: args[0]})
	},
}

var disableCmd = &cobra.Command{
	Use:   "disable <watcher>",
	Short: "Stop a watcher and keep it stopped",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendControl(controlRequest{Op: "disable", Watcher: args[0]})
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Re-read the configuration file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendControl(controlRequest{Op: "reload"})
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(startAllCmd)
	rootCmd.AddCommand(stopAllCmd)
	rootCmd.AddCommand(enableCmd)
	rootCmd.AddCommand(disableCmd)
	rootCmd.AddCommand(reloadCmd)
}
