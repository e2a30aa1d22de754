// Command partsync is the per-project client: it watches a directory,
// exchanges diffs with a partsync-relay, and applies the relay's
// incoming patches to local files.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	"github.com/partsync/partsync/internal/client"
	"github.com/partsync/partsync/internal/config"
	"github.com/partsync/partsync/internal/logging"
	"github.com/partsync/partsync/internal/wire"
)

var rootCmd = &cobra.Command{
	Use:   "partsync",
	Short: "Client for partsync, a near-real-time file sync system",
	Long: `partsync keeps a directory of text files in sync with other
partsync clients through a central relay, merging non-overlapping
edits automatically and flagging overlapping ones as conflicts.`,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Watch the current project and sync with the relay",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadClientConfig(cmd)

		c, err := client.New(client.Config{
			Server: cfg.Server,
			Name:   cfg.Name,
			Dir:    cfg.Dir,
			Ignore: cfg.Ignore,
			Logger: logging.New("[partsync] ", cfg.LogFile),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to create client: %v\n", err)
			os.Exit(1)
		}

		if err := c.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to start client: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("partsync watching %s\n", cfg.Dir)
		fmt.Printf("relay: %s\n", cfg.Server)
		fmt.Println("Press Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		fmt.Println("\nStopping...")
		_ = c.Stop()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the relay's current health and connection status",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadClientConfig(cmd)
		httpBase := wsToHTTP(cfg.Server)

		resp, err := http.Get(httpBase + "/health")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to reach relay at %s: %v\n", cfg.Server, err)
			os.Exit(1)
		}
		defer resp.Body.Close()

		var health wire.HealthStatus
		if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to decode health response: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("relay:  %s\n", cfg.Server)
		fmt.Printf("status: %s\n", health.Status)
		fmt.Printf("uptime: %s\n", health.UptimeHuman)
	},
}

var lockCmd = &cobra.Command{
	Use:   "lock <file>",
	Short: "Acquire a soft advisory lock on a file",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadClientConfig(cmd)
		sendLockRequest(cfg, wire.EventFileLock, wire.LockRequest{File: args[0], LockType: wire.LockEditing})
		fmt.Printf("requested lock on %s\n", args[0])
	},
}

var unlockCmd = &cobra.Command{
	Use:   "unlock <file>",
	Short: "Release a soft advisory lock on a file",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadClientConfig(cmd)
		sendLockRequest(cfg, wire.EventFileUnlock, wire.UnlockRequest{File: args[0]})
		fmt.Printf("released lock on %s\n", args[0])
	},
}

type clientConfig struct {
	Server  string
	Name    string
	Dir     string
	Ignore  []string
	LogFile string
}

func loadClientConfig(cmd *cobra.Command) clientConfig {
	configPath, _ := cmd.Flags().GetString("config")
	serverFlag, _ := cmd.Flags().GetString("server")
	nameFlag, _ := cmd.Flags().GetString("name")
	dirFlag, _ := cmd.Flags().GetString("dir")
	ignoreFlag, _ := cmd.Flags().GetStringArray("ignore")
	logFileFlag, _ := cmd.Flags().GetString("log-file")

	fileCfg, err := config.LoadClientConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load config: %v\n", err)
		os.Exit(1)
	}

	out := clientConfig{Server: fileCfg.Server, Name: fileCfg.Name, Dir: fileCfg.Dir, Ignore: fileCfg.Ignore, LogFile: fileCfg.LogFile}
	if cmd.Flags().Changed("server") {
		out.Server = serverFlag
	}
	if cmd.Flags().Changed("name") {
		out.Name = nameFlag
	}
	if cmd.Flags().Changed("dir") {
		out.Dir = dirFlag
	}
	if len(ignoreFlag) > 0 {
		out.Ignore = ignoreFlag
	}
	if cmd.Flags().Changed("log-file") {
		out.LogFile = logFileFlag
	}
	if out.Dir == "" {
		out.Dir = "."
	}
	if abs, err := filepath.Abs(out.Dir); err == nil {
		out.Dir = abs
	}
	return out
}

func wsToHTTP(server string) string {
	switch {
	case strings.HasPrefix(server, "wss://"):
		return "https://" + strings.TrimPrefix(server, "wss://")
	case strings.HasPrefix(server, "ws://"):
		return "http://" + strings.TrimPrefix(server, "ws://")
	default:
		return server
	}
}

// sendLockRequest opens a short-lived connection to issue a single
// lock/unlock message, for the one-shot `partsync lock`/`unlock`
// commands that don't run a full watch loop.
func sendLockRequest(cfg clientConfig, event string, data any) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := fmt.Sprintf("%s/ws?clientName=%s", cfg.Server, cfg.Name)
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to connect to relay at %s: %v\n", cfg.Server, err)
		os.Exit(1)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	env := wire.Envelope{Event: event, Data: data}
	payload, err := json.Marshal(env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to encode request: %v\n", err)
		os.Exit(1)
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to send request: %v\n", err)
		os.Exit(1)
	}
	// Give the relay a moment to process and broadcast before we
	// close the connection.
	time.Sleep(100 * time.Millisecond)
}

func init() {
	for _, cmd := range []*cobra.Command{startCmd, statusCmd, lockCmd, unlockCmd} {
		cmd.Flags().String("config", ".partsync.toml", "path to client config file")
		cmd.Flags().String("server", "", "relay URL (overrides config)")
		cmd.Flags().String("name", "", "display name for this client (overrides config)")
	}
	startCmd.Flags().String("dir", "", "directory to watch (overrides config)")
	startCmd.Flags().StringArray("ignore", nil, "glob pattern to ignore (overrides config, repeatable)")
	startCmd.Flags().String("log-file", "", "path to a rotating log file (overrides config)")

	rootCmd.AddCommand(startCmd, statusCmd, lockCmd, unlockCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
