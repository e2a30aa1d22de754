// Command partsync-relay runs the relay process: the central point a
// project's partsync clients connect to for diff exchange, soft
// locking, conflict detection, and the live dashboard feed.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/partsync/partsync/internal/config"
	"github.com/partsync/partsync/internal/logging"
	"github.com/partsync/partsync/internal/relay"
	"github.com/partsync/partsync/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "partsync-relay",
	Short: "Relay server for partsync, a near-real-time file sync system",
	Long: `partsync-relay is the central coherence point for a partsync project.

Clients connect over WebSocket, sending diffs as they edit files and
receiving the diffs other clients (human or agent) produce. The relay
owns the version-chain history, the soft lock table, and conflict
detection between overlapping patches.`,
}

var startCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay, listening for client connections",
	Run: func(cmd *cobra.Command, args []string) {
		configPath, _ := cmd.Flags().GetString("config")
		portFlag, _ := cmd.Flags().GetInt("port")
		dbFlag, _ := cmd.Flags().GetString("db")
		logFileFlag, _ := cmd.Flags().GetString("log-file")

		cfg, err := config.LoadRelayConfig(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to load config: %v\n", err)
			os.Exit(1)
		}
		if cmd.Flags().Changed("port") {
			cfg.Port = portFlag
		}
		if cmd.Flags().Changed("db") {
			cfg.DBPath = dbFlag
		}
		if cmd.Flags().Changed("log-file") {
			cfg.LogFile = logFileFlag
		}

		logger := logging.New("[partsync-relay] ", cfg.LogFile)

		st, err := store.Open(cfg.DBPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to open store: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		relayCfg := relay.Config{
			Port:              cfg.Port,
			MaxDiffHistory:    cfg.MaxDiffHistory,
			DashboardInterval: time.Duration(cfg.DashboardIntervalMS) * time.Millisecond,
			Logger:            logger,
		}
		r := relay.New(st, relayCfg)

		if err := r.RestoreFromStore(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to restore locks: %v\n", err)
			os.Exit(1)
		}

		if err := r.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to start relay: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("partsync relay listening on %s\n", r.Addr())
		fmt.Printf("WebSocket endpoint: ws://%s/ws\n", r.Addr())
		fmt.Printf("Health check: http://%s/health\n", r.Addr())
		fmt.Println("Press Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		fmt.Println("\nShutting down relay...")
		if err := r.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Relay stopped")
	},
}

func init() {
	startCmd.Flags().String("config", "relay.yaml", "path to relay config file")
	startCmd.Flags().IntP("port", "p", 0, "port to listen on (overrides config)")
	startCmd.Flags().String("db", "", "path to the relay's SQLite database (overrides config)")
	startCmd.Flags().String("log-file", "", "path to a rotating log file (overrides config)")
	rootCmd.AddCommand(startCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
