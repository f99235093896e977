package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/barrhawk/fleetbridge/pkg/bridge"
	"github.com/barrhawk/fleetbridge/pkg/config"
	"github.com/barrhawk/fleetbridge/pkg/igor"
	"github.com/barrhawk/fleetbridge/pkg/log"
	"github.com/barrhawk/fleetbridge/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fleetbridge",
	Short: "FleetBridge - test-orchestration message hub and worker fleet",
	Long: `FleetBridge connects a hierarchy of test-orchestration components -
Supervisors (Doctors), worker faces (Igors), and executors (Franks) -
into a single coordinated cluster through a central message hub.

The hub routes signed messages between components, enforces rate limits
and circuit breakers, supervises Supervisor child processes, and keeps
the cluster observable over a read-only HTTP control surface.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"FleetBridge version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Optional YAML config file (environment overrides it)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(bridgeCmd)
	rootCmd.AddCommand(igorCmd)
	rootCmd.AddCommand(frankCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      logLevel,
		JSONOutput: logJSON,
	})
	metrics.SetVersion(Version)
}

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Run the message hub",
	Long: `Run the FleetBridge hub: the authenticated WebSocket ingress every
cluster component connects to, plus the HTTP control surface.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := rootCmd.PersistentFlags().GetString("config")
		cfg, err := config.LoadBridge(configPath)
		if err != nil {
			return fmt.Errorf("invalid bridge configuration: %w", err)
		}

		hub, err := bridge.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize bridge: %w", err)
		}

		return hub.Start(signalContext())
	},
}

var igorCmd = &cobra.Command{
	Use:   "igor",
	Short: "Run a worker face",
	Long: `Run a FleetBridge worker face: connects to the hub, executes plans
submitted by a Supervisor, and supervises executor children.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := rootCmd.PersistentFlags().GetString("config")
		cfg, err := config.LoadIgor(configPath)
		if err != nil {
			return fmt.Errorf("invalid igor configuration: %w", err)
		}

		worker, err := igor.New(cfg, nil)
		if err != nil {
			return fmt.Errorf("failed to initialize igor: %w", err)
		}

		return worker.Start(signalContext())
	},
}

// signalContext cancels on SIGINT/SIGTERM for graceful drain
func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx
}
