package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/mender-agent/pkg/agent"
	"github.com/cuemby/mender-agent/pkg/log"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "mender-agent",
	Short:   "Mender client agent: OTA deployment, inventory, and configuration sync",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("mender-agent version %s\ncommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "/etc/mender-agent/config.yaml", "Path to the agent configuration file")
	rootCmd.PersistentFlags().String("store-dir", "/var/lib/mender-agent", "Directory holding the persistent key/value store")
	rootCmd.PersistentFlags().String("flash-dir", "/var/lib/mender-agent/flash", "Directory holding the simulated A/B flash slots")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(activateCmd)
	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOutput, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOutput})
}

func buildAgent(cmd *cobra.Command) (*agent.Agent, error) {
	configPath, _ := cmd.Flags().GetString("config")
	storeDir, _ := cmd.Flags().GetString("store-dir")
	flashDir, _ := cmd.Flags().GetString("flash-dir")
	watch, _ := cmd.Flags().GetBool("watch-config")
	diagAddr, _ := cmd.Flags().GetString("diagnostics-addr")

	return agent.New(agent.Options{
		ConfigPath:      configPath,
		WatchConfig:     watch,
		StoreDir:        storeDir,
		FlashDir:        flashDir,
		DiagnosticsAddr: diagAddr,
	})
}

// initCmd provisions device identity and the key/value store on first
// boot, without starting any scheduled work. A device image that already
// ships a provisioned store can skip straight to "activate".
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Provision device identity and the local key/value store",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildAgent(cmd)
		if err != nil {
			return err
		}
		return a.Shutdown()
	},
}

// activateCmd promotes any deployment record left mid-flight across a
// reboot and arms every scheduled work item, then exits. It is the
// no-daemon counterpart to "run", useful for init systems that manage
// the long-running process separately.
var activateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Resume pending deployment state and arm scheduled work items",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildAgent(cmd)
		if err != nil {
			return err
		}
		if err := a.Activate(); err != nil {
			return err
		}
		return a.Shutdown()
	},
}

// runCmd is the long-running entrypoint: init, activate, and then block
// until an interrupt or terminate signal requests an orderly exit.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent: activate scheduled work and block until shutdown",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildAgent(cmd)
		if err != nil {
			return err
		}
		if err := a.Activate(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		runErr := a.Run(ctx)
		if err := a.Shutdown(); err != nil && runErr == nil {
			runErr = err
		}
		return runErr
	},
}

func init() {
	runCmd.Flags().Bool("watch-config", true, "Hot-reload the configuration file on change")
	runCmd.Flags().String("diagnostics-addr", "", "Address to serve /healthz, /readyz, /livez, and /metrics on (empty disables)")
	activateCmd.Flags().Bool("watch-config", false, "Hot-reload the configuration file on change")
	initCmd.Flags().Bool("watch-config", false, "Hot-reload the configuration file on change")
}
