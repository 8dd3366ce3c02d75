package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/nimbus/pkg/config"
	"github.com/cuemby/nimbus/pkg/controller"
	"github.com/cuemby/nimbus/pkg/log"
	"github.com/cuemby/nimbus/pkg/metrics"
	"github.com/spf13/cobra"
)

var (
	// Version is set via ldflags during build.
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

var rootCmd = &cobra.Command{
	Use:     "nimbusd",
	Short:   "nimbusd runs the Nimbus fleet controller",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("nimbusd version %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	runCmd.Flags().String("config", "configs/primary.toml", "Path to the controller's TOML config file")
	rootCmd.AddCommand(runCmd)

	configInitCmd.Flags().String("config", "configs/primary.toml", "Path to write the default config file to")
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOutput, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOutput})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the controller and block until shutdown",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return runController(configPath)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the controller's configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		if err := config.Save(path, config.Default()); err != nil {
			return fmt.Errorf("%w: %w", errConfig, err)
		}
		fmt.Printf("wrote default configuration to %s\n", path)
		return nil
	},
}

var errConfig = errors.New("configuration error")

func runController(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("%w: %w", errConfig, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := controller.New(ctx, cfg)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("%w: failed to bind %s: %w", errConfig, cfg.ListenAddr, err)
	}

	go serveMetrics(cfg.MetricsAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		c.RequestShutdown()
	}()

	log.Info(fmt.Sprintf("nimbusd listening on %s", cfg.ListenAddr))
	return c.Run(ctx, listener)
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Errorf("metrics server stopped", err)
	}
}

// exitCodeFor maps a top-level error to §6's exit codes: 0 is reserved
// for clean shutdown (main never reaches here in that case, since
// rootCmd.Execute returns nil), so only the failure codes are chosen here.
func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, controller.ErrPluginLoadFailed):
		return 2
	case errors.Is(err, controller.ErrStorageInit):
		return 3
	default:
		return 1
	}
}
