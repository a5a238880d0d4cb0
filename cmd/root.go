package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/thomasp-ms/azure-ml-federated-learning/internal/config"
	"github.com/thomasp-ms/azure-ml-federated-learning/internal/logger"
)

var (
	// CLI flags
	cfgFile   string
	logLevel  string
	logFormat string
	logOutput string

	// Bus flags
	sbAuth    string
	sbHost    string
	sbSize    int
	sbRank    int
	sbTopic   string
	sbSub     string
	sbBackend string

	// Global variables
	rootLog *logger.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "sbmpi",
	Short: "MPI-like messaging and cluster auto-setup over Azure Service Bus",
	Long: `sbmpi lets a fixed set of processes without a direct network path talk
to each other with point-to-point send and receive, relaying every message
through session-enabled Service Bus subscriptions.

On top of that it runs a cluster auto-setup handshake: rank 0 becomes the
head, shares its address with every worker and waits for all of them to
report ready, then coordinates an orderly shutdown.`,
	Version:       GetVersion(),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initLogger()
	},
}

// initLogger initializes the global logger based on CLI flags and environment
func initLogger() error {
	cfg := config.DefaultLoggingConfig()
	if v := os.Getenv(config.EnvLogLevel); v != "" {
		cfg.Level = v
	}
	if v := os.Getenv(config.EnvLogFormat); v != "" {
		cfg.Format = v
	}
	if v := os.Getenv(config.EnvLogOutput); v != "" {
		cfg.Output = v
	}

	// Override with CLI flags if provided
	if logLevel != "" {
		cfg.Level = logLevel
	}
	if logFormat != "" {
		cfg.Format = logFormat
	}
	if logOutput != "" {
		cfg.Output = logOutput
	}

	log, err := logger.New(cfg)
	if err != nil {
		return err
	}

	rootLog = log
	logger.SetGlobal(log)
	return nil
}

// loadConfig loads the configuration from file and environment, applies CLI
// overrides and validates the result
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	opts := config.OverrideOptions{
		Backend:      sbBackend,
		AuthMethod:   sbAuth,
		Host:         sbHost,
		Topic:        sbTopic,
		Subscription: sbSub,
		LogLevel:     logLevel,
		LogFormat:    logFormat,
		LogOutput:    logOutput,
	}
	if cmd.Flags().Changed("sb-size") {
		opts.WorldSize = &sbSize
	}
	if cmd.Flags().Changed("sb-rank") {
		opts.WorldRank = &sbRank
	}
	cfg.ApplyOverrides(opts)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := applyLogging(cfg.Logging); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyLogging replaces the root logger with one built from the fully layered
// logging section: defaults, YAML file, environment, then flags
func applyLogging(cfg config.LoggingConfig) error {
	log, err := logger.New(cfg)
	if err != nil {
		return err
	}
	if rootLog != nil {
		rootLog.Close()
	}
	rootLog = log
	logger.SetGlobal(log)
	rootLog.Debug("Logger configured", "level", cfg.Level, "format", cfg.Format, "output", cfg.Output)
	return nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		if rootLog != nil {
			rootLog.Error("Command execution failed", "error", err)
		} else {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
	}
	if rootLog != nil {
		rootLog.Close()
	}
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	// Config file flag
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Config file path (default: use environment variables)")

	// Logging flags
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format: json, text (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logOutput, "log-output", "",
		"Log output: stdout, stderr, or file path (default: from config or env)")

	// Bus flags
	rootCmd.PersistentFlags().StringVar(&sbAuth, "sb-auth", "",
		"Bus auth method: SystemAssigned, UserAssigned, ConnectionString (default: SystemAssigned)")
	rootCmd.PersistentFlags().StringVar(&sbHost, "sb-host", "",
		"Fully qualified Service Bus namespace, e.g. myns.servicebus.windows.net")
	rootCmd.PersistentFlags().IntVar(&sbSize, "sb-size", 1,
		"Number of ranks in the world")
	rootCmd.PersistentFlags().IntVar(&sbRank, "sb-rank", 0,
		"Rank of this process")
	rootCmd.PersistentFlags().StringVar(&sbTopic, "sb-topic", "",
		"Service Bus topic relaying all messages")
	rootCmd.PersistentFlags().StringVar(&sbSub, "sb-sub", "",
		"Session-enabled subscription shared by all ranks")
	rootCmd.PersistentFlags().StringVar(&sbBackend, "backend", "",
		"Bus backend: servicebus, memory (default: servicebus)")

	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(helloCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(versionCmd)
}
