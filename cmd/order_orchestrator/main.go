package main

import (
	"fmt"
	"os"

	"order_orchestrator/internal/config"
	"order_orchestrator/internal/core"
	"order_orchestrator/pkg/logging"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

type globalFlags struct {
	configPath string
	envFile    string
	logLevel   string
	paper      bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "order_orchestrator",
		Short:         "Executes large orders on the Polymarket CLOB in child orders",
		Version:       fmt.Sprintf("%s (built %s)", version, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Missing .env is fine; real environment variables still apply.
			if err := godotenv.Load(g.envFile); err != nil && cmd.Flags().Changed("env-file") {
				return fmt.Errorf("failed to load env file: %w", err)
			}
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Path to YAML configuration file")
	root.PersistentFlags().StringVar(&g.envFile, "env-file", ".env", "File with environment variables for ${VAR} expansion")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level override (DEBUG, INFO, WARN, ERROR)")
	root.PersistentFlags().BoolVar(&g.paper, "paper", false, "Trade against a simulated venue fed by the live market channel")

	root.AddCommand(newRunCmd(g))
	root.AddCommand(newPlaceCmd(g))
	root.AddCommand(newBookCmd(g))
	return root
}

// loadConfig reads the config file, or the defaults when none is given,
// and applies the global overrides. Validation is left to the caller.
func (g *globalFlags) loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if g.configPath != "" {
		loaded, err := config.Load(g.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if g.logLevel != "" {
		cfg.App.LogLevel = g.logLevel
	}
	if g.paper {
		cfg.App.Paper = true
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (core.ILogger, error) {
	logger, err := logging.NewZapLoggerWithOptions(logging.Options{
		Level:       cfg.App.LogLevel,
		Format:      cfg.App.LogFormat,
		DisableOTel: !cfg.Telemetry.LogExport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	logging.SetGlobalLogger(logger)
	return logger, nil
}
