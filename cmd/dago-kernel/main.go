// dago-kernel validates and executes workflow decisions.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aescanero/dago-kernel/internal/config"
)

var (
	// Version is set by build flags
	Version   = "dev"
	BuildTime = "unknown"
)

var policyFile string

var rootCmd = &cobra.Command{
	Use:   "dago-kernel",
	Short: "Workflow execution kernel",
	Long: `dago-kernel validates decision payloads, resolves their graphs into
execution batches and runs them under a concurrency governor and a
recovery policy.

Configuration is read from the environment; see internal/config for the
variables. Recovery rules and governor limits may also come from a TOML
policy file.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&policyFile, "policy", "", "TOML policy file (overrides DAGO_POLICY_FILE)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads the configuration, honoring the --policy flag.
func loadConfig() (*config.Config, error) {
	if policyFile != "" {
		if err := os.Setenv("DAGO_POLICY_FILE", policyFile); err != nil {
			return nil, fmt.Errorf("setting policy file: %w", err)
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// initLogger initializes the logger based on log level
func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	// Keep stdout for command output.
	config.OutputPaths = []string{"stderr"}

	logger, err := config.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	return logger
}
