package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aescanero/dago-kernel/internal/application/executors"
	"github.com/aescanero/dago-kernel/internal/application/orchestrator"
)

var validateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a decision payload",
	Long: `Validate a decision payload (JSON or YAML) without executing it.

The validation result is printed as JSON. The command fails when the
decision is rejected.

Examples:
  dago-kernel validate decision.yaml
  cat decision.json | dago-kernel validate -`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	decision, err := readDecision(args[0])
	if err != nil {
		return err
	}

	registry := executors.NewRegistry()
	// The llm capability is declared even without credentials so that
	// graphs using it validate offline.
	opts := executors.BuiltinOptions{LLM: offlineLLM{}}
	if err := executors.RegisterBuiltins(registry, opts); err != nil {
		return err
	}

	validator := orchestrator.NewValidator(registry, cfg.ResourcePolicy(), cfg.ValidatorDefaults(), nil)
	result := validator.Validate(decision)
	if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
		return err
	}
	if !result.Accepted() {
		return fmt.Errorf("decision rejected with %d error(s)", len(result.Errors()))
	}
	return nil
}
