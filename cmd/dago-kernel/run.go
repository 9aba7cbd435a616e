package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aescanero/dago-kernel/pkg/domain"
)

var runShowEvents bool

var runCmd = &cobra.Command{
	Use:   "run <file>",
	Short: "Validate and execute a decision in process",
	Long: `Validate an execute_run decision (JSON or YAML) and execute it in
process. The final run record is printed as JSON; with --events every event
is printed as one JSON line first.

Interrupting the command cancels the run.

Examples:
  dago-kernel run pipeline.yaml
  dago-kernel run --events pipeline.json`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runShowEvents, "events", false, "print events as JSON lines")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := initLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	decision, err := readDecision(args[0])
	if err != nil {
		return err
	}
	if decision.Kind != domain.DecisionExecuteRun {
		return fmt.Errorf("run expects an execute_run decision, got %q", decision.Kind)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		a.shutdown(shutdownCtx)
	}()

	out := cmd.OutOrStdout()
	if runShowEvents {
		var mu sync.Mutex
		enc := json.NewEncoder(out)
		unsubscribe, err := a.channel.Subscribe(ctx, func(_ context.Context, e domain.Event) error {
			mu.Lock()
			defer mu.Unlock()
			return enc.Encode(e)
		})
		if err != nil {
			return err
		}
		defer unsubscribe()
	}

	sub, err := a.manager.Submit(ctx, decision)
	if err != nil {
		return err
	}
	logger.Info("run started", zap.String("run_id", sub.RunID))

	go func() {
		<-ctx.Done()
		_ = a.manager.Cancel(context.Background(), sub.RunID)
	}()

	record, err := a.manager.Wait(context.Background(), sub.RunID)
	if err != nil {
		return err
	}
	if err := writeJSON(out, record); err != nil {
		return err
	}
	if record.Status != domain.RunSucceeded {
		return fmt.Errorf("run %s finished with status %s", record.RunID, record.Status)
	}
	return nil
}
