package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aescanero/dago-kernel/pkg/domain"
)

var (
	tailGroup    string
	tailConsumer string
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Read persisted events (requires DAGO_STORAGE=redis)",
}

var eventsReplayCmd = &cobra.Command{
	Use:   "replay <run-id>",
	Short: "Print the persisted events of a run in sequence order",
	Args:  cobra.ExactArgs(1),
	RunE:  runEventsReplay,
}

var eventsTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Follow the global event stream as a consumer group member",
	Long: `Follow every persisted event through a Redis consumer group, printing
one JSON line per event. Members of the same group share the stream.`,
	Args: cobra.NoArgs,
	RunE: runEventsTail,
}

func init() {
	eventsTailCmd.Flags().StringVar(&tailGroup, "group", "dago-cli", "consumer group")
	eventsTailCmd.Flags().StringVar(&tailConsumer, "consumer", fmt.Sprintf("cli-%d", os.Getpid()), "consumer name")
	eventsCmd.AddCommand(eventsReplayCmd, eventsTailCmd)
	rootCmd.AddCommand(eventsCmd)
}

func openSink(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Storage != "redis" {
		return nil, fmt.Errorf("events are only persisted with DAGO_STORAGE=redis")
	}
	return newApp(ctx, cfg, initLogger(cfg.LogLevel))
}

func runEventsReplay(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openSink(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	events, err := a.sink.Replay(ctx, args[0])
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), events)
}

func runEventsTail(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openSink(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	enc := json.NewEncoder(cmd.OutOrStdout())
	err = a.sink.Consume(ctx, tailGroup, tailConsumer, func(_ context.Context, e domain.Event) error {
		return enc.Encode(e)
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}
