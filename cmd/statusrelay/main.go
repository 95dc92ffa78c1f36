package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"statusrelay/internal/app"
	"statusrelay/internal/change"
	"statusrelay/internal/config"
	"statusrelay/internal/notifier"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

type options struct {
	configPath  string
	recordsPath string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "statusrelay",
		Short: "Relay service health catalog changes to a chat webhook",
		Long: `statusrelay polls a service health catalog, keeps a snapshot of every public
issue event, and posts formatted notifications for new, updated and expired
events to a chat webhook.`,
		Version:       fmt.Sprintf("%s (built: %s)", Version, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "./config.yaml", "Path to the config file (JSON or YAML)")

	cmd.AddCommand(
		newRunCmd(opts),
		newPollCmd(opts),
		newReplayCmd(opts),
		newRenderCmd(opts),
	)
	return cmd
}

func newRunCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Poll on schedule, notify and watch the config until stopped",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := app.NewApp(ctx, opts.configPath, app.WithVersion(Version))
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return err
			}

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				if a.Err() != nil {
					reason = app.StopFatalError
				}
			}
			stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			_ = a.Stop(stopCtx, reason)
			return a.Err()
		},
	}
}

func newPollCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Run one catalog poll and notify the changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := app.NewApp(ctx, opts.configPath, app.WithVersion(Version))
			if err != nil {
				return err
			}
			res, err := a.PollOnce(ctx)
			_ = a.Stop(context.Background(), app.StopDone)
			printResult(cmd.OutOrStdout(), res)
			return err
		},
	}
}

func newReplayCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Notify a stored change-record stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			records, err := readRecords(opts.recordsPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := app.NewApp(ctx, opts.configPath, app.WithVersion(Version))
			if err != nil {
				return err
			}
			res, err := a.Replay(ctx, records)
			_ = a.Stop(context.Background(), app.StopDone)
			printResult(cmd.OutOrStdout(), res)
			return err
		},
	}
	cmd.Flags().StringVar(&opts.recordsPath, "records", "", "Change-record stream: JSON array or {\"Records\": [...]} (\"-\" for stdin)")
	_ = cmd.MarkFlagRequired("records")
	return cmd
}

func newRenderCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Print the payloads a change-record stream would produce, without sending",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			records, err := readRecords(opts.recordsPath)
			if err != nil {
				return err
			}
			var cfg *config.Config
			if cmd.Flags().Changed("config") {
				if cfg, err = config.NewConfigManager(opts.configPath).Parse(); err != nil {
					return err
				}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(app.RenderRecords(cfg, records))
		},
	}
	cmd.Flags().StringVar(&opts.recordsPath, "records", "", "Change-record stream: JSON array or {\"Records\": [...]} (\"-\" for stdin)")
	_ = cmd.MarkFlagRequired("records")
	return cmd
}

func readRecords(path string) ([]change.Record, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read records: %w", err)
	}
	records, err := change.DecodeRecords(data)
	if err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}
	if len(records) == 0 {
		return nil, errors.New("no records in input")
	}
	return records, nil
}

func printResult(w io.Writer, res notifier.Result) {
	if res.InvocationID == "" {
		return
	}
	fmt.Fprintf(w, "invocation %s: delivered=%d skipped=%d failed=%d abandoned=%d took=%s\n",
		res.InvocationID, res.Delivered, res.Skipped, res.Failed, res.Abandoned, res.Took.Round(time.Millisecond))
}
