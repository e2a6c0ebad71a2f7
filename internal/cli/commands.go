package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rpattn/dwhsync/internal/db"
	"github.com/rpattn/dwhsync/internal/domain"
)

// NewMigrateCommand applies the embedded warehouse migrations.
func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply warehouse schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := db.RunMigrations(opts.Config.Warehouse, opts.Logger); err != nil {
				return WrapExitError(ExitCommandError, "failed to migrate warehouse", err)
			}
			return nil
		},
	}
}

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	From string
	To   string
}

// NewRunCommand processes one window.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process one window",
		Long: `Process the window from the last successful window end to now.

--from and --to override either bound and accept a date (2006-01-02) or an
RFC 3339 timestamp. The summary is printed as JSON.

Example:
  dwhsync run --config ./config.yaml
  dwhsync run --from 2025-03-09 --to 2025-03-10T02:00:00Z`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWindow(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.From, "from", "", "window start (exclusive)")
	cmd.Flags().StringVar(&opts.To, "to", "", "window end (inclusive)")
	return cmd
}

func runWindow(cmd *cobra.Command, opts *RunOptions) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	app, err := Open(ctx, opts.Config, opts.Logger, true)
	if err != nil {
		return err
	}
	defer app.Close()

	window, err := app.Runner.Next(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read bookmark", err)
	}
	if window, err = applyWindowFlags(window, opts.From, opts.To); err != nil {
		return WrapExitError(ExitCommandError, "invalid window", err)
	}

	summary, runErr := app.Runner.RunWindow(ctx, window)
	if err := printJSON(cmd.OutOrStdout(), summary); err != nil {
		return err
	}
	return runErr
}

// ReprocessOptions holds flags for the reprocess command.
type ReprocessOptions struct {
	*RootOptions
	Limit int
}

// NewReprocessCommand runs one reprocess pass over the error ledger.
func NewReprocessCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReprocessOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reprocess",
		Short: "Retry recoverable error records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			app, err := Open(ctx, opts.Config, opts.Logger, false)
			if err != nil {
				return err
			}
			defer app.Close()

			limit := opts.Limit
			if limit <= 0 {
				limit = opts.Config.Ledger.ReprocessLimit
			}
			summary, err := app.Ledger.Reprocess(ctx, limit)
			if err != nil {
				return WrapExitError(ExitFailure, "reprocess pass failed", err)
			}
			return printJSON(cmd.OutOrStdout(), summary)
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum records to retry (defaults to ledger.reprocess_limit)")
	return cmd
}

// applyWindowFlags overrides the window bounds given on the command line.
func applyWindowFlags(window domain.ProcessingWindow, from, to string) (domain.ProcessingWindow, error) {
	if strings.TrimSpace(from) != "" {
		parsed, err := parseBound(from)
		if err != nil {
			return window, fmt.Errorf("--from: %w", err)
		}
		window.From = parsed
	}
	if strings.TrimSpace(to) != "" {
		parsed, err := parseBound(to)
		if err != nil {
			return window, fmt.Errorf("--to: %w", err)
		}
		window.To = parsed
	}
	return window, window.Validate()
}

func parseBound(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
		return parsed.UTC(), nil
	}
	parsed, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither a date nor an RFC 3339 timestamp", raw)
	}
	return parsed, nil
}

func printJSON(w io.Writer, payload any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
