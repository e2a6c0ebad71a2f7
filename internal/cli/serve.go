package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rpattn/dwhsync/internal/api"
	"github.com/rpattn/dwhsync/internal/scheduler"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr       string
	NoSchedule bool
	RunOnStart bool
}

// NewServeCommand runs the ops API and the window schedule until signalled.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the ops API and run windows on schedule.cron",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().BoolVar(&opts.NoSchedule, "no-schedule", false, "serve the API without scheduled windows")
	cmd.Flags().BoolVar(&opts.RunOnStart, "run-on-start", false, "process a window immediately on startup")
	return cmd
}

func serve(parent context.Context, opts *ServeOptions) error {
	ctx, stop := signalContext(parent)
	defer stop()

	cfg := opts.Config
	logger := opts.Logger

	var sched *scheduler.Scheduler
	if !opts.NoSchedule {
		var err error
		sched, err = scheduler.New(scheduler.Options{Cron: cfg.Schedule.Cron, RunOnStart: opts.RunOnStart}, logger.Named("scheduler"))
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid schedule", err)
		}
	}

	app, err := Open(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer app.Close()

	addr := opts.Addr
	if addr == "" {
		addr = cfg.Server.Addr
	}

	server := api.NewServer(api.Deps{
		Ledger:         app.Ledger,
		Runner:         app.Runner,
		Runs:           app.Runs,
		History:        app.Dimensions,
		Database:       app.Conn,
		Gatherer:       app.Registry,
		TaskName:       cfg.Schedule.TaskName,
		ReprocessLimit: cfg.Ledger.ReprocessLimit,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger.Named("api"),
	})

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return server.ListenAndServe(groupCtx, addr)
	})
	if sched != nil {
		group.Go(func() error {
			return sched.Run(groupCtx, func(runCtx context.Context) error {
				summary, err := app.Runner.Run(runCtx)
				if err != nil {
					return fmt.Errorf("window %s: %w", summary.Status, err)
				}
				return nil
			})
		})
	}

	logger.Info("dwhsync serving",
		zap.String("addr", addr),
		zap.Bool("scheduled", sched != nil),
		zap.String("task", cfg.Schedule.TaskName),
	)
	if err := group.Wait(); err != nil {
		return WrapExitError(ExitCommandError, "server stopped", err)
	}
	return nil
}
