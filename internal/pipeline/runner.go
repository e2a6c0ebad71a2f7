package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rpattn/dwhsync/internal/domain"
	"github.com/rpattn/dwhsync/internal/metrics"
	"github.com/rpattn/dwhsync/internal/repository"
)

// ErrRunInProgress is returned when a window is requested while another one
// is still running.
var ErrRunInProgress = errors.New("a processing window is already running")

// Runner drives whole windows: extraction, the coordinator, the bookmark and
// the run log.
type Runner struct {
	taskName    string
	plan        Plan
	source      Source
	coordinator *Coordinator
	bookmarks   repository.BookmarkRepository
	runs        repository.RunLogRepository
	logger      *zap.Logger
	metrics     *metrics.Metrics
	now         func() time.Time

	running sync.Mutex
}

// RunnerDeps groups the runner's collaborators.
type RunnerDeps struct {
	TaskName    string
	Plan        Plan
	Source      Source
	Coordinator *Coordinator
	Bookmarks   repository.BookmarkRepository
	Runs        repository.RunLogRepository
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// NewRunner creates a runner.
func NewRunner(deps RunnerDeps) *Runner {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		taskName:    deps.TaskName,
		plan:        deps.Plan,
		source:      deps.Source,
		coordinator: deps.Coordinator,
		bookmarks:   deps.Bookmarks,
		runs:        deps.Runs,
		logger:      logger.With(zap.String("task", deps.TaskName)),
		metrics:     deps.Metrics,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Next returns the window following the bookmark and ending now. Without a
// bookmark the window is unbounded below.
func (r *Runner) Next(ctx context.Context) (domain.ProcessingWindow, error) {
	from, _, err := r.bookmarks.Get(ctx, r.taskName)
	if err != nil {
		return domain.ProcessingWindow{}, err
	}
	return domain.ProcessingWindow{From: from, To: r.now()}, nil
}

// Run processes the next window.
func (r *Runner) Run(ctx context.Context) (RunSummary, error) {
	window, err := r.Next(ctx)
	if err != nil {
		return RunSummary{}, err
	}
	return r.RunWindow(ctx, window)
}

// RunWindow processes the given window. The bookmark moves forward to
// window.To only when every stage succeeded, so a failed window is picked up
// again by the next run.
func (r *Runner) RunWindow(ctx context.Context, window domain.ProcessingWindow) (RunSummary, error) {
	if !r.running.TryLock() {
		return RunSummary{}, ErrRunInProgress
	}
	defer r.running.Unlock()

	if err := window.Validate(); err != nil {
		return RunSummary{}, err
	}

	run := domain.NewRunLog(r.taskName, window)
	logger := r.logger.With(zap.String("run_id", run.RunID.String()))
	if err := r.runs.Start(ctx, run); err != nil {
		return RunSummary{}, err
	}
	logger.Info("window started", zap.Time("from", window.From), zap.Time("to", window.To))

	summary, runErr := r.execute(ctx, window)

	if runErr == nil {
		if err := r.advance(ctx, window.To); err != nil {
			runErr = fmt.Errorf("failed to advance bookmark: %w", err)
			summary.Status = domain.RunStatusFailed
		}
	}

	finished := r.now()
	run.FinishedAt = &finished
	run.Status = summary.Status
	if run.Status == "" || run.Status == domain.RunStatusRunning {
		run.Status = domain.RunStatusFailed
	}
	run.DimensionRowsInserted, run.DimensionRowsExpired, run.FactsLoaded = summary.Totals()
	run.ErrorsRecorded = summary.ErrorsRecorded
	if runErr != nil {
		message := runErr.Error()
		run.ErrorMessage = &message
	}

	if err := r.runs.Finish(context.WithoutCancel(ctx), run); err != nil {
		logger.Error("failed to finish run log", zap.Error(err))
	}
	r.metrics.WindowFinished(string(run.Status), finished.Sub(run.StartedAt))

	if runErr != nil {
		logger.Error("window failed", zap.String("status", string(run.Status)), zap.Error(runErr))
		return summary, runErr
	}
	logger.Info("window succeeded",
		zap.Int("dimension_rows_inserted", run.DimensionRowsInserted),
		zap.Int("dimension_rows_expired", run.DimensionRowsExpired),
		zap.Int("facts_loaded", run.FactsLoaded),
	)
	return summary, nil
}

// advance moves the bookmark to end unless it already points later, so a
// backfill window does not rewind it.
func (r *Runner) advance(ctx context.Context, end time.Time) error {
	current, ok, err := r.bookmarks.Get(ctx, r.taskName)
	if err != nil {
		return err
	}
	if ok && !end.After(current) {
		return nil
	}
	return r.bookmarks.Set(ctx, r.taskName, end)
}

func (r *Runner) execute(ctx context.Context, window domain.ProcessingWindow) (RunSummary, error) {
	batches, err := r.plan.Extract(ctx, r.source, window)
	if err != nil {
		return RunSummary{Window: window, Status: domain.RunStatusFailed}, err
	}
	return r.coordinator.RunWindow(ctx, window, batches)
}
