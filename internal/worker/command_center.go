package worker

import (
	"context"
	"errors"
	"time"

	"github.com/ignite/clientsync/internal/domain"
	"github.com/ignite/clientsync/internal/pkg/logger"
	"github.com/ignite/clientsync/internal/service/syncrun"
)

// StepResult is one source's outcome within a command-center sweep.
type StepResult struct {
	Source     domain.Source      `json:"source"`
	Status     string             `json:"status"`
	Counters   domain.RunCounters `json:"counters"`
	Error      string             `json:"error,omitempty"`
	DurationMs int64              `json:"duration_ms"`
}

// SweepResult aggregates a full command-center sweep.
type SweepResult struct {
	RunID    string             `json:"run_id"`
	Status   domain.RunStatus   `json:"status"`
	Steps    []StepResult       `json:"steps"`
	Totals   domain.RunCounters `json:"totals"`
	Elapsed  string             `json:"elapsed"`
	TimedOut bool               `json:"timed_out"`
}

// CommandCenter sweeps every registered source in a fixed order under a
// single invocation budget, tracked as its own run so the dashboard
// shows one row per sweep. Sources the budget never reached are
// reported as timed out, not silently omitted.
type CommandCenter struct {
	orch    *Orchestrator
	tracker *syncrun.Tracker
	pauser  Pauser
	budget  time.Duration

	now func() time.Time
}

// NewCommandCenter builds the sweep coordinator. budget <= 0 falls back
// to 55 seconds.
func NewCommandCenter(orch *Orchestrator, tracker *syncrun.Tracker, pauser Pauser, budget time.Duration) *CommandCenter {
	if budget <= 0 {
		budget = 55 * time.Second
	}
	return &CommandCenter{
		orch:    orch,
		tracker: tracker,
		pauser:  pauser,
		budget:  budget,
		now:     time.Now,
	}
}

// RunAll sweeps all sources sequentially. The kill switch is checked
// once up front; when on, a single skipped command-center run is
// recorded instead of one per source.
//
// Each step gets whatever budget remains; a step that starts is allowed
// to finish its current batch even if it crosses the line, and every
// step after the line is marked "Timeout" without being attempted.
func (cc *CommandCenter) RunAll(ctx context.Context) (*SweepResult, error) {
	paused, err := cc.pauser.SyncPaused(ctx)
	if err != nil {
		logger.Warn("kill switch check failed, proceeding", "error", err.Error())
	}
	if paused {
		run, err := cc.tracker.RecordSkipped(ctx, domain.SourceCommandCenter, "sync_paused")
		if err != nil {
			return nil, err
		}
		return &SweepResult{RunID: run.ID, Status: domain.RunSkipped}, nil
	}

	run, _, err := cc.tracker.StartOrResume(ctx, domain.SourceCommandCenter)
	if err != nil {
		return nil, err
	}

	start := cc.now()
	deadline := start.Add(cc.budget)
	sources := cc.orch.Sources()

	result := &SweepResult{RunID: run.ID}
	failed := false

	for _, source := range sources {
		if cc.now().After(deadline) {
			result.Steps = append(result.Steps, StepResult{
				Source: source,
				Status: "timeout",
				Error:  "Timeout",
			})
			result.TimedOut = true
			continue
		}

		stepStart := cc.now()
		remaining := time.Until(deadline)
		step := StepResult{Source: source, Status: "completed"}

		res, err := cc.orch.RunToCompletion(ctx, source, remaining)
		switch {
		case errors.Is(err, ErrSyncPaused):
			// Switch flipped mid-sweep; stop starting new steps.
			step.Status = "skipped"
			step.Error = "sync paused"
		case err != nil:
			step.Status = "failed"
			step.Error = err.Error()
			failed = true
		case res == nil:
			step.Status = "skipped"
			step.Error = "already running elsewhere"
		default:
			step.Counters = res.Counters
			result.Totals.Add(res.Counters)
			if res.Run != nil && res.Run.Status == domain.RunCompletedTimeout {
				step.Status = "timeout"
				result.TimedOut = true
			}
		}
		step.DurationMs = cc.now().Sub(stepStart).Milliseconds()
		result.Steps = append(result.Steps, step)

		if step.Error == "sync paused" {
			break
		}
	}

	result.Elapsed = cc.now().Sub(start).Round(time.Millisecond).String()

	progress := syncrun.Progress{
		Counters: result.Totals,
		Metadata: map[string]any{"steps": result.Steps},
		Status:   domain.RunRunning,
	}
	if err := cc.tracker.RecordProgress(ctx, run, progress); err != nil {
		if errors.Is(err, syncrun.ErrNotActive) {
			result.Status = domain.RunCancelled
			return result, nil
		}
		return result, err
	}

	status := domain.RunCompleted
	switch {
	case result.TimedOut:
		status = domain.RunCompletedTimeout
	case failed || result.Totals.Failed > 0:
		status = domain.RunCompletedErrors
	}
	if err := cc.finish(ctx, run, status); err != nil && !errors.Is(err, syncrun.ErrNotActive) {
		return result, err
	}
	result.Status = run.Status

	logger.Info("command center sweep done",
		"run_id", run.ID, "status", string(run.Status), "elapsed", result.Elapsed,
		"fetched", result.Totals.Fetched, "inserted", result.Totals.Inserted,
		"updated", result.Totals.Updated, "conflicts", result.Totals.Conflicts,
		"failed", result.Totals.Failed)

	return result, nil
}

func (cc *CommandCenter) finish(ctx context.Context, run *domain.SyncRun, status domain.RunStatus) error {
	switch status {
	case domain.RunCompletedTimeout:
		return cc.tracker.CompleteTimeout(ctx, run)
	case domain.RunCompletedErrors:
		return cc.tracker.CompleteErrors(ctx, run)
	default:
		return cc.tracker.Complete(ctx, run)
	}
}

// ForceCancel cancels every active run across all sources, including an
// in-flight sweep. Running batches observe it on their next conditional
// progress write.
func (cc *CommandCenter) ForceCancel(ctx context.Context) (int, error) {
	return cc.tracker.Cancel(ctx, "")
}
