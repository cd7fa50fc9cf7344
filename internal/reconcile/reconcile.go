// Package reconcile sweeps the database for work left behind by crashes and
// abandoned runs. Every repair is conservative: a marker is only released
// after verifying the run that owns it is genuinely dead, and anything
// ambiguous becomes a dead letter for a human instead of an automatic retry.
package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"caseline/internal/domain"
	"caseline/internal/events"
	"caseline/internal/repo"
)

// StaleAfter is how long a running run may go without a heartbeat before the
// reconciler declares it dead.
const StaleAfter = 15 * time.Minute

// QueuedExecutionGrace is how long an execution may sit queued before it is
// surfaced. The send may or may not have happened, so this is never retried
// automatically.
const QueuedExecutionGrace = 30 * time.Minute

type Reconciler struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Logger *log.Logger
	Now    func() time.Time
}

// Report summarizes one reconciliation sweep.
type Report struct {
	StaleRunsFailed   int `json:"stale_runs_failed"`
	MessagesReleased  int `json:"messages_released"`
	ExecutionsFlagged int `json:"executions_flagged"`
	FollowUpsPruned   int `json:"followups_pruned"`
}

func (r Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r Reconciler) logger() *log.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.Default()
}

// Run performs one full sweep.
func (r Reconciler) Run(ctx context.Context, actorID string) (Report, error) {
	var report Report
	n, err := r.failStaleRuns(ctx, actorID)
	if err != nil {
		return report, fmt.Errorf("stale runs: %w", err)
	}
	report.StaleRunsFailed = n

	n, err = r.releaseDeadMarkers(ctx, actorID)
	if err != nil {
		return report, fmt.Errorf("message markers: %w", err)
	}
	report.MessagesReleased = n

	n, err = r.flagStuckExecutions(ctx, actorID)
	if err != nil {
		return report, fmt.Errorf("stuck executions: %w", err)
	}
	report.ExecutionsFlagged = n

	n, err = r.pruneOrphanedFollowUps(ctx)
	if err != nil {
		return report, fmt.Errorf("orphaned follow-ups: %w", err)
	}
	report.FollowUpsPruned = n
	return report, nil
}

// failStaleRuns moves running runs with a dead heartbeat to failed. Waiting
// runs are exempt: they are supposed to sit idle for up to the approval
// window.
func (r Reconciler) failStaleRuns(ctx context.Context, actorID string) (int, error) {
	runs, err := r.Repo.ListRuns(ctx, repo.RunFilters{Status: domain.RunRunning})
	if err != nil {
		return 0, err
	}
	cutoff := r.now().UTC().Add(-StaleAfter)
	failed := 0
	for _, run := range runs {
		last := run.CreatedAt
		if run.HeartbeatAt != nil {
			last = *run.HeartbeatAt
		}
		ts, err := time.Parse(time.RFC3339, last)
		if err != nil || ts.After(cutoff) {
			continue
		}
		tx, err := r.DB.BeginTx(ctx, nil)
		if err != nil {
			return failed, err
		}
		now := r.now().UTC().Format(time.RFC3339)
		flipped, err := r.Repo.FinishRun(ctx, tx, run.ID, domain.RunFailed, "heartbeat lost", now)
		if err != nil {
			tx.Rollback()
			return failed, err
		}
		if !flipped {
			tx.Rollback()
			continue
		}
		if err := r.Repo.SetCaseStatus(ctx, tx, run.CaseID, domain.CaseNeedsHumanReview, "run heartbeat lost", now); err != nil {
			tx.Rollback()
			return failed, err
		}
		if err := r.Events.Append(ctx, tx, "run.reaped", run.CaseID, "run", run.ID, actorID, events.EventPayload{
			"last_heartbeat": last,
		}); err != nil {
			tx.Rollback()
			return failed, err
		}
		if err := tx.Commit(); err != nil {
			return failed, err
		}
		failed++
	}
	return failed, nil
}

// releaseDeadMarkers clears processed markers held by failed or cancelled
// runs that produced nothing, so the message can be processed again. A
// marker is kept whenever its run completed, delivered, or is still active.
func (r Reconciler) releaseDeadMarkers(ctx context.Context, actorID string) (int, error) {
	msgs, err := r.Repo.ListClaimedMessages(ctx)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, m := range msgs {
		run, err := r.Repo.GetRun(ctx, *m.ProcessedByRun)
		if err == repo.ErrNotFound {
			r.logger().Printf("reconcile: message %s claimed by unknown run %s", m.ID, *m.ProcessedByRun)
			continue
		}
		if err != nil {
			return released, err
		}
		if run.Status != domain.RunFailed && run.Status != domain.RunCancelled {
			continue
		}
		produced, err := r.runProducedWork(ctx, run)
		if err != nil {
			return released, err
		}
		if produced {
			// The dead run got far enough that replaying the message could
			// duplicate work; leave the marker for a human.
			continue
		}
		tx, err := r.DB.BeginTx(ctx, nil)
		if err != nil {
			return released, err
		}
		cleared, err := r.Repo.ClearMessageProcessed(ctx, tx, m.ID, run.ID)
		if err != nil {
			tx.Rollback()
			return released, err
		}
		if !cleared {
			tx.Rollback()
			continue
		}
		if err := r.Events.Append(ctx, tx, "message.released", m.CaseID, "message", m.ID, actorID, events.EventPayload{
			"dead_run": run.ID,
		}); err != nil {
			tx.Rollback()
			return released, err
		}
		if err := tx.Commit(); err != nil {
			return released, err
		}
		released++
	}
	return released, nil
}

// runProducedWork reports whether a run left proposals behind.
func (r Reconciler) runProducedWork(ctx context.Context, run domain.Run) (bool, error) {
	ps, err := r.Repo.ListProposals(ctx, repo.ProposalFilters{CaseID: run.CaseID})
	if err != nil {
		return false, err
	}
	for _, p := range ps {
		if p.RunID == run.ID {
			return true, nil
		}
	}
	return false, nil
}

// flagStuckExecutions turns long-queued executions into dead letters. The
// delivery attempt may have landed before the crash, so these are never
// retried, only surfaced.
func (r Reconciler) flagStuckExecutions(ctx context.Context, actorID string) (int, error) {
	cutoff := r.now().UTC().Add(-QueuedExecutionGrace).Format(time.RFC3339)
	stuck, err := r.Repo.ListQueuedExecutionsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	flagged := 0
	for _, exec := range stuck {
		tx, err := r.DB.BeginTx(ctx, nil)
		if err != nil {
			return flagged, err
		}
		now := r.now().UTC().Format(time.RFC3339)
		moved, err := r.Repo.FinishExecution(ctx, tx, exec.ID, domain.ExecutionFailed, "", "stuck in queued state", now)
		if err != nil {
			tx.Rollback()
			return flagged, err
		}
		if !moved {
			tx.Rollback()
			continue
		}
		if err := r.Repo.InsertDeadLetter(ctx, tx, domain.DeadLetterEntry{
			ID:        uuid.NewString(),
			CaseID:    exec.CaseID,
			Stage:     "execute",
			Reason:    "execution stuck in queued state",
			Detail:    fmt.Sprintf("execution %s (%s) claimed at %s; delivery state unknown", exec.ID, exec.Action, exec.CreatedAt),
			CreatedAt: now,
		}); err != nil {
			tx.Rollback()
			return flagged, err
		}
		if err := r.Repo.SetCaseStatus(ctx, tx, exec.CaseID, domain.CaseNeedsHumanReview, "execution outcome unknown", now); err != nil {
			tx.Rollback()
			return flagged, err
		}
		if err := r.Events.Append(ctx, tx, "execution.reaped", exec.CaseID, "execution", exec.ID, actorID, events.EventPayload{
			"action": exec.Action,
		}); err != nil {
			tx.Rollback()
			return flagged, err
		}
		if err := tx.Commit(); err != nil {
			return flagged, err
		}
		flagged++
	}
	return flagged, nil
}

// pruneOrphanedFollowUps cancels scheduled follow-ups whose case is closed.
func (r Reconciler) pruneOrphanedFollowUps(ctx context.Context) (int, error) {
	fups, err := r.Repo.ListScheduledFollowUps(ctx)
	if err != nil {
		return 0, err
	}
	pruned := 0
	for _, f := range fups {
		c, err := r.Repo.GetCase(ctx, f.CaseID)
		if err != nil {
			return pruned, err
		}
		if c.Status != domain.CaseCompleted && c.Status != domain.CaseCancelled {
			continue
		}
		tx, err := r.DB.BeginTx(ctx, nil)
		if err != nil {
			return pruned, err
		}
		n, err := r.Repo.CancelFollowUps(ctx, tx, f.CaseID)
		if err != nil {
			tx.Rollback()
			return pruned, err
		}
		if err := tx.Commit(); err != nil {
			return pruned, err
		}
		pruned += int(n)
	}
	return pruned, nil
}
