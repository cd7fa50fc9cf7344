package gate_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"caseline/internal/config"
	"caseline/internal/db"
	"caseline/internal/domain"
	"caseline/internal/events"
	"caseline/internal/gate"
	"caseline/internal/migrate"
	"caseline/internal/repo"
	"caseline/internal/waitpoint"
)

var frozen = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type gateEnv struct {
	Gate gate.Gate
	Conn *sql.DB
	Ctx  context.Context
}

func newGateEnv(t *testing.T) gateEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := func() time.Time { return frozen }
	g := gate.Gate{
		DB:     conn,
		Repo:   repo.Repo{DB: conn},
		Waits:  waitpoint.Store{DB: conn, Now: now},
		Events: events.Writer{DB: conn, Now: now},
		Config: config.Default(),
		Now:    now,
	}
	ctx := context.Background()
	ts := frozen.Format(time.RFC3339)
	err = g.Repo.InsertCase(ctx, domain.Case{
		ID: "case-1", Agency: "County Sheriff", Subject: "body camera footage",
		Status: domain.CaseAwaitingResponse, Mode: "supervised",
		CreatedAt: ts, UpdatedAt: ts,
	})
	if err != nil {
		t.Fatalf("seed case: %v", err)
	}
	return gateEnv{Gate: g, Conn: conn, Ctx: ctx}
}

func (e gateEnv) seedPending(t *testing.T) (domain.Proposal, string) {
	t.Helper()
	tx, err := e.Conn.BeginTx(e.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	ts := frozen.Format(time.RFC3339)
	runID := uuid.NewString()
	err = e.Gate.Repo.InsertRun(e.Ctx, tx, domain.Run{
		ID: runID, CaseID: "case-1", TriggerKind: domain.TriggerInbound,
		Status: domain.RunRunning, CreatedAt: ts,
	})
	if err != nil {
		t.Fatal(err)
	}
	p := domain.Proposal{
		ID:          uuid.NewString(),
		ProposalKey: gate.Key("case-1", domain.TriggerInbound, "msg-1", domain.ActionSendFollowUp, 0),
		CaseID:      "case-1",
		RunID:       runID,
		Action:      domain.ActionSendFollowUp,
		Subject:     "Re: body camera footage",
		BodyText:    "Checking in on the pending request.",
		Status:      domain.ProposalPendingApproval,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	if _, _, err := e.Gate.Repo.InsertProposal(e.Ctx, tx, p); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return p, runID
}

func (e gateEnv) suspend(t *testing.T, p domain.Proposal, runID string) domain.WaitToken {
	t.Helper()
	tx, err := e.Conn.BeginTx(e.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	token, ok, err := e.Gate.Suspend(e.Ctx, tx, p, runID)
	if err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if !ok {
		t.Fatalf("expected suspend to claim the running run")
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return token
}

func TestKeyDeterministicPerAttempt(t *testing.T) {
	a := gate.Key("case-1", domain.TriggerInbound, "msg-1", domain.ActionSendFollowUp, 0)
	b := gate.Key("case-1", domain.TriggerInbound, "msg-1", domain.ActionSendFollowUp, 0)
	if a != b {
		t.Fatalf("same inputs must derive the same key")
	}
	if a == gate.Key("case-1", domain.TriggerInbound, "msg-1", domain.ActionSendFollowUp, 1) {
		t.Fatalf("attempt must produce a distinct key")
	}
}

func TestSuspendIsIdempotent(t *testing.T) {
	env := newGateEnv(t)
	p, runID := env.seedPending(t)
	first := env.suspend(t, p, runID)

	// a retried suspension for the same proposal key reuses the token
	tx, err := env.Conn.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	again, err := env.Gate.Waits.Create(env.Ctx, tx, p.ProposalKey, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if again.Token != first.Token {
		t.Fatalf("expected reused token, got a new one")
	}

	run, err := env.Gate.Repo.GetRun(env.Ctx, runID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != domain.RunWaiting {
		t.Fatalf("expected waiting run, got %s", run.Status)
	}
}

func TestSuspendFailsForSupersededRun(t *testing.T) {
	env := newGateEnv(t)
	p, runID := env.seedPending(t)

	tx, err := env.Conn.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	now := frozen.Format(time.RFC3339)
	if _, err := env.Gate.Repo.SupersedeActiveRuns(env.Ctx, tx, "case-1", "other-run", "newer trigger", now); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	tx, err = env.Conn.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	_, ok, err := env.Gate.Suspend(env.Ctx, tx, p, runID)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("superseded run must not suspend")
	}
}

func TestSubmitDecisionFlipsAndResolves(t *testing.T) {
	env := newGateEnv(t)
	p, runID := env.seedPending(t)
	token := env.suspend(t, p, runID)

	decided, err := env.Gate.SubmitDecision(env.Ctx, p.ID, domain.DecisionApprove, "looks good", "reviewer")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decided.Status != domain.ProposalDecisionReceived {
		t.Fatalf("expected DECISION_RECEIVED, got %s", decided.Status)
	}
	wt, err := env.Gate.Waits.Get(env.Ctx, token.Token)
	if err != nil {
		t.Fatal(err)
	}
	if wt.Status != domain.TokenResolved {
		t.Fatalf("expected resolved token, got %s", wt.Status)
	}
}

func TestSecondDecisionRejected(t *testing.T) {
	env := newGateEnv(t)
	p, runID := env.seedPending(t)
	env.suspend(t, p, runID)

	if _, err := env.Gate.SubmitDecision(env.Ctx, p.ID, domain.DecisionApprove, "", "reviewer"); err != nil {
		t.Fatal(err)
	}
	_, err := env.Gate.SubmitDecision(env.Ctx, p.ID, domain.DecisionDismiss, "", "reviewer")
	if !errors.Is(err, gate.ErrAlreadyDecided) {
		t.Fatalf("expected ErrAlreadyDecided, got %v", err)
	}
}

func TestValidateResumeRejectsPreFlippedProposal(t *testing.T) {
	env := newGateEnv(t)
	p, runID := env.seedPending(t)
	token := env.suspend(t, p, runID)

	// the proposal is dismissed out-of-band before the run resumes
	tx, err := env.Conn.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	now := frozen.Format(time.RFC3339)
	if _, err := env.Gate.Repo.TransitionProposal(env.Ctx, tx, p.ID, domain.ProposalDismissed, now, domain.ProposalPendingApproval); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	tx, err = env.Conn.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	_, err = env.Gate.ValidateResume(env.Ctx, tx, p.ID, token.Token)
	if !errors.Is(err, gate.ErrStale) {
		t.Fatalf("expected stale resume, got %v", err)
	}
}

func TestExpiredTokenCannotAcceptDecision(t *testing.T) {
	env := newGateEnv(t)
	p, runID := env.seedPending(t)
	token := env.suspend(t, p, runID)

	// push the clock past the approval window and expire the token
	late := frozen.AddDate(0, 0, env.Gate.Config.Gate.ApprovalWindowDays+1)
	env.Gate.Waits.Now = func() time.Time { return late }
	tx, err := env.Conn.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	expired, err := env.Gate.Waits.Expire(env.Ctx, tx, token.Token)
	if err != nil || !expired {
		t.Fatalf("expire: %v (flipped=%v)", err, expired)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	_, err = env.Gate.SubmitDecision(env.Ctx, p.ID, domain.DecisionApprove, "", "reviewer")
	if !errors.Is(err, gate.ErrAlreadyDecided) {
		t.Fatalf("expected rejection after expiry, got %v", err)
	}
}
