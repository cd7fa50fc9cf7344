package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"caseline/internal/classify"
	"caseline/internal/config"
	"caseline/internal/db"
	"caseline/internal/domain"
	"caseline/internal/engine"
	"caseline/internal/gate"
	"caseline/internal/migrate"
	"caseline/internal/repo"
	"caseline/internal/transport"
)

var frozen = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type countingSender struct {
	sends int
}

func (s *countingSender) Send(ctx context.Context, caseID, channel string, content transport.Content) (transport.DeliveryResult, error) {
	s.sends++
	return transport.DeliveryResult{Delivered: true, Reference: "ref-1"}, nil
}

type testEnv struct {
	Engine engine.Engine
	Sender *countingSender
	Ctx    context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default()).WithClock(func() time.Time { return frozen })
	sender := &countingSender{}
	eng.Executor.Sender = sender
	return &testEnv{Engine: eng, Sender: sender, Ctx: context.Background()}
}

func (e *testEnv) newCase(t *testing.T, mode string) domain.Case {
	t.Helper()
	c, err := e.Engine.CreateCase(e.Ctx, engine.CaseCreateOptions{
		Agency:  "City Clerk",
		Subject: "2024 procurement records",
		Mode:    mode,
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create case: %v", err)
	}
	return c
}

// ingest pushes an inbound message that the rule classifier reads as a
// clarification request, which routes to answer_clarification.
func (e *testEnv) ingestClarification(t *testing.T, caseID string) domain.Run {
	t.Helper()
	_, run, err := e.Engine.IngestMessage(e.Ctx, caseID, "Your request",
		"Could you please clarify which department's records you are seeking?", "tester")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	return run
}

func (e *testEnv) pendingProposal(t *testing.T, caseID string) domain.Proposal {
	t.Helper()
	ps, err := e.Engine.Repo.ListProposals(e.Ctx, repo.ProposalFilters{CaseID: caseID, Status: domain.ProposalPendingApproval})
	if err != nil {
		t.Fatal(err)
	}
	if len(ps) != 1 {
		t.Fatalf("expected 1 pending proposal, got %d", len(ps))
	}
	return ps[0]
}

func TestAcknowledgmentCompletesCase(t *testing.T) {
	env := newTestEnv(t)
	c := env.newCase(t, "supervised")
	_, run, err := env.Engine.IngestMessage(env.Ctx, c.ID, "Request received",
		"We received your request and it has been assigned reference R-100.", "tester")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if run.Status != domain.RunCompleted {
		t.Fatalf("expected completed run, got %s", run.Status)
	}
	got, err := env.Engine.Repo.GetCase(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.CaseCompleted {
		t.Fatalf("expected completed case, got %s", got.Status)
	}
	if env.Sender.sends != 0 {
		t.Fatalf("acknowledgment must not send anything")
	}
}

func TestSupervisedRunWaitsOnApproval(t *testing.T) {
	env := newTestEnv(t)
	c := env.newCase(t, "supervised")
	run := env.ingestClarification(t, c.ID)
	if run.Status != domain.RunWaiting {
		t.Fatalf("expected waiting run, got %s", run.Status)
	}
	p := env.pendingProposal(t, c.ID)
	if p.Action != domain.ActionAnswerClarification {
		t.Fatalf("expected answer_clarification, got %s", p.Action)
	}
	if p.WaitToken == nil {
		t.Fatalf("pending proposal must hold a wait token")
	}
	if env.Sender.sends != 0 {
		t.Fatalf("nothing may be sent before approval")
	}
}

func TestNewTriggerSupersedesActiveRun(t *testing.T) {
	env := newTestEnv(t)
	c := env.newCase(t, "supervised")
	first := env.ingestClarification(t, c.ID)
	second := env.ingestClarification(t, c.ID)

	got, err := env.Engine.Repo.GetRun(env.Ctx, first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.RunCancelled {
		t.Fatalf("expected first run cancelled, got %s", got.Status)
	}
	active, err := env.Engine.Repo.CountActiveRuns(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if active != 1 {
		t.Fatalf("expected exactly 1 active run, got %d", active)
	}
	if second.Status != domain.RunWaiting {
		t.Fatalf("expected second run waiting, got %s", second.Status)
	}
}

func TestApproveDeliversExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	c := env.newCase(t, "supervised")
	run := env.ingestClarification(t, c.ID)
	p := env.pendingProposal(t, c.ID)

	if _, err := env.Engine.Gate.SubmitDecision(env.Ctx, p.ID, domain.DecisionApprove, "", "reviewer"); err != nil {
		t.Fatalf("decide: %v", err)
	}
	resumed, err := env.Engine.ResumeResolved(env.Ctx, "poller")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed != 1 {
		t.Fatalf("expected 1 resume, got %d", resumed)
	}
	if env.Sender.sends != 1 {
		t.Fatalf("expected 1 send, got %d", env.Sender.sends)
	}
	got, err := env.Engine.Repo.GetProposal(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ProposalExecuted {
		t.Fatalf("expected EXECUTED, got %s", got.Status)
	}
	gotRun, err := env.Engine.Repo.GetRun(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotRun.Status != domain.RunCompleted {
		t.Fatalf("expected completed run, got %s", gotRun.Status)
	}
	gotCase, err := env.Engine.Repo.GetCase(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotCase.Status != domain.CaseSent {
		t.Fatalf("expected sent case, got %s", gotCase.Status)
	}
	fups, err := env.Engine.Repo.ListFollowUps(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(fups) != 1 || fups[0].Status != domain.FollowUpScheduled {
		t.Fatalf("expected one scheduled follow-up, got %v", fups)
	}

	// a second sweep finds nothing left to do
	if n, err := env.Engine.ResumeResolved(env.Ctx, "poller"); err != nil || n != 0 {
		t.Fatalf("expected idle second sweep, got n=%d err=%v", n, err)
	}
	if env.Sender.sends != 1 {
		t.Fatalf("second sweep must not re-send")
	}
}

func TestPreFlippedProposalNeverExecutes(t *testing.T) {
	env := newTestEnv(t)
	c := env.newCase(t, "supervised")
	run := env.ingestClarification(t, c.ID)
	p := env.pendingProposal(t, c.ID)

	if _, err := env.Engine.Gate.SubmitDecision(env.Ctx, p.ID, domain.DecisionApprove, "", "reviewer"); err != nil {
		t.Fatal(err)
	}
	// the proposal is dismissed through another path before the run wakes
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	now := frozen.Format(time.RFC3339)
	if _, err := env.Engine.Repo.TransitionProposal(env.Ctx, tx, p.ID, domain.ProposalDismissed, now, domain.ProposalDecisionReceived); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	err = env.Engine.Resume(env.Ctx, *env.mustProposal(t, p.ID).WaitToken, "poller")
	if !errors.Is(err, gate.ErrStale) {
		t.Fatalf("expected stale resume, got %v", err)
	}
	if env.Sender.sends != 0 {
		t.Fatalf("pre-flipped proposal must never execute")
	}
	execs, err := env.Engine.Repo.ListExecutions(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 0 {
		t.Fatalf("expected no executions, got %d", len(execs))
	}
	// the stale resume rolled back, the run is still waiting
	gotRun, err := env.Engine.Repo.GetRun(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotRun.Status != domain.RunWaiting {
		t.Fatalf("expected run left waiting, got %s", gotRun.Status)
	}
}

func (e *testEnv) mustProposal(t *testing.T, id string) domain.Proposal {
	t.Helper()
	p, err := e.Engine.Repo.GetProposal(e.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestDismissalStreakEscalates(t *testing.T) {
	env := newTestEnv(t)
	c := env.newCase(t, "supervised")

	// seed a history of dismissed proposals
	for i := 0; i < env.Engine.Config.Decide.EscalateAfterDismissals; i++ {
		tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
		if err != nil {
			t.Fatal(err)
		}
		ts := frozen.Add(time.Duration(i) * time.Minute).Format(time.RFC3339)
		runID := uuid.NewString()
		err = env.Engine.Repo.InsertRun(env.Ctx, tx, domain.Run{
			ID: runID, CaseID: c.ID, TriggerKind: domain.TriggerManual,
			Status: domain.RunCompleted, CreatedAt: ts,
		})
		if err != nil {
			t.Fatal(err)
		}
		_, _, err = env.Engine.Repo.InsertProposal(env.Ctx, tx, domain.Proposal{
			ID: uuid.NewString(), ProposalKey: uuid.NewString(), CaseID: c.ID, RunID: runID,
			Action: domain.ActionAnswerClarification, Status: domain.ProposalDismissed,
			CreatedAt: ts, UpdatedAt: ts,
		})
		if err != nil {
			t.Fatal(err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatal(err)
		}
	}

	run := env.ingestClarification(t, c.ID)
	if run.Status != domain.RunCompleted {
		t.Fatalf("expected completed run, got %s", run.Status)
	}
	escs, err := env.Engine.Repo.ListEscalations(env.Ctx, c.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(escs) != 1 {
		t.Fatalf("expected escalation after dismissal streak, got %d", len(escs))
	}
	gotCase, err := env.Engine.Repo.GetCase(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotCase.Status != domain.CaseNeedsHumanReview {
		t.Fatalf("expected needs_human_review, got %s", gotCase.Status)
	}
	if env.Sender.sends != 0 {
		t.Fatalf("escalation must not send outbound correspondence")
	}
}

type invalidVerdictClassifier struct{}

func (invalidVerdictClassifier) Classify(ctx context.Context, m domain.Message, cc classify.CaseContext) (classify.Verdict, error) {
	// fee intent without an amount violates the verdict invariants
	return classify.Verdict{Intent: classify.IntentFeeRequest, RequiresResponse: true}, nil
}

func TestInvalidVerdictFailsRun(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Classifier = invalidVerdictClassifier{}
	c := env.newCase(t, "supervised")

	_, run, err := env.Engine.IngestMessage(env.Ctx, c.ID, "Fees", "A fee applies to your request.", "tester")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if run.Status != domain.RunFailed {
		t.Fatalf("expected failed run, got %s", run.Status)
	}
	letters, err := env.Engine.Repo.ListDeadLetters(env.Ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(letters) != 1 {
		t.Fatalf("expected dead letter, got %d", len(letters))
	}
	gotCase, err := env.Engine.Repo.GetCase(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotCase.Status != domain.CaseNeedsHumanReview {
		t.Fatalf("expected needs_human_review, got %s", gotCase.Status)
	}
}

func TestAdjustRedraftsAndRewaitsOnce(t *testing.T) {
	env := newTestEnv(t)
	c := env.newCase(t, "supervised")
	run := env.ingestClarification(t, c.ID)
	first := env.pendingProposal(t, c.ID)

	if _, err := env.Engine.Gate.SubmitDecision(env.Ctx, first.ID, domain.DecisionAdjust, "Mention reference R-100.", "reviewer"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ResumeResolved(env.Ctx, "poller"); err != nil {
		t.Fatal(err)
	}

	gotFirst := env.mustProposal(t, first.ID)
	if gotFirst.Status != domain.ProposalSuperseded {
		t.Fatalf("expected superseded original, got %s", gotFirst.Status)
	}
	second := env.pendingProposal(t, c.ID)
	if second.ID == first.ID {
		t.Fatalf("adjustment must mint a new proposal")
	}
	if second.BodyText == first.BodyText {
		t.Fatalf("adjusted draft must differ from the original")
	}
	gotRun, err := env.Engine.Repo.GetRun(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotRun.Status != domain.RunWaiting {
		t.Fatalf("expected run back in waiting, got %s", gotRun.Status)
	}
	if env.Sender.sends != 0 {
		t.Fatalf("nothing may send during an adjustment cycle")
	}

	// approving the adjusted proposal delivers once
	if _, err := env.Engine.Gate.SubmitDecision(env.Ctx, second.ID, domain.DecisionApprove, "", "reviewer"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ResumeResolved(env.Ctx, "poller"); err != nil {
		t.Fatal(err)
	}
	if env.Sender.sends != 1 {
		t.Fatalf("expected 1 send after approval, got %d", env.Sender.sends)
	}
}

func TestConcurrentRunStartsKeepOneActive(t *testing.T) {
	env := newTestEnv(t)
	c := env.newCase(t, "supervised")

	const starters = 8
	var wg sync.WaitGroup
	for i := 0; i < starters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Losing the claim race or hitting writer contention is fine;
			// only the surviving state matters.
			_, _ = env.Engine.StartRun(env.Ctx, c.ID, domain.TriggerManual, nil, "tester")
		}()
	}
	wg.Wait()

	active, err := env.Engine.Repo.CountActiveRuns(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if active > 1 {
		t.Fatalf("expected at most 1 active run, got %d", active)
	}
	runs, err := env.Engine.Repo.ListRuns(env.Ctx, repo.RunFilters{CaseID: c.ID})
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range runs {
		if r.Status == domain.RunCreated || r.Status == domain.RunQueued {
			t.Fatalf("run %s left unclaimed in %s", r.ID, r.Status)
		}
	}
}

func TestScopeItemsSettleFromOutcomeIntents(t *testing.T) {
	env := newTestEnv(t)

	released, err := env.Engine.CreateCase(env.Ctx, engine.CaseCreateOptions{
		Agency:     "City Clerk",
		Subject:    "2024 procurement records",
		Mode:       "supervised",
		ScopeItems: []string{"award emails", "signed contracts"},
		ActorID:    "tester",
	})
	if err != nil {
		t.Fatalf("create case: %v", err)
	}
	items, err := env.Engine.Repo.ListScopeItems(env.Ctx, released.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 scope items, got %d", len(items))
	}
	for _, s := range items {
		if s.Status != domain.ScopeRequested {
			t.Fatalf("new scope item must start REQUESTED, got %s", s.Status)
		}
	}
	if _, _, err := env.Engine.IngestMessage(env.Ctx, released.ID, "Records",
		"The responsive records are provided with this message.", "tester"); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	items, err = env.Engine.Repo.ListScopeItems(env.Ctx, released.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range items {
		if s.Status != domain.ScopeReleased {
			t.Fatalf("release must settle %q to RELEASED, got %s", s.Description, s.Status)
		}
	}

	denied, err := env.Engine.CreateCase(env.Ctx, engine.CaseCreateOptions{
		Agency:     "County Sheriff",
		Subject:    "incident reports",
		Mode:       "supervised",
		ScopeItems: []string{"body camera footage"},
		ActorID:    "tester",
	})
	if err != nil {
		t.Fatalf("create case: %v", err)
	}
	if _, _, err := env.Engine.IngestMessage(env.Ctx, denied.ID, "Determination",
		"Your request has been denied under exemption 7.", "tester"); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	items, err = env.Engine.Repo.ListScopeItems(env.Ctx, denied.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Status != domain.ScopeWithheld {
		t.Fatalf("denial must settle scope to WITHHELD, got %+v", items)
	}
}

func TestAdjustLoopEscalatesAfterBound(t *testing.T) {
	env := newTestEnv(t)
	c := env.newCase(t, "supervised")
	run := env.ingestClarification(t, c.ID)

	// two adjustment rounds mint fresh drafts
	for i := 0; i < 2; i++ {
		p := env.pendingProposal(t, c.ID)
		if _, err := env.Engine.Gate.SubmitDecision(env.Ctx, p.ID, domain.DecisionAdjust, "Shorter, please.", "reviewer"); err != nil {
			t.Fatal(err)
		}
		if _, err := env.Engine.ResumeResolved(env.Ctx, "poller"); err != nil {
			t.Fatal(err)
		}
	}

	// the third adjustment hits the bound and escalates instead
	last := env.pendingProposal(t, c.ID)
	if _, err := env.Engine.Gate.SubmitDecision(env.Ctx, last.ID, domain.DecisionAdjust, "Shorter still.", "reviewer"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ResumeResolved(env.Ctx, "poller"); err != nil {
		t.Fatal(err)
	}

	if got := env.mustProposal(t, last.ID); got.Status != domain.ProposalSuperseded {
		t.Fatalf("expected superseded proposal at the bound, got %s", got.Status)
	}
	open, err := env.Engine.Repo.ListProposals(env.Ctx, repo.ProposalFilters{CaseID: c.ID, Status: domain.ProposalPendingApproval})
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 0 {
		t.Fatalf("no new draft may appear past the bound, got %d", len(open))
	}
	gotRun, err := env.Engine.Repo.GetRun(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotRun.Status != domain.RunCompleted {
		t.Fatalf("expected completed run after escalation, got %s", gotRun.Status)
	}
	escs, err := env.Engine.Repo.ListEscalations(env.Ctx, c.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(escs) != 1 {
		t.Fatalf("expected 1 escalation, got %d", len(escs))
	}
	gotCase, err := env.Engine.Repo.GetCase(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotCase.Status != domain.CaseNeedsHumanReview {
		t.Fatalf("expected needs_human_review, got %s", gotCase.Status)
	}
	if env.Sender.sends != 0 {
		t.Fatalf("nothing may send across an adjustment loop")
	}
}

func TestApprovalWindowExpiry(t *testing.T) {
	env := newTestEnv(t)
	c := env.newCase(t, "supervised")
	run := env.ingestClarification(t, c.ID)
	p := env.pendingProposal(t, c.ID)

	late := frozen.AddDate(0, 0, env.Engine.Config.Gate.ApprovalWindowDays+1)
	lateEngine := env.Engine.WithClock(func() time.Time { return late })
	expired, err := lateEngine.ExpireWaitpoints(env.Ctx, "sweeper")
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected 1 expiry, got %d", expired)
	}
	if got := env.mustProposal(t, p.ID); got.Status != domain.ProposalExpired {
		t.Fatalf("expected EXPIRED, got %s", got.Status)
	}
	gotRun, err := env.Engine.Repo.GetRun(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotRun.Status != domain.RunFailed {
		t.Fatalf("expected failed run, got %s", gotRun.Status)
	}
	escs, err := env.Engine.Repo.ListEscalations(env.Ctx, c.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(escs) != 1 {
		t.Fatalf("expected escalation on expiry, got %d", len(escs))
	}
	gotCase, err := env.Engine.Repo.GetCase(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotCase.Status != domain.CaseNeedsHumanReview {
		t.Fatalf("expected needs_human_review, got %s", gotCase.Status)
	}
	// a late decision on the expired proposal is rejected
	if _, err := env.Engine.Gate.SubmitDecision(env.Ctx, p.ID, domain.DecisionApprove, "", "reviewer"); err == nil {
		t.Fatalf("expected decision rejection after expiry")
	}
}

func TestAutonomousAutoExecutes(t *testing.T) {
	env := newTestEnv(t)
	c := env.newCase(t, "autonomous")
	run := env.ingestClarification(t, c.ID)
	if run.Status != domain.RunCompleted {
		t.Fatalf("expected completed run, got %s", run.Status)
	}
	if env.Sender.sends != 1 {
		t.Fatalf("expected auto-executed send, got %d", env.Sender.sends)
	}
	gotCase, err := env.Engine.Repo.GetCase(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotCase.Status != domain.CaseSent {
		t.Fatalf("expected sent case, got %s", gotCase.Status)
	}
}

func TestCancelCaseWithdrawsPendingWork(t *testing.T) {
	env := newTestEnv(t)
	c := env.newCase(t, "supervised")
	run := env.ingestClarification(t, c.ID)
	p := env.pendingProposal(t, c.ID)

	got, err := env.Engine.CancelCase(env.Ctx, c.ID, "requester withdrew", "admin")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != domain.CaseCancelled {
		t.Fatalf("expected cancelled case, got %s", got.Status)
	}
	gotRun, err := env.Engine.Repo.GetRun(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotRun.Status != domain.RunCancelled {
		t.Fatalf("expected cancelled run, got %s", gotRun.Status)
	}
	if gp := env.mustProposal(t, p.ID); gp.Status != domain.ProposalWithdrawn {
		t.Fatalf("expected withdrawn proposal, got %s", gp.Status)
	}
}

func TestDueFollowUpStartsRun(t *testing.T) {
	env := newTestEnv(t)
	c := env.newCase(t, "supervised")
	env.ingestClarification(t, c.ID)
	p := env.pendingProposal(t, c.ID)
	if _, err := env.Engine.Gate.SubmitDecision(env.Ctx, p.ID, domain.DecisionApprove, "", "reviewer"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ResumeResolved(env.Ctx, "poller"); err != nil {
		t.Fatal(err)
	}

	late := frozen.AddDate(0, 0, env.Engine.Config.FollowUp.IntervalDays+1)
	lateEngine := env.Engine.WithClock(func() time.Time { return late })
	fired, err := lateEngine.RunDueFollowUps(env.Ctx, "scheduler")
	if err != nil {
		t.Fatalf("followups: %v", err)
	}
	if fired != 1 {
		t.Fatalf("expected 1 fired follow-up, got %d", fired)
	}
	ps, err := env.Engine.Repo.ListProposals(env.Ctx, repo.ProposalFilters{CaseID: c.ID, Status: domain.ProposalPendingApproval})
	if err != nil {
		t.Fatal(err)
	}
	if len(ps) != 1 || ps[0].Action != domain.ActionSendFollowUp {
		t.Fatalf("expected pending send_followup proposal, got %v", ps)
	}
}
