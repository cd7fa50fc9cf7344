// Package engine coordinates case runs: load, classify, decide, draft,
// safety-check, gate, execute, commit. All cross-run coordination happens
// through conditional updates in the database, never in-process locks, so a
// crashed or superseded run can always be reasoned about from its rows.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"caseline/internal/classify"
	"caseline/internal/config"
	"caseline/internal/decide"
	"caseline/internal/domain"
	"caseline/internal/draft"
	"caseline/internal/events"
	"caseline/internal/executor"
	"caseline/internal/gate"
	"caseline/internal/guard"
	"caseline/internal/mirror"
	"caseline/internal/repo"
	"caseline/internal/safety"
	"caseline/internal/transport"
	"caseline/internal/waitpoint"
)

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Config     *config.Config
	Classifier classify.Classifier
	Drafter    draft.Drafter
	Linter     safety.Linter
	Gate       gate.Gate
	Executor   executor.Executor
	Waits      waitpoint.Store
	Mirror     mirror.Mirror
	Logger     *log.Logger
	Now        func() time.Time
}

func New(conn *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: conn}
	w := events.Writer{DB: conn}
	waits := waitpoint.Store{DB: conn}
	var classifier classify.Classifier = classify.RuleBased{}
	if cfg.Model.ClassifierURL != "" {
		classifier = classify.NewHTTPClassifier(cfg.Model.ClassifierURL, cfg.Model.APIKey)
	}
	var drafter draft.Drafter = draft.Template{Signature: cfg.Safety.SignatureBlock}
	if cfg.Model.DrafterURL != "" {
		drafter = draft.NewHTTPDrafter(cfg.Model.DrafterURL, cfg.Model.APIKey)
	}
	return Engine{
		DB:         conn,
		Repo:       r,
		Events:     w,
		Config:     cfg,
		Classifier: classifier,
		Drafter:    drafter,
		Linter:     safety.Linter{Config: cfg},
		Gate:       gate.Gate{DB: conn, Repo: r, Waits: waits, Events: w, Config: cfg},
		Executor: executor.Executor{
			DB:     conn,
			Repo:   r,
			Events: w,
			Guard:  guard.Guard{Repo: r, Config: cfg},
			Sender: transport.LogSender{},
		},
		Waits:  waits,
		Mirror: mirror.Mirror{Config: cfg},
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

// WithClock pins every clock in the engine's object graph, including the
// sub-components wired by New. Tests use this to freeze time.
func (e Engine) WithClock(now func() time.Time) Engine {
	e.Now = now
	e.Events.Now = now
	e.Waits.Now = now
	e.Gate.Now = now
	e.Gate.Waits.Now = now
	e.Gate.Events.Now = now
	e.Executor.Now = now
	e.Executor.Events.Now = now
	e.Executor.Guard.Now = now
	return e
}

type CaseCreateOptions struct {
	ID         string
	Agency     string
	Subject    string
	Mode       string
	PortalURL  string
	ScopeItems []string
	ActorID    string
}

func (e Engine) CreateCase(ctx context.Context, opts CaseCreateOptions) (domain.Case, error) {
	if opts.Agency == "" || opts.Subject == "" {
		return domain.Case{}, errors.New("agency and subject are required")
	}
	mode := opts.Mode
	if mode == "" {
		mode = e.Config.Pipeline.Mode
	}
	if mode != "supervised" && mode != "autonomous" {
		return domain.Case{}, fmt.Errorf("unknown mode %s", mode)
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now().UTC().Format(time.RFC3339)
	c := domain.Case{
		ID:        id,
		Agency:    opts.Agency,
		Subject:   opts.Subject,
		Status:    domain.CaseAwaitingResponse,
		Mode:      mode,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if opts.PortalURL != "" {
		c.PortalURL = &opts.PortalURL
	}
	if err := e.Repo.InsertCase(ctx, c); err != nil {
		return domain.Case{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Case{}, err
	}
	defer tx.Rollback()
	for _, desc := range opts.ScopeItems {
		if strings.TrimSpace(desc) == "" {
			continue
		}
		err := e.Repo.InsertScopeItem(ctx, tx, domain.ScopeItem{
			ID: uuid.NewString(), CaseID: c.ID, Description: desc,
			Status: domain.ScopeRequested, CreatedAt: now, UpdatedAt: now,
		})
		if err != nil {
			return domain.Case{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "case.created", c.ID, "case", c.ID, opts.ActorID, events.EventPayload{
		"agency": c.Agency, "mode": c.Mode,
	}); err != nil {
		return domain.Case{}, err
	}
	return c, tx.Commit()
}

// IngestMessage records an inbound agency response and starts the run that
// will process it.
func (e Engine) IngestMessage(ctx context.Context, caseID, subject, body, actorID string) (domain.Message, domain.Run, error) {
	c, err := e.Repo.GetCase(ctx, caseID)
	if err != nil {
		return domain.Message{}, domain.Run{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	m := domain.Message{
		ID:         uuid.NewString(),
		CaseID:     c.ID,
		Direction:  "inbound",
		Subject:    subject,
		Body:       body,
		ReceivedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Message{}, domain.Run{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertMessage(ctx, tx, m); err != nil {
		return domain.Message{}, domain.Run{}, err
	}
	if err := e.Events.Append(ctx, tx, "message.received", c.ID, "message", m.ID, actorID, events.EventPayload{
		"subject": subject,
	}); err != nil {
		return domain.Message{}, domain.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Message{}, domain.Run{}, err
	}
	run, err := e.StartRun(ctx, caseID, domain.TriggerInbound, &m.ID, actorID)
	return m, run, err
}

// StartRun creates a run, supersedes every other active run on the case, and
// drives the pipeline to its next stopping point: a terminal status or a
// durable wait.
func (e Engine) StartRun(ctx context.Context, caseID, trigger string, messageID *string, actorID string) (domain.Run, error) {
	switch trigger {
	case domain.TriggerInbound, domain.TriggerFollowUp, domain.TriggerManual, domain.TriggerFixup:
	default:
		return domain.Run{}, fmt.Errorf("unknown trigger kind %s", trigger)
	}
	now := e.now().UTC().Format(time.RFC3339)
	run := domain.Run{
		ID:          uuid.NewString(),
		CaseID:      caseID,
		TriggerKind: trigger,
		MessageID:   messageID,
		Status:      domain.RunCreated,
		CreatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRun(ctx, tx, run); err != nil {
		return domain.Run{}, err
	}
	// Supersede-then-claim: older active runs lose the case before this one
	// starts, so the newest trigger always wins.
	superseded, err := e.Repo.SupersedeActiveRuns(ctx, tx, caseID, run.ID, "superseded by "+trigger+" run "+run.ID, now)
	if err != nil {
		return domain.Run{}, err
	}
	claimed, err := e.Repo.ClaimRun(ctx, tx, run.ID, now)
	if err != nil {
		return domain.Run{}, err
	}
	if !claimed {
		return domain.Run{}, fmt.Errorf("run %s superseded before it could start", run.ID)
	}
	if err := e.Events.Append(ctx, tx, "run.started", caseID, "run", run.ID, actorID, events.EventPayload{
		"trigger": trigger, "superseded": superseded,
	}); err != nil {
		return domain.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}
	run.Status = domain.RunRunning

	if err := e.process(ctx, run, actorID); err != nil {
		if ferr := e.failRun(ctx, run, "pipeline", err, actorID); ferr != nil {
			return run, errors.Join(err, ferr)
		}
	}
	return e.Repo.GetRun(ctx, run.ID)
}

// process drives one pipeline pass for a freshly claimed run.
func (e Engine) process(ctx context.Context, run domain.Run, actorID string) error {
	c, err := e.Repo.GetCase(ctx, run.CaseID)
	if err != nil {
		return err
	}
	if c.Status == domain.CaseCompleted || c.Status == domain.CaseCancelled {
		return e.finishRunQuietly(ctx, run, "case already "+c.Status, actorID)
	}

	verdict, sourceText, err := e.classifyTrigger(ctx, run, c)
	if err != nil {
		return err
	}
	if verr := classify.Validate(verdict, sourceText); verr != nil {
		return verr
	}
	if err := e.applyFacts(ctx, run, c, verdict, actorID); err != nil {
		return err
	}

	history, err := e.proposalHistory(ctx, c.ID)
	if err != nil {
		return err
	}
	lessons, err := e.Repo.ListLessonsForIntent(ctx, verdict.Intent)
	if err != nil {
		return err
	}
	constraints, err := e.Repo.ListConstraints(ctx, c.ID)
	if err != nil {
		return err
	}
	plan, err := decide.Decide(e.Config, decide.Input{
		Verdict:     verdict,
		Constraints: constraints,
		Mode:        c.Mode,
		TriggerKind: run.TriggerKind,
		History:     history,
		Lessons:     lessons,
	})
	if err != nil {
		return err
	}

	if plan.IsComplete {
		return e.completeCase(ctx, run, c, plan.Reason, actorID)
	}
	if plan.Action == domain.ActionNone {
		return e.finishRunQuietly(ctx, run, plan.Reason, actorID)
	}
	if plan.Action == domain.ActionEscalate {
		return e.escalateCase(ctx, run, c, plan.Reason, actorID)
	}

	content, flags, err := e.draftAndLint(ctx, c, plan.Action, verdict, "")
	if err != nil {
		return err
	}
	// Safety flags only ever tighten the gate.
	if len(flags) > 0 {
		plan.RequiresHuman = true
		plan.CanAutoExecute = false
	}

	p, fresh, err := e.openProposal(ctx, run, c, plan, content, flags, 0, actorID)
	if err != nil {
		return err
	}
	if !fresh {
		switch p.Status {
		case domain.ProposalExecuted, domain.ProposalDismissed, domain.ProposalWithdrawn, domain.ProposalExpired:
			// A prior pass already carried this proposal to rest.
			return e.finishRunQuietly(ctx, run, "proposal already "+p.Status, actorID)
		}
	}

	if plan.CanAutoExecute {
		return e.deliver(ctx, run, c, p, actorID)
	}
	return e.suspend(ctx, run, c, p, actorID)
}

// classifyTrigger produces the verdict for a run. Only inbound-message runs
// consult the classifier; timer and manual triggers synthesize an unknown
// verdict that the decision table knows how to route.
func (e Engine) classifyTrigger(ctx context.Context, run domain.Run, c domain.Case) (classify.Verdict, string, error) {
	if run.MessageID == nil {
		return classify.Verdict{Intent: classify.IntentUnknown}, "", nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return classify.Verdict{}, "", err
	}
	claimed, err := e.Repo.MarkMessageProcessed(ctx, tx, *run.MessageID, run.ID)
	if err != nil {
		tx.Rollback()
		return classify.Verdict{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return classify.Verdict{}, "", err
	}
	m, err := e.Repo.GetMessage(ctx, *run.MessageID)
	if err != nil {
		return classify.Verdict{}, "", err
	}
	if !claimed && (m.ProcessedByRun == nil || *m.ProcessedByRun != run.ID) {
		return classify.Verdict{}, "", fmt.Errorf("message %s already processed by run %s", m.ID, orEmpty(m.ProcessedByRun))
	}

	constraints, err := e.Repo.ListConstraints(ctx, c.ID)
	if err != nil {
		return classify.Verdict{}, "", err
	}
	scope, err := e.Repo.ListScopeItems(ctx, c.ID)
	if err != nil {
		return classify.Verdict{}, "", err
	}
	cc := classify.CaseContext{
		CaseID: c.ID, Agency: c.Agency, Subject: c.Subject,
		Constraints: constraints, ScopeItems: scope,
	}
	var verdict classify.Verdict
	err = e.withRetries(func() error {
		var cerr error
		verdict, cerr = e.Classifier.Classify(ctx, m, cc)
		return cerr
	})
	if err != nil {
		return classify.Verdict{}, "", fmt.Errorf("classify message %s: %w", m.ID, err)
	}
	return verdict, m.Subject + "\n" + m.Body, nil
}

// applyFacts persists what the verdict revealed about the case.
func (e Engine) applyFacts(ctx context.Context, run domain.Run, c domain.Case, v classify.Verdict, actorID string) error {
	scope, err := e.Repo.ListScopeItems(ctx, c.ID)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	addConstraint := func(kind, note string) error {
		return e.Repo.AddConstraint(ctx, tx, domain.Constraint{
			ID: uuid.NewString(), CaseID: c.ID, Kind: kind, Note: note, CreatedAt: now,
		})
	}
	// The classifier speaks at message granularity, so an outcome intent
	// settles every scope item still in REQUESTED.
	settleScope := func(status string) error {
		for _, s := range scope {
			if s.Status != domain.ScopeRequested {
				continue
			}
			if err := e.Repo.SetScopeItemStatus(ctx, tx, s.ID, status, now); err != nil {
				return err
			}
		}
		return nil
	}
	switch v.Intent {
	case classify.IntentWrongAgency:
		if err := addConstraint("wrong_agency", "agency disclaims custody"); err != nil {
			return err
		}
	case classify.IntentPortalRedirect:
		if err := addConstraint("portal_required", v.PortalURL); err != nil {
			return err
		}
		if v.PortalURL != "" {
			if err := e.Repo.SetCasePortalURL(ctx, tx, c.ID, &v.PortalURL, now); err != nil {
				return err
			}
		}
	case classify.IntentFeeRequest:
		note := ""
		if v.FeeAmount != nil {
			note = fmt.Sprintf("$%.2f", *v.FeeAmount)
		}
		if err := addConstraint("fee_requested", note); err != nil {
			return err
		}
	case classify.IntentDenial:
		if err := addConstraint("denied", v.DenialSubtype); err != nil {
			return err
		}
		if err := settleScope(domain.ScopeWithheld); err != nil {
			return err
		}
	case classify.IntentNoRecords:
		if err := addConstraint("no_records", ""); err != nil {
			return err
		}
		if err := settleScope(domain.ScopeWithheld); err != nil {
			return err
		}
	case classify.IntentPartialRelease:
		if err := addConstraint("partial_release", ""); err != nil {
			return err
		}
		if err := settleScope(domain.ScopeNarrowed); err != nil {
			return err
		}
	case classify.IntentRecordsReleased:
		if err := settleScope(domain.ScopeReleased); err != nil {
			return err
		}
	}
	if err := e.Events.Append(ctx, tx, "run.classified", c.ID, "run", run.ID, actorID, events.EventPayload{
		"intent": v.Intent, "confidence": v.Confidence,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) proposalHistory(ctx context.Context, caseID string) ([]decide.Outcome, error) {
	outcomes, err := e.Repo.RecentProposalOutcomes(ctx, caseID, e.Config.Decide.RecentProposals)
	if err != nil {
		return nil, err
	}
	history := make([]decide.Outcome, 0, len(outcomes))
	for _, o := range outcomes {
		history = append(history, decide.Outcome{Action: o.Action, Status: o.Status})
	}
	return history, nil
}

func (e Engine) draftAndLint(ctx context.Context, c domain.Case, action string, v classify.Verdict, adjustment string) (draft.Result, []string, error) {
	constraints, err := e.Repo.ListConstraints(ctx, c.ID)
	if err != nil {
		return draft.Result{}, nil, err
	}
	scope, err := e.Repo.ListScopeItems(ctx, c.ID)
	if err != nil {
		return draft.Result{}, nil, err
	}
	req := draft.Request{
		Action:                action,
		CaseID:                c.ID,
		Agency:                c.Agency,
		CaseSubject:           c.Subject,
		Constraints:           constraints,
		ScopeItems:            scope,
		FeeAmount:             v.FeeAmount,
		AdjustmentInstruction: adjustment,
	}
	var result draft.Result
	err = e.withRetries(func() error {
		var derr error
		result, derr = e.Drafter.Draft(ctx, req)
		return derr
	})
	if err != nil {
		return draft.Result{}, nil, fmt.Errorf("draft %s: %w", action, err)
	}
	flags := e.Linter.Lint(action, result.Subject, result.BodyText)
	return result, safety.FlagStrings(flags), nil
}

// openProposal creates (or rediscovers) the proposal for this pipeline pass.
func (e Engine) openProposal(ctx context.Context, run domain.Run, c domain.Case, plan decide.Plan, content draft.Result, flags []string, attempt int, actorID string) (domain.Proposal, bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, false, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	status := domain.ProposalPendingApproval
	if plan.CanAutoExecute {
		status = domain.ProposalApproved
	}
	p := domain.Proposal{
		ID:          uuid.NewString(),
		ProposalKey: gate.Key(c.ID, run.TriggerKind, orEmpty(run.MessageID), plan.Action, attempt),
		CaseID:      c.ID,
		RunID:       run.ID,
		Action:      plan.Action,
		Subject:     content.Subject,
		BodyText:    content.BodyText,
		BodyHTML:    content.BodyHTML,
		RiskFlags:   flags,
		Status:      status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	p, created, err := e.Repo.InsertProposal(ctx, tx, p)
	if err != nil {
		return domain.Proposal{}, false, err
	}
	if created {
		if err := e.Events.Append(ctx, tx, "proposal.created", c.ID, "proposal", p.ID, actorID, events.EventPayload{
			"action": p.Action, "status": p.Status, "risk_flags": flags,
		}); err != nil {
			return domain.Proposal{}, false, err
		}
	}
	return p, created, tx.Commit()
}

// deliver executes an approved proposal and commits the outcome to the case.
func (e Engine) deliver(ctx context.Context, run domain.Run, c domain.Case, p domain.Proposal, actorID string) error {
	out, err := e.Executor.Execute(ctx, p, actorID)
	if err != nil {
		return err
	}
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status, substatus string
	runStatus := domain.RunCompleted
	runErr := ""
	switch {
	case out.Skipped && out.Verdict.Duplicate:
		// Recent success already covers this send.
		status, substatus = domain.CaseSent, "duplicate send suppressed"
	case out.Skipped:
		status, substatus = domain.CaseNeedsHumanReview, "guard skip: "+out.Verdict.Reason
		if err := e.Repo.SetCasePause(ctx, tx, c.ID, out.Verdict.Reason, now); err != nil {
			return err
		}
	case out.Execution.Status == domain.ExecutionFailed:
		status, substatus = domain.CaseNeedsHumanReview, "delivery failed"
		runStatus = domain.RunFailed
		runErr = out.Execution.Error
	default:
		status, substatus = domain.CaseSent, "sent "+p.Action
		if err := e.recordOutboundMessage(ctx, tx, c.ID, p, now); err != nil {
			return err
		}
		if err := e.scheduleFollowUp(ctx, tx, c.ID, now); err != nil {
			return err
		}
	}
	if err := e.Repo.SetCaseStatus(ctx, tx, c.ID, status, substatus, now); err != nil {
		return err
	}
	if _, err := e.Repo.FinishRun(ctx, tx, run.ID, runStatus, runErr, now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "run.finished", c.ID, "run", run.ID, actorID, events.EventPayload{
		"status": runStatus, "case_status": status, "substatus": substatus,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Mirror.PushStatus(ctx, c.ID, status, substatus)
	return nil
}

// suspend parks the run behind the approval gate.
func (e Engine) suspend(ctx context.Context, run domain.Run, c domain.Case, p domain.Proposal, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	token, ok, err := e.Gate.Suspend(ctx, tx, p, run.ID)
	if err != nil {
		return err
	}
	if !ok {
		// Superseded before the pause landed; roll back so no orphan token
		// survives, the newer run owns the case.
		return nil
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.SetCaseStatus(ctx, tx, c.ID, c.Status, "awaiting approval of "+p.Action, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.logger().Printf("run %s waiting on proposal %s (token %s, expires %s)", run.ID, p.ID, token.Token, token.ExpiresAt)
	return nil
}

// Resume wakes the run owning a resolved wait token and applies the human
// decision. A stale resume, where the proposal moved on while the run slept,
// exits loudly but without side effects.
func (e Engine) Resume(ctx context.Context, token string, actorID string) error {
	wt, err := e.Waits.Get(ctx, token)
	if err != nil {
		return err
	}
	if wt.Status != domain.TokenResolved {
		return fmt.Errorf("wait token %s is %s, not resolved", token, wt.Status)
	}
	var decision gate.Decision
	if err := json.Unmarshal([]byte(wt.OutputJSON), &decision); err != nil {
		return fmt.Errorf("decode decision for token %s: %w", token, err)
	}
	p, err := e.Repo.GetProposalByWaitToken(ctx, token)
	if err != nil {
		return err
	}
	run, err := e.Repo.GetRun(ctx, p.RunID)
	if err != nil {
		return err
	}
	c, err := e.Repo.GetCase(ctx, p.CaseID)
	if err != nil {
		return err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	now := e.now().UTC().Format(time.RFC3339)
	resumed, err := e.Repo.ResumeRun(ctx, tx, run.ID, now)
	if err != nil {
		tx.Rollback()
		return err
	}
	if !resumed {
		tx.Rollback()
		e.logger().Printf("stale resume: run %s is no longer waiting (token %s)", run.ID, token)
		return gate.ErrStale
	}
	if _, err := e.Gate.ValidateResume(ctx, tx, p.ID, token); err != nil {
		tx.Rollback()
		if errors.Is(err, gate.ErrStale) {
			e.logger().Printf("stale resume on proposal %s: %v", p.ID, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	run.Status = domain.RunRunning

	switch decision.Decision {
	case domain.DecisionApprove:
		return e.applyApprove(ctx, run, c, p, actorID)
	case domain.DecisionDismiss:
		return e.applyDismiss(ctx, run, c, p, decision, actorID)
	case domain.DecisionWithdraw:
		return e.applyWithdraw(ctx, run, c, p, decision, actorID)
	case domain.DecisionAdjust:
		return e.applyAdjust(ctx, run, c, p, decision, actorID)
	}
	return fmt.Errorf("unknown decision %q on token %s", decision.Decision, token)
}

func (e Engine) applyApprove(ctx context.Context, run domain.Run, c domain.Case, p domain.Proposal, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	now := e.now().UTC().Format(time.RFC3339)
	flipped, err := e.Repo.TransitionProposal(ctx, tx, p.ID, domain.ProposalApproved, now, domain.ProposalDecisionReceived)
	if err != nil {
		tx.Rollback()
		return err
	}
	if !flipped {
		tx.Rollback()
		return gate.ErrStale
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	p.Status = domain.ProposalApproved
	return e.deliver(ctx, run, c, p, actorID)
}

func (e Engine) applyDismiss(ctx context.Context, run domain.Run, c domain.Case, p domain.Proposal, d gate.Decision, actorID string) error {
	history, err := e.proposalHistory(ctx, c.ID)
	if err != nil {
		return err
	}
	// Drop the still-undecided head entries (including p itself) so the
	// streak below counts settled proposals only.
	for len(history) > 0 && (history[0].Status == domain.ProposalDecisionReceived || history[0].Status == domain.ProposalPendingApproval) {
		history = history[1:]
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	flipped, err := e.Repo.TransitionProposal(ctx, tx, p.ID, domain.ProposalDismissed, now, domain.ProposalDecisionReceived)
	if err != nil {
		return err
	}
	if !flipped {
		return gate.ErrStale
	}
	if err := e.maybeRecordLesson(ctx, tx, c, p, history, now); err != nil {
		return err
	}
	if err := e.Repo.SetCaseStatus(ctx, tx, c.ID, domain.CaseAwaitingResponse, "proposal dismissed", now); err != nil {
		return err
	}
	if err := e.scheduleFollowUp(ctx, tx, c.ID, now); err != nil {
		return err
	}
	if _, err := e.Repo.FinishRun(ctx, tx, run.ID, domain.RunCompleted, "", now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "proposal.dismissed", c.ID, "proposal", p.ID, actorID, events.EventPayload{
		"note": d.Note,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Mirror.PushStatus(ctx, c.ID, domain.CaseAwaitingResponse, "proposal dismissed")
	return nil
}

// maybeRecordLesson turns a repeated dismissal pattern into a forbid lesson
// so the router stops proposing the action.
func (e Engine) maybeRecordLesson(ctx context.Context, tx *sql.Tx, c domain.Case, p domain.Proposal, history []decide.Outcome, now string) error {
	// history was read before the dismissal flip, so the proposal being
	// dismissed right now is counted explicitly.
	streak := decide.ConsecutiveDismissalsOf(history, p.Action) + 1
	if streak < e.Config.Decide.LessonAfterDismissals {
		return nil
	}
	intent := classify.IntentUnknown
	version, err := e.Repo.NextLessonVersion(ctx, tx, intent, "", p.Action)
	if err != nil {
		return err
	}
	return e.Repo.InsertLesson(ctx, tx, domain.Lesson{
		ID:            uuid.NewString(),
		PatternIntent: intent,
		Action:        p.Action,
		Stance:        "forbid",
		Source:        "repeated dismissals on case " + c.ID,
		Version:       version,
		CreatedAt:     now,
	})
}

func (e Engine) applyWithdraw(ctx context.Context, run domain.Run, c domain.Case, p domain.Proposal, d gate.Decision, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	flipped, err := e.Repo.TransitionProposal(ctx, tx, p.ID, domain.ProposalWithdrawn, now, domain.ProposalDecisionReceived)
	if err != nil {
		return err
	}
	if !flipped {
		return gate.ErrStale
	}
	if err := e.Repo.SetCaseStatus(ctx, tx, c.ID, domain.CaseNeedsHumanReview, "proposal withdrawn", now); err != nil {
		return err
	}
	if _, err := e.Repo.FinishRun(ctx, tx, run.ID, domain.RunCompleted, "", now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "proposal.withdrawn", c.ID, "proposal", p.ID, actorID, events.EventPayload{
		"note": d.Note,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Mirror.PushStatus(ctx, c.ID, domain.CaseNeedsHumanReview, "proposal withdrawn")
	return nil
}

// applyAdjust redrafts with the reviewer's instruction, supersedes the old
// proposal, and re-enters the wait exactly once with a fresh token. The
// redraft loop shares the dismissal escalation bound: once a run has burned
// through that many proposals, the next adjustment hands the case to a human
// instead of re-suspending.
func (e Engine) applyAdjust(ctx context.Context, run domain.Run, c domain.Case, p domain.Proposal, d gate.Decision, actorID string) error {
	attempt, err := e.nextAttempt(ctx, run.ID)
	if err != nil {
		return err
	}
	if attempt >= e.Config.Decide.EscalateAfterDismissals {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		now := e.now().UTC().Format(time.RFC3339)
		flipped, err := e.Repo.TransitionProposal(ctx, tx, p.ID, domain.ProposalSuperseded, now, domain.ProposalDecisionReceived)
		if err != nil {
			tx.Rollback()
			return err
		}
		if !flipped {
			tx.Rollback()
			return gate.ErrStale
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		return e.escalateCase(ctx, run, c, fmt.Sprintf("%d adjustment rounds without approval", attempt), actorID)
	}
	content, flags, err := e.draftAndLint(ctx, c, p.Action, classify.Verdict{}, d.Note)
	if err != nil {
		return err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	flipped, err := e.Repo.TransitionProposal(ctx, tx, p.ID, domain.ProposalSuperseded, now, domain.ProposalDecisionReceived)
	if err != nil {
		return err
	}
	if !flipped {
		return gate.ErrStale
	}
	next := domain.Proposal{
		ID:          uuid.NewString(),
		ProposalKey: gate.Key(c.ID, run.TriggerKind, orEmpty(run.MessageID), p.Action, attempt),
		CaseID:      c.ID,
		RunID:       run.ID,
		Action:      p.Action,
		Subject:     content.Subject,
		BodyText:    content.BodyText,
		BodyHTML:    content.BodyHTML,
		RiskFlags:   flags,
		Status:      domain.ProposalPendingApproval,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	next, _, err = e.Repo.InsertProposal(ctx, tx, next)
	if err != nil {
		return err
	}
	if _, _, err := e.Gate.Suspend(ctx, tx, next, run.ID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "proposal.adjusted", c.ID, "proposal", next.ID, actorID, events.EventPayload{
		"superseded": p.ID, "instruction": d.Note,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// nextAttempt numbers a run's redrafts so each derives a distinct key.
func (e Engine) nextAttempt(ctx context.Context, runID string) (int, error) {
	ps, err := e.Repo.ListProposals(ctx, repo.ProposalFilters{})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range ps {
		if p.RunID == runID {
			n++
		}
	}
	return n, nil
}

// ExpireWaitpoints sweeps open tokens past their deadline: the proposal
// expires, the owning run fails, and a human gets an escalation.
func (e Engine) ExpireWaitpoints(ctx context.Context, actorID string) (int, error) {
	tokens, err := e.Waits.ListExpired(ctx)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, wt := range tokens {
		if err := e.expireOne(ctx, wt, actorID); err != nil {
			e.logger().Printf("expire token %s: %v", wt.Token, err)
			continue
		}
		expired++
	}
	return expired, nil
}

func (e Engine) expireOne(ctx context.Context, wt domain.WaitToken, actorID string) error {
	p, err := e.Repo.GetProposalByWaitToken(ctx, wt.Token)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	flipped, err := e.Waits.Expire(ctx, tx, wt.Token)
	if err != nil {
		return err
	}
	if !flipped {
		// A decision landed between the sweep's read and now.
		return nil
	}
	if _, err := e.Repo.TransitionProposal(ctx, tx, p.ID, domain.ProposalExpired, now, domain.ProposalPendingApproval); err != nil {
		return err
	}
	if _, err := e.Repo.FinishRun(ctx, tx, p.RunID, domain.RunFailed, "approval window expired", now); err != nil {
		return err
	}
	if err := e.Repo.InsertEscalation(ctx, tx, domain.Escalation{
		ID:        uuid.NewString(),
		CaseID:    p.CaseID,
		Reason:    "approval window expired",
		Detail:    fmt.Sprintf("proposal %s (%s) received no decision", p.ID, p.Action),
		CreatedAt: now,
	}); err != nil {
		return err
	}
	if err := e.Repo.SetCaseStatus(ctx, tx, p.CaseID, domain.CaseNeedsHumanReview, "approval window expired", now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "proposal.expired", p.CaseID, "proposal", p.ID, actorID, events.EventPayload{
		"wait_token": wt.Token,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Mirror.PushStatus(ctx, p.CaseID, domain.CaseNeedsHumanReview, "approval window expired")
	return nil
}

// ResumeResolved sweeps resolved tokens whose runs have not yet woken.
func (e Engine) ResumeResolved(ctx context.Context, actorID string) (int, error) {
	tokens, err := e.Waits.ListResolved(ctx)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, wt := range tokens {
		p, err := e.Repo.GetProposalByWaitToken(ctx, wt.Token)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			return resumed, err
		}
		if p.Status != domain.ProposalDecisionReceived {
			continue
		}
		if err := e.Resume(ctx, wt.Token, actorID); err != nil {
			if errors.Is(err, gate.ErrStale) {
				continue
			}
			e.logger().Printf("resume token %s: %v", wt.Token, err)
		}
		resumed++
	}
	return resumed, nil
}

// RunDueFollowUps fires scheduled follow-ups whose due time has passed, one
// run per follow-up.
func (e Engine) RunDueFollowUps(ctx context.Context, actorID string) (int, error) {
	due, err := e.Repo.ListDueFollowUps(ctx, e.now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	fired := 0
	for _, f := range due {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return fired, err
		}
		claimed, err := e.Repo.ClaimDueFollowUp(ctx, tx, f.ID)
		if err != nil {
			tx.Rollback()
			return fired, err
		}
		if err := tx.Commit(); err != nil {
			return fired, err
		}
		if !claimed {
			continue
		}
		if _, err := e.StartRun(ctx, f.CaseID, domain.TriggerFollowUp, nil, actorID); err != nil {
			e.logger().Printf("follow-up run for case %s: %v", f.CaseID, err)
			continue
		}
		fired++
	}
	return fired, nil
}

// CancelCase closes a case by hand: every active run is superseded, pending
// proposals are withdrawn, and scheduled follow-ups are cancelled. The whole
// intervention is audited as a fixup run.
func (e Engine) CancelCase(ctx context.Context, caseID, reason, actorID string) (domain.Case, error) {
	c, err := e.Repo.GetCase(ctx, caseID)
	if err != nil {
		return domain.Case{}, err
	}
	if c.Status == domain.CaseCancelled {
		return c, nil
	}
	now := e.now().UTC().Format(time.RFC3339)
	pending, err := e.Repo.ListProposals(ctx, repo.ProposalFilters{CaseID: caseID})
	if err != nil {
		return domain.Case{}, err
	}
	run := domain.Run{
		ID:          uuid.NewString(),
		CaseID:      caseID,
		TriggerKind: domain.TriggerFixup,
		Status:      domain.RunCreated,
		CreatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Case{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertRun(ctx, tx, run); err != nil {
		return domain.Case{}, err
	}
	if _, err := e.Repo.SupersedeActiveRuns(ctx, tx, caseID, run.ID, "case cancelled: "+reason, now); err != nil {
		return domain.Case{}, err
	}
	if _, err := e.Repo.ClaimRun(ctx, tx, run.ID, now); err != nil {
		return domain.Case{}, err
	}
	for _, p := range pending {
		switch p.Status {
		case domain.ProposalPendingApproval, domain.ProposalDecisionReceived, domain.ProposalApproved:
			if _, err := e.Repo.TransitionProposal(ctx, tx, p.ID, domain.ProposalWithdrawn, now, p.Status); err != nil {
				return domain.Case{}, err
			}
		}
	}
	if _, err := e.Repo.CancelFollowUps(ctx, tx, caseID); err != nil {
		return domain.Case{}, err
	}
	if err := e.Repo.SetCaseStatus(ctx, tx, caseID, domain.CaseCancelled, reason, now); err != nil {
		return domain.Case{}, err
	}
	if _, err := e.Repo.FinishRun(ctx, tx, run.ID, domain.RunCompleted, "", now); err != nil {
		return domain.Case{}, err
	}
	if err := e.Events.Append(ctx, tx, "case.cancelled", caseID, "case", caseID, actorID, events.EventPayload{
		"reason": reason,
	}); err != nil {
		return domain.Case{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Case{}, err
	}
	e.Mirror.PushStatus(ctx, caseID, domain.CaseCancelled, reason)
	return e.Repo.GetCase(ctx, caseID)
}

// SetCredential records the current state of a channel credential. Locking a
// credential also escalates, since guarded sends will start skipping.
func (e Engine) SetCredential(ctx context.Context, channel, status string, verifiedAt *string, actorID string) error {
	switch status {
	case domain.CredentialActive, domain.CredentialLocked, domain.CredentialInactive:
	default:
		return fmt.Errorf("unknown credential status %s", status)
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpsertCredential(ctx, domain.Credential{
		Channel: channel, Status: status, VerifiedAt: verifiedAt, UpdatedAt: now,
	}); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "credential.updated", "", "credential", channel, actorID, events.EventPayload{
		"status": status,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// escalateCase hands the case to a human instead of sending anything. This
// is the safety valve that bounds dismissal and adjustment loops.
func (e Engine) escalateCase(ctx context.Context, run domain.Run, c domain.Case, reason, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.InsertEscalation(ctx, tx, domain.Escalation{
		ID:        uuid.NewString(),
		CaseID:    c.ID,
		Reason:    reason,
		CreatedAt: now,
	}); err != nil {
		return err
	}
	if err := e.Repo.SetCaseStatus(ctx, tx, c.ID, domain.CaseNeedsHumanReview, "escalated: "+reason, now); err != nil {
		return err
	}
	if _, err := e.Repo.FinishRun(ctx, tx, run.ID, domain.RunCompleted, "", now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "case.escalated", c.ID, "case", c.ID, actorID, events.EventPayload{
		"reason": reason,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Mirror.PushStatus(ctx, c.ID, domain.CaseNeedsHumanReview, "escalated: "+reason)
	return nil
}

func (e Engine) completeCase(ctx context.Context, run domain.Run, c domain.Case, reason, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.SetCaseStatus(ctx, tx, c.ID, domain.CaseCompleted, reason, now); err != nil {
		return err
	}
	if _, err := e.Repo.CancelFollowUps(ctx, tx, c.ID); err != nil {
		return err
	}
	if _, err := e.Repo.FinishRun(ctx, tx, run.ID, domain.RunCompleted, "", now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "case.completed", c.ID, "case", c.ID, actorID, events.EventPayload{
		"reason": reason,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Mirror.PushStatus(ctx, c.ID, domain.CaseCompleted, reason)
	return nil
}

func (e Engine) finishRunQuietly(ctx context.Context, run domain.Run, note, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := e.now().UTC().Format(time.RFC3339)
	if _, err := e.Repo.FinishRun(ctx, tx, run.ID, domain.RunCompleted, "", now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "run.finished", run.CaseID, "run", run.ID, actorID, events.EventPayload{
		"status": domain.RunCompleted, "note": note,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// failRun is the single failure hook for a pipeline pass: the run always
// lands in failed, the case is parked for a human, and a dead letter records
// what broke.
func (e Engine) failRun(ctx context.Context, run domain.Run, stage string, cause error, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	flipped, err := e.Repo.FinishRun(ctx, tx, run.ID, domain.RunFailed, cause.Error(), now)
	if err != nil {
		return err
	}
	if !flipped {
		// Superseded mid-pass; the newer run owns the case now.
		return tx.Commit()
	}
	if err := e.Repo.InsertDeadLetter(ctx, tx, domain.DeadLetterEntry{
		ID:        uuid.NewString(),
		CaseID:    run.CaseID,
		RunID:     run.ID,
		Stage:     stage,
		Reason:    cause.Error(),
		CreatedAt: now,
	}); err != nil {
		return err
	}
	if err := e.Repo.SetCaseStatus(ctx, tx, run.CaseID, domain.CaseNeedsHumanReview, "run failed: "+stage, now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "run.failed", run.CaseID, "run", run.ID, actorID, events.EventPayload{
		"stage": stage, "error": cause.Error(),
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Mirror.PushStatus(ctx, run.CaseID, domain.CaseNeedsHumanReview, "run failed: "+stage)
	return nil
}

func (e Engine) recordOutboundMessage(ctx context.Context, tx *sql.Tx, caseID string, p domain.Proposal, now string) error {
	return e.Repo.InsertMessage(ctx, tx, domain.Message{
		ID:         uuid.NewString(),
		CaseID:     caseID,
		Direction:  "outbound",
		Subject:    p.Subject,
		Body:       p.BodyText,
		ReceivedAt: now,
	})
}

func (e Engine) scheduleFollowUp(ctx context.Context, tx *sql.Tx, caseID, now string) error {
	interval := e.Config.FollowUp.IntervalDays
	if interval <= 0 {
		return nil
	}
	due := e.now().UTC().AddDate(0, 0, interval).Format(time.RFC3339)
	return e.Repo.InsertFollowUp(ctx, tx, domain.FollowUp{
		ID:        uuid.NewString(),
		CaseID:    caseID,
		DueAt:     due,
		Status:    domain.FollowUpScheduled,
		CreatedAt: now,
	})
}

// withRetries re-invokes an external call a configured number of times.
func (e Engine) withRetries(fn func() error) error {
	attempts := e.Config.Pipeline.ExternalRetries + 1
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
	}
	return err
}

func orEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
