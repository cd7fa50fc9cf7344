package domain

// Case statuses.
const (
	CaseAwaitingResponse = "awaiting_response"
	CaseNeedsHumanReview = "needs_human_review"
	CaseSent             = "sent"
	CaseCompleted        = "completed"
	CaseCancelled        = "cancelled"
)

// Run statuses.
const (
	RunCreated   = "created"
	RunQueued    = "queued"
	RunRunning   = "running"
	RunWaiting   = "waiting"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// Run trigger kinds.
const (
	TriggerInbound  = "inbound_message"
	TriggerFollowUp = "followup"
	TriggerManual   = "manual"
	TriggerFixup    = "fixup"
)

// Proposal statuses.
const (
	ProposalPendingApproval  = "PENDING_APPROVAL"
	ProposalApproved         = "APPROVED"
	ProposalDismissed        = "DISMISSED"
	ProposalWithdrawn        = "WITHDRAWN"
	ProposalExpired          = "EXPIRED"
	ProposalDecisionReceived = "DECISION_RECEIVED"
	ProposalExecuted         = "EXECUTED"
	ProposalSuperseded       = "SUPERSEDED"
)

// Human decisions on a pending proposal.
const (
	DecisionApprove  = "APPROVE"
	DecisionDismiss  = "DISMISS"
	DecisionWithdraw = "WITHDRAW"
	DecisionAdjust   = "ADJUST"
)

// Execution statuses.
const (
	ExecutionQueued    = "QUEUED"
	ExecutionCompleted = "COMPLETED"
	ExecutionFailed    = "FAILED"
	ExecutionCancelled = "CANCELLED"
)

// Scope item statuses.
const (
	ScopeRequested = "REQUESTED"
	ScopeReleased  = "RELEASED"
	ScopeWithheld  = "WITHHELD"
	ScopeNarrowed  = "NARROWED"
)

type Case struct {
	ID          string  `json:"id"`
	Agency      string  `json:"agency"`
	Subject     string  `json:"subject"`
	Status      string  `json:"status" enum:"awaiting_response,needs_human_review,sent,completed,cancelled"`
	Substatus   string  `json:"substatus,omitempty"`
	PauseReason string  `json:"pause_reason,omitempty"`
	Mode        string  `json:"mode" enum:"supervised,autonomous"`
	PortalURL   *string `json:"portal_url,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

type Run struct {
	ID          string  `json:"id"`
	CaseID      string  `json:"case_id"`
	TriggerKind string  `json:"trigger_kind" enum:"inbound_message,followup,manual,fixup"`
	MessageID   *string `json:"message_id,omitempty"`
	Status      string  `json:"status" enum:"created,queued,running,waiting,completed,failed,cancelled"`
	Error       string  `json:"error,omitempty"`
	StartedAt   *string `json:"started_at,omitempty" format:"date-time"`
	EndedAt     *string `json:"ended_at,omitempty" format:"date-time"`
	HeartbeatAt *string `json:"heartbeat_at,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

// Active reports whether the run still owns its case.
func (r Run) Active() bool {
	switch r.Status {
	case RunCreated, RunQueued, RunRunning, RunWaiting:
		return true
	}
	return false
}

// Terminal reports whether the run can no longer change.
func (r Run) Terminal() bool {
	switch r.Status {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

type Proposal struct {
	ID            string   `json:"id"`
	ProposalKey   string   `json:"proposal_key"`
	CaseID        string   `json:"case_id"`
	RunID         string   `json:"run_id"`
	Action        string   `json:"action"`
	Subject       string   `json:"subject,omitempty"`
	BodyText      string   `json:"body_text,omitempty"`
	BodyHTML      string   `json:"body_html,omitempty"`
	RiskFlags     []string `json:"risk_flags,omitempty"`
	Status        string   `json:"status" enum:"PENDING_APPROVAL,APPROVED,DISMISSED,WITHDRAWN,EXPIRED,DECISION_RECEIVED,EXECUTED,SUPERSEDED"`
	WaitToken     *string  `json:"wait_token,omitempty"`
	HumanDecision *string  `json:"human_decision,omitempty"`
	DecisionNote  string   `json:"decision_note,omitempty"`
	DecidedBy     string   `json:"decided_by,omitempty"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
	UpdatedAt     string   `json:"updated_at" format:"date-time"`
}

type Execution struct {
	ID           string `json:"id"`
	ExecutionKey string `json:"execution_key"`
	ProposalID   string `json:"proposal_id"`
	CaseID       string `json:"case_id"`
	Action       string `json:"action"`
	Status       string `json:"status" enum:"QUEUED,COMPLETED,FAILED,CANCELLED"`
	ResultJSON   string `json:"result_json,omitempty"`
	Error        string `json:"error,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

// Constraint is an accumulated negotiation fact about a case, e.g.
// "wrong_agency" or "portal_dismissed". One row per kind per case.
type Constraint struct {
	ID        string `json:"id"`
	CaseID    string `json:"case_id"`
	Kind      string `json:"kind"`
	Note      string `json:"note,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ScopeItem struct {
	ID          string `json:"id"`
	CaseID      string `json:"case_id"`
	Description string `json:"description"`
	Status      string `json:"status" enum:"REQUESTED,RELEASED,WITHHELD,NARROWED"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

// Lesson is a learned routing heuristic. Stance is either "prefer" or
// "forbid": forbidden lessons remove the action from consideration, preferred
// lessons bias toward it when the rule table is ambivalent.
type Lesson struct {
	ID                string `json:"id"`
	PatternIntent     string `json:"pattern_intent"`
	PatternConstraint string `json:"pattern_constraint,omitempty"`
	Action            string `json:"action"`
	Stance            string `json:"stance" enum:"prefer,forbid"`
	Source            string `json:"source,omitempty"`
	Version           int    `json:"version"`
	CreatedAt         string `json:"created_at" format:"date-time"`
}

type DeadLetterEntry struct {
	ID         string  `json:"id"`
	CaseID     string  `json:"case_id"`
	RunID      string  `json:"run_id,omitempty"`
	Stage      string  `json:"stage"`
	Reason     string  `json:"reason"`
	Detail     string  `json:"detail,omitempty"`
	ResolvedAt *string `json:"resolved_at,omitempty" format:"date-time"`
	ResolvedBy string  `json:"resolved_by,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

type Escalation struct {
	ID         string  `json:"id"`
	CaseID     string  `json:"case_id"`
	Reason     string  `json:"reason"`
	Detail     string  `json:"detail,omitempty"`
	ResolvedAt *string `json:"resolved_at,omitempty" format:"date-time"`
	ResolvedBy string  `json:"resolved_by,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

// Wait token statuses.
const (
	TokenOpen     = "open"
	TokenResolved = "resolved"
	TokenExpired  = "expired"
)

type WaitToken struct {
	Token          string  `json:"token"`
	IdempotencyKey string  `json:"idempotency_key"`
	Status         string  `json:"status" enum:"open,resolved,expired"`
	OutputJSON     string  `json:"output_json,omitempty"`
	ExpiresAt      string  `json:"expires_at" format:"date-time"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	ResolvedAt     *string `json:"resolved_at,omitempty" format:"date-time"`
}

// Credential statuses.
const (
	CredentialActive   = "active"
	CredentialLocked   = "locked"
	CredentialInactive = "inactive"
)

type Credential struct {
	Channel    string  `json:"channel"`
	Status     string  `json:"status" enum:"active,locked,inactive"`
	VerifiedAt *string `json:"verified_at,omitempty" format:"date-time"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
}

type Message struct {
	ID             string  `json:"id"`
	CaseID         string  `json:"case_id"`
	Direction      string  `json:"direction" enum:"inbound,outbound"`
	Subject        string  `json:"subject,omitempty"`
	Body           string  `json:"body,omitempty"`
	ProcessedByRun *string `json:"processed_by_run,omitempty"`
	ReceivedAt     string  `json:"received_at" format:"date-time"`
}

// Follow-up statuses.
const (
	FollowUpScheduled = "scheduled"
	FollowUpFired     = "fired"
	FollowUpCancelled = "cancelled"
)

type FollowUp struct {
	ID        string `json:"id"`
	CaseID    string `json:"case_id"`
	DueAt     string `json:"due_at" format:"date-time"`
	Status    string `json:"status" enum:"scheduled,fired,cancelled"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Guard event outcomes.
const (
	GuardAttempt = "attempt"
	GuardSuccess = "success"
	GuardFailure = "failure"
	GuardSkip    = "skip"
	GuardFlagged = "flagged"
)

// GuardEvent is one audited interaction with a guarded external channel.
type GuardEvent struct {
	ID        int64  `json:"id"`
	CaseID    string `json:"case_id"`
	Channel   string `json:"channel"`
	Outcome   string `json:"outcome" enum:"attempt,success,failure,skip"`
	Reason    string `json:"reason,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	CaseID     string `json:"case_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
