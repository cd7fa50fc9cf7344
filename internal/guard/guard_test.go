package guard_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"caseline/internal/config"
	"caseline/internal/db"
	"caseline/internal/domain"
	"caseline/internal/guard"
	"caseline/internal/migrate"
	"caseline/internal/repo"
)

var frozen = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newGuard(t *testing.T) (guard.Guard, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	g := guard.Guard{
		Repo:   repo.Repo{DB: conn},
		Config: config.Default(),
		Now:    func() time.Time { return frozen },
	}
	ts := frozen.Format(time.RFC3339)
	err = g.Repo.InsertCase(context.Background(), domain.Case{
		ID: "case-1", Agency: "State Archive", Subject: "incident reports",
		Status: domain.CaseAwaitingResponse, Mode: "supervised",
		CreatedAt: ts, UpdatedAt: ts,
	})
	if err != nil {
		t.Fatalf("seed case: %v", err)
	}
	return g, conn
}

func appendEvent(t *testing.T, conn *sql.DB, g guard.Guard, outcome string, at time.Time) {
	t.Helper()
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	err = g.Repo.AppendGuardEvent(ctx, tx, domain.GuardEvent{
		CaseID:    "case-1",
		Channel:   domain.ChannelPortal,
		Outcome:   outcome,
		CreatedAt: at.Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("append guard event: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestPreflightAllowsCleanChannel(t *testing.T) {
	g, _ := newGuard(t)
	v, err := g.Preflight(context.Background(), "case-1", domain.ChannelPortal)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	if !v.Allow {
		t.Fatalf("expected allow, got skip %s", v.Reason)
	}
}

func TestCircuitOpensAfterFailures(t *testing.T) {
	g, conn := newGuard(t)
	for i := 0; i < g.Config.Guard.FailureThreshold; i++ {
		appendEvent(t, conn, g, domain.GuardFailure, frozen.Add(-time.Hour))
	}
	v, err := g.Preflight(context.Background(), "case-1", domain.ChannelPortal)
	if err != nil {
		t.Fatal(err)
	}
	if v.Allow || v.Reason != guard.ReasonCircuitOpen {
		t.Fatalf("expected circuit_open, got %+v", v)
	}
	if !v.Escalate {
		t.Fatalf("expected escalation on open circuit")
	}
}

func TestOldFailuresOutsideWindowIgnored(t *testing.T) {
	g, conn := newGuard(t)
	old := frozen.Add(-time.Duration(g.Config.Guard.FailureWindowHours+1) * time.Hour)
	for i := 0; i < g.Config.Guard.FailureThreshold; i++ {
		appendEvent(t, conn, g, domain.GuardFailure, old)
	}
	v, err := g.Preflight(context.Background(), "case-1", domain.ChannelPortal)
	if err != nil {
		t.Fatal(err)
	}
	if !v.Allow {
		t.Fatalf("expected allow with failures outside window, got %s", v.Reason)
	}
}

func TestDailyCap(t *testing.T) {
	g, conn := newGuard(t)
	for i := 0; i < g.Config.Guard.DailyCap; i++ {
		appendEvent(t, conn, g, domain.GuardAttempt, frozen.Add(-time.Hour))
	}
	v, err := g.Preflight(context.Background(), "case-1", domain.ChannelPortal)
	if err != nil {
		t.Fatal(err)
	}
	if v.Allow || v.Reason != guard.ReasonDailyCap {
		t.Fatalf("expected daily_cap_reached, got %+v", v)
	}
	if !v.Escalate {
		t.Fatalf("hard rate limit must escalate")
	}
}

func TestLifetimeCap(t *testing.T) {
	g, conn := newGuard(t)
	// spread attempts across many days so the daily cap never trips first
	for i := 0; i < g.Config.Guard.LifetimeCap; i++ {
		appendEvent(t, conn, g, domain.GuardAttempt, frozen.AddDate(0, 0, -(i+1)))
	}
	v, err := g.Preflight(context.Background(), "case-1", domain.ChannelPortal)
	if err != nil {
		t.Fatal(err)
	}
	if v.Allow || v.Reason != guard.ReasonLifetimeCap {
		t.Fatalf("expected lifetime_cap_reached, got %+v", v)
	}
}

func TestDedupRecentSuccess(t *testing.T) {
	g, conn := newGuard(t)
	appendEvent(t, conn, g, domain.GuardSuccess, frozen.Add(-10*time.Minute))
	v, err := g.Preflight(context.Background(), "case-1", domain.ChannelPortal)
	if err != nil {
		t.Fatal(err)
	}
	if v.Allow || !v.Duplicate {
		t.Fatalf("expected duplicate skip, got %+v", v)
	}
	if v.Escalate {
		t.Fatalf("duplicate skip must not escalate")
	}
}

func TestCredentialLockedSkipsAndEscalates(t *testing.T) {
	g, _ := newGuard(t)
	err := g.Repo.UpsertCredential(context.Background(), domain.Credential{
		Channel:   domain.ChannelPortal,
		Status:    domain.CredentialLocked,
		UpdatedAt: frozen.Format(time.RFC3339),
	})
	if err != nil {
		t.Fatal(err)
	}
	v, err := g.Preflight(context.Background(), "case-1", domain.ChannelPortal)
	if err != nil {
		t.Fatal(err)
	}
	if v.Allow || v.Reason != guard.ReasonCredentialLocked || !v.Escalate {
		t.Fatalf("expected locked-credential skip with escalation, got %+v", v)
	}
}

func TestCredentialInactiveSkipsAndEscalates(t *testing.T) {
	g, _ := newGuard(t)
	err := g.Repo.UpsertCredential(context.Background(), domain.Credential{
		Channel:   domain.ChannelPortal,
		Status:    domain.CredentialInactive,
		UpdatedAt: frozen.Format(time.RFC3339),
	})
	if err != nil {
		t.Fatal(err)
	}
	v, err := g.Preflight(context.Background(), "case-1", domain.ChannelPortal)
	if err != nil {
		t.Fatal(err)
	}
	if v.Allow || v.Reason != guard.ReasonCredentialInactive || !v.Escalate {
		t.Fatalf("expected inactive-credential skip with escalation, got %+v", v)
	}
}

func TestStaleCredentialFlagsButAllows(t *testing.T) {
	g, _ := newGuard(t)
	verified := frozen.AddDate(0, 0, -(g.Config.Guard.CredentialMaxAgeDays + 5)).Format(time.RFC3339)
	err := g.Repo.UpsertCredential(context.Background(), domain.Credential{
		Channel:    domain.ChannelPortal,
		Status:     domain.CredentialActive,
		VerifiedAt: &verified,
		UpdatedAt:  frozen.Format(time.RFC3339),
	})
	if err != nil {
		t.Fatal(err)
	}
	v, err := g.Preflight(context.Background(), "case-1", domain.ChannelPortal)
	if err != nil {
		t.Fatal(err)
	}
	if !v.Allow {
		t.Fatalf("stale credential must not block, got %+v", v)
	}
	if len(v.Flags) != 1 || v.Flags[0] != "credential_stale" {
		t.Fatalf("expected credential_stale flag, got %v", v.Flags)
	}
}
