// Package guard gates outbound actions on rate-limited external channels.
// Every verdict is advisory: the caller records the skip and routes the case,
// the guard itself never blocks or errors on a policy trip.
package guard

import (
	"context"
	"time"

	"caseline/internal/config"
	"caseline/internal/domain"
	"caseline/internal/repo"
)

// Verdict is the result of a preflight check on a guarded channel.
type Verdict struct {
	Allow bool
	// Reason is set when Allow is false: why the attempt was skipped.
	Reason string
	// Duplicate marks a skip caused by a recent success on the same
	// case/channel. The earlier delivery already covers the work.
	Duplicate bool
	// Escalate asks the caller to open an escalation alongside the skip.
	Escalate bool
	// Flags carry non-blocking warnings (stale credential).
	Flags []string
}

const (
	ReasonCircuitOpen        = "circuit_open"
	ReasonDailyCap           = "daily_cap_reached"
	ReasonLifetimeCap        = "lifetime_cap_reached"
	ReasonDuplicateSend      = "duplicate_recent_success"
	ReasonCredentialLocked   = "credential_locked"
	ReasonCredentialInactive = "credential_inactive"
)

type Guard struct {
	Repo   repo.Repo
	Config *config.Config
	Now    func() time.Time
}

func (g Guard) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// Preflight evaluates all guard policies for one case/channel pair.
// Checks run in fixed order and the first trip wins: circuit breaker,
// lifetime cap, daily cap, dedup, credential.
func (g Guard) Preflight(ctx context.Context, caseID, channel string) (Verdict, error) {
	now := g.now().UTC()
	cfg := g.Config.Guard

	windowStart := now.Add(-time.Duration(cfg.FailureWindowHours) * time.Hour).Format(time.RFC3339)
	failures, err := g.Repo.CountGuardEvents(ctx, caseID, channel, domain.GuardFailure, windowStart)
	if err != nil {
		return Verdict{}, err
	}
	if failures >= cfg.FailureThreshold {
		return Verdict{Reason: ReasonCircuitOpen, Escalate: true}, nil
	}

	lifetime, err := g.Repo.CountGuardEvents(ctx, caseID, channel, domain.GuardAttempt, "")
	if err != nil {
		return Verdict{}, err
	}
	if lifetime >= cfg.LifetimeCap {
		return Verdict{Reason: ReasonLifetimeCap, Escalate: true}, nil
	}

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
	today, err := g.Repo.CountGuardEvents(ctx, caseID, channel, domain.GuardAttempt, midnight)
	if err != nil {
		return Verdict{}, err
	}
	if today >= cfg.DailyCap {
		return Verdict{Reason: ReasonDailyCap, Escalate: true}, nil
	}

	lastSuccess, err := g.Repo.LastGuardSuccess(ctx, caseID, channel)
	if err != nil && err != repo.ErrNotFound {
		return Verdict{}, err
	}
	if err == nil {
		ts, perr := time.Parse(time.RFC3339, lastSuccess)
		if perr == nil && now.Sub(ts) < time.Duration(cfg.DedupWindowMinutes)*time.Minute {
			return Verdict{Reason: ReasonDuplicateSend, Duplicate: true}, nil
		}
	}

	var flags []string
	cred, err := g.Repo.GetCredential(ctx, channel)
	if err != nil && err != repo.ErrNotFound {
		return Verdict{}, err
	}
	if err == nil {
		if cred.Status == domain.CredentialLocked || cred.Status == domain.CredentialInactive {
			reason := ReasonCredentialLocked
			if cred.Status == domain.CredentialInactive {
				reason = ReasonCredentialInactive
			}
			return Verdict{Reason: reason, Escalate: true}, nil
		}
		if cred.VerifiedAt != nil && cfg.CredentialMaxAgeDays > 0 {
			ts, perr := time.Parse(time.RFC3339, *cred.VerifiedAt)
			if perr == nil && now.Sub(ts) > time.Duration(cfg.CredentialMaxAgeDays)*24*time.Hour {
				flags = append(flags, "credential_stale")
			}
		}
	}

	return Verdict{Allow: true, Flags: flags}, nil
}
