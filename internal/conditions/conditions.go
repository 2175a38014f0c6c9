// Package conditions evaluates the named release conditions attached to an
// escrow transaction. Evaluation is a pure read over platform signals and
// dispute state; an unknown condition name always counts as unmet.
package conditions

import (
	"context"
	"fmt"
	"time"
)

// Condition names understood by the evaluator.
const (
	PlatformDeployed    = "platform_deployed_successfully"
	BuyerSatisfied      = "buyer_satisfaction_confirmed"
	NoDisputesFiled     = "no_disputes_filed"
	PerformanceVerified = "platform_performance_verified"
)

// Performance thresholds for the rolling 7-day window.
const (
	perfWindow        = 7 * 24 * time.Hour
	maxAvgResponseMs  = 500.0
	minAvgUptimePct   = 99.0
	maxAvgErrorPct    = 1.0
	healthProbeWindow = 24 * time.Hour
)

// UnknownConditionError marks a condition name the evaluator does not
// recognize. The caller must treat it as unmet.
type UnknownConditionError struct {
	Name string
}

func (e *UnknownConditionError) Error() string {
	return fmt.Sprintf("unknown release condition: %s", e.Name)
}

// Subject identifies what a set of conditions is evaluated against.
type Subject struct {
	TransactionID string
	PlatformID    string
	BuyerID       string
}

// PlatformSignals is the view of platform state the evaluator reads.
type PlatformSignals interface {
	Deployment(ctx context.Context, platformID string) (deployed bool, lastHealthAt *time.Time, err error)
	Confirmed(ctx context.Context, platformID, buyerID string) (bool, error)
	Performance(ctx context.Context, platformID string, since time.Time) (avgResponseMs, avgUptimePct, avgErrorPct float64, samples int, err error)
}

// DisputeChecker reports whether a transaction has an open dispute.
type DisputeChecker interface {
	HasOpenDispute(ctx context.Context, transactionID string) (bool, error)
}

// Evaluator checks release conditions against live signals.
type Evaluator struct {
	platforms PlatformSignals
	disputes  DisputeChecker
	now       func() time.Time
}

// NewEvaluator creates an evaluator over the given signal sources.
func NewEvaluator(platforms PlatformSignals, disputes DisputeChecker) *Evaluator {
	return &Evaluator{platforms: platforms, disputes: disputes, now: time.Now}
}

// Unmet returns the subset of conditions that do not currently hold, in the
// order given. An unknown condition name is returned as unmet alongside an
// UnknownConditionError; signal-source failures abort evaluation.
func (e *Evaluator) Unmet(ctx context.Context, subject Subject, conds []string) ([]string, error) {
	var unmet []string
	for _, name := range conds {
		ok, err := e.check(ctx, subject, name)
		if err != nil {
			if _, unknown := err.(*UnknownConditionError); unknown {
				return append(unmet, name), err
			}
			return nil, err
		}
		if !ok {
			unmet = append(unmet, name)
		}
	}
	return unmet, nil
}

func (e *Evaluator) check(ctx context.Context, subject Subject, name string) (bool, error) {
	switch name {
	case PlatformDeployed:
		deployed, lastHealthAt, err := e.platforms.Deployment(ctx, subject.PlatformID)
		if err != nil {
			return false, err
		}
		if !deployed || lastHealthAt == nil {
			return false, nil
		}
		return e.now().Sub(*lastHealthAt) <= healthProbeWindow, nil

	case BuyerSatisfied:
		return e.platforms.Confirmed(ctx, subject.PlatformID, subject.BuyerID)

	case NoDisputesFiled:
		open, err := e.disputes.HasOpenDispute(ctx, subject.TransactionID)
		if err != nil {
			return false, err
		}
		return !open, nil

	case PerformanceVerified:
		since := e.now().Add(-perfWindow)
		respMs, uptime, errRate, samples, err := e.platforms.Performance(ctx, subject.PlatformID, since)
		if err != nil {
			return false, err
		}
		if samples == 0 {
			return false, nil
		}
		return respMs < maxAvgResponseMs && uptime > minAvgUptimePct && errRate < maxAvgErrorPct, nil

	default:
		return false, &UnknownConditionError{Name: name}
	}
}

// Known reports whether every name in conds is a condition the evaluator
// understands. Used to reject bad condition lists at transaction creation.
func Known(conds []string) error {
	for _, name := range conds {
		switch name {
		case PlatformDeployed, BuyerSatisfied, NoDisputesFiled, PerformanceVerified:
		default:
			return &UnknownConditionError{Name: name}
		}
	}
	return nil
}
