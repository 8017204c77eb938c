// Package retry holds the per-task-kind retry and backoff discipline.
// Policies are stateless and safe for concurrent use.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/bookpipe/bookpipe/pkg/models"
)

// ErrTimedOut marks a wall-clock ceiling violation. Always fatal, never retried.
var ErrTimedOut = errors.New("task timed out")

// ErrPrecondition marks a job/record-not-found or wrong-state failure.
// Raised immediately and not retried; retrying cannot fix it.
var ErrPrecondition = errors.New("precondition failed")

// Policy declares how failures of one task kind are handled.
type Policy struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Exponential bool
	Jitter      bool

	// HardLimit/SoftLimit are wall-clock ceilings; zero means unlimited.
	HardLimit time.Duration
	SoftLimit time.Duration
}

// policies maps each task kind to its declared policy. Validation opts out of
// time limits entirely; review passes can legitimately run for hours.
var policies = map[models.TaskKind]Policy{
	models.KindTranslation: {
		MaxRetries:  3,
		BaseDelay:   30 * time.Second,
		MaxDelay:    10 * time.Minute,
		Exponential: true,
		Jitter:      true,
		HardLimit:   time.Hour,
		SoftLimit:   50 * time.Minute,
	},
	models.KindValidation: {
		MaxRetries:  2,
		BaseDelay:   time.Minute,
		MaxDelay:    10 * time.Minute,
		Exponential: true,
	},
	models.KindPostEdit: {
		MaxRetries:  2,
		BaseDelay:   30 * time.Second,
		MaxDelay:    10 * time.Minute,
		Exponential: true,
		Jitter:      true,
		HardLimit:   time.Hour,
		SoftLimit:   50 * time.Minute,
	},
	models.KindIllustration: {
		MaxRetries:  2,
		BaseDelay:   time.Minute,
		MaxDelay:    15 * time.Minute,
		Exponential: true,
		Jitter:      true,
		HardLimit:   time.Hour,
		SoftLimit:   50 * time.Minute,
	},
	models.KindEventProcessing: {
		MaxRetries: 0,
		HardLimit:  5 * time.Minute,
	},
	models.KindMaintenance: {
		MaxRetries: 0,
		HardLimit:  30 * time.Minute,
	},
}

var defaultPolicy = Policy{
	MaxRetries:  2,
	BaseDelay:   time.Minute,
	MaxDelay:    10 * time.Minute,
	Exponential: true,
	HardLimit:   time.Hour,
	SoftLimit:   50 * time.Minute,
}

// PolicyFor returns the policy declared for kind, or the default.
func PolicyFor(kind models.TaskKind) Policy {
	if p, ok := policies[kind]; ok {
		return p
	}
	return defaultPolicy
}

// Delay computes the wait before retry attempt n (1-indexed):
// base * 2^(n-1) when exponential, capped at MaxDelay, with optional full
// jitter drawing uniformly from [0, delay].
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	if p.Exponential {
		d = time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(attempt-1)))
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter {
		d = time.Duration(rand.Float64() * float64(d)) //nolint:gosec // jitter intentionally uses non-crypto rand
	}
	return d
}

// OutcomeKind tags the result of one task attempt.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeRetry
	OutcomeFatal
)

// Outcome is the explicit tagged result of a task attempt. The dispatcher
// decides acking and re-enqueueing from this value alone.
type Outcome struct {
	Kind   OutcomeKind
	Result any
	Delay  time.Duration
	Err    error
}

func Success(result any) Outcome {
	return Outcome{Kind: OutcomeSuccess, Result: result}
}

func Retry(delay time.Duration, err error) Outcome {
	return Outcome{Kind: OutcomeRetry, Delay: delay, Err: err}
}

func Fatal(err error) Outcome {
	return Outcome{Kind: OutcomeFatal, Err: err}
}

// Classify evaluates a raised failure against the policy. attempt is the
// 1-indexed attempt that just failed.
//
//   - Timeouts are fatal: the job surfaces an explicit "timed out" message.
//   - Precondition failures are fatal: the state they need does not exist.
//   - Anything else retries with backoff while the budget lasts, then goes
//     fatal with the final error.
func (p Policy) Classify(err error, attempt int) Outcome {
	if err == nil {
		return Success(nil)
	}
	if errors.Is(err, ErrTimedOut) || errors.Is(err, context.DeadlineExceeded) {
		// A deadline can also arrive from the caller's context on a kind
		// with no hard limit; only name a duration when the policy set one.
		if p.HardLimit > 0 {
			return Fatal(fmt.Errorf("%w after %s", ErrTimedOut, p.HardLimit))
		}
		return Fatal(ErrTimedOut)
	}
	if errors.Is(err, ErrPrecondition) {
		return Fatal(err)
	}
	if attempt > p.MaxRetries {
		return Fatal(err)
	}
	return Retry(p.Delay(attempt), err)
}
