package retry_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookpipe/bookpipe/internal/retry"
	"github.com/bookpipe/bookpipe/pkg/models"
)

func TestPolicyFor_KnownKinds(t *testing.T) {
	translation := retry.PolicyFor(models.KindTranslation)
	assert.Equal(t, 3, translation.MaxRetries)
	assert.Equal(t, time.Hour, translation.HardLimit)

	validation := retry.PolicyFor(models.KindValidation)
	assert.Equal(t, 2, validation.MaxRetries)
	assert.Zero(t, validation.HardLimit, "validation opts out of time limits")
	assert.Zero(t, validation.SoftLimit)
}

func TestPolicyFor_UnknownKindGetsDefault(t *testing.T) {
	p := retry.PolicyFor(models.TaskKind("mystery"))
	assert.Equal(t, 2, p.MaxRetries)
	assert.Equal(t, time.Hour, p.HardLimit)
}

func TestDelay_ExponentialGrowthCapped(t *testing.T) {
	p := retry.Policy{
		BaseDelay:   30 * time.Second,
		MaxDelay:    10 * time.Minute,
		Exponential: true,
	}

	assert.Equal(t, 30*time.Second, p.Delay(1))
	assert.Equal(t, time.Minute, p.Delay(2))
	assert.Equal(t, 2*time.Minute, p.Delay(3))
	assert.Equal(t, 10*time.Minute, p.Delay(10), "cap applies")
}

func TestDelay_JitterStaysWithinBound(t *testing.T) {
	p := retry.Policy{
		BaseDelay:   time.Minute,
		MaxDelay:    time.Minute,
		Exponential: true,
		Jitter:      true,
	}

	for i := 0; i < 100; i++ {
		d := p.Delay(3)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Minute)
	}
}

func TestDelay_AttemptBelowOneTreatedAsFirst(t *testing.T) {
	p := retry.Policy{BaseDelay: time.Second, Exponential: true}
	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, time.Second, p.Delay(-3))
}

func TestClassify_NilErrorIsSuccess(t *testing.T) {
	p := retry.PolicyFor(models.KindTranslation)
	out := p.Classify(nil, 1)
	assert.Equal(t, retry.OutcomeSuccess, out.Kind)
}

func TestClassify_TimeoutIsFatal(t *testing.T) {
	p := retry.PolicyFor(models.KindTranslation)

	out := p.Classify(fmt.Errorf("segment 3: %w", context.DeadlineExceeded), 1)
	require.Equal(t, retry.OutcomeFatal, out.Kind)
	assert.ErrorIs(t, out.Err, retry.ErrTimedOut)

	out = p.Classify(retry.ErrTimedOut, 1)
	assert.Equal(t, retry.OutcomeFatal, out.Kind)
}

func TestClassify_TimeoutWithoutHardLimitOmitsDuration(t *testing.T) {
	p := retry.PolicyFor(models.KindValidation)
	require.Zero(t, p.HardLimit)

	out := p.Classify(context.DeadlineExceeded, 1)
	require.Equal(t, retry.OutcomeFatal, out.Kind)
	assert.ErrorIs(t, out.Err, retry.ErrTimedOut)
	assert.NotContains(t, out.Err.Error(), "after 0s")
}

func TestClassify_PreconditionIsFatal(t *testing.T) {
	p := retry.PolicyFor(models.KindValidation)
	out := p.Classify(fmt.Errorf("%w: job gone", retry.ErrPrecondition), 1)
	require.Equal(t, retry.OutcomeFatal, out.Kind)
	assert.ErrorIs(t, out.Err, retry.ErrPrecondition)
}

func TestClassify_RetriesWithinBudgetThenFatal(t *testing.T) {
	p := retry.PolicyFor(models.KindTranslation) // MaxRetries: 3
	boom := errors.New("provider 503")

	for attempt := 1; attempt <= p.MaxRetries; attempt++ {
		out := p.Classify(boom, attempt)
		require.Equal(t, retry.OutcomeRetry, out.Kind, "attempt %d", attempt)
		assert.ErrorIs(t, out.Err, boom)
	}

	out := p.Classify(boom, p.MaxRetries+1)
	require.Equal(t, retry.OutcomeFatal, out.Kind)
	assert.ErrorIs(t, out.Err, boom)
}

func TestClassify_ZeroRetryBudgetFailsImmediately(t *testing.T) {
	p := retry.PolicyFor(models.KindEventProcessing)
	out := p.Classify(errors.New("handler failed"), 1)
	assert.Equal(t, retry.OutcomeFatal, out.Kind)
}
