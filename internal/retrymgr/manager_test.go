package retrymgr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskengine/internal/domain/task"
	taskerrors "taskengine/internal/errors"
)

type fakeSource struct {
	policies map[task.Kind]*task.RetryPolicy
	calls    int
}

func (f *fakeSource) GetPolicyByKind(_ context.Context, kind task.Kind) (*task.RetryPolicy, error) {
	f.calls++
	return f.policies[kind], nil
}

func TestShouldRetry_MaxRetriesExceeded(t *testing.T) {
	src := &fakeSource{policies: map[task.Kind]*task.RetryPolicy{
		task.KindShell: {Kind: task.KindShell, MaxRetries: 2, Enabled: true, BackoffStrategy: task.BackoffFixed, BaseDelayMS: 10, MaxDelayMS: 100, Multiplier: 1},
	}}
	m := New(src, time.Minute, nil)

	d := m.ShouldRetry(context.Background(), task.KindShell, 2, errors.New("connection timeout"))
	require.False(t, d.ShouldRetry)
	require.Equal(t, "Maximum retries exceeded", d.Reason)
}

func TestShouldRetry_NonRetryablePattern(t *testing.T) {
	src := &fakeSource{policies: map[task.Kind]*task.RetryPolicy{
		task.KindShell: {
			Kind: task.KindShell, MaxRetries: 3, Enabled: true,
			BackoffStrategy: task.BackoffExponential, BaseDelayMS: 10, MaxDelayMS: 1000, Multiplier: 2,
			NonRetryableErrors: []string{"syntax error"},
		},
	}}
	m := New(src, time.Minute, nil)

	d := m.ShouldRetry(context.Background(), task.KindShell, 0, errors.New("syntax error near X"))
	require.False(t, d.ShouldRetry)
	require.Contains(t, d.Reason, "non-retryable pattern")
}

func TestShouldRetry_TransientHeuristic(t *testing.T) {
	src := &fakeSource{}
	m := New(src, time.Minute, nil)

	d := m.ShouldRetry(context.Background(), task.KindShell, 0, errors.New("connection timeout"))
	require.True(t, d.ShouldRetry)
	require.Greater(t, d.DelayMS, int64(0))
}

func TestShouldRetry_PermanentHeuristic(t *testing.T) {
	src := &fakeSource{}
	m := New(src, time.Minute, nil)

	d := m.ShouldRetry(context.Background(), task.KindShell, 0, errors.New("permission denied"))
	require.False(t, d.ShouldRetry)
}

func TestShouldRetry_ExecutorTaggedTransientOverridesHeuristics(t *testing.T) {
	src := &fakeSource{}
	m := New(src, time.Minute, nil)

	tagged := taskerrors.NewTransientError(errors.New("syntax error near X"), "")
	d := m.ShouldRetry(context.Background(), task.KindShell, 0, tagged)
	require.True(t, d.ShouldRetry, "explicit transient tag should win even though the message looks permanent")
	require.Equal(t, 1.0, d.Confidence)
}

func TestShouldRetry_ExecutorTaggedPermanentOverridesHeuristics(t *testing.T) {
	src := &fakeSource{}
	m := New(src, time.Minute, nil)

	tagged := taskerrors.NewPermanentError(errors.New("connection timeout"), "")
	d := m.ShouldRetry(context.Background(), task.KindShell, 0, tagged)
	require.False(t, d.ShouldRetry, "explicit permanent tag should win even though the message looks transient")
	require.Equal(t, 1.0, d.Confidence)
}

func TestShouldRetry_UnknownLowConfidenceRefuses(t *testing.T) {
	src := &fakeSource{}
	m := New(src, time.Minute, nil)

	d := m.ShouldRetry(context.Background(), task.KindShell, 0, errors.New("something weird happened"))
	require.False(t, d.ShouldRetry)
	require.Less(t, d.Confidence, 0.5)
}

func TestComputeDelay_ExponentialWithinJitterBounds(t *testing.T) {
	policy := task.RetryPolicy{BackoffStrategy: task.BackoffExponential, BaseDelayMS: 100, Multiplier: 2, MaxDelayMS: 100_000}
	for attempt := 1; attempt <= 4; attempt++ {
		want := 100.0 * pow(2, attempt-1)
		lo := int64(want * 0.9)
		hi := int64(want*1.1) + 1
		d := computeDelay(policy, attempt)
		require.GreaterOrEqualf(t, d, lo, "attempt %d", attempt)
		require.LessOrEqualf(t, d, hi, "attempt %d", attempt)
	}
}

func TestComputeDelay_ClampsToMax(t *testing.T) {
	policy := task.RetryPolicy{BackoffStrategy: task.BackoffExponential, BaseDelayMS: 1000, Multiplier: 10, MaxDelayMS: 5000}
	d := computeDelay(policy, 5)
	require.LessOrEqual(t, d, int64(5000))
}

func TestPolicyCache_TTLExpiry(t *testing.T) {
	src := &fakeSource{policies: map[task.Kind]*task.RetryPolicy{
		task.KindShell: {Kind: task.KindShell, MaxRetries: 1, Enabled: true, BackoffStrategy: task.BackoffFixed, BaseDelayMS: 10, MaxDelayMS: 10, Multiplier: 1},
	}}
	m := New(src, 10*time.Millisecond, nil)

	m.policyFor(context.Background(), task.KindShell)
	m.policyFor(context.Background(), task.KindShell)
	require.Equal(t, 1, src.calls, "second lookup within TTL should hit cache")

	time.Sleep(20 * time.Millisecond)
	m.policyFor(context.Background(), task.KindShell)
	require.Equal(t, 2, src.calls, "lookup after TTL should refetch")
}

func TestInvalidatePolicy_ForcesRefetch(t *testing.T) {
	src := &fakeSource{policies: map[task.Kind]*task.RetryPolicy{
		task.KindShell: {Kind: task.KindShell, MaxRetries: 1, Enabled: true},
	}}
	m := New(src, time.Hour, nil)

	m.policyFor(context.Background(), task.KindShell)
	m.InvalidatePolicy(task.KindShell)
	m.policyFor(context.Background(), task.KindShell)
	require.Equal(t, 2, src.calls)
}

func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}
