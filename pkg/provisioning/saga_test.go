package provisioning

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/idsync/pkg/observability"
)

func TestSaga_CompensatesCompletedStepsInReverse(t *testing.T) {
	var trail []string
	record := func(s string, err error) func(context.Context) error {
		return func(context.Context) error {
			trail = append(trail, s)
			return err
		}
	}
	boom := errors.New("boom")

	sg := &saga{
		name:   "test",
		logger: observability.NewNopLogger(),
		steps: []step{
			{name: "a", action: record("a", nil), compensate: record("undo-a", nil)},
			{name: "b", action: record("b", nil)},
			{name: "c", action: record("c", nil), compensate: record("undo-c", nil)},
			{name: "d", action: record("d", boom), compensate: record("undo-d", nil)},
			{name: "e", action: record("e", nil), compensate: record("undo-e", nil)},
		},
	}

	err := sg.run(context.Background())

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, "d", stepErr.Step)
	assert.True(t, stepErr.Unwound)
	assert.NoError(t, stepErr.CompensationErr)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"a", "b", "c", "d", "undo-c", "undo-a"}, trail)
}

func TestSaga_NoCompensationBeforeFirstCompensableStep(t *testing.T) {
	sg := &saga{
		name:   "test",
		logger: observability.NewNopLogger(),
		steps: []step{
			{name: "a", action: func(context.Context) error { return nil }},
			{name: "b", action: func(context.Context) error { return errors.New("fail") }},
		},
	}

	err := sg.run(context.Background())

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.False(t, stepErr.Unwound)
}

func TestSaga_CompensationIgnoresCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var compensateErr error

	sg := &saga{
		name:   "test",
		logger: observability.NewNopLogger(),
		steps: []step{
			{
				name:       "a",
				action:     func(context.Context) error { return nil },
				compensate: func(ctx context.Context) error { compensateErr = ctx.Err(); return nil },
			},
			{
				name: "b",
				action: func(context.Context) error {
					cancel()
					return context.Canceled
				},
			},
		},
	}

	err := sg.run(ctx)

	require.Error(t, err)
	assert.NoError(t, compensateErr)
}

func TestSaga_CompensationFailureIsReported(t *testing.T) {
	metrics := observability.NewNopMetrics()
	undoFailed := errors.New("undo failed")
	sg := &saga{
		name:    "test",
		logger:  observability.NewNopLogger(),
		metrics: metrics,
		steps: []step{
			{
				name:       "a",
				action:     func(context.Context) error { return nil },
				compensate: func(context.Context) error { return undoFailed },
			},
			{name: "b", action: func(context.Context) error { return errors.New("step failed") }},
		},
	}

	err := sg.run(context.Background())

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.ErrorIs(t, stepErr.CompensationErr, undoFailed)
	assert.Contains(t, err.Error(), "compensation failed")
	assert.NotErrorIs(t, err, undoFailed)
}
