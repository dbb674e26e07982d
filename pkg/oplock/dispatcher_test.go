package oplock

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitRunsSafeRequestsImmediately(t *testing.T) {
	d := NewDispatcher()
	d.SetBreakInProgress(true)

	ran := false
	req := Request{ID: NewRequestID(), Command: "READ", BreakInducing: false, Run: func(ctx context.Context) error {
		ran = true
		return nil
	}}

	require.NoError(t, d.Submit(context.Background(), req))
	assert.True(t, ran)
	assert.Equal(t, 0, d.PendingDeferred())
}

func TestSubmitDefersBreakInducingRequestsDuringBreak(t *testing.T) {
	d := NewDispatcher()
	d.SetBreakInProgress(true)

	ran := false
	req := Request{ID: NewRequestID(), Command: "OPEN", BreakInducing: true, Run: func(ctx context.Context) error {
		ran = true
		return nil
	}}

	require.NoError(t, d.Submit(context.Background(), req))
	assert.False(t, ran)
	assert.Equal(t, 1, d.PendingDeferred())

	d.SetBreakInProgress(false)
	errs := d.DrainDeferred(context.Background())
	assert.Empty(t, errs)
	assert.True(t, ran)
	assert.Equal(t, 0, d.PendingDeferred())
}

func TestSubmitRunsBreakInducingRequestsImmediatelyWhenNoBreakInProgress(t *testing.T) {
	d := NewDispatcher()

	ran := false
	req := Request{ID: NewRequestID(), Command: "OPEN", BreakInducing: true, Run: func(ctx context.Context) error {
		ran = true
		return nil
	}}

	require.NoError(t, d.Submit(context.Background(), req))
	assert.True(t, ran)
}

func TestDrainDeferredCollectsErrors(t *testing.T) {
	d := NewDispatcher()
	d.SetBreakInProgress(true)

	require.NoError(t, d.Submit(context.Background(), Request{
		BreakInducing: true,
		Run:           func(ctx context.Context) error { return assert.AnError },
	}))

	d.SetBreakInProgress(false)
	errs := d.DrainDeferred(context.Background())
	assert.Len(t, errs, 1)
}
