package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/singleflight"

	"askpdf/types"
)

type flakyPinger struct {
	failures int
	calls    int
}

func (p *flakyPinger) Ping(context.Context) error {
	p.calls++
	if p.calls <= p.failures {
		return errors.New("connection refused")
	}
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWaitReady_SucceedsAfterRetries(t *testing.T) {
	p := &flakyPinger{failures: 2}

	err := WaitReady(context.Background(), p, 5, time.Millisecond, quietLogger())

	require.NoError(t, err)
	assert.Equal(t, 3, p.calls)
}

func TestWaitReady_BudgetExhausted(t *testing.T) {
	p := &flakyPinger{failures: 100}

	err := WaitReady(context.Background(), p, 3, time.Millisecond, quietLogger())

	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrNotReady)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 3, p.calls)
}

func TestWaitReady_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &flakyPinger{failures: 100}

	err := WaitReady(ctx, p, 3, time.Hour, quietLogger())

	assert.ErrorIs(t, err, context.Canceled)
}

func TestEnsureOnce_DifferentSpecsAreNotShared(t *testing.T) {
	var g singleflight.Group
	first := types.CollectionSpec{Name: "docs", Dimensions: 768, Distance: types.DistanceCosine}
	other := types.CollectionSpec{Name: "docs", Dimensions: 384, Distance: types.DistanceCosine}

	entered, release := make(chan struct{}), make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- ensureOnce(&g, first, func() error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	err := ensureOnce(&g, other, func() error { return types.ErrDimensionMismatch })
	assert.ErrorIs(t, err, types.ErrDimensionMismatch)

	close(release)
	assert.NoError(t, <-done)
}

func TestEnsureOnce_SameSpecIsShared(t *testing.T) {
	var g singleflight.Group
	spec := types.CollectionSpec{Name: "docs", Dimensions: 768, Distance: types.DistanceCosine}

	entered, release := make(chan struct{}), make(chan struct{})
	var calls atomic.Int32
	fn := func() error {
		if calls.Add(1) == 1 {
			close(entered)
		}
		<-release
		return nil
	}
	done := make(chan error, 2)
	go func() { done <- ensureOnce(&g, spec, fn) }()
	<-entered
	go func() { done <- ensureOnce(&g, spec, fn) }()

	// Give the second caller time to join the in-flight call.
	time.Sleep(20 * time.Millisecond)
	close(release)
	assert.NoError(t, <-done)
	assert.NoError(t, <-done)
	assert.EqualValues(t, 1, calls.Load())
}
