package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuemby/nimbus/pkg/ctlerr"
	"github.com/stretchr/testify/require"
)

func TestSubmitRejectedBeforeReady(t *testing.T) {
	d := New(4)
	ctx := context.Background()

	_, err := d.Submit(ctx, func(ctx context.Context) (any, error) { return 1, nil })
	require.ErrorIs(t, err, ctlerr.NotReady)
}

func TestSubmitRunsExclusively(t *testing.T) {
	d := New(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)
	d.MarkReady()

	counter := 0
	var results []int
	for i := 0; i < 5; i++ {
		v, err := Call(ctx, d, func(ctx context.Context) (int, error) {
			counter++
			return counter, nil
		})
		require.NoError(t, err)
		results = append(results, v)
	}
	require.Equal(t, []int{1, 2, 3, 4, 5}, results)
}

func TestSubmitPropagatesTaskError(t *testing.T) {
	d := New(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)
	d.MarkReady()

	boom := errors.New("boom")
	_, err := Call(ctx, d, func(ctx context.Context) (int, error) { return 0, boom })
	require.ErrorIs(t, err, boom)
}

func TestBeginShutdownRejectsNewTasks(t *testing.T) {
	d := New(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)
	d.MarkReady()
	d.BeginShutdown()

	_, err := d.Submit(ctx, func(ctx context.Context) (any, error) { return nil, nil })
	require.ErrorIs(t, err, ctlerr.NotReady)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	d := New(4)
	ctx, cancel := context.WithCancel(context.Background())
	d.MarkReady()
	go d.Run(ctx)
	cancel()

	select {
	case <-d.done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancellation")
	}
}
