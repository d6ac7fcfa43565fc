package dispatcher

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type blockingRunner struct {
	name    string
	started chan struct{}
	stopped atomic.Bool
}

func (r *blockingRunner) Name() string { return r.name }

func (r *blockingRunner) Run(ctx context.Context) error {
	close(r.started)
	<-ctx.Done()
	r.stopped.Store(true)
	return nil
}

type failingRunner struct{}

func (failingRunner) Name() string { return "broken" }

func (failingRunner) Run(context.Context) error { return errors.New("boom") }

func TestDispatcherRunStartsRunners(t *testing.T) {
	t.Parallel()

	a := &blockingRunner{name: "explorer", started: make(chan struct{})}
	b := &blockingRunner{name: "scan-apps", started: make(chan struct{})}
	d := New([]Runner{a, b}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	for _, r := range []*blockingRunner{a, b} {
		select {
		case <-r.started:
		case <-time.After(time.Second):
			t.Fatalf("runner %s did not start", r.name)
		}
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
	require.True(t, a.stopped.Load())
	require.True(t, b.stopped.Load())
}

func TestDispatcherFailureCancelsOthers(t *testing.T) {
	t.Parallel()

	survivor := &blockingRunner{name: "explorer", started: make(chan struct{})}
	d := New([]Runner{survivor, failingRunner{}}, nil)

	err := d.Run(context.Background())
	require.ErrorContains(t, err, "broken: boom")
	require.True(t, survivor.stopped.Load())
}

func TestDispatcherRequiresRunners(t *testing.T) {
	t.Parallel()

	require.Error(t, New(nil, nil).Run(context.Background()))
}
