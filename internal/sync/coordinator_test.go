package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/store/memory"
)

// gatedPasser blocks every pass until gate yields.
type gatedPasser struct {
	calls   atomic.Int32
	started chan struct{}
	gate    chan struct{}
	result  func(n int) (PassResult, error)
}

func newGatedPasser() *gatedPasser {
	return &gatedPasser{
		started: make(chan struct{}, 16),
		gate:    make(chan struct{}),
	}
}

func (p *gatedPasser) RunPass(ctx context.Context) (PassResult, error) {
	n := int(p.calls.Add(1))
	select {
	case p.started <- struct{}{}:
	default:
	}
	select {
	case <-p.gate:
	case <-ctx.Done():
		return PassResult{}, ctx.Err()
	}
	if p.result != nil {
		return p.result(n)
	}
	return PassResult{}, nil
}

func (p *gatedPasser) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-p.started:
	case <-time.After(5 * time.Second):
		t.Fatal("pass did not start")
	}
}

type fixedRecoverer struct {
	cursor string
	err    error
}

func (r fixedRecoverer) RecoverCursor(ctx context.Context) (string, error) {
	return r.cursor, r.err
}

func waitIdle(t *testing.T, c *Coordinator) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.Status().State == Idle.String()
	}, 5*time.Second, 5*time.Millisecond)
}

func closeCoordinator(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Close(ctx))
}

func triggerConcurrently(c *Coordinator, n int) {
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Trigger()
		}()
	}
	wg.Wait()
}

func TestCoordinatorCoalescesTriggers(t *testing.T) {
	p := newGatedPasser()
	c := NewCoordinator(ProviderGoogle, p, &Cursor{})
	defer closeCoordinator(t, c)

	c.Trigger()
	p.waitStarted(t)
	assert.Equal(t, "running", c.Status().State)

	triggerConcurrently(c, 25)
	assert.Equal(t, "running+pending", c.Status().State)

	// The follow-up pass starts without passing through idle.
	p.gate <- struct{}{}
	p.waitStarted(t)
	assert.Equal(t, "running", c.Status().State)

	p.gate <- struct{}{}
	waitIdle(t, c)
	assert.Equal(t, int32(2), p.calls.Load())
	assert.Equal(t, 2, c.Status().Passes)
}

func TestCoordinatorRunsAgainAfterIdle(t *testing.T) {
	p := newGatedPasser()
	close(p.gate)
	c := NewCoordinator(ProviderGoogle, p, &Cursor{})
	defer closeCoordinator(t, c)

	for i := 0; i < 3; i++ {
		c.Trigger()
		waitIdle(t, c)
	}
	assert.Equal(t, int32(3), p.calls.Load())
}

func TestCoordinatorCoalescingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("overlapping_triggers_yield_at_most_two_passes", prop.ForAll(
		func(n int) bool {
			p := newGatedPasser()
			c := NewCoordinator(ProviderGoogle, p, &Cursor{})

			c.Trigger()
			<-p.started
			triggerConcurrently(c, n)
			close(p.gate)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.Close(ctx); err != nil {
				return false
			}
			return p.calls.Load() == 2
		},
		gen.IntRange(1, 64),
	))

	properties.TestingRun(t)
}

func TestCoordinatorLogsAndRecordsFailures(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()

	st := memory.New("mailsync")
	require.NoError(t, st.SaveCheckpoint(context.Background(), string(ProviderGoogle), "inbox", "H1", store.StatusHooked))

	p := newGatedPasser()
	close(p.gate)
	p.result = func(n int) (PassResult, error) {
		return PassResult{Cursor: "H1"}, errTransient
	}

	c := NewCoordinator(ProviderGoogle, p, &Cursor{})
	c.Checkpoints = st
	defer closeCoordinator(t, c)

	c.Trigger()
	waitIdle(t, c)

	status := c.Status()
	assert.Equal(t, errTransient.Error(), status.LastError)

	cp, ok := st.Checkpoint(string(ProviderGoogle))
	require.True(t, ok)
	assert.Equal(t, store.StatusError, cp.Status)
	assert.Equal(t, errTransient.Error(), cp.LastError)
	assert.Equal(t, 1, cp.RetryCount)

	var failed *log.Entry
	for _, e := range hook.AllEntries() {
		if e.Level == log.ErrorLevel && e.Message == "sync pass failed" {
			failed = e
		}
	}
	require.NotNil(t, failed, "pass failure must be logged")
	assert.Equal(t, 1, failed.Data["pass"])
	assert.Equal(t, "H1", failed.Data["cursor"])
	assert.ErrorIs(t, failed.Data[log.ErrorKey].(error), errTransient)
}

func TestCoordinatorRecoversFromPanic(t *testing.T) {
	p := newGatedPasser()
	close(p.gate)
	p.result = func(n int) (PassResult, error) {
		if n == 1 {
			panic("boom")
		}
		return PassResult{}, nil
	}
	c := NewCoordinator(ProviderGoogle, p, &Cursor{})
	defer closeCoordinator(t, c)

	c.Trigger()
	waitIdle(t, c)
	assert.Contains(t, c.Status().LastError, "boom")

	c.Trigger()
	waitIdle(t, c)
	assert.Empty(t, c.Status().LastError)
	assert.Equal(t, int32(2), p.calls.Load())
}

func TestCoordinatorResetsExpiredCursor(t *testing.T) {
	cursor := &Cursor{}
	cursor.Establish("H1")

	p := newGatedPasser()
	close(p.gate)
	p.result = func(n int) (PassResult, error) {
		return PassResult{Cursor: "H1"}, fmt.Errorf("list changes since H1: %w", ErrCursorExpired)
	}

	c := NewCoordinator(ProviderGoogle, p, cursor)
	c.Recoverer = fixedRecoverer{cursor: "H900"}
	defer closeCoordinator(t, c)

	c.Trigger()
	waitIdle(t, c)
	assert.Equal(t, "H900", cursor.Get())
	assert.Equal(t, "H900", c.Status().Cursor)
}

func TestCoordinatorKeepsCursorWhenRecoveryFails(t *testing.T) {
	cursor := &Cursor{}
	cursor.Establish("H1")

	p := newGatedPasser()
	close(p.gate)
	p.result = func(n int) (PassResult, error) {
		return PassResult{}, ErrCursorExpired
	}

	c := NewCoordinator(ProviderGoogle, p, cursor)
	c.Recoverer = fixedRecoverer{err: errors.New("watch denied")}
	defer closeCoordinator(t, c)

	c.Trigger()
	waitIdle(t, c)
	assert.Equal(t, "H1", cursor.Get())
}

func TestCoordinatorCloseWaitsForPass(t *testing.T) {
	p := newGatedPasser()
	c := NewCoordinator(ProviderGoogle, p, &Cursor{})

	c.Trigger()
	p.waitStarted(t)

	closed := make(chan error, 1)
	go func() { closed <- c.Close(context.Background()) }()

	select {
	case <-closed:
		t.Fatal("Close returned while a pass was running")
	case <-time.After(20 * time.Millisecond):
	}

	p.gate <- struct{}{}
	require.NoError(t, <-closed)

	c.Trigger()
	assert.Equal(t, int32(1), p.calls.Load(), "triggers after Close are ignored")
}

func TestCoordinatorCloseAbandonsOnDeadline(t *testing.T) {
	p := newGatedPasser()
	c := NewCoordinator(ProviderGoogle, p, &Cursor{})

	c.Trigger()
	p.waitStarted(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, c.Close(ctx), context.DeadlineExceeded)
}
