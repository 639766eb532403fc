package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/store"
)

// State is the coordinator's scheduling state.
type State int

const (
	Idle State = iota
	Running
	RunningPending
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case RunningPending:
		return "running+pending"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Passer runs a single sync pass.
type Passer interface {
	RunPass(ctx context.Context) (PassResult, error)
}

// CursorRecoverer supplies a fresh cursor once the provider has expired the
// current one.
type CursorRecoverer interface {
	RecoverCursor(ctx context.Context) (string, error)
}

// Status is a point-in-time view of the coordinator.
type Status struct {
	State      string     `json:"state"`
	Cursor     string     `json:"cursor"`
	Passes     int        `json:"passes"`
	LastPass   time.Time  `json:"last_pass,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	LastResult PassResult `json:"last_result"`
}

// Coordinator serializes sync passes. Triggers that arrive while a pass is
// running collapse into at most one follow-up pass.
type Coordinator struct {
	// Checkpoints, when set, records ERROR status for failed passes.
	Checkpoints store.Checkpoints
	// Recoverer, when set, is asked for a new cursor after ErrCursorExpired.
	Recoverer CursorRecoverer

	runner   Passer
	cursor   *Cursor
	provider ProviderName

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	state      State
	closed     bool
	passes     int
	lastPass   time.Time
	lastErr    error
	lastResult PassResult
}

var _ Triggerer = (*Coordinator)(nil)

func NewCoordinator(provider ProviderName, runner Passer, cursor *Cursor) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		runner:   runner,
		cursor:   cursor,
		provider: provider,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Trigger requests a pass and returns immediately.
func (c *Coordinator) Trigger() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	switch c.state {
	case Idle:
		c.state = Running
		c.wg.Add(1)
		go c.loop()
	case Running:
		c.state = RunningPending
	}
}

func (c *Coordinator) loop() {
	defer c.wg.Done()
	for {
		c.runOnce()

		c.mu.Lock()
		if c.state == RunningPending && !c.closed {
			c.state = Running
			c.mu.Unlock()
			continue
		}
		c.state = Idle
		c.mu.Unlock()
		return
	}
}

func (c *Coordinator) runOnce() {
	c.mu.Lock()
	c.passes++
	seq := c.passes
	c.mu.Unlock()

	entry := log.WithFields(log.Fields{
		"provider": c.provider,
		"pass":     seq,
	})
	entry.WithField("cursor", c.cursor.Get()).Debug("sync pass started")

	started := time.Now()
	res, err := c.safePass()

	c.mu.Lock()
	c.lastPass = started
	c.lastErr = err
	c.lastResult = res
	c.mu.Unlock()

	if err == nil {
		entry.WithFields(log.Fields{
			"cursor":   res.Cursor,
			"next":     res.NewCursor,
			"changes":  res.Changes,
			"inserted": res.Inserted,
			"shadows":  res.Shadows,
			"skipped":  res.Skipped,
			"elapsed":  time.Since(started),
		}).Info("sync pass finished")
		return
	}

	entry.WithError(err).WithField("cursor", res.Cursor).Error("sync pass failed")
	if c.Checkpoints != nil {
		if uerr := c.Checkpoints.UpdateSyncStatus(c.ctx, string(c.provider), store.StatusError, err.Error()); uerr != nil {
			entry.WithError(uerr).Warn("failed to record sync status")
		}
	}

	if errors.Is(err, ErrCursorExpired) && c.Recoverer != nil {
		fresh, rerr := c.Recoverer.RecoverCursor(c.ctx)
		if rerr != nil {
			entry.WithError(rerr).Error("failed to recover expired cursor")
			return
		}
		c.cursor.Reset(fresh)
		entry.WithFields(log.Fields{
			"expired": res.Cursor,
			"cursor":  fresh,
		}).Warn("cursor expired, resuming from latest subscription cursor")
	}
}

func (c *Coordinator) safePass() (res PassResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in sync pass: %v", r)
		}
	}()
	return c.runner.RunPass(c.ctx)
}

// Status returns a snapshot of the coordinator's state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		State:      c.state.String(),
		Cursor:     c.cursor.Get(),
		Passes:     c.passes,
		LastPass:   c.lastPass,
		LastResult: c.lastResult,
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

// Close stops accepting triggers and waits for the in-flight pass. If ctx
// ends first the pass is abandoned and ctx's error returned.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		<-done
		return ctx.Err()
	}
}
