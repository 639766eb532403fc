package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const minRenewDelay = time.Second

// LeaseManager keeps the provider's push subscription alive. The first
// successful subscription establishes the cursor; renewals only extend the
// lease and never move a cursor that is already set.
type LeaseManager struct {
	Provider      Provider
	Cursor        *Cursor
	Request       SubscribeRequest
	RenewMargin   time.Duration
	RetryInterval time.Duration

	mu     sync.Mutex
	lease  Subscription
	active bool
}

var _ CursorRecoverer = (*LeaseManager)(nil)

// Start performs the initial subscription.
func (m *LeaseManager) Start(ctx context.Context) error {
	sub, err := m.subscribe(ctx)
	if err != nil {
		return fmt.Errorf("initial subscribe: %w", err)
	}

	established := m.Cursor.Establish(sub.Cursor)
	log.WithFields(log.Fields{
		"provider":    m.Provider.Name(),
		"cursor":      m.Cursor.Get(),
		"established": established,
		"expiry":      sub.Expiry,
	}).Info("watch lease established")
	return nil
}

// Run renews the lease ahead of expiry until ctx is done. A failed renewal
// is retried after RetryInterval.
func (m *LeaseManager) Run(ctx context.Context) {
	timer := time.NewTimer(m.untilRenewal(time.Now()))
	defer timer.Stop()

	entry := log.WithField("provider", m.Provider.Name())
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		sub, err := m.renew(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			entry.WithError(err).WithField("retry_in", m.RetryInterval).Warn("watch lease renewal failed")
			timer.Reset(m.retryDelay())
			continue
		}
		entry.WithField("expiry", sub.Expiry).Info("watch lease renewed")
		timer.Reset(m.untilRenewal(time.Now()))
	}
}

// RecoverCursor renews the subscription and returns its cursor, for use
// after the provider rejected the current one as expired.
func (m *LeaseManager) RecoverCursor(ctx context.Context) (string, error) {
	sub, err := m.renew(ctx)
	if err != nil {
		return "", err
	}
	if sub.Cursor == "" {
		return "", errors.New("subscription returned no cursor")
	}
	return sub.Cursor, nil
}

// Expiry returns the current lease expiry, zero when no lease is held.
func (m *LeaseManager) Expiry() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lease.Expiry
}

// Stop cancels the push subscription.
func (m *LeaseManager) Stop(ctx context.Context) error {
	m.mu.Lock()
	active := m.active
	m.active = false
	m.lease = Subscription{}
	m.mu.Unlock()

	if !active {
		return nil
	}
	if err := m.Provider.Unsubscribe(ctx); err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	return nil
}

func (m *LeaseManager) renew(ctx context.Context) (*Subscription, error) {
	sub, err := m.subscribe(ctx)
	if err != nil {
		return nil, err
	}
	// Only fills the cursor if startup never managed to.
	m.Cursor.Establish(sub.Cursor)
	return sub, nil
}

func (m *LeaseManager) subscribe(ctx context.Context) (*Subscription, error) {
	sub, err := m.Provider.Subscribe(ctx, m.Request)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.lease = *sub
	m.active = true
	m.mu.Unlock()
	return sub, nil
}

func (m *LeaseManager) untilRenewal(now time.Time) time.Duration {
	m.mu.Lock()
	expiry := m.lease.Expiry
	m.mu.Unlock()

	if expiry.IsZero() {
		return m.retryDelay()
	}
	d := expiry.Add(-m.RenewMargin).Sub(now)
	if d < minRenewDelay {
		return minRenewDelay
	}
	return d
}

func (m *LeaseManager) retryDelay() time.Duration {
	if m.RetryInterval < minRenewDelay {
		return minRenewDelay
	}
	return m.RetryInterval
}
