// Package memory is an in-process storage backend for tests and dry runs.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Martian-dev/mailsync/internal/store"
)

// Store keeps rows in insertion order.
type Store struct {
	mu            sync.Mutex
	subjectPrefix string
	emails        []store.Email
	byMessageID   map[string]int
	outbox        []outboxEntry
	checkpoints   map[string]Checkpoint
	nextOutboxID  int64

	// Fail, when set, is consulted before every operation; a non-nil
	// result is returned instead of performing it.
	Fail func(op string) error
}

// Checkpoint mirrors a provider_sync_state row.
type Checkpoint struct {
	Folder     string
	Cursor     string
	Status     string
	LastError  string
	RetryCount int
}

type outboxEntry struct {
	msg         store.OutboxMessage
	nextAttempt time.Time
	published   bool
	retries     int
}

var _ store.Store = (*Store)(nil)

func New(subjectPrefix string) *Store {
	return &Store{
		subjectPrefix: subjectPrefix,
		byMessageID:   make(map[string]int),
		checkpoints:   make(map[string]Checkpoint),
	}
}

func (s *Store) fail(op string) error {
	if s.Fail == nil {
		return nil
	}
	return s.Fail(op)
}

func (s *Store) FindByMessageID(ctx context.Context, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("FindByMessageID"); err != nil {
		return false, err
	}
	_, ok := s.byMessageID[messageID]
	return ok, nil
}

func (s *Store) FindByRecipient(ctx context.Context, address string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("FindByRecipient"); err != nil {
		return false, err
	}
	return s.knownRecipient(address), nil
}

func (s *Store) InsertMessage(ctx context.Context, rec *store.Email) error {
	return s.insert("InsertMessage", rec)
}

func (s *Store) InsertShadow(ctx context.Context, rec *store.Email) error {
	if !rec.IsShadow {
		return errors.New("insert shadow: record is not a shadow")
	}
	return s.insert("InsertShadow", rec)
}

func (s *Store) knownRecipient(address string) bool {
	for _, e := range s.emails {
		if e.To == address {
			return true
		}
	}
	return false
}

func (s *Store) insert(op string, rec *store.Email) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(op); err != nil {
		return err
	}
	if _, ok := s.byMessageID[rec.MessageID]; ok {
		return store.ErrDuplicate
	}
	if rec.IsShadow && s.knownRecipient(rec.To) {
		return store.ErrDuplicate
	}

	event, err := store.NewEvent(s.subjectPrefix, rec)
	if err != nil {
		return err
	}

	row := *rec
	row.Labels = append([]string(nil), rec.Labels...)
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	s.byMessageID[rec.MessageID] = len(s.emails)
	s.emails = append(s.emails, row)

	s.nextOutboxID++
	s.outbox = append(s.outbox, outboxEntry{
		msg: store.OutboxMessage{
			ID:      s.nextOutboxID,
			Subject: event.Subject,
			Payload: event.Payload,
			MsgID:   event.MsgID,
		},
		nextAttempt: time.Now(),
	})
	return nil
}

// Emails returns a copy of all stored rows in insertion order.
func (s *Store) Emails() []store.Email {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.Email(nil), s.emails...)
}

// Checkpoint returns the stored checkpoint for provider.
func (s *Store) Checkpoint(provider string) (Checkpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[provider]
	return cp, ok
}

func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]store.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("DequeueOutbox"); err != nil {
		return nil, err
	}

	now := time.Now()
	var out []store.OutboxMessage
	for _, e := range s.outbox {
		if len(out) >= limit {
			break
		}
		if e.published || e.nextAttempt.After(now) {
			continue
		}
		out = append(out, e.msg)
	}
	return out, nil
}

func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].msg.ID == id {
			s.outbox[i].published = true
		}
	}
	return nil
}

func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].msg.ID == id {
			s.outbox[i].retries++
			s.outbox[i].nextAttempt = time.Now().Add(backoff)
		}
	}
	return nil
}

// Pending returns the number of unpublished outbox entries.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.outbox {
		if !e.published {
			n++
		}
	}
	return n
}

func (s *Store) LoadCheckpoint(ctx context.Context, provider string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("LoadCheckpoint"); err != nil {
		return "", err
	}
	return s.checkpoints[provider].Cursor, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, provider, folder, cursor, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("SaveCheckpoint"); err != nil {
		return err
	}
	cp := s.checkpoints[provider]
	cp.Folder, cp.Cursor, cp.Status, cp.LastError = folder, cursor, status, ""
	s.checkpoints[provider] = cp
	return nil
}

func (s *Store) UpdateSyncStatus(ctx context.Context, provider, status, errorMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := s.checkpoints[provider]
	cp.Status, cp.LastError = status, errorMsg
	if errorMsg != "" {
		cp.RetryCount++
	}
	s.checkpoints[provider] = cp
	return nil
}

func (s *Store) Close() error { return nil }
