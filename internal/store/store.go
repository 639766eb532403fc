// Package store defines the storage contract the sync engine writes through,
// along with the record and outbox types shared by its backends.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// ErrDuplicate is returned when an insert hits the message id uniqueness
// constraint.
var ErrDuplicate = errors.New("message already stored")

// Email is one stored row: either an ingested message or a shadow placeholder
// for a newly seen recipient address.
type Email struct {
	ID            string
	MessageID     string
	Folder        string
	Subject       *string
	FromName      *string
	FromEmail     *string
	To            string
	Date          time.Time
	Body          *string
	HTMLBody      *string
	IsRead        bool
	IsStarred     bool
	Labels        []string
	HasAttachment bool
	OwnerID       string
	IsShadow      bool
	CreatedAt     time.Time
}

// OutboxMessage is an event waiting to be relayed to the message bus.
type OutboxMessage struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
}

// Event types written to the outbox alongside inserts.
const (
	EventEmailReceived     = "email.received"
	EventMailboxDiscovered = "mailbox.discovered"
)

// Messages is the part of the store the writer and materializer use.
// InsertShadow returns ErrDuplicate when a row addressed to the shadow's
// recipient already exists, so at most one shadow is ever created per
// address.
type Messages interface {
	FindByMessageID(ctx context.Context, messageID string) (bool, error)
	FindByRecipient(ctx context.Context, address string) (bool, error)
	InsertMessage(ctx context.Context, rec *Email) error
	InsertShadow(ctx context.Context, rec *Email) error
}

// Checkpoints persists the sync cursor and status per provider.
type Checkpoints interface {
	LoadCheckpoint(ctx context.Context, provider string) (string, error)
	SaveCheckpoint(ctx context.Context, provider, folder, cursor, status string) error
	UpdateSyncStatus(ctx context.Context, provider, status, errorMsg string) error
}

// Outbox is the queue of events pending publication.
type Outbox interface {
	DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
}

// Store is a complete backend.
type Store interface {
	Messages
	Checkpoints
	Outbox
	Close() error
}

// Sync status values recorded with checkpoints.
const (
	StatusSyncing = "SYNCING"
	StatusHooked  = "HOOKED"
	StatusError   = "ERROR"
)

// Event is the outbox representation of an insert.
type Event struct {
	Subject string
	Type    string
	Payload []byte
	MsgID   string
}

// NewEvent builds the outbox event for rec. Subjects follow
// "<prefix>.<owner>.<type>"; the message id is used for bus-side dedup.
func NewEvent(prefix string, rec *Email) (Event, error) {
	eventType := EventEmailReceived
	if rec.IsShadow {
		eventType = EventMailboxDiscovered
	}

	body := map[string]interface{}{
		"event_id":       uuid.NewString(),
		"ts":             time.Now().Unix(),
		"type":           eventType,
		"owner_id":       rec.OwnerID,
		"message_id":     rec.MessageID,
		"folder":         rec.Folder,
		"to":             rec.To,
		"msg_date":       rec.Date.Unix(),
		"has_attachment": rec.HasAttachment,
		"labels":         rec.Labels,
	}
	if rec.Subject != nil {
		body["subject"] = *rec.Subject
	}
	if rec.FromEmail != nil {
		body["from"] = *rec.FromEmail
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return Event{}, fmt.Errorf("encode event: %w", err)
	}

	return Event{
		Subject: fmt.Sprintf("%s.%s.%s", prefix, subjectToken(rec.OwnerID), eventType),
		Type:    eventType,
		Payload: payload,
		MsgID:   fmt.Sprintf("%s|%s", eventType, rec.MessageID),
	}, nil
}

// EncodeLabels serializes a label set for storage.
func EncodeLabels(labels []string) string {
	if labels == nil {
		labels = []string{}
	}
	b, _ := json.Marshal(labels)
	return string(b)
}

// DecodeLabels parses a stored label set.
func DecodeLabels(s string) []string {
	var labels []string
	if s == "" {
		return labels
	}
	_ = json.Unmarshal([]byte(s), &labels)
	return labels
}

// subjectToken strips characters NATS treats as subject separators or
// wildcards.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	b := []byte(s)
	for i, c := range b {
		switch c {
		case '.', '*', '>', ' ':
			b[i] = '_'
		}
	}
	return string(b)
}
