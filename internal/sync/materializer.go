package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Martian-dev/mailsync/internal/mime"
	"github.com/Martian-dev/mailsync/internal/store"
)

// Provider labels that drive the read and starred flags.
const (
	LabelUnread  = "UNREAD"
	LabelStarred = "STARRED"
)

// Candidate is a normalized message that has not been persisted yet.
type Candidate struct {
	Email store.Email
	// Recipient is the normalized To address used for shadow bookkeeping.
	Recipient string
}

// Materializer turns a message id into a Candidate.
type Materializer struct {
	Provider Provider
	Store    store.Messages
	OwnerID  string
	Folder   string
}

// Materialize returns ErrAlreadyPresent when the message is already stored
// and ErrNotFound when the provider no longer has it.
func (m *Materializer) Materialize(ctx context.Context, id string) (*Candidate, error) {
	exists, err := m.Store.FindByMessageID(ctx, id)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrAlreadyPresent
	}

	msg, err := m.Provider.GetMessage(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}

	c := Normalize(msg, m.OwnerID, m.Folder)
	return &c, nil
}

// Normalize extracts bodies, headers and flags from msg.
func Normalize(msg *FullMessage, ownerID, folder string) Candidate {
	fallback := msg.InternalDate
	if fallback.IsZero() {
		fallback = time.Now()
	}

	var body string
	if leaf, ok := mime.FirstLeaf(msg.Payload, "text/plain"); ok {
		body = leaf.Text()
	}

	var html *string
	if leaf, ok := mime.FirstLeaf(msg.Payload, "text/html"); ok {
		s := leaf.Text()
		html = &s
	}

	fromName, fromEmail := msg.Headers.Address("From")
	_, to := msg.Headers.Address("To")

	var subject *string
	if msg.Headers.Get("Subject") != "" {
		s := msg.Headers.Subject()
		subject = &s
	}

	labels := append([]string{}, msg.Labels...)

	return Candidate{
		Email: store.Email{
			ID:            uuid.NewString(),
			MessageID:     msg.ID,
			Folder:        folder,
			Subject:       subject,
			FromName:      optional(fromName),
			FromEmail:     optional(fromEmail),
			To:            to,
			Date:          msg.Headers.Date(fallback),
			Body:          &body,
			HTMLBody:      html,
			IsRead:        !hasLabel(labels, LabelUnread),
			IsStarred:     hasLabel(labels, LabelStarred),
			Labels:        labels,
			HasAttachment: mime.HasAttachment(msg.Payload),
			OwnerID:       ownerID,
		},
		Recipient: to,
	}
}

func hasLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
