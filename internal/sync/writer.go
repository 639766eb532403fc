package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Martian-dev/mailsync/internal/store"
)

// WriteResult describes what a write did.
type WriteResult struct {
	Inserted       bool
	ShadowCreated  bool
	AlreadyPresent bool
}

// Writer persists candidates exactly once per message id and keeps one
// shadow row per first-seen recipient address. It only ever inserts.
type Writer struct {
	Store store.Messages
}

func (w *Writer) Write(ctx context.Context, c *Candidate) (WriteResult, error) {
	var res WriteResult

	seen := true
	if c.Recipient != "" {
		var err error
		seen, err = w.Store.FindByRecipient(ctx, c.Recipient)
		if err != nil {
			return res, err
		}
	}

	rec := c.Email

	// The shadow goes first: if the real insert then fails, the next pass
	// finds the recipient already known and inserts only the real row.
	if !seen {
		err := w.Store.InsertShadow(ctx, newShadow(&rec))
		switch {
		case err == nil:
			res.ShadowCreated = true
		case errors.Is(err, store.ErrDuplicate):
		default:
			return res, fmt.Errorf("insert shadow for %s: %w", c.Recipient, err)
		}
	}

	if err := w.Store.InsertMessage(ctx, &rec); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			res.AlreadyPresent = true
			return res, nil
		}
		return res, fmt.Errorf("insert message %s: %w", rec.MessageID, err)
	}
	res.Inserted = true

	return res, nil
}

func newShadow(real *store.Email) *store.Email {
	return &store.Email{
		ID:        uuid.NewString(),
		MessageID: uuid.NewString(),
		Folder:    real.Folder,
		To:        real.To,
		Date:      time.Now(),
		IsRead:    true,
		Labels:    []string{},
		OwnerID:   real.OwnerID,
		IsShadow:  true,
	}
}
