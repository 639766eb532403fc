package sync

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/store"
)

// Storage is what a sync pass reads and writes.
type Storage interface {
	store.Messages
	store.Checkpoints
}

// PassResult summarizes one sync pass.
type PassResult struct {
	Cursor    string `json:"cursor"`
	NewCursor string `json:"new_cursor,omitempty"`
	Changes   int    `json:"changes"`
	Inserted  int    `json:"inserted"`
	Shadows   int    `json:"shadows"`
	Present   int    `json:"already_present"`
	Skipped   int    `json:"skipped"`
}

// Runner executes sync passes: fetch the window since the cursor, materialize
// and write every change in provider order, then commit the new cursor.
type Runner struct {
	Cursor       *Cursor
	Provider     Provider
	Store        Storage
	Folder       string
	fetcher      *Fetcher
	materializer *Materializer
	writer       *Writer
}

// NewRunner creates a runner that ingests into folder on behalf of ownerID.
func NewRunner(provider Provider, st Storage, cursor *Cursor, ownerID, folder string) *Runner {
	return &Runner{
		Cursor:   cursor,
		Provider: provider,
		Store:    st,
		Folder:   folder,
		fetcher:  &Fetcher{Provider: provider},
		materializer: &Materializer{
			Provider: provider,
			Store:    st,
			OwnerID:  ownerID,
			Folder:   folder,
		},
		writer: &Writer{Store: st},
	}
}

// RunPass runs one pass. Any error leaves the cursor where it was so the
// next pass re-requests the same window; deleted and already stored
// messages are skipped without failing the pass.
func (r *Runner) RunPass(ctx context.Context) (PassResult, error) {
	cursor := r.Cursor.Get()
	res := PassResult{Cursor: cursor}

	batch, err := r.fetcher.Fetch(ctx, cursor)
	if err != nil {
		return res, err
	}
	if batch == nil {
		log.WithField("provider", r.Provider.Name()).Debug("no cursor established yet, skipping pass")
		return res, nil
	}
	res.Changes = len(batch.Changes)

	entry := log.WithFields(log.Fields{
		"provider": r.Provider.Name(),
		"cursor":   cursor,
	})

	for _, ch := range batch.Changes {
		c, err := r.materializer.Materialize(ctx, ch.MessageID)
		switch {
		case errors.Is(err, ErrAlreadyPresent):
			res.Present++
			entry.WithField("message_id", ch.MessageID).Debug("already stored")
			continue
		case errors.Is(err, ErrNotFound):
			res.Skipped++
			entry.WithField("message_id", ch.MessageID).Debug("message deleted before fetch, skipping")
			continue
		case err != nil:
			return res, err
		}

		wr, err := r.writer.Write(ctx, c)
		if err != nil {
			return res, err
		}
		switch {
		case wr.AlreadyPresent:
			res.Present++
		case wr.Inserted:
			res.Inserted++
		}
		if wr.ShadowCreated {
			res.Shadows++
		}
		entry.WithFields(log.Fields{
			"message_id": ch.MessageID,
			"inserted":   wr.Inserted,
			"shadow":     wr.ShadowCreated,
		}).Debug("message written")
	}

	next := batch.NewCursor
	if next == "" {
		next = cursor
	}
	r.Cursor.Commit(next)
	res.NewCursor = next

	// On a failed save a restart replays this window.
	if err := r.Store.SaveCheckpoint(ctx, string(r.Provider.Name()), r.Folder, next, store.StatusHooked); err != nil {
		entry.WithError(err).Warn("failed to persist cursor")
	}

	return res, nil
}
