package sync

import (
	"context"
	"fmt"
)

// Fetcher retrieves the ordered message-added changes since a cursor.
type Fetcher struct {
	Provider Provider
}

// Fetch returns nil when cursor is unset: no window can be queried until the
// lease manager has established one. Repeated ids within a window keep their
// first position.
func (f *Fetcher) Fetch(ctx context.Context, cursor string) (*ChangeBatch, error) {
	if cursor == "" {
		return nil, nil
	}

	batch, err := f.Provider.ListChanges(ctx, cursor)
	if err != nil {
		return nil, fmt.Errorf("list changes since %s: %w", cursor, err)
	}

	seen := make(map[string]bool, len(batch.Changes))
	changes := make([]Change, 0, len(batch.Changes))
	for _, ch := range batch.Changes {
		if ch.MessageID == "" || seen[ch.MessageID] {
			continue
		}
		seen[ch.MessageID] = true
		changes = append(changes, ch)
	}

	return &ChangeBatch{Changes: changes, NewCursor: batch.NewCursor}, nil
}
