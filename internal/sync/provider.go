package sync

import (
	"context"
	"errors"
	"time"

	"github.com/Martian-dev/mailsync/internal/mime"
)

// ProviderName represents email provider types
type ProviderName string

const (
	ProviderGoogle    ProviderName = "GOOGLE"
	ProviderMicrosoft ProviderName = "MICROSOFT"
)

var (
	// ErrNotFound is returned by GetMessage when the message was deleted
	// between the change notification and the fetch.
	ErrNotFound = errors.New("message not found")

	// ErrCursorExpired is returned by ListChanges when the provider no
	// longer serves changes since the given cursor.
	ErrCursorExpired = errors.New("cursor expired")

	// ErrAlreadyPresent is returned by the materializer when the message is
	// already stored.
	ErrAlreadyPresent = errors.New("message already present")

	// ErrUnauthorized marks a provider call refused for the configured
	// credentials (HTTP 401 or 403).
	ErrUnauthorized = errors.New("provider rejected credentials")
)

// SubscribeRequest selects what the push subscription watches.
type SubscribeRequest struct {
	// Topic is where the provider delivers notifications: a Pub/Sub topic
	// for Gmail, a notification URL for Graph.
	Topic string
	// Filter narrows the watched messages, e.g. label ids or a folder.
	Filter []string
}

// Subscription is the result of establishing or renewing a watch lease.
type Subscription struct {
	Cursor string
	Expiry time.Time
}

// Change is one "message added" record from the provider's change stream.
type Change struct {
	MessageID string
}

// ChangeBatch is every change since a cursor plus the cursor marking the end
// of that window.
type ChangeBatch struct {
	Changes   []Change
	NewCursor string
}

// FullMessage is a complete message as fetched from the provider.
type FullMessage struct {
	ID           string
	ThreadID     string
	Labels       []string
	InternalDate time.Time
	Headers      mime.Headers
	Payload      mime.Part
}

// Provider is the remote mailbox the engine keeps in sync with.
type Provider interface {
	Name() ProviderName
	Subscribe(ctx context.Context, req SubscribeRequest) (*Subscription, error)
	Unsubscribe(ctx context.Context) error
	ListChanges(ctx context.Context, cursor string) (*ChangeBatch, error)
	GetMessage(ctx context.Context, id string) (*FullMessage, error)
}

// Triggerer is implemented by the coordinator and called by trigger sources.
type Triggerer interface {
	Trigger()
}
