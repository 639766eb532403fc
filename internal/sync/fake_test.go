package sync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Martian-dev/mailsync/internal/mime"
)

var errTransient = errors.New("rate limited")

// fakeProvider serves canned change batches and messages.
type fakeProvider struct {
	mu       sync.Mutex
	batches  map[string]*ChangeBatch
	listErr  error
	messages map[string]*FullMessage
	getErr   map[string]error
	fetched  []string
	lists    []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		batches:  make(map[string]*ChangeBatch),
		messages: make(map[string]*FullMessage),
		getErr:   make(map[string]error),
	}
}

func (p *fakeProvider) Name() ProviderName { return ProviderGoogle }

func (p *fakeProvider) Subscribe(ctx context.Context, req SubscribeRequest) (*Subscription, error) {
	return &Subscription{Cursor: "H1", Expiry: time.Now().Add(time.Hour)}, nil
}

func (p *fakeProvider) Unsubscribe(ctx context.Context) error { return nil }

func (p *fakeProvider) ListChanges(ctx context.Context, cursor string) (*ChangeBatch, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lists = append(p.lists, cursor)
	if p.listErr != nil {
		return nil, p.listErr
	}
	if b, ok := p.batches[cursor]; ok {
		return b, nil
	}
	return &ChangeBatch{NewCursor: cursor}, nil
}

func (p *fakeProvider) GetMessage(ctx context.Context, id string) (*FullMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetched = append(p.fetched, id)
	if err, ok := p.getErr[id]; ok {
		return nil, err
	}
	msg, ok := p.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return msg, nil
}

func (p *fakeProvider) addBatch(cursor, next string, ids ...string) {
	changes := make([]Change, 0, len(ids))
	for _, id := range ids {
		changes = append(changes, Change{MessageID: id})
	}
	p.mu.Lock()
	p.batches[cursor] = &ChangeBatch{Changes: changes, NewCursor: next}
	p.mu.Unlock()
}

func (p *fakeProvider) addMessage(msg *FullMessage) {
	p.mu.Lock()
	p.messages[msg.ID] = msg
	p.mu.Unlock()
}

func (p *fakeProvider) fetchedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.fetched...)
}

func textMessage(id, to string, labels ...string) *FullMessage {
	return &FullMessage{
		ID:           id,
		ThreadID:     "t-" + id,
		Labels:       labels,
		InternalDate: time.Unix(1700000000, 0),
		Headers: mime.Headers{
			{Name: "Subject", Value: "Message " + id},
			{Name: "From", Value: "Alice Example <alice@example.com>"},
			{Name: "To", Value: to},
			{Name: "Date", Value: "Tue, 14 Nov 2023 22:13:20 +0000"},
		},
		Payload: &mime.Branch{
			MimeType: "multipart/alternative",
			Parts: []mime.Part{
				&mime.Leaf{MimeType: "text/plain", Data: []byte("plain " + id)},
				&mime.Leaf{MimeType: "text/html", Data: []byte("<p>html " + id + "</p>")},
			},
		},
	}
}
