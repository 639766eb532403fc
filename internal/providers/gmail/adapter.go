package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mailsync/internal/mime"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// Adapter implements sync.Provider for Gmail
type Adapter struct {
	svc  *gmail.Service
	user string
	cb   *gobreaker.CircuitBreaker
}

var _ sync.Provider = (*Adapter)(nil)

// New creates a new Gmail adapter for user ("me" for the token's owner).
// Extra options are appended after the token source, so tests can point the
// client at a fake endpoint.
func New(ctx context.Context, ts oauth2.TokenSource, user string, opts ...option.ClientOption) (*Adapter, error) {
	var clientOpts []option.ClientOption
	if ts != nil {
		clientOpts = append(clientOpts, option.WithTokenSource(ts))
	}
	clientOpts = append(clientOpts, opts...)

	svc, err := gmail.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	if user == "" {
		user = "me"
	}

	return &Adapter{
		svc:  svc,
		user: user,
		cb:   gobreaker.NewCircuitBreaker(breakerSettings("gmail-api")),
	}, nil
}

func breakerSettings(name string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		// Client errors say nothing about the health of the API.
		IsSuccessful: func(err error) bool {
			switch apiCode(err) {
			case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
				return true
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(log.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		},
	}
}

func (a *Adapter) Name() sync.ProviderName { return sync.ProviderGoogle }

// call runs fn through the circuit breaker.
func (a *Adapter) call(fn func() error) error {
	_, err := a.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// Subscribe starts (or renews) a watch on the mailbox. Gmail leases last
// seven days and return the mailbox's current history id.
func (a *Adapter) Subscribe(ctx context.Context, req sync.SubscribeRequest) (*sync.Subscription, error) {
	watch := &gmail.WatchRequest{
		TopicName:           req.Topic,
		LabelIds:            req.Filter,
		LabelFilterBehavior: "include",
	}

	var resp *gmail.WatchResponse
	err := a.call(func() error {
		var err error
		resp, err = a.svc.Users.Watch(a.user, watch).Context(ctx).Do()
		return err
	})
	if err != nil {
		if code := apiCode(err); code == http.StatusUnauthorized || code == http.StatusForbidden {
			return nil, fmt.Errorf("gmail watch: %w: %w", sync.ErrUnauthorized, err)
		}
		return nil, fmt.Errorf("gmail watch: %w", err)
	}

	return &sync.Subscription{
		Cursor: strconv.FormatUint(resp.HistoryId, 10),
		Expiry: time.UnixMilli(resp.Expiration),
	}, nil
}

// Unsubscribe stops push notifications for the mailbox.
func (a *Adapter) Unsubscribe(ctx context.Context) error {
	err := a.call(func() error {
		return a.svc.Users.Stop(a.user).Context(ctx).Do()
	})
	if err != nil {
		return fmt.Errorf("gmail stop: %w", err)
	}
	return nil
}

// ListChanges returns messages added since cursor, oldest first. The new
// cursor is the mailbox history id reported with the last page.
func (a *Adapter) ListChanges(ctx context.Context, cursor string) (*sync.ChangeBatch, error) {
	startHistoryID, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid history ID in cursor: %w", err)
	}

	batch := &sync.ChangeBatch{}
	latestHistoryID := startHistoryID

	err = a.call(func() error {
		batch.Changes = batch.Changes[:0]
		call := a.svc.Users.History.List(a.user).
			StartHistoryId(startHistoryID).
			HistoryTypes("messageAdded").
			MaxResults(500)

		return call.Pages(ctx, func(page *gmail.ListHistoryResponse) error {
			for _, history := range page.History {
				if history.Id > latestHistoryID {
					latestHistoryID = history.Id
				}
				for _, record := range history.MessagesAdded {
					if record.Message == nil || record.Message.Id == "" {
						continue
					}
					batch.Changes = append(batch.Changes, sync.Change{MessageID: record.Message.Id})
				}
			}
			if page.HistoryId > latestHistoryID {
				latestHistoryID = page.HistoryId
			}
			return nil
		})
	})
	if err != nil {
		if apiCode(err) == http.StatusNotFound {
			return nil, fmt.Errorf("history %s: %w", cursor, sync.ErrCursorExpired)
		}
		return nil, fmt.Errorf("failed to sync history: %w", err)
	}

	batch.NewCursor = strconv.FormatUint(latestHistoryID, 10)
	return batch, nil
}

// GetMessage fetches a full message including its MIME tree.
func (a *Adapter) GetMessage(ctx context.Context, id string) (*sync.FullMessage, error) {
	var m *gmail.Message
	err := a.call(func() error {
		var err error
		m, err = a.svc.Users.Messages.Get(a.user, id).Format("full").Context(ctx).Do()
		return err
	})
	if err != nil {
		if apiCode(err) == http.StatusNotFound {
			return nil, sync.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}

	return convert(m), nil
}

// convert maps a Gmail message onto the provider-neutral shape.
func convert(m *gmail.Message) *sync.FullMessage {
	msg := &sync.FullMessage{
		ID:           m.Id,
		ThreadID:     m.ThreadId,
		Labels:       m.LabelIds,
		InternalDate: time.UnixMilli(m.InternalDate),
	}
	if m.Payload != nil {
		msg.Headers = convertHeaders(m.Payload.Headers)
		msg.Payload = convertPart(m.Payload)
	}
	return msg
}

func convertHeaders(in []*gmail.MessagePartHeader) mime.Headers {
	out := make(mime.Headers, 0, len(in))
	for _, kv := range in {
		out = append(out, mime.Header{Name: kv.Name, Value: kv.Value})
	}
	return out
}

func convertPart(p *gmail.MessagePart) mime.Part {
	if len(p.Parts) > 0 || strings.HasPrefix(strings.ToLower(p.MimeType), "multipart/") {
		branch := &mime.Branch{MimeType: p.MimeType, Filename: p.Filename}
		for _, child := range p.Parts {
			if child != nil {
				branch.Parts = append(branch.Parts, convertPart(child))
			}
		}
		return branch
	}

	leaf := &mime.Leaf{MimeType: p.MimeType, Filename: p.Filename}
	if ct := convertHeaders(p.Headers).Get("Content-Type"); ct != "" {
		_, leaf.Charset = mime.ContentType(ct)
	}
	if p.Body != nil && p.Body.Data != "" {
		leaf.Data = decodeBody(p.Body.Data)
	}
	return leaf
}

// decodeBody decodes Gmail's base64url body data, which may or may not be
// padded.
func decodeBody(s string) []byte {
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b
	}
	if b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "=")); err == nil {
		return b
	}
	return nil
}

func apiCode(err error) int {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}
