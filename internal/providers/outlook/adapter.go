package outlook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	gosync "sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	abstractions "github.com/microsoft/kiota-abstractions-go"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailsync/internal/mime"
	"github.com/Martian-dev/mailsync/internal/sync"
)

const graphScope = "https://graph.microsoft.com/.default"

// Config selects the mailbox and subscription parameters.
type Config struct {
	UserID string
	Folder string
	// ClientState is echoed in every notification so the receiver can
	// reject forged ones.
	ClientState string
	// LeaseDuration is the requested subscription lifetime. Graph caps mail
	// subscriptions just under three days.
	LeaseDuration time.Duration
}

// Adapter implements sync.Provider for Outlook/Microsoft Graph. Its cursor
// is the delta link of the watched folder.
type Adapter struct {
	client *msgraphsdk.GraphServiceClient
	cfg    Config

	mu             gosync.Mutex
	subscriptionID string
	deltaLink      string
}

var _ sync.Provider = (*Adapter)(nil)

// New creates a new Outlook adapter authenticated by ts.
func New(ts oauth2.TokenSource, cfg Config) (*Adapter, error) {
	cred := &tokenSourceCredential{ts: ts}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{graphScope})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}
	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing Graph client.
func NewWithClient(client *msgraphsdk.GraphServiceClient, cfg Config) *Adapter {
	if cfg.Folder == "" {
		cfg.Folder = "inbox"
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 70 * time.Hour
	}
	return &Adapter{client: client, cfg: cfg}
}

func (a *Adapter) Name() sync.ProviderName { return sync.ProviderMicrosoft }

func (a *Adapter) messages() *users.ItemMailFoldersItemMessagesRequestBuilder {
	return a.client.Users().ByUserId(a.cfg.UserID).MailFolders().ByMailFolderId(a.cfg.Folder).Messages()
}

// Subscribe creates the change subscription on first use and extends it
// afterwards. The returned cursor is the folder's current delta link;
// establishing one for the first time walks the folder once.
func (a *Adapter) Subscribe(ctx context.Context, req sync.SubscribeRequest) (*sync.Subscription, error) {
	expiry := time.Now().Add(a.cfg.LeaseDuration).UTC()

	a.mu.Lock()
	subID := a.subscriptionID
	a.mu.Unlock()

	var (
		result models.Subscriptionable
		err    error
	)
	if subID != "" {
		body := models.NewSubscription()
		body.SetExpirationDateTime(&expiry)
		result, err = a.client.Subscriptions().BySubscriptionId(subID).Patch(ctx, body, nil)
		if statusCode(err) == http.StatusNotFound {
			// The subscription lapsed; create a new one.
			subID = ""
		}
	}
	if subID == "" {
		body := models.NewSubscription()
		changeType := "created"
		resource := fmt.Sprintf("users/%s/mailFolders('%s')/messages", a.cfg.UserID, a.cfg.Folder)
		body.SetChangeType(&changeType)
		body.SetNotificationUrl(&req.Topic)
		body.SetResource(&resource)
		body.SetExpirationDateTime(&expiry)
		if a.cfg.ClientState != "" {
			body.SetClientState(&a.cfg.ClientState)
		}
		result, err = a.client.Subscriptions().Post(ctx, body, nil)
	}
	if err != nil {
		if code := statusCode(err); code == http.StatusUnauthorized || code == http.StatusForbidden {
			return nil, fmt.Errorf("graph subscription: %w: %w", sync.ErrUnauthorized, err)
		}
		return nil, fmt.Errorf("graph subscription: %w", err)
	}

	a.mu.Lock()
	if id := result.GetId(); id != nil {
		a.subscriptionID = *id
	}
	cursor := a.deltaLink
	a.mu.Unlock()

	if cursor == "" {
		cursor, err = a.baseline(ctx)
		if err != nil {
			return nil, err
		}
	}

	if exp := result.GetExpirationDateTime(); exp != nil {
		expiry = *exp
	}
	return &sync.Subscription{Cursor: cursor, Expiry: expiry}, nil
}

// baseline pages through the folder's delta without collecting anything
// and returns the final delta link. The query asks for created messages
// only; Graph keeps that filter in every next and delta link it returns,
// so later passes never see read, flag or move updates.
func (a *Adapter) baseline(ctx context.Context) (string, error) {
	start, err := a.createdOnlyDeltaURL(ctx)
	if err != nil {
		return "", fmt.Errorf("delta baseline: %w", err)
	}
	resp, err := a.messages().Delta().WithUrl(start).GetAsDeltaGetResponse(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("delta baseline: %w", err)
	}

	for {
		if link := resp.GetOdataDeltaLink(); link != nil && *link != "" {
			a.rememberDelta(*link)
			return *link, nil
		}
		next := resp.GetOdataNextLink()
		if next == nil || *next == "" {
			return "", errors.New("delta baseline: response carried neither next nor delta link")
		}
		resp, err = a.messages().Delta().WithUrl(*next).GetAsDeltaGetResponse(ctx, nil)
		if err != nil {
			return "", fmt.Errorf("delta baseline: %w", err)
		}
	}
}

// createdOnlyDeltaURL builds the initial delta URL with the changeType
// custom query option, which the typed query parameters do not expose.
func (a *Adapter) createdOnlyDeltaURL(ctx context.Context) (string, error) {
	config := &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetQueryParameters{
			Select: []string{"id"},
		},
	}
	info, err := a.messages().Delta().ToGetRequestInformation(ctx, config)
	if err != nil {
		return "", err
	}
	u, err := info.GetUri()
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("changeType", "created")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (a *Adapter) rememberDelta(link string) {
	a.mu.Lock()
	a.deltaLink = link
	a.mu.Unlock()
}

// Unsubscribe deletes the Graph subscription, if one was created.
func (a *Adapter) Unsubscribe(ctx context.Context) error {
	a.mu.Lock()
	subID := a.subscriptionID
	a.subscriptionID = ""
	a.mu.Unlock()

	if subID == "" {
		return nil
	}
	err := a.client.Subscriptions().BySubscriptionId(subID).Delete(ctx, nil)
	if err != nil && statusCode(err) != http.StatusNotFound {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

// ListChanges follows the delta link in cursor and returns the ids of
// messages that appeared since, skipping removals.
func (a *Adapter) ListChanges(ctx context.Context, cursor string) (*sync.ChangeBatch, error) {
	batch := &sync.ChangeBatch{}
	link := cursor

	for {
		resp, err := a.messages().Delta().WithUrl(link).GetAsDeltaGetResponse(ctx, nil)
		if err != nil {
			if code := statusCode(err); code == http.StatusGone || code == http.StatusNotFound {
				a.rememberDelta("")
				return nil, fmt.Errorf("delta link: %w", sync.ErrCursorExpired)
			}
			return nil, fmt.Errorf("failed to sync messages: %w", err)
		}

		for _, msg := range resp.GetValue() {
			if msg == nil || msg.GetId() == nil {
				continue
			}
			if _, removed := msg.GetAdditionalData()["@removed"]; removed {
				continue
			}
			batch.Changes = append(batch.Changes, sync.Change{MessageID: *msg.GetId()})
		}

		if next := resp.GetOdataNextLink(); next != nil && *next != "" {
			link = *next
			continue
		}
		if delta := resp.GetOdataDeltaLink(); delta != nil && *delta != "" {
			batch.NewCursor = *delta
		} else {
			batch.NewCursor = cursor
		}
		break
	}

	a.rememberDelta(batch.NewCursor)
	return batch, nil
}

var messageFields = []string{
	"id", "conversationId", "categories", "isRead", "flag", "receivedDateTime",
}

// GetMessage fetches the message's flags and its raw MIME content.
func (a *Adapter) GetMessage(ctx context.Context, id string) (*sync.FullMessage, error) {
	item := a.client.Users().ByUserId(a.cfg.UserID).Messages().ByMessageId(id)

	meta, err := item.Get(ctx, &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: messageFields,
		},
	})
	if err != nil {
		if statusCode(err) == http.StatusNotFound {
			return nil, sync.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}

	raw, err := item.Content().Get(ctx, nil)
	if err != nil {
		if statusCode(err) == http.StatusNotFound {
			return nil, sync.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get content of message %s: %w", id, err)
	}

	headers, payload, err := mime.Parse(bytes.NewReader(raw))
	if err != nil {
		log.WithError(err).WithField("message_id", id).Warn("unparseable MIME content, storing headers only")
	}

	msg := &sync.FullMessage{
		ID:      id,
		Labels:  labels(meta),
		Headers: headers,
		Payload: payload,
	}
	if conv := meta.GetConversationId(); conv != nil {
		msg.ThreadID = *conv
	}
	if rcvd := meta.GetReceivedDateTime(); rcvd != nil {
		msg.InternalDate = *rcvd
	}
	return msg, nil
}

// labels maps Graph flags onto Gmail-style labels: categories as-is, plus
// UNREAD and STARRED.
func labels(m models.Messageable) []string {
	out := append([]string{}, m.GetCategories()...)
	if read := m.GetIsRead(); read != nil && !*read {
		out = append(out, sync.LabelUnread)
	}
	if flag := m.GetFlag(); flag != nil {
		if status := flag.GetFlagStatus(); status != nil && *status == models.FLAGGED_FOLLOWUPFLAGSTATUS {
			out = append(out, sync.LabelStarred)
		}
	}
	return out
}

func statusCode(err error) int {
	if err == nil {
		return 0
	}
	var odataErr *odataerrors.ODataError
	if errors.As(err, &odataErr) {
		return odataErr.ResponseStatusCode
	}
	var apiErr *abstractions.ApiError
	if errors.As(err, &apiErr) {
		return apiErr.ResponseStatusCode
	}
	return 0
}

// tokenSourceCredential adapts an oauth2.TokenSource to azcore.TokenCredential
type tokenSourceCredential struct {
	ts oauth2.TokenSource
}

func (c *tokenSourceCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	tok, err := c.ts.Token()
	if err != nil {
		return azcore.AccessToken{}, fmt.Errorf("acquire graph token: %w", err)
	}
	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = time.Now().Add(time.Hour)
	}
	return azcore.AccessToken{Token: tok.AccessToken, ExpiresOn: expiry}, nil
}
