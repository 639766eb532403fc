package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/mime"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/store/memory"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// stubProvider serves one window H100..H105 containing A1.
type stubProvider struct {
	subscribeErr error

	mu           gosync.Mutex
	subscribes   int
	unsubscribes int
}

func (p *stubProvider) Name() sync.ProviderName { return sync.ProviderGoogle }

func (p *stubProvider) Subscribe(ctx context.Context, req sync.SubscribeRequest) (*sync.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribes++
	if p.subscribeErr != nil {
		return nil, p.subscribeErr
	}
	return &sync.Subscription{Cursor: "H100", Expiry: time.Now().Add(7 * 24 * time.Hour)}, nil
}

func (p *stubProvider) Unsubscribe(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unsubscribes++
	return nil
}

func (p *stubProvider) ListChanges(ctx context.Context, cursor string) (*sync.ChangeBatch, error) {
	if cursor == "H105" {
		return &sync.ChangeBatch{NewCursor: "H105"}, nil
	}
	return &sync.ChangeBatch{Changes: []sync.Change{{MessageID: "A1"}}, NewCursor: "H105"}, nil
}

func (p *stubProvider) GetMessage(ctx context.Context, id string) (*sync.FullMessage, error) {
	return &sync.FullMessage{
		ID:           id,
		Labels:       []string{"INBOX", "UNREAD"},
		InternalDate: time.Unix(1700000000, 0),
		Headers: mime.Headers{
			{Name: "Subject", Value: "hello"},
			{Name: "From", Value: "Alice <alice@example.com>"},
			{Name: "To", Value: "Foo@X.com"},
		},
		Payload: &mime.Leaf{MimeType: "text/plain", Data: []byte("hi")},
	}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Provider:     "gmail",
		OwnerID:      "owner-1",
		Folder:       "inbox",
		PollInterval: 10 * time.Millisecond,
		Lease:        config.LeaseConfig{RenewMargin: time.Hour, RetryInterval: time.Minute},
		Google:       config.GoogleConfig{Topic: "projects/p/topics/mail", LabelIDs: []string{"INBOX"}},
		Store:        config.StoreConfig{Driver: "memory"},
		HTTP:         config.HTTPConfig{Addr: "127.0.0.1:0"},
		NATS:         config.NATSConfig{SubjectPrefix: "mailsync"},
	}
}

func TestRunOnceEstablishesAndIngests(t *testing.T) {
	ctx := context.Background()
	st := memory.New("mailsync")
	a := assemble(ctx, testConfig(), st, &stubProvider{})

	var out bytes.Buffer
	require.NoError(t, runOnce(ctx, a, &out))

	var res sync.PassResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, sync.PassResult{Cursor: "H100", NewCursor: "H105", Changes: 1, Inserted: 1, Shadows: 1}, res)

	require.Len(t, st.Emails(), 2)
	cp, ok := st.Checkpoint(string(sync.ProviderGoogle))
	require.True(t, ok)
	assert.Equal(t, "H105", cp.Cursor)
	assert.Equal(t, store.StatusHooked, cp.Status)
}

func TestAssembleRestoresCursor(t *testing.T) {
	ctx := context.Background()
	st := memory.New("mailsync")
	require.NoError(t, st.SaveCheckpoint(ctx, string(sync.ProviderGoogle), "inbox", "H90", store.StatusHooked))

	provider := &stubProvider{subscribeErr: errors.New("watch quota")}
	a := assemble(ctx, testConfig(), st, provider)
	assert.Equal(t, "H90", a.cursor.Get())

	// The restored cursor lets the engine start without a lease.
	require.NoError(t, a.establish(ctx))

	var out bytes.Buffer
	require.NoError(t, runOnce(ctx, a, &out))
	assert.Equal(t, 1, provider.subscribes, "no subscribe when a cursor was restored")
	assert.Equal(t, "H105", a.cursor.Get())
}

func TestEstablishFailsOnRejectedCredentials(t *testing.T) {
	for name, subscribeErr := range map[string]error{
		"revoked refresh token": fmt.Errorf("gmail watch: %w", &url.Error{
			Op:  "Post",
			URL: "https://oauth2.googleapis.com/token",
			Err: &oauth2.RetrieveError{ErrorCode: "invalid_grant"},
		}),
		"provider 401": fmt.Errorf("gmail watch: %w: %w", sync.ErrUnauthorized, errors.New("googleapi: Error 401")),
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := memory.New("mailsync")
			require.NoError(t, st.SaveCheckpoint(ctx, string(sync.ProviderGoogle), "inbox", "H90", store.StatusHooked))

			a := assemble(ctx, testConfig(), st, &stubProvider{subscribeErr: subscribeErr})
			assert.Equal(t, "H90", a.cursor.Get())

			err := a.establish(ctx)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "credentials")
		})
	}
}

func TestEstablishFailsWithoutCursor(t *testing.T) {
	ctx := context.Background()
	a := assemble(ctx, testConfig(), memory.New("mailsync"), &stubProvider{subscribeErr: errors.New("no topic")})
	require.Error(t, a.establish(ctx))
}

func TestServeRunsUntilCancelled(t *testing.T) {
	st := memory.New("mailsync")
	provider := &stubProvider{}
	a := assemble(context.Background(), testConfig(), st, provider)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, a) }()

	require.Eventually(t, func() bool { return a.cursor.Get() == "H105" }, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, a.coord.Status().Passes, 1)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return")
	}

	provider.mu.Lock()
	defer provider.mu.Unlock()
	assert.Equal(t, 1, provider.unsubscribes)
	assert.Len(t, st.Emails(), 2)
}

func TestAuthorize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		assert.Equal(t, "the-code", r.PostForm.Get("code"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at","refresh_token":"1//rt","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	oc := &oauth2.Config{
		ClientID:     "cid",
		ClientSecret: "secret",
		Endpoint:     oauth2.Endpoint{AuthURL: "https://accounts.example.com/auth", TokenURL: srv.URL},
	}

	var out bytes.Buffer
	require.NoError(t, authorize(context.Background(), oc, strings.NewReader("the-code\n"), &out))
	assert.Contains(t, out.String(), "https://accounts.example.com/auth?access_type=offline")
	assert.Contains(t, out.String(), "Refresh Token:\n1//rt")

	err := authorize(context.Background(), oc, strings.NewReader("\n"), &bytes.Buffer{})
	require.Error(t, err)
}

func TestStreamSubjects(t *testing.T) {
	assert.Equal(t, []string{"mailsync.>"}, streamSubjects(config.NATSConfig{SubjectPrefix: "mailsync"}))
	assert.Equal(t, []string{"mailsync.>"}, streamSubjects(config.NATSConfig{SubjectPrefix: "mailsync", PushSubject: "mailsync.push"}))
	assert.Equal(t, []string{"mailsync.>", "gmail.push"}, streamSubjects(config.NATSConfig{SubjectPrefix: "mailsync", PushSubject: "gmail.push"}))
}

func TestCommandsRegistered(t *testing.T) {
	var names []string
	for _, c := range rootCmd.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "once", "authorize"})
}
