package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/providers/gmail"
	"github.com/Martian-dev/mailsync/internal/providers/outlook"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/store/memory"
	"github.com/Martian-dev/mailsync/internal/store/postgres"
	"github.com/Martian-dev/mailsync/internal/store/sqlite"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// app holds the sync engine assembled from configuration.
type app struct {
	cfg      *config.Config
	store    store.Store
	provider sync.Provider
	cursor   *sync.Cursor
	runner   *sync.Runner
	lease    *sync.LeaseManager
	coord    *sync.Coordinator

	// persisted is the cursor restored from the checkpoint table, if any.
	persisted string
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	provider, err := newProvider(ctx, cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	return assemble(ctx, cfg, st, provider), nil
}

// assemble wires the engine around an opened store and provider.
func assemble(ctx context.Context, cfg *config.Config, st store.Store, provider sync.Provider) *app {
	a := &app{cfg: cfg, store: st, provider: provider, cursor: &sync.Cursor{}}

	persisted, err := st.LoadCheckpoint(ctx, string(provider.Name()))
	if err != nil {
		log.WithError(err).Warn("Error loading checkpoint, starting without a cursor")
	}
	if a.cursor.Establish(persisted) {
		a.persisted = persisted
		log.WithFields(log.Fields{"provider": provider.Name(), "cursor": persisted}).Info("Restored sync cursor")
	}

	topic, filter := cfg.Subscription()
	a.lease = &sync.LeaseManager{
		Provider:      provider,
		Cursor:        a.cursor,
		Request:       sync.SubscribeRequest{Topic: topic, Filter: filter},
		RenewMargin:   cfg.Lease.RenewMargin,
		RetryInterval: cfg.Lease.RetryInterval,
	}

	a.runner = sync.NewRunner(provider, st, a.cursor, cfg.OwnerID, cfg.Folder)
	a.coord = sync.NewCoordinator(provider.Name(), a.runner, a.cursor)
	a.coord.Checkpoints = st
	a.coord.Recoverer = a.lease
	return a
}

// establish performs the initial subscription. Failing it is fatal when
// there is no restored cursor to continue from or when the provider
// refused the credentials.
func (a *app) establish(ctx context.Context) error {
	err := a.lease.Start(ctx)
	if err == nil {
		return nil
	}
	if a.persisted == "" {
		return err
	}
	if credentialsRejected(err) {
		return fmt.Errorf("%s credentials: %w", a.provider.Name(), err)
	}
	log.WithError(err).Warn("Initial subscribe failed, continuing from restored cursor")
	return nil
}

// credentialsRejected reports whether err comes from a refused token
// refresh or a provider call answered with 401/403.
func credentialsRejected(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	return errors.As(err, &retrieveErr) || errors.Is(err, sync.ErrUnauthorized)
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		log.WithError(err).Warn("Error closing store")
	}
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	prefix := cfg.NATS.SubjectPrefix
	switch cfg.Store.Driver {
	case "sqlite":
		return sqlite.Open(cfg.Store.DSN, prefix)
	case "postgres":
		return postgres.Open(ctx, cfg.Store.DSN, prefix)
	case "memory":
		return memory.New(prefix), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func tokenSource(ctx context.Context, cfg *config.Config) (oauth2.TokenSource, error) {
	if cfg.UseBetterAuth() {
		client := auth.NewBetterAuthClient(cfg.BetterAuth.URL)
		return client.TokenSource(ctx, cfg.BetterAuth.JWT, cfg.AuthProvider()), nil
	}
	return auth.RefreshTokenSource(ctx, cfg.AuthProvider(), cfg.Credentials())
}

func newProvider(ctx context.Context, cfg *config.Config) (sync.Provider, error) {
	ts, err := tokenSource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	switch cfg.Provider {
	case "outlook":
		return outlook.New(ts, outlook.Config{
			UserID:      cfg.Outlook.User,
			Folder:      cfg.Outlook.Folder,
			ClientState: cfg.Outlook.ClientState,
		})
	default:
		return gmail.New(ctx, ts, cfg.Google.User)
	}
}

// streamSubjects are the subjects the event stream must capture: every
// outbox subject, plus the push subject when it lies outside that space.
func streamSubjects(cfg config.NATSConfig) []string {
	subjects := []string{cfg.SubjectPrefix + ".>"}
	if cfg.PushSubject != "" && !strings.HasPrefix(cfg.PushSubject, cfg.SubjectPrefix+".") {
		subjects = append(subjects, cfg.PushSubject)
	}
	return subjects
}
