package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Martian-dev/mailsync/internal/amqp"
	"github.com/Martian-dev/mailsync/internal/api"
	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/config"
	natsjs "github.com/Martian-dev/mailsync/internal/nats"
	"github.com/Martian-dev/mailsync/internal/outbox"
	"github.com/Martian-dev/mailsync/internal/sync"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync engine with push and poll triggers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(true)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.close()

		return serve(ctx, a)
	},
}

// serve runs the engine until ctx is cancelled, then shuts it down in
// reverse order: triggers first, then the in-flight pass, then the lease.
func serve(ctx context.Context, a *app) error {
	cfg := a.cfg
	if err := a.establish(ctx); err != nil {
		return err
	}

	workers := sync.NewManager()
	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	if err := workers.Start(ctx, "lease", a.lease.Run); err != nil {
		return err
	}
	poller := &sync.Poller{Interval: cfg.PollInterval, Target: a.coord}
	if err := workers.Start(ctx, "poller", poller.Run); err != nil {
		return err
	}

	if cfg.NATS.URL != "" {
		closeNATS, err := startNATS(ctx, cfg, a, workers)
		if err != nil {
			workers.StopAll()
			return err
		}
		closers = append(closers, closeNATS)
	} else {
		log.Warn("nats.url not set, outbox events are kept but not relayed")
	}

	if cfg.AMQP.URL != "" && cfg.AMQP.PushQueue != "" {
		closeAMQP, err := startAMQP(ctx, cfg, a, workers)
		if err != nil {
			workers.StopAll()
			return err
		}
		closers = append(closers, closeAMQP)
	}

	srv, err := newHTTPServer(ctx, cfg, a)
	if err != nil {
		workers.StopAll()
		return err
	}
	serverErr := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTP.Addr).Info("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	log.WithFields(log.Fields{
		"provider": a.provider.Name(),
		"workers":  workers.Running(),
	}).Info("Sync engine running")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Shutting down")
	case err := <-serverErr:
		runErr = fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP server shutdown")
	}
	workers.StopAll()
	if err := a.coord.Close(shutdownCtx); err != nil {
		log.WithError(err).Warn("Timed out waiting for the in-flight sync pass")
	}
	if err := a.lease.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("Failed to remove watch subscription")
	}
	return runErr
}

func startNATS(ctx context.Context, cfg *config.Config, a *app, workers *sync.Manager) (func(), error) {
	pub, err := natsjs.Connect(cfg.NATS.URL)
	if err != nil {
		return nil, err
	}
	stream := natsjs.StreamConfig{Name: cfg.NATS.Stream, Subjects: streamSubjects(cfg.NATS)}
	if err := pub.EnsureStream(ctx, stream); err != nil {
		pub.Close()
		return nil, err
	}

	dispatcher := outbox.NewDispatcher(a.store, pub)
	if err := workers.Start(ctx, "outbox", dispatcher.Run); err != nil {
		pub.Close()
		return nil, err
	}

	if cfg.NATS.PushSubject != "" {
		src := &natsjs.PushSource{
			JS:      pub.JetStream(),
			Subject: cfg.NATS.PushSubject,
			Durable: cfg.NATS.Durable,
			Target:  a.coord,
		}
		if err := workers.Start(ctx, "nats-push", logged("nats-push", src.Run)); err != nil {
			pub.Close()
			return nil, err
		}
	}
	return pub.Close, nil
}

func startAMQP(ctx context.Context, cfg *config.Config, a *app, workers *sync.Manager) (func(), error) {
	client, err := amqp.Dial(cfg.AMQP.URL)
	if err != nil {
		return nil, err
	}
	src := &amqp.PushSource{Channel: client.Channel(), Queue: cfg.AMQP.PushQueue, Target: a.coord}
	if err := src.DeclareQueue(); err != nil {
		client.Close()
		return nil, err
	}
	if err := workers.Start(ctx, "amqp-push", logged("amqp-push", src.Run)); err != nil {
		client.Close()
		return nil, err
	}
	return func() {
		if err := client.Close(); err != nil {
			log.WithError(err).Warn("Error closing AMQP client")
		}
	}, nil
}

func newHTTPServer(ctx context.Context, cfg *config.Config, a *app) (*http.Server, error) {
	h := &api.Handler{
		Target:      a.coord,
		Status:      a.coord,
		Lease:       a.lease,
		Started:     time.Now(),
		ClientState: cfg.Outlook.ClientState,
	}
	if cfg.HTTP.VerifyPush {
		v, err := auth.NewPushVerifier(ctx, auth.PushVerifierConfig{
			Audience: cfg.HTTP.PushAudience,
			Email:    cfg.HTTP.PushEmail,
		})
		if err != nil {
			return nil, err
		}
		h.Verifier = v
	}

	return &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.NewRouter(h),
		ReadHeaderTimeout: 10 * time.Second,
	}, nil
}

// logged adapts a push source to a worker, logging how it ended.
func logged(name string, run func(context.Context) error) sync.Worker {
	return func(ctx context.Context) {
		if err := run(ctx); err != nil {
			log.WithError(err).WithField("worker", name).Error("Push source stopped")
		}
	}
}
