package natsjs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/sync"
)

// StreamConfig names the stream ingestion events are published to.
type StreamConfig struct {
	Name     string
	Subjects []string
	MaxAge   time.Duration
}

// Publisher wraps NATS JetStream for publishing events
type Publisher struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// Connect opens a JetStream-enabled connection.
func Connect(url string) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("mailsync"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return &Publisher{nc: nc, js: js}, nil
}

// EnsureStream creates the stream if it does not exist yet.
func (p *Publisher) EnsureStream(ctx context.Context, cfg StreamConfig) error {
	info, err := p.js.StreamInfo(cfg.Name, nats.Context(ctx))
	if err == nil && info != nil {
		return nil
	}

	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 30 * 24 * time.Hour
	}
	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:       cfg.Name,
		Subjects:   cfg.Subjects,
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     maxAge,
	}, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}

	log.WithFields(log.Fields{"stream": cfg.Name, "subjects": cfg.Subjects}).Info("Created JetStream stream")
	return nil
}

// Publish publishes a message to NATS JetStream with deduplication
func (p *Publisher) Publish(subject string, payload []byte, msgID string) error {
	_, err := p.js.Publish(subject, payload, nats.MsgId(msgID))
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// JetStream exposes the context for consumers sharing the connection.
func (p *Publisher) JetStream() nats.JetStreamContext {
	return p.js
}

// Close closes the NATS connection
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}

// PushSource turns messages on a JetStream subject into sync triggers. A
// relay forwards provider change notifications onto the subject; the payload
// is not inspected.
type PushSource struct {
	JS      nats.JetStreamContext
	Subject string
	Durable string
	Target  sync.Triggerer
}

// Run subscribes with a durable consumer and blocks until ctx is done.
func (s *PushSource) Run(ctx context.Context) error {
	sub, err := s.JS.Subscribe(s.Subject, s.handle,
		nats.Durable(s.Durable),
		nats.ManualAck(),
		nats.DeliverNew(),
	)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.Subject, err)
	}
	log.WithFields(log.Fields{"subject": s.Subject, "durable": s.Durable}).Info("Listening for push notifications on NATS")

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		log.WithError(err).Warn("Failed to drain NATS subscription")
	}
	return nil
}

// handle acknowledges on receipt, then triggers.
func (s *PushSource) handle(msg *nats.Msg) {
	if err := msg.Ack(); err != nil {
		log.WithError(err).WithField("subject", msg.Subject).Warn("Failed to ack push notification")
	}
	log.WithField("subject", msg.Subject).Debug("Push notification received")
	s.Target.Trigger()
}
