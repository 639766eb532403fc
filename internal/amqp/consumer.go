package amqp

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/sync"
)

// Client manages the RabbitMQ connection and channel
type Client struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

// Dial connects and opens a channel.
func Dial(url string) (*Client, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	go func() {
		if err := <-conn.NotifyClose(make(chan *amqp.Error, 1)); err != nil {
			log.Errorf("AMQP connection closed: %v", err)
		}
	}()

	log.Info("AMQP client connected successfully")
	return &Client{conn: conn, channel: ch}, nil
}

func (c *Client) Channel() *amqp.Channel {
	return c.channel
}

// Close closes the channel and connection
func (c *Client) Close() error {
	if err := c.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		c.conn.Close()
		return fmt.Errorf("failed to close channel: %w", err)
	}
	if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("failed to close connection: %w", err)
	}
	return nil
}

// PushSource consumes a queue of change notifications and triggers a sync
// pass for each delivery.
type PushSource struct {
	Channel *amqp.Channel
	Queue   string
	Target  sync.Triggerer
}

// DeclareQueue declares the durable notification queue.
func (s *PushSource) DeclareQueue() error {
	_, err := s.Channel.QueueDeclare(
		s.Queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", s.Queue, err)
	}
	return nil
}

// Run consumes until ctx is cancelled or the channel closes.
func (s *PushSource) Run(ctx context.Context) error {
	if err := s.Channel.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := s.Channel.ConsumeWithContext(ctx,
		s.Queue,
		"",    // consumer tag (auto-generated)
		false, // auto-ack (we'll manually ack)
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	log.WithField("queue", s.Queue).Info("Started consuming push notifications")

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("delivery channel for %s closed", s.Queue)
			}
			s.handle(d)
		}
	}
}

func (s *PushSource) handle(d amqp.Delivery) {
	entry := log.WithFields(log.Fields{
		"routingKey": d.RoutingKey,
		"messageId":  d.MessageId,
	})
	if err := d.Ack(false); err != nil {
		entry.WithError(err).Warn("Failed to ack push notification")
	}
	entry.Debug("Push notification received")
	s.Target.Trigger()
}
