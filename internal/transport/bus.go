// Traintracks - Durable Client-Side Event Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/traintracks

package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	natsgo "github.com/nats-io/nats.go"
	"github.com/tomtom215/traintracks/internal/models"
)

// DefaultTopic is the subject batches are published to.
const DefaultTopic = "traintracks.batches"

// Bus publishes batches as messages on a Watermill publisher. Each message
// carries the batch id as its UUID and as Nats-Msg-Id, so a JetStream
// server with deduplication enabled drops a resubmitted batch.
type Bus struct {
	client    Client
	publisher message.Publisher
	topic     string
	now       func() time.Time
}

// NewBus creates a bus transport publishing to topic.
func NewBus(client Client, publisher message.Publisher, topic string) *Bus {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Bus{client: client, publisher: publisher, topic: topic, now: time.Now}
}

// Submit publishes the batch as a single message. Publish errors are
// retryable since the broker never saw the batch.
func (b *Bus) Submit(ctx context.Context, records []models.Record) error {
	batch := NewBatch(b.client, records, b.now())
	payload, err := json.Marshal(batch)
	if err != nil {
		return &Failure{Kind: Rejected, Err: fmt.Errorf("marshal batch: %w", err)}
	}

	msg := message.NewMessage(batch.ID, payload)
	msg.Metadata.Set(natsgo.MsgIdHdr, batch.ID)
	msg.Metadata.Set("api_key", b.client.APIKey)
	msg.Metadata.Set("event_count", fmt.Sprintf("%d", len(records)))
	msg.SetContext(ctx)

	if err := b.publisher.Publish(b.topic, msg); err != nil {
		return &Failure{Kind: Retryable, Err: fmt.Errorf("publish batch %s: %w", batch.ID, err)}
	}
	return nil
}

// Close closes the underlying publisher.
func (b *Bus) Close() error {
	return b.publisher.Close()
}

// NATSConfig configures a NATS publisher for the bus transport.
type NATSConfig struct {
	URL             string        `koanf:"url" validate:"required"`
	Topic           string        `koanf:"topic"`
	JetStream       bool          `koanf:"jetstream"`
	AutoProvision   bool          `koanf:"auto_provision"`
	TrackMsgID      bool          `koanf:"track_msg_id"`
	MaxReconnects   int           `koanf:"max_reconnects"`
	ReconnectWait   time.Duration `koanf:"reconnect_wait"`
	ReconnectBuffer int           `koanf:"reconnect_buffer"`
}

// DefaultNATSConfig returns settings for a local JetStream server.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:             natsgo.DefaultURL,
		Topic:           DefaultTopic,
		JetStream:       true,
		AutoProvision:   true,
		TrackMsgID:      true,
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		ReconnectBuffer: 8 * 1024 * 1024,
	}
}

// NewNATSPublisher connects a Watermill NATS publisher.
func NewNATSPublisher(cfg NATSConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	natsOpts := []natsgo.Option{
		natsgo.Name(models.LibraryName),
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.ReconnectBufSize(cfg.ReconnectBuffer),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS reconnected", watermill.LogFields{
				"url": nc.ConnectedUrl(),
			})
		}),
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:      !cfg.JetStream,
			AutoProvision: cfg.AutoProvision,
			TrackMsgId:    cfg.TrackMsgID,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create nats publisher: %w", err)
	}
	return pub, nil
}
