package ingestion

import (
	"context"
	"fmt"
	"time"

	"SpotSnapshot/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	RequestStream   = "SPOT_REQUESTS"
	RequestSubject  = "spot.snapshot.requests.>"
	RequestConsumer = "spotsnapshot-requests"
)

// RequestSubscriber consumes snapshot requests from JetStream and hands them
// to the snapshotter through requestChan.
type RequestSubscriber struct {
	js          jetstream.JetStream
	requestChan chan<- SnapshotRequest
	logger      zerolog.Logger
	consumer    jetstream.ConsumeContext
}

func NewRequestSubscriber(js jetstream.JetStream, requestChan chan<- SnapshotRequest, logger zerolog.Logger) *RequestSubscriber {
	return &RequestSubscriber{
		js:          js,
		requestChan: requestChan,
		logger:      logger,
	}
}

// Subscribe creates the durable consumer and starts delivering.
// Explicit ACK, max_deliver=5, ack_wait=30s. Payloads that do not parse are
// acked and dropped since redelivery cannot fix them.
func (rs *RequestSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := rs.js.CreateOrUpdateConsumer(ctx, RequestStream, jetstream.ConsumerConfig{
		Durable:       RequestConsumer,
		FilterSubject: RequestSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", RequestConsumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		req, err := ParseSnapshotRequest(msg.Data())
		if err != nil {
			rs.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("dropping invalid snapshot request")
			msg.Ack()
			return
		}
		req.AckFunc = func() { msg.Ack() }
		req.NakFunc = func() { msg.Nak() }

		select {
		case rs.requestChan <- req:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", RequestConsumer, err)
	}

	rs.consumer = cc
	rs.logger.Info().Str("subject", RequestSubject).Str("consumer", RequestConsumer).Msg("subscribed")
	return nil
}

// Stop stops the consumer.
func (rs *RequestSubscriber) Stop() {
	if rs.consumer != nil {
		rs.consumer.Stop()
	}
	rs.logger.Info().Msg("request subscriber stopped")
}

// EnsureStreams creates the request and outbound streams if missing.
// FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      RequestStream,
			Subjects:  []string{"spot.snapshot.requests.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      OutboundStream,
			Subjects:  []string{OutboundSubjectPrefix + ".>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("spotsnapshot"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}

// NATSCheck reports a closed or reconnecting connection as unhealthy.
func NATSCheck(nc *nats.Conn) observability.CheckFunc {
	return func(context.Context) error {
		if !nc.IsConnected() {
			return fmt.Errorf("nats status %s", nc.Status())
		}
		return nil
	}
}
