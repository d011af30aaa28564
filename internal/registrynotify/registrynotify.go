// Package registrynotify bridges address registration across process
// boundaries using NATS JetStream. The relational store gateway publishes
// here on every successful registration; a running indexer process
// subscribes with a
// durable consumer and re-publishes each delivery onto its own in-process
// event bus, exactly as if RegisterAddress had been called locally. This is
// what lets an out-of-process caller — standing in for the HTTP API this
// service does not implement — reach a long-running indexer.
package registrynotify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/0xkanth/indexer/internal/eventbus"
)

const (
	streamName          = "INDEXER_REGISTRATIONS"
	subjectPattern      = "INDEXER.registered.*"
	streamCreateTimeout = 10 * time.Second
	duplicateWindow     = 20 * time.Minute
)

func subject(chainID uint64) string {
	return fmt.Sprintf("INDEXER.registered.%d", chainID)
}

type registrationMsg struct {
	Address common.Address `json:"address"`
	ChainID uint64         `json:"chain_id"`
}

// Publisher publishes address registrations to NATS JetStream with
// deduplication so a retried publish after a transient connection error
// never produces two deliveries.
type Publisher struct {
	js     jetstream.JetStream
	nc     *nats.Conn
	logger zerolog.Logger
}

// NewPublisher connects to natsURL and ensures the registration stream
// exists.
func NewPublisher(natsURL string, logger zerolog.Logger) (*Publisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("indexer"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Error().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("registrynotify: connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("registrynotify: jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), streamCreateTimeout)
	defer cancel()

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       streamName,
		Subjects:   []string{subjectPattern},
		Storage:    jetstream.FileStorage,
		Duplicates: duplicateWindow,
		Retention:  jetstream.LimitsPolicy,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("registrynotify: create stream: %w", err)
	}

	return &Publisher{js: js, nc: nc, logger: logger.With().Str("component", "registrynotify").Logger()}, nil
}

// PublishRegistration publishes addr's registration, deduplicated on
// (address, chain) so a retried registration never double-publishes.
func (p *Publisher) PublishRegistration(ctx context.Context, addr common.Address, chainID uint64) error {
	data, err := json.Marshal(registrationMsg{Address: addr, ChainID: chainID})
	if err != nil {
		return fmt.Errorf("registrynotify: marshal: %w", err)
	}

	msgID := fmt.Sprintf("%s-%d", addr.Hex(), chainID)
	_, err = p.js.Publish(ctx, subject(chainID), data, jetstream.WithMsgID(msgID))
	if err != nil {
		return fmt.Errorf("registrynotify: publish: %w", err)
	}
	return nil
}

// Close closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}

// Healthy reports whether the NATS connection is currently up.
func (p *Publisher) Healthy() bool {
	return p.nc != nil && p.nc.IsConnected()
}

// Subscribe creates a durable JetStream consumer for chainID's registration
// subject and forwards every delivery onto bus's new-address queue until
// ctx is cancelled.
func Subscribe(ctx context.Context, natsURL string, chainID uint64, bus *eventbus.Bus, logger zerolog.Logger) (func(), error) {
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("registrynotify: subscribe connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("registrynotify: subscribe jetstream: %w", err)
	}

	consumerName := fmt.Sprintf("indexer-relay-%d", chainID)
	consumer, err := js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    3,
		AckWait:       30 * time.Second,
		FilterSubject: subject(chainID),
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("registrynotify: create consumer: %w", err)
	}

	log := logger.With().Str("component", "registrynotify").Uint64("chain_id", chainID).Logger()

	consCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		var reg registrationMsg
		if err := json.Unmarshal(msg.Data(), &reg); err != nil {
			log.Error().Err(err).Msg("failed to unmarshal registration")
			msg.Nak()
			return
		}
		bus.PublishNewAddress(reg.Address)
		msg.Ack()
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("registrynotify: consume: %w", err)
	}

	stop := func() {
		consCtx.Stop()
		nc.Close()
	}

	go func() {
		<-ctx.Done()
		stop()
	}()

	return stop, nil
}
