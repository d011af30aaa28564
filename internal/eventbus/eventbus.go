// Package eventbus implements the in-process, best-effort notification
// queues that connect the relational store gateway to the Forward worker
// and the Backfill Manager. Delivery is best-effort: a full queue drops the
// newest event and logs it rather than blocking the producer, since a
// producer (the gateway) must never stall a database write waiting on a
// slow or stalled consumer.
package eventbus

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// queueCapacity is generous enough that normal operation never drops an
// event; it only protects the gateway from a consumer that has stopped
// draining entirely.
const queueCapacity = 4096

// Bus fans out the two event kinds the sync engine needs: new-address
// (consumed by Forward) and new-job (consumed by the Backfill Manager).
type Bus struct {
	logger      zerolog.Logger
	newAddress  chan common.Address
	newJob      chan struct{}
}

// New creates an empty Bus.
func New(logger zerolog.Logger) *Bus {
	return &Bus{
		logger:     logger.With().Str("component", "eventbus").Logger(),
		newAddress: make(chan common.Address, queueCapacity),
		newJob:     make(chan struct{}, queueCapacity),
	}
}

// PublishNewAddress notifies Forward that addr was just registered. Never
// blocks: if the queue is full the event is dropped and logged.
func (b *Bus) PublishNewAddress(addr common.Address) {
	select {
	case b.newAddress <- addr:
	default:
		b.logger.Error().
			Str("address", addr.Hex()).
			Msg("new-address queue full, dropping event")
	}
}

// PublishNewJob wakes the Backfill Manager to re-rearrange and pick up
// newly created jobs. The payload carries no data — the manager always
// reloads the full job set from the store.
func (b *Bus) PublishNewJob() {
	select {
	case b.newJob <- struct{}{}:
	default:
		b.logger.Debug().Msg("new-job queue full, dropping event")
	}
}

// NewAddressChan exposes the receive side for the Forward worker.
func (b *Bus) NewAddressChan() <-chan common.Address {
	return b.newAddress
}

// NewJobChan exposes the receive side for the Backfill Manager.
func (b *Bus) NewJobChan() <-chan struct{} {
	return b.newJob
}
