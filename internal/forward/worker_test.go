package forward

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/0xkanth/indexer/internal/eventbus"
	"github.com/0xkanth/indexer/internal/model"
)

type fakeStore struct {
	mu sync.Mutex

	chain     model.Chain
	addresses []common.Address

	matchCount int
	tip        uint64
	jobs       []model.Job
}

func (s *fakeStore) SetupChain(ctx context.Context, chainID, startBlock uint64) (model.Chain, error) {
	return s.chain, nil
}

func (s *fakeStore) UpdateChainTip(ctx context.Context, chainID, lastKnownBlock uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tip = lastKnownBlock
	return nil
}

func (s *fakeStore) InsertMatches(ctx context.Context, chainID uint64, matches []model.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.matchCount += len(matches)
	return nil
}

func (s *fakeStore) CreateBackfillJob(ctx context.Context, chainID uint64, addr common.Address, low, high uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, model.Job{ChainID: chainID, Addresses: []common.Address{addr}, Low: low, High: high})
	return nil
}

func (s *fakeStore) GetAddresses(ctx context.Context, chainID uint64) ([]common.Address, error) {
	return s.addresses, nil
}

func TestNew_RecoversCursorFromChainTip(t *testing.T) {
	signer := common.HexToAddress("0x6565656565656565656565656565656565656565")
	store := &fakeStore{chain: model.Chain{ChainID: 1, StartBlock: 10, LastKnownBlock: 41}, addresses: []common.Address{signer}}
	prov := newFixtureProvider(t, nil, 0, signer)
	bus := eventbus.New(zerolog.Nop())

	w, err := New(context.Background(), 1, 10, prov, store, bus, 100, 100, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, uint64(42), w.nextBlock)
	require.Equal(t, uint64(10), w.startBlock)
	require.True(t, w.filter.Contains(signer))
}

func TestProcessNewAddresses_AdmitsAddressAndSchedulesBackfill(t *testing.T) {
	store := &fakeStore{chain: model.Chain{ChainID: 1, StartBlock: 5}}
	prov := newFixtureProvider(t, nil, 0, common.Address{})
	bus := eventbus.New(zerolog.Nop())

	w, err := New(context.Background(), 1, 5, prov, store, bus, 100, 100, zerolog.Nop())
	require.NoError(t, err)
	w.nextBlock = 20

	newAddr := common.HexToAddress("0x7878787878787878787878787878787878787878")
	bus.PublishNewAddress(newAddr)

	require.NoError(t, w.processNewAddresses(context.Background()))

	require.True(t, w.filter.Contains(newAddr))
	require.Len(t, store.jobs, 1)
	require.Equal(t, uint64(5), store.jobs[0].Low)
	require.Equal(t, uint64(20), store.jobs[0].High)
}

func TestWorker_ScansToTipThenStopsOnCancel(t *testing.T) {
	signer := common.HexToAddress("0x9a9a9a9a9a9a9a9a9a9a9a9a9a9a9a9a9a9a9a9a")
	prov := newFixtureProvider(t, []uint64{1, 2, 3}, 3, signer)

	store := &fakeStore{chain: model.Chain{ChainID: 1, StartBlock: 1}, addresses: []common.Address{signer}}
	bus := eventbus.New(zerolog.Nop())

	w, err := New(context.Background(), 1, 1, prov, store, bus, 1_000_000, 1_000_000, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// give the worker time to walk through the three seeded blocks and reach
	// waitNewBlock, whose select on ctx.Done() lets cancellation interrupt the
	// wait immediately rather than after the full poll interval.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Equal(t, 3, store.matchCount)
	require.Equal(t, uint64(3), store.tip)
}
