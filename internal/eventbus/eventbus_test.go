package eventbus

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestBus_DeliversNewAddress(t *testing.T) {
	b := New(zerolog.Nop())
	addr := common.HexToAddress("0x1111111111111111111111111111111111111111")

	b.PublishNewAddress(addr)

	select {
	case got := <-b.NewAddressChan():
		require.Equal(t, addr, got)
	default:
		t.Fatal("expected address to be queued")
	}
}

func TestBus_DeliversNewJob(t *testing.T) {
	b := New(zerolog.Nop())
	b.PublishNewJob()

	select {
	case <-b.NewJobChan():
	default:
		t.Fatal("expected new-job signal to be queued")
	}
}

func TestBus_PublishNeverBlocksWhenQueueFull(t *testing.T) {
	b := New(zerolog.Nop())
	addr := common.HexToAddress("0x2222222222222222222222222222222222222222")

	for i := 0; i < queueCapacity+10; i++ {
		b.PublishNewAddress(addr)
	}

	require.Len(t, b.newAddress, queueCapacity)
}
