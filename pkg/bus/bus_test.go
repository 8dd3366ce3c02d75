package bus

import (
	"testing"

	"github.com/cuemby/nimbus/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestTransferStreamDeliversToSubscriber(t *testing.T) {
	b := New()
	server := uuid.New()
	ch := b.SubscribeTransfer(server)

	b.PushTransfer(server, types.TransferMessage{Host: "10.0.0.1", Port: 25565})

	msg := <-ch
	require.Equal(t, uint32(25565), msg.Port)
}

func TestChannelPublishReturnsSubscriberCount(t *testing.T) {
	b := New()
	ch1, unsub1 := b.SubscribeChannel("global")
	_, unsub2 := b.SubscribeChannel("global")
	defer unsub1()
	defer unsub2()

	count, ok := b.PublishChannel("global", []byte("hi"))
	require.True(t, ok)
	require.Equal(t, 2, count)

	msg := <-ch1
	require.Equal(t, "global", msg.Topic)
}

func TestScreenStreamDropsOldestWhenSaturated(t *testing.T) {
	b := New()
	server := uuid.New()
	ch, unsub := b.SubscribeScreen(server)
	defer unsub()

	for i := 0; i < DefaultBufferSize+10; i++ {
		b.PublishScreen(server, [][]byte{[]byte("line")})
	}

	require.Len(t, ch, DefaultBufferSize, "channel must never grow past its bound")
}

func TestCloseServerRemovesSubscriptions(t *testing.T) {
	b := New()
	server := uuid.New()
	transferCh := b.SubscribeTransfer(server)
	b.SubscribeScreen(server)

	b.CloseServer(server)
	b.PushTransfer(server, types.TransferMessage{})

	select {
	case _, ok := <-transferCh:
		require.False(t, ok, "channel should be abandoned, not receive after CloseServer")
	default:
	}
}
