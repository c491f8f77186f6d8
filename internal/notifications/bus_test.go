package notifications

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *ChangeBus {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewChangeBus(rdb)
}

func TestChannelNames(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "changes:user:alice@example.com", ConversationsChannel("alice@example.com"))
	assert.Equal(t, "changes:conv:42", MessagesChannel(42))
}

func TestChangeBus_NilRedisIsNoop(t *testing.T) {
	b := NewChangeBus(nil)

	assert.NoError(t, b.PublishConversations(context.Background(), "a@x.com", "b@x.com"))
	assert.NoError(t, b.PublishMessages(context.Background(), 1))

	ch, stop, err := b.Subscribe(context.Background(), ConversationsChannel("a@x.com"))
	require.NoError(t, err)

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "nil-redis channel should only ever close")
	case <-time.After(50 * time.Millisecond):
	}
	stop()
}

func TestChangeBus_PublishReachesSubscriber(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	ch, stop, err := b.Subscribe(ctx, MessagesChannel(7))
	require.NoError(t, err)
	defer stop()

	require.NoError(t, b.PublishMessages(ctx, 7))

	select {
	case change := <-ch:
		assert.Equal(t, "changes:conv:7", change.Channel)
		assert.Contains(t, change.Payload, `"topic":"messages"`)
	case <-time.After(time.Second):
		t.Fatal("signal never arrived")
	}
}

func TestChangeBus_FanOutToAllParticipants(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	aliceCh, stopA, err := b.Subscribe(ctx, ConversationsChannel("alice@x.com"))
	require.NoError(t, err)
	defer stopA()

	bobCh, stopB, err := b.Subscribe(ctx, ConversationsChannel("bob@x.com"))
	require.NoError(t, err)
	defer stopB()

	require.NoError(t, b.PublishConversations(ctx, "alice@x.com", "bob@x.com"))

	for name, ch := range map[string]<-chan Change{"alice": aliceCh, "bob": bobCh} {
		select {
		case change := <-ch:
			assert.Contains(t, change.Payload, `"topic":"conversations"`)
		case <-time.After(time.Second):
			t.Fatalf("%s never received the signal", name)
		}
	}
}

func TestChangeBus_StopClosesChannel(t *testing.T) {
	b := newTestBus(t)

	ch, stop, err := b.Subscribe(context.Background(), MessagesChannel(1))
	require.NoError(t, err)

	stop()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel must close after stop")
	case <-time.After(time.Second):
		t.Fatal("channel never closed")
	}
}

func TestChangeBus_NoSignalForOtherConversation(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	ch, stop, err := b.Subscribe(ctx, MessagesChannel(1))
	require.NoError(t, err)
	defer stop()

	require.NoError(t, b.PublishMessages(ctx, 2))

	select {
	case change := <-ch:
		t.Fatalf("unexpected signal on %s", change.Channel)
	case <-time.After(50 * time.Millisecond):
	}
}
