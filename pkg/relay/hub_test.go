package relay

import (
	"testing"
	"time"

	"github.com/aeolun/relaychat/pkg/chat"
	"github.com/aeolun/relaychat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// detachedSession is a session without a connection; frames stay in its queue
func detachedSession(id uint64, queueLen int) *Session {
	return &Session{
		ID:            id,
		send:          make(chan []byte, queueLen),
		subscriptions: make(map[uint64]int64),
		closed:        make(chan struct{}),
	}
}

func queuedEvents(t *testing.T, sess *Session) []protocol.InsertEventMessage {
	t.Helper()
	var events []protocol.InsertEventMessage
	for {
		select {
		case data := <-sess.send:
			frame, err := protocol.ParseFrame(data)
			require.NoError(t, err)
			require.Equal(t, uint8(protocol.TypeInsertEvent), frame.Type)
			var ev protocol.InsertEventMessage
			require.NoError(t, frame.Unmarshal(&ev))
			events = append(events, ev)
		default:
			return events
		}
	}
}

func TestHubPublishRoutesByChannel(t *testing.T) {
	hub := NewHub()
	a := detachedSession(1, 8)
	b := detachedSession(2, 8)

	subA := hub.Subscribe(a, 10, nil)
	subB := hub.Subscribe(b, 20, nil)
	subA2 := hub.Subscribe(a, 10, nil)

	msg := chat.Message{ID: "m1", ChannelID: 10, Content: "hi", CreatedAt: time.UnixMilli(1000).UTC()}
	assert.Equal(t, 2, hub.Publish(msg))

	events := queuedEvents(t, a)
	require.Len(t, events, 2)
	ids := []uint64{events[0].SubscriptionID, events[1].SubscriptionID}
	assert.ElementsMatch(t, []uint64{subA, subA2}, ids)
	assert.Equal(t, "m1", events[0].Message.ID)

	assert.Empty(t, queuedEvents(t, b))
	assert.Equal(t, 0, hub.Publish(chat.Message{ID: "m2", ChannelID: 30}))

	hub.Publish(chat.Message{ID: "m3", ChannelID: 20})
	events = queuedEvents(t, b)
	require.Len(t, events, 1)
	assert.Equal(t, subB, events[0].SubscriptionID)
}

func TestHubConfirmRunsBeforeRegistration(t *testing.T) {
	hub := NewHub()
	sess := detachedSession(1, 8)

	var confirmed uint64
	id := hub.Subscribe(sess, 10, func(subID uint64) {
		confirmed = subID
		assert.Equal(t, 0, len(hub.channels[10]))
	})
	assert.Equal(t, id, confirmed)
	assert.Equal(t, 1, hub.SubscriberCount(10))
}

func TestHubUnsubscribeChecksOwner(t *testing.T) {
	hub := NewHub()
	a := detachedSession(1, 8)
	b := detachedSession(2, 8)

	sub := hub.Subscribe(a, 10, nil)
	assert.False(t, hub.Unsubscribe(b, sub))
	assert.Equal(t, 1, hub.SubscriberCount(10))

	assert.True(t, hub.Unsubscribe(a, sub))
	assert.False(t, hub.Unsubscribe(a, sub))
	assert.Equal(t, 0, hub.SubscriberCount(10))
	assert.Equal(t, 0, a.SubscriptionCount())
}

func TestHubRemoveSession(t *testing.T) {
	hub := NewHub()
	a := detachedSession(1, 8)
	b := detachedSession(2, 8)
	hub.Subscribe(a, 10, nil)
	hub.Subscribe(a, 20, nil)
	hub.Subscribe(b, 10, nil)

	hub.RemoveSession(a)

	assert.Equal(t, 1, hub.SubscriberCount(10))
	assert.Equal(t, 0, hub.SubscriberCount(20))
	assert.Equal(t, 0, a.SubscriptionCount())
	assert.Len(t, hub.bySub, 1)
}

func TestSlowConsumerIsClosed(t *testing.T) {
	hub := NewHub()
	hub.SetMetrics(NewMetrics())
	sess := detachedSession(1, 1)
	slow := 0
	sess.onSlow = func() { slow++ }
	hub.Subscribe(sess, 10, nil)

	assert.Equal(t, 1, hub.Publish(chat.Message{ID: "m1", ChannelID: 10}))
	assert.Equal(t, 0, hub.Publish(chat.Message{ID: "m2", ChannelID: 10}))
	assert.Equal(t, 1, slow)

	select {
	case <-sess.Done():
	default:
		t.Fatal("slow session was not closed")
	}

	// Closed sessions reject quietly
	assert.False(t, sess.Enqueue([]byte{1}))
	assert.Equal(t, 1, slow)
}
