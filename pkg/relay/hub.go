package relay

import (
	"sync"

	"github.com/aeolun/relaychat/pkg/chat"
	"github.com/aeolun/relaychat/pkg/protocol"
)

// Hub routes inserted messages to the sessions subscribed to their channel.
// A session may hold several subscriptions, also to the same channel; each
// gets its own copy of every event tagged with its subscription ID.
type Hub struct {
	mu       sync.RWMutex
	channels map[int64]map[uint64]*Session // channel ID -> subscription ID -> session
	bySub    map[uint64]int64              // subscription ID -> channel ID
	nextID   uint64
	metrics  *Metrics
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		channels: make(map[int64]map[uint64]*Session),
		bySub:    make(map[uint64]int64),
		nextID:   1,
	}
}

// SetMetrics sets the metrics instance for tracking
func (h *Hub) SetMetrics(metrics *Metrics) {
	h.metrics = metrics
}

// Subscribe registers sess for inserts into channelID and returns the new
// subscription ID. confirm runs before any event can be published to the
// subscription, so a reply it queues precedes the first event.
func (h *Hub) Subscribe(sess *Session, channelID int64, confirm func(subID uint64)) uint64 {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	if confirm != nil {
		confirm(id)
	}
	subs := h.channels[channelID]
	if subs == nil {
		subs = make(map[uint64]*Session)
		h.channels[channelID] = subs
	}
	subs[id] = sess
	h.bySub[id] = channelID
	count := len(h.bySub)
	h.mu.Unlock()

	sess.mu.Lock()
	sess.subscriptions[id] = channelID
	sess.mu.Unlock()

	if h.metrics != nil {
		h.metrics.SetActiveSubscriptions(count)
	}
	return id
}

// Unsubscribe removes a subscription owned by sess. It reports false when the
// subscription does not exist or belongs to another session.
func (h *Hub) Unsubscribe(sess *Session, subID uint64) bool {
	sess.mu.Lock()
	_, owned := sess.subscriptions[subID]
	delete(sess.subscriptions, subID)
	sess.mu.Unlock()
	if !owned {
		return false
	}

	h.remove(subID)
	return true
}

// RemoveSession drops every subscription of sess
func (h *Hub) RemoveSession(sess *Session) {
	sess.mu.Lock()
	ids := make([]uint64, 0, len(sess.subscriptions))
	for id := range sess.subscriptions {
		ids = append(ids, id)
	}
	sess.subscriptions = make(map[uint64]int64)
	sess.mu.Unlock()

	for _, id := range ids {
		h.remove(id)
	}
}

func (h *Hub) remove(subID uint64) {
	h.mu.Lock()
	if channelID, ok := h.bySub[subID]; ok {
		delete(h.bySub, subID)
		if subs := h.channels[channelID]; subs != nil {
			delete(subs, subID)
			if len(subs) == 0 {
				delete(h.channels, channelID)
			}
		}
	}
	count := len(h.bySub)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.SetActiveSubscriptions(count)
	}
}

// SubscriberCount returns the number of subscriptions to channelID
func (h *Hub) SubscriberCount(channelID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channelID])
}

// Publish sends an insert event for msg to every subscription of its channel
// and returns how many were queued
func (h *Hub) Publish(msg chat.Message) int {
	h.mu.RLock()
	targets := make(map[uint64]*Session, len(h.channels[msg.ChannelID]))
	for id, sess := range h.channels[msg.ChannelID] {
		targets[id] = sess
	}
	h.mu.RUnlock()

	delivered := 0
	for subID, sess := range targets {
		frame, err := protocol.NewFrame(protocol.TypeInsertEvent, &protocol.InsertEventMessage{
			SubscriptionID: subID,
			Message:        msg,
		})
		if err != nil {
			errorLog.Printf("Failed to encode insert event: %v", err)
			return delivered
		}
		data, err := frame.Bytes()
		if err != nil {
			errorLog.Printf("Failed to encode insert event: %v", err)
			return delivered
		}
		if sess.Enqueue(data) {
			delivered++
		}
	}

	if h.metrics != nil {
		h.metrics.RecordEventsDelivered(delivered)
	}
	return delivered
}
