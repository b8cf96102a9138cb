package remote

import (
	"fmt"
	"sync"
	"time"

	"github.com/aeolun/relaychat/pkg/chat"
	"github.com/aeolun/relaychat/pkg/protocol"
	"github.com/gorilla/websocket"
)

// connection is one websocket to the relay. Replies are matched to requests
// by request ID; insert events are routed to subscriptions by subscription ID.
type connection struct {
	ws   *websocket.Conn
	logf func(format string, args ...interface{})

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan *protocol.Frame
	subs    map[uint64]*subscription

	closeOnce sync.Once
	done      chan struct{}
	err       error
}

func newConnection(ws *websocket.Conn, logf func(string, ...interface{})) *connection {
	return &connection{
		ws:      ws,
		logf:    logf,
		pending: make(map[uint64]chan *protocol.Frame),
		subs:    make(map[uint64]*subscription),
		done:    make(chan struct{}),
	}
}

func (cn *connection) isDone() bool {
	select {
	case <-cn.done:
		return true
	default:
		return false
	}
}

// failure returns why the connection ended
func (cn *connection) failure() error {
	<-cn.done
	return cn.err
}

// expect registers a reply slot for request id
func (cn *connection) expect(id uint64) <-chan *protocol.Frame {
	reply := make(chan *protocol.Frame, 1)
	cn.mu.Lock()
	cn.pending[id] = reply
	cn.mu.Unlock()
	return reply
}

func (cn *connection) forget(id uint64) {
	cn.mu.Lock()
	delete(cn.pending, id)
	cn.mu.Unlock()
}

func (cn *connection) subscription(id uint64) (*subscription, bool) {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	sub, ok := cn.subs[id]
	return sub, ok
}

// send writes one frame as one binary message
func (cn *connection) send(msgType uint8, payload interface{}) error {
	frame, err := protocol.NewFrame(msgType, payload)
	if err != nil {
		return err
	}
	data, err := frame.Bytes()
	if err != nil {
		return err
	}

	cn.writeMu.Lock()
	defer cn.writeMu.Unlock()
	if cn.isDone() {
		return cn.err
	}
	cn.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := cn.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		err = fmt.Errorf("%w: %v", ErrConnectionLost, err)
		cn.close(err)
		return err
	}
	return nil
}

// unsubscribe forgets a subscription and tells the relay, best effort
func (cn *connection) unsubscribe(id uint64) {
	cn.mu.Lock()
	delete(cn.subs, id)
	cn.mu.Unlock()

	if cn.isDone() {
		return
	}
	// Request ID zero: nobody waits for the reply
	if err := cn.send(protocol.TypeUnsubscribe, &protocol.UnsubscribeMessage{SubscriptionID: id}); err != nil {
		cn.logf("Unsubscribe %d: %v", id, err)
	}
}

// abandon closes the subscription opened by requestID, if the reply
// registered one before the requester gave up waiting
func (cn *connection) abandon(requestID uint64) bool {
	var found *subscription
	cn.mu.Lock()
	for _, sub := range cn.subs {
		if sub.requestID == requestID {
			found = sub
			break
		}
	}
	cn.mu.Unlock()

	if found == nil {
		return false
	}
	found.Close()
	return true
}

// close ends the connection once; pending requests and subscriptions end
// with err
func (cn *connection) close(err error) {
	cn.closeOnce.Do(func() {
		if err == nil {
			err = ErrClosed
		}
		cn.err = err
		close(cn.done)

		cn.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		cn.ws.Close()

		cn.mu.Lock()
		subs := make([]*subscription, 0, len(cn.subs))
		for _, sub := range cn.subs {
			subs = append(subs, sub)
		}
		cn.subs = make(map[uint64]*subscription)
		cn.mu.Unlock()

		for _, sub := range subs {
			sub.finish(err)
		}
	})
}

// readLoop decodes frames until the websocket fails
func (cn *connection) readLoop() {
	cn.ws.SetReadDeadline(time.Now().Add(readWait))
	cn.ws.SetPingHandler(func(data string) error {
		cn.ws.SetReadDeadline(time.Now().Add(readWait))
		err := cn.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	for {
		_, data, err := cn.ws.ReadMessage()
		if err != nil {
			cn.close(fmt.Errorf("%w: %v", ErrConnectionLost, err))
			return
		}
		cn.ws.SetReadDeadline(time.Now().Add(readWait))

		frame, err := protocol.ParseFrame(data)
		if err != nil {
			cn.logf("Dropping undecodable frame: %v", err)
			continue
		}
		cn.dispatch(frame)
	}
}

func (cn *connection) dispatch(frame *protocol.Frame) {
	if frame.Type == protocol.TypeInsertEvent {
		ev := &protocol.InsertEventMessage{}
		if err := frame.Unmarshal(ev); err != nil {
			cn.logf("%v", err)
			return
		}
		sub, ok := cn.subscription(ev.SubscriptionID)
		if !ok {
			// Late event for a subscription we already closed
			return
		}
		sub.deliver(ev.Message)
		return
	}

	id := frame.RequestID()
	var orphan uint64

	cn.mu.Lock()
	reply, ok := cn.pending[id]
	if ok {
		delete(cn.pending, id)
	}
	if frame.Type == protocol.TypeSubscribed {
		resp := &protocol.SubscribedMessage{}
		if err := frame.Unmarshal(resp); err == nil {
			if ok {
				// Registered before the waiter wakes so no event can slip past
				cn.subs[resp.SubscriptionID] = newSubscription(cn, resp.SubscriptionID, resp.ChannelID, id)
			} else {
				orphan = resp.SubscriptionID
			}
		}
	}
	cn.mu.Unlock()

	switch {
	case ok:
		reply <- frame
	case orphan != 0:
		// The subscriber gave up waiting
		go cn.unsubscribe(orphan)
	case frame.Type == protocol.TypeError:
		relayErr := &protocol.ErrorMessage{}
		if err := frame.Unmarshal(relayErr); err == nil {
			cn.logf("Relay error: %v", relayErr)
		}
	}
}

const subscriptionBuffer = 256

// ErrSubscriberTooSlow ends a subscription whose events were not drained
var ErrSubscriberTooSlow = fmt.Errorf("subscription buffer of %d events overflowed", subscriptionBuffer)

type subscription struct {
	id        uint64
	channelID int64
	requestID uint64
	conn      *connection
	events    chan chat.Message

	mu   sync.Mutex
	done bool
	err  error
}

func newSubscription(conn *connection, id uint64, channelID int64, requestID uint64) *subscription {
	return &subscription{
		id:        id,
		channelID: channelID,
		requestID: requestID,
		conn:      conn,
		events:    make(chan chat.Message, subscriptionBuffer),
	}
}

func (s *subscription) Events() <-chan chat.Message {
	return s.events
}

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the subscription; Err stays nil
func (s *subscription) Close() error {
	if !s.finish(nil) {
		return nil
	}
	go s.conn.unsubscribe(s.id)
	return nil
}

// deliver hands msg to the reader without blocking the read loop. A full
// buffer ends the subscription; the owner resubscribes and resyncs.
func (s *subscription) deliver(msg chat.Message) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	select {
	case s.events <- msg:
		s.mu.Unlock()
		return
	default:
	}
	s.done = true
	s.err = ErrSubscriberTooSlow
	close(s.events)
	s.mu.Unlock()

	s.conn.logf("Subscription %d to channel %d overflowed, dropping it", s.id, s.channelID)
	go s.conn.unsubscribe(s.id)
}

// finish closes Events once and reports whether this call did it
func (s *subscription) finish(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	s.done = true
	s.err = err
	close(s.events)
	return true
}
