package relay

import (
	"sync"
	"time"

	"github.com/aeolun/relaychat/pkg/chat"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10
)

// Session represents one websocket connection
type Session struct {
	ID          uint64
	RemoteAddr  string
	ConnectedAt time.Time

	conn *websocket.Conn
	send chan []byte

	mu            sync.RWMutex
	identity      chat.Identity
	authenticated bool
	subscriptions map[uint64]int64 // subscription ID -> channel ID

	closeOnce sync.Once
	closed    chan struct{}
	onSlow    func()
}

// Identity returns the identity presented in hello
func (s *Session) Identity() chat.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// Authenticated reports whether hello succeeded
func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated
}

func (s *Session) authenticate(identity chat.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = identity
	s.authenticated = true
}

// SubscriptionCount returns the number of live subscriptions of the session
func (s *Session) SubscriptionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscriptions)
}

// Enqueue queues an encoded frame for the write pump. A full queue means the
// peer is not keeping up; the session is closed instead of blocking the caller.
func (s *Session) Enqueue(data []byte) bool {
	select {
	case <-s.closed:
		return false
	default:
	}

	select {
	case s.send <- data:
		return true
	case <-s.closed:
		return false
	default:
		if s.onSlow != nil {
			s.onSlow()
		}
		s.Close()
		return false
	}
}

// Close stops the write pump, which closes the connection
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
}

// Done is closed when the session has been closed
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// writePump pumps queued frames to the websocket connection. One frame is one
// binary message.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				debugLog.Printf("Session %d: write error: %v", s.ID, err)
				s.Close()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		case <-s.closed:
			s.flush()
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes whatever is still queued, so an error sent right before Close
// reaches the peer
func (s *Session) flush() {
	for {
		select {
		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

// SessionManager tracks connected sessions
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
	nextID   uint64
	queueLen int
	metrics  *Metrics
}

// NewSessionManager creates a session manager whose sessions queue up to
// queueLen frames
func NewSessionManager(queueLen int) *SessionManager {
	if queueLen <= 0 {
		queueLen = 256
	}
	return &SessionManager{
		sessions: make(map[uint64]*Session),
		nextID:   1,
		queueLen: queueLen,
	}
}

// SetMetrics sets the metrics instance for tracking
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.metrics = metrics
}

// CreateSession registers a session for conn
func (sm *SessionManager) CreateSession(conn *websocket.Conn, remoteAddr string) *Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sess := &Session{
		ID:            sm.nextID,
		RemoteAddr:    remoteAddr,
		ConnectedAt:   time.Now(),
		conn:          conn,
		send:          make(chan []byte, sm.queueLen),
		subscriptions: make(map[uint64]int64),
		closed:        make(chan struct{}),
	}
	if sm.metrics != nil {
		sess.onSlow = sm.metrics.RecordSlowConsumer
	}
	sm.nextID++
	sm.sessions[sess.ID] = sess

	if sm.metrics != nil {
		sm.metrics.SetActiveSessions(len(sm.sessions))
	}
	return sess
}

// GetSession returns a session by ID
func (sm *SessionManager) GetSession(sessionID uint64) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	sess, ok := sm.sessions[sessionID]
	return sess, ok
}

// GetAllSessions returns a snapshot of all sessions
func (sm *SessionManager) GetAllSessions() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// RemoveSession closes and forgets a session. It reports whether the session
// was still registered.
func (sm *SessionManager) RemoveSession(sessionID uint64) bool {
	sm.mu.Lock()
	sess, ok := sm.sessions[sessionID]
	if ok {
		delete(sm.sessions, sessionID)
	}
	count := len(sm.sessions)
	sm.mu.Unlock()

	if !ok {
		return false
	}
	sess.Close()
	if sm.metrics != nil {
		sm.metrics.SetActiveSessions(count)
	}
	return true
}

// Count returns the number of connected sessions
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CloseAll closes every session
func (sm *SessionManager) CloseAll() {
	for _, sess := range sm.GetAllSessions() {
		sm.RemoveSession(sess.ID)
	}
}
