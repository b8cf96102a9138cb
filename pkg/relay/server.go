package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/relaychat/pkg/database"
	"github.com/aeolun/relaychat/pkg/protocol"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// storeTimeout bounds a single store call made on behalf of a client
const storeTimeout = 10 * time.Second

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server is the relay: it serves the chat protocol over websockets and a
// small read-only HTTP API on top of a database.Store
type Server struct {
	store    database.Store
	config   Config
	sessions *SessionManager
	hub      *Hub
	metrics  *Metrics
	router   *gin.Engine

	mu         sync.Mutex
	stopped    bool
	listener   net.Listener
	httpServer *http.Server
	shutdown   chan struct{}
	wg         sync.WaitGroup
	startTime  time.Time

	// Connection deltas for periodic reporting
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64
}

// Config holds relay configuration
type Config struct {
	HTTPAddr                string
	ServerName              string
	PasswordHash            []byte // bcrypt; empty means no password
	MaxMessageLength        int
	HistoryLimit            int
	MaxSubscriptions        int
	SendQueueSize           int
	HandshakeTimeoutSeconds int
}

// DefaultConfig returns default relay configuration
func DefaultConfig() Config {
	return Config{
		HTTPAddr:                ":8080",
		ServerName:              "relaychat",
		MaxMessageLength:        protocol.MaxContentLength,
		HistoryLimit:            protocol.DefaultHistoryLimit,
		MaxSubscriptions:        16,
		SendQueueSize:           256,
		HandshakeTimeoutSeconds: 10,
	}
}

// NewServer creates a relay serving store. The server owns store and closes
// it on Stop.
func NewServer(store database.Store, config Config) *Server {
	metrics := NewMetrics()
	sessions := NewSessionManager(config.SendQueueSize)
	sessions.SetMetrics(metrics)
	hub := NewHub()
	hub.SetMetrics(metrics)

	s := &Server{
		store:     store,
		config:    config,
		sessions:  sessions,
		hub:       hub,
		metrics:   metrics,
		shutdown:  make(chan struct{}),
		startTime: time.Now(),
	}
	s.router = s.buildRouter()
	return s
}

// getServerDataDir returns the relay data directory, creating it if needed
func getServerDataDir() (string, error) {
	var dataDir string
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		dataDir = filepath.Join(xdg, "relaychat")
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".local", "share", "relaychat")
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return dataDir, nil
}

// InitLoggers sets up error and debug loggers and redirects the standard
// logger to stdout and relay.log
func InitLoggers() error {
	dataDir, err := getServerDataDir()
	if err != nil {
		return err
	}

	// Error log goes to stderr and errors.log
	errorFile, err := os.OpenFile(filepath.Join(dataDir, "errors.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}

	// Startup marker distinguishes between runs
	startupMsg := fmt.Sprintf("=== Relay started at %s ===\n", time.Now().Format(time.RFC3339))
	if _, err := errorFile.WriteString(startupMsg); err != nil {
		return err
	}
	errorLog = log.New(io.MultiWriter(os.Stderr, errorFile), "ERROR: ", log.LstdFlags)

	// Debug log goes to /dev/null by default (can be enabled via EnableDebugLogging)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)

	// Truncate relay.log on startup to avoid confusion from multiple runs
	serverLogFile, err := os.OpenFile(filepath.Join(dataDir, "relay.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, serverLogFile))
	return nil
}

// EnableDebugLogging enables debug logging to debug.log. Call it before
// NewServer so request logging picks it up.
func EnableDebugLogging() {
	dataDir, err := getServerDataDir()
	if err != nil {
		log.Printf("Failed to get data directory: %v", err)
		return
	}

	debugLogFile, err := os.OpenFile(filepath.Join(dataDir, "debug.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		log.Printf("Failed to open debug.log: %v", err)
		return
	}

	debugLog = log.New(debugLogFile, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
}

// Handler returns the HTTP handler serving /ws, /api, /metrics and /healthz
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves until Stop
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.HTTPAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.HTTPAddr, err)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		ln.Close()
		return errors.New("relay already stopped")
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.wg.Add(2)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("HTTP server error: %v", err)
		}
	}()
	go s.metricsLoggingLoop()

	log.Printf("Relay listening on %s", ln.Addr())
	return nil
}

// Addr returns the listening address, nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops the relay and closes the store
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.shutdown)
	httpServer := s.httpServer
	s.mu.Unlock()

	log.Println("Graceful shutdown initiated...")

	if httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Printf("HTTP shutdown: %v", err)
		}
		cancel()
	}

	log.Printf("Closing %d client sessions...", s.sessions.Count())
	s.sessions.CloseAll()
	s.wg.Wait()

	if err := s.store.Close(); err != nil {
		log.Printf("Error during database close: %v", err)
		return err
	}
	log.Println("Graceful shutdown complete")
	return nil
}

// handleWebSocket upgrades the request and runs the session
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		debugLog.Printf("Websocket upgrade failed: %v", err)
		return
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		conn.Close()
		return
	}
	sess := s.sessions.CreateSession(conn, c.ClientIP())
	s.wg.Add(2)
	s.mu.Unlock()

	s.connectionsSinceReport.Add(1)
	debugLog.Printf("New connection from %s (session %d)", sess.RemoteAddr, sess.ID)

	go func() {
		defer s.wg.Done()
		sess.writePump()
	}()
	go s.messageLoop(sess)
}

// messageLoop reads frames from a session until the connection ends
func (s *Server) messageLoop(sess *Session) {
	defer s.wg.Done()
	defer s.removeSession(sess)

	conn := sess.conn
	conn.SetReadLimit(int64(protocol.MaxFrameSize) + 64)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	timeout := time.Duration(s.config.HandshakeTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	handshake := time.AfterFunc(timeout, func() {
		if !sess.Authenticated() {
			debugLog.Printf("Session %d: no hello within %v", sess.ID, timeout)
			s.sendError(sess, 0, protocol.ErrCodeAuthRequired, "hello timeout")
			sess.Close()
		}
	})
	defer handshake.Stop()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				debugLog.Printf("Session %d: read error: %v", sess.ID, err)
			} else {
				debugLog.Printf("Session %d: client disconnected", sess.ID)
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			s.sendError(sess, 0, protocol.ErrCodeInvalidFrame, "expected a binary message")
			continue
		}

		frame, err := protocol.ParseFrame(data)
		if err != nil {
			code := uint16(protocol.ErrCodeInvalidFrame)
			if errors.Is(err, protocol.ErrInvalidVersion) {
				code = protocol.ErrCodeUnsupportedVersion
			}
			s.sendError(sess, 0, code, err.Error())
			continue
		}

		debugLog.Printf("Session %d ← RECV: Type=0x%02X (%s) Flags=0x%02X PayloadLen=%d",
			sess.ID, frame.Type, protocol.TypeName(frame.Type), frame.Flags, len(frame.Payload))
		typeName := protocol.TypeName(frame.Type)
		s.metrics.RecordFrameReceived(typeName)

		start := time.Now()
		err = s.handleMessage(sess, frame)
		s.metrics.RecordHandlerDuration(typeName, time.Since(start).Seconds())
		if err != nil {
			errorLog.Printf("Session %d handle error: %v", sess.ID, err)
			s.sendError(sess, frame.RequestID(), protocol.ErrCodeInternalError, fmt.Sprintf("Internal error: %v", err))
		}
	}
}

func (s *Server) removeSession(sess *Session) {
	if s.sessions.RemoveSession(sess.ID) {
		s.disconnectionsSinceReport.Add(1)
	}
	s.hub.RemoveSession(sess)
}

// sendMessage encodes payload and queues it on the session. A session that
// is closing drops the frame silently.
func (s *Server) sendMessage(sess *Session, msgType uint8, payload interface{}) error {
	frame, err := protocol.NewFrame(msgType, payload)
	if err != nil {
		return err
	}
	data, err := frame.Bytes()
	if err != nil {
		return err
	}

	debugLog.Printf("Session %d → SEND: Type=0x%02X (%s) Flags=0x%02X PayloadLen=%d",
		sess.ID, msgType, protocol.TypeName(msgType), frame.Flags, len(frame.Payload))
	if sess.Enqueue(data) {
		s.metrics.RecordFrameSent(protocol.TypeName(msgType))
	}
	return nil
}

// sendError sends an ERROR message to a session
func (s *Server) sendError(sess *Session, requestID uint64, code uint16, message string) error {
	return s.sendMessage(sess, protocol.TypeError, &protocol.ErrorMessage{
		RequestID: requestID,
		Code:      code,
		Message:   message,
	})
}

// metricsLoggingLoop periodically logs key metrics
func (s *Server) metricsLoggingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			connected := s.connectionsSinceReport.Swap(0)
			disconnected := s.disconnectionsSinceReport.Swap(0)
			log.Printf("[METRICS] Active sessions: %d, connected since last: %d, disconnected since last: %d, goroutines: %d, uptime: %s",
				s.sessions.Count(), connected, disconnected, runtime.NumGoroutine(), time.Since(s.startTime).Round(time.Second))
		}
	}
}
