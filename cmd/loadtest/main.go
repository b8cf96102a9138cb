// Command loadtest drives many session controllers against a relay and
// reports how long optimistic sends take to be confirmed.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/relaychat/pkg/chat"
	"github.com/aeolun/relaychat/pkg/remote"
	"github.com/aeolun/relaychat/pkg/session"
	"github.com/google/uuid"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur."

var loremWords = strings.Fields(loremIpsum)

// Stats tracks performance metrics
type Stats struct {
	messagesSent      atomic.Int64
	messagesConfirmed atomic.Int64
	messagesFailed    atomic.Int64
	totalConfirmUs    atomic.Int64
	connectionErrors  atomic.Int64
	successfulClients atomic.Int64
}

func (s *Stats) recordConfirmed(latency time.Duration) {
	s.messagesConfirmed.Add(1)
	s.totalConfirmUs.Add(latency.Microseconds())
}

func (s *Stats) snapshot() (sent, confirmed, failed int64, avgConfirmUs float64) {
	sent = s.messagesSent.Load()
	confirmed = s.messagesConfirmed.Load()
	failed = s.messagesFailed.Load()
	if confirmed > 0 {
		avgConfirmUs = float64(s.totalConfirmUs.Load()) / float64(confirmed)
	}
	return
}

// BotClient is one simulated user with its own relay connection and
// controller
type BotClient struct {
	id    int
	conn  *remote.Client
	ctrl  *session.Controller
	stats *Stats

	// Local ID of each in-flight send and when it was issued
	inflight map[string]time.Time
}

func NewBotClient(id int, relayAddr, password string, stats *Stats) (*BotClient, error) {
	identity := chat.Identity{UserID: uuid.NewString(), DisplayName: fmt.Sprintf("load-%d", id)}
	conn, err := remote.New(remote.Options{
		URL:        relayAddr,
		Identity:   session.StaticIdentity(identity),
		Password:   password,
		ClientName: "relaychat-loadtest",
		Logger:     debugLogger,
	})
	if err != nil {
		return nil, err
	}
	ctrl := session.NewController(conn, session.StaticIdentity(identity), debugLogger)
	ctrl.SetCatalog(conn)
	return &BotClient{id: id, conn: conn, ctrl: ctrl, stats: stats, inflight: make(map[string]time.Time)}, nil
}

// Setup connects and waits until the first channel of the first server is
// live
func (bc *BotClient) Setup(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := bc.conn.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if _, err := bc.ctrl.LoadServers(ctx); err != nil {
		return fmt.Errorf("load servers: %w", err)
	}
	for bc.ctrl.Phase() != session.PhaseLive {
		select {
		case <-bc.ctrl.Updates():
			if snap := bc.ctrl.Snapshot(); snap.HistoryErr != nil {
				return fmt.Errorf("history: %w", snap.HistoryErr)
			}
			if bc.ctrl.Phase() == session.PhaseIdle {
				return fmt.Errorf("no channel to join")
			}
		case <-ctx.Done():
			return fmt.Errorf("waiting for history: %w", ctx.Err())
		}
	}
	return nil
}

func (bc *BotClient) randomMessage() string {
	n := 3 + rand.Intn(12)
	words := make([]string, n)
	for i := range words {
		words[i] = loremWords[rand.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}

func (bc *BotClient) send() {
	localID, err := bc.ctrl.Send(bc.randomMessage())
	if err != nil {
		debugLogger.Printf("[Bot %d] Send failed: %v", bc.id, err)
		bc.stats.messagesFailed.Add(1)
		return
	}
	bc.inflight[localID] = time.Now()
	bc.stats.messagesSent.Add(1)
}

// reconcile retires in-flight sends whose optimistic entry was replaced by
// the relay's copy or marked failed
func (bc *BotClient) reconcile() {
	if len(bc.inflight) == 0 {
		return
	}
	state := make(map[string]chat.Message, len(bc.inflight))
	for _, msg := range bc.ctrl.Snapshot().Messages {
		if _, ok := bc.inflight[msg.ID]; ok {
			state[msg.ID] = msg
		}
	}
	for localID, sentAt := range bc.inflight {
		msg, ok := state[localID]
		switch {
		case !ok:
			// Replaced, so the local ID is gone from the transcript
			bc.stats.recordConfirmed(time.Since(sentAt))
			delete(bc.inflight, localID)
		case msg.Failed:
			bc.stats.messagesFailed.Add(1)
			delete(bc.inflight, localID)
		}
	}
}

func (bc *BotClient) Run(duration, minDelay, maxDelay time.Duration, stop <-chan struct{}) {
	defer bc.conn.Close()
	defer bc.ctrl.Close()

	deadline := time.NewTimer(duration)
	defer deadline.Stop()
	next := time.NewTimer(0)
	defer next.Stop()

	for {
		select {
		case <-next.C:
			bc.send()
			delay := minDelay
			if maxDelay > minDelay {
				delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
			}
			next.Reset(delay)
		case <-bc.ctrl.Updates():
			bc.reconcile()
		case <-deadline.C:
			bc.drain()
			return
		case <-stop:
			return
		}
	}
}

// drain gives outstanding sends a moment to be confirmed
func (bc *BotClient) drain() {
	timeout := time.After(2 * time.Second)
	for len(bc.inflight) > 0 {
		select {
		case <-bc.ctrl.Updates():
			bc.reconcile()
		case <-timeout:
			debugLogger.Printf("[Bot %d] %d sends still pending at exit", bc.id, len(bc.inflight))
			return
		}
	}
}

var debugLogger *log.Logger

func initLogging() error {
	// Create loadtest.log file (truncate on each run to avoid confusion)
	logFile, err := os.OpenFile("loadtest.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to create loadtest.log: %w", err)
	}
	debugLogFile, err := os.OpenFile("loadtest_debug.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to create loadtest_debug.log: %w", err)
	}

	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	log.SetFlags(log.LstdFlags)
	debugLogger = log.New(debugLogFile, "", log.LstdFlags|log.Lmicroseconds)
	return nil
}

func main() {
	relayAddr := flag.String("relay", "localhost:8080", "Relay address")
	password := flag.String("password", os.Getenv("RELAYCHAT_PASSWORD"), "Relay password")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between posts")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between posts")
	flag.Parse()

	if err := initLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}

	// Ramp up over 25% of the test duration
	rampUp := *duration / 4
	stagger := rampUp / time.Duration(*numClients)
	if stagger < time.Millisecond {
		stagger = time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Relay: %s", *relayAddr)
	log.Printf("  Clients: %d", *numClients)
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUp, stagger)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)

	stats := &Stats{}
	stop := make(chan struct{})
	var stopOnce sync.Once
	stopAll := func() { stopOnce.Do(func() { close(stop) }) }

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("Shutdown signal received, stopping test...")
		stopAll()
	}()

	statsDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		start := time.Now()
		for {
			select {
			case <-ticker.C:
				sent, confirmed, failed, avgUs := stats.snapshot()
				log.Printf("Stats: %d sent (%.1f/s), %d confirmed, %d failed, avg confirm %.2fms, goroutines %d",
					sent, float64(sent)/time.Since(start).Seconds(), confirmed, failed, avgUs/1000, runtime.NumGoroutine())
			case <-statsDone:
				return
			}
		}
	}()

	var wg sync.WaitGroup
spawn:
	for i := 0; i < *numClients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			bot, err := NewBotClient(id, *relayAddr, *password, stats)
			if err != nil {
				stats.connectionErrors.Add(1)
				log.Printf("[Bot %d] %v", id, err)
				return
			}
			if err := bot.Setup(10 * time.Second); err != nil {
				stats.connectionErrors.Add(1)
				debugLogger.Printf("[Bot %d] Setup failed: %v", id, err)
				bot.ctrl.Close()
				bot.conn.Close()
				return
			}
			stats.successfulClients.Add(1)
			if id%100 == 0 {
				log.Printf("[Bot %d] Connected", id)
			}
			bot.Run(*duration, *minDelay, *maxDelay, stop)
		}(i)

		select {
		case <-time.After(stagger):
		case <-stop:
			break spawn
		}
	}

	wg.Wait()
	close(statsDone)

	sent, confirmed, failed, avgUs := stats.snapshot()
	log.Printf("=== Final Results ===")
	log.Printf("Clients: %d attempted, %d successful, %d connection errors",
		*numClients, stats.successfulClients.Load(), stats.connectionErrors.Load())
	log.Printf("Messages sent: %d (%.1f/s)", sent, float64(sent)/duration.Seconds())
	log.Printf("Messages confirmed: %d", confirmed)
	log.Printf("Messages failed: %d", failed)
	log.Printf("Average time to confirmation: %.2fms", avgUs/1000)
	if sent > 0 {
		log.Printf("Confirmation rate: %.1f%%", float64(confirmed)/float64(sent)*100)
	}
}
