package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/aeolun/relaychat/pkg/chat"
	"github.com/aeolun/relaychat/pkg/transcript"
	"github.com/google/uuid"
)

var (
	// ErrEmptyMessage is returned when the content is empty after trimming.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrChannelNotActive is returned when sending to a channel that is not selected.
	ErrChannelNotActive = errors.New("channel is not active")
	// ErrNotFailed is returned by Resend for entries that are not marked failed.
	ErrNotFailed = errors.New("message has not failed")
	// ErrNoIdentity is returned when no identity provider is configured.
	ErrNoIdentity = errors.New("no identity available")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session closed")
)

// Phase is the lifecycle of the active channel.
type Phase int

const (
	PhaseIdle    Phase = iota // No channel, no subscription
	PhaseLoading              // History fetch in flight
	PhaseLive                 // History loaded
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseLoading:
		return "loading"
	case PhaseLive:
		return "live"
	default:
		return "unknown"
	}
}

// Snapshot is a consistent copy of the controller state for rendering.
type Snapshot struct {
	Phase      Phase
	ServerID   int64
	ChannelID  int64
	Servers    []chat.Server
	Channels   []chat.Channel
	Messages   []chat.Message
	HistoryErr error
	Subscribed bool
}

// Controller binds exactly one subscription to the active channel and routes
// its events into the transcript.
//
// Every activation of a channel bumps the epoch. Callbacks capture the epoch
// they were started under and are discarded once it no longer matches, so a
// late event or history response from a previous channel never reaches the
// transcript.
type Controller struct {
	mu sync.Mutex

	backend  Backend
	catalog  Catalog
	identity IdentityProvider
	logger   *log.Logger
	now      func() time.Time
	newID    func() string

	store      *transcript.Store
	epoch      uint64
	phase      Phase
	hasChannel bool
	channelID  int64
	serverID   int64
	servers    []chat.Server
	channels   []chat.Channel
	historyErr error

	// Active subscription and the context its goroutines run under.
	sub        Subscription
	activeCtx  context.Context
	cancelLive context.CancelFunc

	resubscribeDelay    time.Duration
	maxResubscribeDelay time.Duration

	updates chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

// NewController creates a controller in the idle phase.
func NewController(backend Backend, identity IdentityProvider, logger *log.Logger) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		backend:             backend,
		identity:            identity,
		logger:              logger,
		now:                 time.Now,
		newID:               uuid.NewString,
		store:               transcript.New(),
		resubscribeDelay:    1 * time.Second,
		maxResubscribeDelay: 30 * time.Second,
		updates:             make(chan struct{}, 1),
		ctx:                 ctx,
		cancel:              cancel,
	}
}

// SetCatalog enables server and channel navigation.
func (c *Controller) SetCatalog(catalog Catalog) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.catalog = catalog
}

// SetClock overrides the wall clock used to stamp optimistic messages.
func (c *Controller) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// SetIDGenerator overrides how local message IDs are generated.
func (c *Controller) SetIDGenerator(newID func() string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.newID = newID
}

// SetResubscribeDelay sets the backoff bounds used after a subscription drops.
func (c *Controller) SetResubscribeDelay(initial, max time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resubscribeDelay = initial
	c.maxResubscribeDelay = max
}

func (c *Controller) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// Updates delivers a coalesced signal whenever the snapshot changes.
func (c *Controller) Updates() <-chan struct{} {
	return c.updates
}

// Done is closed when the controller shuts down.
func (c *Controller) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *Controller) notify() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Phase:      c.phase,
		ServerID:   c.serverID,
		ChannelID:  c.channelID,
		Servers:    append([]chat.Server(nil), c.servers...),
		Channels:   append([]chat.Channel(nil), c.channels...),
		Messages:   c.store.Messages(),
		HistoryErr: c.historyErr,
		Subscribed: c.sub != nil,
	}
	if !c.hasChannel {
		snap.ChannelID = 0
	}
	return snap
}

// Messages returns the visible transcript.
func (c *Controller) Messages() []chat.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Messages()
}

// Phase returns the lifecycle phase of the active channel.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// ActiveChannel returns the selected channel, if any.
func (c *Controller) ActiveChannel() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelID, c.hasChannel
}

// SelectChannel makes channelID the active channel. The previous subscription
// is released before anything is started for the new one; history and the
// new subscription are then started concurrently.
func (c *Controller) SelectChannel(channelID int64) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.channels != nil && !containsChannel(c.channels, channelID) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownChannel, channelID)
	}

	c.teardownLocked()
	c.epoch++
	epoch := c.epoch
	c.hasChannel = true
	c.channelID = channelID
	c.phase = PhaseLoading
	c.historyErr = nil
	c.store.Reset(channelID)

	ctx, cancel := context.WithCancel(c.ctx)
	c.activeCtx = ctx
	c.cancelLive = cancel

	c.wg.Add(2)
	c.mu.Unlock()
	c.notify()

	c.logf("Selected channel %d (epoch %d)", channelID, epoch)
	go c.loadHistory(ctx, epoch, channelID)
	go c.runSubscription(ctx, epoch, channelID)
	return nil
}

// Deselect returns to the idle phase, releasing the subscription.
func (c *Controller) Deselect() {
	c.mu.Lock()
	c.teardownLocked()
	c.epoch++
	c.hasChannel = false
	c.channelID = 0
	c.phase = PhaseIdle
	c.historyErr = nil
	c.store = transcript.New()
	c.mu.Unlock()
	c.notify()
}

// teardownLocked releases the active subscription and cancels every goroutine
// started for it. Callers must hold c.mu and bump the epoch.
func (c *Controller) teardownLocked() {
	if c.cancelLive != nil {
		c.cancelLive()
		c.cancelLive = nil
	}
	if c.sub != nil {
		if err := c.sub.Close(); err != nil {
			c.logf("Closing subscription for channel %d: %v", c.channelID, err)
		}
		c.sub = nil
	}
}

// loadHistory performs the bulk fetch for one activation.
func (c *Controller) loadHistory(ctx context.Context, epoch uint64, channelID int64) {
	defer c.wg.Done()

	msgs, err := c.backend.FetchHistory(ctx, channelID)

	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.historyErr = fmt.Errorf("fetch history for channel %d: %w", channelID, err)
		c.mu.Unlock()
		c.logf("History fetch for channel %d failed: %v", channelID, err)
		c.notify()
		return
	}
	c.store.LoadHistory(msgs)
	c.phase = PhaseLive
	c.mu.Unlock()

	c.logf("Loaded %d messages for channel %d", len(msgs), channelID)
	c.notify()
}

// RetryHistory reissues the bulk fetch after it failed.
func (c *Controller) RetryHistory() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.hasChannel {
		c.mu.Unlock()
		return ErrChannelNotActive
	}
	if c.historyErr == nil {
		c.mu.Unlock()
		return nil
	}
	c.historyErr = nil
	epoch, channelID, ctx := c.epoch, c.channelID, c.activeCtx
	c.wg.Add(1)
	c.mu.Unlock()
	c.notify()

	go c.loadHistory(ctx, epoch, channelID)
	return nil
}

// resync merges a fresh history snapshot into a live transcript. It covers the
// gap between the snapshot and the subscription, and any events missed while
// a dropped subscription was being re-established.
func (c *Controller) resync(ctx context.Context, epoch uint64, channelID int64) {
	defer c.wg.Done()

	msgs, err := c.backend.FetchHistory(ctx, channelID)
	if err != nil {
		if ctx.Err() == nil {
			c.logf("Resync of channel %d failed: %v", channelID, err)
		}
		return
	}

	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		return
	}
	merged := 0
	for _, msg := range msgs {
		if c.store.Reconcile(msg) != transcript.Duplicate {
			merged++
		}
	}
	c.mu.Unlock()

	if merged > 0 {
		c.logf("Resync of channel %d merged %d messages", channelID, merged)
		c.notify()
	}
}

// runSubscription owns the feed for one activation: it subscribes, pumps
// events into the transcript and resubscribes with backoff when the feed
// drops, until the activation is torn down.
func (c *Controller) runSubscription(ctx context.Context, epoch uint64, channelID int64) {
	defer c.wg.Done()

	c.mu.Lock()
	initial, maxDelay := c.resubscribeDelay, c.maxResubscribeDelay
	c.mu.Unlock()

	delay := initial

	attempt := 0
	for {
		sub, err := c.backend.Subscribe(ctx, channelID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempt++
			c.logf("Subscribe to channel %d failed (attempt %d): %v", channelID, attempt, err)
			if !sleepCtx(ctx, delay) {
				return
			}
			delay = nextDelay(delay, maxDelay)
			continue
		}

		c.mu.Lock()
		if epoch != c.epoch {
			c.mu.Unlock()
			sub.Close()
			return
		}
		c.sub = sub
		needResync := attempt > 0 || !c.store.Loading()
		if needResync {
			c.wg.Add(1)
		}
		c.mu.Unlock()
		c.notify()

		if needResync {
			go c.resync(ctx, epoch, channelID)
		}
		delay = initial

		for msg := range sub.Events() {
			c.apply(epoch, channelID, msg)
		}

		c.mu.Lock()
		stale := epoch != c.epoch
		if !stale && c.sub == sub {
			c.sub = nil
		}
		c.mu.Unlock()

		if stale || ctx.Err() != nil {
			return
		}

		attempt++
		if err := sub.Err(); err != nil {
			c.logf("Subscription to channel %d dropped: %v", channelID, err)
		} else {
			c.logf("Subscription to channel %d closed by backend", channelID)
		}
		c.notify()

		if !sleepCtx(ctx, delay) {
			return
		}
		delay = nextDelay(delay, maxDelay)
	}
}

// apply routes one feed event into the transcript if it still belongs to the
// active channel.
func (c *Controller) apply(epoch uint64, channelID int64, msg chat.Message) {
	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		return
	}
	if msg.ChannelID != 0 && msg.ChannelID != channelID {
		c.mu.Unlock()
		c.logf("Dropping message %s for channel %d on channel %d feed", msg.ID, msg.ChannelID, channelID)
		return
	}
	outcome := c.store.Reconcile(msg)
	c.mu.Unlock()

	if outcome != transcript.Duplicate {
		c.notify()
	}
}

// Send posts content to the active channel as the current identity.
func (c *Controller) Send(content string) (string, error) {
	if c.identity == nil {
		return "", ErrNoIdentity
	}
	c.mu.Lock()
	channelID, ok := c.channelID, c.hasChannel
	c.mu.Unlock()
	if !ok {
		return "", ErrChannelNotActive
	}
	return c.SendMessage(channelID, content, c.identity.Identity())
}

// SendMessage appends an optimistic entry and issues the write. The entry is
// in the transcript before SendMessage returns; the write completes in the
// background and marks the entry failed if it errors.
func (c *Controller) SendMessage(channelID int64, content string, sender chat.Identity) (string, error) {
	content = chat.NormalizeContent(content)
	if content == "" {
		return "", ErrEmptyMessage
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	if !c.hasChannel || c.channelID != channelID {
		c.mu.Unlock()
		return "", ErrChannelNotActive
	}

	msg := chat.Message{
		ID:          c.newID(),
		Content:     content,
		DisplayName: sender.DisplayName,
		UserID:      sender.UserID,
		ChannelID:   channelID,
		CreatedAt:   c.now(),
	}
	c.store.AppendOptimistic(msg)
	epoch := c.epoch
	c.wg.Add(1)
	c.mu.Unlock()
	c.notify()

	go c.write(c.ctx, epoch, msg)
	return msg.ID, nil
}

// Resend re-runs the write for a failed entry.
func (c *Controller) Resend(localID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	msg, ok := c.store.Requeue(localID, c.now())
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFailed, localID)
	}
	epoch := c.epoch
	c.wg.Add(1)
	c.mu.Unlock()
	c.notify()

	go c.write(c.ctx, epoch, msg)
	return nil
}

// write issues one write for an optimistic entry.
func (c *Controller) write(ctx context.Context, epoch uint64, msg chat.Message) {
	defer c.wg.Done()

	var row chat.Message
	var echoed bool
	var err error
	if ew, ok := c.backend.(EchoWriter); ok {
		row, err = ew.PostMessageEcho(ctx, msg.Draft())
		echoed = err == nil
	} else {
		err = c.backend.PostMessage(ctx, msg.Draft())
	}

	if err == nil && !echoed {
		return
	}

	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.store.MarkFailed(msg.ID)
	} else {
		c.store.Confirm(msg.ID, row)
	}
	c.mu.Unlock()

	if err != nil {
		c.logf("Send of %s to channel %d failed: %v", msg.ID, msg.ChannelID, err)
	}
	c.notify()
}

// Close tears down the active subscription and waits for background work.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.teardownLocked()
	c.epoch++
	c.phase = PhaseIdle
	c.hasChannel = false
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func nextDelay(delay, max time.Duration) time.Duration {
	delay *= 2
	if delay > max {
		delay = max
	}
	return delay
}
