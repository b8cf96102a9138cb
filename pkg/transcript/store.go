package transcript

import (
	"sort"
	"time"

	"github.com/aeolun/relaychat/pkg/chat"
)

// MatchWindow is how far apart an optimistic entry and an authoritative row
// may be stamped and still be considered the same message.
const MatchWindow = 5 * time.Second

// Outcome describes what Reconcile or Confirm did with a message.
type Outcome int

const (
	Appended  Outcome = iota // Inserted as a new entry
	Replaced                 // Took the place of an optimistic entry
	Duplicate                // Dropped, the ID was already present
	Held                     // Queued until history is loaded
)

func (o Outcome) String() string {
	switch o {
	case Appended:
		return "appended"
	case Replaced:
		return "replaced"
	case Duplicate:
		return "duplicate"
	case Held:
		return "held"
	default:
		return "unknown"
	}
}

// heldEvent is an authoritative row that arrived before history was loaded.
// localID is set when the row came from an echoing write rather than the feed.
type heldEvent struct {
	msg     chat.Message
	localID string
}

// Store is the ordered transcript of a single channel.
//
// Store is not safe for concurrent use. The session controller serialises
// every call.
type Store struct {
	channelID int64
	entries   []chat.Message
	ids       map[string]struct{}
	loading   bool

	held    []heldEvent
	heldIDs map[string]struct{}
}

// New returns an empty, idle store.
func New() *Store {
	return &Store{
		ids:     make(map[string]struct{}),
		heldIDs: make(map[string]struct{}),
	}
}

// Reset clears the transcript and marks it loading for channelID.
func (s *Store) Reset(channelID int64) {
	s.channelID = channelID
	s.entries = nil
	s.ids = make(map[string]struct{})
	s.held = nil
	s.heldIDs = make(map[string]struct{})
	s.loading = true
}

// LoadHistory replaces the authoritative part of the transcript with history,
// sorted by creation time. Optimistic entries appended while loading survive
// unless history already carries their authoritative copy. Rows that arrived
// from the feed in the meantime are replayed afterwards.
func (s *Store) LoadHistory(history []chat.Message) {
	var locals []chat.Message
	for _, m := range s.entries {
		if m.Optimistic() {
			locals = append(locals, m)
		}
	}

	s.entries = make([]chat.Message, 0, len(history)+len(locals))
	s.ids = make(map[string]struct{}, len(history)+len(locals))
	for _, m := range history {
		m.Pending = false
		m.Failed = false
		if m.ID != "" {
			if _, dup := s.ids[m.ID]; dup {
				continue
			}
			s.ids[m.ID] = struct{}{}
		}
		s.entries = append(s.entries, m)
	}
	sort.SliceStable(s.entries, func(i, j int) bool {
		return s.entries[i].CreatedAt.Before(s.entries[j].CreatedAt)
	})

	claimed := make(map[int]bool)
	for _, local := range locals {
		if !local.Failed {
			if i := s.matchAuthoritative(local, claimed); i >= 0 {
				claimed[i] = true
				continue
			}
		}
		s.entries = append(s.entries, local)
		s.ids[local.ID] = struct{}{}
	}

	s.loading = false

	held := s.held
	s.held = nil
	s.heldIDs = make(map[string]struct{})
	for _, ev := range held {
		if ev.localID != "" {
			s.Confirm(ev.localID, ev.msg)
		} else {
			s.Reconcile(ev.msg)
		}
	}
}

// AppendOptimistic adds a locally originated message at the tail, flagged pending.
func (s *Store) AppendOptimistic(msg chat.Message) {
	msg.Pending = true
	msg.Failed = false
	s.entries = append(s.entries, msg)
	if msg.ID != "" {
		s.ids[msg.ID] = struct{}{}
	}
}

// Reconcile merges one authoritative row into the transcript.
//
// A row whose ID is already present is dropped. Otherwise the earliest pending
// entry with the same display name and content, stamped within MatchWindow, is
// replaced in place. Failing that the row is inserted after the last entry not
// newer than it, which is the tail for in-order delivery.
func (s *Store) Reconcile(msg chat.Message) Outcome {
	msg.Pending = false
	msg.Failed = false

	if s.has(msg.ID) {
		return Duplicate
	}

	if s.loading {
		return s.hold(heldEvent{msg: msg})
	}

	if i := s.findCandidate(msg); i >= 0 {
		s.replaceAt(i, msg)
		return Replaced
	}

	s.insertSorted(msg)
	return Appended
}

// Confirm correlates an authoritative row with the optimistic entry localID
// directly, for writers that echo the persisted row back.
func (s *Store) Confirm(localID string, msg chat.Message) Outcome {
	msg.Pending = false
	msg.Failed = false

	if s.has(msg.ID) {
		// The feed got there first; drop the placeholder if it is still around.
		if i := s.indexOf(localID); i >= 0 && s.entries[i].Optimistic() {
			s.removeAt(i)
		}
		return Duplicate
	}

	if s.loading {
		return s.hold(heldEvent{msg: msg, localID: localID})
	}

	if i := s.indexOf(localID); i >= 0 && s.entries[i].Optimistic() {
		s.replaceAt(i, msg)
		return Replaced
	}

	return s.Reconcile(msg)
}

// MarkFailed flags the entry with the given local ID as failed, in place.
// It reports whether such an entry exists.
func (s *Store) MarkFailed(localID string) bool {
	i := s.indexOf(localID)
	if i < 0 || !s.entries[i].Optimistic() {
		return false
	}
	s.entries[i].Failed = true
	s.entries[i].Pending = false
	return true
}

// Requeue turns a failed entry back into a pending one stamped at, moving it to
// the tail so the next authoritative row can match it.
func (s *Store) Requeue(localID string, at time.Time) (chat.Message, bool) {
	i := s.indexOf(localID)
	if i < 0 || !s.entries[i].Failed {
		return chat.Message{}, false
	}

	msg := s.entries[i]
	s.removeAt(i)
	msg.CreatedAt = at
	s.AppendOptimistic(msg)
	msg.Pending = true
	msg.Failed = false
	return msg, true
}

// Messages returns a copy of the transcript in display order.
func (s *Store) Messages() []chat.Message {
	out := make([]chat.Message, len(s.entries))
	copy(out, s.entries)
	return out
}

// Lookup returns the entry with the given ID.
func (s *Store) Lookup(id string) (chat.Message, bool) {
	if i := s.indexOf(id); i >= 0 {
		return s.entries[i], true
	}
	return chat.Message{}, false
}

// Len returns the number of visible entries.
func (s *Store) Len() int {
	return len(s.entries)
}

// Loading reports whether history has not been loaded since the last Reset.
func (s *Store) Loading() bool {
	return s.loading
}

// ChannelID returns the channel passed to the last Reset.
func (s *Store) ChannelID() int64 {
	return s.channelID
}

// HeldCount returns the number of rows waiting for history.
func (s *Store) HeldCount() int {
	return len(s.held)
}

func (s *Store) has(id string) bool {
	if id == "" {
		return false
	}
	_, ok := s.ids[id]
	return ok
}

func (s *Store) hold(ev heldEvent) Outcome {
	if ev.msg.ID != "" {
		if _, ok := s.heldIDs[ev.msg.ID]; ok {
			if ev.localID != "" {
				for i := range s.held {
					if s.held[i].msg.ID == ev.msg.ID && s.held[i].localID == "" {
						s.held[i].localID = ev.localID
					}
				}
			}
			return Duplicate
		}
		s.heldIDs[ev.msg.ID] = struct{}{}
	}
	s.held = append(s.held, ev)
	return Held
}

func (s *Store) indexOf(id string) int {
	if !s.has(id) {
		return -1
	}
	for i := range s.entries {
		if s.entries[i].ID == id {
			return i
		}
	}
	return -1
}

// findCandidate returns the earliest pending entry that msg confirms, or -1.
func (s *Store) findCandidate(msg chat.Message) int {
	for i, e := range s.entries {
		if !e.Pending || e.Failed {
			continue
		}
		if e.DisplayName == msg.DisplayName && e.Content == msg.Content && withinWindow(e.CreatedAt, msg.CreatedAt) {
			return i
		}
	}
	return -1
}

// matchAuthoritative returns the earliest unclaimed authoritative entry that
// local is an optimistic copy of, or -1.
func (s *Store) matchAuthoritative(local chat.Message, claimed map[int]bool) int {
	for i, e := range s.entries {
		if claimed[i] || e.Optimistic() {
			continue
		}
		if e.DisplayName == local.DisplayName && e.Content == local.Content && withinWindow(e.CreatedAt, local.CreatedAt) {
			return i
		}
	}
	return -1
}

func (s *Store) replaceAt(i int, msg chat.Message) {
	delete(s.ids, s.entries[i].ID)
	s.entries[i] = msg
	if msg.ID != "" {
		s.ids[msg.ID] = struct{}{}
	}
}

func (s *Store) removeAt(i int) {
	delete(s.ids, s.entries[i].ID)
	s.entries = append(s.entries[:i], s.entries[i+1:]...)
}

// insertSorted places msg after the last entry not newer than it. Rows
// without a timestamp have no place in that order; they go to the tail and
// are skipped over when placing later rows.
func (s *Store) insertSorted(msg chat.Message) {
	i := len(s.entries)
	if !msg.CreatedAt.IsZero() {
		for i > 0 && (s.entries[i-1].CreatedAt.IsZero() || s.entries[i-1].CreatedAt.After(msg.CreatedAt)) {
			i--
		}
		for i < len(s.entries) && s.entries[i].CreatedAt.IsZero() {
			i++
		}
	}
	s.entries = append(s.entries, chat.Message{})
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = msg
	if msg.ID != "" {
		s.ids[msg.ID] = struct{}{}
	}
}

func withinWindow(a, b time.Time) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d < MatchWindow
}
