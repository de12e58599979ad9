// Package chat implements the message synchronization engine: an
// ordered, deduplicated view of paged history and live events, with
// day separators rebuilt after every structural change.
package chat

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/text/language"

	"github.com/mikhailofff/chat-sync/internal/api"
	"github.com/mikhailofff/chat-sync/internal/chaterr"
)

// Backend is the slice of the REST client the store needs. The api
// client satisfies it; tests substitute a fake.
type Backend interface {
	Messages(ctx context.Context, lastID int64, limit int) ([]api.Message, error)
	SendMessage(ctx context.Context, content, createdAt, createdBy string) (int64, error)
	UpdateMessage(ctx context.Context, id int64, content string) error
	DeleteMessage(ctx context.Context, id int64) error
}

// Publisher is the realtime send primitive. After a successful create
// the store publishes the message so every participant, the sender
// included, receives it as a broadcast echo.
type Publisher interface {
	Publish(msg api.Message) error
	Connected() bool
}

// cursor tracks backward pagination: the oldest loaded message id and
// whether more history remains. loading guards against overlapping
// backward requests.
type cursor struct {
	oldestID int64
	hasMore  bool
	loading  bool
}

// Store owns the ordered message sequence. The REST path and the
// realtime path are independent producers; the mutex keeps the
// single-writer discipline between them. It is never held across a
// network call, so merges of a stale response are handled by id
// deduplication rather than serialization.
type Store struct {
	backend  Backend
	channel  Publisher
	logger   *slog.Logger
	username string
	layout   string

	// now is the clock used for Today/Yesterday labels and edit
	// timestamps. Injectable for tests.
	now func() time.Time

	mu       sync.Mutex
	messages []Message
	ids      map[int64]struct{}
	entries  []Entry
	cursor   cursor
	online   int
	userlist []string

	onChange func()
}

// NewStore creates a store for the given user. locale selects the date
// layout used in day separator labels.
func NewStore(backend Backend, username string, locale language.Tag, logger *slog.Logger) *Store {
	return &Store{
		backend:  backend,
		logger:   logger,
		username: username,
		layout:   DateLayout(locale),
		now:      time.Now,
		ids:      make(map[int64]struct{}),
		cursor:   cursor{hasMore: true},
	}
}

// SetChannel attaches the realtime send primitive. Without one, sends
// still succeed but the author only sees the message after the next
// catch-up load.
func (s *Store) SetChannel(ch Publisher) {
	s.channel = ch
}

// SetOnChange registers a hook invoked after every visible change.
// Called without the store lock held.
func (s *Store) SetOnChange(fn func()) {
	s.onChange = fn
}

func (s *Store) notify() {
	if s.onChange != nil {
		s.onChange()
	}
}

// rebuild regenerates the derived entry sequence. Callers hold the lock.
func (s *Store) rebuild() {
	s.entries = InsertDateHeaders(s.now(), s.layout, s.messages)
}

// Entries returns a snapshot of the rendered sequence.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, len(s.entries))
	copy(out, s.entries)

	return out
}

// HasMore reports whether older history may remain.
func (s *Store) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cursor.hasMore
}

// OnlineCount returns the last presence count received.
func (s *Store) OnlineCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.online
}

// Userlist returns the usernames currently connected, as last broadcast.
func (s *Store) Userlist() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, len(s.userlist))
	copy(out, s.userlist)

	return out
}

// LoadInitial replaces the store with the newest page. Also used as
// the catch-up step after a realtime reconnect.
func (s *Store) LoadInitial(ctx context.Context) error {
	wire, err := s.backend.Messages(ctx, 0, PageSize)
	if err != nil {
		return err
	}

	msgs := convertAscending(wire)

	s.mu.Lock()
	s.messages = msgs
	s.ids = make(map[int64]struct{}, len(msgs))
	for _, m := range msgs {
		s.ids[m.ID] = struct{}{}
	}
	s.reanchor()
	s.rebuild()
	s.mu.Unlock()

	s.logger.Debug("initial page loaded", slog.Int("messages", len(msgs)))
	s.notify()

	return nil
}

// LoadOlder merges one backward page in front of the current sequence.
// It is a no-op while another load is in flight or when history is
// exhausted, and requires at least one loaded message to anchor the
// cursor.
func (s *Store) LoadOlder(ctx context.Context) error {
	s.mu.Lock()
	if !s.cursor.hasMore || s.cursor.loading {
		s.mu.Unlock()
		return nil
	}
	if len(s.messages) == 0 {
		s.mu.Unlock()
		return chaterr.ErrNoCursor
	}
	anchor := s.cursor.oldestID
	s.cursor.loading = true
	s.mu.Unlock()

	wire, err := s.backend.Messages(ctx, anchor, PageSize)

	s.mu.Lock()
	s.cursor.loading = false
	if err != nil {
		s.mu.Unlock()
		return err
	}

	if len(wire) < PageSize {
		s.cursor.hasMore = false
	}

	// Dedup against the current view so a stale page applied after a
	// newer one cannot introduce duplicates.
	page := convertAscending(wire)
	fresh := page[:0]
	for _, m := range page {
		if _, dup := s.ids[m.ID]; dup {
			continue
		}
		fresh = append(fresh, m)
	}

	if len(fresh) > 0 {
		merged := make([]Message, 0, len(fresh)+len(s.messages))
		merged = append(merged, fresh...)
		merged = append(merged, s.messages...)
		s.messages = merged
		for _, m := range fresh {
			s.ids[m.ID] = struct{}{}
		}
		s.reanchor()
		s.rebuild()
	}
	hasMore := s.cursor.hasMore
	s.mu.Unlock()

	s.logger.Debug("older page merged",
		slog.Int("received", len(wire)),
		slog.Int("applied", len(fresh)),
		slog.Bool("has_more", hasMore),
	)
	s.notify()

	return nil
}

// AppendLive inserts a message arriving from the realtime path at the
// tail. Delivery order under concurrent senders is arrival order, not
// creation-time order; the tail append is the defined behavior for the
// live path. Duplicate ids are dropped.
func (s *Store) AppendLive(wire api.Message) {
	msg := FromWire(wire)

	s.mu.Lock()
	if _, dup := s.ids[msg.ID]; dup {
		s.mu.Unlock()
		return
	}
	s.messages = append(s.messages, msg)
	s.ids[msg.ID] = struct{}{}
	s.reanchor()
	s.rebuild()
	s.mu.Unlock()

	s.notify()
}

// SetPresence records the latest presence broadcast.
func (s *Store) SetPresence(count int, userlist []string) {
	s.mu.Lock()
	s.online = count
	s.userlist = userlist
	s.mu.Unlock()

	s.notify()
}

// Send creates the message server-side and publishes it over the
// realtime channel. The store does not append locally: the message
// enters the view through the broadcast echo, so local and remote
// copies cannot diverge. If the channel is down at send time the
// author will not see the message until the next reconnect catch-up.
func (s *Store) Send(ctx context.Context, content string) error {
	createdAt := s.now().UTC().Format(time.RFC3339)

	id, err := s.backend.SendMessage(ctx, content, createdAt, s.username)
	if err != nil {
		return err
	}

	echo := api.Message{
		ID:        id,
		Content:   content,
		CreatedAt: createdAt,
		CreatedBy: s.username,
	}

	if s.channel == nil || !s.channel.Connected() {
		s.logger.Warn("realtime channel down; sent message will appear after reconnect",
			slog.Int64("id", id))
		return nil
	}

	if err := s.channel.Publish(echo); err != nil {
		s.logger.Warn("publishing sent message", slog.String("error", err.Error()))
	}

	return nil
}

// Edit replaces a message's content in place. Ordering and headers are
// untouched; only content and the updated timestamp change.
func (s *Store) Edit(ctx context.Context, id int64, content string) error {
	s.mu.Lock()
	if _, ok := s.ids[id]; !ok {
		s.mu.Unlock()
		return chaterr.NotFound(id)
	}
	s.mu.Unlock()

	if err := s.backend.UpdateMessage(ctx, id, content); err != nil {
		return err
	}

	now := s.now()

	s.mu.Lock()
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages[i].Content = content
			s.messages[i].UpdatedAt = &now
			break
		}
	}
	s.rebuild()
	s.mu.Unlock()

	s.notify()

	return nil
}

// Delete removes a message by id. The store is only mutated after the
// server confirms.
func (s *Store) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	if _, ok := s.ids[id]; !ok {
		s.mu.Unlock()
		return chaterr.NotFound(id)
	}
	s.mu.Unlock()

	if err := s.backend.DeleteMessage(ctx, id); err != nil {
		return err
	}

	s.mu.Lock()
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			break
		}
	}
	delete(s.ids, id)
	s.reanchor()
	s.rebuild()
	s.mu.Unlock()

	s.notify()

	return nil
}

// reanchor points the cursor at the oldest message actually present.
// Callers hold the lock.
func (s *Store) reanchor() {
	if len(s.messages) == 0 {
		s.cursor.oldestID = 0
		return
	}

	s.cursor.oldestID = s.messages[0].ID
}

// convertAscending converts a wire page and normalizes it to ascending
// creation time (id as tiebreak), whichever order the server returned.
func convertAscending(wire []api.Message) []Message {
	msgs := make([]Message, 0, len(wire))
	for _, w := range wire {
		msgs = append(msgs, FromWire(w))
	}

	sort.SliceStable(msgs, func(i, j int) bool {
		return older(msgs[i], msgs[j])
	})

	return msgs
}

func older(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}

	return a.ID < b.ID
}
