// Package conversations keeps the paginated conversation list and reconciles
// optimistic unread decrements with server refreshes.
package conversations

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tOgg1/toolchat/internal/clock"
	"github.com/tOgg1/toolchat/internal/convkey"
	"github.com/tOgg1/toolchat/internal/events"
	"github.com/tOgg1/toolchat/internal/logging"
	"github.com/tOgg1/toolchat/internal/metrics"
	"github.com/tOgg1/toolchat/internal/models"
	"github.com/tOgg1/toolchat/internal/msgservice"
	"github.com/tOgg1/toolchat/internal/unread"
)

const defaultPageSize = 20

// ReconcileState tracks how a key's local unread count relates to the server.
type ReconcileState int

const (
	// StateSynced means the local count is the last fetched count.
	StateSynced ReconcileState = iota
	// StateAhead means a local decrement has not been seen in a fetch yet.
	StateAhead
	// StateReconciling means a fetch inside the grace window still reported
	// more unread than the local count, which was kept.
	StateReconciling
)

func (s ReconcileState) String() string {
	switch s {
	case StateSynced:
		return "synced"
	case StateAhead:
		return "ahead"
	case StateReconciling:
		return "reconciling"
	default:
		return "unknown"
	}
}

// ListPage is one page of the rendered conversation list.
type ListPage struct {
	Cursor  models.Cursor
	Items   []models.ConversationSummary
	Next    models.Cursor
	HasMore bool
}

// Config wires a Synchronizer.
type Config struct {
	SelfID    string
	PageSize  int
	// Grace is how long a local decrement survives fetches that disagree.
	Grace     time.Duration
	Service   msgservice.Service
	Publisher events.Publisher
	Clock     clock.Clock
	Metrics   *metrics.Sync
}

type entry struct {
	summary  models.ConversationSummary
	server   int
	state    ReconcileState
	markedAt time.Time
}

// Synchronizer stores every summary it has seen. Local unread counts only go
// down; increases come from the server.
type Synchronizer struct {
	selfID    string
	pageSize  int
	grace     time.Duration
	svc       msgservice.Service
	publisher events.Publisher
	clock     clock.Clock
	metrics   *metrics.Sync
	logger    zerolog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	subs    []string
}

// New creates a Synchronizer and subscribes it to read and message events.
func New(cfg Config) *Synchronizer {
	c := cfg.Clock
	if c == nil {
		c = clock.Real{}
	}
	size := cfg.PageSize
	if size <= 0 {
		size = defaultPageSize
	}
	grace := cfg.Grace
	if grace < 0 {
		grace = 0
	}
	s := &Synchronizer{
		selfID:    cfg.SelfID,
		pageSize:  size,
		grace:     grace,
		svc:       cfg.Service,
		publisher: cfg.Publisher,
		clock:     c,
		metrics:   cfg.Metrics,
		logger:    logging.ForUser("conversations", cfg.SelfID),
		entries:   make(map[string]*entry),
	}
	s.subscribe()
	return s
}

func (s *Synchronizer) subscribe() {
	if s.publisher == nil {
		return
	}
	id := "conversations-" + uuid.NewString()
	filter := events.Filter{Types: []events.Type{events.TypeReadChanged, events.TypeMessageAdded}}
	if err := s.publisher.Subscribe(id, filter, s.handle); err != nil {
		s.logger.Warn().Err(err).Msg("subscribe failed")
		return
	}
	s.subs = append(s.subs, id)
}

func (s *Synchronizer) handle(e *events.Event) {
	switch p := e.Payload.(type) {
	case events.ReadChanged:
		s.ApplyRead(e.Key, p.Count, p.Cleared, e.At)
	case events.MessageAdded:
		s.Touch(e.Key, p.Message)
	}
}

// FetchConversations fetches one page of the list and merges it into storage.
// Items holds only conversations that have a last message.
func (s *Synchronizer) FetchConversations(ctx context.Context, filter models.TypeFilter, cursor models.Cursor) (ListPage, error) {
	if filter == "" {
		filter = models.FilterAll
	}
	issued := s.clock.Now()
	res, err := s.svc.GetConversations(ctx, msgservice.ConversationsQuery{
		Type:     filter,
		Page:     cursor.PageNumber(),
		PageSize: s.pageSize,
	})
	s.metrics.RemoteCall("get_conversations", err)
	if err != nil {
		s.logger.Warn().Err(err).Str("filter", string(filter)).Int("page", cursor.PageNumber()).Msg("conversation fetch failed")
		return ListPage{}, models.NewOpError("fetch conversations", string(filter), models.ErrConversationsFetchFailed, err)
	}

	keys, merged := s.merge(res.Conversations, issued)

	page := ListPage{Cursor: cursor, Next: cursor.Next()}
	for _, sum := range merged {
		if sum.LastMessage != nil && filter.Matches(sum.Type) {
			page.Items = append(page.Items, sum)
		}
	}
	page.HasMore = len(res.Conversations) >= s.pageSize && res.Pagination.Current < res.Pagination.Pages

	s.logger.Debug().
		Str("filter", string(filter)).
		Int("page", cursor.PageNumber()).
		Int("fetched", len(res.Conversations)).
		Int("rendered", len(page.Items)).
		Msg("conversations merged")

	if s.publisher != nil {
		s.publisher.Publish(ctx, &events.Event{
			Type:    events.TypeConversationsRefreshed,
			At:      s.clock.Now(),
			Payload: events.ConversationsRefreshed{Keys: keys},
		})
	}
	return page, nil
}

// Refresh re-fetches the first page of the list.
func (s *Synchronizer) Refresh(ctx context.Context, filter models.TypeFilter) error {
	_, err := s.FetchConversations(ctx, filter, models.CursorStart)
	return err
}

// merge applies fetched summaries and returns their keys and merged copies in
// fetch order.
func (s *Synchronizer) merge(fetched []models.ConversationSummary, issued time.Time) ([]string, []models.ConversationSummary) {
	keys := make([]string, 0, len(fetched))
	merged := make([]models.ConversationSummary, 0, len(fetched))

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, incoming := range fetched {
		if _, err := convkey.Parse(incoming.Key); err != nil {
			s.logger.Warn().Err(err).Str("conversation", incoming.Key).Msg("skipping summary with bad key")
			continue
		}
		e := s.entries[incoming.Key]
		if e == nil {
			e = &entry{summary: incoming.Clone(), server: incoming.Unread}
			s.entries[incoming.Key] = e
		} else {
			s.reconcileLocked(e, incoming, issued)
		}
		keys = append(keys, incoming.Key)
		merged = append(merged, e.summary.Clone())
	}
	return keys, merged
}

func (s *Synchronizer) reconcileLocked(e *entry, incoming models.ConversationSummary, issued time.Time) {
	local := e.summary.Unread
	lastMessage := e.summary.LastMessage
	lastActivity := e.summary.LastActivity

	e.summary = incoming.Clone()
	e.server = incoming.Unread

	// Keep a newer locally touched last message.
	if lastActivity.After(incoming.LastActivity) {
		e.summary.LastActivity = lastActivity
		e.summary.LastMessage = lastMessage
	}

	switch {
	case e.state == StateSynced:
	case incoming.Unread <= local:
		e.state = StateSynced
	case !issued.Before(e.markedAt.Add(s.grace)):
		s.logger.Debug().Str("conversation", incoming.Key).Int("local", local).Int("server", incoming.Unread).Msg("server count wins after grace")
		e.state = StateSynced
	default:
		e.state = StateReconciling
		e.summary.Unread = local
	}
}

// ApplyRead lowers the local unread count of key by n, or to zero when cleared.
// It never raises a count. Unknown keys are ignored until they are fetched.
func (s *Synchronizer) ApplyRead(key string, n int, cleared bool, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[key]
	if e == nil {
		return
	}
	local := e.summary.Unread
	next := local - n
	if cleared {
		next = 0
	}
	if next < 0 {
		next = 0
	}
	if next >= local {
		return
	}
	e.summary.Unread = next
	e.markedAt = at
	e.state = StateAhead
}

// Touch records a newly merged message as the key's last message. Unread
// counts are not changed. Unknown keys get a summary with no unread.
func (s *Synchronizer) Touch(key string, msg models.Message) {
	parsed, err := convkey.Parse(key)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[key]
	if e == nil {
		e = &entry{summary: models.ConversationSummary{Key: key, Type: parsed.Type}}
		switch parsed.Type {
		case models.ConversationPrivate:
			if peer, err := parsed.Target(s.selfID); err == nil {
				e.summary.Peer = &models.Participant{ID: peer}
			}
		case models.ConversationCommunity:
			e.summary.Community = &models.Community{ID: parsed.CommunityID}
		}
		s.entries[key] = e
	}
	if msg.CreatedAt.Before(e.summary.LastActivity) {
		return
	}
	m := msg.Clone()
	e.summary.LastMessage = &m
	e.summary.LastActivity = msg.CreatedAt
}

// Get returns the stored summary for key.
func (s *Synchronizer) Get(key string) (models.ConversationSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e := s.entries[key]
	if e == nil {
		return models.ConversationSummary{}, false
	}
	return e.summary.Clone(), true
}

// State reports the reconciliation state of key.
func (s *Synchronizer) State(key string) ReconcileState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e := s.entries[key]; e != nil {
		return e.state
	}
	return StateSynced
}

// Unread reports the local unread count of key.
func (s *Synchronizer) Unread(key string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e := s.entries[key]; e != nil {
		return e.summary.Unread, true
	}
	return 0, false
}

// Summaries returns every stored summary, most recent activity first.
func (s *Synchronizer) Summaries() []models.ConversationSummary {
	return s.collect(func(models.ConversationSummary) bool { return true })
}

// Rendered returns the summaries a list view shows: matching filter and with
// a last message.
func (s *Synchronizer) Rendered(filter models.TypeFilter) []models.ConversationSummary {
	return s.collect(func(sum models.ConversationSummary) bool {
		return sum.LastMessage != nil && filter.Matches(sum.Type)
	})
}

func (s *Synchronizer) collect(keep func(models.ConversationSummary) bool) []models.ConversationSummary {
	s.mu.RLock()
	out := make([]models.ConversationSummary, 0, len(s.entries))
	for _, e := range s.entries {
		if keep(e.summary) {
			out = append(out, e.summary.Clone())
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Entries implements unread.Source.
func (s *Synchronizer) Entries() []unread.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]unread.Entry, 0, len(s.entries))
	for key, e := range s.entries {
		ue := unread.Entry{
			Key:        key,
			Type:       e.summary.Type,
			Local:      e.summary.Unread,
			Server:     e.server,
			Optimistic: e.state != StateSynced,
		}
		if e.summary.Type == models.ConversationCommunity {
			if e.summary.Community != nil && e.summary.Community.ID != "" {
				ue.CommunityID = e.summary.Community.ID
			} else if parsed, err := convkey.Parse(key); err == nil {
				ue.CommunityID = parsed.CommunityID
			}
		}
		out = append(out, ue)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Reset drops every stored summary.
func (s *Synchronizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*entry)
}

// Close removes the event subscriptions.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, id := range subs {
		_ = s.publisher.Unsubscribe(id)
	}
}
