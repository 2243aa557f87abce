// Package history caches paginated conversation history.
//
// Pages are appended in fetch order and never reordered. Every message id is
// stored at most once per conversation, so offset drift between page fetches,
// retries and locally sent messages never produce duplicates. Flatten returns
// the cached messages oldest first.
package history

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/tOgg1/toolchat/internal/clock"
	"github.com/tOgg1/toolchat/internal/convkey"
	"github.com/tOgg1/toolchat/internal/events"
	"github.com/tOgg1/toolchat/internal/logging"
	"github.com/tOgg1/toolchat/internal/metrics"
	"github.com/tOgg1/toolchat/internal/models"
	"github.com/tOgg1/toolchat/internal/msgservice"
)

const defaultPageSize = 20

// catchUpPages bounds how many pages RefreshLatest reads looking for the
// newest cached message.
const catchUpPages = 5

// ErrCursorOutOfOrder is returned when a cursor skips past the next unfetched page.
var ErrCursorOutOfOrder = errors.New("cursor out of order")

// ReadOverlay reports confirmed local reads that win over stale server flags.
type ReadOverlay interface {
	IsRead(id string) bool
}

// Config wires a Store.
type Config struct {
	// SelfID is the signed-in user; it resolves private keys to a target.
	SelfID    string
	PageSize  int
	Service   msgservice.Service
	Publisher events.Publisher
	Clock     clock.Clock
	Metrics   *metrics.Sync
}

// State describes what is cached for one conversation.
type State struct {
	Pages        int
	Messages     int
	Next         models.Cursor
	Exhausted    bool
	LastActivity time.Time
}

// Store is the per-session history cache.
type Store struct {
	selfID    string
	pageSize  int
	svc       msgservice.Service
	publisher events.Publisher
	clock     clock.Clock
	metrics   *metrics.Sync
	logger    zerolog.Logger
	flight    singleflight.Group

	mu      sync.RWMutex
	convs   map[string]*conversation
	index   map[string]string // message id -> key
	overlay ReadOverlay
}

type conversation struct {
	// fetchMu serializes remote page fetches for this key.
	fetchMu sync.Mutex

	pages []models.Page
	// provisional is set when pages[0] was created by a local insert and has
	// not been fetched yet.
	provisional  bool
	ids          map[string]struct{}
	exhausted    bool
	totalPages   int
	lastActivity time.Time

	flat      []models.Message
	flatValid bool
}

// New creates a Store.
func New(cfg Config) *Store {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	c := cfg.Clock
	if c == nil {
		c = clock.Real{}
	}
	return &Store{
		selfID:    cfg.SelfID,
		pageSize:  pageSize,
		svc:       cfg.Service,
		publisher: cfg.Publisher,
		clock:     c,
		metrics:   cfg.Metrics,
		logger:    logging.ForUser("history", cfg.SelfID),
		convs:     make(map[string]*conversation),
		index:     make(map[string]string),
	}
}

// SetReadOverlay installs the overlay consulted for every inserted message.
func (s *Store) SetReadOverlay(overlay ReadOverlay) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overlay = overlay
}

// PageSize is the page size requested from the service.
func (s *Store) PageSize() int { return s.pageSize }

// FetchPage loads the page at cursor for key. CursorStart is the most recent
// page. Refetching a committed cursor returns the cached page without a remote
// call; a cursor beyond the terminal page returns an empty page with HasMore
// false. Concurrent identical requests share one remote call.
func (s *Store) FetchPage(ctx context.Context, key string, cursor models.Cursor) (models.Page, error) {
	parsed, err := convkey.Parse(key)
	if err != nil {
		return models.Page{}, err
	}
	target, err := parsed.Target(s.selfID)
	if err != nil {
		return models.Page{}, fmt.Errorf("%w: %v", models.ErrInvalidConversationType, err)
	}

	flightKey := key + "#" + strconv.Itoa(cursor.PageNumber())
	v, err, _ := s.flight.Do(flightKey, func() (any, error) {
		return s.fetchPage(ctx, key, parsed.Type, target, cursor)
	})
	if err != nil {
		return models.Page{}, err
	}
	return v.(models.Page).Clone(), nil
}

func (s *Store) fetchPage(ctx context.Context, key string, t models.ConversationType, target string, cursor models.Cursor) (models.Page, error) {
	conv := s.conversation(key)
	conv.fetchMu.Lock()
	defer conv.fetchMu.Unlock()

	page := cursor.PageNumber()

	s.mu.RLock()
	committed := len(conv.pages)
	if conv.provisional {
		committed = 0
	}
	exhausted := conv.exhausted
	var cached models.Page
	if page <= committed {
		cached = conv.pages[page-1].Clone()
	}
	totalPages := conv.totalPages
	s.mu.RUnlock()

	switch {
	case page <= committed:
		return cached, nil
	case exhausted:
		return models.Page{Cursor: cursor, Next: cursor, TotalPages: totalPages}, nil
	case page > committed+1:
		return models.Page{}, fmt.Errorf("%w: %s requested page %d, next is %d", ErrCursorOutOfOrder, key, page, committed+1)
	}

	res, err := s.svc.GetMessages(ctx, msgservice.MessagesQuery{
		Type:     t,
		Target:   target,
		Page:     page,
		PageSize: s.pageSize,
	})
	s.metrics.RemoteCall("get_messages", err)
	if err != nil {
		s.logger.Warn().Err(err).Str("conversation", key).Int("page", page).Msg("history fetch failed")
		return models.Page{}, models.NewOpError("fetch page", key, models.ErrHistoryFetchFailed, err)
	}

	s.mu.Lock()
	fresh, dups := s.admitLocked(key, conv, res.Messages)
	done := res.Exhausted(s.pageSize)
	next := models.Cursor(page + 1)
	committedPage := models.Page{
		Cursor:     cursor,
		Messages:   fresh,
		Next:       next,
		HasMore:    !done,
		TotalPages: res.Pagination.Pages,
	}
	if page == 1 && conv.provisional {
		// Locally inserted messages are newer than anything on the first page.
		committedPage.Messages = append(conv.pages[0].Messages, fresh...)
		conv.pages[0] = committedPage
		conv.provisional = false
	} else {
		conv.pages = append(conv.pages, committedPage)
	}
	conv.exhausted = done
	conv.totalPages = res.Pagination.Pages
	conv.flatValid = false
	s.touchLocked(conv, fresh)
	out := committedPage.Clone()
	s.mu.Unlock()

	s.metrics.Merged("fetch", len(fresh), dups)
	s.logger.Debug().
		Str("conversation", key).
		Int("page", page).
		Int("merged", len(fresh)).
		Int("duplicates", dups).
		Bool("exhausted", done).
		Msg("page committed")
	return out, nil
}

// RefreshLatest reads pages from the most recent one until a page overlaps
// the cache, then inserts the unseen messages at the front of the first page
// in order, publishing each as an arrival. When catchUpPages pages bring no
// overlap the cache for key is replaced by the pages just read. Without any
// fetched page it behaves like FetchPage(CursorStart) and publishes nothing.
// It returns the newly inserted messages, newest first.
func (s *Store) RefreshLatest(ctx context.Context, key string) ([]models.Message, error) {
	parsed, err := convkey.Parse(key)
	if err != nil {
		return nil, err
	}
	target, err := parsed.Target(s.selfID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidConversationType, err)
	}

	conv := s.conversation(key)
	s.mu.RLock()
	empty := len(conv.pages) == 0 || conv.provisional
	s.mu.RUnlock()
	if empty {
		page, err := s.FetchPage(ctx, key, models.CursorStart)
		if err != nil {
			return nil, err
		}
		return page.Messages, nil
	}

	conv.fetchMu.Lock()
	defer conv.fetchMu.Unlock()

	var results []msgservice.MessagesResult
	bridged := false
	for page := 1; page <= catchUpPages && !bridged; page++ {
		res, err := s.svc.GetMessages(ctx, msgservice.MessagesQuery{
			Type:     parsed.Type,
			Target:   target,
			Page:     page,
			PageSize: s.pageSize,
		})
		s.metrics.RemoteCall("get_messages", err)
		if err != nil {
			s.logger.Warn().Err(err).Str("conversation", key).Int("page", page).Msg("history refresh failed")
			return nil, models.NewOpError("refresh latest", key, models.ErrHistoryFetchFailed, err)
		}
		results = append(results, res)
		bridged = s.overlaps(conv, res.Messages) || res.Exhausted(s.pageSize)
	}

	var added []models.Message
	var dups int
	if bridged {
		added, dups = s.prependArrivals(key, conv, results)
	} else {
		added, dups = s.replaceCache(key, conv, results)
		s.logger.Debug().Str("conversation", key).Int("pages", len(results)).Msg("history gap too wide, cache replaced")
	}

	s.metrics.Merged("fetch", len(added), dups)
	s.publishAdded(ctx, key, added)
	return added, nil
}

// overlaps reports whether any of msgs is already cached in conv.
func (s *Store) overlaps(conv *conversation, msgs []models.Message) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, msg := range msgs {
		if _, ok := conv.ids[msg.ID]; ok {
			return true
		}
	}
	return false
}

// prependArrivals inserts the unseen messages of results, which are newest first
// and contiguous with the cache, at the front of the first page.
func (s *Store) prependArrivals(key string, conv *conversation, results []msgservice.MessagesResult) ([]models.Message, int) {
	var batch []models.Message
	for _, res := range results {
		batch = append(batch, res.Messages...)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	fresh, dups := s.admitLocked(key, conv, batch)
	if len(fresh) > 0 {
		conv.pages[0].Messages = append(fresh, conv.pages[0].Messages...)
		conv.flatValid = false
		s.touchLocked(conv, fresh)
	}
	return models.CloneMessages(fresh), dups
}

// replaceCache drops the cache for key and commits results as pages 1..n.
// Messages that were not cached before are returned as arrivals.
func (s *Store) replaceCache(key string, conv *conversation, results []msgservice.MessagesResult) ([]models.Message, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := conv.ids
	for id := range previous {
		delete(s.index, id)
	}
	conv.ids = make(map[string]struct{})
	conv.pages = nil
	conv.provisional = false

	var added []models.Message
	dups := 0
	for i, res := range results {
		fresh, d := s.admitLocked(key, conv, res.Messages)
		dups += d
		cursor := models.Cursor(i + 1)
		conv.pages = append(conv.pages, models.Page{
			Cursor:     cursor,
			Messages:   fresh,
			Next:       cursor.Next(),
			HasMore:    !res.Exhausted(s.pageSize),
			TotalPages: res.Pagination.Pages,
		})
		conv.exhausted = res.Exhausted(s.pageSize)
		conv.totalPages = res.Pagination.Pages
		s.touchLocked(conv, fresh)
		for _, msg := range fresh {
			if _, known := previous[msg.ID]; !known {
				added = append(added, msg.Clone())
			}
		}
	}
	conv.flatValid = false
	return added, dups
}

func (s *Store) touchLocked(conv *conversation, msgs []models.Message) {
	for _, msg := range msgs {
		if msg.CreatedAt.After(conv.lastActivity) {
			conv.lastActivity = msg.CreatedAt
		}
	}
}

// PrependSent inserts a message the user just sent at the front of the first
// page, creating it if none is cached. It reports false if the id is already
// cached for key.
func (s *Store) PrependSent(ctx context.Context, key string, msg models.Message) bool {
	if msg.ID == "" {
		return false
	}
	if _, err := convkey.Parse(key); err != nil {
		return false
	}
	conv := s.conversation(key)

	s.mu.Lock()
	fresh, dups := s.admitLocked(key, conv, []models.Message{msg})
	if len(fresh) == 0 {
		s.mu.Unlock()
		s.metrics.Merged("sent", 0, dups)
		return false
	}
	if len(conv.pages) == 0 {
		conv.pages = append(conv.pages, models.Page{
			Cursor:  models.CursorStart,
			Next:    models.CursorStart.Next(),
			HasMore: true,
		})
		conv.provisional = true
	}
	conv.pages[0].Messages = append(fresh, conv.pages[0].Messages...)
	conv.flatValid = false
	conv.lastActivity = s.clock.Now()
	inserted := fresh[0].Clone()
	s.mu.Unlock()

	s.metrics.Merged("sent", 1, 0)
	if s.publisher != nil {
		s.publisher.Publish(ctx, &events.Event{
			Type:    events.TypeMessageAdded,
			Key:     key,
			At:      s.clock.Now(),
			Payload: events.MessageAdded{Message: inserted, FromSelf: inserted.SenderID == s.selfID},
		})
	}
	return true
}

// Flatten returns the cached messages of key oldest first.
func (s *Store) Flatten(key string) []models.Message {
	s.mu.RLock()
	conv := s.convs[key]
	if conv == nil {
		s.mu.RUnlock()
		return nil
	}
	if conv.flatValid {
		out := models.CloneMessages(conv.flat)
		s.mu.RUnlock()
		return out
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !conv.flatValid {
		conv.flat = flatten(conv.pages)
		conv.flatValid = true
	}
	return models.CloneMessages(conv.flat)
}

// flatten concatenates newest-first pages and reverses the result.
func flatten(pages []models.Page) []models.Message {
	total := 0
	for _, p := range pages {
		total += len(p.Messages)
	}
	out := make([]models.Message, 0, total)
	for i := len(pages) - 1; i >= 0; i-- {
		msgs := pages[i].Messages
		for j := len(msgs) - 1; j >= 0; j-- {
			out = append(out, msgs[j])
		}
	}
	return out
}

// ApplyRead flags cached messages as read and returns, per key, the ids that
// flipped from unread to read.
func (s *Store) ApplyRead(ids []string) map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := make(map[string][]string)
	for _, id := range ids {
		key, ok := s.index[id]
		if !ok {
			continue
		}
		conv := s.convs[key]
		if conv == nil {
			continue
		}
		if markRead(conv.pages, id) {
			changed[key] = append(changed[key], id)
			conv.flatValid = false
		}
	}
	return changed
}

func markRead(pages []models.Page, id string) bool {
	for pi := range pages {
		msgs := pages[pi].Messages
		for mi := range msgs {
			if msgs[mi].ID == id {
				if msgs[mi].Read {
					return false
				}
				msgs[mi].Read = true
				return true
			}
		}
	}
	return false
}

// Lookup finds a cached message and the key it belongs to.
func (s *Store) Lookup(id string) (models.Message, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.index[id]
	if !ok {
		return models.Message{}, "", false
	}
	conv := s.convs[key]
	if conv == nil {
		return models.Message{}, "", false
	}
	for _, p := range conv.pages {
		for _, msg := range p.Messages {
			if msg.ID == id {
				return msg.Clone(), key, true
			}
		}
	}
	return models.Message{}, "", false
}

// UnreadIDs lists cached messages of key that are unread and not authored by
// the signed-in user, newest first.
func (s *Store) UnreadIDs(key string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv := s.convs[key]
	if conv == nil {
		return nil
	}
	var out []string
	for _, p := range conv.pages {
		for _, msg := range p.Messages {
			if !msg.Read && msg.SenderID != s.selfID {
				out = append(out, msg.ID)
			}
		}
	}
	return out
}

// State reports pagination progress for key.
func (s *Store) State(key string) State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv := s.convs[key]
	if conv == nil {
		return State{Next: models.CursorStart}
	}
	committed := len(conv.pages)
	if conv.provisional {
		committed = 0
	}
	st := State{
		Pages:        committed,
		Next:         models.Cursor(committed + 1),
		Exhausted:    conv.exhausted,
		LastActivity: conv.lastActivity,
	}
	if committed == 0 {
		st.Next = models.CursorStart
	}
	for _, p := range conv.pages {
		st.Messages += len(p.Messages)
	}
	return st
}

// Keys lists conversations with cached history, sorted.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.convs))
	for key, conv := range s.convs {
		if len(conv.pages) > 0 {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

// Reset drops everything cached for key.
func (s *Store) Reset(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.convs[key]
	if conv == nil {
		return
	}
	for _, p := range conv.pages {
		for _, msg := range p.Messages {
			delete(s.index, msg.ID)
		}
	}
	delete(s.convs, key)
}

func (s *Store) conversation(key string) *conversation {
	s.mu.RLock()
	conv := s.convs[key]
	s.mu.RUnlock()
	if conv != nil {
		return conv
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if conv = s.convs[key]; conv == nil {
		conv = &conversation{ids: make(map[string]struct{})}
		s.convs[key] = conv
	}
	return conv
}

// admitLocked filters out ids already cached for key, applies the read
// overlay and records the rest in the indexes. Order is preserved.
func (s *Store) admitLocked(key string, conv *conversation, incoming []models.Message) ([]models.Message, int) {
	fresh := make([]models.Message, 0, len(incoming))
	dups := 0
	for _, msg := range incoming {
		if msg.ID == "" {
			s.logger.Debug().Str("conversation", key).Msg("dropping message without id")
			continue
		}
		if _, seen := conv.ids[msg.ID]; seen {
			dups++
			continue
		}
		cloned := msg.Clone()
		if s.overlay != nil && !cloned.Read {
			cloned.Read = s.overlay.IsRead(cloned.ID)
		}
		conv.ids[cloned.ID] = struct{}{}
		s.index[cloned.ID] = key
		fresh = append(fresh, cloned)
	}
	return fresh, dups
}

func (s *Store) publishAdded(ctx context.Context, key string, msgs []models.Message) {
	if s.publisher == nil {
		return
	}
	at := s.clock.Now()
	for _, msg := range msgs {
		s.publisher.Publish(ctx, &events.Event{
			Type:    events.TypeMessageAdded,
			Key:     key,
			At:      at,
			Payload: events.MessageAdded{Message: msg, FromSelf: msg.SenderID == s.selfID},
		})
	}
}
