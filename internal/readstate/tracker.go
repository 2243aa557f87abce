// Package readstate tracks which messages the signed-in user has read.
//
// The tracker owns the confirmed-read set. A message counts as read once the
// service acknowledged it; server read hints on cached messages are honored
// too. Failed marks are queued and retried on the next trigger.
package readstate

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/toolchat/internal/clock"
	"github.com/tOgg1/toolchat/internal/convkey"
	"github.com/tOgg1/toolchat/internal/events"
	"github.com/tOgg1/toolchat/internal/logging"
	"github.com/tOgg1/toolchat/internal/metrics"
	"github.com/tOgg1/toolchat/internal/models"
	"github.com/tOgg1/toolchat/internal/msgservice"
)

// History is the slice of the history store the tracker needs.
type History interface {
	Lookup(id string) (models.Message, string, bool)
	UnreadIDs(key string) []string
	ApplyRead(ids []string) map[string][]string
}

// UnreadSource reports the conversation list's unread count for a key.
type UnreadSource interface {
	Unread(key string) (int, bool)
}

// Config wires a Tracker.
type Config struct {
	SelfID    string
	Service   msgservice.Service
	History   History
	Unread    UnreadSource
	Publisher events.Publisher
	Clock     clock.Clock
	Metrics   *metrics.Sync
}

// Tracker implements mark-read with optimistic local state.
type Tracker struct {
	selfID    string
	svc       msgservice.Service
	history   History
	unread    UnreadSource
	publisher events.Publisher
	clock     clock.Clock
	metrics   *metrics.Sync
	logger    zerolog.Logger

	// sendMu serializes remote mark calls so a pending id is never in two
	// requests at once.
	sendMu sync.Mutex

	mu        sync.Mutex
	confirmed map[string]struct{}
	pending   map[string]struct{}
	// pendingConversations holds failed conversation marks that had no cached
	// unread ids, with the time of the call.
	pendingConversations map[string]time.Time
}

// New creates a Tracker.
func New(cfg Config) *Tracker {
	c := cfg.Clock
	if c == nil {
		c = clock.Real{}
	}
	return &Tracker{
		selfID:               cfg.SelfID,
		svc:                  cfg.Service,
		history:              cfg.History,
		unread:               cfg.Unread,
		publisher:            cfg.Publisher,
		clock:                c,
		metrics:              cfg.Metrics,
		logger:               logging.ForUser("readstate", cfg.SelfID),
		confirmed:            make(map[string]struct{}),
		pending:              make(map[string]struct{}),
		pendingConversations: make(map[string]time.Time),
	}
}

// SetUnreadSource installs the conversation list lookup used by
// MarkConversationRead's no-op check.
func (t *Tracker) SetUnreadSource(src UnreadSource) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unread = src
}

// IsRead reports whether id is in the confirmed-read set.
func (t *Tracker) IsRead(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.confirmed[id]
	return ok
}

// Pending lists ids waiting for a retry, sorted.
func (t *Tracker) Pending() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sortedKeys(t.pending)
}

// MarkMessagesRead marks ids as read. Ids already read and ids the user sent
// are skipped. Previously failed ids are retried in the same request. On
// failure nothing changes locally, the ids are queued and ErrMarkReadFailed is
// returned.
func (t *Tracker) MarkMessagesRead(ctx context.Context, ids []string) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	t.retryConversationsLocked(ctx)

	batch := t.collect(ids)
	if len(batch) == 0 {
		return nil
	}
	return t.sendLocked(ctx, batch)
}

// RetryPending flushes queued marks. It is safe to call on every refresh tick.
func (t *Tracker) RetryPending(ctx context.Context) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	t.retryConversationsLocked(ctx)

	batch := t.collect(nil)
	if len(batch) == 0 {
		return nil
	}
	return t.sendLocked(ctx, batch)
}

// MarkConversationRead marks every currently known unread message of key. Only
// the ids known at call time are marked locally; later arrivals stay unread.
// With nothing unread locally and a zero list count it makes no remote call.
func (t *Tracker) MarkConversationRead(ctx context.Context, key string) error {
	if _, err := convkey.Parse(key); err != nil {
		return err
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	t.retryConversationsLocked(ctx)
	if batch := t.collect(nil); len(batch) > 0 {
		if err := t.sendLocked(ctx, batch); err != nil {
			t.logger.Debug().Err(err).Msg("pending mark-read retry failed")
		}
	}
	return t.markConversationLocked(ctx, key)
}

// markConversationLocked marks key read on the service. On failure the ids
// known at call time join the retry queue, so a retry never reaches messages
// that arrived later.
func (t *Tracker) markConversationLocked(ctx context.Context, key string) error {
	ids := t.unconfirmed(t.history.UnreadIDs(key))
	at := t.clock.Now()

	t.mu.Lock()
	src := t.unread
	_, queued := t.pendingConversations[key]
	t.mu.Unlock()

	if len(ids) == 0 && !queued {
		listUnread := 0
		if src != nil {
			listUnread, _ = src.Unread(key)
		}
		if listUnread == 0 {
			return nil
		}
	}

	err := t.callMarkConversation(ctx, key)
	if err != nil {
		t.mu.Lock()
		for _, id := range ids {
			t.pending[id] = struct{}{}
		}
		if len(ids) == 0 {
			t.pendingConversations[key] = at
		}
		pendingCount := len(t.pending)
		t.mu.Unlock()
		t.metrics.PendingReads(pendingCount)
		t.logger.Debug().Err(err).Str("conversation", key).Int("ids", len(ids)).Msg("mark conversation read failed, queued for retry")
		return models.NewOpError("mark conversation read", key, models.ErrMarkReadFailed, err)
	}
	t.confirmConversation(ctx, key, ids)
	return nil
}

func (t *Tracker) callMarkConversation(ctx context.Context, key string) error {
	err := t.svc.MarkConversationAsRead(ctx, key)
	t.metrics.RemoteCall("mark_conversation_read", err)
	return err
}

// confirmConversation records a successful conversation mark covering ids.
func (t *Tracker) confirmConversation(ctx context.Context, key string, ids []string) {
	t.mu.Lock()
	delete(t.pendingConversations, key)
	for _, id := range ids {
		t.confirmed[id] = struct{}{}
		delete(t.pending, id)
	}
	pendingCount := len(t.pending)
	t.mu.Unlock()
	t.metrics.PendingReads(pendingCount)

	changed := t.history.ApplyRead(ids)
	t.publish(ctx, key, events.ReadChanged{Count: len(changed[key]), Cleared: true, IDs: changed[key]})
}

// retryConversationsLocked retries conversation marks that failed with no
// cached unread ids. Once messages newer than the failed call are cached the
// whole-conversation mark would cover them too, so only the older unread ids
// are queued instead.
func (t *Tracker) retryConversationsLocked(ctx context.Context) {
	t.mu.Lock()
	queued := make(map[string]time.Time, len(t.pendingConversations))
	for key, at := range t.pendingConversations {
		queued[key] = at
	}
	t.mu.Unlock()

	keys := make([]string, 0, len(queued))
	for key := range queued {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		at := queued[key]
		before, later := t.splitUnread(key, at)
		if len(later) > 0 {
			t.mu.Lock()
			delete(t.pendingConversations, key)
			for _, id := range before {
				t.pending[id] = struct{}{}
			}
			t.mu.Unlock()
			t.logger.Debug().Str("conversation", key).Int("later", len(later)).Msg("conversation mark retry narrowed to earlier messages")
			continue
		}
		if err := t.callMarkConversation(ctx, key); err != nil {
			t.logger.Debug().Err(err).Str("conversation", key).Msg("pending conversation mark retry failed")
			continue
		}
		t.confirmConversation(ctx, key, before)
	}
}

// splitUnread partitions the cached unread ids of key by whether the message
// was created after at.
func (t *Tracker) splitUnread(key string, at time.Time) (before, later []string) {
	for _, id := range t.unconfirmed(t.history.UnreadIDs(key)) {
		if msg, _, ok := t.history.Lookup(id); ok && msg.CreatedAt.After(at) {
			later = append(later, id)
			continue
		}
		before = append(before, id)
	}
	return before, later
}

// collect merges the pending queue with the new ids that still need a remote mark.
func (t *Tracker) collect(ids []string) []string {
	candidates := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if msg, _, ok := t.history.Lookup(id); ok {
			if msg.Read || msg.SenderID == t.selfID {
				continue
			}
		}
		candidates = append(candidates, id)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	batch := sortedKeys(t.pending)
	for _, id := range candidates {
		if _, done := t.confirmed[id]; done {
			continue
		}
		if _, queued := t.pending[id]; queued {
			continue
		}
		batch = append(batch, id)
	}
	return batch
}

func (t *Tracker) unconfirmed(ids []string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := ids[:0:0]
	for _, id := range ids {
		if _, done := t.confirmed[id]; !done {
			out = append(out, id)
		}
	}
	return out
}

func (t *Tracker) sendLocked(ctx context.Context, batch []string) error {
	err := t.svc.MarkMessagesAsRead(ctx, batch)
	t.metrics.RemoteCall("mark_messages_read", err)
	if err != nil {
		t.mu.Lock()
		for _, id := range batch {
			t.pending[id] = struct{}{}
		}
		pendingCount := len(t.pending)
		t.mu.Unlock()
		t.metrics.PendingReads(pendingCount)
		t.logger.Debug().Err(err).Int("ids", len(batch)).Msg("mark read failed, queued for retry")
		return models.NewOpError("mark messages read", "", models.ErrMarkReadFailed, err)
	}

	t.mu.Lock()
	newly := make([]string, 0, len(batch))
	for _, id := range batch {
		delete(t.pending, id)
		if _, done := t.confirmed[id]; done {
			continue
		}
		t.confirmed[id] = struct{}{}
		newly = append(newly, id)
	}
	pendingCount := len(t.pending)
	t.mu.Unlock()
	t.metrics.PendingReads(pendingCount)

	changed := t.history.ApplyRead(newly)
	keys := make([]string, 0, len(changed))
	for key := range changed {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		t.publish(ctx, key, events.ReadChanged{Count: len(changed[key]), IDs: changed[key]})
	}
	return nil
}

func (t *Tracker) publish(ctx context.Context, key string, payload events.ReadChanged) {
	if t.publisher == nil {
		return
	}
	t.publisher.Publish(ctx, &events.Event{
		Type:    events.TypeReadChanged,
		Key:     key,
		At:      t.clock.Now(),
		Payload: payload,
	})
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
