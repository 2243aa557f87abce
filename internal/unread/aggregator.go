// Package unread projects conversation summaries and server counts into an
// UnreadSummary. It owns no primary data.
package unread

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tOgg1/toolchat/internal/clock"
	"github.com/tOgg1/toolchat/internal/events"
	"github.com/tOgg1/toolchat/internal/logging"
	"github.com/tOgg1/toolchat/internal/metrics"
	"github.com/tOgg1/toolchat/internal/models"
	"github.com/tOgg1/toolchat/internal/msgservice"
)

// Entry is one conversation's unread state as the list synchronizer knows it.
// Local is the count shown in the list and Server the last fetched count.
// Optimistic is set while a local decrement has not been confirmed by a fetch.
type Entry struct {
	Key         string
	Type        models.ConversationType
	CommunityID string
	Local       int
	Server      int
	Optimistic  bool
}

// Source provides entries for every stored summary.
type Source interface {
	Entries() []Entry
}

// Baseline is a server unread snapshot. At is when the request was issued.
type Baseline struct {
	Counts models.UnreadSummary
	At     time.Time
}

// Compute derives an UnreadSummary.
//
// With a baseline each bucket starts from the server count. An optimistic
// entry then swaps its server contribution for its local one, so the bucket
// drops by Server - Local until the synchronizer sees the server agree.
// Without a baseline the local counts are summed.
// Buckets never go below zero and Total is always the sum of the parts.
func Compute(baseline *Baseline, entries []Entry) models.UnreadSummary {
	out := models.UnreadSummary{Communities: make(map[string]int)}
	if baseline != nil {
		out.Private = baseline.Counts.Private
		out.General = baseline.Counts.General
		for id, n := range baseline.Counts.Communities {
			out.Communities[id] = n
		}
	}

	for _, e := range entries {
		delta := e.Local
		if baseline != nil {
			delta = adjustment(e)
		}
		if delta == 0 {
			continue
		}
		switch e.Type {
		case models.ConversationPrivate:
			out.Private += delta
		case models.ConversationGeneral:
			out.General += delta
		case models.ConversationCommunity:
			out.Communities[e.CommunityID] += delta
		}
	}

	out.Private = clamp(out.Private)
	out.General = clamp(out.General)
	for id, n := range out.Communities {
		out.Communities[id] = clamp(n)
	}
	out.Total = out.Private + out.General + out.CommunityTotal()
	return out
}

// adjustment is never positive. Synced entries are already in the baseline.
func adjustment(e Entry) int {
	if !e.Optimistic || e.Server <= e.Local {
		return 0
	}
	return e.Local - e.Server
}

func clamp(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// Config wires an Aggregator.
type Config struct {
	Service   msgservice.Service
	Source    Source
	Publisher events.Publisher
	Clock     clock.Clock
	Metrics   *metrics.Sync
}

// Aggregator keeps the current UnreadSummary and republishes it on change.
type Aggregator struct {
	svc       msgservice.Service
	source    Source
	publisher events.Publisher
	clock     clock.Clock
	metrics   *metrics.Sync
	logger    zerolog.Logger

	mu       sync.Mutex
	baseline *Baseline
	summary  models.UnreadSummary
	subs     []string
}

// New creates an Aggregator. When a publisher is configured it recomputes on
// read changes, list refreshes and messages from other users.
func New(cfg Config) *Aggregator {
	c := cfg.Clock
	if c == nil {
		c = clock.Real{}
	}
	a := &Aggregator{
		svc:       cfg.Service,
		source:    cfg.Source,
		publisher: cfg.Publisher,
		clock:     c,
		metrics:   cfg.Metrics,
		logger:    logging.Component("unread"),
		summary:   models.UnreadSummary{Communities: map[string]int{}},
	}
	a.subscribe()
	return a
}

func (a *Aggregator) subscribe() {
	if a.publisher == nil {
		return
	}
	filter := events.Filter{Types: []events.Type{
		events.TypeReadChanged,
		events.TypeConversationsRefreshed,
		events.TypeMessageAdded,
	}}
	id := "unread-" + uuid.NewString()
	if err := a.publisher.Subscribe(id, filter, a.handle); err != nil {
		a.logger.Warn().Err(err).Msg("subscribe failed")
		return
	}
	a.subs = append(a.subs, id)
}

func (a *Aggregator) handle(e *events.Event) {
	if e.Type == events.TypeMessageAdded {
		if added, ok := e.Payload.(events.MessageAdded); ok && added.FromSelf {
			return
		}
	}
	a.Recompute(context.Background())
}

// Summary returns a copy of the current projection.
func (a *Aggregator) Summary() models.UnreadSummary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.summary.Clone()
}

// Baseline returns the last server counts, if any were fetched.
func (a *Aggregator) Baseline() (models.UnreadSummary, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.baseline == nil {
		return models.UnreadSummary{}, false
	}
	return a.baseline.Counts.Clone(), true
}

// Refresh fetches server counts and recomputes. On failure the previous
// summary is kept.
func (a *Aggregator) Refresh(ctx context.Context) error {
	at := a.clock.Now()
	counts, err := a.svc.GetUnreadCounts(ctx)
	a.metrics.RemoteCall("get_unread_counts", err)
	if err != nil {
		a.logger.Warn().Err(err).Msg("unread counts fetch failed")
		return models.NewOpError("fetch unread counts", "", models.ErrConversationsFetchFailed, err)
	}

	baseline := Baseline{Counts: counts.Clone(), At: at}
	a.mu.Lock()
	a.baseline = &baseline
	a.mu.Unlock()

	a.Recompute(ctx)
	return nil
}

// Recompute derives the summary from the current inputs and publishes
// unread.changed when it differs from the previous one.
func (a *Aggregator) Recompute(ctx context.Context) models.UnreadSummary {
	a.mu.Lock()
	var entries []Entry
	if a.source != nil {
		entries = a.source.Entries()
	}
	next := Compute(a.baseline, entries)
	changed := !next.Equal(a.summary)
	a.summary = next
	a.mu.Unlock()

	a.metrics.Unread(next.Private, next.General, next.CommunityTotal(), next.Total)
	if changed {
		a.logger.Debug().Int("total", next.Total).Msg("unread changed")
		if a.publisher != nil {
			a.publisher.Publish(ctx, &events.Event{
				Type:    events.TypeUnreadChanged,
				At:      a.clock.Now(),
				Payload: events.UnreadChanged{Summary: next.Clone()},
			})
		}
	}
	return next.Clone()
}

// Reset drops the baseline and the summary.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.baseline = nil
	a.summary = models.UnreadSummary{Communities: map[string]int{}}
}

// Close removes the event subscriptions.
func (a *Aggregator) Close() {
	a.mu.Lock()
	subs := a.subs
	a.subs = nil
	a.mu.Unlock()
	for _, id := range subs {
		_ = a.publisher.Unsubscribe(id)
	}
}

// Communities lists community ids with a non-zero count, sorted.
func Communities(s models.UnreadSummary) []string {
	out := make([]string, 0, len(s.Communities))
	for id, n := range s.Communities {
		if n > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
