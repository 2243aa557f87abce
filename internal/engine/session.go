// Package engine wires the sync components for one signed-in user and keeps
// them in a registry with an explicit lifecycle.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tOgg1/toolchat/internal/clock"
	"github.com/tOgg1/toolchat/internal/conversations"
	"github.com/tOgg1/toolchat/internal/convkey"
	"github.com/tOgg1/toolchat/internal/events"
	"github.com/tOgg1/toolchat/internal/history"
	"github.com/tOgg1/toolchat/internal/logging"
	"github.com/tOgg1/toolchat/internal/metrics"
	"github.com/tOgg1/toolchat/internal/models"
	"github.com/tOgg1/toolchat/internal/msgservice"
	"github.com/tOgg1/toolchat/internal/readstate"
	"github.com/tOgg1/toolchat/internal/scheduler"
	"github.com/tOgg1/toolchat/internal/search"
	"github.com/tOgg1/toolchat/internal/unread"
)

// Refresh task names.
const (
	TaskConversations = "conversations"
	TaskUnread        = "unread"
	TaskHistory       = "history"
)

// Engine errors.
var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrSessionClosed    = errors.New("session closed")
)

// Authenticator reports the signed-in user. Polling only runs while it
// returns ok.
type Authenticator interface {
	Identity() (userID string, ok bool)
}

// Options tune a Session.
type Options struct {
	PageSize             int
	ConversationPageSize int
	RefreshInterval      time.Duration
	ReconcileGrace       time.Duration
	SearchRPS            float64
	SearchBurst          int
	Clock                clock.Clock
	Metrics              *metrics.Sync
}

// DefaultOptions mirrors the config defaults.
func DefaultOptions() Options {
	return Options{
		PageSize:             20,
		ConversationPageSize: 20,
		RefreshInterval:      30 * time.Second,
		ReconcileGrace:       10 * time.Second,
		SearchRPS:            2,
		SearchBurst:          4,
	}
}

// Session holds the sync components of one user.
type Session struct {
	userID  string
	opts    Options
	clock   clock.Clock
	svc     msgservice.Service
	logger  zerolog.Logger
	bus     *events.InMemoryPublisher
	refresh scheduler.Coalescer

	History       *history.Store
	Reads         *readstate.Tracker
	Conversations *conversations.Synchronizer
	Unread        *unread.Aggregator
	Search        *search.Searcher
	Scheduler     *scheduler.Scheduler

	mu     sync.Mutex
	auth   Authenticator
	closed bool
}

// NewSession wires every component for userID over svc.
func NewSession(userID string, svc msgservice.Service, opts Options) *Session {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultOptions().RefreshInterval
	}

	s := &Session{
		userID: userID,
		opts:   opts,
		clock:  opts.Clock,
		svc:    svc,
		logger: logging.ForUser("engine", userID),
		bus:    events.NewInMemoryPublisher(),
	}

	s.History = history.New(history.Config{
		SelfID:    userID,
		PageSize:  opts.PageSize,
		Service:   svc,
		Publisher: s.bus,
		Clock:     opts.Clock,
		Metrics:   opts.Metrics,
	})
	s.Reads = readstate.New(readstate.Config{
		SelfID:    userID,
		Service:   svc,
		History:   s.History,
		Publisher: s.bus,
		Clock:     opts.Clock,
		Metrics:   opts.Metrics,
	})
	s.History.SetReadOverlay(s.Reads)

	// The synchronizer subscribes before the aggregator so read changes are
	// applied to summaries before the projection is recomputed.
	s.Conversations = conversations.New(conversations.Config{
		SelfID:    userID,
		PageSize:  opts.ConversationPageSize,
		Grace:     opts.ReconcileGrace,
		Service:   svc,
		Publisher: s.bus,
		Clock:     opts.Clock,
		Metrics:   opts.Metrics,
	})
	s.Reads.SetUnreadSource(s.Conversations)
	s.Unread = unread.New(unread.Config{
		Service:   svc,
		Source:    s.Conversations,
		Publisher: s.bus,
		Clock:     opts.Clock,
		Metrics:   opts.Metrics,
	})
	s.Search = search.New(search.Config{
		PageSize: opts.PageSize,
		RPS:      opts.SearchRPS,
		Burst:    opts.SearchBurst,
		Service:  svc,
		Metrics:  opts.Metrics,
	})

	s.Scheduler = scheduler.New(scheduler.Config{Clock: opts.Clock, Metrics: opts.Metrics})
	for _, task := range []scheduler.Task{
		{Name: TaskConversations, Interval: opts.RefreshInterval, Run: s.gated(s.refreshConversations)},
		{Name: TaskUnread, Interval: opts.RefreshInterval, Run: s.gated(s.refreshUnread)},
		{Name: TaskHistory, Interval: opts.RefreshInterval, Run: s.gated(s.refreshHistory)},
	} {
		if err := s.Scheduler.Add(task); err != nil {
			s.logger.Error().Err(err).Str("task", task.Name).Msg("register refresh task")
		}
	}
	return s
}

// UserID is the signed-in user this session belongs to.
func (s *Session) UserID() string { return s.userID }

// Events exposes the session's event bus for UI subscriptions.
func (s *Session) Events() events.Publisher { return s.bus }

// Subscribe registers handler for events matching filter.
func (s *Session) Subscribe(filter events.Filter, handler events.EventHandler) (string, error) {
	return s.bus.SubscribeFunc(filter, handler)
}

// Unsubscribe removes a subscription.
func (s *Session) Unsubscribe(id string) error {
	return s.bus.Unsubscribe(id)
}

// Send posts a message and merges it into the conversation's history. Nothing
// is cached when the service rejects the message.
func (s *Session) Send(ctx context.Context, req msgservice.SendRequest) (models.Message, string, error) {
	if err := req.Validate(s.userID); err != nil {
		return models.Message{}, "", err
	}
	msg, err := s.svc.SendMessage(ctx, req)
	s.opts.Metrics.RemoteCall("send_message", err)
	if err != nil {
		s.logger.Warn().Err(err).Str("type", string(req.Type)).Msg("send failed")
		return models.Message{}, "", models.NewOpError("send", "", models.ErrSendFailed, err)
	}

	key, err := convkey.Derive(req.Type, s.userID, targetOf(req))
	if err != nil {
		return msg, "", err
	}
	s.History.PrependSent(ctx, key, msg)
	s.logger.Debug().Str("conversation", key).Str("message", msg.ID).Msg("message sent")
	return msg, key, nil
}

func targetOf(req msgservice.SendRequest) string {
	switch req.Type {
	case models.ConversationPrivate:
		return req.RecipientID
	case models.ConversationCommunity:
		return req.CommunityID
	default:
		return ""
	}
}

// Open loads the newest page of key on first use and merges new arrivals
// afterwards. It returns the cached history oldest first.
func (s *Session) Open(ctx context.Context, key string) ([]models.Message, error) {
	if _, err := s.History.RefreshLatest(ctx, key); err != nil {
		return s.History.Flatten(key), err
	}
	return s.History.Flatten(key), nil
}

// LoadOlder fetches the next older page of key.
func (s *Session) LoadOlder(ctx context.Context, key string) (models.Page, error) {
	return s.History.FetchPage(ctx, key, s.History.State(key).Next)
}

// MarkRead marks message ids as read.
func (s *Session) MarkRead(ctx context.Context, ids []string) error {
	return s.Reads.MarkMessagesRead(ctx, ids)
}

// MarkConversationRead marks every known unread message of key as read.
func (s *Session) MarkConversationRead(ctx context.Context, key string) error {
	return s.Reads.MarkConversationRead(ctx, key)
}

// Flatten returns the cached history of key oldest first.
func (s *Session) Flatten(key string) []models.Message {
	return s.History.Flatten(key)
}

// UnreadSummary returns the current unread projection.
func (s *Session) UnreadSummary() models.UnreadSummary {
	return s.Unread.Summary()
}

// ConversationList returns the rendered conversation list.
func (s *Session) ConversationList(filter models.TypeFilter) []models.ConversationSummary {
	return s.Conversations.Rendered(filter)
}

// RefreshAll refreshes the conversation list, the unread counts and every open
// conversation concurrently. Queued read marks are retried afterwards.
func (s *Session) RefreshAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.refreshConversations(gctx) })
	g.Go(func() error { return s.Unread.Refresh(gctx) })
	g.Go(func() error { return s.refreshHistory(gctx) })
	err := g.Wait()

	s.retryReads(ctx)
	return err
}

func (s *Session) refreshConversations(ctx context.Context) error {
	return s.Conversations.Refresh(ctx, models.FilterAll)
}

func (s *Session) refreshUnread(ctx context.Context) error {
	err := s.Unread.Refresh(ctx)
	s.retryReads(ctx)
	return err
}

// refreshHistory merges new arrivals for every conversation with cached
// history. A key still refreshing from an earlier run is skipped.
func (s *Session) refreshHistory(ctx context.Context) error {
	var errs []error
	for _, key := range s.History.Keys() {
		s.refresh.TryRun(key, func() {
			if _, err := s.History.RefreshLatest(ctx, key); err != nil {
				errs = append(errs, err)
			}
		})
	}
	return errors.Join(errs...)
}

// retryReads flushes queued read marks. Failures stay queued and are only
// logged.
func (s *Session) retryReads(ctx context.Context) {
	if err := s.Reads.RetryPending(ctx); err != nil {
		s.logger.Debug().Err(err).Msg("pending read marks still failing")
	}
}

// gated skips a refresh while the authenticator reports no user or a
// different one.
func (s *Session) gated(fn func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		if !s.authenticated() {
			return nil
		}
		return fn(ctx)
	}
}

func (s *Session) authenticated() bool {
	s.mu.Lock()
	auth := s.auth
	s.mu.Unlock()
	if auth == nil {
		return false
	}
	id, ok := auth.Identity()
	return ok && id == s.userID
}

// Start begins periodic refresh while auth reports this session's user.
func (s *Session) Start(ctx context.Context, auth Authenticator) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.auth = auth
	s.mu.Unlock()

	if !s.authenticated() {
		return ErrNotAuthenticated
	}
	return s.Scheduler.Start(ctx)
}

// Stop halts periodic refresh. In-flight remote calls still merge.
func (s *Session) Stop() error {
	if err := s.Scheduler.Stop(); err != nil && !errors.Is(err, scheduler.ErrNotRunning) {
		return err
	}
	return nil
}

// Close stops polling and drops every subscription.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.Stop()
	s.Unread.Close()
	s.Conversations.Close()
	s.bus.Close()
	return err
}
