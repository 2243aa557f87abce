package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tOgg1/toolchat/internal/config"
	"github.com/tOgg1/toolchat/internal/metrics"
	"github.com/tOgg1/toolchat/internal/msgservice"
)

// ServiceFactory builds the message service client for a user.
type ServiceFactory func(userID string) (msgservice.Service, error)

// Registry owns one Session per user. Sessions are created on first access and
// torn down by Close or CloseAll.
type Registry struct {
	opts    Options
	factory ServiceFactory

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options, factory ServiceFactory) *Registry {
	return &Registry{
		opts:     opts,
		factory:  factory,
		sessions: make(map[string]*Session),
	}
}

// OptionsFromConfig maps the sync section of cfg onto Options.
func OptionsFromConfig(cfg *config.Config, m *metrics.Sync) Options {
	return Options{
		PageSize:             cfg.Sync.PageSize,
		ConversationPageSize: cfg.Sync.ConversationPageSize,
		RefreshInterval:      cfg.Sync.RefreshInterval,
		ReconcileGrace:       cfg.Sync.ReconcileGrace,
		SearchRPS:            cfg.Sync.SearchRPS,
		SearchBurst:          cfg.Sync.SearchBurst,
		Metrics:              m,
	}
}

// Session returns the session of userID, creating it on first access.
func (r *Registry) Session(userID string) (*Session, error) {
	if userID == "" {
		return nil, ErrNotAuthenticated
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[userID]; ok {
		return s, nil
	}
	if r.factory == nil {
		return nil, errors.New("registry has no service factory")
	}
	svc, err := r.factory(userID)
	if err != nil {
		return nil, fmt.Errorf("create service for %s: %w", userID, err)
	}
	s := NewSession(userID, svc, r.opts)
	r.sessions[userID] = s
	return s, nil
}

// Current returns the session of the user auth reports.
func (r *Registry) Current(auth Authenticator) (*Session, error) {
	if auth == nil {
		return nil, ErrNotAuthenticated
	}
	userID, ok := auth.Identity()
	if !ok {
		return nil, ErrNotAuthenticated
	}
	return r.Session(userID)
}

// StartCurrent returns the current user's session with polling started.
func (r *Registry) StartCurrent(ctx context.Context, auth Authenticator) (*Session, error) {
	s, err := r.Current(auth)
	if err != nil {
		return nil, err
	}
	if err := s.Start(ctx, auth); err != nil {
		return s, err
	}
	return s, nil
}

// Users lists users with a live session, sorted.
func (r *Registry) Users() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close tears down the session of userID. A later Session call starts fresh.
func (r *Registry) Close(userID string) error {
	r.mu.Lock()
	s, ok := r.sessions[userID]
	delete(r.sessions, userID)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Close()
}

// CloseAll tears down every session.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
