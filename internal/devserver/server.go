// Package devserver implements the message service REST API over SQLite so the
// sync engine and the CLI can run end to end without the production backend.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tOgg1/toolchat/internal/clock"
	"github.com/tOgg1/toolchat/internal/convkey"
	"github.com/tOgg1/toolchat/internal/db"
	"github.com/tOgg1/toolchat/internal/logging"
	"github.com/tOgg1/toolchat/internal/models"
	"github.com/tOgg1/toolchat/internal/msgservice"
)

// APIPrefix is where the REST API is mounted.
const APIPrefix = "/api"

const (
	defaultPageSize = 20
	maxPageSize     = 100
	shutdownTimeout = 5 * time.Second
)

// Config configures a Server.
type Config struct {
	DB     *db.DB
	Secret []byte

	// RPS and Burst bound requests per user.
	RPS   float64
	Burst int

	Clock clock.Clock

	// Registry receives the request metrics and backs /metrics. Nil uses a
	// private registry.
	Registry *prometheus.Registry
}

// Server serves the message service API.
type Server struct {
	messages  *db.MessageRepository
	directory *db.DirectoryRepository
	secret    []byte
	limiters  *limiterPool
	clock     clock.Clock
	logger    zerolog.Logger
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	registry  *prometheus.Registry
	router    chi.Router
}

// New builds a Server.
func New(cfg Config) (*Server, error) {
	if cfg.DB == nil {
		return nil, errors.New("database is required")
	}
	if len(cfg.Secret) == 0 {
		return nil, errors.New("jwt secret is required")
	}
	c := cfg.Clock
	if c == nil {
		c = clock.Real{}
	}
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	s := &Server{
		messages:  db.NewMessageRepository(cfg.DB, c),
		directory: db.NewDirectoryRepository(cfg.DB, c),
		secret:    cfg.Secret,
		limiters:  newLimiterPool(cfg.RPS, cfg.Burst),
		clock:     c,
		logger:    logging.Component("devserver"),
		registry:  reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "toolchat_devserver_requests_total",
			Help: "API requests by route and status code.",
		}, []string{"route", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "toolchat_devserver_request_seconds",
			Help:    "API request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
	for _, collector := range []prometheus.Collector{s.requests, s.latency} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	s.router = s.routes()
	return s, nil
}

// Directory exposes the user and community store for seeding.
func (s *Server) Directory() *db.DirectoryRepository { return s.directory }

// Handler is the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Route(APIPrefix, func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)

		r.Get(msgservice.PathMessages, s.handleGetMessages)
		r.Post(msgservice.PathMessages, s.handleSendMessage)
		r.Get(msgservice.PathConversations, s.handleGetConversations)
		r.Get(msgservice.PathUnreadCount, s.handleUnreadCount)
		r.Post(msgservice.PathMarkRead, s.handleMarkRead)
		r.Post(msgservice.PathMarkConversationRead, s.handleMarkConversationRead)
		r.Get(msgservice.PathSearch, s.handleSearch)
	})
	return r
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info().Msg("stopped")
	return nil
}

// observe logs and counts every request by its route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(started)
		s.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
		s.latency.WithLabelValues(route).Observe(elapsed.Seconds())
		s.logger.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Dur("elapsed", elapsed).
			Msg("request")
	})
}

func (s *Server) touchUser(ctx context.Context, claims *Claims) error {
	if claims.Name != "" {
		return s.directory.UpsertUser(ctx, models.Participant{ID: claims.Subject, Name: claims.Name})
	}
	return s.directory.EnsureUser(ctx, claims.Subject)
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())
	q := r.URL.Query()
	t, err := models.ParseConversationType(q.Get("type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	key, err := convkey.Derive(t, user, q.Get("target"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, size := paging(q.Get("page"), q.Get("page_size"))

	result, err := s.messages.ListConversation(r.Context(), user, key, page, size)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgservice.MessagesResult{
		Messages:   nonNil(result.Messages),
		Pagination: pagination(result.Total, page, size),
	})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())
	var req msgservice.SendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(user); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Type == models.ConversationCommunity {
		ok, err := s.directory.IsMember(r.Context(), req.CommunityID, user)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		if !ok {
			writeError(w, http.StatusForbidden, db.ErrForbidden.Error())
			return
		}
	}

	msg := models.Message{
		Type:        req.Type,
		SenderID:    user,
		RecipientID: strings.TrimSpace(req.RecipientID),
		CommunityID: strings.TrimSpace(req.CommunityID),
		Content:     req.Content,
		Images:      req.Images,
	}
	if err := s.messages.Create(r.Context(), &msg); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.logger.Debug().Str("user_id", user).Str("message", msg.ID).Str("type", string(msg.Type)).Msg("message stored")
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleGetConversations(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())
	q := r.URL.Query()
	filter, err := models.ParseTypeFilter(q.Get("type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, size := paging(q.Get("page"), q.Get("page_size"))

	all, err := s.messages.Summaries(r.Context(), user)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	filtered := make([]models.ConversationSummary, 0, len(all))
	for _, sum := range all {
		if filter.Matches(sum.Type) {
			filtered = append(filtered, sum)
		}
	}
	start := (page - 1) * size
	if start > len(filtered) {
		start = len(filtered)
	}
	end := start + size
	if end > len(filtered) {
		end = len(filtered)
	}
	writeJSON(w, http.StatusOK, msgservice.ConversationsResult{
		Conversations: filtered[start:end],
		Pagination:    pagination(len(filtered), page, size),
	})
}

func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())
	counts, err := s.messages.UnreadCounts(r.Context(), user)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())
	var req msgservice.MarkReadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.messages.MarkRead(r.Context(), user, req.MessageIDs); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMarkConversationRead(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())
	var req msgservice.MarkConversationReadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.messages.MarkConversationRead(r.Context(), user, req.Key); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())
	q := r.URL.Query()
	filter, err := models.ParseTypeFilter(q.Get("type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, size := paging(q.Get("page"), q.Get("page_size"))

	result, err := s.messages.Search(r.Context(), user, q.Get("q"), filter, page, size)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgservice.MessagesResult{
		Messages:   nonNil(result.Messages),
		Pagination: pagination(result.Total, page, size),
	})
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, db.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, models.ErrInvalidConversationType),
		errors.Is(err, db.ErrInvalidSearch),
		errors.Is(err, db.ErrInvalidDirectory):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, db.ErrCommunityNotFound), errors.Is(err, db.ErrUserNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Error().Err(err).Msg("store failure")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func paging(rawPage, rawSize string) (int, int) {
	page, err := strconv.Atoi(rawPage)
	if err != nil || page < 1 {
		page = 1
	}
	size, err := strconv.Atoi(rawSize)
	if err != nil || size < 1 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	return page, size
}

func pagination(total, page, size int) models.Pagination {
	pages := (total + size - 1) / size
	if pages == 0 {
		pages = 1
	}
	return models.Pagination{Current: page, Pages: pages}
}

func nonNil(msgs []models.Message) []models.Message {
	if msgs == nil {
		return []models.Message{}
	}
	return msgs
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, msgservice.ErrorBody{Error: message})
}
