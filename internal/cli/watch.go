package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/tOgg1/toolchat/internal/engine"
	"github.com/tOgg1/toolchat/internal/events"
	"github.com/tOgg1/toolchat/internal/logging"
	"github.com/tOgg1/toolchat/internal/metrics"
	"github.com/tOgg1/toolchat/internal/models"
)

func newWatchCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [key]...",
		Short: "Stream new messages and unread changes until interrupted",
		Long: `Poll the message service and print arrivals in the given conversations
plus every unread count change. With --json each event is one JSON line.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, app, args)
		},
	}
	cmd.Flags().Duration("interval", 0, "poll interval (default sync.refresh_interval)")
	cmd.Flags().String("metrics-addr", "", "serve sync metrics on this address (e.g. 127.0.0.1:9464)")
	return cmd
}

func runWatch(cmd *cobra.Command, app *App, keys []string) error {
	interval, _ := cmd.Flags().GetDuration("interval")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	if interval < 0 {
		return usageError("--interval must not be negative")
	}

	var registry *prometheus.Registry
	var syncMetrics *metrics.Sync
	if metricsAddr != "" {
		registry = prometheus.NewRegistry()
		syncMetrics = metrics.New(registry)
	}
	s, ident, err := app.session(func(o *engine.Options) {
		if interval > 0 {
			o.RefreshInterval = interval
		}
		o.Metrics = syncMetrics
	})
	if err != nil {
		return err
	}
	defer s.Close()
	if len(keys) == 0 && ident.Conversation != "" {
		keys = []string{ident.Conversation}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if registry != nil {
		ln, err := net.Listen("tcp", metricsAddr)
		if err != nil {
			return Exitf(ExitCodeFailure, "metrics listener: %v", err)
		}
		go serveMetrics(ctx, ln, registry)
	}

	for _, key := range keys {
		if _, err := conversationArg([]string{key}, ident); err != nil {
			return err
		}
		if _, err := s.Open(ctx, key); err != nil {
			return classify("open "+key, err)
		}
	}
	if err := s.RefreshAll(ctx); err != nil {
		return classify("refresh", err)
	}

	w := &eventWriter{app: app, selfID: s.UserID()}
	id, err := s.Subscribe(events.Filter{Types: []events.Type{
		events.TypeMessageAdded,
		events.TypeReadChanged,
		events.TypeUnreadChanged,
	}}, w.handle)
	if err != nil {
		return Exitf(ExitCodeFailure, "subscribe: %v", err)
	}
	defer func() { _ = s.Unsubscribe(id) }()

	w.handle(&events.Event{
		Type:    events.TypeUnreadChanged,
		At:      app.Clock.Now(),
		Payload: events.UnreadChanged{Summary: s.UnreadSummary()},
	})
	if err := s.Start(ctx, ident); err != nil {
		return classify("start polling", err)
	}
	logger := logging.Component("cli")
	logger.Debug().Strs("conversations", keys).Msg("watching")

	<-ctx.Done()
	return w.err()
}

// serveMetrics exposes registry on ln until ctx ends.
func serveMetrics(ctx context.Context, ln net.Listener, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger := logging.Component("cli")
	logger.Info().Str("addr", ln.Addr().String()).Msg("serving metrics")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn().Err(err).Msg("metrics server stopped")
	}
}

type eventJSON struct {
	Type    events.Type           `json:"type"`
	Key     string                `json:"key,omitempty"`
	At      time.Time             `json:"at"`
	Message *models.Message       `json:"message,omitempty"`
	Read    []string              `json:"read,omitempty"`
	Cleared bool                  `json:"cleared,omitempty"`
	Unread  *models.UnreadSummary `json:"unread,omitempty"`
}

// eventWriter serializes bus events onto stdout. Handlers run on whichever
// goroutine published, so writes are locked.
type eventWriter struct {
	app    *App
	selfID string

	mu       sync.Mutex
	firstErr error
}

func (w *eventWriter) handle(e *events.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.firstErr != nil {
		return
	}
	var err error
	if w.app.jsonOut {
		err = json.NewEncoder(w.app.Stdout).Encode(toEventJSON(e))
	} else {
		err = w.writeText(e)
	}
	if err != nil {
		w.firstErr = err
	}
}

func (w *eventWriter) err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.firstErr
}

func toEventJSON(e *events.Event) eventJSON {
	out := eventJSON{Type: e.Type, Key: e.Key, At: e.At}
	switch p := e.Payload.(type) {
	case events.MessageAdded:
		msg := p.Message
		out.Message = &msg
	case events.ReadChanged:
		out.Read = p.IDs
		out.Cleared = p.Cleared
	case events.UnreadChanged:
		sum := p.Summary.Clone()
		out.Unread = &sum
	}
	return out
}

func (w *eventWriter) writeText(e *events.Event) error {
	st := w.app.styles
	out := w.app.Stdout
	var err error
	switch p := e.Payload.(type) {
	case events.MessageAdded:
		_, err = fmt.Fprintf(out, "[%s] %s\n", e.Key, st.messageLine(p.Message, w.selfID))
	case events.ReadChanged:
		if p.Count > 0 {
			_, err = fmt.Fprintf(out, "[%s] %d marked read\n", e.Key, p.Count)
		}
	case events.UnreadChanged:
		sum := p.Summary
		_, err = fmt.Fprintf(out, "unread %s (private %d, general %d, communities %d)\n",
			st.unread(sum.Total), sum.Private, sum.General, sum.CommunityTotal())
	}
	return err
}
