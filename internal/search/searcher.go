// Package search queries message content on the service. It keeps no cache and
// never touches history cursors or read state.
package search

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tOgg1/toolchat/internal/convkey"
	"github.com/tOgg1/toolchat/internal/logging"
	"github.com/tOgg1/toolchat/internal/metrics"
	"github.com/tOgg1/toolchat/internal/models"
	"github.com/tOgg1/toolchat/internal/msgservice"
)

const (
	defaultPageSize = 20
	defaultRPS      = 2
	defaultBurst    = 4
)

// ErrBlankTerm is returned for an empty or whitespace-only query.
var ErrBlankTerm = errors.New("search term is required")

// Result is one matching message. MatchOffset and MatchLength are byte offsets
// of the first case-insensitive match of the term in Content, or -1 and 0 when
// the service matched on something else.
type Result struct {
	Message     models.Message `json:"message"`
	Key         string         `json:"key"`
	MatchOffset int            `json:"match_offset"`
	MatchLength int            `json:"match_length"`
}

// ResultPage is one page of search results.
type ResultPage struct {
	Term    string        `json:"term"`
	Cursor  models.Cursor `json:"cursor"`
	Results []Result      `json:"results"`
	Next    models.Cursor `json:"next"`
	HasMore bool          `json:"has_more"`
}

// Config wires a Searcher.
type Config struct {
	PageSize int
	// RPS and Burst throttle outgoing queries.
	RPS     float64
	Burst   int
	Service msgservice.Service
	Metrics *metrics.Sync
}

// Searcher runs throttled content queries.
type Searcher struct {
	svc      msgservice.Service
	pageSize int
	limiter  *rate.Limiter
	metrics  *metrics.Sync
	logger   zerolog.Logger
}

// New creates a Searcher.
func New(cfg Config) *Searcher {
	size := cfg.PageSize
	if size <= 0 {
		size = defaultPageSize
	}
	rps := cfg.RPS
	if rps <= 0 {
		rps = defaultRPS
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	return &Searcher{
		svc:      cfg.Service,
		pageSize: size,
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		metrics:  cfg.Metrics,
		logger:   logging.Component("search"),
	}
}

// Search returns one page of messages containing term. It waits for the
// throttle; a cancelled ctx aborts the wait.
func (s *Searcher) Search(ctx context.Context, term string, filter models.TypeFilter, cursor models.Cursor) (ResultPage, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return ResultPage{}, ErrBlankTerm
	}
	if filter == "" {
		filter = models.FilterAll
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return ResultPage{}, models.NewOpError("search", "", models.ErrSearchFailed, err)
	}

	res, err := s.svc.SearchMessages(ctx, msgservice.SearchQuery{
		Q:        term,
		Type:     filter,
		Page:     cursor.PageNumber(),
		PageSize: s.pageSize,
	})
	s.metrics.RemoteCall("search_messages", err)
	if err != nil {
		s.logger.Warn().Err(err).Str("filter", string(filter)).Msg("search failed")
		return ResultPage{}, models.NewOpError("search", "", models.ErrSearchFailed, err)
	}

	page := ResultPage{
		Term:    term,
		Cursor:  cursor,
		Next:    cursor.Next(),
		HasMore: !res.Exhausted(s.pageSize),
		Results: make([]Result, 0, len(res.Messages)),
	}
	for _, msg := range res.Messages {
		key, err := convkey.ForMessage(msg)
		if err != nil {
			s.logger.Debug().Err(err).Str("message", msg.ID).Msg("skipping result without a conversation")
			continue
		}
		offset, length := Match(msg.Content, term)
		page.Results = append(page.Results, Result{Message: msg.Clone(), Key: key, MatchOffset: offset, MatchLength: length})
	}
	return page, nil
}

// Match finds the first case-insensitive occurrence of term in content and
// returns its byte offset and byte length, or -1, 0.
func Match(content, term string) (int, int) {
	if term == "" {
		return -1, 0
	}
	want := utf8.RuneCountInString(term)
	for i := range content {
		end := i
		n := 0
		for end < len(content) && n < want {
			_, size := utf8.DecodeRuneInString(content[end:])
			end += size
			n++
		}
		if n < want {
			break
		}
		if strings.EqualFold(content[i:end], term) {
			return i, end - i
		}
	}
	return -1, 0
}
