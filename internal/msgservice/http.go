package msgservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tOgg1/toolchat/internal/logging"
	"github.com/tOgg1/toolchat/internal/models"
)

const (
	defaultTimeout = 10 * time.Second

	// RequestIDHeader correlates client and server logs.
	RequestIDHeader = "X-Request-ID"
)

// Endpoint paths relative to the base URL.
const (
	PathMessages             = "/messages"
	PathConversations        = "/conversations"
	PathUnreadCount          = "/messages/unread-count"
	PathMarkRead             = "/messages/mark-read"
	PathMarkConversationRead = "/messages/mark-conversation-read"
	PathSearch               = "/messages/search"
)

// ErrUnauthorized is returned for 401 responses.
var ErrUnauthorized = errors.New("unauthorized")

// StatusError is a non-2xx response.
type StatusError struct {
	Method  string
	Path    string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = http.StatusText(e.Code)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Code, msg)
}

// Unwrap maps 401 to ErrUnauthorized.
func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

// Retryable reports whether repeating the same request may succeed.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// MarkReadRequest is the body of POST /messages/mark-read.
type MarkReadRequest struct {
	MessageIDs []string `json:"message_ids"`
}

// MarkConversationReadRequest is the body of POST /messages/mark-conversation-read.
type MarkConversationReadRequest struct {
	Key string `json:"key"`
}

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Error string `json:"error"`
}

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// Client overrides the underlying http.Client (tests use httptest clients).
	Client *http.Client
}

// HTTPClient implements Service over the REST API.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     zerolog.Logger
}

var _ Service = (*HTTPClient)(nil)

// NewHTTPClient builds a client. BaseURL must be absolute.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	parsed, err := url.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", logging.RedactURL(cfg.BaseURL))
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPClient{
		baseURL:    base,
		token:      strings.TrimSpace(cfg.Token),
		httpClient: client,
		logger:     logging.Component("msgservice"),
	}, nil
}

func (c *HTTPClient) GetMessages(ctx context.Context, q MessagesQuery) (MessagesResult, error) {
	params := url.Values{}
	params.Set("type", string(q.Type))
	if q.Target != "" {
		params.Set("target", q.Target)
	}
	setPaging(params, q.Page, q.PageSize)

	var out MessagesResult
	err := c.do(ctx, http.MethodGet, PathMessages, params, nil, &out)
	return out, err
}

func (c *HTTPClient) GetConversations(ctx context.Context, q ConversationsQuery) (ConversationsResult, error) {
	params := url.Values{}
	if q.Type != "" {
		params.Set("type", string(q.Type))
	}
	setPaging(params, q.Page, q.PageSize)

	var out ConversationsResult
	err := c.do(ctx, http.MethodGet, PathConversations, params, nil, &out)
	return out, err
}

func (c *HTTPClient) GetUnreadCounts(ctx context.Context) (models.UnreadSummary, error) {
	var out models.UnreadSummary
	err := c.do(ctx, http.MethodGet, PathUnreadCount, nil, nil, &out)
	if out.Communities == nil {
		out.Communities = map[string]int{}
	}
	return out, err
}

func (c *HTTPClient) SendMessage(ctx context.Context, req SendRequest) (models.Message, error) {
	if err := req.Validate(""); err != nil {
		return models.Message{}, err
	}
	var out models.Message
	err := c.do(ctx, http.MethodPost, PathMessages, nil, req, &out)
	return out, err
}

func (c *HTTPClient) MarkMessagesAsRead(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return c.do(ctx, http.MethodPost, PathMarkRead, nil, MarkReadRequest{MessageIDs: ids}, nil)
}

func (c *HTTPClient) MarkConversationAsRead(ctx context.Context, key string) error {
	return c.do(ctx, http.MethodPost, PathMarkConversationRead, nil, MarkConversationReadRequest{Key: key}, nil)
}

func (c *HTTPClient) SearchMessages(ctx context.Context, q SearchQuery) (MessagesResult, error) {
	params := url.Values{}
	params.Set("q", q.Q)
	if q.Type != "" {
		params.Set("type", string(q.Type))
	}
	setPaging(params, q.Page, q.PageSize)

	var out MessagesResult
	err := c.do(ctx, http.MethodGet, PathSearch, params, nil, &out)
	return out, err
}

func setPaging(params url.Values, page, pageSize int) {
	if page > 0 {
		params.Set("page", strconv.Itoa(page))
	}
	if pageSize > 0 {
		params.Set("page_size", strconv.Itoa(pageSize))
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, params url.Values, body, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}

	target := c.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set(RequestIDHeader, requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn().
			Str("method", method).
			Str("url", logging.RedactURL(target)).
			Str("request_id", requestID).
			Str("error", logging.Redact(err.Error())).
			Msg("request failed")
		return fmt.Errorf("call %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("method", method).
		Str("url", logging.RedactURL(target)).
		Str("request_id", requestID).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(started)).
		Msg("request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errBody ErrorBody
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &errBody) != nil || errBody.Error == "" {
			errBody.Error = strings.TrimSpace(string(raw))
		}
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Message: logging.Redact(errBody.Error)}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
