// Package msgservicetest provides an in-memory message service for tests.
package msgservicetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tOgg1/toolchat/internal/clock"
	"github.com/tOgg1/toolchat/internal/convkey"
	"github.com/tOgg1/toolchat/internal/models"
	"github.com/tOgg1/toolchat/internal/msgservice"
)

// Op names a Service method for failure injection and call counting.
type Op string

const (
	OpGetMessages            Op = "GetMessages"
	OpGetConversations       Op = "GetConversations"
	OpGetUnreadCounts        Op = "GetUnreadCounts"
	OpSendMessage            Op = "SendMessage"
	OpMarkMessagesAsRead     Op = "MarkMessagesAsRead"
	OpMarkConversationAsRead Op = "MarkConversationAsRead"
	OpSearchMessages         Op = "SearchMessages"
)

// ErrInjected is the default injected failure.
var ErrInjected = errors.New("injected failure")

// Hook runs before an operation. Returning an error fails the call.
type Hook func(ctx context.Context, user string) error

// Server holds messages for every user. Use Client to act as one of them.
type Server struct {
	mu          sync.Mutex
	clock       clock.Clock
	seq         int
	messages    []models.Message
	reads       map[string]map[string]bool // user -> message id
	members     map[string]map[string]bool // community -> user
	communities map[string]models.Community
	users       map[string]models.Participant
	calls       map[Op]int
	failures    map[Op][]error
	hooks       map[Op]Hook
}

// NewServer returns an empty server. A nil clock uses a fake clock.
func NewServer(c clock.Clock) *Server {
	if c == nil {
		c = clock.NewFake(time.Time{})
	}
	return &Server{
		clock:       c,
		reads:       make(map[string]map[string]bool),
		members:     make(map[string]map[string]bool),
		communities: make(map[string]models.Community),
		users:       make(map[string]models.Participant),
		calls:       make(map[Op]int),
		failures:    make(map[Op][]error),
		hooks:       make(map[Op]Hook),
	}
}

// AddUser registers display data for a user.
func (s *Server) AddUser(id, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[id] = models.Participant{ID: id, Name: name}
}

// AddCommunity creates a community with the given members.
func (s *Server) AddCommunity(id, name string, members ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.communities[id] = models.Community{ID: id, Name: name}
	set := s.members[id]
	if set == nil {
		set = make(map[string]bool)
		s.members[id] = set
	}
	for _, m := range members {
		set[m] = true
	}
}

// FailNext makes the next len(errs) calls of op fail with errs in order.
// With no errs the next call fails with ErrInjected.
func (s *Server) FailNext(op Op, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(errs) == 0 {
		errs = []error{ErrInjected}
	}
	s.failures[op] = append(s.failures[op], errs...)
}

// SetHook installs a hook for op; nil removes it. Hooks run outside the lock so
// they may block.
func (s *Server) SetHook(op Op, hook Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hook == nil {
		delete(s.hooks, op)
		return
	}
	s.hooks[op] = hook
}

// Calls reports how many times op was invoked, including failed calls.
func (s *Server) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// ResetCalls zeroes the call counters.
func (s *Server) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = make(map[Op]int)
}

// IsReadBy reports whether user has read message id on the server.
func (s *Server) IsReadBy(user, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads[user][id]
}

// Messages returns a copy of every stored message, oldest first.
func (s *Server) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.CloneMessages(s.messages)
}

// Client returns a Service acting as user.
func (s *Server) Client(user string) *Client {
	return &Client{server: s, user: user}
}

// Client is a Service bound to one user.
type Client struct {
	server *Server
	user   string
}

var _ msgservice.Service = (*Client)(nil)

// User is the id this client acts as.
func (c *Client) User() string { return c.user }

func (c *Client) GetMessages(ctx context.Context, q msgservice.MessagesQuery) (msgservice.MessagesResult, error) {
	if err := c.server.enter(ctx, OpGetMessages, c.user); err != nil {
		return msgservice.MessagesResult{}, err
	}
	key, err := convkey.Derive(q.Type, c.user, q.Target)
	if err != nil {
		return msgservice.MessagesResult{}, err
	}

	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if q.Type == models.ConversationCommunity && !s.members[q.Target][c.user] {
		return msgservice.MessagesResult{}, fmt.Errorf("not a member of community %s", q.Target)
	}
	matching := s.filterLocked(func(m models.Message) bool { return s.keyOf(m) == key })
	return s.pageLocked(c.user, matching, q.Page, q.PageSize), nil
}

func (c *Client) GetConversations(ctx context.Context, q msgservice.ConversationsQuery) (msgservice.ConversationsResult, error) {
	if err := c.server.enter(ctx, OpGetConversations, c.user); err != nil {
		return msgservice.ConversationsResult{}, err
	}

	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	summaries := s.summariesLocked(c.user)
	filtered := summaries[:0]
	for _, sum := range summaries {
		if q.Type.Matches(sum.Type) {
			filtered = append(filtered, sum)
		}
	}
	start, end, pagination := paginate(len(filtered), q.Page, q.PageSize)
	out := make([]models.ConversationSummary, 0, end-start)
	for _, sum := range filtered[start:end] {
		out = append(out, sum.Clone())
	}
	return msgservice.ConversationsResult{Conversations: out, Pagination: pagination}, nil
}

func (c *Client) GetUnreadCounts(ctx context.Context) (models.UnreadSummary, error) {
	if err := c.server.enter(ctx, OpGetUnreadCounts, c.user); err != nil {
		return models.UnreadSummary{}, err
	}

	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	out := models.UnreadSummary{Communities: map[string]int{}}
	for _, sum := range s.summariesLocked(c.user) {
		switch sum.Type {
		case models.ConversationPrivate:
			out.Private += sum.Unread
		case models.ConversationGeneral:
			out.General += sum.Unread
		case models.ConversationCommunity:
			out.Communities[sum.Community.ID] += sum.Unread
		}
	}
	out.Total = out.Private + out.General + out.CommunityTotal()
	return out, nil
}

func (c *Client) SendMessage(ctx context.Context, req msgservice.SendRequest) (models.Message, error) {
	if err := c.server.enter(ctx, OpSendMessage, c.user); err != nil {
		return models.Message{}, err
	}
	if err := req.Validate(c.user); err != nil {
		return models.Message{}, err
	}

	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.Type == models.ConversationCommunity && !s.members[req.CommunityID][c.user] {
		return models.Message{}, fmt.Errorf("not a member of community %s", req.CommunityID)
	}
	return s.insertLocked(c.user, req), nil
}

func (c *Client) MarkMessagesAsRead(ctx context.Context, ids []string) error {
	if err := c.server.enter(ctx, OpMarkMessagesAsRead, c.user); err != nil {
		return err
	}

	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.markLocked(c.user, id)
	}
	return nil
}

func (c *Client) MarkConversationAsRead(ctx context.Context, key string) error {
	if err := c.server.enter(ctx, OpMarkConversationAsRead, c.user); err != nil {
		return err
	}
	if _, err := convkey.Parse(key); err != nil {
		return err
	}

	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if s.keyOf(m) == key && m.SenderID != c.user {
			s.markLocked(c.user, m.ID)
		}
	}
	return nil
}

func (c *Client) SearchMessages(ctx context.Context, q msgservice.SearchQuery) (msgservice.MessagesResult, error) {
	if err := c.server.enter(ctx, OpSearchMessages, c.user); err != nil {
		return msgservice.MessagesResult{}, err
	}
	term := strings.ToLower(strings.TrimSpace(q.Q))
	if term == "" {
		return msgservice.MessagesResult{}, errors.New("empty search term")
	}

	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	matching := s.filterLocked(func(m models.Message) bool {
		return q.Type.Matches(m.Type) && s.visibleLocked(c.user, m) && strings.Contains(strings.ToLower(m.Content), term)
	})
	return s.pageLocked(c.user, matching, q.Page, q.PageSize), nil
}

func (s *Server) enter(ctx context.Context, op Op, user string) error {
	s.mu.Lock()
	s.calls[op]++
	hook := s.hooks[op]
	var injected error
	if queue := s.failures[op]; len(queue) > 0 {
		injected = queue[0]
		s.failures[op] = queue[1:]
	}
	s.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, user); err != nil {
			return err
		}
	}
	if injected != nil {
		return injected
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) insertLocked(sender string, req msgservice.SendRequest) models.Message {
	s.seq++
	msg := models.Message{
		ID:          fmt.Sprintf("m%06d", s.seq),
		Type:        req.Type,
		SenderID:    sender,
		RecipientID: req.RecipientID,
		CommunityID: req.CommunityID,
		Content:     req.Content,
		Images:      append([]models.ImageRef(nil), req.Images...),
		CreatedAt:   s.clock.Now(),
		Read:        true,
	}
	if len(msg.Images) == 0 {
		msg.Images = nil
	}
	s.messages = append(s.messages, msg)
	return msg.Clone()
}

func (s *Server) markLocked(user, id string) {
	set := s.reads[user]
	if set == nil {
		set = make(map[string]bool)
		s.reads[user] = set
	}
	set[id] = true
}

func (s *Server) keyOf(m models.Message) string {
	key, err := convkey.ForMessage(m)
	if err != nil {
		return ""
	}
	return key
}

func (s *Server) visibleLocked(user string, m models.Message) bool {
	switch m.Type {
	case models.ConversationPrivate:
		return m.SenderID == user || m.RecipientID == user
	case models.ConversationCommunity:
		return s.members[m.CommunityID][user]
	default:
		return true
	}
}

func (s *Server) readLocked(user string, m models.Message) bool {
	return m.SenderID == user || s.reads[user][m.ID]
}

// filterLocked returns matching messages newest-first.
func (s *Server) filterLocked(keep func(models.Message) bool) []models.Message {
	var out []models.Message
	for i := len(s.messages) - 1; i >= 0; i-- {
		if keep(s.messages[i]) {
			out = append(out, s.messages[i])
		}
	}
	return out
}

func (s *Server) pageLocked(user string, newestFirst []models.Message, page, pageSize int) msgservice.MessagesResult {
	start, end, pagination := paginate(len(newestFirst), page, pageSize)
	out := make([]models.Message, 0, end-start)
	for _, m := range newestFirst[start:end] {
		cloned := m.Clone()
		cloned.Read = s.readLocked(user, m)
		out = append(out, cloned)
	}
	return msgservice.MessagesResult{Messages: out, Pagination: pagination}
}

func (s *Server) summariesLocked(user string) []models.ConversationSummary {
	byKey := make(map[string]*models.ConversationSummary)
	ensure := func(key string, t models.ConversationType) *models.ConversationSummary {
		sum := byKey[key]
		if sum == nil {
			sum = &models.ConversationSummary{Key: key, Type: t}
			byKey[key] = sum
		}
		return sum
	}

	for id, members := range s.members {
		if members[user] {
			community := s.communities[id]
			sum := ensure(convkey.MustDerive(models.ConversationCommunity, user, id), models.ConversationCommunity)
			sum.Community = &community
		}
	}

	for _, m := range s.messages {
		if !s.visibleLocked(user, m) {
			continue
		}
		key := s.keyOf(m)
		sum := ensure(key, m.Type)
		switch m.Type {
		case models.ConversationPrivate:
			peer := m.RecipientID
			if peer == user {
				peer = m.SenderID
			}
			participant, ok := s.users[peer]
			if !ok {
				participant = models.Participant{ID: peer}
			}
			sum.Peer = &participant
		case models.ConversationCommunity:
			community := s.communities[m.CommunityID]
			if community.ID == "" {
				community.ID = m.CommunityID
			}
			sum.Community = &community
		}
		msg := m.Clone()
		msg.Read = s.readLocked(user, m)
		sum.LastMessage = &msg
		sum.LastActivity = m.CreatedAt
		if !msg.Read {
			sum.Unread++
		}
	}

	out := make([]models.ConversationSummary, 0, len(byKey))
	for _, sum := range byKey {
		out = append(out, *sum)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// paginate maps a 1-based page onto [start, end) of total items.
func paginate(total, page, pageSize int) (int, int, models.Pagination) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if page <= 0 {
		page = 1
	}
	pages := (total + pageSize - 1) / pageSize
	if pages == 0 {
		pages = 1
	}
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return start, end, models.Pagination{Current: page, Pages: pages}
}
