package models

import (
	"strings"
	"time"
)

// Cursor is a 1-based remote page index. CursorStart asks for the most recent page.
type Cursor int

// CursorStart is the cursor of the newest page.
const CursorStart Cursor = 0

// PageNumber converts the cursor into the remote page number.
func (c Cursor) PageNumber() int {
	if c <= 0 {
		return 1
	}
	return int(c)
}

// Next returns the cursor of the page after this one.
func (c Cursor) Next() Cursor {
	return Cursor(c.PageNumber() + 1)
}

// Pagination mirrors the remote {current, pages} envelope.
type Pagination struct {
	Current int `json:"current"`
	Pages   int `json:"pages"`
}

// Page is one fetched batch of messages ordered newest-first.
type Page struct {
	Cursor     Cursor    `json:"cursor"`
	Messages   []Message `json:"messages"`
	Next       Cursor    `json:"next"`
	HasMore    bool      `json:"has_more"`
	TotalPages int       `json:"total_pages"`
}

// Clone deep-copies the page.
func (p Page) Clone() Page {
	cloned := p
	cloned.Messages = CloneMessages(p.Messages)
	return cloned
}

// Participant is a snapshot of the other side of a private conversation.
type Participant struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Community is a snapshot of a community's metadata.
type Community struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// ConversationSummary is one row of the conversation list.
type ConversationSummary struct {
	Key          string           `json:"key"`
	Type         ConversationType `json:"type"`
	LastMessage  *Message         `json:"last_message,omitempty"`
	Unread       int              `json:"unread"`
	LastActivity time.Time        `json:"last_activity"`
	Peer         *Participant     `json:"peer,omitempty"`
	Community    *Community       `json:"community,omitempty"`
}

// Clone deep-copies the summary.
func (s ConversationSummary) Clone() ConversationSummary {
	cloned := s
	if s.LastMessage != nil {
		msg := s.LastMessage.Clone()
		cloned.LastMessage = &msg
	}
	if s.Peer != nil {
		peer := *s.Peer
		cloned.Peer = &peer
	}
	if s.Community != nil {
		community := *s.Community
		cloned.Community = &community
	}
	return cloned
}

// Title is a display label for the conversation.
func (s ConversationSummary) Title() string {
	switch {
	case s.Peer != nil && strings.TrimSpace(s.Peer.Name) != "":
		return s.Peer.Name
	case s.Peer != nil:
		return s.Peer.ID
	case s.Community != nil && strings.TrimSpace(s.Community.Name) != "":
		return s.Community.Name
	case s.Community != nil:
		return s.Community.ID
	case s.Type == ConversationGeneral:
		return "General forum"
	default:
		return s.Key
	}
}

// UnreadSummary aggregates unread counts by conversation type.
type UnreadSummary struct {
	Total       int            `json:"total"`
	Private     int            `json:"private"`
	General     int            `json:"general"`
	Communities map[string]int `json:"communities"`
}

// CommunityTotal sums the per-community counts.
func (u UnreadSummary) CommunityTotal() int {
	total := 0
	for _, n := range u.Communities {
		total += n
	}
	return total
}

// Consistent reports whether Total equals the sum of its parts.
func (u UnreadSummary) Consistent() bool {
	return u.Total == u.Private+u.General+u.CommunityTotal()
}

// Equal compares two summaries, treating missing and zero community counts alike.
func (u UnreadSummary) Equal(other UnreadSummary) bool {
	if u.Total != other.Total || u.Private != other.Private || u.General != other.General {
		return false
	}
	for id, n := range u.Communities {
		if other.Communities[id] != n {
			return false
		}
	}
	for id, n := range other.Communities {
		if u.Communities[id] != n {
			return false
		}
	}
	return true
}

// Clone deep-copies the summary.
func (u UnreadSummary) Clone() UnreadSummary {
	cloned := u
	cloned.Communities = make(map[string]int, len(u.Communities))
	for id, n := range u.Communities {
		cloned.Communities[id] = n
	}
	return cloned
}
