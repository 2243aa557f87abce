// Package msgservice defines the remote message service the sync engine talks to
// and an HTTP implementation of it.
package msgservice

import (
	"context"
	"fmt"
	"strings"

	"github.com/tOgg1/toolchat/internal/models"
)

// Service is the remote source of truth. Every call may fail; callers treat
// failures as transient and keep their cached state.
type Service interface {
	GetMessages(ctx context.Context, q MessagesQuery) (MessagesResult, error)
	GetConversations(ctx context.Context, q ConversationsQuery) (ConversationsResult, error)
	GetUnreadCounts(ctx context.Context) (models.UnreadSummary, error)
	SendMessage(ctx context.Context, req SendRequest) (models.Message, error)
	MarkMessagesAsRead(ctx context.Context, ids []string) error
	MarkConversationAsRead(ctx context.Context, key string) error
	SearchMessages(ctx context.Context, q SearchQuery) (MessagesResult, error)
}

// MessagesQuery selects one page of a conversation. Target is the other
// participant for private conversations, the community id for community
// conversations and empty for general. Page is 1-based, newest first.
type MessagesQuery struct {
	Type     models.ConversationType
	Target   string
	Page     int
	PageSize int
}

// MessagesResult is a page of messages ordered newest-first.
type MessagesResult struct {
	Messages   []models.Message  `json:"messages"`
	Pagination models.Pagination `json:"pagination"`
}

// Exhausted reports whether no older page exists after this one.
func (r MessagesResult) Exhausted(pageSize int) bool {
	if pageSize > 0 && len(r.Messages) < pageSize {
		return true
	}
	return r.Pagination.Current >= r.Pagination.Pages
}

// ConversationsQuery selects one page of the conversation list.
type ConversationsQuery struct {
	Type     models.TypeFilter
	Page     int
	PageSize int
}

// ConversationsResult is a page of summaries ordered by most recent activity.
type ConversationsResult struct {
	Conversations []models.ConversationSummary `json:"conversations"`
	Pagination    models.Pagination            `json:"pagination"`
}

// SendRequest is the body of a new message.
type SendRequest struct {
	Type        models.ConversationType `json:"type"`
	RecipientID string                  `json:"recipient_id,omitempty"`
	CommunityID string                  `json:"community_id,omitempty"`
	Content     string                  `json:"content,omitempty"`
	Images      []models.ImageRef       `json:"images,omitempty"`
}

// Validate checks the request before it leaves the process. senderID may be
// empty when the caller does not know who is signed in.
func (r SendRequest) Validate(senderID string) error {
	v := &models.ValidationErrors{}
	if !r.Type.Valid() {
		v.Add("type", models.ErrInvalidConversationType)
		return v.Err()
	}
	v.Add("", models.ValidateTarget(r.Type, r.RecipientID, r.CommunityID))
	if strings.TrimSpace(r.Content) == "" && len(r.Images) == 0 {
		v.Add("content", models.ErrEmptyMessageBody)
	}
	for i, img := range r.Images {
		if strings.TrimSpace(img.URL) == "" {
			v.Add(fmt.Sprintf("images[%d].url", i), models.ErrMissingImageURL)
		}
	}
	if r.Type == models.ConversationPrivate && senderID != "" && strings.TrimSpace(r.RecipientID) == senderID {
		v.Add("recipient_id", models.ErrSelfAddressedToDM)
	}
	return v.Err()
}

// SearchQuery is a full-text query over messages visible to the caller.
type SearchQuery struct {
	Q        string
	Type     models.TypeFilter
	Page     int
	PageSize int
}
