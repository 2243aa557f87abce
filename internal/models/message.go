// Package models defines the core data types shared by the toolchat sync engine.
package models

import (
	"errors"
	"strings"
	"time"
)

// ConversationType tags which thread namespace a message belongs to.
type ConversationType string

const (
	ConversationPrivate   ConversationType = "private"
	ConversationCommunity ConversationType = "community"
	ConversationGeneral   ConversationType = "general"
)

// Valid reports whether t is one of the known conversation types.
func (t ConversationType) Valid() bool {
	switch t {
	case ConversationPrivate, ConversationCommunity, ConversationGeneral:
		return true
	default:
		return false
	}
}

// ParseConversationType normalizes user input into a ConversationType.
func ParseConversationType(value string) (ConversationType, error) {
	t := ConversationType(strings.ToLower(strings.TrimSpace(value)))
	if !t.Valid() {
		return "", ErrInvalidConversationType
	}
	return t, nil
}

// TypeFilter narrows list and search queries. FilterAll matches every type.
type TypeFilter string

const (
	FilterAll       TypeFilter = "all"
	FilterPrivate   TypeFilter = TypeFilter(ConversationPrivate)
	FilterCommunity TypeFilter = TypeFilter(ConversationCommunity)
	FilterGeneral   TypeFilter = TypeFilter(ConversationGeneral)
)

// ParseTypeFilter accepts a conversation type or "all" (the empty string also means all).
func ParseTypeFilter(value string) (TypeFilter, error) {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" || v == string(FilterAll) {
		return FilterAll, nil
	}
	t, err := ParseConversationType(v)
	if err != nil {
		return "", err
	}
	return TypeFilter(t), nil
}

// Matches reports whether a conversation type passes the filter.
func (f TypeFilter) Matches(t ConversationType) bool {
	if f == "" || f == FilterAll {
		return true
	}
	return ConversationType(f) == t
}

// ImageRef points at an uploaded image; storage is handled elsewhere.
type ImageRef struct {
	URL      string `json:"url"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// Message is one chat message as returned by the message service.
type Message struct {
	ID          string           `json:"id"`
	Type        ConversationType `json:"type"`
	SenderID    string           `json:"sender_id"`
	RecipientID string           `json:"recipient_id,omitempty"`
	CommunityID string           `json:"community_id,omitempty"`
	Content     string           `json:"content,omitempty"`
	Images      []ImageRef       `json:"images,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	// Read is the server's hint; the read-state tracker has the final say.
	Read bool `json:"read"`
}

// Message validation errors.
var (
	ErrMissingMessageID   = errors.New("message id is required")
	ErrMissingSender      = errors.New("sender is required")
	ErrMissingRecipient   = errors.New("recipient is required for private messages")
	ErrMissingCommunity   = errors.New("community is required for community messages")
	ErrUnexpectedTarget   = errors.New("target not allowed for this conversation type")
	ErrEmptyMessageBody   = errors.New("message needs content or at least one image")
	ErrSelfAddressedToDM  = errors.New("cannot send a private message to yourself")
	ErrMissingImageURL    = errors.New("image url is required")
	ErrMessageTimeMissing = errors.New("created_at is required")
)

// Validate checks the target invariant: exactly one of recipient and community,
// or neither for the general channel.
func (m *Message) Validate() error {
	v := &ValidationErrors{}
	if strings.TrimSpace(m.ID) == "" {
		v.Add("id", ErrMissingMessageID)
	}
	if strings.TrimSpace(m.SenderID) == "" {
		v.Add("sender_id", ErrMissingSender)
	}
	if m.CreatedAt.IsZero() {
		v.Add("created_at", ErrMessageTimeMissing)
	}
	v.Add("", ValidateTarget(m.Type, m.RecipientID, m.CommunityID))
	return v.Err()
}

// Clone returns a deep copy so cached pages never share slices with callers.
func (m Message) Clone() Message {
	cloned := m
	if len(m.Images) > 0 {
		cloned.Images = append([]ImageRef(nil), m.Images...)
	}
	return cloned
}

// CloneMessages deep-copies a slice of messages.
func CloneMessages(messages []Message) []Message {
	if len(messages) == 0 {
		return nil
	}
	out := make([]Message, len(messages))
	for i := range messages {
		out[i] = messages[i].Clone()
	}
	return out
}

// ValidateTarget checks that recipient and community match the conversation type.
func ValidateTarget(t ConversationType, recipientID, communityID string) error {
	v := &ValidationErrors{}
	recipientID = strings.TrimSpace(recipientID)
	communityID = strings.TrimSpace(communityID)

	switch t {
	case ConversationPrivate:
		if recipientID == "" {
			v.Add("recipient_id", ErrMissingRecipient)
		}
		if communityID != "" {
			v.Add("community_id", ErrUnexpectedTarget)
		}
	case ConversationCommunity:
		if communityID == "" {
			v.Add("community_id", ErrMissingCommunity)
		}
		if recipientID != "" {
			v.Add("recipient_id", ErrUnexpectedTarget)
		}
	case ConversationGeneral:
		if recipientID != "" {
			v.Add("recipient_id", ErrUnexpectedTarget)
		}
		if communityID != "" {
			v.Add("community_id", ErrUnexpectedTarget)
		}
	default:
		v.Add("type", ErrInvalidConversationType)
	}
	return v.Err()
}
