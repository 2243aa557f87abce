package events

import (
	"time"

	"github.com/tOgg1/toolchat/internal/models"
)

// Type identifies an invalidation signal.
type Type string

const (
	// TypeMessageAdded fires when a message is merged into a conversation's history.
	TypeMessageAdded Type = "history.message_added"
	// TypeReadChanged fires after the server confirmed messages as read.
	TypeReadChanged Type = "readstate.changed"
	// TypeConversationsRefreshed fires after the conversation list merged a fetch.
	TypeConversationsRefreshed Type = "conversations.refreshed"
	// TypeUnreadChanged fires when the unread projection changes.
	TypeUnreadChanged Type = "unread.changed"
)

// Event is one signal on the bus. Key is empty for events not tied to one conversation.
type Event struct {
	Type    Type
	Key     string
	At      time.Time
	Payload any
}

// MessageAdded is the payload of TypeMessageAdded.
type MessageAdded struct {
	Message  models.Message
	FromSelf bool
}

// ReadChanged is the payload of TypeReadChanged. Count is how many messages of
// Key moved from unread to read; Cleared is set by whole-conversation marks.
type ReadChanged struct {
	Count   int
	Cleared bool
	IDs     []string
}

// ConversationsRefreshed is the payload of TypeConversationsRefreshed.
type ConversationsRefreshed struct {
	Keys []string
}

// UnreadChanged is the payload of TypeUnreadChanged.
type UnreadChanged struct {
	Summary models.UnreadSummary
}
