// Package convkey derives canonical conversation keys.
//
// Keys have three shapes:
//
//	private:<lo>:<hi>   two participant ids, sorted so key(a,b) == key(b,a)
//	community:<id>      the community id unchanged
//	general             the single forum channel
package convkey

import (
	"fmt"
	"strings"

	"github.com/tOgg1/toolchat/internal/models"
)

const (
	// General is the key of the forum channel.
	General = "general"

	privatePrefix   = "private:"
	communityPrefix = "community:"
	separator       = ":"
)

// Derive maps a conversation type and its participants to the canonical key.
// For private conversations otherID is the other participant; for community
// conversations it is the community id; general ignores both ids.
func Derive(t models.ConversationType, selfID, otherID string) (string, error) {
	switch t {
	case models.ConversationPrivate:
		selfID = strings.TrimSpace(selfID)
		otherID = strings.TrimSpace(otherID)
		if selfID == "" || otherID == "" {
			return "", fmt.Errorf("%w: private conversation needs both participants", models.ErrInvalidConversationType)
		}
		lo, hi := selfID, otherID
		if hi < lo {
			lo, hi = hi, lo
		}
		return privatePrefix + lo + separator + hi, nil
	case models.ConversationCommunity:
		communityID := strings.TrimSpace(otherID)
		if communityID == "" {
			return "", fmt.Errorf("%w: community conversation needs a community id", models.ErrInvalidConversationType)
		}
		return communityPrefix + communityID, nil
	case models.ConversationGeneral:
		return General, nil
	default:
		return "", fmt.Errorf("%w: %q", models.ErrInvalidConversationType, string(t))
	}
}

// MustDerive is Derive for call sites with known-good arguments.
func MustDerive(t models.ConversationType, selfID, otherID string) string {
	key, err := Derive(t, selfID, otherID)
	if err != nil {
		panic(err)
	}
	return key
}

// Key is a parsed conversation key.
type Key struct {
	Type models.ConversationType
	// Participants holds the two sorted ids of a private key.
	Participants [2]string
	// CommunityID is set for community keys.
	CommunityID string
}

// Parse splits a key back into its parts.
func Parse(key string) (Key, error) {
	key = strings.TrimSpace(key)
	switch {
	case key == General:
		return Key{Type: models.ConversationGeneral}, nil
	case strings.HasPrefix(key, communityPrefix):
		id := strings.TrimPrefix(key, communityPrefix)
		if id == "" {
			return Key{}, fmt.Errorf("%w: empty community key", models.ErrInvalidConversationType)
		}
		return Key{Type: models.ConversationCommunity, CommunityID: id}, nil
	case strings.HasPrefix(key, privatePrefix):
		rest := strings.TrimPrefix(key, privatePrefix)
		lo, hi, ok := strings.Cut(rest, separator)
		if !ok || lo == "" || hi == "" {
			return Key{}, fmt.Errorf("%w: malformed private key %q", models.ErrInvalidConversationType, key)
		}
		return Key{Type: models.ConversationPrivate, Participants: [2]string{lo, hi}}, nil
	default:
		return Key{}, fmt.Errorf("%w: unknown key %q", models.ErrInvalidConversationType, key)
	}
}

// Target returns the remote target for a key as seen by selfID: the other
// participant for private keys, the community id, or "" for general.
func (k Key) Target(selfID string) (string, error) {
	switch k.Type {
	case models.ConversationPrivate:
		switch selfID {
		case k.Participants[0]:
			return k.Participants[1], nil
		case k.Participants[1]:
			return k.Participants[0], nil
		default:
			return "", fmt.Errorf("%s is not a participant of this conversation", selfID)
		}
	case models.ConversationCommunity:
		return k.CommunityID, nil
	default:
		return "", nil
	}
}

// ForMessage derives the key a message belongs to from its own fields.
func ForMessage(msg models.Message) (string, error) {
	switch msg.Type {
	case models.ConversationPrivate:
		return Derive(msg.Type, msg.SenderID, msg.RecipientID)
	case models.ConversationCommunity:
		return Derive(msg.Type, "", msg.CommunityID)
	default:
		return Derive(msg.Type, "", "")
	}
}
