package convkey

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tOgg1/toolchat/internal/models"
)

func TestDerivePrivateIsSymmetric(t *testing.T) {
	pairs := [][2]string{
		{"alice", "bob"},
		{"bob", "alice"},
		{"u-10", "u-9"},
		{"same", "same"},
		{"B", "a"},
	}
	for _, pair := range pairs {
		ab, err := Derive(models.ConversationPrivate, pair[0], pair[1])
		require.NoError(t, err)
		ba, err := Derive(models.ConversationPrivate, pair[1], pair[0])
		require.NoError(t, err)
		require.Equal(t, ab, ba, "pair %v", pair)
	}

	key, err := Derive(models.ConversationPrivate, "bob", "alice")
	require.NoError(t, err)
	require.Equal(t, "private:alice:bob", key)
}

func TestDeriveStableAcrossCalls(t *testing.T) {
	for i := 0; i < 100; i++ {
		a := fmt.Sprintf("user-%d", i)
		b := fmt.Sprintf("user-%d", 99-i)
		first := MustDerive(models.ConversationPrivate, a, b)
		second := MustDerive(models.ConversationPrivate, b, a)
		require.Equal(t, first, second)
		require.Equal(t, first, MustDerive(models.ConversationPrivate, a, b))
	}
}

func TestDeriveCommunityAndGeneral(t *testing.T) {
	key, err := Derive(models.ConversationCommunity, "alice", "woodworkers")
	require.NoError(t, err)
	require.Equal(t, "community:woodworkers", key)

	key, err = Derive(models.ConversationGeneral, "alice", "ignored")
	require.NoError(t, err)
	require.Equal(t, General, key)
}

func TestDeriveInvalid(t *testing.T) {
	_, err := Derive(models.ConversationPrivate, "alice", "")
	require.ErrorIs(t, err, models.ErrInvalidConversationType)

	_, err = Derive(models.ConversationCommunity, "alice", " ")
	require.ErrorIs(t, err, models.ErrInvalidConversationType)

	_, err = Derive("group", "alice", "bob")
	require.ErrorIs(t, err, models.ErrInvalidConversationType)

	require.Panics(t, func() { MustDerive(models.ConversationPrivate, "alice", "") })
}

func TestParseRoundTrip(t *testing.T) {
	parsed, err := Parse("private:alice:bob")
	require.NoError(t, err)
	require.Equal(t, models.ConversationPrivate, parsed.Type)

	target, err := parsed.Target("bob")
	require.NoError(t, err)
	require.Equal(t, "alice", target)

	_, err = parsed.Target("carol")
	require.Error(t, err)

	parsed, err = Parse("community:c-1")
	require.NoError(t, err)
	target, err = parsed.Target("anyone")
	require.NoError(t, err)
	require.Equal(t, "c-1", target)

	parsed, err = Parse(General)
	require.NoError(t, err)
	require.Equal(t, models.ConversationGeneral, parsed.Type)

	for _, bad := range []string{"", "private:alice", "community:", "dm:alice:bob"} {
		_, err := Parse(bad)
		require.ErrorIs(t, err, models.ErrInvalidConversationType, bad)
	}
}

func TestForMessage(t *testing.T) {
	now := time.Now()
	key, err := ForMessage(models.Message{
		ID: "m1", Type: models.ConversationPrivate, SenderID: "bob", RecipientID: "alice", CreatedAt: now,
	})
	require.NoError(t, err)
	require.Equal(t, "private:alice:bob", key)

	key, err = ForMessage(models.Message{ID: "m2", Type: models.ConversationCommunity, SenderID: "bob", CommunityID: "c9"})
	require.NoError(t, err)
	require.Equal(t, "community:c9", key)

	key, err = ForMessage(models.Message{ID: "m3", Type: models.ConversationGeneral, SenderID: "bob"})
	require.NoError(t, err)
	require.Equal(t, General, key)
}
