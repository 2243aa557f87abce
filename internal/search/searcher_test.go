package search

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tOgg1/toolchat/internal/models"
	"github.com/tOgg1/toolchat/internal/msgservice"
	"github.com/tOgg1/toolchat/internal/msgservice/msgservicetest"
)

func seed(t *testing.T) *msgservicetest.Server {
	t.Helper()
	srv := msgservicetest.NewServer(nil)
	srv.AddCommunity("c1", "Woodworkers", "alice", "bob")
	ctx := context.Background()
	reqs := []struct {
		from string
		req  msgservice.SendRequest
	}{
		{"bob", msgservice.SendRequest{Type: models.ConversationPrivate, RecipientID: "alice", Content: "Is the Drill still free?"}},
		{"alice", msgservice.SendRequest{Type: models.ConversationGeneral, Content: "Lending a drill press this weekend"}},
		{"bob", msgservice.SendRequest{Type: models.ConversationCommunity, CommunityID: "c1", Content: "drill bits anyone"}},
		{"carol", msgservice.SendRequest{Type: models.ConversationPrivate, RecipientID: "dave", Content: "private drill talk"}},
	}
	for _, r := range reqs {
		_, err := srv.Client(r.from).SendMessage(ctx, r.req)
		require.NoError(t, err)
	}
	return srv
}

func TestSearchFiltersAndMatches(t *testing.T) {
	srv := seed(t)
	s := New(Config{Service: srv.Client("alice"), RPS: 100, Burst: 10})

	page, err := s.Search(context.Background(), "  drill ", models.FilterAll, models.CursorStart)
	require.NoError(t, err)
	require.Equal(t, "drill", page.Term)
	require.Len(t, page.Results, 3, "carol's private message is not visible")
	require.False(t, page.HasMore)

	byKey := map[string]Result{}
	for _, r := range page.Results {
		byKey[r.Key] = r
	}
	require.Equal(t, 7, byKey["private:alice:bob"].MatchOffset)
	require.Equal(t, 5, byKey["private:alice:bob"].MatchLength)
	require.Equal(t, 10, byKey["general"].MatchOffset)
	require.Equal(t, 0, byKey["community:c1"].MatchOffset)

	page, err = s.Search(context.Background(), "drill", models.FilterCommunity, models.CursorStart)
	require.NoError(t, err)
	require.Len(t, page.Results, 1)
	require.Equal(t, "community:c1", page.Results[0].Key)
}

func TestSearchPaging(t *testing.T) {
	srv := msgservicetest.NewServer(nil)
	for i := 0; i < 5; i++ {
		_, err := srv.Client("bob").SendMessage(context.Background(), msgservice.SendRequest{Type: models.ConversationGeneral, Content: fmt.Sprintf("ladder %d", i)})
		require.NoError(t, err)
	}
	s := New(Config{Service: srv.Client("alice"), PageSize: 2, RPS: 100, Burst: 10})

	var seen []string
	cursor := models.CursorStart
	for {
		page, err := s.Search(context.Background(), "LADDER", models.FilterGeneral, cursor)
		require.NoError(t, err)
		for _, r := range page.Results {
			seen = append(seen, r.Message.ID)
		}
		if !page.HasMore {
			break
		}
		cursor = page.Next
	}
	require.Len(t, seen, 5)
	require.Equal(t, 3, srv.Calls(msgservicetest.OpSearchMessages))
}

func TestSearchErrors(t *testing.T) {
	srv := seed(t)
	s := New(Config{Service: srv.Client("alice"), RPS: 100, Burst: 10})

	_, err := s.Search(context.Background(), "   ", models.FilterAll, models.CursorStart)
	require.ErrorIs(t, err, ErrBlankTerm)
	require.Equal(t, 0, srv.Calls(msgservicetest.OpSearchMessages))

	srv.FailNext(msgservicetest.OpSearchMessages)
	_, err = s.Search(context.Background(), "drill", models.FilterAll, models.CursorStart)
	require.ErrorIs(t, err, models.ErrSearchFailed)
	require.ErrorIs(t, err, msgservicetest.ErrInjected)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Search(ctx, "drill", models.FilterAll, models.CursorStart)
	require.ErrorIs(t, err, models.ErrSearchFailed)
	require.ErrorIs(t, err, context.Canceled)
}

func TestMatch(t *testing.T) {
	tests := []struct {
		content, term string
		offset, length int
	}{
		{"Hello World", "world", 6, 5},
		{"hello", "HELLO", 0, 5},
		{"no match here", "drill", -1, 0},
		{"short", "longer term", -1, 0},
		{"Grüße aus Köln", "KÖLN", 12, 5},
		{"anything", "", -1, 0},
	}
	for _, tt := range tests {
		offset, length := Match(tt.content, tt.term)
		if offset != tt.offset || length != tt.length {
			t.Errorf("Match(%q, %q) = %d, %d; want %d, %d", tt.content, tt.term, offset, length, tt.offset, tt.length)
		}
	}
}
