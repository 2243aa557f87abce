package conversations

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tOgg1/toolchat/internal/clock"
	"github.com/tOgg1/toolchat/internal/convkey"
	"github.com/tOgg1/toolchat/internal/events"
	"github.com/tOgg1/toolchat/internal/models"
	"github.com/tOgg1/toolchat/internal/msgservice"
	"github.com/tOgg1/toolchat/internal/msgservice/msgservicetest"
	"github.com/tOgg1/toolchat/internal/unread"
)

type fixture struct {
	clock  *clock.Fake
	server *msgservicetest.Server
	bus    *events.InMemoryPublisher
	sync   *Synchronizer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	srv := msgservicetest.NewServer(clk)
	srv.AddUser("bob", "Bob Builder")
	srv.AddCommunity("c1", "Woodworkers", "alice", "bob")
	srv.AddCommunity("c2", "Quiet Garden", "alice")
	bus := events.NewInMemoryPublisher()
	s := New(Config{
		SelfID:    "alice",
		PageSize:  10,
		Grace:     10 * time.Second,
		Service:   srv.Client("alice"),
		Publisher: bus,
		Clock:     clk,
	})
	t.Cleanup(s.Close)
	return &fixture{clock: clk, server: srv, bus: bus, sync: s}
}

func (f *fixture) send(t *testing.T, from string, req msgservice.SendRequest) models.Message {
	t.Helper()
	f.clock.Advance(time.Second)
	msg, err := f.server.Client(from).SendMessage(context.Background(), req)
	require.NoError(t, err)
	return msg
}

func (f *fixture) dm(t *testing.T, from, to string, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		msg := f.send(t, from, msgservice.SendRequest{Type: models.ConversationPrivate, RecipientID: to, Content: fmt.Sprintf("dm %d", i)})
		ids = append(ids, msg.ID)
	}
	return ids
}

func TestFetchConversationsOrderAndEmptyExclusion(t *testing.T) {
	f := newFixture(t)
	f.dm(t, "bob", "alice", 1)
	f.send(t, "bob", msgservice.SendRequest{Type: models.ConversationCommunity, CommunityID: "c1", Content: "meetup"})
	f.send(t, "alice", msgservice.SendRequest{Type: models.ConversationGeneral, Content: "anyone have a ladder?"})

	var refreshed []string
	_, err := f.bus.SubscribeFunc(events.Filter{Types: []events.Type{events.TypeConversationsRefreshed}}, func(e *events.Event) {
		refreshed = e.Payload.(events.ConversationsRefreshed).Keys
	})
	require.NoError(t, err)

	page, err := f.sync.FetchConversations(context.Background(), models.FilterAll, models.CursorStart)
	require.NoError(t, err)
	require.False(t, page.HasMore)

	keys := make([]string, 0, len(page.Items))
	for _, item := range page.Items {
		keys = append(keys, item.Key)
	}
	require.Equal(t, []string{"general", "community:c1", "private:alice:bob"}, keys)
	require.Len(t, refreshed, 4)

	// The empty community is stored but not rendered.
	empty, ok := f.sync.Get("community:c2")
	require.True(t, ok)
	require.Nil(t, empty.LastMessage)
	require.Len(t, f.sync.Summaries(), 4)
	require.Len(t, f.sync.Rendered(models.FilterAll), 3)
	require.Len(t, f.sync.Rendered(models.FilterCommunity), 1)

	dm, _ := f.sync.Get("private:alice:bob")
	require.Equal(t, "Bob Builder", dm.Title())
	require.Equal(t, 1, dm.Unread)
}

func TestFetchConversationsFilterAndPaging(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 12; i++ {
		f.dm(t, fmt.Sprintf("user%02d", i), "alice", 1)
	}

	page, err := f.sync.FetchConversations(context.Background(), models.FilterPrivate, models.CursorStart)
	require.NoError(t, err)
	require.Len(t, page.Items, 10)
	require.True(t, page.HasMore)
	require.Equal(t, models.Cursor(2), page.Next)

	page, err = f.sync.FetchConversations(context.Background(), models.FilterPrivate, page.Next)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.False(t, page.HasMore)
	require.Len(t, f.sync.Rendered(models.FilterPrivate), 12)
}

func TestFetchFailureKeepsSummaries(t *testing.T) {
	f := newFixture(t)
	f.dm(t, "bob", "alice", 2)
	require.NoError(t, f.sync.Refresh(context.Background(), models.FilterAll))

	f.server.FailNext(msgservicetest.OpGetConversations)
	err := f.sync.Refresh(context.Background(), models.FilterAll)
	require.ErrorIs(t, err, models.ErrConversationsFetchFailed)
	require.ErrorIs(t, err, msgservicetest.ErrInjected)

	sum, ok := f.sync.Get("private:alice:bob")
	require.True(t, ok)
	require.Equal(t, 2, sum.Unread)
}

func TestApplyReadNeverRaises(t *testing.T) {
	f := newFixture(t)
	f.dm(t, "bob", "alice", 3)
	require.NoError(t, f.sync.Refresh(context.Background(), models.FilterAll))
	key := "private:alice:bob"

	f.sync.ApplyRead(key, 1, false, f.clock.Now())
	n, _ := f.sync.Unread(key)
	require.Equal(t, 2, n)
	require.Equal(t, StateAhead, f.sync.State(key))

	f.sync.ApplyRead(key, 0, false, f.clock.Now())
	f.sync.ApplyRead(key, -4, false, f.clock.Now())
	n, _ = f.sync.Unread(key)
	require.Equal(t, 2, n)

	f.sync.ApplyRead(key, 99, false, f.clock.Now())
	n, _ = f.sync.Unread(key)
	require.Equal(t, 0, n)

	f.sync.ApplyRead("private:alice:nobody", 1, true, f.clock.Now())
	_, ok := f.sync.Unread("private:alice:nobody")
	require.False(t, ok)
}

func TestReconcileServerConfirms(t *testing.T) {
	f := newFixture(t)
	ids := f.dm(t, "bob", "alice", 3)
	require.NoError(t, f.sync.Refresh(context.Background(), models.FilterAll))
	key := "private:alice:bob"

	require.NoError(t, f.server.Client("alice").MarkMessagesAsRead(context.Background(), ids[:2]))
	f.sync.ApplyRead(key, 2, false, f.clock.Now())

	require.NoError(t, f.sync.Refresh(context.Background(), models.FilterAll))
	n, _ := f.sync.Unread(key)
	require.Equal(t, 1, n)
	require.Equal(t, StateSynced, f.sync.State(key))
}

func TestReconcileGraceWindow(t *testing.T) {
	f := newFixture(t)
	f.dm(t, "bob", "alice", 3)
	require.NoError(t, f.sync.Refresh(context.Background(), models.FilterAll))
	key := "private:alice:bob"

	// The server has not seen this decrement yet.
	f.sync.ApplyRead(key, 2, false, f.clock.Now())

	f.clock.Advance(5 * time.Second)
	require.NoError(t, f.sync.Refresh(context.Background(), models.FilterAll))
	n, _ := f.sync.Unread(key)
	require.Equal(t, 1, n, "local value survives inside the grace window")
	require.Equal(t, StateReconciling, f.sync.State(key))

	e := entryFor(t, f.sync, key)
	require.Equal(t, 3, e.Server)
	require.Equal(t, 1, e.Local)
	require.True(t, e.Optimistic)

	f.clock.Advance(5 * time.Second)
	require.NoError(t, f.sync.Refresh(context.Background(), models.FilterAll))
	n, _ = f.sync.Unread(key)
	require.Equal(t, 3, n, "server wins once the grace window has passed")
	require.Equal(t, StateSynced, f.sync.State(key))
	require.False(t, entryFor(t, f.sync, key).Optimistic)
}

func entryFor(t *testing.T, s *Synchronizer, key string) unread.Entry {
	t.Helper()
	for _, e := range s.Entries() {
		if e.Key == key {
			return e
		}
	}
	t.Fatalf("no entry for %s", key)
	return unread.Entry{}
}

func TestServerIncreaseWinsWhenSynced(t *testing.T) {
	f := newFixture(t)
	f.dm(t, "bob", "alice", 1)
	require.NoError(t, f.sync.Refresh(context.Background(), models.FilterAll))

	f.dm(t, "bob", "alice", 2)
	require.NoError(t, f.sync.Refresh(context.Background(), models.FilterAll))
	n, _ := f.sync.Unread("private:alice:bob")
	require.Equal(t, 3, n)
}

func TestEventsDriveReadAndTouch(t *testing.T) {
	f := newFixture(t)
	f.dm(t, "bob", "alice", 2)
	require.NoError(t, f.sync.Refresh(context.Background(), models.FilterAll))
	key := "private:alice:bob"
	ctx := context.Background()

	f.bus.Publish(ctx, &events.Event{Type: events.TypeReadChanged, Key: key, At: f.clock.Now(), Payload: events.ReadChanged{Count: 1}})
	n, _ := f.sync.Unread(key)
	require.Equal(t, 1, n)

	f.bus.Publish(ctx, &events.Event{Type: events.TypeReadChanged, Key: key, At: f.clock.Now(), Payload: events.ReadChanged{Cleared: true}})
	n, _ = f.sync.Unread(key)
	require.Equal(t, 0, n)

	f.clock.Advance(time.Minute)
	sent := models.Message{ID: "local-1", Type: models.ConversationPrivate, SenderID: "alice", RecipientID: "bob", Content: "on my way", CreatedAt: f.clock.Now()}
	f.bus.Publish(ctx, &events.Event{Type: events.TypeMessageAdded, Key: key, Payload: events.MessageAdded{Message: sent, FromSelf: true}})

	sum, _ := f.sync.Get(key)
	require.Equal(t, "local-1", sum.LastMessage.ID)
	require.Equal(t, f.clock.Now(), sum.LastActivity)
	require.Equal(t, 0, sum.Unread)

	// An older message does not move last activity back.
	old := sent
	old.ID = "local-0"
	old.CreatedAt = f.clock.Now().Add(-time.Hour)
	f.sync.Touch(key, old)
	sum, _ = f.sync.Get(key)
	require.Equal(t, "local-1", sum.LastMessage.ID)
}

func TestTouchCreatesSummary(t *testing.T) {
	f := newFixture(t)
	key := convkey.MustDerive(models.ConversationPrivate, "alice", "carol")
	msg := models.Message{ID: "x1", Type: models.ConversationPrivate, SenderID: "alice", RecipientID: "carol", Content: "hello", CreatedAt: f.clock.Now()}

	f.sync.Touch(key, msg)
	sum, ok := f.sync.Get(key)
	require.True(t, ok)
	require.Equal(t, models.ConversationPrivate, sum.Type)
	require.Equal(t, "carol", sum.Peer.ID)
	require.Equal(t, 0, sum.Unread)
	require.Len(t, f.sync.Rendered(models.FilterAll), 1)

	f.sync.Touch("bogus", msg)
	require.Len(t, f.sync.Summaries(), 1)
}

func TestEntriesCarryCommunityID(t *testing.T) {
	f := newFixture(t)
	f.send(t, "bob", msgservice.SendRequest{Type: models.ConversationCommunity, CommunityID: "c1", Content: "saw for loan"})
	require.NoError(t, f.sync.Refresh(context.Background(), models.FilterCommunity))

	byKey := map[string]int{}
	for _, e := range f.sync.Entries() {
		require.Equal(t, models.ConversationCommunity, e.Type)
		byKey[e.CommunityID] = e.Local
	}
	require.Equal(t, map[string]int{"c1": 1, "c2": 0}, byKey)

	f.sync.Reset()
	require.Empty(t, f.sync.Summaries())
}

func TestReconcileStateString(t *testing.T) {
	require.Equal(t, "synced", StateSynced.String())
	require.Equal(t, "ahead", StateAhead.String())
	require.Equal(t, "reconciling", StateReconciling.String())
	require.Equal(t, "unknown", ReconcileState(42).String())
}
