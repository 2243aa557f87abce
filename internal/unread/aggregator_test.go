package unread

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tOgg1/toolchat/internal/clock"
	"github.com/tOgg1/toolchat/internal/events"
	"github.com/tOgg1/toolchat/internal/models"
	"github.com/tOgg1/toolchat/internal/msgservice"
	"github.com/tOgg1/toolchat/internal/msgservice/msgservicetest"
)

var t0 = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func TestCompute(t *testing.T) {
	tests := []struct {
		name     string
		baseline *Baseline
		entries  []Entry
		want     models.UnreadSummary
	}{
		{
			name: "no baseline sums local counts",
			entries: []Entry{
				{Key: "private:a:b", Type: models.ConversationPrivate, Local: 2, Server: 3},
				{Key: "general", Type: models.ConversationGeneral, Local: 4},
				{Key: "community:c1", Type: models.ConversationCommunity, CommunityID: "c1", Local: 1},
			},
			want: models.UnreadSummary{Total: 7, Private: 2, General: 4, Communities: map[string]int{"c1": 1}},
		},
		{
			name: "synced entries are already in the baseline",
			baseline: &Baseline{
				Counts: models.UnreadSummary{Total: 9, Private: 5, General: 1, Communities: map[string]int{"c1": 3}},
			},
			entries: []Entry{{Key: "private:a:b", Type: models.ConversationPrivate, Local: 2, Server: 2}},
			want:    models.UnreadSummary{Total: 9, Private: 5, General: 1, Communities: map[string]int{"c1": 3}},
		},
		{
			name:     "optimistic entries lower the bucket by their lead",
			baseline: &Baseline{Counts: models.UnreadSummary{Private: 5, Communities: map[string]int{"c1": 3}}},
			entries: []Entry{
				{Key: "private:a:b", Type: models.ConversationPrivate, Local: 1, Server: 3, Optimistic: true},
				{Key: "community:c1", Type: models.ConversationCommunity, CommunityID: "c1", Local: 0, Server: 3, Optimistic: true},
			},
			want: models.UnreadSummary{Total: 3, Private: 3, Communities: map[string]int{"c1": 0}},
		},
		{
			name:     "arrivals after the last list fetch still count",
			baseline: &Baseline{Counts: models.UnreadSummary{General: 7}},
			entries: []Entry{
				{Key: "general", Type: models.ConversationGeneral, Local: 0, Server: 5, Optimistic: true},
			},
			want: models.UnreadSummary{Total: 2, General: 2, Communities: map[string]int{}},
		},
		{
			name:     "a stale lead on a synced entry is ignored",
			baseline: &Baseline{Counts: models.UnreadSummary{General: 10}},
			entries: []Entry{
				{Key: "general", Type: models.ConversationGeneral, Local: 4, Server: 5},
			},
			want: models.UnreadSummary{Total: 10, General: 10, Communities: map[string]int{}},
		},
		{
			name:     "buckets clamp at zero",
			baseline: &Baseline{Counts: models.UnreadSummary{Private: 1}},
			entries: []Entry{
				{Key: "private:a:b", Type: models.ConversationPrivate, Local: 0, Server: 4, Optimistic: true},
			},
			want: models.UnreadSummary{Total: 0, Private: 0, Communities: map[string]int{}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compute(tt.baseline, tt.entries)
			if !got.Equal(tt.want) {
				t.Fatalf("Compute() = %+v, want %+v", got, tt.want)
			}
			if !got.Consistent() {
				t.Errorf("total %d is not the sum of its parts", got.Total)
			}
		})
	}
}

type staticSource []Entry

func (s staticSource) Entries() []Entry { return s }

type mutableSource struct{ entries []Entry }

func (m *mutableSource) Entries() []Entry { return m.entries }

func TestAggregatorRefreshAndEvents(t *testing.T) {
	clk := clock.NewFake(t0)
	srv := msgservicetest.NewServer(clk)
	srv.AddCommunity("c1", "Woodworkers", "alice", "bob")
	bob := srv.Client("bob")
	ctx := context.Background()

	_, err := bob.SendMessage(ctx, msgservice.SendRequest{Type: models.ConversationPrivate, RecipientID: "alice", Content: "hi"})
	require.NoError(t, err)
	_, err = bob.SendMessage(ctx, msgservice.SendRequest{Type: models.ConversationCommunity, CommunityID: "c1", Content: "meetup?"})
	require.NoError(t, err)

	bus := events.NewInMemoryPublisher()
	source := &mutableSource{}
	agg := New(Config{Service: srv.Client("alice"), Source: source, Publisher: bus, Clock: clk})
	defer agg.Close()

	var published []models.UnreadSummary
	_, err = bus.SubscribeFunc(events.Filter{Types: []events.Type{events.TypeUnreadChanged}}, func(e *events.Event) {
		published = append(published, e.Payload.(events.UnreadChanged).Summary)
	})
	require.NoError(t, err)

	require.NoError(t, agg.Refresh(ctx))
	sum := agg.Summary()
	require.Equal(t, 1, sum.Private)
	require.Equal(t, 1, sum.Communities["c1"])
	require.Equal(t, 2, sum.Total)
	require.Len(t, published, 1)

	// Same inputs: no new event.
	agg.Recompute(ctx)
	require.Len(t, published, 1)

	clk.Advance(time.Second)
	source.entries = []Entry{{
		Key: "private:alice:bob", Type: models.ConversationPrivate, Local: 0, Server: 1, Optimistic: true,
	}}
	bus.Publish(ctx, &events.Event{Type: events.TypeReadChanged, Key: "private:alice:bob", Payload: events.ReadChanged{Count: 1}})
	require.Equal(t, 1, agg.Summary().Total)
	require.Len(t, published, 2)

	// Self-sent messages never trigger a recompute.
	source.entries = nil
	bus.Publish(ctx, &events.Event{Type: events.TypeMessageAdded, Key: "general", Payload: events.MessageAdded{FromSelf: true}})
	require.Equal(t, 1, agg.Summary().Total)
	require.Len(t, published, 2)
}

func TestAggregatorRefreshFailureKeepsSummary(t *testing.T) {
	srv := msgservicetest.NewServer(nil)
	agg := New(Config{Service: srv.Client("alice"), Source: staticSource{{Key: "general", Type: models.ConversationGeneral, Local: 3}}})
	ctx := context.Background()

	agg.Recompute(ctx)
	require.Equal(t, 3, agg.Summary().Total)

	srv.FailNext(msgservicetest.OpGetUnreadCounts)
	err := agg.Refresh(ctx)
	require.ErrorIs(t, err, models.ErrConversationsFetchFailed)
	require.True(t, models.Transient(err))
	require.Equal(t, 3, agg.Summary().Total)
	_, ok := agg.Baseline()
	require.False(t, ok)
}

func TestCommunities(t *testing.T) {
	got := Communities(models.UnreadSummary{Communities: map[string]int{"b": 1, "a": 2, "z": 0}})
	require.Equal(t, []string{"a", "b"}, got)
}
