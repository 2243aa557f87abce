package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/tOgg1/toolchat/internal/clock"
	"github.com/tOgg1/toolchat/internal/convkey"
	"github.com/tOgg1/toolchat/internal/models"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), Config{
		Path:         filepath.Join(t.TempDir(), "tchatd.db"),
		MaxOpenConns: 1,
	})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type fixture struct {
	clock    *clock.Fake
	dir      *DirectoryRepository
	messages *MessageRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := setupTestDB(t)
	clk := clock.NewFake(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	f := &fixture{
		clock:    clk,
		dir:      NewDirectoryRepository(db, clk),
		messages: NewMessageRepository(db, clk),
	}

	ctx := context.Background()
	for _, p := range []models.Participant{{ID: "alice", Name: "Alice"}, {ID: "bob", Name: "Bob Builder"}, {ID: "carol"}} {
		if err := f.dir.UpsertUser(ctx, p); err != nil {
			t.Fatalf("upsert user: %v", err)
		}
	}
	if err := f.dir.UpsertCommunity(ctx, models.Community{ID: "c1", Name: "Woodworkers"}); err != nil {
		t.Fatalf("upsert community: %v", err)
	}
	for _, member := range []string{"alice", "bob"} {
		if err := f.dir.AddMember(ctx, "c1", member); err != nil {
			t.Fatalf("add member: %v", err)
		}
	}
	return f
}

func (f *fixture) send(t *testing.T, msg models.Message) models.Message {
	t.Helper()
	f.clock.Advance(time.Second)
	if err := f.messages.Create(context.Background(), &msg); err != nil {
		t.Fatalf("create message: %v", err)
	}
	return msg
}

func TestMessageRepositoryReadState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	privateKey := convkey.MustDerive(models.ConversationPrivate, "alice", "bob")

	ask := f.send(t, models.Message{Type: models.ConversationPrivate, SenderID: "alice", RecipientID: "bob", Content: "Is the drill free?"})
	reply := f.send(t, models.Message{Type: models.ConversationPrivate, SenderID: "bob", RecipientID: "alice", Content: "yes"})
	f.send(t, models.Message{Type: models.ConversationCommunity, SenderID: "alice", CommunityID: "c1", Content: "meetup saturday"})
	f.send(t, models.Message{Type: models.ConversationGeneral, SenderID: "carol", Content: "anyone have a ladder?"})

	if ask.ID == "" || !ask.Read {
		t.Fatalf("expected id and sender read flag, got %+v", ask)
	}

	summaries, err := f.messages.Summaries(ctx, "bob")
	if err != nil {
		t.Fatalf("summaries: %v", err)
	}
	if len(summaries) != 3 {
		t.Fatalf("expected 3 conversations, got %d", len(summaries))
	}
	wantOrder := []string{convkey.General, "community:c1", privateKey}
	for i, key := range wantOrder {
		if summaries[i].Key != key {
			t.Fatalf("summary %d: expected %s, got %s", i, key, summaries[i].Key)
		}
		if summaries[i].Unread != 1 {
			t.Errorf("%s: expected 1 unread, got %d", key, summaries[i].Unread)
		}
	}
	private := summaries[2]
	if private.LastMessage == nil || private.LastMessage.ID != reply.ID || !private.LastMessage.Read {
		t.Fatalf("expected bob's read reply as last message, got %+v", private.LastMessage)
	}
	if private.Peer == nil || private.Peer.ID != "alice" || private.Peer.Name != "Alice" {
		t.Fatalf("unexpected peer %+v", private.Peer)
	}
	if summaries[1].Community == nil || summaries[1].Community.Name != "Woodworkers" {
		t.Fatalf("unexpected community %+v", summaries[1].Community)
	}

	counts, err := f.messages.UnreadCounts(ctx, "bob")
	if err != nil {
		t.Fatalf("unread counts: %v", err)
	}
	if counts.Total != 3 || counts.Private != 1 || counts.General != 1 || counts.Communities["c1"] != 1 {
		t.Fatalf("unexpected counts %+v", counts)
	}

	page, err := f.messages.ListConversation(ctx, "bob", privateKey, 1, 10)
	if err != nil {
		t.Fatalf("list conversation: %v", err)
	}
	if page.Total != 2 || len(page.Messages) != 2 {
		t.Fatalf("expected 2 messages, got total=%d len=%d", page.Total, len(page.Messages))
	}
	if page.Messages[0].ID != reply.ID || page.Messages[1].ID != ask.ID {
		t.Fatalf("expected newest first")
	}
	if page.Messages[1].Read {
		t.Fatal("alice's message should be unread for bob")
	}

	marked, err := f.messages.MarkRead(ctx, "bob", []string{ask.ID, reply.ID, "missing"})
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if marked != 1 {
		t.Fatalf("expected 1 new mark, got %d", marked)
	}
	if marked, _ = f.messages.MarkRead(ctx, "bob", []string{ask.ID}); marked != 0 {
		t.Fatalf("repeat mark should be a no-op, got %d", marked)
	}

	marked, err = f.messages.MarkConversationRead(ctx, "bob", "community:c1")
	if err != nil {
		t.Fatalf("mark conversation read: %v", err)
	}
	if marked != 1 {
		t.Fatalf("expected 1 community mark, got %d", marked)
	}

	counts, err = f.messages.UnreadCounts(ctx, "bob")
	if err != nil {
		t.Fatalf("unread counts: %v", err)
	}
	if counts.Total != 1 || counts.General != 1 || counts.Private != 0 || counts.Communities["c1"] != 0 {
		t.Fatalf("unexpected counts after marking %+v", counts)
	}

	// Alice's view is independent of bob's marks.
	counts, err = f.messages.UnreadCounts(ctx, "alice")
	if err != nil {
		t.Fatalf("unread counts: %v", err)
	}
	if counts.Private != 1 || counts.General != 1 {
		t.Fatalf("unexpected alice counts %+v", counts)
	}
}

func TestMessageRepositoryAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.send(t, models.Message{Type: models.ConversationCommunity, SenderID: "alice", CommunityID: "c1", Content: "members only"})

	if _, err := f.messages.ListConversation(ctx, "carol", "community:c1", 1, 10); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := f.messages.ListConversation(ctx, "carol", convkey.MustDerive(models.ConversationPrivate, "alice", "bob"), 1, 10); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := f.messages.MarkConversationRead(ctx, "carol", "community:c1"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := f.messages.ListConversation(ctx, "carol", "dm:nope", 1, 10); !errors.Is(err, models.ErrInvalidConversationType) {
		t.Fatalf("expected invalid key error, got %v", err)
	}

	page, err := f.messages.Search(ctx, "carol", "members", models.FilterAll, 1, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if page.Total != 0 {
		t.Fatalf("carol must not find community messages, got %d", page.Total)
	}
}

func TestMessageRepositoryPagingAndSearch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		f.send(t, models.Message{Type: models.ConversationGeneral, SenderID: "bob", Content: "Tool swap"})
	}
	withImage := f.send(t, models.Message{
		Type:     models.ConversationGeneral,
		SenderID: "alice",
		Images:   []models.ImageRef{{URL: "https://img.example/saw.jpg", Width: 640, Height: 480}},
	})

	page, err := f.messages.ListConversation(ctx, "carol", convkey.General, 3, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 26 || len(page.Messages) != 6 {
		t.Fatalf("expected total 26 and 6 on page 3, got %d/%d", page.Total, len(page.Messages))
	}

	first, err := f.messages.ListConversation(ctx, "carol", convkey.General, 1, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	newest := first.Messages[0]
	if newest.ID != withImage.ID || len(newest.Images) != 1 || newest.Images[0].Width != 640 {
		t.Fatalf("expected image message first, got %+v", newest)
	}
	if !newest.CreatedAt.Equal(withImage.CreatedAt) {
		t.Fatalf("created_at %v does not round trip (%v)", newest.CreatedAt, withImage.CreatedAt)
	}

	found, err := f.messages.Search(ctx, "carol", "SWAP", models.FilterGeneral, 2, 20)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if found.Total != 25 || len(found.Messages) != 5 {
		t.Fatalf("expected 25 matches with 5 on page 2, got %d/%d", found.Total, len(found.Messages))
	}
	none, err := f.messages.Search(ctx, "carol", "swap", models.FilterPrivate, 1, 20)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if none.Total != 0 {
		t.Fatalf("expected no private matches, got %d", none.Total)
	}
	if _, err := f.messages.Search(ctx, "carol", "  ", models.FilterAll, 1, 20); !errors.Is(err, ErrInvalidSearch) {
		t.Fatalf("expected ErrInvalidSearch, got %v", err)
	}
}

func TestDirectoryRepository(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.dir.AddMember(ctx, "missing", "alice"); !errors.Is(err, ErrCommunityNotFound) {
		t.Fatalf("expected ErrCommunityNotFound, got %v", err)
	}
	if err := f.dir.UpsertUser(ctx, models.Participant{ID: "bob"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	bob, err := f.dir.GetUser(ctx, "bob")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if bob.Name != "Bob Builder" {
		t.Fatalf("empty upsert must keep the name, got %q", bob.Name)
	}
	if _, err := f.dir.GetUser(ctx, "nobody"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}

	if err := f.dir.UpsertCommunity(ctx, models.Community{ID: "c2", Name: "Gardeners"}); err != nil {
		t.Fatalf("upsert community: %v", err)
	}
	if err := f.dir.AddMember(ctx, "c2", "dave"); err != nil {
		t.Fatalf("add member: %v", err)
	}
	ok, err := f.dir.IsMember(ctx, "c2", "dave")
	if err != nil || !ok {
		t.Fatalf("expected dave to be a member, ok=%v err=%v", ok, err)
	}
	if err := f.dir.EnsureUser(ctx, "dave"); err != nil {
		t.Fatalf("ensure user: %v", err)
	}

	// Empty communities are listed without a last message.
	summaries, err := f.messages.Summaries(ctx, "dave")
	if err != nil {
		t.Fatalf("summaries: %v", err)
	}
	if len(summaries) != 1 || summaries[0].Key != "community:c2" || summaries[0].LastMessage != nil {
		t.Fatalf("unexpected summaries %+v", summaries)
	}

	communities, err := f.dir.ListCommunities(ctx, "alice")
	if err != nil {
		t.Fatalf("list communities: %v", err)
	}
	if len(communities) != 1 || communities[0].ID != "c1" {
		t.Fatalf("unexpected communities %+v", communities)
	}
}
