package devserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/tOgg1/toolchat/internal/clock"
	"github.com/tOgg1/toolchat/internal/convkey"
	"github.com/tOgg1/toolchat/internal/db"
	"github.com/tOgg1/toolchat/internal/engine"
	"github.com/tOgg1/toolchat/internal/models"
	"github.com/tOgg1/toolchat/internal/msgservice"
)

var secret = []byte("test-secret")

const seedYAML = `
users:
  - id: alice
    name: Alice
  - id: bob
    name: Bob Builder
  - id: carol
communities:
  - id: c1
    name: Woodworkers
    members: [alice, bob]
`

type testEnv struct {
	clock    *clock.Fake
	server   *Server
	http     *httptest.Server
	registry *prometheus.Registry
}

func newTestEnv(t *testing.T, rps float64, burst int) *testEnv {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, db.Config{Path: filepath.Join(t.TempDir(), "tchatd.db"), MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clk := clock.NewFake(time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC))
	reg := prometheus.NewRegistry()
	srv, err := New(Config{DB: store, Secret: secret, RPS: rps, Burst: burst, Clock: clk, Registry: reg})
	require.NoError(t, err)

	seed, err := ParseSeed([]byte(seedYAML))
	require.NoError(t, err)
	require.NoError(t, seed.Apply(ctx, srv.Directory()))
	// A second apply changes nothing.
	require.NoError(t, seed.Apply(ctx, srv.Directory()))

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{clock: clk, server: srv, http: ts, registry: reg}
}

func (e *testEnv) client(t *testing.T, userID string) *msgservice.HTTPClient {
	t.Helper()
	token, err := MintToken(secret, userID, "", time.Hour, e.clock.Now())
	require.NoError(t, err)
	return e.clientWithToken(t, token)
}

func (e *testEnv) clientWithToken(t *testing.T, token string) *msgservice.HTTPClient {
	t.Helper()
	c, err := msgservice.NewHTTPClient(msgservice.HTTPConfig{
		BaseURL: e.http.URL + APIPrefix,
		Token:   token,
		Client:  e.http.Client(),
	})
	require.NoError(t, err)
	return c
}

func TestEngineAgainstDevServer(t *testing.T) {
	env := newTestEnv(t, 1000, 1000)
	ctx := context.Background()

	reg := engine.NewRegistry(engine.Options{
		PageSize:             10,
		ConversationPageSize: 10,
		RefreshInterval:      time.Minute,
		ReconcileGrace:       10 * time.Second,
		SearchRPS:            100,
		SearchBurst:          10,
		Clock:                env.clock,
	}, func(userID string) (msgservice.Service, error) {
		return env.client(t, userID), nil
	})
	t.Cleanup(func() { _ = reg.CloseAll() })

	alice, err := reg.Session("alice")
	require.NoError(t, err)
	bob, err := reg.Session("bob")
	require.NoError(t, err)
	key := convkey.MustDerive(models.ConversationPrivate, "alice", "bob")

	env.clock.Advance(time.Second)
	sent, gotKey, err := alice.Send(ctx, msgservice.SendRequest{Type: models.ConversationPrivate, RecipientID: "bob", Content: "is the sander free?"})
	require.NoError(t, err)
	require.Equal(t, key, gotKey)
	require.Len(t, alice.Flatten(key), 1)

	require.NoError(t, bob.RefreshAll(ctx))
	require.Equal(t, 1, bob.UnreadSummary().Private)
	rows := bob.ConversationList(models.FilterAll)
	require.Len(t, rows, 1)
	require.Equal(t, "Alice", rows[0].Title())

	msgs, err := bob.Open(ctx, key)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, sent.ID, msgs[0].ID)
	require.False(t, msgs[0].Read)

	require.NoError(t, bob.MarkConversationRead(ctx, key))
	require.Equal(t, 0, bob.UnreadSummary().Total)

	counts, err := env.client(t, "bob").GetUnreadCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, counts.Total)

	require.NoError(t, bob.RefreshAll(ctx))
	require.Equal(t, 0, bob.UnreadSummary().Total)

	page, err := bob.Search.Search(ctx, "SANDER", models.FilterAll, models.CursorStart)
	require.NoError(t, err)
	require.Len(t, page.Results, 1)
	require.False(t, page.HasMore)
}

func TestAuthRejectsBadTokens(t *testing.T) {
	env := newTestEnv(t, 1000, 1000)
	ctx := context.Background()

	_, err := env.clientWithToken(t, "").GetUnreadCounts(ctx)
	require.ErrorIs(t, err, msgservice.ErrUnauthorized)

	expired, err := MintToken(secret, "alice", "", time.Minute, env.clock.Now().Add(-time.Hour))
	require.NoError(t, err)
	_, err = env.clientWithToken(t, expired).GetUnreadCounts(ctx)
	require.ErrorIs(t, err, msgservice.ErrUnauthorized)

	forged, err := MintToken([]byte("other-secret"), "alice", "", time.Hour, env.clock.Now())
	require.NoError(t, err)
	_, err = env.clientWithToken(t, forged).GetUnreadCounts(ctx)
	require.ErrorIs(t, err, msgservice.ErrUnauthorized)
}

func TestTokenNameUpdatesDirectory(t *testing.T) {
	env := newTestEnv(t, 1000, 1000)
	ctx := context.Background()

	token, err := MintToken(secret, "dave", "Dave", time.Hour, env.clock.Now())
	require.NoError(t, err)
	_, err = env.clientWithToken(t, token).GetUnreadCounts(ctx)
	require.NoError(t, err)

	dave, err := env.server.Directory().GetUser(ctx, "dave")
	require.NoError(t, err)
	require.Equal(t, "Dave", dave.Name)

	claims, err := ParseToken(secret, token, env.clock.Now)
	require.NoError(t, err)
	require.Equal(t, "dave", claims.Subject)
	require.Equal(t, Issuer, claims.Issuer)
}

func TestRateLimitPerUser(t *testing.T) {
	env := newTestEnv(t, 1, 2)
	ctx := context.Background()
	alice := env.client(t, "alice")

	for i := 0; i < 2; i++ {
		_, err := alice.GetUnreadCounts(ctx)
		require.NoError(t, err)
	}
	_, err := alice.GetUnreadCounts(ctx)
	var status *msgservice.StatusError
	require.True(t, errors.As(err, &status), "expected status error, got %v", err)
	require.Equal(t, http.StatusTooManyRequests, status.Code)
	require.True(t, status.Retryable())

	// Bob has his own budget.
	_, err = env.client(t, "bob").GetUnreadCounts(ctx)
	require.NoError(t, err)

	env.clock.Advance(time.Second)
	_, err = alice.GetUnreadCounts(ctx)
	require.NoError(t, err)
}

func TestCommunityAccess(t *testing.T) {
	env := newTestEnv(t, 1000, 1000)
	ctx := context.Background()

	_, err := env.client(t, "alice").SendMessage(ctx, msgservice.SendRequest{Type: models.ConversationCommunity, CommunityID: "c1", Content: "bring clamps"})
	require.NoError(t, err)

	var status *msgservice.StatusError
	_, err = env.client(t, "carol").GetMessages(ctx, msgservice.MessagesQuery{Type: models.ConversationCommunity, Target: "c1", Page: 1, PageSize: 10})
	require.True(t, errors.As(err, &status))
	require.Equal(t, http.StatusForbidden, status.Code)

	_, err = env.client(t, "carol").SendMessage(ctx, msgservice.SendRequest{Type: models.ConversationCommunity, CommunityID: "c1", Content: "let me in"})
	require.True(t, errors.As(err, &status))
	require.Equal(t, http.StatusForbidden, status.Code)

	res, err := env.client(t, "bob").GetMessages(ctx, msgservice.MessagesQuery{Type: models.ConversationCommunity, Target: "c1", Page: 1, PageSize: 10})
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	require.Equal(t, models.Pagination{Current: 1, Pages: 1}, res.Pagination)

	convs, err := env.client(t, "carol").GetConversations(ctx, msgservice.ConversationsQuery{Type: models.FilterAll, Page: 1, PageSize: 10})
	require.NoError(t, err)
	require.Empty(t, convs.Conversations)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, 1000, 1000)

	resp, err := env.http.Client().Get(env.http.URL + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = env.client(t, "alice").GetUnreadCounts(context.Background())
	require.NoError(t, err)

	resp, err = env.http.Client().Get(env.http.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	require.Contains(t, string(body), "toolchat_devserver_requests_total")

	require.Equal(t, float64(1), testutil.ToFloat64(env.server.requests.WithLabelValues("/api/messages/unread-count", "200")))
	count, err := testutil.GatherAndCount(env.registry, "toolchat_devserver_request_seconds")
	require.NoError(t, err)
	require.GreaterOrEqual(t, count, 2)
}
