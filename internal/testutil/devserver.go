// Package testutil provides shared fixtures for integration tests.
package testutil

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/tOgg1/toolchat/internal/db"
	"github.com/tOgg1/toolchat/internal/devserver"
	"github.com/tOgg1/toolchat/internal/msgservice"
)

// DefaultSeed has alice, bob and carol; alice and bob share community c1.
const DefaultSeed = `
users:
  - id: alice
    name: Alice
  - id: bob
    name: Bob
  - id: carol
    name: Carol
communities:
  - id: c1
    name: Woodworkers
    members: [alice, bob]
`

// DevServerEnv runs tchatd in process behind an httptest listener, backed by
// a SQLite file in the test's temp dir.
type DevServerEnv struct {
	Server  *devserver.Server
	HTTP    *httptest.Server
	BaseURL string
	Secret  []byte
	t       *testing.T
}

// NewDevServerEnv starts a server and loads seedYAML (DefaultSeed when empty).
// Everything is torn down with the test.
func NewDevServerEnv(t *testing.T, seedYAML string) *DevServerEnv {
	t.Helper()
	SkipIfNoNetwork(t)

	ctx := context.Background()
	store, err := db.Open(ctx, db.Config{Path: filepath.Join(t.TempDir(), "tchatd.db"), MaxOpenConns: 1})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	secret := []byte("testutil-secret")
	srv, err := devserver.New(devserver.Config{DB: store, Secret: secret, RPS: 1000, Burst: 1000})
	if err != nil {
		t.Fatalf("failed to create dev server: %v", err)
	}

	if seedYAML == "" {
		seedYAML = DefaultSeed
	}
	seed, err := devserver.ParseSeed([]byte(seedYAML))
	if err != nil {
		t.Fatalf("failed to parse seed: %v", err)
	}
	if err := seed.Apply(ctx, srv.Directory()); err != nil {
		t.Fatalf("failed to apply seed: %v", err)
	}

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &DevServerEnv{
		Server:  srv,
		HTTP:    ts,
		BaseURL: ts.URL + devserver.APIPrefix,
		Secret:  secret,
		t:       t,
	}
}

// Token mints an hour-long bearer token for userID.
func (e *DevServerEnv) Token(userID string) string {
	e.t.Helper()
	token, err := devserver.MintToken(e.Secret, userID, "", time.Hour, time.Now())
	if err != nil {
		e.t.Fatalf("failed to mint token: %v", err)
	}
	return token
}

// Client returns an HTTP service client acting as userID.
func (e *DevServerEnv) Client(userID string) *msgservice.HTTPClient {
	e.t.Helper()
	client, err := msgservice.NewHTTPClient(msgservice.HTTPConfig{
		BaseURL: e.BaseURL,
		Token:   e.Token(userID),
		Client:  e.HTTP.Client(),
	})
	if err != nil {
		e.t.Fatalf("failed to create client: %v", err)
	}
	return client
}

// WaitFor polls cond until it holds or timeout passes.
func (e *DevServerEnv) WaitFor(cond func() bool, timeout time.Duration) bool {
	e.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}
