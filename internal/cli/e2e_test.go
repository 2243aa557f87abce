package cli

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tOgg1/toolchat/internal/config"
	"github.com/tOgg1/toolchat/internal/models"
	"github.com/tOgg1/toolchat/internal/testutil"
)

func TestEndToEndAgainstDevServer(t *testing.T) {
	env := testutil.NewDevServerEnv(t, "")

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Global.ConfigDir = dir
	cfg.Global.DataDir = dir
	cfg.Service.BaseURL = env.BaseURL
	contexts := config.NewContextStore(filepath.Join(dir, "context.yaml"))

	run := func(args ...string) string {
		t.Helper()
		out := &lockedBuffer{}
		cmd := newRootCmd(&App{Version: "test", Config: cfg, Contexts: contexts, Stdout: out, Stderr: &lockedBuffer{}})
		cmd.SetArgs(args)
		require.NoError(t, cmd.ExecuteContext(context.Background()), "tchat %v", args)
		return out.String()
	}

	run("login", "alice", "--token", env.Token("alice"))
	run("send", "--to", "bob", "can I borrow the router table?")
	run("send", "--community", "c1", "router table is free from Monday")

	run("login", "bob", "--token", env.Token("bob"))
	var summary models.UnreadSummary
	require.NoError(t, json.Unmarshal([]byte(run("unread", "--json")), &summary))
	require.Equal(t, 2, summary.Total)
	require.Equal(t, 1, summary.Private)
	require.Equal(t, map[string]int{"c1": 1}, summary.Communities)

	var inbox inboxJSON
	require.NoError(t, json.Unmarshal([]byte(run("inbox", "--json", "--type", "private")), &inbox))
	require.Len(t, inbox.Conversations, 1)
	require.Equal(t, "Alice", inbox.Conversations[0].Title())

	var res readJSON
	require.NoError(t, json.Unmarshal([]byte(run("read", "--json", "private:alice:bob")), &res))
	require.Equal(t, 1, res.Unread.Total)
	require.Equal(t, 0, res.Unread.Private)

	var hits struct {
		Results []struct {
			Key string `json:"key"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal([]byte(run("search", "--json", "ROUTER TABLE")), &hits))
	require.Len(t, hits.Results, 2)
}
