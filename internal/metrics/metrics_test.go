package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSyncRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RemoteCall("get_messages", nil)
	m.RemoteCall("get_messages", errors.New("boom"))
	m.Merged("fetch", 10, 2)
	m.Merged("sent", 1, 0)
	m.Coalesced("conversations")
	m.PendingReads(3)
	m.Unread(1, 2, 3, 6)

	require.Equal(t, 2.0, testutil.ToFloat64(m.remoteCalls.WithLabelValues("get_messages")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.remoteFailures.WithLabelValues("get_messages")))
	require.Equal(t, 10.0, testutil.ToFloat64(m.merged.WithLabelValues("fetch")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.duplicates))
	require.Equal(t, 1.0, testutil.ToFloat64(m.coalesced.WithLabelValues("conversations")))
	require.Equal(t, 3.0, testutil.ToFloat64(m.pendingReads))
	require.Equal(t, 6.0, testutil.ToFloat64(m.unread.WithLabelValues("total")))

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestNilSyncIsNoop(t *testing.T) {
	var m *Sync
	m.RemoteCall("x", errors.New("boom"))
	m.Merged("fetch", 1, 1)
	m.Coalesced("x")
	m.PendingReads(1)
	m.Unread(1, 1, 1, 3)
}

func TestNewWithoutRegistry(t *testing.T) {
	m := New(nil)
	m.RemoteCall("send_message", nil)
	require.Equal(t, 1.0, testutil.ToFloat64(m.remoteCalls.WithLabelValues("send_message")))
}
