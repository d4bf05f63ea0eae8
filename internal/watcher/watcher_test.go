package watcher

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tonwhales/tonhub-connect/internal/config"
	"github.com/tonwhales/tonhub-connect/internal/tonconnect"
)

func newTestWatcher() (*Watcher, *tonconnect.PendingRequestRegistry) {
	registry := tonconnect.NewPendingRequestRegistry()
	w := New(config.BridgeConfig{}, "0:abc", registry)
	return w, registry
}

func TestWatcherApply_Snapshot(t *testing.T) {
	w, registry := newTestWatcher()
	registry.Add(tonconnect.PendingRequest{ID: "stale", Method: "sendTransaction"})

	w.apply(watchEvent{
		Type: "pending_requests",
		Requests: []watchRequest{
			{ID: "1", Method: "sendTransaction"},
			{ID: "2", Method: "signData", From: "session-a"},
		},
	})

	list := registry.List()
	require.Len(t, list, 2)
	require.Equal(t, "1", list[0].ID)
	require.Equal(t, "2", list[1].ID)
	require.Equal(t, "session-a", list[1].From)
	_, ok := registry.Get("stale")
	require.False(t, ok, "snapshot replaces previous state")
}

func TestWatcherApply_NewRequest(t *testing.T) {
	w, registry := newTestWatcher()

	w.apply(watchEvent{Type: "new_request", Request: &watchRequest{
		ID:       "7",
		Method:   "sendTransaction",
		Endpoint: "https://app.example.com",
	}})

	req, ok := registry.Get("7")
	require.True(t, ok)
	require.Equal(t, tonconnect.StatusPending, req.Status)
	require.Equal(t, "https://app.example.com", req.Endpoint)
}

func TestWatcherApply_Expired(t *testing.T) {
	w, registry := newTestWatcher()
	registry.Add(tonconnect.PendingRequest{ID: "7", Method: "sendTransaction"})

	w.apply(watchEvent{Type: "expired", Request: &watchRequest{ID: "7"}})

	req, ok := registry.Get("7")
	require.True(t, ok, "expired entries stay listed")
	require.Equal(t, tonconnect.StatusExpired, req.Status)
}

func TestWatcherApply_StatusUpdate(t *testing.T) {
	w, registry := newTestWatcher()
	registry.Add(tonconnect.PendingRequest{ID: "7", Method: "sendTransaction"})

	w.apply(watchEvent{Type: "status_update", Request: &watchRequest{
		ID:     "7",
		Method: "sendTransaction",
		Status: "expired",
	}})

	req, ok := registry.Get("7")
	require.True(t, ok)
	require.Equal(t, tonconnect.StatusExpired, req.Status)
}

func TestWatcherApply_MalformedFramesIgnored(t *testing.T) {
	w, registry := newTestWatcher()

	w.apply(watchEvent{Type: "new_request"})        // no request attached
	w.apply(watchEvent{Type: "heartbeat"})          // keepalive
	w.apply(watchEvent{Type: "something_unknown"})  // forward compatible

	require.Zero(t, registry.Len())
}
