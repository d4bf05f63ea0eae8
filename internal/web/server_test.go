package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tonwhales/tonhub-connect/internal/config"
	"github.com/tonwhales/tonhub-connect/internal/domain"
	"github.com/tonwhales/tonhub-connect/internal/storage"
	"github.com/tonwhales/tonhub-connect/internal/tonconnect"
)

func newTestServer(t *testing.T, healthErr error) (*Server, *ApprovalQueue, *tonconnect.Store, *tonconnect.PendingRequestRegistry) {
	t.Helper()

	store := tonconnect.NewStore(storage.NewMemoryKV(), "0:abc")
	pending := tonconnect.NewPendingRequestRegistry()
	approvals := NewApprovalQueue()
	sessions := tonconnect.NewSessionRegistry(tonconnect.ManagerDeps{
		Store:      store,
		Registry:   pending,
		Dispatcher: tonconnect.NewResponseDispatcher(nopPublisher{}, 300),
	})

	status := func() domain.BridgeStatus { return domain.BridgeConnected }
	var health HealthFunc
	if healthErr != nil {
		health = func(context.Context) error { return healthErr }
	}

	server := NewServer(config.WebConfig{ListenAddr: ":0"}, sessions, pending, approvals, status, status, health)
	return server, approvals, store, pending
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, string, []byte, int) error { return nil }

func TestApprovalQueue_DecisionResolvesWait(t *testing.T) {
	q := NewApprovalQueue()

	done := make(chan domain.TransactionDecision, 1)
	go func() {
		d, _ := q.ApproveTransaction(context.Background(), domain.TransactionPrompt{
			Endpoint:  "https://app.example.com",
			RequestID: "1",
		})
		done <- d
	}()

	var queued []Approval
	require.Eventually(t, func() bool {
		queued = q.List()
		return len(queued) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, ApprovalTransaction, queued[0].Kind)

	require.NoError(t, q.Decide(queued[0].ID, Decision{Approved: true, SignedBoc: "te6ccsigned"}))

	d := <-done
	require.True(t, d.Approved)
	require.Equal(t, "te6ccsigned", d.SignedBoc)
	require.Empty(t, q.List())
}

func TestApprovalQueue_ContextEndRejects(t *testing.T) {
	q := NewApprovalQueue()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan domain.ConnectDecision, 1)
	go func() {
		d, _ := q.ApproveConnect(ctx, domain.ConnectPrompt{AppName: "Example App"})
		done <- d
	}()

	require.Eventually(t, func() bool { return len(q.List()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	d := <-done
	require.False(t, d.Approved)
	require.Eventually(t, func() bool { return len(q.List()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestApprovalQueue_DecideUnknownID(t *testing.T) {
	q := NewApprovalQueue()
	require.Error(t, q.Decide("missing", Decision{Approved: true}))
}

func TestServerRequests(t *testing.T) {
	server, approvals, _, pending := newTestServer(t, nil)
	ts := httptest.NewServer(server.routes())
	defer ts.Close()

	pending.Add(tonconnect.PendingRequest{ID: "1", Method: "sendTransaction"})
	go func() {
		_, _ = approvals.ApproveConnect(context.Background(), domain.ConnectPrompt{AppName: "Example App"})
	}()
	require.Eventually(t, func() bool { return len(approvals.List()) == 1 }, time.Second, 5*time.Millisecond)

	resp, err := http.Get(ts.URL + "/api/requests")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	var body struct {
		Pending   []tonconnect.PendingRequest `json:"pending"`
		Approvals []Approval                  `json:"approvals"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Pending, 1)
	require.Len(t, body.Approvals, 1)
	require.Equal(t, ApprovalConnect, body.Approvals[0].Kind)
}

func TestServerDecisionEndpoint(t *testing.T) {
	server, approvals, _, _ := newTestServer(t, nil)
	ts := httptest.NewServer(server.routes())
	defer ts.Close()

	done := make(chan domain.TransactionDecision, 1)
	go func() {
		d, _ := approvals.ApproveTransaction(context.Background(), domain.TransactionPrompt{RequestID: "1"})
		done <- d
	}()
	var id string
	require.Eventually(t, func() bool {
		list := approvals.List()
		if len(list) != 1 {
			return false
		}
		id = list[0].ID
		return true
	}, time.Second, 5*time.Millisecond)

	resp, err := http.Post(ts.URL+"/api/requests/"+id+"/decision", "application/json",
		strings.NewReader(`{"approved":true,"signedBoc":"te6ccsigned"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	d := <-done
	require.True(t, d.Approved)

	t.Run("unknown id is 404", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/api/requests/nope/decision", "application/json",
			strings.NewReader(`{"approved":false}`))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestServerConnections_RedactsKeyMaterial(t *testing.T) {
	server, _, store, _ := newTestServer(t, nil)
	ts := httptest.NewServer(server.routes())
	defer ts.Close()

	crypto, err := tonconnect.GenerateSessionCrypto()
	require.NoError(t, err)
	kp := crypto.KeyPair()
	require.NoError(t, store.UpsertTransport(context.Background(), "https://app.example.com",
		&tonconnect.ConnectedApp{
			Name:        "Example App",
			URL:         "https://app.example.com",
			ManifestURL: "https://app.example.com/m.json",
		},
		tonconnect.ConnectionTransport{
			Type:            tonconnect.TransportRemote,
			SessionKeyPair:  &kp,
			ClientSessionID: "client-1",
		}))

	resp, err := http.Get(ts.URL + "/api/connections")
	require.NoError(t, err)
	defer resp.Body.Close()

	var raw json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	require.NotContains(t, string(raw), kp.Secret)
	require.NotContains(t, string(raw), kp.Public)
	require.Contains(t, string(raw), "client-1")
}

func TestServerHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		server, _, _, _ := newTestServer(t, nil)
		ts := httptest.NewServer(server.routes())
		defer ts.Close()

		resp, err := http.Get(ts.URL + "/health")
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("degraded", func(t *testing.T) {
		server, _, _, _ := newTestServer(t, errors.New("db down"))
		ts := httptest.NewServer(server.routes())
		defer ts.Close()

		resp, err := http.Get(ts.URL + "/health")
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})
}
