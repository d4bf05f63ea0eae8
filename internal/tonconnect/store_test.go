package tonconnect

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tonwhales/tonhub-connect/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(storage.NewMemoryKV(), testWalletAddr)
}

func testIdentity() *ConnectedApp {
	return &ConnectedApp{
		Name:        "Example App",
		URL:         "https://app.example.com",
		ManifestURL: "https://app.example.com/tonconnect-manifest.json",
	}
}

func remoteTransport(t *testing.T) (ConnectionTransport, *SessionCrypto) {
	t.Helper()
	wallet, err := GenerateSessionCrypto()
	require.NoError(t, err)
	dapp, err := GenerateSessionCrypto()
	require.NoError(t, err)
	kp := wallet.KeyPair()
	return ConnectionTransport{
		Type:            TransportRemote,
		SessionKeyPair:  &kp,
		ClientSessionID: dapp.SessionID,
	}, dapp
}

func TestNormalizeEndpoint(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "https://app.example.com/swap", "https://app.example.com/swap"},
		{"query stripped", "https://app.example.com/swap?utm=x&a=1", "https://app.example.com/swap"},
		{"fragment stripped", "https://app.example.com/swap#top", "https://app.example.com/swap"},
		{"both stripped", "https://app.example.com/swap?x=1#top", "https://app.example.com/swap"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, NormalizeEndpoint(tt.in))
		})
	}
}

func TestStoreGet_Unknown(t *testing.T) {
	s := newTestStore(t)
	app, err := s.Get(context.Background(), "https://unknown.example.com")
	require.NoError(t, err)
	require.Nil(t, app)
}

func TestStoreUpsert_InjectedReplaced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	endpoint := "https://app.example.com/swap"

	first := ConnectionTransport{
		Type:       TransportInjected,
		ReplyItems: []ConnectItemReply{{Name: ItemTonAddr, Address: testWalletAddr}},
	}
	require.NoError(t, s.UpsertTransport(ctx, endpoint, testIdentity(), first))

	second := ConnectionTransport{
		Type:       TransportInjected,
		ReplyItems: []ConnectItemReply{{Name: ItemTonAddr, Address: testWalletAddr, Network: NetworkMainnet}},
	}
	require.NoError(t, s.UpsertTransport(ctx, endpoint, testIdentity(), second))

	app, err := s.Get(ctx, endpoint)
	require.NoError(t, err)
	require.Len(t, app.Transports, 1)
	require.Equal(t, NetworkMainnet, app.InjectedTransport().ReplyItems[0].Network)
}

func TestStoreUpsert_RemoteDedupedBySession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	endpoint := "https://app.example.com/swap"

	remote, _ := remoteTransport(t)
	require.NoError(t, s.UpsertTransport(ctx, endpoint, testIdentity(), remote))

	// reconnect from the same dApp session rotates the wallet keys
	rotated, err := GenerateSessionCrypto()
	require.NoError(t, err)
	kp := rotated.KeyPair()
	remote.SessionKeyPair = &kp
	require.NoError(t, s.UpsertTransport(ctx, endpoint, testIdentity(), remote))

	other, _ := remoteTransport(t)
	require.NoError(t, s.UpsertTransport(ctx, endpoint, testIdentity(), other))

	app, err := s.Get(ctx, endpoint)
	require.NoError(t, err)
	require.Len(t, app.RemoteTransports(), 2)

	for _, tr := range app.RemoteTransports() {
		if tr.ClientSessionID == remote.ClientSessionID {
			require.Equal(t, kp.Public, tr.SessionKeyPair.Public)
		}
	}
}

func TestStoreUpsert_RefreshesIdentity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	endpoint := "https://app.example.com/swap"

	require.NoError(t, s.UpsertTransport(ctx, endpoint, testIdentity(), ConnectionTransport{Type: TransportInjected}))

	renamed := testIdentity()
	renamed.Name = "Example App v2"
	remote, _ := remoteTransport(t)
	require.NoError(t, s.UpsertTransport(ctx, endpoint, renamed, remote))

	app, err := s.Get(ctx, endpoint)
	require.NoError(t, err)
	require.Equal(t, "Example App v2", app.Name)
	require.Len(t, app.Transports, 2)
}

func TestStoreRemoveRemoteTransport(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	endpoint := "https://app.example.com/swap"

	remoteA, _ := remoteTransport(t)
	remoteB, _ := remoteTransport(t)
	require.NoError(t, s.UpsertTransport(ctx, endpoint, testIdentity(), remoteA))
	require.NoError(t, s.UpsertTransport(ctx, endpoint, testIdentity(), remoteB))

	t.Run("sibling survives", func(t *testing.T) {
		require.NoError(t, s.RemoveRemoteTransport(ctx, endpoint, remoteA.ClientSessionID))

		app, err := s.Get(ctx, endpoint)
		require.NoError(t, err)
		require.NotNil(t, app)
		require.Len(t, app.RemoteTransports(), 1)
		require.Equal(t, remoteB.ClientSessionID, app.RemoteTransports()[0].ClientSessionID)
	})

	t.Run("last transport removes record", func(t *testing.T) {
		require.NoError(t, s.RemoveRemoteTransport(ctx, endpoint, remoteB.ClientSessionID))

		app, err := s.Get(ctx, endpoint)
		require.NoError(t, err)
		require.Nil(t, app)
	})

	t.Run("unknown session is a no-op", func(t *testing.T) {
		require.NoError(t, s.RemoveRemoteTransport(ctx, endpoint, "missing"))
	})
}

func TestStoreRemove_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	endpoint := "https://app.example.com/swap"

	require.NoError(t, s.UpsertTransport(ctx, endpoint, testIdentity(), ConnectionTransport{Type: TransportInjected}))
	require.NoError(t, s.Remove(ctx, endpoint))
	require.NoError(t, s.Remove(ctx, endpoint))

	app, err := s.Get(ctx, endpoint)
	require.NoError(t, err)
	require.Nil(t, app)
}

func TestStore_EndpointNormalizationSharesRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertTransport(ctx,
		"https://app.example.com/swap?utm=promo", testIdentity(),
		ConnectionTransport{Type: TransportInjected}))

	app, err := s.Get(ctx, "https://app.example.com/swap#section")
	require.NoError(t, err)
	require.NotNil(t, app)
}

func TestStore_RejectsInvalidRecords(t *testing.T) {
	t.Run("missing manifest url", func(t *testing.T) {
		s := newTestStore(t)
		err := s.Save(context.Background(), "https://app.example.com", &ConnectedApp{Name: "x"})
		require.Error(t, err)
	})

	t.Run("remote transport without keys", func(t *testing.T) {
		s := newTestStore(t)
		err := s.Save(context.Background(), "https://app.example.com", &ConnectedApp{
			ManifestURL: "https://app.example.com/m.json",
			Transports:  []ConnectionTransport{{Type: TransportRemote, ClientSessionID: "abc"}},
		})
		require.Error(t, err)
	})

	t.Run("corrupt stored record surfaces on read", func(t *testing.T) {
		kv := storage.NewMemoryKV()
		require.NoError(t, kv.Put(context.Background(), testWalletAddr, "https://app.example.com", []byte("{not json")))

		s := NewStore(kv, testWalletAddr)
		_, err := s.Get(context.Background(), "https://app.example.com")
		require.Error(t, err)
	})
}

func TestStoreList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertTransport(ctx, "https://a.example.com", testIdentity(), ConnectionTransport{Type: TransportInjected}))
	remote, _ := remoteTransport(t)
	require.NoError(t, s.UpsertTransport(ctx, "https://b.example.com", testIdentity(), remote))

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Contains(t, all, "https://a.example.com")
	require.Contains(t, all, "https://b.example.com")
}

func TestStoreOnChange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var changed []string
	s.OnChange(func(endpoint string) { changed = append(changed, endpoint) })

	require.NoError(t, s.UpsertTransport(ctx, "https://app.example.com/swap?x=1", testIdentity(), ConnectionTransport{Type: TransportInjected}))
	require.NoError(t, s.Remove(ctx, "https://app.example.com/swap"))

	require.Equal(t, []string{"https://app.example.com/swap", "https://app.example.com/swap"}, changed)
}

func TestStore_MutationDoesNotLeakIntoCache(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	endpoint := "https://app.example.com/swap"

	require.NoError(t, s.UpsertTransport(ctx, endpoint, testIdentity(), ConnectionTransport{Type: TransportInjected}))

	app, err := s.Get(ctx, endpoint)
	require.NoError(t, err)
	app.Name = "mutated"
	app.Transports[0].Type = TransportRemote

	fresh, err := s.Get(ctx, endpoint)
	require.NoError(t, err)
	require.Equal(t, "Example App", fresh.Name)
	require.Equal(t, TransportInjected, fresh.Transports[0].Type)
}
