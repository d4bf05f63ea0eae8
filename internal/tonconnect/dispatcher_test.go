package tonconnect

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDispatcherInjected_ExactlyOnce(t *testing.T) {
	d := NewResponseDispatcher(&fakePublisher{}, 300)
	ctx := context.Background()

	ch, err := d.RegisterInjected("scope", "1")
	require.NoError(t, err)

	resp := NewResultResponse("1", "ok")
	require.NoError(t, d.Respond(ctx, "scope", Route{}, resp))
	require.Equal(t, resp, <-ch)

	err = d.Respond(ctx, "scope", Route{}, NewResultResponse("1", "again"))
	require.ErrorIs(t, err, ErrAlreadyCompleted)
}

func TestDispatcherInjected_DuplicateRegistration(t *testing.T) {
	d := NewResponseDispatcher(&fakePublisher{}, 300)

	_, err := d.RegisterInjected("scope", "1")
	require.NoError(t, err)

	_, err = d.RegisterInjected("scope", "1")
	require.Error(t, err)
}

func TestDispatcherInjected_CompletedIDStaysClosed(t *testing.T) {
	d := NewResponseDispatcher(&fakePublisher{}, 300)
	ctx := context.Background()

	ch, err := d.RegisterInjected("scope", "1")
	require.NoError(t, err)
	require.NoError(t, d.Respond(ctx, "scope", Route{}, NewResultResponse("1", "ok")))
	<-ch

	_, err = d.RegisterInjected("scope", "1")
	require.ErrorIs(t, err, ErrAlreadyCompleted)
}

func TestDispatcherScopes_SameIDIndependent(t *testing.T) {
	d := NewResponseDispatcher(&fakePublisher{}, 300)
	ctx := context.Background()

	chA, err := d.RegisterInjected("https://a.example.com|", "1")
	require.NoError(t, err)
	chB, err := d.RegisterInjected("https://b.example.com|", "1")
	require.NoError(t, err)

	require.NoError(t, d.Respond(ctx, "https://a.example.com|", Route{}, NewResultResponse("1", "a")))
	require.NoError(t, d.Respond(ctx, "https://b.example.com|", Route{}, NewResultResponse("1", "b")))

	require.Equal(t, "a", (<-chA).Result)
	require.Equal(t, "b", (<-chB).Result)
}

func TestDispatcherRespond_NoCompletionStillCompletes(t *testing.T) {
	d := NewResponseDispatcher(&fakePublisher{}, 300)
	ctx := context.Background()

	err := d.Respond(ctx, "scope", Route{}, NewResultResponse("1", "ok"))
	require.ErrorIs(t, err, ErrNoCompletion)

	// the id is burned even though delivery had nowhere to go
	err = d.Respond(ctx, "scope", Route{}, NewResultResponse("1", "ok"))
	require.ErrorIs(t, err, ErrAlreadyCompleted)
}

func TestDispatcherReleaseInjected(t *testing.T) {
	d := NewResponseDispatcher(&fakePublisher{}, 300)
	ctx := context.Background()

	_, err := d.RegisterInjected("scope", "1")
	require.NoError(t, err)
	d.ReleaseInjected("scope", "1")

	// released, not completed: the id may be registered again
	ch, err := d.RegisterInjected("scope", "1")
	require.NoError(t, err)
	require.NoError(t, d.Respond(ctx, "scope", Route{}, NewResultResponse("1", "ok")))
	require.Equal(t, "ok", (<-ch).Result)
}

func TestDispatcherRemote_SealsForRecipient(t *testing.T) {
	pub := &fakePublisher{}
	d := NewResponseDispatcher(pub, 120)
	ctx := context.Background()

	wallet, err := GenerateSessionCrypto()
	require.NoError(t, err)
	dapp, err := GenerateSessionCrypto()
	require.NoError(t, err)

	resp := NewErrorResponse("8", UserRejectsError, "Canceled by the user")
	route := Route{ClientSessionID: dapp.SessionID, Crypto: wallet}
	require.NoError(t, d.Respond(ctx, "scope", route, resp))

	envelopes := pub.envelopes()
	require.Len(t, envelopes, 1)
	require.Equal(t, wallet.SessionID, envelopes[0].From)
	require.Equal(t, dapp.SessionID, envelopes[0].To)
	require.Equal(t, 120, envelopes[0].TTL)

	plain, err := dapp.Decrypt(envelopes[0].Payload, wallet.SessionID)
	require.NoError(t, err)

	var wire WalletResponse
	require.NoError(t, json.Unmarshal(plain, &wire))
	require.Equal(t, "8", wire.ID)
	require.NotNil(t, wire.Error)
	require.Equal(t, UserRejectsError, wire.Error.Code)
}

func TestDispatcherRemote_MissingCryptoFails(t *testing.T) {
	d := NewResponseDispatcher(&fakePublisher{}, 300)

	err := d.Respond(context.Background(), "scope", Route{ClientSessionID: "abc"}, NewResultResponse("1", "ok"))
	require.Error(t, err)
}

func TestDispatcherBroadcastDisconnect(t *testing.T) {
	pub := &fakePublisher{}
	d := NewResponseDispatcher(pub, 300)
	ctx := context.Background()

	dappA, err := GenerateSessionCrypto()
	require.NoError(t, err)
	dappB, err := GenerateSessionCrypto()
	require.NoError(t, err)
	walletA, err := GenerateSessionCrypto()
	require.NoError(t, err)
	walletB, err := GenerateSessionCrypto()
	require.NoError(t, err)

	kpA := walletA.KeyPair()
	kpB := walletB.KeyPair()
	transports := []ConnectionTransport{
		{Type: TransportInjected},
		{Type: TransportRemote, SessionKeyPair: &kpA, ClientSessionID: dappA.SessionID},
		{Type: TransportRemote, SessionKeyPair: &kpB, ClientSessionID: dappB.SessionID},
	}

	delivered, err := d.BroadcastDisconnect(ctx, transports, 77)
	require.NoError(t, err)
	require.Equal(t, 2, delivered)

	envelopes := pub.envelopes()
	require.Len(t, envelopes, 2)

	plainA, err := dappA.Decrypt(envelopes[0].Payload, envelopes[0].From)
	require.NoError(t, err)
	plainB, err := dappB.Decrypt(envelopes[1].Payload, envelopes[1].From)
	require.NoError(t, err)

	for _, plain := range [][]byte{plainA, plainB} {
		var ev struct {
			Event string `json:"event"`
			ID    int64  `json:"id"`
		}
		require.NoError(t, json.Unmarshal(plain, &ev))
		require.Equal(t, EventDisconnect, ev.Event)
		require.Equal(t, int64(77), ev.ID)
	}
}
