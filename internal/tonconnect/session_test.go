package tonconnect

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSessionCrypto_RoundTrip(t *testing.T) {
	wallet, err := GenerateSessionCrypto()
	require.NoError(t, err)
	dapp, err := GenerateSessionCrypto()
	require.NoError(t, err)

	message := []byte(`{"id":"1","result":"ok"}`)
	sealed, err := wallet.Encrypt(message, dapp.SessionID)
	require.NoError(t, err)
	require.Greater(t, len(sealed), nonceSize)
	require.NotContains(t, string(sealed), "result")

	opened, err := dapp.Decrypt(sealed, wallet.SessionID)
	require.NoError(t, err)
	require.Equal(t, message, opened)
}

func TestSessionCrypto_NoncesDiffer(t *testing.T) {
	wallet, err := GenerateSessionCrypto()
	require.NoError(t, err)
	dapp, err := GenerateSessionCrypto()
	require.NoError(t, err)

	a, err := wallet.Encrypt([]byte("payload"), dapp.SessionID)
	require.NoError(t, err)
	b, err := wallet.Encrypt([]byte("payload"), dapp.SessionID)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestSessionCrypto_TamperedEnvelopeFails(t *testing.T) {
	wallet, err := GenerateSessionCrypto()
	require.NoError(t, err)
	dapp, err := GenerateSessionCrypto()
	require.NoError(t, err)

	sealed, err := wallet.Encrypt([]byte("payload"), dapp.SessionID)
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff

	_, err = dapp.Decrypt(sealed, wallet.SessionID)
	require.Error(t, err)
}

func TestSessionCrypto_WrongSenderFails(t *testing.T) {
	wallet, err := GenerateSessionCrypto()
	require.NoError(t, err)
	dapp, err := GenerateSessionCrypto()
	require.NoError(t, err)
	intruder, err := GenerateSessionCrypto()
	require.NoError(t, err)

	sealed, err := wallet.Encrypt([]byte("payload"), dapp.SessionID)
	require.NoError(t, err)

	_, err = dapp.Decrypt(sealed, intruder.SessionID)
	require.Error(t, err)
}

func TestSessionCrypto_ShortEnvelope(t *testing.T) {
	wallet, err := GenerateSessionCrypto()
	require.NoError(t, err)
	dapp, err := GenerateSessionCrypto()
	require.NoError(t, err)

	_, err = dapp.Decrypt(make([]byte, nonceSize), wallet.SessionID)
	require.Error(t, err)
}

func TestSessionCrypto_KeyPairRestore(t *testing.T) {
	original, err := GenerateSessionCrypto()
	require.NoError(t, err)
	dapp, err := GenerateSessionCrypto()
	require.NoError(t, err)

	restored, err := SessionCryptoFromKeyPair(original.KeyPair())
	require.NoError(t, err)
	require.Equal(t, original.SessionID, restored.SessionID)

	sealed, err := restored.Encrypt([]byte("payload"), dapp.SessionID)
	require.NoError(t, err)
	opened, err := dapp.Decrypt(sealed, original.SessionID)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), opened)
}

func TestSessionCrypto_BadKeyMaterial(t *testing.T) {
	_, err := SessionCryptoFromKeyPair(SessionKeyPair{Public: "zz", Secret: "zz"})
	require.Error(t, err)

	_, err = SessionCryptoFromKeyPair(SessionKeyPair{Public: "abcd", Secret: "abcd"})
	require.Error(t, err, "keys must be 32 bytes")
}
