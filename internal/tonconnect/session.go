package tonconnect

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

const nonceSize = 24

// SessionKeyPair is the persisted form of a remote session's X25519 keys.
// The hex-encoded public key doubles as the wallet-side session id on the
// bridge.
type SessionKeyPair struct {
	Public string `json:"publicKey"`
	Secret string `json:"secretKey"`
}

// SessionCrypto seals and opens bridge envelopes for one remote transport.
// Keys are never shared between transports; every remote connect generates
// a fresh pair.
type SessionCrypto struct {
	public *[32]byte
	secret *[32]byte

	// SessionID is the hex-encoded public key.
	SessionID string
}

// GenerateSessionCrypto creates a fresh X25519 keypair.
func GenerateSessionCrypto() (*SessionCrypto, error) {
	public, secret, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate session keypair: %w", err)
	}
	return &SessionCrypto{
		public:    public,
		secret:    secret,
		SessionID: hex.EncodeToString(public[:]),
	}, nil
}

// SessionCryptoFromKeyPair restores session crypto from a persisted keypair.
func SessionCryptoFromKeyPair(kp SessionKeyPair) (*SessionCrypto, error) {
	public, err := decodeKey(kp.Public)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	secret, err := decodeKey(kp.Secret)
	if err != nil {
		return nil, fmt.Errorf("decode secret key: %w", err)
	}
	return &SessionCrypto{
		public:    public,
		secret:    secret,
		SessionID: kp.Public,
	}, nil
}

// KeyPair returns the hex-encoded form for persistence.
func (s *SessionCrypto) KeyPair() SessionKeyPair {
	return SessionKeyPair{
		Public: hex.EncodeToString(s.public[:]),
		Secret: hex.EncodeToString(s.secret[:]),
	}
}

// Encrypt seals a message for the dApp identified by its hex public key.
// Envelope layout: 24-byte random nonce followed by the box ciphertext.
func (s *SessionCrypto) Encrypt(message []byte, receiverPubHex string) ([]byte, error) {
	receiver, err := decodeKey(receiverPubHex)
	if err != nil {
		return nil, fmt.Errorf("decode receiver key: %w", err)
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := box.Seal(nonce[:], message, &nonce, receiver, s.secret)
	return sealed, nil
}

// Decrypt opens an envelope from the dApp identified by its hex public key.
func (s *SessionCrypto) Decrypt(envelope []byte, senderPubHex string) ([]byte, error) {
	if len(envelope) <= nonceSize {
		return nil, fmt.Errorf("envelope too short: %d bytes", len(envelope))
	}
	sender, err := decodeKey(senderPubHex)
	if err != nil {
		return nil, fmt.Errorf("decode sender key: %w", err)
	}

	var nonce [nonceSize]byte
	copy(nonce[:], envelope[:nonceSize])

	opened, ok := box.Open(nil, envelope[nonceSize:], &nonce, sender, s.secret)
	if !ok {
		return nil, fmt.Errorf("envelope authentication failed")
	}
	return opened, nil
}

func decodeKey(hexKey string) (*[32]byte, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, err
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(raw))
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}
