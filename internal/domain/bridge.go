package domain

import "context"

// RelayPublisher delivers an encrypted envelope to the remote bridge,
// addressed by the dApp client session id. Payload is already encrypted;
// the publisher never sees plaintext.
type RelayPublisher interface {
	Publish(ctx context.Context, from, to string, payload []byte, ttl int) error
}

// BridgeStatus mirrors the remote transport connection state.
type BridgeStatus string

const (
	BridgeDisconnected BridgeStatus = "disconnected"
	BridgeConnecting   BridgeStatus = "connecting"
	BridgeConnected    BridgeStatus = "connected"
)
