package domain

import (
	"context"
)

// ConnectPrompt describes a dApp connect request awaiting a wallet decision.
type ConnectPrompt struct {
	AppName      string
	AppURL       string
	IconURL      string
	ManifestURL  string
	Endpoint     string
	RequestProof bool
	ProofPayload string
}

// ConnectDecision is the wallet-side answer to a connect prompt. ProofSignature
// and related fields are filled only when the prompt requested a ton_proof and
// the signer produced one; they are opaque to the bridge core.
type ConnectDecision struct {
	Approved       bool
	ProofSignature string
	ProofTimestamp int64
	ProofDomain    string
	ProofPayload   string
}

// TransactionPrompt describes a sendTransaction request awaiting a decision.
type TransactionPrompt struct {
	Endpoint   string
	AppName    string
	RequestID  string
	Messages   []TransactionMessage
	ValidUntil int64
	Network    string
	From       string
}

// TransactionMessage is one outgoing message of a transaction prompt.
type TransactionMessage struct {
	Address   string
	Amount    string
	Payload   string
	StateInit string
}

// TransactionDecision carries the signed transaction when approved. SignedBoc
// is the base64 BoC produced by the external signer; this module never holds
// key material for it.
type TransactionDecision struct {
	Approved  bool
	SignedBoc string
}

// SignDataPrompt describes a signData request awaiting a decision.
type SignDataPrompt struct {
	Endpoint  string
	AppName   string
	RequestID string
	Kind      string // "text", "binary" or "cell"
	Text      string
	Bytes     string
	Schema    string
	Cell      string
}

// SignDataDecision carries the produced signature when approved.
type SignDataDecision struct {
	Approved  bool
	Signature string
	Address   string
	Timestamp int64
	Domain    string
	Payload   string
}

// Approver is the external collaborator that confirms or rejects wallet
// actions. Implementations block until a decision is available or ctx is
// cancelled; a cancelled ctx counts as rejection.
type Approver interface {
	ApproveConnect(ctx context.Context, prompt ConnectPrompt) (ConnectDecision, error)
	ApproveTransaction(ctx context.Context, prompt TransactionPrompt) (TransactionDecision, error)
	ApproveSignData(ctx context.Context, prompt SignDataPrompt) (SignDataDecision, error)
}
