package web

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tonwhales/tonhub-connect/internal/domain"
	"github.com/tonwhales/tonhub-connect/internal/logger"
)

// Approval kinds.
const (
	ApprovalConnect     = "connect"
	ApprovalTransaction = "transaction"
	ApprovalSignData    = "sign_data"
)

// Decision is the admin's answer to one queued approval. The optional fields
// carry the signed material for approved requests; which ones apply depends
// on the approval kind.
type Decision struct {
	Approved bool `json:"approved"`

	// transaction
	SignedBoc string `json:"signedBoc,omitempty"`

	// sign_data
	Signature string `json:"signature,omitempty"`
	Address   string `json:"address,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Domain    string `json:"domain,omitempty"`
	Payload   string `json:"payload,omitempty"`

	// connect proof
	ProofSignature string `json:"proofSignature,omitempty"`
	ProofTimestamp int64  `json:"proofTimestamp,omitempty"`
	ProofDomain    string `json:"proofDomain,omitempty"`
	ProofPayload   string `json:"proofPayload,omitempty"`
}

// Approval is one queued item awaiting an admin decision.
type Approval struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"createdAt"`

	Connect     *domain.ConnectPrompt     `json:"connect,omitempty"`
	Transaction *domain.TransactionPrompt `json:"transaction,omitempty"`
	SignData    *domain.SignDataPrompt    `json:"signData,omitempty"`

	decide chan Decision
}

// ApprovalQueue is the domain.Approver backing the admin API: every approval
// request blocks until an admin posts a decision for it or the request's
// context ends. A context end counts as a rejection.
type ApprovalQueue struct {
	mu      sync.Mutex
	pending map[string]*Approval
	log     *zap.Logger
}

// NewApprovalQueue returns an empty queue.
func NewApprovalQueue() *ApprovalQueue {
	return &ApprovalQueue{
		pending: make(map[string]*Approval),
		log:     logger.New("approvals"),
	}
}

// List returns a snapshot of the queued approvals, oldest first.
func (q *ApprovalQueue) List() []Approval {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Approval, 0, len(q.pending))
	for _, a := range q.pending {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Decide resolves one queued approval by id.
func (q *ApprovalQueue) Decide(id string, d Decision) error {
	q.mu.Lock()
	a, ok := q.pending[id]
	if ok {
		delete(q.pending, id)
	}
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending approval %q", id)
	}

	a.decide <- d
	q.log.Info("Approval decided",
		zap.String("approval_id", id),
		zap.String("kind", a.Kind),
		zap.Bool("approved", d.Approved))
	return nil
}

func (q *ApprovalQueue) enqueue(a *Approval) {
	a.ID = uuid.NewString()
	a.CreatedAt = time.Now()
	a.decide = make(chan Decision, 1)

	q.mu.Lock()
	q.pending[a.ID] = a
	q.mu.Unlock()
	q.log.Info("Approval queued",
		zap.String("approval_id", a.ID),
		zap.String("kind", a.Kind))
}

// wait blocks until the approval is decided or ctx ends. An ended context
// removes the item and reads as a rejection.
func (q *ApprovalQueue) wait(ctx context.Context, a *Approval) Decision {
	select {
	case d := <-a.decide:
		return d
	case <-ctx.Done():
		q.mu.Lock()
		delete(q.pending, a.ID)
		q.mu.Unlock()
		q.log.Info("Approval abandoned",
			zap.String("approval_id", a.ID),
			zap.String("kind", a.Kind))
		return Decision{Approved: false}
	}
}

// ApproveConnect implements domain.Approver.
func (q *ApprovalQueue) ApproveConnect(ctx context.Context, prompt domain.ConnectPrompt) (domain.ConnectDecision, error) {
	a := &Approval{Kind: ApprovalConnect, Connect: &prompt}
	q.enqueue(a)
	d := q.wait(ctx, a)
	return domain.ConnectDecision{
		Approved:       d.Approved,
		ProofSignature: d.ProofSignature,
		ProofTimestamp: d.ProofTimestamp,
		ProofDomain:    d.ProofDomain,
		ProofPayload:   d.ProofPayload,
	}, nil
}

// ApproveTransaction implements domain.Approver.
func (q *ApprovalQueue) ApproveTransaction(ctx context.Context, prompt domain.TransactionPrompt) (domain.TransactionDecision, error) {
	a := &Approval{Kind: ApprovalTransaction, Transaction: &prompt}
	q.enqueue(a)
	d := q.wait(ctx, a)
	return domain.TransactionDecision{
		Approved:  d.Approved,
		SignedBoc: d.SignedBoc,
	}, nil
}

// ApproveSignData implements domain.Approver.
func (q *ApprovalQueue) ApproveSignData(ctx context.Context, prompt domain.SignDataPrompt) (domain.SignDataDecision, error) {
	a := &Approval{Kind: ApprovalSignData, SignData: &prompt}
	q.enqueue(a)
	d := q.wait(ctx, a)
	return domain.SignDataDecision{
		Approved:  d.Approved,
		Signature: d.Signature,
		Address:   d.Address,
		Timestamp: d.Timestamp,
		Domain:    d.Domain,
		Payload:   d.Payload,
	}, nil
}
