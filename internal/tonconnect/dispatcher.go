package tonconnect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tonwhales/tonhub-connect/internal/domain"
	"github.com/tonwhales/tonhub-connect/internal/logger"
	"github.com/tonwhales/tonhub-connect/internal/metrics"
	"go.uber.org/zap"
)

var (
	// ErrAlreadyCompleted reports that a terminal response for the request id
	// was already delivered. Callers treat it as a no-op signal.
	ErrAlreadyCompleted = errors.New("tonconnect: request already completed")

	// ErrNoCompletion reports that no injected completion was registered for
	// the request id.
	ErrNoCompletion = errors.New("tonconnect: no completion registered")
)

// completedRetention bounds how long completed request ids are remembered
// for duplicate suppression.
const completedRetention = 10 * time.Minute

// Route addresses the terminal response of one request. An empty
// ClientSessionID means the in-process injected bridge; otherwise the
// response is encrypted with Crypto and published to the relay.
type Route struct {
	ClientSessionID string
	Crypto          *SessionCrypto
}

// ResponseDispatcher enforces exactly-once terminal delivery per request id
// across both transports. Injected responses resolve a single-assignment
// completion channel; remote responses are sealed with the transport's own
// session keys and published to the relay.
type ResponseDispatcher struct {
	mu        sync.Mutex
	injected  map[string]chan WalletResponse
	completed map[string]time.Time

	publisher domain.RelayPublisher
	ttl       int
	log       *zap.Logger
}

// NewResponseDispatcher returns a dispatcher publishing remote responses
// with the given relay TTL in seconds.
func NewResponseDispatcher(publisher domain.RelayPublisher, ttl int) *ResponseDispatcher {
	return &ResponseDispatcher{
		injected:  make(map[string]chan WalletResponse),
		completed: make(map[string]time.Time),
		publisher: publisher,
		ttl:       ttl,
		log:       logger.New("dispatcher"),
	}
}

// RegisterInjected allocates the completion channel for an injected request.
// The channel receives exactly one response. Request ids are scoped per
// connection, so the dedup key includes the scope.
func (d *ResponseDispatcher) RegisterInjected(scope, id string) (<-chan WalletResponse, error) {
	key := scope + "\x00" + id

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, dup := d.injected[key]; dup {
		return nil, fmt.Errorf("duplicate injected request id %q", id)
	}
	if _, seen := d.completed[key]; seen {
		return nil, ErrAlreadyCompleted
	}
	ch := make(chan WalletResponse, 1)
	d.injected[key] = ch
	return ch, nil
}

// ReleaseInjected drops an unresolved completion registration, used when the
// response ends up labeled with a different id than the request.
func (d *ResponseDispatcher) ReleaseInjected(scope, id string) {
	key := scope + "\x00" + id
	d.mu.Lock()
	delete(d.injected, key)
	d.mu.Unlock()
}

// Respond delivers the terminal response for a request exactly once per
// (scope, id). A second call returns ErrAlreadyCompleted and delivers
// nothing, even when the first delivery failed.
func (d *ResponseDispatcher) Respond(ctx context.Context, scope string, route Route, resp WalletResponse) error {
	key := scope + "\x00" + resp.ID

	d.mu.Lock()
	if _, seen := d.completed[key]; seen {
		d.mu.Unlock()
		return ErrAlreadyCompleted
	}
	d.completed[key] = time.Now()
	d.pruneLocked()

	var ch chan WalletResponse
	if route.ClientSessionID == "" {
		ch = d.injected[key]
		delete(d.injected, key)
	}
	d.mu.Unlock()

	outcome := "result"
	if resp.Error != nil {
		outcome = "error"
	}
	metrics.IncrementResponsesSent(outcome)

	if route.ClientSessionID == "" {
		if ch == nil {
			return ErrNoCompletion
		}
		ch <- resp
		return nil
	}
	return d.publishRemote(ctx, route, resp)
}

func (d *ResponseDispatcher) publishRemote(ctx context.Context, route Route, resp WalletResponse) error {
	if route.Crypto == nil {
		return fmt.Errorf("remote route for %q missing session crypto", resp.ID)
	}
	plaintext, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	sealed, err := route.Crypto.Encrypt(plaintext, route.ClientSessionID)
	if err != nil {
		return fmt.Errorf("seal response: %w", err)
	}
	if err := d.publisher.Publish(ctx, route.Crypto.SessionID, route.ClientSessionID, sealed, d.ttl); err != nil {
		d.log.Warn("Response delivery failed",
			zap.String("request_id", resp.ID),
			zap.String("client_session", route.ClientSessionID),
			zap.Error(err))
		return err
	}
	return nil
}

// BroadcastDisconnect sends the wallet-initiated disconnect event to every
// remote transport individually. The same event id goes to each session,
// each sealed with that session's own keys. Returns how many deliveries
// succeeded.
func (d *ResponseDispatcher) BroadcastDisconnect(ctx context.Context, transports []ConnectionTransport, eventID int64) (int, error) {
	plaintext, err := json.Marshal(NewDisconnectEvent(eventID))
	if err != nil {
		return 0, fmt.Errorf("encode disconnect event: %w", err)
	}

	delivered := 0
	var errs []error
	for _, t := range transports {
		if t.Type != TransportRemote || t.SessionKeyPair == nil {
			continue
		}
		crypto, err := SessionCryptoFromKeyPair(*t.SessionKeyPair)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		sealed, err := crypto.Encrypt(plaintext, t.ClientSessionID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := d.publisher.Publish(ctx, crypto.SessionID, t.ClientSessionID, sealed, d.ttl); err != nil {
			errs = append(errs, err)
			continue
		}
		delivered++
	}

	if len(errs) > 0 {
		d.log.Warn("Disconnect broadcast partially failed",
			zap.Int("delivered", delivered),
			zap.Int("failed", len(errs)))
	}
	return delivered, errors.Join(errs...)
}

// pruneLocked drops completion records past retention. Caller holds d.mu.
func (d *ResponseDispatcher) pruneLocked() {
	cutoff := time.Now().Add(-completedRetention)
	for id, at := range d.completed {
		if at.Before(cutoff) {
			delete(d.completed, id)
		}
	}
}
