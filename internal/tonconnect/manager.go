package tonconnect

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/tonwhales/tonhub-connect/internal/domain"
	apperrors "github.com/tonwhales/tonhub-connect/internal/errors"
	"github.com/tonwhales/tonhub-connect/internal/logger"
	"github.com/tonwhales/tonhub-connect/internal/metrics"
	"go.uber.org/zap"
)

// SessionState is the lifecycle state of one (address, endpoint) session.
type SessionState int32

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateConnected
)

// WalletIdentity is the wallet-account material exposed in ton_addr replies.
// PublicKey is hex, WalletStateInit is base64; both come from configuration,
// never from key custody.
type WalletIdentity struct {
	Address         string
	Network         string
	PublicKey       string
	WalletStateInit string
}

// ManagerDeps bundles the collaborators shared by every session manager of
// one wallet address.
type ManagerDeps struct {
	Store      *Store
	Registry   *PendingRequestRegistry
	Dispatcher *ResponseDispatcher
	Manifests  *ManifestResolver
	Approver   domain.Approver
	TxChecker  *TransactionChecker
	SignData   *SignDataChecker
	Identity   WalletIdentity
	Device     DeviceInfo
}

// Manager owns the connection lifecycle of one (address, endpoint) pair:
// Disconnected -> Connecting -> Connected -> Disconnected. Managers for
// different endpoints are independent; no cross-endpoint locking.
type Manager struct {
	endpoint string
	deps     ManagerDeps

	mu    sync.Mutex
	state SessionState

	log *zap.Logger
}

// NewManager returns a session manager for one normalized dApp endpoint.
func NewManager(endpoint string, deps ManagerDeps) *Manager {
	return &Manager{
		endpoint: NormalizeEndpoint(endpoint),
		deps:     deps,
		log: logger.New("session").With(
			zap.String("endpoint", NormalizeEndpoint(endpoint))),
	}
}

// Endpoint returns the normalized dApp endpoint this manager serves.
func (m *Manager) Endpoint() string {
	return m.endpoint
}

// State returns the current session state.
func (m *Manager) State() SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s SessionState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

/* ------------------------------------------------------------------ *
|  Connect                                                            |
* -------------------------------------------------------------------*/

// Connect runs the injected connect flow: negotiation, manifest resolution,
// approval wait, persistence. It always returns a well-formed event; an
// internal fault becomes connect_error{UNKNOWN_ERROR} and never crosses the
// bridge boundary raw.
func (m *Manager) Connect(ctx context.Context, protocolVersion int, req ConnectRequest) (ev ConnectEvent) {
	eventID := newEventID()
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("Connect flow fault", zap.Any("panic", r))
			m.setState(StateDisconnected)
			ev = NewConnectError(eventID, UnknownError, fmt.Sprintf("%v", r))
		}
		m.countConnectEvent(ev)
	}()

	neg, ev, ok := m.negotiate(ctx, eventID, protocolVersion, req, "")
	if !ok {
		return ev
	}
	return m.finishConnect(ctx, eventID, req, neg)
}

// ConnectRemote runs the connect flow for a remote bridge session: same
// negotiation and approval, but the persisted transport carries freshly
// generated session keys addressed by the dApp client session id.
func (m *Manager) ConnectRemote(ctx context.Context, clientSessionID string, protocolVersion int, req ConnectRequest) (ev ConnectEvent) {
	eventID := newEventID()
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("Remote connect flow fault", zap.Any("panic", r))
			m.setState(StateDisconnected)
			ev = NewConnectError(eventID, UnknownError, fmt.Sprintf("%v", r))
		}
		m.countConnectEvent(ev)
	}()

	neg, ev, ok := m.negotiate(ctx, eventID, protocolVersion, req, clientSessionID)
	if !ok {
		return ev
	}
	return m.finishConnect(ctx, eventID, req, neg)
}

// negotiated carries the approved connect flow state between the shared
// front half and persistence.
type negotiated struct {
	transport ConnectionTransport
	manifest  *AppManifest
	items     []ConnectItemReply
}

// negotiate runs the shared front half of both connect flows up to and
// including the approval wait, and builds the transport entry to persist.
func (m *Manager) negotiate(ctx context.Context, eventID int64, protocolVersion int, req ConnectRequest, clientSessionID string) (negotiated, ConnectEvent, bool) {
	if err := CheckProtocolVersionCapability(protocolVersion); err != nil {
		return negotiated{}, NewConnectError(eventID, BadRequestError, "Unsupported protocol version"), false
	}
	if err := VerifyConnectRequest(req); err != nil {
		return negotiated{}, NewConnectError(eventID, BadRequestError, apperrors.SanitizeForClient(err)), false
	}

	m.setState(StateConnecting)

	manifest, err := m.deps.Manifests.Resolve(ctx, req.ManifestURL)
	if err != nil {
		m.log.Info("Manifest resolution failed",
			zap.String("manifest_url", req.ManifestURL),
			zap.Error(err))
		m.setState(StateDisconnected)
		return negotiated{}, NewConnectError(eventID, UnknownError, "Unknown app"), false
	}

	prompt := domain.ConnectPrompt{
		AppName:     manifest.Name,
		AppURL:      manifest.URL,
		IconURL:     manifest.IconURL,
		ManifestURL: req.ManifestURL,
		Endpoint:    m.endpoint,
	}
	for _, item := range req.Items {
		if item.Name == ItemTonProof {
			prompt.RequestProof = true
			prompt.ProofPayload = item.Payload
		}
	}

	decision, err := m.deps.Approver.ApproveConnect(ctx, prompt)
	if err != nil || !decision.Approved {
		m.setState(StateDisconnected)
		return negotiated{}, NewConnectError(eventID, UserRejectsError, "Canceled by the user"), false
	}

	items := m.buildReplyItems(req.Items, decision)
	transport := ConnectionTransport{Type: TransportInjected, ReplyItems: items}
	if clientSessionID != "" {
		crypto, err := GenerateSessionCrypto()
		if err != nil {
			m.setState(StateDisconnected)
			return negotiated{}, NewConnectError(eventID, UnknownError, "Unknown error"), false
		}
		kp := crypto.KeyPair()
		transport = ConnectionTransport{
			Type:            TransportRemote,
			SessionKeyPair:  &kp,
			ClientSessionID: clientSessionID,
		}
	}

	return negotiated{transport: transport, manifest: manifest, items: items}, ConnectEvent{}, true
}

// finishConnect persists the transport and emits the connect event.
func (m *Manager) finishConnect(ctx context.Context, eventID int64, req ConnectRequest, neg negotiated) ConnectEvent {
	identity := &ConnectedApp{
		Name:        neg.manifest.Name,
		URL:         neg.manifest.URL,
		IconURL:     neg.manifest.IconURL,
		ManifestURL: req.ManifestURL,
	}

	if err := m.deps.Store.UpsertTransport(ctx, m.endpoint, identity, neg.transport); err != nil {
		m.log.Error("Failed to persist connection", zap.Error(err))
		m.setState(StateDisconnected)
		return NewConnectError(eventID, UnknownError, apperrors.SanitizeForClient(err))
	}

	m.setState(StateConnected)
	return NewConnectSuccess(eventID, neg.items, m.deps.Device)
}

// buildReplyItems assembles the granted items for an approved connect.
func (m *Manager) buildReplyItems(items []ConnectItem, decision domain.ConnectDecision) []ConnectItemReply {
	var out []ConnectItemReply
	for _, item := range items {
		switch item.Name {
		case ItemTonAddr:
			out = append(out, ConnectItemReply{
				Name:            ItemTonAddr,
				Address:         m.deps.Identity.Address,
				Network:         m.deps.Identity.Network,
				PublicKey:       m.deps.Identity.PublicKey,
				WalletStateInit: m.deps.Identity.WalletStateInit,
			})
		case ItemTonProof:
			if decision.ProofSignature == "" {
				out = append(out, ConnectItemReply{
					Name:  ItemTonProof,
					Error: &ResponseError{Code: UnknownError, Message: "Proof is not available"},
				})
				continue
			}
			out = append(out, ConnectItemReply{
				Name: ItemTonProof,
				Proof: &TonProof{
					Timestamp: decision.ProofTimestamp,
					Domain: TonProofDomain{
						LengthBytes: len(decision.ProofDomain),
						Value:       decision.ProofDomain,
					},
					Signature: decision.ProofSignature,
					Payload:   decision.ProofPayload,
				},
			})
		}
	}
	return out
}

/* ------------------------------------------------------------------ *
|  Restore / Disconnect                                               |
* -------------------------------------------------------------------*/

// RestoreConnection re-issues the connect event from the persisted record
// without user interaction. No record, no injected transport, or disabled
// auto-connect yields connect_error{UNKNOWN_APP_ERROR}.
func (m *Manager) RestoreConnection(ctx context.Context) ConnectEvent {
	eventID := newEventID()

	app, err := m.deps.Store.Get(ctx, m.endpoint)
	if err != nil {
		m.log.Warn("Restore lookup failed", zap.Error(err))
		return NewConnectError(eventID, UnknownError, "Unknown error")
	}
	if app == nil || app.AutoConnectDisabled {
		return NewConnectError(eventID, UnknownAppError, "Unknown app")
	}
	injected := app.InjectedTransport()
	if injected == nil {
		return NewConnectError(eventID, UnknownAppError, "Unknown app")
	}

	m.setState(StateConnected)
	return NewConnectSuccess(eventID, injected.ReplyItems, m.deps.Device)
}

// Disconnect tears down the endpoint's connection: one encrypted disconnect
// event per remote session (all labeled with triggeredBy), pending entries
// flushed, record removed. Idempotent; a second call is a no-op.
func (m *Manager) Disconnect(ctx context.Context, triggeredBy int64) error {
	app, err := m.deps.Store.Get(ctx, m.endpoint)
	if err != nil {
		return err
	}

	m.deps.Registry.RemoveByEndpoint(m.endpoint)
	m.setState(StateDisconnected)
	if app == nil {
		return nil
	}

	if _, err := m.deps.Dispatcher.BroadcastDisconnect(ctx, app.RemoteTransports(), triggeredBy); err != nil {
		m.log.Warn("Disconnect broadcast incomplete", zap.Error(err))
	}
	return m.deps.Store.Remove(ctx, m.endpoint)
}

/* ------------------------------------------------------------------ *
|  Send                                                               |
* -------------------------------------------------------------------*/

// Send handles one app request and guarantees exactly one terminal wallet
// response for its id. from is the dApp client session id for remote
// requests, empty for injected ones.
func (m *Manager) Send(ctx context.Context, from string, req AppRequest) (resp WalletResponse) {
	started := time.Now()
	method := req.Method
	switch method {
	case MethodSendTransaction, MethodSignData, MethodDisconnect:
	default:
		method = "unknown"
	}
	metrics.IncrementRequestsProcessed(method)
	defer func() {
		metrics.RequestProcessingDuration.WithLabelValues(method).Observe(time.Since(started).Seconds())
		if r := recover(); r != nil {
			m.log.Error("Send flow fault",
				zap.String("request_id", req.ID),
				zap.Any("panic", r))
			resp = NewErrorResponse(req.ID, UnknownError, fmt.Sprintf("%v", r))
		}
	}()

	scope := m.endpoint + "|" + from
	var completion <-chan WalletResponse
	if from == "" {
		ch, err := m.deps.Dispatcher.RegisterInjected(scope, req.ID)
		if err != nil {
			// id already answered or still in flight; never respond twice
			m.log.Debug("Injected request id rejected",
				zap.String("request_id", req.ID),
				zap.Error(err))
			return NewErrorResponse(req.ID, BadRequestError, "Bad request")
		}
		completion = ch
	}

	// the route is captured before handling: a disconnect request removes
	// its own transport, yet its {result:{}} reply must still reach it
	route, routed := m.resolveRoute(ctx, from)

	resp = m.handle(ctx, from, req)

	if completion != nil && resp.ID != req.ID {
		// unsupported methods answer under the successor id; move the
		// completion registration along with it
		m.deps.Dispatcher.ReleaseInjected(scope, req.ID)
		ch, err := m.deps.Dispatcher.RegisterInjected(scope, resp.ID)
		if err != nil {
			return resp
		}
		completion = ch
	}

	if !routed {
		// no deliverable remote route; the computed response is still
		// returned to the caller
		return resp
	}
	if err := m.deps.Dispatcher.Respond(ctx, scope, route, resp); err != nil {
		if errors.Is(err, ErrAlreadyCompleted) {
			m.log.Debug("Duplicate terminal response suppressed",
				zap.String("request_id", resp.ID))
		} else if !errors.Is(err, ErrNoCompletion) {
			m.log.Warn("Response delivery failed",
				zap.String("request_id", resp.ID),
				zap.Error(err))
		}
	}
	if completion != nil {
		// the single-assignment completion is authoritative for injected ids
		if delivered, ok := <-completion; ok {
			resp = delivered
		}
	}
	return resp
}

func (m *Manager) handle(ctx context.Context, from string, req AppRequest) WalletResponse {
	switch req.Method {
	case MethodDisconnect:
		return m.handleDisconnectRequest(ctx, from, req)
	case MethodSendTransaction:
		return m.handleSendTransaction(ctx, from, req)
	case MethodSignData:
		return m.handleSignData(ctx, from, req)
	default:
		return NewErrorResponse(NextRequestID(req.ID), BadRequestError, "Method is not supported")
	}
}

// handleDisconnectRequest always replies {result:{}}. An injected disconnect
// tears down the whole endpoint; a remote one removes only the requesting
// session's transport and pending entries, leaving sibling sessions intact.
func (m *Manager) handleDisconnectRequest(ctx context.Context, from string, req AppRequest) WalletResponse {
	eventID, err := strconv.ParseInt(req.ID, 10, 64)
	if err != nil {
		eventID = newEventID()
	}

	if from == "" {
		if err := m.Disconnect(ctx, eventID); err != nil {
			m.log.Warn("Disconnect cleanup failed", zap.Error(err))
		}
	} else {
		m.deps.Registry.RemoveBySession(from)
		if err := m.deps.Store.RemoveRemoteTransport(ctx, m.endpoint, from); err != nil {
			m.log.Warn("Session removal failed",
				zap.String("client_session", from),
				zap.Error(err))
		}
	}
	return NewResultResponse(req.ID, struct{}{})
}

func (m *Manager) handleSendTransaction(ctx context.Context, from string, req AppRequest) WalletResponse {
	if len(req.Params) == 0 {
		return NewErrorResponse(req.ID, BadRequestError, "Bad request")
	}
	params, err := ParseSignRawTxParams(req.Params[0])
	if err != nil {
		return NewErrorResponse(req.ID, BadRequestError, "Bad request")
	}

	app, err := m.deps.Store.Get(ctx, m.endpoint)
	if err != nil || app == nil {
		return NewErrorResponse(req.ID, UnknownAppError, "Unknown app")
	}

	if terminal := m.deps.TxChecker.Check(req, params); terminal != nil {
		return *terminal
	}

	m.deps.Registry.Add(PendingRequest{
		ID:       req.ID,
		From:     from,
		Endpoint: m.endpoint,
		Method:   req.Method,
		Params:   req.Params,
	})
	defer m.deps.Registry.Remove(req.ID)

	prompt := domain.TransactionPrompt{
		Endpoint:   m.endpoint,
		AppName:    app.Name,
		RequestID:  req.ID,
		ValidUntil: params.ValidUntil,
		Network:    params.Network,
		From:       params.From,
	}
	for _, msg := range params.Messages {
		prompt.Messages = append(prompt.Messages, domain.TransactionMessage{
			Address:   msg.Address,
			Amount:    msg.Amount,
			Payload:   msg.Payload,
			StateInit: msg.StateInit,
		})
	}

	decision, err := m.deps.Approver.ApproveTransaction(ctx, prompt)

	// disconnect may have raced the approval wait; re-check at dispatch time
	if current, cerr := m.deps.Store.Get(ctx, m.endpoint); cerr != nil || current == nil {
		return NewErrorResponse(req.ID, UnknownAppError, "Unknown app")
	}
	if err != nil || !decision.Approved {
		return NewErrorResponse(req.ID, UserRejectsError, "Canceled by the user")
	}
	return NewResultResponse(req.ID, decision.SignedBoc)
}

func (m *Manager) handleSignData(ctx context.Context, from string, req AppRequest) WalletResponse {
	if len(req.Params) == 0 {
		return NewErrorResponse(req.ID, BadRequestError, "Bad request")
	}
	payload, err := ParseSignDataPayload(req.Params[0])
	if err != nil {
		return NewErrorResponse(req.ID, BadRequestError, "Bad request")
	}

	app, err := m.deps.Store.Get(ctx, m.endpoint)
	if err != nil || app == nil {
		return NewErrorResponse(req.ID, UnknownAppError, "Unknown app")
	}

	if terminal := m.deps.SignData.Check(req, payload); terminal != nil {
		return *terminal
	}

	m.deps.Registry.Add(PendingRequest{
		ID:       req.ID,
		From:     from,
		Endpoint: m.endpoint,
		Method:   req.Method,
		Params:   req.Params,
	})
	defer m.deps.Registry.Remove(req.ID)

	decision, err := m.deps.Approver.ApproveSignData(ctx, domain.SignDataPrompt{
		Endpoint:  m.endpoint,
		AppName:   app.Name,
		RequestID: req.ID,
		Kind:      payload.Type,
		Text:      payload.Text,
		Bytes:     payload.Bytes,
		Schema:    payload.Schema,
		Cell:      payload.Cell,
	})

	if current, cerr := m.deps.Store.Get(ctx, m.endpoint); cerr != nil || current == nil {
		return NewErrorResponse(req.ID, UnknownAppError, "Unknown app")
	}
	if err != nil || !decision.Approved {
		return NewErrorResponse(req.ID, UserRejectsError, "Canceled by the user")
	}
	return NewResultResponse(req.ID, SignDataResult{
		Signature: decision.Signature,
		Address:   decision.Address,
		Timestamp: decision.Timestamp,
		Domain:    decision.Domain,
		Payload:   payload,
	})
}

// resolveRoute maps the originating session to a dispatcher route. Injected
// requests route in-process; remote ones are addressed by the transport
// holding the matching client session id.
func (m *Manager) resolveRoute(ctx context.Context, from string) (Route, bool) {
	if from == "" {
		return Route{}, true
	}
	app, err := m.deps.Store.Get(ctx, m.endpoint)
	if err != nil || app == nil {
		return Route{}, false
	}
	for _, t := range app.RemoteTransports() {
		if t.ClientSessionID != from || t.SessionKeyPair == nil {
			continue
		}
		crypto, err := SessionCryptoFromKeyPair(*t.SessionKeyPair)
		if err != nil {
			return Route{}, false
		}
		return Route{ClientSessionID: from, Crypto: crypto}, true
	}
	return Route{}, false
}

func (m *Manager) countConnectEvent(ev ConnectEvent) {
	if ev.IsError() {
		metrics.ConnectEvents.WithLabelValues("connect_error").Inc()
	} else if ev.Event == EventConnect {
		metrics.ConnectEvents.WithLabelValues("connect").Inc()
	}
}

func newEventID() int64 {
	return time.Now().UnixMilli()
}

/* ------------------------------------------------------------------ *
|  Session registry                                                   |
* -------------------------------------------------------------------*/

// SessionRegistry lazily creates one Manager per normalized endpoint,
// sharing the collaborators of a single wallet address.
type SessionRegistry struct {
	mu       sync.RWMutex
	managers map[string]*Manager
	deps     ManagerDeps
}

// NewSessionRegistry returns a registry for one wallet address.
func NewSessionRegistry(deps ManagerDeps) *SessionRegistry {
	return &SessionRegistry{
		managers: make(map[string]*Manager),
		deps:     deps,
	}
}

// Manager returns the session manager for an endpoint, creating it on first
// use.
func (r *SessionRegistry) Manager(endpoint string) *Manager {
	endpoint = NormalizeEndpoint(endpoint)

	r.mu.RLock()
	mgr, ok := r.managers[endpoint]
	r.mu.RUnlock()
	if ok {
		return mgr
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if mgr, ok := r.managers[endpoint]; ok {
		return mgr
	}
	mgr = NewManager(endpoint, r.deps)
	r.managers[endpoint] = mgr
	return mgr
}

// Deps exposes the shared collaborators (used by the bridge client to reach
// the store and registry directly).
func (r *SessionRegistry) Deps() ManagerDeps {
	return r.deps
}
