package tonconnect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/tonwhales/tonhub-connect/internal/logger"
	"github.com/tonwhales/tonhub-connect/internal/metrics"
	"github.com/tonwhales/tonhub-connect/internal/storage"
	"go.uber.org/zap"
)

// Transport kinds of a stored connection.
const (
	TransportInjected = "injected"
	TransportRemote   = "remote"
)

// ConnectionTransport is one transport entry of a connected app: either the
// in-process injected bridge or a remote encrypted bridge session.
type ConnectionTransport struct {
	Type string `json:"type"`

	// injected
	ReplyItems []ConnectItemReply `json:"replyItems,omitempty"`

	// remote
	SessionKeyPair  *SessionKeyPair `json:"sessionKeyPair,omitempty"`
	ClientSessionID string          `json:"clientSessionId,omitempty"`
}

// ConnectedApp is the persisted record of one dApp connection.
type ConnectedApp struct {
	Name                string                `json:"name"`
	URL                 string                `json:"url"`
	IconURL             string                `json:"iconUrl,omitempty"`
	ManifestURL         string                `json:"manifestUrl"`
	AutoConnectDisabled bool                  `json:"autoConnectDisabled,omitempty"`
	Transports          []ConnectionTransport `json:"transports"`
}

// InjectedTransport returns the app's injected transport entry, if any.
func (a *ConnectedApp) InjectedTransport() *ConnectionTransport {
	for i := range a.Transports {
		if a.Transports[i].Type == TransportInjected {
			return &a.Transports[i]
		}
	}
	return nil
}

// RemoteTransports returns the app's remote transport entries.
func (a *ConnectedApp) RemoteTransports() []ConnectionTransport {
	var out []ConnectionTransport
	for _, t := range a.Transports {
		if t.Type == TransportRemote {
			out = append(out, t)
		}
	}
	return out
}

// appendTransport merges a transport entry under the store invariants: at
// most one injected entry (the new one replaces it), remote entries deduped
// by client session id.
func appendTransport(transports []ConnectionTransport, t ConnectionTransport) []ConnectionTransport {
	switch t.Type {
	case TransportInjected:
		for i := range transports {
			if transports[i].Type == TransportInjected {
				transports[i] = t
				return transports
			}
		}
	case TransportRemote:
		for i := range transports {
			if transports[i].Type == TransportRemote && transports[i].ClientSessionID == t.ClientSessionID {
				transports[i] = t
				return transports
			}
		}
	}
	return append(transports, t)
}

// NormalizeEndpoint strips query and fragment from a dApp endpoint so one
// dApp maps to one record regardless of navigation state.
func NormalizeEndpoint(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		if i := strings.IndexAny(endpoint, "?#"); i >= 0 {
			return endpoint[:i]
		}
		return endpoint
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// Store is the connection store of one wallet address: an in-memory cache
// over a storage.KV backend, with a change hook for observers. All reads and
// writes of connection records go through it; the cache is invalidated on
// every mutation.
type Store struct {
	kv      storage.KV
	address string

	mu     sync.RWMutex
	cache  map[string]*ConnectedApp
	loaded bool

	onChange func(endpoint string)
	log      *zap.Logger
}

// NewStore returns a connection store for one wallet address.
func NewStore(kv storage.KV, address string) *Store {
	return &Store{
		kv:      kv,
		address: address,
		cache:   make(map[string]*ConnectedApp),
		log:     logger.New("store"),
	}
}

// OnChange registers the notification hook, invoked after every mutation
// with the affected endpoint. Replaces any previous hook.
func (s *Store) OnChange(fn func(endpoint string)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Address returns the wallet address this store serves.
func (s *Store) Address() string {
	return s.address
}

// Get returns the record for an endpoint, or nil when not connected.
func (s *Store) Get(ctx context.Context, endpoint string) (*ConnectedApp, error) {
	endpoint = NormalizeEndpoint(endpoint)

	s.mu.RLock()
	if app, ok := s.cache[endpoint]; ok {
		s.mu.RUnlock()
		return cloneApp(app), nil
	}
	s.mu.RUnlock()

	record, err := s.kv.Get(ctx, s.address, endpoint)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	app, err := decodeApp(record)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[endpoint] = app
	s.mu.Unlock()
	return cloneApp(app), nil
}

// Save writes the full record for an endpoint.
func (s *Store) Save(ctx context.Context, endpoint string, app *ConnectedApp) error {
	endpoint = NormalizeEndpoint(endpoint)

	record, err := encodeApp(app)
	if err != nil {
		return err
	}
	if err := s.kv.Put(ctx, s.address, endpoint, record); err != nil {
		return err
	}

	s.mu.Lock()
	s.cache[endpoint] = cloneApp(app)
	s.mu.Unlock()

	s.notify(endpoint)
	return nil
}

// UpsertTransport merges a transport into the endpoint's record, creating
// the record from identity when absent.
func (s *Store) UpsertTransport(ctx context.Context, endpoint string, identity *ConnectedApp, t ConnectionTransport) error {
	endpoint = NormalizeEndpoint(endpoint)

	app, err := s.Get(ctx, endpoint)
	if err != nil {
		return err
	}
	isNew := app == nil
	if isNew {
		app = cloneApp(identity)
		app.Transports = nil
	} else if identity != nil {
		// connect refreshes identity from the newly resolved manifest
		app.Name = identity.Name
		app.URL = identity.URL
		app.IconURL = identity.IconURL
		app.ManifestURL = identity.ManifestURL
	}
	app.Transports = appendTransport(app.Transports, t)

	if err := s.Save(ctx, endpoint, app); err != nil {
		return err
	}
	if isNew {
		metrics.IncrementActiveConnections()
	}
	return nil
}

// Remove deletes the endpoint's record.
func (s *Store) Remove(ctx context.Context, endpoint string) error {
	endpoint = NormalizeEndpoint(endpoint)

	existing, err := s.Get(ctx, endpoint)
	if err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, s.address, endpoint); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.cache, endpoint)
	s.mu.Unlock()

	if existing != nil {
		metrics.DecrementActiveConnections()
	}
	s.notify(endpoint)
	return nil
}

// RemoveRemoteTransport drops a single remote session from the endpoint's
// record, removing the record entirely when it was the last transport.
func (s *Store) RemoveRemoteTransport(ctx context.Context, endpoint, clientSessionID string) error {
	endpoint = NormalizeEndpoint(endpoint)

	app, err := s.Get(ctx, endpoint)
	if err != nil {
		return err
	}
	if app == nil {
		return nil
	}

	kept := app.Transports[:0]
	for _, t := range app.Transports {
		if t.Type == TransportRemote && t.ClientSessionID == clientSessionID {
			continue
		}
		kept = append(kept, t)
	}
	if len(kept) == len(app.Transports) {
		return nil
	}
	app.Transports = kept

	if len(app.Transports) == 0 {
		return s.Remove(ctx, endpoint)
	}
	return s.Save(ctx, endpoint, app)
}

// List returns every connection record of this wallet keyed by endpoint.
func (s *Store) List(ctx context.Context) (map[string]*ConnectedApp, error) {
	records, err := s.kv.List(ctx, s.address)
	if err != nil {
		return nil, err
	}

	out := make(map[string]*ConnectedApp, len(records))
	s.mu.Lock()
	for endpoint, record := range records {
		app, err := decodeApp(record)
		if err != nil {
			s.log.Warn("Dropping undecodable connection record",
				zap.String("endpoint", endpoint),
				zap.Error(err))
			continue
		}
		s.cache[endpoint] = app
		out[endpoint] = cloneApp(app)
	}
	s.loaded = true
	s.mu.Unlock()

	metrics.SyncActiveConnectionsCount(int64(len(out)))
	return out, nil
}

func (s *Store) notify(endpoint string) {
	s.mu.RLock()
	fn := s.onChange
	s.mu.RUnlock()
	if fn != nil {
		fn(endpoint)
	}
}

// encodeApp validates the record shape on every write.
func encodeApp(app *ConnectedApp) ([]byte, error) {
	if app == nil {
		return nil, fmt.Errorf("nil connection record")
	}
	if app.ManifestURL == "" {
		return nil, fmt.Errorf("connection record missing manifestUrl")
	}
	for _, t := range app.Transports {
		if err := validateTransport(t); err != nil {
			return nil, err
		}
	}
	return json.Marshal(app)
}

// decodeApp validates the record shape on every read; a corrupt record is
// surfaced, never silently trusted.
func decodeApp(record []byte) (*ConnectedApp, error) {
	var app ConnectedApp
	if err := json.Unmarshal(record, &app); err != nil {
		return nil, fmt.Errorf("decode connection record: %w", err)
	}
	for _, t := range app.Transports {
		if err := validateTransport(t); err != nil {
			return nil, err
		}
	}
	return &app, nil
}

func validateTransport(t ConnectionTransport) error {
	switch t.Type {
	case TransportInjected:
		return nil
	case TransportRemote:
		if t.SessionKeyPair == nil || t.ClientSessionID == "" {
			return fmt.Errorf("remote transport missing session material")
		}
		return nil
	default:
		return fmt.Errorf("unknown transport type %q", t.Type)
	}
}

func cloneApp(app *ConnectedApp) *ConnectedApp {
	if app == nil {
		return nil
	}
	cp := *app
	cp.Transports = make([]ConnectionTransport, len(app.Transports))
	copy(cp.Transports, app.Transports)
	return &cp
}
