package bridge

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gorilla/websocket"
	"github.com/willf/bloom"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tonwhales/tonhub-connect/internal/config"
	"github.com/tonwhales/tonhub-connect/internal/constants"
	"github.com/tonwhales/tonhub-connect/internal/domain"
	"github.com/tonwhales/tonhub-connect/internal/logger"
	"github.com/tonwhales/tonhub-connect/internal/metrics"
	"github.com/tonwhales/tonhub-connect/internal/tonconnect"
	"github.com/tonwhales/tonhub-connect/internal/workers"
)

// envelopeFrame is one relay delivery. From is the dApp client session id,
// Message carries the base64 sealed payload. ID orders deliveries and feeds
// last_event_id on reconnect.
type envelopeFrame struct {
	ID      int64  `json:"id"`
	From    string `json:"from"`
	Message string `json:"message"`
}

// sessionRoute maps one wallet-side bridge session to its connection.
type sessionRoute struct {
	endpoint        string
	clientSessionID string
	keyPair         tonconnect.SessionKeyPair
}

// Client keeps one websocket subscription to the relay covering every stored
// remote session of the wallet, decrypts inbound envelopes and hands app
// requests to the session managers. Outbound deliveries go over HTTP POST;
// Client is the domain.RelayPublisher the response dispatcher publishes
// through.
type Client struct {
	cfg      config.BridgeConfig
	registry *tonconnect.SessionRegistry
	store    *tonconnect.Store
	pool     *workers.WorkerPool
	seen     *bloom.BloomFilter
	seenMu   sync.Mutex
	limiter  *rate.Limiter
	http     *http.Client

	mu     sync.RWMutex
	routes map[string]sessionRoute // wallet session id -> route
	conn   *websocket.Conn
	status domain.BridgeStatus

	lastEventID atomic.Int64
	resub       chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *zap.Logger
}

// NewClient builds a relay client over the shared session registry.
func NewClient(cfg config.BridgeConfig, registry *tonconnect.SessionRegistry) *Client {
	c := &Client{
		cfg:      cfg,
		registry: registry,
		store:    registry.Deps().Store,
		pool:     workers.NewWorkerPool(cfg.WorkerCount, cfg.WorkerQueueSize),
		seen:     bloom.New(uint(cfg.ReplayWindowSize)*8, 5),
		http:     &http.Client{Timeout: cfg.WriteTimeout},
		routes:   make(map[string]sessionRoute),
		status:   domain.BridgeDisconnected,
		resub:    make(chan struct{}, 1),
		log:      logger.New("bridge"),
	}
	if cfg.RateLimit.Enabled {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.MaxEnvelopesPerSecond), cfg.RateLimit.BurstSize)
	}
	return c
}

// Start launches the subscription loop. Safe to call once.
func (c *Client) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.run()
	c.log.Info("Bridge client started", zap.String("url", c.cfg.URL))
}

// Stop tears the subscription down and drains the worker pool.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.closeConn()
	c.wg.Wait()
	c.pool.Stop()
	c.setStatus(domain.BridgeDisconnected)
	c.log.Info("Bridge client stopped")
}

// Status reports the relay connection state.
func (c *Client) Status() domain.BridgeStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Client) setStatus(s domain.BridgeStatus) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// RefreshSessions rebuilds the subscription set from the connection store and
// resubscribes when it changed. Call it whenever connections are added or
// removed.
func (c *Client) RefreshSessions() {
	changed, err := c.rebuildRoutes()
	if err != nil {
		c.log.Warn("Session refresh failed", zap.Error(err))
		return
	}
	if !changed {
		return
	}
	select {
	case c.resub <- struct{}{}:
	default:
	}
	c.closeConn()
}

// rebuildRoutes loads every stored remote session. Reports whether the
// wallet-side session id set differs from the current one.
func (c *Client) rebuildRoutes() (bool, error) {
	apps, err := c.store.List(context.Background())
	if err != nil {
		return false, err
	}

	routes := make(map[string]sessionRoute)
	for endpoint, app := range apps {
		for _, t := range app.RemoteTransports() {
			if t.SessionKeyPair == nil {
				continue
			}
			routes[t.SessionKeyPair.Public] = sessionRoute{
				endpoint:        endpoint,
				clientSessionID: t.ClientSessionID,
				keyPair:         *t.SessionKeyPair,
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	changed := len(routes) != len(c.routes)
	if !changed {
		for id := range routes {
			if _, ok := c.routes[id]; !ok {
				changed = true
				break
			}
		}
	}
	c.routes = routes
	return changed, nil
}

func (c *Client) sessionIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.routes))
	for id := range c.routes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

/* ------------------------------------------------------------------ *
|  Subscription loop                                                  |
* -------------------------------------------------------------------*/

func (c *Client) run() {
	defer c.wg.Done()

	if _, err := c.rebuildRoutes(); err != nil {
		c.log.Warn("Initial session load failed", zap.Error(err))
	}

	attempts := 0
	for c.ctx.Err() == nil {
		ids := c.sessionIDs()
		if len(ids) == 0 {
			// nothing to watch; wait for a connection to appear
			select {
			case <-c.ctx.Done():
				return
			case <-c.resub:
				continue
			case <-time.After(c.cfg.HeartbeatPeriod):
				continue
			}
		}

		conn, err := c.dial(ids)
		if err != nil {
			c.setStatus(domain.BridgeDisconnected)
			attempts++
			if c.cfg.ReconnectMax > 0 && uint(attempts) >= c.cfg.ReconnectMax {
				c.log.Error("Giving up on relay connection",
					zap.Int("attempts", attempts),
					zap.Error(err))
				return
			}
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoffDelay(c.cfg.ReconnectDelay, attempts)):
			}
			continue
		}

		if attempts > 0 {
			metrics.BridgeReconnects.Inc()
		}
		attempts = 0
		c.setStatus(domain.BridgeConnected)
		c.log.Info("Relay subscription established", zap.Int("sessions", len(ids)))

		c.readLoop(conn)
		c.closeConn()
		c.setStatus(domain.BridgeConnecting)
	}
}

// backoffDelay doubles the base delay per consecutive failure, capped at one
// minute.
func backoffDelay(base time.Duration, attempts int) time.Duration {
	d := base
	for i := 1; i < attempts && d < time.Minute; i++ {
		d *= 2
	}
	if d > time.Minute {
		d = time.Minute
	}
	return d
}

func (c *Client) dial(sessionIDs []string) (*websocket.Conn, error) {
	c.setStatus(domain.BridgeConnecting)

	wsURL, err := c.eventsURL(sessionIDs)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.WriteTimeout}
	conn, resp, err := dialer.DialContext(c.ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return conn, nil
}

// eventsURL derives the websocket subscription URL from the configured
// bridge base, carrying the session set and resume position.
func (c *Client) eventsURL(sessionIDs []string) (string, error) {
	u, err := url.Parse(strings.TrimRight(c.cfg.URL, "/") + "/events")
	if err != nil {
		return "", fmt.Errorf("bridge url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	q := u.Query()
	q.Set("client_id", strings.Join(sessionIDs, ","))
	if last := c.lastEventID.Load(); last > 0 {
		q.Set("last_event_id", fmt.Sprintf("%d", last))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	conn.SetReadLimit(constants.BridgeMaxEnvelopeSize)
	_ = conn.SetReadDeadline(time.Now().Add(constants.BridgeReadDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(constants.BridgeReadDeadline))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go c.pingLoop(conn, stopPing)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("Relay connection dropped", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(constants.BridgeReadDeadline))

		var frame envelopeFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.log.Debug("Undecodable relay frame", zap.Error(err))
			continue
		}
		if frame.Message == "" {
			// heartbeat
			continue
		}
		if frame.ID > 0 {
			c.lastEventID.Store(frame.ID)
		}
		c.accept(frame)
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(constants.BridgeWriteDeadline)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

/* ------------------------------------------------------------------ *
|  Envelope processing                                                |
* -------------------------------------------------------------------*/

// accept filters one delivery and queues it for processing.
func (c *Client) accept(frame envelopeFrame) {
	if c.limiter != nil && !c.limiter.Allow() {
		c.log.Warn("Inbound envelope rate limit hit", zap.String("from", frame.From))
		metrics.IncrementErrorCount()
		return
	}

	dedupeKey := []byte(fmt.Sprintf("%s|%d|%s", frame.From, frame.ID, frame.Message[:min(32, len(frame.Message))]))
	c.seenMu.Lock()
	duplicate := c.seen.TestAndAdd(dedupeKey)
	c.seenMu.Unlock()
	if duplicate {
		metrics.DuplicateEnvelopes.Inc()
		c.log.Debug("Duplicate envelope suppressed",
			zap.String("from", frame.From),
			zap.Int64("event_id", frame.ID))
		return
	}

	metrics.EnvelopeSizeBytes.Observe(float64(len(frame.Message)))
	if !c.pool.AddJob(func() { c.process(frame) }) {
		c.log.Warn("Worker queue full, envelope dropped", zap.String("from", frame.From))
		metrics.IncrementErrorCount()
	}
}

// process decrypts one envelope and runs the request through its session
// manager. The manager delivers the terminal response itself.
func (c *Client) process(frame envelopeFrame) {
	route, ok := c.routeFor(frame.From)
	if !ok {
		c.log.Debug("Envelope from unknown session dropped", zap.String("from", frame.From))
		return
	}

	sealed, err := base64.StdEncoding.DecodeString(frame.Message)
	if err != nil {
		c.log.Debug("Envelope payload is not base64", zap.String("from", frame.From))
		return
	}

	crypto, err := tonconnect.SessionCryptoFromKeyPair(route.keyPair)
	if err != nil {
		c.log.Error("Stored session keys unusable",
			zap.String("endpoint", route.endpoint),
			zap.Error(err))
		metrics.IncrementErrorCount()
		return
	}
	plain, err := crypto.Decrypt(sealed, frame.From)
	if err != nil {
		c.log.Warn("Envelope rejected by session crypto",
			zap.String("from", frame.From),
			zap.Error(err))
		metrics.IncrementErrorCount()
		return
	}

	var req tonconnect.AppRequest
	if err := json.Unmarshal(plain, &req); err != nil || req.ID == "" {
		c.log.Warn("Envelope carried no app request", zap.String("from", frame.From))
		metrics.IncrementErrorCount()
		return
	}

	mgr := c.registry.Manager(route.endpoint)
	mgr.Send(c.ctx, frame.From, req)
}

func (c *Client) routeFor(clientSessionID string) (sessionRoute, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, route := range c.routes {
		if route.clientSessionID == clientSessionID {
			return route, true
		}
	}
	return sessionRoute{}, false
}

/* ------------------------------------------------------------------ *
|  Outbound                                                           |
* -------------------------------------------------------------------*/

// Publish posts one sealed payload to the relay, retrying transient
// failures. Implements domain.RelayPublisher.
func (c *Client) Publish(ctx context.Context, from, to string, payload []byte, ttl int) error {
	endpoint := fmt.Sprintf("%s/message?client_id=%s&to=%s&ttl=%d",
		strings.TrimRight(c.cfg.URL, "/"),
		url.QueryEscape(from), url.QueryEscape(to), ttl)
	body := base64.StdEncoding.EncodeToString(payload)

	return retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("Content-Type", "text/plain")

			resp, err := c.http.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
				err := fmt.Errorf("relay returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
				if resp.StatusCode >= 400 && resp.StatusCode < 500 {
					return retry.Unrecoverable(err)
				}
				return err
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
}

/* ------------------------------------------------------------------ *
|  Remote connect links                                               |
* -------------------------------------------------------------------*/

// HandleConnectURL processes a TonConnect universal link
// (…?v=2&id=<clientSessionId>&r=<connectRequest>) end to end: negotiation,
// approval and persistence through the session manager, then the sealed
// connect event back to the dApp session. The returned event mirrors what
// was delivered.
func (c *Client) HandleConnectURL(ctx context.Context, rawURL string) (tonconnect.ConnectEvent, error) {
	version, clientSessionID, req, err := parseConnectURL(rawURL)
	if err != nil {
		return tonconnect.ConnectEvent{}, err
	}

	endpoint := endpointFromManifestURL(req.ManifestURL)
	mgr := c.registry.Manager(endpoint)
	ev := mgr.ConnectRemote(ctx, clientSessionID, version, req)

	if err := c.deliverConnectEvent(ctx, endpoint, clientSessionID, ev); err != nil {
		c.log.Warn("Connect event delivery failed",
			zap.String("client_session", clientSessionID),
			zap.Error(err))
		return ev, err
	}

	c.RefreshSessions()
	return ev, nil
}

// deliverConnectEvent seals the connect event with the session's stored keys
// when the connect succeeded, or with a one-off pair for refusals that left
// nothing behind.
func (c *Client) deliverConnectEvent(ctx context.Context, endpoint, clientSessionID string, ev tonconnect.ConnectEvent) error {
	var crypto *tonconnect.SessionCrypto

	if app, err := c.store.Get(ctx, endpoint); err == nil && app != nil {
		for _, t := range app.RemoteTransports() {
			if t.ClientSessionID == clientSessionID && t.SessionKeyPair != nil {
				crypto, err = tonconnect.SessionCryptoFromKeyPair(*t.SessionKeyPair)
				if err != nil {
					return err
				}
				break
			}
		}
	}
	if crypto == nil {
		one, err := tonconnect.GenerateSessionCrypto()
		if err != nil {
			return err
		}
		crypto = one
	}

	plain, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	sealed, err := crypto.Encrypt(plain, clientSessionID)
	if err != nil {
		return err
	}
	return c.Publish(ctx, crypto.SessionID, clientSessionID, sealed, c.cfg.MessageTTL)
}

// parseConnectURL extracts the protocol version, dApp session id and connect
// request from a universal link.
func parseConnectURL(rawURL string) (int, string, tonconnect.ConnectRequest, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, "", tonconnect.ConnectRequest{}, fmt.Errorf("connect url: %w", err)
	}
	q := u.Query()

	version := 0
	if _, err := fmt.Sscanf(q.Get("v"), "%d", &version); err != nil {
		return 0, "", tonconnect.ConnectRequest{}, fmt.Errorf("connect url: bad version %q", q.Get("v"))
	}
	clientSessionID := q.Get("id")
	if clientSessionID == "" {
		return 0, "", tonconnect.ConnectRequest{}, fmt.Errorf("connect url: missing session id")
	}

	var req tonconnect.ConnectRequest
	if err := json.Unmarshal([]byte(q.Get("r")), &req); err != nil {
		return 0, "", tonconnect.ConnectRequest{}, fmt.Errorf("connect url: bad request payload: %w", err)
	}
	return version, clientSessionID, req, nil
}

// endpointFromManifestURL keys the connection by the dApp origin.
func endpointFromManifestURL(manifestURL string) string {
	u, err := url.Parse(manifestURL)
	if err != nil || u.Host == "" {
		return manifestURL
	}
	return u.Scheme + "://" + u.Host
}

func (c *Client) closeConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		deadline := time.Now().Add(constants.BridgeWriteDeadline)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		conn.Close()
	}
}
