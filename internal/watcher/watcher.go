package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tonwhales/tonhub-connect/internal/config"
	"github.com/tonwhales/tonhub-connect/internal/constants"
	"github.com/tonwhales/tonhub-connect/internal/domain"
	"github.com/tonwhales/tonhub-connect/internal/logger"
	"github.com/tonwhales/tonhub-connect/internal/tonconnect"
)

// watchEvent is one frame of the watch feed.
//
// Types: "pending_requests" (full snapshot after subscribe), "new_request",
// "status_update", "expired", "heartbeat".
type watchEvent struct {
	Type     string        `json:"type"`
	Request  *watchRequest `json:"request,omitempty"`
	Requests []watchRequest `json:"requests,omitempty"`
}

type watchRequest struct {
	ID       string   `json:"id"`
	From     string   `json:"from,omitempty"`
	Endpoint string   `json:"endpoint,omitempty"`
	Method   string   `json:"method"`
	Params   []string `json:"params,omitempty"`
	Status   string   `json:"status,omitempty"`
}

// Watcher follows the relay's watch feed for one wallet address and mirrors
// it into the pending request registry. It owns nothing else: decisions and
// responses stay with the session managers.
type Watcher struct {
	cfg      config.BridgeConfig
	address  string
	registry *tonconnect.PendingRequestRegistry

	mu     sync.RWMutex
	conn   *websocket.Conn
	status domain.BridgeStatus

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *zap.Logger
}

// New returns a watcher for one wallet address.
func New(cfg config.BridgeConfig, address string, registry *tonconnect.PendingRequestRegistry) *Watcher {
	return &Watcher{
		cfg:      cfg,
		address:  address,
		registry: registry,
		status:   domain.BridgeDisconnected,
		log:      logger.New("watcher").With(zap.String("address", address)),
	}
}

// Start launches the watch loop. A watcher with no configured feed URL
// stays idle.
func (w *Watcher) Start(ctx context.Context) {
	if w.cfg.WatcherURL == "" {
		w.log.Info("Watch feed disabled, no URL configured")
		return
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.run()
	w.log.Info("Watcher started", zap.String("url", w.cfg.WatcherURL))
}

// Stop tears the feed down. The registry keeps its last known state.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.closeConn()
	w.wg.Wait()
	w.setStatus(domain.BridgeDisconnected)
	w.log.Info("Watcher stopped")
}

// Status reports the feed connection state.
func (w *Watcher) Status() domain.BridgeStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

func (w *Watcher) setStatus(s domain.BridgeStatus) {
	w.mu.Lock()
	w.status = s
	w.mu.Unlock()
}

func (w *Watcher) run() {
	defer w.wg.Done()

	delay := w.cfg.ReconnectDelay
	for w.ctx.Err() == nil {
		conn, err := w.dial()
		if err != nil {
			w.setStatus(domain.BridgeDisconnected)
			w.log.Warn("Watch feed dial failed", zap.Error(err))
			select {
			case <-w.ctx.Done():
				return
			case <-time.After(delay):
			}
			if delay < time.Minute {
				delay *= 2
			}
			continue
		}
		delay = w.cfg.ReconnectDelay
		w.setStatus(domain.BridgeConnected)
		w.log.Info("Watch feed established")

		w.readLoop(conn)
		w.closeConn()
		w.setStatus(domain.BridgeConnecting)
	}
}

func (w *Watcher) dial() (*websocket.Conn, error) {
	w.setStatus(domain.BridgeConnecting)

	u, err := url.Parse(w.cfg.WatcherURL)
	if err != nil {
		return nil, fmt.Errorf("watch url: %w", err)
	}
	q := u.Query()
	q.Set("address", w.address)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: w.cfg.WriteTimeout}
	conn, resp, err := dialer.DialContext(w.ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	return conn, nil
}

func (w *Watcher) readLoop(conn *websocket.Conn) {
	conn.SetReadLimit(constants.BridgeMaxEnvelopeSize)
	_ = conn.SetReadDeadline(time.Now().Add(constants.BridgeReadDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(constants.BridgeReadDeadline))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go w.pingLoop(conn, stopPing)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if w.ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				w.log.Warn("Watch feed dropped", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(constants.BridgeReadDeadline))

		var ev watchEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			w.log.Debug("Undecodable watch frame", zap.Error(err))
			continue
		}
		w.apply(ev)
	}
}

func (w *Watcher) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(w.cfg.HeartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(constants.BridgeWriteDeadline)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// apply mirrors one feed event into the registry.
func (w *Watcher) apply(ev watchEvent) {
	switch ev.Type {
	case "pending_requests":
		w.registry.Clear()
		for _, r := range ev.Requests {
			w.registry.Add(toPending(r))
		}
		w.log.Debug("Pending requests snapshot applied", zap.Int("count", len(ev.Requests)))

	case "new_request":
		if ev.Request == nil {
			return
		}
		w.registry.Add(toPending(*ev.Request))
		w.log.Info("New pending request",
			zap.String("request_id", ev.Request.ID),
			zap.String("method", ev.Request.Method))

	case "status_update":
		if ev.Request == nil {
			return
		}
		w.registry.Update(toPending(*ev.Request))

	case "expired":
		if ev.Request == nil {
			return
		}
		w.registry.MarkExpired(ev.Request.ID)
		w.log.Debug("Pending request expired", zap.String("request_id", ev.Request.ID))

	case "heartbeat":

	default:
		w.log.Debug("Unknown watch event", zap.String("type", ev.Type))
	}
}

func toPending(r watchRequest) tonconnect.PendingRequest {
	status := tonconnect.RequestStatus(r.Status)
	if status == "" {
		status = tonconnect.StatusPending
	}
	return tonconnect.PendingRequest{
		ID:       r.ID,
		From:     r.From,
		Endpoint: r.Endpoint,
		Method:   r.Method,
		Params:   r.Params,
		Status:   status,
	}
}

func (w *Watcher) closeConn() {
	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()
	if conn != nil {
		deadline := time.Now().Add(constants.BridgeWriteDeadline)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		conn.Close()
	}
}
