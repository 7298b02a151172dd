package channel

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"gonets/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusDisconnected Status = "disconnected"
)

type wsConn interface {
	Close() error
	WriteJSON(v any) error
	ReadJSON(v any) error
}

// Dialer opens the websocket. Production uses GorillaDialer; tests inject
// their own.
type Dialer func(ctx context.Context, url string, header http.Header) (wsConn, error)

func GorillaDialer(ctx context.Context, url string, header http.Header) (wsConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// TokenSource supplies the bearer token for the channel handshake.
type TokenSource interface {
	Token() (string, error)
}

type Config struct {
	BaseURL          string
	Tokens           TokenSource
	Dial             Dialer
	PresenceInterval time.Duration
	SettleDelay      time.Duration
	ReconnectDelay   time.Duration
	Logger           *slog.Logger
}

// Manager owns the single channel to the messaging server. No other
// component holds the raw connection; they emit and subscribe through the
// manager.
type Manager struct {
	cfg Config
	log *slog.Logger

	mu         sync.Mutex
	conn       wsConn
	connID     string
	user       models.User
	status     Status
	lastErr    error
	closing    bool
	retryArmed bool
	done       chan struct{}

	writeMu sync.Mutex

	handlerMu     sync.Mutex
	nextHandlerID int
	handlers      map[models.EventType]map[int]func(models.Event)
	onceConnected []func()
}

func NewManager(cfg Config) *Manager {
	if cfg.Dial == nil {
		cfg.Dial = GorillaDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		log:      cfg.Logger,
		status:   StatusIdle,
		handlers: make(map[models.EventType]map[int]func(models.Event)),
	}
}

// Connect opens the channel for the authenticated user. At most one live
// channel exists at a time: calling Connect while one is open replaces it.
// Dial failures are non-fatal; they are logged, reflected in Status, and a
// single retry is scheduled.
func (m *Manager) Connect(ctx context.Context, user models.User) error {
	m.mu.Lock()
	if m.conn != nil {
		m.teardownLocked()
	}
	m.closing = false
	m.user = user
	m.status = StatusConnecting
	m.mu.Unlock()

	header := http.Header{}
	if m.cfg.Tokens != nil {
		token, err := m.cfg.Tokens.Token()
		if err != nil {
			m.log.Error("channel connect: no auth token", "error", err)
			m.setStatus(StatusDisconnected, err)
			return err
		}
		header.Set("token", token)
	}

	url := wsURL(m.cfg.BaseURL)
	conn, err := m.cfg.Dial(ctx, url, header)
	if err != nil {
		m.log.Error("channel connect failed",
			"url", url,
			"transport", "websocket",
			"error", err,
		)
		m.setStatus(StatusDisconnected, err)
		m.scheduleRetry()
		return fmt.Errorf("failed to dial %s: %w", url, err)
	}

	m.mu.Lock()
	m.conn = conn
	m.connID = uuid.NewString()
	m.status = StatusConnected
	m.lastErr = nil
	m.retryArmed = false
	m.done = make(chan struct{})
	done := m.done
	connID := m.connID
	m.mu.Unlock()

	m.log.Info("channel connected", "connection_id", connID, "url", url)

	// Announce identity right away; presence snapshot and self-online
	// announcement wait for server-side room joins to settle.
	if err := m.Send(models.CommandRegister, models.RegisterCommand{UserID: user.ID}); err != nil {
		m.log.Error("failed to register on channel", "error", err)
	}
	time.AfterFunc(m.cfg.SettleDelay, func() {
		select {
		case <-done:
			return
		default:
		}
		m.refreshPresence()
	})

	go m.readLoop(conn, done)
	go m.presenceLoop(done)

	m.runConnectedHooks()

	return nil
}

// Disconnect tears the channel down. Safe to call when already disconnected.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closing = true
	m.teardownLocked()
	m.status = StatusDisconnected
}

func (m *Manager) teardownLocked() {
	if m.done != nil {
		close(m.done)
		m.done = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.connID = ""
}

func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status == StatusConnected
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// ConnectionID returns the opaque id of the current channel, empty when
// disconnected.
func (m *Manager) ConnectionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connID
}

// Send emits one command frame over the channel.
func (m *Manager) Send(t models.EventType, payload any) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.status == StatusConnected
	m.mu.Unlock()

	if !connected || conn == nil {
		return models.ErrNotConnected
	}

	frame, err := models.NewFrame(t, payload)
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("failed to send %s: %w", t, err)
	}
	return nil
}

// OnEvent registers a handler for one event type and returns its
// unsubscribe function.
func (m *Manager) OnEvent(t models.EventType, handler func(models.Event)) func() {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()

	if m.handlers[t] == nil {
		m.handlers[t] = make(map[int]func(models.Event))
	}
	id := m.nextHandlerID
	m.nextHandlerID++
	m.handlers[t][id] = handler

	return func() {
		m.handlerMu.Lock()
		defer m.handlerMu.Unlock()
		delete(m.handlers[t], id)
	}
}

// OnceConnected runs fn as soon as the channel is connected: immediately if
// it already is, otherwise once on the next successful connect.
func (m *Manager) OnceConnected(fn func()) {
	m.mu.Lock()
	connected := m.status == StatusConnected
	if !connected {
		m.handlerMu.Lock()
		m.onceConnected = append(m.onceConnected, fn)
		m.handlerMu.Unlock()
	}
	m.mu.Unlock()

	if connected {
		fn()
	}
}

func (m *Manager) runConnectedHooks() {
	m.handlerMu.Lock()
	hooks := m.onceConnected
	m.onceConnected = nil
	m.handlerMu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

func (m *Manager) readLoop(conn wsConn, done chan struct{}) {
	for {
		var frame models.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			select {
			case <-done:
				// Deliberate teardown.
				return
			default:
			}

			m.log.Error("channel read failed",
				"transport", "websocket",
				"url", wsURL(m.cfg.BaseURL),
				"error", err,
			)
			m.setStatus(StatusReconnecting, err)
			m.mu.Lock()
			m.teardownLocked()
			m.mu.Unlock()
			m.scheduleRetry()
			return
		}

		m.dispatch(frame)
	}
}

func (m *Manager) dispatch(frame models.Frame) {
	ev, err := models.DecodeEvent(frame)
	if err != nil {
		// Externally controlled data: reject and keep the loop alive.
		m.log.Warn("dropping malformed event", "type", frame.Type, "error", err)
		return
	}

	m.handlerMu.Lock()
	handlers := make([]func(models.Event), 0, len(m.handlers[frame.Type]))
	for _, h := range m.handlers[frame.Type] {
		handlers = append(handlers, h)
	}
	m.handlerMu.Unlock()

	for _, h := range handlers {
		m.safeHandle(frame.Type, h, ev)
	}
}

func (m *Manager) safeHandle(t models.EventType, h func(models.Event), ev models.Event) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("event handler panicked", "type", t, "panic", r)
		}
	}()
	h(ev)
}

// presenceLoop periodically re-requests the presence snapshot and
// re-announces this user. Some deployments silently drop presence state
// without telling clients; the refresh paper over that.
func (m *Manager) presenceLoop(done chan struct{}) {
	ticker := time.NewTicker(m.cfg.PresenceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.refreshPresence()
		case <-done:
			return
		}
	}
}

func (m *Manager) refreshPresence() {
	m.mu.Lock()
	user := m.user
	m.mu.Unlock()

	if err := m.Send(models.CommandOnlineUsers, struct{}{}); err != nil {
		m.log.Warn("presence snapshot request failed", "error", err)
		return
	}
	if err := m.Send(models.CommandAnnounceOnline, models.AnnounceOnlineCommand{UserID: user.ID}); err != nil {
		m.log.Warn("online announcement failed", "error", err)
	}
}

// scheduleRetry arms one delayed reconnect attempt at a time. The flag
// drops when the attempt fires, so a failed attempt arms the next one and
// retries continue until a connect succeeds or Disconnect is called.
func (m *Manager) scheduleRetry() {
	m.mu.Lock()
	if m.closing || m.retryArmed {
		m.mu.Unlock()
		return
	}
	m.retryArmed = true
	user := m.user
	m.mu.Unlock()

	time.AfterFunc(m.cfg.ReconnectDelay, func() {
		m.mu.Lock()
		m.retryArmed = false
		closing := m.closing
		m.mu.Unlock()
		if closing {
			return
		}
		if err := m.Connect(context.Background(), user); err != nil {
			m.log.Error("channel retry failed", "error", err)
		}
	})
}

func (m *Manager) setStatus(s Status, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = s
	m.lastErr = err
}

func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return strings.TrimSuffix(base, "/") + "/ws"
}
