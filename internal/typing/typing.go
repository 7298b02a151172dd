package typing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"gonets/internal/models"

	"github.com/c-pro/geche"
)

type commandSender interface {
	Send(t models.EventType, payload any) error
}

type Config struct {
	Self   models.User
	Expiry time.Duration
	// Active returns the id of the active conversation, empty when none.
	Active func() string
	Sender commandSender
	Logger *slog.Logger
}

// Manager tracks the ephemeral "is typing" state of the active conversation
// and announces this user's own typing over the channel.
//
// Remote typists live in a TTL cache with the same expiry as the local
// inactivity timeout, so a lost stop event cannot wedge a typing badge.
type Manager struct {
	cfg Config
	log *slog.Logger

	// userID -> display name, active conversation only.
	typists geche.Geche[string, string]

	mu        sync.Mutex
	timer     *time.Timer
	armedConv string
}

func NewManager(ctx context.Context, cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		log:     cfg.Logger,
		typists: geche.NewMapTTLCache[string, string](ctx, cfg.Expiry, cfg.Expiry),
	}
}

// Start announces that this user is typing and arms the inactivity timer.
// Calls are announced directly, without rate limiting; debouncing keystrokes
// is the caller's job. Repeated calls re-arm the timer, and the automatic
// stop fires at most once per armed period.
func (m *Manager) Start(conversationID string) {
	m.mu.Lock()
	if m.armedConv != "" && m.armedConv != conversationID {
		// Switched conversations mid-typing; close out the old one.
		m.stopLocked()
	}

	m.armedConv = conversationID
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.cfg.Expiry, m.expire)
	m.mu.Unlock()

	if err := m.cfg.Sender.Send(models.CommandTypingStart, models.TypingCommand{
		ConversationID: conversationID,
		UserID:         m.cfg.Self.ID,
		UserName:       m.cfg.Self.DisplayName,
	}); err != nil {
		m.log.Warn("typing start not sent", "conversation_id", conversationID, "error", err)
	}
}

// Stop announces that this user stopped typing and disarms the timer.
// Callers invoke it on send; it is also safe to call when not typing.
func (m *Manager) Stop(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.armedConv != conversationID {
		return
	}
	m.stopLocked()
}

func (m *Manager) stopLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	conversationID := m.armedConv
	m.armedConv = ""

	if err := m.cfg.Sender.Send(models.CommandTypingStop, models.TypingCommand{
		ConversationID: conversationID,
		UserID:         m.cfg.Self.ID,
	}); err != nil {
		m.log.Warn("typing stop not sent", "conversation_id", conversationID, "error", err)
	}
}

func (m *Manager) expire() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.armedConv == "" {
		return
	}
	m.timer = nil
	m.stopLocked()
}

// HandleEvent consumes user_typing pushes. Events for conversations other
// than the active one are dropped: there is no typing badge for background
// conversations.
func (m *Manager) HandleEvent(ev models.Event) {
	typing, ok := ev.(*models.UserTypingEvent)
	if !ok {
		m.log.Warn("typing manager received unexpected event", "event", ev)
		return
	}
	if typing.ConversationID != m.cfg.Active() {
		return
	}
	if typing.UserID == m.cfg.Self.ID {
		return
	}

	if typing.IsTyping {
		m.typists.Set(typing.UserID, typing.UserName)
	} else {
		_ = m.typists.Del(typing.UserID)
	}
}

// Typists returns userID -> display name for everyone currently typing in
// the active conversation.
func (m *Manager) Typists() map[string]string {
	return m.typists.Snapshot()
}

// Reset drops all typist entries. The cache calls it when the active
// conversation changes.
func (m *Manager) Reset() {
	for userID := range m.typists.Snapshot() {
		_ = m.typists.Del(userID)
	}
}
