package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"gonets/internal/api"
	"gonets/internal/content"
	"gonets/internal/models"

	"github.com/c-pro/geche"
	"golang.org/x/sync/singleflight"
)

type conversationAPI interface {
	Conversations(ctx context.Context) ([]models.Conversation, error)
	Messages(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
	CreateConversation(ctx context.Context, req api.CreateConversationRequest) (models.Conversation, error)
	MarkRead(ctx context.Context, conversationID string) error
}

type channelManager interface {
	Send(t models.EventType, payload any) error
	Connected() bool
	OnceConnected(fn func())
}

type Config struct {
	Self         models.User
	API          conversationAPI
	Channel      channelManager
	HistoryLimit int
	Logger       *slog.Logger

	// OnActiveChange fires after the active conversation switches; the
	// typing manager hangs its reset off it.
	OnActiveChange func(conversationID string)
	// OnSessionExpired fires when conversation creation hits a 401; the
	// relay clears the stored token there.
	OnSessionExpired func()
}

// Cache is the client-side store of conversation summaries plus the message
// history of the one active conversation. It is fed by both the pull path
// (HTTP) and the push path (channel events).
type Cache struct {
	cfg Config
	log *slog.Logger

	sf singleflight.Group

	mu            sync.RWMutex
	conversations []models.Conversation
	active        *models.Conversation
	messages      []models.Message

	// Message ids already present locally. Reconnect replay can deliver
	// the same push twice; the index keeps the append idempotent.
	seen geche.Geche[string, struct{}]
}

func New(cfg Config) *Cache {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Cache{
		cfg:  cfg,
		log:  cfg.Logger,
		seen: geche.NewMapCache[string, struct{}](),
	}
}

// RefreshConversations pulls the full conversation list and replaces the
// local one wholesale. Concurrent calls collapse into a single request.
// Auth failures are logged and swallowed: a background refresh must never
// take the relay down.
func (c *Cache) RefreshConversations(ctx context.Context) error {
	_, err, _ := c.sf.Do("conversations", func() (any, error) {
		conversations, err := c.cfg.API.Conversations(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.conversations = conversations
		c.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		if errors.Is(err, models.ErrSessionExpired) || errors.Is(err, models.ErrNotFound) {
			c.log.Warn("conversation refresh skipped", "error", err)
			return nil
		}
		return fmt.Errorf("failed to refresh conversations: %w", err)
	}
	return nil
}

// SetActiveConversation switches the active conversation (nil deactivates).
// The previous history is discarded, the new history is pulled (the API
// returns newest-first; the cache keeps oldest-first), and the conversation
// room is joined for live updates. If the channel is not connected yet the
// room join rides on a one-shot connected hook instead of being dropped.
func (c *Cache) SetActiveConversation(ctx context.Context, conv *models.Conversation) error {
	c.mu.Lock()
	c.active = conv
	c.messages = nil
	c.seen = geche.NewMapCache[string, struct{}]()
	c.mu.Unlock()

	if c.cfg.OnActiveChange != nil {
		id := ""
		if conv != nil {
			id = conv.ID
		}
		c.cfg.OnActiveChange(id)
	}

	if conv == nil {
		return nil
	}

	conversationID := conv.ID
	c.joinRoom(conversationID)

	history, err := c.cfg.API.Messages(ctx, conversationID, c.cfg.HistoryLimit)
	if err != nil {
		return fmt.Errorf("failed to load history for %s: %w", conversationID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Guard-based cancellation: a slow response for a conversation the
	// user has navigated away from must not land.
	if c.active == nil || c.active.ID != conversationID {
		return nil
	}

	c.messages = make([]models.Message, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		msg.Content = content.Sanitize(msg.Content)
		c.messages = append(c.messages, msg)
		c.seen.Set(msg.ID, struct{}{})
	}
	return nil
}

func (c *Cache) joinRoom(conversationID string) {
	join := func() {
		if err := c.cfg.Channel.Send(models.CommandJoinConversation, models.JoinConversationCommand{
			ConversationID: conversationID,
		}); err != nil {
			c.log.Warn("room join not sent", "conversation_id", conversationID, "error", err)
		}
	}

	if c.cfg.Channel.Connected() {
		join()
		return
	}
	c.cfg.Channel.OnceConnected(func() {
		// The user may have moved on while we waited for the channel.
		c.mu.RLock()
		stillActive := c.active != nil && c.active.ID == conversationID
		c.mu.RUnlock()
		if stillActive {
			join()
		}
	})
}

// HandleMessageEvent consumes new_message pushes. The message is appended
// only when it belongs to the active conversation and its id is unseen;
// every push additionally triggers a conversation list refresh so ordering,
// last message and unread badges stay current.
func (c *Cache) HandleMessageEvent(ev models.Event) {
	push, ok := ev.(*models.NewMessageEvent)
	if !ok {
		c.log.Warn("cache received unexpected event", "event", ev)
		return
	}

	msg := push.Message
	msg.Content = content.Sanitize(msg.Content)

	c.mu.Lock()
	if c.active != nil && c.active.ID == msg.ConversationID {
		if _, err := c.seen.Get(msg.ID); err != nil {
			c.messages = append(c.messages, msg)
			c.seen.Set(msg.ID, struct{}{})
		}
	}
	c.mu.Unlock()

	go func() {
		if err := c.RefreshConversations(context.Background()); err != nil {
			c.log.Warn("push-triggered refresh failed", "error", err)
		}
	}()
}

// CreateConversation creates (or fetches) a conversation and promotes it to
// active: it is prepended to the local list when absent, so a later refresh
// returning the same conversation cannot duplicate it. A 401 clears the
// stored session and is re-thrown to the caller.
func (c *Cache) CreateConversation(ctx context.Context, req api.CreateConversationRequest) (models.Conversation, error) {
	conv, err := c.cfg.API.CreateConversation(ctx, req)
	if err != nil {
		if errors.Is(err, models.ErrSessionExpired) && c.cfg.OnSessionExpired != nil {
			c.cfg.OnSessionExpired()
		}
		return models.Conversation{}, err
	}

	c.mu.Lock()
	exists := false
	for _, existing := range c.conversations {
		if existing.ID == conv.ID {
			exists = true
			break
		}
	}
	if !exists {
		c.conversations = append([]models.Conversation{conv}, c.conversations...)
	}
	c.mu.Unlock()

	if err := c.SetActiveConversation(ctx, &conv); err != nil {
		c.log.Warn("failed to activate created conversation", "conversation_id", conv.ID, "error", err)
	}
	return conv, nil
}

// MarkAsRead is a fire-and-forget notification; local read flags are left
// alone and reconciled by the next refresh or push. When the channel is
// down the notification falls back to the HTTP endpoint.
func (c *Cache) MarkAsRead(conversationID string) {
	err := c.cfg.Channel.Send(models.CommandMarkRead, models.MarkReadCommand{
		ConversationID: conversationID,
		UserID:         c.cfg.Self.ID,
	})
	if err == nil {
		return
	}

	c.log.Warn("mark-read not sent over channel, falling back to HTTP",
		"conversation_id", conversationID, "error", err)
	go func() {
		if err := c.cfg.API.MarkRead(context.Background(), conversationID); err != nil {
			c.log.Warn("mark-read fallback failed", "conversation_id", conversationID, "error", err)
		}
	}()
}

// Conversations returns a copy of the conversation list in the order the
// last refresh returned it.
func (c *Cache) Conversations() []models.Conversation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Conversation, len(c.conversations))
	copy(out, c.conversations)
	return out
}

// ActiveConversation returns the active conversation, or nil.
func (c *Cache) ActiveConversation() *models.Conversation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.active == nil {
		return nil
	}
	conv := *c.active
	return &conv
}

// ActiveConversationID returns the active conversation id, empty when none.
func (c *Cache) ActiveConversationID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.active == nil {
		return ""
	}
	return c.active.ID
}

// Messages returns a copy of the active conversation's messages,
// oldest first.
func (c *Cache) Messages() []models.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Message, len(c.messages))
	copy(out, c.messages)
	return out
}
