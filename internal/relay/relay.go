package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"gonets/internal/api"
	"gonets/internal/cache"
	"gonets/internal/channel"
	"gonets/internal/config"
	"gonets/internal/dispatch"
	"gonets/internal/models"
	"gonets/internal/notify"
	"gonets/internal/presence"
	"gonets/internal/session"
	"gonets/internal/typing"
)

// Client is the composition root of the relay core. It is built explicitly
// on session start and torn down on logout; nothing in this module lives in
// package-level state.
type Client struct {
	user models.User
	log  *slog.Logger

	store *session.Store

	Channel    *channel.Manager
	Presence   *presence.Tracker
	Typing     *typing.Manager
	Cache      *cache.Cache
	Dispatcher *dispatch.Dispatcher

	bridge       *notify.Bridge
	unsubscribes []func()
	closeOnce    sync.Once
}

// New wires all components for the stored authenticated session.
// Returns models.ErrNotFound when no session is stored.
func New(ctx context.Context, cfg *config.Config, store *session.Store, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}

	user, _, err := store.Session()
	if err != nil {
		return nil, fmt.Errorf("no usable session: %w", err)
	}

	apiClient := api.New(cfg.BaseURL, store)

	ch := channel.NewManager(channel.Config{
		BaseURL:          cfg.BaseURL,
		Tokens:           store,
		PresenceInterval: cfg.PresenceInterval,
		SettleDelay:      cfg.SettleDelay,
		ReconnectDelay:   cfg.ReconnectDelay,
		Logger:           log,
	})

	tracker := presence.NewTracker(user.ID, ch.Connected, log)

	// The cache resets the typing badge on conversation switch, and the
	// typing manager scopes inbound events to the cache's active
	// conversation; the indirection below breaks the construction cycle.
	var typingManager *typing.Manager

	conversationCache := cache.New(cache.Config{
		Self:         user,
		API:          apiClient,
		Channel:      ch,
		HistoryLimit: cfg.HistoryLimit,
		Logger:       log,
		OnActiveChange: func(string) {
			if typingManager != nil {
				typingManager.Reset()
			}
		},
		OnSessionExpired: func() {
			log.Warn("session expired, clearing stored token")
			if err := store.ClearSession(); err != nil {
				log.Error("failed to clear session", "error", err)
			}
			ch.Disconnect()
		},
	})

	typingManager = typing.NewManager(ctx, typing.Config{
		Self:   user,
		Expiry: cfg.TypingExpiry,
		Active: conversationCache.ActiveConversationID,
		Sender: ch,
		Logger: log,
	})

	dispatcher := dispatch.New(user, ch, log)

	c := &Client{
		user:       user,
		log:        log,
		store:      store,
		Channel:    ch,
		Presence:   tracker,
		Typing:     typingManager,
		Cache:      conversationCache,
		Dispatcher: dispatcher,
	}

	if cfg.VAPIDPublicKey != "" {
		if err := c.setupNotifications(cfg); err != nil {
			return nil, err
		}
	}

	c.subscribe()
	return c, nil
}

func (c *Client) setupNotifications(cfg *config.Config) error {
	if cfg.PushSubscription != "" {
		var sub struct {
			Endpoint string `json:"endpoint"`
			Keys     struct {
				Auth   string `json:"auth"`
				P256dh string `json:"p256dh"`
			} `json:"keys"`
		}
		if err := json.Unmarshal([]byte(cfg.PushSubscription), &sub); err != nil {
			return fmt.Errorf("invalid PUSH_SUBSCRIPTION: %w", err)
		}
		if err := c.store.UpsertSubscription(session.DBSubscription{
			Endpoint: sub.Endpoint,
			Auth:     sub.Keys.Auth,
			P256dh:   sub.Keys.P256dh,
		}); err != nil {
			return fmt.Errorf("failed to store push subscription: %w", err)
		}
	}

	c.bridge = notify.NewBridge(notify.Config{
		Self:    c.user,
		Store:   c.store,
		Sender:  notify.NewWebPushSender(cfg.PushSubscriber, cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, cfg.NotificationTTL),
		Focused: c.Cache.ActiveConversationID,
		Logger:  c.log,
	})
	return nil
}

func (c *Client) subscribe() {
	c.unsubscribes = append(c.unsubscribes,
		c.Channel.OnEvent(models.EventOnlineUsers, c.Presence.HandleEvent),
		c.Channel.OnEvent(models.EventNewMessage, c.Cache.HandleMessageEvent),
		c.Channel.OnEvent(models.EventUserTyping, c.Typing.HandleEvent),
		c.Channel.OnEvent(models.EventMessageError, c.Dispatcher.HandleErrorEvent),
	)
	if c.bridge != nil {
		c.unsubscribes = append(c.unsubscribes,
			c.Channel.OnEvent(models.EventNewMessage, c.bridge.HandleMessageEvent),
		)
	}
}

// User returns the authenticated user this client was built for.
func (c *Client) User() models.User {
	return c.user
}

// Run connects the channel, primes the conversation list, and blocks until
// the context ends. A failed initial dial is not fatal: the channel retries
// and the client keeps serving cached state meanwhile.
func (c *Client) Run(ctx context.Context) error {
	if err := c.Channel.Connect(ctx, c.user); err != nil {
		c.log.Warn("initial connect failed, retry scheduled", "error", err)
	}
	if err := c.Cache.RefreshConversations(ctx); err != nil {
		c.log.Warn("initial conversation refresh failed", "error", err)
	}

	<-ctx.Done()
	c.Close()
	return ctx.Err()
}

// Close deterministically unsubscribes all handlers and tears the channel
// down. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		for _, unsubscribe := range c.unsubscribes {
			unsubscribe()
		}
		c.unsubscribes = nil
		c.Channel.Disconnect()
	})
}
