package notify

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"gonets/internal/content"
	"gonets/internal/models"
	"gonets/internal/session"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// Sender delivers one rendered notification to one subscription and reports
// the delivery status code.
type Sender interface {
	Send(payload []byte, sub session.DBSubscription) (int, error)
}

// WebPushSender delivers notifications through the web-push protocol.
type WebPushSender struct {
	opts webpush.Options
}

func NewWebPushSender(subscriber, vapidPublicKey, vapidPrivateKey string, ttl time.Duration) *WebPushSender {
	return &WebPushSender{
		opts: webpush.Options{
			Subscriber:      subscriber,
			VAPIDPublicKey:  vapidPublicKey,
			VAPIDPrivateKey: vapidPrivateKey,
			TTL:             int(ttl.Seconds()),
		},
	}
}

func (s *WebPushSender) Send(payload []byte, sub session.DBSubscription) (int, error) {
	resp, err := webpush.SendNotification(payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			Auth:   sub.Auth,
			P256dh: sub.P256dh,
		},
	}, &s.opts)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode, nil
}

type subscriptionStore interface {
	ListSubscriptions() ([]session.DBSubscription, error)
	DeleteSubscription(endpoint string) error
}

// Notification is the payload the subscribed user agent renders.
type Notification struct {
	Title          string `json:"title"`
	Body           string `json:"body"`
	Icon           string `json:"icon,omitempty"`
	ConversationID string `json:"conversationId"`
}

type Config struct {
	Self   models.User
	Store  subscriptionStore
	Sender Sender
	// Focused returns the conversation the user is currently looking at;
	// messages for it do not notify.
	Focused func() string
	Logger  *slog.Logger
}

// Bridge surfaces incoming messages as push notifications when the user is
// not looking at the relevant conversation.
type Bridge struct {
	cfg Config
	log *slog.Logger
}

func NewBridge(cfg Config) *Bridge {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bridge{cfg: cfg, log: cfg.Logger}
}

// HandleMessageEvent consumes new_message pushes. Self-authored messages
// and messages for the focused conversation are skipped.
func (b *Bridge) HandleMessageEvent(ev models.Event) {
	push, ok := ev.(*models.NewMessageEvent)
	if !ok {
		b.log.Warn("notification bridge received unexpected event", "event", ev)
		return
	}

	msg := push.Message
	if msg.SenderID == b.cfg.Self.ID {
		return
	}
	if b.cfg.Focused != nil && b.cfg.Focused() == msg.ConversationID {
		return
	}

	title := msg.SenderName
	if title == "" {
		title = "New message"
	}
	body := content.PlainText(msg.Content)
	if msg.Type == models.MessageTypeFile && msg.FileName != "" {
		body = msg.FileName
	}

	payload, err := json.Marshal(Notification{
		Title:          title,
		Body:           body,
		ConversationID: msg.ConversationID,
	})
	if err != nil {
		b.log.Error("failed to marshal notification", "error", err)
		return
	}

	subs, err := b.cfg.Store.ListSubscriptions()
	if err != nil {
		b.log.Error("failed to list push subscriptions", "error", err)
		return
	}

	for _, sub := range subs {
		status, err := b.cfg.Sender.Send(payload, sub)
		if err != nil {
			b.log.Warn("push delivery failed", "endpoint", sub.Endpoint, "error", err)
			continue
		}
		// The push service reports dead subscriptions; drop them.
		if status == http.StatusNotFound || status == http.StatusGone {
			if err := b.cfg.Store.DeleteSubscription(sub.Endpoint); err != nil {
				b.log.Warn("failed to prune subscription", "endpoint", sub.Endpoint, "error", err)
			}
		}
	}
}
