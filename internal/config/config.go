package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	BaseURL          string
	DBFile           string
	SealSecret       string
	PresenceInterval time.Duration
	TypingExpiry     time.Duration
	ReconnectDelay   time.Duration
	SettleDelay      time.Duration
	NotificationTTL  time.Duration
	HistoryLimit     int

	// Web-push delivery. Optional: with no VAPID keys the notification
	// bridge is disabled and everything else still works.
	VAPIDPublicKey   string
	VAPIDPrivateKey  string
	PushSubscriber   string
	PushSubscription string
}

func Load() (*Config, error) {
	presenceInterval, err := time.ParseDuration(getEnv("PRESENCE_INTERVAL", "30s"))
	if err != nil {
		return nil, fmt.Errorf("invalid PRESENCE_INTERVAL: %w", err)
	}
	typingExpiry, err := time.ParseDuration(getEnv("TYPING_EXPIRY", "2s"))
	if err != nil {
		return nil, fmt.Errorf("invalid TYPING_EXPIRY: %w", err)
	}
	reconnectDelay, err := time.ParseDuration(getEnv("RECONNECT_DELAY", "5s"))
	if err != nil {
		return nil, fmt.Errorf("invalid RECONNECT_DELAY: %w", err)
	}
	settleDelay, err := time.ParseDuration(getEnv("SETTLE_DELAY", "500ms"))
	if err != nil {
		return nil, fmt.Errorf("invalid SETTLE_DELAY: %w", err)
	}
	notificationTTL, err := time.ParseDuration(getEnv("NOTIFICATION_TTL", "30s"))
	if err != nil {
		return nil, fmt.Errorf("invalid NOTIFICATION_TTL: %w", err)
	}
	historyLimit, err := strconv.Atoi(getEnv("HISTORY_LIMIT", "200"))
	if err != nil {
		return nil, fmt.Errorf("invalid HISTORY_LIMIT: %w", err)
	}

	cfg := &Config{
		BaseURL:          getEnv("BASE_URL", "http://localhost:8080"),
		DBFile:           getEnv("GONETS_DB", "gonets.db"),
		SealSecret:       os.Getenv("GONETS_SECRET"),
		PresenceInterval: presenceInterval,
		TypingExpiry:     typingExpiry,
		ReconnectDelay:   reconnectDelay,
		SettleDelay:      settleDelay,
		NotificationTTL:  notificationTTL,
		HistoryLimit:     historyLimit,
		VAPIDPublicKey:   os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey:  os.Getenv("VAPID_PRIVATE_KEY"),
		PushSubscriber:   os.Getenv("PUSH_SUBSCRIBER"),
		PushSubscription: os.Getenv("PUSH_SUBSCRIPTION"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.SealSecret == "" {
		return fmt.Errorf("GONETS_SECRET is required")
	}
	if c.PresenceInterval <= 0 {
		return fmt.Errorf("PRESENCE_INTERVAL must be greater than 0")
	}
	if c.TypingExpiry <= 0 {
		return fmt.Errorf("TYPING_EXPIRY must be greater than 0")
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("HISTORY_LIMIT must be greater than 0")
	}
	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return fmt.Errorf("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
