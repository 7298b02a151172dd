package session

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gonets/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

func newTestStore(t *testing.T, secret string) *Store {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "session_test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })

	store, err := NewStore(filepath.Join(tmpDir, "test.db"), secret)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore(t *testing.T) {
	store := newTestStore(t, "test-secret")

	t.Run("NoSession", func(t *testing.T) {
		_, _, err := store.Session()
		if !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("RoundTrip", func(t *testing.T) {
		user := models.User{ID: "u1", DisplayName: "Alice", AvatarURL: "http://a/img.png"}
		if err := store.SaveSession(user, "opaque-token"); err != nil {
			t.Fatalf("SaveSession failed: %v", err)
		}

		got, token, err := store.Session()
		if err != nil {
			t.Fatalf("Session failed: %v", err)
		}
		if got != user {
			t.Errorf("expected user %+v, got %+v", user, got)
		}
		if token != "opaque-token" {
			t.Errorf("expected token to round-trip, got %q", token)
		}
	})

	t.Run("Clear", func(t *testing.T) {
		if err := store.ClearSession(); err != nil {
			t.Fatalf("ClearSession failed: %v", err)
		}
		if _, err := store.Token(); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound after clear, got %v", err)
		}
	})
}

func TestStore_WrongSecret(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "session_test")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewStore(dbPath, "secret-one")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := store.SaveSession(models.User{ID: "u1"}, "tok"); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Same db, different secret: the sealed token must not open.
	store, err = NewStore(dbPath, "secret-two")
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer func() { _ = store.Close() }()

	if _, _, err := store.Session(); err == nil {
		t.Error("expected unseal failure with the wrong secret")
	}
}

func TestStore_ExpiredJWT(t *testing.T) {
	store := newTestStore(t, "test-secret")

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	}).SignedString([]byte("server-side-key"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	if err := store.SaveSession(models.User{ID: "u1"}, expired); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	if _, _, err := store.Session(); !errors.Is(err, models.ErrSessionExpired) {
		t.Errorf("expected ErrSessionExpired, got %v", err)
	}

	// The expired session is cleared on detection.
	if _, _, err := store.Session(); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound after expiry cleanup, got %v", err)
	}
}

func TestStore_Subscriptions(t *testing.T) {
	store := newTestStore(t, "test-secret")

	sub := DBSubscription{Endpoint: "https://push.example/abc", Auth: "a", P256dh: "p"}
	if err := store.UpsertSubscription(sub); err != nil {
		t.Fatalf("UpsertSubscription failed: %v", err)
	}

	subs, err := store.ListSubscriptions()
	if err != nil {
		t.Fatalf("ListSubscriptions failed: %v", err)
	}
	if len(subs) != 1 || subs[0] != sub {
		t.Errorf("expected [%+v], got %+v", sub, subs)
	}

	if err := store.DeleteSubscription(sub.Endpoint); err != nil {
		t.Fatalf("DeleteSubscription failed: %v", err)
	}
	subs, err = store.ListSubscriptions()
	if err != nil {
		t.Fatalf("ListSubscriptions failed: %v", err)
	}
	if len(subs) != 0 {
		t.Errorf("expected empty list after delete, got %+v", subs)
	}
}
