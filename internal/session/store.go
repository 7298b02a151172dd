package session

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"gonets/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"go.etcd.io/bbolt"
	"golang.org/x/crypto/nacl/secretbox"
)

var (
	bucketSession       = []byte("session")
	bucketSubscriptions = []byte("subscriptions")
)

// Store keeps the authenticated session on disk between runs. The bearer
// token is sealed with a key derived from the configured secret, so a copied
// database file alone is not enough to impersonate the user.
type Store struct {
	db  *bbolt.DB
	key [32]byte
	now func() time.Time
}

func NewStore(path, secret string) (*Store, error) {
	if secret == "" {
		return nil, errors.New("seal secret is required")
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSession); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketSubscriptions); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &Store{
		db:  db,
		key: sha256.Sum256([]byte(secret)),
		now: time.Now,
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSession stores the authenticated user and their sealed bearer token.
func (s *Store) SaveSession(user models.User, token string) error {
	sealed, err := s.seal([]byte(token))
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSession)
		dbSession := &DBSession{
			UserID:      user.ID,
			DisplayName: user.DisplayName,
			AvatarURL:   user.AvatarURL,
			Token:       sealed,
			SavedAt:     s.now().Unix(),
		}
		data, err := dbSession.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbSession.Key(), data)
	})
}

// Session returns the stored user and unsealed token.
// Returns models.ErrNotFound when no session is stored and
// models.ErrSessionExpired when the token is JWT-shaped and past its exp
// claim; the expired session is cleared on the way out.
func (s *Store) Session() (models.User, string, error) {
	var dbSession DBSession
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSession).Get((&DBSession{}).Key())
		if data == nil {
			return models.ErrNotFound
		}
		return dbSession.UnmarshalBinary(data)
	})
	if err != nil {
		return models.User{}, "", err
	}

	token, err := s.open(dbSession.Token)
	if err != nil {
		return models.User{}, "", fmt.Errorf("failed to unseal token: %w", err)
	}

	if tokenExpired(string(token), s.now()) {
		_ = s.ClearSession()
		return models.User{}, "", models.ErrSessionExpired
	}

	return models.User{
		ID:          dbSession.UserID,
		DisplayName: dbSession.DisplayName,
		AvatarURL:   dbSession.AvatarURL,
	}, string(token), nil
}

// Token returns just the unsealed bearer token.
func (s *Store) Token() (string, error) {
	_, token, err := s.Session()
	return token, err
}

func (s *Store) ClearSession() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSession).Delete((&DBSession{}).Key())
	})
}

// UpsertSubscription stores a web-push subscription for the notification bridge.
func (s *Store) UpsertSubscription(sub DBSubscription) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSubscriptions)
		data, err := sub.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(sub.Key(), data)
	})
}

func (s *Store) DeleteSubscription(endpoint string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSubscriptions).Delete([]byte(endpoint))
	})
}

func (s *Store) ListSubscriptions() ([]DBSubscription, error) {
	var subs []DBSubscription
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSubscriptions)
		return b.ForEach(func(k, v []byte) error {
			var sub DBSubscription
			if err := sub.UnmarshalBinary(v); err != nil {
				return err
			}
			subs = append(subs, sub)
			return nil
		})
	})
	return subs, err
}

func (s *Store) seal(plaintext []byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &s.key), nil
}

func (s *Store) open(sealed []byte) ([]byte, error) {
	if len(sealed) < 24 {
		return nil, errors.New("sealed token too short")
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plaintext, ok := secretbox.Open(nil, sealed[24:], &nonce, &s.key)
	if !ok {
		return nil, errors.New("token seal does not match secret")
	}
	return plaintext, nil
}

// tokenExpired reports whether a JWT-shaped token is past its exp claim.
// Opaque tokens are passed through: their expiry is the server's call.
func tokenExpired(token string, now time.Time) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return now.After(exp.Time)
}
