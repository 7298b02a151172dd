package presence

import (
	"log/slog"
	"sync"

	"gonets/internal/models"

	mapset "github.com/deckarep/golang-set/v2"
)

// Tracker holds the last presence snapshot reported by the server.
//
// Snapshots replace the whole set, they are never merged. The one exception
// is the current user: while the channel is connected their id is always
// part of the set, so a stale server snapshot cannot show the user their
// own offline badge.
type Tracker struct {
	selfID    string
	connected func() bool
	log       *slog.Logger

	mu     sync.RWMutex
	online mapset.Set[string]
}

func NewTracker(selfID string, connected func() bool, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		selfID:    selfID,
		connected: connected,
		online:    mapset.NewSet[string](),
		log:       log,
	}
}

// IsUserOnline is a pure lookup against the current snapshot.
func (t *Tracker) IsUserOnline(userID string) bool {
	if userID == t.selfID && t.connected() {
		return true
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.online.Contains(userID)
}

// Replace installs a new full snapshot. Ids absent from it drop out.
func (t *Tracker) Replace(userIDs []string) {
	fresh := mapset.NewSet[string](userIDs...)
	if t.connected() {
		fresh.Add(t.selfID)
	}

	t.mu.Lock()
	t.online = fresh
	t.mu.Unlock()
}

// OnlineUsers returns the current snapshot as a slice.
func (t *Tracker) OnlineUsers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.online.ToSlice()
}

// HandleEvent consumes online_users pushes from the channel.
func (t *Tracker) HandleEvent(ev models.Event) {
	snapshot, ok := ev.(*models.OnlineUsersEvent)
	if !ok {
		t.log.Warn("presence tracker received unexpected event", "event", ev)
		return
	}
	t.Replace(snapshot.UserIDs)
}
