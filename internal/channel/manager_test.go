package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gonets/internal/models"
)

type fakeConn struct {
	readCh  chan models.Frame
	closeCh chan struct{}
	once    sync.Once

	mu     sync.Mutex
	writes []models.Frame
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		readCh:  make(chan models.Frame, 10),
		closeCh: make(chan struct{}),
	}
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closeCh) })
	return nil
}

func (f *fakeConn) WriteJSON(v any) error {
	frame, ok := v.(models.Frame)
	if !ok {
		return errors.New("unexpected write type")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, frame)
	return nil
}

func (f *fakeConn) ReadJSON(v any) error {
	select {
	case frame := <-f.readCh:
		if ptr, ok := v.(*models.Frame); ok {
			*ptr = frame
		}
		return nil
	case <-f.closeCh:
		return errors.New("connection closed")
	}
}

func (f *fakeConn) written(t models.EventType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, frame := range f.writes {
		if frame.Type == t {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newTestManager(dial Dialer) *Manager {
	return NewManager(Config{
		BaseURL:          "http://chat.test",
		Dial:             dial,
		PresenceInterval: time.Hour,
		SettleDelay:      5 * time.Millisecond,
		ReconnectDelay:   20 * time.Millisecond,
	})
}

func TestManager_Lifecycle(t *testing.T) {
	conn := newFakeConn()
	m := newTestManager(func(ctx context.Context, url string, header http.Header) (wsConn, error) {
		if url != "ws://chat.test/ws" {
			t.Errorf("unexpected dial url %q", url)
		}
		return conn, nil
	})

	if m.Connected() {
		t.Error("connected before Connect")
	}
	if err := m.Send(models.CommandSendMessage, struct{}{}); !errors.Is(err, models.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected before connect, got %v", err)
	}

	user := models.User{ID: "me", DisplayName: "Me"}
	if err := m.Connect(context.Background(), user); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !m.Connected() {
		t.Error("not connected after Connect")
	}
	if m.ConnectionID() == "" {
		t.Error("connection id not assigned")
	}

	// Identity announced immediately.
	if got := conn.written(models.CommandRegister); got != 1 {
		t.Errorf("expected 1 register command, got %d", got)
	}

	// Presence snapshot + self-online follow after the settle delay.
	waitFor(t, func() bool {
		return conn.written(models.CommandOnlineUsers) == 1 &&
			conn.written(models.CommandAnnounceOnline) == 1
	}, "presence announcements not sent after settle delay")

	m.Disconnect()
	if m.Connected() {
		t.Error("still connected after Disconnect")
	}
	if m.Status() != StatusDisconnected {
		t.Errorf("expected disconnected status, got %s", m.Status())
	}

	// Safe to call again.
	m.Disconnect()
}

func TestManager_EventDispatch(t *testing.T) {
	conn := newFakeConn()
	m := newTestManager(func(ctx context.Context, url string, header http.Header) (wsConn, error) {
		return conn, nil
	})

	var mu sync.Mutex
	var got []string
	unsubscribe := m.OnEvent(models.EventOnlineUsers, func(ev models.Event) {
		snapshot := ev.(*models.OnlineUsersEvent)
		mu.Lock()
		got = append(got, snapshot.UserIDs...)
		mu.Unlock()
	})

	if err := m.Connect(context.Background(), models.User{ID: "me"}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer m.Disconnect()

	// A malformed frame is dropped without breaking the loop.
	conn.readCh <- models.Frame{Type: "garbage", Data: json.RawMessage(`{}`)}
	conn.readCh <- models.Frame{Type: models.EventOnlineUsers, Data: json.RawMessage(`{"userIds":["u1","u2"]}`)}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, "valid event not dispatched after malformed one")

	// Unsubscribed handlers stay silent.
	unsubscribe()
	conn.readCh <- models.Frame{Type: models.EventOnlineUsers, Data: json.RawMessage(`{"userIds":["u3"]}`)}
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Errorf("handler ran after unsubscribe: %v", got)
	}
}

func TestManager_HandlerPanicContained(t *testing.T) {
	conn := newFakeConn()
	m := newTestManager(func(ctx context.Context, url string, header http.Header) (wsConn, error) {
		return conn, nil
	})

	m.OnEvent(models.EventOnlineUsers, func(models.Event) {
		panic("handler bug")
	})

	var delivered atomic.Int32
	m.OnEvent(models.EventMessageError, func(models.Event) {
		delivered.Add(1)
	})

	if err := m.Connect(context.Background(), models.User{ID: "me"}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer m.Disconnect()

	conn.readCh <- models.Frame{Type: models.EventOnlineUsers, Data: json.RawMessage(`{"userIds":["u1"]}`)}
	conn.readCh <- models.Frame{Type: models.EventMessageError, Data: json.RawMessage(`{"error":"x"}`)}

	waitFor(t, func() bool { return delivered.Load() == 1 },
		"read loop died on a panicking handler")
}

func TestManager_OnceConnected(t *testing.T) {
	conn := newFakeConn()
	m := newTestManager(func(ctx context.Context, url string, header http.Header) (wsConn, error) {
		return conn, nil
	})

	var ran atomic.Int32
	m.OnceConnected(func() { ran.Add(1) })
	if ran.Load() != 0 {
		t.Error("hook ran before connect")
	}

	if err := m.Connect(context.Background(), models.User{ID: "me"}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer m.Disconnect()

	if ran.Load() != 1 {
		t.Errorf("hook not run on connect, ran=%d", ran.Load())
	}

	// Once connected, new hooks run immediately and old ones don't repeat.
	m.OnceConnected(func() { ran.Add(1) })
	if ran.Load() != 2 {
		t.Errorf("hook not run while connected, ran=%d", ran.Load())
	}
}

func TestManager_RetryAfterDialFailure(t *testing.T) {
	var attempts atomic.Int32
	conn := newFakeConn()
	m := newTestManager(func(ctx context.Context, url string, header http.Header) (wsConn, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("refused")
		}
		return conn, nil
	})

	if err := m.Connect(context.Background(), models.User{ID: "me"}); err == nil {
		t.Fatal("expected dial error")
	}
	if m.Connected() {
		t.Error("connected after failed dial")
	}
	if m.LastError() == nil {
		t.Error("dial error not recorded")
	}

	waitFor(t, m.Connected, "manual retry did not reconnect")
	defer m.Disconnect()

	if attempts.Load() != 2 {
		t.Errorf("expected exactly 2 dial attempts, got %d", attempts.Load())
	}
}

func TestManager_RetryPersistsAcrossFailures(t *testing.T) {
	var attempts atomic.Int32
	conn := newFakeConn()
	m := newTestManager(func(ctx context.Context, url string, header http.Header) (wsConn, error) {
		if attempts.Add(1) <= 2 {
			return nil, errors.New("refused")
		}
		return conn, nil
	})

	if err := m.Connect(context.Background(), models.User{ID: "me"}); err == nil {
		t.Fatal("expected dial error")
	}

	// Each failed attempt must arm the next one; a second failure in a row
	// must not leave the manager stranded at disconnected.
	waitFor(t, m.Connected, "retries stopped after repeated dial failures")
	defer m.Disconnect()

	if attempts.Load() != 3 {
		t.Errorf("expected exactly 3 dial attempts, got %d", attempts.Load())
	}
}

func TestManager_ReconnectAfterDrop(t *testing.T) {
	var attempts atomic.Int32
	conns := []*fakeConn{newFakeConn(), newFakeConn()}
	m := newTestManager(func(ctx context.Context, url string, header http.Header) (wsConn, error) {
		return conns[attempts.Add(1)-1], nil
	})

	if err := m.Connect(context.Background(), models.User{ID: "me"}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// Server drops the connection out from under us.
	_ = conns[0].Close()

	waitFor(t, func() bool {
		return m.Connected() && attempts.Load() == 2
	}, "channel did not recover from an unexpected drop")
	m.Disconnect()
}

func TestManager_ConnectReplacesChannel(t *testing.T) {
	conns := []*fakeConn{newFakeConn(), newFakeConn()}
	var idx atomic.Int32
	m := newTestManager(func(ctx context.Context, url string, header http.Header) (wsConn, error) {
		return conns[idx.Add(1)-1], nil
	})

	if err := m.Connect(context.Background(), models.User{ID: "me"}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	first := m.ConnectionID()

	if err := m.Connect(context.Background(), models.User{ID: "me"}); err != nil {
		t.Fatalf("second Connect failed: %v", err)
	}
	defer m.Disconnect()

	if m.ConnectionID() == first {
		t.Error("second Connect did not replace the channel")
	}
	select {
	case <-conns[0].closeCh:
	default:
		t.Error("previous channel left open after replacement")
	}
}
