package notify

import (
	"encoding/json"
	"net/http"
	"testing"

	"gonets/internal/models"
	"gonets/internal/session"
)

type fakeSender struct {
	status    int
	err       error
	delivered []Notification
}

func (f *fakeSender) Send(payload []byte, sub session.DBSubscription) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	var n Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return 0, err
	}
	f.delivered = append(f.delivered, n)
	return f.status, nil
}

type fakeStore struct {
	subs    []session.DBSubscription
	deleted []string
}

func (f *fakeStore) ListSubscriptions() ([]session.DBSubscription, error) {
	return f.subs, nil
}

func (f *fakeStore) DeleteSubscription(endpoint string) error {
	f.deleted = append(f.deleted, endpoint)
	return nil
}

func newTestBridge(sender *fakeSender, store *fakeStore, focused string) *Bridge {
	return NewBridge(Config{
		Self:    models.User{ID: "me", DisplayName: "Me"},
		Store:   store,
		Sender:  sender,
		Focused: func() string { return focused },
	})
}

func messageEvent(senderID, conversationID, content string) *models.NewMessageEvent {
	return &models.NewMessageEvent{Message: models.Message{
		ID:             "m1",
		ConversationID: conversationID,
		SenderID:       senderID,
		SenderName:     "Bob",
		Content:        content,
		Type:           models.MessageTypeText,
	}}
}

func TestBridge_Delivers(t *testing.T) {
	sender := &fakeSender{status: http.StatusCreated}
	store := &fakeStore{subs: []session.DBSubscription{{Endpoint: "https://push/1"}}}
	b := newTestBridge(sender, store, "other-conv")

	b.HandleMessageEvent(messageEvent("u2", "c1", "hello **there**"))

	if len(sender.delivered) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(sender.delivered))
	}
	n := sender.delivered[0]
	if n.Title != "Bob" {
		t.Errorf("expected sender name as title, got %q", n.Title)
	}
	if n.Body != "hello there" {
		t.Errorf("expected plain-text body, got %q", n.Body)
	}
	if n.ConversationID != "c1" {
		t.Errorf("expected conversation id, got %q", n.ConversationID)
	}
	if len(store.deleted) != 0 {
		t.Errorf("healthy subscription pruned: %v", store.deleted)
	}
}

func TestBridge_SkipsSelf(t *testing.T) {
	sender := &fakeSender{status: http.StatusCreated}
	store := &fakeStore{subs: []session.DBSubscription{{Endpoint: "https://push/1"}}}
	b := newTestBridge(sender, store, "")

	b.HandleMessageEvent(messageEvent("me", "c1", "my own message"))

	if len(sender.delivered) != 0 {
		t.Errorf("self-authored message notified: %v", sender.delivered)
	}
}

func TestBridge_SkipsFocusedConversation(t *testing.T) {
	sender := &fakeSender{status: http.StatusCreated}
	store := &fakeStore{subs: []session.DBSubscription{{Endpoint: "https://push/1"}}}
	b := newTestBridge(sender, store, "c1")

	b.HandleMessageEvent(messageEvent("u2", "c1", "hello"))

	if len(sender.delivered) != 0 {
		t.Errorf("focused conversation notified: %v", sender.delivered)
	}
}

func TestBridge_PrunesGoneSubscriptions(t *testing.T) {
	sender := &fakeSender{status: http.StatusGone}
	store := &fakeStore{subs: []session.DBSubscription{{Endpoint: "https://push/dead"}}}
	b := newTestBridge(sender, store, "")

	b.HandleMessageEvent(messageEvent("u2", "c1", "hello"))

	if len(store.deleted) != 1 || store.deleted[0] != "https://push/dead" {
		t.Errorf("dead subscription not pruned: %v", store.deleted)
	}
}

func TestBridge_FileMessageBody(t *testing.T) {
	sender := &fakeSender{status: http.StatusCreated}
	store := &fakeStore{subs: []session.DBSubscription{{Endpoint: "https://push/1"}}}
	b := newTestBridge(sender, store, "")

	b.HandleMessageEvent(&models.NewMessageEvent{Message: models.Message{
		ID:             "m2",
		ConversationID: "c1",
		SenderID:       "u2",
		SenderName:     "Bob",
		Content:        "report.pdf (application/pdf)",
		Type:           models.MessageTypeFile,
		FileName:       "report.pdf",
	}})

	if len(sender.delivered) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(sender.delivered))
	}
	if sender.delivered[0].Body != "report.pdf" {
		t.Errorf("expected file name body, got %q", sender.delivered[0].Body)
	}
}
