package dispatch

import (
	"log/slog"

	"gonets/internal/models"

	"github.com/h2non/filetype"
)

type channelManager interface {
	Send(t models.EventType, payload any) error
	Connected() bool
}

// Dispatcher sends outbound messages over the open channel.
//
// There is no optimistic local echo: a sent message shows up only once the
// server pushes it back, so sender and receiver learn of it through the
// same path and message ordering has a single source of truth.
type Dispatcher struct {
	self    models.User
	channel channelManager
	log     *slog.Logger
}

func New(self models.User, channel channelManager, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		self:    self,
		channel: channel,
		log:     log,
	}
}

// SendText sends a text message. Without a connected channel and an
// authenticated user this is a no-op with a single logged error; no local
// state is touched.
func (d *Dispatcher) SendText(conversationID, content string) {
	d.send(models.SendMessageCommand{
		ConversationID: conversationID,
		SenderID:       d.self.ID,
		Content:        content,
		Type:           models.MessageTypeText,
	})
}

// SendFile sends a file message. The media type is sniffed from the first
// bytes of the file; it is informational only, the server re-checks.
func (d *Dispatcher) SendFile(conversationID, fileURL, fileName string, head []byte) {
	contentLabel := fileName
	if kind, err := filetype.Match(head); err == nil && kind != filetype.Unknown {
		contentLabel = fileName + " (" + kind.MIME.Value + ")"
	}

	d.send(models.SendMessageCommand{
		ConversationID: conversationID,
		SenderID:       d.self.ID,
		Content:        contentLabel,
		Type:           models.MessageTypeFile,
		FileURL:        fileURL,
		FileName:       fileName,
	})
}

func (d *Dispatcher) send(cmd models.SendMessageCommand) {
	if !d.channel.Connected() || d.self.ID == "" {
		d.log.Error("message not sent",
			"conversation_id", cmd.ConversationID,
			"connected", d.channel.Connected(),
			"authenticated", d.self.ID != "",
		)
		return
	}

	if err := d.channel.Send(models.CommandSendMessage, cmd); err != nil {
		d.log.Error("message send failed", "conversation_id", cmd.ConversationID, "error", err)
	}
}

// HandleErrorEvent consumes message_error pushes. They are logged with full
// diagnostic context and not retried.
func (d *Dispatcher) HandleErrorEvent(ev models.Event) {
	errEvent, ok := ev.(*models.MessageErrorEvent)
	if !ok {
		d.log.Warn("dispatcher received unexpected event", "event", ev)
		return
	}
	d.log.Error("server rejected message",
		"error", errEvent.Error,
		"details", errEvent.Details,
		"conversation_id", errEvent.ConversationID,
	)
}
