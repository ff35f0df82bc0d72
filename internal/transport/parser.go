package transport

import (
	"strings"

	"github.com/lucamoreira/bluebird/internal/store"
)

// wireMessage is the JSON shape the bridge server uses for messages, both
// on the push socket and the REST surface.
type wireMessage struct {
	GUID            string           `json:"guid"`
	ChatGUID        string           `json:"chatGuid"`
	Text            string           `json:"text"`
	Handle          string           `json:"handle"`
	IsFromMe        bool             `json:"isFromMe"`
	DateCreated     int64            `json:"dateCreated"`
	DateDelivered   int64            `json:"dateDelivered"`
	DateRead        int64            `json:"dateRead"`
	Error           int              `json:"error"`
	ExpressiveStyle string           `json:"expressiveSendStyleId"`
	ThreadOriginator string          `json:"threadOriginatorGuid"`
	Attachments     []wireAttachment `json:"attachments"`
}

type wireAttachment struct {
	Filename   string `json:"transferName"`
	MimeType   string `json:"mimeType"`
	TotalBytes int64  `json:"totalBytes"`
}

func (w *wireMessage) toStoreMessage() *store.Message {
	status := store.StatusReceived
	if w.IsFromMe {
		status = store.StatusSent
		if w.DateRead > 0 {
			status = store.StatusRead
		} else if w.DateDelivered > 0 {
			status = store.StatusDelivered
		}
		if w.Error != 0 {
			status = store.StatusFailed
		}
	}
	return &store.Message{
		ChatGUID:        w.ChatGUID,
		MsgID:           w.GUID,
		Sender:          w.Handle,
		FromMe:          w.IsFromMe,
		Text:            w.Text,
		CreatedAt:       w.DateCreated,
		DeliveredAt:     w.DateDelivered,
		ReadAt:          w.DateRead,
		Status:          status,
		ErrorCode:       w.Error,
		EffectID:        w.ExpressiveStyle,
		Source:          sourceForChat(w.ChatGUID),
		ReplyToID:       w.ThreadOriginator,
		AttachmentCount: len(w.Attachments),
	}
}

// sourceForChat classifies a chat GUID's service prefix into a channel.
func sourceForChat(chatGUID string) store.Source {
	if strings.HasPrefix(strings.ToLower(chatGUID), "sms") {
		return store.SourceCarrier
	}
	return store.SourceServer
}
