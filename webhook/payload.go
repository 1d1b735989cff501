package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/carloslauriano/hermes/storage"
)

// SignatureHeader carrega a assinatura HMAC do corpo
const SignatureHeader = "X-Webhook-Signature"

// Payload é o corpo JSON enviado para cada assinatura
type Payload struct {
	Event     storage.EventType `json:"event"`
	Timestamp time.Time         `json:"timestamp"`
	Message   MessageSummary    `json:"message"`
}

// MessageSummary é a parte da mensagem exposta nas notificações
type MessageSummary struct {
	ID          int64               `json:"id"`
	MessageID   string              `json:"message_id"`
	From        string              `json:"from"`
	To          string              `json:"to"`
	Subject     string              `json:"subject"`
	Status      storage.Status      `json:"status"`
	Direction   storage.Direction   `json:"direction"`
	CreatedAt   time.Time           `json:"created_at"`
	HTMLContent string              `json:"html_content"`
	TextContent string              `json:"text_content"`
	Attachments []AttachmentSummary `json:"attachments"`
}

// AttachmentSummary descreve um anexo sem o conteúdo
type AttachmentSummary struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
}

// NewPayload monta o corpo de uma notificação
func NewPayload(event storage.EventType, msg *storage.Message, at time.Time) Payload {
	attachments := make([]AttachmentSummary, 0, len(msg.Attachments))
	for _, a := range msg.Attachments {
		size := a.Size
		if size == 0 {
			size = len(a.Content)
		}
		attachments = append(attachments, AttachmentSummary{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Size:        size,
		})
	}

	return Payload{
		Event:     event,
		Timestamp: at.UTC(),
		Message: MessageSummary{
			ID:          msg.ID,
			MessageID:   msg.MessageID,
			From:        msg.From,
			To:          msg.To,
			Subject:     msg.Subject,
			Status:      msg.Status,
			Direction:   msg.Direction,
			CreatedAt:   msg.Created.UTC(),
			HTMLContent: msg.HTMLContent,
			TextContent: msg.TextContent,
			Attachments: attachments,
		},
	}
}

// Encode serializa o payload; a assinatura é calculada sobre estes bytes
func (p Payload) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// Sign retorna o valor do cabeçalho de assinatura, "sha256=<hex>"
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify confere uma assinatura em tempo constante
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}
