package storage

import (
	"errors"
	"fmt"
	"time"
)

// Direction indica se a mensagem foi enviada ou recebida
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// Status representa o ciclo de vida de uma mensagem
type Status string

const (
	StatusPending  Status = "pending"
	StatusSent     Status = "sent"
	StatusFailed   Status = "failed"
	StatusReceived Status = "received"
)

// Terminal informa se o status não admite mais transições
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusReceived
}

// EventType identifica os eventos que disparam notificações
type EventType string

const (
	EventSent     EventType = "message.sent"
	EventFailed   EventType = "message.failed"
	EventReceived EventType = "message.received"
)

// Valid informa se o tipo de evento é conhecido
func (e EventType) Valid() bool {
	return e == EventSent || e == EventFailed || e == EventReceived
}

// DeliveryStatus representa o estado de uma entrega de webhook
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailed  DeliveryStatus = "failed"
)

// Attachment descreve um anexo. Em mensagens recebidas apenas os metadados
// são preenchidos.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
	Content     []byte `json:"content,omitempty"`
}

// Message representa uma mensagem de email, de entrada ou de saída
type Message struct {
	ID                int64
	MessageID         string
	From              string
	To                string
	Cc                []string
	Bcc               []string
	Subject           string
	HTMLContent       string
	TextContent       string
	RawContent        []byte
	Headers           map[string]string
	Attachments       []Attachment
	Status            Status
	Direction         Direction
	TemplateName      string
	TemplateVariables map[string]any
	Created           time.Time
	SentAt            *time.Time
	ReceivedAt        *time.Time
	ErrorMessage      string
}

// MessageUpdate lista os únicos campos mutáveis de uma mensagem. Use
// MarkSent ou MarkFailed para construir.
type MessageUpdate struct {
	Status       Status
	SentAt       *time.Time
	ErrorMessage string
}

// MarkSent cria a transição pending → sent
func MarkSent(at time.Time) MessageUpdate {
	return MessageUpdate{Status: StatusSent, SentAt: &at}
}

// MarkFailed cria a transição pending → failed
func MarkFailed(reason string) MessageUpdate {
	return MessageUpdate{Status: StatusFailed, ErrorMessage: reason}
}

// Validate garante que exatamente um dos caminhos (sent_at ou error_message)
// é aplicado
func (u MessageUpdate) Validate() error {
	switch u.Status {
	case StatusSent:
		if u.SentAt == nil || u.ErrorMessage != "" {
			return errors.New("transição para sent exige apenas sent_at")
		}
	case StatusFailed:
		if u.SentAt != nil || u.ErrorMessage == "" {
			return errors.New("transição para failed exige apenas error_message")
		}
	default:
		return fmt.Errorf("status de destino inválido: %q", u.Status)
	}
	return nil
}

// Apply copia a atualização para a mensagem em memória
func (u MessageUpdate) Apply(m *Message) {
	m.Status = u.Status
	m.SentAt = u.SentAt
	m.ErrorMessage = u.ErrorMessage
}

// MessageFilter restringe a listagem de mensagens. Campos vazios são
// ignorados.
type MessageFilter struct {
	To        string
	From      string
	Status    Status
	Direction Direction
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

// Match aplica o filtro a uma mensagem em memória
func (f MessageFilter) Match(m *Message) bool {
	if f.To != "" && m.To != f.To {
		return false
	}
	if f.From != "" && m.From != f.From {
		return false
	}
	if f.Status != "" && m.Status != f.Status {
		return false
	}
	if f.Direction != "" && m.Direction != f.Direction {
		return false
	}
	if !f.Since.IsZero() && m.Created.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && m.Created.After(f.Until) {
		return false
	}
	return true
}

// Subscription representa um endpoint interessado em um tipo de evento
type Subscription struct {
	ID        int64
	Name      string
	URL       string
	EventType EventType
	Active    bool
	Secret    string
	Headers   map[string]string
	Created   time.Time
	Updated   time.Time
}

// Delivery registra as tentativas de notificação de uma mensagem para uma
// assinatura
type Delivery struct {
	ID             int64
	SubscriptionID int64
	MessageID      int64
	Status         DeliveryStatus
	ResponseStatus int
	ResponseBody   string
	ErrorMessage   string
	Attempts       int
	Created        time.Time
	DeliveredAt    *time.Time
}

// DeliveryUpdate lista os campos mutáveis de uma entrega
type DeliveryUpdate struct {
	Status         DeliveryStatus
	Attempts       int
	ResponseStatus int
	ResponseBody   string
	ErrorMessage   string
	DeliveredAt    *time.Time
}

// MaxResponseBody limita o corpo de resposta guardado em uma entrega
const MaxResponseBody = 1000

// AttemptUpdate registra o resultado de uma tentativa. A entrega continua
// pendente até Succeeded ou Failed.
func AttemptUpdate(attempts, responseStatus int, responseBody, errMsg string) DeliveryUpdate {
	if len(responseBody) > MaxResponseBody {
		responseBody = responseBody[:MaxResponseBody]
	}
	return DeliveryUpdate{
		Status:         DeliveryPending,
		Attempts:       attempts,
		ResponseStatus: responseStatus,
		ResponseBody:   responseBody,
		ErrorMessage:   errMsg,
	}
}

// Succeeded finaliza a atualização como success
func (u DeliveryUpdate) Succeeded(at time.Time) DeliveryUpdate {
	u.Status = DeliverySuccess
	u.DeliveredAt = &at
	u.ErrorMessage = ""
	return u
}

// Failed finaliza a atualização como failed
func (u DeliveryUpdate) Failed() DeliveryUpdate {
	u.Status = DeliveryFailed
	u.DeliveredAt = nil
	return u
}

// Validate verifica a consistência da atualização
func (u DeliveryUpdate) Validate() error {
	if u.Attempts < 1 {
		return errors.New("contador de tentativas deve ser positivo")
	}
	switch u.Status {
	case DeliveryPending, DeliveryFailed:
		if u.DeliveredAt != nil {
			return errors.New("delivered_at só pode ser definido em success")
		}
	case DeliverySuccess:
		if u.DeliveredAt == nil {
			return errors.New("success exige delivered_at")
		}
	default:
		return fmt.Errorf("status de entrega inválido: %q", u.Status)
	}
	return nil
}

// Apply copia a atualização para a entrega em memória
func (u DeliveryUpdate) Apply(d *Delivery) {
	d.Status = u.Status
	d.Attempts = u.Attempts
	d.ResponseStatus = u.ResponseStatus
	d.ResponseBody = u.ResponseBody
	d.ErrorMessage = u.ErrorMessage
	d.DeliveredAt = u.DeliveredAt
}

// Template representa um modelo de email armazenado
type Template struct {
	ID          int64
	Name        string
	Subject     string
	HTMLContent string
	TextContent string
	Created     time.Time
	Updated     time.Time
}
