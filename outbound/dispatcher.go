package outbound

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/carloslauriano/hermes/metrics"
	"github.com/carloslauriano/hermes/storage"
	"github.com/emersion/go-message/mail"
	"github.com/rs/zerolog"
)

// Transmitter entrega uma mensagem pronta; implementado por *Router
type Transmitter interface {
	Transmit(ctx context.Context, raw []byte, from string, recipients []string) error
}

// EventSink recebe os eventos de ciclo de vida das mensagens
type EventSink interface {
	Raise(event storage.EventType, msg *storage.Message)
}

// Dispatcher orquestra Composer e Router e registra as transições da
// mensagem no armazenamento
type Dispatcher struct {
	store    storage.Storage
	composer *Composer
	router   Transmitter
	events   EventSink
	metrics  *metrics.Metrics
	now      func() time.Time
	logger   zerolog.Logger
}

// NewDispatcher cria um Dispatcher
func NewDispatcher(store storage.Storage, composer *Composer, router Transmitter, events EventSink, m *metrics.Metrics, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		composer: composer,
		router:   router,
		events:   events,
		metrics:  m,
		now:      time.Now,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Send valida o pedido, grava o registro pending antes de qualquer E/S de
// rede e transmite. O registro termina sent ou failed; em caso de falha o
// erro é retornado junto com o registro persistido.
func (d *Dispatcher) Send(ctx context.Context, req SendRequest) (*storage.Message, error) {
	content, err := d.composer.Resolve(req)
	if err != nil {
		return nil, err
	}
	return d.deliver(ctx, content)
}

func (d *Dispatcher) deliver(ctx context.Context, content *Content) (*storage.Message, error) {
	msg := &storage.Message{
		MessageID:         d.composer.NewMessageID(),
		From:              content.From.Address,
		To:                content.To.Address,
		Cc:                addressList(content.Cc),
		Bcc:               addressList(content.Bcc),
		Subject:           content.Subject,
		HTMLContent:       content.HTML,
		TextContent:       content.Text,
		Attachments:       content.Attachments,
		Status:            storage.StatusPending,
		Direction:         storage.DirectionOutbound,
		TemplateName:      content.Template,
		TemplateVariables: content.Variables,
		Created:           d.now().UTC(),
	}
	if err := d.store.CreateMessage(msg); err != nil {
		return nil, fmt.Errorf("falha ao registrar mensagem: %w", err)
	}

	logger := d.logger.With().Str("message_id", msg.MessageID).Int64("id", msg.ID).Logger()

	env, err := d.composer.Build(content, msg.MessageID)
	if err != nil {
		return d.fail(logger, msg, err)
	}

	if err := d.router.Transmit(ctx, env.Raw, env.From, env.Recipients); err != nil {
		return d.fail(logger, msg, err)
	}

	update := storage.MarkSent(d.now().UTC())
	if err := d.store.UpdateMessage(msg.ID, update); err != nil {
		return msg, fmt.Errorf("falha ao registrar envio: %w", err)
	}
	update.Apply(msg)

	d.metrics.MessageSent()
	logger.Info().Str("to", msg.To).Msg("Mensagem enviada")
	d.events.Raise(storage.EventSent, msg)

	return msg, nil
}

func (d *Dispatcher) fail(logger zerolog.Logger, msg *storage.Message, cause error) (*storage.Message, error) {
	logger.Error().Err(cause).Str("to", msg.To).Msg("Falha ao enviar mensagem")

	update := storage.MarkFailed(cause.Error())
	if err := d.store.UpdateMessage(msg.ID, update); err != nil {
		return msg, errors.Join(cause, fmt.Errorf("falha ao registrar falha: %w", err))
	}
	update.Apply(msg)

	d.metrics.MessageFailed()
	d.events.Raise(storage.EventFailed, msg)

	return msg, cause
}

// Resend cria um envio novo a partir de uma mensagem de saída existente.
// O conteúdo já renderizado é reaproveitado; modelo e variáveis são apenas
// copiados para o novo registro. A original não é alterada.
func (d *Dispatcher) Resend(ctx context.Context, id int64) (*storage.Message, error) {
	orig, err := d.store.GetMessage(id)
	if err != nil {
		return nil, err
	}
	if orig.Direction != storage.DirectionOutbound {
		return nil, invalid("id", "apenas mensagens de saída podem ser reenviadas")
	}

	req := SendRequest{
		From:        orig.From,
		To:          orig.To,
		Cc:          orig.Cc,
		Bcc:         orig.Bcc,
		Subject:     orig.Subject,
		HTML:        orig.HTMLContent,
		Text:        orig.TextContent,
		Attachments: orig.Attachments,
	}

	content, err := d.composer.Resolve(req)
	if err != nil {
		return nil, err
	}
	content.Template = orig.TemplateName
	content.Variables = orig.TemplateVariables

	return d.deliver(ctx, content)
}

func addressList(addrs []*mail.Address) []string {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Address)
	}
	return out
}
