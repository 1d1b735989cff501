// Package webhook entrega notificações assinadas dos eventos de mensagem
// para as assinaturas cadastradas, com novas tentativas e histórico de
// cada entrega.
package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/carloslauriano/hermes/config"
	"github.com/carloslauriano/hermes/metrics"
	"github.com/carloslauriano/hermes/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultUserAgent identifica o serviço nas requisições
const DefaultUserAgent = "Hermes-Email-Service/1.0"

// Notifier consome eventos de mensagem e notifica as assinaturas ativas
type Notifier struct {
	store     storage.Storage
	client    *http.Client
	policy    Policy
	userAgent string
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	now   func() time.Time
	sleep func(time.Duration)

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewNotifier cria um Notifier. Se client for nil, um http.Client com o
// timeout configurado é usado.
func NewNotifier(store storage.Storage, cfg config.WebhookConfig, client *http.Client, m *metrics.Metrics, logger zerolog.Logger) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttempts < 1 || cfg.MaxAttempts > config.MaxWebhookAttempts {
		cfg.MaxAttempts = config.MaxWebhookAttempts
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	return &Notifier{
		store:     store,
		client:    client,
		policy:    Policy{MaxAttempts: cfg.MaxAttempts, BaseDelay: cfg.BaseDelay},
		userAgent: cfg.UserAgent,
		metrics:   m,
		logger:    logger.With().Str("component", "webhook").Logger(),
		now:       time.Now,
		sleep:     time.Sleep,
	}
}

// Raise dispara as notificações do evento em segundo plano e retorna
// imediatamente. Use Wait para aguardar o término. Depois de Close o evento
// é descartado.
func (n *Notifier) Raise(event storage.EventType, msg *storage.Message) {
	snapshot := *msg

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		n.logger.Warn().Str("event", string(event)).Str("message_id", snapshot.MessageID).Msg("Notificador encerrado; evento descartado")
		return
	}
	n.wg.Add(1)
	n.mu.Unlock()

	go func() {
		defer n.wg.Done()
		if err := n.Notify(context.Background(), event, &snapshot); err != nil {
			n.logger.Error().Err(err).Str("event", string(event)).Str("message_id", snapshot.MessageID).Msg("Falha ao notificar evento")
		}
	}()
}

// Wait bloqueia até que todas as notificações disparadas por Raise terminem
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// Close recusa novos eventos e espera as notificações em andamento
func (n *Notifier) Close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()

	n.wg.Wait()
}

// Notify entrega o evento para cada assinatura ativa, em paralelo, e espera
// todas terminarem. A falha de uma assinatura não afeta as outras; apenas
// a falha ao listar as assinaturas é retornada.
func (n *Notifier) Notify(ctx context.Context, event storage.EventType, msg *storage.Message) error {
	subs, err := n.store.ListActiveSubscriptions(event)
	if err != nil {
		return fmt.Errorf("falha ao listar assinaturas: %w", err)
	}

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *storage.Subscription) {
			defer wg.Done()
			if _, err := n.Deliver(ctx, sub, msg); err != nil {
				n.logger.Error().Err(err).Int64("subscription_id", sub.ID).Str("message_id", msg.MessageID).Msg("Falha ao entregar webhook")
			}
		}(sub)
	}
	wg.Wait()

	return nil
}

// Deliver envia o evento da assinatura para uma mensagem, com até
// MaxAttempts tentativas. O registro de entrega é atualizado após cada
// tentativa. O erro retornado indica falha de persistência; o resultado
// HTTP fica no registro.
func (n *Notifier) Deliver(ctx context.Context, sub *storage.Subscription, msg *storage.Message) (*storage.Delivery, error) {
	delivery := &storage.Delivery{
		SubscriptionID: sub.ID,
		MessageID:      msg.ID,
		Status:         storage.DeliveryPending,
		Created:        n.now().UTC(),
	}
	if err := n.store.CreateDelivery(delivery); err != nil {
		return nil, fmt.Errorf("falha ao registrar entrega: %w", err)
	}

	body, err := NewPayload(sub.EventType, msg, n.now()).Encode()
	if err != nil {
		return delivery, fmt.Errorf("falha ao serializar payload: %w", err)
	}

	logger := n.logger.With().
		Int64("subscription_id", sub.ID).
		Int64("delivery_id", delivery.ID).
		Str("message_id", msg.MessageID).
		Str("url", sub.URL).
		Logger()

	for attempt := 0; ; attempt++ {
		result := n.post(ctx, sub, body)
		retry, delay := n.policy.Next(attempt, result)

		update := storage.AttemptUpdate(attempt+1, result.StatusCode, result.Body, errorText(result.Err))
		switch {
		case result.Outcome == Success:
			update = update.Succeeded(n.now().UTC())
		case !retry:
			update = update.Failed()
		}

		if err := n.store.UpdateDelivery(delivery.ID, update); err != nil {
			return delivery, fmt.Errorf("falha ao registrar tentativa: %w", err)
		}
		update.Apply(delivery)
		n.metrics.WebhookAttempt(result.Outcome.String())

		switch {
		case result.Outcome == Success:
			logger.Info().Int("attempt", attempt+1).Int("status", result.StatusCode).Msg("Webhook entregue")
			return delivery, nil
		case !retry:
			logger.Error().Err(result.Err).Int("attempt", attempt+1).Msg("Entrega de webhook falhou")
			return delivery, nil
		}

		logger.Warn().Err(result.Err).Int("attempt", attempt+1).Dur("delay", delay).Msg("Tentativa de webhook falhou")
		n.sleep(delay)
	}
}

func (n *Notifier) post(ctx context.Context, sub *storage.Subscription, body []byte) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return Result{Outcome: Terminal, Err: err}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", n.userAgent)
	for k, v := range sub.Headers {
		req.Header.Set(k, v)
	}
	if sub.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(sub.Secret, body))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return Classify(0, "", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, storage.MaxResponseBody))
	if err != nil && !errors.Is(err, io.EOF) {
		return Classify(0, "", fmt.Errorf("falha ao ler resposta: %w", err))
	}
	return Classify(resp.StatusCode, string(respBody), nil)
}

// Test envia um evento sintético para a assinatura usando uma mensagem
// temporária, removida ao final junto com a entrega
func (n *Notifier) Test(ctx context.Context, sub *storage.Subscription) (*storage.Delivery, error) {
	now := n.now().UTC()
	msg := &storage.Message{
		MessageID:   "test-" + uuid.NewString(),
		From:        "test@example.com",
		To:          "recipient@example.com",
		Subject:     "Test Webhook Email",
		HTMLContent: "<p>This is a test email for webhook testing</p>",
		TextContent: "This is a test email for webhook testing",
		Status:      storage.StatusSent,
		Direction:   storage.DirectionOutbound,
		Created:     now,
		SentAt:      &now,
	}
	if err := n.store.CreateMessage(msg); err != nil {
		return nil, fmt.Errorf("falha ao criar mensagem de teste: %w", err)
	}
	defer func() {
		if err := n.store.DeleteMessage(msg.ID); err != nil {
			n.logger.Warn().Err(err).Int64("id", msg.ID).Msg("Falha ao remover mensagem de teste")
		}
	}()

	return n.Deliver(ctx, sub, msg)
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
