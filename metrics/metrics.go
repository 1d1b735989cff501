// Package metrics expõe contadores Prometheus do relay.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics reúne os coletores do relay. Um *Metrics nil é válido e não
// registra nada, o que simplifica testes e execuções sem métricas.
type Metrics struct {
	messagesSent     prometheus.Counter
	messagesFailed   prometheus.Counter
	messagesReceived prometheus.Counter
	mxAttempts       *prometheus.CounterVec
	webhookAttempts  *prometheus.CounterVec
	transmitDuration *prometheus.HistogramVec
}

// New cria e registra os coletores em reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hermes_messages_sent_total",
			Help: "Total de mensagens de saída enviadas.",
		}),
		messagesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hermes_messages_failed_total",
			Help: "Total de mensagens de saída que falharam.",
		}),
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hermes_messages_received_total",
			Help: "Total de registros de entrada criados (um por destinatário).",
		}),
		mxAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hermes_mx_attempts_total",
			Help: "Tentativas de entrega direta por servidor MX.",
		}, []string{"result"}),
		webhookAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hermes_webhook_attempts_total",
			Help: "Tentativas de notificação por resultado.",
		}, []string{"result"}),
		transmitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hermes_transmit_duration_seconds",
			Help:    "Duração das transmissões SMTP de saída.",
			Buckets: prometheus.DefBuckets,
		}, []string{"mode"}),
	}

	reg.MustRegister(
		m.messagesSent,
		m.messagesFailed,
		m.messagesReceived,
		m.mxAttempts,
		m.webhookAttempts,
		m.transmitDuration,
	)

	return m
}

// Handler retorna o handler HTTP do registro padrão
func Handler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) MessageSent() {
	if m == nil {
		return
	}
	m.messagesSent.Inc()
}

func (m *Metrics) MessageFailed() {
	if m == nil {
		return
	}
	m.messagesFailed.Inc()
}

func (m *Metrics) MessageReceived() {
	if m == nil {
		return
	}
	m.messagesReceived.Inc()
}

// MXAttempt conta uma tentativa contra um servidor MX
func (m *Metrics) MXAttempt(ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.mxAttempts.WithLabelValues(result).Inc()
}

// WebhookAttempt conta uma tentativa de notificação; result é o nome do
// resultado ("success", "retryable", "terminal")
func (m *Metrics) WebhookAttempt(result string) {
	if m == nil {
		return
	}
	m.webhookAttempts.WithLabelValues(result).Inc()
}

// ObserveTransmit registra a duração de uma transmissão
func (m *Metrics) ObserveTransmit(mode string, d time.Duration) {
	if m == nil {
		return
	}
	m.transmitDuration.WithLabelValues(mode).Observe(d.Seconds())
}
