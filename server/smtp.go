// Package server recebe emails por SMTP e cria um registro por
// destinatário, disparando message.received para cada um.
package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/carloslauriano/hermes/config"
	"github.com/carloslauriano/hermes/metrics"
	"github.com/carloslauriano/hermes/storage"
	"github.com/emersion/go-smtp"
	"github.com/rs/zerolog"
)

// ErrTransactionFailed é a resposta para falhas de leitura ou persistência
var ErrTransactionFailed = &smtp.SMTPError{
	Code:         554,
	EnhancedCode: smtp.EnhancedCode{5, 0, 0},
	Message:      "Transaction failed",
}

// EventSink recebe os eventos de mensagens recebidas
type EventSink interface {
	Raise(event storage.EventType, msg *storage.Message)
}

// SMTPBackend implementa a interface smtp.Backend
type SMTPBackend struct {
	store   storage.Storage
	events  EventSink
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// NewSMTPBackend cria um novo backend SMTP
func NewSMTPBackend(store storage.Storage, events EventSink, m *metrics.Metrics, logger zerolog.Logger) *SMTPBackend {
	return &SMTPBackend{
		store:   store,
		events:  events,
		metrics: m,
		logger:  logger.With().Str("component", "smtp").Logger(),
		now:     time.Now,
	}
}

// Login não é suportado; o servidor aceita emails sem autenticação
func (b *SMTPBackend) Login(state *smtp.ConnectionState, username, password string) (smtp.Session, error) {
	return nil, smtp.ErrAuthUnsupported
}

// AnonymousLogin abre uma sessão para a conexão
func (b *SMTPBackend) AnonymousLogin(state *smtp.ConnectionState) (smtp.Session, error) {
	remote := ""
	if state.RemoteAddr != nil {
		remote = state.RemoteAddr.String()
	}
	return &SMTPSession{
		backend: b,
		logger:  b.logger.With().Str("remote", remote).Logger(),
	}, nil
}

// SMTPSession implementa a interface smtp.Session
type SMTPSession struct {
	backend *SMTPBackend
	logger  zerolog.Logger
	from    string
	to      []string
}

// Mail inicia uma nova transação de email
func (s *SMTPSession) Mail(from string, opts smtp.MailOptions) error {
	s.from = from
	return nil
}

// Rcpt adiciona um destinatário
func (s *SMTPSession) Rcpt(to string) error {
	s.to = append(s.to, to)
	return nil
}

// Data lê e interpreta a mensagem e cria um registro received para cada
// destinatário, na ordem em que foram declarados
func (s *SMTPSession) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		var smtpErr *smtp.SMTPError
		if errors.As(err, &smtpErr) {
			return smtpErr
		}
		s.logger.Error().Err(err).Msg("Falha ao ler email")
		return ErrTransactionFailed
	}

	if err := s.backend.accept(s.from, s.to, raw); err != nil {
		s.logger.Error().Err(err).Str("from", s.from).Msg("Falha ao processar email")
		return ErrTransactionFailed
	}
	return nil
}

// Reset limpa o estado da sessão
func (s *SMTPSession) Reset() {
	s.from = ""
	s.to = nil
}

// Logout finaliza a sessão
func (s *SMTPSession) Logout() error {
	return nil
}

// accept grava um registro por destinatário e só depois dispara os eventos,
// na ordem declarada. Se algum registro falhar os anteriores são removidos e
// nenhum evento é disparado.
func (b *SMTPBackend) accept(from string, recipients []string, raw []byte) error {
	parsed, err := ParseMessage(raw)
	if err != nil {
		return err
	}

	created := make([]*storage.Message, 0, len(recipients))
	for _, rcpt := range recipients {
		receivedAt := b.now().UTC()
		msg := &storage.Message{
			MessageID:   recipientMessageID(parsed.MessageID, rcpt),
			From:        from,
			To:          rcpt,
			Subject:     parsed.Subject,
			HTMLContent: parsed.HTML,
			TextContent: parsed.Text,
			RawContent:  raw,
			Headers:     parsed.Headers,
			Attachments: parsed.Attachments,
			Status:      storage.StatusReceived,
			Direction:   storage.DirectionInbound,
			Created:     receivedAt,
			ReceivedAt:  &receivedAt,
		}

		if err := b.store.CreateMessage(msg); err != nil {
			b.rollback(created)
			return fmt.Errorf("falha ao salvar mensagem para %s: %w", rcpt, err)
		}
		created = append(created, msg)
	}

	for _, msg := range created {
		b.metrics.MessageReceived()
		b.logger.Info().Str("from", from).Str("to", msg.To).Str("message_id", msg.MessageID).Msg("Email recebido")
		b.events.Raise(storage.EventReceived, msg)
	}

	return nil
}

func (b *SMTPBackend) rollback(created []*storage.Message) {
	for _, msg := range created {
		if err := b.store.DeleteMessage(msg.ID); err != nil {
			b.logger.Error().Err(err).Int64("id", msg.ID).Msg("Falha ao remover registro de transação rejeitada")
		}
	}
}

// errorLog encaminha os erros internos do go-smtp para o zerolog
type errorLog struct {
	logger zerolog.Logger
}

func (l errorLog) Printf(format string, v ...interface{}) {
	l.logger.Error().Msgf(format, v...)
}

func (l errorLog) Println(v ...interface{}) {
	l.logger.Error().Msg(fmt.Sprint(v...))
}

// NewSMTPServer cria o servidor SMTP de entrada a partir da configuração
func NewSMTPServer(cfg *config.Config, be *SMTPBackend, logger zerolog.Logger) (*smtp.Server, error) {
	maxBytes, err := cfg.SMTP.MaxMessageBytes()
	if err != nil {
		return nil, err
	}

	s := smtp.NewServer(be)

	s.Addr = cfg.SMTP.ListenAddr()
	s.Domain = cfg.SMTP.Domain
	s.ReadTimeout = cfg.SMTP.ReadTimeout
	s.WriteTimeout = cfg.SMTP.WriteTimeout
	s.MaxMessageBytes = int(maxBytes)
	s.MaxRecipients = cfg.SMTP.MaxRecipients
	s.AuthDisabled = true
	s.ErrorLog = errorLog{logger: logger.With().Str("component", "smtp").Logger()}

	if cfg.SMTP.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(cfg.SMTP.TLSCert, cfg.SMTP.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("falha ao carregar certificado TLS: %w", err)
		}
		s.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	return s, nil
}
