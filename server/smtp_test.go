package server

import (
	"bytes"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/carloslauriano/hermes/config"
	"github.com/carloslauriano/hermes/storage"
	"github.com/emersion/go-smtp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type raised struct {
	event storage.EventType
	msg   storage.Message
}

type recordingSink struct {
	mu     sync.Mutex
	events []raised
}

func (s *recordingSink) Raise(event storage.EventType, msg *storage.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, raised{event: event, msg: *msg})
}

func (s *recordingSink) all() []raised {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]raised(nil), s.events...)
}

// failingStore falha ao criar a n-ésima mensagem
type failingStore struct {
	storage.Storage
	failAt int
	calls  int
}

func (s *failingStore) CreateMessage(m *storage.Message) error {
	s.calls++
	if s.calls == s.failAt {
		return errors.New("disk full")
	}
	return s.Storage.CreateMessage(m)
}

func newTestStore(t *testing.T) storage.Storage {
	t.Helper()

	store, err := storage.NewSQLiteStorage(&config.DatabaseConfig{
		Type: "sqlite",
		Path: filepath.Join(t.TempDir(), "hermes.db"),
	})
	require.NoError(t, err)
	require.NoError(t, store.Open())
	t.Cleanup(func() { store.Close() })
	return store
}

func testSMTPConfig(maxSize string) *config.Config {
	return &config.Config{
		SMTP: config.SMTPConfig{
			Address:        "127.0.0.1",
			Domain:         "relay.test",
			MaxMessageSize: maxSize,
			MaxRecipients:  10,
			ReadTimeout:    5 * time.Second,
			WriteTimeout:   5 * time.Second,
		},
	}
}

// startServer sobe o servidor de entrada numa porta livre e retorna o
// endereço
func startServer(t *testing.T, cfg *config.Config, store storage.Storage, sink EventSink) string {
	t.Helper()

	be := NewSMTPBackend(store, sink, nil, zerolog.Nop())
	srv, err := NewSMTPServer(cfg, be, zerolog.Nop())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	return ln.Addr().String()
}

const inboundMessage = "From: Sender <sender@remote.test>\r\n" +
	"To: a@relay.test, b@relay.test\r\n" +
	"Subject: Greetings\r\n" +
	"Message-ID: <base-1@remote.test>\r\n" +
	"X-Campaign: spring\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"hello there\r\n"

func TestIntakeFansOutPerRecipient(t *testing.T) {
	store := newTestStore(t)
	sink := &recordingSink{}
	addr := startServer(t, testSMTPConfig("10MB"), store, sink)

	recipients := []string{"a@relay.test", "b@relay.test", "c@relay.test"}
	err := smtp.SendMail(addr, nil, "sender@remote.test", recipients, strings.NewReader(inboundMessage))
	require.NoError(t, err)

	msgs, err := store.ListMessages(storage.MessageFilter{Direction: storage.DirectionInbound})
	require.NoError(t, err)
	require.Len(t, msgs, len(recipients))

	byRcpt := map[string]*storage.Message{}
	for _, m := range msgs {
		byRcpt[m.To] = m
	}
	for _, rcpt := range recipients {
		m, ok := byRcpt[rcpt]
		require.True(t, ok, rcpt)
		assert.Equal(t, "base-1@remote.test-"+rcpt, m.MessageID)
		assert.Equal(t, "sender@remote.test", m.From)
		assert.Equal(t, "Greetings", m.Subject)
		assert.Equal(t, "hello there\r\n", m.TextContent)
		assert.Equal(t, storage.StatusReceived, m.Status)
		assert.Equal(t, "spring", m.Headers["X-Campaign"])
		assert.NotContains(t, m.Headers, "Subject")
		require.NotNil(t, m.ReceivedAt)
		assert.Nil(t, m.SentAt)
		assert.Empty(t, m.ErrorMessage)
		assert.True(t, bytes.Contains(m.RawContent, []byte("hello there")))
	}

	events := sink.all()
	require.Len(t, events, len(recipients))
	for i, ev := range events {
		assert.Equal(t, storage.EventReceived, ev.event)
		assert.Equal(t, recipients[i], ev.msg.To)
		assert.NotZero(t, ev.msg.ID)
	}
}

func TestIntakeSessionsAreIndependent(t *testing.T) {
	store := newTestStore(t)
	sink := &recordingSink{}
	addr := startServer(t, testSMTPConfig("10MB"), store, sink)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- smtp.SendMail(addr, nil, "sender@remote.test", []string{"a@relay.test", "b@relay.test"}, strings.NewReader("Subject: hi\r\n\r\nbody\r\n"))
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	msgs, err := store.ListMessages(storage.MessageFilter{})
	require.NoError(t, err)
	assert.Len(t, msgs, 8)
	assert.Len(t, sink.all(), 8)
}

func TestIntakeRejectsOnPersistenceFailure(t *testing.T) {
	store := &failingStore{Storage: newTestStore(t), failAt: 2}
	sink := &recordingSink{}
	addr := startServer(t, testSMTPConfig("10MB"), store, sink)

	err := smtp.SendMail(addr, nil, "sender@remote.test", []string{"a@relay.test", "b@relay.test"}, strings.NewReader(inboundMessage))
	var smtpErr *smtp.SMTPError
	require.True(t, errors.As(err, &smtpErr), "got %v", err)
	assert.Equal(t, 554, smtpErr.Code)

	msgs, err := store.ListMessages(storage.MessageFilter{})
	require.NoError(t, err)
	assert.Empty(t, msgs, "rejected transfer must leave no records")
	assert.Empty(t, sink.all())
}

func TestIntakeRecipientsDifferingInCase(t *testing.T) {
	store := newTestStore(t)
	sink := &recordingSink{}
	addr := startServer(t, testSMTPConfig("10MB"), store, sink)

	recipients := []string{"John@relay.test", "john@relay.test"}
	err := smtp.SendMail(addr, nil, "sender@remote.test", recipients, strings.NewReader(inboundMessage))
	require.NoError(t, err)

	msgs, err := store.ListMessages(storage.MessageFilter{Direction: storage.DirectionInbound})
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	ids := map[string]bool{}
	for _, m := range msgs {
		ids[m.MessageID] = true
	}
	assert.True(t, ids["base-1@remote.test-John@relay.test"])
	assert.True(t, ids["base-1@remote.test-john@relay.test"])
	assert.Len(t, sink.all(), 2)
}

func TestRecipientMessageID(t *testing.T) {
	assert.Equal(t, "id-John@relay.test", recipientMessageID("id", "John@Relay.TEST"))
	assert.Equal(t, "id-postmaster", recipientMessageID("id", "postmaster"))
}

func TestIntakeRejectsMalformedMessage(t *testing.T) {
	store := newTestStore(t)
	sink := &recordingSink{}
	addr := startServer(t, testSMTPConfig("10MB"), store, sink)

	err := smtp.SendMail(addr, nil, "sender@remote.test", []string{"a@relay.test"}, strings.NewReader("not a header\r\n\r\nbody\r\n"))
	var smtpErr *smtp.SMTPError
	require.True(t, errors.As(err, &smtpErr), "got %v", err)
	assert.Equal(t, 554, smtpErr.Code)

	msgs, err := store.ListMessages(storage.MessageFilter{})
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Empty(t, sink.all())
}

func TestIntakeEnforcesMaxMessageSize(t *testing.T) {
	store := newTestStore(t)
	sink := &recordingSink{}
	addr := startServer(t, testSMTPConfig("1KB"), store, sink)

	body := "Subject: big\r\n\r\n" + strings.Repeat("0123456789\r\n", 500)
	err := smtp.SendMail(addr, nil, "sender@remote.test", []string{"a@relay.test"}, strings.NewReader(body))
	var smtpErr *smtp.SMTPError
	require.True(t, errors.As(err, &smtpErr), "got %v", err)
	assert.Equal(t, 552, smtpErr.Code)
	assert.Empty(t, sink.all())
}

func TestNewSMTPServerAppliesConfig(t *testing.T) {
	cfg := testSMTPConfig("2MB")
	cfg.SMTP.Port = 2525

	srv, err := NewSMTPServer(cfg, NewSMTPBackend(nil, nil, nil, zerolog.Nop()), zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:2525", srv.Addr)
	assert.Equal(t, "relay.test", srv.Domain)
	assert.Equal(t, 2000000, srv.MaxMessageBytes)
	assert.Equal(t, 10, srv.MaxRecipients)
	assert.True(t, srv.AuthDisabled)
	assert.Nil(t, srv.TLSConfig)

	cfg.SMTP.TLSCert = filepath.Join(t.TempDir(), "missing.pem")
	cfg.SMTP.TLSKey = cfg.SMTP.TLSCert
	_, err = NewSMTPServer(cfg, NewSMTPBackend(nil, nil, nil, zerolog.Nop()), zerolog.Nop())
	assert.Error(t, err)
}
