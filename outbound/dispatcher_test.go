package outbound

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/carloslauriano/hermes/config"
	"github.com/carloslauriano/hermes/smtptest"
	"github.com/carloslauriano/hermes/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type raised struct {
	event storage.EventType
	msg   storage.Message
}

// recordingSink guarda uma cópia de cada evento disparado
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

func newTestStore(t *testing.T) storage.Storage {
	t.Helper()

	store, err := storage.NewBoltStorage(&config.DatabaseConfig{
		Type: "bolt",
		Path: filepath.Join(t.TempDir(), "hermes.bolt"),
	})
	require.NoError(t, err)
	require.NoError(t, store.Open())
	t.Cleanup(func() { store.Close() })
	return store
}

func relayDispatcher(t *testing.T, store storage.Storage, sink EventSink) (*Dispatcher, *smtptest.Server) {
	t.Helper()

	srv := smtptest.NewServer(t, smtptest.Options{})
	cfg := testConfig()
	cfg.Outbound = relayConfig(srv)

	router := NewRouter(cfg.Outbound, "relay.test", nil, zerolog.Nop())
	router.TLSConfig = srv.ClientTLS

	composer := NewComposer(cfg, testRenderer(), nil, zerolog.Nop())
	return NewDispatcher(store, composer, router, sink, nil, zerolog.Nop()), srv
}

func TestSendRecordsSentMessage(t *testing.T) {
	store := newTestStore(t)
	sink := &recordingSink{}
	d, srv := relayDispatcher(t, store, sink)

	msg, err := d.Send(context.Background(), SendRequest{
		From:    "sender@relay.test",
		To:      "rcpt@example.org",
		Bcc:     []string{"audit@example.org"},
		Subject: "Hello",
		Text:    "body",
	})
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSent, msg.Status)
	require.NotNil(t, msg.SentAt)
	assert.Empty(t, msg.ErrorMessage)

	stored, err := store.GetMessage(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSent, stored.Status)
	assert.Equal(t, storage.DirectionOutbound, stored.Direction)
	assert.Equal(t, msg.MessageID, stored.MessageID)
	assert.Equal(t, []string{"audit@example.org"}, stored.Bcc)
	require.NotNil(t, stored.SentAt)

	got := srv.Received()
	require.Len(t, got, 1)
	assert.Equal(t, []string{"rcpt@example.org", "audit@example.org"}, got[0].To)
	assert.Contains(t, string(got[0].Data), "<"+msg.MessageID+">")

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, storage.EventSent, events[0].event)
	assert.Equal(t, msg.ID, events[0].msg.ID)
}

func TestSendRecordsFailure(t *testing.T) {
	store := newTestStore(t)
	sink := &recordingSink{}

	cfg := testConfig()
	router := NewRouter(cfg.Outbound, "relay.test", nil, zerolog.Nop())
	router.Resolver = fakeResolver{"nowhere.test": nil}
	router.Dial = (&routedDialer{}).dial

	d := NewDispatcher(store, NewComposer(cfg, testRenderer(), nil, zerolog.Nop()), router, sink, nil, zerolog.Nop())

	msg, err := d.Send(context.Background(), SendRequest{
		To:      "rcpt@nowhere.test",
		Subject: "Hello",
		Text:    "body",
	})
	var tErr *TransmissionError
	require.True(t, errors.As(err, &tErr))
	require.NotNil(t, msg)
	assert.Equal(t, storage.StatusFailed, msg.Status)
	assert.Nil(t, msg.SentAt)
	assert.NotEmpty(t, msg.ErrorMessage)

	stored, err := store.GetMessage(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, stored.Status)
	assert.Nil(t, stored.SentAt)
	assert.Equal(t, msg.ErrorMessage, stored.ErrorMessage)

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, storage.EventFailed, events[0].event)
}

func TestSendValidationLeavesNoRecord(t *testing.T) {
	store := newTestStore(t)
	sink := &recordingSink{}
	d, srv := relayDispatcher(t, store, sink)

	tests := []struct {
		name string
		req  SendRequest
	}{
		{"bad recipient", SendRequest{To: "nope", Subject: "s", Text: "t"}},
		{"missing template", SendRequest{To: "a@example.org", Template: "missing"}},
		{"missing variable", SendRequest{To: "a@example.org", Template: "welcome"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := d.Send(context.Background(), tt.req)
			assert.Nil(t, msg)
			var vErr *ValidationError
			assert.True(t, errors.As(err, &vErr), "got %v", err)
		})
	}

	msgs, err := store.ListMessages(storage.MessageFilter{})
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Empty(t, sink.all())
	assert.Empty(t, srv.Received())
}

func TestSendWithTemplateStoresVariables(t *testing.T) {
	store := newTestStore(t)
	d, _ := relayDispatcher(t, store, &recordingSink{})

	msg, err := d.Send(context.Background(), SendRequest{
		To:        "rcpt@example.org",
		Template:  "welcome",
		Variables: map[string]any{"name": "Ada"},
	})
	require.NoError(t, err)

	stored, err := store.GetMessage(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "welcome", stored.TemplateName)
	assert.Equal(t, "Ada", stored.TemplateVariables["name"])
	assert.Equal(t, "Welcome Ada", stored.Subject)
	assert.Equal(t, "<p>Hi Ada</p>", stored.HTMLContent)
}

func TestResendCreatesNewMessage(t *testing.T) {
	store := newTestStore(t)
	sink := &recordingSink{}
	d, srv := relayDispatcher(t, store, sink)

	orig, err := d.Send(context.Background(), SendRequest{
		To:      "rcpt@example.org",
		Cc:      []string{"cc@example.org"},
		Subject: "Hello",
		HTML:    "<p>body</p>",
	})
	require.NoError(t, err)

	again, err := d.Resend(context.Background(), orig.ID)
	require.NoError(t, err)
	assert.NotEqual(t, orig.ID, again.ID)
	assert.NotEqual(t, orig.MessageID, again.MessageID)
	assert.Equal(t, orig.To, again.To)
	assert.Equal(t, orig.Cc, again.Cc)
	assert.Equal(t, orig.Subject, again.Subject)
	assert.Equal(t, storage.StatusSent, again.Status)

	stored, err := store.GetMessage(orig.ID)
	require.NoError(t, err)
	assert.Equal(t, orig.MessageID, stored.MessageID)
	assert.Equal(t, orig.SentAt.Unix(), stored.SentAt.Unix())

	assert.Len(t, srv.Received(), 2)
	assert.Len(t, sink.all(), 2)
}

func TestResendKeepsTemplateWithoutRendering(t *testing.T) {
	store := newTestStore(t)
	d, srv := relayDispatcher(t, store, &recordingSink{})

	orig := &storage.Message{
		MessageID:         "orig@relay.test",
		From:              "sender@relay.test",
		To:                "rcpt@example.org",
		Subject:           "Stored subject",
		HTMLContent:       "<p>stored body</p>",
		Status:            storage.StatusSent,
		Direction:         storage.DirectionOutbound,
		TemplateName:      "welcome",
		TemplateVariables: map[string]any{"name": "Ada"},
	}
	require.NoError(t, store.CreateMessage(orig))

	again, err := d.Resend(context.Background(), orig.ID)
	require.NoError(t, err)

	stored, err := store.GetMessage(again.ID)
	require.NoError(t, err)
	assert.Equal(t, "welcome", stored.TemplateName)
	assert.Equal(t, "Ada", stored.TemplateVariables["name"])
	assert.Equal(t, "Stored subject", stored.Subject)
	assert.Equal(t, "<p>stored body</p>", stored.HTMLContent)

	received := srv.Received()
	require.Len(t, received, 1)
	assert.Contains(t, string(received[0].Data), "Stored subject")
}

func TestResendRejectsInbound(t *testing.T) {
	store := newTestStore(t)
	d, _ := relayDispatcher(t, store, &recordingSink{})

	inbound := &storage.Message{
		MessageID: "abc@remote.test",
		From:      "someone@remote.test",
		To:        "inbox@relay.test",
		Subject:   "Hi",
		Status:    storage.StatusReceived,
		Direction: storage.DirectionInbound,
	}
	require.NoError(t, store.CreateMessage(inbound))

	_, err := d.Resend(context.Background(), inbound.ID)
	var vErr *ValidationError
	assert.True(t, errors.As(err, &vErr))

	_, err = d.Resend(context.Background(), 9999)
	assert.ErrorIs(t, err, storage.ErrMessageNotFound)
}
