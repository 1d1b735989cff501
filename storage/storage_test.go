package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/carloslauriano/hermes/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backends abre uma instância de cada armazenamento embutido para que os
// mesmos testes rodem em todos
func backends(t *testing.T) map[string]Storage {
	t.Helper()

	out := map[string]Storage{}
	for _, typ := range []string{"sqlite", "bolt"} {
		cfg := &config.Config{Database: config.DatabaseConfig{
			Type: typ,
			Path: filepath.Join(t.TempDir(), "hermes."+typ),
		}}
		s, err := NewStorage(cfg)
		require.NoError(t, err)
		require.NoError(t, s.Open())
		t.Cleanup(func() { s.Close() })
		out[typ] = s
	}
	return out
}

func pendingMessage(messageID, to string) *Message {
	return &Message{
		MessageID:   messageID,
		From:        "sender@example.com",
		To:          to,
		Cc:          []string{"cc@example.com"},
		Subject:     "Hello",
		TextContent: "Hi there",
		Headers:     map[string]string{"X-Campaign": "launch"},
		Attachments: []Attachment{{Filename: "a.txt", ContentType: "text/plain", Size: 3}},
		Status:      StatusPending,
		Direction:   DirectionOutbound,
		TemplateVariables: map[string]any{
			"name": "Ada",
		},
	}
}

func TestMessageLifecycle(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			m := pendingMessage("lifecycle-1@example.com", "rcpt@example.org")
			require.NoError(t, s.CreateMessage(m))
			require.NotZero(t, m.ID)

			got, err := s.GetMessage(m.ID)
			require.NoError(t, err)
			assert.Equal(t, m.MessageID, got.MessageID)
			assert.Equal(t, StatusPending, got.Status)
			assert.Equal(t, []string{"cc@example.com"}, got.Cc)
			assert.Equal(t, "launch", got.Headers["X-Campaign"])
			assert.Equal(t, "a.txt", got.Attachments[0].Filename)
			assert.Equal(t, "Ada", got.TemplateVariables["name"])
			assert.Nil(t, got.SentAt)

			byID, err := s.GetMessageByMessageID(m.MessageID)
			require.NoError(t, err)
			assert.Equal(t, m.ID, byID.ID)

			sentAt := time.Now().UTC()
			require.NoError(t, s.UpdateMessage(m.ID, MarkSent(sentAt)))

			got, err = s.GetMessage(m.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusSent, got.Status)
			require.NotNil(t, got.SentAt)
			assert.WithinDuration(t, sentAt, *got.SentAt, time.Second)
			assert.Empty(t, got.ErrorMessage)

			// Estado terminal não admite nova transição
			err = s.UpdateMessage(m.ID, MarkFailed("late failure"))
			assert.ErrorIs(t, err, ErrInvalidTransition)

			got, err = s.GetMessage(m.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusSent, got.Status)
			assert.Empty(t, got.ErrorMessage)
		})
	}
}

func TestMessageFailedTransition(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			m := pendingMessage("failed-1@example.com", "rcpt@example.org")
			require.NoError(t, s.CreateMessage(m))
			require.NoError(t, s.UpdateMessage(m.ID, MarkFailed("connection refused")))

			got, err := s.GetMessage(m.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusFailed, got.Status)
			assert.Equal(t, "connection refused", got.ErrorMessage)
			assert.Nil(t, got.SentAt)

			assert.ErrorIs(t, s.UpdateMessage(m.ID, MarkSent(time.Now())), ErrInvalidTransition)
		})
	}
}

func TestMessageNotFound(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.GetMessage(999)
			assert.ErrorIs(t, err, ErrMessageNotFound)

			_, err = s.GetMessageByMessageID("missing@example.com")
			assert.ErrorIs(t, err, ErrMessageNotFound)

			assert.ErrorIs(t, s.UpdateMessage(999, MarkFailed("x")), ErrMessageNotFound)
		})
	}
}

func TestUpdateMessageRejectsInconsistentUpdate(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			m := pendingMessage("inconsistent@example.com", "rcpt@example.org")
			require.NoError(t, s.CreateMessage(m))

			now := time.Now()
			err := s.UpdateMessage(m.ID, MessageUpdate{Status: StatusSent, SentAt: &now, ErrorMessage: "both"})
			assert.ErrorIs(t, err, ErrInvalidTransition)

			got, err := s.GetMessage(m.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusPending, got.Status)
		})
	}
}

func TestListMessages(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			a := pendingMessage("list-a@example.com", "a@example.org")
			b := pendingMessage("list-b@example.com", "b@example.org")
			c := pendingMessage("list-c@example.com", "a@example.org")
			c.Direction = DirectionInbound
			c.Status = StatusReceived
			for _, m := range []*Message{a, b, c} {
				require.NoError(t, s.CreateMessage(m))
			}

			all, err := s.ListMessages(MessageFilter{})
			require.NoError(t, err)
			assert.Len(t, all, 3)

			toA, err := s.ListMessages(MessageFilter{To: "a@example.org"})
			require.NoError(t, err)
			assert.Len(t, toA, 2)

			inbound, err := s.ListMessages(MessageFilter{Direction: DirectionInbound})
			require.NoError(t, err)
			require.Len(t, inbound, 1)
			assert.Equal(t, c.MessageID, inbound[0].MessageID)

			page, err := s.ListMessages(MessageFilter{Limit: 2})
			require.NoError(t, err)
			assert.Len(t, page, 2)
		})
	}
}

func TestSubscriptionsAndDeliveries(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			active := &Subscription{Name: "crm", URL: "http://crm.test/hook", EventType: EventSent, Active: true, Secret: "s3cr3t"}
			inactive := &Subscription{Name: "old", URL: "http://old.test/hook", EventType: EventSent, Active: false}
			other := &Subscription{Name: "inbox", URL: "http://inbox.test/hook", EventType: EventReceived, Active: true}
			for _, sub := range []*Subscription{active, inactive, other} {
				require.NoError(t, s.CreateSubscription(sub))
			}

			subs, err := s.ListActiveSubscriptions(EventSent)
			require.NoError(t, err)
			require.Len(t, subs, 1)
			assert.Equal(t, active.ID, subs[0].ID)
			assert.Equal(t, "s3cr3t", subs[0].Secret)

			m := pendingMessage("delivery@example.com", "rcpt@example.org")
			require.NoError(t, s.CreateMessage(m))

			d := &Delivery{SubscriptionID: active.ID, MessageID: m.ID}
			require.NoError(t, s.CreateDelivery(d))
			assert.Equal(t, DeliveryPending, d.Status)

			require.NoError(t, s.UpdateDelivery(d.ID, DeliveryUpdate{
				Status:         DeliveryPending,
				Attempts:       1,
				ResponseStatus: 500,
				ErrorMessage:   "HTTP 500",
			}))

			now := time.Now().UTC()
			require.NoError(t, s.UpdateDelivery(d.ID, DeliveryUpdate{
				Status:         DeliverySuccess,
				Attempts:       2,
				ResponseStatus: 200,
				ResponseBody:   "ok",
				DeliveredAt:    &now,
			}))

			got, err := s.GetDelivery(d.ID)
			require.NoError(t, err)
			assert.Equal(t, DeliverySuccess, got.Status)
			assert.Equal(t, 2, got.Attempts)
			assert.Equal(t, 200, got.ResponseStatus)
			require.NotNil(t, got.DeliveredAt)

			err = s.UpdateDelivery(d.ID, DeliveryUpdate{Status: DeliveryFailed, Attempts: 3})
			assert.ErrorIs(t, err, ErrInvalidTransition)

			list, err := s.ListDeliveries(active.ID)
			require.NoError(t, err)
			assert.Len(t, list, 1)

			// Excluir a mensagem remove as entregas associadas
			require.NoError(t, s.DeleteMessage(m.ID))
			_, err = s.GetDelivery(d.ID)
			assert.ErrorIs(t, err, ErrDeliveryNotFound)
			_, err = s.GetMessage(m.ID)
			assert.ErrorIs(t, err, ErrMessageNotFound)
		})
	}
}

func TestTemplates(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			tmpl := &Template{Name: "welcome", Subject: "Hi {{.name}}", TextContent: "Welcome {{.name}}"}
			require.NoError(t, s.CreateTemplate(tmpl))
			assert.NotZero(t, tmpl.ID)

			got, err := s.GetTemplate("welcome")
			require.NoError(t, err)
			assert.Equal(t, "Hi {{.name}}", got.Subject)

			_, err = s.GetTemplate("nope")
			assert.ErrorIs(t, err, ErrTemplateNotFound)

			assert.Error(t, s.CreateTemplate(&Template{Name: "welcome", Subject: "dup"}))
		})
	}
}

func TestDeliveryUpdateValidate(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		update  DeliveryUpdate
		wantErr bool
	}{
		{"pending retry", DeliveryUpdate{Status: DeliveryPending, Attempts: 1}, false},
		{"success", DeliveryUpdate{Status: DeliverySuccess, Attempts: 1, DeliveredAt: &now}, false},
		{"success without timestamp", DeliveryUpdate{Status: DeliverySuccess, Attempts: 1}, true},
		{"failed with timestamp", DeliveryUpdate{Status: DeliveryFailed, Attempts: 3, DeliveredAt: &now}, true},
		{"zero attempts", DeliveryUpdate{Status: DeliveryFailed}, true},
		{"unknown status", DeliveryUpdate{Status: "lost", Attempts: 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.update.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
