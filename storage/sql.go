package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// sqlStorage contém as consultas compartilhadas entre SQLite e PostgreSQL.
// As consultas são escritas com "?" e reescritas para "$n" quando o dialeto
// exige.
type sqlStorage struct {
	db          *sql.DB
	dollarBinds bool
}

const messageColumns = `id, message_id, from_addr, to_addr, cc, bcc, subject, html_content,
	text_content, raw_content, headers, attachments, status, direction, template_name,
	template_variables, created, sent_at, received_at, error_message`

const subscriptionColumns = `id, name, url, event_type, active, secret, headers, created, updated`

const deliveryColumns = `id, subscription_id, message_id, status, response_status, response_body,
	error_message, attempts, created, delivered_at`

const templateColumns = `id, name, subject, html_content, text_content, created, updated`

// rebind troca os marcadores "?" por "$1", "$2"... no PostgreSQL
func (s *sqlStorage) rebind(query string) string {
	if !s.dollarBinds {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$")
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStorage) exec(query string, args ...any) (sql.Result, error) {
	return s.db.Exec(s.rebind(query), args...)
}

func (s *sqlStorage) queryRow(query string, args ...any) *sql.Row {
	return s.db.QueryRow(s.rebind(query), args...)
}

func (s *sqlStorage) query(query string, args ...any) (*sql.Rows, error) {
	return s.db.Query(s.rebind(query), args...)
}

// Close fecha a conexão com o banco de dados
func (s *sqlStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeJSON(data string, v any) error {
	if data == "" || data == "null" {
		return nil
	}
	return json.Unmarshal([]byte(data), v)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Implementações de Message

func (s *sqlStorage) CreateMessage(message *Message) error {
	if message.Created.IsZero() {
		message.Created = time.Now().UTC()
	}

	cc, err := encodeJSON(message.Cc)
	if err != nil {
		return fmt.Errorf("falha ao codificar cc: %w", err)
	}
	bcc, err := encodeJSON(message.Bcc)
	if err != nil {
		return fmt.Errorf("falha ao codificar bcc: %w", err)
	}
	headers, err := encodeJSON(message.Headers)
	if err != nil {
		return fmt.Errorf("falha ao codificar cabeçalhos: %w", err)
	}
	attachments, err := encodeJSON(message.Attachments)
	if err != nil {
		return fmt.Errorf("falha ao codificar anexos: %w", err)
	}
	vars, err := encodeJSON(message.TemplateVariables)
	if err != nil {
		return fmt.Errorf("falha ao codificar variáveis do modelo: %w", err)
	}

	var id int64
	err = s.queryRow(
		`INSERT INTO messages
		(message_id, from_addr, to_addr, cc, bcc, subject, html_content, text_content, raw_content,
		headers, attachments, status, direction, template_name, template_variables, created,
		sent_at, received_at, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		message.MessageID, message.From, message.To, cc, bcc, message.Subject,
		message.HTMLContent, message.TextContent, message.RawContent, headers, attachments,
		string(message.Status), string(message.Direction), message.TemplateName, vars,
		message.Created, nullTime(message.SentAt), nullTime(message.ReceivedAt), message.ErrorMessage,
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("falha ao criar mensagem: %w", err)
	}
	message.ID = id

	return nil
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		m                            Message
		cc, bcc, headers, atts, vars string
		status, direction            string
		sentAt, receivedAt           sql.NullTime
	)
	err := row.Scan(
		&m.ID, &m.MessageID, &m.From, &m.To, &cc, &bcc, &m.Subject, &m.HTMLContent,
		&m.TextContent, &m.RawContent, &headers, &atts, &status, &direction, &m.TemplateName,
		&vars, &m.Created, &sentAt, &receivedAt, &m.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}

	m.Status = Status(status)
	m.Direction = Direction(direction)
	m.SentAt = timePtr(sentAt)
	m.ReceivedAt = timePtr(receivedAt)

	for _, f := range []struct {
		data string
		dst  any
	}{
		{cc, &m.Cc}, {bcc, &m.Bcc}, {headers, &m.Headers}, {atts, &m.Attachments}, {vars, &m.TemplateVariables},
	} {
		if err := decodeJSON(f.data, f.dst); err != nil {
			return nil, fmt.Errorf("falha ao decodificar coluna JSON: %w", err)
		}
	}

	return &m, nil
}

func (s *sqlStorage) GetMessage(id int64) (*Message, error) {
	m, err := scanMessage(s.queryRow(
		"SELECT "+messageColumns+" FROM messages WHERE id = ?", id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	} else if err != nil {
		return nil, fmt.Errorf("falha ao obter mensagem: %w", err)
	}
	return m, nil
}

func (s *sqlStorage) GetMessageByMessageID(messageID string) (*Message, error) {
	m, err := scanMessage(s.queryRow(
		"SELECT "+messageColumns+" FROM messages WHERE message_id = ?", messageID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	} else if err != nil {
		return nil, fmt.Errorf("falha ao obter mensagem: %w", err)
	}
	return m, nil
}

func (s *sqlStorage) ListMessages(filter MessageFilter) ([]*Message, error) {
	var (
		where []string
		args  []any
	)
	if filter.To != "" {
		where = append(where, "to_addr = ?")
		args = append(args, filter.To)
	}
	if filter.From != "" {
		where = append(where, "from_addr = ?")
		args = append(args, filter.From)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Direction != "" {
		where = append(where, "direction = ?")
		args = append(args, string(filter.Direction))
	}
	if !filter.Since.IsZero() {
		where = append(where, "created >= ?")
		args = append(args, filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		where = append(where, "created <= ?")
		args = append(args, filter.Until.UTC())
	}

	q := "SELECT " + messageColumns + " FROM messages"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created DESC, id DESC"
	if filter.Limit > 0 {
		q += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("falha ao listar mensagens: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("falha ao ler dados da mensagem: %w", err)
		}
		messages = append(messages, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("erro ao iterar sobre mensagens: %w", err)
	}

	return messages, nil
}

func (s *sqlStorage) UpdateMessage(id int64, update MessageUpdate) error {
	if err := update.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}

	result, err := s.exec(
		"UPDATE messages SET status = ?, sent_at = ?, error_message = ? WHERE id = ? AND status = ?",
		string(update.Status), nullTime(update.SentAt), update.ErrorMessage, id, string(StatusPending),
	)
	if err != nil {
		return fmt.Errorf("falha ao atualizar mensagem: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("falha ao verificar atualização da mensagem: %w", err)
	}
	if n == 0 {
		if _, err := s.GetMessage(id); err != nil {
			return err
		}
		return ErrInvalidTransition
	}
	return nil
}

func (s *sqlStorage) DeleteMessage(id int64) error {
	if _, err := s.exec("DELETE FROM deliveries WHERE message_id = ?", id); err != nil {
		return fmt.Errorf("falha ao excluir entregas da mensagem: %w", err)
	}
	if _, err := s.exec("DELETE FROM messages WHERE id = ?", id); err != nil {
		return fmt.Errorf("falha ao excluir mensagem: %w", err)
	}
	return nil
}

// Implementações de Subscription

func (s *sqlStorage) CreateSubscription(sub *Subscription) error {
	now := time.Now().UTC()
	sub.Created = now
	sub.Updated = now

	headers, err := encodeJSON(sub.Headers)
	if err != nil {
		return fmt.Errorf("falha ao codificar cabeçalhos: %w", err)
	}

	var id int64
	err = s.queryRow(
		`INSERT INTO subscriptions (name, url, event_type, active, secret, headers, created, updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		sub.Name, sub.URL, string(sub.EventType), sub.Active, sub.Secret, headers, sub.Created, sub.Updated,
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("falha ao criar assinatura: %w", err)
	}
	sub.ID = id

	return nil
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	var (
		sub            Subscription
		event, headers string
	)
	if err := row.Scan(&sub.ID, &sub.Name, &sub.URL, &event, &sub.Active, &sub.Secret, &headers, &sub.Created, &sub.Updated); err != nil {
		return nil, err
	}
	sub.EventType = EventType(event)
	if err := decodeJSON(headers, &sub.Headers); err != nil {
		return nil, fmt.Errorf("falha ao decodificar cabeçalhos: %w", err)
	}
	return &sub, nil
}

func (s *sqlStorage) GetSubscription(id int64) (*Subscription, error) {
	sub, err := scanSubscription(s.queryRow(
		"SELECT "+subscriptionColumns+" FROM subscriptions WHERE id = ?", id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	} else if err != nil {
		return nil, fmt.Errorf("falha ao obter assinatura: %w", err)
	}
	return sub, nil
}

func (s *sqlStorage) ListActiveSubscriptions(event EventType) ([]*Subscription, error) {
	rows, err := s.query(
		"SELECT "+subscriptionColumns+" FROM subscriptions WHERE event_type = ? AND active = ? ORDER BY id",
		string(event), true,
	)
	if err != nil {
		return nil, fmt.Errorf("falha ao listar assinaturas: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("falha ao ler dados da assinatura: %w", err)
		}
		subs = append(subs, sub)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("erro ao iterar sobre assinaturas: %w", err)
	}

	return subs, nil
}

// Implementações de Delivery

func (s *sqlStorage) CreateDelivery(delivery *Delivery) error {
	if delivery.Created.IsZero() {
		delivery.Created = time.Now().UTC()
	}
	if delivery.Status == "" {
		delivery.Status = DeliveryPending
	}

	var id int64
	err := s.queryRow(
		`INSERT INTO deliveries
		(subscription_id, message_id, status, response_status, response_body, error_message, attempts, created, delivered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		delivery.SubscriptionID, delivery.MessageID, string(delivery.Status), delivery.ResponseStatus,
		delivery.ResponseBody, delivery.ErrorMessage, delivery.Attempts, delivery.Created,
		nullTime(delivery.DeliveredAt),
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("falha ao criar entrega: %w", err)
	}
	delivery.ID = id

	return nil
}

func scanDelivery(row rowScanner) (*Delivery, error) {
	var (
		d           Delivery
		status      string
		deliveredAt sql.NullTime
	)
	err := row.Scan(
		&d.ID, &d.SubscriptionID, &d.MessageID, &status, &d.ResponseStatus, &d.ResponseBody,
		&d.ErrorMessage, &d.Attempts, &d.Created, &deliveredAt,
	)
	if err != nil {
		return nil, err
	}
	d.Status = DeliveryStatus(status)
	d.DeliveredAt = timePtr(deliveredAt)
	return &d, nil
}

func (s *sqlStorage) GetDelivery(id int64) (*Delivery, error) {
	d, err := scanDelivery(s.queryRow(
		"SELECT "+deliveryColumns+" FROM deliveries WHERE id = ?", id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeliveryNotFound
	} else if err != nil {
		return nil, fmt.Errorf("falha ao obter entrega: %w", err)
	}
	return d, nil
}

func (s *sqlStorage) UpdateDelivery(id int64, update DeliveryUpdate) error {
	if err := update.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}

	result, err := s.exec(
		`UPDATE deliveries SET status = ?, attempts = ?, response_status = ?, response_body = ?,
		error_message = ?, delivered_at = ? WHERE id = ? AND status = ?`,
		string(update.Status), update.Attempts, update.ResponseStatus, update.ResponseBody,
		update.ErrorMessage, nullTime(update.DeliveredAt), id, string(DeliveryPending),
	)
	if err != nil {
		return fmt.Errorf("falha ao atualizar entrega: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("falha ao verificar atualização da entrega: %w", err)
	}
	if n == 0 {
		if _, err := s.GetDelivery(id); err != nil {
			return err
		}
		return ErrInvalidTransition
	}
	return nil
}

func (s *sqlStorage) ListDeliveries(subscriptionID int64) ([]*Delivery, error) {
	rows, err := s.query(
		"SELECT "+deliveryColumns+" FROM deliveries WHERE subscription_id = ? ORDER BY created DESC, id DESC",
		subscriptionID,
	)
	if err != nil {
		return nil, fmt.Errorf("falha ao listar entregas: %w", err)
	}
	defer rows.Close()

	var deliveries []*Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("falha ao ler dados da entrega: %w", err)
		}
		deliveries = append(deliveries, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("erro ao iterar sobre entregas: %w", err)
	}

	return deliveries, nil
}

// Implementações de Template

func (s *sqlStorage) CreateTemplate(tmpl *Template) error {
	now := time.Now().UTC()
	tmpl.Created = now
	tmpl.Updated = now

	var id int64
	err := s.queryRow(
		`INSERT INTO templates (name, subject, html_content, text_content, created, updated)
		VALUES (?, ?, ?, ?, ?, ?) RETURNING id`,
		tmpl.Name, tmpl.Subject, tmpl.HTMLContent, tmpl.TextContent, tmpl.Created, tmpl.Updated,
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("falha ao criar modelo: %w", err)
	}
	tmpl.ID = id

	return nil
}

func (s *sqlStorage) GetTemplate(name string) (*Template, error) {
	tmpl := &Template{}
	err := s.queryRow(
		"SELECT "+templateColumns+" FROM templates WHERE name = ?", name,
	).Scan(&tmpl.ID, &tmpl.Name, &tmpl.Subject, &tmpl.HTMLContent, &tmpl.TextContent, &tmpl.Created, &tmpl.Updated)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTemplateNotFound
	} else if err != nil {
		return nil, fmt.Errorf("falha ao obter modelo: %w", err)
	}

	return tmpl, nil
}
