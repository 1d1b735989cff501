package storage

import (
	"database/sql"
	"fmt"

	"github.com/carloslauriano/hermes/config"
	_ "github.com/lib/pq"
)

// PostgresStorage implementa a interface Storage para PostgreSQL
type PostgresStorage struct {
	sqlStorage
}

// NewPostgresStorage cria uma nova instância de armazenamento PostgreSQL
func NewPostgresStorage(cfg *config.DatabaseConfig) (Storage, error) {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, sslMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("falha ao abrir banco de dados PostgreSQL: %w", err)
	}

	return &PostgresStorage{
		sqlStorage: sqlStorage{db: db, dollarBinds: true},
	}, nil
}

// Open abre a conexão com o banco de dados
func (s *PostgresStorage) Open() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("falha ao conectar ao PostgreSQL: %w", err)
	}
	if err := s.createSchema(); err != nil {
		return fmt.Errorf("falha ao criar esquema PostgreSQL: %w", err)
	}
	return nil
}

// createSchema cria o esquema do banco de dados
func (s *PostgresStorage) createSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id BIGSERIAL PRIMARY KEY,
		message_id VARCHAR(255) NOT NULL UNIQUE,
		from_addr VARCHAR(255) NOT NULL,
		to_addr VARCHAR(255) NOT NULL,
		cc TEXT NOT NULL DEFAULT '',
		bcc TEXT NOT NULL DEFAULT '',
		subject TEXT NOT NULL,
		html_content TEXT NOT NULL DEFAULT '',
		text_content TEXT NOT NULL DEFAULT '',
		raw_content BYTEA,
		headers TEXT NOT NULL DEFAULT '',
		attachments TEXT NOT NULL DEFAULT '',
		status VARCHAR(16) NOT NULL,
		direction VARCHAR(16) NOT NULL,
		template_name VARCHAR(255) NOT NULL DEFAULT '',
		template_variables TEXT NOT NULL DEFAULT '',
		created TIMESTAMPTZ NOT NULL,
		sent_at TIMESTAMPTZ,
		received_at TIMESTAMPTZ,
		error_message TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status);
	CREATE INDEX IF NOT EXISTS idx_messages_direction ON messages(direction);
	CREATE INDEX IF NOT EXISTS idx_messages_to_addr ON messages(to_addr);

	CREATE TABLE IF NOT EXISTS subscriptions (
		id BIGSERIAL PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		url TEXT NOT NULL,
		event_type VARCHAR(32) NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		secret TEXT NOT NULL DEFAULT '',
		headers TEXT NOT NULL DEFAULT '',
		created TIMESTAMPTZ NOT NULL,
		updated TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_subscriptions_event ON subscriptions(event_type, active);

	CREATE TABLE IF NOT EXISTS deliveries (
		id BIGSERIAL PRIMARY KEY,
		subscription_id BIGINT NOT NULL REFERENCES subscriptions(id) ON DELETE CASCADE,
		message_id BIGINT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		status VARCHAR(16) NOT NULL,
		response_status INTEGER NOT NULL DEFAULT 0,
		response_body TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL DEFAULT 0,
		created TIMESTAMPTZ NOT NULL,
		delivered_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_deliveries_subscription ON deliveries(subscription_id);

	CREATE TABLE IF NOT EXISTS templates (
		id BIGSERIAL PRIMARY KEY,
		name VARCHAR(255) NOT NULL UNIQUE,
		subject TEXT NOT NULL,
		html_content TEXT NOT NULL DEFAULT '',
		text_content TEXT NOT NULL DEFAULT '',
		created TIMESTAMPTZ NOT NULL,
		updated TIMESTAMPTZ NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}
