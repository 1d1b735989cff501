package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/carloslauriano/hermes/config"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStorage implementa a interface Storage para SQLite
type SQLiteStorage struct {
	sqlStorage
	path string
}

// NewSQLiteStorage cria uma nova instância de armazenamento SQLite
func NewSQLiteStorage(cfg *config.DatabaseConfig) (Storage, error) {
	// Garantir que o diretório existe
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("falha ao criar diretório para SQLite: %w", err)
	}

	return &SQLiteStorage{
		path: cfg.Path,
	}, nil
}

// Open abre a conexão com o banco de dados
func (s *SQLiteStorage) Open() error {
	db, err := sql.Open("sqlite3", s.path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("falha ao abrir banco de dados SQLite: %w", err)
	}
	// SQLite serializa escritas; uma conexão evita SQLITE_BUSY entre goroutines
	db.SetMaxOpenConns(1)
	s.db = db

	if err := s.createSchema(); err != nil {
		s.db.Close()
		return fmt.Errorf("falha ao criar esquema SQLite: %w", err)
	}

	return nil
}

// createSchema cria o esquema do banco de dados
func (s *SQLiteStorage) createSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT NOT NULL UNIQUE,
		from_addr TEXT NOT NULL,
		to_addr TEXT NOT NULL,
		cc TEXT NOT NULL DEFAULT '',
		bcc TEXT NOT NULL DEFAULT '',
		subject TEXT NOT NULL,
		html_content TEXT NOT NULL DEFAULT '',
		text_content TEXT NOT NULL DEFAULT '',
		raw_content BLOB,
		headers TEXT NOT NULL DEFAULT '',
		attachments TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		direction TEXT NOT NULL,
		template_name TEXT NOT NULL DEFAULT '',
		template_variables TEXT NOT NULL DEFAULT '',
		created DATETIME NOT NULL,
		sent_at DATETIME,
		received_at DATETIME,
		error_message TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status);
	CREATE INDEX IF NOT EXISTS idx_messages_direction ON messages(direction);
	CREATE INDEX IF NOT EXISTS idx_messages_to_addr ON messages(to_addr);

	CREATE TABLE IF NOT EXISTS subscriptions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		url TEXT NOT NULL,
		event_type TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT 1,
		secret TEXT NOT NULL DEFAULT '',
		headers TEXT NOT NULL DEFAULT '',
		created DATETIME NOT NULL,
		updated DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_subscriptions_event ON subscriptions(event_type, active);

	CREATE TABLE IF NOT EXISTS deliveries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		subscription_id INTEGER NOT NULL,
		message_id INTEGER NOT NULL,
		status TEXT NOT NULL,
		response_status INTEGER NOT NULL DEFAULT 0,
		response_body TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL DEFAULT 0,
		created DATETIME NOT NULL,
		delivered_at DATETIME,
		FOREIGN KEY (subscription_id) REFERENCES subscriptions(id) ON DELETE CASCADE,
		FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_deliveries_subscription ON deliveries(subscription_id);

	CREATE TABLE IF NOT EXISTS templates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		subject TEXT NOT NULL,
		html_content TEXT NOT NULL DEFAULT '',
		text_content TEXT NOT NULL DEFAULT '',
		created DATETIME NOT NULL,
		updated DATETIME NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}
