package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/viper"
)

// Modos de transmissão de saída
const (
	ModeRelay  = "relay"
	ModeDirect = "direct"
)

// Modos de TLS para o smart-host
const (
	TLSStartTLS = "starttls"
	TLSImplicit = "tls"
	TLSNone     = "none"
)

// MaxWebhookAttempts é o total de tentativas de entrega de um webhook
const MaxWebhookAttempts = 3

// Config representa a configuração global do sistema
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	SMTP     SMTPConfig     `mapstructure:"smtp"`
	Outbound OutboundConfig `mapstructure:"outbound"`
	DKIM     DKIMConfig     `mapstructure:"dkim"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Log      LogConfig      `mapstructure:"log"`
}

// DatabaseConfig representa a configuração do banco de dados
type DatabaseConfig struct {
	Type     string `mapstructure:"type"` // "sqlite", "postgres" ou "bolt"
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	Path     string `mapstructure:"path"` // Para SQLite e bbolt
}

// SMTPConfig representa a configuração do servidor SMTP de entrada
type SMTPConfig struct {
	Address        string        `mapstructure:"address"`
	Port           int           `mapstructure:"port"`
	Domain         string        `mapstructure:"domain"`
	MaxMessageSize string        `mapstructure:"max_message_size"`
	MaxRecipients  int           `mapstructure:"max_recipients"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	TLSCert        string        `mapstructure:"tls_cert"`
	TLSKey         string        `mapstructure:"tls_key"`
}

// OutboundConfig representa a configuração de envio
type OutboundConfig struct {
	Mode          string        `mapstructure:"mode"` // "relay" ou "direct"
	DefaultFrom   string        `mapstructure:"default_from"`
	LocalName     string        `mapstructure:"local_name"`
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	TLS           string        `mapstructure:"tls"`
	TLSSkipVerify bool          `mapstructure:"tls_skip_verify"`
	RequireTLS    bool          `mapstructure:"require_tls"` // Apenas no modo direto
	Timeout       time.Duration `mapstructure:"timeout"`
}

// DKIMConfig representa a configuração da assinatura de domínio
type DKIMConfig struct {
	PrivateKeyPath string `mapstructure:"private_key_path"`
	Selector       string `mapstructure:"selector"`
	Domain         string `mapstructure:"domain"` // Padrão: smtp.domain
}

// WebhookConfig representa a configuração das notificações
type WebhookConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	Timeout     time.Duration `mapstructure:"timeout"`
	UserAgent   string        `mapstructure:"user_agent"`
}

// MetricsConfig representa a configuração do endpoint Prometheus
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LogConfig representa a configuração de log
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "console" ou "json"
}

// LoadConfig carrega configurações do arquivo config.yaml. Variáveis de
// ambiente com prefixo HERMES_ sobrescrevem o arquivo, por exemplo
// HERMES_OUTBOUND_PASSWORD.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		// Usar diretório atual se nenhum caminho for fornecido
		dir, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		configPath = filepath.Join(dir, "config.yaml")
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("hermes")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("erro ao ler arquivo de configuração: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("erro ao processar configuração: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuração inválida: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.path", "data/hermes.db")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("smtp.address", "0.0.0.0")
	v.SetDefault("smtp.port", 2525)
	v.SetDefault("smtp.domain", "example.com")
	v.SetDefault("smtp.max_message_size", "10MB")
	v.SetDefault("smtp.max_recipients", 50)
	v.SetDefault("smtp.read_timeout", 10*time.Second)
	v.SetDefault("smtp.write_timeout", 10*time.Second)

	// Chaves sem valor padrão precisam ser registradas para que
	// AutomaticEnv as considere no Unmarshal
	v.SetDefault("database.password", "")
	v.SetDefault("outbound.host", "")
	v.SetDefault("outbound.username", "")
	v.SetDefault("outbound.password", "")
	v.SetDefault("outbound.default_from", "")
	v.SetDefault("dkim.private_key_path", "")

	v.SetDefault("outbound.mode", ModeDirect)
	v.SetDefault("outbound.port", 587)
	v.SetDefault("outbound.tls", TLSStartTLS)
	v.SetDefault("outbound.require_tls", true)
	v.SetDefault("outbound.timeout", 30*time.Second)

	v.SetDefault("dkim.selector", "default")

	v.SetDefault("webhook.max_attempts", MaxWebhookAttempts)
	v.SetDefault("webhook.base_delay", time.Second)
	v.SetDefault("webhook.timeout", 30*time.Second)
	v.SetDefault("webhook.user_agent", "Hermes-Email-Service/1.0")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.address", "127.0.0.1")
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Validate verifica a consistência da configuração carregada
func (c *Config) Validate() error {
	switch c.Database.Type {
	case "sqlite", "bolt":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path é obrigatório para %s", c.Database.Type)
		}
	case "postgres":
		if c.Database.Host == "" || c.Database.DBName == "" {
			return errors.New("database.host e database.dbname são obrigatórios para postgres")
		}
	default:
		return fmt.Errorf("tipo de banco de dados não suportado: %s", c.Database.Type)
	}

	if c.SMTP.Domain == "" {
		return errors.New("smtp.domain é obrigatório")
	}
	if _, err := c.SMTP.MaxMessageBytes(); err != nil {
		return err
	}
	if (c.SMTP.TLSCert == "") != (c.SMTP.TLSKey == "") {
		return errors.New("smtp.tls_cert e smtp.tls_key devem ser informados juntos")
	}

	switch c.Outbound.Mode {
	case ModeRelay:
		if c.Outbound.Host == "" {
			return errors.New("outbound.host é obrigatório no modo relay")
		}
		switch c.Outbound.TLS {
		case TLSStartTLS, TLSImplicit, TLSNone:
		default:
			return fmt.Errorf("outbound.tls inválido: %s", c.Outbound.TLS)
		}
	case ModeDirect:
	default:
		return fmt.Errorf("outbound.mode inválido: %s", c.Outbound.Mode)
	}
	if c.Outbound.Timeout <= 0 {
		return errors.New("outbound.timeout deve ser positivo")
	}

	if c.Webhook.MaxAttempts < 1 || c.Webhook.MaxAttempts > MaxWebhookAttempts {
		return fmt.Errorf("webhook.max_attempts deve estar entre 1 e %d", MaxWebhookAttempts)
	}

	return nil
}

// MaxMessageBytes converte smtp.max_message_size ("10MB", "512KiB") em bytes
func (c SMTPConfig) MaxMessageBytes() (int64, error) {
	if c.MaxMessageSize == "" {
		return 0, nil
	}
	n, err := units.FromHumanSize(c.MaxMessageSize)
	if err != nil {
		return 0, fmt.Errorf("smtp.max_message_size inválido: %w", err)
	}
	return n, nil
}

// ListenAddr retorna o endereço host:porta do servidor SMTP
func (c SMTPConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}

// ListenAddr retorna o endereço host:porta do endpoint de métricas
func (c MetricsConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}

// SenderDomain retorna o domínio usado na assinatura DKIM
func (c *Config) SenderDomain() string {
	if c.DKIM.Domain != "" {
		return c.DKIM.Domain
	}
	return c.SMTP.Domain
}
