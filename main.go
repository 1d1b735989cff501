package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/carloslauriano/hermes/config"
	"github.com/carloslauriano/hermes/metrics"
	"github.com/carloslauriano/hermes/outbound"
	"github.com/carloslauriano/hermes/render"
	"github.com/carloslauriano/hermes/storage"
	"github.com/carloslauriano/hermes/webhook"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// cli guarda as opções globais e a configuração carregada
type cli struct {
	configPath string
	logLevel   string
	cfg        *config.Config
}

func main() {
	// Log com arquivo e linha de origem
	log.Logger = log.With().Caller().Logger()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "erro: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	rootCmd := &cobra.Command{
		Use:           "hermes",
		Short:         "Relay de emails transacionais com notificações por webhook",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(c.configPath)
			if err != nil {
				return err
			}
			c.cfg = cfg
			return setupLogger(cfg.Log, c.logLevel)
		},
	}

	rootCmd.PersistentFlags().StringVar(&c.configPath, "config", "config.yaml", "caminho do arquivo de configuração")
	rootCmd.PersistentFlags().StringVar(&c.logLevel, "log-level", "", `nível de log: "debug", "info", "warn" ou "error" (sobrescreve log.level)`)

	rootCmd.AddCommand(
		newServeCmd(c),
		newSendCmd(c),
		newResendCmd(c),
		newMessagesCmd(c),
		newWebhookCmd(c),
		newTemplateCmd(c),
	)

	return rootCmd
}

// setupLogger configura o logger global a partir de log.level e log.format
func setupLogger(cfg config.LogConfig, override string) error {
	levelName := cfg.Level
	if override != "" {
		levelName = override
	}
	level, err := zerolog.ParseLevel(strings.ToLower(levelName))
	if err != nil {
		return fmt.Errorf("nível de log inválido: %w", err)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	switch cfg.Format {
	case "json":
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Caller().Logger()
	default:
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	log.Logger = log.Logger.Level(level)

	return nil
}

// app reúne os componentes montados a partir da configuração
type app struct {
	cfg        *config.Config
	store      storage.Storage
	metrics    *metrics.Metrics
	notifier   *webhook.Notifier
	dispatcher *outbound.Dispatcher
}

func newApp(cfg *config.Config, logger zerolog.Logger) (*app, error) {
	store, err := storage.NewStorage(cfg)
	if err != nil {
		return nil, fmt.Errorf("erro ao inicializar armazenamento: %w", err)
	}
	if err := store.Open(); err != nil {
		return nil, fmt.Errorf("erro ao abrir armazenamento: %w", err)
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	notifier := webhook.NewNotifier(store, cfg.Webhook, nil, m, logger)

	signer, err := outbound.LoadDKIMSigner(cfg.DKIM.PrivateKeyPath, cfg.SenderDomain(), cfg.DKIM.Selector)
	if err != nil {
		store.Close()
		return nil, err
	}
	if signer == nil {
		logger.Warn().Msg("Nenhuma chave DKIM configurada; mensagens serão enviadas sem assinatura")
	}

	localName := cfg.Outbound.LocalName
	if localName == "" {
		localName = cfg.SMTP.Domain
	}

	composer := outbound.NewComposer(cfg, render.NewRenderer(store, logger), signer, logger)
	router := outbound.NewRouter(cfg.Outbound, localName, m, logger)

	return &app{
		cfg:        cfg,
		store:      store,
		metrics:    m,
		notifier:   notifier,
		dispatcher: outbound.NewDispatcher(store, composer, router, notifier, m, logger),
	}, nil
}

// Close encerra o notificador, esperando as notificações pendentes, e fecha
// o armazenamento
func (a *app) Close() error {
	a.notifier.Close()
	return a.store.Close()
}
