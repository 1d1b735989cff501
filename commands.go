package main

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/carloslauriano/hermes/archive"
	"github.com/carloslauriano/hermes/metrics"
	"github.com/carloslauriano/hermes/outbound"
	"github.com/carloslauriano/hermes/render"
	"github.com/carloslauriano/hermes/server"
	"github.com/carloslauriano/hermes/storage"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Inicia o servidor SMTP de entrada e o endpoint de métricas",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(c.cfg, log.Logger)
			if err != nil {
				return err
			}
			defer a.Close()

			be := server.NewSMTPBackend(a.store, a.notifier, a.metrics, log.Logger)
			srv, err := server.NewSMTPServer(c.cfg, be, log.Logger)
			if err != nil {
				return err
			}

			errCh := make(chan error, 2)

			go func() {
				log.Info().Str("addr", srv.Addr).Msg("Iniciando servidor SMTP")
				if err := srv.ListenAndServe(); err != nil {
					errCh <- fmt.Errorf("servidor SMTP: %w", err)
				}
			}()

			var metricsSrv *http.Server
			if c.cfg.Metrics.Enabled {
				mux := http.NewServeMux()
				mux.Handle(c.cfg.Metrics.Path, metrics.Handler())
				metricsSrv = &http.Server{
					Addr:              c.cfg.Metrics.ListenAddr(),
					Handler:           mux,
					ReadHeaderTimeout: 10 * time.Second,
				}
				go func() {
					log.Info().Str("addr", metricsSrv.Addr).Str("path", c.cfg.Metrics.Path).Msg("Iniciando endpoint de métricas")
					if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						errCh <- fmt.Errorf("endpoint de métricas: %w", err)
					}
				}()
			}

			// Aguardar sinais de interrupção
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var runErr error
			select {
			case runErr = <-errCh:
				log.Error().Err(runErr).Msg("Erro no servidor")
			case <-ctx.Done():
				log.Info().Msg("Sinal recebido, encerrando...")
			}

			srv.Close()
			if metricsSrv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				metricsSrv.Shutdown(shutdownCtx)
			}

			log.Info().Msg("Aguardando notificações pendentes")
			return runErr
		},
	}
}

func newSendCmd(c *cli) *cobra.Command {
	var (
		req         outbound.SendRequest
		attachPaths []string
		vars        map[string]string
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Envia uma mensagem",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range attachPaths {
				attachment, err := readAttachment(path)
				if err != nil {
					return err
				}
				req.Attachments = append(req.Attachments, attachment)
			}
			if len(vars) > 0 {
				req.Variables = make(map[string]any, len(vars))
				for k, v := range vars {
					req.Variables[k] = v
				}
			}

			a, err := newApp(c.cfg, log.Logger)
			if err != nil {
				return err
			}
			defer a.Close()

			msg, err := a.dispatcher.Send(cmd.Context(), req)
			if msg != nil {
				printMessage(cmd, msg)
			}
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&req.From, "from", "", "remetente (padrão: outbound.default_from)")
	f.StringVar(&req.To, "to", "", "destinatário")
	f.StringSliceVar(&req.Cc, "cc", nil, "destinatários em cópia")
	f.StringSliceVar(&req.Bcc, "bcc", nil, "destinatários em cópia oculta")
	f.StringVar(&req.Subject, "subject", "", "assunto")
	f.StringVar(&req.HTML, "html", "", "corpo HTML")
	f.StringVar(&req.Text, "text", "", "corpo em texto")
	f.StringVar(&req.Template, "template", "", "nome do modelo")
	f.StringToStringVar(&vars, "var", nil, "variáveis do modelo (chave=valor)")
	f.StringSliceVar(&attachPaths, "attach", nil, "arquivos anexos")
	cmd.MarkFlagRequired("to")

	return cmd
}

func readAttachment(path string) (storage.Attachment, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return storage.Attachment{}, fmt.Errorf("falha ao ler anexo: %w", err)
	}
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return storage.Attachment{
		Filename:    filepath.Base(path),
		ContentType: contentType,
		Size:        len(content),
		Content:     content,
	}, nil
}

func newResendCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "resend [id]",
		Short: "Reenvia uma mensagem de saída como uma nova mensagem",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("id inválido: %s", args[0])
			}

			a, err := newApp(c.cfg, log.Logger)
			if err != nil {
				return err
			}
			defer a.Close()

			msg, err := a.dispatcher.Resend(cmd.Context(), id)
			if msg != nil {
				printMessage(cmd, msg)
			}
			return err
		},
	}
}

func newMessagesCmd(c *cli) *cobra.Command {
	var (
		filter    storage.MessageFilter
		status    string
		direction string
		since     time.Duration
		mboxPath  string
	)

	cmd := &cobra.Command{
		Use:   "messages",
		Short: "Lista mensagens",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter.Status = storage.Status(status)
			filter.Direction = storage.Direction(direction)
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}

			store, err := storage.NewStorage(c.cfg)
			if err != nil {
				return err
			}
			if err := store.Open(); err != nil {
				return err
			}
			defer store.Close()

			msgs, err := store.ListMessages(filter)
			if err != nil {
				return err
			}

			if mboxPath != "" {
				return exportMbox(cmd, mboxPath, msgs)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tMESSAGE-ID\tDIREÇÃO\tSTATUS\tDE\tPARA\tASSUNTO\tCRIADA")
			for _, m := range msgs {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					m.ID, m.MessageID, m.Direction, m.Status, m.From, m.To, m.Subject, m.Created.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	f := cmd.Flags()
	f.StringVar(&filter.To, "to", "", "filtrar por destinatário")
	f.StringVar(&filter.From, "from", "", "filtrar por remetente")
	f.StringVar(&status, "status", "", "pending, sent, failed ou received")
	f.StringVar(&direction, "direction", "", "outbound ou inbound")
	f.DurationVar(&since, "since", 0, "apenas mensagens mais recentes que esta duração")
	f.IntVar(&filter.Limit, "limit", 50, "quantidade máxima")
	f.IntVar(&filter.Offset, "offset", 0, "deslocamento")
	f.StringVar(&mboxPath, "mbox", "", "exporta o conteúdo bruto das mensagens recebidas para este arquivo mbox")

	return cmd
}

// exportMbox grava as mensagens listadas em path; só as recebidas têm
// conteúdo bruto
func exportMbox(cmd *cobra.Command, path string, msgs []*storage.Message) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("erro ao criar %s: %w", path, err)
	}

	n, err := archive.WriteMbox(f, msgs)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%d mensagens exportadas para %s\n", n, path)
	return nil
}

func newWebhookCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Gerencia assinaturas de webhook",
	}

	var (
		sub     storage.Subscription
		event   string
		headers map[string]string
	)
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Cadastra uma assinatura",
		RunE: func(cmd *cobra.Command, args []string) error {
			sub.EventType = storage.EventType(event)
			if !sub.EventType.Valid() {
				return fmt.Errorf("evento inválido: %s", event)
			}
			sub.Headers = headers
			sub.Active = true
			sub.Created = time.Now().UTC()
			sub.Updated = sub.Created

			store, err := storage.NewStorage(c.cfg)
			if err != nil {
				return err
			}
			if err := store.Open(); err != nil {
				return err
			}
			defer store.Close()

			if err := store.CreateSubscription(&sub); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "assinatura %d criada\n", sub.ID)
			return nil
		},
	}
	af := addCmd.Flags()
	af.StringVar(&sub.Name, "name", "", "nome da assinatura")
	af.StringVar(&sub.URL, "url", "", "URL que recebe as notificações")
	af.StringVar(&event, "event", string(storage.EventSent), "message.sent, message.failed ou message.received")
	af.StringVar(&sub.Secret, "secret", "", "segredo para a assinatura HMAC")
	af.StringToStringVar(&headers, "header", nil, "cabeçalhos extras (nome=valor)")
	addCmd.MarkFlagRequired("url")

	testCmd := &cobra.Command{
		Use:   "test [id]",
		Short: "Envia um evento de teste para a assinatura",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("id inválido: %s", args[0])
			}

			a, err := newApp(c.cfg, log.Logger)
			if err != nil {
				return err
			}
			defer a.Close()

			sub, err := a.store.GetSubscription(id)
			if err != nil {
				return err
			}
			delivery, err := a.notifier.Test(cmd.Context(), sub)
			if err != nil {
				return err
			}
			printDelivery(cmd, delivery)
			return nil
		},
	}

	deliveriesCmd := &cobra.Command{
		Use:   "deliveries [id]",
		Short: "Lista o histórico de entregas de uma assinatura",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("id inválido: %s", args[0])
			}

			store, err := storage.NewStorage(c.cfg)
			if err != nil {
				return err
			}
			if err := store.Open(); err != nil {
				return err
			}
			defer store.Close()

			deliveries, err := store.ListDeliveries(id)
			if err != nil {
				return err
			}
			for _, d := range deliveries {
				printDelivery(cmd, d)
			}
			return nil
		},
	}

	cmd.AddCommand(addCmd, testCmd, deliveriesCmd)
	return cmd
}

func newTemplateCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Gerencia modelos de email",
	}

	var (
		tmpl     storage.Template
		htmlFile string
		textFile string
		sample   map[string]string
	)
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Cadastra um modelo",
		RunE: func(cmd *cobra.Command, args []string) error {
			if htmlFile != "" {
				b, err := os.ReadFile(htmlFile)
				if err != nil {
					return err
				}
				tmpl.HTMLContent = string(b)
			}
			if textFile != "" {
				b, err := os.ReadFile(textFile)
				if err != nil {
					return err
				}
				tmpl.TextContent = string(b)
			}

			vars := make(map[string]any, len(sample))
			for k, v := range sample {
				vars[k] = v
			}
			if err := render.Validate(&tmpl, vars); err != nil {
				return err
			}

			store, err := storage.NewStorage(c.cfg)
			if err != nil {
				return err
			}
			if err := store.Open(); err != nil {
				return err
			}
			defer store.Close()

			tmpl.Created = time.Now().UTC()
			tmpl.Updated = tmpl.Created
			if err := store.CreateTemplate(&tmpl); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "modelo %q criado\n", tmpl.Name)
			return nil
		},
	}
	f := addCmd.Flags()
	f.StringVar(&tmpl.Name, "name", "", "nome do modelo")
	f.StringVar(&tmpl.Subject, "subject", "", "assunto (text/template)")
	f.StringVar(&tmpl.HTMLContent, "html", "", "corpo HTML (html/template)")
	f.StringVar(&tmpl.TextContent, "text", "", "corpo em texto (text/template)")
	f.StringVar(&htmlFile, "html-file", "", "arquivo com o corpo HTML")
	f.StringVar(&textFile, "text-file", "", "arquivo com o corpo em texto")
	f.StringToStringVar(&sample, "sample", nil, "variáveis de exemplo para validar o modelo (chave=valor)")
	addCmd.MarkFlagRequired("name")

	cmd.AddCommand(addCmd)
	return cmd
}

func printMessage(cmd *cobra.Command, m *storage.Message) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "id: %d\nmessage_id: %s\nstatus: %s\n", m.ID, m.MessageID, m.Status)
	if m.ErrorMessage != "" {
		fmt.Fprintf(out, "erro: %s\n", m.ErrorMessage)
	}
}

func printDelivery(cmd *cobra.Command, d *storage.Delivery) {
	fmt.Fprintf(cmd.OutOrStdout(), "entrega %d: mensagem=%d status=%s tentativas=%d http=%d erro=%q\n",
		d.ID, d.MessageID, d.Status, d.Attempts, d.ResponseStatus, d.ErrorMessage)
}
