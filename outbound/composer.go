package outbound

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/carloslauriano/hermes/config"
	"github.com/carloslauriano/hermes/render"
	"github.com/carloslauriano/hermes/storage"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SendRequest é um pedido lógico de envio
type SendRequest struct {
	From        string
	To          string
	Cc          []string
	Bcc         []string
	Subject     string
	HTML        string
	Text        string
	Attachments []storage.Attachment
	Template    string
	Variables   map[string]any
}

// Content é o pedido depois de validado e renderizado, pronto para ser
// persistido e montado
type Content struct {
	From        *mail.Address
	To          *mail.Address
	Cc          []*mail.Address
	Bcc         []*mail.Address
	Subject     string
	HTML        string
	Text        string
	Attachments []storage.Attachment
	Template    string
	Variables   map[string]any
}

// Recipients retorna os destinatários do envelope: To, Cc e Bcc, sem
// repetições
func (c *Content) Recipients() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(a *mail.Address) {
		key := strings.ToLower(a.Address)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, a.Address)
	}
	add(c.To)
	for _, a := range c.Cc {
		add(a)
	}
	for _, a := range c.Bcc {
		add(a)
	}
	return out
}

// Envelope é a mensagem pronta para transmissão
type Envelope struct {
	MessageID  string
	From       string
	Recipients []string
	Raw        []byte
}

// TemplateRenderer é a capacidade de renderização consumida pelo Composer
type TemplateRenderer interface {
	Render(name string, vars map[string]any) (*render.Result, error)
}

// Composer transforma pedidos de envio em mensagens MIME assinadas
type Composer struct {
	renderer    TemplateRenderer
	signer      *DKIMSigner
	domain      string
	defaultFrom string
	now         func() time.Time
	logger      zerolog.Logger
}

// NewComposer cria um Composer. signer pode ser nil.
func NewComposer(cfg *config.Config, renderer TemplateRenderer, signer *DKIMSigner, logger zerolog.Logger) *Composer {
	defaultFrom := cfg.Outbound.DefaultFrom
	if defaultFrom == "" && cfg.Outbound.Mode == config.ModeRelay && strings.Contains(cfg.Outbound.Username, "@") {
		defaultFrom = cfg.Outbound.Username
	}
	if defaultFrom == "" {
		defaultFrom = "noreply@" + cfg.SMTP.Domain
	}

	return &Composer{
		renderer:    renderer,
		signer:      signer,
		domain:      cfg.SMTP.Domain,
		defaultFrom: defaultFrom,
		now:         time.Now,
		logger:      logger.With().Str("component", "composer").Logger(),
	}
}

// NewMessageID gera um identificador único no domínio do relay
func (c *Composer) NewMessageID() string {
	return uuid.NewString() + "@" + c.domain
}

// Compose valida, renderiza e monta a mensagem em um único passo
func (c *Composer) Compose(req SendRequest) (*Envelope, error) {
	content, err := c.Resolve(req)
	if err != nil {
		return nil, err
	}
	return c.Build(content, c.NewMessageID())
}

// Resolve aplica os padrões, renderiza o modelo quando informado e valida o
// pedido. Não tem efeitos colaterais.
func (c *Composer) Resolve(req SendRequest) (*Content, error) {
	content := &Content{
		Attachments: req.Attachments,
		Template:    req.Template,
		Variables:   req.Variables,
	}

	from := req.From
	if from == "" {
		from = c.defaultFrom
	}

	var err error
	if content.From, err = parseAddress("from", from); err != nil {
		return nil, err
	}
	if req.To == "" {
		return nil, invalid("to", "destinatário é obrigatório")
	}
	if content.To, err = parseAddress("to", req.To); err != nil {
		return nil, err
	}
	if content.Cc, err = parseAddresses("cc", req.Cc); err != nil {
		return nil, err
	}
	if content.Bcc, err = parseAddresses("bcc", req.Bcc); err != nil {
		return nil, err
	}

	if req.Template != "" {
		res, err := c.renderer.Render(req.Template, req.Variables)
		if err != nil {
			var renderErr *render.RenderError
			if errors.Is(err, render.ErrTemplateNotFound) || errors.As(err, &renderErr) {
				return nil, &ValidationError{Field: "template", Err: err}
			}
			return nil, fmt.Errorf("falha ao renderizar modelo: %w", err)
		}
		content.Subject = res.Subject
		content.HTML = res.HTML
		content.Text = res.Text
	} else {
		content.Subject = req.Subject
		content.HTML = req.HTML
		content.Text = req.Text
	}

	// A codificação do cabeçalho descarta espaços nas pontas; o registro
	// guarda o mesmo assunto que vai no envio.
	content.Subject = strings.TrimSpace(content.Subject)
	if content.Subject == "" {
		return nil, invalid("subject", "assunto é obrigatório")
	}
	if content.HTML == "" && content.Text == "" {
		return nil, invalid("body", "é necessário conteúdo HTML ou texto")
	}
	for i, att := range content.Attachments {
		if att.Filename == "" {
			return nil, invalid("attachments", "anexo %d sem nome de arquivo", i)
		}
	}

	return content, nil
}

func parseAddress(field, s string) (*mail.Address, error) {
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return nil, &ValidationError{Field: field, Err: fmt.Errorf("endereço inválido %q: %w", s, err)}
	}
	return addr, nil
}

func parseAddresses(field string, list []string) ([]*mail.Address, error) {
	var out []*mail.Address
	for _, s := range list {
		addr, err := parseAddress(field, s)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

// Build monta a mensagem MIME: multipart/mixed com uma parte
// multipart/alternative (texto e depois HTML) seguida dos anexos. Cco nunca
// aparece nos cabeçalhos. Com um assinador configurado a mensagem recebe
// DKIM-Signature; falhas de assinatura são apenas registradas.
func (c *Composer) Build(content *Content, messageID string) (*Envelope, error) {
	var h mail.Header
	h.SetDate(c.now())
	h.SetAddressList("From", []*mail.Address{content.From})
	h.SetAddressList("To", []*mail.Address{content.To})
	if len(content.Cc) > 0 {
		h.SetAddressList("Cc", content.Cc)
	}
	h.SetSubject(content.Subject)
	h.SetMessageID(messageID)

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("falha ao criar mensagem: %w", err)
	}

	iw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("falha ao criar parte alternativa: %w", err)
	}
	if content.Text != "" {
		if err := writeInline(iw, "text/plain", content.Text); err != nil {
			return nil, err
		}
	}
	if content.HTML != "" {
		if err := writeInline(iw, "text/html", content.HTML); err != nil {
			return nil, err
		}
	}
	if err := iw.Close(); err != nil {
		return nil, fmt.Errorf("falha ao fechar parte alternativa: %w", err)
	}

	for _, att := range content.Attachments {
		var ah mail.AttachmentHeader
		ct := att.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		ah.Set("Content-Type", ct)
		ah.SetFilename(att.Filename)

		w, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, fmt.Errorf("falha ao criar anexo %s: %w", att.Filename, err)
		}
		if _, err := w.Write(att.Content); err != nil {
			return nil, fmt.Errorf("falha ao escrever anexo %s: %w", att.Filename, err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("falha ao fechar anexo %s: %w", att.Filename, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("falha ao fechar mensagem: %w", err)
	}

	raw := buf.Bytes()
	if c.signer != nil {
		signed, err := c.signer.Sign(raw)
		if err != nil {
			c.logger.Warn().Err(err).Str("message_id", messageID).Msg("Não foi possível assinar a mensagem com DKIM")
		} else {
			raw = signed
		}
	}

	return &Envelope{
		MessageID:  messageID,
		From:       content.From.Address,
		Recipients: content.Recipients(),
		Raw:        raw,
	}, nil
}

func writeInline(iw *mail.InlineWriter, contentType, body string) error {
	var ih mail.InlineHeader
	ih.Set("Content-Type", contentType+"; charset=utf-8")
	// base64 preserva o corpo byte a byte, inclusive finais de linha LF
	ih.Set("Content-Transfer-Encoding", "base64")

	w, err := iw.CreatePart(ih)
	if err != nil {
		return fmt.Errorf("falha ao criar parte %s: %w", contentType, err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return fmt.Errorf("falha ao escrever parte %s: %w", contentType, err)
	}
	return w.Close()
}
