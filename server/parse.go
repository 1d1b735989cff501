package server

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/carloslauriano/hermes/storage"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset" // Decodificação de charsets além de UTF-8/ASCII
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
)

// DefaultSubject é usado quando a mensagem não tem assunto
const DefaultSubject = "No Subject"

// Cabeçalhos que viram campos próprios e ficam fora do mapa de cabeçalhos
var structuredHeaders = map[string]bool{
	"From":       true,
	"To":         true,
	"Subject":    true,
	"Message-Id": true,
}

// ParsedMessage é o conteúdo normalizado de uma mensagem recebida
type ParsedMessage struct {
	MessageID   string
	Subject     string
	Text        string
	HTML        string
	Headers     map[string]string
	Attachments []storage.Attachment
}

// ParseMessage lê a estrutura MIME da mensagem. Apenas a primeira parte
// text/plain e a primeira text/html são mantidas; anexos guardam só os
// metadados.
func ParseMessage(raw []byte) (*ParsedMessage, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("falha ao ler cabeçalho: %w", err)
	}
	defer mr.Close()

	parsed := &ParsedMessage{
		Headers: headerMap(mr.Header),
	}

	parsed.MessageID, err = mr.Header.MessageID()
	if err != nil || parsed.MessageID == "" {
		parsed.MessageID = uuid.NewString()
	}

	parsed.Subject, err = mr.Header.Subject()
	if err != nil || parsed.Subject == "" {
		parsed.Subject = DefaultSubject
	}

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		} else if err != nil && !message.IsUnknownCharset(err) {
			return nil, fmt.Errorf("falha ao ler parte: %w", err)
		}

		switch h := p.Header.(type) {
		case *mail.AttachmentHeader:
			attachment, err := attachmentMetadata(h, p.Body)
			if err != nil {
				return nil, err
			}
			parsed.Attachments = append(parsed.Attachments, attachment)
		case *mail.InlineHeader:
			if err := parsed.readInline(h, p.Body); err != nil {
				return nil, err
			}
		}
	}

	return parsed, nil
}

func (m *ParsedMessage) readInline(h *mail.InlineHeader, body io.Reader) error {
	ct, _, _ := h.ContentType()
	if ct == "" {
		ct = "text/plain"
	}

	var dst *string
	switch ct {
	case "text/plain":
		if m.Text == "" {
			dst = &m.Text
		}
	case "text/html":
		if m.HTML == "" {
			dst = &m.HTML
		}
	}
	if dst == nil {
		// Partes inline que não são texto, ou textos repetidos
		_, err := io.Copy(io.Discard, body)
		return err
	}

	b, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("falha ao ler corpo %s: %w", ct, err)
	}
	*dst = string(b)
	return nil
}

func attachmentMetadata(h *mail.AttachmentHeader, body io.Reader) (storage.Attachment, error) {
	ct, _, _ := h.ContentType()
	if ct == "" {
		ct = "application/octet-stream"
	}
	filename, _ := h.Filename()

	size, err := io.Copy(io.Discard, body)
	if err != nil {
		return storage.Attachment{}, fmt.Errorf("falha ao ler anexo %q: %w", filename, err)
	}

	return storage.Attachment{
		Filename:    filename,
		ContentType: ct,
		Size:        int(size),
	}, nil
}

// headerMap copia os cabeçalhos não estruturados. Valores repetidos são
// unidos com ", ".
func headerMap(h mail.Header) map[string]string {
	headers := make(map[string]string)
	fields := h.Fields()
	for fields.Next() {
		key := fields.Key()
		if structuredHeaders[key] {
			continue
		}

		value, err := fields.Text()
		if err != nil {
			value = fields.Value()
		}

		if prev, ok := headers[key]; ok {
			value = prev + ", " + value
		}
		headers[key] = value
	}
	return headers
}

// recipientMessageID deriva o identificador do registro de um destinatário.
// Só o domínio é normalizado; a parte local diferencia maiúsculas.
func recipientMessageID(base, rcpt string) string {
	if at := strings.LastIndex(rcpt, "@"); at >= 0 {
		rcpt = rcpt[:at] + strings.ToLower(rcpt[at:])
	}
	return base + "-" + rcpt
}
