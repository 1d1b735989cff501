// Package archive exporta o conteúdo bruto das mensagens recebidas em
// formato mbox.
package archive

import (
	"fmt"
	"io"
	"time"

	"github.com/carloslauriano/hermes/storage"
	"github.com/emersion/go-mbox"
)

// unknownSender é usado na linha "From " quando o envelope não tem remetente
const unknownSender = "MAILER-DAEMON"

// WriteMbox grava as mensagens com conteúdo bruto em w e retorna quantas
// foram gravadas. Mensagens sem conteúdo bruto (as de saída) são ignoradas.
func WriteMbox(w io.Writer, msgs []*storage.Message) (int, error) {
	mw := mbox.NewWriter(w)

	n := 0
	for _, m := range msgs {
		if len(m.RawContent) == 0 {
			continue
		}

		from := m.From
		if from == "" {
			from = unknownSender
		}

		at := m.Created
		if m.ReceivedAt != nil {
			at = *m.ReceivedAt
		}

		dst, err := mw.CreateMessage(from, at.In(time.UTC))
		if err != nil {
			return n, fmt.Errorf("falha ao criar mensagem %d no mbox: %w", m.ID, err)
		}
		if _, err := dst.Write(m.RawContent); err != nil {
			return n, fmt.Errorf("falha ao gravar mensagem %d no mbox: %w", m.ID, err)
		}
		n++
	}

	if err := mw.Close(); err != nil {
		return n, fmt.Errorf("falha ao finalizar mbox: %w", err)
	}
	return n, nil
}
