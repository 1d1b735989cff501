package outbound

import (
	"errors"
	"fmt"
)

// ErrNoMailExchanger é retornado quando o domínio não tem servidores MX
var ErrNoMailExchanger = errors.New("nenhum servidor MX encontrado")

// ValidationError indica um pedido de envio inválido ou uma falha de modelo.
// Nunca é repetido e nenhum registro é criado.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("pedido inválido: %v", e.Err)
	}
	return fmt.Sprintf("pedido inválido (%s): %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Err: fmt.Errorf(format, args...)}
}

// TransmissionError descreve uma falha de rede ou de protocolo no envio.
// Domain fica vazio no modo relay.
type TransmissionError struct {
	Domain string
	Host   string
	Err    error
}

func (e *TransmissionError) Error() string {
	switch {
	case e.Domain != "" && e.Host != "":
		return fmt.Sprintf("falha ao entregar para o domínio %s (último servidor %s): %v", e.Domain, e.Host, e.Err)
	case e.Domain != "":
		return fmt.Sprintf("falha ao entregar para o domínio %s: %v", e.Domain, e.Err)
	default:
		return fmt.Sprintf("falha ao transmitir via %s: %v", e.Host, e.Err)
	}
}

func (e *TransmissionError) Unwrap() error {
	return e.Err
}
