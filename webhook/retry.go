package webhook

import (
	"fmt"
	"time"
)

// Outcome classifica uma tentativa de entrega
type Outcome int

const (
	// Success é uma resposta 2xx
	Success Outcome = iota
	// Retryable é um erro de transporte ou uma resposta não-2xx
	Retryable
	// Terminal é uma falha que nenhuma nova tentativa resolveria
	Terminal
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Retryable:
		return "retryable"
	case Terminal:
		return "terminal"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result é o resultado de uma tentativa
type Result struct {
	Outcome    Outcome
	StatusCode int
	Body       string
	Err        error
}

// Classify converte a resposta HTTP (ou o erro de transporte) em Result
func Classify(statusCode int, body string, err error) Result {
	switch {
	case err != nil:
		return Result{Outcome: Retryable, Err: err}
	case statusCode >= 200 && statusCode < 300:
		return Result{Outcome: Success, StatusCode: statusCode, Body: body}
	default:
		return Result{
			Outcome:    Retryable,
			StatusCode: statusCode,
			Body:       body,
			Err:        fmt.Errorf("HTTP %d: %s", statusCode, truncate(body, 500)),
		}
	}
}

// Policy decide se e quando uma entrega deve ser tentada de novo
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Next recebe o índice da tentativa que acabou (0, 1, 2...) e o resultado.
// A espera antes da próxima é BaseDelay * 2^attempt.
func (p Policy) Next(attempt int, r Result) (bool, time.Duration) {
	if r.Outcome != Retryable || attempt+1 >= p.MaxAttempts {
		return false, 0
	}
	return true, p.BaseDelay << uint(attempt)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
