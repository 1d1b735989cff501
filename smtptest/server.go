// Package smtptest sobe um servidor SMTP no próprio processo que registra
// cada transação aceita, para testes que usam sessões SMTP reais.
package smtptest

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/docker/go-units"
	"github.com/emersion/go-smtp"
)

// Envelope é uma transação aceita
type Envelope struct {
	From     string
	To       []string
	Data     []byte
	Username string
}

// Options controla a negociação do servidor de teste
type Options struct {
	// RequireAuth recusa MAIL sem AUTH anterior
	RequireAuth bool
	// ImplicitTLS usa TLS direto no listener em vez de oferecer STARTTLS
	ImplicitTLS bool
	// NoTLS desativa o STARTTLS
	NoTLS bool
}

// Server é um servidor SMTP rodando no processo de teste. Crie com
// NewServer; ele é fechado ao fim do teste.
type Server struct {
	*smtp.Server

	// ClientTLS confia no certificado do servidor; use nos clientes
	ClientTLS *tls.Config

	listener net.Listener
	mu       sync.Mutex
	received []Envelope
}

// backend implementa smtp.Backend com uma sessão por conexão
type backend struct {
	srv         *Server
	requireAuth bool
}

// Login implementa smtp.Backend. Qualquer usuário e senha não vazios são
// aceitos.
func (be *backend) Login(_ *smtp.ConnectionState, username, password string) (smtp.Session, error) {
	if username == "" || password == "" {
		return nil, errors.New("no username or password provided")
	}
	return &session{srv: be.srv, username: username}, nil
}

// AnonymousLogin implementa smtp.Backend
func (be *backend) AnonymousLogin(_ *smtp.ConnectionState) (smtp.Session, error) {
	if be.requireAuth {
		return nil, smtp.ErrAuthRequired
	}
	return &session{srv: be.srv}, nil
}

type session struct {
	srv      *Server
	username string
	from     string
	to       []string
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error { return nil }

func (s *session) Mail(from string, _ smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *session) Rcpt(to string) error {
	s.to = append(s.to, to)
	return nil
}

// Data guarda a mensagem em memória para consulta ao fim do teste
func (s *session) Data(r io.Reader) error {
	// limite folgado para qualquer email de teste
	var maxEmailSize int64 = 100 * units.MiB
	buf, err := io.ReadAll(io.LimitReader(r, maxEmailSize))
	if err != nil {
		return err
	}

	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	s.srv.received = append(s.srv.received, Envelope{
		From:     s.from,
		To:       append([]string(nil), s.to...),
		Data:     buf,
		Username: s.username,
	})
	return nil
}

// NewServer sobe o servidor numa porta aleatória de loopback
func NewServer(t *testing.T, opts Options) *Server {
	t.Helper()

	keyPath, certPath := GenerateTLSFiles(t)
	serverTLS := ServerTLSConfig(t, keyPath, certPath)

	s := &Server{ClientTLS: ClientTLSConfig(t, certPath)}

	srv := smtp.NewServer(&backend{srv: s, requireAuth: opts.RequireAuth})
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = opts.NoTLS
	// Strict exige a sintaxe <endereço> em MAIL e RCPT
	srv.Strict = true
	if !opts.NoTLS && !opts.ImplicitTLS {
		srv.TLSConfig = serverTLS
	}
	s.Server = srv

	ln, err := net.Listen("tcp", Host+":0")
	if err != nil {
		t.Fatalf("falha ao abrir listener de teste: %v", err)
	}
	if opts.ImplicitTLS {
		ln = tls.NewListener(ln, serverTLS)
	}
	s.listener = ln

	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	return s
}

// Addr retorna host:porta do listener
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Port retorna a porta em uso
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.Addr())
	n, _ := strconv.Atoi(port)
	return n
}

// Received retorna uma cópia das transações aceitas
func (s *Server) Received() []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Envelope(nil), s.received...)
}
