package outbound

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/carloslauriano/hermes/config"
	"github.com/carloslauriano/hermes/metrics"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/rs/zerolog"
)

// MXResolver resolve os servidores de email de um domínio
type MXResolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}

// DialFunc abre uma conexão TCP; net.Dialer.DialContext por padrão
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Router transmite mensagens prontas, via smart-host (relay) ou direto
// para os servidores MX de cada domínio. O modo é fixo na criação.
type Router struct {
	cfg       config.OutboundConfig
	localName string
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	// Resolver resolve registros MX no modo direto
	Resolver MXResolver
	// Dial abre as conexões de saída
	Dial DialFunc
	// TLSConfig é a base para STARTTLS e TLS implícito. ServerName é
	// preenchido com o host quando vazio.
	TLSConfig *tls.Config
	// MXPort é a porta usada no modo direto
	MXPort int
}

// NewRouter cria um Router para a configuração de saída
func NewRouter(cfg config.OutboundConfig, localName string, m *metrics.Metrics, logger zerolog.Logger) *Router {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if localName == "" {
		localName = "localhost"
	}

	dialer := &net.Dialer{}
	return &Router{
		cfg:       cfg,
		localName: localName,
		metrics:   m,
		logger:    logger.With().Str("component", "router").Str("mode", cfg.Mode).Logger(),
		Resolver:  net.DefaultResolver,
		Dial:      dialer.DialContext,
		TLSConfig: &tls.Config{InsecureSkipVerify: cfg.TLSSkipVerify},
		MXPort:    25,
	}
}

// Transmit entrega raw para todos os destinatários. Qualquer falha é
// retornada como *TransmissionError e não há nova tentativa.
func (r *Router) Transmit(ctx context.Context, raw []byte, from string, recipients []string) error {
	if len(recipients) == 0 {
		return errors.New("nenhum destinatário informado")
	}

	start := time.Now()
	defer func() {
		r.metrics.ObserveTransmit(r.cfg.Mode, time.Since(start))
	}()

	if r.cfg.Mode == config.ModeRelay {
		return r.transmitRelay(ctx, raw, from, recipients)
	}
	return r.transmitDirect(ctx, raw, from, recipients)
}

func (r *Router) transmitRelay(ctx context.Context, raw []byte, from string, recipients []string) error {
	host := r.cfg.Host
	implicitTLS := r.cfg.TLS == config.TLSImplicit

	c, conn, err := r.open(ctx, host, r.cfg.Port, implicitTLS)
	if err != nil {
		return &TransmissionError{Host: host, Err: err}
	}
	defer c.Close()

	if r.cfg.TLS == config.TLSStartTLS {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			return &TransmissionError{Host: host, Err: errors.New("servidor não oferece STARTTLS")}
		}
		if err := c.StartTLS(r.tlsConfig(host)); err != nil {
			return &TransmissionError{Host: host, Err: fmt.Errorf("falha no STARTTLS: %w", err)}
		}
	}

	if r.cfg.Username != "" {
		if ok, _ := c.Extension("AUTH"); !ok {
			return &TransmissionError{Host: host, Err: errors.New("servidor não oferece AUTH")}
		}
		if err := c.Auth(sasl.NewPlainClient("", r.cfg.Username, r.cfg.Password)); err != nil {
			return &TransmissionError{Host: host, Err: fmt.Errorf("falha na autenticação: %w", err)}
		}
	}

	if err := r.submit(c, conn, raw, from, recipients); err != nil {
		return &TransmissionError{Host: host, Err: err}
	}

	r.logger.Info().Str("host", host).Int("recipients", len(recipients)).Msg("Mensagem entregue ao smart-host")
	return nil
}

// transmitDirect entrega domínio a domínio, na ordem em que aparecem. A
// primeira falha encerra a chamada inteira.
func (r *Router) transmitDirect(ctx context.Context, raw []byte, from string, recipients []string) error {
	domains, groups, err := groupByDomain(recipients)
	if err != nil {
		return &TransmissionError{Err: err}
	}

	for _, domain := range domains {
		if err := r.deliverDomain(ctx, domain, raw, from, groups[domain]); err != nil {
			return err
		}
	}
	return nil
}

func groupByDomain(recipients []string) ([]string, map[string][]string, error) {
	var domains []string
	groups := make(map[string][]string)
	for _, rcpt := range recipients {
		at := strings.LastIndex(rcpt, "@")
		if at < 0 || at == len(rcpt)-1 {
			return nil, nil, fmt.Errorf("destinatário sem domínio: %s", rcpt)
		}
		domain := strings.ToLower(rcpt[at+1:])
		if _, ok := groups[domain]; !ok {
			domains = append(domains, domain)
		}
		groups[domain] = append(groups[domain], rcpt)
	}
	return domains, groups, nil
}

// lookupMX retorna os hosts em ordem crescente de preferência; empates
// mantêm a ordem do resolvedor
func (r *Router) lookupMX(ctx context.Context, domain string) ([]string, error) {
	mxs, err := r.Resolver.LookupMX(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoMailExchanger, err)
	}
	if len(mxs) == 0 {
		return nil, ErrNoMailExchanger
	}

	sort.SliceStable(mxs, func(i, j int) bool {
		return mxs[i].Pref < mxs[j].Pref
	})

	hosts := make([]string, 0, len(mxs))
	for _, mx := range mxs {
		hosts = append(hosts, strings.TrimSuffix(mx.Host, "."))
	}
	return hosts, nil
}

func (r *Router) deliverDomain(ctx context.Context, domain string, raw []byte, from string, rcpts []string) error {
	logger := r.logger.With().Str("domain", domain).Logger()

	hosts, err := r.lookupMX(ctx, domain)
	if err != nil {
		logger.Error().Err(err).Msg("Falha ao resolver servidores MX")
		return &TransmissionError{Domain: domain, Err: err}
	}

	var (
		lastErr  error
		lastHost string
	)
	for i, host := range hosts {
		err := r.deliverHost(ctx, host, raw, from, rcpts)
		r.metrics.MXAttempt(err == nil)
		if err == nil {
			logger.Info().Str("host", host).Int("recipients", len(rcpts)).Msg("Mensagem entregue diretamente")
			return nil
		}
		logger.Warn().Err(err).Str("host", host).Int("attempt", i+1).Msg("Falha ao entregar para servidor MX")
		lastErr, lastHost = err, host
	}

	return &TransmissionError{Domain: domain, Host: lastHost, Err: lastErr}
}

func (r *Router) deliverHost(ctx context.Context, host string, raw []byte, from string, rcpts []string) error {
	c, conn, err := r.open(ctx, host, r.MXPort, false)
	if err != nil {
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(r.tlsConfig(host)); err != nil {
			return fmt.Errorf("falha no STARTTLS: %w", err)
		}
	} else if r.cfg.RequireTLS {
		return errors.New("servidor não oferece STARTTLS")
	}

	return r.submit(c, conn, raw, from, rcpts)
}

// open conecta, lê a saudação e envia EHLO. A conexão crua é devolvida
// para que o prazo possa ser renovado antes do DATA.
func (r *Router) open(ctx context.Context, host string, port int, implicitTLS bool) (*smtp.Client, net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := r.Dial(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("falha ao conectar em %s: %w", addr, err)
	}
	if err := conn.SetDeadline(time.Now().Add(r.cfg.Timeout)); err != nil {
		conn.Close()
		return nil, nil, err
	}

	var wire net.Conn = conn
	if implicitTLS {
		wire = tls.Client(conn, r.tlsConfig(host))
	}

	c, err := smtp.NewClient(wire, host)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("falha na saudação de %s: %w", addr, err)
	}
	c.CommandTimeout = r.cfg.Timeout
	c.SubmissionTimeout = r.cfg.Timeout

	if err := c.Hello(r.localName); err != nil {
		c.Close()
		return nil, nil, fmt.Errorf("falha no EHLO: %w", err)
	}
	return c, conn, nil
}

func (r *Router) submit(c *smtp.Client, conn net.Conn, raw []byte, from string, rcpts []string) error {
	if err := c.Mail(from, nil); err != nil {
		return fmt.Errorf("MAIL FROM recusado: %w", err)
	}
	for _, rcpt := range rcpts {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("RCPT TO %s recusado: %w", rcpt, err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA recusado: %w", err)
	}
	conn.SetDeadline(time.Now().Add(r.cfg.Timeout))
	if _, err := io.Copy(w, bytes.NewReader(raw)); err != nil {
		w.Close()
		return fmt.Errorf("falha ao enviar conteúdo: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("mensagem recusada: %w", err)
	}

	// A mensagem já foi aceita; uma falha no QUIT não muda o resultado
	c.Quit()
	return nil
}

func (r *Router) tlsConfig(host string) *tls.Config {
	cfg := r.TLSConfig.Clone()
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	return cfg
}
