package smtptest

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flashmob/go-guerrilla/tests/testcert"
)

// Host é o endereço para o qual o certificado de teste é emitido
const Host = "127.0.0.1"

// GenerateTLSFiles grava chave e certificado TLS num diretório temporário
// removido ao fim do teste. O certificado é uma raiz emitida para Host.
func GenerateTLSFiles(t *testing.T) (keyPath string, certPath string) {
	t.Helper()

	d := t.TempDir() + string(filepath.Separator)
	err := testcert.GenerateCert(
		Host,
		"",        // agora
		time.Hour, // validade maior que o teste
		true,      // certificado de CA
		2048,      // bits RSA
		"",        // curva ECDSA padrão
		d,
	)
	if err != nil {
		t.Fatalf("falha ao gerar certificado de teste: %v", err)
	}

	// testcert.GenerateCert usa estes nomes fixos
	return d + Host + ".key.pem", d + Host + ".cert.pem"
}

// ServerTLSConfig carrega o par de chaves para o lado servidor
func ServerTLSConfig(t *testing.T, keyPath, certPath string) *tls.Config {
	t.Helper()

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		t.Fatalf("falha ao carregar certificado de teste: %v", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}
}

// ClientTLSConfig confia apenas no certificado de teste
func ClientTLSConfig(t *testing.T, certPath string) *tls.Config {
	t.Helper()

	pem, err := os.ReadFile(certPath)
	if err != nil {
		t.Fatalf("falha ao ler certificado de teste: %v", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		t.Fatal("certificado de teste inválido")
	}
	return &tls.Config{RootCAs: pool, ServerName: Host}
}
