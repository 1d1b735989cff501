package outbound

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/emersion/go-msgauth/dkim"
)

// dkimHeaders é o conjunto fixo e ordenado de cabeçalhos assinados
var dkimHeaders = []string{"From", "To", "Subject", "Date", "Message-ID"}

// DKIMSigner assina mensagens com a chave do domínio remetente
type DKIMSigner struct {
	domain   string
	selector string
	key      crypto.Signer
}

// NewDKIMSigner cria um assinador com uma chave já carregada
func NewDKIMSigner(domain, selector string, key crypto.Signer) *DKIMSigner {
	return &DKIMSigner{domain: domain, selector: selector, key: key}
}

// LoadDKIMSigner lê a chave privada PEM (RSA PKCS#1, PKCS#8 ou Ed25519).
// Retorna nil sem erro quando path está vazio.
func LoadDKIMSigner(path, domain, selector string) (*DKIMSigner, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("falha ao ler chave DKIM: %w", err)
	}

	key, err := parsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("falha ao interpretar chave DKIM %s: %w", path, err)
	}

	return NewDKIMSigner(domain, selector, key), nil
}

func parsePrivateKey(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("bloco PEM não encontrado")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("tipo de chave não suportado: %T", key)
		}
		return signer, nil
	default:
		return nil, fmt.Errorf("tipo de bloco PEM não suportado: %s", block.Type)
	}
}

// Sign retorna a mensagem com o cabeçalho DKIM-Signature no início
func (s *DKIMSigner) Sign(raw []byte) ([]byte, error) {
	var out bytes.Buffer
	err := dkim.Sign(&out, bytes.NewReader(raw), &dkim.SignOptions{
		Domain:     s.domain,
		Selector:   s.selector,
		Signer:     s.key,
		HeaderKeys: dkimHeaders,
	})
	if err != nil {
		return nil, fmt.Errorf("falha ao assinar mensagem: %w", err)
	}
	return out.Bytes(), nil
}
