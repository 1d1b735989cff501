// Package render transforma modelos armazenados em assunto, HTML e texto.
package render

import (
	"bytes"
	"errors"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"

	"github.com/carloslauriano/hermes/storage"
	"github.com/rs/zerolog"
)

// ErrTemplateNotFound é retornado quando o modelo pedido não existe
var ErrTemplateNotFound = errors.New("modelo não encontrado")

// RenderError descreve uma falha ao interpretar ou executar um modelo
type RenderError struct {
	Template string
	Part     string // "subject", "html" ou "text"
	Err      error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("falha ao renderizar %s do modelo %q: %v", e.Part, e.Template, e.Err)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

// TemplateStore é a parte do armazenamento usada pelo renderizador
type TemplateStore interface {
	GetTemplate(name string) (*storage.Template, error)
}

// Result contém as partes renderizadas de um modelo
type Result struct {
	Subject string
	HTML    string
	Text    string
}

// Renderer renderiza modelos guardados no armazenamento
type Renderer struct {
	store  TemplateStore
	logger zerolog.Logger
}

// NewRenderer cria um renderizador sobre o armazenamento de modelos
func NewRenderer(store TemplateStore, logger zerolog.Logger) *Renderer {
	return &Renderer{
		store:  store,
		logger: logger.With().Str("component", "render").Logger(),
	}
}

// Render busca o modelo e aplica as variáveis. O HTML é escapado
// automaticamente; variáveis ausentes são erro.
func (r *Renderer) Render(name string, vars map[string]any) (*Result, error) {
	tmpl, err := r.store.GetTemplate(name)
	if errors.Is(err, storage.ErrTemplateNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
	} else if err != nil {
		return nil, fmt.Errorf("falha ao carregar modelo %q: %w", name, err)
	}

	if vars == nil {
		vars = map[string]any{}
	}

	res, err := Execute(tmpl, vars)
	if err != nil {
		r.logger.Error().Err(err).Str("template", name).Msg("Erro ao renderizar modelo")
		return nil, err
	}
	return res, nil
}

// Execute aplica as variáveis a um modelo já carregado
func Execute(tmpl *storage.Template, vars map[string]any) (*Result, error) {
	res := &Result{}
	var err error

	if res.Subject, err = executeText(tmpl.Name, "subject", tmpl.Subject, vars); err != nil {
		return nil, err
	}
	if tmpl.HTMLContent != "" {
		if res.HTML, err = executeHTML(tmpl.Name, tmpl.HTMLContent, vars); err != nil {
			return nil, err
		}
	}
	if tmpl.TextContent != "" {
		if res.Text, err = executeText(tmpl.Name, "text", tmpl.TextContent, vars); err != nil {
			return nil, err
		}
	}

	return res, nil
}

// Validate verifica se o modelo compila e executa com as variáveis de
// exemplo. Usado antes de gravar um modelo novo.
func Validate(tmpl *storage.Template, sample map[string]any) error {
	if tmpl.Name == "" {
		return errors.New("nome do modelo é obrigatório")
	}
	if tmpl.Subject == "" {
		return errors.New("assunto do modelo é obrigatório")
	}
	if tmpl.HTMLContent == "" && tmpl.TextContent == "" {
		return errors.New("modelo precisa de conteúdo HTML ou texto")
	}
	if sample == nil {
		sample = map[string]any{}
	}
	_, err := Execute(tmpl, sample)
	return err
}

func executeText(name, part, src string, vars map[string]any) (string, error) {
	t, err := texttemplate.New(part).Option("missingkey=error").Parse(src)
	if err != nil {
		return "", &RenderError{Template: name, Part: part, Err: err}
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, vars); err != nil {
		return "", &RenderError{Template: name, Part: part, Err: err}
	}
	return buf.String(), nil
}

func executeHTML(name, src string, vars map[string]any) (string, error) {
	t, err := htmltemplate.New("html").Option("missingkey=error").Parse(src)
	if err != nil {
		return "", &RenderError{Template: name, Part: "html", Err: err}
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, vars); err != nil {
		return "", &RenderError{Template: name, Part: "html", Err: err}
	}
	return buf.String(), nil
}
