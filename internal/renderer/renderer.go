// Package renderer turns a template reference and variables into provider content.
package renderer

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"sync"
	"text/template"
	"time"

	apperrors "herald/pkg/errors"
	"herald/pkg/models"
)

// ErrTemplateNotFound is permanent: the envelope will never render.
var ErrTemplateNotFound = apperrors.NewError("TEMPLATE_NOT_FOUND", "template not found", 404).AsFatal()

// RenderError is a template that exists but cannot be executed with the given variables.
type RenderError struct {
	TemplateRef string
	Err         error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render template %s: %v", e.TemplateRef, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }
func (e *RenderError) IsFatal() bool { return true }

type Template struct {
	Code     string
	Subject  string
	Body     string
	Language string
	Version  int
}

type Source interface {
	// Lookup returns ErrTemplateNotFound when no active template has the given code.
	Lookup(ctx context.Context, code string) (Template, error)
}

type Renderer interface {
	Render(ctx context.Context, templateRef string, variables map[string]interface{}) (models.Content, error)
}

type compiled struct {
	subject   *template.Template
	body      *template.Template
	expiresAt time.Time
}

// TemplateRenderer executes text/template templates from a Source, caching parsed templates
// for cacheTTL.
type TemplateRenderer struct {
	source   Source
	cacheTTL time.Duration
	now      func() time.Time

	mu    sync.RWMutex
	cache map[string]compiled
}

func New(source Source, cacheTTL time.Duration) *TemplateRenderer {
	return &TemplateRenderer{
		source:   source,
		cacheTTL: cacheTTL,
		now:      time.Now,
		cache:    make(map[string]compiled),
	}
}

func (r *TemplateRenderer) Render(ctx context.Context, templateRef string, variables map[string]interface{}) (models.Content, error) {
	tpl, err := r.compiled(ctx, templateRef)
	if err != nil {
		return models.Content{}, err
	}

	if variables == nil {
		variables = map[string]interface{}{}
	}

	subject, err := execute(tpl.subject, variables)
	if err != nil {
		return models.Content{}, &RenderError{TemplateRef: templateRef, Err: err}
	}
	body, err := execute(tpl.body, variables)
	if err != nil {
		return models.Content{}, &RenderError{TemplateRef: templateRef, Err: err}
	}

	data := make(map[string]string, len(variables))
	for k, v := range variables {
		data[k] = fmt.Sprint(v)
	}

	return models.Content{Subject: subject, Body: body, Data: data}, nil
}

func (r *TemplateRenderer) compiled(ctx context.Context, ref string) (compiled, error) {
	now := r.now()

	r.mu.RLock()
	c, ok := r.cache[ref]
	r.mu.RUnlock()
	if ok && now.Before(c.expiresAt) {
		return c, nil
	}

	t, err := r.source.Lookup(ctx, ref)
	if err != nil {
		return compiled{}, err
	}

	subject, body, err := parse(ref, t)
	if err != nil {
		return compiled{}, err
	}

	c = compiled{subject: subject, body: body, expiresAt: now.Add(r.cacheTTL)}
	if r.cacheTTL > 0 {
		r.mu.Lock()
		r.cache[ref] = c
		r.mu.Unlock()
	}
	return c, nil
}

// Invalidate drops the cached copy of ref so the next render reads the source again.
func (r *TemplateRenderer) Invalidate(ref string) {
	r.mu.Lock()
	delete(r.cache, ref)
	r.mu.Unlock()
}

// Check reports whether t parses, without executing it.
func Check(t Template) error {
	_, _, err := parse(t.Code, t)
	return err
}

// barePlaceholder matches {{name}}, with optional spaces and trim markers around the name.
var barePlaceholder = regexp.MustCompile(`\{\{(-\s+|\s*)([A-Za-z_][A-Za-z0-9_]*)(\s+-|\s*)\}\}`)

var templateKeywords = map[string]bool{
	"end": true, "else": true, "break": true, "continue": true,
	"nil": true, "true": true, "false": true,
}

// normalizePlaceholders rewrites {{name}} to {{.name}} so plain substitution templates parse.
func normalizePlaceholders(text string) string {
	return barePlaceholder.ReplaceAllStringFunc(text, func(m string) string {
		sub := barePlaceholder.FindStringSubmatch(m)
		if templateKeywords[sub[2]] {
			return m
		}
		return "{{" + sub[1] + "." + sub[2] + sub[3] + "}}"
	})
}

func parse(ref string, t Template) (*template.Template, *template.Template, error) {
	subject, err := template.New(ref + ".subject").Option("missingkey=error").Parse(normalizePlaceholders(t.Subject))
	if err != nil {
		return nil, nil, &RenderError{TemplateRef: ref, Err: err}
	}
	body, err := template.New(ref + ".body").Option("missingkey=error").Parse(normalizePlaceholders(t.Body))
	if err != nil {
		return nil, nil, &RenderError{TemplateRef: ref, Err: err}
	}
	return subject, body, nil
}

func execute(t *template.Template, vars map[string]interface{}) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, vars); err != nil {
		return "", err
	}
	return buf.String(), nil
}
