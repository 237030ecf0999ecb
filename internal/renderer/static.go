package renderer

import (
	"context"
	"fmt"

	"herald/internal/config"
)

// StaticSource serves templates defined in configuration.
type StaticSource struct {
	templates map[string]Template
}

func NewStaticSource(templates map[string]config.StaticTemplate) *StaticSource {
	s := &StaticSource{templates: make(map[string]Template, len(templates))}
	for code, t := range templates {
		s.templates[code] = Template{Code: code, Subject: t.Subject, Body: t.Body, Version: 1}
	}
	return s
}

func (s *StaticSource) Lookup(ctx context.Context, code string) (Template, error) {
	t, ok := s.templates[code]
	if !ok {
		return Template{}, fmt.Errorf("%w: %s", ErrTemplateNotFound, code)
	}
	return t, nil
}
