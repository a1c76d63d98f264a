// Package prompt resolves and renders the prompt templates used by analyzer
// nodes. A Registry is built once from a pack and is read-only afterwards, so
// it may be shared between concurrent runs.
package prompt

import (
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

// Registry holds resolved templates keyed by id.
type Registry struct {
	templates map[string]*Template
}

// NewRegistry flattens fragment composition lists and parses every template.
// An unknown fragment id or a duplicate template id fails construction.
func NewRegistry(fragments map[string]string, defs []Def) (*Registry, error) {
	r := &Registry{templates: make(map[string]*Template, len(defs))}
	for _, def := range defs {
		if def.ID == "" {
			return nil, eris.New("prompt: template with empty id")
		}
		if _, dup := r.templates[def.ID]; dup {
			return nil, eris.Errorf("prompt: duplicate template id %q", def.ID)
		}

		body, err := compose(def.ID, fragments, def.Fragments, def.Body)
		if err != nil {
			return nil, err
		}
		system, err := compose(def.ID, fragments, def.SystemFragments, def.System)
		if err != nil {
			return nil, err
		}

		t, err := newTemplate(def, body, system)
		if err != nil {
			return nil, err
		}
		r.templates[def.ID] = t
	}
	return r, nil
}

// compose joins the listed fragments and the template's own text with a
// blank line between parts.
func compose(templateID string, fragments map[string]string, ids []string, own string) (string, error) {
	parts := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		text, ok := fragments[id]
		if !ok {
			return "", eris.Errorf("prompt: template %q references unknown fragment %q", templateID, id)
		}
		parts = append(parts, strings.TrimSpace(text))
	}
	if s := strings.TrimSpace(own); s != "" {
		parts = append(parts, s)
	}
	return strings.Join(parts, "\n\n"), nil
}

// Render fills template templateID with vars.
func (r *Registry) Render(templateID string, vars map[string]any) (string, error) {
	t, ok := r.templates[templateID]
	if !ok {
		return "", &TemplateNotFoundError{TemplateID: templateID}
	}
	return t.Execute(vars)
}

// RenderSystem returns the resolved system prompt of templateID.
func (r *Registry) RenderSystem(templateID string) (string, error) {
	t, ok := r.templates[templateID]
	if !ok {
		return "", &TemplateNotFoundError{TemplateID: templateID}
	}
	return t.System(), nil
}

// Lookup returns the resolved template for id.
func (r *Registry) Lookup(templateID string) (*Template, bool) {
	t, ok := r.templates[templateID]
	return t, ok
}

// Has reports whether templateID is registered.
func (r *Registry) Has(templateID string) bool {
	_, ok := r.templates[templateID]
	return ok
}

// IDs returns every registered template id, sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.templates))
	for id := range r.templates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
