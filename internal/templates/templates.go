// Package templates - Starter templates for new apps
// Templates are loaded from the embedded templates.yaml
package templates

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultTemplateID is used when a create request names no template
const DefaultTemplateID = "nextjs"

// ErrTemplateNotFound is wrapped by Registry.Get for unknown ids
var ErrTemplateNotFound = errors.New("template not found")

//go:embed templates.yaml
var builtin []byte

// Template is a git repository new apps are cloned from
type Template struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description"`
	Repo        string `json:"repo" yaml:"repo"`
	Logo        string `json:"logo" yaml:"logo"`
}

// NotFoundError names the missing template and the ones that exist
type NotFoundError struct {
	ID        string
	Available []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("Template %s not found. Available templates: %s", e.ID, strings.Join(e.Available, ", "))
}

func (e *NotFoundError) Unwrap() error {
	return ErrTemplateNotFound
}

// Registry holds templates by id
type Registry struct {
	templates map[string]Template
	ids       []string
}

// Load parses a YAML list of templates
func Load(data []byte) (*Registry, error) {
	var list []Template
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	r := &Registry{templates: make(map[string]Template, len(list))}
	for _, t := range list {
		if t.ID == "" || t.Repo == "" {
			return nil, fmt.Errorf("template %q: id and repo are required", t.Name)
		}
		if _, dup := r.templates[t.ID]; dup {
			return nil, fmt.Errorf("duplicate template id %q", t.ID)
		}
		r.templates[t.ID] = t
		r.ids = append(r.ids, t.ID)
	}
	sort.Strings(r.ids)
	return r, nil
}

// Default returns the registry built from the embedded templates
func Default() *Registry {
	r, err := Load(builtin)
	if err != nil {
		panic(err)
	}
	return r
}

// Get returns the template with id. An empty id resolves to DefaultTemplateID.
func (r *Registry) Get(id string) (*Template, error) {
	if id == "" {
		id = DefaultTemplateID
	}
	t, ok := r.templates[id]
	if !ok {
		return nil, &NotFoundError{ID: id, Available: r.IDs()}
	}
	return &t, nil
}

// IDs returns the template ids in sorted order
func (r *Registry) IDs() []string {
	return append([]string(nil), r.ids...)
}

// List returns every template ordered by id
func (r *Registry) List() []Template {
	out := make([]Template, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.templates[id])
	}
	return out
}
