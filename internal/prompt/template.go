package prompt

import (
	"bytes"
	"encoding/json"
	"strings"
	"text/template"
	"text/template/parse"

	"github.com/rotisserie/eris"
)

// Variable declares a template input. A variable with a Default never
// raises MissingVariableError; the default is substituted instead.
type Variable struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Required    bool   `yaml:"required,omitempty"`
	Default     any    `yaml:"default,omitempty"`
}

// Def is the declarative form of a template as it appears in a pack.
type Def struct {
	ID              string     `yaml:"id"`
	Description     string     `yaml:"description,omitempty"`
	Fragments       []string   `yaml:"fragments,omitempty"`
	SystemFragments []string   `yaml:"system_fragments,omitempty"`
	System          string     `yaml:"system,omitempty"`
	Body            string     `yaml:"body"`
	Variables       []Variable `yaml:"variables,omitempty"`
}

// Template is a resolved, parsed template. Fragments have already been
// flattened into the body.
type Template struct {
	id           string
	system       string
	tmpl         *template.Template
	placeholders []string
	required     []string
	defaults     map[string]any
}

var funcs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return "", err
		}
		return string(b), nil
	},
	"join":  strings.Join,
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
}

func newTemplate(def Def, body, system string) (*Template, error) {
	tmpl, err := template.New(def.ID).Funcs(funcs).Parse(body)
	if err != nil {
		return nil, eris.Wrapf(err, "prompt: parse template %q", def.ID)
	}

	t := &Template{
		id:       def.ID,
		system:   system,
		tmpl:     tmpl,
		defaults: make(map[string]any),
	}
	if tmpl.Tree != nil {
		t.placeholders = placeholders(tmpl.Tree.Root)
	}

	for _, v := range def.Variables {
		if v.Name == "" {
			return nil, eris.Errorf("prompt: template %q declares a variable with no name", def.ID)
		}
		if v.Default != nil {
			t.defaults[v.Name] = v.Default
		}
	}

	seen := make(map[string]bool)
	for _, name := range t.placeholders {
		if _, ok := t.defaults[name]; ok {
			continue
		}
		t.required = append(t.required, name)
		seen[name] = true
	}
	for _, v := range def.Variables {
		if v.Required && v.Default == nil && !seen[v.Name] {
			t.required = append(t.required, v.Name)
			seen[v.Name] = true
		}
	}
	return t, nil
}

// ID returns the template id.
func (t *Template) ID() string { return t.id }

// System returns the resolved system prompt, possibly empty.
func (t *Template) System() string { return t.system }

// Placeholders returns the top-level variables referenced by the body, in
// order of first appearance.
func (t *Template) Placeholders() []string {
	return append([]string(nil), t.placeholders...)
}

// Required returns the variables that must be supplied by the caller.
func (t *Template) Required() []string {
	return append([]string(nil), t.required...)
}

// Execute fills the template. vars is not modified.
func (t *Template) Execute(vars map[string]any) (string, error) {
	for _, name := range t.required {
		if _, ok := vars[name]; !ok {
			return "", &MissingVariableError{TemplateID: t.id, Variable: name}
		}
	}

	data := make(map[string]any, len(vars)+len(t.defaults))
	for k, v := range t.defaults {
		data[k] = v
	}
	for k, v := range vars {
		data[k] = v
	}

	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", eris.Wrapf(err, "prompt: execute template %q", t.id)
	}
	return buf.String(), nil
}

// placeholders collects top-level field references ({{.name}}) and root
// variable references ({{$.name}}) in order of first appearance. Bodies of
// range and with rebind dot, so only $-rooted references count there.
func placeholders(root *parse.ListNode) []string {
	var (
		out  []string
		seen = make(map[string]bool)
	)
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}

	var walk func(n parse.Node, dotIsRoot bool)
	walk = func(n parse.Node, dotIsRoot bool) {
		switch n := n.(type) {
		case nil:
		case *parse.ListNode:
			if n == nil {
				return
			}
			for _, c := range n.Nodes {
				walk(c, dotIsRoot)
			}
		case *parse.ActionNode:
			walk(n.Pipe, dotIsRoot)
		case *parse.PipeNode:
			if n == nil {
				return
			}
			for _, cmd := range n.Cmds {
				walk(cmd, dotIsRoot)
			}
		case *parse.CommandNode:
			for _, arg := range n.Args {
				walk(arg, dotIsRoot)
			}
		case *parse.FieldNode:
			if dotIsRoot && len(n.Ident) > 0 {
				add(n.Ident[0])
			}
		case *parse.VariableNode:
			if len(n.Ident) > 1 && n.Ident[0] == "$" {
				add(n.Ident[1])
			}
		case *parse.ChainNode:
			walk(n.Node, dotIsRoot)
		case *parse.IfNode:
			walk(n.Pipe, dotIsRoot)
			walk(n.List, dotIsRoot)
			walk(n.ElseList, dotIsRoot)
		case *parse.RangeNode:
			walk(n.Pipe, dotIsRoot)
			walk(n.List, false)
			walk(n.ElseList, dotIsRoot)
		case *parse.WithNode:
			walk(n.Pipe, dotIsRoot)
			walk(n.List, false)
			walk(n.ElseList, dotIsRoot)
		case *parse.TemplateNode:
			walk(n.Pipe, dotIsRoot)
		}
	}
	walk(root, true)
	return out
}
