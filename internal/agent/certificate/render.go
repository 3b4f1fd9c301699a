package certificate

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"text/template"
	"time"
)

//go:embed templates/*.tmpl
var builtinTemplates embed.FS

const templateExt = ".tmpl"

// View is the data passed to certificate templates.
type View struct {
	Record *Record
	Issuer string
}

// Renderer holds the named certificate templates.
type Renderer struct {
	set *template.Template
}

// NewRenderer loads the built-in templates and then every *.tmpl file in dir,
// if dir is set. A file in dir replaces a built-in template of the same name.
func NewRenderer(dir string) (*Renderer, error) {
	r := &Renderer{set: template.New("certificates").Funcs(templateFuncs())}
	if err := r.addFS(builtinTemplates, "templates"); err != nil {
		return nil, err
	}
	if dir != "" {
		if err := r.addFS(os.DirFS(dir), "."); err != nil {
			return nil, fmt.Errorf("load templates from %s: %w", dir, err)
		}
	}
	return r, nil
}

func (r *Renderer) addFS(fsys fs.FS, root string) error {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != templateExt {
			continue
		}
		body, err := fs.ReadFile(fsys, path.Join(root, e.Name()))
		if err != nil {
			return err
		}
		name := strings.TrimSuffix(e.Name(), templateExt)
		if _, err := r.set.New(name).Parse(string(body)); err != nil {
			return fmt.Errorf("parse template %s: %w", name, err)
		}
	}
	return nil
}

// Has reports whether a template is defined.
func (r *Renderer) Has(name string) bool {
	return name != "" && r.set.Lookup(name) != nil
}

// Names lists the defined templates.
func (r *Renderer) Names() []string {
	var out []string
	for _, t := range r.set.Templates() {
		if t.Name() != "certificates" {
			out = append(out, t.Name())
		}
	}
	sort.Strings(out)
	return out
}

// Render executes the named template.
func (r *Renderer) Render(name string, v View) ([]byte, error) {
	t := r.set.Lookup(name)
	if name == "" || t == nil {
		return nil, fmt.Errorf("%w: %q", ErrTemplateNotFound, name)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, v); err != nil {
		return nil, fmt.Errorf("render %s: %w", name, err)
	}
	return buf.Bytes(), nil
}

func templateFuncs() template.FuncMap {
	return template.FuncMap{
		"upper": func(v any) string { return strings.ToUpper(fmt.Sprint(v)) },
		"date":  func(t time.Time) string { return t.Format("2 January 2006") },
		"default": func(def string, v any) string {
			if s := fmt.Sprint(v); s != "" {
				return s
			}
			return def
		},
	}
}
