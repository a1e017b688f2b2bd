package assets

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"maps"
	"net/http"
	"path"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
)

// Pipeline holds parsed page templates and the transformed browser scripts
// they reference.
type Pipeline struct {
	config  Config
	tmpl    *template.Template
	scripts map[string]script
}

type script struct {
	code    []byte
	version string
}

// New loads templates and scripts from fsys.
func New(fsys fs.FS, config Config) (*Pipeline, error) {
	return NewWithFuncs(fsys, config, nil)
}

// NewWithFuncs loads templates with additional template functions.
func NewWithFuncs(fsys fs.FS, config Config, customFuncs template.FuncMap) (*Pipeline, error) {
	p := &Pipeline{
		config:  config,
		scripts: make(map[string]script),
	}

	if err := p.buildScripts(fsys); err != nil {
		return nil, err
	}

	funcs := template.FuncMap{
		"marshal": marshal,
		"script":  p.ScriptPath,
	}

	// Merge custom functions
	maps.Copy(funcs, customFuncs)

	tmpl, err := template.New("").Funcs(funcs).ParseFS(fsys, config.TemplateGlob)
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}
	p.tmpl = tmpl

	return p, nil
}

func (p *Pipeline) buildScripts(fsys fs.FS) error {
	if p.config.ScriptGlob == "" {
		return nil
	}

	files, err := fs.Glob(fsys, p.config.ScriptGlob)
	if err != nil {
		return err
	}

	for _, file := range files {
		src, err := fs.ReadFile(fsys, file)
		if err != nil {
			return err
		}

		result := api.Transform(string(src), api.TransformOptions{
			Loader:            api.LoaderJS,
			Target:            api.ES2017,
			MinifyWhitespace:  p.config.Minify,
			MinifyIdentifiers: p.config.Minify,
			MinifySyntax:      p.config.Minify,
			Sourcefile:        file,
		})

		if len(result.Errors) > 0 {
			for _, msg := range result.Errors {
				log.Error().Str("file", file).Str("error", msg.Text).Msg("Transform error")
			}
			return fmt.Errorf("esbuild failed to transform %s", file)
		}

		sum := sha256.Sum256(result.Code)
		name := strings.TrimSuffix(path.Base(file), ".js")
		p.scripts[name] = script{code: result.Code, version: base58.Encode(sum[:8])}

		log.Debug().Str("file", file).Int("bytes", len(result.Code)).Msg("Built script")
	}

	return nil
}

// ScriptPath returns the versioned URL of a script by base name.
func (p *Pipeline) ScriptPath(name string) (string, error) {
	s, ok := p.scripts[name]
	if !ok {
		return "", fmt.Errorf("script %q not found", name)
	}
	return p.config.ScriptPrefix + name + ".js?v=" + s.version, nil
}

// Render executes the named template into w.
func (p *Pipeline) Render(w io.Writer, name string, data any) error {
	if p.tmpl.Lookup(name) == nil {
		return fmt.Errorf("template %q not found", name)
	}
	return p.tmpl.ExecuteTemplate(w, name, data)
}

// ScriptHandler serves the transformed scripts under the script prefix.
func (p *Pipeline) ScriptHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, p.config.ScriptPrefix), ".js")

		s, ok := p.scripts[name]
		if !ok {
			http.NotFound(w, r)
			return
		}

		w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
		if r.URL.Query().Get("v") == s.version {
			w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		} else {
			w.Header().Set("Cache-Control", "no-cache")
		}
		_, _ = w.Write(s.code)
	})
}

func marshal(value any) (template.JS, error) {
	buf := new(bytes.Buffer)

	if err := json.NewEncoder(buf).Encode(value); err != nil {
		return "", errors.New("context can only be json serializable")
	}

	return template.JS(strings.TrimSpace(buf.String())), nil //nolint:gosec
}
