// Package templates loads named document templates and keeps their compiled
// form for the lifetime of the process.
package templates

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"regexp"
	"sync"
	"time"

	"github.com/Masterminds/sprig/v3"
	"github.com/sirupsen/logrus"

	"github.com/sdko-org/docvault/internal/errs"
)

const Extension = ".html"

var validName = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// Template is a compiled, reusable renderer for one template resource.
type Template struct {
	Name       string
	Checksum   string
	CompiledAt time.Time
	tmpl       *template.Template
}

// Execute renders data into markup.
func (t *Template) Execute(data any) ([]byte, error) {
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("%w: execute template %s: %v", errs.ErrRenderFailed, t.Name, err)
	}
	return buf.Bytes(), nil
}

type Resolver struct {
	source fs.FS
	log    *logrus.Entry

	mu       sync.RWMutex
	compiled map[string]*Template
	loads    int
}

// NewResolver resolves template names to "<name>.html" inside source.
func NewResolver(logger *logrus.Logger, source fs.FS) *Resolver {
	return &Resolver{
		source:   source,
		log:      logger.WithField("component", "template_resolver"),
		compiled: make(map[string]*Template),
	}
}

// Compile returns the cached compiled template for name, loading and
// compiling it from the source on first use.
func (r *Resolver) Compile(name string) (*Template, error) {
	r.mu.RLock()
	t, ok := r.compiled[name]
	r.mu.RUnlock()
	if ok {
		return t, nil
	}

	if !validName.MatchString(name) {
		return nil, fmt.Errorf("%w: invalid template name %q", errs.ErrTemplateNotFound, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.compiled[name]; ok {
		return t, nil
	}

	src, err := fs.ReadFile(r.source, name+Extension)
	r.loads++
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", errs.ErrTemplateNotFound, name)
		}
		return nil, fmt.Errorf("%w: load %s: %v", errs.ErrTemplateNotFound, name, err)
	}

	tmpl, err := template.New(name).Funcs(sprig.FuncMap()).Parse(string(src))
	if err != nil {
		return nil, fmt.Errorf("compile template %s: %w", name, err)
	}

	sum := sha256.Sum256(src)
	t = &Template{
		Name:       name,
		Checksum:   hex.EncodeToString(sum[:]),
		CompiledAt: time.Now(),
		tmpl:       tmpl,
	}
	r.compiled[name] = t

	r.log.WithFields(logrus.Fields{
		"template": name,
		"checksum": t.Checksum[:12],
	}).Info("Compiled template")
	return t, nil
}

// Invalidate drops the compiled form of name. It reports whether anything
// was cached.
func (r *Resolver) Invalidate(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.compiled[name]
	delete(r.compiled, name)
	if ok {
		r.log.WithField("template", name).Info("Invalidated template")
	}
	return ok
}

// Loads is the number of times the source has been read.
func (r *Resolver) Loads() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loads
}
