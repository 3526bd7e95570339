package sandbox

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
)

// Unit is a loaded module whose functions can be called.
type Unit interface {
	Call(ctx context.Context, function string, args map[string]interface{}) (interface{}, error)
}

// CodeError is an error raised by generated code, as opposed to a failure of
// the boundary itself. The server reports it as a RuntimeError.
type CodeError struct {
	Kind    string
	Message string
	Trace   string
}

func (e *CodeError) Error() string {
	if e.Kind == "" {
		return e.Message
	}
	return e.Kind + ": " + e.Message
}

// Output receives what a module prints while loading and running.
type Output struct {
	Stdout io.Writer
	Stderr io.Writer
}

func (o Output) withDefaults() Output {
	if o.Stdout == nil {
		o.Stdout = io.Discard
	}
	if o.Stderr == nil {
		o.Stderr = o.Stdout
	}
	return o
}

// UnitFactory loads a module.
type UnitFactory func(m Module, out Output) (Unit, error)

// Loader builds units by module language.
type Loader struct {
	mu        sync.RWMutex
	factories map[string]UnitFactory
}

// NewLoader creates an empty loader.
func NewLoader() *Loader {
	return &Loader{factories: make(map[string]UnitFactory)}
}

// LoaderConfig selects the units a default loader provides.
type LoaderConfig struct {
	// AllowedGoImports restricts what generated Go may import.
	AllowedGoImports []string
	// Runner enables the process unit when non-empty.
	Runner []string
	// WorkDir is where the process unit writes code and request files.
	WorkDir string
}

// NewDefaultLoader registers the go and starlark units, and the process unit
// when a runner command is configured.
func NewDefaultLoader(cfg LoaderConfig) *Loader {
	l := NewLoader()
	l.Register(LanguageGo, func(m Module, out Output) (Unit, error) {
		return NewGoUnit(m, out, cfg.AllowedGoImports)
	})
	l.Register(LanguageStarlark, func(m Module, out Output) (Unit, error) {
		return NewStarlarkUnit(m, out)
	})
	if len(cfg.Runner) > 0 {
		l.Register(LanguageProcess, func(m Module, out Output) (Unit, error) {
			return NewProcessUnit(m, out, cfg.Runner, cfg.WorkDir)
		})
	}
	return l
}

// Register adds or replaces the factory for a language.
func (l *Loader) Register(language string, f UnitFactory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.factories[language] = f
}

// Languages returns the registered languages in sorted order.
func (l *Loader) Languages() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	langs := make([]string, 0, len(l.factories))
	for lang := range l.factories {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	return langs
}

// Load builds a unit for m. An unknown language is reported as a CodeError
// because the module, not the boundary, is at fault.
func (l *Loader) Load(m Module, out Output) (Unit, error) {
	l.mu.RLock()
	f, ok := l.factories[m.Language]
	l.mu.RUnlock()
	if !ok {
		return nil, &CodeError{
			Kind:    "UnsupportedLanguage",
			Message: fmt.Sprintf("no unit for language %q (available: %v)", m.Language, l.Languages()),
		}
	}
	return f(m, out.withDefaults())
}

// Unit languages.
const (
	LanguageGo       = "go"
	LanguageStarlark = "starlark"
	LanguageProcess  = "process"
)
