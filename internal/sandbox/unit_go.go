package sandbox

import (
	"context"
	"fmt"
	"go/parser"
	"go/token"
	"reflect"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"toolforge/internal/logging"
)

// GoUnit interprets generated Go with yaegi. Functions are called as
//
//	func Name(args map[string]interface{}) (interface{}, error)
//
// or with a single interface{} result.
type GoUnit struct {
	module  Module
	interp  *interp.Interpreter
	allowed map[string]bool
}

// NewGoUnit validates the module's imports against allowed and evaluates it.
// Compile errors are returned as a CodeError.
func NewGoUnit(m Module, out Output, allowed []string) (*GoUnit, error) {
	u := &GoUnit{module: m, allowed: make(map[string]bool, len(allowed))}
	for _, pkg := range allowed {
		u.allowed[pkg] = true
	}

	src := wrapGoSource(m.Source)
	if err := u.validateImports(src); err != nil {
		return nil, err
	}

	out = out.withDefaults()
	u.interp = interp.New(interp.Options{Stdout: out.Stdout, Stderr: out.Stderr})
	if err := u.interp.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("failed to load stdlib symbols: %w", err)
	}
	if _, err := u.interp.Eval(src); err != nil {
		return nil, &CodeError{Kind: "CompileError", Message: err.Error()}
	}
	logging.SandboxDebug("Loaded Go module %s (%d bytes)", m.Name, len(m.Source))
	return u, nil
}

// wrapGoSource adds a package clause when the generated code omits one.
func wrapGoSource(src string) string {
	if strings.Contains(src, "package main") {
		return src
	}
	return "package main\n\n" + src
}

func (u *GoUnit) validateImports(src string) error {
	f, err := parser.ParseFile(token.NewFileSet(), u.module.Name+".go", src, parser.ImportsOnly)
	if err != nil {
		return &CodeError{Kind: "SyntaxError", Message: err.Error()}
	}
	var forbidden []string
	for _, imp := range f.Imports {
		path, _ := strconv.Unquote(imp.Path.Value)
		if !u.allowed[path] {
			forbidden = append(forbidden, path)
		}
	}
	if len(forbidden) > 0 {
		allowed := make([]string, 0, len(u.allowed))
		for pkg := range u.allowed {
			allowed = append(allowed, pkg)
		}
		sort.Strings(allowed)
		return &CodeError{
			Kind:    "ImportError",
			Message: fmt.Sprintf("forbidden imports %v (allowed: %v)", forbidden, allowed),
		}
	}
	return nil
}

// Call runs function with args. The interpreted call cannot be interrupted;
// on cancellation Call returns immediately and the call is abandoned, which
// is why a timed-out environment is always recycled.
func (u *GoUnit) Call(ctx context.Context, function string, args map[string]interface{}) (interface{}, error) {
	v, err := u.interp.Eval("main." + function)
	if err != nil {
		return nil, &CodeError{Kind: "NameError", Message: fmt.Sprintf("function %s not found: %v", function, err)}
	}
	fn := v
	if fn.Kind() != reflect.Func {
		return nil, &CodeError{Kind: "TypeError", Message: fmt.Sprintf("%s is not a function", function)}
	}
	ft := fn.Type()
	if ft.NumIn() != 1 || ft.NumOut() < 1 || ft.NumOut() > 2 {
		return nil, &CodeError{
			Kind:    "TypeError",
			Message: fmt.Sprintf("%s has signature %s, want func(map[string]interface{}) (interface{}, error)", function, ft),
		}
	}

	type callResult struct {
		value interface{}
		err   error
	}
	done := make(chan callResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: &CodeError{
					Kind:    "panic",
					Message: fmt.Sprint(r),
					Trace:   string(debug.Stack()),
				}}
			}
		}()
		in := reflect.ValueOf(args)
		if !in.Type().AssignableTo(ft.In(0)) {
			in = in.Convert(ft.In(0))
		}
		out := fn.Call([]reflect.Value{in})
		res := callResult{value: out[0].Interface()}
		if len(out) == 2 && !out[1].IsNil() {
			callErr, _ := out[1].Interface().(error)
			res.err = &CodeError{Kind: "error", Message: fmt.Sprint(callErr)}
		}
		done <- res
	}()

	select {
	case res := <-done:
		return res.value, res.err
	case <-ctx.Done():
		logging.SandboxWarn("Go call %s abandoned: %v", function, ctx.Err())
		return nil, fmt.Errorf("call %s: %w", function, ctx.Err())
	}
}
