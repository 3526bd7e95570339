package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"reflect"
	"sort"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"toolforge/internal/logging"
)

var starlarkFileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// StarlarkUnit runs generated Starlark. Arguments are passed as keyword
// arguments, so a function is declared as def name(a, b): ...
type StarlarkUnit struct {
	module  Module
	stdout  io.Writer
	globals starlark.StringDict
}

// NewStarlarkUnit executes the module's top level and keeps its globals.
func NewStarlarkUnit(m Module, out Output) (*StarlarkUnit, error) {
	u := &StarlarkUnit{module: m, stdout: out.withDefaults().Stdout}
	thread := u.newThread("load")
	globals, err := starlark.ExecFileOptions(starlarkFileOptions, thread, m.Name+".star", m.Source, nil)
	if err != nil {
		return nil, starlarkError(err)
	}
	u.globals = globals
	logging.SandboxDebug("Loaded Starlark module %s: %d globals", m.Name, len(globals))
	return u, nil
}

func (u *StarlarkUnit) newThread(name string) *starlark.Thread {
	return &starlark.Thread{
		Name: u.module.Name + ":" + name,
		Print: func(_ *starlark.Thread, msg string) {
			fmt.Fprintln(u.stdout, msg)
		},
	}
}

// Call invokes a global function. Cancelling ctx stops the thread at its
// next step.
func (u *StarlarkUnit) Call(ctx context.Context, function string, args map[string]interface{}) (interface{}, error) {
	v, ok := u.globals[function]
	if !ok {
		return nil, &CodeError{Kind: "NameError", Message: fmt.Sprintf("function %s is not defined", function)}
	}
	callable, ok := v.(starlark.Callable)
	if !ok {
		return nil, &CodeError{Kind: "TypeError", Message: fmt.Sprintf("%s is a %s, not a function", function, v.Type())}
	}

	kwargs := make([]starlark.Tuple, 0, len(args))
	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		sv, err := toStarlark(args[name])
		if err != nil {
			return nil, &CodeError{Kind: "TypeError", Message: fmt.Sprintf("argument %s: %v", name, err)}
		}
		kwargs = append(kwargs, starlark.Tuple{starlark.String(name), sv})
	}

	thread := u.newThread(function)
	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(ctx.Err().Error())
	})
	defer stop()

	result, err := starlark.Call(thread, callable, nil, kwargs)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("call %s: %w", function, ctx.Err())
		}
		return nil, starlarkError(err)
	}
	out, err := fromStarlark(result)
	if err != nil {
		return nil, &CodeError{Kind: "TypeError", Message: fmt.Sprintf("result of %s: %v", function, err)}
	}
	return out, nil
}

func starlarkError(err error) error {
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return &CodeError{Kind: "EvalError", Message: evalErr.Msg, Trace: evalErr.Backtrace()}
	}
	var syntaxErr syntax.Error
	if errors.As(err, &syntaxErr) {
		return &CodeError{Kind: "SyntaxError", Message: syntaxErr.Error()}
	}
	return &CodeError{Kind: "Error", Message: err.Error()}
}

// toStarlark converts a decoded JSON value.
func toStarlark(v interface{}) (starlark.Value, error) {
	switch t := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(t), nil
	case string:
		return starlark.String(t), nil
	case int:
		return starlark.MakeInt(t), nil
	case int64:
		return starlark.MakeInt64(t), nil
	case float64:
		// Integers arrive as int64, so a float64 was written as a float.
		return starlark.Float(t), nil
	case []interface{}:
		elems := make([]starlark.Value, len(t))
		for i, e := range t {
			sv, err := toStarlark(e)
			if err != nil {
				return nil, err
			}
			elems[i] = sv
		}
		return starlark.NewList(elems), nil
	case map[string]interface{}:
		d := starlark.NewDict(len(t))
		for k, val := range t {
			sv, err := toStarlark(val)
			if err != nil {
				return nil, err
			}
			if err := d.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return d, nil
	}
	return nil, fmt.Errorf("unsupported type %s", reflect.TypeOf(v))
}

// fromStarlark converts a result back to JSON-compatible Go values.
func fromStarlark(v starlark.Value) (interface{}, error) {
	switch t := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(t), nil
	case starlark.String:
		return string(t), nil
	case starlark.Bytes:
		return string(t), nil
	case starlark.Int:
		if i, ok := t.Int64(); ok {
			return i, nil
		}
		f, _ := new(big.Float).SetInt(t.BigInt()).Float64()
		return f, nil
	case starlark.Float:
		return float64(t), nil
	case *starlark.List:
		out := make([]interface{}, t.Len())
		for i := 0; i < t.Len(); i++ {
			e, err := fromStarlark(t.Index(i))
			if err != nil {
				return nil, err
			}
			out[i] = e
		}
		return out, nil
	case starlark.Tuple:
		out := make([]interface{}, len(t))
		for i, e := range t {
			ge, err := fromStarlark(e)
			if err != nil {
				return nil, err
			}
			out[i] = ge
		}
		return out, nil
	case *starlark.Dict:
		out := make(map[string]interface{}, t.Len())
		for _, item := range t.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key %s is not a string", item[0].String())
			}
			val, err := fromStarlark(item[1])
			if err != nil {
				return nil, err
			}
			out[string(key)] = val
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported result type %s", v.Type())
}
