package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/terrane-io/terrane/pkg/engine"
)

// DefaultBindingTimeout bounds binding script execution.
const DefaultBindingTimeout = 30 * time.Second

// BindingsEvaluator executes Starlark binding scripts whose top-level
// assignments become root module variable values. Scripts run sandboxed:
// no filesystem, no network, print suppressed, and a hard timeout.
type BindingsEvaluator struct {
	timeout time.Duration
}

// NewBindingsEvaluator creates a bindings evaluator. A zero timeout uses
// DefaultBindingTimeout.
func NewBindingsEvaluator(timeout time.Duration) *BindingsEvaluator {
	if timeout == 0 {
		timeout = DefaultBindingTimeout
	}
	return &BindingsEvaluator{timeout: timeout}
}

// EvalFile executes the binding script at path and returns its exported
// globals as variable values. Names starting with "_" stay private to the
// script.
func (be *BindingsEvaluator) EvalFile(ctx context.Context, path string) (map[string]cty.Value, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("cannot read bindings file %s", path), err,
		).WithCode(engine.ErrCodeValidation)
	}
	return be.Eval(ctx, path, src)
}

// Eval executes one binding script.
func (be *BindingsEvaluator) Eval(ctx context.Context, filename string, src []byte) (map[string]cty.Value, error) {
	evalCtx, cancel := context.WithTimeout(ctx, be.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  "terrane-bindings",
		Print: func(_ *starlark.Thread, _ string) {},
	}

	type evalOutcome struct {
		globals starlark.StringDict
		err     error
	}
	outcomeCh := make(chan evalOutcome, 1)

	go func() {
		globals, err := starlark.ExecFile(thread, filename, src, predeclared())
		outcomeCh <- evalOutcome{globals: globals, err: err}
	}()

	select {
	case <-evalCtx.Done():
		thread.Cancel("binding evaluation timeout")
		return nil, engine.NewPermanentError(
			fmt.Sprintf("bindings %s did not finish within %s", filename, be.timeout), evalCtx.Err(),
		).WithCode(engine.ErrCodeValidation)
	case outcome := <-outcomeCh:
		if outcome.err != nil {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("bindings %s failed", filename), outcome.err,
			).WithCode(engine.ErrCodeValidation)
		}
		return convertGlobals(outcome.globals)
	}
}

func predeclared() starlark.StringDict {
	return starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}
}

func convertGlobals(globals starlark.StringDict) (map[string]cty.Value, error) {
	values := make(map[string]cty.Value, len(globals))
	for name, val := range globals {
		if strings.HasPrefix(name, "_") {
			continue
		}
		converted, err := bindingValue(val)
		if err != nil {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("binding %q has an unsupported value", name), err,
			).WithCode(engine.ErrCodeValidation)
		}
		values[name] = converted
	}
	return values, nil
}

// bindingValue converts a Starlark value into the value model expressions
// evaluate against. Lists become tuples and dicts become objects so mixed
// element types survive the conversion.
func bindingValue(v starlark.Value) (cty.Value, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return cty.NullVal(cty.DynamicPseudoType), nil
	case starlark.Bool:
		return cty.BoolVal(bool(val)), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return cty.NilVal, fmt.Errorf("integer too large")
		}
		return cty.NumberIntVal(i), nil
	case starlark.Float:
		return cty.NumberFloatVal(float64(val)), nil
	case starlark.String:
		return cty.StringVal(string(val)), nil
	case *starlark.List:
		elems := make([]cty.Value, 0, val.Len())
		for i := 0; i < val.Len(); i++ {
			elem, err := bindingValue(val.Index(i))
			if err != nil {
				return cty.NilVal, err
			}
			elems = append(elems, elem)
		}
		if len(elems) == 0 {
			return cty.EmptyTupleVal, nil
		}
		return cty.TupleVal(elems), nil
	case starlark.Tuple:
		elems := make([]cty.Value, 0, len(val))
		for _, item := range val {
			elem, err := bindingValue(item)
			if err != nil {
				return cty.NilVal, err
			}
			elems = append(elems, elem)
		}
		if len(elems) == 0 {
			return cty.EmptyTupleVal, nil
		}
		return cty.TupleVal(elems), nil
	case *starlark.Dict:
		attrs := make(map[string]cty.Value, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return cty.NilVal, fmt.Errorf("dict key must be a string, got %s", item[0].Type())
			}
			value, err := bindingValue(item[1])
			if err != nil {
				return cty.NilVal, err
			}
			attrs[string(key)] = value
		}
		if len(attrs) == 0 {
			return cty.EmptyObjectVal, nil
		}
		return cty.ObjectVal(attrs), nil
	case *starlarkstruct.Struct:
		attrs := make(map[string]cty.Value, len(val.AttrNames()))
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := bindingValue(attr)
			if err != nil {
				return cty.NilVal, err
			}
			attrs[name] = value
		}
		if len(attrs) == 0 {
			return cty.EmptyObjectVal, nil
		}
		return cty.ObjectVal(attrs), nil
	default:
		return cty.NilVal, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

// ParseVariableFlag splits a command line "name=value" binding. The value
// is parsed as an expression when it looks like one, so -var 'count=3'
// binds a number and -var 'tags=["a","b"]' binds a tuple; anything that
// does not parse binds as a plain string.
func ParseVariableFlag(raw string) (string, cty.Value, error) {
	name, rawValue, found := strings.Cut(raw, "=")
	if !found {
		return "", cty.NilVal, engine.NewPermanentError(
			fmt.Sprintf("variable flag %q is not in name=value form", raw), nil,
		).WithCode(engine.ErrCodeValidation)
	}
	name = strings.TrimSpace(name)
	if err := checkIdentifier(name, "variable name", hcl.Range{Filename: "<var flag>"}); err != nil {
		return "", cty.NilVal, err
	}

	expr, diags := hclsyntax.ParseExpression([]byte(rawValue), "<var flag>", hcl.InitialPos)
	if !diags.HasErrors() {
		if val, diags := expr.Value(nil); !diags.HasErrors() {
			return name, val, nil
		}
	}
	return name, cty.StringVal(rawValue), nil
}
