package expr

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrAsyncInSyncContext is returned when a synchronous evaluation reaches a
// helper that may suspend.
var ErrAsyncInSyncContext = errors.New("expr: async helper called during synchronous evaluation")

// Func is a synchronous helper callable from expressions.
type Func func(env *Env, args []interface{}) (interface{}, error)

// AsyncFunc is a helper that may block on I/O. It is only callable from
// EvalAsync.
type AsyncFunc func(ctx context.Context, env *Env, args []interface{}) (interface{}, error)

// Env is the evaluation context assembled per evaluation: field values, named
// bindings (myValue, mode, patient, ...) and helper functions.
type Env struct {
	// Values holds the current field values keyed by field id.
	Values map[string]interface{}
	// Vars holds session bindings; they shadow field values of the same name.
	Vars map[string]interface{}
	// Funcs and AsyncFuncs extend or override the built-in helpers.
	Funcs      map[string]Func
	AsyncFuncs map[string]AsyncFunc
	// OnReference is invoked when a helper such as useFieldValue reads a field
	// by id at run time.
	OnReference func(fieldID string)
	// Now overrides the clock for date helpers.
	Now func() time.Time
}

// Lookup returns the value of the named binding or field.
func (e *Env) Lookup(name string) (interface{}, bool) {
	if e == nil {
		return nil, false
	}
	if v, ok := e.Vars[name]; ok {
		return v, true
	}
	v, ok := e.Values[name]
	return v, ok
}

func (e *Env) now() time.Time {
	if e != nil && e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Env) fn(name string) (Func, bool) {
	if e != nil {
		if f, ok := e.Funcs[name]; ok {
			return f, true
		}
	}
	f, ok := builtins[name]
	return f, ok
}

func (e *Env) asyncFn(name string) (AsyncFunc, bool) {
	if e != nil {
		if f, ok := e.AsyncFuncs[name]; ok {
			return f, true
		}
	}
	f, ok := asyncBuiltins[name]
	return f, ok
}

// ============================================================================
// Evaluator
// ============================================================================

type evalContext struct {
	ctx   context.Context
	env   *Env
	async bool
}

func (c *evalContext) eval(node *astNode) (interface{}, error) {
	if node == nil {
		return nil, nil
	}
	switch node.kind {
	case ndLiteral:
		return node.value, nil

	case ndIdent:
		v, _ := c.env.Lookup(node.value.(string))
		return v, nil

	case ndArray:
		out := make([]interface{}, 0, len(node.children))
		for _, child := range node.children {
			v, err := c.eval(child)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil

	case ndMember:
		obj, err := c.eval(node.children[0])
		if err != nil {
			return nil, err
		}
		return memberOf(obj, node.value.(string)), nil

	case ndIndex:
		obj, err := c.eval(node.children[0])
		if err != nil {
			return nil, err
		}
		idx, err := c.eval(node.children[1])
		if err != nil {
			return nil, err
		}
		return indexOf(obj, idx), nil

	case ndCall:
		return c.evalCall(node)

	case ndMethod:
		return c.evalMethod(node)

	case ndUnary:
		v, err := c.eval(node.children[0])
		if err != nil {
			return nil, err
		}
		if node.value == "!" {
			return !Truthy(v), nil
		}
		if v == nil {
			return nil, nil
		}
		n, ok := ToNumber(v)
		if !ok {
			return math.NaN(), nil
		}
		return -n, nil

	case ndLogical:
		return c.evalLogical(node)

	case ndBinary:
		left, err := c.eval(node.children[0])
		if err != nil {
			return nil, err
		}
		right, err := c.eval(node.children[1])
		if err != nil {
			return nil, err
		}
		return binary(node.value.(string), left, right)

	case ndTernary:
		cond, err := c.eval(node.children[0])
		if err != nil {
			return nil, err
		}
		if Truthy(cond) {
			return c.eval(node.children[1])
		}
		return c.eval(node.children[2])
	}
	return nil, fmt.Errorf("unknown node kind %d", node.kind)
}

func (c *evalContext) evalLogical(node *astNode) (interface{}, error) {
	left, err := c.eval(node.children[0])
	if err != nil {
		return nil, err
	}
	switch node.value {
	case "&&":
		if !Truthy(left) {
			return left, nil
		}
	case "||":
		if Truthy(left) {
			return left, nil
		}
	case "??":
		if left != nil {
			return left, nil
		}
	}
	return c.eval(node.children[1])
}

func (c *evalContext) evalArgs(nodes []*astNode) ([]interface{}, error) {
	args := make([]interface{}, len(nodes))
	for i, n := range nodes {
		v, err := c.eval(n)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return args, nil
}

func (c *evalContext) evalCall(node *astNode) (interface{}, error) {
	name := node.value.(string)
	args, err := c.evalArgs(node.children)
	if err != nil {
		return nil, err
	}
	if f, ok := c.env.fn(name); ok {
		return f(c.env, args)
	}
	if f, ok := c.env.asyncFn(name); ok {
		if !c.async {
			return nil, fmt.Errorf("%w: %s", ErrAsyncInSyncContext, name)
		}
		if err := c.ctx.Err(); err != nil {
			return nil, err
		}
		return f(c.ctx, c.env, args)
	}
	return nil, fmt.Errorf("unknown function %q", name)
}

func (c *evalContext) evalMethod(node *astNode) (interface{}, error) {
	// helpers registered under a qualified name, e.g. api.getLatestObs(x)
	if r := node.children[0]; r.kind == ndIdent {
		qualified := r.value.(string) + "." + node.value.(string)
		_, isFn := c.env.fn(qualified)
		_, isAsync := c.env.asyncFn(qualified)
		if isFn || isAsync {
			return c.evalCall(&astNode{kind: ndCall, value: qualified, children: node.children[1:]})
		}
	}

	recv, err := c.eval(node.children[0])
	if err != nil {
		return nil, err
	}
	args, err := c.evalArgs(node.children[1:])
	if err != nil {
		return nil, err
	}
	arg := func(i int) interface{} {
		if i < len(args) {
			return args[i]
		}
		return nil
	}

	name := node.value.(string)
	if s, ok := recv.(string); ok {
		switch name {
		case "includes":
			return strings.Contains(s, toString(arg(0))), nil
		case "startsWith":
			return strings.HasPrefix(s, toString(arg(0))), nil
		case "endsWith":
			return strings.HasSuffix(s, toString(arg(0))), nil
		case "indexOf":
			return float64(strings.Index(s, toString(arg(0)))), nil
		case "toLowerCase":
			return strings.ToLower(s), nil
		case "toUpperCase":
			return strings.ToUpper(s), nil
		case "trim":
			return strings.TrimSpace(s), nil
		}
	}
	if list, ok := recv.([]interface{}); ok {
		switch name {
		case "includes":
			return containsLoose(list, arg(0)), nil
		case "indexOf":
			for i, item := range list {
				if LooseEqual(item, arg(0)) {
					return float64(i), nil
				}
			}
			return float64(-1), nil
		case "join":
			sep := ","
			if len(args) > 0 {
				sep = toString(arg(0))
			}
			parts := make([]string, len(list))
			for i, item := range list {
				parts[i] = toString(item)
			}
			return strings.Join(parts, sep), nil
		}
	}
	if t, ok := recv.(time.Time); ok {
		switch name {
		case "getTime":
			return float64(t.UnixMilli()), nil
		case "getFullYear":
			return float64(t.Year()), nil
		}
	}
	if recv == nil {
		return nil, fmt.Errorf("cannot call %s on null", name)
	}
	return nil, fmt.Errorf("unknown method %q on %T", name, recv)
}

func memberOf(obj interface{}, name string) interface{} {
	switch t := obj.(type) {
	case map[string]interface{}:
		return t[name]
	case []interface{}:
		if name == "length" {
			return float64(len(t))
		}
	case string:
		if name == "length" {
			return float64(len(t))
		}
	}
	return nil
}

func indexOf(obj, idx interface{}) interface{} {
	switch t := obj.(type) {
	case []interface{}:
		n, ok := ToNumber(idx)
		if !ok || n < 0 || int(n) >= len(t) {
			return nil
		}
		return t[int(n)]
	case map[string]interface{}:
		return t[toString(idx)]
	}
	return nil
}

func containsLoose(list []interface{}, v interface{}) bool {
	for _, item := range list {
		if LooseEqual(item, v) {
			return true
		}
	}
	return false
}

// binary applies an infix operator. Arithmetic with an empty operand is
// empty rather than zero, so a calculation over unanswered fields leaves its
// target unanswered.
func binary(op string, left, right interface{}) (interface{}, error) {
	switch op {
	case "==":
		return LooseEqual(left, right), nil
	case "!=":
		return !LooseEqual(left, right), nil
	case "===":
		return StrictEqual(left, right), nil
	case "!==":
		return !StrictEqual(left, right), nil
	case "<", ">", "<=", ">=":
		cmp, ok := compareOrdered(left, right)
		if !ok {
			return false, nil
		}
		switch op {
		case "<":
			return cmp < 0, nil
		case ">":
			return cmp > 0, nil
		case "<=":
			return cmp <= 0, nil
		}
		return cmp >= 0, nil
	case "+":
		_, ls := left.(string)
		_, rs := right.(string)
		if ls || rs {
			return toString(left) + toString(right), nil
		}
	}

	if left == nil || right == nil {
		return nil, nil
	}
	a, okA := ToNumber(left)
	b, okB := ToNumber(right)
	if !okA || !okB {
		return math.NaN(), nil
	}
	switch op {
	case "+":
		return a + b, nil
	case "-":
		return a - b, nil
	case "*":
		return a * b, nil
	case "/":
		if b == 0 {
			return math.NaN(), nil
		}
		return a / b, nil
	case "%":
		if b == 0 {
			return math.NaN(), nil
		}
		return math.Mod(a, b), nil
	}
	return nil, fmt.Errorf("unknown operator %q", op)
}
