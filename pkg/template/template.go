// Package template resolves payload templates and result paths against the
// working data and the context object of a running execution.
package template

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ohler55/ojg/jp"
)

// ReferenceSuffix marks a template key whose value is a path or intrinsic.
const ReferenceSuffix = ".$"

var (
	ErrInvalidPath       = errors.New("invalid path")
	ErrInvalidResultPath = errors.New("invalid result path")
)

// Scope is what a reference can read: "$..." reads Data and "$$..." reads
// Context.
type Scope struct {
	Data    any
	Context map[string]any
}

var expressions sync.Map

func parse(path string) (jp.Expr, error) {
	if cached, ok := expressions.Load(path); ok {
		expr, _ := cached.(jp.Expr)

		return expr, nil
	}

	expr, err := jp.ParseString(path)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidPath, path, err)
	}

	expressions.Store(path, expr)

	return expr, nil
}

// Lookup evaluates path within scope. found is false when nothing matches.
func Lookup(path string, scope Scope) (value any, found bool, err error) {
	var target any

	switch {
	case strings.HasPrefix(path, "$$"):
		path = path[1:]
		target = scope.Context
	case strings.HasPrefix(path, "$"):
		target = scope.Data
	default:
		return nil, false, fmt.Errorf("%w %q: must start with $", ErrInvalidPath, path)
	}

	expr, err := parse(path)
	if err != nil {
		return nil, false, err
	}

	results := expr.Get(target)

	switch len(results) {
	case 0:
		return nil, false, nil
	case 1:
		return results[0], true, nil
	default:
		return results, true, nil
	}
}

// Resolve builds a payload from a template. Keys ending in ".$" are replaced
// by the referenced value under the key without the suffix; a reference that
// matches nothing omits the key. Other values are copied, nested objects are
// resolved recursively.
func Resolve(tmpl map[string]any, scope Scope) (map[string]any, error) {
	if tmpl == nil {
		return nil, nil
	}

	out := make(map[string]any, len(tmpl))

	for key, value := range tmpl {
		if name, ok := strings.CutSuffix(key, ReferenceSuffix); ok {
			expr, isString := value.(string)
			if !isString {
				return nil, fmt.Errorf("%w: %q must hold a string, got %T", ErrInvalidPath, key, value)
			}

			resolved, found, err := evaluate(expr, scope)
			if err != nil {
				return nil, fmt.Errorf("resolve %q: %w", key, err)
			}

			if found {
				out[name] = Clone(resolved)
			}

			continue
		}

		resolved, err := resolveValue(value, scope)
		if err != nil {
			return nil, fmt.Errorf("resolve %q: %w", key, err)
		}

		out[key] = resolved
	}

	return out, nil
}

func resolveValue(value any, scope Scope) (any, error) {
	switch typed := value.(type) {
	case map[string]any:
		return Resolve(typed, scope)
	case []any:
		list := make([]any, len(typed))

		for i, item := range typed {
			resolved, err := resolveValue(item, scope)
			if err != nil {
				return nil, err
			}

			list[i] = resolved
		}

		return list, nil
	default:
		return value, nil
	}
}

func evaluate(expr string, scope Scope) (any, bool, error) {
	if strings.HasPrefix(expr, formatIntrinsic) {
		formatted, err := format(expr, scope)
		if err != nil {
			return nil, false, err
		}

		return formatted, true, nil
	}

	return Lookup(expr, scope)
}

// ApplyResultPath writes result into data at path and returns the new data.
// "$" (or empty) replaces the data, "null" discards the result, and "$.a.b"
// sets a nested key creating intermediate objects. data is modified in place
// when it is an object.
func ApplyResultPath(data any, path string, result any) (any, error) {
	switch path {
	case "", "$":
		return result, nil
	case "null":
		return data, nil
	}

	expr, err := parse(path)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(expr))

	for i, frag := range expr {
		switch typed := frag.(type) {
		case jp.Root:
			if i != 0 {
				return nil, fmt.Errorf("%w %q: unexpected root", ErrInvalidResultPath, path)
			}
		case jp.Bracket:
		case jp.Child:
			keys = append(keys, string(typed))
		default:
			return nil, fmt.Errorf("%w %q: only object keys are supported", ErrInvalidResultPath, path)
		}
	}

	if len(keys) == 0 {
		return result, nil
	}

	root, ok := data.(map[string]any)
	if !ok {
		if data != nil {
			return nil, fmt.Errorf("%w %q: data is %T, not an object", ErrInvalidResultPath, path, data)
		}

		root = map[string]any{}
	}

	node := root

	for _, key := range keys[:len(keys)-1] {
		child, exists := node[key]
		if !exists || child == nil {
			next := map[string]any{}
			node[key] = next
			node = next

			continue
		}

		next, isObject := child.(map[string]any)
		if !isObject {
			return nil, fmt.Errorf("%w %q: %q is %T, not an object", ErrInvalidResultPath, path, key, child)
		}

		node = next
	}

	node[keys[len(keys)-1]] = result

	return root, nil
}

// Clone deep-copies JSON-shaped values (objects and lists); scalars are
// returned as is.
func Clone(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, item := range typed {
			out[key] = Clone(item)
		}

		return out
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = Clone(item)
		}

		return out
	default:
		return value
	}
}
