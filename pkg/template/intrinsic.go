package template

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const formatIntrinsic = "States.Format("

var ErrInvalidIntrinsic = errors.New("invalid intrinsic")

// format renders States.Format('text {} more {}', $.a, $$.b). Each {} takes
// the next argument; strings are inserted verbatim, other values as JSON, and
// arguments that match nothing render empty.
func format(expr string, scope Scope) (string, error) {
	inner, ok := strings.CutPrefix(expr, formatIntrinsic)
	if !ok || !strings.HasSuffix(inner, ")") {
		return "", fmt.Errorf("%w: %q", ErrInvalidIntrinsic, expr)
	}

	inner = strings.TrimSpace(strings.TrimSuffix(inner, ")"))

	text, rest, err := quoted(inner)
	if err != nil {
		return "", fmt.Errorf("%w %q: %w", ErrInvalidIntrinsic, expr, err)
	}

	var args []string

	rest = strings.TrimSpace(rest)
	if rest != "" {
		rest, ok = strings.CutPrefix(rest, ",")
		if !ok {
			return "", fmt.Errorf("%w %q: expected ',' after template", ErrInvalidIntrinsic, expr)
		}

		for _, arg := range strings.Split(rest, ",") {
			args = append(args, strings.TrimSpace(arg))
		}
	}

	var out strings.Builder

	for i := 0; ; i++ {
		before, after, found := strings.Cut(text, "{}")
		out.WriteString(before)

		if !found {
			break
		}

		if i >= len(args) {
			return "", fmt.Errorf("%w %q: not enough arguments", ErrInvalidIntrinsic, expr)
		}

		value, present, err := Lookup(args[i], scope)
		if err != nil {
			return "", err
		}

		if present {
			out.WriteString(stringify(value))
		}

		text = after
	}

	return out.String(), nil
}

func quoted(s string) (string, string, error) {
	if !strings.HasPrefix(s, "'") {
		return "", "", errors.New("template must be single-quoted")
	}

	var out strings.Builder

	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if i+1 < len(s) {
				i++
				out.WriteByte(s[i])
			}
		case '\'':
			return out.String(), s[i+1:], nil
		default:
			out.WriteByte(s[i])
		}
	}

	return "", "", errors.New("unterminated template")
}

func stringify(value any) string {
	if text, ok := value.(string); ok {
		return text
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprint(value)
	}

	return string(encoded)
}
