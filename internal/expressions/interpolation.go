package expressions

import (
	"context"
	"fmt"
	"strings"

	"github.com/rendis/chutney/pkg/schema"
)

// Interpolator resolves ${...} expressions embedded in raw step inputs.
type Interpolator struct {
	engine Engine
}

// NewInterpolator creates an Interpolator evaluating expressions with engine.
func NewInterpolator(engine Engine) *Interpolator {
	return &Interpolator{engine: engine}
}

// Resolve walks value and evaluates every ${...} found in strings, maps and slices.
// A string made of a single expression takes the typed result of the expression.
// Expressions embedded in a longer string are rendered as text.
func (i *Interpolator) Resolve(ctx context.Context, value any, data map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return i.resolveString(ctx, v, data)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			r, err := i.Resolve(ctx, item, data)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for idx, item := range v {
			r, err := i.Resolve(ctx, item, data)
			if err != nil {
				return nil, err
			}
			out[idx] = r
		}
		return out, nil
	default:
		return value, nil
	}
}

// ResolveMap resolves every value of inputs.
func (i *Interpolator) ResolveMap(ctx context.Context, inputs map[string]any, data map[string]any) (map[string]any, error) {
	if inputs == nil {
		return nil, nil
	}
	r, err := i.Resolve(ctx, inputs, data)
	if err != nil {
		return nil, err
	}
	return r.(map[string]any), nil
}

// HasExpression reports whether s opens a ${...} block.
func HasExpression(s string) bool {
	return strings.Contains(s, "${")
}

func (i *Interpolator) resolveString(ctx context.Context, s string, data map[string]any) (any, error) {
	if !HasExpression(s) {
		return s, nil
	}

	tokens, err := tokenize(s)
	if err != nil {
		return nil, err
	}

	if len(tokens) == 1 && tokens[0].expr {
		return i.engine.Evaluate(ctx, tokens[0].text, data)
	}

	var b strings.Builder
	for _, tok := range tokens {
		if !tok.expr {
			b.WriteString(tok.text)
			continue
		}
		v, err := i.engine.Evaluate(ctx, tok.text, data)
		if err != nil {
			return nil, err
		}
		fmt.Fprint(&b, v)
	}
	return b.String(), nil
}

type token struct {
	text string
	expr bool
}

// tokenize splits s into literal text and ${...} expression bodies.
// Braces inside an expression must balance.
func tokenize(s string) ([]token, error) {
	var tokens []token
	for len(s) > 0 {
		start := strings.Index(s, "${")
		if start < 0 {
			tokens = append(tokens, token{text: s})
			break
		}
		if start > 0 {
			tokens = append(tokens, token{text: s[:start]})
		}

		depth := 0
		end := -1
		for j := start + 2; j < len(s); j++ {
			switch s[j] {
			case '{':
				depth++
			case '}':
				if depth == 0 {
					end = j
				}
				depth--
			}
			if end >= 0 {
				break
			}
		}
		if end < 0 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "unterminated expression in %q", s)
		}

		body := strings.TrimSpace(s[start+2 : end])
		if body == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "empty expression in %q", s)
		}
		tokens = append(tokens, token{text: body, expr: true})
		s = s[end+1:]
	}
	return tokens, nil
}
