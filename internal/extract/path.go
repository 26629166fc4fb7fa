package extract

import (
	"fmt"
	"strings"

	"github.com/jmespath/go-jmespath"

	"streamrelay/internal/sse"
)

// PathConfig holds JMESPath expressions evaluated against each record.
// Empty expressions are skipped.
type PathConfig struct {
	Text  string `toml:"text"`
	Audio string `toml:"audio"`
	Done  string `toml:"done"`
	Error string `toml:"error"`
}

// Path extracts fields with configurable JMESPath expressions so a new
// provider shape needs configuration only.
type Path struct {
	text, audio, done, errPath *jmespath.JMESPath
}

func NewPath(cfg PathConfig) (*Path, error) {
	p := &Path{}
	for _, f := range []struct {
		expr string
		dst  **jmespath.JMESPath
	}{
		{cfg.Text, &p.text},
		{cfg.Audio, &p.audio},
		{cfg.Done, &p.done},
		{cfg.Error, &p.errPath},
	} {
		if strings.TrimSpace(f.expr) == "" {
			continue
		}
		compiled, err := jmespath.Compile(f.expr)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", f.expr, err)
		}
		*f.dst = compiled
	}
	if p.text == nil && p.audio == nil {
		return nil, fmt.Errorf("path extractor needs a text or audio expression")
	}
	return p, nil
}

func (p *Path) Extract(ev sse.Event) (Result, error) {
	var res Result
	if v, err := search(p.errPath, ev.Value); err != nil {
		return Result{}, err
	} else if s := flatten(v); s != "" {
		return Result{Err: s, Done: true}, nil
	}
	v, err := search(p.text, ev.Value)
	if err != nil {
		return Result{}, err
	}
	res.Text = flatten(v)

	v, err = search(p.audio, ev.Value)
	if err != nil {
		return Result{}, err
	}
	res.Audio = leaves(v)

	v, err = search(p.done, ev.Value)
	if err != nil {
		return Result{}, err
	}
	res.Done = truthy(v)
	return res, nil
}

func search(expr *jmespath.JMESPath, data any) (any, error) {
	if expr == nil || data == nil {
		return nil, nil
	}
	v, err := expr.Search(data)
	if err != nil {
		return nil, fmt.Errorf("jmespath: %w", err)
	}
	return v, nil
}

func flatten(v any) string {
	return strings.Join(leaves(v), "")
}

// leaves collects the string leaves of a search result; projections yield
// lists, plain paths a single value.
func leaves(v any) []string {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		if x == "" {
			return nil
		}
		return []string{x}
	case []any:
		var out []string
		for _, item := range x {
			out = append(out, leaves(item)...)
		}
		return out
	case map[string]any:
		if msg, ok := x["message"].(string); ok {
			return []string{msg}
		}
		return []string{fmt.Sprintf("%v", x)}
	default:
		return []string{fmt.Sprintf("%v", x)}
	}
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != "" && x != "null"
	case []any:
		return len(x) > 0
	default:
		return true
	}
}
