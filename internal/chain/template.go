package chain

import (
	"encoding/json"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/roelfdiedericks/goherd/internal/types"
)

// renderTemplate substitutes {{key}} placeholders from vars. Only
// named lookups are supported, no expressions; an unknown key or an
// unterminated placeholder is a template error.
func renderTemplate(tmpl string, vars map[string]string) (string, error) {
	var b strings.Builder
	for {
		open := strings.Index(tmpl, "{{")
		if open < 0 {
			b.WriteString(tmpl)
			return b.String(), nil
		}
		b.WriteString(tmpl[:open])

		rest := tmpl[open+2:]
		end := strings.Index(rest, "}}")
		if end < 0 {
			return "", types.Errorf(types.KindTemplate, "unterminated placeholder after %q", tmpl[open:min(open+12, len(tmpl))])
		}
		key := strings.TrimSpace(rest[:end])
		if key == "" {
			return "", types.Errorf(types.KindTemplate, "empty placeholder")
		}
		val, ok := vars[key]
		if !ok {
			return "", types.Errorf(types.KindTemplate, "unresolved placeholder %q", key).
				WithHint("bind it via inputs or an earlier step's output key")
		}
		b.WriteString(val)
		tmpl = rest[end+2:]
	}
}

// applyExtract runs a jq expression over a step's output. The output
// is parsed as JSON when it is JSON and fed as a plain string
// otherwise. String results bind raw; everything else is re-encoded.
// Multiple results join with newlines.
func applyExtract(expr, content string) (string, error) {
	query, err := gojq.Parse(expr)
	if err != nil {
		return "", types.Wrap(types.KindTemplate, err, "invalid extract expression %q", expr)
	}

	var input interface{}
	if uerr := json.Unmarshal([]byte(content), &input); uerr != nil {
		input = content
	}

	var out []string
	iter := query.Run(input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if jqErr, isErr := v.(error); isErr {
			return "", types.Wrap(types.KindTemplate, jqErr, "extract %q failed", expr)
		}
		if s, isStr := v.(string); isStr {
			out = append(out, s)
			continue
		}
		b, merr := json.Marshal(v)
		if merr != nil {
			return "", types.Wrap(types.KindTemplate, merr, "encode extract result")
		}
		out = append(out, string(b))
	}
	if len(out) == 0 {
		return "", types.Errorf(types.KindTemplate, "extract %q produced no output", expr)
	}
	return strings.Join(out, "\n"), nil
}
