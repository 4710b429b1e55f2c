// Package template resolves single-brace placeholders in node prompts
// against execution context. Resolution never fails: an unknown key is
// left verbatim so a typo surfaces in the rendered prompt text rather than
// aborting the node.
package template

import (
	"fmt"
	"strings"
)

// Resolve substitutes every {key} occurrence in tmpl with the string form
// of context[key]. Keys not present in context are left untouched,
// braces and all.
func Resolve(tmpl string, context map[string]any) string {
	var b strings.Builder
	i := 0
	for i < len(tmpl) {
		open := strings.IndexByte(tmpl[i:], '{')
		if open < 0 {
			b.WriteString(tmpl[i:])
			break
		}
		open += i
		b.WriteString(tmpl[i:open])

		close := strings.IndexByte(tmpl[open:], '}')
		if close < 0 {
			b.WriteString(tmpl[open:])
			break
		}
		close += open

		key := tmpl[open+1 : close]
		if key == "" || strings.ContainsAny(key, "{} \t\n") {
			b.WriteString(tmpl[open : close+1])
			i = close + 1
			continue
		}
		if val, ok := context[key]; ok {
			b.WriteString(stringify(val))
		} else {
			b.WriteString(tmpl[open : close+1])
		}
		i = close + 1
	}
	return b.String()
}

func stringify(v any) string {
	switch vv := v.(type) {
	case string:
		return vv
	case nil:
		return ""
	case fmt.Stringer:
		return vv.String()
	default:
		return fmt.Sprintf("%v", vv)
	}
}
