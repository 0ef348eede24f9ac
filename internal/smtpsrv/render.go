package smtpsrv

import "strings"

// render substitutes literal "{$name}" tokens in template with values from
// vars, leaving unrecognized tokens untouched. Kept as a pure function
// with no global registry, so substitution rules stay testable in
// isolation from any particular session or connection state.
func render(template string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(template, "{$") {
		return template
	}

	var b strings.Builder
	i := 0
	for i < len(template) {
		start := strings.Index(template[i:], "{$")
		if start < 0 {
			b.WriteString(template[i:])
			break
		}
		start += i
		b.WriteString(template[i:start])

		end := strings.IndexByte(template[start:], '}')
		if end < 0 {
			b.WriteString(template[start:])
			break
		}
		end += start

		name := template[start+2 : end]
		if v, ok := vars[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(template[start : end+1])
		}
		i = end + 1
	}
	return b.String()
}
