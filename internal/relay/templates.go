package relay

import "strings"

// renderTemplate substitutes {{token}} placeholders with the given values.
// Unknown placeholders render as empty. An all-whitespace result means the
// message is configured off and the caller should not send anything.
func renderTemplate(tmpl string, values map[string]string) string {
	out := tmpl
	for key, val := range values {
		out = strings.ReplaceAll(out, "{{"+key+"}}", val)
	}
	// Drop placeholders that had no value.
	for {
		start := strings.Index(out, "{{")
		if start < 0 {
			break
		}
		end := strings.Index(out[start:], "}}")
		if end < 0 {
			break
		}
		out = out[:start] + out[start+end+2:]
	}
	return strings.TrimSpace(out)
}

// message renders a configured template by key.
func (c *Config) message(key string, values map[string]string) string {
	return renderTemplate(c.Messages[key], values)
}
