package util

import "strings"

// RenderTemplate replaces {{name}} placeholders with vars[name]. Whitespace inside
// the braces is ignored and unknown placeholders are left as they are.
func RenderTemplate(body string, vars map[string]string) string {
	var b strings.Builder
	rest := body
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			b.WriteString(rest)
			return b.String()
		}
		end := strings.Index(rest[open+2:], "}}")
		if end < 0 {
			b.WriteString(rest)
			return b.String()
		}
		b.WriteString(rest[:open])
		key := strings.TrimSpace(rest[open+2 : open+2+end])
		if v, ok := vars[key]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(rest[open : open+2+end+2])
		}
		rest = rest[open+2+end+2:]
	}
}
