package events

import (
	"fmt"
	"strings"
)

// Line is one parsed text-format event.
type Line struct {
	Kind   string
	Fields map[string]string
}

// ParseLine parses a text-format line back into its kind and fields.
// Quoted values are unescaped.
func ParseLine(s string) (Line, error) {
	s = strings.TrimRight(s, "\r\n")
	kind, rest, ok := strings.Cut(s, ":")
	if !ok || kind == "" || strings.ContainsAny(kind, " =") {
		return Line{}, fmt.Errorf("not an event line: %q", s)
	}

	out := Line{Kind: kind, Fields: make(map[string]string)}
	i := 0
	for i < len(rest) {
		for i < len(rest) && rest[i] == ' ' {
			i++
		}
		if i >= len(rest) {
			break
		}
		eq := strings.IndexByte(rest[i:], '=')
		if eq < 0 {
			return Line{}, fmt.Errorf("field without value at %d in %q", i, s)
		}
		key := rest[i : i+eq]
		i += eq + 1

		var val strings.Builder
		if i < len(rest) && rest[i] == '"' {
			i++
			closed := false
			for i < len(rest) {
				c := rest[i]
				if c == '\\' && i+1 < len(rest) {
					val.WriteByte(rest[i+1])
					i += 2
					continue
				}
				if c == '"' {
					i++
					closed = true
					break
				}
				val.WriteByte(c)
				i++
			}
			if !closed {
				return Line{}, fmt.Errorf("unterminated quote for %s in %q", key, s)
			}
		} else {
			for i < len(rest) && rest[i] != ' ' {
				val.WriteByte(rest[i])
				i++
			}
		}
		out.Fields[key] = val.String()
	}
	return out, nil
}
