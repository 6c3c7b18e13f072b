// Package cmdline splits command strings the way a developer would type them
// in a shell, without invoking one.
package cmdline

import "strings"

// Split tokenizes command on spaces and tabs outside of quotes. A single or
// double quote opens a quoted region that only the same quote character
// closes, so `"it's"` keeps its apostrophe. Quote characters themselves are
// dropped and empty tokens are discarded.
func Split(command string) []string {
	var (
		parts   []string
		current strings.Builder
		quote   rune
	)
	for _, c := range command {
		switch {
		case c == '"' || c == '\'':
			switch quote {
			case 0:
				quote = c
			case c:
				quote = 0
			default:
				current.WriteRune(c)
			}
		case (c == ' ' || c == '\t') && quote == 0:
			if current.Len() > 0 {
				parts = append(parts, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(c)
		}
	}
	if current.Len() > 0 {
		parts = append(parts, current.String())
	}
	return parts
}

// Join is the inverse used for display: tokens containing whitespace are
// wrapped in double quotes.
func Join(argv []string) string {
	out := make([]string, 0, len(argv))
	for _, a := range argv {
		if strings.ContainsAny(a, " \t") && !strings.Contains(a, `"`) {
			a = `"` + a + `"`
		}
		out = append(out, a)
	}
	return strings.Join(out, " ")
}
