// Package script runs small guard scripts: a fixed set of calls such as
// guardPort(3000, "node") or kill(1234), one or more per line.
package script

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	pkerrors "github.com/loykin/portkill/internal/errors"
)

// Command is one compiled call.
type Command struct {
	Line int
	Name string
	Args []string
}

func (c Command) String() string {
	quoted := make([]string, len(c.Args))
	for i, a := range c.Args {
		quoted[i] = strconv.Quote(a)
	}
	return c.Name + "(" + strings.Join(quoted, ", ") + ")"
}

// Port returns argument i as a TCP port. Compile has already checked it.
func (c Command) Port(i int) int {
	p, _ := strconv.Atoi(c.Args[i])
	return p
}

func (c Command) Int(i int) int {
	n, _ := strconv.Atoi(c.Args[i])
	return n
}

// Arg returns argument i or "" when absent.
func (c Command) Arg(i int) string {
	if i < len(c.Args) {
		return c.Args[i]
	}
	return ""
}

type argKind int

const (
	argPort argKind = iota
	argInt
	argString
)

type signature struct {
	required []argKind
	optional []argKind
}

var vocabulary = map[string]signature{
	"guardPort":         {required: []argKind{argPort}, optional: []argKind{argString}},
	"onPort":            {required: []argKind{argPort}, optional: []argKind{argString}},
	"kill":              {required: []argKind{argInt}},
	"clearPort":         {required: []argKind{argPort}},
	"getProcess":        {required: []argKind{argPort}},
	"listPorts":         {},
	"log":               {required: []argKind{argString}},
	"wait":              {required: []argKind{argInt}},
	"guardFile":         {required: []argKind{argString}, optional: []argKind{argString}},
	"killFile":          {required: []argKind{argString}},
	"listFileProcesses": {required: []argKind{argString}},
}

var callRe = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\s*\((.*)\)$`)

// Compile parses text into commands. Every problem is reported, each with
// its line number, as a single ConfigurationError collection.
func Compile(text string) ([]Command, error) {
	var out []Command
	errs := pkerrors.NewErrorCollection()
	for i, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "//") || strings.HasPrefix(line, "#") {
			continue
		}
		for _, stmt := range splitStatements(line) {
			stmt = strings.TrimSpace(stmt)
			if stmt == "" {
				continue
			}
			cmd, err := compileCall(i+1, stmt)
			if err != nil {
				errs.Add(err)
				continue
			}
			out = append(out, cmd)
		}
	}
	if err := errs.ToError(); err != nil {
		return nil, err
	}
	return out, nil
}

func compileCall(line int, stmt string) (Command, error) {
	fail := func(format string, a ...any) error {
		return pkerrors.NewConfigurationError(fmt.Sprintf("line %d: ", line)+fmt.Sprintf(format, a...), nil).
			WithContext("line", line)
	}
	m := callRe.FindStringSubmatch(stmt)
	if m == nil {
		return Command{}, fail("unknown command %s", stmt)
	}
	name := m[1]
	sig, ok := vocabulary[name]
	if !ok {
		return Command{}, fail("unknown command %s", name)
	}
	args, err := splitArgs(m[2])
	if err != nil {
		return Command{}, fail("%s: %v", name, err)
	}
	if len(args) < len(sig.required) || len(args) > len(sig.required)+len(sig.optional) {
		return Command{}, fail("%s takes %s", name, arity(sig))
	}
	kinds := append(append([]argKind(nil), sig.required...), sig.optional...)
	for i, a := range args {
		switch kinds[i] {
		case argPort:
			p, err := strconv.Atoi(a)
			if err != nil || p <= 0 || p > 65535 {
				return Command{}, fail("%s: invalid port %q", name, a)
			}
		case argInt:
			if n, err := strconv.Atoi(a); err != nil || n < 0 {
				return Command{}, fail("%s: invalid number %q", name, a)
			}
		}
	}
	return Command{Line: line, Name: name, Args: args}, nil
}

func arity(s signature) string {
	r, o := len(s.required), len(s.optional)
	switch {
	case r == 0 && o == 0:
		return "no arguments"
	case o == 0:
		return fmt.Sprintf("%d argument(s)", r)
	default:
		return fmt.Sprintf("%d to %d arguments", r, r+o)
	}
}

// splitStatements splits on ';' outside double quotes.
func splitStatements(line string) []string {
	var out []string
	var cur strings.Builder
	inQuote := false
	for _, r := range line {
		switch {
		case r == '"':
			inQuote = !inQuote
			cur.WriteRune(r)
		case r == ';' && !inQuote:
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	return append(out, cur.String())
}

// splitArgs splits a call's argument list on commas outside quotes and
// unquotes string literals.
func splitArgs(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []string
	var cur strings.Builder
	inQuote := false
	flush := func() error {
		a := strings.TrimSpace(cur.String())
		cur.Reset()
		if strings.HasPrefix(a, `"`) {
			u, err := strconv.Unquote(a)
			if err != nil {
				return fmt.Errorf("bad string literal %s", a)
			}
			a = u
		} else if a == "" {
			return fmt.Errorf("empty argument")
		}
		out = append(out, a)
		return nil
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == '\\' && inQuote && i+1 < len(s):
			cur.WriteByte(ch)
			i++
			cur.WriteByte(s[i])
		case ch == '"':
			inQuote = !inQuote
			cur.WriteByte(ch)
		case ch == ',' && !inQuote:
			if err := flush(); err != nil {
				return nil, err
			}
		default:
			cur.WriteByte(ch)
		}
	}
	if inQuote {
		return nil, fmt.Errorf("unterminated string")
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return out, nil
}
