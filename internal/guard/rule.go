package guard

import (
	"fmt"
	"strconv"

	"github.com/loykin/portkill/internal/config"
)

// Target is a guarded resource: a TCP port or a file path. Exactly one of
// the fields is set.
type Target struct {
	Port int    `json:"port,omitempty"`
	File string `json:"file,omitempty"`
}

func PortTarget(port int) Target { return Target{Port: port} }

func FileTarget(path string) Target { return Target{File: path} }

func (t Target) IsFile() bool { return t.File != "" }

// Kind is "port" or "file"; it labels metrics.
func (t Target) Kind() string {
	if t.IsFile() {
		return "file"
	}
	return "port"
}

func (t Target) String() string {
	if t.IsFile() {
		return "file " + t.File
	}
	return "port " + strconv.Itoa(t.Port)
}

type PolicyKind int

const (
	// KillAll terminates any process that appears on the target.
	KillAll PolicyKind = iota
	// AllowOnly terminates anything whose name differs from Policy.Allowed.
	AllowOnly
)

// Policy is what a rule does with a newly observed occupant.
type Policy struct {
	Kind    PolicyKind `json:"kind"`
	Allowed string     `json:"allowed,omitempty"`
}

func KillAllPolicy() Policy { return Policy{Kind: KillAll} }

func AllowOnlyPolicy(name string) Policy { return Policy{Kind: AllowOnly, Allowed: name} }

// PolicyFor maps a process name to a policy; "" means kill-all.
func PolicyFor(allowed string) Policy {
	if allowed == "" {
		return KillAllPolicy()
	}
	return AllowOnlyPolicy(allowed)
}

// Permits reports whether a process called name may keep the target.
// Names are compared exactly.
func (p Policy) Permits(name string) bool {
	return p.Kind == AllowOnly && name == p.Allowed
}

func (p Policy) String() string {
	if p.Kind == AllowOnly {
		return fmt.Sprintf("allow-only %q", p.Allowed)
	}
	return "kill-all"
}

// RulesFromSettings builds port rules from the guard section of the app
// config. Ports listed without a rule are not included; see WatchTargets.
func RulesFromSettings(s config.GuardSettings) (map[Target]Policy, error) {
	parsed, err := s.ParsedRules()
	if err != nil {
		return nil, err
	}
	out := make(map[Target]Policy, len(parsed))
	for port, allowed := range parsed {
		out[PortTarget(port)] = PolicyFor(allowed)
	}
	return out, nil
}

// WatchTargets are the configured ports that have no rule.
func WatchTargets(s config.GuardSettings) []Target {
	parsed, _ := s.ParsedRules()
	var out []Target
	for _, p := range s.WatchedPorts() {
		if _, ok := parsed[p]; !ok {
			out = append(out, PortTarget(p))
		}
	}
	return out
}
