// Package env composes the environment handed to supervised services.
package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env layers variables over a base taken from the OS environment.
type Env struct {
	Var  Var // document-wide variables (K->V)
	base Var // cached OS environment
}

func New(global map[string]string) *Env {
	e := &Env{Var: make(Var, len(global))}
	for k, v := range global {
		e.Set(k, v)
	}
	return e
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.base = Parse(os.Environ())
}

// WithBase replaces the base with fixed pairs instead of the OS environment.
func (e *Env) WithBase(base map[string]string) *Env {
	e.base = make(Var, len(base))
	for k, v := range base {
		e.base[k] = v
	}
	return e
}

// Set sets a document-wide variable. Empty keys are ignored.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Merge composes base, then the document-wide layer, then service, so the
// service layer wins on conflicts. Values may reference other keys as ${VAR};
// expansion is a single pass over the composed map. The result is sorted "K=V".
func (e *Env) Merge(service map[string]string) []string {
	if e.base == nil {
		e.FromOS()
	}
	m := make(Var, len(e.base)+len(e.Var)+len(service))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.Var {
		m[k] = v
	}
	for k, v := range service {
		if k == "" {
			continue
		}
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

// Pick returns the subset of the OS environment named by keys; absent keys
// are omitted.
func Pick(keys []string) map[string]string {
	out := make(map[string]string)
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok {
			out[k] = v
		}
	}
	return out
}

// Parse converts "K=V" pairs into a map, skipping malformed entries.
func Parse(pairs []string) Var {
	m := make(Var, len(pairs))
	for _, kv := range pairs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string {
		return m[k]
	})
}
