package graph

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkerrors "github.com/loykin/portkill/internal/errors"
)

func indexOf(order []string) map[string]int {
	idx := make(map[string]int, len(order))
	for i, n := range order {
		idx[n] = i
	}
	return idx
}

func assertTopological(t *testing.T, g Graph, order []string) {
	t.Helper()
	require.Len(t, order, len(g))
	idx := indexOf(order)
	for n, deps := range g {
		for _, d := range deps {
			assert.Less(t, idx[d], idx[n], "%s must follow %s", n, d)
		}
	}
}

func TestResolve_DBBeforeAPI(t *testing.T) {
	g := Graph{"api": {"db"}, "db": nil}
	order, err := Resolve(g)
	require.NoError(t, err)
	assert.Equal(t, []string{"db", "api"}, order)
	assert.Equal(t, []string{"api", "db"}, Reverse(order))
}

func TestResolve_Diamond(t *testing.T) {
	g := Graph{
		"web":    {"api", "auth"},
		"api":    {"db", "cache"},
		"auth":   {"db"},
		"db":     nil,
		"cache":  nil,
		"worker": {"cache"},
	}
	order, err := Resolve(g)
	require.NoError(t, err)
	assertTopological(t, g, order)

	again, err := Resolve(g)
	require.NoError(t, err)
	assert.Equal(t, order, again, "resolution must be deterministic")
}

func TestResolve_RandomAcyclic(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		n := 2 + r.Intn(12)
		g := make(Graph, n)
		for i := 0; i < n; i++ {
			name := fmt.Sprintf("s%02d", i)
			var deps []string
			// edges only point at lower indices, so the graph is acyclic
			for j := 0; j < i; j++ {
				if r.Intn(3) == 0 {
					deps = append(deps, fmt.Sprintf("s%02d", j))
				}
			}
			g[name] = deps
		}
		order, err := Resolve(g)
		require.NoError(t, err)
		assertTopological(t, g, order)
	}
}

func TestResolve_Cycle(t *testing.T) {
	tests := []struct {
		name string
		g    Graph
	}{
		{"self", Graph{"a": {"a"}}},
		{"pair", Graph{"a": {"b"}, "b": {"a"}}},
		{"long", Graph{"a": {"b"}, "b": {"c"}, "c": {"d"}, "d": {"b"}, "e": nil}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(tt.g)
			require.Error(t, err)
			var ce *CycleError
			require.True(t, errors.As(err, &ce))
			assert.NotEmpty(t, ce.Service)
			assert.Equal(t, ce.Path[0], ce.Path[len(ce.Path)-1])
			assert.True(t, pkerrors.IsConfigurationError(err))
		})
	}
}

func TestResolve_CyclePath(t *testing.T) {
	_, err := Resolve(Graph{"a": {"b"}, "b": {"c"}, "c": {"a"}})
	var ce *CycleError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "a", ce.Service)
	assert.Equal(t, []string{"a", "b", "c", "a"}, ce.Path)
	assert.Contains(t, err.Error(), "a -> b -> c -> a")
}

func TestResolve_UnknownDependency(t *testing.T) {
	_, err := Resolve(Graph{"api": {"db"}})
	require.Error(t, err)
	assert.True(t, pkerrors.IsConfigurationError(err))
	assert.Contains(t, err.Error(), `"db"`)
}

func TestPlan(t *testing.T) {
	g := Graph{
		"web":   {"api"},
		"api":   {"db"},
		"db":    nil,
		"other": nil,
	}
	plan, err := Plan(g, "web")
	require.NoError(t, err)
	assert.Equal(t, []string{"db", "api", "web"}, plan)

	plan, err = Plan(g, "db")
	require.NoError(t, err)
	assert.Equal(t, []string{"db"}, plan)

	_, err = Plan(g, "missing")
	assert.True(t, pkerrors.IsNotFoundError(err))
}

func TestPlan_RejectsCycle(t *testing.T) {
	_, err := Plan(Graph{"a": {"b"}, "b": {"a"}}, "a")
	var ce *CycleError
	assert.True(t, errors.As(err, &ce))
}
