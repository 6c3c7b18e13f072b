package census

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	pkerrors "github.com/loykin/portkill/internal/errors"
)

// Default scan window when no ports are given.
const (
	DefaultStartPort = 2000
	DefaultEndPort   = 6000
)

// CommonDevPorts are cleared by the reset command.
var CommonDevPorts = []int{3000, 5000, 8000, 5432, 3306, 6379, 27017, 8080, 9000}

// ParsePorts accepts single ports, inclusive ranges like "3000-3010" and
// comma-separated lists of both. The result is sorted and de-duplicated.
func ParsePorts(specs ...string) ([]int, error) {
	seen := make(map[int]struct{})
	for _, spec := range specs {
		for _, item := range strings.Split(spec, ",") {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			lo, hi, err := parseItem(item)
			if err != nil {
				return nil, err
			}
			for p := lo; p <= hi; p++ {
				seen[p] = struct{}{}
			}
		}
	}
	out := make([]int, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Ints(out)
	return out, nil
}

// Range returns every port in [lo, hi].
func Range(lo, hi int) []int {
	if hi < lo {
		return nil
	}
	out := make([]int, 0, hi-lo+1)
	for p := lo; p <= hi; p++ {
		out = append(out, p)
	}
	return out
}

func parseItem(item string) (int, int, error) {
	if a, b, ok := strings.Cut(item, "-"); ok {
		lo, err1 := parsePort(a)
		hi, err2 := parsePort(b)
		if err1 != nil || err2 != nil || lo > hi {
			return 0, 0, pkerrors.NewConfigurationError(fmt.Sprintf("invalid port range %q", item), nil)
		}
		return lo, hi, nil
	}
	p, err := parsePort(item)
	if err != nil {
		return 0, 0, err
	}
	return p, p, nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || p <= 0 || p > 65535 {
		return 0, pkerrors.NewConfigurationError(fmt.Sprintf("invalid port %q", s), err)
	}
	return p, nil
}
