package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	pkerrors "github.com/loykin/portkill/internal/errors"
)

// Default settings applied before the config file and PORTKILL_* variables.
const (
	DefaultGuardInterval = 2 * time.Second
	DefaultGuardGrace    = 500 * time.Millisecond
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"
	DefaultListen        = "127.0.0.1:7878"

	// KillAllRule in guard.rules means no process may hold the port.
	KillAllRule = "*"
)

type Settings struct {
	Home    string          `mapstructure:"home"`
	Log     LogSettings     `mapstructure:"log"`
	Guard   GuardSettings   `mapstructure:"guard"`
	History HistorySettings `mapstructure:"history"`
	Server  ServerSettings  `mapstructure:"server"`
	Metrics MetricsSettings `mapstructure:"metrics"`

	// File is the config file that was read, empty when none existed.
	File string `mapstructure:"-"`
}

type LogSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type GuardSettings struct {
	Interval time.Duration     `mapstructure:"interval"`
	Grace    time.Duration     `mapstructure:"grace"`
	Ports    []int             `mapstructure:"ports"`
	Rules    map[string]string `mapstructure:"rules"`
}

type HistorySettings struct {
	DSN string `mapstructure:"dsn"`
}

type ServerSettings struct {
	Listen string `mapstructure:"listen"`
}

type MetricsSettings struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load reads settings from path, or from <home>/config.yaml when path is
// empty. A missing default file is not an error; a missing explicit one is.
func Load(path string) (*Settings, error) {
	v := viper.New()
	v.SetEnvPrefix("PORTKILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("home", ResolveHome())
	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.format", DefaultLogFormat)
	v.SetDefault("guard.interval", DefaultGuardInterval)
	v.SetDefault("guard.grace", DefaultGuardGrace)
	v.SetDefault("guard.ports", []int{})
	v.SetDefault("guard.rules", map[string]string{})
	v.SetDefault("history.dsn", "")
	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("metrics.enabled", true)

	file := path
	if file == "" {
		candidate := filepath.Join(v.GetString("home"), "config.yaml")
		if _, err := os.Stat(candidate); err == nil {
			file = candidate
		}
	}
	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, pkerrors.NewConfigurationError(fmt.Sprintf("read config %s", file), err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, pkerrors.NewConfigurationError("decode config", err)
	}
	s.File = file
	if _, err := s.Guard.ParsedRules(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Paths derives the on-disk layout under Home.
func (s *Settings) Paths() Paths {
	return NewPaths(s.Home)
}

// ParsedRules converts guard.rules into port -> allowed name. The value "*"
// (or an empty value) becomes "" which means kill-all.
func (g GuardSettings) ParsedRules() (map[int]string, error) {
	out := make(map[int]string, len(g.Rules))
	for k, v := range g.Rules {
		port, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil || port <= 0 || port > 65535 {
			return nil, pkerrors.NewConfigurationError(fmt.Sprintf("guard rule has invalid port %q", k), err)
		}
		v = strings.TrimSpace(v)
		if v == KillAllRule {
			v = ""
		}
		out[port] = v
	}
	return out, nil
}

// WatchedPorts is the sorted union of guard.ports and the ports named by rules.
func (g GuardSettings) WatchedPorts() []int {
	seen := make(map[int]struct{})
	for _, p := range g.Ports {
		seen[p] = struct{}{}
	}
	if rules, err := g.ParsedRules(); err == nil {
		for p := range rules {
			seen[p] = struct{}{}
		}
	}
	out := make([]int, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}
