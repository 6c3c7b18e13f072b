// Package orchestration loads the service-graph document (.port-kill.yaml).
package orchestration

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	pkerrors "github.com/loykin/portkill/internal/errors"
	"github.com/loykin/portkill/internal/graph"
)

// DefaultHealthTimeout bounds health probing when healthcheck_timeout is unset.
const DefaultHealthTimeout = 30 * time.Second

// DefaultFileNames are searched in order by FindDefault.
var DefaultFileNames = []string{
	".port-kill.yaml",
	".port-kill.yml",
	"port-kill.yaml",
	"port-kill.yml",
}

// ServiceSpec is one declared service. It is not modified after Load.
type ServiceSpec struct {
	Name          string
	Command       string
	Port          int
	Dir           string
	Env           map[string]string
	DependsOn     []string
	HealthCheck   string
	StartupDelay  time.Duration
	AutoRestart   bool
	HealthTimeout time.Duration
}

// Document is a loaded and validated service graph.
type Document struct {
	Version  string
	Env      map[string]string
	Services map[string]ServiceSpec

	// Path is the file the document was read from; empty for in-memory documents.
	Path string
}

type rawService struct {
	Command            string            `yaml:"command"`
	Port               int               `yaml:"port"`
	Dir                string            `yaml:"dir"`
	Env                map[string]string `yaml:"env"`
	DependsOn          []string          `yaml:"depends_on"`
	HealthCheck        string            `yaml:"healthcheck"`
	StartupDelay       int               `yaml:"startup_delay"`
	AutoRestart        bool              `yaml:"auto_restart"`
	HealthcheckTimeout int               `yaml:"healthcheck_timeout"`
}

type rawDocument struct {
	Version  string                `yaml:"version"`
	Env      map[string]string     `yaml:"env"`
	Services map[string]rawService `yaml:"services"`
}

// Load reads and validates the document at path.
func Load(path string) (*Document, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, pkerrors.NewConfigurationError(fmt.Sprintf("read config file %s", path), err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return Parse(b, abs)
}

// FindDefault returns the first of DefaultFileNames present in dir.
func FindDefault(dir string) (string, error) {
	for _, name := range DefaultFileNames {
		p := filepath.Join(dir, name)
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p, nil
		}
	}
	return "", pkerrors.NewConfigurationError(
		"no configuration file found; create .port-kill.yaml in your project root", nil)
}

// LoadDefault loads the first default document found in dir.
func LoadDefault(dir string) (*Document, error) {
	p, err := FindDefault(dir)
	if err != nil {
		return nil, err
	}
	return Load(p)
}

// Parse decodes data strictly; unknown keys are rejected. path is recorded
// as the document location and anchors relative working directories.
func Parse(data []byte, path string) (*Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var raw rawDocument
	if err := dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, pkerrors.NewConfigurationError("configuration document is empty", nil)
		}
		return nil, pkerrors.NewConfigurationError("parse YAML configuration", err)
	}
	doc := &Document{
		Version:  raw.Version,
		Env:      raw.Env,
		Services: make(map[string]ServiceSpec, len(raw.Services)),
		Path:     path,
	}
	for name, rs := range raw.Services {
		s, err := rs.spec(name)
		if err != nil {
			return nil, err
		}
		doc.Services[name] = s
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

func (rs rawService) spec(name string) (ServiceSpec, error) {
	bad := func(msg string) error {
		return pkerrors.NewConfigurationError(fmt.Sprintf("service %q: %s", name, msg), nil)
	}
	switch {
	case name == "":
		return ServiceSpec{}, pkerrors.NewConfigurationError("service name must not be empty", nil)
	case rs.Port < 0 || rs.Port > 65535:
		return ServiceSpec{}, bad(fmt.Sprintf("port %d out of range", rs.Port))
	case rs.StartupDelay < 0:
		return ServiceSpec{}, bad("startup_delay must not be negative")
	case rs.HealthcheckTimeout < 0:
		return ServiceSpec{}, bad("healthcheck_timeout must not be negative")
	}
	timeout := DefaultHealthTimeout
	if rs.HealthcheckTimeout > 0 {
		timeout = time.Duration(rs.HealthcheckTimeout) * time.Second
	}
	return ServiceSpec{
		Name:          name,
		Command:       rs.Command,
		Port:          rs.Port,
		Dir:           rs.Dir,
		Env:           rs.Env,
		DependsOn:     rs.DependsOn,
		HealthCheck:   rs.HealthCheck,
		StartupDelay:  time.Duration(rs.StartupDelay) * time.Second,
		AutoRestart:   rs.AutoRestart,
		HealthTimeout: timeout,
	}, nil
}

// Validate rejects documents without services, services without a command,
// unknown dependencies and cycles.
func (d *Document) Validate() error {
	if len(d.Services) == 0 {
		return pkerrors.NewConfigurationError("configuration declares no services", nil)
	}
	for _, name := range d.Names() {
		if d.Services[name].Command == "" {
			return pkerrors.NewConfigurationError(fmt.Sprintf("service %q has no command", name), nil)
		}
	}
	_, err := graph.Resolve(d.Graph())
	return err
}

// Names returns the declared service names sorted.
func (d *Document) Names() []string {
	out := make([]string, 0, len(d.Services))
	for n := range d.Services {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Graph returns the dependency adjacency of the document.
func (d *Document) Graph() graph.Graph {
	g := make(graph.Graph, len(d.Services))
	for n, s := range d.Services {
		g[n] = s.DependsOn
	}
	return g
}

// Service looks up a declared service.
func (d *Document) Service(name string) (ServiceSpec, error) {
	s, ok := d.Services[name]
	if !ok {
		return ServiceSpec{}, pkerrors.NewNotFoundError(
			fmt.Sprintf("service %q not found in configuration", name), nil)
	}
	return s, nil
}

// WorkDir resolves where s runs: an absolute dir as-is, a relative dir
// against the document's directory, otherwise the document's directory.
func (d *Document) WorkDir(s ServiceSpec) string {
	base := "."
	if d.Path != "" {
		base = filepath.Dir(d.Path)
	}
	switch {
	case s.Dir == "":
		return base
	case filepath.IsAbs(s.Dir):
		return s.Dir
	default:
		return filepath.Join(base, s.Dir)
	}
}
