package census

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"

	pkerrors "github.com/loykin/portkill/internal/errors"
)

// System reads the host's socket and process tables.
type System struct {
	Logger *slog.Logger
}

func NewSystem(logger *slog.Logger) *System {
	if logger == nil {
		logger = slog.Default()
	}
	return &System{Logger: logger}
}

// Scan reports listening TCP sockets on ports. When several pids listen on
// the same port the lowest pid is reported.
func (s *System) Scan(ctx context.Context, ports []int) (map[int]Process, error) {
	if len(ports) == 0 {
		return map[int]Process{}, nil
	}
	conns, err := psnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, pkerrors.NewProcessError("list tcp connections", err)
	}
	owners := listeners(conns, ports)
	out := make(map[int]Process, len(owners))
	for port, pid := range owners {
		p := s.describe(ctx, pid)
		p.Port = port
		out[port] = p
	}
	return out, nil
}

// listeners picks the lowest listening pid for each watched port.
func listeners(conns []psnet.ConnectionStat, ports []int) map[int]int32 {
	want := make(map[int]struct{}, len(ports))
	for _, p := range ports {
		want[p] = struct{}{}
	}
	owners := make(map[int]int32)
	for _, c := range conns {
		if c.Status != "LISTEN" || c.Pid <= 0 {
			continue
		}
		port := int(c.Laddr.Port)
		if _, ok := want[port]; !ok {
			continue
		}
		if cur, ok := owners[port]; !ok || c.Pid < cur {
			owners[port] = c.Pid
		}
	}
	return owners
}

// ScanFiles reports processes holding any of paths open.
func (s *System) ScanFiles(ctx context.Context, paths []string) (map[string][]Process, error) {
	if len(paths) == 0 {
		return map[string][]Process{}, nil
	}
	want := make(map[string]string, len(paths))
	for _, p := range paths {
		want[normalize(p)] = p
	}
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, pkerrors.NewProcessError("list processes", err)
	}
	out := make(map[string][]Process)
	for _, p := range procs {
		files, err := p.OpenFilesWithContext(ctx)
		if err != nil {
			// permission denied for foreign processes is normal
			continue
		}
		held := make(map[string]struct{})
		for _, f := range files {
			if orig, ok := want[normalize(f.Path)]; ok {
				held[orig] = struct{}{}
			}
		}
		if len(held) == 0 {
			continue
		}
		desc := s.describe(ctx, p.Pid)
		for orig := range held {
			out[orig] = append(out[orig], desc)
		}
	}
	for k := range out {
		sort.Slice(out[k], func(i, j int) bool { return out[k][i].PID < out[k][j].PID })
	}
	return out, nil
}

// describe fills in what is readable about pid. Missing details are left
// empty rather than failing the snapshot.
func (s *System) describe(ctx context.Context, pid int32) Process {
	out := Process{PID: int(pid)}
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		s.Logger.Debug("describe process", "pid", pid, "error", err)
		return out
	}
	if name, err := p.NameWithContext(ctx); err == nil {
		out.Name = name
	}
	if cmd, err := p.CmdlineWithContext(ctx); err == nil {
		out.Cmdline = cmd
	}
	if cwd, err := p.CwdWithContext(ctx); err == nil {
		out.Cwd = cwd
	}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		out.MemoryMB = float64(mem.RSS) / (1024 * 1024)
	}
	out.CreatedAt = startTime(ctx, p)
	return out
}

func normalize(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		p = resolved
	}
	return strings.TrimRight(filepath.Clean(p), string(filepath.Separator))
}
