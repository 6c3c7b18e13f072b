package detector

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func TestBuildShellAwareCommand(t *testing.T) {
	requireUnix(t)
	ctx := context.Background()
	c := buildShellAwareCommand(ctx, `curl -f "http://localhost:3000/health"`)
	if len(c.Args) != 3 || c.Args[0] != "curl" || c.Args[2] != "http://localhost:3000/health" {
		t.Fatalf("expected direct exec of curl, got %#v", c.Args)
	}
	c = buildShellAwareCommand(ctx, "pg_isready | grep accepting")
	if len(c.Args) < 2 || c.Args[0] != "/bin/sh" || c.Args[1] != "-c" {
		t.Fatalf("expected /bin/sh -c, got %#v", c.Args)
	}
}

func TestCommandDetectorAliveAndDescribe(t *testing.T) {
	requireUnix(t)
	ctx := context.Background()
	d := CommandDetector{Command: "true"}
	alive, err := d.Alive(ctx)
	if err != nil || !alive {
		t.Fatalf("true should be alive, got alive=%v err=%v", alive, err)
	}
	if d.Describe() != "cmd:true" {
		t.Fatalf("Describe mismatch: %q", d.Describe())
	}

	d = CommandDetector{Command: "sh -c 'exit 3'"}
	alive, err = d.Alive(ctx)
	if err != nil || alive {
		t.Fatalf("non-zero exit expected false,nil, got alive=%v err=%v", alive, err)
	}

	d = CommandDetector{Command: "__definitely_not_exists__"}
	alive, err = d.Alive(ctx)
	if err == nil || alive {
		t.Fatalf("missing binary expected error, got alive=%v err=%v", alive, err)
	}
}

func TestCommandDetectorDirAndEnv(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "ready"), nil, 0o644); err != nil {
		t.Fatalf("write marker: %v", err)
	}
	d := CommandDetector{Command: "test -f ready && test \"$MODE\" = dev", Dir: dir, Env: []string{"MODE=dev"}}
	alive, err := d.Alive(context.Background())
	if err != nil || !alive {
		t.Fatalf("expected ready, got alive=%v err=%v", alive, err)
	}
}
