package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"archr/internal/builderr"
	"archr/internal/logging"
	"archr/internal/stage"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	a := &app{console: logging.Discard().Handler(), logger: logging.Discard()}
	cmd := newRootCommand(a)
	// Keep test output quiet; setupLogging would point the logger at stderr.
	cmd.PersistentPreRunE = nil
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func project(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "config"), 0o755); err != nil {
		t.Fatal(err)
	}
	return root
}

func TestConfigCommand(t *testing.T) {
	root := project(t)
	out, err := execute(t, "config", "--root", root, "--profile", "lean", "-j", "3")
	if err != nil {
		t.Fatalf("config error = %v", err)
	}
	for _, want := range []string{"profile: lean", "jobs: 3", "device: r36s"} {
		if !strings.Contains(out, want) {
			t.Fatalf("config output missing %q:\n%s", want, out)
		}
	}
}

func TestStatusCommand(t *testing.T) {
	root := project(t)
	out, err := execute(t, "status", "--root", root)
	if err != nil {
		t.Fatalf("status error = %v", err)
	}
	for _, name := range stage.Order {
		if !strings.Contains(out, string(name)) {
			t.Fatalf("status output missing %s:\n%s", name, out)
		}
	}
}

func TestUsageErrors(t *testing.T) {
	root := project(t)
	for _, args := range [][]string{
		{"--root", root, "bootloader"},
		{"--no-such-flag"},
	} {
		_, err := execute(t, args...)
		if code := builderr.ExitCode(err, stage.Index); code != builderr.ExitUsage {
			t.Fatalf("%v: error = %v, exit code %d", args, err, code)
		}
	}
}

func TestMissingRootIsConfigError(t *testing.T) {
	_, err := execute(t, "config", "--root", filepath.Join(t.TempDir(), "nope"))
	if code := builderr.ExitCode(err, stage.Index); code != builderr.ExitConfig {
		t.Fatalf("error = %v, exit code %d", err, code)
	}
}

func TestStageRunnersFollowPipelineOrder(t *testing.T) {
	runners := stageRunners()
	if len(runners) != len(stage.Order) {
		t.Fatalf("stageRunners() = %d runners, want %d", len(runners), len(stage.Order))
	}
	for i, r := range runners {
		if r.Name() != stage.Order[i] {
			t.Fatalf("runner %d = %s, want %s", i, r.Name(), stage.Order[i])
		}
	}
}
