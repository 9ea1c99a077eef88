package builderr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestExitCode(t *testing.T) {
	t.Parallel()

	index := func(name string) int {
		switch name {
		case "kernel":
			return 0
		case "image":
			return 3
		}
		return -1
	}

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"plain", errors.New("boom"), ExitFailure},
		{"usage", &UsageError{Message: "unknown stage"}, ExitUsage},
		{"config", Configf("paths.kernel", "missing"), ExitConfig},
		{"permission", &PermissionError{Operation: "rootfs"}, ExitPermission},
		{"precondition", &PreconditionError{Stage: "image", Requires: "rootfs", Path: "/out/rootfs.tar"}, ExitPrecondition},
		{"first stage", &StageError{Stage: "kernel", Cause: errors.New("make")}, 10},
		{"last stage", &StageError{Stage: "image", Cause: errors.New("sfdisk")}, 13},
		{"unknown stage", &StageError{Stage: "bootloader", Cause: errors.New("x")}, ExitFailure},
		{"wrapped", fmt.Errorf("run: %w", &StageError{Stage: "kernel", Cause: &FetchError{Name: "linux", Err: errors.New("timeout")}}), 10},
		{"config inside stage", &StageError{Stage: "image", Cause: Configf("", "bad")}, 13},
		{"interrupted stage", &StageError{Stage: "kernel", Cause: context.Canceled}, ExitInterrupted},
	}
	for _, tt := range tests {
		if got := ExitCode(tt.err, index); got != tt.want {
			t.Errorf("%s: ExitCode(%v) = %d, want %d", tt.name, tt.err, got, tt.want)
		}
	}
}

func TestErrorMessages(t *testing.T) {
	t.Parallel()

	cause := errors.New("no such file")
	err := &ConfigurationError{Field: "paths.root", Message: "must exist", Err: cause}
	if got, want := err.Error(), "configuration (paths.root): must exist: no such file"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, cause) {
		t.Fatal("ConfigurationError does not unwrap its cause")
	}

	drift := &PatchError{Patch: "gles header", File: "Renderer_GL21.cpp"}
	if got, want := drift.Error(), `patch "gles header": anchor not found in Renderer_GL21.cpp (upstream source drifted?)`; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	dup := &PatchError{Patch: "vsync", File: "r.cpp", Matches: 2}
	if got, want := dup.Error(), `patch "vsync": anchor matched 2 times in r.cpp, want exactly 1`; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}
