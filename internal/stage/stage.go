// Package stage defines the contract shared by the pipeline stages and the
// structural checks that gate one stage on another's artifact.
package stage

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"

	"archr/internal/archive"
	"archr/internal/builderr"
	"archr/internal/cache"
	"archr/internal/config"
	"archr/internal/executor"
	"archr/internal/fsutil"
	"archr/internal/logging"
	"archr/internal/sandbox"
)

// Name identifies a stage.
type Name string

const (
	Kernel      Name = "kernel"
	Rootfs      Name = "rootfs"
	Application Name = "application"
	Image       Name = "image"
)

// Order is the fixed dependency order.
var Order = []Name{Kernel, Rootfs, Application, Image}

// Index returns the position of name in Order, or -1.
func Index(name string) int {
	for i, n := range Order {
		if string(n) == name {
			return i
		}
	}
	return -1
}

// Privileged reports whether the stage mounts, chroots or touches loop devices.
func (n Name) Privileged() bool {
	return n != Kernel
}

// Requirements lists the upstream artifacts each stage consumes.
var Requirements = map[Name][]Name{
	Kernel:      nil,
	Rootfs:      nil,
	Application: {Rootfs},
	Image:       {Kernel, Rootfs},
}

// Inputs lists every upstream stage whose output ends up inside a stage's
// artifact, including optional inputs such as the kernel modules the rootfs
// embeds. A stage with a rebuilt input is stale.
var Inputs = map[Name][]Name{
	Kernel:      nil,
	Rootfs:      {Kernel},
	Application: {Rootfs},
	Image:       {Kernel, Rootfs, Application},
}

// Artifact is the durable output of a stage.
type Artifact struct {
	Stage Name
	Path  string
}

// Fetcher is the subset of the artifact cache stages use.
type Fetcher interface {
	Fetch(ctx context.Context, req cache.Request) (cache.Artifact, error)
}

// Env carries everything a stage needs. Config is a copy; stages never modify it.
type Env struct {
	Config  config.BuildConfig
	Cache   Fetcher
	Sandbox *sandbox.Manager
	Exec    executor.Runner
	Mounter sandbox.Mounter
	Logger  *slog.Logger
}

// Log returns the stage logger.
func (e Env) Log() *slog.Logger { return logging.Ensure(e.Logger) }

// Runner is implemented by every stage.
type Runner interface {
	Name() Name
	Requires() []Name
	Run(ctx context.Context, env Env) (Artifact, error)
}

// Paths returns the structural paths that make up a stage's artifact. Each one
// must exist and be non-empty for the artifact to count as present.
func Paths(name Name, cfg config.BuildConfig) []string {
	switch name {
	case Kernel:
		return []string{
			filepath.Join(cfg.BootDir(), "Image"),
			filepath.Join(cfg.BootDir(), cfg.DTBFile()),
		}
	case Rootfs:
		return []string{
			filepath.Join(cfg.Paths.Rootfs, "etc"),
			cfg.RootfsArchive(),
		}
	case Application:
		return []string{
			filepath.Join(cfg.Paths.Rootfs, "usr", "bin", "emulationstation"),
			cfg.RootfsArchive(),
		}
	case Image:
		return []string{cfg.ImagePath() + ".xz"}
	default:
		return nil
	}
}

// Check verifies name's artifact. The returned PreconditionError has an empty
// Stage; Require fills it in for the consuming stage.
func Check(name Name, cfg config.BuildConfig) (Artifact, error) {
	paths := Paths(name, cfg)
	for _, p := range paths {
		if !fsutil.NonEmpty(p) {
			return Artifact{}, &builderr.PreconditionError{Requires: string(name), Path: p}
		}
	}
	return Artifact{Stage: name, Path: primary(name, cfg)}, nil
}

func primary(name Name, cfg config.BuildConfig) string {
	switch name {
	case Kernel:
		return cfg.BootDir()
	case Rootfs, Application:
		return cfg.RootfsArchive()
	default:
		paths := Paths(name, cfg)
		if len(paths) == 0 {
			return ""
		}
		return paths[0]
	}
}

// Require checks every upstream artifact of stage without side effects.
func Require(stage Name, requires []Name, cfg config.BuildConfig) error {
	for _, up := range requires {
		if _, err := Check(up, cfg); err != nil {
			var pre *builderr.PreconditionError
			if errors.As(err, &pre) {
				pre.Stage = string(stage)
			}
			return err
		}
	}
	return nil
}

// ParseName maps a token to a stage name, case-insensitively.
func ParseName(token string) (Name, bool) {
	n := Name(strings.ToLower(strings.TrimSpace(token)))
	return n, Index(string(n)) >= 0
}

// PackRootfs writes the staging root into the rootfs archive consumed by the
// image stage.
func PackRootfs(env Env) error {
	cfg := env.Config
	env.Log().Info("packing rootfs archive", "path", cfg.RootfsArchive())
	return archive.CreateTarGz(cfg.Paths.Rootfs, cfg.RootfsArchive())
}
