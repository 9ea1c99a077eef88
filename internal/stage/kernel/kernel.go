// Package kernel cross-builds the kernel image, the device tree blob and the
// modules, and installs them into the output directory.
package kernel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"archr/internal/builderr"
	"archr/internal/config"
	"archr/internal/executor"
	"archr/internal/fsutil"
	"archr/internal/stage"
)

// Stage is the kernel stage runner.
type Stage struct{}

// New returns the kernel stage.
func New() *Stage { return &Stage{} }

func (*Stage) Name() stage.Name       { return stage.Kernel }
func (*Stage) Requires() []stage.Name { return stage.Requirements[stage.Kernel] }

// Run builds in place. Incremental rebuilds rely on make's own tracking.
func (s *Stage) Run(ctx context.Context, env stage.Env) (stage.Artifact, error) {
	cfg := env.Config
	src := cfg.Paths.KernelSource
	if !fsutil.Exists(filepath.Join(src, "Makefile")) {
		return stage.Artifact{}, &builderr.MissingSourceError{What: "kernel", Path: src}
	}

	b := builder{ctx: ctx, env: env, src: src}
	if err := b.installDeviceTree(); err != nil {
		return stage.Artifact{}, err
	}
	if err := b.configure(); err != nil {
		return stage.Artifact{}, err
	}

	imageTarget := filepath.Base(cfg.Arch.KernelImage())
	for _, phase := range []string{imageTarget, b.dtbTarget(), "modules"} {
		env.Log().Info("building kernel", "target", phase, "jobs", cfg.Jobs)
		if err := b.make(phase); err != nil {
			return stage.Artifact{}, err
		}
	}

	if err := b.install(); err != nil {
		return stage.Artifact{}, err
	}
	return stage.Check(stage.Kernel, cfg)
}

type builder struct {
	ctx context.Context
	env stage.Env
	src string
}

func (b builder) cfg() config.BuildConfig { return b.env.Config }

func (b builder) make(args ...string) error {
	cfg := b.cfg()
	full := append([]string{"-j" + strconv.Itoa(cfg.Jobs), "ARCH=" + cfg.Arch.KernelArch(), "CROSS_COMPILE=" + cfg.CrossCompile}, args...)
	_, err := b.env.Exec.Run(b.ctx, executor.Command{Name: "make", Args: full, Dir: b.src, Env: cfg.Env()})
	if err != nil {
		return fmt.Errorf("make %v: %w", args, err)
	}
	return nil
}

func (b builder) dtsDir() string {
	return filepath.Join(b.src, b.cfg().Kernel.DTSDir)
}

// dtbTarget is the make target for the device tree blob, relative to the
// architecture's dts root (e.g. rockchip/rk3326-gameconsole-r36s.dtb).
func (b builder) dtbTarget() string {
	return filepath.Join(filepath.Base(b.cfg().Kernel.DTSDir), b.cfg().DTBFile())
}

// installDeviceTree places <dtb>.dts into the source tree. The source form in
// the config directory wins; a binary blob is decompiled with dtc; otherwise
// the tree must already carry the file.
func (b builder) installDeviceTree() error {
	cfg := b.cfg()
	dts := cfg.Kernel.DTB + ".dts"
	target := filepath.Join(b.dtsDir(), dts)
	cfgDTS := filepath.Join(cfg.Paths.ConfigDir, "kernel", dts)
	cfgDTB := filepath.Join(cfg.Paths.ConfigDir, "kernel", cfg.DTBFile())

	switch {
	case fsutil.NonEmpty(cfgDTS):
		b.env.Log().Info("installing device tree source", "from", cfgDTS)
		return fsutil.CopyFile(cfgDTS, target)
	case fsutil.NonEmpty(cfgDTB):
		b.env.Log().Info("decompiling device tree blob", "from", cfgDTB)
		if err := os.MkdirAll(b.dtsDir(), 0o755); err != nil {
			return err
		}
		_, err := b.env.Exec.Run(b.ctx, executor.Command{
			Name: "dtc",
			Args: []string{"-I", "dtb", "-O", "dts", "-o", target, cfgDTB},
		})
		if err != nil {
			return fmt.Errorf("decompile %s: %w", cfgDTB, err)
		}
		return nil
	case fsutil.NonEmpty(target):
		return nil
	default:
		return &builderr.MissingSourceError{What: "device tree", Path: cfgDTS}
	}
}

// configure applies the named defconfig. A file in the config directory is
// copied as .config and refreshed with olddefconfig; otherwise the name is
// treated as an in-tree defconfig target.
func (b builder) configure() error {
	cfg := b.cfg()
	external := filepath.Join(cfg.Paths.ConfigDir, "kernel", cfg.Kernel.Defconfig)
	if fsutil.NonEmpty(external) {
		b.env.Log().Info("applying kernel config", "from", external)
		if err := fsutil.CopyFile(external, filepath.Join(b.src, ".config")); err != nil {
			return err
		}
		return b.make("olddefconfig")
	}
	b.env.Log().Info("applying in-tree kernel config", "target", cfg.Kernel.Defconfig)
	return b.make(cfg.Kernel.Defconfig)
}

func (b builder) install() error {
	cfg := b.cfg()
	boot := cfg.BootDir()
	if err := os.MkdirAll(boot, 0o755); err != nil {
		return err
	}
	if err := fsutil.CopyFile(filepath.Join(b.src, cfg.Arch.KernelImage()), filepath.Join(boot, "Image")); err != nil {
		return fmt.Errorf("install kernel image: %w", err)
	}
	if err := fsutil.CopyFile(filepath.Join(b.dtsDir(), cfg.DTBFile()), filepath.Join(boot, cfg.DTBFile())); err != nil {
		return fmt.Errorf("install device tree blob: %w", err)
	}

	modules := cfg.ModulesDir()
	if err := fsutil.Recreate(modules, 0o755); err != nil {
		return err
	}
	if err := b.make("modules_install", "INSTALL_MOD_PATH="+modules); err != nil {
		return err
	}

	// build and source point back into the host's kernel tree.
	links, _ := filepath.Glob(filepath.Join(modules, "lib", "modules", "*", "build"))
	more, _ := filepath.Glob(filepath.Join(modules, "lib", "modules", "*", "source"))
	for _, l := range append(links, more...) {
		if err := os.Remove(l); err != nil {
			b.env.Log().Warn("could not remove module symlink", "path", l, "error", err)
		}
	}
	return nil
}
