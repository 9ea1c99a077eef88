// Package image assembles the flashable SD card image from the kernel and
// rootfs artifacts.
package image

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"archr/internal/archive"
	"archr/internal/config"
	"archr/internal/executor"
	"archr/internal/fsutil"
	"archr/internal/logging"
	"archr/internal/sandbox"
	"archr/internal/stage"
)

// Assembler writes and compresses the disk image.
type Assembler struct {
	Runner  executor.Runner
	Mounter sandbox.Mounter
	Loop    LoopDevices
	Logger  *slog.Logger
	// Compress writes the .xz; nil means archive.CompressXZ.
	Compress func(src, dst string) error
}

// Assemble checks its inputs before touching anything, then builds
// <output>/archr-<device>.img and its .xz. Loop devices and mounts are
// released on every path.
func (a *Assembler) Assemble(ctx context.Context, cfg config.BuildConfig) (stage.Artifact, error) {
	log := logging.Ensure(a.Logger)
	if err := stage.Require(stage.Image, stage.Requirements[stage.Image], cfg); err != nil {
		return stage.Artifact{}, err
	}
	layout, err := NewLayout(cfg.Image.SizeMiB)
	if err != nil {
		return stage.Artifact{}, err
	}

	img := cfg.ImagePath()
	if err := allocate(img, layout.Bytes()); err != nil {
		return stage.Artifact{}, err
	}
	log.Info("partitioning image", "path", img, "size_mib", layout.SizeMiB)
	if _, err := a.Runner.Run(ctx, executor.Command{
		Name:  "sfdisk",
		Args:  []string{img},
		Stdin: strings.NewReader(layout.SfdiskScript()),
		Quiet: true,
	}); err != nil {
		return stage.Artifact{}, fmt.Errorf("partition %s: %w", img, err)
	}

	if err := a.populate(ctx, cfg, img, layout); err != nil {
		return stage.Artifact{}, err
	}

	compress := a.Compress
	if compress == nil {
		compress = archive.CompressXZ
	}
	log.Info("compressing image", "to", img+".xz")
	if err := compress(img, img+".xz"); err != nil {
		return stage.Artifact{}, fmt.Errorf("compress image: %w", err)
	}
	return stage.Check(stage.Image, cfg)
}

// allocate creates a sparse file of size, replacing any earlier image and
// its compressed form.
func allocate(path string, size int64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	for _, p := range []string{path, path + ".xz"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return fmt.Errorf("allocate image: %w", err)
	}
	return f.Close()
}

// populate runs every step that needs the loop device. Releases are pushed
// as resources are acquired and run in reverse on return.
func (a *Assembler) populate(ctx context.Context, cfg config.BuildConfig, img string, layout Layout) (err error) {
	log := logging.Ensure(a.Logger)
	release := context.WithoutCancel(ctx)
	var cleanup []func() error
	defer func() {
		unix.Sync()
		for i := len(cleanup) - 1; i >= 0; i-- {
			err = errors.Join(err, cleanup[i]())
		}
	}()

	dev, err := a.Loop.Attach(ctx, img, 2)
	if err != nil {
		return err
	}
	log.Info("attached loop device", "device", dev)
	cleanup = append(cleanup, func() error { return a.Loop.Detach(release, dev) })
	bootDev, rootDev := PartitionPath(dev, 1), PartitionPath(dev, 2)

	for _, cmd := range []executor.Command{
		{Name: "mkfs.vfat", Args: []string{"-F", "32", "-n", layout.Boot.Label, bootDev}, Quiet: true},
		{Name: "mkfs.ext4", Args: []string{"-F", "-q", "-L", layout.Root.Label, rootDev}, Quiet: true},
	} {
		log.Info("formatting", "device", cmd.Args[len(cmd.Args)-1], "with", cmd.Name)
		if _, err := a.Runner.Run(ctx, cmd); err != nil {
			return fmt.Errorf("format: %w", err)
		}
	}

	mnt, err := os.MkdirTemp(cfg.Paths.Output, ".mnt-")
	if err != nil {
		return err
	}
	bootMnt, rootMnt := filepath.Join(mnt, "boot"), filepath.Join(mnt, "root")
	// Only empty directories are removed; a mount that failed to detach stays intact.
	cleanup = append(cleanup, func() error {
		os.Remove(bootMnt)
		os.Remove(rootMnt)
		if err := os.Remove(mnt); err != nil {
			log.Warn("mount directory left behind", "path", mnt, "error", err)
		}
		return nil
	})
	for _, m := range []struct{ dev, dir, fstype string }{
		{bootDev, bootMnt, layout.Boot.FSType},
		{rootDev, rootMnt, layout.Root.FSType},
	} {
		if err := os.MkdirAll(m.dir, 0o755); err != nil {
			return err
		}
		if err := a.Mounter.Mount(ctx, m.dev, m.dir, m.fstype); err != nil {
			return err
		}
		cleanup = append(cleanup, a.unmounter(release, m.dir))
	}

	if err := a.installBoot(cfg, bootMnt); err != nil {
		return err
	}

	log.Info("extracting rootfs archive", "to", rootMnt)
	if err := archive.Extract(cfg.RootfsArchive(), rootMnt, archive.Options{PreserveOwner: true}); err != nil {
		return fmt.Errorf("populate root partition: %w", err)
	}
	bootDir, err := fsutil.ResolveIn(rootMnt, "boot")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(bootDir, 0o755); err != nil {
		return err
	}
	if err := fsutil.WriteFileIn(rootMnt, "etc/fstab", []byte(layout.Fstab()), 0o644); err != nil {
		return fmt.Errorf("write fstab: %w", err)
	}

	return WriteBootloader(log, cfg.Image.BootloaderDir, dev)
}

func (a *Assembler) unmounter(ctx context.Context, dir string) func() error {
	return func() error {
		err := a.Mounter.Unmount(ctx, dir)
		if err == nil || errors.Is(err, sandbox.ErrNotMounted) {
			return nil
		}
		logging.Ensure(a.Logger).Warn("unmount failed, detaching lazily", "target", dir, "error", err)
		return a.Mounter.Detach(ctx, dir)
	}
}

// installBoot copies the kernel and device tree and writes boot.ini. The
// names in boot.ini are the names written here.
func (a *Assembler) installBoot(cfg config.BuildConfig, dir string) error {
	files := map[string]string{
		"Image":       filepath.Join(cfg.BootDir(), "Image"),
		cfg.DTBFile(): filepath.Join(cfg.BootDir(), cfg.DTBFile()),
	}
	for name, src := range files {
		if err := fsutil.CopyFile(src, filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("install %s: %w", name, err)
		}
	}
	ini := BootIni("Image", cfg.DTBFile(), cfg.Image.Cmdline)
	if err := os.WriteFile(filepath.Join(dir, "boot.ini"), []byte(ini), 0o644); err != nil {
		return fmt.Errorf("write boot.ini: %w", err)
	}
	return nil
}

// WriteBootloader writes each blob present in dir to dev at its sector.
// Missing blobs are skipped with a warning; the image will not boot without
// them but is otherwise complete.
func WriteBootloader(log *slog.Logger, dir, dev string) error {
	log = logging.Ensure(log)
	f, err := os.OpenFile(dev, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", dev, err)
	}
	defer f.Close()

	for _, b := range Bootloader {
		path := filepath.Join(dir, b.File)
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			log.Warn("bootloader blob missing, image will not boot on its own", "file", path)
			continue
		}
		if err != nil {
			return err
		}
		log.Info("writing bootloader", "file", b.File, "sector", b.Sector)
		if _, err := f.WriteAt(data, b.Sector*SectorSize); err != nil {
			return fmt.Errorf("write %s: %w", b.File, err)
		}
	}
	return f.Sync()
}

// Stage is the image stage runner.
type Stage struct{}

// New returns the image stage.
func New() *Stage { return &Stage{} }

func (*Stage) Name() stage.Name       { return stage.Image }
func (*Stage) Requires() []stage.Name { return stage.Requirements[stage.Image] }

func (*Stage) Run(ctx context.Context, env stage.Env) (stage.Artifact, error) {
	a := &Assembler{
		Runner:  env.Exec,
		Mounter: env.Mounter,
		Loop:    Losetup{Runner: env.Exec},
		Logger:  env.Log(),
	}
	return a.Assemble(ctx, env.Config)
}
