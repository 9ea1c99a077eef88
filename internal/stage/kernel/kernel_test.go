package kernel

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"archr/internal/builderr"
	"archr/internal/config"
	"archr/internal/executor"
	"archr/internal/fsutil"
	"archr/internal/logging"
	"archr/internal/stage"
)

// fakeMake records invocations and produces the files a real build would.
type fakeMake struct {
	cfg     config.BuildConfig
	targets []string
	dtc     []string
}

func (f *fakeMake) Run(_ context.Context, cmd executor.Command) (executor.Result, error) {
	switch cmd.Name {
	case "dtc":
		f.dtc = cmd.Args
		out := cmd.Args[len(cmd.Args)-2]
		return executor.Result{}, os.WriteFile(out, []byte("/dts-v1/;"), 0o644)
	case "make":
	default:
		return executor.Result{}, errors.New("unexpected command " + cmd.Name)
	}

	target := cmd.Args[len(cmd.Args)-1]
	if strings.HasPrefix(target, "INSTALL_MOD_PATH=") {
		target = cmd.Args[len(cmd.Args)-2]
	}
	f.targets = append(f.targets, target)

	src := cmd.Dir
	var err error
	switch {
	case target == "Image":
		err = write(filepath.Join(src, "arch/arm64/boot/Image"), "kernel")
	case strings.HasSuffix(target, ".dtb"):
		err = write(filepath.Join(src, "arch/arm64/boot/dts", target), "dtb")
	case target == "modules_install":
		dir := filepath.Join(f.cfg.ModulesDir(), "lib/modules/6.1.0")
		if err = write(filepath.Join(dir, "kernel/drivers/gpu.ko"), "ko"); err == nil {
			err = os.Symlink(src, filepath.Join(dir, "build"))
		}
	}
	return executor.Result{}, err
}

func write(path, body string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(body), 0o644)
}

func setup(t *testing.T) (config.BuildConfig, *fakeMake) {
	t.Helper()
	root := t.TempDir()
	cfg := config.Defaults()
	cfg.Jobs = 4
	cfg.CrossCompile = "aarch64-linux-gnu-"
	cfg.Paths.KernelSource = filepath.Join(root, "kernel")
	cfg.Paths.ConfigDir = filepath.Join(root, "config")
	cfg.Paths.Output = filepath.Join(root, "output")
	if err := write(filepath.Join(cfg.Paths.KernelSource, "Makefile"), "all:"); err != nil {
		t.Fatalf("write() error = %v", err)
	}
	return cfg, &fakeMake{cfg: cfg}
}

func env(cfg config.BuildConfig, r executor.Runner) stage.Env {
	return stage.Env{Config: cfg, Exec: r, Logger: logging.Discard()}
}

func TestMissingSource(t *testing.T) {
	t.Parallel()

	cfg, fake := setup(t)
	cfg.Paths.KernelSource = filepath.Join(t.TempDir(), "absent")
	_, err := New().Run(context.Background(), env(cfg, fake))
	var missing *builderr.MissingSourceError
	if !errors.As(err, &missing) || missing.What != "kernel" {
		t.Fatalf("Run() error = %v, want kernel MissingSourceError", err)
	}
	if len(fake.targets) != 0 {
		t.Fatalf("make invoked without source: %v", fake.targets)
	}
}

func TestBuildFromDeviceTreeSource(t *testing.T) {
	t.Parallel()

	cfg, fake := setup(t)
	if err := write(filepath.Join(cfg.Paths.ConfigDir, "kernel", cfg.Kernel.DTB+".dts"), "/dts-v1/;"); err != nil {
		t.Fatal(err)
	}
	if err := write(filepath.Join(cfg.Paths.ConfigDir, "kernel", cfg.Kernel.Defconfig), "CONFIG_DRM=y\n"); err != nil {
		t.Fatal(err)
	}

	art, err := New().Run(context.Background(), env(cfg, fake))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if art.Stage != stage.Kernel {
		t.Fatalf("artifact = %+v", art)
	}

	want := []string{"olddefconfig", "Image", "rockchip/rk3326-gameconsole-r36s.dtb", "modules", "modules_install"}
	if !reflect.DeepEqual(fake.targets, want) {
		t.Fatalf("make targets = %v, want %v", fake.targets, want)
	}
	if !fsutil.NonEmpty(filepath.Join(cfg.Paths.KernelSource, cfg.Kernel.DTSDir, cfg.Kernel.DTB+".dts")) {
		t.Fatal("device tree source not installed into the tree")
	}
	if got, _ := os.ReadFile(filepath.Join(cfg.Paths.KernelSource, ".config")); string(got) != "CONFIG_DRM=y\n" {
		t.Fatalf(".config = %q", got)
	}
	if _, err := os.Lstat(filepath.Join(cfg.ModulesDir(), "lib/modules/6.1.0/build")); !os.IsNotExist(err) {
		t.Fatalf("build symlink not stripped: %v", err)
	}
	if !fsutil.NonEmpty(filepath.Join(cfg.BootDir(), "Image")) || !fsutil.NonEmpty(filepath.Join(cfg.BootDir(), cfg.DTBFile())) {
		t.Fatal("kernel outputs not installed")
	}
}

func TestDecompilesBlobWhenNoSource(t *testing.T) {
	t.Parallel()

	cfg, fake := setup(t)
	blob := filepath.Join(cfg.Paths.ConfigDir, "kernel", cfg.DTBFile())
	if err := write(blob, "\xd0\x0d\xfe\xed"); err != nil {
		t.Fatal(err)
	}

	if _, err := New().Run(context.Background(), env(cfg, fake)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(fake.dtc) == 0 || fake.dtc[len(fake.dtc)-1] != blob {
		t.Fatalf("dtc args = %v", fake.dtc)
	}
	if fake.targets[0] != cfg.Kernel.Defconfig {
		t.Fatalf("first make target = %q, want in-tree defconfig", fake.targets[0])
	}
}

func TestMissingDeviceTree(t *testing.T) {
	t.Parallel()

	cfg, fake := setup(t)
	_, err := New().Run(context.Background(), env(cfg, fake))
	var missing *builderr.MissingSourceError
	if !errors.As(err, &missing) || missing.What != "device tree" {
		t.Fatalf("Run() error = %v, want device tree MissingSourceError", err)
	}
}
