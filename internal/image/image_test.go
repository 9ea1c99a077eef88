package image

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"archr/internal/archive"
	"archr/internal/builderr"
	"archr/internal/config"
	"archr/internal/executor"
	"archr/internal/fsutil"
	"archr/internal/logging"
	"archr/internal/sandbox"
)

func TestLayout(t *testing.T) {
	t.Parallel()

	if _, err := NewLayout(RootStartMiB); err == nil {
		t.Fatal("NewLayout() accepted an image with no root partition")
	}
	l, err := NewLayout(4096)
	if err != nil {
		t.Fatalf("NewLayout() error = %v", err)
	}
	if l.Boot.StartMiB != 16 || l.Boot.SizeMiB != 128 || l.Root.StartMiB != 144 || l.Root.SizeMiB != 0 {
		t.Fatalf("layout = %+v", l)
	}
	want := "label: dos\nunit: sectors\n\nstart=32768, size=262144, type=c, bootable\nstart=294912, type=83\n"
	if got := l.SfdiskScript(); got != want {
		t.Fatalf("SfdiskScript() = %q, want %q", got, want)
	}
	if fstab := l.Fstab(); !strings.Contains(fstab, "LABEL=ARCHR_ROOT\t/\text4") || !strings.Contains(fstab, "LABEL=ARCHR_BOOT\t/boot\tvfat") {
		t.Fatalf("Fstab() = %q", fstab)
	}
	for _, b := range Bootloader {
		if b.Sector*SectorSize >= ReservedMiB*mib {
			t.Fatalf("blob %s at sector %d overlaps the boot partition", b.File, b.Sector)
		}
	}
}

func TestBootIni(t *testing.T) {
	t.Parallel()

	ini := BootIni("Image", "rk3326-gameconsole-r36s.dtb", "root=LABEL=ARCHR_ROOT rw")
	for _, want := range []string{
		`setenv bootargs "root=LABEL=ARCHR_ROOT rw"`,
		"load mmc 1:1 ${loadaddr} Image\n",
		"load mmc 1:1 ${dtb_loadaddr} rk3326-gameconsole-r36s.dtb\n",
		"booti ${loadaddr} - ${dtb_loadaddr}",
	} {
		if !strings.Contains(ini, want) {
			t.Fatalf("BootIni() missing %q:\n%s", want, ini)
		}
	}
}

type recordRunner struct {
	cmds   []executor.Command
	failOn string
}

func (r *recordRunner) Run(_ context.Context, cmd executor.Command) (executor.Result, error) {
	r.cmds = append(r.cmds, cmd)
	if cmd.Name == r.failOn {
		return executor.Result{ExitCode: 1}, &executor.ExitError{Command: cmd.String(), Code: 1}
	}
	return executor.Result{}, nil
}

func (r *recordRunner) names() []string {
	var out []string
	for _, c := range r.cmds {
		out = append(out, c.Name)
	}
	return out
}

type fakeMounter struct {
	mounted   []string
	unmounted []string
}

func (m *fakeMounter) Bind(context.Context, string, string) error { return errors.New("unexpected bind") }
func (m *fakeMounter) Mount(_ context.Context, _, target, _ string) error {
	m.mounted = append(m.mounted, target)
	return nil
}
func (m *fakeMounter) Unmount(_ context.Context, target string) error {
	m.unmounted = append(m.unmounted, target)
	return nil
}
func (m *fakeMounter) Detach(context.Context, string) error { return nil }

// fileLoop stands in for a loop device with a plain file.
type fileLoop struct {
	dev      string
	attached bool
	detached bool
}

func (l *fileLoop) Attach(context.Context, string, int) (string, error) {
	l.attached = true
	return l.dev, nil
}

func (l *fileLoop) Detach(context.Context, string) error {
	l.detached = true
	return nil
}

func write(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func testConfig(t *testing.T) config.BuildConfig {
	t.Helper()
	root := t.TempDir()
	cfg := config.Defaults()
	cfg.Image.SizeMiB = 160
	cfg.Paths.Output = filepath.Join(root, "output")
	cfg.Paths.Rootfs = filepath.Join(root, "output", "rootfs")
	cfg.Image.BootloaderDir = filepath.Join(root, "config", "bootloader")
	return cfg
}

// seedArtifacts lays out the kernel and rootfs outputs the image consumes.
func seedArtifacts(t *testing.T, cfg config.BuildConfig) {
	t.Helper()
	write(t, filepath.Join(cfg.BootDir(), "Image"), "kernel")
	write(t, filepath.Join(cfg.BootDir(), cfg.DTBFile()), "dtb")
	write(t, filepath.Join(cfg.Paths.Rootfs, "etc", "hostname"), "r36s\n")
	if err := archive.CreateTarGz(cfg.Paths.Rootfs, cfg.RootfsArchive()); err != nil {
		t.Fatalf("CreateTarGz() error = %v", err)
	}
}

func stubCompress(src, dst string) error {
	return os.WriteFile(dst, []byte("xz"), 0o644)
}

func newAssembler(t *testing.T, r *recordRunner, m *fakeMounter) (*Assembler, *fileLoop) {
	t.Helper()
	dev := filepath.Join(t.TempDir(), "loop0")
	write(t, dev, "")
	loop := &fileLoop{dev: dev}
	return &Assembler{Runner: r, Mounter: m, Loop: loop, Logger: logging.Discard(), Compress: stubCompress}, loop
}

func TestAssemblePreconditionsFirst(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	runner, mounter := &recordRunner{}, &fakeMounter{}
	a, loop := newAssembler(t, runner, mounter)

	_, err := a.Assemble(context.Background(), cfg)
	var pre *builderr.PreconditionError
	if !errors.As(err, &pre) || pre.Stage != "image" || pre.Requires != "kernel" {
		t.Fatalf("Assemble() error = %v, want kernel PreconditionError", err)
	}
	if len(runner.cmds) != 0 || loop.attached || len(mounter.mounted) != 0 {
		t.Fatal("side effects before preconditions were checked")
	}
	if fsutil.Exists(cfg.ImagePath()) {
		t.Fatal("image allocated before preconditions were checked")
	}
}

func TestAssemble(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	seedArtifacts(t, cfg)
	write(t, filepath.Join(cfg.Image.BootloaderDir, "idbloader.img"), "IDBL")
	runner, mounter := &recordRunner{}, &fakeMounter{}
	a, loop := newAssembler(t, runner, mounter)

	art, err := a.Assemble(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	if art.Path != cfg.ImagePath()+".xz" {
		t.Fatalf("artifact = %+v", art)
	}

	if got := strings.Join(runner.names(), ","); got != "sfdisk,mkfs.vfat,mkfs.ext4" {
		t.Fatalf("commands = %s", got)
	}
	if got := runner.cmds[2].Args; got[len(got)-1] != loop.dev+"p2" {
		t.Fatalf("mkfs.ext4 args = %v", got)
	}
	info, err := os.Stat(cfg.ImagePath())
	if err != nil || info.Size() != 160*mib {
		t.Fatalf("image = %v, %v", info, err)
	}

	if len(mounter.mounted) != 2 || len(mounter.unmounted) != 2 ||
		mounter.unmounted[0] != mounter.mounted[1] || mounter.unmounted[1] != mounter.mounted[0] {
		t.Fatalf("mounts = %v, unmounts = %v", mounter.mounted, mounter.unmounted)
	}
	if !loop.detached {
		t.Fatal("loop device not detached")
	}

	// The fake mounts are plain directories, so their contents stay visible.
	bootMnt, rootMnt := mounter.mounted[0], mounter.mounted[1]
	for _, p := range []string{filepath.Join(bootMnt, "Image"), filepath.Join(bootMnt, cfg.DTBFile()), filepath.Join(bootMnt, "boot.ini")} {
		if !fsutil.NonEmpty(p) {
			t.Fatalf("%s missing", p)
		}
	}
	if fstab, _ := os.ReadFile(filepath.Join(rootMnt, "etc", "fstab")); !strings.Contains(string(fstab), RootLabel) {
		t.Fatalf("fstab = %q", fstab)
	}
	if !fsutil.NonEmpty(filepath.Join(rootMnt, "etc", "hostname")) {
		t.Fatal("rootfs archive not extracted")
	}

	f, err := os.Open(loop.dev)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	buf := make([]byte, 4)
	if _, err := f.ReadAt(buf, 64*SectorSize); err != nil || string(buf) != "IDBL" {
		t.Fatalf("idbloader at sector 64 = %q, %v", buf, err)
	}
}

func TestAssembleReleasesOnFailure(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	seedArtifacts(t, cfg)
	runner, mounter := &recordRunner{failOn: "mkfs.ext4"}, &fakeMounter{}
	a, loop := newAssembler(t, runner, mounter)

	if _, err := a.Assemble(context.Background(), cfg); !executor.IsExit(err) {
		t.Fatalf("Assemble() error = %v, want format failure", err)
	}
	if !loop.detached {
		t.Fatal("loop device left attached after failure")
	}
	if len(mounter.mounted) != 0 {
		t.Fatalf("mounted after failed format: %v", mounter.mounted)
	}
	if fsutil.Exists(cfg.ImagePath() + ".xz") {
		t.Fatal("compressed image written after failure")
	}
}

func TestLosetupWaitsForPartitions(t *testing.T) {
	t.Parallel()

	runner := &outputRunner{out: "/dev/loop7\n"}
	polls := 0
	l := Losetup{
		Runner:   runner,
		Interval: time.Millisecond,
		Exists: func(p string) bool {
			polls++
			return polls > 4
		},
	}
	dev, err := l.Attach(context.Background(), "img", 2)
	if err != nil || dev != "/dev/loop7" {
		t.Fatalf("Attach() = %q, %v", dev, err)
	}
	if runner.detached {
		t.Fatal("detached a healthy device")
	}
}

func TestLosetupGivesUp(t *testing.T) {
	t.Parallel()

	runner := &outputRunner{out: "/dev/loop7\n"}
	l := Losetup{Runner: runner, Interval: time.Millisecond, Attempts: 3, Exists: func(string) bool { return false }}
	if _, err := l.Attach(context.Background(), "img", 2); err == nil {
		t.Fatal("Attach() error = nil with no partition nodes")
	}
	if !runner.detached {
		t.Fatal("loop device not detached after timeout")
	}
}

type outputRunner struct {
	out      string
	detached bool
}

func (r *outputRunner) Run(_ context.Context, cmd executor.Command) (executor.Result, error) {
	if len(cmd.Args) > 0 && cmd.Args[0] == "--detach" {
		r.detached = true
	}
	return executor.Result{Output: []byte(r.out)}, nil
}

// TestAssembleLoopDevice exercises real losetup, mkfs and mounts.
func TestAssembleLoopDevice(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("requires root")
	}
	for _, tool := range []string{"sfdisk", "losetup", "mkfs.vfat", "mkfs.ext4"} {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("%s not installed", tool)
		}
	}

	cfg := testConfig(t)
	seedArtifacts(t, cfg)
	run := &executor.Executor{Stream: io.Discard, Logger: logging.Discard()}
	a := &Assembler{
		Runner:   run,
		Mounter:  sandbox.SyscallMounter{},
		Loop:     Losetup{Runner: run},
		Logger:   logging.Discard(),
		Compress: stubCompress,
	}
	if _, err := a.Assemble(context.Background(), cfg); err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}

	mounts, err := fsutil.MountPointsUnder(cfg.Paths.Output)
	if err != nil || len(mounts) != 0 {
		t.Fatalf("mounts left under output: %v, %v", mounts, err)
	}

	f, err := os.Open(cfg.ImagePath())
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	mbr := make([]byte, SectorSize)
	if _, err := io.ReadFull(f, mbr); err != nil {
		t.Fatal(err)
	}
	if mbr[510] != 0x55 || mbr[511] != 0xaa {
		t.Fatal("no MBR signature")
	}
	if start := binary.LittleEndian.Uint32(mbr[446+8:]); start != 32768 {
		t.Fatalf("boot partition starts at sector %d", start)
	}
	if start := binary.LittleEndian.Uint32(mbr[462+8:]); start != 294912 {
		t.Fatalf("root partition starts at sector %d", start)
	}
}
