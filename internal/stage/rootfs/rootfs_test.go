package rootfs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"archr/internal/archive"
	"archr/internal/cache"
	"archr/internal/config"
	"archr/internal/executor"
	"archr/internal/fsutil"
	"archr/internal/logging"
	"archr/internal/sandbox"
	"archr/internal/stage"
)

type fakeCache struct {
	path  string
	calls int
}

func (f *fakeCache) Fetch(_ context.Context, req cache.Request) (cache.Artifact, error) {
	f.calls++
	return cache.Artifact{Name: req.Name, Ref: req.Ref, Locator: req.Locator, Path: f.path}, nil
}

type nopMounter struct{ active int }

func (m *nopMounter) Bind(context.Context, string, string) error          { m.active++; return nil }
func (m *nopMounter) Mount(context.Context, string, string, string) error { m.active++; return nil }
func (m *nopMounter) Unmount(context.Context, string) error               { m.active--; return nil }
func (m *nopMounter) Detach(context.Context, string) error                { return nil }

// chrootRunner records sandbox scripts and fails those containing a marker.
type chrootRunner struct {
	scripts []string
	failOn  map[string]bool
}

func (r *chrootRunner) Run(_ context.Context, cmd executor.Command) (executor.Result, error) {
	script := cmd.Args[len(cmd.Args)-1]
	r.scripts = append(r.scripts, script)
	for marker := range r.failOn {
		if strings.Contains(script, marker) {
			return executor.Result{ExitCode: 1}, &executor.ExitError{Command: script, Code: 1}
		}
	}
	return executor.Result{}, nil
}

func setup(t *testing.T, runner *chrootRunner) (stage.Env, *fakeCache, *nopMounter) {
	t.Helper()
	root := t.TempDir()

	base := filepath.Join(t.TempDir(), "base")
	for _, p := range []string{"etc/os-release", "usr/bin/sh"} {
		if err := os.MkdirAll(filepath.Join(base, filepath.Dir(p)), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(base, p), []byte(p), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	tarball := filepath.Join(t.TempDir(), "base-rootfs")
	if err := archive.CreateTarGz(base, tarball); err != nil {
		t.Fatalf("CreateTarGz() error = %v", err)
	}

	cfg := config.Defaults()
	cfg.Paths.ConfigDir = filepath.Join(root, "config")
	cfg.Paths.Output = filepath.Join(root, "output")
	cfg.Paths.Rootfs = filepath.Join(root, "output", "rootfs")

	overlay := filepath.Join(cfg.Paths.ConfigDir, "overlay", "etc", "asound.conf")
	if err := os.MkdirAll(filepath.Dir(overlay), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(overlay, []byte("pcm.!default"), 0o644); err != nil {
		t.Fatal(err)
	}

	fc := &fakeCache{path: tarball}
	m := &nopMounter{}
	hostResolv := filepath.Join(root, "resolv.conf")
	if err := os.WriteFile(hostResolv, []byte("nameserver 9.9.9.9\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	env := stage.Env{
		Config: cfg,
		Cache:  fc,
		Sandbox: &sandbox.Manager{
			Runner:     runner,
			Mounter:    m,
			HostResolv: hostResolv,
			Logger:     logging.Discard(),
		},
		Logger: logging.Discard(),
	}
	return env, fc, m
}

func TestRunProvisionsAndPacks(t *testing.T) {
	t.Parallel()

	runner := &chrootRunner{failOn: map[string]bool{"libretro-mgba": true}}
	env, _, mounter := setup(t, runner)

	art, err := New().Run(context.Background(), env)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if art.Path != env.Config.RootfsArchive() {
		t.Fatalf("artifact path = %q", art.Path)
	}
	if mounter.active != 0 {
		t.Fatalf("%d mounts left active", mounter.active)
	}

	joined := strings.Join(runner.scripts, "\n")
	if !strings.HasPrefix(runner.scripts[0], "pacman-key --init") {
		t.Fatalf("first script = %q, want keyring init", runner.scripts[0])
	}
	for _, want := range []string{"pacman -Syu", "useradd -m -G wheel", "systemctl enable NetworkManager", "libretro-snes9x", "locale-gen"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("scripts missing %q:\n%s", want, joined)
		}
	}

	root := env.Config.Paths.Rootfs
	if got, _ := os.ReadFile(filepath.Join(root, "etc", "asound.conf")); string(got) != "pcm.!default" {
		t.Fatalf("overlay not copied: %q", got)
	}
	if got, _ := os.ReadFile(filepath.Join(root, "etc", "hostname")); string(got) != "r36s\n" {
		t.Fatalf("hostname = %q", got)
	}
	names, err := archive.List(env.Config.RootfsArchive())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if !strings.Contains(strings.Join(names, " "), "etc/os-release") {
		t.Fatalf("archive entries = %v", names)
	}
}

func TestAbsoluteLinksInBaseStayInsideRoot(t *testing.T) {
	t.Parallel()

	env, fc, _ := setup(t, &chrootRunner{})

	hostDir := t.TempDir()
	hostFiles := map[string]string{"localtime": "host zone", "hostname": "host name"}
	for name, body := range hostFiles {
		if err := os.WriteFile(filepath.Join(hostDir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	base := t.TempDir()
	if err := os.MkdirAll(filepath.Join(base, "etc"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(base, "etc", "os-release"), []byte("NAME=Arch"), 0o644); err != nil {
		t.Fatal(err)
	}
	for name := range hostFiles {
		if err := os.Symlink(filepath.Join(hostDir, name), filepath.Join(base, "etc", name)); err != nil {
			t.Fatal(err)
		}
	}
	tarball := filepath.Join(t.TempDir(), "base-rootfs")
	if err := archive.CreateTarGz(base, tarball); err != nil {
		t.Fatalf("CreateTarGz() error = %v", err)
	}
	fc.path = tarball

	overlay := filepath.Join(env.Config.Paths.ConfigDir, "overlay", "etc", "localtime")
	if err := os.WriteFile(overlay, []byte("UTC"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := New().Run(context.Background(), env); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for name, body := range hostFiles {
		if got, _ := os.ReadFile(filepath.Join(hostDir, name)); string(got) != body {
			t.Fatalf("host %s = %q, want %q", name, got, body)
		}
	}
	root := env.Config.Paths.Rootfs
	if got, _ := os.ReadFile(filepath.Join(root, "etc", "localtime")); string(got) != "UTC" {
		t.Fatalf("etc/localtime = %q", got)
	}
	if got, _ := os.ReadFile(filepath.Join(root, "etc", "hostname")); string(got) != "r36s\n" {
		t.Fatalf("etc/hostname = %q", got)
	}
}

func TestRequiredPackageFailureClosesSandbox(t *testing.T) {
	t.Parallel()

	runner := &chrootRunner{failOn: map[string]bool{"networkmanager": true}}
	env, _, mounter := setup(t, runner)

	_, err := New().Run(context.Background(), env)
	if err == nil || !executor.IsExit(err) {
		t.Fatalf("Run() error = %v, want required package failure", err)
	}
	if mounter.active != 0 {
		t.Fatalf("%d mounts left active after failure", mounter.active)
	}
	if fsutil.Exists(env.Config.RootfsArchive()) {
		t.Fatal("archive packed despite failure")
	}
}

func TestStagingRootRecreatedEachRun(t *testing.T) {
	t.Parallel()

	runner := &chrootRunner{}
	env, fc, _ := setup(t, runner)

	if _, err := New().Run(context.Background(), env); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	stale := filepath.Join(env.Config.Paths.Rootfs, "stale-marker")
	if err := os.WriteFile(stale, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := New().Run(context.Background(), env); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if fsutil.Exists(stale) {
		t.Fatal("staging root reused between runs")
	}
	if fc.calls != 2 {
		t.Fatalf("cache Fetch calls = %d, want 2", fc.calls)
	}
}

func TestUnknownProfile(t *testing.T) {
	t.Parallel()

	env, fc, _ := setup(t, &chrootRunner{})
	env.Config.Profile = "tiny"
	if _, err := New().Run(context.Background(), env); err == nil {
		t.Fatal("Run() error = nil for unknown profile")
	}
	if fc.calls != 0 {
		t.Fatal("fetched before validating the profile")
	}
}

func TestLeanProfileSteps(t *testing.T) {
	t.Parallel()

	steps := Profiles[config.ProfileLean].Steps()
	var optional, required int
	for _, s := range steps {
		if s.Optional {
			optional++
		} else {
			required++
		}
		if strings.Contains(s.Script, "NetworkManager") {
			t.Fatalf("lean profile enables NetworkManager: %q", s.Script)
		}
	}
	if optional == 0 || required == 0 {
		t.Fatalf("steps = %+v", steps)
	}
}
