package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"archr/internal/arch"
	"archr/internal/builderr"

	"gopkg.in/yaml.v3"
)

// Overrides carries explicit command line flags, the highest-precedence layer.
// Zero values leave the lower layers untouched.
type Overrides struct {
	Root    string
	Output  string
	Profile string
	Jobs    int
}

// Resolver layers defaults, the YAML file, ARCHR_* environment variables,
// ARCH/CROSS_COMPILE and flags into a BuildConfig.
type Resolver struct {
	ConfigFile string
	Overrides  Overrides

	Getenv   func(string) string
	LookPath func(string) (string, error)
	Getwd    func() (string, error)
}

func (r Resolver) getenv(key string) string {
	if r.Getenv == nil {
		return os.Getenv(key)
	}
	return r.Getenv(key)
}

func (r Resolver) lookPath(name string) (string, error) {
	if r.LookPath == nil {
		return exec.LookPath(name)
	}
	return r.LookPath(name)
}

// Resolve builds the configuration. It only reads files and the environment.
func (r Resolver) Resolve() (BuildConfig, error) {
	cfg := Defaults()

	root, err := r.projectRoot()
	if err != nil {
		return BuildConfig{}, err
	}

	file := r.ConfigFile
	explicit := file != ""
	if !explicit {
		file = filepath.Join(root, FileName)
	}
	if err := loadFile(file, &cfg); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			err = nil
		}
		if err != nil {
			return BuildConfig{}, &builderr.ConfigurationError{Field: "config", Message: "cannot load " + file, Err: err}
		}
	}
	cfg.Paths.Root = root

	if err := r.mergeEnv(&cfg); err != nil {
		return BuildConfig{}, err
	}
	r.mergeFlags(&cfg)

	if err := finalize(&cfg); err != nil {
		return BuildConfig{}, err
	}
	return cfg, nil
}

func (r Resolver) projectRoot() (string, error) {
	root := r.Overrides.Root
	if root == "" {
		root = r.getenv("ARCHR_ROOT")
	}
	if root == "" {
		getwd := r.Getwd
		if getwd == nil {
			getwd = os.Getwd
		}
		wd, err := getwd()
		if err != nil {
			return "", &builderr.ConfigurationError{Field: "root", Message: "cannot determine working directory", Err: err}
		}
		root = wd
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", &builderr.ConfigurationError{Field: "root", Message: "invalid project root", Err: err}
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return "", builderr.Configf("root", "project root %s does not exist or is not a directory", abs)
	}
	return abs, nil
}

func loadFile(path string, cfg *BuildConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	return nil
}

// mergeEnv applies ARCHR_* overrides, then the conventional ARCH and
// CROSS_COMPILE variables.
func (r Resolver) mergeEnv(cfg *BuildConfig) error {
	if v := r.getenv("ARCHR_OUTPUT"); v != "" {
		cfg.Paths.Output = v
	}
	if v := r.getenv("ARCHR_CACHE"); v != "" {
		cfg.Paths.Cache = v
	}
	if v := r.getenv("ARCHR_KERNEL_SRC"); v != "" {
		cfg.Paths.KernelSource = v
	}
	if v := r.getenv("ARCHR_PROFILE"); v != "" {
		cfg.Profile = v
	}
	if v := r.getenv("ARCHR_DEVICE"); v != "" {
		cfg.Device = v
	}
	if v := r.getenv("ARCHR_JOBS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &builderr.ConfigurationError{Field: "ARCHR_JOBS", Message: "not a number", Err: err}
		}
		cfg.Jobs = n
	}
	if v := r.getenv("ARCHR_IDLE"); v == "1" {
		cfg.IdlePriority = true
	}

	if v := r.getenv("ARCHR_S3_ACCESS_KEY_ID"); v != "" {
		cfg.Remote.AccessKeyID = v
	}
	if v := r.getenv("ARCHR_S3_SECRET_ACCESS_KEY"); v != "" {
		cfg.Remote.SecretAccessKey = v
	}

	if v := r.getenv("ARCH"); v != "" {
		cfg.Arch = arch.Architecture(v)
	}
	if v := r.getenv("CROSS_COMPILE"); v != "" {
		cfg.CrossCompile = v
	}
	return nil
}

func (r Resolver) mergeFlags(cfg *BuildConfig) {
	o := r.Overrides
	if o.Output != "" {
		cfg.Paths.Output = o.Output
	}
	if o.Profile != "" {
		cfg.Profile = o.Profile
	}
	if o.Jobs > 0 {
		cfg.Jobs = o.Jobs
	}
}

// finalize validates the merged layers and computes derived values.
func finalize(cfg *BuildConfig) error {
	a, err := arch.Parse(string(cfg.Arch))
	if err != nil {
		return &builderr.ConfigurationError{Field: "arch", Message: "unsupported target", Err: err}
	}
	cfg.Arch = a
	if cfg.CrossCompile == "" && a != arch.Host() {
		cfg.CrossCompile = a.CrossPrefix()
	}

	if cfg.Jobs == 0 {
		cfg.Jobs = runtime.NumCPU()
	}
	if cfg.Jobs < 0 {
		return builderr.Configf("jobs", "must be positive, got %d", cfg.Jobs)
	}

	cfg.Profile = strings.ToLower(cfg.Profile)
	if !validProfile(cfg.Profile) {
		return builderr.Configf("profile", "unknown profile %q (want %s or %s)", cfg.Profile, ProfileFull, ProfileLean)
	}
	if cfg.Device == "" {
		return builderr.Configf("device", "must not be empty")
	}
	if cfg.Image.SizeMiB < MinImageSizeMiB {
		return builderr.Configf("image.size_mib", "%d MiB is below the minimum of %d MiB", cfg.Image.SizeMiB, MinImageSizeMiB)
	}

	root := cfg.Paths.Root
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return filepath.Clean(p)
		}
		return filepath.Join(root, p)
	}
	cfg.Paths.KernelSource = abs(cfg.Paths.KernelSource)
	cfg.Paths.ConfigDir = abs(cfg.Paths.ConfigDir)
	cfg.Paths.Output = abs(cfg.Paths.Output)
	cfg.Paths.Cache = abs(cfg.Paths.Cache)
	if cfg.Paths.Rootfs == "" {
		cfg.Paths.Rootfs = filepath.Join(cfg.Paths.Output, "rootfs")
	} else {
		cfg.Paths.Rootfs = abs(cfg.Paths.Rootfs)
	}
	if cfg.Image.BootloaderDir != "" {
		cfg.Image.BootloaderDir = abs(cfg.Image.BootloaderDir)
	}

	if info, err := os.Stat(cfg.Paths.ConfigDir); err != nil || !info.IsDir() {
		return builderr.Configf("paths.config_dir", "config directory %s does not exist", cfg.Paths.ConfigDir)
	}
	return nil
}

// MinImageSizeMiB leaves room for the reserved region, the boot partition and
// a usable root partition.
const MinImageSizeMiB = 512

// RequireTools verifies the host tools a stage invokes are on PATH.
func (r Resolver) RequireTools(cfg BuildConfig, stage string) error {
	var missing []string
	for _, tool := range Tools(cfg, stage) {
		if _, err := r.lookPath(tool); err != nil {
			missing = append(missing, tool)
		}
	}
	if len(missing) > 0 {
		return builderr.Configf("tools", "stage %s needs %s on PATH", stage, strings.Join(missing, ", "))
	}
	return nil
}

// Tools lists the host executables a stage depends on.
func Tools(cfg BuildConfig, stage string) []string {
	var tools []string
	switch stage {
	case "kernel":
		tools = []string{"make", cfg.CrossCompile + "gcc", "dtc"}
	case "rootfs":
		tools = []string{"chroot"}
	case "application":
		tools = []string{"chroot", "git"}
	case "image":
		tools = []string{"sfdisk", "losetup", "mkfs.vfat", "mkfs.ext4"}
	}
	if (stage == "rootfs" || stage == "application") && cfg.Arch.NeedsEmulation(arch.Host()) {
		tools = append(tools, cfg.Arch.EmulatorBinary())
	}
	return tools
}

// EmulatorPath locates the user-mode emulator on the host, or returns "" when
// the target runs natively.
func (r Resolver) EmulatorPath(cfg BuildConfig) (string, error) {
	if !cfg.Arch.NeedsEmulation(arch.Host()) {
		return "", nil
	}
	p, err := r.lookPath(cfg.Arch.EmulatorBinary())
	if err != nil {
		return "", &builderr.ConfigurationError{Field: "tools", Message: "emulator not found (install qemu-user-static)", Err: err}
	}
	return p, nil
}
