// Package config resolves the immutable BuildConfig shared by every stage.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"archr/internal/arch"

	"gopkg.in/yaml.v3"
)

// FileName is the project-level configuration file looked up in the root.
const FileName = "archr.yaml"

// Rootfs profiles.
const (
	ProfileFull = "full"
	ProfileLean = "lean"
)

// Paths names every directory the pipeline reads from or writes into.
type Paths struct {
	Root         string `yaml:"root"`
	KernelSource string `yaml:"kernel_source"`
	Rootfs       string `yaml:"rootfs"`
	ConfigDir    string `yaml:"config_dir"`
	Output       string `yaml:"output"`
	Cache        string `yaml:"cache"`
}

// Source is a locator pinned to a ref. The ref is part of the cache identity.
type Source struct {
	Locator string `yaml:"locator"`
	Ref     string `yaml:"ref"`
}

// Sources lists the external inputs fetched through the artifact cache.
type Sources struct {
	BaseArchive Source `yaml:"base_archive"`
	Application Source `yaml:"application"`
	FreeImage   Source `yaml:"freeimage"`
	SDL2        Source `yaml:"sdl2"`
	GL4ES       Source `yaml:"gl4es"`
}

// Image holds disk image settings.
type Image struct {
	SizeMiB       int    `yaml:"size_mib"`
	BootloaderDir string `yaml:"bootloader_dir"`
	Cmdline       string `yaml:"cmdline"`
}

// Kernel holds kernel build settings.
type Kernel struct {
	Defconfig string `yaml:"defconfig"`
	DTB       string `yaml:"dtb"`
	DTSDir    string `yaml:"dts_dir"` // in-tree directory holding the device tree source
}

// Remote configures an optional S3 compatible mirror (AWS S3 or Cloudflare R2).
type Remote struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccountID string `yaml:"account_id"`
	Prefix    string `yaml:"prefix"`

	AccessKeyID     string `yaml:"-"`
	SecretAccessKey string `yaml:"-"`
}

// Enabled reports whether a bucket has been configured.
func (r Remote) Enabled() bool {
	return r.Bucket != ""
}

// BuildConfig is resolved once per invocation and passed by value afterwards.
type BuildConfig struct {
	Arch         arch.Architecture `yaml:"arch"`
	CrossCompile string            `yaml:"cross_compile"`
	Jobs         int               `yaml:"jobs"`
	Device       string            `yaml:"device"`
	Profile      string            `yaml:"profile"`
	IdlePriority bool              `yaml:"idle_priority"`

	Paths   Paths   `yaml:"paths"`
	Sources Sources `yaml:"sources"`
	Image   Image   `yaml:"image"`
	Kernel  Kernel  `yaml:"kernel"`
	Remote  Remote  `yaml:"remote"`
}

// Defaults returns the built-in configuration layer. Paths are relative to the
// project root until resolved.
func Defaults() BuildConfig {
	return BuildConfig{
		Arch:    arch.AArch64,
		Device:  "r36s",
		Profile: ProfileFull,
		Paths: Paths{
			KernelSource: "kernel",
			ConfigDir:    "config",
			Output:       "output",
			Cache:        "cache",
		},
		Sources: Sources{
			BaseArchive: Source{
				Locator: "http://os.archlinuxarm.org/os/ArchLinuxARM-aarch64-latest.tar.gz",
				Ref:     "latest",
			},
			Application: Source{
				Locator: "git+https://github.com/RetroPie/EmulationStation.git",
				Ref:     "v2.11.2",
			},
			FreeImage: Source{
				Locator: "https://downloads.sourceforge.net/freeimage/FreeImage3180.zip",
				Ref:     "3.18.0",
			},
			SDL2: Source{
				Locator: "https://github.com/libsdl-org/SDL/releases/download/release-2.30.9/SDL2-2.30.9.tar.gz",
				Ref:     "2.30.9",
			},
			GL4ES: Source{
				Locator: "git+https://github.com/ptitSeb/gl4es.git",
				Ref:     "v1.1.6",
			},
		},
		Image: Image{
			SizeMiB:       4096,
			BootloaderDir: "config/bootloader",
			Cmdline:       "root=LABEL=ARCHR_ROOT rw rootwait console=ttyFIQ0 console=tty1 quiet loglevel=3 fsck.repair=yes",
		},
		Kernel: Kernel{
			Defconfig: "r36s_defconfig",
			DTB:       "rk3326-gameconsole-r36s",
			DTSDir:    "arch/arm64/boot/dts/rockchip",
		},
		Remote: Remote{
			Region: "auto",
			Prefix: "archr",
		},
	}
}

// Env returns the variables appended to every build-tool invocation.
func (c BuildConfig) Env() []string {
	return []string{
		"ARCH=" + c.Arch.KernelArch(),
		"CROSS_COMPILE=" + c.CrossCompile,
		fmt.Sprintf("MAKEFLAGS=-j%d", c.Jobs),
	}
}

// RootfsArchive is the packed rootfs consumed by the image stage.
func (c BuildConfig) RootfsArchive() string {
	return filepath.Join(c.Paths.Output, "archr-rootfs.tar.gz")
}

// BootDir holds the kernel image and device tree blob.
func (c BuildConfig) BootDir() string {
	return filepath.Join(c.Paths.Output, "boot")
}

// ModulesDir is passed to modules_install as INSTALL_MOD_PATH.
func (c BuildConfig) ModulesDir() string {
	return filepath.Join(c.Paths.Output, "modules")
}

// LogDir holds run records and run logs.
func (c BuildConfig) LogDir() string {
	return filepath.Join(c.Paths.Output, "logs")
}

// ImagePath is the uncompressed disk image.
func (c BuildConfig) ImagePath() string {
	return filepath.Join(c.Paths.Output, "archr-"+c.Device+".img")
}

// DTBFile is the file name of the compiled device tree blob.
func (c BuildConfig) DTBFile() string {
	return c.Kernel.DTB + ".dtb"
}

// Marshal renders the configuration as YAML for `archr config`.
func (c BuildConfig) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

func validProfile(p string) bool {
	switch strings.ToLower(p) {
	case ProfileFull, ProfileLean:
		return true
	default:
		return false
	}
}
