// Package arch describes the target architectures archr can build for.
package arch

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// Architecture is a canonical target architecture identifier.
type Architecture string

const (
	AArch64 Architecture = "aarch64"
	ARMV7H  Architecture = "armv7h"
	X86_64  Architecture = "x86_64"
)

// Supported returns the full list of supported target architectures.
func Supported() []Architecture {
	return []Architecture{AArch64, ARMV7H, X86_64}
}

// IsValid reports whether a matches a supported architecture value.
func (a Architecture) IsValid() bool {
	switch a {
	case AArch64, ARMV7H, X86_64:
		return true
	default:
		return false
	}
}

func (a Architecture) String() string {
	return string(a)
}

// KernelArch returns the value passed to the kernel build system as ARCH=.
func (a Architecture) KernelArch() string {
	switch a {
	case AArch64:
		return "arm64"
	case ARMV7H:
		return "arm"
	case X86_64:
		return "x86_64"
	default:
		return ""
	}
}

// KernelImage returns the path of the bootable image inside a built kernel tree.
func (a Architecture) KernelImage() string {
	switch a {
	case AArch64:
		return "arch/arm64/boot/Image"
	case ARMV7H:
		return "arch/arm/boot/zImage"
	default:
		return "arch/x86/boot/bzImage"
	}
}

// CrossPrefix is the conventional cross toolchain prefix for the architecture.
func (a Architecture) CrossPrefix() string {
	switch a {
	case AArch64:
		return "aarch64-linux-gnu-"
	case ARMV7H:
		return "arm-linux-gnueabihf-"
	default:
		return ""
	}
}

// EmulatorBinary is the name of the static user-mode emulator able to run target
// binaries on a foreign host.
func (a Architecture) EmulatorBinary() string {
	switch a {
	case AArch64:
		return "qemu-aarch64-static"
	case ARMV7H:
		return "qemu-arm-static"
	default:
		return "qemu-x86_64-static"
	}
}

// NeedsEmulation reports whether running target binaries on host requires the
// user-mode emulator.
func (a Architecture) NeedsEmulation(host Architecture) bool {
	return host != a
}

// Host returns the architecture of the running process.
func Host() Architecture {
	return Normalize(runtime.GOARCH)
}

// Parse returns the canonical Architecture for value or an error if unsupported.
func Parse(value string) (Architecture, error) {
	if a := Normalize(value); a != "" {
		return a, nil
	}
	return "", fmt.Errorf("unsupported architecture %q (supported: %s)", value, strings.Join(supportedStrings(), ", "))
}

// Normalize maps a possibly ambiguous string into a canonical Architecture. Returns ""
// when the string cannot be normalized.
func Normalize(value string) Architecture {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(AArch64), "arm64":
		return AArch64
	case string(ARMV7H), "arm", "armv7", "armv7l", "armhf":
		return ARMV7H
	case string(X86_64), "x86-64", "amd64":
		return X86_64
	default:
		return ""
	}
}

func supportedStrings() []string {
	all := Supported()
	out := make([]string, 0, len(all))
	for _, a := range all {
		out = append(out, a.String())
	}
	sort.Strings(out)
	return out
}
