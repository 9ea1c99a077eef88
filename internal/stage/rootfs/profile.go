package rootfs

import (
	"fmt"
	"sort"
	"strings"

	"archr/internal/config"
)

// Profile is a package set plus the system settings applied on top of the
// base archive.
type Profile struct {
	Name     string
	Required []string
	Optional []string
	Services []string
	Groups   []string
}

// User is the unprivileged account the front-end runs as.
const User = "archr"

// Profiles are selected by BuildConfig.Profile.
var Profiles = map[string]Profile{
	config.ProfileFull: {
		Name: config.ProfileFull,
		Required: []string{
			"sudo", "networkmanager", "wpa_supplicant", "openssh",
			"alsa-utils", "mesa", "libdrm", "sdl2", "sdl2_mixer",
			"dosfstools", "e2fsprogs", "unzip", "p7zip",
		},
		Optional: []string{
			"retroarch", "libretro-core-info", "libretro-snes9x", "libretro-gambatte",
			"libretro-mgba", "libretro-genesis-plus-gx", "libretro-pcsx-rearmed",
			"htop", "evtest",
		},
		Services: []string{"NetworkManager", "sshd"},
		Groups:   []string{"wheel", "audio", "video", "input", "network", "storage"},
	},
	config.ProfileLean: {
		Name:     config.ProfileLean,
		Required: []string{"sudo", "wpa_supplicant", "alsa-utils", "mesa", "sdl2"},
		Optional: []string{"retroarch", "libretro-core-info"},
		Services: []string{"systemd-networkd", "systemd-resolved"},
		Groups:   []string{"wheel", "audio", "video", "input"},
	},
}

// Lookup returns the named profile.
func Lookup(name string) (Profile, error) {
	p, ok := Profiles[name]
	if !ok {
		names := make([]string, 0, len(Profiles))
		for n := range Profiles {
			names = append(names, n)
		}
		sort.Strings(names)
		return Profile{}, fmt.Errorf("unknown rootfs profile %q (have %s)", name, strings.Join(names, ", "))
	}
	return p, nil
}

// Step is one script executed inside the sandbox. Optional steps only warn
// on failure.
type Step struct {
	Name     string
	Script   string
	Optional bool
}

// Steps returns the provisioning scripts in execution order.
func (p Profile) Steps() []Step {
	steps := []Step{
		{Name: "keyring", Script: "pacman-key --init && pacman-key --populate archlinuxarm"},
		{Name: "upgrade", Script: "pacman -Syu --noconfirm"},
		{Name: "remove stock kernel", Script: "pacman -Rdd --noconfirm linux-aarch64 linux-firmware", Optional: true},
		{Name: "required packages", Script: "pacman -S --noconfirm --needed " + strings.Join(p.Required, " ")},
	}
	for _, pkg := range p.Optional {
		steps = append(steps, Step{Name: "optional " + pkg, Script: "pacman -S --noconfirm --needed " + pkg, Optional: true})
	}
	steps = append(steps,
		Step{Name: "drop default user", Script: "userdel -r alarm", Optional: true},
		Step{
			Name: "user",
			Script: fmt.Sprintf("id -u %[1]s >/dev/null 2>&1 || useradd -m -G %[2]s -s /bin/bash %[1]s\necho '%[1]s:%[1]s' | chpasswd",
				User, strings.Join(p.Groups, ",")),
		},
	)
	for _, svc := range p.Services {
		steps = append(steps, Step{Name: "enable " + svc, Script: "systemctl enable " + svc})
	}
	steps = append(steps,
		Step{Name: "locale", Script: "locale-gen"},
		Step{Name: "clean package cache", Script: "pacman -Scc --noconfirm", Optional: true},
	)
	return steps
}

// SystemFiles are written into the root before the locale step runs.
func SystemFiles(cfg config.BuildConfig) map[string]string {
	return map[string]string{
		"etc/hostname":               cfg.Device + "\n",
		"etc/locale.gen":             "en_US.UTF-8 UTF-8\n",
		"etc/locale.conf":            "LANG=en_US.UTF-8\n",
		"etc/sudoers.d/10-archr":     "%wheel ALL=(ALL:ALL) ALL\n" + User + " ALL=(ALL) NOPASSWD: /usr/bin/systemctl poweroff, /usr/bin/systemctl reboot\n",
		"etc/sysctl.d/99-archr.conf": "vm.swappiness = 10\nvm.dirty_ratio = 10\nvm.dirty_background_ratio = 5\nkernel.printk = 3 3 3 3\n",
	}
}
