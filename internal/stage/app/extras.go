package app

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"archr/internal/fsutil"
	"archr/internal/stage"
)

// GL4ESName is the cache key of the gl4es source.
const GL4ESName = "gl4es"

// In-root locations of the files installed next to the front-end.
const (
	ShimSource   = "/usr/src/archr/unset_preload.c"
	ShimLibrary  = "/usr/lib/unset_preload.so"
	GL4ESLibrary = "/usr/lib/gl4es/libGL.so.1"
	Diagnostic   = "/usr/lib/archr/test-kmsdrm.py"
	Launcher     = "/usr/bin/emulationstation-gl4es"
)

// GL4ESOptions configures gl4es for a headless KMSDRM target.
var GL4ESOptions = []string{
	"-DCMAKE_BUILD_TYPE=RelWithDebInfo",
	"-DNOX11=ON",
	"-DGLX_STUBS=ON",
	"-DEGL_WRAPPER=ON",
	"-DGBM=ON",
}

// RuntimeDeps are needed by the device services, not by the build.
var RuntimeDeps = []string{"python", "python-evdev", "alsa-utils"}

// Service is a helper script run as a systemd unit on the device.
type Service struct {
	Script      string
	Unit        string
	Description string
}

// Services are installed from <configdir>/scripts when the script exists.
var Services = []Service{
	{Script: "archr-hotkeys.py", Unit: "archr-hotkeys.service", Description: "archr volume and brightness hotkeys"},
	{Script: "batt_life_warning.py", Unit: "batt-life-warning.service", Description: "archr low battery warning"},
}

const unitTemplate = `[Unit]
Description=%s
After=multi-user.target

[Service]
Type=simple
ExecStart=/usr/bin/python3 /usr/bin/%s
Restart=on-failure
RestartSec=2

[Install]
WantedBy=multi-user.target
`

//go:embed files/*
var files embed.FS

// extras is the set of host-side writes done before the sandbox session.
type extras struct {
	// services holds the units whose scripts were installed.
	services []string
}

// installExtras copies the preload shim source, the launcher, the KMSDRM
// diagnostic and the device services into root. A script found in
// <configdir>/scripts replaces the built-in copy of the same name.
func installExtras(env stage.Env, root string) (extras, error) {
	var ex extras
	scripts := filepath.Join(env.Config.Paths.ConfigDir, "scripts")
	log := env.Log()

	builtin := []struct {
		name, dst string
		perm      os.FileMode
	}{
		{"unset_preload.c", ShimSource, 0o644},
		{"emulationstation-gl4es", Launcher, 0o755},
		{"test-kmsdrm.py", Diagnostic, 0o755},
	}
	for _, f := range builtin {
		data, err := readScript(scripts, f.name)
		if errors.Is(err, fs.ErrNotExist) {
			data, err = files.ReadFile("files/" + f.name)
		}
		if err != nil {
			return ex, err
		}
		if err := fsutil.WriteFileIn(root, f.dst, data, f.perm); err != nil {
			return ex, fmt.Errorf("install %s: %w", f.name, err)
		}
	}

	for _, svc := range Services {
		data, err := readScript(scripts, svc.Script)
		if errors.Is(err, fs.ErrNotExist) {
			log.Warn("service script not found, skipping", "script", svc.Script, "dir", scripts)
			continue
		}
		if err != nil {
			return ex, err
		}
		if err := fsutil.WriteFileIn(root, "usr/bin/"+svc.Script, data, 0o755); err != nil {
			return ex, fmt.Errorf("install %s: %w", svc.Script, err)
		}
		unit := fmt.Sprintf(unitTemplate, svc.Description, svc.Script)
		if err := fsutil.WriteFileIn(root, "etc/systemd/system/"+svc.Unit, []byte(unit), 0o644); err != nil {
			return ex, fmt.Errorf("install %s: %w", svc.Unit, err)
		}
		ex.services = append(ex.services, svc.Unit)
	}
	log.Info("installed device helpers", "services", strings.Join(ex.services, ","))
	return ex, nil
}

func readScript(dir, name string) ([]byte, error) {
	return os.ReadFile(filepath.Join(dir, name))
}
