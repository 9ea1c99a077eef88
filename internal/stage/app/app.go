// Package app builds the EmulationStation front-end inside the provisioned
// root filesystem.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"archr/internal/archive"
	"archr/internal/cache"
	"archr/internal/config"
	"archr/internal/fsutil"
	"archr/internal/sandbox"
	"archr/internal/stage"
)

// Cache keys of the application sources.
const (
	SourceName    = "emulationstation"
	FreeImageName = "freeimage"
	SDL2Name      = "sdl2"
)

// DiagnosticTimeout bounds the KMSDRM diagnostic run.
const DiagnosticTimeout = 20 * time.Second

// BuildDeps are installed before anything is compiled.
var BuildDeps = []string{
	"base-devel", "cmake", "git", "boost", "curl", "vlc", "rapidjson",
	"freetype2", "alsa-lib", "libdrm", "mesa", "pugixml",
}

// CMakeOptions is the fixed configure option set.
var CMakeOptions = []string{
	"-DCMAKE_BUILD_TYPE=Release",
	"-DCMAKE_INSTALL_PREFIX=/usr",
	"-DGLES=ON",
	"-DUSE_MESA_GLES=ON",
}

// Stage is the application stage runner.
type Stage struct {
	// Probe decides whether SDL2 must be rebuilt. Nil means KMSDRMProbe.
	Probe CapabilityProbe
	// Patches replace RendererPatches when non-nil.
	Patches []Patch
}

// New returns the application stage with the default probe and patch set.
func New() *Stage { return &Stage{} }

func (*Stage) Name() stage.Name       { return stage.Application }
func (*Stage) Requires() []stage.Name { return stage.Requirements[stage.Application] }

func (s *Stage) probe() CapabilityProbe {
	if s.Probe == nil {
		return KMSDRMProbe
	}
	return s.Probe
}

// patches returns the explicit set, the set found in <configdir>/patches, or
// the built-in renderer patches, in that order of preference.
func (s *Stage) patches(configDir string) ([]Patch, error) {
	if s.Patches != nil {
		return s.Patches, nil
	}
	loaded, err := LoadPatches(filepath.Join(configDir, "patches"))
	if err != nil || len(loaded) > 0 {
		return loaded, err
	}
	return RendererPatches, nil
}

func (s *Stage) Run(ctx context.Context, env stage.Env) (stage.Artifact, error) {
	cfg := env.Config
	log := env.Log()
	root := cfg.Paths.Rootfs

	patches, err := s.patches(cfg.Paths.ConfigDir)
	if err != nil {
		return stage.Artifact{}, err
	}

	src, err := env.Cache.Fetch(ctx, cache.Request{
		Name:    SourceName,
		Locator: cfg.Sources.Application.Locator,
		Ref:     cfg.Sources.Application.Ref,
		Expect:  []string{"CMakeLists.txt"},
	})
	if err != nil {
		return stage.Artifact{}, err
	}

	work, err := copySource(env, root, SourceName, src)
	if err != nil {
		return stage.Artifact{}, err
	}

	log.Info("applying source patches", "count", len(patches))
	if err := ApplyPatches(work, patches); err != nil {
		return stage.Artifact{}, err
	}

	gl4es, err := env.Cache.Fetch(ctx, cache.Request{
		Name:    GL4ESName,
		Locator: cfg.Sources.GL4ES.Locator,
		Ref:     cfg.Sources.GL4ES.Ref,
		Expect:  []string{"CMakeLists.txt"},
	})
	if err != nil {
		return stage.Artifact{}, err
	}
	if _, err := copySource(env, root, GL4ESName, gl4es); err != nil {
		return stage.Artifact{}, err
	}
	ex, err := installExtras(env, root)
	if err != nil {
		return stage.Artifact{}, err
	}

	b := &build{s: s, env: env, extras: ex}
	if err := env.Sandbox.With(ctx, root, func(sess *sandbox.Session) error {
		b.sess = sess
		return b.run(ctx)
	}); err != nil {
		return stage.Artifact{}, err
	}
	if err := ctx.Err(); err != nil {
		return stage.Artifact{}, err
	}

	if err := stage.PackRootfs(env); err != nil {
		return stage.Artifact{}, err
	}
	return stage.Check(stage.Application, cfg)
}

// copySource replaces usr/src/<name> in root with a copy of a cached source
// tree and returns the host path of the copy.
func copySource(env stage.Env, root, name string, src cache.Artifact) (string, error) {
	work, err := fsutil.ResolveIn(root, filepath.Join("usr", "src", name))
	if err != nil {
		return "", err
	}
	env.Log().Info("copying source", "name", name, "ref", src.Ref, "to", work)
	if err := fsutil.Recreate(work, 0o755); err != nil {
		return "", err
	}
	if err := fsutil.CopyDir(src.Path, work); err != nil {
		return "", fmt.Errorf("copy %s source: %w", name, err)
	}
	return work, nil
}

type build struct {
	s      *Stage
	env    stage.Env
	extras extras
	sess   *sandbox.Session
}

func (b *build) sh(ctx context.Context, what, script string) error {
	b.env.Log().Info(what)
	if _, err := b.sess.Run(ctx, script); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}

func (b *build) run(ctx context.Context) error {
	jobs := b.env.Config.Jobs
	if err := b.sh(ctx, "installing build dependencies",
		"pacman -S --noconfirm --needed "+strings.Join(slices.Concat(BuildDeps, RuntimeDeps), " ")); err != nil {
		return err
	}

	if _, err := b.sess.Run(ctx, "pacman -Q freeimage"); err == nil {
		b.env.Log().Info("freeimage already installed")
	} else {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		dir, err := b.unpack(ctx, FreeImageName, b.env.Config.Sources.FreeImage)
		if err != nil {
			return err
		}
		if err := b.sh(ctx, "building freeimage",
			fmt.Sprintf("cd %s && make -j%d && make install", dir, jobs)); err != nil {
			return err
		}
	}

	ok, err := b.s.probe().Probe(ctx, b.sess.Root())
	if err != nil {
		return fmt.Errorf("probe sdl2: %w", err)
	}
	if ok {
		b.env.Log().Info("sdl2 has kms/drm support, keeping the packaged build")
	} else {
		dir, err := b.unpack(ctx, SDL2Name, b.env.Config.Sources.SDL2)
		if err != nil {
			return err
		}
		if err := b.sh(ctx, "rebuilding sdl2 with kms/drm",
			fmt.Sprintf("cd %s && ./configure --prefix=/usr --enable-video-kmsdrm --disable-video-x11 --disable-video-wayland && make -j%d && make install", dir, jobs)); err != nil {
			return err
		}
	}

	work := "/usr/src/" + SourceName
	if err := b.sh(ctx, "configuring emulationstation",
		fmt.Sprintf("mkdir -p %[1]s/build && cd %[1]s/build && cmake %[2]s ..", work, strings.Join(CMakeOptions, " "))); err != nil {
		return err
	}
	if err := b.sh(ctx, "compiling emulationstation",
		fmt.Sprintf("cd %s/build && make -j%d", work, jobs)); err != nil {
		return err
	}
	if err := b.sh(ctx, "installing emulationstation",
		fmt.Sprintf("install -Dm755 %[1]s/emulationstation /usr/bin/emulationstation && "+
			"mkdir -p /usr/share/emulationstation && cp -r %[1]s/resources /usr/share/emulationstation/", work)); err != nil {
		return err
	}

	if err := b.sh(ctx, "building gl4es",
		fmt.Sprintf("mkdir -p /usr/src/%[1]s/build && cd /usr/src/%[1]s/build && cmake %[2]s .. && make -j%[3]d && "+
			"install -Dm755 ../lib/libGL.so.1 %[4]s && ln -sf libGL.so.1 %[5]s/libGL.so",
			GL4ESName, strings.Join(GL4ESOptions, " "), jobs, GL4ESLibrary, filepath.Dir(GL4ESLibrary))); err != nil {
		return err
	}
	if err := b.sh(ctx, "building preload shim",
		fmt.Sprintf("gcc -shared -fPIC -O2 -o %s %s", ShimLibrary, ShimSource)); err != nil {
		return err
	}
	if len(b.extras.services) > 0 {
		if err := b.sh(ctx, "enabling device services",
			"systemctl enable "+strings.Join(b.extras.services, " ")); err != nil {
			return err
		}
	}

	b.diagnose(ctx)
	return nil
}

// unpack fetches a source archive and extracts it fresh under usr/src in the
// root, returning the in-root path.
func (b *build) unpack(ctx context.Context, name string, src config.Source) (string, error) {
	art, err := b.env.Cache.Fetch(ctx, cache.Request{Name: name, Locator: src.Locator, Ref: src.Ref})
	if err != nil {
		return "", err
	}
	dst, err := fsutil.ResolveIn(b.sess.Root(), filepath.Join("usr", "src", name))
	if err != nil {
		return "", err
	}
	if err := fsutil.Recreate(dst, 0o755); err != nil {
		return "", err
	}
	if err := archive.Extract(art.Path, dst, archive.Options{StripTopDir: true}); err != nil {
		return "", fmt.Errorf("extract %s: %w", name, err)
	}
	return "/usr/src/" + name, nil
}

// diagnose runs the KMSDRM check once with a deadline. The result is only
// logged: a chroot usually has no display to open.
func (b *build) diagnose(ctx context.Context) {
	dctx, cancel := context.WithTimeout(ctx, DiagnosticTimeout)
	defer cancel()
	res, err := b.sess.Run(dctx, "SDL_VIDEODRIVER=KMSDRM python3 "+Diagnostic)
	if err != nil {
		b.env.Log().Warn("kmsdrm diagnostic failed", "error", err)
		return
	}
	b.env.Log().Debug("kmsdrm diagnostic", "output", strings.TrimSpace(string(res.Output)))
}
