// Package rootfs bootstraps the root filesystem from the pinned base archive
// and provisions it inside an emulated chroot.
package rootfs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"archr/internal/archive"
	"archr/internal/builderr"
	"archr/internal/cache"
	"archr/internal/fsutil"
	"archr/internal/sandbox"
	"archr/internal/stage"
)

// BaseArchiveName is the cache key of the base distribution archive.
const BaseArchiveName = "base-rootfs"

// Stage is the rootfs stage runner.
type Stage struct{}

// New returns the rootfs stage.
func New() *Stage { return &Stage{} }

func (*Stage) Name() stage.Name       { return stage.Rootfs }
func (*Stage) Requires() []stage.Name { return stage.Requirements[stage.Rootfs] }

// Run always starts from a fresh staging root; there is no incremental update.
func (s *Stage) Run(ctx context.Context, env stage.Env) (stage.Artifact, error) {
	cfg := env.Config
	log := env.Log()

	profile, err := Lookup(cfg.Profile)
	if err != nil {
		return stage.Artifact{}, &builderr.ConfigurationError{Field: "profile", Message: "rootfs", Err: err}
	}

	base, err := env.Cache.Fetch(ctx, cache.Request{
		Name:    BaseArchiveName,
		Locator: cfg.Sources.BaseArchive.Locator,
		Ref:     cfg.Sources.BaseArchive.Ref,
	})
	if err != nil {
		return stage.Artifact{}, err
	}

	root := cfg.Paths.Rootfs
	log.Info("recreating staging root", "path", root)
	if err := fsutil.Recreate(root, 0o755); err != nil {
		return stage.Artifact{}, fmt.Errorf("reset staging root: %w", err)
	}
	log.Info("extracting base archive", "from", base.Path)
	if err := archive.Extract(base.Path, root, archive.Options{PreserveOwner: true}); err != nil {
		return stage.Artifact{}, fmt.Errorf("extract base archive: %w", err)
	}

	err = env.Sandbox.With(ctx, root, func(sess *sandbox.Session) error {
		return provision(ctx, env, sess, profile)
	})
	if err != nil {
		return stage.Artifact{}, err
	}

	if err := installOverlay(env); err != nil {
		return stage.Artifact{}, err
	}
	if err := installModules(env); err != nil {
		return stage.Artifact{}, err
	}
	if err := stage.PackRootfs(env); err != nil {
		return stage.Artifact{}, err
	}
	return stage.Check(stage.Rootfs, cfg)
}

func provision(ctx context.Context, env stage.Env, sess *sandbox.Session, p Profile) error {
	log := env.Log().With("profile", p.Name)
	for rel, body := range SystemFiles(env.Config) {
		mode := os.FileMode(0o644)
		if filepath.Dir(rel) == "etc/sudoers.d" {
			mode = 0o440
		}
		if err := fsutil.WriteFileIn(sess.Root(), rel, []byte(body), mode); err != nil {
			return fmt.Errorf("write %s: %w", rel, err)
		}
	}

	for _, step := range p.Steps() {
		log.Info("provisioning", "step", step.Name)
		if _, err := sess.Run(ctx, step.Script); err != nil {
			if step.Optional && ctx.Err() == nil {
				log.Warn("optional step failed", "step", step.Name, "error", err)
				continue
			}
			return fmt.Errorf("%s: %w", step.Name, err)
		}
	}
	return nil
}

func installOverlay(env stage.Env) error {
	overlay := filepath.Join(env.Config.Paths.ConfigDir, "overlay")
	if !fsutil.Exists(overlay) {
		env.Log().Debug("no overlay directory", "path", overlay)
		return nil
	}
	env.Log().Info("copying overlay", "from", overlay)
	if err := fsutil.CopyInto(overlay, env.Config.Paths.Rootfs, "."); err != nil {
		return fmt.Errorf("copy overlay: %w", err)
	}
	return nil
}

func installModules(env stage.Env) error {
	src := filepath.Join(env.Config.ModulesDir(), "lib", "modules")
	if !fsutil.NonEmpty(src) {
		env.Log().Warn("kernel modules not found, image will boot without them", "path", src)
		return nil
	}
	env.Log().Info("copying kernel modules", "to", "/usr/lib/modules")
	if err := fsutil.CopyInto(src, env.Config.Paths.Rootfs, "usr/lib/modules"); err != nil {
		return fmt.Errorf("copy modules: %w", err)
	}
	return nil
}
