// Package pipeline sequences the stages, gates each on its upstream
// artifacts and records every run under the output directory.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"archr/internal/builderr"
	"archr/internal/config"
	"archr/internal/executor"
	"archr/internal/logging"
	"archr/internal/stage"
)

// Driver runs a Selection of stages against one BuildConfig.
type Driver struct {
	Config  config.BuildConfig
	Runners []stage.Runner
	// Env builds the stage environment for a run. w receives the run log
	// and should also get command output.
	Env func(w io.Writer) stage.Env
	// Force disables resume skipping.
	Force bool

	// Tools checks the host tools a stage needs; nil skips the check.
	Tools func(stage string) error
	// Privilege checks that privileged stages may run; nil means
	// executor.RequirePrivilege.
	Privilege func(op string) error
	Now       func() time.Time
}

func (d *Driver) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Driver) runner(name stage.Name) (stage.Runner, error) {
	for _, r := range d.Runners {
		if r.Name() == name {
			return r, nil
		}
	}
	return nil, fmt.Errorf("no runner registered for stage %s", name)
}

// plan drops, in resume mode, the stages whose artifact is already present
// and none of whose inputs is rebuilt in this run.
func (d *Driver) plan(sel Selection) (run, skip []stage.Name) {
	rebuilt := make(map[stage.Name]bool, len(sel.Stages))
	for _, name := range sel.Stages {
		if sel.Resume && !d.Force && !staleInput(name, rebuilt) {
			if _, err := stage.Check(name, d.Config); err == nil {
				skip = append(skip, name)
				continue
			}
		}
		rebuilt[name] = true
		run = append(run, name)
	}
	return run, skip
}

func staleInput(name stage.Name, rebuilt map[stage.Name]bool) bool {
	for _, in := range stage.Inputs[name] {
		if rebuilt[in] {
			return true
		}
	}
	return false
}

// preflight fails fast before any stage runs: first on upstream artifacts
// that no selected stage will produce, then on missing tools or privileges.
func (d *Driver) preflight(rec *Run, names []stage.Name) error {
	planned := make(map[stage.Name]bool, len(names))
	for _, name := range names {
		planned[name] = true
	}
	for _, name := range names {
		r, err := d.runner(name)
		if err != nil {
			return err
		}
		var external []stage.Name
		for _, up := range r.Requires() {
			if !planned[up] {
				external = append(external, up)
			}
		}
		if err := stage.Require(name, external, d.Config); err != nil {
			if sr := rec.stage(name); sr != nil {
				sr.Status = StatusFailed
				sr.Error = err.Error()
			}
			return err
		}
	}

	privilege := d.Privilege
	if privilege == nil {
		privilege = executor.RequirePrivilege
	}
	for _, name := range names {
		if d.Tools != nil {
			if err := d.Tools(string(name)); err != nil {
				return err
			}
		}
		if name.Privileged() {
			if err := privilege(string(name) + " stage"); err != nil {
				return err
			}
		}
	}
	return nil
}

// Run executes sel. The returned Run is non-nil whenever a record was
// started, including on failure.
func (d *Driver) Run(ctx context.Context, sel Selection) (*Run, error) {
	cfg := d.Config
	lk, err := acquire(cfg.Paths.Output)
	if err != nil {
		return nil, err
	}
	defer lk.release()

	logDir := cfg.LogDir()
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	rec := &Run{
		ID:      d.now().UTC().Format("20060102-150405") + "-" + uuid.NewString()[:8],
		Started: d.now(),
		Device:  cfg.Device,
		Profile: cfg.Profile,
		Arch:    string(cfg.Arch),
		Resume:  sel.Resume,
		Force:   d.Force,
		dir:     logDir,
	}
	logFile, err := os.Create(LogPath(logDir, rec.ID))
	if err != nil {
		return nil, err
	}
	defer logFile.Close()

	var env stage.Env
	if d.Env != nil {
		env = d.Env(logFile)
	}
	env.Config = cfg
	log := env.Log().With("run", rec.ID)

	toRun, skipped := d.plan(sel)
	for _, name := range sel.Stages {
		status := StatusPending
		for _, s := range skipped {
			if s == name {
				status = StatusSkipped
			}
		}
		rec.Stages = append(rec.Stages, StageRecord{Name: name, Status: status})
	}

	err = d.execute(ctx, env, log, rec, toRun, skipped)
	rec.Finished = d.now()
	if err != nil {
		rec.Error = err.Error()
	}
	if serr := rec.save(); serr != nil {
		log.Warn("could not write run record", "error", serr)
	}
	return rec, err
}

func (d *Driver) execute(ctx context.Context, env stage.Env, log *slog.Logger, rec *Run, toRun, skipped []stage.Name) error {
	if err := rec.save(); err != nil {
		return fmt.Errorf("write run record: %w", err)
	}
	for _, name := range skipped {
		log.Info("artifact present, skipping", "stage", name)
	}
	if len(toRun) == 0 {
		log.Info("nothing to do")
		return nil
	}
	if err := d.preflight(rec, toRun); err != nil {
		return err
	}

	for i, name := range toRun {
		r, _ := d.runner(name)
		sr := rec.stage(name)
		if err := stage.Require(name, r.Requires(), d.Config); err != nil {
			sr.Status = StatusFailed
			sr.Error = err.Error()
			return err
		}

		stageLog := log.With("stage", name)
		stageLog.Info(fmt.Sprintf("stage %d/%d", i+1, len(toRun)))
		senv := env
		senv.Logger = stageLog

		sr.Started = d.now()
		art, err := r.Run(ctx, senv)
		sr.Duration = d.now().Sub(sr.Started).Round(time.Millisecond)
		if err == nil {
			err = ctx.Err()
		}
		if err != nil {
			sr.Status = StatusFailed
			sr.Error = err.Error()
			if serr := rec.save(); serr != nil {
				stageLog.Warn("could not write run record", "error", serr)
			}
			return &builderr.StageError{Stage: string(name), Cause: err}
		}
		sr.Status = StatusOK
		sr.Artifact = art.Path
		stageLog.Info("stage complete", "artifact", art.Path, "took", sr.Duration)
		if err := rec.save(); err != nil {
			stageLog.Warn("could not write run record", "error", err)
		}
	}
	return nil
}

// Status reports each stage's artifact check without side effects.
type Status struct {
	Stage   stage.Name
	Present bool
	Path    string
	Err     error
}

// Statuses checks every stage's artifact.
func Statuses(cfg config.BuildConfig) []Status {
	out := make([]Status, 0, len(stage.Order))
	for _, name := range stage.Order {
		art, err := stage.Check(name, cfg)
		st := Status{Stage: name, Present: err == nil, Path: art.Path, Err: err}
		var pre *builderr.PreconditionError
		if errors.As(err, &pre) {
			st.Path = pre.Path
		}
		out = append(out, st)
	}
	return out
}

// Logger builds the logger for a run: the console handler plus a JSON copy
// at debug level into w.
func Logger(console slog.Handler, w io.Writer) *slog.Logger {
	return slog.New(logging.Fanout(console, logging.New(logging.ModeJSON, w, slog.LevelDebug, false)))
}
