package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"

	"github.com/gookit/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"archr/internal/builderr"
	"archr/internal/cache"
	"archr/internal/config"
	"archr/internal/executor"
	"archr/internal/image"
	"archr/internal/logview"
	"archr/internal/pipeline"
	"archr/internal/remote"
	"archr/internal/sandbox"
	"archr/internal/stage"
	appstage "archr/internal/stage/app"
	"archr/internal/stage/kernel"
	"archr/internal/stage/rootfs"
)

func remoteClient(cfg config.BuildConfig) func(context.Context) (*remote.Client, error) {
	return func(ctx context.Context) (*remote.Client, error) {
		if !cfg.Remote.Enabled() {
			return nil, builderr.Configf("remote.bucket", "no S3/R2 bucket configured")
		}
		return remote.New(ctx, cfg.Remote)
	}
}

// stageRunners returns one runner per pipeline stage, in pipeline order.
func stageRunners() []stage.Runner {
	return []stage.Runner{
		kernel.New(),
		rootfs.New(),
		appstage.New(),
		image.New(),
	}
}

func (a *app) runPipeline(ctx context.Context, args []string, force bool) error {
	sel, err := pipeline.ParseStages(args)
	if err != nil {
		return err
	}
	cfg, resolver, err := a.resolve()
	if err != nil {
		return err
	}
	emulator, err := resolver.EmulatorPath(cfg)
	if err != nil {
		// Only fatal for sandboxed stages; the tool preflight reports it then.
		a.logger.Debug("no user-mode emulator", "error", err)
	}

	d := &pipeline.Driver{
		Config:  cfg,
		Runners: stageRunners(),
		Force:   force,
		Tools:   func(name string) error { return resolver.RequireTools(cfg, name) },
		Env: func(w io.Writer) stage.Env {
			logger := pipeline.Logger(a.console, w)
			stream := w
			if a.level.Level() <= slog.LevelDebug {
				stream = io.MultiWriter(w, os.Stderr)
			}
			exec := &executor.Executor{IdlePriority: cfg.IdlePriority, Stream: stream, Logger: logger}
			mounter := sandbox.NewMounter(exec, logger)
			return stage.Env{
				Config: cfg,
				Cache:  cache.New(cfg.Paths.Cache, exec, remoteClient(cfg), logger),
				Sandbox: &sandbox.Manager{
					Runner:   exec,
					Mounter:  mounter,
					Emulator: emulator,
					Env:      []string{"MAKEFLAGS=-j" + strconv.Itoa(cfg.Jobs)},
					Logger:   logger,
				},
				Exec:    exec,
				Mounter: mounter,
				Logger:  logger,
			}
		},
	}

	a.logger.Info("starting build", "device", cfg.Device, "arch", cfg.Arch, "profile", cfg.Profile, "output", cfg.Paths.Output)
	rec, err := d.Run(ctx, sel)
	if rec != nil {
		logPath := pipeline.LogPath(cfg.LogDir(), rec.ID)
		if err != nil {
			a.logger.Info("full log", "path", logPath, "view", "archr log "+rec.ID)
		} else {
			a.logger.Info("build finished", "run", rec.ID, "log", logPath)
		}
	}
	return err
}

func newStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show which stage artifacts are present",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := a.resolve()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, st := range pipeline.Statuses(cfg) {
				mark := color.Green.Sprint("present")
				if !st.Present {
					mark = color.Yellow.Sprint("missing")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", st.Stage, mark, st.Path)
			}
			return tw.Flush()
		},
	}
}

func newConfigCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved build configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := a.resolve()
			if err != nil {
				return err
			}
			data, err := cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newCacheCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the artifact cache",
	}

	var showRemote bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List cached sources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := a.resolve()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer tw.Flush()

			if showRemote {
				client, err := remoteClient(cfg)(cmd.Context())
				if err != nil {
					return err
				}
				objs, err := client.List(cmd.Context())
				if err != nil {
					return err
				}
				for _, o := range objs {
					fmt.Fprintf(tw, "%s\t%d\t%s\n", o.Key, o.Size, o.LastModified.Format("2006-01-02 15:04"))
				}
				return nil
			}

			arts, err := cache.New(cfg.Paths.Cache, nil, nil, a.logger).List()
			if err != nil {
				return err
			}
			for _, art := range arts {
				digest := art.Digest
				if len(digest) > 12 {
					digest = digest[:12]
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", art.Name, art.Ref, digest, art.FetchedAt.Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
	list.Flags().BoolVar(&showRemote, "remote", false, "list the S3/R2 mirror instead")

	invalidate := &cobra.Command{
		Use:   "invalidate <name>...",
		Short: "Drop cached entries so the next run fetches them again",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := a.resolve()
			if err != nil {
				return err
			}
			c := cache.New(cfg.Paths.Cache, nil, nil, a.logger)
			for _, name := range args {
				if err := c.Invalidate(name); err != nil {
					return fmt.Errorf("invalidate %s: %w", name, err)
				}
				a.logger.Info("invalidated", "name", name)
			}
			return nil
		},
	}

	cmd.AddCommand(list, invalidate)
	return cmd
}

func newLogCommand(a *app) *cobra.Command {
	var listRuns bool
	cmd := &cobra.Command{
		Use:   "log [run-id]",
		Short: "Show a run log (the latest by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := a.resolve()
			if err != nil {
				return err
			}
			dir := cfg.LogDir()

			if listRuns {
				runs, err := pipeline.ListRuns(dir)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				for _, r := range runs {
					result := "ok"
					if failed, ok := r.Failed(); ok {
						result = "failed in " + string(failed.Name)
					} else if r.Error != "" {
						result = "failed"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\n", r.ID, r.Started.Format("2006-01-02 15:04"), result)
				}
				return tw.Flush()
			}

			id := ""
			if len(args) == 1 {
				id = args[0]
			} else {
				runs, err := pipeline.ListRuns(dir)
				if err != nil {
					return err
				}
				if len(runs) == 0 {
					return fmt.Errorf("no runs recorded in %s", dir)
				}
				id = runs[0].ID
			}

			f, err := os.Open(pipeline.LogPath(dir, filepath.Base(id)))
			if errors.Is(err, os.ErrNotExist) {
				return &builderr.UsageError{Message: fmt.Sprintf("no log for run %q", id)}
			}
			if err != nil {
				return err
			}
			defer f.Close()
			lines, err := logview.Render(f, term.IsTerminal(int(os.Stdout.Fd())))
			if err != nil {
				return err
			}
			return logview.Show(os.Stdout, "archr run "+id, lines)
		},
	}
	cmd.Flags().BoolVar(&listRuns, "list", false, "list recorded runs")
	return cmd
}

func newPublishCommand(a *app) *cobra.Command {
	var withRootfs bool
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Upload the compressed image to the configured S3/R2 bucket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := a.resolve()
			if err != nil {
				return err
			}
			art, err := stage.Check(stage.Image, cfg)
			if err != nil {
				var pre *builderr.PreconditionError
				if errors.As(err, &pre) {
					pre.Stage = "publish"
				}
				return err
			}
			client, err := remoteClient(cfg)(cmd.Context())
			if err != nil {
				return err
			}

			files := []string{art.Path}
			if withRootfs {
				files = append(files, cfg.RootfsArchive())
			}
			for _, path := range files {
				a.logger.Info("uploading", "file", path, "bucket", client.Bucket)
				key, err := client.Upload(cmd.Context(), filepath.Base(path), path)
				if err != nil {
					return err
				}
				a.logger.Info("published", "key", key)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&withRootfs, "with-rootfs", false, "also upload the rootfs archive")
	return cmd
}
