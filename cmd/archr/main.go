package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"archr/internal/builderr"
	"archr/internal/config"
	"archr/internal/logging"
	"archr/internal/stage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{}
	a.level.Set(slog.LevelInfo)
	a.console = logging.New(logging.ModeCLI, os.Stderr, &a.level, term.IsTerminal(int(os.Stderr.Fd())))
	a.logger = slog.New(a.console)
	slog.SetDefault(a.logger)

	err := newRootCommand(a).ExecuteContext(ctx)
	code := builderr.ExitCode(err, stage.Index)
	switch {
	case code == builderr.ExitInterrupted:
		a.logger.Warn("interrupted", "error", err)
	case err != nil:
		a.logger.Error(err.Error())
		var perm *builderr.PermissionError
		if errors.As(err, &perm) && perm.Hint != "" {
			a.logger.Info(perm.Hint)
		}
	}
	os.Exit(code)
}

// app holds the global flags and the console logger shared by every command.
type app struct {
	configFile string
	root       string
	output     string
	profile    string
	jobs       int
	logLevel   string
	logFormat  string

	level   slog.LevelVar
	console slog.Handler
	logger  *slog.Logger
}

func (a *app) setupLogging() error {
	level, err := logging.ParseLevel(a.logLevel)
	if err != nil {
		return &builderr.UsageError{Message: err.Error()}
	}
	mode, err := logging.ParseMode(a.logFormat)
	if err != nil {
		return &builderr.UsageError{Message: err.Error()}
	}
	a.level.Set(level)
	a.console = logging.New(mode, os.Stderr, &a.level, mode == logging.ModeCLI && term.IsTerminal(int(os.Stderr.Fd())))
	a.logger = slog.New(a.console)
	slog.SetDefault(a.logger)
	return nil
}

func (a *app) resolver() config.Resolver {
	return config.Resolver{
		ConfigFile: a.configFile,
		Overrides: config.Overrides{
			Root:    a.root,
			Output:  a.output,
			Profile: a.profile,
			Jobs:    a.jobs,
		},
	}
}

func (a *app) resolve() (config.BuildConfig, config.Resolver, error) {
	r := a.resolver()
	cfg, err := r.Resolve()
	return cfg, r, err
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "archr [stage...]",
		Short: "Build the Arch R image for the R36S handheld",
		Long: `Runs the build pipeline: kernel, rootfs, application, image.

With no stages (or "all") every stage runs in order and stages whose
artifacts already exist are skipped. Named stages always run.`,
		Args:          cobra.ArbitraryArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setupLogging()
		},
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &builderr.UsageError{Message: fmt.Sprintf("%v\n\n%s", err, cmd.UsageString())}
	})

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configFile, "config", "c", "", "config file (default <root>/"+config.FileName+")")
	pf.StringVar(&a.root, "root", "", "project root (default $ARCHR_ROOT or the working directory)")
	pf.StringVarP(&a.output, "output", "o", "", "output directory")
	pf.StringVar(&a.profile, "profile", "", "rootfs profile (full, lean)")
	pf.IntVarP(&a.jobs, "jobs", "j", 0, "parallel build jobs (default number of CPUs)")
	pf.StringVar(&a.logLevel, "log-level", "info", "log verbosity (debug, info, warn, error)")
	pf.StringVar(&a.logFormat, "log-format", "text", "log format (text, json)")

	var force bool
	root.Flags().BoolVarP(&force, "force", "f", false, "rebuild stages whose artifacts already exist")
	root.RunE = func(cmd *cobra.Command, args []string) error {
		return a.runPipeline(cmd.Context(), args, force)
	}

	root.AddCommand(
		newStatusCommand(a),
		newConfigCommand(a),
		newCacheCommand(a),
		newLogCommand(a),
		newPublishCommand(a),
	)
	return root
}
