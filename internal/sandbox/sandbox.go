// Package sandbox runs target-architecture commands inside a chroot with the
// host's kernel interfaces bind-mounted and a user-mode emulator injected.
//
// A Session moves through CLOSED -> MOUNTING -> OPEN -> CLOSING -> CLOSED.
// Every mount made while MOUNTING is undone in reverse order by Close, and
// Close runs on every exit path when sessions are acquired through With.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"archr/internal/builderr"
	"archr/internal/executor"
	"archr/internal/fsutil"
	"archr/internal/logging"
)

// State of a session.
type State int

const (
	StateClosed State = iota
	StateMounting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateMounting:
		return "mounting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrNotOpen is returned by Run on a session that is not OPEN.
var ErrNotOpen = errors.New("session is not open")

// BindMounts are the host paths exposed inside the root, in mount order.
var BindMounts = []string{"/proc", "/sys", "/dev", "/dev/pts"}

const (
	resolvConf   = "etc/resolv.conf"
	resolvBackup = "etc/resolv.conf.archr-backup"
	chrootPath   = "PATH=/usr/local/sbin:/usr/local/bin:/usr/bin:/usr/sbin:/bin:/sbin"
)

// Manager opens sessions. Emulator is the host path of the static user-mode
// emulator, or empty when the target runs natively.
type Manager struct {
	Runner     executor.Runner
	Mounter    Mounter
	Emulator   string
	HostResolv string
	Env        []string
	Logger     *slog.Logger
}

// Session is one active sandbox against a root directory.
type Session struct {
	m      *Manager
	ctx    context.Context
	root   string
	state  State
	mounts []string

	emulator       string // path inside the root, e.g. /usr/bin/qemu-aarch64-static
	emulatorHost   string
	resolvReplaced bool
	resolvBackedUp bool
	etc            string

	logger *slog.Logger
}

// Root returns the sandbox root directory.
func (s *Session) Root() string { return s.root }

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// Mounts returns the active mount targets in mount order.
func (s *Session) Mounts() []string { return append([]string(nil), s.mounts...) }

// Open prepares root for command execution. On failure everything done so far
// is unwound and a SandboxError is returned.
func (m *Manager) Open(ctx context.Context, root string) (*Session, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, &builderr.SandboxError{Root: root, Op: "open", Err: err}
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		return nil, &builderr.SandboxError{Root: abs, Op: "open", Err: fmt.Errorf("root is not a directory")}
	}

	s := &Session{
		m:      m,
		ctx:    context.WithoutCancel(ctx),
		root:   abs,
		state:  StateMounting,
		logger: logging.Ensure(m.Logger).With("root", abs),
	}
	s.logger.Debug("opening sandbox")

	if err := s.setup(ctx); err != nil {
		s.teardown()
		return nil, &builderr.SandboxError{Root: abs, Op: "open", Err: err}
	}
	s.state = StateOpen
	return s, nil
}

func (s *Session) setup(ctx context.Context) error {
	if s.m.Emulator != "" {
		inRoot := filepath.Join("/usr/bin", filepath.Base(s.m.Emulator))
		host, err := fsutil.ResolveIn(s.root, inRoot)
		if err != nil {
			return fmt.Errorf("inject emulator: %w", err)
		}
		if err := fsutil.CopyFile(s.m.Emulator, host); err != nil {
			return fmt.Errorf("inject emulator: %w", err)
		}
		s.emulator, s.emulatorHost = inRoot, host
	}

	for _, src := range BindMounts {
		if err := ctx.Err(); err != nil {
			return err
		}
		// A symlinked mount point must not lead the bind mount onto the host.
		target, err := fsutil.ResolveIn(s.root, src)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(target, 0o755); err != nil {
			return fmt.Errorf("create mount point %s: %w", target, err)
		}
		if err := s.m.Mounter.Bind(ctx, src, target); err != nil {
			return err
		}
		s.mounts = append(s.mounts, target)
	}

	return s.replaceResolv()
}

func (s *Session) replaceResolv() error {
	hostResolv := s.m.HostResolv
	if hostResolv == "" {
		hostResolv = "/etc/resolv.conf"
	}
	data, err := os.ReadFile(hostResolv)
	if err != nil {
		s.logger.Warn("host resolv.conf unreadable, DNS disabled in sandbox", "error", err)
		return nil
	}

	etc, err := fsutil.ResolveIn(s.root, filepath.Dir(resolvConf))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(etc, 0o755); err != nil {
		return err
	}
	s.etc = etc
	target := filepath.Join(etc, filepath.Base(resolvConf))
	// Arch images ship resolv.conf as a symlink into /run; keep the link itself.
	if _, err := os.Lstat(target); err == nil {
		if err := os.Rename(target, filepath.Join(etc, filepath.Base(resolvBackup))); err != nil {
			return fmt.Errorf("back up resolv.conf: %w", err)
		}
		s.resolvBackedUp = true
	}
	s.resolvReplaced = true
	return os.WriteFile(target, data, 0o644)
}

func (s *Session) restoreResolv() error {
	target := filepath.Join(s.etc, filepath.Base(resolvConf))
	if s.resolvReplaced {
		if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		s.resolvReplaced = false
	}
	if s.resolvBackedUp {
		if err := os.Rename(filepath.Join(s.etc, filepath.Base(resolvBackup)), target); err != nil {
			return fmt.Errorf("restore resolv.conf: %w", err)
		}
		s.resolvBackedUp = false
	}
	return nil
}

// Run executes script with /bin/sh inside the root. It does not change the
// session state.
func (s *Session) Run(ctx context.Context, script string) (executor.Result, error) {
	if s.state != StateOpen {
		return executor.Result{}, &builderr.SandboxError{Root: s.root, Op: "run", Err: ErrNotOpen}
	}
	args := []string{s.root}
	if s.emulator != "" {
		args = append(args, s.emulator)
	}
	args = append(args, "/bin/sh", "-c", script)

	env := append([]string{chrootPath, "HOME=/root", "LANG=C", "TERM=dumb"}, s.m.Env...)
	s.logger.Debug("chroot run", "script", firstLine(script))
	return s.m.Runner.Run(ctx, executor.Command{Name: "chroot", Args: args, Env: env})
}

// Close unmounts in reverse order, removes the emulator and restores
// resolv.conf. Unmount failures are logged, never returned. Close on a closed
// session is a no-op.
func (s *Session) Close() error {
	if s == nil || s.state == StateClosed {
		return nil
	}
	return s.teardown()
}

func (s *Session) teardown() error {
	s.state = StateClosing
	ctx := s.ctx

	for i := len(s.mounts) - 1; i >= 0; i-- {
		target := s.mounts[i]
		err := s.m.Mounter.Unmount(ctx, target)
		if err == nil || errors.Is(err, ErrNotMounted) {
			continue
		}
		s.logger.Warn("unmount failed, detaching lazily", "target", target, "error", err)
		if err := s.m.Mounter.Detach(ctx, target); err != nil {
			s.logger.Warn("lazy detach failed", "target", target, "error", err)
		}
	}
	s.mounts = nil

	var errs []error
	if s.emulator != "" {
		if err := os.Remove(s.emulatorHost); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove emulator: %w", err))
		}
		s.emulator, s.emulatorHost = "", ""
	}
	if err := s.restoreResolv(); err != nil {
		errs = append(errs, err)
	}

	s.state = StateClosed
	s.logger.Debug("sandbox closed")
	if len(errs) > 0 {
		return &builderr.SandboxError{Root: s.root, Op: "close", Err: errors.Join(errs...)}
	}
	return nil
}

// With opens a session, calls fn and closes the session on every exit path.
func (m *Manager) With(ctx context.Context, root string, fn func(*Session) error) (err error) {
	s, err := m.Open(ctx, root)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, s.Close())
	}()
	return fn(s)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}
