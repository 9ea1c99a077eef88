package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"archr/internal/executor"
	"archr/internal/logging"
)

// ErrNotMounted is returned by Mounter.Unmount when target carries no mount.
// Callers treat it as a successful unmount.
var ErrNotMounted = errors.New("not mounted")

// Mounter abstracts the host mount table.
type Mounter interface {
	// Bind makes source visible at target.
	Bind(ctx context.Context, source, target string) error
	// Mount attaches a block device with the given filesystem type.
	Mount(ctx context.Context, device, target, fstype string) error
	// Unmount detaches target, returning ErrNotMounted when nothing is there.
	Unmount(ctx context.Context, target string) error
	// Detach lazily detaches target; used when Unmount keeps failing.
	Detach(ctx context.Context, target string) error
}

// SyscallMounter calls mount(2) and umount2(2) directly.
type SyscallMounter struct{}

func (SyscallMounter) Bind(_ context.Context, source, target string) error {
	if err := unix.Mount(source, target, "", unix.MS_BIND, ""); err != nil {
		return fmt.Errorf("bind %s on %s: %w", source, target, err)
	}
	return nil
}

func (SyscallMounter) Mount(_ context.Context, device, target, fstype string) error {
	if err := unix.Mount(device, target, fstype, 0, ""); err != nil {
		return fmt.Errorf("mount %s (%s) on %s: %w", device, fstype, target, err)
	}
	return nil
}

func (SyscallMounter) Unmount(_ context.Context, target string) error {
	err := unix.Unmount(target, 0)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EINVAL), errors.Is(err, unix.ENOENT):
		return ErrNotMounted
	default:
		return fmt.Errorf("umount %s: %w", target, err)
	}
}

func (SyscallMounter) Detach(_ context.Context, target string) error {
	if err := unix.Unmount(target, unix.MNT_DETACH); err != nil && !errors.Is(err, unix.EINVAL) {
		return fmt.Errorf("umount -l %s: %w", target, err)
	}
	return nil
}

// CommandMounter drives the mount and umount binaries through a Runner.
type CommandMounter struct {
	Runner executor.Runner
}

func (c CommandMounter) Bind(ctx context.Context, source, target string) error {
	_, err := c.Runner.Run(ctx, executor.Command{Name: "mount", Args: []string{"--bind", source, target}, Quiet: true})
	return err
}

func (c CommandMounter) Mount(ctx context.Context, device, target, fstype string) error {
	_, err := c.Runner.Run(ctx, executor.Command{Name: "mount", Args: []string{"-t", fstype, device, target}, Quiet: true})
	return err
}

func (c CommandMounter) Unmount(ctx context.Context, target string) error {
	res, err := c.Runner.Run(ctx, executor.Command{Name: "umount", Args: []string{target}, Quiet: true})
	if err != nil && (bytes.Contains(res.Output, []byte("not mounted")) || bytes.Contains(res.Output, []byte("no mount point"))) {
		return ErrNotMounted
	}
	return err
}

func (c CommandMounter) Detach(ctx context.Context, target string) error {
	_, err := c.Runner.Run(ctx, executor.Command{Name: "umount", Args: []string{"-l", target}, Quiet: true})
	return err
}

// FallbackMounter uses Primary and retries an operation with Fallback when
// Primary is refused with EPERM, as mount(2) is in containers that keep a
// setuid mount helper working.
type FallbackMounter struct {
	Primary  Mounter
	Fallback Mounter
	Logger   *slog.Logger
}

// NewMounter returns the mount backend for runner: syscalls first, the mount
// binaries when the kernel refuses them.
func NewMounter(runner executor.Runner, logger *slog.Logger) *FallbackMounter {
	return &FallbackMounter{
		Primary:  SyscallMounter{},
		Fallback: CommandMounter{Runner: runner},
		Logger:   logger,
	}
}

func (f *FallbackMounter) retry(op, target string, err error, fallback func() error) error {
	if err == nil || f.Fallback == nil || !errors.Is(err, unix.EPERM) {
		return err
	}
	logging.Ensure(f.Logger).Debug("mount syscall refused, using mount binaries", "op", op, "target", target)
	return fallback()
}

func (f *FallbackMounter) Bind(ctx context.Context, source, target string) error {
	return f.retry("bind", target, f.Primary.Bind(ctx, source, target), func() error {
		return f.Fallback.Bind(ctx, source, target)
	})
}

func (f *FallbackMounter) Mount(ctx context.Context, device, target, fstype string) error {
	return f.retry("mount", target, f.Primary.Mount(ctx, device, target, fstype), func() error {
		return f.Fallback.Mount(ctx, device, target, fstype)
	})
}

func (f *FallbackMounter) Unmount(ctx context.Context, target string) error {
	return f.retry("umount", target, f.Primary.Unmount(ctx, target), func() error {
		return f.Fallback.Unmount(ctx, target)
	})
}

func (f *FallbackMounter) Detach(ctx context.Context, target string) error {
	return f.retry("umount -l", target, f.Primary.Detach(ctx, target), func() error {
		return f.Fallback.Detach(ctx, target)
	})
}
