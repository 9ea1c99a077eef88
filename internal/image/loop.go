package image

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"archr/internal/executor"
	"archr/internal/fsutil"
)

// LoopDevices attaches image files to block devices with partition scanning.
type LoopDevices interface {
	// Attach returns the loop device once its partition nodes exist.
	Attach(ctx context.Context, image string, partitions int) (string, error)
	Detach(ctx context.Context, dev string) error
}

// Losetup drives util-linux losetup.
type Losetup struct {
	Runner executor.Runner
	// Exists reports whether a device node is present; defaults to fsutil.Exists.
	Exists   func(string) bool
	Attempts int
	Interval time.Duration
}

// Partition nodes show up asynchronously after --partscan; this bounds the wait.
const (
	DefaultAttempts = 20
	DefaultInterval = 250 * time.Millisecond
)

// PartitionPath returns the node of partition n on dev, e.g. /dev/loop0p1.
func PartitionPath(dev string, n int) string {
	return fmt.Sprintf("%sp%d", dev, n)
}

func (l Losetup) Attach(ctx context.Context, image string, partitions int) (string, error) {
	res, err := l.Runner.Run(ctx, executor.Command{
		Name:  "losetup",
		Args:  []string{"--find", "--show", "--partscan", image},
		Quiet: true,
	})
	if err != nil {
		return "", fmt.Errorf("attach loop device: %w", err)
	}
	dev := strings.TrimSpace(string(res.Output))
	if !strings.HasPrefix(dev, "/dev/") {
		return "", fmt.Errorf("attach loop device: unexpected losetup output %q", dev)
	}

	if err := l.waitPartitions(ctx, dev, partitions); err != nil {
		return "", errors.Join(err, l.Detach(context.WithoutCancel(ctx), dev))
	}
	return dev, nil
}

func (l Losetup) waitPartitions(ctx context.Context, dev string, n int) error {
	exists, attempts, interval := l.Exists, l.Attempts, l.Interval
	if exists == nil {
		exists = fsutil.Exists
	}
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	if interval <= 0 {
		interval = DefaultInterval
	}

	t := time.NewTicker(interval)
	defer t.Stop()
	for i := 0; ; i++ {
		ready := true
		for p := 1; p <= n; p++ {
			if !exists(PartitionPath(dev, p)) {
				ready = false
				break
			}
		}
		if ready {
			return nil
		}
		if i+1 >= attempts {
			return fmt.Errorf("partition nodes of %s did not appear after %d attempts", dev, attempts)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (l Losetup) Detach(ctx context.Context, dev string) error {
	if _, err := l.Runner.Run(ctx, executor.Command{Name: "losetup", Args: []string{"--detach", dev}, Quiet: true}); err != nil {
		return fmt.Errorf("detach %s: %w", dev, err)
	}
	return nil
}
