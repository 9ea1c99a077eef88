package fsutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const maxLinkHops = 40

// ResolveIn maps rel to a host path under root, following every symlink the
// way it resolves after chroot(root): absolute targets restart at root and
// ".." never climbs above it. Missing components are kept literally.
func ResolveIn(root, rel string) (string, error) {
	root = filepath.Clean(root)
	pending := strings.Split(filepath.ToSlash(rel), "/")
	var resolved []string
	hops := 0

	for len(pending) > 0 {
		part := pending[0]
		pending = pending[1:]
		switch part {
		case "", ".":
			continue
		case "..":
			if len(resolved) > 0 {
				resolved = resolved[:len(resolved)-1]
			}
			continue
		}

		cur := filepath.Join(root, filepath.Join(resolved...), part)
		target, err := os.Readlink(cur)
		if err != nil {
			resolved = append(resolved, part)
			continue
		}
		if hops++; hops > maxLinkHops {
			return "", fmt.Errorf("%s: too many levels of symbolic links", rel)
		}
		if filepath.IsAbs(target) {
			resolved = resolved[:0]
		}
		pending = append(strings.Split(filepath.ToSlash(target), "/"), pending...)
	}
	return filepath.Join(root, filepath.Join(resolved...)), nil
}

// leafIn resolves the parent of rel inside root and returns the path of the
// final component itself, which is not followed.
func leafIn(root, rel string) (string, error) {
	parent, err := ResolveIn(root, filepath.Dir(rel))
	if err != nil {
		return "", err
	}
	return filepath.Join(parent, filepath.Base(rel)), nil
}

// removeLink deletes path when it is a symlink so a following write creates
// a regular file instead of writing through the link.
func removeLink(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return os.Remove(path)
	}
	return nil
}

// WriteFileIn writes data to rel inside root. A symlink at rel is replaced.
func WriteFileIn(root, rel string, data []byte, perm os.FileMode) error {
	path, err := leafIn(root, rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := removeLink(path); err != nil {
		return err
	}
	return os.WriteFile(path, data, perm)
}

// CopyInto merges the tree src into rel inside root. Directory symlinks in
// the destination are followed as they resolve inside root; a symlink in place
// of a copied file or link is replaced.
func CopyInto(src, root, rel string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		sub, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(rel, sub)

		if d.IsDir() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			dir, err := ResolveIn(root, target)
			if err != nil {
				return err
			}
			return os.MkdirAll(dir, info.Mode().Perm())
		}

		dst, err := leafIn(root, target)
		if err != nil {
			return err
		}
		switch {
		case d.Type()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			if err := os.Remove(dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			return os.Symlink(link, dst)
		case d.Type().IsRegular():
			return CopyFile(path, dst)
		}
		return nil
	})
}
