package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// protectedDirs may never be removed themselves.
var protectedDirs = map[string]struct{}{
	"/":      {},
	"/bin":   {},
	"/boot":  {},
	"/etc":   {},
	"/home":  {},
	"/lib":   {},
	"/lib32": {},
	"/lib64": {},
	"/mnt":   {},
	"/opt":   {},
	"/root":  {},
	"/sbin":  {},
	"/srv":   {},
	"/tmp":   {},
	"/usr":   {},
	"/var":   {},

	"/usr/bin":     {},
	"/usr/include": {},
	"/usr/lib":     {},
	"/usr/lib64":   {},
	"/usr/local":   {},
	"/usr/sbin":    {},
	"/usr/share":   {},
	"/usr/src":     {},
	"/var/cache":   {},
	"/var/lib":     {},
	"/var/log":     {},
	"/var/tmp":     {},
}

// protectedTrees may not be removed, nor may anything below them.
var protectedTrees = map[string]struct{}{
	"/boot": {},
	"/dev":  {},
	"/proc": {},
	"/run":  {},
	"/sys":  {},
}

// CheckRemovable refuses paths whose removal would damage the host: relative
// paths, system directories and anything still carrying a mount point.
func CheckRemovable(path string) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("refusing to remove relative path %q", path)
	}
	clean := filepath.Clean(path)
	if _, ok := protectedDirs[clean]; ok {
		return fmt.Errorf("refusing to remove system directory %s", clean)
	}
	for tree := range protectedTrees {
		if clean == tree || strings.HasPrefix(clean, tree+"/") {
			return fmt.Errorf("refusing to remove %s inside protected tree %s", clean, tree)
		}
	}
	if strings.Count(clean, "/") < 2 {
		return fmt.Errorf("refusing to remove top-level directory %s", clean)
	}

	mounts, err := MountPointsUnder(clean)
	if err == nil && len(mounts) > 0 {
		return fmt.Errorf("refusing to remove %s: %s is still mounted", clean, mounts[0])
	}
	return nil
}

// RemoveAll removes path after CheckRemovable approves it. A missing path is
// not an error.
func RemoveAll(path string) error {
	if err := CheckRemovable(path); err != nil {
		return err
	}
	return os.RemoveAll(path)
}

// Recreate destroys path and creates it again, empty.
func Recreate(path string, perm os.FileMode) error {
	if err := RemoveAll(path); err != nil {
		return err
	}
	return os.MkdirAll(path, perm)
}
