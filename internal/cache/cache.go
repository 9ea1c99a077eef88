// Package cache stores expensive downloads and clones under stable names so
// repeated runs skip redundant transfers.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"archr/internal/builderr"
	"archr/internal/executor"
	"archr/internal/fsutil"
	"archr/internal/logging"
	"archr/internal/remote"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
	"lukechampine.com/blake3"
)

const metaSuffix = ".meta.yaml"

// Request identifies an artifact by (Name, Ref) and says where to get it.
type Request struct {
	Name    string
	Locator string
	Ref     string
	// Expect lists top-level entries a directory artifact must contain.
	Expect []string
}

// Artifact is a cached entry. Path is owned by the cache; callers must treat
// it as read-only.
type Artifact struct {
	Name      string    `yaml:"name"`
	Ref       string    `yaml:"ref"`
	Locator   string    `yaml:"locator"`
	Path      string    `yaml:"-"`
	Digest    string    `yaml:"digest,omitempty"`
	FetchedAt time.Time `yaml:"fetched_at"`
}

// Cache is rooted at Dir. Transfers maps a scheme to its transfer.
type Cache struct {
	Dir       string
	Transfers map[string]Transfer
	Logger    *slog.Logger
}

// New returns a cache with the default transfers. remoteClient may be nil when
// no mirror is configured.
func New(dir string, runner executor.Runner, remoteClient func(context.Context) (*remote.Client, error), logger *slog.Logger) *Cache {
	return &Cache{
		Dir: dir,
		Transfers: map[string]Transfer{
			SchemeGit:  GitTransfer{Runner: runner},
			SchemeHTTP: HTTPTransfer{},
			SchemeS3:   S3Transfer{Client: remoteClient},
			SchemeFile: FileTransfer{},
		},
		Logger: logger,
	}
}

func (c *Cache) path(name string) string { return filepath.Join(c.Dir, name) }

func (c *Cache) metaPath(name string) string { return filepath.Join(c.Dir, name+metaSuffix) }

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid cache name %q", name)
	}
	return nil
}

// Fetch returns the artifact for req, transferring it only when no entry with
// the same Ref and Locator is present.
func (c *Cache) Fetch(ctx context.Context, req Request) (Artifact, error) {
	logger := logging.Ensure(c.Logger).With("artifact", req.Name)
	if err := validName(req.Name); err != nil {
		return Artifact{}, err
	}

	if art, ok := c.lookup(req); ok {
		logger.Debug("cache hit", "ref", req.Ref)
		return art, nil
	}

	transfer, ok := c.Transfers[Scheme(req.Locator)]
	if !ok {
		return Artifact{}, &builderr.FetchError{Name: req.Name, Locator: req.Locator, Err: errors.New("no transfer for locator scheme")}
	}

	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return Artifact{}, fmt.Errorf("create cache dir: %w", err)
	}
	if err := c.Invalidate(req.Name); err != nil {
		return Artifact{}, err
	}

	logger.Info("fetching", "from", req.Locator, "ref", req.Ref)
	tmp := filepath.Join(c.Dir, ".tmp-"+uuid.NewString())
	defer os.RemoveAll(tmp)

	if err := transfer.Fetch(ctx, req, tmp); err != nil {
		return Artifact{}, &builderr.FetchError{Name: req.Name, Locator: req.Locator, Err: err}
	}
	digest, err := verify(tmp, req.Expect)
	if err != nil {
		return Artifact{}, &builderr.FetchError{Name: req.Name, Locator: req.Locator, Err: err}
	}

	dst := c.path(req.Name)
	if err := os.Rename(tmp, dst); err != nil {
		return Artifact{}, fmt.Errorf("store %s: %w", req.Name, err)
	}
	art := Artifact{
		Name:      req.Name,
		Ref:       req.Ref,
		Locator:   req.Locator,
		Path:      dst,
		Digest:    digest,
		FetchedAt: time.Now().UTC(),
	}
	if err := c.writeMeta(art); err != nil {
		return Artifact{}, err
	}
	logger.Info("cached", "path", dst)
	return art, nil
}

func (c *Cache) lookup(req Request) (Artifact, bool) {
	art, err := c.readMeta(req.Name)
	if err != nil {
		return Artifact{}, false
	}
	if art.Ref != req.Ref || art.Locator != req.Locator {
		return Artifact{}, false
	}
	if !fsutil.NonEmpty(art.Path) {
		return Artifact{}, false
	}
	return art, true
}

// verify checks minimal integrity and returns a blake3 digest for files.
func verify(path string, expect []string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("transfer produced nothing: %w", err)
	}
	if !fsutil.NonEmpty(path) {
		return "", errors.New("transfer produced an empty artifact")
	}
	if info.IsDir() {
		for _, e := range expect {
			if !fsutil.Exists(filepath.Join(path, e)) {
				return "", fmt.Errorf("expected %s in artifact", e)
			}
		}
		return "", nil
	}
	return digestFile(path)
}

func digestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New(32, nil)
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

func (c *Cache) readMeta(name string) (Artifact, error) {
	data, err := os.ReadFile(c.metaPath(name))
	if err != nil {
		return Artifact{}, err
	}
	var art Artifact
	if err := yaml.Unmarshal(data, &art); err != nil {
		return Artifact{}, fmt.Errorf("parse %s: %w", c.metaPath(name), err)
	}
	art.Path = c.path(name)
	return art, nil
}

func (c *Cache) writeMeta(art Artifact) error {
	data, err := yaml.Marshal(art)
	if err != nil {
		return err
	}
	tmp := c.metaPath(art.Name) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.metaPath(art.Name))
}

// Invalidate removes an entry so the next Fetch transfers it again. Removing
// a missing entry is not an error.
func (c *Cache) Invalidate(name string) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := os.Remove(c.metaPath(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if _, err := os.Lstat(c.path(name)); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	abs, err := filepath.Abs(c.path(name))
	if err != nil {
		return err
	}
	return fsutil.RemoveAll(abs)
}

// List returns every recorded entry, sorted by name.
func (c *Cache) List() ([]Artifact, error) {
	matches, err := filepath.Glob(filepath.Join(c.Dir, "*"+metaSuffix))
	if err != nil {
		return nil, err
	}
	var out []Artifact
	for _, m := range matches {
		name := strings.TrimSuffix(filepath.Base(m), metaSuffix)
		art, err := c.readMeta(name)
		if err != nil {
			logging.Ensure(c.Logger).Warn("skipping unreadable cache entry", "name", name, "error", err)
			continue
		}
		out = append(out, art)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
