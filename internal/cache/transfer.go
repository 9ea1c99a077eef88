package cache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"archr/internal/executor"
	"archr/internal/fsutil"
	"archr/internal/remote"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// Transfer retrieves one locator into dst, which does not exist yet.
type Transfer interface {
	Fetch(ctx context.Context, req Request, dst string) error
}

// Transfer schemes.
const (
	SchemeGit  = "git"
	SchemeHTTP = "http"
	SchemeS3   = "s3"
	SchemeFile = "file"
)

// Scheme classifies a locator.
func Scheme(locator string) string {
	switch {
	case strings.HasPrefix(locator, "git+"), strings.HasSuffix(stripFragment(locator), ".git"):
		return SchemeGit
	case strings.HasPrefix(locator, "http://"), strings.HasPrefix(locator, "https://"):
		return SchemeHTTP
	case strings.HasPrefix(locator, "s3://"):
		return SchemeS3
	default:
		return SchemeFile
	}
}

func stripFragment(locator string) string {
	if i := strings.IndexByte(locator, '#'); i >= 0 {
		return locator[:i]
	}
	return locator
}

// GitTransfer clones a repository and checks out the requested ref. Locators
// may carry the ref as a fragment: git+https://host/repo.git#v1.2.
type GitTransfer struct {
	Runner executor.Runner
}

func (g GitTransfer) Fetch(ctx context.Context, req Request, dst string) error {
	url := strings.TrimPrefix(stripFragment(req.Locator), "git+")
	ref := req.Ref
	if ref == "" {
		if i := strings.IndexByte(req.Locator, '#'); i >= 0 {
			ref = req.Locator[i+1:]
		}
	}

	if _, err := g.Runner.Run(ctx, executor.Command{Name: "git", Args: []string{"clone", "--recursive", url, dst}}); err != nil {
		return fmt.Errorf("git clone failed: %w", err)
	}
	if ref == "" {
		return nil
	}
	if _, err := g.Runner.Run(ctx, executor.Command{Name: "git", Args: []string{"-C", dst, "-c", "advice.detachedHead=false", "checkout", ref}}); err != nil {
		return fmt.Errorf("git checkout %s failed: %w", ref, err)
	}
	if _, err := g.Runner.Run(ctx, executor.Command{Name: "git", Args: []string{"-C", dst, "submodule", "update", "--init", "--recursive"}}); err != nil {
		return fmt.Errorf("git submodule update failed: %w", err)
	}
	return nil
}

// HTTPTransfer downloads a single file, drawing a progress bar when stderr is
// a terminal.
type HTTPTransfer struct {
	Client   *http.Client
	Progress io.Writer
}

func (h HTTPTransfer) Fetch(ctx context.Context, req Request, dst string) error {
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.Locator, nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("User-Agent", "archr")
	resp, err := client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected HTTP status %s", resp.Status)
	}

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	var w io.Writer = out
	if bar := h.bar(resp.ContentLength, req.Name); bar != nil {
		w = io.MultiWriter(out, bar)
		defer bar.Finish()
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		out.Close()
		return fmt.Errorf("download interrupted: %w", err)
	}
	return out.Close()
}

func (h HTTPTransfer) bar(size int64, name string) *progressbar.ProgressBar {
	progress := h.Progress
	if progress == nil {
		if !term.IsTerminal(int(os.Stderr.Fd())) {
			return nil
		}
		progress = os.Stderr
	}
	return progressbar.NewOptions64(size,
		progressbar.OptionSetWriter(progress),
		progressbar.OptionSetDescription("-> "+name),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(100_000_000),
		progressbar.OptionClearOnFinish(),
	)
}

// S3Transfer downloads s3://bucket/key locators through the remote mirror.
type S3Transfer struct {
	Client func(ctx context.Context) (*remote.Client, error)
}

func (s S3Transfer) Fetch(ctx context.Context, req Request, dst string) error {
	bucket, key, err := remote.ParseLocator(req.Locator)
	if err != nil {
		return err
	}
	if s.Client == nil {
		return fmt.Errorf("no S3 client configured")
	}
	client, err := s.Client(ctx)
	if err != nil {
		return err
	}
	_, err = client.Download(ctx, bucket, key, dst)
	return err
}

// FileTransfer copies a local file or directory.
type FileTransfer struct{}

func (FileTransfer) Fetch(_ context.Context, req Request, dst string) error {
	src := strings.TrimPrefix(req.Locator, "file://")
	abs, err := filepath.Abs(src)
	if err != nil {
		return err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fsutil.CopyDir(abs, dst)
	}
	return fsutil.CopyFile(abs, dst)
}
