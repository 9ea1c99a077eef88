// Package archive extracts and creates the tarballs and compressed images the
// pipeline moves between stages.
package archive

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
	"golang.org/x/sys/unix"

	"archr/internal/fsutil"
)

// Format is a detected container or compression format.
type Format int

const (
	FormatUnknown Format = iota
	FormatTar
	FormatGzip
	FormatXZ
	FormatZstd
	FormatBzip2
	FormatZip
)

func (f Format) String() string {
	switch f {
	case FormatTar:
		return "tar"
	case FormatGzip:
		return "tar.gz"
	case FormatXZ:
		return "tar.xz"
	case FormatZstd:
		return "tar.zst"
	case FormatBzip2:
		return "tar.bz2"
	case FormatZip:
		return "zip"
	default:
		return "unknown"
	}
}

var magics = []struct {
	format Format
	prefix []byte
}{
	{FormatGzip, []byte{0x1f, 0x8b}},
	{FormatXZ, []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}},
	{FormatZstd, []byte{0x28, 0xb5, 0x2f, 0xfd}},
	{FormatBzip2, []byte("BZh")},
	{FormatZip, []byte("PK\x03\x04")},
}

// Detect sniffs the format of the file at path from its leading bytes. Cached
// artifacts are stored without extensions, so names are not consulted.
func Detect(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return FormatUnknown, err
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return FormatUnknown, err
	}
	head = head[:n]
	for _, m := range magics {
		if bytes.HasPrefix(head, m.prefix) {
			return m.format, nil
		}
	}
	if n >= 262 && string(head[257:262]) == "ustar" {
		return FormatTar, nil
	}
	return FormatUnknown, nil
}

// Options controls extraction.
type Options struct {
	// StripTopDir drops the single leading directory of source archives
	// (e.g. "SDL2-2.30.9/").
	StripTopDir bool
	// PreserveOwner restores uid/gid and device nodes. Requires root.
	PreserveOwner bool
}

// Extract unpacks the archive at src into dest.
func Extract(src, dest string, opts Options) error {
	format, err := Detect(src)
	if err != nil {
		return fmt.Errorf("failed to open archive %s: %w", src, err)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	if format == FormatZip {
		return extractZip(src, dest, opts)
	}

	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open archive %s: %w", src, err)
	}
	defer f.Close()

	r, closeFn, err := decompress(bufio.NewReaderSize(f, 1<<20), format)
	if err != nil {
		return fmt.Errorf("%s: %w", src, err)
	}
	defer closeFn()

	return extractTar(tar.NewReader(r), dest, opts)
}

func decompress(r io.Reader, format Format) (io.Reader, func(), error) {
	noop := func() {}
	switch format {
	case FormatGzip:
		gz, err := pgzip.NewReader(r)
		if err != nil {
			return nil, noop, fmt.Errorf("gzip reader: %w", err)
		}
		return gz, func() { gz.Close() }, nil
	case FormatXZ:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, noop, fmt.Errorf("xz reader: %w", err)
		}
		return xr, noop, nil
	case FormatZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, noop, fmt.Errorf("zstd reader: %w", err)
		}
		return zr, zr.Close, nil
	case FormatBzip2:
		return bzip2.NewReader(r), noop, nil
	case FormatTar:
		return r, noop, nil
	default:
		return nil, noop, errors.New("unsupported archive format")
	}
}

// resolveTarget maps an archive entry name to a path below dest, rejecting
// entries that would escape it.
func resolveTarget(dest, name, prefix string) (string, bool, error) {
	if prefix != "" {
		if !strings.HasPrefix(name, prefix) {
			return "", false, nil
		}
		name = strings.TrimPrefix(name, prefix)
	}
	name = strings.TrimPrefix(name, "./")
	if name == "" || name == "." {
		return "", false, nil
	}
	target := filepath.Join(dest, name)
	if target != dest && !strings.HasPrefix(target, dest+string(os.PathSeparator)) {
		return "", false, fmt.Errorf("illegal file path in archive: %s", name)
	}
	return target, true, nil
}

// within re-resolves target so that symlinks created by earlier entries are
// followed as they would be inside dest. The final component is only
// followed for directories.
func within(dest, target string, dir bool) (string, error) {
	rel, err := filepath.Rel(dest, target)
	if err != nil {
		return "", err
	}
	if dir {
		return fsutil.ResolveIn(dest, rel)
	}
	parent, err := fsutil.ResolveIn(dest, filepath.Dir(rel))
	if err != nil {
		return "", err
	}
	return filepath.Join(parent, filepath.Base(rel)), nil
}

func topDir(name string) string {
	name = strings.TrimPrefix(name, "./")
	if i := strings.IndexByte(name, '/'); i > 0 {
		return name[:i+1]
	}
	return ""
}

func extractTar(tr *tar.Reader, dest string, opts Options) error {
	dest = filepath.Clean(dest)
	var prefix string
	first := true

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("error reading tar header: %w", err)
		}

		name := strings.TrimPrefix(hdr.Name, "./")
		if first && opts.StripTopDir {
			prefix = topDir(name)
		}
		first = false

		target, ok, err := resolveTarget(dest, name, prefix)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if target, err = within(dest, target, hdr.Typeflag == tar.TypeDir); err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("failed to create parent dir for %s: %w", target, err)
		}

		mode := os.FileMode(hdr.Mode).Perm() | modeBits(hdr.Mode)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, mode); err != nil {
				return fmt.Errorf("failed to create dir %s: %w", target, err)
			}
			if err := os.Chmod(target, mode); err != nil {
				return err
			}
		case tar.TypeReg:
			_ = os.Remove(target)
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
			if err != nil {
				return fmt.Errorf("failed to create file %s: %w", target, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("failed to write file %s: %w", target, err)
			}
			if err := out.Close(); err != nil {
				return err
			}
			if err := os.Chmod(target, mode); err != nil {
				return err
			}
		case tar.TypeSymlink:
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("failed to create symlink %s -> %s: %w", target, hdr.Linkname, err)
			}
		case tar.TypeLink:
			linkTarget, ok, err := resolveTarget(dest, strings.TrimPrefix(hdr.Linkname, "./"), prefix)
			if err == nil && ok {
				linkTarget, err = within(dest, linkTarget, false)
			}
			if err != nil || !ok {
				return fmt.Errorf("invalid hard link %s -> %s", hdr.Name, hdr.Linkname)
			}
			_ = os.Remove(target)
			if err := os.Link(linkTarget, target); err != nil {
				return fmt.Errorf("failed to create hard link %s: %w", target, err)
			}
		case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
			if !opts.PreserveOwner {
				continue
			}
			if err := mknod(target, hdr); err != nil {
				return err
			}
		default:
			continue
		}

		if opts.PreserveOwner {
			_ = unix.Lchown(target, hdr.Uid, hdr.Gid)
			if hdr.Typeflag == tar.TypeReg || hdr.Typeflag == tar.TypeDir {
				// chown clears setuid bits.
				_ = os.Chmod(target, mode)
			}
		}
		setTimes(target, hdr)
	}
	return nil
}

func modeBits(m int64) os.FileMode {
	var mode os.FileMode
	if m&unix.S_ISUID != 0 {
		mode |= os.ModeSetuid
	}
	if m&unix.S_ISGID != 0 {
		mode |= os.ModeSetgid
	}
	if m&unix.S_ISVTX != 0 {
		mode |= os.ModeSticky
	}
	return mode
}

func mknod(target string, hdr *tar.Header) error {
	mode := uint32(hdr.Mode & 0o7777)
	switch hdr.Typeflag {
	case tar.TypeChar:
		mode |= unix.S_IFCHR
	case tar.TypeBlock:
		mode |= unix.S_IFBLK
	case tar.TypeFifo:
		mode |= unix.S_IFIFO
	}
	_ = os.Remove(target)
	dev := unix.Mkdev(uint32(hdr.Devmajor), uint32(hdr.Devminor))
	if err := unix.Mknod(target, mode, int(dev)); err != nil {
		return fmt.Errorf("mknod %s: %w", target, err)
	}
	return nil
}

func setTimes(target string, hdr *tar.Header) {
	atime := hdr.AccessTime
	if atime.IsZero() {
		atime = hdr.ModTime
	}
	tv := []unix.Timeval{
		unix.NsecToTimeval(atime.UnixNano()),
		unix.NsecToTimeval(hdr.ModTime.UnixNano()),
	}
	// Directory times are overwritten by later children; best effort only.
	_ = unix.Lutimes(target, tv)
}

func extractZip(src, dest string, opts Options) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer r.Close()

	dest = filepath.Clean(dest)
	var prefix string
	if opts.StripTopDir && len(r.File) > 0 {
		prefix = topDir(r.File[0].Name)
	}

	for _, f := range r.File {
		target, ok, err := resolveTarget(dest, f.Name, prefix)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if target, err = within(dest, target, f.FileInfo().IsDir()); err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := writeZipEntry(f, target); err != nil {
			return err
		}
	}
	return nil
}

func writeZipEntry(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	_ = os.Remove(target)
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
