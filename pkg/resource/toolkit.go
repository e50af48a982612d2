package resource

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// ToolkitHashMarker is the path, relative to an unpacked toolkit, of the file
// holding the toolkit's hash.
const ToolkitHashMarker = "usr/local/factory/TOOLKIT_HASH"

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// UnpackToolkit extracts the toolkit archive stored under key into
// toolkits/<hash>/ and returns that directory. An already unpacked toolkit is
// returned unchanged without touching the archive.
func (s *FileStore) UnpackToolkit(ctx context.Context, key Key) (string, error) {
	if err := key.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	hash := key.Hash()
	dst := filepath.Join(s.ToolkitsDir(), hash)
	if fi, err := os.Stat(dst); err == nil && fi.IsDir() {
		return dst, nil
	}

	f, err := s.Open(key)
	if err != nil {
		return "", err
	}
	defer f.Close()

	tmp, err := os.MkdirTemp(s.ToolkitsDir(), ".unpack-"+hash+"-")
	if err != nil {
		return "", fmt.Errorf("create toolkit temp dir: %w", err)
	}
	keep := false
	defer func() {
		if !keep {
			os.RemoveAll(tmp) //nolint:errcheck
		}
	}()

	if err := extractArchive(ctx, f, tmp); err != nil {
		return "", fmt.Errorf("unpack toolkit %s: %w", key, err)
	}

	marker := filepath.Join(tmp, filepath.FromSlash(ToolkitHashMarker))
	if err := os.MkdirAll(filepath.Dir(marker), 0755); err != nil {
		return "", fmt.Errorf("create marker dir: %w", err)
	}
	if err := os.WriteFile(marker, []byte(hash), 0644); err != nil {
		return "", fmt.Errorf("write toolkit marker: %w", err)
	}
	if err := os.Chmod(tmp, 0755); err != nil {
		return "", fmt.Errorf("chmod toolkit dir: %w", err)
	}

	if err := os.Rename(tmp, dst); err != nil {
		// Another caller finished first.
		if fi, statErr := os.Stat(dst); statErr == nil && fi.IsDir() {
			s.log.Debug().Str("key", string(key)).Msg("toolkit unpacked concurrently")
			return dst, nil
		}
		return "", fmt.Errorf("rename toolkit dir: %w", err)
	}
	keep = true
	s.log.Info().Str("key", string(key)).Str("dir", dst).Msg("toolkit unpacked")
	return dst, nil
}

// decompress wraps r according to the archive's magic bytes.
func decompress(r io.Reader) (io.Reader, func(), error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(4)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("read archive header: %w", err)
	}
	switch {
	case bytes.HasPrefix(head, gzipMagic):
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("open gzip: %w", err)
		}
		return zr, func() { zr.Close() }, nil
	case bytes.HasPrefix(head, zstdMagic):
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("open zstd: %w", err)
		}
		return zr, zr.Close, nil
	default:
		return br, func() {}, nil
	}
}

// extractArchive unpacks r under root. Every write goes through an os.Root so
// symlinks unpacked earlier cannot redirect later entries outside root.
func extractArchive(ctx context.Context, r io.Reader, root string) error {
	dr, closeFn, err := decompress(r)
	if err != nil {
		return err
	}
	defer closeFn()

	dir, err := os.OpenRoot(root)
	if err != nil {
		return fmt.Errorf("open toolkit root: %w", err)
	}
	defer dir.Close()

	tr := tar.NewReader(dr)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return checkLinks(dir, root)
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}

		name := filepath.Clean(filepath.FromSlash(hdr.Name))
		if name == "." {
			continue
		}
		if !filepath.IsLocal(name) {
			return fmt.Errorf("archive entry %q escapes toolkit root", hdr.Name)
		}

		if err := extractEntry(dir, hdr, name, tr); err != nil {
			return fmt.Errorf("extract %q: %w", hdr.Name, err)
		}
	}
}

func extractEntry(dir *os.Root, hdr *tar.Header, name string, r io.Reader) error {
	switch hdr.Typeflag {
	case tar.TypeDir:
		return dir.MkdirAll(name, 0755)
	case tar.TypeReg:
		return writeEntry(dir, name, r, hdr.FileInfo().Mode().Perm())
	case tar.TypeSymlink:
		link := hdr.Linkname
		if filepath.IsAbs(link) || !filepath.IsLocal(filepath.Join(filepath.Dir(name), link)) {
			return fmt.Errorf("archive symlink %q escapes toolkit root", hdr.Name)
		}
		if err := dir.MkdirAll(filepath.Dir(name), 0755); err != nil {
			return err
		}
		return dir.Symlink(link, name)
	default:
		// Devices, hard links and other special entries are not used by toolkits.
		return nil
	}
}

// checkLinks rejects symlinks that resolve outside root through other links.
// Dangling links inside root are allowed.
func checkLinks(dir *os.Root, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink == 0 {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if _, err := dir.Stat(rel); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("archive symlink %q escapes toolkit root: %w", filepath.ToSlash(rel), err)
		}
		return nil
	})
}

func writeEntry(dir *os.Root, name string, r io.Reader, perm os.FileMode) error {
	if err := dir.MkdirAll(filepath.Dir(name), 0755); err != nil {
		return err
	}
	f, err := dir.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
