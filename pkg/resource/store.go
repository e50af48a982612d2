// Package resource implements the content-addressed Umpire resource store.
package resource

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNotFound is returned when a resource key is absent from the store.
	ErrNotFound = errors.New("resource not found")
	// ErrHashCollision is returned when different content maps to an
	// existing resource name.
	ErrHashCollision = errors.New("resource hash collision")
)

const (
	resourcesDir = "resources"
	toolkitsDir  = "toolkits"
	tempDir      = "temp"
)

// Store is the content-addressed resource store used by the validator,
// deployer and HTTP handlers.
type Store interface {
	Put(ctx context.Context, r io.Reader, typ Type) (Key, error)
	Get(key Key) (string, error)
	Exists(key Key) bool
	Open(key Key) (*os.File, error)
	UnpackToolkit(ctx context.Context, key Key) (string, error)
}

// FileStore keeps resources as immutable files under a base directory.
type FileStore struct {
	baseDir string
	digest  Digest
	log     zerolog.Logger
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates the store layout under baseDir.
func NewFileStore(baseDir string, digest Digest) (*FileStore, error) {
	if digest == nil {
		digest = MD5
	}
	for _, dir := range []string{resourcesDir, toolkitsDir, tempDir} {
		if err := os.MkdirAll(filepath.Join(baseDir, dir), 0755); err != nil {
			return nil, fmt.Errorf("create %s directory: %w", dir, err)
		}
	}
	return &FileStore{
		baseDir: baseDir,
		digest:  digest,
		log:     log.With().Str("component", "resource").Logger(),
	}, nil
}

// Digest returns the digest used to name resources.
func (s *FileStore) Digest() Digest { return s.digest }

// ResourcesDir returns the directory holding resource files.
func (s *FileStore) ResourcesDir() string { return filepath.Join(s.baseDir, resourcesDir) }

// ToolkitsDir returns the directory holding unpacked toolkits.
func (s *FileStore) ToolkitsDir() string { return filepath.Join(s.baseDir, toolkitsDir) }

// Put stores content and returns its key. Identical content always yields
// the same key; storing it again is a no-op.
func (s *FileStore) Put(ctx context.Context, r io.Reader, typ Type) (Key, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(filepath.Join(s.baseDir, tempDir), "put-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck

	h := s.digest.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), r); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write resource: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp file: %w", err)
	}

	key := typ.KeyFor(hex.EncodeToString(h.Sum(nil)))
	dst := filepath.Join(s.ResourcesDir(), string(key))

	if _, err := os.Stat(dst); err == nil {
		same, err := sameContent(tmpPath, dst)
		if err != nil {
			return "", err
		}
		if !same {
			return "", fmt.Errorf("%w: %s", ErrHashCollision, key)
		}
		s.log.Debug().Str("key", string(key)).Msg("resource already exists")
		return key, nil
	}

	if err := os.Chmod(tmpPath, 0644); err != nil {
		return "", fmt.Errorf("chmod resource: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return "", fmt.Errorf("rename resource: %w", err)
	}
	s.log.Info().Str("key", string(key)).Str("type", typ.Name).Msg("resource added")
	return key, nil
}

// Get returns the path of the resource file.
func (s *FileStore) Get(key Key) (string, error) {
	if err := key.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	path := filepath.Join(s.ResourcesDir(), string(key))
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return "", fmt.Errorf("stat resource %s: %w", key, err)
	}
	if !fi.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s is not a file", ErrNotFound, key)
	}
	return path, nil
}

// Exists reports whether the resource is present.
func (s *FileStore) Exists(key Key) bool {
	_, err := s.Get(key)
	return err == nil
}

// Open opens the resource for reading.
func (s *FileStore) Open(key Key) (*os.File, error) {
	path, err := s.Get(key)
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}

func sameContent(a, b string) (bool, error) {
	fa, err := os.Open(a)
	if err != nil {
		return false, err
	}
	defer fa.Close()
	fb, err := os.Open(b)
	if err != nil {
		return false, err
	}
	defer fb.Close()

	bufA := make([]byte, 32*1024)
	bufB := make([]byte, 32*1024)
	for {
		na, errA := io.ReadFull(fa, bufA)
		nb, errB := io.ReadFull(fb, bufB)
		if na != nb || !bytes.Equal(bufA[:na], bufB[:nb]) {
			return false, nil
		}
		doneA := errors.Is(errA, io.EOF) || errors.Is(errA, io.ErrUnexpectedEOF)
		doneB := errors.Is(errB, io.EOF) || errors.Is(errB, io.ErrUnexpectedEOF)
		if doneA || doneB {
			return doneA && doneB, nil
		}
		if errA != nil {
			return false, errA
		}
		if errB != nil {
			return false, errB
		}
	}
}
