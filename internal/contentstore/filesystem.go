package contentstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"drop-go/internal/drop"
)

// FileSystemStore keeps content under a root directory:
//
//	<root>/
//	  staging/
//	    <uuid>             (one entry per in-flight upload)
//	  content/
//	    <d[0:2]>/<d[2:]>   (content named by digest)
type FileSystemStore struct {
	root    string
	maxSize int64
}

// NewFileSystemStore creates a store rooted at root. maxSize caps a single
// upload in bytes.
func NewFileSystemStore(root string, maxSize int64) (*FileSystemStore, error) {
	for _, dir := range []string{stagingDir, contentDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", dir, err)
		}
	}
	return &FileSystemStore{root: root, maxSize: maxSize}, nil
}

// Stage writes r to a new staging entry.
func (s *FileSystemStore) Stage(ctx context.Context, r io.Reader) (*drop.StagedFile, error) {
	location := stagingLocation(uuid.New().String())
	p := s.path(location)

	f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("creating staging file: %w: %w", drop.ErrIOFailure, err)
	}

	success := false
	defer func() {
		if !success {
			os.Remove(p)
		}
	}()

	written, err := io.Copy(f, io.LimitReader(ctxReader{ctx: ctx, r: r}, s.maxSize+1))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("writing staging file: %w: %w", drop.ErrIOFailure, err)
	}
	if written > s.maxSize {
		f.Close()
		return nil, fmt.Errorf("staging upload over %d bytes: %w", s.maxSize, drop.ErrTooLarge)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("syncing staging file: %w: %w", drop.ErrIOFailure, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("closing staging file: %w: %w", drop.ErrIOFailure, err)
	}

	success = true
	return &drop.StagedFile{Location: location, Size: written}, nil
}

func (s *FileSystemStore) PermanentLocation(digest string) string {
	return permanentLocation(digest)
}

// PlacePermanently hard-links the staged bytes into the content area and
// removes the staging entry. A link never replaces an existing file, so
// content already present at the digest path is kept as is. Filesystems
// without hard links fall back to a rename.
func (s *FileSystemStore) PlacePermanently(ctx context.Context, staging, digest string) (string, error) {
	if err := validDigest(digest); err != nil {
		return "", fmt.Errorf("placing %s: %w", staging, err)
	}
	src, err := s.resolve(staging)
	if err != nil {
		return "", err
	}
	location := permanentLocation(digest)
	dst := s.path(location)

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", fmt.Errorf("creating content directory: %w: %w", drop.ErrIOFailure, err)
	}

	err = os.Link(src, dst)
	switch {
	case err == nil, errors.Is(err, fs.ErrExist):
	case errors.Is(err, fs.ErrNotExist):
		// Replay after the staging entry was already moved.
		if exists(dst) {
			return location, nil
		}
		return "", fmt.Errorf("placing %s: %w: %w", staging, drop.ErrIOFailure, err)
	default:
		if !exists(dst) {
			if rerr := os.Rename(src, dst); rerr != nil {
				return "", fmt.Errorf("placing %s: %w: %w", staging, drop.ErrIOFailure, rerr)
			}
			return location, nil
		}
	}

	if err := os.Remove(src); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("removing placed staging file: %w: %w", drop.ErrIOFailure, err)
	}
	return location, nil
}

// Discard removes the bytes at location. Missing bytes are not an error.
func (s *FileSystemStore) Discard(ctx context.Context, location string) error {
	p, err := s.resolve(location)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("discarding %s: %w: %w", location, drop.ErrIOFailure, err)
	}
	return nil
}

func (s *FileSystemStore) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	p, err := s.resolve(location)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", location, err)
	}
	return f, nil
}

func (s *FileSystemStore) ListStaged(ctx context.Context) ([]drop.StagedEntry, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, stagingDir))
	if err != nil {
		return nil, fmt.Errorf("reading staging directory: %w", err)
	}

	var out []drop.StagedEntry
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("stat %s: %w", e.Name(), err)
		}
		out = append(out, drop.StagedEntry{
			Location:   stagingLocation(e.Name()),
			ModifiedAt: info.ModTime().UTC(),
		})
	}
	return out, nil
}

// ValidateSetup verifies that the store directories are accessible.
func (s *FileSystemStore) ValidateSetup() error {
	for _, dir := range []string{s.root, filepath.Join(s.root, stagingDir), filepath.Join(s.root, contentDir)} {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("store directory not accessible: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("store path is not a directory: %s", dir)
		}
	}
	return nil
}

func (s *FileSystemStore) resolve(location string) (string, error) {
	clean, err := cleanLocation(location)
	if err != nil {
		return "", err
	}
	return s.path(clean), nil
}

func (s *FileSystemStore) path(location string) string {
	return filepath.Join(s.root, filepath.FromSlash(location))
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

var _ drop.ContentStore = (*FileSystemStore)(nil)
