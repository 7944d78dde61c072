// Package fs finds local files to upload and reads them safely.
package fs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// IgnoreFileName is read from the root of every uploaded directory.
const IgnoreFileName = ".dropignore"

// ErrFileChanged is returned when a file is modified while it is being read.
var ErrFileChanged = errors.New("file changed while reading")

// Candidate is a regular file selected for upload.
type Candidate struct {
	Path    string // absolute path
	RelPath string // relative to the collected root; the base name for single files
	Size    int64
	ModTime time.Time
}

// Name returns the filename recorded with the upload.
func (c Candidate) Name() string {
	return filepath.Base(c.Path)
}

// Collector turns command-line paths into upload candidates.
type Collector struct {
	patterns []string
}

// NewCollector creates a Collector that always applies patterns in
// addition to any .dropignore found in a collected directory.
func NewCollector(patterns []string) *Collector {
	return &Collector{patterns: patterns}
}

// Collect resolves rawPath. A regular file yields itself; a directory yields
// its regular files, descending into subdirectories when recursive is set.
func (c *Collector) Collect(rawPath string, recursive bool) ([]Candidate, error) {
	absPath, err := filepath.Abs(rawPath)
	if err != nil {
		return nil, fmt.Errorf("resolving absolute path: %w", err)
	}

	info, err := os.Lstat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat path: %w", err)
	}
	if err := checkMode(absPath, info.Mode()); err != nil {
		return nil, err
	}

	if !info.IsDir() {
		return []Candidate{{Path: absPath, RelPath: info.Name(), Size: info.Size(), ModTime: info.ModTime()}}, nil
	}

	filePatterns, err := ParseIgnoreFile(filepath.Join(absPath, IgnoreFileName))
	if err != nil {
		return nil, err
	}
	patterns := append([]string{}, defaultIgnorePatterns...)
	patterns = append(patterns, c.patterns...)
	patterns = append(patterns, filePatterns...)
	ignore := NewIgnoreMatcher(patterns)

	var out []Candidate
	err = filepath.WalkDir(absPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == absPath {
			return nil
		}
		rel, err := filepath.Rel(absPath, p)
		if err != nil {
			return err
		}
		if ignore.Match(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if !recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", p, err)
		}
		out = append(out, Candidate{Path: p, RelPath: rel, Size: fi.Size(), ModTime: fi.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory: %w", err)
	}
	return out, nil
}

func checkMode(path string, mode fs.FileMode) error {
	switch {
	case mode&os.ModeSymlink != 0:
		return fmt.Errorf("symlinks not supported: %s", path)
	case mode&os.ModeDevice != 0:
		return fmt.Errorf("device files not supported: %s", path)
	case mode&os.ModeNamedPipe != 0:
		return fmt.Errorf("named pipes not supported: %s", path)
	case mode&os.ModeSocket != 0:
		return fmt.Errorf("sockets not supported: %s", path)
	}
	return nil
}

// StableFile reads a file and fails at EOF if the file was modified or
// replaced since it was opened.
type StableFile struct {
	f     *os.File
	path  string
	info  fs.FileInfo
	read  int64
	valid bool
}

// OpenStable opens path for a stable read.
func OpenStable(path string) (*StableFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("not a regular file: %s", path)
	}
	return &StableFile{f: f, path: path, info: info}, nil
}

// Size is the file size at open time.
func (s *StableFile) Size() int64 { return s.info.Size() }

func (s *StableFile) Read(p []byte) (int, error) {
	n, err := s.f.Read(p)
	s.read += int64(n)
	if err == io.EOF && !s.valid {
		if verr := s.verify(); verr != nil {
			return n, verr
		}
		s.valid = true
	}
	return n, err
}

func (s *StableFile) verify() error {
	if s.read != s.info.Size() {
		return fmt.Errorf("%w: %s: read %d bytes, expected %d", ErrFileChanged, s.path, s.read, s.info.Size())
	}
	now, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrFileChanged, s.path, err)
	}
	if now.Size() != s.info.Size() || !now.ModTime().Equal(s.info.ModTime()) || !sameFile(s.info, now) {
		return fmt.Errorf("%w: %s", ErrFileChanged, s.path)
	}
	return nil
}

func (s *StableFile) Close() error {
	return s.f.Close()
}

var _ io.ReadCloser = (*StableFile)(nil)
