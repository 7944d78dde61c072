package fs

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// defaultIgnorePatterns apply to every collected directory.
var defaultIgnorePatterns = []string{IgnoreFileName}

type ignoreRule struct {
	glob    string
	anchor  bool // contains '/': matched against the relative path
	dirOnly bool // trailing '/': matches directories only
	negate  bool // leading '!': re-includes a previously ignored path
}

// IgnoreMatcher decides which entries of a directory are skipped on upload.
//
// Rules are evaluated in order and the last matching rule wins. A rule
// without '/' matches the entry's base name; one with '/' matches the path
// relative to the collected root. A trailing '/' restricts a rule to
// directories and a leading '!' re-includes what an earlier rule excluded.
type IgnoreMatcher struct {
	rules []ignoreRule
}

// NewIgnoreMatcher parses raw rules. Blank lines and '#' comments are skipped.
func NewIgnoreMatcher(raw []string) *IgnoreMatcher {
	var rules []ignoreRule
	for _, line := range raw {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var r ignoreRule
		if strings.HasPrefix(line, "!") {
			r.negate = true
			line = line[1:]
		}
		if strings.HasSuffix(line, "/") {
			r.dirOnly = true
			line = strings.TrimRight(line, "/")
		}
		line = strings.TrimPrefix(line, "/")
		if line == "" {
			continue
		}
		r.glob = line
		r.anchor = strings.Contains(line, "/")
		rules = append(rules, r)
	}
	return &IgnoreMatcher{rules: rules}
}

// Match reports whether relPath, relative to the collected root, is ignored.
func (m *IgnoreMatcher) Match(relPath string, isDir bool) bool {
	if relPath == "" {
		return false
	}
	slashed := filepath.ToSlash(relPath)
	base := filepath.Base(relPath)

	ignored := false
	for _, r := range m.rules {
		if r.dirOnly && !isDir {
			continue
		}
		subject := base
		if r.anchor {
			subject = slashed
		}
		ok, err := filepath.Match(r.glob, subject)
		if err != nil || !ok {
			continue
		}
		ignored = !r.negate
	}
	return ignored
}

// ParseIgnoreFile returns the lines of an ignore file, or nil if it does not exist.
func ParseIgnoreFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening ignore file: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading ignore file: %w", err)
	}
	return lines, nil
}
