package cli

import (
	"bufio"
	"fmt"
	"iter"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// maxLineSize bounds a single input line.
const maxLineSize = 16 << 20

// expandInputs resolves glob patterns (with ** support) to a sorted list of
// regular files. A pattern without glob characters names a file directly.
func expandInputs(patterns []string) ([]string, error) {
	seen := map[string]bool{}
	var files []string
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("bad input pattern %q: %w", pattern, err)
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				files = append(files, m)
			}
		}
	}
	slices.Sort(files)
	return files, nil
}

// lineSource yields the non-empty lines of the files matched by its
// patterns. Files are re-matched and re-read on every iteration, so a
// source reflects inputs that grew since the previous run.
type lineSource struct {
	patterns []string

	mu    sync.Mutex
	files []string
	err   error
}

func newLineSource(patterns []string) *lineSource {
	return &lineSource{patterns: patterns}
}

// Seq returns the line sequence. Read errors end the sequence early and are
// reported by Err.
func (s *lineSource) Seq() iter.Seq[string] {
	return func(yield func(string) bool) {
		files, err := expandInputs(s.patterns)
		s.record(files, err)
		if err != nil {
			return
		}
		for _, path := range files {
			cont, err := readLines(path, yield)
			if err != nil {
				s.record(files, err)
				return
			}
			if !cont {
				return
			}
		}
	}
}

func (s *lineSource) record(files []string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = files
	s.err = err
}

// Files returns the files matched by the latest iteration.
func (s *lineSource) Files() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.files)
}

// Err returns the error that ended the latest iteration, if any.
func (s *lineSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// readLines yields each non-blank line of path without its line ending.
// It reports false if yield asked to stop.
func readLines(path string, yield func(string) bool) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !yield(line) {
			return false, nil
		}
	}
	if err := sc.Err(); err != nil {
		return false, fmt.Errorf("reading %s: %w", path, err)
	}
	return true, nil
}
