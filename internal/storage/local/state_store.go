// Package local implements the on-disk state store used for checkpoints,
// spill files and pool reports.
package local

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Config captures the parameters for the local state store.
type Config struct {
	// BaseDir is the root directory where state files will be stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// Store reads and writes JSON documents below a base directory.
type Store struct {
	baseDir  string
	appendMu sync.Mutex
	drainMu  sync.Mutex
}

// ErrNotExist is returned when a requested document does not exist.
var ErrNotExist = errors.New("state document does not exist")

// New creates a new local filesystem-backed state store.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	// Check for write permissions.
	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &Store{baseDir: cfg.BaseDir}, nil
}

// Dir returns the base directory.
func (s *Store) Dir() string {
	return s.baseDir
}

// PutJSON atomically replaces the document at path with v encoded as JSON.
func (s *Store) PutJSON(path string, v any) error {
	fullPath, err := s.resolve(path)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return fmt.Errorf("failed to create parent directories: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, fullPath); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// GetJSON decodes the document at path into v.
func (s *Store) GetJSON(path string, v any) error {
	fullPath, err := s.resolve(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(fullPath) // #nosec G304 -- path is confined to baseDir by resolve.
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", path, ErrNotExist)
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// List returns the names of the .json documents directly under dir, sorted.
func (s *Store) List(dir string) ([]string, error) {
	fullPath, err := s.resolve(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(fullPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(names)
	return names, nil
}

// AppendLines appends each value as one JSON line to the file at path.
func (s *Store) AppendLines(path string, values ...any) error {
	fullPath, err := s.resolve(path)
	if err != nil {
		return err
	}
	s.appendMu.Lock()
	defer s.appendMu.Unlock()
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return fmt.Errorf("failed to create parent directories: %w", err)
	}
	f, err := os.OpenFile(fullPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) // #nosec G304 -- confined by resolve.
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, v := range values {
		if err := enc.Encode(v); err != nil {
			_ = f.Close()
			return fmt.Errorf("encode line: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("flush %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// DrainLines hands every JSON line of the file at path to decode. The file is
// moved aside before reading, so appends made while draining land in a fresh
// file. When decode fails, the failed line and everything after it stay in the
// side file and are drained first on the next call.
func (s *Store) DrainLines(path string, decode func(line []byte) error) (int, error) {
	fullPath, err := s.resolve(path)
	if err != nil {
		return 0, err
	}
	s.drainMu.Lock()
	defer s.drainMu.Unlock()
	side := fullPath + ".draining"
	if err := s.claim(fullPath, side); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("claim %s: %w", path, err)
	}
	f, err := os.Open(side) // #nosec G304 -- confined by resolve.
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	n := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := decode(line); err != nil {
			keepErr := keepRemainder(side, line, scanner)
			_ = f.Close()
			if keepErr != nil {
				return n, fmt.Errorf("replay line %d: %w; keep remainder: %w", n+1, err, keepErr)
			}
			return n, fmt.Errorf("replay line %d: %w", n+1, err)
		}
		n++
	}
	scanErr := scanner.Err()
	_ = f.Close()
	if scanErr != nil {
		return n, fmt.Errorf("scan %s: %w", path, scanErr)
	}
	if err := os.Remove(side); err != nil {
		return n, fmt.Errorf("remove %s: %w", path, err)
	}
	return n, nil
}

// claim moves the live file to side unless a previous drain left one behind.
func (s *Store) claim(fullPath, side string) error {
	if _, err := os.Stat(side); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	s.appendMu.Lock()
	defer s.appendMu.Unlock()
	return os.Rename(fullPath, side)
}

// keepRemainder rewrites side with first followed by the unread lines of scanner.
func keepRemainder(side string, first []byte, scanner *bufio.Scanner) error {
	tmp := side + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600) // #nosec G304 -- derived from a resolved path.
	if err != nil {
		return err
	}
	w := bufio.NewWriter(out)
	_, _ = w.Write(first)
	_ = w.WriteByte('\n')
	for scanner.Scan() {
		if line := scanner.Bytes(); len(line) > 0 {
			_, _ = w.Write(line)
			_ = w.WriteByte('\n')
		}
	}
	if err := errors.Join(scanner.Err(), w.Flush(), out.Close()); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, side)
}

func (s *Store) resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	fullPath := filepath.Join(s.baseDir, path)

	// Clean the path and verify it's within baseDir to prevent path traversal.
	cleanBaseDir := filepath.Clean(s.baseDir)
	cleanFullPath := filepath.Clean(fullPath)
	if cleanFullPath != cleanBaseDir && !strings.HasPrefix(cleanFullPath, cleanBaseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return cleanFullPath, nil
}
