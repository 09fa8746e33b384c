package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"bytemomo/warden/internal/domain"
)

var _ domain.ScanStore = (*Store)(nil)

var validID = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Store keeps one JSON document per scan under Dir/scans.
type Store struct {
	Dir string // e.g., ./data
}

// New creates the scans directory under dir.
func New(dir string) (*Store, error) {
	s := &Store{Dir: dir}
	if err := os.MkdirAll(s.scansDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create scan store: %w", err)
	}
	return s, nil
}

func (s *Store) scansDir() string { return filepath.Join(s.Dir, "scans") }

func (s *Store) path(id string) (string, error) {
	if !validID.MatchString(id) || strings.Trim(id, ".") == "" {
		return "", fmt.Errorf("invalid scan id %q", id)
	}
	return filepath.Join(s.scansDir(), id+".json"), nil
}

// Save writes the scan atomically: a partially written file is never visible.
func (s *Store) Save(_ context.Context, scan *domain.Scan) error {
	path, err := s.path(scan.ID)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := writeJSON(tmp, scan); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Store) Load(_ context.Context, id string) (*domain.Scan, error) {
	path, err := s.path(id)
	if err != nil {
		return nil, err
	}
	scan, err := readJSON(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", domain.ErrScanNotFound, id)
	}
	return scan, err
}

// List returns every stored scan. Unreadable documents are skipped.
func (s *Store) List(_ context.Context) ([]*domain.Scan, error) {
	entries, err := os.ReadDir(s.scansDir())
	if err != nil {
		return nil, err
	}

	var out []*domain.Scan
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		scan, err := readJSON(filepath.Join(s.scansDir(), entry.Name()))
		if err != nil {
			continue
		}
		out = append(out, scan)
	}
	return out, nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	path, err := s.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// WriteReport stores a rendered report next to the scan records and returns
// its path.
func (s *Store) WriteReport(id, ext string, data []byte) (string, error) {
	if _, err := s.path(id); err != nil {
		return "", err
	}
	dir := filepath.Join(s.Dir, "reports")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, id+ext)
	return path, os.WriteFile(path, data, 0o644)
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func readJSON(path string) (*domain.Scan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var scan domain.Scan
	if err := json.Unmarshal(data, &scan); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return &scan, nil
}
