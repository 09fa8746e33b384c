package yamlconfig

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"bytemomo/warden/internal/domain"

	"gopkg.in/yaml.v3"
)

// Loader reads warden configuration files.
type Loader struct {
	basePath string
}

// NewLoader creates a loader resolving relative paths against basePath.
func NewLoader(basePath string) *Loader {
	if basePath == "" {
		basePath = "."
	}
	return &Loader{basePath: basePath}
}

// Load reads, expands, decodes, defaults and validates the file at path.
// An empty path yields the defaults.
func (l *Loader) Load(path string) (domain.Config, error) {
	if path == "" {
		return Parse(nil)
	}
	fullPath := l.resolvePath(path)

	data, err := os.ReadFile(fullPath)
	if err != nil {
		return domain.Config{}, fmt.Errorf("failed to read config file %s: %w", fullPath, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return domain.Config{}, fmt.Errorf("%s: %w", fullPath, err)
	}
	if cfg.FrameworksDir != "" {
		cfg.FrameworksDir = l.relativeTo(fullPath, cfg.FrameworksDir)
	}
	if cfg.Storage.Dir != "" {
		cfg.Storage.Dir = l.relativeTo(fullPath, cfg.Storage.Dir)
	}
	return cfg, nil
}

// Parse decodes a configuration document. Environment variables are expanded
// before decoding and unknown keys are rejected.
func Parse(data []byte) (domain.Config, error) {
	data = []byte(os.ExpandEnv(string(data)))

	var cfg domain.Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return domain.Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg = cfg.Merge(domain.DefaultConfig())
	if err := cfg.Validate(); err != nil {
		return domain.Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (l *Loader) resolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(l.basePath, path)
}

// relativeTo resolves dir against the directory holding the config file.
func (l *Loader) relativeTo(configPath, dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(filepath.Dir(configPath), dir)
}
