package compliance

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

//go:embed frameworks/*.yaml
var builtin embed.FS

// Control is one requirement of a framework. It fails when a finding in one of
// its categories, or tagged with its ID, reaches the severity threshold.
type Control struct {
	ID         string   `yaml:"id"`
	Name       string   `yaml:"name,omitempty"`
	Categories []string `yaml:"categories"`
}

// Framework is a named compliance standard and its control table.
type Framework struct {
	Name        string    `yaml:"standard"`
	Description string    `yaml:"description"`
	Controls    []Control `yaml:"controls"`
}

// Validate rejects tables the mapper could not evaluate.
func (f Framework) Validate() error {
	if f.Name == "" {
		return fmt.Errorf("framework: standard is required")
	}
	if len(f.Controls) == 0 {
		return fmt.Errorf("framework %s: no controls", f.Name)
	}
	seen := map[string]struct{}{}
	for i, c := range f.Controls {
		if c.ID == "" {
			return fmt.Errorf("framework %s: controls[%d] has no id", f.Name, i)
		}
		if _, dup := seen[c.ID]; dup {
			return fmt.Errorf("framework %s: duplicate control %s", f.Name, c.ID)
		}
		seen[c.ID] = struct{}{}
		if len(c.Categories) == 0 {
			return fmt.Errorf("framework %s: control %s maps no categories", f.Name, c.ID)
		}
	}
	return nil
}

// Catalog holds the known frameworks.
type Catalog struct {
	mu         sync.RWMutex
	frameworks map[string]Framework
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{frameworks: make(map[string]Framework)}
}

// Builtin returns a catalog holding PCI_DSS, SOC_2, NIST_CSF and ISO_27001.
func Builtin() (*Catalog, error) {
	c := NewCatalog()
	if err := c.loadFS(builtin, "frameworks"); err != nil {
		return nil, fmt.Errorf("load builtin frameworks: %w", err)
	}
	return c, nil
}

// Add registers f, replacing any framework with the same name.
func (c *Catalog) Add(f Framework) error {
	if err := f.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.frameworks[f.Name] = f
	c.mu.Unlock()
	return nil
}

// LoadDir reads every .yaml/.yml file in dir as a framework table.
func (c *Catalog) LoadDir(dir string) error {
	return c.loadFS(os.DirFS(dir), ".")
}

func (c *Catalog) loadFS(fsys fs.FS, dir string) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		data, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return err
		}

		var f Framework
		if err := yaml.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("failed to parse %s: %w", entry.Name(), err)
		}
		if err := c.Add(f); err != nil {
			return fmt.Errorf("%s: %w", entry.Name(), err)
		}
		log.WithFields(log.Fields{
			"framework": f.Name,
			"controls":  len(f.Controls),
		}).Debug("Loaded compliance framework")
	}
	return nil
}

// Get returns the framework with the given name.
func (c *Catalog) Get(name string) (Framework, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.frameworks[name]
	return f, ok
}

// Names returns the framework names sorted alphabetically.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.frameworks))
	for name := range c.frameworks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Select returns the frameworks to annotate a report with. An empty request
// means every enabled framework; naming an unknown framework is an error.
func (c *Catalog) Select(requested []string, enabled func(string) bool) ([]Framework, error) {
	names := requested
	if len(names) == 0 {
		names = c.Names()
	}

	var out []Framework
	for _, name := range names {
		f, ok := c.Get(name)
		if !ok {
			return nil, fmt.Errorf("unknown compliance framework %q", name)
		}
		if enabled != nil && !enabled(name) {
			continue
		}
		if slices.ContainsFunc(out, func(o Framework) bool { return o.Name == name }) {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}
