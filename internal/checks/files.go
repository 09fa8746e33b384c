package checks

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"bytemomo/warden/internal/domain"
)

type fileRule struct {
	Path     string
	MaxPerm  fs.FileMode
	Severity domain.Severity
}

var sensitiveFiles = []fileRule{
	{Path: "etc/shadow", MaxPerm: 0o640, Severity: domain.SeverityCritical},
	{Path: "etc/gshadow", MaxPerm: 0o640, Severity: domain.SeverityHigh},
	{Path: "etc/passwd", MaxPerm: 0o644, Severity: domain.SeverityHigh},
	{Path: "etc/group", MaxPerm: 0o644, Severity: domain.SeverityMedium},
	{Path: "etc/sudoers", MaxPerm: 0o440, Severity: domain.SeverityHigh},
	{Path: "etc/ssh/sshd_config", MaxPerm: 0o644, Severity: domain.SeverityMedium},
	{Path: "etc/crontab", MaxPerm: 0o644, Severity: domain.SeverityMedium},
}

// FilePermissionsParams configures FilePermissions.
type FilePermissionsParams struct {
	// WorldWritableDirs are searched for world-writable regular files,
	// relative to the target root. Default: etc, usr/local/bin.
	WorldWritableDirs []string `yaml:"world_writable_dirs"`
	// MaxDepth bounds the search below each directory. Default: 3.
	MaxDepth int `yaml:"max_depth"`
}

// FilePermissions flags sensitive files with loose modes and world-writable
// files under system directories.
type FilePermissions struct {
	Params FilePermissionsParams
}

func NewFilePermissions() *FilePermissions { return &FilePermissions{} }

func (c *FilePermissions) Name() string         { return "file_permissions" }
func (c *FilePermissions) Categories() []string { return []string{CategoryFilePermissions} }
func (c *FilePermissions) Describe() string {
	return "Checks modes of credential and configuration files and looks for world-writable files"
}

func (c *FilePermissions) Run(ctx context.Context, target domain.Target) ([]domain.Finding, error) {
	root := target.FSRoot()
	if _, err := os.Stat(filepath.Join(root, "etc")); err != nil {
		return nil, domain.Unavailable(c.Name(), fmt.Sprintf("no etc directory under %s", root))
	}

	var out []domain.Finding
	for _, rule := range sensitiveFiles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := os.Lstat(filepath.Join(root, rule.Path))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", rule.Path, err)
		}
		perm := info.Mode().Perm()
		if extra := perm &^ rule.MaxPerm; extra != 0 {
			out = append(out, domain.Finding{
				Category:       CategoryFilePermissions,
				Severity:       rule.Severity,
				Title:          fmt.Sprintf("/%s has permissive mode %04o", rule.Path, perm),
				Description:    fmt.Sprintf("/%s grants %04o beyond the expected maximum %04o.", rule.Path, extra, rule.MaxPerm),
				Recommendation: fmt.Sprintf("chmod %04o /%s", rule.MaxPerm, rule.Path),
				Evidence: map[string]any{
					"path":     "/" + rule.Path,
					"mode":     fmt.Sprintf("%04o", perm),
					"expected": fmt.Sprintf("%04o", rule.MaxPerm),
				},
			})
		}
	}

	writable, err := c.worldWritable(ctx, root)
	if err != nil {
		return nil, err
	}
	return append(out, writable...), nil
}

func (c *FilePermissions) worldWritable(ctx context.Context, root string) ([]domain.Finding, error) {
	dirs := c.Params.WorldWritableDirs
	if len(dirs) == 0 {
		dirs = []string{"etc", "usr/local/bin"}
	}
	depth := c.Params.MaxDepth
	if depth <= 0 {
		depth = 3
	}

	var out []domain.Finding
	for _, dir := range dirs {
		dir = strings.Trim(filepath.ToSlash(dir), "/")
		base := filepath.Join(root, dir)
		if _, err := os.Stat(base); err != nil {
			continue
		}
		err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				// Unreadable subtrees are not this checker's concern.
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			rel, _ := filepath.Rel(base, path)
			if d.IsDir() {
				if rel != "." && strings.Count(rel, string(filepath.Separator))+1 >= depth {
					return fs.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			if info.Mode().Perm()&0o002 == 0 {
				return nil
			}
			display := "/" + filepath.ToSlash(filepath.Join(dir, rel))
			out = append(out, domain.Finding{
				Category:       CategoryFilePermissions,
				Severity:       domain.SeverityHigh,
				Title:          "World-writable file: " + display,
				Description:    "Any local user can modify " + display + ".",
				Recommendation: "chmod o-w " + display,
				Evidence: map[string]any{
					"path": display,
					"mode": fmt.Sprintf("%04o", info.Mode().Perm()),
				},
			})
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
