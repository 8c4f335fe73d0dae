package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Layout is the on-disk layout of an agent installation.
type Layout struct {
	Base string

	// Etc holds the configuration and policies.
	Etc string

	// Spool stages archive files while a package is processed.
	Spool string

	Cache string

	// PkgInfo caches fetched metadata records.
	PkgInfo string

	// State holds the installed-state record and run history.
	State string
}

// NewLayout returns the layout rooted at base.
func NewLayout(base string) Layout {
	return Layout{
		Base:    base,
		Etc:     filepath.Join(base, "etc"),
		Spool:   filepath.Join(base, "var", "spool"),
		Cache:   filepath.Join(base, "var", "cache"),
		PkgInfo: filepath.Join(base, "var", "cache", "pkg-info"),
		State:   filepath.Join(base, "var", "state"),
	}
}

// Dirs returns every directory of the layout, parents first.
func (l Layout) Dirs() []string {
	return []string{l.Base, l.Etc, l.Spool, l.Cache, l.PkgInfo, l.State}
}

// Ensure creates every directory of the layout.
func (l Layout) Ensure() error {
	for _, dir := range l.Dirs() {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// ConfigFile returns the default configuration file path.
func (l Layout) ConfigFile() string {
	return filepath.Join(l.Etc, "winsync.yaml")
}
