package repository

import (
	"fmt"
	"path"
	"strings"
)

// Repository layout.
const (
	ProfilesFile = "profiles.ini"
	InfoDir      = "info"
	ScriptsDir   = "scripts"
	FilesDir     = "files"
)

// MetadataKey returns the key of a package's metadata record.
func MetadataKey(id string) string {
	return path.Join(InfoDir, id+".ini")
}

// ScriptKey returns the key of an installer script.
func ScriptKey(ref string) string {
	return path.Join(ScriptsDir, ref)
}

// FileKey returns the key of one archive file of a package.
func FileKey(id, filename string) string {
	return path.Join(FilesDir, id, filename)
}

// checkName rejects names that would escape their directory.
func checkName(kind, name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("invalid %s %q", kind, name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("invalid %s %q: must not contain a path separator", kind, name)
	case strings.ContainsRune(name, 0):
		return fmt.Errorf("invalid %s %q: contains NUL", kind, name)
	}
	return nil
}
