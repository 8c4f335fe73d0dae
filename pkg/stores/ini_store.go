package stores

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-ini/ini"

	"github.com/winsync/winsync/pkg/engine"
)

// IniStore keeps the installed-state record in an installed.ini file, one
// section per package. It reads and writes the layout of older agents so
// machines can be migrated without reinstalling.
type IniStore struct {
	path string
}

// NewIniStore creates a store backed by the file at path.
func NewIniStore(path string) *IniStore {
	return &IniStore{path: path}
}

// Path returns the backing file.
func (s *IniStore) Path() string {
	return s.path
}

// Load reads the record. A missing file is an empty record.
func (s *IniStore) Load(_ context.Context) (*engine.InstalledRecord, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return engine.NewInstalledRecord(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read installed record: %w", err)
	}

	file, err := ini.LoadSources(ini.LoadOptions{IgnoreInlineComment: true}, data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse installed record: %w", err)
	}

	var entries []engine.RecordEntry
	for _, section := range file.Sections() {
		if section.Name() == ini.DefaultSection {
			continue
		}
		priority, err := strconv.Atoi(strings.TrimSpace(section.Key("priority").MustString("0")))
		if err != nil {
			return nil, fmt.Errorf("installed record %s: priority: %w", section.Name(), err)
		}
		entries = append(entries, engine.RecordEntry{
			ID:           section.Name(),
			Name:         section.Key("name").String(),
			InstallerRef: section.Key("installer").String(),
			Version:      section.Key("version").String(),
			Priority:     priority,
			IsMeta:       section.Key("meta").MustBool(false),
		})
	}
	return engine.NewInstalledRecord(entries...), nil
}

// Save writes the record atomically.
func (s *IniStore) Save(_ context.Context, record *engine.InstalledRecord) error {
	file := ini.Empty()
	for _, e := range record.Entries() {
		section, err := file.NewSection(e.ID)
		if err != nil {
			return fmt.Errorf("failed to add section %s: %w", e.ID, err)
		}
		for _, kv := range [][2]string{
			{"name", e.Name},
			{"installer", e.InstallerRef},
			{"version", e.Version},
			{"priority", strconv.Itoa(e.Priority)},
			{"meta", formatPythonBool(e.IsMeta)},
		} {
			if _, err := section.NewKey(kv[0], kv[1]); err != nil {
				return fmt.Errorf("failed to add key %s.%s: %w", e.ID, kv[0], err)
			}
		}
	}

	var buf bytes.Buffer
	if _, err := file.WriteTo(&buf); err != nil {
		return fmt.Errorf("failed to encode installed record: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".installed-*.ini")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write installed record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close installed record: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace installed record: %w", err)
	}
	return nil
}

// formatPythonBool writes booleans the way older agents did.
func formatPythonBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}
