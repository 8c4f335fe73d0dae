package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-ini/ini"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// MetadataSection is the ini section holding a package record.
const MetadataSection = "package"

// packageRecord mirrors the [package] section before conversion.
type packageRecord struct {
	Name      string   `ini:"name" validate:"required"`
	Installer string   `ini:"installer" validate:"required"`
	Version   string   `ini:"version" validate:"required"`
	Priority  string   `ini:"priority" validate:"required"`
	Reboot    string   `ini:"reboot"`
	Meta      string   `ini:"meta"`
	Files     []string `ini:"files" validate:"unique,dive,required"`
	Depend    []string `ini:"depend" validate:"unique,dive,required"`
	Chain     []string `ini:"chain" validate:"unique,dive,required"`
}

var recordValidator = newRecordValidator()

func newRecordValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return f.Tag.Get("ini")
	})
	return v
}

// ParsePackage parses an ini metadata record into a Package. The returned
// package has MethodInstall and an empty source set.
func ParsePackage(id string, data []byte) (*Package, error) {
	if err := ValidatePackageID(id); err != nil {
		return nil, err
	}

	file, err := ini.LoadSources(ini.LoadOptions{
		IgnoreInlineComment:     true,
		SkipUnrecognizableLines: false,
	}, data)
	if err != nil {
		return nil, NewMetadataError(id, "failed to parse metadata record", err)
	}

	section, err := file.GetSection(MetadataSection)
	if err != nil {
		return nil, NewMetadataError(id, fmt.Sprintf("missing [%s] section", MetadataSection), err)
	}

	rec := packageRecord{
		Name:      section.Key("name").String(),
		Installer: section.Key("installer").String(),
		Version:   section.Key("version").String(),
		Priority:  section.Key("priority").String(),
		Reboot:    section.Key("reboot").String(),
		Meta:      section.Key("meta").String(),
		Files:     ParseList(section.Key("files").String()),
		Depend:    ParseList(section.Key("depend").String()),
		Chain:     ParseList(section.Key("chain").String()),
	}

	if err := recordValidator.Struct(rec); err != nil {
		return nil, metadataValidationError(id, err)
	}

	priority, err := strconv.Atoi(strings.TrimSpace(rec.Priority))
	if err != nil {
		return nil, NewMetadataError(id, "priority must be an integer", err).
			WithDetail("field", "priority")
	}

	reboot, err := parseFlag(rec.Reboot)
	if err != nil {
		return nil, NewMetadataError(id, "reboot must be a boolean", err).WithDetail("field", "reboot")
	}
	meta, err := parseFlag(rec.Meta)
	if err != nil {
		return nil, NewMetadataError(id, "meta must be a boolean", err).WithDetail("field", "meta")
	}

	for _, dep := range append(append([]string{}, rec.Depend...), rec.Chain...) {
		if err := ValidatePackageID(dep); err != nil {
			return nil, NewMetadataError(id, fmt.Sprintf("invalid package reference %q", dep), err)
		}
	}

	return &Package{
		ID:             id,
		Name:           rec.Name,
		InstallerRef:   rec.Installer,
		Version:        rec.Version,
		Priority:       priority,
		IsMeta:         meta,
		RequiresReboot: reboot,
		Files:          rec.Files,
		Depend:         rec.Depend,
		Chain:          rec.Chain,
		Method:         MethodInstall,
	}, nil
}

func metadataValidationError(id string, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return NewMetadataError(id, "invalid metadata record", err)
	}

	fields := make([]string, 0, len(verrs))
	var missing []string
	for _, fe := range verrs {
		field := fe.Field()
		if i := strings.IndexByte(field, '['); i >= 0 {
			field = field[:i]
		}
		fields = append(fields, fmt.Sprintf("%s(%s)", field, fe.Tag()))
		if fe.Tag() == "required" && fe.Field() == field {
			missing = append(missing, field)
		}
	}

	msg := "invalid metadata record: " + strings.Join(fields, ", ")
	if len(missing) == len(verrs) {
		msg = "missing required field(s): " + strings.Join(missing, ", ")
	}
	return NewMetadataError(id, msg, err).WithDetail("fields", fields)
}

// parseFlag accepts the boolean spellings of Python's configparser.
func parseFlag(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "0", "false", "no", "off":
		return false, nil
	case "1", "true", "yes", "on":
		return true, nil
	}
	return false, fmt.Errorf("not a boolean: %q", value)
}

// ParseList parses a list field. Both "a, b" and "['a', 'b']" are accepted.
func ParseList(value string) []string {
	v := strings.TrimSpace(value)
	v = strings.TrimPrefix(v, "[")
	v = strings.TrimSuffix(v, "]")
	if strings.TrimSpace(v) == "" {
		return nil
	}

	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for i, part := range parts {
		item := strings.Trim(strings.TrimSpace(part), `'"`)
		if item == "" && i == len(parts)-1 {
			// trailing comma
			continue
		}
		out = append(out, item)
	}
	return out
}

// FormatList renders a list in the bracketed form written by the admin tool.
func FormatList(items []string) string {
	quoted := make([]string, len(items))
	for i, item := range items {
		quoted[i] = "'" + item + "'"
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

// ValidatePackageID rejects ids that cannot be used as record or file names.
func ValidatePackageID(id string) error {
	switch {
	case strings.TrimSpace(id) == "":
		return NewMetadataError(id, "empty package id", nil)
	case strings.ContainsAny(id, `/\`) || id == "." || id == "..":
		return NewMetadataError(id, "package id must not contain path separators", nil)
	}
	return nil
}

// MetadataLoaderConfig configures a MetadataLoader.
type MetadataLoaderConfig struct {
	// Repository serves metadata records. Unused when SkipFetch is set.
	Repository Repository

	// CacheDir keeps a copy of every fetched record as <id>.ini.
	CacheDir string

	// SkipFetch reads records from CacheDir only.
	SkipFetch bool

	Logger zerolog.Logger
}

// MetadataLoader loads packages from the repository or the local cache.
type MetadataLoader struct {
	repo      Repository
	cacheDir  string
	skipFetch bool
	logger    zerolog.Logger
}

// NewMetadataLoader creates a new metadata loader.
func NewMetadataLoader(cfg MetadataLoaderConfig) *MetadataLoader {
	return &MetadataLoader{
		repo:      cfg.Repository,
		cacheDir:  cfg.CacheDir,
		skipFetch: cfg.SkipFetch,
		logger:    cfg.Logger,
	}
}

// Load produces the Package for id.
func (l *MetadataLoader) Load(ctx context.Context, id string) (*Package, error) {
	if err := ValidatePackageID(id); err != nil {
		return nil, err
	}

	if l.skipFetch {
		return l.loadCached(id)
	}

	if l.repo == nil {
		return nil, NewMetadataError(id, "no repository configured", nil)
	}

	data, err := l.repo.FetchMetadata(ctx, id)
	if err != nil {
		var engErr *EngineError
		if errors.As(err, &engErr) {
			return nil, err
		}
		return nil, NewRepositoryError(id, PhaseMetadata, err)
	}

	if l.cacheDir != "" {
		if err := l.store(id, data); err != nil {
			l.logger.Warn().Err(err).Str("package_id", id).Msg("Failed to cache metadata record")
		}
	}

	l.logger.Debug().Str("package_id", id).Msg("Loaded package metadata")
	return ParsePackage(id, data)
}

func (l *MetadataLoader) loadCached(id string) (*Package, error) {
	if l.cacheDir == "" {
		return nil, NewNotFoundError(id, errors.New("no metadata cache directory configured"))
	}
	data, err := os.ReadFile(l.cachePath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, NewNotFoundError(id, err)
		}
		return nil, NewMetadataError(id, "failed to read cached metadata", err)
	}
	return ParsePackage(id, data)
}

func (l *MetadataLoader) store(id string, data []byte) error {
	if err := os.MkdirAll(l.cacheDir, 0o755); err != nil {
		return fmt.Errorf("failed to create metadata cache: %w", err)
	}
	if err := os.WriteFile(l.cachePath(id), data, 0o644); err != nil {
		return fmt.Errorf("failed to write metadata cache: %w", err)
	}
	return nil
}

func (l *MetadataLoader) cachePath(id string) string {
	return filepath.Join(l.cacheDir, id+".ini")
}
