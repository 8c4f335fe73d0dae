package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/winsync/winsync/pkg/telemetry"
)

// Environment variables that override file values.
const (
	EnvRepoURL      = "WINSYNC_REPO_URL"
	EnvBaseDir      = "WINSYNC_BASE_DIR"
	EnvStateBackend = "WINSYNC_STATE_BACKEND"
	EnvS3AccessKey  = "WINSYNC_S3_ACCESS_KEY"
	EnvS3SecretKey  = "WINSYNC_S3_SECRET_KEY"
	EnvSSHPassword  = "WINSYNC_SSH_PASSWORD"
	EnvLogLevel     = "WINSYNC_LOG_LEVEL"
)

// ValidationError is one problem found in a configuration.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is returned when a configuration fails validation.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		if e.Field != "" {
			msgs[i] = e.Field + ": " + e.Message
		} else {
			msgs[i] = e.Message
		}
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

// Loader reads and validates configuration files.
type Loader struct {
	schemas   *SchemaRegistry
	validator *validator.Validate
}

// NewLoader creates a loader with the built-in schemas.
func NewLoader() *Loader {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Loader{
		schemas:   NewSchemaRegistry(),
		validator: v,
	}
}

// Schemas returns the loader's schema registry.
func (l *Loader) Schemas() *SchemaRegistry {
	return l.schemas
}

// Default returns the configuration used for unset fields.
func Default(baseDir string) *Config {
	tel := telemetry.DefaultConfig()
	return &Config{
		BaseDir: baseDir,
		Repository: RepositoryConfig{
			CacheSize: 256,
			SSH: SSHConfig{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			},
		},
		State: StateConfig{
			Backend:      BackendSQLite,
			HistoryLimit: 100,
		},
		Installer: InstallerConfig{
			CommandTimeout:   time.Hour,
			MemoryLimitPages: 256,
		},
		Agent: AgentConfig{
			Interval: time.Hour,
		},
		Reboot: RebootConfig{
			Command: []string{"shutdown", "-r", "now"},
		},
		DownloadConcurrency: 4,
		Telemetry:           *tel,
	}
}

// DefaultBaseDir is used when neither the file nor the environment sets
// base_dir.
func DefaultBaseDir() string {
	if dir := os.Getenv("ProgramData"); dir != "" {
		return filepath.Join(dir, "winsync")
	}
	return "/var/lib/winsync"
}

// Load reads the configuration at path. The format is chosen by
// extension: .cue for CUE, anything else YAML. A .env file next to it is
// loaded into the environment first.
func (l *Loader) Load(ctx context.Context, path string) (*Config, error) {
	envFile := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default(DefaultBaseDir())
	if strings.EqualFold(filepath.Ext(path), ".cue") {
		err = l.decodeCUE(path, data, cfg)
	} else {
		err = decodeYAML(data, cfg)
	}
	if err != nil {
		return nil, err
	}

	applyEnv(cfg)
	if err := l.Validate(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML configuration from memory, applying defaults and
// environment overrides.
func (l *Loader) Parse(ctx context.Context, data []byte) (*Config, error) {
	cfg := Default(DefaultBaseDir())
	if err := decodeYAML(data, cfg); err != nil {
		return nil, err
	}
	applyEnv(cfg)
	if err := l.Validate(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// decodeCUE unifies the file with the agent schema, then decodes the
// result through its JSON form so durations parse like they do in YAML.
func (l *Loader) decodeCUE(path string, data []byte, cfg *Config) error {
	val := l.schemas.Context().CompileBytes(data, cue.Filename(path))
	if err := val.Err(); err != nil {
		return convertCUEErrors(err)
	}

	if _, err := l.schemas.Unify(AgentSchema, val); err != nil {
		return convertCUEErrors(err)
	}

	// Marshal the file rather than the unified value: required fields may
	// still come from the environment.
	jsonData, err := val.MarshalJSON()
	if err != nil {
		return convertCUEErrors(err)
	}
	return decodeYAML(jsonData, cfg)
}

func convertCUEErrors(err error) error {
	var out ValidationErrors
	for _, e := range cueerrors.Errors(err) {
		field := strings.Join(fieldPath(e.Path()), ".")
		format, args := e.Msg()
		out = append(out, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}
	if len(out) == 0 {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return out
}

// fieldPath drops the schema definition selectors that lead a CUE error
// path, so "#Agent.state.backend" reads "state.backend".
func fieldPath(path []string) []string {
	for len(path) > 0 && strings.HasPrefix(path[0], "#") {
		path = path[1:]
	}
	return path
}

// applyEnv applies WINSYNC_* overrides.
func applyEnv(cfg *Config) {
	for env, dst := range map[string]*string{
		EnvRepoURL:      &cfg.Repository.URL,
		EnvBaseDir:      &cfg.BaseDir,
		EnvStateBackend: &cfg.State.Backend,
		EnvS3AccessKey:  &cfg.Repository.S3.AccessKey,
		EnvS3SecretKey:  &cfg.Repository.S3.SecretKey,
		EnvSSHPassword:  &cfg.Repository.SSH.Password,
		EnvLogLevel:     &cfg.Telemetry.Logging.Level,
	} {
		if v, ok := os.LookupEnv(env); ok && v != "" {
			*dst = v
		}
	}
}

// Validate checks cfg against the validator tags, the agent schema and
// the telemetry configuration.
func (l *Loader) Validate(ctx context.Context, cfg *Config) error {
	var out ValidationErrors

	if err := l.validator.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("failed to validate config: %w", err)
		}
		for _, fe := range fieldErrs {
			field := strings.TrimPrefix(fe.Namespace(), "Config.")
			out = append(out, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("failed on the %q rule", fe.Tag()),
			})
		}
	}

	if len(out) == 0 {
		if err := l.schemas.ValidateAgainstSchema(ctx, AgentSchema, cfg); err != nil {
			out = append(out, ValidationError{Message: err.Error()})
		}
	}

	if err := cfg.Telemetry.Validate(); err != nil {
		out = append(out, ValidationError{Field: "telemetry", Message: err.Error()})
	}

	if len(out) > 0 {
		return out
	}
	return nil
}

// Save writes cfg as YAML, creating the parent directory.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
