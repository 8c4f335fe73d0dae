package config

import (
	"path/filepath"
	"time"

	"github.com/winsync/winsync/pkg/repository"
	"github.com/winsync/winsync/pkg/telemetry"
)

// State backends.
const (
	BackendSQLite = "sqlite"
	BackendINI    = "ini"
)

// Config is the agent configuration.
type Config struct {
	// BaseDir holds the agent's directory layout.
	BaseDir string `yaml:"base_dir" json:"base_dir" validate:"required"`

	Repository RepositoryConfig `yaml:"repository" json:"repository"`
	State      StateConfig      `yaml:"state" json:"state"`
	Installer  InstallerConfig  `yaml:"installer" json:"installer"`
	Policy     PolicyConfig     `yaml:"policy" json:"policy"`
	Agent      AgentConfig      `yaml:"agent" json:"agent"`
	Reboot     RebootConfig     `yaml:"reboot" json:"reboot"`

	// DownloadConcurrency bounds parallel archive downloads per package.
	DownloadConcurrency int `yaml:"download_concurrency" json:"download_concurrency" validate:"gte=0,lte=64"`

	Telemetry telemetry.Config `yaml:"telemetry" json:"telemetry"`
}

// RepositoryConfig locates the package repository.
type RepositoryConfig struct {
	URL string `yaml:"url" json:"url" validate:"required"`

	// CacheSize is the number of records cached per session.
	CacheSize int `yaml:"cache_size" json:"cache_size" validate:"gte=0"`

	SSH SSHConfig `yaml:"ssh" json:"ssh"`
	S3  S3Config  `yaml:"s3" json:"s3"`
}

// SSHConfig carries SFTP credentials.
type SSHConfig struct {
	Password              string        `yaml:"password" json:"password"`
	KeyPath               string        `yaml:"key_path" json:"key_path"`
	KeyPassphrase         string        `yaml:"key_passphrase" json:"key_passphrase"`
	KnownHosts            string        `yaml:"known_hosts" json:"known_hosts"`
	InsecureIgnoreHostKey bool          `yaml:"insecure_ignore_host_key" json:"insecure_ignore_host_key"`
	Timeout               time.Duration `yaml:"timeout" json:"timeout" validate:"gte=0"`
	KeepAlive             time.Duration `yaml:"keep_alive" json:"keep_alive" validate:"gte=0"`
}

// S3Config carries S3 credentials.
type S3Config struct {
	AccessKey string `yaml:"access_key" json:"access_key" validate:"required_with=SecretKey"`
	SecretKey string `yaml:"secret_key" json:"secret_key" validate:"required_with=AccessKey"`
	Region    string `yaml:"region" json:"region"`
}

// StateConfig selects where the installed-state record is kept.
type StateConfig struct {
	// Backend is sqlite (record plus run history) or ini (installed.ini).
	Backend string `yaml:"backend" json:"backend" validate:"oneof=sqlite ini"`

	// Path defaults to var/state/winsync.db or var/state/installed.ini.
	Path string `yaml:"path" json:"path"`

	// HistoryLimit is the number of runs kept. Zero keeps all.
	HistoryLimit int `yaml:"history_limit" json:"history_limit" validate:"gte=0"`
}

// InstallerConfig bounds installer runtimes.
type InstallerConfig struct {
	CommandTimeout   time.Duration `yaml:"command_timeout" json:"command_timeout" validate:"gte=0"`
	MaxSteps         uint64        `yaml:"max_steps" json:"max_steps"`
	MemoryLimitPages uint32        `yaml:"memory_limit_pages" json:"memory_limit_pages" validate:"lte=65536"`
}

// PolicyConfig configures the plan policy gate.
type PolicyConfig struct {
	// Dirs hold .rego policies. Defaults to etc/policies.
	Dirs []string `yaml:"dirs" json:"dirs" validate:"dive,required"`

	// MaxRemovals refuses plans removing more packages. Zero disables it.
	MaxRemovals int `yaml:"max_removals" json:"max_removals" validate:"gte=0"`

	ProtectedPackages []string `yaml:"protected_packages" json:"protected_packages" validate:"dive,required"`

	// Watch reloads policies when their files change.
	Watch bool `yaml:"watch" json:"watch"`
}

// AgentConfig configures `winsync agent`.
type AgentConfig struct {
	// Interval between runs.
	Interval time.Duration `yaml:"interval" json:"interval" validate:"gte=0"`
}

// RebootConfig configures `winsync run --reboot`.
type RebootConfig struct {
	Command []string `yaml:"command" json:"command" validate:"dive,required"`
}

// Layout returns the directory layout under BaseDir.
func (c *Config) Layout() Layout {
	return NewLayout(c.BaseDir)
}

// StatePath returns the state file, applying the backend default.
func (c *Config) StatePath() string {
	if c.State.Path != "" {
		return c.State.Path
	}
	layout := c.Layout()
	if c.State.Backend == BackendINI {
		return filepath.Join(layout.State, "installed.ini")
	}
	return filepath.Join(layout.State, "winsync.db")
}

// PolicyDirs returns the policy directories, applying the default.
func (c *Config) PolicyDirs() []string {
	if len(c.Policy.Dirs) > 0 {
		return c.Policy.Dirs
	}
	return []string{filepath.Join(c.Layout().Etc, "policies")}
}

// RepositoryConfig converts the repository section for repository.Open.
func (c *Config) RepositoryConfig() repository.Config {
	r := c.Repository
	return repository.Config{
		URL: r.URL,
		SSH: repository.SSHOptions{
			Password:              r.SSH.Password,
			KeyPath:               r.SSH.KeyPath,
			KeyPassphrase:         r.SSH.KeyPassphrase,
			KnownHostsPath:        r.SSH.KnownHosts,
			InsecureIgnoreHostKey: r.SSH.InsecureIgnoreHostKey,
			Timeout:               r.SSH.Timeout,
			KeepAlive:             r.SSH.KeepAlive,
		},
		S3: repository.S3Options{
			AccessKey: r.S3.AccessKey,
			SecretKey: r.S3.SecretKey,
			Region:    r.S3.Region,
		},
		CacheSize: r.CacheSize,
	}
}
