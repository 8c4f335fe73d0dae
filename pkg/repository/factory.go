package repository

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/winsync/winsync/pkg/transports/ssh"
)

// Config selects and configures a repository backend.
type Config struct {
	// URL locates the repository:
	//
	//	/srv/winsync or file:///srv/winsync     local directory
	//	sftp://user@host:22/srv/winsync          directory over SFTP
	//	s3://host:9000/bucket/prefix?region=r    bucket over HTTPS
	//	s3+http://host:9000/bucket/prefix        bucket over plain HTTP
	URL string

	SSH SSHOptions
	S3  S3Options

	// CacheSize is the number of metadata records and scripts kept per
	// session. Zero disables the cache.
	CacheSize int
}

// SSHOptions carries SFTP credentials. The user comes from the URL.
type SSHOptions struct {
	Password       string
	KeyPath        string
	KeyPassphrase  string
	KnownHostsPath string
	// InsecureIgnoreHostKey accepts any host key.
	InsecureIgnoreHostKey bool
	Timeout               time.Duration
	KeepAlive             time.Duration
}

// S3Options carries S3 credentials.
type S3Options struct {
	AccessKey string
	SecretKey string
	Region    string
}

// Open creates the repository described by cfg.
func Open(cfg Config, logger zerolog.Logger) (Repository, error) {
	repo, err := open(cfg, logger)
	if err != nil {
		return nil, err
	}
	if cfg.CacheSize <= 0 {
		return repo, nil
	}
	return NewCachedRepository(repo, cfg.CacheSize)
}

func open(cfg Config, logger zerolog.Logger) (Repository, error) {
	raw := strings.TrimSpace(cfg.URL)
	if raw == "" {
		return nil, fmt.Errorf("repository url is required")
	}
	if !strings.Contains(raw, "://") {
		return NewDirRepository(filepath.Clean(raw), logger), nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid repository url: %w", err)
	}

	switch u.Scheme {
	case "file":
		if u.Path == "" {
			return nil, fmt.Errorf("file repository url has no path")
		}
		return NewDirRepository(filepath.FromSlash(u.Path), logger), nil
	case "sftp", "ssh":
		return openSFTP(u, cfg.SSH, logger)
	case "s3", "s3+http":
		return openS3(u, cfg.S3, logger)
	default:
		return nil, fmt.Errorf("unsupported repository scheme %q", u.Scheme)
	}
}

func openSFTP(u *url.URL, opts SSHOptions, logger zerolog.Logger) (Repository, error) {
	if u.User == nil || u.User.Username() == "" {
		return nil, fmt.Errorf("sftp repository url needs a user")
	}

	sshCfg := ssh.DefaultConfig(u.Hostname(), u.User.Username())
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid sftp port %q", p)
		}
		sshCfg.Port = port
	}

	password := opts.Password
	if pw, ok := u.User.Password(); ok && password == "" {
		password = pw
	}
	switch {
	case opts.KeyPath != "":
		sshCfg.AuthMethod = ssh.AuthMethodKey
		sshCfg.PrivateKeyPath = opts.KeyPath
		sshCfg.PrivateKeyPassphrase = opts.KeyPassphrase
	case password != "":
		sshCfg.AuthMethod = ssh.AuthMethodPassword
		sshCfg.Password = password
	}

	if opts.KnownHostsPath != "" {
		sshCfg.KnownHostsPath = opts.KnownHostsPath
	}
	sshCfg.StrictHostKeyChecking = !opts.InsecureIgnoreHostKey
	if opts.Timeout > 0 {
		sshCfg.ConnectionTimeout = opts.Timeout
	}
	sshCfg.KeepAliveInterval = opts.KeepAlive

	client, err := ssh.NewSSHClient(sshCfg, logger)
	if err != nil {
		return nil, err
	}

	root := u.Path
	if root == "" {
		root = "."
	}
	return NewSFTPRepository(client, root, logger), nil
}

func openS3(u *url.URL, opts S3Options, logger zerolog.Logger) (Repository, error) {
	bucket, prefix, _ := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
	region := opts.Region
	if r := u.Query().Get("region"); r != "" {
		region = r
	}
	return NewS3Repository(S3Config{
		Endpoint:  u.Host,
		Region:    region,
		AccessKey: opts.AccessKey,
		SecretKey: opts.SecretKey,
		Bucket:    bucket,
		Prefix:    prefix,
		UseSSL:    u.Scheme == "s3",
	}, logger)
}
