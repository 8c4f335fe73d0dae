// Package config loads the agent configuration.
//
// The configuration is read from winsync.yaml (YAML) or winsync.cue (CUE).
// CUE files are unified with the built-in agent schema before decoding;
// every configuration is then checked against the same schema and the
// validator tags on Config.
//
// A .env file next to the configuration file is loaded into the process
// environment when present, and WINSYNC_* variables override file values:
//
//	WINSYNC_REPO_URL       repository.url
//	WINSYNC_BASE_DIR       base_dir
//	WINSYNC_STATE_BACKEND  state.backend
//	WINSYNC_S3_ACCESS_KEY  repository.s3.access_key
//	WINSYNC_S3_SECRET_KEY  repository.s3.secret_key
//	WINSYNC_SSH_PASSWORD   repository.ssh.password
//	WINSYNC_LOG_LEVEL      telemetry.logging.level
//
// Everything the agent keeps on disk lives under base_dir; see Layout.
package config
