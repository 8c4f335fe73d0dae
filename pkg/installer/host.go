package installer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
)

// CommandRunner runs a program and returns its exit code. An error means
// the program could not be run at all.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (int, error)
}

// ExecRunner runs commands with os/exec and logs their combined output.
type ExecRunner struct {
	// Timeout bounds a single command. Zero means no limit.
	Timeout time.Duration

	// Dir is the working directory. Empty means the agent's.
	Dir string

	Logger zerolog.Logger
}

// Run runs name with args.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (int, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.Dir
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	start := time.Now()
	err := cmd.Run()
	r.logOutput(name, &output)

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		r.Logger.Debug().Str("command", name).Dur("duration", time.Since(start)).Msg("Command succeeded")
		return 0, nil
	case errors.As(err, &exitErr) && ctx.Err() == nil:
		r.Logger.Debug().Str("command", name).Int("exit_code", exitErr.ExitCode()).Msg("Command failed")
		return exitErr.ExitCode(), nil
	case ctx.Err() != nil:
		return -1, fmt.Errorf("command %s: %w", name, ctx.Err())
	default:
		return -1, fmt.Errorf("command %s: %w", name, err)
	}
}

func (r *ExecRunner) logOutput(name string, output *bytes.Buffer) {
	scanner := bufio.NewScanner(output)
	for scanner.Scan() {
		r.Logger.Debug().Str("command", name).Msg(scanner.Text())
	}
}

// Host is the set of services an installer may use.
type Host struct {
	Runner CommandRunner
	Logger zerolog.Logger

	// Getenv looks up environment variables. Nil means os.Getenv.
	Getenv func(string) string
}

// NewHost returns a Host running commands through an ExecRunner.
func NewHost(logger zerolog.Logger, commandTimeout time.Duration) *Host {
	return &Host{
		Runner: &ExecRunner{Timeout: commandTimeout, Logger: logger},
		Logger: logger,
	}
}

// Run runs argv[0] with the remaining arguments.
func (h *Host) Run(ctx context.Context, argv []string) (int, error) {
	if len(argv) == 0 || argv[0] == "" {
		return -1, fmt.Errorf("run: empty command")
	}
	h.Logger.Info().Strs("argv", argv).Msg("Running installer command")
	return h.Runner.Run(ctx, argv[0], argv[1:]...)
}

// Exists reports whether path exists.
func (h *Host) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Env returns the value of an environment variable.
func (h *Host) Env(name string) string {
	if h.Getenv != nil {
		return h.Getenv(name)
	}
	return os.Getenv(name)
}
