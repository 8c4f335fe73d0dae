package installer

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// fakeRunner records commands. "touch PATH" creates PATH and "fail"
// exits 3; anything else exits 0.
type fakeRunner struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (int, error) {
	f.mu.Lock()
	f.calls = append(f.calls, strings.Join(append([]string{name}, args...), " "))
	f.mu.Unlock()

	switch name {
	case "touch":
		for _, path := range args {
			if err := os.WriteFile(path, nil, 0o644); err != nil {
				return 1, nil
			}
		}
		return 0, nil
	case "fail":
		return 3, nil
	}
	return 0, nil
}

func (f *fakeRunner) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newTestHost() (*Host, *fakeRunner) {
	runner := &fakeRunner{}
	return &Host{
		Runner: runner,
		Logger: zerolog.Nop(),
		Getenv: func(name string) string {
			if name == "SYSTEMDRIVE" {
				return "C:"
			}
			return ""
		},
	}, runner
}
