package stores

import (
	"time"
)

// RunStatus represents the status of an agent run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Run is one row of run history.
type Run struct {
	ID             string     `json:"id"`
	Status         RunStatus  `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	RebootRequired bool       `json:"reboot_required"`
	Install        int        `json:"install"`
	Upgrade        int        `json:"upgrade"`
	Remove         int        `json:"remove"`
	ErrorCode      *string    `json:"error_code,omitempty"`
	Error          *string    `json:"error,omitempty"`
}

// Duration returns how long the run took, or zero while it is running.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// RunPackage is the outcome of one package in a run, in processing order.
type RunPackage struct {
	RunID     string        `json:"run_id"`
	Seq       int           `json:"seq"`
	PackageID string        `json:"package_id"`
	Method    string        `json:"method"`
	Status    string        `json:"status"`
	Duration  time.Duration `json:"duration"`
	Error     *string       `json:"error,omitempty"`
}

// RunEvent is a persisted lifecycle event.
type RunEvent struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	PackageID *string   `json:"package_id,omitempty"`
	Type      string    `json:"type"`
	Level     string    `json:"level"`
	Phase     *string   `json:"phase,omitempty"`
	Message   string    `json:"message"`
	Data      *string   `json:"data,omitempty"` // JSON blob
	CreatedAt time.Time `json:"created_at"`
}

// InstalledPackage is an installed-record entry together with the time it
// was last written.
type InstalledPackage struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	InstallerRef string    `json:"installer"`
	Version      string    `json:"version"`
	Priority     int       `json:"priority"`
	IsMeta       bool      `json:"meta"`
	UpdatedAt    time.Time `json:"updated_at"`
}
