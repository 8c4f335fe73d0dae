package engine

import (
	"context"
	"sync"
)

// DownloadPhase identifies which side of a download a signal belongs to.
type DownloadPhase string

const (
	// DownloadStarted is sent before the first archive file is requested.
	DownloadStarted DownloadPhase = "started"

	// DownloadFinished is sent after the last file completed or failed, and
	// before the staging directory is cleaned up.
	DownloadFinished DownloadPhase = "finished"
)

// DownloadSignal tells a watcher about a download. The processor blocks
// until the watcher calls Ack.
type DownloadSignal struct {
	Phase     DownloadPhase
	PackageID string
	Files     []string
	Dir       string

	// Err is the download error, set only on DownloadFinished.
	Err error

	ack  chan struct{}
	once sync.Once
}

// Ack releases the processor. Calling it more than once is harmless.
func (s *DownloadSignal) Ack() {
	s.once.Do(func() { close(s.ack) })
}

// DownloadGate is the coordination point between the queue processor and a
// progress watcher running in another goroutine. A gate handed to a
// processor must have a consumer draining Signals.
type DownloadGate struct {
	signals chan *DownloadSignal
	once    sync.Once
}

// NewDownloadGate creates a gate.
func NewDownloadGate() *DownloadGate {
	return &DownloadGate{signals: make(chan *DownloadSignal)}
}

// Signals returns the channel a watcher ranges over. It is closed by Close.
func (g *DownloadGate) Signals() <-chan *DownloadSignal {
	return g.signals
}

// Close ends the watcher's range loop. It must not be called while a
// processor is still using the gate.
func (g *DownloadGate) Close() {
	g.once.Do(func() { close(g.signals) })
}

// notify sends a signal and waits for its acknowledgement. A nil gate is a
// no-op.
func (g *DownloadGate) notify(ctx context.Context, sig *DownloadSignal) error {
	if g == nil {
		return nil
	}
	sig.ack = make(chan struct{})

	select {
	case g.signals <- sig:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-sig.ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
