package engine

import (
	"context"
	"errors"
	"os"
	"reflect"
	"sort"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

type processorFixture struct {
	repo     *fakeRepo
	resolver *fakeResolver
	record   *InstalledRecord
	spool    string
	gate     *DownloadGate
}

func newProcessorFixture(t *testing.T, entries ...RecordEntry) *processorFixture {
	t.Helper()
	return &processorFixture{
		repo:     newFakeRepo(),
		resolver: newFakeResolver(),
		record:   NewInstalledRecord(entries...),
		spool:    t.TempDir(),
	}
}

func (f *processorFixture) process(ctx context.Context, pkgs ...*Package) (*Processor, error) {
	proc := NewProcessor(ProcessorConfig{
		Repository: f.repo,
		Resolver:   f.resolver,
		Record:     f.record,
		SpoolDir:   f.spool,
		Gate:       f.gate,
		RunID:      "test-run",
		Logger:     zerolog.Nop(),
	})
	set := NewPackageSet()
	for _, p := range pkgs {
		set.Put(p)
	}
	return proc, proc.Process(ctx, NewInstallQueue(set))
}

func pkg(id string, priority int, method Method) *Package {
	p := &Package{
		ID:           id,
		Name:         id,
		InstallerRef: id + ".star",
		Version:      "1.0",
		Priority:     priority,
		Method:       method,
	}
	if method == MethodRemove {
		p.Priority = RemovalPriority
	}
	return p
}

func TestProcessorInstall(t *testing.T) {
	f := newProcessorFixture(t)
	inst := f.resolver.add("app.star", &fakeInstaller{result: true})

	p := pkg("app", 1, MethodInstall)
	proc, err := f.process(context.Background(), p)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if want := []string{"check", "install", "check"}; !reflect.DeepEqual(inst.calls, want) {
		t.Errorf("calls = %v, want %v", inst.calls, want)
	}
	if !inst.closed {
		t.Error("installer was not closed")
	}
	entry, ok := f.record.Get("app")
	if !ok || entry.Version != "1.0" || entry.InstallerRef != "app.star" {
		t.Errorf("record entry = %+v, %v", entry, ok)
	}
	outcomes := proc.Outcomes()
	if len(outcomes) != 1 || outcomes[0].Status != OutcomeApplied {
		t.Errorf("outcomes = %+v", outcomes)
	}
	if proc.RebootRequired() {
		t.Error("RebootRequired() = true, want false")
	}
}

func TestProcessorSkipRule(t *testing.T) {
	tests := []struct {
		name    string
		method  Method
		present bool
		entries []RecordEntry
		want    []string
		inRec   bool
	}{
		{
			name:    "install already present",
			method:  MethodInstall,
			present: true,
			want:    []string{"check"},
			inRec:   true,
		},
		{
			name:    "remove already absent",
			method:  MethodRemove,
			present: false,
			entries: []RecordEntry{{ID: "app", Version: "1.0"}},
			want:    []string{"check"},
			inRec:   false,
		},
		{
			name:    "upgrade never skips",
			method:  MethodUpgrade,
			present: true,
			entries: []RecordEntry{{ID: "app", Version: "0.9"}},
			want:    []string{"upgrade", "check"},
			inRec:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newProcessorFixture(t, tt.entries...)
			inst := f.resolver.add("app.star", &fakeInstaller{present: tt.present, result: true})

			proc, err := f.process(context.Background(), pkg("app", 1, tt.method))
			if err != nil {
				t.Fatalf("Process() error = %v", err)
			}
			if !reflect.DeepEqual(inst.calls, tt.want) {
				t.Errorf("calls = %v, want %v", inst.calls, tt.want)
			}
			entry, ok := f.record.Get("app")
			if ok != tt.inRec {
				t.Errorf("record has app = %v, want %v", ok, tt.inRec)
			}
			if ok && entry.Version != "1.0" {
				t.Errorf("record version = %q, want 1.0", entry.Version)
			}
			if tt.method != MethodUpgrade && proc.Outcomes()[0].Status != OutcomeSkipped {
				t.Errorf("status = %v, want skipped", proc.Outcomes()[0].Status)
			}
		})
	}
}

func TestProcessorRemove(t *testing.T) {
	f := newProcessorFixture(t, RecordEntry{ID: "old", Version: "1.0"})
	p := pkg("old", 0, MethodRemove)
	p.Files = []string{"old.msi"}
	inst := f.resolver.add("old.star", &fakeInstaller{present: true, result: true})

	if _, err := f.process(context.Background(), p); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if want := []string{"check", "remove", "check"}; !reflect.DeepEqual(inst.calls, want) {
		t.Errorf("calls = %v, want %v", inst.calls, want)
	}
	if _, ok := f.record.Get("old"); ok {
		t.Error("removed package still in record")
	}
	if len(f.repo.downloaded()) != 0 {
		t.Errorf("removals must not download files, got %v", f.repo.downloaded())
	}
}

func TestProcessorActionFailedKeepsCompletedPackages(t *testing.T) {
	f := newProcessorFixture(t, RecordEntry{ID: "prior", Version: "0.1"})
	f.resolver.add("first.star", &fakeInstaller{result: true})
	f.resolver.add("second.star", &fakeInstaller{result: false})
	third := f.resolver.add("third.star", &fakeInstaller{result: true})

	proc, err := f.process(context.Background(),
		pkg("first", 30, MethodInstall),
		pkg("second", 20, MethodInstall),
		pkg("third", 10, MethodInstall),
	)
	if !IsActionFailed(err) {
		t.Fatalf("expected ActionFailed, got %v", err)
	}
	var engErr *EngineError
	if errors.As(err, &engErr) && engErr.Resource != "second" {
		t.Errorf("Resource = %q, want second", engErr.Resource)
	}

	if _, ok := f.record.Get("first"); !ok {
		t.Error("completed package missing from record")
	}
	if _, ok := f.record.Get("prior"); !ok {
		t.Error("previously installed package missing from record")
	}
	if _, ok := f.record.Get("second"); ok {
		t.Error("failed package must not be recorded")
	}
	if len(third.calls) != 0 {
		t.Error("processing must stop at the first failure")
	}

	outcomes := proc.Outcomes()
	if len(outcomes) != 2 || outcomes[1].Status != OutcomeFailed || outcomes[1].Error == "" {
		t.Errorf("outcomes = %+v", outcomes)
	}
}

func TestProcessorVerificationMismatch(t *testing.T) {
	f := newProcessorFixture(t)
	f.resolver.add("app.star", &fakeInstaller{result: true, noEffect: true})

	_, err := f.process(context.Background(), pkg("app", 1, MethodInstall))
	if !IsPostActionVerification(err) {
		t.Fatalf("expected PostActionVerification, got %v", err)
	}
	if f.record.Len() != 0 {
		t.Error("unverified package must not be recorded")
	}
}

func TestProcessorInstallerNotFound(t *testing.T) {
	f := newProcessorFixture(t)
	_, err := f.process(context.Background(), pkg("app", 1, MethodInstall))
	if !IsInstallerNotFound(err) {
		t.Fatalf("expected InstallerNotFound, got %v", err)
	}
}

func TestProcessorInstallerFetchFailure(t *testing.T) {
	f := newProcessorFixture(t)
	f.repo.scripts["other.star"] = true
	_, err := f.process(context.Background(), pkg("app", 1, MethodInstall))
	if !IsRepositoryError(err) {
		t.Fatalf("expected RepositoryError, got %v", err)
	}
	var engErr *EngineError
	if errors.As(err, &engErr) && engErr.Operation != PhaseFetchInstaller {
		t.Errorf("Operation = %q, want %q", engErr.Operation, PhaseFetchInstaller)
	}
}

func TestProcessorMetaPackages(t *testing.T) {
	f := newProcessorFixture(t, RecordEntry{ID: "old-meta", Version: "1", IsMeta: true})

	install := pkg("meta", 5, MethodInstall)
	install.IsMeta = true
	install.RequiresReboot = true
	remove := pkg("old-meta", 0, MethodRemove)
	remove.IsMeta = true

	proc, err := f.process(context.Background(), install, remove)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if entry, ok := f.record.Get("meta"); ok {
		t.Errorf("installing a meta package wrote a record entry: %+v", entry)
	}
	if _, ok := f.record.Get("old-meta"); ok {
		t.Error("removed meta package still recorded")
	}
	if proc.RebootRequired() {
		t.Error("meta packages must not request a reboot")
	}
	for _, o := range proc.Outcomes() {
		if o.Status != OutcomeMeta {
			t.Errorf("%s status = %v, want meta", o.PackageID, o.Status)
		}
	}
}

func TestProcessorMetaUpgradeLeavesRecord(t *testing.T) {
	existing := RecordEntry{ID: "meta", Name: "Meta", Version: "1", Priority: 2, IsMeta: true}
	f := newProcessorFixture(t, existing)

	upgrade := pkg("meta", 9, MethodUpgrade)
	upgrade.IsMeta = true
	upgrade.Version = "2"

	if _, err := f.process(context.Background(), upgrade); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	entry, ok := f.record.Get("meta")
	if !ok || entry != existing {
		t.Errorf("record entry = %+v, want unchanged %+v", entry, existing)
	}
}

func TestProcessorRebootFlag(t *testing.T) {
	f := newProcessorFixture(t)
	f.resolver.add("a.star", &fakeInstaller{result: true})
	f.resolver.add("b.star", &fakeInstaller{result: true})
	f.resolver.add("c.star", &fakeInstaller{present: true, result: true})

	b := pkg("b", 2, MethodInstall)
	b.RequiresReboot = true
	c := pkg("c", 3, MethodInstall)
	c.RequiresReboot = true

	proc, err := f.process(context.Background(), pkg("a", 1, MethodInstall), b, c)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if !proc.RebootRequired() {
		t.Error("RebootRequired() = false, want true")
	}

	// A skipped package does not request a reboot.
	f2 := newProcessorFixture(t)
	f2.resolver.add("c.star", &fakeInstaller{present: true, result: true})
	proc2, err := f2.process(context.Background(), c)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if proc2.RebootRequired() {
		t.Error("skipped package must not request a reboot")
	}
}

func TestProcessorDownloadAndCleanup(t *testing.T) {
	f := newProcessorFixture(t)
	inst := f.resolver.add("app.star", &fakeInstaller{result: true})

	p := pkg("app", 1, MethodInstall)
	p.Files = []string{"setup.exe", "license.txt", "data.cab"}

	if _, err := f.process(context.Background(), p); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	want := []string{"app/data.cab", "app/license.txt", "app/setup.exe"}
	if got := f.repo.downloaded(); !reflect.DeepEqual(got, want) {
		t.Errorf("downloaded = %v, want %v", got, want)
	}

	seen := append([]string(nil), inst.filesSeen...)
	sort.Strings(seen)
	if !reflect.DeepEqual(seen, []string{"data.cab", "license.txt", "setup.exe"}) {
		t.Errorf("installer saw %v in the staging directory", seen)
	}

	dir := f.resolver.dirs["app"]
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("staging directory %s was not removed", dir)
	}
}

func TestProcessorCleanupOnFailure(t *testing.T) {
	f := newProcessorFixture(t)
	f.resolver.add("app.star", &fakeInstaller{result: false})
	p := pkg("app", 1, MethodInstall)
	p.Files = []string{"setup.exe"}

	if _, err := f.process(context.Background(), p); err == nil {
		t.Fatal("expected error")
	}
	if _, err := os.Stat(f.resolver.dirs["app"]); !os.IsNotExist(err) {
		t.Error("staging directory must be removed after a failure")
	}
}

func TestProcessorDownloadFailure(t *testing.T) {
	f := newProcessorFixture(t)
	inst := f.resolver.add("app.star", &fakeInstaller{result: true})
	f.repo.fileErr["broken.cab"] = errors.New("connection reset")

	p := pkg("app", 1, MethodInstall)
	p.Files = []string{"broken.cab"}

	_, err := f.process(context.Background(), p)
	if !IsRepositoryError(err) {
		t.Fatalf("expected RepositoryError, got %v", err)
	}
	for _, c := range inst.calls {
		if c == "install" {
			t.Error("install must not run after a failed download")
		}
	}
}

func TestProcessorDownloadGate(t *testing.T) {
	f := newProcessorFixture(t)
	f.gate = NewDownloadGate()
	f.resolver.add("app.star", &fakeInstaller{result: true})

	p := pkg("app", 1, MethodInstall)
	p.Files = []string{"setup.exe"}

	var (
		mu      sync.Mutex
		signals []DownloadPhase
		dirOK   bool
		wg      sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for sig := range f.gate.Signals() {
			mu.Lock()
			signals = append(signals, sig.Phase)
			if sig.Phase == DownloadFinished {
				// The staging directory still exists while the watcher holds the ack.
				_, err := os.Stat(sig.Dir)
				dirOK = err == nil && sig.Err == nil
			}
			mu.Unlock()
			sig.Ack()
		}
	}()

	_, err := f.process(context.Background(), p)
	f.gate.Close()
	wg.Wait()

	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if want := []DownloadPhase{DownloadStarted, DownloadFinished}; !reflect.DeepEqual(signals, want) {
		t.Errorf("signals = %v, want %v", signals, want)
	}
	if !dirOK {
		t.Error("finished signal should see the downloaded staging directory")
	}
}

func TestProcessorCancelledBetweenPackages(t *testing.T) {
	f := newProcessorFixture(t)
	f.resolver.add("a.star", &fakeInstaller{result: true})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	proc, err := f.process(ctx, pkg("a", 1, MethodInstall))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if len(proc.Outcomes()) != 0 {
		t.Errorf("no package should start after cancellation")
	}
}
