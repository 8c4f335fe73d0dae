package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// fakeLoader serves package templates keyed by id.
type fakeLoader struct {
	mu    sync.Mutex
	pkgs  map[string]Package
	errs  map[string]error
	calls map[string]int
}

func newFakeLoader(pkgs ...Package) *fakeLoader {
	l := &fakeLoader{
		pkgs:  make(map[string]Package),
		errs:  make(map[string]error),
		calls: make(map[string]int),
	}
	for _, p := range pkgs {
		l.pkgs[p.ID] = p
	}
	return l
}

func (l *fakeLoader) Load(ctx context.Context, id string) (*Package, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[id]++
	if err, ok := l.errs[id]; ok {
		return nil, err
	}
	tmpl, ok := l.pkgs[id]
	if !ok {
		return nil, NewNotFoundError(id, nil)
	}
	p := tmpl
	p.ID = id
	if p.Name == "" {
		p.Name = id
	}
	if p.InstallerRef == "" {
		p.InstallerRef = id + ".star"
	}
	if p.Version == "" {
		p.Version = "1.0"
	}
	p.Depend = append([]string(nil), tmpl.Depend...)
	p.Chain = append([]string(nil), tmpl.Chain...)
	p.Files = append([]string(nil), tmpl.Files...)
	p.Source = nil
	return &p, nil
}

// fakeRepo records session and download calls.
type fakeRepo struct {
	mu        sync.Mutex
	scripts   map[string]bool
	fileErr   map[string]error
	startErr  error
	started   int
	ended     int
	downloads []string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{scripts: make(map[string]bool), fileErr: make(map[string]error)}
}

func (r *fakeRepo) StartSession(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
	return r.startErr
}

func (r *fakeRepo) EndSession(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended++
	return nil
}

func (r *fakeRepo) FetchMetadata(ctx context.Context, id string) ([]byte, error) {
	return nil, NewNotFoundError(id, nil)
}

func (r *fakeRepo) FetchInstallerScript(ctx context.Context, ref string) (*InstallerScript, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.scripts) > 0 && !r.scripts[ref] {
		return nil, fmt.Errorf("no such installer %q", ref)
	}
	return &InstallerScript{Ref: ref, Data: []byte("# " + ref)}, nil
}

func (r *fakeRepo) FetchArchiveFile(ctx context.Context, id, filename, destDir string) (string, error) {
	r.mu.Lock()
	err := r.fileErr[filename]
	r.downloads = append(r.downloads, id+"/"+filename)
	r.mu.Unlock()
	if err != nil {
		return "", err
	}
	path := filepath.Join(destDir, filename)
	if werr := os.WriteFile(path, []byte(filename), 0o644); werr != nil {
		return "", werr
	}
	return path, nil
}

func (r *fakeRepo) downloaded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]string(nil), r.downloads...)
	sort.Strings(out)
	return out
}

// fakeInstaller simulates a machine where an action flips the installed
// state unless noEffect is set.
type fakeInstaller struct {
	present  bool
	result   bool
	noEffect bool
	checkErr error
	calls    []string
	closed   bool

	// filesSeen lists the staging directory contents at act time.
	filesDir  string
	filesSeen []string
}

func (f *fakeInstaller) Check(ctx context.Context) (bool, error) {
	f.calls = append(f.calls, "check")
	return f.present, f.checkErr
}

func (f *fakeInstaller) act(name string, want bool) (bool, error) {
	f.calls = append(f.calls, name)
	if f.filesDir != "" {
		entries, _ := os.ReadDir(f.filesDir)
		for _, e := range entries {
			f.filesSeen = append(f.filesSeen, e.Name())
		}
	}
	if f.result && !f.noEffect {
		f.present = want
	}
	return f.result, nil
}

func (f *fakeInstaller) Install(ctx context.Context) (bool, error) { return f.act("install", true) }
func (f *fakeInstaller) Upgrade(ctx context.Context) (bool, error) { return f.act("upgrade", true) }
func (f *fakeInstaller) Remove(ctx context.Context) (bool, error)  { return f.act("remove", false) }

func (f *fakeInstaller) Close(ctx context.Context) error {
	f.closed = true
	return nil
}

// fakeResolver hands out installers by installer reference.
type fakeResolver struct {
	installers map[string]*fakeInstaller
	dirs       map[string]string
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{installers: make(map[string]*fakeInstaller), dirs: make(map[string]string)}
}

func (r *fakeResolver) add(ref string, inst *fakeInstaller) *fakeInstaller {
	r.installers[ref] = inst
	return inst
}

func (r *fakeResolver) Resolve(ctx context.Context, script *InstallerScript, env InstallerEnv) (Installer, error) {
	inst, ok := r.installers[script.Ref]
	if !ok {
		return nil, NewInstallerNotFoundError(env.Package.ID, script.Ref, errors.New("entry point not defined"))
	}
	inst.filesDir = env.FilesDir
	r.dirs[env.Package.ID] = env.FilesDir
	return inst, nil
}

// memStore keeps the record in memory.
type memStore struct {
	entries []RecordEntry
	saves   int
	loadErr error
}

func (s *memStore) Load(ctx context.Context) (*InstalledRecord, error) {
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return NewInstalledRecord(s.entries...), nil
}

func (s *memStore) Save(ctx context.Context, record *InstalledRecord) error {
	s.saves++
	s.entries = record.Entries()
	return nil
}

func (s *memStore) get(id string) (RecordEntry, bool) {
	for _, e := range s.entries {
		if e.ID == id {
			return e, true
		}
	}
	return RecordEntry{}, false
}

type staticSelector []string

func (s staticSelector) Select(ctx context.Context) ([]string, error) {
	return s, nil
}

type recorder struct {
	begun    string
	finished *RunResult
	err      error
}

func (r *recorder) BeginRun(ctx context.Context, runID string, startedAt time.Time) error {
	r.begun = runID
	return nil
}

func (r *recorder) FinishRun(ctx context.Context, result *RunResult, runErr error) error {
	r.finished = result
	r.err = runErr
	return nil
}
