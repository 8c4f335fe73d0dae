package engine

import (
	"context"

	"github.com/rs/zerolog"
)

// Reconciler classifies a desired package set against the installed record.
type Reconciler struct {
	// loader fetches metadata of packages being removed. It must not expand
	// their dependencies.
	loader PackageLoader
	logger zerolog.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(loader PackageLoader, logger zerolog.Logger) *Reconciler {
	return &Reconciler{loader: loader, logger: logger}
}

// Reconcile assigns a method to every package in set and prunes packages
// that need no action. Desired packages absent from the record keep
// MethodInstall. The record is not modified.
func (r *Reconciler) Reconcile(ctx context.Context, set *PackageSet, record *InstalledRecord) (ReconcileSummary, error) {
	var summary ReconcileSummary

	for _, entry := range record.Entries() {
		p, desired := set.Get(entry.ID)
		switch {
		case desired && p.Version != entry.Version:
			p.Method = MethodUpgrade
			summary.Upgrade++
			r.logger.Debug().
				Str("package_id", p.ID).
				Str("installed", entry.Version).
				Str("desired", p.Version).
				Msg("Package scheduled for upgrade")

		case desired:
			set.Delete(entry.ID)
			summary.Satisfied++

		default:
			removal, err := r.removal(ctx, entry)
			if err != nil {
				return summary, err
			}
			set.Put(removal)
			summary.Remove++
			r.logger.Debug().Str("package_id", entry.ID).Msg("Package scheduled for removal")
		}
	}

	for _, p := range set.Packages() {
		if p.Method == MethodInstall {
			summary.Install++
		}
	}
	return summary, nil
}

// removal builds the Package for an installed entry that is no longer
// desired. A package retired from the repository is rebuilt from its entry.
func (r *Reconciler) removal(ctx context.Context, entry RecordEntry) (*Package, error) {
	p, err := r.loader.Load(ctx, entry.ID)
	if err != nil {
		if !IsNotFound(err) {
			return nil, err
		}
		r.logger.Warn().
			Str("package_id", entry.ID).
			Msg("Metadata no longer in repository, removing from installed record entry")
		p = &Package{
			ID:           entry.ID,
			Name:         entry.Name,
			InstallerRef: entry.InstallerRef,
			Version:      entry.Version,
			IsMeta:       entry.IsMeta,
		}
	}

	p.Method = MethodRemove
	p.Priority = RemovalPriority
	return p, nil
}
