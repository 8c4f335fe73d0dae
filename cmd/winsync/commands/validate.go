package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/winsync/winsync/pkg/engine"
	"github.com/winsync/winsync/pkg/profile"
	"github.com/winsync/winsync/pkg/repository"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a repository's metadata records and profiles",
		Long: `Parse every metadata record of a repository directory, expand the
dependency graph of all packages and report cycles and priority violations.
When the directory holds a profiles.ini, every package it names must have
a record.

The path is either a repository root (with info/ and profiles.ini) or a
directory of <id>.ini records.`,
		Example: `  # Validate a checked-out repository
  winsync validate /srv/winsync

  # Validate a directory of records
  winsync validate ./info`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) > 0 {
				path = args[0]
			}
			log.Info().Str("path", path).Msg("Validating repository")

			report, err := validateRepository(cmd.Context(), path)
			if err != nil {
				return err
			}
			if jsonOutput {
				if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			} else {
				report.print(cmd.OutOrStdout())
			}
			if !report.OK() {
				return fmt.Errorf("validation failed with %d error(s)", len(report.Errors))
			}
			return nil
		},
	}
	return cmd
}

type validationReport struct {
	Packages int      `json:"packages"`
	Profiles int      `json:"profiles"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
	Order    []string `json:"order,omitempty"`
}

func (r *validationReport) OK() bool {
	return len(r.Errors) == 0
}

func (r *validationReport) print(w io.Writer) {
	for _, e := range r.Errors {
		removeColor.Fprintf(w, "✗ %s\n", e)
	}
	for _, warn := range r.Warnings {
		upgradeColor.Fprintf(w, "! %s\n", warn)
	}
	if r.OK() {
		installColor.Fprintf(w, "✓ %d package(s), %d profile(s) valid\n", r.Packages, r.Profiles)
	}
}

func validateRepository(ctx context.Context, root string) (*validationReport, error) {
	infoDir := filepath.Join(root, repository.InfoDir)
	if fi, err := os.Stat(infoDir); err != nil || !fi.IsDir() {
		infoDir = root
	}

	matches, err := filepath.Glob(filepath.Join(infoDir, "*.ini"))
	if err != nil {
		return nil, err
	}
	report := &validationReport{Errors: []string{}, Warnings: []string{}}

	var ids []string
	for _, m := range matches {
		id := strings.TrimSuffix(filepath.Base(m), ".ini")
		if id == strings.TrimSuffix(repository.ProfilesFile, ".ini") {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	report.Packages = len(ids)
	if len(ids) == 0 {
		return nil, fmt.Errorf("no metadata records in %s", infoDir)
	}

	loader := engine.NewMetadataLoader(engine.MetadataLoaderConfig{CacheDir: infoDir, SkipFetch: true})

	// Parse each record on its own first so every broken record is reported.
	for _, id := range ids {
		if _, err := loader.Load(ctx, id); err != nil {
			report.Errors = append(report.Errors, err.Error())
		}
	}

	if profilesData, err := os.ReadFile(filepath.Join(root, repository.ProfilesFile)); err == nil {
		profiles, err := profile.Parse(profilesData)
		if err != nil {
			report.Errors = append(report.Errors, err.Error())
		}
		report.Profiles = len(profiles)
		for _, p := range profiles {
			for _, id := range p.Packages {
				if !slices.Contains(ids, id) {
					report.Errors = append(report.Errors, fmt.Sprintf("profile %s: package %s has no metadata record", p.ID, id))
				}
			}
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	if !report.OK() {
		return report, nil
	}

	builder := engine.NewGraphBuilder(loader, log.Logger)
	if err := builder.Add(ctx, ids...); err != nil {
		report.Errors = append(report.Errors, err.Error())
		return report, nil
	}
	for _, v := range builder.Violations() {
		report.Warnings = append(report.Warnings, v.String())
	}
	for _, p := range engine.NewInstallQueue(builder.Set()).Snapshot() {
		report.Order = append(report.Order, fmt.Sprintf("%d %s", p.Priority, p.ID))
	}
	return report, nil
}
