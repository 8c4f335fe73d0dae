package commands

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/winsync/winsync/pkg/engine"
	"github.com/winsync/winsync/pkg/stores"
)

func newStateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect and edit the installed-state record",
	}
	cmd.AddCommand(newStateListCommand())
	cmd.AddCommand(newStateShowCommand())
	cmd.AddCommand(newStateForgetCommand())
	return cmd
}

// withState runs fn with a store-only app.
func withState(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close(ctx)
	return fn(ctx, a)
}

// installedPackages returns the record with timestamps when the backend
// keeps them.
func (a *app) installedPackages(ctx context.Context) ([]*stores.InstalledPackage, error) {
	if a.sqlite != nil {
		return a.sqlite.ListInstalled(ctx)
	}
	record, err := a.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	var out []*stores.InstalledPackage
	for _, e := range record.Entries() {
		out = append(out, &stores.InstalledPackage{
			ID:           e.ID,
			Name:         e.Name,
			InstallerRef: e.InstallerRef,
			Version:      e.Version,
			Priority:     e.Priority,
			IsMeta:       e.IsMeta,
		})
	}
	return out, nil
}

func newStateListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed packages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withState(cmd, func(ctx context.Context, a *app) error {
				pkgs, err := a.installedPackages(ctx)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd.OutOrStdout(), pkgs)
				}
				if len(pkgs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No packages installed.")
					return nil
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tVERSION\tPRIORITY\tINSTALLER\tMETA")
				for _, p := range pkgs {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%t\n", p.ID, p.Version, p.Priority, p.InstallerRef, p.IsMeta)
				}
				return tw.Flush()
			})
		},
	}
}

func newStateShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <package-id>",
		Short: "Show one installed package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withState(cmd, func(ctx context.Context, a *app) error {
				pkgs, err := a.installedPackages(ctx)
				if err != nil {
					return err
				}
				for _, p := range pkgs {
					if p.ID != args[0] {
						continue
					}
					if jsonOutput {
						return writeJSON(cmd.OutOrStdout(), p)
					}
					w := cmd.OutOrStdout()
					fmt.Fprintf(w, "ID:        %s\n", p.ID)
					fmt.Fprintf(w, "Name:      %s\n", p.Name)
					fmt.Fprintf(w, "Version:   %s\n", p.Version)
					fmt.Fprintf(w, "Priority:  %d\n", p.Priority)
					fmt.Fprintf(w, "Installer: %s\n", p.InstallerRef)
					fmt.Fprintf(w, "Meta:      %t\n", p.IsMeta)
					if !p.UpdatedAt.IsZero() {
						fmt.Fprintf(w, "Updated:   %s\n", p.UpdatedAt.Format("2006-01-02 15:04:05"))
					}
					return nil
				}
				return fmt.Errorf("package %s is not installed", args[0])
			})
		},
	}
}

func newStateForgetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "forget <package-id>",
		Short: "Drop a package from the record without removing it",
		Long: `Drop a package from the installed-state record. Nothing is uninstalled;
the next run treats the package as not installed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withState(cmd, func(ctx context.Context, a *app) error {
				if err := a.forget(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Forgot %s\n", id)
				return nil
			})
		},
	}
}

func (a *app) forget(ctx context.Context, id string) error {
	if err := engine.ValidatePackageID(id); err != nil {
		return err
	}
	if a.sqlite != nil {
		err := a.sqlite.ForgetPackage(ctx, id)
		if errors.Is(err, stores.ErrNotFound) {
			return fmt.Errorf("package %s is not installed", id)
		}
		return err
	}

	record, err := a.store.Load(ctx)
	if err != nil {
		return err
	}
	if _, ok := record.Get(id); !ok {
		return fmt.Errorf("package %s is not installed", id)
	}
	record.Delete(id)
	return a.store.Save(ctx, record)
}
