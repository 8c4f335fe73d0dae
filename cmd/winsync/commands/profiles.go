package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/winsync/winsync/pkg/profile"
)

func newProfilesCommand() *cobra.Command {
	var showInfo bool

	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "Show the repository's profiles and which apply to this machine",
		Long: `Fetch profiles.ini from the repository and evaluate every profile against
this machine's system information. A profile applies when the variable it
names exists and its value matches the profile's pattern from the start.`,
		Example: `  # Profiles and whether they apply
  winsync profiles

  # Include the collected system information
  winsync profiles --info`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg, appOptions{repository: true})
			if err != nil {
				return err
			}
			defer a.Close(ctx)
			ctx = a.context(ctx)

			if err := a.repo.StartSession(ctx); err != nil {
				return err
			}
			profiles, err := profile.NewSelector(a.repo, a.info, a.logger).Profiles(ctx)
			if eerr := a.repo.EndSession(ctx); eerr != nil {
				a.logger.Warn().Err(eerr).Msg("Failed to end repository session")
			}
			if err != nil {
				return err
			}

			type profileView struct {
				*profile.Profile
				Applies bool `json:"applies"`
			}
			views := make([]profileView, len(profiles))
			for i, p := range profiles {
				views[i] = profileView{Profile: p, Applies: p.Applies(a.info)}
			}

			w := cmd.OutOrStdout()
			if jsonOutput {
				out := map[string]interface{}{"profiles": views}
				if showInfo {
					out["system_info"] = a.info
				}
				return writeJSON(w, out)
			}

			if showInfo {
				boldColor.Fprintln(w, "System information:")
				keys := make([]string, 0, len(a.info))
				for k := range a.info {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Fprintf(w, "  %s = %s\n", k, a.info[k])
				}
				fmt.Fprintln(w)
			}

			boldColor.Fprintln(w, "Profiles:")
			for _, v := range views {
				mark := dimColor.Sprint("-")
				if v.Applies {
					mark = installColor.Sprint("✓")
				}
				fmt.Fprintf(w, "  %s %s (%s ~ %q): %s\n", mark, v.ID, v.Variable, v.Match, strings.Join(v.Packages, ", "))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showInfo, "info", false, "print the collected system information")
	return cmd
}
