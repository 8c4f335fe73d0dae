package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/winsync/winsync/pkg/engine"
)

var (
	installColor = color.New(color.FgGreen)
	upgradeColor = color.New(color.FgYellow)
	removeColor  = color.New(color.FgRed)
	dimColor     = color.New(color.Faint)
	boldColor    = color.New(color.Bold)
)

func methodColor(m engine.Method) *color.Color {
	switch m {
	case engine.MethodUpgrade:
		return upgradeColor
	case engine.MethodRemove:
		return removeColor
	default:
		return installColor
	}
}

func methodSymbol(m engine.Method) string {
	switch m {
	case engine.MethodUpgrade:
		return "~"
	case engine.MethodRemove:
		return "-"
	default:
		return "+"
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printPlan writes the queue in processing order.
func printPlan(w io.Writer, plan *engine.Plan) {
	if len(plan.Entries) == 0 {
		fmt.Fprintln(w, "No changes. Installed packages match the selected profiles.")
		return
	}

	boldColor.Fprintf(w, "Queue (%d action(s), processing order):\n", len(plan.Entries))
	for _, e := range plan.Entries {
		c := methodColor(e.Method)
		var flags []string
		if e.IsMeta {
			flags = append(flags, "meta")
		}
		if e.Reboot {
			flags = append(flags, "reboot")
		}
		line := fmt.Sprintf("  %s %-8s %s", methodSymbol(e.Method), e.Method, e.ID)
		if e.Version != "" {
			line += " " + e.Version
		}
		c.Fprint(w, line)
		if len(flags) > 0 {
			dimColor.Fprintf(w, " [%s]", strings.Join(flags, ", "))
		}
		if e.Method != engine.MethodRemove {
			dimColor.Fprintf(w, " (priority %d)", e.Priority)
		}
		fmt.Fprintln(w)
	}

	s := plan.Summary
	fmt.Fprintf(w, "\nPlan: %s to install, %s to upgrade, %s to remove, %d up to date.\n",
		installColor.Sprint(s.Install), upgradeColor.Sprint(s.Upgrade), removeColor.Sprint(s.Remove), s.Satisfied)
}

// printResult writes the outcome of a run.
func printResult(w io.Writer, result *engine.RunResult) {
	for _, o := range result.Outcomes {
		status := string(o.Status)
		switch o.Status {
		case engine.OutcomeApplied:
			status = methodColor(o.Method).Sprint(status)
		case engine.OutcomeFailed:
			status = removeColor.Sprint(status)
		default:
			status = dimColor.Sprint(status)
		}
		fmt.Fprintf(w, "  %-8s %-30s %s", o.Method, o.PackageID, status)
		if o.Error != "" {
			fmt.Fprintf(w, ": %s", o.Error)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "\nRun %s finished in %s.\n", result.RunID, result.FinishedAt.Sub(result.StartedAt).Round(time.Millisecond))
	if result.RebootRequired {
		upgradeColor.Fprintln(w, "A reboot is required.")
	}
}
