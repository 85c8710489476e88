package diff

import (
	"fmt"
	"strings"
	"text/tabwriter"
)

// Summary renders a concise multi-line overview of the diff.
func (r *Result) Summary() string {
	if r.IsIdentical {
		return "Recordings are identical."
	}

	var b strings.Builder
	b.WriteString("Differences detected:\n")
	fmt.Fprintf(&b, "  Added interactions: %d\n", len(r.Added))
	fmt.Fprintf(&b, "  Removed interactions: %d\n", len(r.Removed))
	fmt.Fprintf(&b, "  Modified interactions: %d\n", len(r.Modified))

	if r.IsCompatible {
		b.WriteString("\nStatus: COMPATIBLE (no breaking changes)")
	} else {
		b.WriteString("\nStatus: INCOMPATIBLE (breaking changes detected)")
		b.WriteString("\n\nBreaking changes:")
		for _, change := range r.BreakingChanges {
			b.WriteString("\n  - " + change)
		}
	}
	return b.String()
}

// Detailed renders the full diff with per-interaction tables.
func (r *Result) Detailed() string {
	if r.IsIdentical {
		return "Recordings are identical.\n"
	}

	var b strings.Builder
	b.WriteString("Diff Summary\n")
	w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CATEGORY\tCOUNT")
	fmt.Fprintf(w, "Added\t%d\n", len(r.Added))
	fmt.Fprintf(w, "Removed\t%d\n", len(r.Removed))
	fmt.Fprintf(w, "Modified\t%d\n", len(r.Modified))
	w.Flush()

	if len(r.Added) > 0 {
		b.WriteString("\nAdded Interactions\n")
		w = tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "METHOD\tID")
		for _, in := range r.Added {
			if in.Request != nil {
				fmt.Fprintf(w, "%s\t%v\n", in.Request.Method, in.Request.ID)
			}
		}
		w.Flush()
	}

	if len(r.Removed) > 0 {
		b.WriteString("\nRemoved Interactions\n")
		w = tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "METHOD\tID")
		for _, in := range r.Removed {
			if in.Request != nil {
				fmt.Fprintf(w, "%s\t%v\n", in.Request.Method, in.Request.ID)
			}
		}
		w.Flush()
	}

	if len(r.Modified) > 0 {
		b.WriteString("\nModified Interactions\n")
		w = tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "METHOD\tCOMPATIBLE")
		for _, mod := range r.Modified {
			compatible := "yes"
			if !mod.IsCompatible() {
				compatible = "no"
			}
			fmt.Fprintf(w, "%s\t%s\n", mod.Method, compatible)
		}
		w.Flush()
	}

	if len(r.BreakingChanges) > 0 {
		b.WriteString("\nBreaking Changes\n")
		for _, change := range r.BreakingChanges {
			b.WriteString("  x " + change + "\n")
		}
	} else {
		b.WriteString("\nNo breaking changes detected\n")
	}
	return b.String()
}
