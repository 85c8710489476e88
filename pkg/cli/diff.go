package cli

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/agentvcr/agentvcr/pkg/cli/internal/output"
	"github.com/agentvcr/agentvcr/pkg/diff"
	"github.com/agentvcr/agentvcr/pkg/project"
)

var (
	diffBaselineProject string
	diffCurrentProject  string
	diffFormat          string
	diffFailOnBreaking  bool
	diffCompareLatency  bool
)

var diffCmd = &cobra.Command{
	Use:   "diff [baseline.vcr current.vcr]",
	Short: "Compare two recordings or two project manifests",
	Args:  cobra.MaximumNArgs(2),
	Example: `  agentvcr diff baseline.vcr current.vcr
  agentvcr diff baseline.vcr current.vcr --format json --fail-on-breaking
  agentvcr diff --baseline-project base.json --current-project current.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if diffBaselineProject != "" && diffCurrentProject != "" {
			return diffProjects(diffBaselineProject, diffCurrentProject)
		}
		if len(args) != 2 {
			return fmt.Errorf("provide either (baseline, current) or (--baseline-project, --current-project)")
		}

		res, err := diff.CompareFiles(args[0], args[1], diff.Options{
			CompareLatency: diffCompareLatency,
			Logger:         cliLogger(),
		})
		if err != nil {
			return err
		}

		if diffFormat == "json" {
			if err := output.JSON(res); err != nil {
				return err
			}
		} else {
			fmt.Println(res.Summary())
			if !res.IsIdentical {
				fmt.Println()
				fmt.Println(res.Detailed())
			}
		}

		if diffFailOnBreaking && !res.IsCompatible {
			return fmt.Errorf("breaking changes detected")
		}
		return nil
	},
}

// diffProjects compares two project manifests endpoint by endpoint and
// aggregates the results.
func diffProjects(baselinePath, currentPath string) error {
	baseByEndpoint, err := manifestPathsByEndpoint(baselinePath)
	if err != nil {
		return err
	}
	curByEndpoint, err := manifestPathsByEndpoint(currentPath)
	if err != nil {
		return err
	}

	endpoints := make(map[string]struct{})
	for ep := range baseByEndpoint {
		endpoints[ep] = struct{}{}
	}
	for ep := range curByEndpoint {
		endpoints[ep] = struct{}{}
	}
	if len(endpoints) == 0 {
		fmt.Println("No recordings in manifests.")
		return nil
	}
	ordered := make([]string, 0, len(endpoints))
	for ep := range endpoints {
		ordered = append(ordered, ep)
	}
	sort.Strings(ordered)

	var totalAdded, totalRemoved, totalModified int
	var allBreaking []string

	fmt.Println("Project diff")
	fmt.Printf("  Baseline manifest: %s\n", baselinePath)
	fmt.Printf("  Current manifest:  %s\n", currentPath)
	fmt.Println()
	for _, ep := range ordered {
		basePath, inBase := baseByEndpoint[ep]
		curPath, inCur := curByEndpoint[ep]
		switch {
		case !inBase:
			fmt.Printf("  %s: only in current (all added)\n", ep)
			continue
		case !inCur:
			fmt.Printf("  %s: only in baseline (all removed)\n", ep)
			continue
		}

		res, err := diff.CompareFiles(basePath, curPath, diff.Options{CompareLatency: diffCompareLatency})
		if err != nil {
			output.Warn("%s: diff failed: %v", ep, err)
			continue
		}
		fmt.Printf("  %s: added=%d, removed=%d, modified=%d, breaking=%d\n",
			ep, len(res.Added), len(res.Removed), len(res.Modified), len(res.BreakingChanges))
		totalAdded += len(res.Added)
		totalRemoved += len(res.Removed)
		totalModified += len(res.Modified)
		allBreaking = append(allBreaking, res.BreakingChanges...)
	}

	fmt.Println()
	fmt.Printf("  Total: added=%d, removed=%d, modified=%d, breaking=%d\n",
		totalAdded, totalRemoved, totalModified, len(allBreaking))
	if len(allBreaking) > 0 {
		fmt.Println("Breaking changes:")
		for i, b := range allBreaking {
			if i == 20 {
				fmt.Printf("    ... and %d more\n", len(allBreaking)-20)
				break
			}
			fmt.Printf("    %s\n", b)
		}
	}

	if diffFailOnBreaking && len(allBreaking) > 0 {
		return fmt.Errorf("breaking changes detected")
	}
	return nil
}

// manifestPathsByEndpoint resolves each manifest entry's path relative to
// the manifest file and keys them by endpoint id.
func manifestPathsByEndpoint(manifestPath string) (map[string]string, error) {
	m, err := project.LoadManifest(manifestPath)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(manifestPath)
	byEndpoint := make(map[string]string, len(m.Recordings))
	for _, entry := range m.Recordings {
		path := entry.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		byEndpoint[entry.EndpointID] = path
	}
	return byEndpoint, nil
}

func init() {
	diffCmd.Flags().StringVar(&diffBaselineProject, "baseline-project", "", "Baseline project manifest")
	diffCmd.Flags().StringVar(&diffCurrentProject, "current-project", "", "Current project manifest")
	diffCmd.Flags().StringVar(&diffFormat, "format", "text", "Output format: text or json")
	diffCmd.Flags().BoolVar(&diffFailOnBreaking, "fail-on-breaking", false, "Exit with code 1 if breaking changes are detected")
	diffCmd.Flags().BoolVar(&diffCompareLatency, "compare-latency", false, "Also flag latency regressions as breaking")
	rootCmd.AddCommand(diffCmd)
}
