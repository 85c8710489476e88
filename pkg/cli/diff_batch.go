package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentvcr/agentvcr/pkg/cli/internal/output"
	"github.com/agentvcr/agentvcr/pkg/diff"
)

var (
	diffBatchFormat         string
	diffBatchFailOnBreaking bool
)

// diffBatchPairs is the shape of the pairs file.
type diffBatchPairs struct {
	Pairs []struct {
		Baseline string `json:"baseline"`
		Current  string `json:"current"`
	} `json:"pairs"`
}

// diffBatchResult is one pair's outcome in the report.
type diffBatchResult struct {
	Baseline        string   `json:"baseline"`
	Current         string   `json:"current"`
	IsIdentical     bool     `json:"is_identical"`
	IsCompatible    bool     `json:"is_compatible"`
	BreakingChanges []string `json:"breaking_changes"`
}

var diffBatchCmd = &cobra.Command{
	Use:   "diff-batch <pairs.json>",
	Short: "Run diff on multiple baseline/current pairs and report",
	Long: `Compares every pair in the pairs file. The file must be JSON:
{"pairs": [{"baseline": "path1.vcr", "current": "path2.vcr"}, ...]}`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var pairs diffBatchPairs
		if err := json.Unmarshal(data, &pairs); err != nil {
			return fmt.Errorf("parse pairs file: %w", err)
		}
		if len(pairs.Pairs) == 0 {
			return fmt.Errorf("pairs file must contain a 'pairs' array")
		}

		results := make([]diffBatchResult, 0, len(pairs.Pairs))
		anyBreaking := false
		for i, p := range pairs.Pairs {
			if p.Baseline == "" || p.Current == "" {
				return fmt.Errorf("pairs[%d] must have 'baseline' and 'current'", i)
			}
			res, err := diff.CompareFiles(p.Baseline, p.Current, diff.Options{Logger: cliLogger()})
			if err != nil {
				return err
			}
			if !res.IsCompatible {
				anyBreaking = true
			}
			results = append(results, diffBatchResult{
				Baseline:        p.Baseline,
				Current:         p.Current,
				IsIdentical:     res.IsIdentical,
				IsCompatible:    res.IsCompatible,
				BreakingChanges: res.BreakingChanges,
			})
		}

		if diffBatchFormat == "json" {
			if err := output.JSON(map[string]any{"pairs": results}); err != nil {
				return err
			}
		} else {
			for _, r := range results {
				fmt.Printf("\nBaseline: %s  Current: %s\n", r.Baseline, r.Current)
				switch {
				case r.IsIdentical:
					fmt.Println("  Identical")
				case r.IsCompatible:
					fmt.Println("  Compatible but differ")
				default:
					fmt.Println("  Breaking changes")
					for _, c := range r.BreakingChanges {
						fmt.Printf("    - %s\n", c)
					}
				}
			}
		}

		if diffBatchFailOnBreaking && anyBreaking {
			return fmt.Errorf("breaking changes detected")
		}
		return nil
	},
}

func init() {
	diffBatchCmd.Flags().StringVar(&diffBatchFormat, "format", "text", "Output format: text or json")
	diffBatchCmd.Flags().BoolVar(&diffBatchFailOnBreaking, "fail-on-breaking", false, "Exit non-zero if any pair has breaking changes")
	rootCmd.AddCommand(diffBatchCmd)
}
