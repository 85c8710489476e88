package cli

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentvcr/agentvcr/pkg/cli/internal/output"
	"github.com/agentvcr/agentvcr/pkg/vcr"
)

var (
	inspectFormat string
	inspectQuery  string
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <file.vcr>",
	Short: "Inspect the contents of a .vcr recording",
	Args:  cobra.ExactArgs(1),
	Example: `  agentvcr inspect session.vcr
  agentvcr inspect session.vcr --format table
  agentvcr inspect session.vcr --query '$.session.interactions[*].request.method'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := vcr.Load(args[0])
		if err != nil {
			return err
		}

		if inspectQuery != "" {
			results, err := rec.Query(inspectQuery)
			if err != nil {
				return err
			}
			return output.JSON(results)
		}

		switch inspectFormat {
		case "json":
			return inspectJSON(rec)
		case "table":
			return inspectTable(rec)
		default:
			return inspectText(rec)
		}
	},
}

func methodCounts(rec *vcr.Recording) map[string]int {
	counts := make(map[string]int)
	for _, in := range rec.Session.Interactions {
		if in.Request != nil {
			counts[in.Request.Method]++
		}
	}
	return counts
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func inspectText(rec *vcr.Recording) error {
	tags, _ := json.Marshal(rec.Metadata.Tags)
	fmt.Println("Metadata")
	fmt.Printf("  Version: %s\n", rec.Metadata.Version)
	fmt.Printf("  Recorded: %s\n", rec.Metadata.RecordedAt.Format(time.RFC3339))
	fmt.Printf("  Transport: %s\n", rec.Metadata.Transport)
	fmt.Printf("  Tags: %s\n", tags)
	if rec.Metadata.SessionID != "" {
		fmt.Printf("  Session ID: %s\n", rec.Metadata.SessionID)
	}
	if rec.Metadata.EndpointID != "" {
		fmt.Printf("  Endpoint ID: %s\n", rec.Metadata.EndpointID)
	}
	if rec.Metadata.AgentID != "" {
		fmt.Printf("  Agent ID: %s\n", rec.Metadata.AgentID)
	}

	counts := methodCounts(rec)
	fmt.Println()
	fmt.Println("Statistics")
	fmt.Printf("  Total interactions: %d\n", rec.InteractionCount())
	fmt.Printf("  Methods used: %d\n", len(counts))
	for _, method := range sortedKeys(counts) {
		fmt.Printf("    - %s: %d\n", method, counts[method])
	}

	if rec.InteractionCount() > 0 {
		fmt.Println()
		fmt.Println("Timeline")
		for i, in := range rec.Session.Interactions {
			if i == 10 {
				fmt.Printf("  ... and %d more\n", rec.InteractionCount()-10)
				break
			}
			method := "unknown"
			if in.Request != nil {
				method = in.Request.Method
			}
			fmt.Printf("  %d. %s\n", i+1, method)
		}
	}
	return nil
}

func inspectJSON(rec *vcr.Recording) error {
	meta := map[string]any{
		"version":     rec.Metadata.Version,
		"recorded_at": rec.Metadata.RecordedAt,
		"transport":   rec.Metadata.Transport,
		"tags":        rec.Metadata.Tags,
	}
	if rec.Metadata.SessionID != "" {
		meta["session_id"] = rec.Metadata.SessionID
	}
	if rec.Metadata.EndpointID != "" {
		meta["endpoint_id"] = rec.Metadata.EndpointID
	}
	if rec.Metadata.AgentID != "" {
		meta["agent_id"] = rec.Metadata.AgentID
	}
	return output.JSON(map[string]any{
		"metadata": meta,
		"statistics": map[string]any{
			"total_interactions": rec.InteractionCount(),
			"methods":            methodCounts(rec),
		},
	})
}

func inspectTable(rec *vcr.Recording) error {
	rows := [][]string{
		{"Version", rec.Metadata.Version},
		{"Recorded", rec.Metadata.RecordedAt.Format(time.RFC3339)},
		{"Transport", rec.Metadata.Transport},
	}
	if rec.Metadata.SessionID != "" {
		rows = append(rows, []string{"Session ID", rec.Metadata.SessionID})
	}
	if rec.Metadata.EndpointID != "" {
		rows = append(rows, []string{"Endpoint ID", rec.Metadata.EndpointID})
	}
	if rec.Metadata.AgentID != "" {
		rows = append(rows, []string{"Agent ID", rec.Metadata.AgentID})
	}
	rows = append(rows, []string{"Interactions", strconv.Itoa(rec.InteractionCount())})
	if err := output.Table([]string{"FIELD", "VALUE"}, rows); err != nil {
		return err
	}

	counts := methodCounts(rec)
	fmt.Println()
	methodRows := make([][]string, 0, len(counts))
	for _, method := range sortedKeys(counts) {
		methodRows = append(methodRows, []string{method, strconv.Itoa(counts[method])})
	}
	return output.Table([]string{"METHOD", "COUNT"}, methodRows)
}

func init() {
	inspectCmd.Flags().StringVar(&inspectFormat, "format", "text", "Output format: text, json, or table")
	inspectCmd.Flags().StringVar(&inspectQuery, "query", "", "JSONPath query over the recording document")
	rootCmd.AddCommand(inspectCmd)
}
