package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentvcr/agentvcr/pkg/cli/internal/output"
	"github.com/agentvcr/agentvcr/pkg/indexer"
)

var (
	searchMethod     string
	searchEndpointID string
	searchAgentID    string
	searchFilter     string
	searchQuery      string
)

var searchCmd = &cobra.Command{
	Use:   "search <index.json>",
	Short: "Search an index of recordings",
	Args:  cobra.ExactArgs(1),
	Example: `  agentvcr search index.json --method tools/call
  agentvcr search index.json --endpoint-id calc --agent-id agent-1
  agentvcr search index.json --filter 'interaction_count > 5'
  agentvcr search index.json --method initialize --query '$.path'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, err := indexer.Load(args[0])
		if err != nil {
			return err
		}

		results, err := idx.Search(indexer.Query{
			Method:     searchMethod,
			EndpointID: searchEndpointID,
			AgentID:    searchAgentID,
			Filter:     searchFilter,
			Projection: searchQuery,
		})
		if err != nil {
			return err
		}

		if jsonOutput || searchQuery != "" {
			return output.JSON(results)
		}

		if len(results) == 0 {
			fmt.Println("No recordings matched.")
			return nil
		}
		for _, res := range results {
			entry, ok := res.(map[string]any)
			if !ok {
				return output.JSON(results)
			}
			fmt.Printf("%v\n", entry["path"])
			if id, _ := entry["endpoint_id"].(string); id != "" {
				fmt.Printf("  endpoint: %s\n", id)
			}
			if id, _ := entry["agent_id"].(string); id != "" {
				fmt.Printf("  agent: %s\n", id)
			}
			fmt.Printf("  interactions: %v\n", entry["interaction_count"])
			if methods, ok := entry["methods"].([]any); ok {
				names := make([]string, 0, len(methods))
				for _, m := range methods {
					names = append(names, fmt.Sprint(m))
				}
				fmt.Printf("  methods: %s\n", strings.Join(names, ", "))
			}
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().StringVarP(&searchMethod, "method", "m", "", "Match recordings containing a method")
	searchCmd.Flags().StringVarP(&searchEndpointID, "endpoint-id", "e", "", "Match recordings by endpoint ID")
	searchCmd.Flags().StringVarP(&searchAgentID, "agent-id", "a", "", "Match recordings by agent ID")
	searchCmd.Flags().StringVar(&searchFilter, "filter", "", "Expression filter evaluated against each entry")
	searchCmd.Flags().StringVar(&searchQuery, "query", "", "JSONPath projection applied to matched entries")
	rootCmd.AddCommand(searchCmd)
}
