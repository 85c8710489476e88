package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentvcr/agentvcr/pkg/indexer"
)

var (
	indexOutput  string
	indexPattern string
)

var indexCmd = &cobra.Command{
	Use:   "index <directory>",
	Short: "Build a searchable index of .vcr recordings in a directory",
	Args:  cobra.ExactArgs(1),
	Example: `  agentvcr index ./recordings -o index.json
  agentvcr index ./recordings -o index.json --pattern '**/*.vcr'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, err := indexer.Build(args[0], indexPattern, cliLogger())
		if err != nil {
			return err
		}
		if err := idx.Save(indexOutput); err != nil {
			return err
		}
		fmt.Printf("Indexed %d recordings -> %s\n", len(idx.Recordings), indexOutput)
		return nil
	},
}

func init() {
	indexCmd.Flags().StringVarP(&indexOutput, "output", "o", "", "Output index file")
	indexCmd.Flags().StringVar(&indexPattern, "pattern", "*.vcr", "Glob pattern for recordings")
	indexCmd.MarkFlagRequired("output")
	rootCmd.AddCommand(indexCmd)
}
