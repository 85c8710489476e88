package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentvcr/agentvcr/pkg/vcr"
)

var convertOutput string

var convertCmd = &cobra.Command{
	Use:   "convert <file.vcr>",
	Short: "Convert a .vcr recording to a simplified JSON document",
	Args:  cobra.ExactArgs(1),
	Example: `  agentvcr convert session.vcr -o session.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := vcr.Load(args[0])
		if err != nil {
			return err
		}

		interactions := make([]map[string]any, 0, rec.InteractionCount())
		for _, in := range rec.Session.Interactions {
			interactions = append(interactions, map[string]any{
				"request":   in.Request,
				"response":  in.Response,
				"timestamp": in.Timestamp.Format(time.RFC3339Nano),
			})
		}
		doc := map[string]any{
			"version":      rec.FormatVersion,
			"recorded_at":  rec.Metadata.RecordedAt.Format(time.RFC3339Nano),
			"tags":         rec.Metadata.Tags,
			"interactions": interactions,
		}

		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding converted recording: %w", err)
		}
		if dir := filepath.Dir(convertOutput); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return fmt.Errorf("creating output directory: %w", err)
			}
		}
		if err := os.WriteFile(convertOutput, append(data, '\n'), 0o600); err != nil {
			return fmt.Errorf("writing converted recording: %w", err)
		}

		fmt.Printf("Converted %s -> %s\n", args[0], convertOutput)
		return nil
	},
}

func init() {
	convertCmd.Flags().StringVarP(&convertOutput, "output", "o", "", "Output JSON file")
	convertCmd.MarkFlagRequired("output")
	rootCmd.AddCommand(convertCmd)
}
