package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentvcr/agentvcr/pkg/vcr"
)

var validateCmd = &cobra.Command{
	Use:   "validate <file.vcr>",
	Short: "Validate a .vcr recording against the format schema",
	Args:  cobra.ExactArgs(1),
	Example: `  agentvcr validate session.vcr`,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}

		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		var doc any
		if err := dec.Decode(&doc); err != nil {
			return fmt.Errorf("%w: %v", vcr.ErrInvalidJSON, err)
		}
		if err := vcr.ValidateSchema(doc); err != nil {
			return err
		}
		if _, err := vcr.Parse(data); err != nil {
			return err
		}

		fmt.Println("Recording is valid.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
