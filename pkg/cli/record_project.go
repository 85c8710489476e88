package cli

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentvcr/agentvcr/pkg/cli/internal/output"
	"github.com/agentvcr/agentvcr/pkg/project"
	"github.com/agentvcr/agentvcr/pkg/record"
)

var (
	recordProjectConfig      string
	recordProjectManifestOut string
)

var recordProjectCmd = &cobra.Command{
	Use:   "record-project",
	Short: "Run multiple recorders from a config file and write a manifest",
	Long: `Starts one recorder per entry in the record config and captures all
sessions in parallel. Ctrl+C stops every recorder, saves the recordings, and
writes a project manifest listing them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := cliLogger()

		cfg, err := project.LoadRecordConfig(recordProjectConfig)
		if err != nil {
			return err
		}
		if len(cfg.Recordings) == 0 {
			return fmt.Errorf("config has no recordings")
		}
		configDir := filepath.Dir(recordProjectConfig)

		type run struct {
			recorder *record.Recorder
			entry    project.RecordEntry
			output   string
		}
		runs := make([]*run, 0, len(cfg.Recordings))
		for _, entry := range cfg.Recordings {
			command, cmdArgs := splitCommand(entry.ServerCommand)
			cmdArgs = append(cmdArgs, entry.ServerArgs...)

			recorder, err := record.New(record.Config{
				Transport:     entry.Transport,
				ServerCommand: command,
				ServerArgs:    cmdArgs,
				ServerURL:     entry.ServerURL,
				Tags:          entry.Tags,
				SessionID:     entry.SessionID,
				EndpointID:    entry.EndpointID,
				AgentID:       entry.AgentID,
				Logger:        log,
			})
			if err != nil {
				return fmt.Errorf("recorder for %s: %w", entry.Output, err)
			}

			outPath := entry.Output
			if !filepath.IsAbs(outPath) {
				outPath = filepath.Join(configDir, outPath)
			}
			runs = append(runs, &run{recorder: recorder, entry: entry, output: outPath})
		}

		fmt.Println("Multi-session recorder")
		for _, r := range runs {
			name := r.entry.EndpointID
			if name == "" {
				name = r.output
			}
			fmt.Printf("  %s -> %s\n", name, r.output)
		}
		fmt.Println("Press Ctrl+C to stop all and write manifest.")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var wg sync.WaitGroup
		for _, r := range runs {
			wg.Add(1)
			go func(r *run) {
				defer wg.Done()
				if _, err := r.recorder.Record(ctx, r.output); err != nil {
					output.Warn("recording %s failed: %v", r.output, err)
				}
			}(r)
		}
		wg.Wait()

		manifest := &project.Manifest{Version: project.ManifestVersion}
		for _, r := range runs {
			manifest.Recordings = append(manifest.Recordings, project.ManifestEntry{
				EndpointID: r.entry.EndpointID,
				SessionID:  r.entry.SessionID,
				Path:       r.output,
			})
		}
		if err := manifest.Save(recordProjectManifestOut); err != nil {
			return err
		}
		fmt.Printf("Manifest written to %s\n", recordProjectManifestOut)
		return nil
	},
}

func init() {
	recordProjectCmd.Flags().StringVarP(&recordProjectConfig, "config", "c", "", "Path to record config (JSON or YAML)")
	recordProjectCmd.Flags().StringVarP(&recordProjectManifestOut, "manifest-out", "m", "", "Output path for the project manifest")
	recordProjectCmd.MarkFlagRequired("config")
	recordProjectCmd.MarkFlagRequired("manifest-out")
	rootCmd.AddCommand(recordProjectCmd)
}
