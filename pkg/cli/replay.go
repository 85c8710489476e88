package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentvcr/agentvcr/pkg/cli/internal/output"
	"github.com/agentvcr/agentvcr/pkg/project"
	"github.com/agentvcr/agentvcr/pkg/replay"
	"github.com/agentvcr/agentvcr/pkg/vcr"
)

var (
	replayFile              string
	replayTransport         string
	replayStrategy          string
	replayHost              string
	replayPort              int
	replayProject           string
	replayBasePort          int
	replaySimulateLatency   bool
	replayLatencyMultiplier float64
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay MCP interactions from a .vcr file or a project manifest",
	Example: `  agentvcr replay --file session.vcr --transport stdio
  agentvcr replay --file session.vcr --transport sse --port 3100
  agentvcr replay --project project.json --base-port 3100`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := cliLogger()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		opts := replay.Options{
			Strategy:          replayStrategy,
			SimulateLatency:   replaySimulateLatency,
			LatencyMultiplier: replayLatencyMultiplier,
			Logger:            log,
		}

		if replayProject != "" {
			return replayProjectManifest(ctx, replayProject, opts)
		}

		if replayFile == "" {
			return fmt.Errorf("either --file or --project is required")
		}

		replayer, err := replay.FromFile(replayFile, opts)
		if err != nil {
			return err
		}

		fmt.Printf("Loaded recording: %s\n", replayFile)
		fmt.Printf("  Interactions: %d\n", replayer.Recording().InteractionCount())
		fmt.Printf("  Match strategy: %s\n", replayStrategy)

		switch replayTransport {
		case vcr.TransportStdio:
			fmt.Fprintln(os.Stderr, "Starting replay server on stdio")
			return replayer.ServeStdio(ctx, os.Stdin, os.Stdout)
		case vcr.TransportSSE:
			fmt.Printf("Starting replay server at http://%s:%d/sse\n", replayHost, replayPort)
			return replayer.ServeSSE(ctx, replayHost, replayPort)
		default:
			return fmt.Errorf("invalid transport %q, must be stdio or sse", replayTransport)
		}
	},
}

// replayProjectManifest serves every recording in the manifest over SSE, one
// server per recording on consecutive ports starting at --base-port.
func replayProjectManifest(ctx context.Context, manifestPath string, opts replay.Options) error {
	manifest, err := project.LoadManifest(manifestPath)
	if err != nil {
		return err
	}
	if len(manifest.Recordings) == 0 {
		return fmt.Errorf("manifest has no recordings")
	}
	manifestDir := filepath.Dir(manifestPath)

	fmt.Println("Replay orchestrator")
	var wg sync.WaitGroup
	for i, entry := range manifest.Recordings {
		path := entry.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(manifestDir, path)
		}
		replayer, err := replay.FromFile(path, opts)
		if err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}

		name := entry.EndpointID
		if name == "" {
			name = fmt.Sprintf("recording-%d", i)
		}
		port := replayBasePort + i
		fmt.Printf("  %s -> http://%s:%d/sse\n", name, replayHost, port)

		wg.Add(1)
		go func(name string, port int, r *replay.Replayer) {
			defer wg.Done()
			if err := r.ServeSSE(ctx, replayHost, port); err != nil {
				output.Warn("replay server %s failed: %v", name, err)
			}
		}(name, port, replayer)
	}
	fmt.Println("Press Ctrl+C to stop all.")
	wg.Wait()
	return nil
}

func init() {
	replayCmd.Flags().StringVarP(&replayFile, "file", "f", "", "Path to the .vcr recording (omit when using --project)")
	replayCmd.Flags().StringVar(&replayTransport, "transport", vcr.TransportStdio, "Transport protocol: stdio or sse")
	replayCmd.Flags().StringVar(&replayStrategy, "match-strategy", "method_and_params", "Matching strategy: exact, method, method_and_params, fuzzy, sequential")
	replayCmd.Flags().StringVar(&replayHost, "host", "127.0.0.1", "Host to bind the replay server to (sse)")
	replayCmd.Flags().IntVar(&replayPort, "port", 3100, "Port to bind the replay server to (sse)")
	replayCmd.Flags().StringVar(&replayProject, "project", "", "Project manifest for multi-session replay (SSE, one server per recording)")
	replayCmd.Flags().IntVar(&replayBasePort, "base-port", 3100, "First port for --project replay servers")
	replayCmd.Flags().BoolVar(&replaySimulateLatency, "simulate-latency", false, "Sleep for each interaction's recorded latency before responding")
	replayCmd.Flags().Float64Var(&replayLatencyMultiplier, "latency-multiplier", 1.0, "Scale factor applied to recorded latency")
	rootCmd.AddCommand(replayCmd)
}
