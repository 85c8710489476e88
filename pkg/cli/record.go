package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentvcr/agentvcr/pkg/record"
	"github.com/agentvcr/agentvcr/pkg/vcr"
)

// Demo requests sent automatically when --demo is used (tutorial flow).
var demoRecordRequests = []string{
	`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"tutorial","version":"1.0.0"}}}`,
	`{"jsonrpc":"2.0","id":2,"method":"tools/list","params":{}}`,
	`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"add","arguments":{"a":15,"b":27}}}`,
	`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"multiply","arguments":{"a":6,"b":7}}}`,
}

var (
	recordTransport       string
	recordServerCommand   string
	recordServerArgs      []string
	recordServerURL       string
	recordOutput          string
	recordMethodFilter    []string
	recordTags            []string
	recordDemo            bool
	recordPendingTimeout  float64
	recordMaxInteractions int
	recordSessionID       string
	recordEndpointID      string
	recordAgentID         string
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record MCP interactions to a .vcr file",
	Example: `  agentvcr record --transport stdio --server-command "node server.js" -o session.vcr
  agentvcr record --transport stdio --server-command "python calculator.py" -o out.vcr --demo
  agentvcr record --transport sse --server-url http://localhost:3000 -o session.vcr`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := cliLogger()

		if recordDemo && recordTransport != vcr.TransportStdio {
			return fmt.Errorf("--demo is only supported with --transport stdio")
		}

		tags, err := parseTags(recordTags)
		if err != nil {
			return err
		}

		command, cmdArgs := splitCommand(recordServerCommand)
		cmdArgs = append(cmdArgs, recordServerArgs...)

		cfg := record.Config{
			Transport:       recordTransport,
			ServerCommand:   command,
			ServerArgs:      cmdArgs,
			ServerURL:       recordServerURL,
			Tags:            tags,
			FilterMethods:   recordMethodFilter,
			PendingTimeout:  pendingTimeout(recordPendingTimeout),
			MaxInteractions: recordMaxInteractions,
			SessionID:       recordSessionID,
			EndpointID:      recordEndpointID,
			AgentID:         recordAgentID,
			Logger:          log,
		}

		var demoWriter *io.PipeWriter
		if recordDemo {
			var pr *io.PipeReader
			pr, demoWriter = io.Pipe()
			cfg.ClientIn = pr
			cfg.ClientOut = os.Stdout
		}

		recorder, err := record.New(cfg)
		if err != nil {
			return err
		}

		fmt.Println("Starting recording")
		fmt.Printf("  Transport: %s\n", recordTransport)
		if recordServerCommand != "" {
			fmt.Printf("  Server: %s\n", recordServerCommand)
		}
		if recordServerURL != "" {
			fmt.Printf("  Server URL: %s\n", recordServerURL)
		}
		fmt.Printf("  Output: %s\n", recordOutput)
		if len(recordMethodFilter) > 0 {
			fmt.Printf("  Methods: %s\n", strings.Join(recordMethodFilter, ", "))
		}
		if recordDemo {
			fmt.Println("  Demo mode: sending tutorial requests automatically")
		} else {
			fmt.Println("Press Ctrl+C to stop recording")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if recordDemo {
			go runDemoDriver(demoWriter, recorder)
		}

		rec, err := recorder.Record(ctx, recordOutput)
		if err != nil {
			return fmt.Errorf("recording failed: %w", err)
		}
		fmt.Printf("Recording saved to %s (%d interactions)\n", recordOutput, rec.InteractionCount())
		return nil
	},
}

// runDemoDriver feeds the canned tutorial requests through the client pipe,
// waits for the responses to land, and stops the recorder.
func runDemoDriver(w *io.PipeWriter, recorder *record.Recorder) {
	time.Sleep(1500 * time.Millisecond)
	for _, line := range demoRecordRequests {
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			break
		}
	}
	w.Close()
	time.Sleep(4 * time.Second)
	recorder.RequestStop()
}

// parseTags converts key=value pairs into a tag map.
// pendingTimeout converts the flag's seconds to the recorder config value:
// zero or less on the command line means disable, not library default.
func pendingTimeout(seconds float64) time.Duration {
	if seconds <= 0 {
		return -1
	}
	return time.Duration(seconds * float64(time.Second))
}

func parseTags(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	tags := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid tag format: %s (use key=value)", pair)
		}
		tags[key] = value
	}
	return tags, nil
}

// splitCommand splits a shell-ish command line into command and args so
// `--server-command "python server.py"` spawns python with server.py as an
// argument. Single and double quotes group words; no escapes or expansion.
func splitCommand(s string) (string, []string) {
	var parts []string
	var cur strings.Builder
	var quote rune
	flush := func() {
		if cur.Len() > 0 {
			parts = append(parts, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
		case r == ' ' || r == '\t':
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}

func init() {
	recordCmd.Flags().StringVar(&recordTransport, "transport", "", "Transport protocol: stdio or sse")
	recordCmd.Flags().StringVar(&recordServerCommand, "server-command", "", "Command to start the MCP server (stdio)")
	recordCmd.Flags().StringArrayVar(&recordServerArgs, "server-args", nil, "Extra arguments for the server command")
	recordCmd.Flags().StringVar(&recordServerURL, "server-url", "", "MCP server base URL (sse)")
	recordCmd.Flags().StringVarP(&recordOutput, "output", "o", "", "Output path for the .vcr file")
	recordCmd.Flags().StringArrayVar(&recordMethodFilter, "method-filter", nil, "Only record these methods (repeatable)")
	recordCmd.Flags().StringArrayVar(&recordTags, "tag", nil, "Metadata tag as key=value (repeatable)")
	recordCmd.Flags().BoolVar(&recordDemo, "demo", false, "Drive the canned tutorial requests and stop")
	recordCmd.Flags().Float64Var(&recordPendingTimeout, "pending-timeout", record.DefaultPendingTimeout.Seconds(), "Seconds before unanswered requests are evicted (0 disables)")
	recordCmd.Flags().IntVar(&recordMaxInteractions, "max-interactions", 0, "Stop recording new interactions after this many (0 = unlimited)")
	recordCmd.Flags().StringVar(&recordSessionID, "session-id", "", "Session id stored in metadata")
	recordCmd.Flags().StringVar(&recordEndpointID, "endpoint-id", "", "Endpoint id stored in metadata")
	recordCmd.Flags().StringVar(&recordAgentID, "agent-id", "", "Agent id stored in metadata")
	recordCmd.MarkFlagRequired("transport")
	recordCmd.MarkFlagRequired("output")
	rootCmd.AddCommand(recordCmd)
}
