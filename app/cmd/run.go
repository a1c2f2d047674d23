package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lexcodex/goalloop/agents/iteration"
	"github.com/lexcodex/goalloop/app/runtime"
	"github.com/lexcodex/goalloop/app/tui"
	"github.com/lexcodex/goalloop/framework"
	"github.com/lexcodex/goalloop/internal/logging"
)

func newRunCmd() *cobra.Command {
	var (
		session  string
		root     string
		useTUI   bool
		asJSON   bool
		maxIters int
	)
	cmd := &cobra.Command{
		Use:   "run [goal]",
		Short: "Run a goal through the iteration loop",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			goal := strings.TrimSpace(strings.Join(args, " "))
			if maxIters > 0 {
				globalCfg.Engine.MaxIterations = maxIters
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			deps := runtime.Deps{}
			if useTUI {
				deps.Logger = logging.Discard()
			}
			rt, err := openRuntime(ctx, deps)
			if err != nil {
				return err
			}
			defer rt.Close()

			req := iteration.Request{Goal: goal, SessionID: session, RootDir: root}
			var result *iteration.RunResult
			if useTUI {
				result, err = tui.Run(ctx, goal, func(ctx context.Context, events framework.Telemetry) (*iteration.RunResult, error) {
					return rt.RunGoal(ctx, req, events)
				})
			} else {
				result, err = rt.RunGoal(ctx, req, nil)
			}
			if result == nil {
				return err
			}
			if asJSON {
				if perr := printJSON(cmd.OutOrStdout(), result); perr != nil {
					return perr
				}
			} else if !useTUI {
				printResult(cmd.OutOrStdout(), result)
			}
			if err != nil {
				return err
			}
			if result.Status == iteration.StatusFailed {
				return errors.New(result.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "Session id shared across runs for memory recall")
	cmd.Flags().StringVar(&root, "root", "", "Directory to scan for context (defaults to the workspace)")
	cmd.Flags().BoolVar(&useTUI, "tui", false, "Show a live terminal view")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full run result as JSON")
	cmd.Flags().IntVar(&maxIters, "max-iterations", 0, "Override engine.max_iterations")
	return cmd
}

func printResult(w io.Writer, result *iteration.RunResult) {
	fmt.Fprintf(w, "run %s: %s after %d iteration(s)\n", result.Run.ID, result.Status, len(result.Iterations))
	if result.Intent != "" {
		fmt.Fprintf(w, "intent: %s\n", result.Intent)
	}
	if len(result.Iterations) > 0 {
		last := result.Iterations[len(result.Iterations)-1]
		for _, outcome := range last.Outcomes {
			state := "ok"
			if !outcome.Envelope.Success {
				state = "failed"
			}
			fmt.Fprintf(w, "  %s via %s: %s after %d attempt(s)\n", outcome.TaskID, outcome.Executor, state, outcome.Attempts)
			if summary := summarizeData(outcome.Envelope.Data); summary != "" {
				fmt.Fprintf(w, "    %s\n", summary)
			}
			if outcome.LastError != "" {
				fmt.Fprintf(w, "    error: %s\n", outcome.LastError)
			}
		}
	}
	if result.Decision.Action != "" {
		fmt.Fprintf(w, "decision: %s (%s)\n", result.Decision.Action, result.Decision.Reason)
	}
	if result.Error != "" {
		fmt.Fprintf(w, "error: %s\n", result.Error)
	}
}

const maxSummary = 240

// summarizeData prefers a worker's answer or message field and falls back to
// compact JSON.
func summarizeData(data any) string {
	if data == nil {
		return ""
	}
	if m, ok := data.(map[string]any); ok {
		for _, key := range []string{"answer", "message", "stdout", "content"} {
			if s, ok := m[key].(string); ok && strings.TrimSpace(s) != "" {
				return clip(strings.TrimSpace(s))
			}
		}
	}
	if s, ok := data.(string); ok {
		return clip(s)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return clip(fmt.Sprint(data))
	}
	return clip(string(raw))
}

func clip(s string) string {
	if len(s) <= maxSummary {
		return s
	}
	return s[:maxSummary] + "..."
}
