package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/noetl/noetl/pkg/identity"
	"github.com/noetl/noetl/pkg/runtime"
	"github.com/noetl/noetl/pkg/types"
)

var statusCmd = &cobra.Command{
	Use:   "status <execution_id>",
	Short: "Show an execution's state and event summary",
	Long: `Show an execution's state with per-type event counts and, for failed
runs, the failing step and its error kind. --follow tails the event
log instead, line by line, until the execution terminates.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <execution_id>",
	Short: "Cancel an execution",
	Long: `Cancel an execution: queued jobs die immediately, running jobs stop
at their next lease check, and the execution finishes as cancelled.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func init() {
	statusCmd.Flags().Bool("json", false, "machine-readable output")
	statusCmd.Flags().Bool("follow", false, "stream events until the execution terminates")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
}

// eventOrder fixes the display order of the per-type counts
var eventOrder = []types.EventType{
	types.EventExecutionStarted,
	types.EventStepStarted,
	types.EventActionStarted,
	types.EventActionRetry,
	types.EventActionError,
	types.EventActionCompleted,
	types.EventStepCompleted,
	types.EventExecutionComplete,
	types.EventExecutionFailed,
}

func runStatus(cmd *cobra.Command, args []string) error {
	id, err := identity.Parse(args[0])
	if err != nil {
		return exitWith(exitUsage, fmt.Errorf("execution id must be numeric, got %q", args[0]))
	}
	jsonOut, _ := cmd.Flags().GetBool("json")
	follow, _ := cmd.Flags().GetBool("follow")

	rt, err := openRuntime(cmd, oneShotConfig(cmd))
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	ex, err := rt.Execution(ctx, id)
	if err != nil {
		return storeExit(err)
	}

	if follow {
		return followStatus(cmd, rt, id, jsonOut)
	}

	evs, err := rt.Events().List(ctx, id, 0, 0)
	if err != nil {
		return storeExit(err)
	}

	counts := make(map[string]int, len(eventOrder))
	var failed *types.Event
	for _, ev := range evs {
		counts[string(ev.Type)]++
		if ev.Type == types.EventStepCompleted && ev.Status == "error" {
			failed = ev
		}
	}

	if jsonOut {
		summary := map[string]any{
			"execution_id": identity.Render(ex.ID),
			"playbook":     ex.ResourcePath,
			"version":      ex.ResourceVersion,
			"status":       ex.Status,
			"started_at":   ex.StartedAt,
			"events":       len(evs),
			"by_type":      counts,
		}
		if !ex.FinishedAt.IsZero() {
			summary["finished_at"] = ex.FinishedAt
		}
		if ex.Error != "" {
			summary["error"] = ex.Error
		}
		if ex.CancelRequested {
			summary["cancel_requested"] = true
		}
		if failed != nil {
			summary["failed_step"] = map[string]any{
				"step":  failed.NodeName,
				"error": failed.Payload["error"],
			}
		}
		return printJSON(summary)
	}

	fmt.Printf("Execution: %s\n", identity.Render(ex.ID))
	fmt.Printf("Playbook:  %s v%s\n", ex.ResourcePath, ex.ResourceVersion)
	fmt.Printf("Status:    %s\n", ex.Status)
	fmt.Printf("Started:   %s\n", ex.StartedAt.Format(time.RFC3339))
	if !ex.FinishedAt.IsZero() {
		fmt.Printf("Finished:  %s (%s)\n",
			ex.FinishedAt.Format(time.RFC3339),
			ex.FinishedAt.Sub(ex.StartedAt).Round(time.Millisecond))
	}
	if ex.Error != "" {
		fmt.Printf("Error:     %s\n", ex.Error)
	}
	if failed != nil {
		fmt.Printf("Failed at: %s%s\n", failed.NodeName, errDetail(failed.Payload))
	}
	fmt.Printf("Events:    %d\n", len(evs))
	for _, t := range eventOrder {
		if n := counts[string(t)]; n > 0 {
			fmt.Printf("  %-20s %d\n", t, n)
		}
	}
	return nil
}

// followStatus tails the execution's event log until the terminal
// event lands. JSON mode emits one event document per line.
func followStatus(cmd *cobra.Command, rt *runtime.Runtime, id int64, jsonOut bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	terminal := func(ev *types.Event) bool {
		return ev.Type == types.EventExecutionComplete || ev.Type == types.EventExecutionFailed
	}
	for ev := range rt.Events().Follow(ctx, id, 0, terminal) {
		if jsonOut {
			if body, err := json.Marshal(ev); err == nil {
				fmt.Println(string(body))
			}
		} else {
			printEvent(ev)
		}
	}
	if ctx.Err() != nil {
		return exitWith(exitUsage, errors.New("interrupted"))
	}

	ex, err := rt.Execution(ctx, id)
	if err != nil {
		return storeExit(err)
	}
	if !jsonOut {
		if ex.Status == types.ExecutionCompleted {
			fmt.Printf("✓ Execution %s completed\n", identity.Render(ex.ID))
		} else {
			fmt.Printf("✗ Execution %s %s: %s\n", identity.Render(ex.ID), ex.Status, ex.Error)
		}
	}
	if ex.Status.Terminal() && ex.Status != types.ExecutionCompleted {
		return exitSilent(exitExecution)
	}
	return nil
}

// errDetail renders the kind and code of a step's error document
func errDetail(payload map[string]any) string {
	doc, ok := payload["error"].(map[string]any)
	if !ok {
		return ""
	}
	detail := fmt.Sprintf(" (kind %v", doc["kind"])
	if code, ok := doc["code"]; ok && code != "" {
		detail += fmt.Sprintf(", code %v", code)
	}
	return detail + ")"
}

func runCancel(cmd *cobra.Command, args []string) error {
	id, err := identity.Parse(args[0])
	if err != nil {
		return exitWith(exitUsage, fmt.Errorf("execution id must be numeric, got %q", args[0]))
	}

	rt, err := openRuntime(cmd, oneShotConfig(cmd))
	if err != nil {
		return err
	}
	defer rt.Close()

	ex, err := rt.Cancel(cmd.Context(), id)
	if err != nil {
		return storeExit(err)
	}
	fmt.Printf("✓ Execution %s %s\n", identity.Render(ex.ID), ex.Status)
	return nil
}
