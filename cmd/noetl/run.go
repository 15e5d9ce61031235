package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/noetl/noetl/pkg/identity"
	"github.com/noetl/noetl/pkg/runtime"
	"github.com/noetl/noetl/pkg/types"
)

var runCmd = &cobra.Command{
	Use:   "run <path-or-file>",
	Short: "Run a playbook",
	Long: `Run a playbook by catalog path, or register a YAML file and run it.

Local mode drives the execution synchronously with an embedded broker
and worker over the bolt store and exits 4 when the run fails.
Distributed mode submits the execution to the shared Postgres store
for the deployed daemons and prints its id.

Examples:
  # One-shot local run with workload overrides
  noetl run playbooks/fetch.yaml --set url=https://internal/api --set retries=3

  # Submit to a deployed engine
  noetl run data/load_users -r distributed --dsn $NOETL_DSN`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submitRun(cmd, args[0], true)
	},
}

var execCmd = &cobra.Command{
	Use:   "exec <catalog-path>",
	Short: "Run a registered playbook",
	Long:  `Run a playbook already in the catalog. Alias of run that never reads files.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submitRun(cmd, args[0], false)
	},
}

func init() {
	for _, cmd := range []*cobra.Command{runCmd, execCmd} {
		cmd.Flags().StringArrayP("set", "s", nil, "workload override key=value, value parsed as a YAML scalar (repeatable)")
		cmd.Flags().StringP("runtime", "r", "local", "execution mode: local or distributed")
		cmd.Flags().String("playbook-version", "", "playbook version (default latest)")
		cmd.Flags().Bool("json", false, "machine-readable output")
		rootCmd.AddCommand(cmd)
	}
}

func submitRun(cmd *cobra.Command, target string, allowFile bool) error {
	jsonOut, _ := cmd.Flags().GetBool("json")
	mode, _ := cmd.Flags().GetString("runtime")
	version, _ := cmd.Flags().GetString("playbook-version")
	pairs, _ := cmd.Flags().GetStringArray("set")

	overrides, err := parseOverrides(pairs)
	if err != nil {
		return exitWith(exitUsage, err)
	}

	cfg := oneShotConfig(cmd)
	cfg.Vault = vaultConfig(cmd)
	switch mode {
	case "local":
		if cfg.DSN != "" {
			return exitWith(exitUsage, errors.New("local mode runs on the bolt store: drop --dsn or use -r distributed"))
		}
	case "distributed":
		if cfg.DSN == "" {
			return exitWith(exitUsage, errors.New("distributed mode needs --dsn or NOETL_DSN"))
		}
	default:
		return exitWith(exitUsage, fmt.Errorf("unknown runtime %q: want local or distributed", mode))
	}

	rt, err := openRuntime(cmd, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	path := target
	if allowFile {
		if info, serr := os.Stat(target); serr == nil && info.Mode().IsRegular() {
			source, rerr := os.ReadFile(target)
			if rerr != nil {
				return exitWith(exitUsage, rerr)
			}
			res, rerr := rt.Catalog().Register(ctx, source, "filesystem")
			if rerr != nil {
				return storeExit(rerr)
			}
			if res.Entry.Type != types.ResourcePlaybook {
				return exitWith(exitValidation, fmt.Errorf("%s is a %s, not a playbook", target, res.Entry.Type))
			}
			path = res.Entry.Path
			if !jsonOut {
				fmt.Printf("✓ Registered %s version %s (%s)\n", res.Entry.Path, res.Entry.Version, res.Status)
			}
		}
	}

	if mode == "distributed" {
		ex, err := rt.StartExecution(ctx, path, version, overrides)
		if err != nil {
			return storeExit(err)
		}
		if jsonOut {
			return printJSON(map[string]any{
				"execution_id": identity.Render(ex.ID),
				"status":       ex.Status,
				"playbook":     ex.ResourcePath,
				"version":      ex.ResourceVersion,
			})
		}
		fmt.Printf("✓ Execution %s submitted (%s v%s)\n", identity.Render(ex.ID), ex.ResourcePath, ex.ResourceVersion)
		return nil
	}

	return runLocal(ctx, rt, path, version, overrides, jsonOut)
}

func runLocal(ctx context.Context, rt *runtime.Runtime, path, version string, overrides map[string]any, jsonOut bool) error {
	var watch func(*types.Event)
	if !jsonOut {
		watch = printEvent
	}

	started := time.Now()
	final, results, err := rt.RunLocal(ctx, path, version, overrides, watch)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return exitWith(exitUsage, errors.New("interrupted"))
		}
		return storeExit(err)
	}
	elapsed := time.Since(started).Round(time.Millisecond)

	if jsonOut {
		out := map[string]any{
			"execution_id": identity.Render(final.ID),
			"status":       final.Status,
			"elapsed":      elapsed.String(),
		}
		if results != nil {
			out["results"] = results
		}
		if final.Error != "" {
			out["error"] = final.Error
		}
		if err := printJSON(out); err != nil {
			return err
		}
	} else if final.Status == types.ExecutionCompleted {
		fmt.Printf("✓ Execution %s completed in %s\n", identity.Render(final.ID), elapsed)
		if len(results) > 0 {
			body, _ := json.MarshalIndent(results, "", "  ")
			fmt.Println(string(body))
		}
	} else {
		fmt.Printf("✗ Execution %s %s: %s\n", identity.Render(final.ID), final.Status, final.Error)
	}

	if final.Status != types.ExecutionCompleted {
		return exitSilent(exitExecution)
	}
	return nil
}

// printEvent writes one progress line per event as a local run
// advances.
func printEvent(ev *types.Event) {
	line := fmt.Sprintf("  %-19s", ev.Type)
	if ev.NodeName != "" {
		line += " " + ev.NodeName
	}
	if ev.Status != "" && ev.Status != "ok" {
		line += " [" + ev.Status + "]"
	}
	fmt.Println(line)
}

// parseOverrides turns repeated --set key=value pairs into a workload
// override map. Values parse as YAML scalars so numbers and booleans
// come through typed; anything unparsable stays a string.
func parseOverrides(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	overrides := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("--set wants key=value, got %q", pair)
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		overrides[key] = value
	}
	return overrides, nil
}
