package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/noetl/noetl/pkg/types"
)

var registerCmd = &cobra.Command{
	Use:   "register <type>",
	Short: "Register a resource in the catalog",
	Long: `Register a playbook or credential from a YAML file.

Content is immutable per version: identical content reports UNCHANGED,
changed content allocates the next version.

Examples:
  # Register a playbook
  noetl register playbook -f playbooks/load_users.yaml

  # Register a credential against the shared store
  noetl register credential -f creds/pg_local.yaml --dsn $NOETL_DSN`,
	Args: cobra.ExactArgs(1),
	RunE: runRegister,
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Inspect the resource catalog",
}

var catalogListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered resources",
	RunE:  runCatalogList,
}

func init() {
	registerCmd.Flags().StringP("file", "f", "", "YAML resource to register (required)")
	_ = registerCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(registerCmd)

	catalogListCmd.Flags().String("type", "", "filter by resource type (playbook, credential, ...)")
	catalogListCmd.Flags().Bool("json", false, "machine-readable output")
	catalogCmd.AddCommand(catalogListCmd)
	rootCmd.AddCommand(catalogCmd)
}

func runRegister(cmd *cobra.Command, args []string) error {
	declared, err := resourceTypeFlag(args[0])
	if err != nil || declared == "" {
		return exitWith(exitUsage, fmt.Errorf("resource type must be playbook or credential, got %q", args[0]))
	}

	filename, _ := cmd.Flags().GetString("file")
	source, err := os.ReadFile(filename)
	if err != nil {
		return exitWith(exitUsage, err)
	}

	// The declared type must match the document before anything is
	// written: registering under the wrong noun is a typo, not a new
	// catalog version.
	var doc struct {
		Kind string `yaml:"kind"`
	}
	if err := yaml.Unmarshal(source, &doc); err != nil {
		return exitWith(exitValidation, fmt.Errorf("parse %s: %w", filename, err))
	}
	if !strings.EqualFold(doc.Kind, string(declared)) {
		return exitWith(exitValidation, fmt.Errorf("%s declares kind %q, not %s", filename, doc.Kind, declared))
	}

	rt, err := openRuntime(cmd, oneShotConfig(cmd))
	if err != nil {
		return err
	}
	defer rt.Close()

	res, err := rt.Catalog().Register(cmd.Context(), source, "filesystem")
	if err != nil {
		return storeExit(err)
	}

	fmt.Printf("✓ %s %s version %s (%s)\n", res.Entry.Type, res.Entry.Path, res.Entry.Version, res.Status)
	return nil
}

func runCatalogList(cmd *cobra.Command, args []string) error {
	filter, _ := cmd.Flags().GetString("type")
	jsonOut, _ := cmd.Flags().GetBool("json")

	rtype, err := resourceTypeFlag(filter)
	if err != nil {
		return exitWith(exitUsage, err)
	}

	rt, err := openRuntime(cmd, oneShotConfig(cmd))
	if err != nil {
		return err
	}
	defer rt.Close()

	entries, err := rt.Catalog().List(cmd.Context(), rtype)
	if err != nil {
		return storeExit(err)
	}

	if jsonOut {
		type summary struct {
			Path    string    `json:"path"`
			Version string    `json:"version"`
			Type    string    `json:"type"`
			Created time.Time `json:"created_at"`
		}
		out := make([]summary, 0, len(entries))
		for _, e := range entries {
			out = append(out, summary{Path: e.Path, Version: e.Version, Type: string(e.Type), Created: e.CreatedAt})
		}
		return printJSON(out)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PATH\tVERSION\tTYPE\tCREATED")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Path, e.Version, e.Type, e.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

// resourceTypeFlag reads a user-facing type name. Empty means no
// filter.
func resourceTypeFlag(s string) (types.ResourceType, error) {
	switch strings.ToLower(s) {
	case "":
		return "", nil
	case "playbook":
		return types.ResourcePlaybook, nil
	case "credential":
		return types.ResourceCredential, nil
	case "workflow":
		return types.ResourceWorkflow, nil
	case "task":
		return types.ResourceTask, nil
	case "action":
		return types.ResourceAction, nil
	case "target":
		return types.ResourceTarget, nil
	}
	return "", fmt.Errorf("unknown resource type %q", s)
}
