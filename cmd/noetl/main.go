package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/noetl/noetl/pkg/errdef"
	"github.com/noetl/noetl/pkg/keychain"
	"github.com/noetl/noetl/pkg/log"
	"github.com/noetl/noetl/pkg/runtime"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Exit codes: 0 success, 1 invalid arguments, 2 resource validation
// failure, 3 store or remote error, 4 execution failure in synchronous
// mode.
const (
	exitUsage      = 1
	exitValidation = 2
	exitStore      = 3
	exitExecution  = 4
)

// exitError carries the process exit code through cobra. A nil cause
// means the command already reported the failure on its own terms.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func exitWith(code int, err error) error { return &exitError{code: code, err: err} }

func exitSilent(code int) error { return &exitError{code: code} }

// storeExit maps a service error to its exit code: validation failures
// are the caller's to fix, everything else is the store's.
func storeExit(err error) error {
	if errdef.KindOf(err) == errdef.KindValidation {
		return exitWith(exitValidation, err)
	}
	return exitWith(exitStore, err)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", ee.err)
			}
			os.Exit(ee.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitUsage)
	}
}

var rootCmd = &cobra.Command{
	Use:   "noetl",
	Short: "NoETL - workflow automation over a catalog, event log and queue",
	Long: `NoETL runs playbooks: declarative workflows of templated tool calls.
Every resource lives in a versioned catalog, every transition is an
appended event, and all work flows through a leased queue. Brokers
route events into jobs, workers run the tools, and any number of
either can share one Postgres store. A single bolt file serves the
same engine for local runs.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, _ := cmd.Flags().GetString("log-level")
		jsonOut, _ := cmd.Flags().GetBool("log-json")
		log.Init(log.Config{
			Level:      log.Level(level),
			JSONOutput: jsonOut,
			Output:     os.Stderr,
		})
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"NoETL version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("dsn", "", "Postgres store DSN (falls back to NOETL_DSN)")
	rootCmd.PersistentFlags().String("data-dir", "", "bolt store directory (falls back to NOETL_DATA_DIR, then /var/lib/noetl)")
	rootCmd.PersistentFlags().Int("shard", 1, "identity shard; processes sharing a store need distinct shards")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Bool("log-json", false, "log JSON instead of console lines")
	rootCmd.PersistentFlags().String("vault-addr", "", "Vault address for secret_manager credentials (falls back to VAULT_ADDR)")
	rootCmd.PersistentFlags().String("vault-prefix", "", "Vault mount prefix for secret paths")
}

// storeConfig resolves the shared store flags with their environment
// fallbacks.
func storeConfig(cmd *cobra.Command) runtime.Config {
	dsn, _ := cmd.Flags().GetString("dsn")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	shard, _ := cmd.Flags().GetInt("shard")
	if dsn == "" {
		dsn = os.Getenv("NOETL_DSN")
	}
	if dataDir == "" {
		dataDir = os.Getenv("NOETL_DATA_DIR")
	}
	return runtime.Config{DSN: dsn, DataDir: dataDir, Shard: shard}
}

// oneShotConfig is storeConfig for commands that never open sealed
// keychain entries: register, status, cancel, catalog. Those may run
// against a shared store without the daemons' NOETL_KEYCHAIN_KEY, so
// a missing key falls back to a throwaway.
func oneShotConfig(cmd *cobra.Command) runtime.Config {
	cfg := storeConfig(cmd)
	if cfg.DSN != "" && os.Getenv("NOETL_KEYCHAIN_KEY") == "" {
		cfg.KeychainKey = uuid.NewString()
	}
	return cfg
}

func openRuntime(cmd *cobra.Command, cfg runtime.Config) (*runtime.Runtime, error) {
	rt, err := runtime.New(cmd.Context(), cfg)
	if err != nil {
		return nil, exitWith(exitStore, err)
	}
	return rt, nil
}

// vaultConfig enables the secret manager when an address is configured,
// by flag or by the conventional VAULT_ADDR. The token only ever comes
// from the environment.
func vaultConfig(cmd *cobra.Command) *keychain.VaultConfig {
	addr, _ := cmd.Flags().GetString("vault-addr")
	if addr == "" {
		addr = os.Getenv("VAULT_ADDR")
	}
	if addr == "" {
		return nil
	}
	prefix, _ := cmd.Flags().GetString("vault-prefix")
	return &keychain.VaultConfig{
		Address:    addr,
		Token:      os.Getenv("VAULT_TOKEN"),
		PathPrefix: prefix,
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
