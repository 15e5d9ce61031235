package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/noetl/noetl/pkg/api"
	"github.com/noetl/noetl/pkg/broker"
	"github.com/noetl/noetl/pkg/log"
	"github.com/noetl/noetl/pkg/metrics"
	"github.com/noetl/noetl/pkg/runtime"
	"github.com/noetl/noetl/pkg/worker"
)

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Run the broker daemon",
	Long: `Run a broker over the shared store: claim events, route steps into
queue jobs, sweep expired leases, evict stale keychain entries. Any
number of brokers can share a store; event claims keep each event with
exactly one of them.

Requires --dsn (or NOETL_DSN) and NOETL_KEYCHAIN_KEY.`,
	RunE: runBroker,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the worker daemon",
	Long: `Run a worker over the shared store: lease queued jobs, resolve
credentials, render arguments, run tool pipelines, report outcomes.

Requires --dsn (or NOETL_DSN) and NOETL_KEYCHAIN_KEY.`,
	RunE: runWorker,
}

func init() {
	brokerCmd.Flags().Duration("poll", 0, "event poll interval (default 250ms)")
	brokerCmd.Flags().Int("batch", 0, "events claimed per cycle (default 64)")
	brokerCmd.Flags().Duration("sweep", 0, "lease sweep and keychain eviction cadence (default 5s)")
	brokerCmd.Flags().Int("loop-concurrency", 0, "async loop dispatch cap (default 4)")
	brokerCmd.Flags().String("metrics-addr", "", "serve /metrics, /health, /ready and /live on this address")
	rootCmd.AddCommand(brokerCmd)

	workerCmd.Flags().String("worker-id", "", "stable lease-holder name (falls back to NOETL_WORKER_ID, then a random one)")
	workerCmd.Flags().Int("concurrency", 0, "jobs run at once (default 4)")
	workerCmd.Flags().Int("batch", 0, "jobs leased per poll (default concurrency)")
	workerCmd.Flags().Duration("poll", 0, "queue poll interval (default 250ms)")
	workerCmd.Flags().Duration("lease", 0, "job lease duration (default 30s)")
	workerCmd.Flags().String("metrics-addr", "", "serve /metrics, /health, /ready and /live on this address")
	rootCmd.AddCommand(workerCmd)
}

func runBroker(cmd *cobra.Command, args []string) error {
	cfg := storeConfig(cmd)
	if cfg.DSN == "" {
		return exitWith(exitUsage, errors.New("broker needs a shared store: set --dsn or NOETL_DSN"))
	}
	cfg.Vault = vaultConfig(cmd)

	poll, _ := cmd.Flags().GetDuration("poll")
	batch, _ := cmd.Flags().GetInt("batch")
	sweep, _ := cmd.Flags().GetDuration("sweep")
	loops, _ := cmd.Flags().GetInt("loop-concurrency")
	cfg.Broker = broker.Config{
		PollInterval:    poll,
		BatchSize:       batch,
		SweepInterval:   sweep,
		LoopConcurrency: loops,
	}

	rt, err := openRuntime(cmd, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	return runDaemon(cmd, rt, "broker", rt.ServeBroker)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg := storeConfig(cmd)
	if cfg.DSN == "" {
		return exitWith(exitUsage, errors.New("worker needs a shared store: set --dsn or NOETL_DSN"))
	}
	cfg.Vault = vaultConfig(cmd)

	workerID, _ := cmd.Flags().GetString("worker-id")
	if workerID == "" {
		workerID = os.Getenv("NOETL_WORKER_ID")
	}
	concurrency, _ := cmd.Flags().GetInt("concurrency")
	batch, _ := cmd.Flags().GetInt("batch")
	poll, _ := cmd.Flags().GetDuration("poll")
	lease, _ := cmd.Flags().GetDuration("lease")
	cfg.LeaseFor = lease
	cfg.Worker = worker.Config{
		ID:           workerID,
		Concurrency:  concurrency,
		BatchSize:    batch,
		PollInterval: poll,
	}

	rt, err := openRuntime(cmd, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	return runDaemon(cmd, rt, "worker", rt.ServeWorker)
}

// runDaemon drives one daemon loop until SIGINT or SIGTERM, with the
// operational endpoints alongside when requested.
func runDaemon(cmd *cobra.Command, rt *runtime.Runtime, component string, serve func(context.Context) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.SetVersion(Version)
	adminDone := make(chan struct{})
	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		collector := metrics.NewCollector(rt.Store())
		collector.Start()
		defer collector.Stop()

		admin := api.NewAdmin(component, rt.Store())
		go func() {
			defer close(adminDone)
			if err := admin.Serve(ctx, addr); err != nil {
				lg := log.WithComponent(component)
				lg.Error().Err(err).Msg("admin endpoint failed")
			}
		}()
		fmt.Printf("Admin endpoints on %s\n", addr)
	} else {
		close(adminDone)
	}

	fmt.Printf("%s is running. Press Ctrl+C to stop.\n", component)
	err := serve(ctx)
	stop()
	<-adminDone
	if err != nil && !errors.Is(err, context.Canceled) {
		return exitWith(exitStore, err)
	}
	fmt.Println("✓ Shutdown complete")
	return nil
}
