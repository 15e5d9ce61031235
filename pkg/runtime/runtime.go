package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noetl/noetl/pkg/broker"
	"github.com/noetl/noetl/pkg/catalog"
	"github.com/noetl/noetl/pkg/errdef"
	"github.com/noetl/noetl/pkg/event"
	"github.com/noetl/noetl/pkg/identity"
	"github.com/noetl/noetl/pkg/keychain"
	"github.com/noetl/noetl/pkg/log"
	"github.com/noetl/noetl/pkg/metrics"
	"github.com/noetl/noetl/pkg/queue"
	"github.com/noetl/noetl/pkg/storage"
	boltstore "github.com/noetl/noetl/pkg/storage/bolt"
	pgstore "github.com/noetl/noetl/pkg/storage/postgres"
	"github.com/noetl/noetl/pkg/tool"
	"github.com/noetl/noetl/pkg/types"
	"github.com/noetl/noetl/pkg/worker"
)

// DefaultDataDir is where the bolt store lives when nothing else is
// configured
const DefaultDataDir = "/var/lib/noetl"

// defaultLeaseFor is the queue lease granted to workers
const defaultLeaseFor = 30 * time.Second

// Config assembles one engine process
type Config struct {
	// DSN selects the shared Postgres store. Empty runs on bolt.
	DSN string
	// DataDir locates the bolt store when DSN is empty.
	DataDir string
	// Shard feeds the identity generator. Processes sharing a store
	// need distinct shards.
	Shard int
	// KeychainKey seals cached credentials at rest. Empty falls back
	// to NOETL_KEYCHAIN_KEY, then to a random per-process key on
	// bolt. A shared store refuses to start without an explicit key:
	// entries sealed by one process must open in every other.
	KeychainKey string
	// KeychainTTL bounds how long resolved credentials stay cached.
	KeychainTTL time.Duration
	// LeaseFor is the lease duration granted to workers.
	LeaseFor time.Duration
	// Vault enables the external secret manager when non-nil.
	Vault *keychain.VaultConfig
	// Broker and Worker tune the embedded engine that Serve runs.
	Broker broker.Config
	Worker worker.Config
}

func (c *Config) defaults() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.Shard <= 0 {
		c.Shard = 1
	}
	if c.LeaseFor <= 0 {
		c.LeaseFor = defaultLeaseFor
	}
}

// Runtime owns one store and the services over it: catalog, event log,
// queue, keychain, and the tool registry. It starts and cancels
// executions; brokers and workers, embedded or standalone, do the
// driving.
type Runtime struct {
	cfg      Config
	store    storage.Store
	ids      *identity.Generator
	catalog  *catalog.Service
	events   *event.Service
	queue    *queue.Service
	keychain *keychain.Service
	tools    *tool.Registry
	log      zerolog.Logger
}

// New opens the configured store and assembles the engine services
func New(ctx context.Context, cfg Config) (*Runtime, error) {
	cfg.defaults()

	key := cfg.KeychainKey
	if key == "" {
		key = os.Getenv("NOETL_KEYCHAIN_KEY")
	}
	if key == "" {
		if cfg.DSN != "" {
			return nil, errors.New("keychain key required on a shared store: set NOETL_KEYCHAIN_KEY")
		}
		key = uuid.NewString()
	}
	cipher, err := keychain.NewCipherFromPassphrase(key)
	if err != nil {
		return nil, err
	}

	var store storage.Store
	if cfg.DSN != "" {
		store, err = pgstore.Open(ctx, cfg.DSN)
	} else {
		store, err = boltstore.Open(cfg.DataDir)
	}
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	ids, err := identity.NewGenerator(cfg.Shard)
	if err != nil {
		store.Close()
		return nil, err
	}

	var secrets keychain.SecretReader
	if cfg.Vault != nil {
		vc, err := keychain.NewVaultClient(*cfg.Vault)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("secret manager: %w", err)
		}
		secrets = vc
	}

	cat := catalog.NewService(store, ids)
	r := &Runtime{
		cfg:      cfg,
		store:    store,
		ids:      ids,
		catalog:  cat,
		events:   event.NewService(store, ids),
		queue:    queue.NewService(store, ids, cfg.LeaseFor),
		keychain: keychain.NewService(store, cipher, cat, secrets, cfg.KeychainTTL),
		log:      log.WithComponent("runtime"),
	}
	r.tools = tool.StandardRegistry(&launcher{rt: r})
	cat.KnownKind = r.tools.Has
	return r, nil
}

// Close releases the store
func (r *Runtime) Close() error {
	return r.store.Close()
}

// Store exposes the backing store for status queries and daemons
func (r *Runtime) Store() storage.Store { return r.store }

// Catalog exposes the resource catalog
func (r *Runtime) Catalog() *catalog.Service { return r.catalog }

// Events exposes the event log
func (r *Runtime) Events() *event.Service { return r.events }

// Queue exposes the work queue
func (r *Runtime) Queue() *queue.Service { return r.queue }

// Keychain exposes the credential cache
func (r *Runtime) Keychain() *keychain.Service { return r.keychain }

// Tools exposes the registry, populated with every built-in kind
func (r *Runtime) Tools() *tool.Registry { return r.tools }

// Execution returns one execution row
func (r *Runtime) Execution(ctx context.Context, id int64) (*types.Execution, error) {
	return r.store.GetExecution(ctx, id)
}

// StartExecution records a pending execution of a catalog playbook and
// appends the start event that brokers claim. Overrides merge over the
// playbook's workload defaults key by key.
func (r *Runtime) StartExecution(ctx context.Context, path, version string, overrides map[string]any) (*types.Execution, error) {
	return r.start(ctx, path, version, overrides, 0)
}

func (r *Runtime) start(ctx context.Context, path, version string, overrides map[string]any, parentID int64) (*types.Execution, error) {
	pb, entry, err := r.catalog.FetchPlaybook(ctx, path, version)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errdef.Resolution("playbook %q is not registered", path)
		}
		return nil, err
	}

	ex := &types.Execution{
		ID:                r.ids.Next(),
		ParentExecutionID: parentID,
		ResourcePath:      entry.Path,
		ResourceVersion:   entry.Version,
		Workload:          mergeWorkload(pb.Workload, overrides),
		Status:            types.ExecutionPending,
		StartedAt:         time.Now().UTC(),
	}
	if err := r.store.CreateExecution(ctx, ex); err != nil {
		return nil, err
	}

	payload := map[string]any{"playbook": entry.Path, "version": entry.Version}
	if parentID != 0 {
		payload["parent_execution_id"] = identity.Render(parentID)
	}
	if _, err := r.events.Append(ctx, &types.Event{
		ExecutionID:     ex.ID,
		Type:            types.EventExecutionStarted,
		Status:          string(types.ExecutionPending),
		ResourcePath:    entry.Path,
		ResourceVersion: entry.Version,
		Payload:         payload,
	}); err != nil {
		return nil, fmt.Errorf("append start event: %w", err)
	}

	metrics.ExecutionsStarted.Inc()
	r.log.Info().
		Int64("execution_id", ex.ID).
		Str("playbook", entry.Path).
		Str("version", entry.Version).
		Msg("execution submitted")
	return ex, nil
}

// Cancel stops an execution. The cancel flag turns running workers
// away at their next lease check, queued jobs die immediately, and the
// status flips to cancelled with a terminal event. Repeated calls are
// harmless; a terminal execution comes back unchanged.
func (r *Runtime) Cancel(ctx context.Context, id int64) (*types.Execution, error) {
	ex, err := r.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if ex.Status.Terminal() {
		return ex, nil
	}

	if _, err := r.store.RequestCancel(ctx, id); err != nil {
		return nil, err
	}
	if killed, err := r.queue.Kill(ctx, id, "execution cancelled"); err != nil {
		r.log.Error().Err(err).Int64("execution_id", id).Msg("queue kill failed")
	} else if killed > 0 {
		r.log.Debug().Int64("execution_id", id).Int("killed", killed).Msg("queued jobs killed")
	}

	now := time.Now().UTC()
	won := false
	for _, from := range []types.ExecutionStatus{types.ExecutionRunning, types.ExecutionPending} {
		w, err := r.store.TransitionExecution(ctx, id, from, types.ExecutionCancelled, "cancelled", now)
		if err != nil {
			return nil, err
		}
		if w {
			won = true
			break
		}
	}
	if won {
		if _, err := r.events.Append(ctx, &types.Event{
			ExecutionID: id,
			Type:        types.EventExecutionFailed,
			Status:      string(types.ExecutionCancelled),
			Payload: map[string]any{
				"error": map[string]any{"kind": string(errdef.KindPolicy), "message": "cancelled"},
			},
		}); err != nil {
			r.log.Warn().Err(err).Int64("execution_id", id).Msg("cancel event append failed")
		}
		if _, err := r.keychain.DropExecution(ctx, id); err != nil {
			r.log.Warn().Err(err).Int64("execution_id", id).Msg("keychain drop failed")
		}
		metrics.ExecutionsCancelled.Inc()
		r.log.Info().Int64("execution_id", id).Msg("execution cancelled")
	}
	return r.store.GetExecution(ctx, id)
}

// mergeWorkload lays run-time overrides over the playbook's declared
// defaults. Top-level keys replace wholesale; nested values are reached
// through templates, not override paths.
func mergeWorkload(defaults, overrides map[string]any) map[string]any {
	merged := make(map[string]any, len(defaults)+len(overrides))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}
