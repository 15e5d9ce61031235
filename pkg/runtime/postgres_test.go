package runtime

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/pkg/broker"
	pgstore "github.com/noetl/noetl/pkg/storage/postgres"
	"github.com/noetl/noetl/pkg/types"
	"github.com/noetl/noetl/pkg/worker"
)

// Engine runs over a live database. Point NOETL_TEST_DSN at a
// throwaway instance; the schema is migrated and wiped per test.
func newPostgresRuntime(t *testing.T) *Runtime {
	t.Helper()
	dsn := os.Getenv("NOETL_TEST_DSN")
	if dsn == "" {
		t.Skip("NOETL_TEST_DSN not set, skipping Postgres engine tests")
	}
	ctx := context.Background()

	s, err := pgstore.Open(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	for _, table := range []string{"event_claim", "event", "queue", "loop_state", "keychain", "execution", "catalog"} {
		_, err := s.Pool().Exec(ctx, "DELETE FROM noetl."+table)
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	rt, err := New(ctx, Config{
		DSN:         dsn,
		KeychainKey: "engine-test-key",
		Shard:       3,
		LeaseFor:    2 * time.Second,
		Broker: broker.Config{
			PollInterval:  5 * time.Millisecond,
			SweepInterval: 250 * time.Millisecond,
		},
		Worker: worker.Config{
			PollInterval: 5 * time.Millisecond,
			Concurrency:  8,
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })
	return rt
}

func TestRunLocalOverPostgres(t *testing.T) {
	rt := newPostgresRuntime(t)
	path := register(t, rt, greetPlaybook)

	final, results := runToEnd(t, rt, path, map[string]any{"subject": "postgres"})

	assert.Equal(t, types.ExecutionCompleted, final.Status)
	assert.Equal(t, "hello postgres", stepResult(t, results, "start")["stdout"])

	evs := eventsFor(t, rt, final.ID)
	assert.NotEmpty(t, byType(evs, types.EventExecutionComplete))
}
