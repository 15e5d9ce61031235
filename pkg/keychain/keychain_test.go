package keychain

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/pkg/errdef"
	boltstore "github.com/noetl/noetl/pkg/storage/bolt"
	"github.com/noetl/noetl/pkg/types"
)

type fakeFetcher struct {
	creds map[string]*types.Credential
	calls int
}

func (f *fakeFetcher) FetchCredential(_ context.Context, key string) (*types.Credential, error) {
	f.calls++
	if cred, ok := f.creds[key]; ok {
		return cred, nil
	}
	return nil, errdef.Resolution("credential %q is not registered", key)
}

func newKeychain(t *testing.T, ttl time.Duration) (*Service, *fakeFetcher) {
	t.Helper()
	store, err := boltstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cipher, err := NewCipherFromPassphrase("test-passphrase")
	require.NoError(t, err)

	fetcher := &fakeFetcher{creds: map[string]*types.Credential{
		"pg_local": {
			Type: types.CredentialPostgres,
			Data: map[string]string{"db_host": "localhost", "db_password": "hunter2"},
		},
	}}
	return NewService(store, cipher, fetcher, nil, ttl), fetcher
}

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipherFromPassphrase("s3cret")
	require.NoError(t, err)

	sealed, err := c.Seal([]byte("payload"))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "payload")

	opened, err := c.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), opened)

	// Tampered ciphertext fails authentication.
	sealed[len(sealed)-1] ^= 0xff
	_, err = c.Open(sealed)
	assert.Error(t, err)

	// A different passphrase cannot open it.
	other, err := NewCipherFromPassphrase("wrong")
	require.NoError(t, err)
	sealed2, err := c.Seal([]byte("payload"))
	require.NoError(t, err)
	_, err = other.Open(sealed2)
	assert.Error(t, err)
}

func TestCipherKeyLength(t *testing.T) {
	_, err := NewCipher(make([]byte, 16))
	assert.Error(t, err)
	_, err = NewCipher(make([]byte, 32))
	assert.NoError(t, err)
	_, err = NewCipherFromPassphrase("")
	assert.Error(t, err)
}

func TestResolveCachesPerExecution(t *testing.T) {
	svc, fetcher := newKeychain(t, time.Minute)
	ctx := context.Background()
	ref := types.AuthRef{Credential: "pg_local"}

	cred, err := svc.Resolve(ctx, 100, "pg", ref)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", cred.Data["db_password"])
	assert.Equal(t, 1, fetcher.calls)

	// Second resolve within the same execution hits the keychain.
	cred, err = svc.Resolve(ctx, 100, "pg", ref)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", cred.Data["db_password"])
	assert.Equal(t, 1, fetcher.calls)

	// Another execution resolves independently.
	_, err = svc.Resolve(ctx, 200, "pg", ref)
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.calls)
}

func TestResolveExpiredEntryRefetches(t *testing.T) {
	svc, fetcher := newKeychain(t, time.Nanosecond)
	ctx := context.Background()
	ref := types.AuthRef{Credential: "pg_local"}

	_, err := svc.Resolve(ctx, 100, "pg", ref)
	require.NoError(t, err)

	time.Sleep(time.Millisecond)

	_, err = svc.Resolve(ctx, 100, "pg", ref)
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.calls, "expired entries read as missing")
}

func TestResolveMissingCredential(t *testing.T) {
	svc, _ := newKeychain(t, time.Minute)
	ctx := context.Background()

	_, err := svc.Resolve(ctx, 100, "pg", types.AuthRef{Credential: "nope"})
	require.Error(t, err)
	assert.Equal(t, errdef.KindResolution, errdef.KindOf(err))
}

func TestResolveEnv(t *testing.T) {
	svc, _ := newKeychain(t, time.Minute)
	ctx := context.Background()

	t.Setenv("NOETL_TEST_TOKEN", "tok-123")
	cred, err := svc.Resolve(ctx, 100, "api", types.AuthRef{Env: "NOETL_TEST_TOKEN"})
	require.NoError(t, err)
	assert.Equal(t, types.CredentialBearer, cred.Type)
	assert.Equal(t, "tok-123", cred.Data["value"])

	_, err = svc.Resolve(ctx, 100, "other", types.AuthRef{Env: "NOETL_TEST_UNSET"})
	require.Error(t, err)
	assert.Equal(t, errdef.KindResolution, errdef.KindOf(err))
}

func TestResolveInline(t *testing.T) {
	svc, _ := newKeychain(t, time.Minute)
	ctx := context.Background()

	cred, err := svc.Resolve(ctx, 100, "hdr", types.AuthRef{
		Type:   "header",
		Inline: map[string]any{"X-Api-Key": "abc", "retries": 3},
	})
	require.NoError(t, err)
	assert.Equal(t, types.CredentialHeader, cred.Type)
	assert.Equal(t, "abc", cred.Data["X-Api-Key"])
	assert.Equal(t, "3", cred.Data["retries"])
}

func TestResolveEmptyRef(t *testing.T) {
	svc, _ := newKeychain(t, time.Minute)
	_, err := svc.Resolve(context.Background(), 100, "x", types.AuthRef{})
	require.Error(t, err)
	assert.Equal(t, errdef.KindResolution, errdef.KindOf(err))
}

func TestDropExecution(t *testing.T) {
	svc, fetcher := newKeychain(t, time.Minute)
	ctx := context.Background()
	ref := types.AuthRef{Credential: "pg_local"}

	_, err := svc.Resolve(ctx, 100, "pg", ref)
	require.NoError(t, err)

	dropped, err := svc.DropExecution(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)

	_, err = svc.Resolve(ctx, 100, "pg", ref)
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.calls)
}

func TestTTLClamp(t *testing.T) {
	store, err := boltstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	cipher, err := NewCipherFromPassphrase("p")
	require.NoError(t, err)

	svc := NewService(store, cipher, &fakeFetcher{}, nil, 24*time.Hour)
	assert.Equal(t, MaxTTL, svc.ttl)

	svc = NewService(store, cipher, &fakeFetcher{}, nil, 0)
	assert.Equal(t, DefaultTTL, svc.ttl)
}
