// Package keychain resolves step auth references into credential
// material and caches the material, sealed, for the lifetime of the
// owning execution. Entries are keyed (credential_key, execution_id)
// with a hard TTL cap of one hour; plaintext exists only in worker
// memory while a task runs and must never reach events or logs.
package keychain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/noetl/noetl/pkg/errdef"
	"github.com/noetl/noetl/pkg/log"
	"github.com/noetl/noetl/pkg/storage"
	"github.com/noetl/noetl/pkg/types"
)

// MaxTTL caps how long sealed material may live in the keychain
const MaxTTL = time.Hour

// DefaultTTL applies when the service is configured without one
const DefaultTTL = 15 * time.Minute

// CredentialFetcher resolves registered credential resources.
// *catalog.Service satisfies it.
type CredentialFetcher interface {
	FetchCredential(ctx context.Context, key string) (*types.Credential, error)
}

// SecretReader resolves external secret manager paths.
// *VaultClient satisfies it.
type SecretReader interface {
	ReadSecret(ctx context.Context, path string) (map[string]string, error)
}

// Service resolves auth references with an execution-scoped cache
type Service struct {
	store   storage.Store
	cipher  *Cipher
	creds   CredentialFetcher
	secrets SecretReader
	ttl     time.Duration
}

// NewService creates a keychain. secrets may be nil when no secret
// manager is configured; ttl is clamped to MaxTTL.
func NewService(store storage.Store, cipher *Cipher, creds CredentialFetcher, secrets SecretReader, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if ttl > MaxTTL {
		ttl = MaxTTL
	}
	return &Service{store: store, cipher: cipher, creds: creds, secrets: secrets, ttl: ttl}
}

// Resolve returns the credential behind an auth reference, consulting
// the execution's keychain before the reference's source. The alias
// names the step's auth slot and keys cache entries for sources that
// have no path of their own.
func (s *Service) Resolve(ctx context.Context, executionID int64, alias string, ref types.AuthRef) (*types.Credential, error) {
	key := ref.Credential
	if key == "" {
		key = alias
	}

	now := time.Now().UTC()
	entry, err := s.store.GetKeychainEntry(ctx, key, executionID, now)
	if err == nil {
		return s.open(entry)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	cred, err := s.fetch(ctx, alias, ref)
	if err != nil {
		return nil, err
	}

	if err := s.seal(ctx, key, executionID, cred, now); err != nil {
		// The credential is usable; failing to cache it only costs
		// re-resolution. Log and continue.
		lg := log.WithComponent("keychain")
		lg.Warn().Err(err).
			Str("credential", key).Msg("failed to cache credential")
	}
	return cred, nil
}

// fetch resolves the reference from its source
func (s *Service) fetch(ctx context.Context, alias string, ref types.AuthRef) (*types.Credential, error) {
	switch {
	case ref.Credential != "":
		cred, err := s.creds.FetchCredential(ctx, ref.Credential)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errdef.Resolution("credential %q is not registered", ref.Credential)
		}
		if err != nil {
			return nil, err
		}
		return cred, nil

	case ref.Secret != "":
		if s.secrets == nil {
			return nil, errdef.Resolution("auth %q needs a secret manager, none configured", alias)
		}
		data, err := s.secrets.ReadSecret(ctx, ref.Secret)
		if err != nil {
			return nil, err
		}
		return &types.Credential{Type: credType(ref.Type, types.CredentialAPIKey), Data: data}, nil

	case ref.Env != "":
		value := os.Getenv(ref.Env)
		if value == "" {
			return nil, errdef.Resolution("environment variable %q is empty", ref.Env)
		}
		return &types.Credential{
			Type: credType(ref.Type, types.CredentialBearer),
			Data: map[string]string{"value": value},
		}, nil

	case len(ref.Inline) > 0:
		data := make(map[string]string, len(ref.Inline))
		for k, v := range ref.Inline {
			data[k] = fmt.Sprintf("%v", v)
		}
		return &types.Credential{Type: credType(ref.Type, types.CredentialHeader), Data: data}, nil

	default:
		return nil, errdef.Resolution("auth %q names no credential, secret, env, or inline source", alias)
	}
}

func credType(declared string, fallback types.CredentialType) types.CredentialType {
	if declared != "" {
		return types.CredentialType(declared)
	}
	return fallback
}

func (s *Service) seal(ctx context.Context, key string, executionID int64, cred *types.Credential, now time.Time) error {
	plaintext, err := json.Marshal(cred)
	if err != nil {
		return err
	}
	ciphertext, err := s.cipher.Seal(plaintext)
	if err != nil {
		return err
	}
	return s.store.PutKeychainEntry(ctx, &types.KeychainEntry{
		CredentialKey: key,
		ExecutionID:   executionID,
		Ciphertext:    ciphertext,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.ttl),
	})
}

func (s *Service) open(entry *types.KeychainEntry) (*types.Credential, error) {
	plaintext, err := s.cipher.Open(entry.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("keychain %s: %w", entry.CredentialKey, err)
	}
	var cred types.Credential
	if err := json.Unmarshal(plaintext, &cred); err != nil {
		return nil, err
	}
	return &cred, nil
}

// DropExecution removes an execution's keychain entries. Brokers call
// this when the execution reaches a terminal status.
func (s *Service) DropExecution(ctx context.Context, executionID int64) (int, error) {
	return s.store.DeleteKeychainForExecution(ctx, executionID)
}

// Evict removes entries past their TTL
func (s *Service) Evict(ctx context.Context) (int, error) {
	return s.store.EvictExpiredKeychain(ctx, time.Now().UTC())
}
