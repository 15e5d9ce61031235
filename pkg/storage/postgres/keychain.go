package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/noetl/noetl/pkg/storage"
	"github.com/noetl/noetl/pkg/types"
)

// PutKeychainEntry stores or refreshes sealed credential material for
// one execution. Upsert keeps re-resolution idempotent.
func (s *Store) PutKeychainEntry(ctx context.Context, entry *types.KeychainEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO noetl.keychain
			(credential_key, execution_id, ciphertext, created_at, expires_at, accessed_at, access_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (credential_key, execution_id) DO UPDATE SET
			ciphertext = EXCLUDED.ciphertext,
			expires_at = EXCLUDED.expires_at`,
		entry.CredentialKey, entry.ExecutionID, entry.Ciphertext,
		entry.CreatedAt, entry.ExpiresAt, nullTime(entry.AccessedAt), entry.AccessCount,
	)
	return err
}

// GetKeychainEntry fetches sealed material and bumps the access
// counters in the same statement. Expired entries read as missing.
func (s *Store) GetKeychainEntry(ctx context.Context, credentialKey string, executionID int64, now time.Time) (*types.KeychainEntry, error) {
	entry := &types.KeychainEntry{
		CredentialKey: credentialKey,
		ExecutionID:   executionID,
	}
	var accessedAt *time.Time
	err := s.pool.QueryRow(ctx, `
		UPDATE noetl.keychain SET accessed_at = $3, access_count = access_count + 1
		WHERE credential_key = $1 AND execution_id = $2 AND expires_at > $3
		RETURNING ciphertext, created_at, expires_at, accessed_at, access_count`,
		credentialKey, executionID, now).Scan(
		&entry.Ciphertext, &entry.CreatedAt, &entry.ExpiresAt, &accessedAt, &entry.AccessCount,
	)
	if noRows(err) {
		return nil, fmt.Errorf("keychain %s/%d: %w", credentialKey, executionID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	entry.AccessedAt = fromNullTime(accessedAt)
	return entry, nil
}

func (s *Store) EvictExpiredKeychain(ctx context.Context, now time.Time) (int, error) {
	cmd, err := s.pool.Exec(ctx,
		`DELETE FROM noetl.keychain WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return int(cmd.RowsAffected()), nil
}

func (s *Store) DeleteKeychainForExecution(ctx context.Context, executionID int64) (int, error) {
	cmd, err := s.pool.Exec(ctx,
		`DELETE FROM noetl.keychain WHERE execution_id = $1`, executionID)
	if err != nil {
		return 0, err
	}
	return int(cmd.RowsAffected()), nil
}
