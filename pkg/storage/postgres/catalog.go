package postgres

import (
	"context"
	"fmt"

	"github.com/noetl/noetl/pkg/storage"
	"github.com/noetl/noetl/pkg/types"
)

const catalogColumns = `catalog_id, resource_path, resource_version, resource_type, source, resource_location, fingerprint, payload, meta, created_at`

func scanCatalogEntry(row interface{ Scan(...any) error }) (*types.CatalogEntry, error) {
	var entry types.CatalogEntry
	var meta []byte
	err := row.Scan(
		&entry.ID, &entry.Path, &entry.Version, &entry.Type, &entry.Source,
		&entry.Location, &entry.Fingerprint, &entry.Payload, &meta, &entry.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := unjsonb(meta, &entry.Meta); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Store) PutCatalogEntry(ctx context.Context, entry *types.CatalogEntry) error {
	meta, err := jsonb(entry.Meta)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO noetl.catalog (`+catalogColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.ID, entry.Path, entry.Version, entry.Type, entry.Source,
		entry.Location, entry.Fingerprint, entry.Payload, meta, entry.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("catalog %s@%s: %w", entry.Path, entry.Version, storage.ErrDuplicate)
		}
		return err
	}
	return nil
}

func (s *Store) GetCatalogEntry(ctx context.Context, path, version string) (*types.CatalogEntry, error) {
	entry, err := scanCatalogEntry(s.pool.QueryRow(ctx, `
		SELECT `+catalogColumns+` FROM noetl.catalog
		WHERE resource_path = $1 AND resource_version = $2`,
		path, version))
	if noRows(err) {
		return nil, fmt.Errorf("catalog %s@%s: %w", path, version, storage.ErrNotFound)
	}
	return entry, err
}

func (s *Store) GetCatalogEntryByID(ctx context.Context, id int64) (*types.CatalogEntry, error) {
	entry, err := scanCatalogEntry(s.pool.QueryRow(ctx, `
		SELECT `+catalogColumns+` FROM noetl.catalog WHERE catalog_id = $1`, id))
	if noRows(err) {
		return nil, fmt.Errorf("catalog id %d: %w", id, storage.ErrNotFound)
	}
	return entry, err
}

// GetCatalogLatest picks the highest version of a path. Version order
// is numeric per dot-separated segment, which string_to_array gives us
// server-side.
func (s *Store) GetCatalogLatest(ctx context.Context, path string) (*types.CatalogEntry, error) {
	entry, err := scanCatalogEntry(s.pool.QueryRow(ctx, `
		SELECT `+catalogColumns+` FROM noetl.catalog
		WHERE resource_path = $1
		ORDER BY string_to_array(resource_version, '.')::bigint[] DESC
		LIMIT 1`,
		path))
	if noRows(err) {
		return nil, fmt.Errorf("catalog %s: %w", path, storage.ErrNotFound)
	}
	return entry, err
}

func (s *Store) FindCatalogFingerprint(ctx context.Context, path, fingerprint string) (*types.CatalogEntry, error) {
	entry, err := scanCatalogEntry(s.pool.QueryRow(ctx, `
		SELECT `+catalogColumns+` FROM noetl.catalog
		WHERE resource_path = $1 AND fingerprint = $2
		ORDER BY string_to_array(resource_version, '.')::bigint[] DESC
		LIMIT 1`,
		path, fingerprint))
	if noRows(err) {
		return nil, fmt.Errorf("catalog %s fingerprint: %w", path, storage.ErrNotFound)
	}
	return entry, err
}

func (s *Store) ListCatalog(ctx context.Context, resourceType types.ResourceType) ([]*types.CatalogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+catalogColumns+` FROM noetl.catalog
		WHERE $1 = '' OR resource_type = $1
		ORDER BY resource_path, created_at`,
		string(resourceType))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*types.CatalogEntry
	for rows.Next() {
		entry, err := scanCatalogEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
