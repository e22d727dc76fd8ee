package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/hbomb79/Crate/internal/database"
)

// Store contains the SQL for the catalog tables. Methods accept a
// database.Queryable so they can take part in a wider transaction.
type Store struct{}

func (store *Store) GetIngestion(ctx context.Context, db database.Queryable, archiveLocation string) (*PackIngestion, error) {
	var ingestion PackIngestion
	err := db.GetContext(ctx, &ingestion, `SELECT * FROM pack_ingestions WHERE archive_location=$1`, archiveLocation)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to probe ingestion of %s: %w", archiveLocation, err)
	}

	return &ingestion, nil
}

func (store *Store) GetPack(ctx context.Context, db database.Queryable, id uuid.UUID) (*Pack, error) {
	query, args, err := squirrel.Select("*").From("packs").Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct select pack query: %w", err)
	}

	var pack Pack
	if err := db.GetContext(ctx, &pack, db.Rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPackNotFound
		}
		return nil, fmt.Errorf("failed to get pack %s: %w", id, err)
	}

	return &pack, nil
}

func (store *Store) ListArtifacts(ctx context.Context, db database.Queryable, packID uuid.UUID) ([]*MediaArtifact, error) {
	query, args, err := squirrel.
		Select("*").
		From("media_artifacts").
		Where(squirrel.Eq{"pack_id": packID}).
		OrderBy("destination_path").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct list artifacts query: %w", err)
	}

	var results []*MediaArtifact
	if err := db.SelectContext(ctx, &results, db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list artifacts of pack %s: %w", packID, err)
	}

	return results, nil
}

func (store *Store) ListPreviewPairs(ctx context.Context, db database.Queryable, packID uuid.UUID) ([]*PreviewPair, error) {
	query, args, err := squirrel.
		Select("*").
		From("preview_pairs").
		Where(squirrel.Eq{"pack_id": packID}).
		OrderBy("created_at", `unit_name COLLATE "C"`).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct list preview pairs query: %w", err)
	}

	var results []*PreviewPair
	if err := db.SelectContext(ctx, &results, db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list preview pairs of pack %s: %w", packID, err)
	}

	return results, nil
}

// UpsertPack inserts the pack, or refreshes the mutable columns of an
// existing pack with the same ID.
func (store *Store) UpsertPack(ctx context.Context, db database.Queryable, pack *Pack) error {
	_, err := db.NamedExecContext(ctx, `
		INSERT INTO packs(id, title, category, archive_location, thumbnail_path, preview_path, created_at, updated_at)
		VALUES (:id, :title, :category, :archive_location, :thumbnail_path, :preview_path, current_timestamp, current_timestamp)
		ON CONFLICT(id) DO UPDATE SET
			title=EXCLUDED.title,
			thumbnail_path=COALESCE(EXCLUDED.thumbnail_path, packs.thumbnail_path),
			preview_path=COALESCE(EXCLUDED.preview_path, packs.preview_path),
			updated_at=current_timestamp
	`, pack)
	if err != nil {
		return fmt.Errorf("failed to upsert pack %s: %w", pack.ID, err)
	}

	return nil
}

// UpsertArtifact writes the artifact, returning true if a new
// row was created rather than an existing one updated.
func (store *Store) UpsertArtifact(ctx context.Context, db database.Queryable, artifact *MediaArtifact) (bool, error) {
	query, args, err := db.BindNamed(`
		INSERT INTO media_artifacts(id, pack_id, file_name, destination_path, file_type, content_type, size_bytes, digest, preview_path, duration_seconds, created_at, updated_at)
		VALUES (:id, :pack_id, :file_name, :destination_path, :file_type, :content_type, :size_bytes, :digest, :preview_path, :duration_seconds, current_timestamp, current_timestamp)
		ON CONFLICT(destination_path) DO UPDATE SET
			file_name=EXCLUDED.file_name,
			file_type=EXCLUDED.file_type,
			content_type=EXCLUDED.content_type,
			size_bytes=EXCLUDED.size_bytes,
			digest=EXCLUDED.digest,
			preview_path=COALESCE(EXCLUDED.preview_path, media_artifacts.preview_path),
			duration_seconds=GREATEST(EXCLUDED.duration_seconds, media_artifacts.duration_seconds),
			updated_at=current_timestamp
		RETURNING (xmax = 0) AS inserted
	`, artifact)
	if err != nil {
		return false, fmt.Errorf("failed to bind artifact upsert: %w", err)
	}

	var inserted bool
	if err := db.QueryRowxContext(ctx, query, args...).Scan(&inserted); err != nil {
		return false, fmt.Errorf("failed to upsert artifact %s: %w", artifact.DestinationPath, err)
	}

	return inserted, nil
}

// UpsertPreviewPair writes the pair, returning true if a new row was
// created. An existing table association is never replaced.
func (store *Store) UpsertPreviewPair(ctx context.Context, db database.Queryable, pair *PreviewPair) (bool, error) {
	query, args, err := db.BindNamed(`
		INSERT INTO preview_pairs(id, pack_id, unit_name, before_path, after_path, table_path, table_file_name, created_at, updated_at)
		VALUES (:id, :pack_id, :unit_name, :before_path, :after_path, :table_path, :table_file_name, current_timestamp, current_timestamp)
		ON CONFLICT(id) DO UPDATE SET
			before_path=EXCLUDED.before_path,
			after_path=EXCLUDED.after_path,
			table_path=COALESCE(preview_pairs.table_path, EXCLUDED.table_path),
			table_file_name=COALESCE(preview_pairs.table_file_name, EXCLUDED.table_file_name),
			updated_at=current_timestamp
		RETURNING (xmax = 0) AS inserted
	`, pair)
	if err != nil {
		return false, fmt.Errorf("failed to bind preview pair upsert: %w", err)
	}

	var inserted bool
	if err := db.QueryRowxContext(ctx, query, args...).Scan(&inserted); err != nil {
		return false, fmt.Errorf("failed to upsert preview pair %s: %w", pair.UnitName, err)
	}

	return inserted, nil
}

// FillPairTable associates a table file with a pair that has none. The
// boolean result is false if the pair already had an association.
func (store *Store) FillPairTable(ctx context.Context, db database.Queryable, fill TableFill) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE preview_pairs
		SET table_path=$2, table_file_name=$3, updated_at=current_timestamp
		WHERE id=$1 AND table_path IS NULL
	`, fill.PairID, fill.TablePath, fill.TableFileName)
	if err != nil {
		return false, fmt.Errorf("failed to fill table of preview pair %s: %w", fill.PairID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n == 1, nil
}

func (store *Store) RecordIngestion(ctx context.Context, db database.Queryable, ingestion *PackIngestion) error {
	_, err := db.NamedExecContext(ctx, `
		INSERT INTO pack_ingestions(archive_location, pack_id, files_processed, completed_at)
		VALUES (:archive_location, :pack_id, :files_processed, current_timestamp)
		ON CONFLICT(archive_location) DO UPDATE SET
			pack_id=EXCLUDED.pack_id,
			files_processed=EXCLUDED.files_processed,
			completed_at=current_timestamp
	`, ingestion)
	if err != nil {
		return fmt.Errorf("failed to record ingestion of %s: %w", ingestion.ArchiveLocation, err)
	}

	return nil
}
