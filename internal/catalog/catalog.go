package catalog

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/hbomb79/Crate/internal/database"
	"github.com/hbomb79/Crate/pkg/logger"
	"github.com/jmoiron/sqlx"
)

var log = logger.Get("Catalog")

type (
	DbManager interface {
		GetSqlxDb() *sqlx.DB
		WrapTx(context.Context, func(*sqlx.Tx) error) error
	}

	// Catalog is the Postgres backed record store for packs.
	Catalog struct {
		db    DbManager
		store *Store
	}
)

func New(db DbManager) *Catalog {
	return &Catalog{db: db, store: &Store{}}
}

// Ingestion returns the completion marker for the archive location, or
// nil if the archive has never been fully ingested.
func (catalog *Catalog) Ingestion(ctx context.Context, archiveLocation string) (*PackIngestion, error) {
	return catalog.store.GetIngestion(ctx, catalog.db.GetSqlxDb(), archiveLocation)
}

func (catalog *Catalog) Pack(ctx context.Context, id uuid.UUID) (*Pack, error) {
	return catalog.store.GetPack(ctx, catalog.db.GetSqlxDb(), id)
}

func (catalog *Catalog) Artifacts(ctx context.Context, packID uuid.UUID) ([]*MediaArtifact, error) {
	return catalog.store.ListArtifacts(ctx, catalog.db.GetSqlxDb(), packID)
}

func (catalog *Catalog) PreviewPairs(ctx context.Context, packID uuid.UUID) ([]*PreviewPair, error) {
	return catalog.store.ListPreviewPairs(ctx, catalog.db.GetSqlxDb(), packID)
}

// Commit writes every record of an ingestion inside a single
// transaction. Either all of it lands, or none of it does.
func (catalog *Catalog) Commit(ctx context.Context, commit *Commit) (*CommitResult, error) {
	var result *CommitResult
	err := catalog.db.WrapTx(ctx, func(tx *sqlx.Tx) error {
		r, err := catalog.commit(ctx, tx, commit)
		result = r
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Emit(logger.DEBUG, "Committed ingestion of %s (created=%d updated=%d rejected=%d)\n", commit.Ingestion.ArchiveLocation, result.Created, result.Updated, len(result.Rejected))
	return result, nil
}

func (catalog *Catalog) commit(ctx context.Context, db database.Queryable, commit *Commit) (*CommitResult, error) {
	if commit.Ingestion == nil {
		return nil, fmt.Errorf("commit is missing its ingestion marker")
	}

	result := &CommitResult{}
	if commit.Pack != nil {
		if err := catalog.store.UpsertPack(ctx, db, commit.Pack); err != nil {
			return nil, err
		}
	} else if _, err := catalog.store.GetPack(ctx, db, commit.Ingestion.PackID); err != nil {
		return nil, err
	}

	for _, artifact := range commit.Artifacts {
		created, err := catalog.store.UpsertArtifact(ctx, db, artifact)
		if err != nil {
			return nil, err
		}
		result.count(created)
	}

	for _, pair := range commit.Pairs {
		created, err := catalog.store.UpsertPreviewPair(ctx, db, pair)
		if err != nil {
			return nil, err
		}
		result.count(created)
	}

	for _, fill := range commit.Fills {
		filled, err := catalog.store.FillPairTable(ctx, db, fill)
		if err != nil {
			return nil, err
		}
		if filled {
			result.Updated++
		} else {
			result.Rejected = append(result.Rejected, fill)
		}
	}

	if err := catalog.store.RecordIngestion(ctx, db, commit.Ingestion); err != nil {
		return nil, err
	}

	return result, nil
}

func (result *CommitResult) count(created bool) {
	if created {
		result.Created++
	} else {
		result.Updated++
	}
}
