// Package catalog persists the records describing ingested packs: the
// pack itself, its media artifacts, its before/after preview pairs and
// the completion marker used to make ingestion idempotent.
package catalog

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPackNotFound = errors.New("pack does not exist")

	// packNamespace seeds the name-based UUIDs used for pack identifiers
	packNamespace = uuid.MustParse("6f1c2b9e-5d4a-4c61-9a7e-2f0b8d3e41c7")
)

type (
	Pack struct {
		ID              uuid.UUID `db:"id" json:"id"`
		Title           string    `db:"title" json:"title"`
		Category        string    `db:"category" json:"category"`
		ArchiveLocation string    `db:"archive_location" json:"archiveLocation"`
		ThumbnailPath   *string   `db:"thumbnail_path" json:"thumbnailPath,omitempty"`
		PreviewPath     *string   `db:"preview_path" json:"previewPath,omitempty"`
		CreatedAt       time.Time `db:"created_at" json:"createdAt"`
		UpdatedAt       time.Time `db:"updated_at" json:"updatedAt"`
	}

	MediaArtifact struct {
		ID              uuid.UUID `db:"id" json:"id"`
		PackID          uuid.UUID `db:"pack_id" json:"packId"`
		FileName        string    `db:"file_name" json:"fileName"`
		DestinationPath string    `db:"destination_path" json:"destinationPath"`
		FileType        string    `db:"file_type" json:"fileType"`
		ContentType     string    `db:"content_type" json:"contentType"`
		SizeBytes       int64     `db:"size_bytes" json:"sizeBytes"`
		Digest          string    `db:"digest" json:"digest"`
		PreviewPath     *string   `db:"preview_path" json:"previewPath,omitempty"`
		DurationSeconds int       `db:"duration_seconds" json:"durationSeconds"`
		CreatedAt       time.Time `db:"created_at" json:"createdAt"`
		UpdatedAt       time.Time `db:"updated_at" json:"updatedAt"`
	}

	PreviewPair struct {
		ID            uuid.UUID `db:"id" json:"id"`
		PackID        uuid.UUID `db:"pack_id" json:"packId"`
		UnitName      string    `db:"unit_name" json:"unitName"`
		BeforePath    string    `db:"before_path" json:"beforePath"`
		AfterPath     string    `db:"after_path" json:"afterPath"`
		TablePath     *string   `db:"table_path" json:"tablePath,omitempty"`
		TableFileName *string   `db:"table_file_name" json:"tableFileName,omitempty"`
		CreatedAt     time.Time `db:"created_at" json:"createdAt"`
		UpdatedAt     time.Time `db:"updated_at" json:"updatedAt"`
	}

	// PackIngestion marks an archive as fully ingested. Its presence is
	// what makes a repeated ingestion of the same archive a no-op.
	PackIngestion struct {
		ArchiveLocation string    `db:"archive_location" json:"archiveLocation"`
		PackID          uuid.UUID `db:"pack_id" json:"packId"`
		FilesProcessed  int       `db:"files_processed" json:"filesProcessed"`
		CompletedAt     time.Time `db:"completed_at" json:"completedAt"`
	}

	// TableFill associates a lookup-table file with an existing preview
	// pair. Fills never replace an existing association.
	TableFill struct {
		PairID        uuid.UUID
		TablePath     string
		TableFileName string
	}

	// Commit is everything produced by one ingestion, written atomically.
	// Pack is nil when the ingestion attached files to an existing pack.
	Commit struct {
		Pack      *Pack
		Artifacts []*MediaArtifact
		Pairs     []*PreviewPair
		Fills     []TableFill
		Ingestion *PackIngestion
	}

	CommitResult struct {
		Created int
		Updated int
		// Rejected lists fills that lost to an existing association
		Rejected []TableFill
	}
)

// PackID derives the stable identifier of the pack ingested from
// the archive location provided.
func PackID(archiveLocation string) uuid.UUID {
	return uuid.NewSHA1(packNamespace, []byte(archiveLocation))
}

// ArtifactID derives the stable identifier for an artifact of a pack.
func ArtifactID(packID uuid.UUID, destinationPath string) uuid.UUID {
	return uuid.NewSHA1(packID, []byte("artifact:"+destinationPath))
}

// PairID derives the stable identifier for a preview pair of a pack
// from its (normalized) unit name.
func PairID(packID uuid.UUID, unitKey string) uuid.UUID {
	return uuid.NewSHA1(packID, []byte("pair:"+unitKey))
}
