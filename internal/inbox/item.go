package inbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Crate/internal/archive"
	"github.com/hbomb79/Crate/internal/classify"
	"github.com/hbomb79/Crate/internal/ingest"
	"github.com/hbomb79/Crate/pkg/logger"
)

type (
	ItemState int
	Item      struct {
		ID       uuid.UUID                `json:"id"`
		Path     string                   `json:"path"`
		Category classify.Category        `json:"category"`
		State    ItemState                `json:"state"`
		Trouble  *Trouble                 `json:"trouble,omitempty"`
		Result   *ingest.ProcessingResult `json:"result,omitempty"`
	}
)

const (
	IDLE ItemState = iota
	IMPORT_HOLD
	INGESTING
	TROUBLED
	COMPLETE
)

var (
	ErrNoTrouble              = errors.New("inbox item has no trouble")
	ErrItemNotFound           = errors.New("no inbox item could be found")
	ErrItemBusy               = errors.New("inbox item is being ingested")
	ErrResolutionIncompatible = errors.New("provided resolution method is not valid for inbox trouble")
)

// ingest runs the archive this item represents through the ingestion
// service. Any error returned should be raised as a trouble on the item.
func (item *Item) ingest(ctx context.Context, ingester Ingester) (*ingest.ProcessingResult, error) {
	log.Emit(logger.NEW, "Beginning ingestion of inbox item %s\n", item)
	return ingester.Ingest(ctx, ingest.Request{
		Source:   archive.FileSource(item.Path),
		Category: item.Category,
	})
}

func (item *Item) modtimeDiff() (*time.Duration, error) {
	itemInfo, err := os.Stat(item.Path)
	if err != nil {
		return nil, err
	}

	diff := time.Since(itemInfo.ModTime())
	return &diff, nil
}

func (item *Item) String() string {
	return fmt.Sprintf("InboxItem{ID=%s path=%s state=%s}", item.ID, item.Path, item.State)
}

func (s ItemState) String() string {
	switch s {
	case IDLE:
		return "IDLE"
	case IMPORT_HOLD:
		return "IMPORT_HOLD"
	case INGESTING:
		return "INGESTING"
	case TROUBLED:
		return "TROUBLED"
	case COMPLETE:
		return "COMPLETE"
	default:
		return fmt.Sprintf("UNKNOWN[%d]", s)
	}
}

func (s ItemState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
