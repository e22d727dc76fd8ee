package ingest

import (
	"fmt"
	"sync"

	"github.com/hbomb79/Crate/internal/pairing"
	"github.com/hbomb79/Crate/pkg/logger"
)

type (
	// ProcessingResult summarises one ingestion. It is never persisted.
	ProcessingResult struct {
		FilesProcessed       int                   `json:"filesProcessed"`
		ConversionsCompleted int                   `json:"conversionsCompleted"`
		PreviewsGenerated    int                   `json:"previewsGenerated"`
		DurationsExtracted   int                   `json:"durationsExtracted"`
		RecordsCreated       int                   `json:"recordsCreated"`
		RecordsUpdated       int                   `json:"recordsUpdated"`
		Skipped              int                   `json:"skipped"`
		SkippedUnits         []pairing.SkippedUnit `json:"skippedUnits"`
		UnmatchedTables      []UnmatchedTable      `json:"unmatchedTables"`
		Errors               []EntryError          `json:"errors"`
	}

	UnmatchedTable struct {
		File   string `json:"file"`
		Reason string `json:"reason"`
	}

	// EntryError is a soft failure of a single archive entry.
	EntryError struct {
		File   string `json:"file"`
		Reason string `json:"reason"`
	}

	// resultCollector guards a result being written to by the
	// concurrent entry workers of a job.
	resultCollector struct {
		mu     sync.Mutex
		result ProcessingResult
	}
)

func (e EntryError) String() string { return fmt.Sprintf("%s: %s", e.File, e.Reason) }

func newResultCollector() *resultCollector {
	return &resultCollector{result: ProcessingResult{
		SkippedUnits:    make([]pairing.SkippedUnit, 0),
		UnmatchedTables: make([]UnmatchedTable, 0),
		Errors:          make([]EntryError, 0),
	}}
}

func (c *resultCollector) update(fn func(r *ProcessingResult)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.result)
}

func (c *resultCollector) fail(file string, format string, args ...any) {
	reason := fmt.Sprintf(format, args...)
	log.Emit(logger.WARNING, "Entry %s soft-failed: %s\n", file, reason)
	c.update(func(r *ProcessingResult) {
		r.Errors = append(r.Errors, EntryError{File: file, Reason: reason})
	})
}

// snapshot returns a copy of the result which is safe to hand out.
func (c *resultCollector) snapshot() *ProcessingResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.result
	out.SkippedUnits = append(make([]pairing.SkippedUnit, 0, len(c.result.SkippedUnits)), c.result.SkippedUnits...)
	out.UnmatchedTables = append(make([]UnmatchedTable, 0, len(c.result.UnmatchedTables)), c.result.UnmatchedTables...)
	out.Errors = append(make([]EntryError, 0, len(c.result.Errors)), c.result.Errors...)
	return &out
}
