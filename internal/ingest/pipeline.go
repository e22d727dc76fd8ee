// Package ingest turns a creator supplied archive in to a pack: entries are
// decoded, classified, transformed and uploaded, related artifacts are
// paired, and the resulting records are committed to the catalog.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/hbomb79/Crate/internal/archive"
	"github.com/hbomb79/Crate/internal/blob"
	"github.com/hbomb79/Crate/internal/catalog"
	"github.com/hbomb79/Crate/internal/classify"
	"github.com/hbomb79/Crate/internal/event"
	"github.com/hbomb79/Crate/internal/ffmpeg"
	"github.com/hbomb79/Crate/internal/pairing"
	"github.com/hbomb79/Crate/pkg/logger"
)

var (
	log = logger.Get("Ingest")

	// ErrCommitFailed wraps any failure to write the records of a job.
	ErrCommitFailed = errors.New("failed to commit pack records")
)

const (
	reasonNoUnit         = "no preview unit matches this table file"
	reasonAlreadyMatched = "preview unit already has a table file"
)

type (
	// Catalog is the record store the pipeline commits to.
	Catalog interface {
		Ingestion(ctx context.Context, archiveLocation string) (*catalog.PackIngestion, error)
		Pack(ctx context.Context, id uuid.UUID) (*catalog.Pack, error)
		PreviewPairs(ctx context.Context, packID uuid.UUID) ([]*catalog.PreviewPair, error)
		Commit(ctx context.Context, commit *catalog.Commit) (*catalog.CommitResult, error)
	}

	// Dependencies are the collaborators a pipeline is built from.
	// Transcoder and EventBus may be nil.
	Dependencies struct {
		Store      blob.Store
		Catalog    Catalog
		Transcoder ffmpeg.Transcoder
		EventBus   event.EventDispatcher
	}

	Pipeline struct {
		deps    Dependencies
		config  Config
		matcher pairing.Matcher
	}
)

func NewPipeline(deps Dependencies, config Config) (*Pipeline, error) {
	if deps.Store == nil {
		return nil, errors.New("ingest pipeline requires a blob store")
	}
	if deps.Catalog == nil {
		return nil, errors.New("ingest pipeline requires a catalog")
	}

	return &Pipeline{
		deps:    deps,
		config:  config,
		matcher: pairing.Matcher{FuzzyThreshold: config.FuzzyMatchThreshold},
	}, nil
}

func (pipeline *Pipeline) Config() Config { return pipeline.config }

// Run executes the job to completion. Per-entry failures are collected in
// the result; the error returned is only non-nil for fatal failures, in
// which case the job ends in the Failed state.
func (pipeline *Pipeline) Run(ctx context.Context, job *Job) (*ProcessingResult, error) {
	if pipeline.deps.EventBus != nil {
		job.reporter.AddSink(SinkFunc(func(f Frame) {
			if !f.IsTerminal() {
				pipeline.deps.EventBus.Dispatch(event.INGEST_PROGRESS, job.ID)
			}
		}))
	}

	log.Emit(logger.NEW, "Beginning ingestion %s of %s\n", job, job.Request.Source.Location())
	result, err := pipeline.run(ctx, job)
	job.finish(result, err)
	if err != nil {
		log.Emit(logger.ERROR, "Ingestion %s FAILED: %v\n", job, err)
	} else {
		log.Emit(logger.SUCCESS, "Ingestion %s complete (files=%d created=%d updated=%d errors=%d)\n",
			job, result.FilesProcessed, result.RecordsCreated, result.RecordsUpdated, len(result.Errors))
	}

	pipeline.dispatch(event.INGEST_COMPLETE, job.ID)
	return result, err
}

func (pipeline *Pipeline) run(ctx context.Context, job *Job) (*ProcessingResult, error) {
	location := job.Request.Source.Location()
	pipeline.transition(job, Uploading)
	job.reporter.Progress(0, fmt.Sprintf("Received archive %s", path.Base(location)), StatusUploading)

	ingestion, err := pipeline.deps.Catalog.Ingestion(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("failed to check ingestion state of %s: %w", location, err)
	}
	if ingestion != nil {
		log.Emit(logger.INFO, "Archive %s already ingested as pack %s, skipping\n", location, ingestion.PackID)
		result := newResultCollector().snapshot()
		result.Skipped = ingestion.FilesProcessed
		job.reporter.Progress(100, "Archive already ingested", StatusCompleted)
		return result, nil
	}

	title := job.Title()
	if job.Request.AttachTo != nil {
		pack, err := pipeline.deps.Catalog.Pack(ctx, job.PackID)
		if err != nil {
			return nil, fmt.Errorf("cannot attach to pack %s: %w", job.PackID, err)
		}
		if pack.Category != string(job.Request.Category) {
			return nil, fmt.Errorf("cannot attach %s archive to %s pack %s", job.Request.Category, pack.Category, pack.ID)
		}
		title = pack.Title
	}

	if err := os.MkdirAll(pipeline.config.scratchRoot(), os.ModePerm); err != nil {
		return nil, fmt.Errorf("failed to create scratch root: %w", err)
	}
	scratch, err := os.MkdirTemp(pipeline.config.scratchRoot(), "crate-job-")
	if err != nil {
		return nil, fmt.Errorf("failed to create job scratch directory: %w", err)
	}
	defer os.RemoveAll(scratch)

	reader, err := archive.Open(ctx, job.Request.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer reader.Close()

	pipeline.transition(job, Extracting)
	job.reporter.Progress(5, fmt.Sprintf("Extracting %s archive", reader.Format()), StatusProcessing)

	collector := newResultCollector()
	w := newWriter(pipeline.deps, pipeline.config, job, scratch, collector)
	consumeErr := w.consume(ctx, reader)
	uploads := w.drain()
	if consumeErr != nil {
		return nil, fmt.Errorf("failed to read archive: %w", consumeErr)
	}

	pipeline.transition(job, Synchronizing)
	job.reporter.Progress(80, fmt.Sprintf("Wrote %d of %d files", len(uploads), len(w.acceptedPaths())), StatusProcessing)

	commit := pipeline.assemble(ctx, job, title, w.acceptedPaths(), uploads, collector)
	job.reporter.Progress(90, fmt.Sprintf("Committing %d artifacts and %d preview pairs", len(commit.Artifacts), len(commit.Pairs)), StatusProcessing)

	commitResult, err := pipeline.deps.Catalog.Commit(ctx, commit)
	if err != nil {
		return nil, fmt.Errorf("%w of %s: %w", ErrCommitFailed, job.PackID, err)
	}

	tableSources := make(map[string]string, len(commit.Fills))
	for _, u := range uploads {
		tableSources[u.artifact.DestinationPath] = u.path
	}
	collector.update(func(r *ProcessingResult) {
		r.RecordsCreated = commitResult.Created
		r.RecordsUpdated = commitResult.Updated
		for _, rejected := range commitResult.Rejected {
			r.UnmatchedTables = append(r.UnmatchedTables, UnmatchedTable{File: tableSources[rejected.TablePath], Reason: reasonAlreadyMatched})
		}
	})

	result := collector.snapshot()
	job.reporter.Progress(100, fmt.Sprintf("Ingested %d files", result.FilesProcessed), StatusCompleted)
	return result, nil
}

// assemble pairs the uploaded artifacts and builds the commit for the job.
func (pipeline *Pipeline) assemble(ctx context.Context, job *Job, title string, accepted []string, uploads []*uploadedEntry, collector *resultCollector) *catalog.Commit {
	packID := job.PackID
	commit := &catalog.Commit{
		Artifacts: make([]*catalog.MediaArtifact, 0, len(uploads)),
		Pairs:     make([]*catalog.PreviewPair, 0),
		Ingestion: &catalog.PackIngestion{
			ArchiveLocation: job.Request.Source.Location(),
			PackID:          packID,
		},
	}
	collector.update(func(r *ProcessingResult) { commit.Ingestion.FilesProcessed = r.FilesProcessed })

	candidates := make([]pairing.Candidate, 0)
	tables := make([]*uploadedEntry, 0)
	for _, u := range uploads {
		commit.Artifacts = append(commit.Artifacts, u.artifact)
		if job.Request.Category.Pairable(u.kind) {
			candidates = append(candidates, pairing.Candidate{Path: u.path, Dest: u.artifact.DestinationPath})
		} else if u.kind == classify.Table {
			tables = append(tables, u)
		}
	}

	pairs, skipped := pairing.GroupPairs(candidates, pairing.WrapperDir(accepted), title)
	unitNames := make([]string, 0, len(pairs))
	unitIDs := make([]uuid.UUID, 0, len(pairs))
	for _, pair := range pairs {
		id := catalog.PairID(packID, pairing.Normalize(pair.Unit))
		commit.Pairs = append(commit.Pairs, &catalog.PreviewPair{
			ID:         id,
			PackID:     packID,
			UnitName:   pair.Unit,
			BeforePath: pair.BeforePath,
			AfterPath:  pair.AfterPath,
		})
		unitNames = append(unitNames, pair.Unit)
		unitIDs = append(unitIDs, id)
	}
	for _, s := range skipped {
		log.Emit(logger.WARNING, "Skipping incomplete preview unit %q: %s\n", s.Unit, s.Reason)
	}
	collector.update(func(r *ProcessingResult) { r.SkippedUnits = append(r.SkippedUnits, skipped...) })

	if len(tables) > 0 {
		unitNames, unitIDs = pipeline.withExistingUnits(ctx, packID, unitNames, unitIDs)
		for _, table := range tables {
			stem := strings.TrimSuffix(path.Base(table.path), path.Ext(table.path))
			idx, tier, ok := pipeline.matcher.Match(stem, unitNames)
			if !ok {
				collector.update(func(r *ProcessingResult) {
					r.UnmatchedTables = append(r.UnmatchedTables, UnmatchedTable{File: table.path, Reason: reasonNoUnit})
				})
				continue
			}

			log.Emit(logger.DEBUG, "Matched table %s to unit %q (%s)\n", table.path, unitNames[idx], tier)
			commit.Fills = append(commit.Fills, catalog.TableFill{
				PairID:        unitIDs[idx],
				TablePath:     table.artifact.DestinationPath,
				TableFileName: path.Base(table.path),
			})
		}
	}

	if job.Request.AttachTo == nil {
		commit.Pack = &catalog.Pack{
			ID:              packID,
			Title:           title,
			Category:        string(job.Request.Category),
			ArchiveLocation: job.Request.Source.Location(),
		}
		commit.Pack.ThumbnailPath = pipeline.placeAsset(ctx, packID, "thumbnail", job.Request.Thumbnail, collector)
		commit.Pack.PreviewPath = pipeline.placeAsset(ctx, packID, "preview", job.Request.Preview, collector)
	} else if job.Request.Thumbnail != "" || job.Request.Preview != "" {
		collector.fail(job.Request.Source.Location(), "side-channel assets are ignored when attaching to an existing pack")
	}

	return commit
}

// withExistingUnits appends the preview units already stored for the pack
// to the units found in this archive, skipping any duplicates.
func (pipeline *Pipeline) withExistingUnits(ctx context.Context, packID uuid.UUID, names []string, ids []uuid.UUID) ([]string, []uuid.UUID) {
	existing, err := pipeline.deps.Catalog.PreviewPairs(ctx, packID)
	if err != nil {
		log.Emit(logger.WARNING, "Failed to load existing preview units of pack %s: %v\n", packID, err)
		return names, ids
	}

	seen := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	for _, pair := range existing {
		if !seen[pair.ID] {
			names = append(names, pair.UnitName)
			ids = append(ids, pair.ID)
		}
	}

	return names, ids
}

// placeAsset copies a side-channel asset in to the pack namespace,
// returning its new key.
func (pipeline *Pipeline) placeAsset(ctx context.Context, packID uuid.UUID, name, key string, collector *resultCollector) *string {
	if key == "" {
		return nil
	}

	dest := path.Join("packs", packID.String(), name+strings.ToLower(path.Ext(key)))
	if err := pipeline.deps.Store.Copy(ctx, key, dest); err != nil {
		collector.fail(key, "failed to store %s: %v", name, err)
		return nil
	}

	return &dest
}

func (pipeline *Pipeline) transition(job *Job, state JobState) {
	job.setState(state)
	pipeline.dispatch(event.INGEST_UPDATE, job.ID)
}

func (pipeline *Pipeline) dispatch(e event.Event, id uuid.UUID) {
	if pipeline.deps.EventBus != nil {
		pipeline.deps.EventBus.Dispatch(e, id)
	}
}
