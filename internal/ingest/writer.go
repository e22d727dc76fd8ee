package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/hbomb79/Crate/internal/archive"
	"github.com/hbomb79/Crate/internal/blob"
	"github.com/hbomb79/Crate/internal/catalog"
	"github.com/hbomb79/Crate/internal/classify"
	"github.com/hbomb79/Crate/internal/ffmpeg"
	"github.com/hbomb79/Crate/pkg/logger"
)

// Containers which are re-encoded to ffmpeg.ConvertFormat when
// conversion is enabled.
var convertibleContainers = map[string]bool{"mov": true, "m4v": true}

type (
	// uploadedEntry is an archive entry that made it in to the blob store.
	uploadedEntry struct {
		seq      int
		path     string
		kind     classify.Kind
		artifact *catalog.MediaArtifact
	}

	// writer consumes an archive, spooling each accepted entry to scratch
	// and handing it to a goroutine to transform and upload while the
	// archive continues to be decoded. At most config.MaxPendingEntries
	// entries are in flight at once.
	writer struct {
		store      blob.Store
		transcoder ffmpeg.Transcoder
		// transcodeErr is non-nil when the transcoder cannot be used
		transcodeErr error
		config       Config
		job          *Job
		packID       uuid.UUID
		category     classify.Category
		scratch      string
		collector    *resultCollector

		sem chan struct{}
		wg  sync.WaitGroup

		// claimed maps each blob key (relative to the category folder) an
		// entry will write to the entry that claimed it. Only used by consume.
		claimed map[string]string

		mu       sync.Mutex
		accepted []string
		uploads  []*uploadedEntry

		reader *archive.Reader
	}

	// readTracker remembers the error encountered reading from the
	// wrapped reader, so it can be told apart from write errors.
	readTracker struct {
		r   io.Reader
		err error
	}
)

func (t *readTracker) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		t.err = err
	}
	return n, err
}

func newWriter(deps Dependencies, config Config, job *Job, scratch string, collector *resultCollector) *writer {
	w := &writer{
		store:      deps.Store,
		transcoder: deps.Transcoder,
		config:     config,
		job:        job,
		packID:     job.PackID,
		category:   job.Request.Category,
		scratch:    scratch,
		collector:  collector,
		sem:        make(chan struct{}, config.maxPending()),
		claimed:    make(map[string]string),
	}

	if w.transcoder == nil {
		w.transcodeErr = ffmpeg.ErrUnavailable
	} else {
		w.transcodeErr = w.transcoder.Available()
	}
	if w.transcodeErr != nil {
		log.Emit(logger.WARNING, "Transcoding disabled for %s: %v\n", job, w.transcodeErr)
	}

	return w
}

// consume reads every entry of the archive, dispatching the accepted ones.
// The error returned is fatal for the job. Callers must call drain
// regardless of the outcome.
func (w *writer) consume(ctx context.Context, reader *archive.Reader) error {
	w.reader = reader
	for seq := 0; ; seq++ {
		entry, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return err
		}

		outcome := classify.Classify(w.category, entry.Path, entry.IsDir)
		if !outcome.Accepted {
			log.Emit(logger.VERBOSE, "Skipping %q: %s\n", entry.Path, outcome.Reason)
			continue
		}

		w.mu.Lock()
		w.accepted = append(w.accepted, outcome.Path)
		w.mu.Unlock()
		w.collector.update(func(r *ProcessingResult) { r.FilesProcessed++ })

		if key, owner, ok := w.claim(outcome); !ok {
			w.collector.fail(outcome.Path, "destination %s is already used by %s", key, owner)
			continue
		}

		select {
		case w.sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}

		scratchPath := filepath.Join(w.scratch, fmt.Sprintf("%06d.%s", seq, outcome.Ext))
		if err := spool(entry, scratchPath); err != nil {
			<-w.sem
			os.Remove(scratchPath)

			var fatal *spoolReadError
			if errors.As(err, &fatal) {
				return fatal.err
			}
			w.collector.fail(outcome.Path, "failed to spool entry to scratch: %v", err)
			continue
		}

		w.wg.Add(1)
		go func(seq int, outcome classify.Outcome) {
			defer w.wg.Done()
			defer func() { <-w.sem }()
			defer os.Remove(scratchPath)

			w.process(ctx, seq, outcome, scratchPath)
		}(seq, outcome)

		w.reportProgress(fmt.Sprintf("Extracted %s", outcome.Path))
	}
}

// claim reserves every key the entry may be written to once transformed.
// If another entry already holds one of them, nothing is reserved and the
// conflicting key and its owner are returned.
func (w *writer) claim(outcome classify.Outcome) (string, string, bool) {
	keys := []string{outcome.Path}
	if outcome.Kind == classify.Video && w.transcodeErr == nil {
		if w.config.ConvertContainers && convertibleContainers[outcome.Ext] {
			keys = append(keys, swapExt(outcome.Path, ffmpeg.ConvertFormat))
		}
		if w.config.RenderPreviews {
			keys = append(keys, path.Join("previews", swapExt(outcome.Path, "mp4")))
		}
	}

	for _, key := range keys {
		if owner, taken := w.claimed[key]; taken {
			return key, owner, false
		}
	}
	for _, key := range keys {
		w.claimed[key] = outcome.Path
	}

	return "", "", true
}

// drain blocks until every dispatched entry has finished, returning the
// uploaded entries in archive order.
func (w *writer) drain() []*uploadedEntry {
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	sort.Slice(w.uploads, func(i, j int) bool { return w.uploads[i].seq < w.uploads[j].seq })
	return w.uploads
}

func (w *writer) acceptedPaths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.accepted...)
}

// process transforms and uploads a single spooled entry. Every failure
// here is soft and recorded against the entry.
func (w *writer) process(ctx context.Context, seq int, outcome classify.Outcome, scratchPath string) {
	localPath, relPath := scratchPath, outcome.Path
	if outcome.Kind == classify.Video && w.config.ConvertContainers && convertibleContainers[outcome.Ext] {
		w.job.advance(Extracting, Transforming)
		if converted, ok := w.convert(ctx, outcome, scratchPath); ok {
			defer os.Remove(converted)
			localPath = converted
			relPath = swapExt(relPath, ffmpeg.ConvertFormat)
		}
	}

	folder := path.Join("packs", w.packID.String(), w.category.Folder())
	dest := path.Join(folder, relPath)

	duration := 0
	if (outcome.Kind == classify.Video || outcome.Kind == classify.Audio) && w.transcodeErr == nil {
		if d, err := w.transcoder.ProbeDuration(ctx, localPath); err != nil {
			log.Emit(logger.WARNING, "Failed to probe duration of %s: %v\n", outcome.Path, err)
		} else {
			duration = d
			w.collector.update(func(r *ProcessingResult) { r.DurationsExtracted++ })
		}
	}

	var previewPath *string
	if outcome.Kind == classify.Video && w.config.RenderPreviews && w.transcodeErr == nil {
		w.job.advance(Extracting, Transforming)
		previewKey := path.Join(folder, "previews", swapExt(relPath, "mp4"))
		if w.renderPreview(ctx, outcome, localPath, previewKey) {
			previewPath = &previewKey
		}
	}

	contentType := blob.ContentTypeForFile(localPath)
	digest, err := w.upload(ctx, localPath, dest, contentType)
	if err != nil {
		w.collector.fail(outcome.Path, "upload failed: %v", err)
		return
	}

	w.mu.Lock()
	w.uploads = append(w.uploads, &uploadedEntry{
		seq:  seq,
		path: outcome.Path,
		kind: outcome.Kind,
		artifact: &catalog.MediaArtifact{
			ID:              catalog.ArtifactID(w.packID, dest),
			PackID:          w.packID,
			FileName:        outcome.Path,
			DestinationPath: dest,
			FileType:        string(outcome.Kind),
			ContentType:     contentType,
			SizeBytes:       digest.Size,
			Digest:          digest.Hash,
			PreviewPath:     previewPath,
			DurationSeconds: duration,
		},
	})
	w.mu.Unlock()

	log.Emit(logger.DEBUG, "Uploaded %s -> %s\n", outcome.Path, dest)
	w.reportProgress(fmt.Sprintf("Uploaded %s", outcome.Path))
}

func (w *writer) convert(ctx context.Context, outcome classify.Outcome, input string) (string, bool) {
	if w.transcodeErr != nil {
		w.collector.fail(outcome.Path, "container conversion skipped, uploading original: %v", w.transcodeErr)
		return "", false
	}

	output := strings.TrimSuffix(input, filepath.Ext(input)) + ".converted." + ffmpeg.ConvertFormat
	if err := w.transcoder.Convert(ctx, input, output); err != nil {
		os.Remove(output)
		w.collector.fail(outcome.Path, "container conversion failed, uploading original: %v", err)
		return "", false
	}

	w.collector.update(func(r *ProcessingResult) { r.ConversionsCompleted++ })
	return output, true
}

func (w *writer) renderPreview(ctx context.Context, outcome classify.Outcome, input, key string) bool {
	output := strings.TrimSuffix(input, filepath.Ext(input)) + ".preview.mp4"
	defer os.Remove(output)

	if err := w.transcoder.RenderPreview(ctx, input, output); err != nil {
		log.Emit(logger.WARNING, "Failed to render preview of %s: %v\n", outcome.Path, err)
		return false
	}

	if _, err := w.upload(ctx, output, key, "video/mp4"); err != nil {
		log.Emit(logger.WARNING, "Failed to upload preview of %s: %v\n", outcome.Path, err)
		return false
	}

	w.collector.update(func(r *ProcessingResult) { r.PreviewsGenerated++ })
	return true
}

func (w *writer) upload(ctx context.Context, localPath, key, contentType string) (*blob.Digest, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return blob.WriteWithDigest(ctx, w.store, key, f, contentType)
}

// reportProgress maps the share of the archive decoded so far on to the
// 5-80% band of the job progress.
func (w *writer) reportProgress(step string) {
	if w.reader == nil {
		return
	}

	var fraction float64
	if size := w.reader.Size(); size > 0 {
		fraction = float64(w.reader.Consumed()) / float64(size)
	} else {
		// Unknown size, approach (but never reach) the end of the band
		w.mu.Lock()
		n := len(w.accepted)
		w.mu.Unlock()
		fraction = 1 - 1/(1+float64(n)/8)
	}

	w.job.reporter.Progress(5+75*min(fraction, 1), step, StatusProcessing)
}

type spoolReadError struct{ err error }

func (e *spoolReadError) Error() string { return e.err.Error() }
func (e *spoolReadError) Unwrap() error { return e.err }

// spool copies the entry content to a scratch file. Failures to read the
// entry are returned as *spoolReadError as they indicate a broken archive.
func spool(entry io.Reader, scratchPath string) error {
	f, err := os.OpenFile(scratchPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}

	tracker := &readTracker{r: entry}
	_, copyErr := io.Copy(f, tracker)
	closeErr := f.Close()
	if tracker.err != nil {
		return &spoolReadError{tracker.err}
	}
	if copyErr != nil {
		return copyErr
	}
	return closeErr
}

func swapExt(p, ext string) string {
	return strings.TrimSuffix(p, path.Ext(p)) + "." + ext
}
