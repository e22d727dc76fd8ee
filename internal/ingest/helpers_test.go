package ingest_test

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/hbomb79/Crate/internal/archive"
	"github.com/hbomb79/Crate/internal/blob"
	"github.com/hbomb79/Crate/internal/catalog"
	"github.com/hbomb79/Crate/internal/classify"
	"github.com/hbomb79/Crate/internal/event"
	"github.com/hbomb79/Crate/internal/ffmpeg"
	"github.com/hbomb79/Crate/internal/ingest"
	"github.com/hbomb79/Crate/pkg/logger"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// A default event bus which should be used as a NOOP event bus. DO NOT subscribe to this
// inside of a test as the subscriber are not removed between tests.
var defaultEventBus = event.New()

func init() {
	logger.SetMinLoggingLevel(logger.VERBOSE.Level())
}

type member struct {
	name    string
	content string
}

func buildZip(t *testing.T, members ...member) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	for _, m := range members {
		w, err := zw.Create(m.name)
		require.NoError(t, err)
		if !strings.HasSuffix(m.name, "/") {
			_, err = w.Write([]byte(m.content))
			require.NoError(t, err)
		}
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func file(name string) member { return member{name: name, content: "content of " + name} }

type mockTranscoder struct {
	mock.Mock
}

func (m *mockTranscoder) Available() error {
	return m.Called().Error(0)
}

func (m *mockTranscoder) Convert(ctx context.Context, inputPath, outputPath string) error {
	args := m.Called(filepath.Ext(inputPath))
	if args.Error(0) == nil {
		if err := os.WriteFile(outputPath, []byte("converted"), 0o600); err != nil {
			return err
		}
	}
	return args.Error(0)
}

func (m *mockTranscoder) RenderPreview(ctx context.Context, inputPath, outputPath string) error {
	args := m.Called(filepath.Ext(inputPath))
	if args.Error(0) == nil {
		if err := os.WriteFile(outputPath, []byte("preview"), 0o600); err != nil {
			return err
		}
	}
	return args.Error(0)
}

func (m *mockTranscoder) ProbeDuration(ctx context.Context, path string) (int, error) {
	args := m.Called(filepath.Ext(path))
	return args.Int(0), args.Error(1)
}

// unavailableTranscoder returns a transcoder whose executables are missing.
func unavailableTranscoder() *mockTranscoder {
	m := &mockTranscoder{}
	m.On("Available").Return(ffmpeg.ErrUnavailable).Maybe()
	return m
}

// workingTranscoder returns a transcoder which succeeds at everything,
// reporting every media file as 12 seconds long.
func workingTranscoder() *mockTranscoder {
	m := &mockTranscoder{}
	m.On("Available").Return(nil).Maybe()
	m.On("Convert", mock.Anything).Return(nil).Maybe()
	m.On("RenderPreview", mock.Anything).Return(nil).Maybe()
	m.On("ProbeDuration", mock.Anything).Return(12, nil).Maybe()
	return m
}

// failingStore fails writes of any key containing the substring given.
type failingStore struct {
	blob.Store
	failOn string
}

func (s *failingStore) Write(ctx context.Context, key string, r io.Reader, contentType string) (*blob.Object, error) {
	if strings.Contains(key, s.failOn) {
		return nil, errors.New("simulated storage outage")
	}
	return s.Store.Write(ctx, key, r, contentType)
}

type recorder struct {
	mu     sync.Mutex
	frames []ingest.Frame
}

func (r *recorder) Emit(f ingest.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
}

func (r *recorder) Frames() []ingest.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ingest.Frame(nil), r.frames...)
}

type harness struct {
	store    *blob.FileStore
	catalog  *catalog.Memory
	scratch  string
	archives string
	service  *ingest.Service
}

func newHarness(t *testing.T, transcoder ffmpeg.Transcoder, configure ...func(*ingest.Config)) *harness {
	return newHarnessWithStore(t, transcoder, nil, configure...)
}

func newHarnessWithStore(t *testing.T, transcoder ffmpeg.Transcoder, wrap func(blob.Store) blob.Store, configure ...func(*ingest.Config)) *harness {
	store, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)

	h := &harness{store: store, catalog: catalog.NewMemory(), scratch: t.TempDir(), archives: t.TempDir()}
	config := ingest.Config{
		MaxPendingEntries: 2,
		ScratchPath:       h.scratch,
		ConvertContainers: true,
		RenderPreviews:    true,
		JobTimeoutSeconds: 60,
	}
	for _, fn := range configure {
		fn(&config)
	}

	var deps ingest.Dependencies
	deps.Store = store
	if wrap != nil {
		deps.Store = wrap(store)
	}
	deps.Catalog = h.catalog
	deps.EventBus = defaultEventBus
	if transcoder != nil {
		deps.Transcoder = transcoder
	}

	pipeline, err := ingest.NewPipeline(deps, config)
	require.NoError(t, err)
	h.service = ingest.NewService(pipeline)
	return h
}

func (h *harness) writeArchive(t *testing.T, name string, data []byte) archive.Source {
	path := filepath.Join(h.archives, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return archive.FileSource(path)
}

func (h *harness) run(t *testing.T, request ingest.Request) (*ingest.Job, *recorder, *ingest.ProcessingResult, error) {
	rec := &recorder{}
	job, err := ingest.NewJob(request, rec)
	require.NoError(t, err)
	require.NoError(t, h.service.Register(job))

	result, err := h.service.Execute(context.Background(), job)
	return job, rec, result, err
}

func (h *harness) ingestZip(t *testing.T, category classify.Category, name string, members ...member) (*ingest.Job, *ingest.ProcessingResult) {
	src := h.writeArchive(t, name, buildZip(t, members...))
	job, _, result, err := h.run(t, ingest.Request{Source: src, Category: category})
	require.NoError(t, err)
	return job, result
}

func (h *harness) artifacts(t *testing.T, packID uuid.UUID) map[string]*catalog.MediaArtifact {
	list, err := h.catalog.Artifacts(context.Background(), packID)
	require.NoError(t, err)

	out := make(map[string]*catalog.MediaArtifact, len(list))
	for _, a := range list {
		out[a.FileName] = a
	}
	return out
}

func (h *harness) pairs(t *testing.T, packID uuid.UUID) map[string]*catalog.PreviewPair {
	list, err := h.catalog.PreviewPairs(context.Background(), packID)
	require.NoError(t, err)

	out := make(map[string]*catalog.PreviewPair, len(list))
	for _, p := range list {
		out[p.UnitName] = p
	}
	return out
}

func (h *harness) scratchEntries(t *testing.T) []string {
	var found []string
	err := filepath.WalkDir(h.scratch, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != h.scratch {
			found = append(found, path)
		}
		return nil
	})
	require.NoError(t, err)
	return found
}
