package ingest_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Crate/internal/archive"
	"github.com/hbomb79/Crate/internal/blob"
	"github.com/hbomb79/Crate/internal/catalog"
	"github.com/hbomb79/Crate/internal/classify"
	"github.com/hbomb79/Crate/internal/ingest"
	"github.com/hbomb79/Crate/internal/pairing"
	"github.com/labstack/gommon/random"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func Test_Ingest_FiltersEntries(t *testing.T) {
	h := newHarness(t, unavailableTranscoder())
	job, result := h.ingestZip(t, classify.Overlay, "Neon-Pack.zip",
		file("a.png"), member{name: "dir/"}, file("b.jpg"), file("._b.jpg"),
		file("__MACOSX/a.png"), file("notes.txt"))

	assert.Equal(t, ingest.Completed, job.State())
	assert.Equal(t, 2, result.FilesProcessed)
	assert.Equal(t, 2, result.RecordsCreated)
	assert.Zero(t, result.RecordsUpdated)
	assert.Empty(t, result.Errors)

	artifacts := h.artifacts(t, job.PackID)
	require.Len(t, artifacts, 2)
	require.Contains(t, artifacts, "a.png")
	require.Contains(t, artifacts, "b.jpg")

	a := artifacts["a.png"]
	assert.Equal(t, path.Join("packs", job.PackID.String(), "overlays", "a.png"), a.DestinationPath)
	assert.Equal(t, "image", a.FileType)
	assert.Equal(t, "image/png", a.ContentType)
	assert.Equal(t, int64(len("content of a.png")), a.SizeBytes)
	assert.NotEmpty(t, a.Digest)

	for _, key := range []string{"overlays/a.png", "overlays/b.jpg"} {
		exists, err := h.store.Exists(context.Background(), path.Join("packs", job.PackID.String(), key))
		require.NoError(t, err)
		assert.True(t, exists, key)
	}
	for _, key := range []string{"overlays/._b.jpg", "overlays/notes.txt", "overlays/__MACOSX/a.png"} {
		exists, err := h.store.Exists(context.Background(), path.Join("packs", job.PackID.String(), key))
		require.NoError(t, err)
		assert.False(t, exists, key)
	}

	pack, err := h.catalog.Pack(context.Background(), job.PackID)
	require.NoError(t, err)
	assert.Equal(t, "Neon Pack", pack.Title)
	assert.Equal(t, "overlay", pack.Category)
}

func Test_Ingest_RerunIsSkipped(t *testing.T) {
	h := newHarness(t, unavailableTranscoder())
	src := h.writeArchive(t, "pack.zip", buildZip(t, file("a.png"), file("b.jpg"), file("._b.jpg"), member{name: "dir/"}))

	first, _, result, err := h.run(t, ingest.Request{Source: src, Category: classify.Overlay})
	require.NoError(t, err)
	assert.Equal(t, 2, result.RecordsCreated)

	second, rec, result, err := h.run(t, ingest.Request{Source: src, Category: classify.Overlay})
	require.NoError(t, err)
	assert.Equal(t, ingest.Completed, second.State())
	assert.Equal(t, 2, result.Skipped)
	assert.Zero(t, result.RecordsCreated)
	assert.Zero(t, result.FilesProcessed)

	assert.Equal(t, first.PackID, second.PackID)
	assert.Len(t, h.artifacts(t, first.PackID), 2)
	assert.Equal(t, 1, h.catalog.Commits())

	frames := rec.Frames()
	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	assert.True(t, last.IsTerminal())
	assert.False(t, last.IsError())
	assert.Equal(t, 2, last.Results.Skipped)
}

func Test_Ingest_PairsPreviewClips(t *testing.T) {
	h := newHarness(t, unavailableTranscoder())
	job, result := h.ingestZip(t, classify.LUT, "packX.zip",
		file("packX/lutOne/before.mp4"),
		file("packX/lutOne/after.mp4"),
		file("packX/lutTwo/before.mp4"))

	assert.Equal(t, 3, result.FilesProcessed)
	assert.Equal(t, 4, result.RecordsCreated, "3 artifacts and 1 pair")

	pairs := h.pairs(t, job.PackID)
	require.Len(t, pairs, 1)
	require.Contains(t, pairs, "lutOne")
	assert.Equal(t, path.Join("packs", job.PackID.String(), "luts/packX/lutOne/before.mp4"), pairs["lutOne"].BeforePath)
	assert.Equal(t, path.Join("packs", job.PackID.String(), "luts/packX/lutOne/after.mp4"), pairs["lutOne"].AfterPath)
	assert.Nil(t, pairs["lutOne"].TablePath)

	assert.Equal(t, []pairing.SkippedUnit{{Unit: "lutTwo", HasBefore: true, HasAfter: false, Reason: "missing after clip"}}, result.SkippedUnits)
}

func Test_Ingest_MatchesTablesInSameArchive(t *testing.T) {
	h := newHarness(t, unavailableTranscoder())
	job, result := h.ingestZip(t, classify.LUT, "Film Looks.zip",
		file("Film Looks/Warm Glow/before.mp4"),
		file("Film Looks/Warm Glow/after.mp4"),
		file("Film Looks/LUTs/warm_glow.cube"),
		file("Film Looks/LUTs/Teal.cube"),
		file("Film Looks/Teal.cube"))

	assert.Equal(t, 4, result.FilesProcessed, "table outside of LUTs is not accepted")
	assert.Equal(t, 5, result.RecordsCreated, "4 artifacts and 1 pair")
	assert.Equal(t, 1, result.RecordsUpdated, "table association fill")
	assert.Equal(t, []ingest.UnmatchedTable{{File: "Film Looks/LUTs/Teal.cube", Reason: "no preview unit matches this table file"}}, result.UnmatchedTables)

	pair := h.pairs(t, job.PackID)["Warm Glow"]
	require.NotNil(t, pair)
	require.NotNil(t, pair.TablePath)
	assert.Equal(t, path.Join("packs", job.PackID.String(), "luts/Film Looks/LUTs/warm_glow.cube"), *pair.TablePath)
	assert.Equal(t, "warm_glow.cube", *pair.TableFileName)
}

func Test_Ingest_AttachPrefersExactMatch(t *testing.T) {
	h := newHarness(t, unavailableTranscoder())
	pack, _ := h.ingestZip(t, classify.LUT, "vision.zip",
		file("thermal/before.mp4"), file("thermal/after.mp4"),
		file("thermal-vision/before.mp4"), file("thermal-vision/after.mp4"))
	require.Len(t, h.pairs(t, pack.PackID), 2)

	src := h.writeArchive(t, "vision-tables.zip", buildZip(t, file("LUTs/Thermal-Vision.cube")))
	job, _, result, err := h.run(t, ingest.Request{Source: src, Category: classify.LUT, AttachTo: &pack.PackID})
	require.NoError(t, err)
	assert.Equal(t, pack.PackID, job.PackID)
	assert.Empty(t, result.UnmatchedTables)

	pairs := h.pairs(t, pack.PackID)
	require.NotNil(t, pairs["thermal-vision"].TablePath)
	assert.Equal(t, "Thermal-Vision.cube", *pairs["thermal-vision"].TableFileName)
	assert.Nil(t, pairs["thermal"].TablePath)

	// A differing archive can not replace the association
	src = h.writeArchive(t, "vision-tables-v2.zip", buildZip(t, file("LUTs/thermal vision.cube")))
	_, _, result, err = h.run(t, ingest.Request{Source: src, Category: classify.LUT, AttachTo: &pack.PackID})
	require.NoError(t, err)
	assert.Equal(t, []ingest.UnmatchedTable{{File: "LUTs/thermal vision.cube", Reason: "preview unit already has a table file"}}, result.UnmatchedTables)
	assert.Equal(t, "Thermal-Vision.cube", *h.pairs(t, pack.PackID)["thermal-vision"].TableFileName)
}

func Test_Ingest_AttachRequiresExistingPack(t *testing.T) {
	h := newHarness(t, unavailableTranscoder())
	missing := uuid.New()
	src := h.writeArchive(t, "tables.zip", buildZip(t, file("LUTs/a.cube")))

	job, rec, result, err := h.run(t, ingest.Request{Source: src, Category: classify.LUT, AttachTo: &missing})
	assert.ErrorIs(t, err, catalog.ErrPackNotFound)
	assert.Nil(t, result)
	assert.Equal(t, ingest.Failed, job.State())

	frames := rec.Frames()
	require.NotEmpty(t, frames)
	assert.True(t, frames[len(frames)-1].IsError())
}

func Test_Ingest_AttachRequiresMatchingCategory(t *testing.T) {
	h := newHarness(t, unavailableTranscoder())
	pack, _ := h.ingestZip(t, classify.Overlay, "overlays.zip", file("a.png"))

	src := h.writeArchive(t, "tables.zip", buildZip(t, file("LUTs/a.cube")))
	job, _, _, err := h.run(t, ingest.Request{Source: src, Category: classify.LUT, AttachTo: &pack.PackID})
	assert.Error(t, err)
	assert.Equal(t, ingest.Failed, job.State())
}

func Test_Ingest_TranscoderUnavailable(t *testing.T) {
	transcoder := unavailableTranscoder()
	h := newHarness(t, transcoder)
	job, result := h.ingestZip(t, classify.Overlay, "clips.zip", file("one.mp4"), file("two.webm"), file("three.mov"))

	assert.Equal(t, ingest.Completed, job.State())
	assert.Equal(t, 3, result.FilesProcessed)
	assert.Zero(t, result.ConversionsCompleted)
	assert.Zero(t, result.PreviewsGenerated)
	assert.Zero(t, result.DurationsExtracted)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "three.mov", result.Errors[0].File)
	assert.Contains(t, result.Errors[0].Reason, "container conversion skipped")

	artifacts := h.artifacts(t, job.PackID)
	require.Len(t, artifacts, 3)
	assert.True(t, strings.HasSuffix(artifacts["three.mov"].DestinationPath, "three.mov"), "uploaded unconverted")
	assert.Zero(t, artifacts["one.mp4"].DurationSeconds)
	assert.Nil(t, artifacts["one.mp4"].PreviewPath)

	transcoder.AssertNotCalled(t, "Convert", mock.Anything)
	transcoder.AssertNotCalled(t, "RenderPreview", mock.Anything)
}

func Test_Ingest_TransformsMedia(t *testing.T) {
	transcoder := workingTranscoder()
	h := newHarness(t, transcoder)
	job, result := h.ingestZip(t, classify.Overlay, "clips.zip", file("clip.mov"), file("loop.mp4"), file("still.png"))

	assert.Equal(t, 1, result.ConversionsCompleted)
	assert.Equal(t, 2, result.PreviewsGenerated)
	assert.Equal(t, 2, result.DurationsExtracted)
	assert.Empty(t, result.Errors)

	artifacts := h.artifacts(t, job.PackID)
	clip := artifacts["clip.mov"]
	require.NotNil(t, clip)
	assert.Equal(t, path.Join("packs", job.PackID.String(), "overlays", "clip.mp4"), clip.DestinationPath)
	assert.Equal(t, "video/mp4", clip.ContentType)
	assert.Equal(t, 12, clip.DurationSeconds)
	require.NotNil(t, clip.PreviewPath)
	assert.Equal(t, path.Join("packs", job.PackID.String(), "overlays", "previews", "clip.mp4"), *clip.PreviewPath)

	rc, err := h.store.Open(context.Background(), clip.DestinationPath)
	require.NoError(t, err)
	content, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "converted", string(content))

	assert.Nil(t, artifacts["still.png"].PreviewPath)
	transcoder.AssertNumberOfCalls(t, "Convert", 1)
	transcoder.AssertCalled(t, "Convert", ".mov")
	transcoder.AssertNumberOfCalls(t, "Available", 1)
}

func Test_Ingest_ConversionFailureUploadsOriginal(t *testing.T) {
	transcoder := &mockTranscoder{}
	transcoder.On("Available").Return(nil)
	transcoder.On("Convert", mock.Anything).Return(errors.New("exit status 1"))
	transcoder.On("RenderPreview", mock.Anything).Return(errors.New("exit status 1"))
	transcoder.On("ProbeDuration", mock.Anything).Return(0, errors.New("exit status 1"))

	h := newHarness(t, transcoder)
	job, result := h.ingestZip(t, classify.Overlay, "clips.zip", file("clip.m4v"), file("loop.mp4"))

	assert.Equal(t, ingest.Completed, job.State())
	assert.Zero(t, result.ConversionsCompleted)
	require.Len(t, result.Errors, 1, "preview and probe failures are only logged")
	assert.Equal(t, "clip.m4v", result.Errors[0].File)
	assert.Contains(t, result.Errors[0].Reason, "container conversion failed")
	assert.Len(t, h.artifacts(t, job.PackID), 2)
}

func Test_Ingest_UploadFailureIsSoft(t *testing.T) {
	h := newHarnessWithStore(t, unavailableTranscoder(), func(s blob.Store) blob.Store {
		return &failingStore{Store: s, failOn: "broken.png"}
	})
	job, result := h.ingestZip(t, classify.Overlay, "pack.zip", file("fine.png"), file("broken.png"), file("also-fine.gif"))

	assert.Equal(t, ingest.Completed, job.State())
	assert.Equal(t, 3, result.FilesProcessed)
	assert.Equal(t, 2, result.RecordsCreated)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "broken.png", result.Errors[0].File)
	assert.Contains(t, result.Errors[0].Reason, "upload failed")
	assert.Empty(t, h.scratchEntries(t))
}

// slowStore delays every write, recording the most writes seen in flight at once.
type slowStore struct {
	blob.Store
	delay    time.Duration
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (s *slowStore) Write(ctx context.Context, key string, r io.Reader, contentType string) (*blob.Object, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		peak := s.peak.Load()
		if n <= peak || s.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	time.Sleep(s.delay)
	return s.Store.Write(ctx, key, r, contentType)
}

func Test_Ingest_WritesOverlapWithinBound(t *testing.T) {
	slow := &slowStore{delay: 40 * time.Millisecond}
	h := newHarnessWithStore(t, unavailableTranscoder(), func(s blob.Store) blob.Store {
		slow.Store = s
		return slow
	}, func(c *ingest.Config) { c.MaxPendingEntries = 3 })

	members := make([]member, 0, 10)
	for i := 0; i < 10; i++ {
		members = append(members, file(fmt.Sprintf("frame-%02d.png", i)))
	}
	job, result := h.ingestZip(t, classify.Overlay, "frames.zip", members...)

	assert.Equal(t, ingest.Completed, job.State())
	assert.Equal(t, 10, result.RecordsCreated)
	assert.Empty(t, result.Errors)

	peak := slow.peak.Load()
	assert.Greater(t, peak, int32(1), "writes should overlap with decoding")
	assert.LessOrEqual(t, peak, int32(3))
	assert.Empty(t, h.scratchEntries(t))
}

func Test_Ingest_ConvertedNameCollisionIsSoft(t *testing.T) {
	h := newHarness(t, workingTranscoder())
	job, result := h.ingestZip(t, classify.Overlay, "clips.zip", file("x.mov"), file("x.mp4"))

	assert.Equal(t, ingest.Completed, job.State())
	assert.Equal(t, 2, result.FilesProcessed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "x.mp4", result.Errors[0].File)
	assert.Contains(t, result.Errors[0].Reason, "x.mp4 is already used by x.mov")

	artifacts := h.artifacts(t, job.PackID)
	require.Len(t, artifacts, 1)
	require.Contains(t, artifacts, "x.mov")
	assert.Equal(t, path.Join("packs", job.PackID.String(), "overlays", "x.mp4"), artifacts["x.mov"].DestinationPath)

	// Without a transcoder nothing is renamed, so both keep their own key.
	h = newHarness(t, unavailableTranscoder())
	job, _ = h.ingestZip(t, classify.Overlay, "clips.zip", file("x.mov"), file("x.mp4"))
	assert.Len(t, h.artifacts(t, job.PackID), 2)
}

func Test_Ingest_PairsSameClipNamesAcrossFolders(t *testing.T) {
	h := newHarness(t, unavailableTranscoder())
	job, result := h.ingestZip(t, classify.LUT, "packX.zip",
		file("packX/Cinematic/preview-before.mp4"),
		file("packX/Cinematic/preview-after.mp4"),
		file("packX/Warm/preview-before.mp4"),
		file("packX/Warm/preview-after.mp4"))

	assert.Empty(t, result.SkippedUnits)
	pairs := h.pairs(t, job.PackID)
	require.Len(t, pairs, 2)
	require.Contains(t, pairs, "Warm")
	assert.Equal(t, path.Join("packs", job.PackID.String(), "luts/packX/Warm/preview-after.mp4"), pairs["Warm"].AfterPath)
	assert.Contains(t, pairs, "Cinematic")
}

func Test_Ingest_CorruptArchiveIsFatal(t *testing.T) {
	h := newHarness(t, unavailableTranscoder())
	src := h.writeArchive(t, "garbage.zip", []byte("this is not an archive, not even slightly"))

	job, rec, _, err := h.run(t, ingest.Request{Source: src, Category: classify.Overlay})
	assert.ErrorIs(t, err, archive.ErrCorruptArchive)
	assert.Equal(t, ingest.Failed, job.State())
	assert.Zero(t, h.catalog.Commits())

	frames := rec.Frames()
	last := frames[len(frames)-1]
	assert.True(t, last.IsError())
	assert.Contains(t, last.Error, "corrupt archive")

	marker, err := h.catalog.Ingestion(context.Background(), src.Location())
	require.NoError(t, err)
	assert.Nil(t, marker)
}

func Test_Ingest_TruncatedArchiveCleansScratch(t *testing.T) {
	h := newHarness(t, unavailableTranscoder(), func(c *ingest.Config) { c.MaxPendingEntries = 1 })
	var content strings.Builder
	for i := 0; i < 1028; i++ {
		content.WriteString(random.String(255))
	}
	big := member{name: "big.png", content: content.String()}
	data := buildZip(t, file("a.png"), file("b.png"), big)
	src := h.writeArchive(t, "truncated.zip", data[:len(data)*2/3])

	job, _, _, err := h.run(t, ingest.Request{Source: src, Category: classify.Overlay})
	assert.Error(t, err)
	assert.Equal(t, ingest.Failed, job.State())
	assert.Empty(t, h.scratchEntries(t), "scratch must be empty after a failed job")
	assert.Zero(t, h.catalog.Commits())
}

func Test_Ingest_ScratchIsCleaned(t *testing.T) {
	h := newHarness(t, workingTranscoder())
	h.ingestZip(t, classify.Overlay, "clips.zip", file("clip.mov"), file("a.png"), file("b.webm"))
	assert.Empty(t, h.scratchEntries(t))
}

func Test_Ingest_ProgressFrames(t *testing.T) {
	h := newHarness(t, unavailableTranscoder())
	src := h.writeArchive(t, "pack.zip", buildZip(t, file("a.png"), file("b.png"), file("c.png"), file("d.png")))

	buf := &bytes.Buffer{}
	stream := ingest.NewStreamSink(buf, nil)
	job, err := ingest.NewJob(ingest.Request{Source: src, Category: classify.Overlay}, stream)
	require.NoError(t, err)
	require.NoError(t, h.service.Register(job))
	_, err = h.service.Execute(context.Background(), job)
	require.NoError(t, err)
	require.NoError(t, stream.Err())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Greater(t, len(lines), 3)

	previous := -1.0
	statuses := make([]string, 0)
	for i, line := range lines[:len(lines)-1] {
		var frame struct {
			Progress float64 `json:"progress"`
			Step     string  `json:"step"`
			Status   string  `json:"status"`
		}
		require.NoError(t, json.Unmarshal([]byte(line), &frame), line)
		assert.GreaterOrEqual(t, frame.Progress, previous, "frame %d regressed", i)
		assert.LessOrEqual(t, frame.Progress, 100.0)
		assert.NotEmpty(t, frame.Step)
		previous = frame.Progress
		statuses = append(statuses, frame.Status)
	}
	assert.Equal(t, "uploading", statuses[0])
	assert.Equal(t, "completed", statuses[len(statuses)-1])
	assert.Equal(t, 100.0, previous)

	var final struct {
		Complete bool                    `json:"complete"`
		Results  ingest.ProcessingResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &final))
	assert.True(t, final.Complete)
	assert.Equal(t, 4, final.Results.FilesProcessed)
	assert.NotNil(t, final.Results.Errors, "errors always serialise as a list")
	assert.Equal(t, final.Results.FilesProcessed, job.LastFrame().Results.FilesProcessed)
}

func Test_Ingest_SideChannelAssets(t *testing.T) {
	h := newHarness(t, unavailableTranscoder())
	ctx := context.Background()
	_, err := h.store.Write(ctx, "uploads/abc/cover.PNG", strings.NewReader("thumb"), "image/png")
	require.NoError(t, err)

	src := h.writeArchive(t, "pack.zip", buildZip(t, file("a.png")))
	job, _, result, err := h.run(t, ingest.Request{
		Source:    src,
		Category:  classify.Overlay,
		Title:     "Custom Title",
		Thumbnail: "uploads/abc/cover.PNG",
		Preview:   "uploads/missing/preview.mp4",
	})
	require.NoError(t, err)

	pack, err := h.catalog.Pack(ctx, job.PackID)
	require.NoError(t, err)
	assert.Equal(t, "Custom Title", pack.Title)
	require.NotNil(t, pack.ThumbnailPath)
	assert.Equal(t, path.Join("packs", job.PackID.String(), "thumbnail.png"), *pack.ThumbnailPath)
	assert.Nil(t, pack.PreviewPath)

	exists, err := h.store.Exists(ctx, *pack.ThumbnailPath)
	require.NoError(t, err)
	assert.True(t, exists)

	require.Len(t, result.Errors, 1)
	assert.Equal(t, "uploads/missing/preview.mp4", result.Errors[0].File)
}

func Test_Service_RejectsConcurrentPackJobs(t *testing.T) {
	h := newHarness(t, unavailableTranscoder())
	src := h.writeArchive(t, "pack.zip", buildZip(t, file("a.png")))

	first, err := ingest.NewJob(ingest.Request{Source: src, Category: classify.Overlay})
	require.NoError(t, err)
	second, err := ingest.NewJob(ingest.Request{Source: src, Category: classify.Overlay})
	require.NoError(t, err)

	require.NoError(t, h.service.Register(first))
	assert.ErrorIs(t, h.service.Register(second), ingest.ErrAlreadyRunning)
	assert.Len(t, h.service.Jobs(), 1)

	found, err := h.service.Job(first.ID)
	require.NoError(t, err)
	assert.Same(t, first, found)

	_, err = h.service.Execute(context.Background(), first)
	require.NoError(t, err)
	assert.Empty(t, h.service.Jobs())

	_, err = h.service.Job(first.ID)
	assert.ErrorIs(t, err, ingest.ErrJobNotFound)
	assert.NoError(t, h.service.Register(second), "pack is released once the first job finishes")
}

func Test_Ingest_Cancelled(t *testing.T) {
	h := newHarness(t, unavailableTranscoder())
	src := h.writeArchive(t, "pack.zip", buildZip(t, file("a.png"), file("b.png")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.service.Ingest(ctx, ingest.Request{Source: src, Category: classify.Overlay})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.scratchEntries(t))
	assert.Zero(t, h.catalog.Commits())
}

func Test_NewJob_Validates(t *testing.T) {
	_, err := ingest.NewJob(ingest.Request{Category: classify.Overlay})
	assert.Error(t, err)

	_, err = ingest.NewJob(ingest.Request{Source: archive.FileSource("x.zip"), Category: "video"})
	assert.Error(t, err)

	job, err := ingest.NewJob(ingest.Request{Source: archive.FileSource("/srv/packs/x.zip"), Category: classify.Sound})
	require.NoError(t, err)
	assert.Equal(t, catalog.PackID("/srv/packs/x.zip"), job.PackID)
	assert.Equal(t, ingest.Pending, job.State())
	assert.Equal(t, "Pending", job.LastFrame().Step)
}

func Test_TitleFromLocation(t *testing.T) {
	tests := []struct {
		location string
		title    string
	}{
		{"Neon-Pack.zip", "Neon Pack"},
		{"/srv/inbox/overlay/retro_glitch_v2.tar.gz", "retro glitch v2"},
		{"https://cdn.example.com/packs/Film.Looks.tar.zst?sig=abc", "Film Looks"},
		{`C:\uploads\Whoosh FX.TAR`, "Whoosh FX"},
		{"uploads/abc/.zip", "Untitled Pack"},
	}

	for _, test := range tests {
		t.Run(test.location, func(t *testing.T) {
			assert.Equal(t, test.title, ingest.TitleFromLocation(test.location))
		})
	}
}

func Test_Reporter_ClampsAndStopsAfterTerminal(t *testing.T) {
	rec := &recorder{}
	reporter := ingest.NewReporter(rec)

	reporter.Progress(40, "a", ingest.StatusProcessing)
	reporter.Progress(20, "b", ingest.StatusProcessing)
	reporter.Progress(250, "c", ingest.StatusProcessing)
	reporter.Fail(fmt.Errorf("boom"))
	reporter.Progress(10, "d", ingest.StatusProcessing)
	reporter.Complete(&ingest.ProcessingResult{})

	frames := rec.Frames()
	require.Len(t, frames, 4)
	assert.Equal(t, 40.0, frames[0].Progress)
	assert.Equal(t, 40.0, frames[1].Progress)
	assert.Equal(t, "b", frames[1].Step)
	assert.Equal(t, 100.0, frames[2].Progress)
	assert.True(t, frames[3].IsError())

	b, err := json.Marshal(frames[3])
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"boom"}`, string(b))
	assert.Equal(t, frames[3], reporter.Last())
}

func Test_JobState_ParsesNames(t *testing.T) {
	var state ingest.JobState
	require.NoError(t, state.UnmarshalText([]byte("SYNCHRONIZING")))
	assert.Equal(t, ingest.Synchronizing, state)

	require.NoError(t, json.Unmarshal([]byte(`"FAILED"`), &state))
	assert.Equal(t, ingest.Failed, state)

	assert.Error(t, state.UnmarshalText([]byte("UNKNOWN[9]")))
	assert.Equal(t, ingest.Failed, state, "state is untouched on error")
}
