package ingest

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Crate/internal/archive"
	"github.com/hbomb79/Crate/internal/catalog"
	"github.com/hbomb79/Crate/internal/classify"
)

type JobState int

const (
	Pending JobState = iota
	Uploading
	Extracting
	Transforming
	Synchronizing
	Completed
	Failed
)

var (
	ErrAlreadyRunning = errors.New("an ingestion for this pack is already running")
	ErrJobNotFound    = errors.New("no ingestion job could be found")
)

type (
	// Request describes the archive to ingest and what to do with it.
	Request struct {
		Source   archive.Source
		Category classify.Category

		// Title overrides the title derived from the archive location.
		Title string

		// AttachTo names an existing pack to add the archive content to,
		// rather than creating a new pack.
		AttachTo *uuid.UUID

		// Blob keys of previously uploaded side-channel assets.
		Thumbnail string
		Preview   string
	}

	// Job is one invocation of the pipeline.
	Job struct {
		ID        uuid.UUID
		PackID    uuid.UUID
		Request   Request
		CreatedAt time.Time

		mu       sync.Mutex
		state    JobState
		result   *ProcessingResult
		err      error
		reporter *Reporter
	}
)

// NewJob creates a pending job for the request provided. The sinks
// given will receive every frame the job emits.
func NewJob(request Request, sinks ...Sink) (*Job, error) {
	if request.Source == nil {
		return nil, errors.New("ingestion request is missing an archive source")
	}
	if _, err := classify.ParseCategory(string(request.Category)); err != nil {
		return nil, err
	}

	packID := catalog.PackID(request.Source.Location())
	if request.AttachTo != nil {
		packID = *request.AttachTo
	}

	return &Job{
		ID:        uuid.New(),
		PackID:    packID,
		Request:   request,
		CreatedAt: time.Now(),
		state:     Pending,
		reporter:  NewReporter(sinks...),
	}, nil
}

func (job *Job) State() JobState {
	job.mu.Lock()
	defer job.mu.Unlock()
	return job.state
}

func (job *Job) setState(state JobState) {
	job.mu.Lock()
	defer job.mu.Unlock()
	job.state = state
}

// Result returns the result of a completed job, or the error a failed
// job ended with.
func (job *Job) Result() (*ProcessingResult, error) {
	job.mu.Lock()
	defer job.mu.Unlock()
	return job.result, job.err
}

func (job *Job) Reporter() *Reporter { return job.reporter }
func (job *Job) LastFrame() Frame    { return job.reporter.Last() }

// Title returns the display title of the pack this job creates.
func (job *Job) Title() string {
	if job.Request.Title != "" {
		return job.Request.Title
	}
	return TitleFromLocation(job.Request.Source.Location())
}

func (job *Job) String() string {
	return fmt.Sprintf("Job{ID=%s pack=%s state=%s}", job.ID, job.PackID, job.State())
}

// advance moves the job from one state to another, returning false if
// the job was not in the expected state.
func (job *Job) advance(from, to JobState) bool {
	job.mu.Lock()
	defer job.mu.Unlock()
	if job.state != from {
		return false
	}
	job.state = to
	return true
}

func (job *Job) finish(result *ProcessingResult, err error) {
	job.mu.Lock()
	job.result, job.err = result, err
	if err != nil {
		job.state = Failed
	} else {
		job.state = Completed
	}
	job.mu.Unlock()

	if err != nil {
		job.reporter.Fail(err)
	} else {
		job.reporter.Complete(result)
	}
}

var archiveSuffixes = []string{".tar.gz", ".tar.zst", ".tar.lz4", ".tgz", ".tzst", ".zip", ".tar"}

// TitleFromLocation derives a display title from an archive location by
// dropping any directories and archive extension, and replacing
// separators with spaces.
func TitleFromLocation(location string) string {
	name := path.Base(strings.ReplaceAll(location, "\\", "/"))
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}

	lower := strings.ToLower(name)
	for _, suffix := range archiveSuffixes {
		if strings.HasSuffix(lower, suffix) {
			name = name[:len(name)-len(suffix)]
			break
		}
	}

	title := strings.Join(strings.Fields(strings.Map(func(r rune) rune {
		if r == '-' || r == '_' || r == '.' {
			return ' '
		}
		return r
	}, name)), " ")
	if title == "" {
		return "Untitled Pack"
	}

	return title
}

func (s JobState) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Uploading:
		return "UPLOADING"
	case Extracting:
		return "EXTRACTING"
	case Transforming:
		return "TRANSFORMING"
	case Synchronizing:
		return "SYNCHRONIZING"
	case Completed:
		return "COMPLETED"
	case Failed:
		return "FAILED"
	default:
		return fmt.Sprintf("UNKNOWN[%d]", s)
	}
}

func (s JobState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *JobState) UnmarshalText(text []byte) error {
	for candidate := Pending; candidate <= Failed; candidate++ {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}

	return fmt.Errorf("unknown job state %q", text)
}
