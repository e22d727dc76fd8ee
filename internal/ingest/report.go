package ingest

import (
	"encoding/json"
	"io"
	"math"
	"sync"
	"sync/atomic"

	"github.com/hbomb79/Crate/pkg/logger"
)

type (
	Status    string
	frameKind int

	// Frame is a single message emitted by a job. A progress frame marshals
	// to {progress, step, status}, a result frame to {complete, results}
	// and an error frame to {error}.
	Frame struct {
		kind     frameKind
		Progress float64
		Step     string
		Status   Status
		Results  *ProcessingResult
		Error    string
	}

	// Sink receives every frame emitted by a job, in order.
	Sink interface {
		Emit(Frame)
	}

	SinkFunc func(Frame)

	// Reporter fans frames out to its sinks. Progress reported through it is
	// clamped to 0-100 and never decreases, and nothing is emitted after
	// the terminal frame.
	Reporter struct {
		mu       sync.Mutex
		sinks    []Sink
		progress float64
		done     bool
		last     atomic.Pointer[Frame]
	}

	// StreamSink writes frames as newline delimited JSON.
	StreamSink struct {
		mu    sync.Mutex
		enc   *json.Encoder
		flush func()
		err   error
	}
)

const (
	StatusUploading  Status = "uploading"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
)

const (
	progressFrame frameKind = iota
	resultFrame
	errorFrame
)

func (f SinkFunc) Emit(frame Frame) { f(frame) }

func (f Frame) IsTerminal() bool { return f.kind != progressFrame }
func (f Frame) IsError() bool    { return f.kind == errorFrame }

func (f Frame) MarshalJSON() ([]byte, error) {
	switch f.kind {
	case resultFrame:
		return json.Marshal(struct {
			Complete bool              `json:"complete"`
			Results  *ProcessingResult `json:"results"`
		}{true, f.Results})
	case errorFrame:
		return json.Marshal(struct {
			Error string `json:"error"`
		}{f.Error})
	default:
		return json.Marshal(struct {
			Progress float64 `json:"progress"`
			Step     string  `json:"step"`
			Status   Status  `json:"status,omitempty"`
		}{f.Progress, f.Step, f.Status})
	}
}

func NewReporter(sinks ...Sink) *Reporter {
	return &Reporter{sinks: sinks}
}

// AddSink attaches another sink to the reporter. The sink only sees
// frames emitted after it was added.
func (r *Reporter) AddSink(sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, sink)
}

// Progress emits a progress frame. A percentage lower than one already
// reported is raised to match it.
func (r *Reporter) Progress(pct float64, step string, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}

	if math.IsNaN(pct) {
		pct = r.progress
	}
	pct = math.Max(r.progress, math.Min(100, math.Max(0, pct)))
	r.progress = pct
	r.emit(Frame{kind: progressFrame, Progress: math.Round(pct*10) / 10, Step: step, Status: status})
}

// Complete emits the terminal result frame.
func (r *Reporter) Complete(result *ProcessingResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}

	r.done = true
	r.progress = 100
	r.emit(Frame{kind: resultFrame, Results: result})
}

// Fail emits the terminal error frame.
func (r *Reporter) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}

	r.done = true
	r.emit(Frame{kind: errorFrame, Error: err.Error()})
}

// Last returns the most recent frame emitted. It is safe to call from
// within a sink.
func (r *Reporter) Last() Frame {
	if f := r.last.Load(); f != nil {
		return *f
	}
	return Frame{Step: "Pending"}
}

func (r *Reporter) emit(frame Frame) {
	r.last.Store(&frame)
	for _, sink := range r.sinks {
		sink.Emit(frame)
	}
}

// NewStreamSink returns a sink writing NDJSON to w. flush, if not nil, is
// called after every frame so the frame reaches the client immediately.
func NewStreamSink(w io.Writer, flush func()) *StreamSink {
	return &StreamSink{enc: json.NewEncoder(w), flush: flush}
}

// Emit writes the frame. Once a write fails every later frame is dropped.
func (s *StreamSink) Emit(frame Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}

	if err := s.enc.Encode(frame); err != nil {
		log.Emit(logger.DEBUG, "Dropping frame stream: %v\n", err)
		s.err = err
		return
	}

	if s.flush != nil {
		s.flush()
	}
}

func (s *StreamSink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
