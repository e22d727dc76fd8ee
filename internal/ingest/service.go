package ingest

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/hbomb79/Crate/pkg/logger"
	"github.com/hbomb79/Crate/pkg/sync"
)

// Service tracks the jobs running through a pipeline, refusing a job
// for a pack that already has one in flight.
type Service struct {
	pipeline *Pipeline
	running  sync.TypedSyncMap[uuid.UUID, *Job]
}

func NewService(pipeline *Pipeline) *Service {
	return &Service{pipeline: pipeline}
}

func (service *Service) Config() Config { return service.pipeline.Config() }

// Register claims the pack of the job provided, returning
// ErrAlreadyRunning if another job holds it.
func (service *Service) Register(job *Job) error {
	if existing, loaded := service.running.LoadOrStore(job.PackID, job); loaded && existing != job {
		log.Emit(logger.WARNING, "Rejecting %s, pack is already being ingested by %s\n", job, existing)
		return ErrAlreadyRunning
	}

	return nil
}

// Execute runs a registered job to completion and releases its pack.
func (service *Service) Execute(ctx context.Context, job *Job) (*ProcessingResult, error) {
	defer service.running.CompareAndDelete(job.PackID, job)
	return service.pipeline.Run(ctx, job)
}

// Ingest creates, registers and executes a job for the request.
func (service *Service) Ingest(ctx context.Context, request Request, sinks ...Sink) (*ProcessingResult, error) {
	job, err := NewJob(request, sinks...)
	if err != nil {
		return nil, err
	}
	if err := service.Register(job); err != nil {
		return nil, err
	}

	return service.Execute(ctx, job)
}

// Jobs returns the running jobs, oldest first.
func (service *Service) Jobs() []*Job {
	jobs := service.running.Values()
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs
}

func (service *Service) Job(id uuid.UUID) (*Job, error) {
	var found *Job
	service.running.Range(func(_ uuid.UUID, job *Job) bool {
		if job.ID == id {
			found = job
			return false
		}
		return true
	})

	if found == nil {
		return nil, ErrJobNotFound
	}
	return found, nil
}
