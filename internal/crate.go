package internal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hbomb79/Crate/internal/api"
	"github.com/hbomb79/Crate/internal/blob"
	"github.com/hbomb79/Crate/internal/catalog"
	"github.com/hbomb79/Crate/internal/database"
	"github.com/hbomb79/Crate/internal/event"
	"github.com/hbomb79/Crate/internal/ffmpeg"
	"github.com/hbomb79/Crate/internal/inbox"
	"github.com/hbomb79/Crate/internal/ingest"
	"github.com/hbomb79/Crate/pkg/logger"
)

var log = logger.Get("Core")

type (
	RunnableService interface {
		Run(context.Context) error
	}

	// crateImpl is the top-level object for the server, and is responsible
	// for initialising the stores, services and event handling.
	crateImpl struct {
		eventBus event.EventCoordinator
		config   CrateConfig
		db       *database.Manager

		ingestService *ingest.Service
		inboxService  *inbox.Service
		restGateway   *api.RestGateway
	}
)

func New(config CrateConfig) (*crateImpl, error) {
	log.Emit(logger.DEBUG, "Bootstrapping Crate services\n")
	crate := &crateImpl{
		eventBus: event.New(),
		config:   config,
		db:       database.New(),
	}

	serv, store, err := NewIngestService(config.Local(), catalog.New(crate.db), crate.eventBus)
	if err != nil {
		return nil, fmt.Errorf("failed to construct ingestion service: %w", err)
	}
	crate.ingestService = serv

	var inboxService api.InboxService
	if config.Inbox.Enabled {
		serv, err := inbox.New(config.Inbox, crate.ingestService, crate.eventBus, config.Ingest.JobTimeout())
		if err != nil {
			return nil, fmt.Errorf("failed to construct inbox service: %w", err)
		}
		crate.inboxService = serv
		inboxService = serv
	}

	gateway, err := api.NewRestGateway(&config.RestConfig, crate.ingestService, inboxService, store, crate.eventBus)
	if err != nil {
		return nil, fmt.Errorf("failed to construct REST gateway: %w", err)
	}
	crate.restGateway = gateway

	return crate, nil
}

// NewIngestService constructs the blob store, transcoder and pipeline
// described by the configuration and returns a service running jobs
// through them.
func NewIngestService(config LocalConfig, cat ingest.Catalog, eventBus event.EventDispatcher) (*ingest.Service, *blob.FileStore, error) {
	store, err := blob.NewFileStore(config.BlobStore.RootPath)
	if err != nil {
		return nil, nil, err
	}

	transcoder := ffmpeg.New(config.Ffmpeg)
	if err := transcoder.Available(); err != nil {
		log.Emit(logger.WARNING, "Media transforms are disabled: %v\n", err)
	}

	pipeline, err := ingest.NewPipeline(ingest.Dependencies{
		Store:      store,
		Catalog:    cat,
		Transcoder: transcoder,
		EventBus:   eventBus,
	}, config.Ingest)
	if err != nil {
		return nil, nil, err
	}

	return ingest.NewService(pipeline), store, nil
}

// Run will start all of Crate by connecting to the database and bringing
// up the services.
//
// This function will not return until Crate is stopped.
// To stop Crate, the provided context must be cancelled. Errors from which Crate cannot recover
// will also cause Crate to stop.
func (crate *crateImpl) Run(parent context.Context) error {
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)
	crashHandler := func(label string, err error) {
		log.Emit(logger.FATAL, "Service crash (%s)! %s\n", label, err.Error())
		cancel(fmt.Errorf("%s: %w", label, err))
	}

	log.Emit(logger.NEW, "Connecting to database...\n")
	if err := crate.db.Connect(crate.config.Database); err != nil {
		return err
	}
	defer crate.db.Close()

	wg := &sync.WaitGroup{}
	if crate.inboxService != nil {
		crate.spawnAsyncService(ctx, wg, crate.inboxService, "inbox-service", crashHandler)
	}
	crate.spawnAsyncService(ctx, wg, crate.restGateway, "rest-gateway", crashHandler)
	log.Emit(logger.SUCCESS, "Crate services spawned!\n")

	wg.Wait()
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}

	return nil
}

// spawnAsyncService will run the provided function/service as it's own
// go-routine, ensuring that the Crate service waitgroup is updated correctly
func (crate *crateImpl) spawnAsyncService(ctx context.Context, wg *sync.WaitGroup, service RunnableService, serviceLabel string, crashHandler func(string, error)) {
	log.Emit(logger.NEW, "Spawning %s\n", serviceLabel)
	wg.Add(1)

	go func(wg *sync.WaitGroup, label string, crash func(string, error)) {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				crash(label, fmt.Errorf("panic %v", r))
			}
		}()

		if err := service.Run(ctx); err != nil {
			crash(label, err)
		}
	}(wg, serviceLabel, crashHandler)
}
