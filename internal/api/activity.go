package api

import (
	"github.com/google/uuid"
	"github.com/hbomb79/Crate/internal/api/ingests"
	"github.com/hbomb79/Crate/internal/event"
	"github.com/hbomb79/Crate/internal/http/websocket"
	"github.com/hbomb79/Crate/internal/inbox"
	"github.com/hbomb79/Crate/pkg/logger"
)

const (
	TITLE_INGEST_UPDATE   = "INGEST_UPDATE"
	TITLE_INGEST_PROGRESS = "INGEST_PROGRESS"
	TITLE_INGEST_COMPLETE = "INGEST_COMPLETE"
	TITLE_INBOX_UPDATE    = "INBOX_UPDATE"
)

type (
	IngestUpdate struct {
		JobID uuid.UUID       `json:"job_id"`
		Job   *ingests.JobDto `json:"job"`
	}

	// InboxUpdate carries a nil Item when the item is no longer tracked.
	InboxUpdate struct {
		ItemID uuid.UUID   `json:"item_id"`
		Item   *inbox.Item `json:"item"`
	}

	inboxStore interface {
		GetItem(uuid.UUID) *inbox.Item
		GetAllItems() []*inbox.Item
	}

	broadcaster struct {
		socketHub   *websocket.SocketHub
		ingestStore ingests.Service
		inboxStore  inboxStore
	}
)

func newBroadcaster(socketHub *websocket.SocketHub, ingestStore ingests.Service, inboxStore inboxStore) *broadcaster {
	return &broadcaster{socketHub, ingestStore, inboxStore}
}

// RegisterHandlers subscribes the broadcaster to the events it relays.
// Ingest events are handled synchronously so that a job is still
// registered (and its latest frame current) when the update is built.
func (hub *broadcaster) RegisterHandlers(eventBus event.EventHandler) {
	eventBus.RegisterHandlerFunction(event.INGEST_UPDATE, hub.handleIngestEvent)
	eventBus.RegisterHandlerFunction(event.INGEST_PROGRESS, hub.handleIngestEvent)
	eventBus.RegisterHandlerFunction(event.INGEST_COMPLETE, hub.handleIngestEvent)
	if hub.inboxStore != nil {
		eventBus.RegisterAsyncHandlerFunction(event.INBOX_UPDATE, hub.handleInboxEvent)
	}
}

func (hub *broadcaster) BroadcastIngestUpdate(title string, id uuid.UUID) error {
	job, err := hub.ingestStore.Job(id)
	if err != nil {
		return err
	}

	hub.broadcast(title, IngestUpdate{JobID: id, Job: ingests.NewDto(job)})
	return nil
}

func (hub *broadcaster) BroadcastInboxUpdate(id uuid.UUID) error {
	hub.broadcast(TITLE_INBOX_UPDATE, InboxUpdate{ItemID: id, Item: hub.inboxStore.GetItem(id)})
	return nil
}

// connectionSnapshot furnishes newly connected clients with the current
// state so they need not wait for the next update.
func (hub *broadcaster) connectionSnapshot() map[string]any {
	jobs := hub.ingestStore.Jobs()
	dtos := make([]*ingests.JobDto, len(jobs))
	for k, v := range jobs {
		dtos[k] = ingests.NewDto(v)
	}

	snapshot := map[string]any{"jobs": dtos}
	if hub.inboxStore != nil {
		snapshot["inbox"] = hub.inboxStore.GetAllItems()
	}

	return snapshot
}

func (hub *broadcaster) handleIngestEvent(ev event.Event, payload event.Payload) {
	id, ok := payload.(uuid.UUID)
	if !ok {
		return
	}

	title := TITLE_INGEST_UPDATE
	switch ev {
	case event.INGEST_PROGRESS:
		title = TITLE_INGEST_PROGRESS
	case event.INGEST_COMPLETE:
		title = TITLE_INGEST_COMPLETE
	}

	if err := hub.BroadcastIngestUpdate(title, id); err != nil {
		log.Emit(logger.DEBUG, "Not broadcasting %s for job %s: %v\n", ev, id, err)
	}
}

func (hub *broadcaster) handleInboxEvent(_ event.Event, payload event.Payload) {
	if id, ok := payload.(uuid.UUID); ok {
		_ = hub.BroadcastInboxUpdate(id)
	}
}

func (hub *broadcaster) broadcast(title string, update any) {
	hub.socketHub.Send(&websocket.SocketMessage{
		Title: title,
		Body:  map[string]interface{}{"arguments": update},
		Type:  websocket.Update,
	})
}
