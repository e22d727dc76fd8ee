// Package inbox watches a directory on the host for archives dropped in
// to it by operators, and feeds them through the ingestion service
// automatically.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Crate/internal/classify"
	"github.com/hbomb79/Crate/internal/event"
	"github.com/hbomb79/Crate/internal/ingest"
	"github.com/hbomb79/Crate/pkg/logger"
	"github.com/hbomb79/Crate/pkg/worker"
	"github.com/rjeczalik/notify"
)

var (
	log = logger.Get("InboxServ")

	categories = []classify.Category{classify.Overlay, classify.Sound, classify.LUT}
)

type (
	Ingester interface {
		Ingest(ctx context.Context, request ingest.Request, sinks ...ingest.Sink) (*ingest.ProcessingResult, error)
	}

	// Service is responsible for managing the automatic detection
	// and ingestion of archives from the servers file system. The
	// detected files are:
	// - Checked against a blacklist to ensure they should be processed
	// - Held until their modtime settles, as they may still be copying
	// - Ingested in to the pack category named by their parent folder
	Service struct {
		mu sync.Mutex

		ingester   Ingester
		eventBus   event.EventDispatcher
		config     Config
		jobTimeout time.Duration
		blacklist  []*regexp.Regexp

		ctx              context.Context
		items            []*Item
		importHoldTimers map[uuid.UUID]*time.Timer
		workerPool       *worker.WorkerPool
	}
)

// New creates a new inbox Service, using the provided config for
// subsequent calls to 'Run'.
//
// The configs 'InboxPath' is validated to be an existing directory.
// If the directory is missing it will be created (along with a folder
// for each pack category), if the path provided points to an existing
// FILE, an error is returned.
func New(config Config, ingester Ingester, eventBus event.EventDispatcher, jobTimeout time.Duration) (*Service, error) {
	if info, err := os.Stat(config.InboxPath); err == nil {
		if !info.IsDir() {
			return nil, fmt.Errorf("inbox path '%s' is not a directory", config.InboxPath)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("inbox path '%s' could not be accessed: %w", config.InboxPath, err)
	}

	for _, category := range categories {
		if err := os.MkdirAll(filepath.Join(config.InboxPath, string(category)), os.ModeDir|os.ModePerm); err != nil {
			return nil, fmt.Errorf("failed to create inbox folder for %s packs: %w", category, err)
		}
	}

	blacklist := make([]*regexp.Regexp, 0, len(config.Blacklist))
	for _, expr := range config.Blacklist {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("inbox blacklist expression %q is invalid: %w", expr, err)
		}
		blacklist = append(blacklist, re)
	}

	service := &Service{
		ingester:         ingester,
		eventBus:         eventBus,
		config:           config,
		jobTimeout:       jobTimeout,
		blacklist:        blacklist,
		ctx:              context.Background(),
		items:            make([]*Item, 0),
		importHoldTimers: make(map[uuid.UUID]*time.Timer),
		workerPool:       worker.NewWorkerPool(),
	}

	for i := 0; i < max(config.IngestionParallelism, 1); i++ {
		label := fmt.Sprintf("inbox-worker-%d", i)
		service.workerPool.PushWorker(worker.NewWorker(label, service.ingestWorkerTask))
	}

	return service, nil
}

// Run is the main entry point of this service. It's responsible
// for listening to the OS file system and responding to change events,
// as well as regularly polling the file system irrespective of the
// watcher.
// To kill the service, the calling code should cancel the context
// provided.
func (service *Service) Run(ctx context.Context) error {
	service.mu.Lock()
	service.ctx = ctx
	service.mu.Unlock()

	fsNotifyChannel := make(chan notify.EventInfo, 16)
	if err := notify.Watch(filepath.Join(service.config.InboxPath, "..."), fsNotifyChannel, notify.Create, notify.Rename, notify.Write); err != nil {
		log.Emit(logger.WARNING, "Failed to watch inbox %s, relying on forced syncs: %v\n", service.config.InboxPath, err)
	} else {
		defer notify.Stop(fsNotifyChannel)
	}

	forceSync := time.NewTicker(service.config.forceSyncInterval())
	defer forceSync.Stop()

	if err := service.workerPool.Start(); err != nil {
		return err
	}
	defer service.clearAllImportHoldTimers()
	defer service.workerPool.Close()

	log.Emit(logger.INFO, "Watching inbox %s\n", service.config.InboxPath)
	service.DiscoverNewFiles()

	for {
		select {
		case ev := <-fsNotifyChannel:
			log.Emit(logger.VERBOSE, "Inbox change detected: %s\n", ev)
			service.DiscoverNewFiles()
		case <-forceSync.C:
			service.DiscoverNewFiles()
		case <-ctx.Done():
			return nil
		}
	}
}

// DiscoverNewFiles will scan the host file system at the path
// configured and check for archives that need to be ingested (as
// in no current item in this service represents this path).
// Any paths found that match with any configured blacklists will
// be ignored.
//
// Note: This function will take ownership of the mutex, and releases it when returning
func (service *Service) DiscoverNewFiles() {
	service.mu.Lock()

	known := make(map[string]bool, len(service.items))
	for _, item := range service.items {
		known[item.Path] = true
	}

	newItems, err := service.walkInbox(known)
	if err != nil {
		service.mu.Unlock()
		log.Emit(logger.ERROR, "Inbox polling failed: %v\n", err)
		return
	}

	minModtimeAge := service.config.RequiredModTimeAgeDuration()
	dirty := false
	added := make([]uuid.UUID, 0, len(newItems))
	for itemPath, found := range newItems {
		timeDiff := time.Since(found.info.ModTime())

		itemState := IMPORT_HOLD
		if timeDiff >= minModtimeAge {
			dirty = true
			itemState = IDLE
		}

		item := &Item{ID: uuid.New(), Path: itemPath, Category: found.category, State: itemState}
		service.items = append(service.items, item)
		added = append(added, item.ID)
		if itemState == IMPORT_HOLD {
			service.scheduleImportHoldTimer(item.ID, minModtimeAge-timeDiff)
		}

		log.Emit(logger.NEW, "Discovered %s archive %s (%s)\n", found.category, itemPath, itemState)
	}
	service.mu.Unlock()

	for _, id := range added {
		service.dispatch(id)
	}
	if dirty {
		service.wakeupWorkerPool()
	}
}

// ResolveTrouble applies the resolution provided to the troubled
// item with the ID given.
func (service *Service) ResolveTrouble(itemID uuid.UUID, method ResolutionType) error {
	service.mu.Lock()
	item := service.findItem(itemID)
	if item == nil {
		service.mu.Unlock()
		return ErrItemNotFound
	}
	if item.Trouble == nil {
		service.mu.Unlock()
		return ErrNoTrouble
	}
	if !item.Trouble.isResolutionTypeAllowed(method) {
		service.mu.Unlock()
		return ErrResolutionIncompatible
	}

	switch method {
	case RETRY:
		item.Trouble = nil
		item.State = IDLE
	case ABORT:
		item.State = COMPLETE
	}
	service.mu.Unlock()

	log.Emit(logger.INFO, "Resolved trouble of inbox item %s using %s\n", itemID, method)
	service.dispatch(itemID)
	if method == RETRY {
		service.wakeupWorkerPool()
	}

	return nil
}

// RemoveItem looks for an item with the ID provided in the services
// state, and removes it if it's found.
// This method *fails* if the item is currently 'INGESTING' as interrupting
// the ingestion is not possible.
// This method does not error if the itemID does not exist.
func (service *Service) RemoveItem(itemID uuid.UUID) error {
	service.mu.Lock()
	defer service.mu.Unlock()
	return service.removeItem(itemID)
}

// GetItem returns a copy of the item with the ID provided, or nil
// if the service has no such item.
func (service *Service) GetItem(itemID uuid.UUID) *Item {
	service.mu.Lock()
	defer service.mu.Unlock()

	if item := service.findItem(itemID); item != nil {
		cpy := *item
		return &cpy
	}

	return nil
}

// GetAllItems returns a copy of every item known to the service.
func (service *Service) GetAllItems() []*Item {
	service.mu.Lock()
	defer service.mu.Unlock()

	out := make([]*Item, 0, len(service.items))
	for _, item := range service.items {
		cpy := *item
		out = append(out, &cpy)
	}

	return out
}

// ingestWorkerTask is the worker function for the inbox, which is called
// by the services WorkerPool.
// This function will claim the first IDLE item it finds and attempt to ingest it.
// If the ingestion fails then the error is raised as a trouble on the
// item and it's state set to TROUBLED.
func (service *Service) ingestWorkerTask(w worker.Worker) (bool, error) {
	item, ctx := service.claimIdleItem()
	if item == nil {
		return false, nil
	}
	service.dispatch(item.ID)

	ctx, cancel := context.WithTimeout(ctx, service.jobTimeout)
	defer cancel()

	result, err := item.ingest(ctx, service.ingester)

	service.mu.Lock()
	if err != nil {
		item.Trouble = newTrouble(err)
		item.State = TROUBLED
		log.Emit(logger.WARNING, "Inbox item %s raised %s trouble: %v\n", item, item.Trouble.Type(), err)
	} else {
		item.Result = result
		item.State = COMPLETE
		log.Emit(logger.SUCCESS, "Inbox item %s ingested by %s\n", item, w.Label())
	}
	service.mu.Unlock()

	service.dispatch(item.ID)
	return true, nil
}

// evaluateItemHold accepts the ID of an item that is on IMPORT_HOLD,
// and checks it's modtime to see if the item can be moved on to
// the 'IDLE' state.
// If the item with the ID provided no longer exists, the method is a NO-OP.
// If the item exists, but it's source file no longer exists, the item is removed
// from the services state.
// If the item exists and it's source still does not meet modtime requirements, then
// a new timer will be scheduled to re-evaluate the item hold.
//
// Note: this function takes ownership of the mutex, and releases it when returning
func (service *Service) evaluateItemHold(id uuid.UUID) {
	service.mu.Lock()
	item := service.findItem(id)
	if item == nil || item.State != IMPORT_HOLD {
		service.mu.Unlock()
		return
	}

	timeDiff, err := item.modtimeDiff()
	if err != nil {
		// Item's source file has gone away!
		log.Emit(logger.REMOVE, "Inbox item %s source has been removed\n", item)
		service.removeItem(id)
		service.mu.Unlock()
		return
	}

	thresholdModTime := service.config.RequiredModTimeAgeDuration()
	if *timeDiff < thresholdModTime {
		service.scheduleImportHoldTimer(id, thresholdModTime-*timeDiff)
		service.mu.Unlock()
		return
	}

	item.State = IDLE
	service.mu.Unlock()

	service.dispatch(id)
	service.wakeupWorkerPool()
}

// scheduleImportHoldTimer will call evaluateItemHold for the item provided
// after the delay duration specified has elapsed. Any existing import hold timer
// for the item specified will be *cancelled* before the new timer is created.
func (service *Service) scheduleImportHoldTimer(id uuid.UUID, delay time.Duration) {
	service.clearImportHoldTimer(id)
	service.importHoldTimers[id] = time.AfterFunc(delay, func() {
		service.evaluateItemHold(id)
	})
}

// clearImportHoldTimer cancels and deletes the import hold timer associated
// with the item ID specified.
func (service *Service) clearImportHoldTimer(id uuid.UUID) {
	if timer, ok := service.importHoldTimers[id]; ok {
		timer.Stop()
		delete(service.importHoldTimers, id)
	}
}

func (service *Service) clearAllImportHoldTimers() {
	service.mu.Lock()
	defer service.mu.Unlock()
	for key, timer := range service.importHoldTimers {
		timer.Stop()
		delete(service.importHoldTimers, key)
	}
}

// claimIdleItem will try and find an IDLE item in the inbox,
// and set it's state to 'INGESTING' to prevent another
// worker from claiming it once the mutex lock is released.
func (service *Service) claimIdleItem() (*Item, context.Context) {
	service.mu.Lock()
	defer service.mu.Unlock()

	for _, item := range service.items {
		if item.State == IDLE {
			item.State = INGESTING
			return item, service.ctx
		}
	}

	return nil, nil
}

func (service *Service) findItem(id uuid.UUID) *Item {
	for _, item := range service.items {
		if item.ID == id {
			return item
		}
	}

	return nil
}

func (service *Service) removeItem(id uuid.UUID) error {
	for k, v := range service.items {
		if v.ID == id {
			if v.State == INGESTING {
				return fmt.Errorf("cannot remove item %v: %w", id, ErrItemBusy)
			}

			service.clearImportHoldTimer(id)
			service.items = append(service.items[:k], service.items[k+1:]...)
			return nil
		}
	}

	return nil
}

func (service *Service) wakeupWorkerPool() {
	if err := service.workerPool.WakeupWorkers(); err != nil {
		log.Emit(logger.DEBUG, "Unable to wake inbox workers: %v\n", err)
	}
}

func (service *Service) dispatch(id uuid.UUID) {
	if service.eventBus != nil {
		service.eventBus.Dispatch(event.INBOX_UPDATE, id)
	}
}

type discoveredFile struct {
	info     fs.FileInfo
	category classify.Category
}

// walkInbox walks the category folders of the inbox and returns the
// files inside them (including any inside of nested directories)
// which are not in the 'known' map, are not hidden and do not match
// the blacklist.
func (service *Service) walkInbox(known map[string]bool) (map[string]discoveredFile, error) {
	found := make(map[string]discoveredFile)
	for _, category := range categories {
		root := filepath.Join(service.config.InboxPath, string(category))
		err := filepath.WalkDir(root, func(path string, dir fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}

			if strings.HasPrefix(dir.Name(), ".") && path != root {
				if dir.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if dir.IsDir() || known[path] || service.isBlacklisted(path) {
				return nil
			}

			info, err := dir.Info()
			if err != nil {
				return err
			}

			found[path] = discoveredFile{info: info, category: category}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk inbox folder %s: %w", root, err)
		}
	}

	return found, nil
}

func (service *Service) isBlacklisted(path string) bool {
	for _, re := range service.blacklist {
		if re.MatchString(path) {
			log.Emit(logger.VERBOSE, "Ignoring blacklisted inbox file %s\n", path)
			return true
		}
	}

	return false
}
