package inbox_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hbomb79/Crate/internal/archive"
	"github.com/hbomb79/Crate/internal/classify"
	"github.com/hbomb79/Crate/internal/event"
	"github.com/hbomb79/Crate/internal/inbox"
	"github.com/hbomb79/Crate/internal/ingest"
	"github.com/hbomb79/Crate/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// A default event bus which should be used as a NOOP event bus. DO NOT subscribe to this
// inside of a test as the subscriber are not removed between tests.
var defaultEventBus = event.New()

func init() {
	logger.SetMinLoggingLevel(logger.VERBOSE.Level())
}

type mockIngester struct {
	mock.Mock
}

func (m *mockIngester) Ingest(ctx context.Context, request ingest.Request, sinks ...ingest.Sink) (*ingest.ProcessingResult, error) {
	args := m.Called(request.Source.Location(), request.Category)
	//nolint:forcetypeassert
	return args.Get(0).(*ingest.ProcessingResult), args.Error(1)
}

// dropArchive writes a file in to the inbox. A settled file has a
// modtime far enough in the past to be ingested immediately.
func dropArchive(t *testing.T, root string, rel string, settled bool) string {
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), os.ModePerm))
	require.NoError(t, os.WriteFile(path, []byte("PK"), 0o644))
	if settled {
		past := time.Now().Add(-time.Hour)
		require.NoError(t, os.Chtimes(path, past, past))
	}

	return path
}

func newService(t *testing.T, config inbox.Config, ingester inbox.Ingester) *inbox.Service {
	srv, err := inbox.New(config, ingester, defaultEventBus, time.Minute)
	require.NoError(t, err)
	return srv
}

func startService(t *testing.T, srv *inbox.Service) {
	wg := sync.WaitGroup{}
	wg.Add(1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer wg.Done()
		assert.Nil(t, srv.Run(ctx))
	}()

	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
}

func itemState(srv *inbox.Service, path string) (inbox.ItemState, bool) {
	for _, item := range srv.GetAllItems() {
		if item.Path == path {
			return item.State, true
		}
	}
	return 0, false
}

func Test_New_CreatesCategoryFolders(t *testing.T) {
	root := filepath.Join(t.TempDir(), "inbox")
	newService(t, inbox.Config{InboxPath: root}, &mockIngester{})

	for _, category := range []string{"overlay", "sound", "lut"} {
		info, err := os.Stat(filepath.Join(root, category))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func Test_New_RejectsFilePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inbox")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	_, err := inbox.New(inbox.Config{InboxPath: path}, &mockIngester{}, defaultEventBus, time.Minute)
	assert.Error(t, err)
}

func Test_New_RejectsInvalidBlacklist(t *testing.T) {
	_, err := inbox.New(inbox.Config{InboxPath: t.TempDir(), Blacklist: []string{"("}}, &mockIngester{}, defaultEventBus, time.Minute)
	assert.Error(t, err)
}

func Test_DiscoverNewFiles(t *testing.T) {
	root := t.TempDir()
	srv := newService(t, inbox.Config{
		InboxPath:                 root,
		RequiredModTimeAgeSeconds: 600,
		Blacklist:                 []string{`\.part$`},
	}, &mockIngester{})

	settled := dropArchive(t, root, "overlay/settled.zip", true)
	copying := dropArchive(t, root, "sound/nested/copying.zip", false)
	dropArchive(t, root, "lut/pack.zip.part", true)
	dropArchive(t, root, "overlay/.hidden.zip", true)
	dropArchive(t, root, "loose.zip", true)

	srv.DiscoverNewFiles()
	srv.DiscoverNewFiles()

	items := srv.GetAllItems()
	require.Len(t, items, 2, "only the category archives should be discovered, once each")

	state, ok := itemState(srv, settled)
	require.True(t, ok)
	assert.Equal(t, inbox.IDLE, state)

	state, ok = itemState(srv, copying)
	require.True(t, ok)
	assert.Equal(t, inbox.IMPORT_HOLD, state)

	for _, item := range items {
		if item.Path == copying {
			assert.Equal(t, classify.Sound, item.Category)
		} else {
			assert.Equal(t, classify.Overlay, item.Category)
		}
	}
}

func Test_Run_IngestsSettledArchives(t *testing.T) {
	root := t.TempDir()
	ingester := &mockIngester{}
	srv := newService(t, inbox.Config{InboxPath: root, ForceSyncSeconds: 1, IngestionParallelism: 2}, ingester)

	overlay := dropArchive(t, root, "overlay/Neon Pack.zip", true)
	luts := dropArchive(t, root, "lut/Film Looks.tar.gz", true)
	ingester.On("Ingest", overlay, classify.Overlay).Return(&ingest.ProcessingResult{FilesProcessed: 3}, nil).Once()
	ingester.On("Ingest", luts, classify.LUT).Return(&ingest.ProcessingResult{FilesProcessed: 5}, nil).Once()

	startService(t, srv)

	assert.Eventually(t, func() bool {
		a, _ := itemState(srv, overlay)
		b, _ := itemState(srv, luts)
		return a == inbox.COMPLETE && b == inbox.COMPLETE
	}, 5*time.Second, 10*time.Millisecond)
	ingester.AssertExpectations(t)

	for _, item := range srv.GetAllItems() {
		require.NotNil(t, item.Result)
		assert.Nil(t, item.Trouble)
	}
}

func Test_Run_ImportHoldReleasesOnceSettled(t *testing.T) {
	root := t.TempDir()
	ingester := &mockIngester{}
	srv := newService(t, inbox.Config{InboxPath: root, ForceSyncSeconds: 100, RequiredModTimeAgeSeconds: 1}, ingester)

	path := dropArchive(t, root, "sound/fresh.zip", false)
	ingester.On("Ingest", path, classify.Sound).Return(&ingest.ProcessingResult{}, nil).Once()

	startService(t, srv)

	require.Eventually(t, func() bool {
		_, found := itemState(srv, path)
		return found
	}, 5*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		s, _ := itemState(srv, path)
		return s == inbox.COMPLETE
	}, 5*time.Second, 20*time.Millisecond)
	ingester.AssertExpectations(t)
}

func Test_Run_TroubleAndRetry(t *testing.T) {
	root := t.TempDir()
	ingester := &mockIngester{}
	srv := newService(t, inbox.Config{InboxPath: root, ForceSyncSeconds: 100}, ingester)

	path := dropArchive(t, root, "overlay/broken.zip", true)
	corrupt := fmt.Errorf("failed to read archive: %w: bad header", archive.ErrCorruptArchive)
	ingester.On("Ingest", path, classify.Overlay).Return((*ingest.ProcessingResult)(nil), corrupt).Once()

	startService(t, srv)

	var troubled *inbox.Item
	require.Eventually(t, func() bool {
		for _, item := range srv.GetAllItems() {
			if item.Path == path && item.State == inbox.TROUBLED {
				troubled = item
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	require.NotNil(t, troubled.Trouble)
	assert.Equal(t, inbox.ARCHIVE_FAILURE, troubled.Trouble.Type())
	assert.ErrorIs(t, troubled.Trouble, archive.ErrCorruptArchive)

	ingester.On("Ingest", path, classify.Overlay).Return(&ingest.ProcessingResult{FilesProcessed: 1}, nil).Once()
	require.NoError(t, srv.ResolveTrouble(troubled.ID, inbox.RETRY))

	assert.Eventually(t, func() bool {
		s, _ := itemState(srv, path)
		return s == inbox.COMPLETE
	}, 5*time.Second, 10*time.Millisecond)
	ingester.AssertExpectations(t)

	assert.ErrorIs(t, srv.ResolveTrouble(troubled.ID, inbox.RETRY), inbox.ErrNoTrouble)
}

func Test_ResolveTrouble_Abort(t *testing.T) {
	root := t.TempDir()
	ingester := &mockIngester{}
	srv := newService(t, inbox.Config{InboxPath: root, ForceSyncSeconds: 100}, ingester)

	path := dropArchive(t, root, "lut/looks.zip", true)
	ingester.On("Ingest", path, classify.LUT).Return((*ingest.ProcessingResult)(nil), fmt.Errorf("%w: database offline", ingest.ErrCommitFailed)).Once()

	startService(t, srv)

	var troubled *inbox.Item
	require.Eventually(t, func() bool {
		for _, item := range srv.GetAllItems() {
			if item.State == inbox.TROUBLED {
				troubled = item
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, inbox.COMMIT_FAILURE, troubled.Trouble.Type())

	assert.ErrorIs(t, srv.ResolveTrouble(troubled.ID, inbox.ResolutionType(99)), inbox.ErrResolutionIncompatible)
	require.NoError(t, srv.ResolveTrouble(troubled.ID, inbox.ABORT))

	item := srv.GetItem(troubled.ID)
	require.NotNil(t, item)
	assert.Equal(t, inbox.COMPLETE, item.State)

	require.NoError(t, srv.RemoveItem(troubled.ID))
	assert.Nil(t, srv.GetItem(troubled.ID))
	ingester.AssertExpectations(t)
}
