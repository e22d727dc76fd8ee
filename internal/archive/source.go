package archive

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
)

type (
	// Source is anything an archive can be streamed from. Open returns
	// the byte stream along with its total size, or -1 when the size
	// is not known up front.
	Source interface {
		Open(ctx context.Context) (io.ReadCloser, int64, error)
		Location() string
	}

	// ObjectOpener is the subset of a blob store used to stream
	// a previously uploaded archive.
	ObjectOpener interface {
		Open(ctx context.Context, key string) (io.ReadCloser, error)
	}

	objectSizer interface {
		Size(ctx context.Context, key string) (int64, error)
	}

	fileSource struct{ path string }

	httpSource struct {
		url    string
		client *http.Client
	}

	blobSource struct {
		store ObjectOpener
		key   string
	}
)

// FileSource streams an archive from the local file system.
func FileSource(path string) Source { return &fileSource{path} }

func (s *fileSource) Location() string { return s.path }
func (s *fileSource) Open(_ context.Context) (io.ReadCloser, int64, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, -1, fmt.Errorf("failed to open archive %s: %w", s.path, err)
	}

	size := int64(-1)
	if info, err := f.Stat(); err == nil {
		size = info.Size()
	}

	return f, size, nil
}

// HTTPSource streams an archive from a remote HTTP(S) location using
// a plain GET. A nil client uses http.DefaultClient.
func HTTPSource(url string, client *http.Client) Source {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpSource{url, client}
}

func (s *httpSource) Location() string { return s.url }
func (s *httpSource) Open(ctx context.Context) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, -1, fmt.Errorf("failed to construct request for %s: %w", s.url, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, -1, fmt.Errorf("failed to fetch archive %s: %w", s.url, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, -1, fmt.Errorf("failed to fetch archive %s: unexpected status %s", s.url, resp.Status)
	}

	return resp.Body, resp.ContentLength, nil
}

// BlobSource streams an archive previously uploaded to the blob store.
func BlobSource(store ObjectOpener, key string) Source { return &blobSource{store, key} }

func (s *blobSource) Location() string { return s.key }
func (s *blobSource) Open(ctx context.Context) (io.ReadCloser, int64, error) {
	rc, err := s.store.Open(ctx, s.key)
	if err != nil {
		return nil, -1, fmt.Errorf("failed to open archive object %s: %w", s.key, err)
	}

	size := int64(-1)
	if sizer, ok := s.store.(objectSizer); ok {
		if sz, err := sizer.Size(ctx, s.key); err == nil {
			size = sz
		}
	}

	return rc, size, nil
}
