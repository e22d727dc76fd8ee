package blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/hbomb79/Crate/pkg/logger"
)

var log = logger.Get("BlobStore")

const metaDir = ".meta"

type (
	Config struct {
		RootPath string `yaml:"root_path" env:"BLOB_ROOT_PATH" env-default:"~/.crate/blobs"`
	}

	// FileStore is a Store backed by a directory on the local file
	// system. Writes are staged in a temporary file and renamed in to
	// place, so readers never observe a partially written object.
	FileStore struct {
		root string
	}

	objectMeta struct {
		ContentType string `json:"content_type"`
	}

	ctxReader struct {
		ctx context.Context
		r   io.Reader
	}
)

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(root, metaDir), os.ModeDir|os.ModePerm); err != nil {
		return nil, fmt.Errorf("failed to create blob store root %s: %w", root, err)
	}

	return &FileStore{root: root}, nil
}

func (store *FileStore) Root() string { return store.root }

func (store *FileStore) Exists(_ context.Context, key string) (bool, error) {
	p, err := store.objectPath(key)
	if err != nil {
		return false, err
	}

	if _, err := os.Stat(p); err == nil {
		return true, nil
	} else if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	} else {
		return false, fmt.Errorf("failed to stat object %s: %w", key, err)
	}
}

func (store *FileStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := store.objectPath(key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	} else if err != nil {
		return nil, fmt.Errorf("failed to open object %s: %w", key, err)
	}

	return f, nil
}

// Size returns the size in bytes of the object stored at the key provided.
func (store *FileStore) Size(ctx context.Context, key string) (int64, error) {
	obj, err := store.Stat(ctx, key)
	if err != nil {
		return -1, err
	}
	return obj.Size, nil
}

func (store *FileStore) Stat(_ context.Context, key string) (*Object, error) {
	p, err := store.objectPath(key)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	} else if err != nil {
		return nil, fmt.Errorf("failed to stat object %s: %w", key, err)
	}

	obj := &Object{Key: key, Size: info.Size(), ContentType: DefaultContentType}
	if raw, err := os.ReadFile(store.metaPath(key)); err == nil {
		var meta objectMeta
		if err := json.Unmarshal(raw, &meta); err == nil && meta.ContentType != "" {
			obj.ContentType = meta.ContentType
		}
	}

	return obj, nil
}

func (store *FileStore) Write(ctx context.Context, key string, r io.Reader, contentType string) (*Object, error) {
	p, err := store.objectPath(key)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(p), os.ModeDir|os.ModePerm); err != nil {
		return nil, fmt.Errorf("failed to create directory for object %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to stage object %s: %w", key, err)
	}
	defer os.Remove(tmp.Name())

	size, err := io.Copy(tmp, &ctxReader{ctx, r})
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write object %s: %w", key, err)
	}

	if err := os.Rename(tmp.Name(), p); err != nil {
		return nil, fmt.Errorf("failed to commit object %s: %w", key, err)
	}

	if contentType == "" {
		contentType = DefaultContentType
	}
	if err := store.writeMeta(key, objectMeta{ContentType: contentType}); err != nil {
		log.Warnf("Failed to record content type for %s: %v\n", key, err)
	}

	log.Verbosef("Wrote object %s (%d bytes, %s)\n", key, size, contentType)
	return &Object{Key: key, Size: size, ContentType: contentType}, nil
}

func (store *FileStore) Copy(ctx context.Context, srcKey, dstKey string) error {
	src, err := store.Stat(ctx, srcKey)
	if err != nil {
		return err
	}

	rc, err := store.Open(ctx, srcKey)
	if err != nil {
		return err
	}
	defer rc.Close()

	if _, err := store.Write(ctx, dstKey, rc, src.ContentType); err != nil {
		return fmt.Errorf("failed to copy %s to %s: %w", srcKey, dstKey, err)
	}

	return nil
}

// Delete removes the object at the key provided. Deleting an object
// that does not exist is not an error.
func (store *FileStore) Delete(_ context.Context, key string) error {
	p, err := store.objectPath(key)
	if err != nil {
		return err
	}

	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	_ = os.Remove(store.metaPath(key))

	return nil
}

func (store *FileStore) objectPath(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	if key == metaDir || strings.HasPrefix(key, metaDir+"/") {
		return "", fmt.Errorf("%w: %q is reserved", ErrInvalidKey, key)
	}

	return filepath.Join(store.root, filepath.FromSlash(key)), nil
}

func (store *FileStore) metaPath(key string) string {
	return filepath.Join(store.root, metaDir, filepath.FromSlash(key)+".json")
}

func (store *FileStore) writeMeta(key string, meta objectMeta) error {
	p := store.metaPath(key)
	if err := os.MkdirAll(filepath.Dir(p), os.ModeDir|os.ModePerm); err != nil {
		return err
	}

	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return os.WriteFile(p, raw, 0o644)
}
