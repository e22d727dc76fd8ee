// Package blob provides the object store that extracted artifacts are
// uploaded to. Objects are addressed by slash separated keys.
package blob

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/hbomb79/Crate/pkg/logger"
	"github.com/zeebo/blake3"
)

var (
	ErrNotFound   = errors.New("object not found")
	ErrInvalidKey = errors.New("invalid object key")
)

const DefaultContentType = "application/octet-stream"

type (
	// Store is the set of object operations the ingestion pipeline
	// depends on.
	Store interface {
		Exists(ctx context.Context, key string) (bool, error)
		Open(ctx context.Context, key string) (io.ReadCloser, error)
		Write(ctx context.Context, key string, r io.Reader, contentType string) (*Object, error)
		Copy(ctx context.Context, srcKey, dstKey string) error
		Delete(ctx context.Context, key string) error
	}

	Object struct {
		Key         string `json:"key"`
		Size        int64  `json:"size"`
		ContentType string `json:"content_type"`
	}

	// Digest is an object that has been written with its BLAKE3 hash
	// computed along the way.
	Digest struct {
		*Object
		Hash string
	}
)

var contentTypes = map[string]string{
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"gif":  "image/gif",
	"webp": "image/webp",
	"mp4":  "video/mp4",
	"m4v":  "video/x-m4v",
	"mov":  "video/quicktime",
	"webm": "video/webm",
	"mp3":  "audio/mpeg",
	"wav":  "audio/wav",
	"aac":  "audio/aac",
	"m4a":  "audio/mp4",
	"ogg":  "audio/ogg",
	"flac": "audio/flac",
	"aif":  "audio/aiff",
	"aiff": "audio/aiff",
	"cube": "text/plain",
	"zip":  "application/zip",
}

// ContentTypeForName infers a content type from the extension of the
// name provided. The empty string is returned for unknown extensions.
func ContentTypeForName(name string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
	return contentTypes[ext]
}

// ContentTypeForFile infers the content type of a local file, preferring
// its extension and falling back to sniffing the file content.
func ContentTypeForFile(filePath string) string {
	if ct := ContentTypeForName(filePath); ct != "" {
		return ct
	}

	if mt, err := mimetype.DetectFile(filePath); err == nil {
		return mt.String()
	}

	return DefaultContentType
}

// WriteWithDigest writes the reader to the store under the key provided,
// hashing the content with BLAKE3 as it streams.
func WriteWithDigest(ctx context.Context, store Store, key string, r io.Reader, contentType string) (*Digest, error) {
	hasher := blake3.New()
	obj, err := store.Write(ctx, key, io.TeeReader(r, hasher), contentType)
	if err != nil {
		return nil, err
	}

	return &Digest{Object: obj, Hash: hex.EncodeToString(hasher.Sum(nil))}, nil
}

// ContentAddressedKey returns the key used to store an upload with
// the digest provided.
func ContentAddressedKey(prefix, digest, name string) string {
	return path.Join(prefix, digest, path.Base(name))
}

// PutContentAddressed stores the reader under a key derived from its
// BLAKE3 digest, so storing identical content twice resolves to the same
// key. The content is staged under a temporary key which is removed
// once the object is in place.
func PutContentAddressed(ctx context.Context, store Store, prefix, name string, r io.Reader, contentType string) (string, error) {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == ".." {
		return "", fmt.Errorf("%w: upload name %q", ErrInvalidKey, name)
	}

	tmpKey := path.Join(prefix, "tmp", uuid.NewString(), name)
	digest, err := WriteWithDigest(ctx, store, tmpKey, r, contentType)
	if err != nil {
		return "", fmt.Errorf("failed to stage %s: %w", name, err)
	}
	defer func() {
		if err := store.Delete(ctx, tmpKey); err != nil && !errors.Is(err, ErrNotFound) {
			log.Emit(logger.WARNING, "Failed to remove staged object %s: %v\n", tmpKey, err)
		}
	}()

	key := ContentAddressedKey(prefix, digest.Hash, name)
	exists, err := store.Exists(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to check for %s: %w", key, err)
	}
	if exists {
		log.Emit(logger.DEBUG, "Upload %s already stored at %s\n", name, key)
		return key, nil
	}
	if err := store.Copy(ctx, tmpKey, key); err != nil {
		return "", fmt.Errorf("failed to move %s to %s: %w", tmpKey, key, err)
	}

	return key, nil
}

// ValidateKey ensures a key is relative and cannot escape the store root.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}

	return nil
}
