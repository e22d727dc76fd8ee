// Package archive decodes creator pack archives as a forward-only
// sequence of entries. Nothing is buffered beyond a small read-ahead
// window, so arbitrarily large archives can be processed from a
// network stream.
package archive

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync/atomic"

	"github.com/hbomb79/Crate/pkg/logger"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

var (
	log = logger.Get("Archive")

	// ErrCorruptArchive is wrapped by every error caused by the
	// structure of the archive itself. Such errors are fatal; the
	// archive must be re-opened from the start to try again.
	ErrCorruptArchive = errors.New("corrupt archive")
)

const readAheadSize = 64 * 1024

type Format int

const (
	FormatZip Format = iota
	FormatTar
	FormatTarGzip
	FormatTarZstd
	FormatTarLz4
)

func (f Format) String() string {
	return []string{"zip", "tar", "tar+gzip", "tar+zstd", "tar+lz4"}[f]
}

var (
	magicZip      = []byte{'P', 'K', 0x03, 0x04}
	magicZipEmpty = []byte{'P', 'K', 0x05, 0x06}
	magicGzip     = []byte{0x1f, 0x8b}
	magicZstd     = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicLz4      = []byte{0x04, 0x22, 0x4d, 0x18}
	magicUstar    = []byte("ustar")
)

type (
	// Entry is a single member of an archive. The content of a file
	// entry is read directly from the Entry, and is only valid until
	// the next call to Reader.Next.
	Entry struct {
		Path  string
		IsDir bool
		// Size is the uncompressed size, or -1 if the container
		// does not record it before the content.
		Size int64
		r    io.Reader
	}

	// Reader is a pull-based iterator over the entries of an archive.
	Reader struct {
		format   Format
		location string
		size     int64
		counter  *countingReader
		next     func() (*Entry, error)
		closers  []func() error
		failed   error
	}

	countingReader struct {
		ctx context.Context
		r   io.Reader
		n   atomic.Int64
	}
)

func (e *Entry) Read(p []byte) (int, error) {
	if e.r == nil {
		return 0, io.EOF
	}
	return e.r.Read(p)
}

func (c *countingReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}

	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

// Open begins streaming the archive from the source provided. The
// container format is sniffed from the leading bytes of the stream,
// the name of the source is never consulted.
func Open(ctx context.Context, src Source) (*Reader, error) {
	rc, size, err := src.Open(ctx)
	if err != nil {
		return nil, err
	}

	counter := &countingReader{ctx: ctx, r: rc}
	br := bufio.NewReaderSize(counter, readAheadSize)
	reader := &Reader{
		location: src.Location(),
		size:     size,
		counter:  counter,
		closers:  []func() error{rc.Close},
	}

	if err := reader.sniff(br); err != nil {
		rc.Close()
		return nil, err
	}

	log.Emit(logger.DEBUG, "Opened %s archive %s (%d bytes)\n", reader.format, reader.location, size)
	return reader, nil
}

func (reader *Reader) sniff(br *bufio.Reader) error {
	head, err := br.Peek(4)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: archive is empty or unreadable: %v", ErrCorruptArchive, err)
	}

	switch {
	case bytes.HasPrefix(head, magicZip), bytes.HasPrefix(head, magicZipEmpty):
		reader.format = FormatZip
		reader.next = newZipStream(br).next
	case bytes.HasPrefix(head, magicGzip):
		gz, err := gzip.NewReader(br)
		if err != nil {
			return fmt.Errorf("%w: invalid gzip stream: %v", ErrCorruptArchive, err)
		}
		reader.format = FormatTarGzip
		reader.next = newTarStream(gz).next
		reader.closers = append(reader.closers, gz.Close)
	case bytes.HasPrefix(head, magicZstd):
		dec, err := zstd.NewReader(br)
		if err != nil {
			return fmt.Errorf("%w: invalid zstd stream: %v", ErrCorruptArchive, err)
		}
		reader.format = FormatTarZstd
		reader.next = newTarStream(dec).next
		reader.closers = append(reader.closers, func() error { dec.Close(); return nil })
	case bytes.HasPrefix(head, magicLz4):
		reader.format = FormatTarLz4
		reader.next = newTarStream(lz4.NewReader(br)).next
	default:
		// Plain tar archives carry their magic inside the first header block
		block, _ := br.Peek(262)
		if len(block) < 262 || !bytes.Equal(block[257:262], magicUstar) {
			return fmt.Errorf("%w: unrecognised container format", ErrCorruptArchive)
		}
		reader.format = FormatTar
		reader.next = newTarStream(br).next
	}

	return nil
}

// Next advances to the next entry in the archive. Any unread content of
// the previous entry is discarded. io.EOF is returned once the archive
// is exhausted. Once Next returns an error other than io.EOF, the Reader
// is no longer usable.
func (reader *Reader) Next() (*Entry, error) {
	if reader.failed != nil {
		return nil, reader.failed
	}

	entry, err := reader.next()
	if err != nil {
		reader.failed = err
		return nil, err
	}

	return entry, nil
}

func (reader *Reader) Format() Format   { return reader.format }
func (reader *Reader) Location() string { return reader.location }

// Size returns the total size of the underlying byte source, or -1 if unknown.
func (reader *Reader) Size() int64 { return reader.size }

// Consumed returns the number of raw bytes read from the source so far.
func (reader *Reader) Consumed() int64 { return reader.counter.n.Load() }

func (reader *Reader) Close() error {
	var errs []error
	for i := len(reader.closers) - 1; i >= 0; i-- {
		if err := reader.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// cleanEntryPath normalises an archive member name in to a relative,
// slash separated path that can never escape the archive root.
func cleanEntryPath(name string) (string, bool) {
	name = strings.ReplaceAll(name, "\\", "/")
	isDir := strings.HasSuffix(name, "/")
	cleaned := strings.TrimPrefix(path.Clean("/"+name), "/")
	if cleaned == "" {
		return "", true
	}

	return cleaned, isDir
}

// corrupt wraps a decoding error so callers can detect it with
// errors.Is(err, ErrCorruptArchive). Context errors are passed
// through untouched.
func corrupt(err error, format string, args ...any) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	msg := fmt.Sprintf(format, args...)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorruptArchive, msg, err)
	}
	return fmt.Errorf("%w: %s", ErrCorruptArchive, msg)
}
