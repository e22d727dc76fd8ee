package archive

import (
	"bufio"
	"encoding/binary"
	"errors"
	"hash"
	"hash/crc32"
	"io"
	"math"

	"github.com/klauspost/compress/flate"
)

// Zip archives are decoded from their local file headers alone. The
// central directory lives at the end of the file, so it is treated
// purely as the end-of-entries marker.
const (
	zipLocalHeaderSig = 0x04034b50
	zipCentralDirSig  = 0x02014b50
	zipEndSig         = 0x06054b50
	zip64EndSig       = 0x06064b50
	zipDigitalSig     = 0x05054b50
	zipDescriptorSig  = 0x08074b50

	zipFlagEncrypted  = 0x1
	zipFlagDescriptor = 0x8

	zipMethodStore   = 0
	zipMethodDeflate = 8

	zip64ExtraID = 0x0001
)

type (
	zipStream struct {
		br   *bufio.Reader
		cur  *zipEntry
		done bool
	}

	zipEntry struct {
		name       string
		br         *bufio.Reader
		body       io.Reader
		decomp     io.ReadCloser
		raw        *byteCounter
		crc        hash.Hash32
		read       uint64
		eof        bool
		descriptor bool
		zip64      bool
		method     uint16
		wantCRC    uint32
		wantComp   uint64
		wantSize   uint64
	}

	// byteCounter tracks the compressed bytes consumed by the inflater. It
	// implements io.ByteReader so flate never reads beyond the end of
	// the deflate stream.
	byteCounter struct {
		br *bufio.Reader
		n  uint64
	}
)

func (c *byteCounter) Read(p []byte) (int, error) {
	n, err := c.br.Read(p)
	c.n += uint64(n)
	return n, err
}

func (c *byteCounter) ReadByte() (byte, error) {
	b, err := c.br.ReadByte()
	if err == nil {
		c.n++
	}
	return b, err
}

func newZipStream(br *bufio.Reader) *zipStream {
	return &zipStream{br: br}
}

func (s *zipStream) next() (*Entry, error) {
	if s.done {
		return nil, io.EOF
	}

	if s.cur != nil {
		if err := s.cur.finish(); err != nil {
			return nil, err
		}
		s.cur = nil
	}

	var sig [4]byte
	if _, err := io.ReadFull(s.br, sig[:]); err != nil {
		return nil, corrupt(err, "archive ended before central directory")
	}

	switch binary.LittleEndian.Uint32(sig[:]) {
	case zipLocalHeaderSig:
	case zipCentralDirSig, zipEndSig, zip64EndSig, zipDigitalSig:
		s.done = true
		return nil, io.EOF
	default:
		return nil, corrupt(nil, "unexpected zip record signature %#x", sig)
	}

	entry, err := s.readLocalHeader()
	if err != nil {
		return nil, err
	}

	s.cur = entry
	p, isDir := cleanEntryPath(entry.name)
	if isDir {
		return &Entry{Path: p, IsDir: true, Size: 0, r: entry}, nil
	}

	size := int64(-1)
	if !entry.descriptor {
		size = int64(entry.wantSize)
	}
	return &Entry{Path: p, Size: size, r: entry}, nil
}

func (s *zipStream) readLocalHeader() (*zipEntry, error) {
	var h [26]byte
	if _, err := io.ReadFull(s.br, h[:]); err != nil {
		return nil, corrupt(err, "truncated local file header")
	}

	flags := binary.LittleEndian.Uint16(h[2:])
	entry := &zipEntry{
		br:         s.br,
		crc:        crc32.NewIEEE(),
		descriptor: flags&zipFlagDescriptor != 0,
		method:     binary.LittleEndian.Uint16(h[4:]),
		wantCRC:    binary.LittleEndian.Uint32(h[10:]),
		wantComp:   uint64(binary.LittleEndian.Uint32(h[14:])),
		wantSize:   uint64(binary.LittleEndian.Uint32(h[18:])),
	}

	nameLen := int(binary.LittleEndian.Uint16(h[22:]))
	extraLen := int(binary.LittleEndian.Uint16(h[24:]))
	buf := make([]byte, nameLen+extraLen)
	if _, err := io.ReadFull(s.br, buf); err != nil {
		return nil, corrupt(err, "truncated local file header")
	}
	entry.name = string(buf[:nameLen])

	if flags&zipFlagEncrypted != 0 {
		return nil, corrupt(nil, "entry %s is encrypted", entry.name)
	}

	if entry.wantComp == math.MaxUint32 || entry.wantSize == math.MaxUint32 {
		if err := entry.applyZip64Extra(buf[nameLen:]); err != nil {
			return nil, err
		}
	}

	entry.raw = &byteCounter{br: s.br}
	switch entry.method {
	case zipMethodStore:
		if entry.descriptor {
			entry.body = &storedScanner{entry: entry}
		} else {
			entry.body = io.LimitReader(entry.raw, int64(entry.wantComp))
		}
	case zipMethodDeflate:
		entry.decomp = flate.NewReader(entry.raw)
		entry.body = entry.decomp
	default:
		return nil, corrupt(nil, "entry %s uses unsupported compression method %d", entry.name, entry.method)
	}

	return entry, nil
}

// applyZip64Extra replaces saturated header sizes with the 64-bit values
// held in the zip64 extended information field.
func (entry *zipEntry) applyZip64Extra(extra []byte) error {
	for len(extra) >= 4 {
		id := binary.LittleEndian.Uint16(extra)
		size := int(binary.LittleEndian.Uint16(extra[2:]))
		extra = extra[4:]
		if size > len(extra) {
			break
		}

		if id == zip64ExtraID {
			field := extra[:size]
			entry.zip64 = true
			if entry.wantSize == math.MaxUint32 {
				if len(field) < 8 {
					return corrupt(nil, "short zip64 field for %s", entry.name)
				}
				entry.wantSize = binary.LittleEndian.Uint64(field)
				field = field[8:]
			}
			if entry.wantComp == math.MaxUint32 {
				if len(field) < 8 {
					return corrupt(nil, "short zip64 field for %s", entry.name)
				}
				entry.wantComp = binary.LittleEndian.Uint64(field)
			}
			return nil
		}

		extra = extra[size:]
	}

	if entry.descriptor {
		// Sizes follow the content; nothing more to resolve now
		return nil
	}
	return corrupt(nil, "entry %s is missing its zip64 extended information", entry.name)
}

func (entry *zipEntry) Read(p []byte) (int, error) {
	if entry.eof {
		return 0, io.EOF
	}

	n, err := entry.body.Read(p)
	entry.crc.Write(p[:n])
	entry.read += uint64(n)
	if errors.Is(err, io.EOF) {
		entry.eof = true
		return n, io.EOF
	} else if err != nil {
		return n, corrupt(err, "failed to decode %s", entry.name)
	}

	return n, nil
}

// finish discards any unread content, consumes the trailing data
// descriptor (if any) and verifies the entry checksum and sizes.
func (entry *zipEntry) finish() error {
	if _, err := io.Copy(io.Discard, entry); err != nil {
		return err
	}
	if entry.decomp != nil {
		entry.decomp.Close()
	}

	if entry.descriptor {
		if err := entry.readDescriptor(); err != nil {
			return err
		}
	}

	if got := entry.crc.Sum32(); got != entry.wantCRC {
		return corrupt(nil, "checksum mismatch for %s (want %08x, got %08x)", entry.name, entry.wantCRC, got)
	}
	if entry.read != entry.wantSize {
		return corrupt(nil, "size mismatch for %s (want %d, got %d)", entry.name, entry.wantSize, entry.read)
	}
	if entry.raw.n != entry.wantComp {
		return corrupt(nil, "compressed size mismatch for %s (want %d, got %d)", entry.name, entry.wantComp, entry.raw.n)
	}

	return nil
}

func (entry *zipEntry) readDescriptor() error {
	var word [4]byte
	if _, err := io.ReadFull(entry.br, word[:]); err != nil {
		return corrupt(err, "truncated data descriptor for %s", entry.name)
	}

	// The descriptor signature is optional
	if binary.LittleEndian.Uint32(word[:]) == zipDescriptorSig {
		if _, err := io.ReadFull(entry.br, word[:]); err != nil {
			return corrupt(err, "truncated data descriptor for %s", entry.name)
		}
	}
	entry.wantCRC = binary.LittleEndian.Uint32(word[:])

	wide := entry.zip64 || entry.raw.n >= math.MaxUint32 || entry.read >= math.MaxUint32
	if wide {
		var sizes [16]byte
		if _, err := io.ReadFull(entry.br, sizes[:]); err != nil {
			return corrupt(err, "truncated data descriptor for %s", entry.name)
		}
		entry.wantComp = binary.LittleEndian.Uint64(sizes[:])
		entry.wantSize = binary.LittleEndian.Uint64(sizes[8:])
		return nil
	}

	var sizes [8]byte
	if _, err := io.ReadFull(entry.br, sizes[:]); err != nil {
		return corrupt(err, "truncated data descriptor for %s", entry.name)
	}
	entry.wantComp = uint64(binary.LittleEndian.Uint32(sizes[:]))
	entry.wantSize = uint64(binary.LittleEndian.Uint32(sizes[4:]))
	return nil
}

// storedScanner reads a stored entry whose sizes only appear in the
// data descriptor after its content. The content ends at the first
// descriptor signature whose checksum and sizes agree with the bytes
// before it.
type storedScanner struct {
	entry     *zipEntry
	sum       uint32
	n         uint64
	remaining int
	found     bool
}

func (s *storedScanner) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if s.found {
		if s.remaining == 0 {
			return 0, io.EOF
		}
		return s.emit(p[:min(len(p), s.remaining)])
	}

	descLen := 16
	if s.entry.zip64 {
		descLen = 24
	}

	br := s.entry.br
	window, err := br.Peek(br.Size())
	atEOF := err != nil
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return 0, corrupt(err, "failed to read %s", s.entry.name)
	}

	safe := len(window) - 3
	for i := 0; i+4 <= len(window); i++ {
		if binary.LittleEndian.Uint32(window[i:]) != zipDescriptorSig {
			continue
		}
		if i+descLen > len(window) {
			// Candidate straddles the window; hand out what precedes it first
			safe = i
			break
		}
		if s.isBoundary(window[:i], window[i+4:i+descLen]) {
			s.found, s.remaining = true, i
			if i == 0 {
				return 0, io.EOF
			}
			return s.emit(p[:min(len(p), i)])
		}
	}

	if safe <= 0 {
		if atEOF {
			return 0, corrupt(io.ErrUnexpectedEOF, "stored entry %s has no data descriptor", s.entry.name)
		}
		return 0, corrupt(nil, "stored entry %s could not be delimited", s.entry.name)
	}

	return s.emit(p[:min(len(p), safe)])
}

func (s *storedScanner) isBoundary(content, desc []byte) bool {
	size := s.n + uint64(len(content))
	if binary.LittleEndian.Uint32(desc) != crc32.Update(s.sum, crc32.IEEETable, content) {
		return false
	}
	if s.entry.zip64 {
		return binary.LittleEndian.Uint64(desc[4:]) == size && binary.LittleEndian.Uint64(desc[12:]) == size
	}
	return uint64(binary.LittleEndian.Uint32(desc[4:])) == size && uint64(binary.LittleEndian.Uint32(desc[8:])) == size
}

func (s *storedScanner) emit(p []byte) (int, error) {
	n, err := io.ReadFull(s.entry.raw, p)
	s.sum = crc32.Update(s.sum, crc32.IEEETable, p[:n])
	s.n += uint64(n)
	if s.found {
		s.remaining -= n
	}
	if err != nil {
		return n, corrupt(err, "failed to read %s", s.entry.name)
	}
	return n, nil
}
