package archive

import (
	"archive/tar"
	"errors"
	"io"
)

type (
	tarStream struct {
		tr *tar.Reader
	}

	tarEntryReader struct {
		tr *tar.Reader
	}
)

func newTarStream(r io.Reader) *tarStream {
	return &tarStream{tr: tar.NewReader(r)}
}

func (s *tarStream) next() (*Entry, error) {
	for {
		hdr, err := s.tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		} else if err != nil {
			return nil, corrupt(err, "failed to read tar header")
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			p, _ := cleanEntryPath(hdr.Name)
			return &Entry{Path: p, IsDir: true, Size: 0}, nil
		case tar.TypeReg:
			p, isDir := cleanEntryPath(hdr.Name)
			if isDir {
				return &Entry{Path: p, IsDir: true, Size: 0}, nil
			}
			return &Entry{Path: p, Size: hdr.Size, r: &tarEntryReader{s.tr}}, nil
		default:
			// Links, devices and fifos carry no content we can ingest
			log.Verbosef("Ignoring tar member %s with type %q\n", hdr.Name, hdr.Typeflag)
		}
	}
}

func (r *tarEntryReader) Read(p []byte) (int, error) {
	n, err := r.tr.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, corrupt(err, "failed to read tar member")
	}

	return n, err
}
