package assembly

import (
	"errors"
	"fmt"
	"io"
)

var (
	// errUnrecognized tells the caller to try the next reader.
	errUnrecognized = errors.New("image format not recognized")

	// ErrMalformed marks an image a reader recognized but could not parse.
	ErrMalformed = errors.New("malformed image")
)

// imageReader extracts metadata from one binary format.
type imageReader interface {
	Format() Format
	Read(r io.ReaderAt, size int64) (*Metadata, error)
}

// defaultReaders is the probe order: managed images first, since a Go
// executable is never a valid CLI image but a CLI image may be mistaken for
// nothing else.
func defaultReaders() []imageReader {
	return []imageReader{ecmaReader{}, goReader{}}
}

// readImage runs the readers in order and returns the first match.
func readImage(readers []imageReader, r io.ReaderAt, size int64) (*Metadata, error) {
	for _, rd := range readers {
		md, err := rd.Read(r, size)
		if errors.Is(err, errUnrecognized) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s reader: %w", rd.Format(), err)
		}
		md.Format = rd.Format()
		return md, nil
	}
	return nil, errUnrecognized
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}
