package mirror

import (
	"fmt"
	"io"

	"github.com/zeebo/xxh3"
)

const fingerprintChunkSize = 64 * 1024

// Fingerprinter streams file contents through xxh3-64. The checksum is a
// change detector combined with size and mtime, not a security primitive.
// A Fingerprinter reuses its buffer and is not safe for concurrent use.
type Fingerprinter struct {
	h   *xxh3.Hasher
	buf []byte
}

// NewFingerprinter creates a Fingerprinter with its own chunk buffer.
func NewFingerprinter() *Fingerprinter {
	return &Fingerprinter{
		h:   xxh3.New(),
		buf: make([]byte, fingerprintChunkSize),
	}
}

// Sum reads r to EOF and returns its digest together with the number of
// bytes read.
func (f *Fingerprinter) Sum(r io.Reader) (Digest, int64, error) {
	f.h.Reset()
	n, err := io.CopyBuffer(f.h, readerOnly{r}, f.buf)
	if err != nil {
		return Digest{}, n, fmt.Errorf("read content: %w", err)
	}
	return digestFromSum(f.h.Sum64()), n, nil
}

// FingerprintBytes returns the digest of an in-memory buffer.
func FingerprintBytes(b []byte) Digest {
	return digestFromSum(xxh3.Hash(b))
}

// readerOnly hides io.WriterTo so that io.CopyBuffer uses the caller's buffer.
type readerOnly struct {
	io.Reader
}
