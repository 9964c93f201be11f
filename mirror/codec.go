package mirror

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
)

// StorageEncoding is the encoding path text is stored in.
const StorageEncoding = "UTF-8"

// StorageCodec translates path components between the locale encoding of
// the filesystem and the storage encoding. It is built once and passed to
// every operation that touches path text.
type StorageCodec struct {
	name string
	enc  encoding.Encoding // nil when the system encoding is UTF-8
}

// NewStorageCodec returns a codec for the given system encoding name.
// An empty name or any UTF-8 alias yields the identity codec.
func NewStorageCodec(systemEncoding string) (*StorageCodec, error) {
	if isUTF8(systemEncoding) {
		return &StorageCodec{name: StorageEncoding}, nil
	}
	enc, err := ianaindex.IANA.Encoding(systemEncoding)
	if err != nil {
		return nil, fmt.Errorf("lookup encoding %q: %w", systemEncoding, err)
	}
	if enc == nil {
		return nil, fmt.Errorf("encoding %q is not supported", systemEncoding)
	}
	name, err := ianaindex.IANA.Name(enc)
	if err != nil {
		name = systemEncoding
	}
	return &StorageCodec{name: name, enc: enc}, nil
}

// IdentityCodec is the codec used when the system encoding is UTF-8.
func IdentityCodec() *StorageCodec {
	return &StorageCodec{name: StorageEncoding}
}

// Name returns the canonical name of the system encoding.
func (c *StorageCodec) Name() string {
	return c.name
}

// Identity reports whether conversions are no-ops.
func (c *StorageCodec) Identity() bool {
	return c.enc == nil
}

// ToStorage converts system-encoded bytes to the storage encoding. The
// identity codec returns b itself, so the result may alias the input.
func (c *StorageCodec) ToStorage(b []byte) ([]byte, error) {
	if c.enc == nil {
		return b, nil
	}
	out, err := c.enc.NewDecoder().Bytes(b)
	if err != nil {
		return nil, fmt.Errorf("decode %s path %q: %w", c.name, b, err)
	}
	// Decoders substitute U+FFFD for invalid input, so distinct names can
	// collapse into one key. Only names that encode back unchanged are kept.
	back, err := c.enc.NewEncoder().Bytes(out)
	if err != nil || !bytes.Equal(back, b) {
		return nil, fmt.Errorf("decode %s path %q: %w", c.name, b, ErrLossyName)
	}
	return out, nil
}

// FromStorage converts storage-encoded bytes to the system encoding.
func (c *StorageCodec) FromStorage(b []byte) ([]byte, error) {
	if c.enc == nil {
		return b, nil
	}
	out, err := c.enc.NewEncoder().Bytes(b)
	if err != nil {
		return nil, fmt.Errorf("encode path %q as %s: %w", b, c.name, err)
	}
	return out, nil
}

// FromStorageString is FromStorage for strings read from the store.
func (c *StorageCodec) FromStorageString(s string) (string, error) {
	if c.enc == nil {
		return s, nil
	}
	out, err := c.FromStorage([]byte(s))
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// ToStorageString is ToStorage for strings.
func (c *StorageCodec) ToStorageString(s string) (string, error) {
	if c.enc == nil {
		return s, nil
	}
	out, err := c.ToStorage([]byte(s))
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// SystemEncoding derives the charset of the current locale from the
// environment, following the LC_ALL > LC_CTYPE > LANG precedence.
// Locales without an explicit codeset ("C", "POSIX", "en_US") map to UTF-8.
func SystemEncoding() string {
	for _, key := range []string{"LC_ALL", "LC_CTYPE", "LANG"} {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		return localeCharset(v)
	}
	return StorageEncoding
}

func localeCharset(locale string) string {
	// language_territory.codeset@modifier
	if i := strings.IndexByte(locale, '@'); i >= 0 {
		locale = locale[:i]
	}
	i := strings.IndexByte(locale, '.')
	if i < 0 || i == len(locale)-1 {
		return StorageEncoding
	}
	return locale[i+1:]
}

func isUTF8(name string) bool {
	switch strings.ToLower(strings.ReplaceAll(name, "-", "")) {
	case "", "utf8", "c", "posix":
		return true
	}
	return false
}
