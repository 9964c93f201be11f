package mirror

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorageCodec_IdentityForUTF8(t *testing.T) {
	for _, name := range []string{"", "UTF-8", "utf8", "C", "POSIX"} {
		t.Run(name, func(t *testing.T) {
			c, err := NewStorageCodec(name)
			require.NoError(t, err)
			assert.True(t, c.Identity())
			assert.Equal(t, StorageEncoding, c.Name())

			in := []byte("plain/ascii.txt")
			out, err := c.ToStorage(in)
			require.NoError(t, err)
			assert.Same(t, &in[0], &out[0], "identity must not copy")
		})
	}
}

func TestStorageCodec_Latin1RoundTrip(t *testing.T) {
	c, err := NewStorageCodec("ISO-8859-1")
	require.NoError(t, err)
	assert.False(t, c.Identity())

	system := []byte("caf\xe9.txt")
	stored, err := c.ToStorage(system)
	require.NoError(t, err)
	assert.Equal(t, "café.txt", string(stored))

	back, err := c.FromStorage(stored)
	require.NoError(t, err)
	assert.Equal(t, system, back)

	s, err := c.FromStorageString("café.txt")
	require.NoError(t, err)
	assert.Equal(t, "caf\xe9.txt", s)

	s, err = c.ToStorageString("caf\xe9.txt")
	require.NoError(t, err)
	assert.Equal(t, "café.txt", s)
}

func TestStorageCodec_RejectsLossyNames(t *testing.T) {
	c, err := NewStorageCodec("Shift_JIS")
	require.NoError(t, err)

	// A valid two-byte character survives the round trip.
	stored, err := c.ToStorage([]byte("\x82\xa0.txt"))
	require.NoError(t, err)
	assert.Equal(t, "あ.txt", string(stored))

	// A dangling lead byte would decode to U+FFFD, so both names would
	// share one key.
	for _, name := range []string{"x\x81", "x\x82"} {
		_, err := c.ToStorage([]byte(name))
		assert.ErrorIs(t, err, ErrLossyName, "%q", name)
	}

	_, err = c.ToStorageString("x\x81")
	assert.ErrorIs(t, err, ErrLossyName)
}

func TestStorageCodec_UnknownEncoding(t *testing.T) {
	_, err := NewStorageCodec("no-such-charset-42")
	assert.Error(t, err)
}

func TestSystemEncoding(t *testing.T) {
	tests := []struct {
		name   string
		lcAll  string
		lcType string
		lang   string
		want   string
	}{
		{"nothing set", "", "", "", StorageEncoding},
		{"LANG only", "", "", "de_DE.ISO-8859-1", "ISO-8859-1"},
		{"LC_CTYPE wins over LANG", "", "ja_JP.EUC-JP", "de_DE.ISO-8859-1", "EUC-JP"},
		{"LC_ALL wins", "en_US.UTF-8", "ja_JP.EUC-JP", "", "UTF-8"},
		{"modifier stripped", "", "", "de_DE.ISO-8859-15@euro", "ISO-8859-15"},
		{"no codeset", "", "", "C", StorageEncoding},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("LC_ALL", tt.lcAll)
			t.Setenv("LC_CTYPE", tt.lcType)
			t.Setenv("LANG", tt.lang)
			assert.Equal(t, tt.want, SystemEncoding())
		})
	}
}
