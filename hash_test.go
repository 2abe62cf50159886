package quaver

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashBytes(t *testing.T) {
	data := []byte("hello world")
	h1 := HashBytes(data)
	h2 := HashBytes(data)

	require.False(t, h1.IsZero())
	require.Equal(t, h1, h2)

	h3 := HashBytes([]byte("different"))
	require.NotEqual(t, h1, h3)
}

func TestHashRoundTripText(t *testing.T) {
	h := HashBytes([]byte("round trip"))

	text, err := h.MarshalText()
	require.NoError(t, err)
	require.Len(t, text, HashSize*2)

	parsed, err := ParseHash(string(text))
	require.NoError(t, err)
	require.Equal(t, h, parsed)
}

func TestParseHashInvalid(t *testing.T) {
	_, err := ParseHash("too short")
	require.Error(t, err)

	_, err = ParseHash(strings.Repeat("zz", HashSize))
	require.Error(t, err)
}

func TestHashingReader(t *testing.T) {
	data := []byte("incremental hashing")
	hr := NewHashingReader(bytes.NewReader(data))

	buf := make([]byte, 4)
	for {
		if _, err := hr.Read(buf); err != nil {
			break
		}
	}

	require.Equal(t, int64(len(data)), hr.BytesRead())
	require.Equal(t, HashBytes(data), hr.Sum())
}
