package compression

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGzipRoundTrip(t *testing.T) {
	c := NewGzipCompressor(6)
	input := []byte(strings.Repeat("/ip firewall filter add chain=input action=drop\n", 100))

	compressed, err := c.Compress(input)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(input))

	out, err := c.Decompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, input, out)

	_, err = c.Decompress([]byte("not gzip"))
	assert.Error(t, err)
}

func TestZstdRoundTrip(t *testing.T) {
	c, err := NewZstdCompressor(3)
	require.NoError(t, err)
	input := []byte(strings.Repeat("/interface bridge add name=br0\n", 100))

	compressed, err := c.Compress(input)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(input))

	out, err := c.Decompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, input, out)
}

func TestForAlgorithm(t *testing.T) {
	assert.Equal(t, "gzip", ForAlgorithm("gzip").Type())
	assert.Equal(t, "zstd", ForAlgorithm("zstd").Type())
	assert.Equal(t, "none", ForAlgorithm("").Type())

	// Unknown tags fall back to gzip, the historical default.
	assert.Equal(t, "gzip", ForAlgorithm("lz4").Type())
}
