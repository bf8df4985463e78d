package backup

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authvault/internal/config"
)

func TestCompressionRoundTrip(t *testing.T) {
	cm := NewCompressionManager()
	payload := bytes.Repeat([]byte("authvault artifact payload "), 1000)

	tests := []struct {
		name      string
		algorithm CompressionType
		level     int
	}{
		{"gzip default", CompressionTypeGzip, 6},
		{"gzip best", CompressionTypeGzip, 9},
		{"lz4 fast", CompressionTypeLZ4, 1},
		{"lz4 high", CompressionTypeLZ4, 9},
		{"zstd default", CompressionTypeZstd, 3},
		{"zstd best", CompressionTypeZstd, 19},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			compressed, err := cm.Compress(payload, tt.algorithm, tt.level)
			require.NoError(t, err)
			assert.Less(t, len(compressed), len(payload), "repetitive payload should shrink")

			decompressed, err := cm.Decompress(compressed, tt.algorithm)
			require.NoError(t, err)
			assert.Equal(t, payload, decompressed)
		})
	}
}

func TestCompressionNonePassthrough(t *testing.T) {
	cm := NewCompressionManager()
	payload := []byte("unchanged")

	compressed, err := cm.Compress(payload, CompressionTypeNone, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, compressed)

	decompressed, err := cm.Decompress(compressed, CompressionTypeNone)
	require.NoError(t, err)
	assert.Equal(t, payload, decompressed)
}

func TestCompressionUnsupportedAlgorithm(t *testing.T) {
	cm := NewCompressionManager()

	_, err := cm.Compress([]byte("data"), CompressionType("brotli"), 1)
	require.Error(t, err)

	var backupErr *BackupError
	require.ErrorAs(t, err, &backupErr)
	assert.Equal(t, BackupErrorTypeCompression, backupErr.Type)
}

func TestCompressionOutOfRangeLevelFallsBack(t *testing.T) {
	cm := NewCompressionManager()
	payload := bytes.Repeat([]byte("x"), 4096)

	compressed, err := cm.Compress(payload, CompressionTypeGzip, 99)
	require.NoError(t, err)

	decompressed, err := cm.Decompress(compressed, CompressionTypeGzip)
	require.NoError(t, err)
	assert.Equal(t, payload, decompressed)
}

func TestCompressionTypeFromConfig(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.CompressionConfig
		expected CompressionType
	}{
		{"disabled", config.CompressionConfig{Enabled: false, Algorithm: "zstd"}, CompressionTypeNone},
		{"default algorithm", config.CompressionConfig{Enabled: true}, CompressionTypeGzip},
		{"lz4", config.CompressionConfig{Enabled: true, Algorithm: "lz4"}, CompressionTypeLZ4},
		{"zstd", config.CompressionConfig{Enabled: true, Algorithm: "zstd"}, CompressionTypeZstd},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CompressionTypeFromConfig(tt.cfg))
		})
	}
}
