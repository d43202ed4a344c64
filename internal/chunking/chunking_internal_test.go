package chunking

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkName_ZeroPadsToThreeDigits(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "chunk_001", ChunkName(1))
	assert.Equal(t, "chunk_042", ChunkName(42))
	assert.Equal(t, "chunk_1000", ChunkName(1000))
}

func TestNormalizeModelDir_AcceptsDirectAndNestedLayouts(t *testing.T) {
	t.Parallel()

	direct := t.TempDir()
	err := os.WriteFile(filepath.Join(direct, "cameras.bin"), []byte("cams"), 0o644)
	require.NoError(t, err)

	got, ok := normalizeModelDir(direct)
	require.True(t, ok)
	assert.Equal(t, direct, got)

	nested := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(nested, "0"), 0o755))
	err = os.WriteFile(filepath.Join(nested, "0", "cameras.bin"), []byte("cams"), 0o644)
	require.NoError(t, err)

	got, ok = normalizeModelDir(nested)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(nested, "0"), got)
}

func TestNormalizeModelDir_RejectsMissingOrEmptyModel(t *testing.T) {
	t.Parallel()

	_, ok := normalizeModelDir(t.TempDir())
	assert.False(t, ok)

	empty := t.TempDir()
	err := os.WriteFile(filepath.Join(empty, "cameras.bin"), nil, 0o644)
	require.NoError(t, err)

	_, ok = normalizeModelDir(empty)
	assert.False(t, ok)
}
