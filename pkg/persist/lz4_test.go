package persist

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressFile_RoundTripThroughArchive(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "events.jsonl")
	dst := src + ".lz4"

	// Repetitive content so the frame is meaningfully smaller than the source.
	content := strings.Repeat("{\"name\":\"progress_updated\",\"progress\":50}\n", 200)

	require.NoError(t, os.WriteFile(src, []byte(content), 0o644))
	require.NoError(t, CompressFile(src, dst))

	archive, err := OpenMaybeCompressed(dst)
	require.NoError(t, err)

	defer archive.Close()

	restored, err := io.ReadAll(archive)
	require.NoError(t, err)

	assert.Equal(t, content, string(restored))
}

func TestCompressFile_ArchiveSmallerThanSource(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "journal.jsonl")
	dst := src + ".lz4"

	content := strings.Repeat("feature_extraction chunk_001 done\n", 500)

	require.NoError(t, os.WriteFile(src, []byte(content), 0o644))
	require.NoError(t, CompressFile(src, dst))

	srcInfo, err := os.Stat(src)
	require.NoError(t, err)

	dstInfo, err := os.Stat(dst)
	require.NoError(t, err)

	assert.Less(t, dstInfo.Size(), srcInfo.Size())
}

func TestOpenMaybeCompressed_PlainFilePassthrough(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "plain.jsonl")

	require.NoError(t, os.WriteFile(path, []byte("line one\n"), 0o644))

	reader, err := OpenMaybeCompressed(path)
	require.NoError(t, err)

	defer reader.Close()

	data, err := io.ReadAll(reader)
	require.NoError(t, err)

	assert.Equal(t, "line one\n", string(data))
}

func TestCompressFile_MissingSourceFails(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	err := CompressFile(filepath.Join(dir, "absent"), filepath.Join(dir, "out.lz4"))

	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
