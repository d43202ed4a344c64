package chunking_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/mapfree/internal/chunking"
)

func makeImages(t *testing.T, dir string, n int) []string {
	t.Helper()

	names := make([]string, 0, n)

	for i := range n {
		name := fmt.Sprintf("img_%03d.jpg", i)

		err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644)
		require.NoError(t, err)

		names = append(names, name)
	}

	return names
}

func listNames(t *testing.T, dir string) []string {
	t.Helper()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}

	return names
}

func makeModel(t *testing.T, dir string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(dir, 0o755))

	for _, name := range []string{"cameras.bin", "images.bin", "points3D.bin"} {
		err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644)
		require.NoError(t, err)
	}
}

func TestSplit_PartitionsSortedImagesIntoChunks(t *testing.T) {
	t.Parallel()

	imageDir := t.TempDir()
	projectDir := t.TempDir()
	original := makeImages(t, imageDir, 10)

	chunks, err := chunking.Split(imageDir, projectDir, 3)
	require.NoError(t, err)
	require.Len(t, chunks, 4)

	for i, chunk := range chunks {
		assert.Equal(t, filepath.Join(projectDir, "chunks", fmt.Sprintf("chunk_%03d", i+1)), chunk)
	}

	var union []string

	sizes := make([]int, 0, len(chunks))
	for _, chunk := range chunks {
		names := listNames(t, chunk)
		sizes = append(sizes, len(names))
		union = append(union, names...)
	}

	assert.Equal(t, []int{3, 3, 3, 1}, sizes)

	sort.Strings(union)
	assert.Equal(t, original, union)

	assert.Equal(t, original[:3], listNames(t, chunks[0]))
}

func TestSplit_SmallSetReturnsOriginalFolderUnchanged(t *testing.T) {
	t.Parallel()

	imageDir := t.TempDir()
	projectDir := t.TempDir()
	makeImages(t, imageDir, 5)

	chunks, err := chunking.Split(imageDir, projectDir, 10)
	require.NoError(t, err)

	assert.Equal(t, []string{imageDir}, chunks)
	assert.NoDirExists(t, filepath.Join(projectDir, "chunks"))
}

func TestSplit_EmptyFolderYieldsNoChunks(t *testing.T) {
	t.Parallel()

	chunks, err := chunking.Split(t.TempDir(), t.TempDir(), 5)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestSplit_ChunkSizeFlooredAtOne(t *testing.T) {
	t.Parallel()

	imageDir := t.TempDir()
	makeImages(t, imageDir, 3)

	chunks, err := chunking.Split(imageDir, t.TempDir(), 0)
	require.NoError(t, err)
	assert.Len(t, chunks, 3)
}

func TestMerge_FailsWhenNoValidModels(t *testing.T) {
	t.Parallel()

	calls := 0
	merge := func(context.Context, string, string, string) error {
		calls++

		return nil
	}

	_, err := chunking.Merge(context.Background(), t.TempDir(), []string{t.TempDir(), t.TempDir()}, merge)
	require.ErrorIs(t, err, chunking.ErrNoValidModels)
	assert.Zero(t, calls)
}

func TestMerge_SingleModelCopiedWithoutMergeTool(t *testing.T) {
	t.Parallel()

	projectDir := t.TempDir()
	chunkSparse := filepath.Join(t.TempDir(), "sparse")
	makeModel(t, filepath.Join(chunkSparse, "0"))

	calls := 0
	merge := func(context.Context, string, string, string) error {
		calls++

		return nil
	}

	merged, err := chunking.Merge(context.Background(), projectDir, []string{chunkSparse}, merge)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(projectDir, "sparse_merged", "0"), merged)
	assert.Zero(t, calls)

	for _, name := range []string{"cameras.bin", "images.bin", "points3D.bin"} {
		assert.FileExists(t, filepath.Join(merged, name))
	}
}

func TestMerge_ReducesPairwiseInOrder(t *testing.T) {
	t.Parallel()

	projectDir := t.TempDir()

	models := make([]string, 3)
	for i := range models {
		models[i] = filepath.Join(t.TempDir(), fmt.Sprintf("model_%d", i))
		makeModel(t, models[i])
	}

	type call struct {
		in1, in2, out string
	}

	var calls []call

	merge := func(_ context.Context, in1, in2, out string) error {
		calls = append(calls, call{in1: in1, in2: in2, out: out})

		return os.WriteFile(filepath.Join(out, "cameras.bin"), []byte("merged"), 0o644)
	}

	merged, err := chunking.Merge(context.Background(), projectDir, models, merge)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(projectDir, "sparse_merged", "0"), merged)

	scratch := filepath.Join(projectDir, "sparse_merged", "tmp_1")

	require.Len(t, calls, 2)
	assert.Equal(t, call{in1: models[0], in2: models[1], out: scratch}, calls[0])
	assert.Equal(t, call{in1: scratch, in2: models[2], out: merged}, calls[1])

	assert.FileExists(t, filepath.Join(merged, "cameras.bin"))
}

func TestMerge_PropagatesMergeToolFailure(t *testing.T) {
	t.Parallel()

	models := make([]string, 2)
	for i := range models {
		models[i] = filepath.Join(t.TempDir(), fmt.Sprintf("model_%d", i))
		makeModel(t, models[i])
	}

	boom := errors.New("model_merger exploded")
	merge := func(context.Context, string, string, string) error {
		return boom
	}

	_, err := chunking.Merge(context.Background(), t.TempDir(), models, merge)
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "merge models")
}
