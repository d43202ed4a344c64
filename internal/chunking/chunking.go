// Package chunking splits large image sets into ordered sub-batches and
// merges the per-chunk sparse models back into one coordinate frame.
package chunking

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Sumatoshi-tech/mapfree/internal/project"
)

// ErrNoValidModels is returned by Merge when none of the candidate
// directories holds a sparse model.
var ErrNoValidModels = errors.New("no valid sparse model dirs to merge")

// MergeFunc merges two sparse models into output. The pipeline injects an
// engine-backed implementation so this package stays tool-agnostic.
type MergeFunc func(ctx context.Context, input1, input2, output string) error

// ChunkName formats the directory name for the 1-based chunk index.
func ChunkName(index int) string {
	return fmt.Sprintf("chunk_%03d", index)
}

// Split partitions the images in imageDir into contiguous batches of at
// most chunkSize files, copied into projectPath/chunks/chunk_NNN. When the
// set fits in a single batch the original folder is returned unchanged and
// nothing is copied. Every image lands in exactly one chunk.
func Split(imageDir, projectPath string, chunkSize int) ([]string, error) {
	if chunkSize < 1 {
		chunkSize = 1
	}

	images, err := project.ListImages(imageDir)
	if err != nil {
		return nil, err
	}

	n := len(images)
	if n == 0 {
		return nil, nil
	}

	if n <= chunkSize {
		return []string{imageDir}, nil
	}

	chunksDir := filepath.Join(projectPath, project.ChunksDirName)

	err = os.MkdirAll(chunksDir, 0o755)
	if err != nil {
		return nil, fmt.Errorf("create chunks dir: %w", err)
	}

	var chunks []string

	for start := 0; start < n; start += chunkSize {
		end := min(start+chunkSize, n)

		chunkPath := filepath.Join(chunksDir, ChunkName(len(chunks)+1))

		err = os.MkdirAll(chunkPath, 0o755)
		if err != nil {
			return nil, fmt.Errorf("create chunk dir: %w", err)
		}

		for _, src := range images[start:end] {
			err = project.CopyFile(src, filepath.Join(chunkPath, filepath.Base(src)))
			if err != nil {
				return nil, fmt.Errorf("copy image into %s: %w", filepath.Base(chunkPath), err)
			}
		}

		chunks = append(chunks, chunkPath)
	}

	return chunks, nil
}

// Merge reduces the chunk sparse models into projectPath/sparse_merged/0.
// Each input may be a model directory itself or hold the model one level
// down under "0". A single valid model is copied without invoking the merge
// tool; more are merged pairwise in order, intermediates going to scratch
// directories and the final result to the canonical merged path.
func Merge(ctx context.Context, projectPath string, sparseDirs []string, merge MergeFunc) (string, error) {
	merged := filepath.Join(projectPath, project.MergedSparseDirName, "0")

	err := os.MkdirAll(merged, 0o755)
	if err != nil {
		return "", fmt.Errorf("create merged dir: %w", err)
	}

	var models []string

	for _, dir := range sparseDirs {
		model, ok := normalizeModelDir(dir)
		if !ok {
			continue
		}

		models = append(models, model)
	}

	if len(models) == 0 {
		return "", ErrNoValidModels
	}

	if len(models) == 1 {
		err = CopyModelFiles(models[0], merged)
		if err != nil {
			return "", err
		}

		return merged, nil
	}

	current := models[0]

	for i := 1; i < len(models); i++ {
		out := merged

		if i < len(models)-1 {
			out = filepath.Join(projectPath, project.MergedSparseDirName, fmt.Sprintf("tmp_%d", i))

			err = os.MkdirAll(out, 0o755)
			if err != nil {
				return "", fmt.Errorf("create merge scratch dir: %w", err)
			}
		}

		err = merge(ctx, current, models[i], out)
		if err != nil {
			return "", fmt.Errorf("merge models: %w", err)
		}

		current = out
	}

	return merged, nil
}

// CopyModelFiles copies the sparse model files present in src into dst.
func CopyModelFiles(src, dst string) error {
	for _, name := range project.SparseModelFiles {
		from := filepath.Join(src, name)

		_, err := os.Stat(from)
		if err != nil {
			continue
		}

		err = project.CopyFile(from, filepath.Join(dst, name))
		if err != nil {
			return fmt.Errorf("copy model file %s: %w", name, err)
		}
	}

	return nil
}

// normalizeModelDir resolves dir to the directory actually holding the
// model, accepting either the directory itself or a "0" subdirectory.
func normalizeModelDir(dir string) (string, bool) {
	if project.FileValid(filepath.Join(dir, project.CamerasFile)) {
		return dir, true
	}

	nested := filepath.Join(dir, "0")
	if project.FileValid(filepath.Join(nested, project.CamerasFile)) {
		return nested, true
	}

	return "", false
}
