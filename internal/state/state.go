// Package state persists pipeline completion progress for auto-resume.
// It tracks per-step and per-chunk flags in a JSON document inside the
// project directory. The package knows nothing about engine output layout;
// resume decisions additionally validate artifacts via the project package.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Sumatoshi-tech/mapfree/pkg/persist"
)

// FileName is the on-disk state document inside a project directory.
const FileName = ".mapfree_state.json"

// fileBasename feeds the persist codec, which appends the .json extension.
const fileBasename = ".mapfree_state"

// Top-level pipeline steps tracked in the document.
const (
	StepFeatureExtraction = "feature_extraction"
	StepMatching          = "matching"
	StepSparse            = "sparse"
	StepDense             = "dense"
	StepMesh              = "mesh"

	// StepMapping is a per-chunk step only; chunk mapping feeds the merge.
	StepMapping = "mapping"
)

// legacyChunkListKey held a flat list of finished chunk names in old
// documents. Load migrates it into the chunks map and drops the key.
const legacyChunkListKey = "chunk_sparse_done"

// chunksKey holds the per-chunk flag map inside the document.
const chunksKey = "chunks"

// PipelineSteps enumerates every top-level step carried by the document.
func PipelineSteps() []string {
	return []string{StepFeatureExtraction, StepMatching, StepSparse, StepDense, StepMesh}
}

// ChunkSteps enumerates the per-chunk sub-steps of the sparse phase.
func ChunkSteps() []string {
	return []string{StepFeatureExtraction, StepMatching, StepMapping}
}

// CompletionSteps are the steps that must all be true before the document is
// reset at the end of a fully successful run.
func CompletionSteps() []string {
	return []string{StepFeatureExtraction, StepMatching, StepSparse, StepDense}
}

// ChunkFlags holds the completion flags of one chunk.
type ChunkFlags map[string]bool

// Document is the full workspace state. Top-level steps serialize as flat
// booleans next to a "chunks" object, matching the historical file layout.
type Document struct {
	Steps  map[string]bool
	Chunks map[string]ChunkFlags
}

// Default returns the all-false document.
func Default() Document {
	doc := Document{
		Steps:  make(map[string]bool, len(PipelineSteps())),
		Chunks: make(map[string]ChunkFlags),
	}

	for _, step := range PipelineSteps() {
		doc.Steps[step] = false
	}

	return doc
}

// MarshalJSON flattens the document into the on-disk shape.
func (d Document) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(d.Steps)+1)

	for step, done := range d.Steps {
		flat[step] = done
	}

	chunks := make(map[string]map[string]bool, len(d.Chunks))
	for name, flags := range d.Chunks {
		chunks[name] = map[string]bool(flags)
	}

	flat[chunksKey] = chunks

	data, err := json.Marshal(flat)
	if err != nil {
		return nil, fmt.Errorf("marshal state document: %w", err)
	}

	return data, nil
}

// UnmarshalJSON rebuilds the document from the flat on-disk shape, tolerating
// missing keys and migrating the legacy chunk list. Shape violations must be
// rejected by the schema check before this runs.
func (d *Document) UnmarshalJSON(data []byte) error {
	var raw map[string]any

	err := json.Unmarshal(data, &raw)
	if err != nil {
		return fmt.Errorf("unmarshal state document: %w", err)
	}

	*d = fromRaw(raw)

	return nil
}

// fromRaw normalizes a decoded document: backfills missing steps, keeps
// unknown boolean keys, normalizes chunk entries and migrates the legacy
// flat chunk list into all-true chunk flags.
func fromRaw(raw map[string]any) Document {
	doc := Default()

	for key, value := range raw {
		if key == chunksKey || key == legacyChunkListKey {
			continue
		}

		if done, ok := value.(bool); ok {
			doc.Steps[key] = done
		}
	}

	if chunks, ok := raw[chunksKey].(map[string]any); ok {
		for name, entry := range chunks {
			doc.Chunks[name] = normalizeChunk(entry)
		}
	}

	if legacy, ok := raw[legacyChunkListKey].([]any); ok {
		for _, item := range legacy {
			name, ok := item.(string)
			if !ok || name == "" {
				continue
			}

			if _, exists := doc.Chunks[name]; !exists {
				doc.Chunks[name] = completedChunk()
			}
		}
	}

	return doc
}

// normalizeChunk ensures a chunk entry carries exactly the chunk-step keys.
func normalizeChunk(entry any) ChunkFlags {
	flags := make(ChunkFlags, len(ChunkSteps()))

	fields, _ := entry.(map[string]any)

	for _, step := range ChunkSteps() {
		done, _ := fields[step].(bool)
		flags[step] = done
	}

	return flags
}

// completedChunk returns flags with every chunk step finished.
func completedChunk() ChunkFlags {
	flags := make(ChunkFlags, len(ChunkSteps()))
	for _, step := range ChunkSteps() {
		flags[step] = true
	}

	return flags
}

// CompletionDone reports whether every completion step is marked true.
func (d Document) CompletionDone() bool {
	for _, step := range CompletionSteps() {
		if !d.Steps[step] {
			return false
		}
	}

	return true
}

// Load reads the workspace document from dir. A missing, unparsable or
// schema-invalid file yields the default all-false document; Load never
// fails. Missing step keys are backfilled and the legacy chunk list is
// migrated transparently.
func Load(dir string) Document {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		return Default()
	}

	if !documentShapeValid(data) {
		return Default()
	}

	var doc Document

	err = json.Unmarshal(data, &doc)
	if err != nil {
		return Default()
	}

	return doc
}

// Save writes the whole document, overwriting any previous content. Writes
// are not atomic; concurrent runs against one project are unsupported.
func Save(dir string, doc Document) error {
	err := os.MkdirAll(dir, 0o755)
	if err != nil {
		return fmt.Errorf("create workspace dir: %w", err)
	}

	err = persist.SaveDocument(dir, fileBasename, persist.NewJSONCodec(), doc)
	if err != nil {
		return fmt.Errorf("save workspace state: %w", err)
	}

	return nil
}

// MarkStepDone flags one top-level step as finished (read-modify-write).
func MarkStepDone(dir, step string) error {
	doc := Load(dir)
	doc.Steps[step] = true

	return Save(dir, doc)
}

// IsStepDone reports one top-level step flag.
func IsStepDone(dir, step string) bool {
	return Load(dir).Steps[step]
}

// ChunkState returns the flags of one chunk, defaulting to all-false.
func ChunkState(dir, chunk string) ChunkFlags {
	doc := Load(dir)

	flags, ok := doc.Chunks[chunk]
	if !ok {
		return normalizeChunk(nil)
	}

	return flags
}

// IsChunkStepDone reports one per-chunk flag. Unknown step names are never
// done.
func IsChunkStepDone(dir, chunk, step string) bool {
	if !validChunkStep(step) {
		return false
	}

	return ChunkState(dir, chunk)[step]
}

// MarkChunkStepDone flags one per-chunk step as finished. Unknown step names
// are ignored.
func MarkChunkStepDone(dir, chunk, step string) error {
	if !validChunkStep(step) {
		return nil
	}

	doc := Load(dir)

	flags, ok := doc.Chunks[chunk]
	if !ok {
		flags = normalizeChunk(nil)
	}

	flags[step] = true
	doc.Chunks[chunk] = flags

	return Save(dir, doc)
}

// Reset deletes the state file. Callers invoke it only once every completion
// step has been independently verified, signalling a clean slate for the
// next run.
func Reset(dir string) error {
	err := os.Remove(filepath.Join(dir, FileName))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reset workspace state: %w", err)
	}

	return nil
}

func validChunkStep(step string) bool {
	for _, s := range ChunkSteps() {
		if s == step {
			return true
		}
	}

	return false
}
