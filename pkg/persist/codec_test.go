package persist

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testDoc is a struct for round-trip codec testing.
type testDoc struct {
	Name   string          `json:"name"`
	Count  int             `json:"count"`
	Stages map[string]bool `json:"stages"`
}

func TestJSONCodec_RoundTrip(t *testing.T) {
	t.Parallel()

	codec := NewJSONCodec()

	original := testDoc{
		Name:   "survey-42",
		Count:  42,
		Stages: map[string]bool{"sparse": true, "dense": false},
	}

	var buf bytes.Buffer

	require.NoError(t, codec.Encode(&buf, original))

	var decoded testDoc

	require.NoError(t, codec.Decode(&buf, &decoded))

	assert.Equal(t, original.Name, decoded.Name)
	assert.Equal(t, original.Count, decoded.Count)
	assert.Equal(t, original.Stages, decoded.Stages)
}

func TestJSONCodec_Extension(t *testing.T) {
	t.Parallel()

	codec := NewJSONCodec()

	assert.Equal(t, ".json", codec.Extension())
}

func TestJSONCodec_PrettyPrintUsesIndent(t *testing.T) {
	t.Parallel()

	codec := NewJSONCodec()

	var buf bytes.Buffer

	require.NoError(t, codec.Encode(&buf, testDoc{Name: "indented"}))

	assert.Contains(t, buf.String(), "\n  \"name\"")
}

func TestJSONCodec_CompactNoIndent(t *testing.T) {
	t.Parallel()

	codec := &JSONCodec{Indent: ""}

	var buf bytes.Buffer

	require.NoError(t, codec.Encode(&buf, testDoc{Name: "compact", Count: 1}))

	// Compact JSON has at most one trailing newline (from json.Encoder).
	assert.LessOrEqual(t, strings.Count(buf.String(), "\n"), 1)
}

func TestSaveDocument_LoadDocument_RoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	codec := NewJSONCodec()

	original := testDoc{Name: "workspace", Count: 3, Stages: map[string]bool{"dense": true}}

	require.NoError(t, SaveDocument(dir, "run_state", codec, original))

	var decoded testDoc

	require.NoError(t, LoadDocument(dir, "run_state", codec, &decoded))

	assert.Equal(t, original, decoded)
}

func TestSaveDocument_OverwritesExisting(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	codec := NewJSONCodec()

	require.NoError(t, SaveDocument(dir, "doc", codec, testDoc{Count: 1}))
	require.NoError(t, SaveDocument(dir, "doc", codec, testDoc{Count: 2}))

	var decoded testDoc

	require.NoError(t, LoadDocument(dir, "doc", codec, &decoded))

	assert.Equal(t, 2, decoded.Count)
}

func TestLoadDocument_MissingFileReturnsError(t *testing.T) {
	t.Parallel()

	var decoded testDoc

	err := LoadDocument(t.TempDir(), "absent", NewJSONCodec(), &decoded)

	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadDocument_UsesBasenamePlusExtension(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	codec := NewJSONCodec()

	require.NoError(t, SaveDocument(dir, ".mapfree_state", codec, testDoc{Name: "hidden"}))

	_, statErr := os.Stat(filepath.Join(dir, ".mapfree_state.json"))

	require.NoError(t, statErr)
}
