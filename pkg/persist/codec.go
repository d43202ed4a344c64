// Package persist provides codec-based file persistence for workspace
// documents and LZ4-framed archival of finished run artifacts.
package persist

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// jsonExtension is the file extension produced by JSONCodec.
const jsonExtension = ".json"

// Default indentation for pretty-printed JSON.
const defaultIndent = "  "

// Codec defines how a document is serialized and deserialized.
type Codec interface {
	// Encode writes the document to the writer.
	Encode(w io.Writer, doc any) error
	// Decode reads the document from the reader.
	Decode(r io.Reader, doc any) error
	// Extension returns the file extension for this codec (e.g., ".json").
	Extension() string
}

// JSONCodec implements Codec using JSON encoding with optional indentation.
type JSONCodec struct {
	// Indent specifies the indentation string. Empty string means compact JSON.
	Indent string
}

// NewJSONCodec creates a JSON codec with pretty-printing (2-space indent).
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{Indent: defaultIndent}
}

// Encode implements Codec.Encode using JSON encoding.
func (c *JSONCodec) Encode(w io.Writer, doc any) error {
	encoder := json.NewEncoder(w)
	if c.Indent != "" {
		encoder.SetIndent("", c.Indent)
	}

	err := encoder.Encode(doc)
	if err != nil {
		return fmt.Errorf("json encode: %w", err)
	}

	return nil
}

// Decode implements Codec.Decode using JSON decoding.
func (c *JSONCodec) Decode(r io.Reader, doc any) error {
	decoder := json.NewDecoder(r)

	err := decoder.Decode(doc)
	if err != nil {
		return fmt.Errorf("json decode: %w", err)
	}

	return nil
}

// Extension implements Codec.Extension for JSON files.
func (c *JSONCodec) Extension() string {
	return jsonExtension
}

// SaveDocument saves the given document to a file in the specified directory.
// The filename is constructed from the basename and the codec's extension.
// The file is overwritten wholesale; writes are not atomic.
func SaveDocument(dir, basename string, codec Codec, doc any) error {
	filename := basename + codec.Extension()
	path := filepath.Join(dir, filename)

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create document file: %w", err)
	}
	defer file.Close()

	err = codec.Encode(file, doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	return nil
}

// LoadDocument loads a document from a file in the specified directory.
// The filename is constructed from the basename and the codec's extension.
// The doc parameter must be a pointer to the target struct.
func LoadDocument(dir, basename string, codec Codec, doc any) error {
	filename := basename + codec.Extension()
	path := filepath.Join(dir, filename)

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open document file: %w", err)
	}
	defer file.Close()

	err = codec.Decode(file, doc)
	if err != nil {
		return fmt.Errorf("decode document: %w", err)
	}

	return nil
}
