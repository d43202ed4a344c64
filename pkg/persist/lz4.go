package persist

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pierrec/lz4/v4"
)

// lz4Extension marks LZ4-framed archive files.
const lz4Extension = ".lz4"

// CompressFile writes an LZ4-framed copy of src to dst. The source file is
// left in place; callers remove it once the archive is confirmed on disk.
func CompressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer out.Close()

	zw := lz4.NewWriter(out)

	_, err = io.Copy(zw, in)
	if err != nil {
		return fmt.Errorf("compress %s: %w", src, err)
	}

	err = zw.Close()
	if err != nil {
		return fmt.Errorf("flush archive: %w", err)
	}

	return nil
}

// archiveReader pairs an LZ4 frame reader with the underlying file so a
// single Close releases the handle.
type archiveReader struct {
	io.Reader
	file *os.File
}

// Close releases the underlying file handle.
func (a *archiveReader) Close() error {
	return a.file.Close()
}

// OpenMaybeCompressed opens path for streaming reads, transparently
// decompressing when the name carries the .lz4 extension.
func OpenMaybeCompressed(path string) (io.ReadCloser, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	if !strings.HasSuffix(path, lz4Extension) {
		return file, nil
	}

	return &archiveReader{Reader: lz4.NewReader(file), file: file}, nil
}
