package project

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// imageExtensions are the input formats the reconstruction engine accepts.
var imageExtensions = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
}

// IsImageFile reports whether name carries an eligible image extension.
func IsImageFile(name string) bool {
	_, ok := imageExtensions[strings.ToLower(filepath.Ext(name))]

	return ok
}

// ListImages returns the full paths of the image files directly inside dir.
// os.ReadDir already sorts by filename, which fixes the chunking order.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read image dir: %w", err)
	}

	var images []string

	for _, entry := range entries {
		if entry.IsDir() || !IsImageFile(entry.Name()) {
			continue
		}

		images = append(images, filepath.Join(dir, entry.Name()))
	}

	return images, nil
}

// CountImages returns the number of eligible images in dir; zero when the
// directory is missing or unreadable.
func CountImages(dir string) int {
	images, err := ListImages(dir)
	if err != nil {
		return 0
	}

	return len(images)
}
