package project

import (
	"os"
	"path/filepath"
)

// Engine output artifacts checked during resume validation.
const (
	CamerasFile  = "cameras.bin"
	ImagesFile   = "images.bin"
	Points3DFile = "points3D.bin"

	// FusedPointCloud is the dense stage's output file.
	FusedPointCloud = "fused.ply"
)

// SparseModelFiles are the three files that make up one sparse model.
var SparseModelFiles = []string{CamerasFile, ImagesFile, Points3DFile}

// FileValid reports whether path is a regular file with size > 0. State
// flags are never trusted without this physical check.
func FileValid(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}

	return info.Mode().IsRegular() && info.Size() > 0
}

// SparseModelValid reports whether dir holds a usable sparse model:
// cameras.bin present and non-empty, and neither images.bin nor
// points3D.bin present as an empty file.
func SparseModelValid(dir string) bool {
	if !FileValid(filepath.Join(dir, CamerasFile)) {
		return false
	}

	for _, name := range []string{ImagesFile, Points3DFile} {
		info, err := os.Stat(filepath.Join(dir, name))
		if err == nil && info.Size() == 0 {
			return false
		}
	}

	return true
}

// DenseValid reports whether dir holds a non-empty fused point cloud.
func DenseValid(dir string) bool {
	if !FileValid(filepath.Join(dir, FusedPointCloud)) {
		return false
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}

	return len(entries) > 0
}
