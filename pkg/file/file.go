// Package file wraps the filesystem operations the config loader and
// secrets reader depend on, adapted from the teacher's pkg/file so every
// caller can be exercised against an in-memory fake in tests.
package file

import (
	"os"
)

// FileOperations defines the filesystem surface the rest of the system
// depends on. Trimmed from the teacher's broader interface (no
// multipart/S3 helpers — this system has no HTTP upload path) down to
// what config loading and the secrets reader actually use.
type FileOperations interface {
	IsFileExists(filePath string) (bool, error)
	ReadFileRaw(filePath string) ([]byte, error)
	WriteFileRaw(filePath string, data []byte) error
}

// FileService implements FileOperations using the real filesystem.
type FileService struct{}

// NewFileService creates a new FileService.
func NewFileService() *FileService {
	return &FileService{}
}

// IsFileExists reports whether filePath exists. A missing file yields
// (false, nil); any other stat error is returned alongside false.
func (fs *FileService) IsFileExists(filePath string) (bool, error) {
	_, err := os.Stat(filePath)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

// ReadFileRaw reads the full contents of filePath.
func (fs *FileService) ReadFileRaw(filePath string) ([]byte, error) {
	return os.ReadFile(filePath)
}

// WriteFileRaw writes data to filePath with owner-only permissions,
// matching the teacher's handling of secret material.
func (fs *FileService) WriteFileRaw(filePath string, data []byte) error {
	return os.WriteFile(filePath, data, 0600)
}
