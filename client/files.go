package client

import "os"

// Files is the byte-array file access the client needs for images.
type Files interface {
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte) error
}

// OSFiles reads and writes the local file system.
type OSFiles struct{}

func (OSFiles) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (OSFiles) WriteFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}
