package filesystem

import (
	"io/fs"
	"os"
)

// Backend abstracts file I/O so the capability can be pointed at something
// other than the local disk.
type Backend interface {
	Stat(path string) (fs.FileInfo, error)
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte, perm fs.FileMode) error
	MkdirAll(path string, perm fs.FileMode) error
	ReadDir(path string) ([]fs.DirEntry, error)
	// Name identifies the backend, e.g. "local".
	Name() string
}

// LocalBackend performs I/O on the local filesystem.
type LocalBackend struct{}

func (LocalBackend) Name() string                               { return "local" }
func (LocalBackend) Stat(path string) (fs.FileInfo, error)      { return os.Stat(path) }
func (LocalBackend) ReadFile(path string) ([]byte, error)       { return os.ReadFile(path) }
func (LocalBackend) ReadDir(path string) ([]fs.DirEntry, error) { return os.ReadDir(path) }

func (LocalBackend) WriteFile(path string, data []byte, perm fs.FileMode) error {
	return os.WriteFile(path, data, perm)
}

func (LocalBackend) MkdirAll(path string, perm fs.FileMode) error {
	return os.MkdirAll(path, perm)
}
