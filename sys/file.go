package sys

import (
	"io"
	"os"
	"sync/atomic"
)

// fileWrapper is a stable concrete type used to store the File interface
// inside an atomic.Value. atomic.Value requires that all stored values
// have the same concrete type.
type fileWrapper struct {
	f File
}

// defaultFile stores the current File implementation wrapped in a fileWrapper.
var defaultFile atomic.Value // stores fileWrapper

// File abstracts the filesystem operations used by the storage engine so tests
// can substitute handles that fail on demand.
type File interface {
	OpenFile(name string, flag int, perm os.FileMode) (FileHandle, error)
	Remove(name string) error
	Rename(oldpath, newpath string) error
}

// FileHandle is an open file.
type FileHandle interface {
	io.ReadWriteCloser
	io.ReaderAt
	io.WriterAt
	io.Seeker

	Stat() (os.FileInfo, error)
	Sync() error
	Truncate(size int64) error
	Name() string
	Fd() uintptr
}

func init() {
	defaultFile.Store(fileWrapper{f: NewFile()})
}

// SetDefaultFile swaps the File implementation used by the package level helpers.
// It returns the previous implementation so tests can restore it.
func SetDefaultFile(file File) File {
	prev := current()
	if file == nil {
		file = NewFile()
	}
	defaultFile.Store(fileWrapper{f: file})
	return prev
}

func current() File {
	return defaultFile.Load().(fileWrapper).f
}

// OpenFile opens a file through the current File implementation.
func OpenFile(name string, flag int, perm os.FileMode) (FileHandle, error) {
	return current().OpenFile(name, flag, perm)
}

// Create creates or truncates the named file for reading and writing.
func Create(name string) (FileHandle, error) {
	return current().OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
}

// Open opens the named file for reading.
func Open(name string) (FileHandle, error) {
	return current().OpenFile(name, os.O_RDONLY, 0)
}

// Remove removes the named file.
func Remove(name string) error {
	return current().Remove(name)
}

// Rename renames oldpath to newpath.
func Rename(oldpath, newpath string) error {
	return current().Rename(oldpath, newpath)
}
