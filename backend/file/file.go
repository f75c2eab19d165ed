// Package file implements backend.Storage on top of a plain OS file handle,
// the concrete backend used to open a VHD and its journal sidecar.
package file

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/vhdtap/tapcore/backend"
)

type rawBackend struct {
	storage  *os.File
	readOnly bool
}

// New wraps an already-open *os.File as a backend.Storage.
func New(f *os.File, readOnly bool) backend.Storage {
	return rawBackend{storage: f, readOnly: readOnly}
}

// OpenFromPath opens an existing VHD or journal sidecar. Pass direct=true to
// request O_DIRECT where the platform supports it (spec: "Open the VHD
// read-write, direct-I/O"); platforms without O_DIRECT silently fall back to
// buffered I/O.
func OpenFromPath(pathName string, readOnly, direct bool) (backend.Storage, error) {
	if pathName == "" {
		return nil, errors.New("must pass a file name")
	}
	if _, err := os.Stat(pathName); os.IsNotExist(err) {
		return nil, fmt.Errorf("%s does not exist: %w", pathName, err)
	}

	openMode := os.O_RDONLY
	if !readOnly {
		openMode = os.O_RDWR
	}
	if direct {
		openMode |= openDirectFlag
	}

	f, err := os.OpenFile(pathName, openMode, 0o600)
	if err != nil {
		return nil, fmt.Errorf("could not open %s with mode %v: %w", pathName, openMode, err)
	}

	return rawBackend{storage: f, readOnly: readOnly}, nil
}

// CreateTruncate creates a new sidecar file, truncating any existing file at
// that path.
func CreateTruncate(pathName string, mode os.FileMode) (backend.Storage, error) {
	if pathName == "" {
		return nil, errors.New("must pass a file name")
	}
	f, err := os.OpenFile(pathName, os.O_RDWR|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return nil, fmt.Errorf("could not create %s: %w", pathName, err)
	}
	return rawBackend{storage: f, readOnly: false}, nil
}

var _ backend.Storage = rawBackend{}

func (f rawBackend) Sys() (*os.File, error) {
	return f.storage, nil
}

func (f rawBackend) Writable() (backend.WritableFile, error) {
	if f.readOnly {
		return nil, backend.ErrIncorrectOpenMode
	}
	return f, nil
}

func (f rawBackend) Stat() (fs.FileInfo, error) {
	return f.storage.Stat()
}

func (f rawBackend) Read(b []byte) (int, error) {
	return f.storage.Read(b)
}

func (f rawBackend) Write(b []byte) (int, error) {
	if f.readOnly {
		return 0, backend.ErrIncorrectOpenMode
	}
	return f.storage.Write(b)
}

func (f rawBackend) Close() error {
	return f.storage.Close()
}

func (f rawBackend) ReadAt(p []byte, off int64) (int, error) {
	var readerAt io.ReaderAt = f.storage
	return readerAt.ReadAt(p, off)
}

func (f rawBackend) WriteAt(p []byte, off int64) (int, error) {
	if f.readOnly {
		return 0, backend.ErrIncorrectOpenMode
	}
	return f.storage.WriteAt(p, off)
}

func (f rawBackend) Seek(offset int64, whence int) (int64, error) {
	return f.storage.Seek(offset, whence)
}

func (f rawBackend) Truncate(size int64) error {
	if f.readOnly {
		return backend.ErrIncorrectOpenMode
	}
	return f.storage.Truncate(size)
}

func (f rawBackend) Sync() error {
	if f.readOnly {
		return backend.ErrIncorrectOpenMode
	}
	return f.storage.Sync()
}
