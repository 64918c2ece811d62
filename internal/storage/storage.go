package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

var (
	// ErrNotFound is returned when the requested object does not exist.
	// It is never used for I/O failures.
	ErrNotFound    = errors.New("storage object not found")
	ErrIO          = errors.New("storage i/o error")
	ErrInvalidPath = errors.New("invalid storage path")
	ErrUnknown     = errors.New("unknown storage adapter")
	ErrSettings    = errors.New("invalid storage settings")
)

// StreamMode selects the direction of a stream returned by GetStream.
type StreamMode uint8

const (
	StreamRead StreamMode = iota
	StreamWrite
)

func (m StreamMode) String() string {
	if m == StreamWrite {
		return "w"
	}
	return "r"
}

// Adapter is the narrow contract a vault storage backend has to satisfy.
// Paths are slash separated and relative to the vault root.
type Adapter interface {
	Name() string
	Exists(ctx context.Context, path string) (bool, error)
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte) error
	Unlink(ctx context.Context, path string) error
	// GetStream returns an io.ReadCloser for StreamRead and an
	// io.WriteCloser for StreamWrite. Written content becomes visible on
	// Close.
	GetStream(ctx context.Context, path string, mode StreamMode) (io.Closer, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// OpenReader is GetStream in read mode.
func OpenReader(ctx context.Context, a Adapter, p string) (io.ReadCloser, error) {
	s, err := a.GetStream(ctx, p, StreamRead)
	if err != nil {
		return nil, err
	}
	r, ok := s.(io.ReadCloser)
	if !ok {
		s.Close()
		return nil, fmt.Errorf("%w: %s returned a non readable stream", ErrIO, a.Name())
	}
	return r, nil
}

// OpenWriter is GetStream in write mode.
func OpenWriter(ctx context.Context, a Adapter, p string) (io.WriteCloser, error) {
	s, err := a.GetStream(ctx, p, StreamWrite)
	if err != nil {
		return nil, err
	}
	w, ok := s.(io.WriteCloser)
	if !ok {
		s.Close()
		return nil, fmt.Errorf("%w: %s returned a non writable stream", ErrIO, a.Name())
	}
	return w, nil
}

// Aborter is implemented by write streams that can discard what was
// written instead of committing it on Close.
type Aborter interface {
	Abort() error
}

// Abort discards a write stream. Streams without Aborter are closed, which
// may commit partial content.
func Abort(w io.Closer) error {
	if a, ok := w.(Aborter); ok {
		return a.Abort()
	}
	return w.Close()
}

// IgnoreNotFound turns ErrNotFound into success.
func IgnoreNotFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// CleanPath validates a vault relative path.
func CleanPath(p string) (string, error) {
	p = strings.TrimLeft(p, "/")
	if p == "" || strings.Contains(p, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return clean, nil
}

// Vault layout.
const (
	BlobPrefix  = "blobs"
	IndexPrefix = "index"
	LockPrefix  = "locks"
)

func BlobPath(blobID string) string {
	return path.Join(BlobPrefix, blobID)
}

func LockPath(name string) string {
	return path.Join(LockPrefix, name+".lock")
}
