package vaultindex

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/openmined/storeman/internal/index"
	"github.com/openmined/storeman/internal/storage"
)

const Version = 1

var (
	ErrUnsupportedVersion = errors.New("unsupported vault index version")
	ErrCorrupt            = errors.New("corrupt vault index")
)

var (
	// IndexPath is where the published index lives inside a vault.
	IndexPath = path.Join(storage.IndexPrefix, "index.json.zst")
	// RevisionPath holds a marker that changes with every publish.
	RevisionPath = path.Join(storage.IndexPrefix, "revision")
)

type document struct {
	Version int       `json:"version"`
	Created time.Time `json:"created"`
	Objects []Record  `json:"objects"`
}

// Encode writes idx as zstd compressed JSON.
func Encode(w io.Writer, idx *index.Index) error {
	doc := document{
		Version: Version,
		Created: time.Now().UTC(),
		Objects: make([]Record, 0, idx.Count()),
	}
	for obj := range idx.All() {
		doc.Objects = append(doc.Objects, ToRecord(obj))
	}

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(zw).Encode(&doc); err != nil {
		zw.Close()
		return fmt.Errorf("encode index: %w", err)
	}
	return zw.Close()
}

// Decode reads an index written by Encode.
func Decode(r io.Reader) (*index.Index, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	defer zr.Close()

	var doc document
	if err := json.NewDecoder(zr).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if doc.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, doc.Version)
	}

	objs := make([]*index.Object, 0, len(doc.Objects))
	for _, rec := range doc.Objects {
		obj, err := rec.Object()
		if err != nil {
			return nil, err
		}
		objs = append(objs, obj)
	}

	idx := index.New()
	if err := idx.AddAll(objs); err != nil {
		return nil, err
	}
	return idx, nil
}

// Load reads the published index of a vault. A vault that was never
// published has an empty index.
func Load(ctx context.Context, adapter storage.Adapter) (*index.Index, error) {
	r, err := storage.OpenReader(ctx, adapter, IndexPath)
	if errors.Is(err, storage.ErrNotFound) {
		slog.Debug("vault index missing, starting empty", "adapter", adapter.Name())
		return index.New(), nil
	}
	if err != nil {
		return nil, err
	}
	defer r.Close()

	idx, err := Decode(r)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", IndexPath, err)
	}
	return idx, nil
}

// Lazy defers Load until the index is first needed.
func Lazy(ctx context.Context, adapter storage.Adapter) *index.LazyIndex {
	return index.NewLazyIndex(func() (*index.Index, error) {
		return Load(ctx, adapter)
	})
}

// Revision returns the marker of the last publish, "" for vaults that were
// never published with one.
func Revision(ctx context.Context, adapter storage.Adapter) (string, error) {
	data, err := adapter.Read(ctx, RevisionPath)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", RevisionPath, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Publish replaces the vault's index and returns its new revision. The
// document is encoded completely before anything is written, so a failed
// encode never touches the vault. The marker goes first: if the index write
// fails afterwards, readers see an unknown revision and compare the index
// itself.
func Publish(ctx context.Context, adapter storage.Adapter, idx *index.Index) (string, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, idx); err != nil {
		return "", err
	}
	revision := uuid.NewString()
	if err := adapter.Write(ctx, RevisionPath, []byte(revision)); err != nil {
		return "", fmt.Errorf("publish revision: %w", err)
	}
	if err := adapter.Write(ctx, IndexPath, buf.Bytes()); err != nil {
		return "", fmt.Errorf("publish index: %w", err)
	}
	slog.Debug("vault index published", "adapter", adapter.Name(), "objects", idx.Count(), "bytes", buf.Len(), "revision", revision)
	return revision, nil
}
