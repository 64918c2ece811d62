package operation

import (
	"fmt"
	"io/fs"
	"iter"
	"slices"
	"time"

	"github.com/openmined/storeman/internal/index"
)

// Kind identifies an operation variant.
type Kind uint8

const (
	KindCreateDirectory Kind = iota + 1
	KindUploadBlob
	KindDownloadBlob
	KindUnlink
	KindRelink
	KindSetMetadata
)

var kindNames = map[Kind]string{
	KindCreateDirectory: "mkdir",
	KindUploadBlob:      "upload",
	KindDownloadBlob:    "download",
	KindUnlink:          "unlink",
	KindRelink:          "relink",
	KindSetMetadata:     "set-metadata",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Operation is one planned, idempotent mutation. Variants are plain values.
type Operation interface {
	Kind() Kind
	String() string
}

// CreateDirectory creates the directory at Path, or fixes its mode.
type CreateDirectory struct {
	Path string
	Mode fs.FileMode
}

func (CreateDirectory) Kind() Kind { return KindCreateDirectory }

func (o CreateDirectory) String() string {
	return fmt.Sprintf("mkdir %s (0%o)", o.Path, o.Mode)
}

// UploadBlob stores the content of the local file at Path as blob BlobID.
// Hashes are the digests the file was indexed with; content that no longer
// matches them is not stored.
type UploadBlob struct {
	Path   string
	BlobID string
	Hashes *index.HashContainer
}

func (UploadBlob) Kind() Kind { return KindUploadBlob }

func (o UploadBlob) String() string {
	return fmt.Sprintf("upload %s -> %s", o.Path, o.BlobID)
}

// DownloadBlob materialises blob BlobID at the local Path.
type DownloadBlob struct {
	BlobID string
	Path   string
	Mode   fs.FileMode
	MTime  time.Time
}

func (DownloadBlob) Kind() Kind { return KindDownloadBlob }

func (o DownloadBlob) String() string {
	return fmt.Sprintf("download %s -> %s", o.BlobID, o.Path)
}

// Unlink removes either a local path or a vault blob. Exactly one of the two
// fields is set.
type Unlink struct {
	Path   string
	BlobID string
}

func (Unlink) Kind() Kind { return KindUnlink }

func (o Unlink) String() string {
	if o.BlobID != "" {
		return "unlink blob " + o.BlobID
	}
	return "unlink " + o.Path
}

// Relink points the symlink at Path to Target.
type Relink struct {
	Path   string
	Target string
}

func (Relink) Kind() Kind { return KindRelink }

func (o Relink) String() string {
	return fmt.Sprintf("relink %s -> %s", o.Path, o.Target)
}

// SetMetadata updates mode and mtime of a file whose content is current.
type SetMetadata struct {
	Path  string
	Mode  fs.FileMode
	MTime time.Time
}

func (SetMetadata) Kind() Kind { return KindSetMetadata }

func (o SetMetadata) String() string {
	return fmt.Sprintf("set-metadata %s (0%o, %s)", o.Path, o.Mode, o.MTime.UTC().Format(time.RFC3339))
}

// List is an ordered sequence of operations.
type List struct {
	ops []Operation
}

func NewList(ops ...Operation) *List {
	return &List{ops: slices.Clone(ops)}
}

func (l *List) Add(op Operation) {
	l.ops = append(l.ops, op)
}

func (l *List) Append(other *List) {
	if other == nil {
		return
	}
	l.ops = append(l.ops, other.ops...)
}

func (l *List) Len() int {
	return len(l.ops)
}

// Operations returns a copy of the planned operations.
func (l *List) Operations() []Operation {
	return slices.Clone(l.ops)
}

func (l *List) All() iter.Seq2[int, Operation] {
	return func(yield func(int, Operation) bool) {
		for i, op := range l.ops {
			if !yield(i, op) {
				return
			}
		}
	}
}

// Count returns how many operations of the given kind are planned.
func (l *List) Count(kind Kind) int {
	n := 0
	for _, op := range l.ops {
		if op.Kind() == kind {
			n++
		}
	}
	return n
}
