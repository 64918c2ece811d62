package index

import (
	"fmt"
	"io/fs"
	"path"
	"strings"
	"time"
)

// ObjectType is the kind of filesystem primitive an Object represents.
type ObjectType uint8

const (
	TypeDirectory ObjectType = iota + 1
	TypeFile
	TypeSymlink
)

var objectTypeNames = map[ObjectType]string{
	TypeDirectory: "DIR",
	TypeFile:      "FILE",
	TypeSymlink:   "LINK",
}

func (t ObjectType) String() string {
	if name, ok := objectTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("ObjectType(%d)", uint8(t))
}

// ParseObjectType is the inverse of ObjectType.String.
func ParseObjectType(s string) (ObjectType, error) {
	for t, name := range objectTypeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown object type %q", ErrInvalidObject, s)
}

// CompareOptions selects the attributes Equal skips.
type CompareOptions struct {
	IgnoreBlobID bool
	IgnoreInode  bool
	IgnoreCTime  bool
}

// CompareContent ignores everything that is specific to a single scan or
// storage slot. Objects from different machines are compared this way.
var CompareContent = CompareOptions{IgnoreBlobID: true, IgnoreInode: true, IgnoreCTime: true}

// Object is one filesystem primitive as known by the archive.
type Object struct {
	Path        string
	Type        ObjectType
	MTime       time.Time
	CTime       *time.Time
	Permissions fs.FileMode
	Size        *int64
	Inode       *uint64
	LinkTarget  string
	Hashes      *HashContainer

	blobID string
}

func NewDirectory(relPath string, mtime time.Time, perm fs.FileMode) *Object {
	return &Object{
		Path:        relPath,
		Type:        TypeDirectory,
		MTime:       mtime,
		Permissions: perm & fs.ModePerm,
	}
}

func NewFile(relPath string, mtime time.Time, perm fs.FileMode, size int64, hashes *HashContainer) *Object {
	if hashes == nil {
		hashes = NewHashContainer()
	}
	return &Object{
		Path:        relPath,
		Type:        TypeFile,
		MTime:       mtime,
		Permissions: perm & fs.ModePerm,
		Size:        &size,
		Hashes:      hashes,
	}
}

func NewSymlink(relPath string, mtime time.Time, perm fs.FileMode, target string) *Object {
	return &Object{
		Path:        relPath,
		Type:        TypeSymlink,
		MTime:       mtime,
		Permissions: perm & fs.ModePerm,
		LinkTarget:  target,
	}
}

// BlobID returns the content-addressed storage slot of a file, or "" if the
// content was never stored.
func (o *Object) BlobID() string {
	return o.blobID
}

// WithBlobID sets the blob id on a freshly decoded object and returns it.
// It must not be used on objects that are already part of an Index.
func (o *Object) WithBlobID(blobID string) *Object {
	o.blobID = blobID
	return o
}

func (o *Object) assignBlobID(blobID string) error {
	if o.Type != TypeFile {
		return fmt.Errorf("%w: %s is a %s, only files carry blob ids", ErrInvalidObject, o.Path, o.Type)
	}
	if blobID == "" {
		return fmt.Errorf("%w: empty blob id for %s", ErrInvalidObject, o.Path)
	}
	if o.blobID != "" {
		return fmt.Errorf("%w: %s already has blob id %s", ErrBlobIDAssigned, o.Path, o.blobID)
	}
	o.blobID = blobID
	return nil
}

func (o *Object) IsDirectory() bool { return o.Type == TypeDirectory }
func (o *Object) IsFile() bool      { return o.Type == TypeFile }
func (o *Object) IsSymlink() bool   { return o.Type == TypeSymlink }

// FileSize returns the size of a file object, 0 for anything else.
func (o *Object) FileSize() int64 {
	if o.Size == nil {
		return 0
	}
	return *o.Size
}

func (o *Object) Basename() string {
	return path.Base(o.Path)
}

// Parent returns the path of the containing directory, "" at the top level.
func (o *Object) Parent() string {
	return ParentPath(o.Path)
}

func (o *Object) Depth() int {
	return PathDepth(o.Path)
}

// Validate checks the structural invariants of the object.
func (o *Object) Validate() error {
	if err := ValidatePath(o.Path); err != nil {
		return err
	}
	if _, ok := objectTypeNames[o.Type]; !ok {
		return fmt.Errorf("%w: %s has unknown type %d", ErrInvalidObject, o.Path, o.Type)
	}
	if o.Permissions&^fs.ModePerm != 0 {
		return fmt.Errorf("%w: %s has permission bits outside 0777 (%o)", ErrInvalidObject, o.Path, o.Permissions)
	}
	if o.MTime.IsZero() {
		return fmt.Errorf("%w: %s has no mtime", ErrInvalidObject, o.Path)
	}

	isFile := o.Type == TypeFile
	if isFile != (o.Size != nil) {
		return fmt.Errorf("%w: %s: size must be present iff the object is a file", ErrInvalidObject, o.Path)
	}
	if isFile && *o.Size < 0 {
		return fmt.Errorf("%w: %s has negative size", ErrInvalidObject, o.Path)
	}
	if isFile != (o.Hashes != nil) {
		return fmt.Errorf("%w: %s: hashes must be present iff the object is a file", ErrInvalidObject, o.Path)
	}
	if !isFile && o.blobID != "" {
		return fmt.Errorf("%w: %s: only files carry blob ids", ErrInvalidObject, o.Path)
	}
	if (o.Type == TypeSymlink) != (o.LinkTarget != "") {
		return fmt.Errorf("%w: %s: link target must be present iff the object is a symlink", ErrInvalidObject, o.Path)
	}
	return nil
}

// Equal compares all attributes except those masked by opts.
func (o *Object) Equal(other *Object, opts CompareOptions) bool {
	if o == nil || other == nil {
		return o == other
	}

	equal := o.Path == other.Path &&
		o.Type == other.Type &&
		o.MTime.Equal(other.MTime) &&
		o.Permissions == other.Permissions &&
		equalPtr(o.Size, other.Size) &&
		o.LinkTarget == other.LinkTarget

	if !opts.IgnoreCTime {
		equal = equal && equalTimePtr(o.CTime, other.CTime)
	}
	if !opts.IgnoreInode {
		equal = equal && equalPtr(o.Inode, other.Inode)
	}
	if !opts.IgnoreBlobID {
		equal = equal && o.blobID == other.blobID
	}
	if o.Hashes != nil && other.Hashes != nil {
		equal = equal && o.Hashes.Equal(other.Hashes)
	}

	return equal
}

// SameContent reports whether two file objects hold bit-identical content
// according to size and hashes.
func (o *Object) SameContent(other *Object) bool {
	if o == nil || other == nil || !o.IsFile() || !other.IsFile() {
		return false
	}
	return equalPtr(o.Size, other.Size) && o.Hashes.Equal(other.Hashes)
}

func (o *Object) Clone() *Object {
	c := *o
	if o.CTime != nil {
		t := *o.CTime
		c.CTime = &t
	}
	if o.Size != nil {
		s := *o.Size
		c.Size = &s
	}
	if o.Inode != nil {
		i := *o.Inode
		c.Inode = &i
	}
	if o.Hashes != nil {
		c.Hashes = o.Hashes.Clone()
	}
	return &c
}

func (o *Object) String() string {
	parts := []string{
		o.Type.String(),
		"mtime: " + formatTime(&o.MTime),
		"ctime: " + formatTime(o.CTime),
		fmt.Sprintf("permissions: 0%o", o.Permissions),
	}
	if o.Inode != nil {
		parts = append(parts, fmt.Sprintf("inode: %d", *o.Inode))
	} else {
		parts = append(parts, "inode: -")
	}

	switch o.Type {
	case TypeFile:
		blobID := o.blobID
		if blobID == "" {
			blobID = "-"
		}
		parts = append(parts, fmt.Sprintf("size: %d B", o.FileSize()), "blobId: "+blobID)
	case TypeSymlink:
		parts = append(parts, "target: "+o.LinkTarget)
	}

	return fmt.Sprintf("%s (%s)", o.Path, strings.Join(parts, ", "))
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
