package vaultindex

import (
	"io/fs"
	"time"

	"github.com/openmined/storeman/internal/index"
)

// Record is the serialised form of an index object.
type Record struct {
	Path        string            `json:"path"`
	Type        string            `json:"type"`
	MTime       int64             `json:"mtime"`
	CTime       *int64            `json:"ctime,omitempty"`
	Permissions uint32            `json:"permissions"`
	Size        *int64            `json:"size,omitempty"`
	Inode       *uint64           `json:"inode,omitempty"`
	LinkTarget  string            `json:"linkTarget,omitempty"`
	BlobID      string            `json:"blobId,omitempty"`
	Hashes      map[string]string `json:"hashes,omitempty"`
}

// ToRecord converts obj. Times are stored as unix nanoseconds.
func ToRecord(obj *index.Object) Record {
	rec := Record{
		Path:        obj.Path,
		Type:        obj.Type.String(),
		MTime:       obj.MTime.UnixNano(),
		Permissions: uint32(obj.Permissions.Perm()),
		Size:        obj.Size,
		Inode:       obj.Inode,
		LinkTarget:  obj.LinkTarget,
		BlobID:      obj.BlobID(),
	}
	if obj.CTime != nil {
		ns := obj.CTime.UnixNano()
		rec.CTime = &ns
	}
	if obj.Hashes != nil {
		rec.Hashes = obj.Hashes.Map()
	}
	return rec
}

// Object converts the record back and validates it.
func (r Record) Object() (*index.Object, error) {
	typ, err := index.ParseObjectType(r.Type)
	if err != nil {
		return nil, err
	}

	obj := &index.Object{
		Path:        r.Path,
		Type:        typ,
		MTime:       time.Unix(0, r.MTime).UTC(),
		Permissions: fs.FileMode(r.Permissions),
		Size:        r.Size,
		Inode:       r.Inode,
		LinkTarget:  r.LinkTarget,
	}
	if r.CTime != nil {
		ctime := time.Unix(0, *r.CTime).UTC()
		obj.CTime = &ctime
	}
	if typ == index.TypeFile {
		obj.Hashes = index.NewHashContainerFrom(r.Hashes)
	}
	obj.WithBlobID(r.BlobID)

	if err := obj.Validate(); err != nil {
		return nil, err
	}
	return obj, nil
}
