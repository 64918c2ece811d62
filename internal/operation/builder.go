package operation

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/openmined/storeman/internal/index"
)

var (
	ErrMalformedIndex = errors.New("malformed index")
	ErrUnknownBuilder = errors.New("unknown operation list builder")
)

// Builder plans the operations that turn the local archive and the vault
// into the merged state.
type Builder interface {
	// Build assigns missing blob ids in merged and returns the ordered plan.
	Build(merged, local, remote *index.Index) (*List, error)
	// BuildGarbageCollection lists blobs referenced by remote but no longer
	// by merged. It is executed separately from the main plan.
	BuildGarbageCollection(merged, remote *index.Index) *List
}

// BlobIDFunc derives the blob id of new content.
type BlobIDFunc func(obj *index.Object) (string, error)

// ContentBlobID names a blob after the preferred digest of its content.
func ContentBlobID(obj *index.Object) (string, error) {
	_, digest, ok := obj.Hashes.Preferred()
	if !ok {
		return "", fmt.Errorf("%w: %s has no hashes", ErrMalformedIndex, obj.Path)
	}
	return digest, nil
}

const DefaultBuilder = "standard"

// NewBuilder resolves a builder by name. An empty name selects DefaultBuilder.
func NewBuilder(name string) (Builder, error) {
	switch name {
	case "", DefaultBuilder:
		return &StandardBuilder{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBuilder, name)
	}
}

type StandardBuilder struct {
	// BlobID defaults to ContentBlobID.
	BlobID BlobIDFunc
}

func (b *StandardBuilder) Build(merged, local, remote *index.Index) (*List, error) {
	if merged == nil {
		return nil, fmt.Errorf("%w: nil merged index", ErrMalformedIndex)
	}
	if local == nil {
		local = index.New()
	}
	if remote == nil {
		remote = index.New()
	}
	blobID := b.BlobID
	if blobID == nil {
		blobID = ContentBlobID
	}

	list := NewList()
	objs := merged.Objects()

	// type replacements go first so that creations below find a free path
	for _, m := range objs {
		if l := local.GetObjectByPath(m.Path); l != nil && l.Type != m.Type {
			list.Add(Unlink{Path: m.Path})
		}
	}

	var dirs []*index.Object
	for _, m := range objs {
		if !m.IsDirectory() {
			continue
		}
		l, r := local.GetObjectByPath(m.Path), remote.GetObjectByPath(m.Path)
		if l == nil || r == nil || !l.IsDirectory() || l.Permissions != m.Permissions {
			dirs = append(dirs, m)
		}
	}
	index.SortParentFirst(dirs)
	for _, m := range dirs {
		list.Add(CreateDirectory{Path: m.Path, Mode: m.Permissions})
	}

	known, err := knownBlobs(merged, remote)
	if err != nil {
		return nil, err
	}
	for _, m := range objs {
		switch m.Type {
		case index.TypeFile:
			ops, err := planFile(merged, local, m, known, blobID)
			if err != nil {
				return nil, err
			}
			for _, op := range ops {
				list.Add(op)
			}
		case index.TypeSymlink:
			if l := local.GetObjectByPath(m.Path); l == nil || !l.IsSymlink() || l.LinkTarget != m.LinkTarget {
				list.Add(Relink{Path: m.Path, Target: m.LinkTarget})
			}
		}
	}

	goneSet := mapset.NewThreadUnsafeSet[string]()
	for _, idx := range []*index.Index{local, remote} {
		for obj := range idx.All() {
			if merged.GetObjectByPath(obj.Path) == nil && !underReplacement(merged, obj.Path) {
				goneSet.Add(obj.Path)
			}
		}
	}
	// deepest first, so directories are empty when their turn comes
	gone := goneSet.ToSlice()
	sortDeepestFirst(gone)
	for _, p := range gone {
		list.Add(Unlink{Path: p})
	}

	list.Append(directoryMetadata(merged, local, list))
	return list, nil
}

// underReplacement reports whether an ancestor of p is a non-directory in
// merged. Replacing that ancestor takes p with it.
func underReplacement(merged *index.Index, p string) bool {
	for _, a := range index.Ancestors(p) {
		if obj := merged.GetObjectByPath(a); obj != nil && !obj.IsDirectory() {
			return true
		}
	}
	return false
}

// directoryMetadata restores mode and mtime of merged directories whose
// local state differs or whose entries the plan changes. It runs after
// everything else so no later operation bumps the mtime again.
func directoryMetadata(merged, local *index.Index, plan *List) *List {
	touched := mapset.NewThreadUnsafeSet[string]()
	for _, op := range plan.Operations() {
		var p string
		switch op := op.(type) {
		case CreateDirectory:
			if l := local.GetObjectByPath(op.Path); l != nil && l.IsDirectory() {
				continue
			}
			p = op.Path
		case DownloadBlob:
			p = op.Path
		case Relink:
			p = op.Path
		case Unlink:
			if local.GetObjectByPath(op.Path) == nil {
				continue
			}
			p = op.Path
		default:
			continue
		}
		if parent := index.ParentPath(p); parent != "" {
			touched.Add(parent)
		}
	}

	var dirs []string
	for _, m := range merged.Objects() {
		if !m.IsDirectory() {
			continue
		}
		l := local.GetObjectByPath(m.Path)
		if l == nil || !l.IsDirectory() || l.Permissions != m.Permissions || !l.MTime.Equal(m.MTime) || touched.Contains(m.Path) {
			dirs = append(dirs, m.Path)
		}
	}
	sortDeepestFirst(dirs)

	list := NewList()
	for _, p := range dirs {
		m := merged.GetObjectByPath(p)
		list.Add(SetMetadata{Path: p, Mode: m.Permissions, MTime: m.MTime})
	}
	return list
}

func sortDeepestFirst(paths []string) {
	slices.SortFunc(paths, func(a, b string) int {
		if c := cmp.Compare(index.PathDepth(b), index.PathDepth(a)); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
}

// knownBlobs maps content keys to blob ids already stored in the vault or
// referenced by the merged index.
func knownBlobs(merged, remote *index.Index) (map[string]string, error) {
	known := make(map[string]string)
	for _, idx := range []*index.Index{merged, remote} {
		for obj := range idx.All() {
			if !obj.IsFile() || obj.BlobID() == "" {
				continue
			}
			key := obj.Hashes.Key()
			if key == "" {
				return nil, fmt.Errorf("%w: %s has no hashes", ErrMalformedIndex, obj.Path)
			}
			if _, ok := known[key]; !ok {
				known[key] = obj.BlobID()
			}
		}
	}
	return known, nil
}

func planFile(merged, local *index.Index, m *index.Object, known map[string]string, blobID BlobIDFunc) ([]Operation, error) {
	key := m.Hashes.Key()
	if key == "" {
		return nil, fmt.Errorf("%w: %s has no hashes", ErrMalformedIndex, m.Path)
	}

	var ops []Operation
	if m.BlobID() == "" {
		id, dedup := known[key]
		if !dedup {
			var err error
			if id, err = blobID(m); err != nil {
				return nil, err
			}
			known[key] = id
		}
		if err := merged.AssignBlobID(m.Path, id); err != nil {
			return nil, err
		}
		if !dedup {
			ops = append(ops, UploadBlob{Path: m.Path, BlobID: id, Hashes: m.Hashes})
		}
	}

	l := local.GetObjectByPath(m.Path)
	switch {
	case l == nil || !l.SameContent(m):
		ops = append(ops, DownloadBlob{BlobID: m.BlobID(), Path: m.Path, Mode: m.Permissions, MTime: m.MTime})
	case l.Permissions != m.Permissions || !l.MTime.Equal(m.MTime):
		ops = append(ops, SetMetadata{Path: m.Path, Mode: m.Permissions, MTime: m.MTime})
	}
	return ops, nil
}

func (b *StandardBuilder) BuildGarbageCollection(merged, remote *index.Index) *List {
	list := NewList()
	if remote == nil {
		return list
	}
	for _, id := range remote.BlobIDs() {
		if merged == nil || merged.GetObjectByBlobID(id) == nil {
			list.Add(Unlink{BlobID: id})
		}
	}
	return list
}
