package index

import (
	"cmp"
	"fmt"
	"iter"
	"maps"
	"slices"
)

type handle int

// Index is an ordered tree of objects rooted at the archive root. Objects are
// stored in an arena and addressed by handle; path and blob id lookups map
// to handles. The arena only grows, so a handle stays valid for the life of
// the index and refers to the same position in any copy of it.
type Index struct {
	arena    []*Object
	byPath   map[string]handle
	byBlobID map[string]handle
}

func New() *Index {
	return &Index{
		byPath:   make(map[string]handle),
		byBlobID: make(map[string]handle),
	}
}

// AddObject inserts obj. The parent directory has to be present already.
func (idx *Index) AddObject(obj *Object) error {
	if obj == nil {
		return fmt.Errorf("%w: nil object", ErrInvalidObject)
	}
	if err := obj.Validate(); err != nil {
		return err
	}
	if _, exists := idx.byPath[obj.Path]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicatePath, obj.Path)
	}
	if parent := obj.Parent(); parent != "" {
		h, ok := idx.byPath[parent]
		if !ok {
			return fmt.Errorf("%w: %s (parent %s)", ErrMissingParent, obj.Path, parent)
		}
		if !idx.arena[h].IsDirectory() {
			return fmt.Errorf("%w: %s (parent %s is a %s)", ErrMissingParent, obj.Path, parent, idx.arena[h].Type)
		}
	}

	h := handle(len(idx.arena))
	idx.arena = append(idx.arena, obj)
	idx.byPath[obj.Path] = h
	if id := obj.BlobID(); id != "" {
		if _, exists := idx.byBlobID[id]; !exists {
			idx.byBlobID[id] = h
		}
	}
	return nil
}

// AddAll inserts objs parent-first regardless of their order in the slice.
func (idx *Index) AddAll(objs []*Object) error {
	sorted := slices.Clone(objs)
	SortParentFirst(sorted)
	for _, obj := range sorted {
		if err := idx.AddObject(obj); err != nil {
			return err
		}
	}
	return nil
}

func (idx *Index) GetObjectByPath(p string) *Object {
	h, ok := idx.byPath[p]
	if !ok {
		return nil
	}
	return idx.arena[h]
}

// GetObjectByBlobID returns an object referencing the blob. When several
// objects share content, the first one inserted is returned.
func (idx *Index) GetObjectByBlobID(blobID string) *Object {
	h, ok := idx.byBlobID[blobID]
	if !ok {
		return nil
	}
	return idx.arena[h]
}

// AssignBlobID sets the blob id of the file at path. Blob ids are immutable.
func (idx *Index) AssignBlobID(p, blobID string) error {
	h, ok := idx.byPath[p]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if err := idx.arena[h].assignBlobID(blobID); err != nil {
		return err
	}
	if _, exists := idx.byBlobID[blobID]; !exists {
		idx.byBlobID[blobID] = h
	}
	return nil
}

func (idx *Index) Count() int {
	return len(idx.arena)
}

// Objects returns all objects sorted by path.
func (idx *Index) Objects() []*Object {
	objs := slices.Clone(idx.arena)
	slices.SortFunc(objs, func(a, b *Object) int {
		return cmp.Compare(a.Path, b.Path)
	})
	return objs
}

// All iterates over the objects in path order.
func (idx *Index) All() iter.Seq[*Object] {
	return func(yield func(*Object) bool) {
		for _, obj := range idx.Objects() {
			if !yield(obj) {
				return
			}
		}
	}
}

func (idx *Index) Paths() []string {
	paths := make([]string, 0, len(idx.arena))
	for _, obj := range idx.Objects() {
		paths = append(paths, obj.Path)
	}
	return paths
}

// BlobIDs returns every distinct blob id referenced by the index, sorted.
func (idx *Index) BlobIDs() []string {
	ids := make([]string, 0, len(idx.byBlobID))
	for id := range idx.byBlobID {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// TotalSize is the sum of all file sizes.
func (idx *Index) TotalSize() int64 {
	var total int64
	for _, obj := range idx.arena {
		total += obj.FileSize()
	}
	return total
}

// Equal compares both indices object by object.
func (idx *Index) Equal(other *Index, opts CompareOptions) bool {
	if other == nil || idx.Count() != other.Count() {
		return false
	}
	for _, obj := range idx.arena {
		if !obj.Equal(other.GetObjectByPath(obj.Path), opts) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the index. The arena is copied position by
// position, so the lookup maps carry over unchanged.
func (idx *Index) Clone() *Index {
	arena := make([]*Object, len(idx.arena))
	for i, obj := range idx.arena {
		arena[i] = obj.Clone()
	}
	return &Index{
		arena:    arena,
		byPath:   maps.Clone(idx.byPath),
		byBlobID: maps.Clone(idx.byBlobID),
	}
}

// SortParentFirst orders objects so that every directory precedes its
// descendants: by depth, then path.
func SortParentFirst(objs []*Object) {
	slices.SortFunc(objs, func(a, b *Object) int {
		if c := cmp.Compare(a.Depth(), b.Depth()); c != 0 {
			return c
		}
		return cmp.Compare(a.Path, b.Path)
	})
}
