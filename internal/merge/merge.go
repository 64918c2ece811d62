package merge

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/openmined/storeman/internal/conflict"
	"github.com/openmined/storeman/internal/index"
)

var (
	ErrStructureConflict = errors.New("merged index is not a valid tree")
	ErrUnknownMerger     = errors.New("unknown index merger")
)

// ConflictError is returned when the handler answered Fail for at least one
// path. No merged index is produced in that case.
type ConflictError struct {
	Conflicts []conflict.Conflict
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%d unresolved conflict(s): %s", len(e.Conflicts), strings.Join(e.Paths(), ", "))
}

func (e *ConflictError) Paths() []string {
	paths := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		paths = append(paths, c.Path)
	}
	return paths
}

// Resolved is a conflict together with the handler's answer.
type Resolved struct {
	conflict.Conflict
	Resolution conflict.Resolution
}

type Stats struct {
	Unchanged  int
	FromLocal  int
	FromRemote int
	Removed    int
	Convergent int
	Conflicts  int
	Revived    int
}

type Result struct {
	Merged    *index.Index
	Conflicts []Resolved
	Stats     Stats
}

// Merger reconciles the local and remote index against their common base.
type Merger interface {
	Merge(base, local, remote *index.Index, handler conflict.Handler) (*Result, error)
}

const DefaultMerger = "standard"

// NewMerger resolves a merger by name. An empty name selects DefaultMerger.
func NewMerger(name string) (Merger, error) {
	switch name {
	case "", DefaultMerger:
		return &StandardMerger{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMerger, name)
	}
}

// StandardMerger is a three-way merger keyed by path. Objects are compared
// by content and metadata; blob ids, inodes and ctimes never decide a change.
type StandardMerger struct{}

func (m *StandardMerger) Merge(base, local, remote *index.Index, handler conflict.Handler) (*Result, error) {
	base, local, remote = orEmpty(base), orEmpty(local), orEmpty(remote)
	if handler == nil {
		return nil, fmt.Errorf("merge: nil conflict handler")
	}

	paths := mapset.NewThreadUnsafeSet[string]()
	for _, idx := range []*index.Index{base, local, remote} {
		paths.Append(idx.Paths()...)
	}
	sorted := paths.ToSlice()
	slices.Sort(sorted)

	res := &Result{}
	survivors := make(map[string]*index.Object, len(sorted))
	var failed []conflict.Conflict

	for _, p := range sorted {
		b, l, r := base.GetObjectByPath(p), local.GetObjectByPath(p), remote.GetObjectByPath(p)

		d := decide(p, b, l, r)
		if d.conflict != nil {
			resolution := handler.Resolve(*d.conflict)
			res.Conflicts = append(res.Conflicts, Resolved{Conflict: *d.conflict, Resolution: resolution})
			res.Stats.Conflicts++
			slog.Debug("merge conflict", "path", p, "kind", d.conflict.Kind, "resolution", resolution)

			switch resolution {
			case conflict.KeepLocal:
				d = decision{obj: takeLocal(l, r), source: fromLocal}
			case conflict.KeepRemote:
				d = decision{obj: takeRemote(r), source: fromRemote}
			default:
				failed = append(failed, *d.conflict)
				continue
			}
		}

		res.Stats.count(d.source)
		if d.obj != nil {
			survivors[p] = d.obj
		}
	}

	if len(failed) > 0 {
		return nil, &ConflictError{Conflicts: failed}
	}

	if err := fixStructure(survivors, base, local, remote, &res.Stats); err != nil {
		return nil, err
	}

	merged := index.New()
	objs := make([]*index.Object, 0, len(survivors))
	for _, obj := range survivors {
		objs = append(objs, obj)
	}
	if err := merged.AddAll(objs); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStructureConflict, err)
	}
	res.Merged = merged
	return res, nil
}

type source uint8

const (
	unchanged source = iota
	fromLocal
	fromRemote
	removed
	convergent
)

func (s *Stats) count(src source) {
	switch src {
	case unchanged:
		s.Unchanged++
	case fromLocal:
		s.FromLocal++
	case fromRemote:
		s.FromRemote++
	case removed:
		s.Removed++
	case convergent:
		s.Convergent++
	}
}

type decision struct {
	obj      *index.Object
	source   source
	conflict *conflict.Conflict
}

func decide(p string, b, l, r *index.Object) decision {
	conflictOf := func(kind conflict.Kind) decision {
		return decision{conflict: &conflict.Conflict{Path: p, Kind: kind, Base: b, Local: l, Remote: r}}
	}

	switch {
	case b == nil && l != nil && r == nil:
		return decision{obj: takeLocal(l, nil), source: fromLocal}

	case b == nil && l == nil && r != nil:
		return decision{obj: takeRemote(r), source: fromRemote}

	case b == nil && l != nil && r != nil:
		if same(l, r) {
			return decision{obj: takeRemote(r), source: convergent}
		}
		if d, ok := mergeDirectories(l, r); ok {
			return d
		}
		return conflictOf(conflict.KindEdit)

	case b != nil && l == nil && r == nil:
		return decision{source: removed}

	case b != nil && l == nil && r != nil:
		if same(r, b) {
			return decision{source: removed}
		}
		return conflictOf(conflict.KindDeleteRecreate)

	case b != nil && l != nil && r == nil:
		if same(l, b) {
			return decision{source: removed}
		}
		return conflictOf(conflict.KindEditDelete)

	case b != nil && l != nil && r != nil:
		localChanged, remoteChanged := !same(l, b), !same(r, b)
		switch {
		case !localChanged && !remoteChanged:
			return decision{obj: takeLocal(l, r), source: unchanged}
		case !remoteChanged:
			return decision{obj: takeLocal(l, r), source: fromLocal}
		case !localChanged:
			return decision{obj: takeRemote(r), source: fromRemote}
		case same(l, r):
			return decision{obj: takeRemote(r), source: convergent}
		}
		if d, ok := mergeDirectories(l, r); ok {
			return d
		}
		return conflictOf(conflict.KindEdit)
	}

	// not reachable: the path came from one of the three indices
	return decision{source: removed}
}

// mergeDirectories settles divergent directory metadata without a conflict.
// Directory mtimes move whenever children change, so the newer side wins.
func mergeDirectories(l, r *index.Object) (decision, bool) {
	if !l.IsDirectory() || !r.IsDirectory() {
		return decision{}, false
	}
	if l.MTime.After(r.MTime) {
		return decision{obj: l.Clone(), source: convergent}, true
	}
	return decision{obj: r.Clone(), source: convergent}, true
}

func same(a, b *index.Object) bool {
	return a.Equal(b, index.CompareContent)
}

// takeLocal clones l and reuses the blob id of r when it stores the same
// content. Blob ids of the base are never reused: a blob the remote no longer
// references may already be garbage collected.
func takeLocal(l, r *index.Object) *index.Object {
	if l == nil {
		return nil
	}
	obj := l.Clone()
	if !obj.IsFile() || obj.BlobID() != "" {
		return obj
	}
	if r != nil && r.BlobID() != "" && obj.SameContent(r) {
		return obj.WithBlobID(r.BlobID())
	}
	return obj
}

func takeRemote(r *index.Object) *index.Object {
	if r == nil {
		return nil
	}
	return r.Clone()
}

// fixStructure makes sure every surviving object has directory ancestors.
// A directory dropped by a decision is brought back when something below it
// survives.
func fixStructure(survivors map[string]*index.Object, base, local, remote *index.Index, stats *Stats) error {
	paths := make([]string, 0, len(survivors))
	for p := range survivors {
		paths = append(paths, p)
	}
	slices.Sort(paths)

	for _, p := range paths {
		for _, ancestor := range index.Ancestors(p) {
			if obj, ok := survivors[ancestor]; ok {
				if !obj.IsDirectory() {
					return fmt.Errorf("%w: %s is a %s but %s survives below it", ErrStructureConflict, ancestor, obj.Type, p)
				}
				continue
			}

			var revived *index.Object
			for _, idx := range []*index.Index{local, remote, base} {
				if obj := idx.GetObjectByPath(ancestor); obj != nil && obj.IsDirectory() {
					revived = obj.Clone()
					break
				}
			}
			if revived == nil {
				return fmt.Errorf("%w: no directory %s for %s", ErrStructureConflict, ancestor, p)
			}
			slog.Debug("merge revived directory", "path", ancestor, "for", p)
			survivors[ancestor] = revived
			stats.Revived++
		}
	}
	return nil
}

func orEmpty(idx *index.Index) *index.Index {
	if idx == nil {
		return index.New()
	}
	return idx
}
