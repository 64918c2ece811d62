package index

import "sync"

// Loader produces an index on demand.
type Loader func() (*Index, error)

// LazyIndex defers populating an index until it is first accessed. It is
// either unloaded (holding the loader) or loaded (holding the index or the
// load error). The loader runs at most once; a failed load is not retried.
type LazyIndex struct {
	mu     sync.Mutex
	loader Loader
	loaded bool
	index  *Index
	err    error
}

func NewLazyIndex(loader Loader) *LazyIndex {
	return &LazyIndex{loader: loader}
}

// Index forces the load and returns the underlying index.
func (l *LazyIndex) Index() (*Index, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.loaded {
		l.index, l.err = l.loader()
		if l.err == nil && l.index == nil {
			l.err = ErrLazyLoadContract
		}
		l.loaded = true
		l.loader = nil
	}
	return l.index, l.err
}

// Loaded reports whether the loader already ran.
func (l *LazyIndex) Loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loaded
}

func (l *LazyIndex) AddObject(obj *Object) error {
	idx, err := l.Index()
	if err != nil {
		return err
	}
	return idx.AddObject(obj)
}

func (l *LazyIndex) GetObjectByPath(p string) (*Object, error) {
	idx, err := l.Index()
	if err != nil {
		return nil, err
	}
	return idx.GetObjectByPath(p), nil
}

func (l *LazyIndex) GetObjectByBlobID(blobID string) (*Object, error) {
	idx, err := l.Index()
	if err != nil {
		return nil, err
	}
	return idx.GetObjectByBlobID(blobID), nil
}

func (l *LazyIndex) Count() (int, error) {
	idx, err := l.Index()
	if err != nil {
		return 0, err
	}
	return idx.Count(), nil
}

func (l *LazyIndex) Objects() ([]*Object, error) {
	idx, err := l.Index()
	if err != nil {
		return nil, err
	}
	return idx.Objects(), nil
}
