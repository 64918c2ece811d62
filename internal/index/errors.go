package index

import "errors"

var (
	ErrInvalidObject    = errors.New("invalid index object")
	ErrDuplicatePath    = errors.New("duplicate path")
	ErrMissingParent    = errors.New("parent directory missing from index")
	ErrBlobIDAssigned   = errors.New("blob id already assigned")
	ErrNotFound         = errors.New("object not found")
	ErrLazyLoadContract = errors.New("lazy index loader returned no index")
)
