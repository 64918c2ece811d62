package index

import (
	"fmt"
	"path"
	"strings"
)

// NormPath returns the index form of p: slash separated, cleaned, without
// a leading slash. The archive root itself is the empty path.
func NormPath(p string) string {
	p = strings.TrimLeft(path.Clean(strings.ReplaceAll(p, "\\", "/")), "/")
	if p == "." {
		return ""
	}
	return p
}

// ValidatePath checks that p is a clean, relative, slash separated path
// that stays inside the archive root.
func ValidatePath(p string) error {
	switch {
	case p == "":
		return fmt.Errorf("%w: empty path", ErrInvalidObject)
	case strings.HasPrefix(p, "/"):
		return fmt.Errorf("%w: %q is absolute", ErrInvalidObject, p)
	case strings.Contains(p, "\\"):
		return fmt.Errorf("%w: %q contains a backslash", ErrInvalidObject, p)
	case path.Clean(p) != p:
		return fmt.Errorf("%w: %q is not clean", ErrInvalidObject, p)
	case p == ".." || strings.HasPrefix(p, "../"):
		return fmt.Errorf("%w: %q escapes the archive root", ErrInvalidObject, p)
	}
	return nil
}

// ParentPath returns the parent of a relative path, "" at the top level.
func ParentPath(p string) string {
	dir := path.Dir(p)
	if dir == "." || dir == "/" {
		return ""
	}
	return dir
}

// PathDepth is the number of path components of p.
func PathDepth(p string) int {
	if p == "" {
		return 0
	}
	return strings.Count(p, "/") + 1
}

// IsAncestor reports whether dir is a strict ancestor of p.
func IsAncestor(dir, p string) bool {
	return dir != "" && strings.HasPrefix(p, dir+"/")
}

// Ancestors returns all strict ancestors of p, top-most first.
func Ancestors(p string) []string {
	var out []string
	for dir := ParentPath(p); dir != ""; dir = ParentPath(dir) {
		out = append(out, dir)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
