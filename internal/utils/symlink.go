package utils

import (
	"os"

	"github.com/spf13/afero"
)

// Symlink creates name pointing at target without rewriting target.
// afero.BasePathFs resolves link targets inside its base, which would turn
// relative archive links into absolute host paths.
func Symlink(fsys afero.Fs, target, name string) error {
	if base, ok := fsys.(*afero.BasePathFs); ok {
		real, err := base.RealPath(name)
		if err != nil {
			return err
		}
		return os.Symlink(target, real)
	}
	if linker, ok := fsys.(afero.Linker); ok {
		return linker.SymlinkIfPossible(target, name)
	}
	return afero.ErrNoSymlink
}

// Readlink returns the target of the symlink at name as stored on disk.
func Readlink(fsys afero.Fs, name string) (string, error) {
	if base, ok := fsys.(*afero.BasePathFs); ok {
		real, err := base.RealPath(name)
		if err != nil {
			return "", err
		}
		return os.Readlink(real)
	}
	if reader, ok := fsys.(afero.LinkReader); ok {
		return reader.ReadlinkIfPossible(name)
	}
	return "", afero.ErrNoReadlink
}

// Lstat stats name without following a final symlink when fsys allows it.
func Lstat(fsys afero.Fs, name string) (os.FileInfo, error) {
	if lstater, ok := fsys.(afero.Lstater); ok {
		info, _, err := lstater.LstatIfPossible(name)
		return info, err
	}
	return fsys.Stat(name)
}
