package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/openmined/storeman/internal/utils"
)

const (
	// MetadataDir holds everything storeman keeps inside the archive.
	MetadataDir = ".storeman"

	logsDir     = "logs"
	lockFile    = "storeman.lock"
	journalFile = "journal.db"
	logFile     = "storeman.log"
)

var (
	ErrWorkspaceLocked = errors.New("workspace locked by another process")
	ErrNotDirectory    = errors.New("archive root is not a directory")
)

// Workspace is the local archive root and the storeman files inside it.
type Workspace struct {
	Root        string
	MetadataDir string
	LogsDir     string
	JournalPath string

	guard *flock.Flock
}

func NewWorkspace(root string) (*Workspace, error) {
	abs, err := utils.ResolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("workspace %s: %w", root, err)
	}

	meta := filepath.Join(abs, MetadataDir)
	return &Workspace{
		Root:        abs,
		MetadataDir: meta,
		LogsDir:     filepath.Join(meta, logsDir),
		JournalPath: filepath.Join(meta, journalFile),
		guard:       flock.New(filepath.Join(meta, lockFile)),
	}, nil
}

func (w *Workspace) LogFile() string {
	return filepath.Join(w.LogsDir, logFile)
}

// Locked reports whether this process holds the workspace.
func (w *Workspace) Locked() bool {
	return w.guard.Locked()
}

// Lock keeps other storeman processes out of the workspace. It never blocks.
func (w *Workspace) Lock() error {
	if err := utils.EnsureDir(w.MetadataDir); err != nil {
		return fmt.Errorf("workspace %s: %w", w.Root, err)
	}

	ok, err := w.guard.TryLock()
	switch {
	case err != nil:
		return fmt.Errorf("workspace %s: lock: %w", w.Root, err)
	case !ok:
		return fmt.Errorf("%w: %s", ErrWorkspaceLocked, w.Root)
	}
	return nil
}

// Unlock releases the workspace and removes the lock file. A workspace this
// process does not hold is left alone.
func (w *Workspace) Unlock() error {
	if !w.guard.Locked() {
		return nil
	}
	if err := w.guard.Unlock(); err != nil {
		return fmt.Errorf("workspace %s: unlock: %w", w.Root, err)
	}
	if err := os.Remove(w.guard.Path()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Setup locks the workspace and creates its directories. The archive root
// itself must already exist.
func (w *Workspace) Setup() error {
	if !utils.DirExists(w.Root) {
		return fmt.Errorf("%w: %s", ErrNotDirectory, w.Root)
	}
	if err := w.Lock(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.LogsDir, 0o755); err != nil {
		_ = w.Unlock()
		return fmt.Errorf("workspace %s: %w", w.Root, err)
	}

	slog.Info("workspace", "root", w.Root, "journal", w.JournalPath)
	return nil
}

// RelPath returns the slash separated path of absPath inside the archive.
func (w *Workspace) RelPath(absPath string) (string, error) {
	rel, err := filepath.Rel(w.Root, absPath)
	if err != nil {
		return "", err
	}
	return NormPath(rel), nil
}

// IsInternal reports whether a relative path belongs to storeman itself.
func IsInternal(rel string) bool {
	rel = NormPath(rel)
	return rel == MetadataDir || strings.HasPrefix(rel, MetadataDir+"/")
}

// NormPath turns any OS path into a slash separated relative path.
func NormPath(p string) string {
	p = path.Clean(strings.ReplaceAll(p, "\\", "/"))
	return strings.TrimLeft(p, "/")
}
