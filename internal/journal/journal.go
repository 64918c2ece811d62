package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
	"github.com/openmined/storeman/internal/db"
	"github.com/openmined/storeman/internal/index"
	"github.com/openmined/storeman/internal/vaultindex"
)

const schema = `
CREATE TABLE IF NOT EXISTS index_objects (
    vault       TEXT    NOT NULL,
    path        TEXT    NOT NULL,
    type        TEXT    NOT NULL,
    mtime_ns    INTEGER NOT NULL,
    ctime_ns    INTEGER,
    permissions INTEGER NOT NULL,
    size        INTEGER,
    inode       INTEGER,
    link_target TEXT    NOT NULL DEFAULT '',
    blob_id     TEXT    NOT NULL DEFAULT '',
    hashes      TEXT    NOT NULL DEFAULT '',
    PRIMARY KEY (vault, path)
);

CREATE INDEX IF NOT EXISTS idx_index_objects_blob ON index_objects(vault, blob_id);

CREATE TABLE IF NOT EXISTS vault_state (
    vault    TEXT PRIMARY KEY,
    revision TEXT NOT NULL
);
`

// Journal keeps the base index of every vault: the state both sides agreed
// on at the end of the last successful synchronization.
type Journal struct {
	db *sqlx.DB
}

type row struct {
	Vault       string        `db:"vault"`
	Path        string        `db:"path"`
	Type        string        `db:"type"`
	MTime       int64         `db:"mtime_ns"`
	CTime       sql.NullInt64 `db:"ctime_ns"`
	Permissions uint32        `db:"permissions"`
	Size        sql.NullInt64 `db:"size"`
	Inode       sql.NullInt64 `db:"inode"`
	LinkTarget  string        `db:"link_target"`
	BlobID      string        `db:"blob_id"`
	Hashes      string        `db:"hashes"`
}

// Open opens or creates the journal database at path.
func Open(path string) (*Journal, error) {
	conn, err := db.NewSqliteDB(db.WithPath(path))
	if err != nil {
		return nil, err
	}
	j, err := New(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return j, nil
}

// New wraps an open database and makes sure the schema exists.
func New(conn *sqlx.DB) (*Journal, error) {
	if _, err := conn.Exec(schema); err != nil {
		return nil, fmt.Errorf("init journal schema: %w", err)
	}
	return &Journal{db: conn}, nil
}

func (j *Journal) Close() error {
	slog.Debug("journal closed")
	return j.db.Close()
}

// Load returns the base index of vault, empty if it never synchronized.
func (j *Journal) Load(ctx context.Context, vault string) (*index.Index, error) {
	var rows []row
	if err := j.db.SelectContext(ctx, &rows, "SELECT * FROM index_objects WHERE vault = ? ORDER BY path", vault); err != nil {
		return nil, fmt.Errorf("load base index %s: %w", vault, err)
	}

	objs := make([]*index.Object, 0, len(rows))
	for _, r := range rows {
		obj, err := r.object()
		if err != nil {
			return nil, fmt.Errorf("load base index %s: %w", vault, err)
		}
		objs = append(objs, obj)
	}

	idx := index.New()
	if err := idx.AddAll(objs); err != nil {
		return nil, fmt.Errorf("load base index %s: %w", vault, err)
	}
	return idx, nil
}

// Replace stores idx as the new base index of vault in one transaction,
// together with the revision of the vault index it matches. An empty
// revision means the match is unknown.
func (j *Journal) Replace(ctx context.Context, vault string, idx *index.Index, revision string) error {
	tx, err := j.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM index_objects WHERE vault = ?", vault); err != nil {
		return fmt.Errorf("clear base index %s: %w", vault, err)
	}

	stmt, err := tx.PrepareNamedContext(ctx, `
		INSERT INTO index_objects (vault, path, type, mtime_ns, ctime_ns, permissions, size, inode, link_target, blob_id, hashes)
		VALUES (:vault, :path, :type, :mtime_ns, :ctime_ns, :permissions, :size, :inode, :link_target, :blob_id, :hashes)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for obj := range idx.All() {
		r, err := toRow(vault, obj)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, r); err != nil {
			return fmt.Errorf("insert %s: %w", obj.Path, err)
		}
	}

	if err := setRevision(ctx, tx, vault, revision); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	slog.Debug("journal replaced", "vault", vault, "objects", idx.Count(), "revision", revision)
	return nil
}

// Revision returns the vault index revision the base of vault matches, ""
// when unknown.
func (j *Journal) Revision(ctx context.Context, vault string) (string, error) {
	var revision string
	err := j.db.GetContext(ctx, &revision, "SELECT revision FROM vault_state WHERE vault = ?", vault)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load revision %s: %w", vault, err)
	}
	return revision, nil
}

// SetRevision records that the stored base of vault matches revision.
func (j *Journal) SetRevision(ctx context.Context, vault, revision string) error {
	return setRevision(ctx, j.db, vault, revision)
}

func setRevision(ctx context.Context, ex sqlx.ExecerContext, vault, revision string) error {
	var err error
	if revision == "" {
		_, err = ex.ExecContext(ctx, "DELETE FROM vault_state WHERE vault = ?", vault)
	} else {
		_, err = ex.ExecContext(ctx, `
			INSERT INTO vault_state (vault, revision) VALUES (?, ?)
			ON CONFLICT (vault) DO UPDATE SET revision = excluded.revision`, vault, revision)
	}
	if err != nil {
		return fmt.Errorf("save revision %s: %w", vault, err)
	}
	return nil
}

// Forget drops the base index of vault.
func (j *Journal) Forget(ctx context.Context, vault string) error {
	if _, err := j.db.ExecContext(ctx, "DELETE FROM index_objects WHERE vault = ?", vault); err != nil {
		return err
	}
	return setRevision(ctx, j.db, vault, "")
}

func (j *Journal) Count(ctx context.Context, vault string) (int, error) {
	var n int
	err := j.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM index_objects WHERE vault = ?", vault)
	return n, err
}

// Vaults lists every vault with a stored base index.
func (j *Journal) Vaults(ctx context.Context) ([]string, error) {
	var vaults []string
	err := j.db.SelectContext(ctx, &vaults, "SELECT DISTINCT vault FROM index_objects ORDER BY vault")
	return vaults, err
}

func toRow(vault string, obj *index.Object) (row, error) {
	rec := vaultindex.ToRecord(obj)
	r := row{
		Vault:       vault,
		Path:        rec.Path,
		Type:        rec.Type,
		MTime:       rec.MTime,
		Permissions: rec.Permissions,
		LinkTarget:  rec.LinkTarget,
		BlobID:      rec.BlobID,
	}
	if rec.CTime != nil {
		r.CTime = sql.NullInt64{Int64: *rec.CTime, Valid: true}
	}
	if rec.Size != nil {
		r.Size = sql.NullInt64{Int64: *rec.Size, Valid: true}
	}
	if rec.Inode != nil {
		r.Inode = sql.NullInt64{Int64: int64(*rec.Inode), Valid: true}
	}
	if rec.Hashes != nil {
		data, err := json.Marshal(rec.Hashes)
		if err != nil {
			return row{}, fmt.Errorf("encode hashes of %s: %w", obj.Path, err)
		}
		r.Hashes = string(data)
	}
	return r, nil
}

func (r row) object() (*index.Object, error) {
	rec := vaultindex.Record{
		Path:        r.Path,
		Type:        r.Type,
		MTime:       r.MTime,
		Permissions: r.Permissions,
		LinkTarget:  r.LinkTarget,
		BlobID:      r.BlobID,
	}
	if r.CTime.Valid {
		rec.CTime = &r.CTime.Int64
	}
	if r.Size.Valid {
		rec.Size = &r.Size.Int64
	}
	if r.Inode.Valid {
		inode := uint64(r.Inode.Int64)
		rec.Inode = &inode
	}
	if r.Hashes != "" {
		if err := json.Unmarshal([]byte(r.Hashes), &rec.Hashes); err != nil {
			return nil, fmt.Errorf("decode hashes of %s: %w", r.Path, err)
		}
	}
	return rec.Object()
}
