// Package metadb is the embedded relational metadata store: inodes,
// directory contents, symlink targets, xattrs, objects, blocks and the
// inode→block mapping. All structural mutation happens inside a
// serializable transaction; the caller (internal/dispatcher) holds the
// global metadata lock for the duration of each transaction and releases it
// before any slow backend I/O.
package metadb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	s3qlerrors "github.com/s3ql-go/s3ql/pkg/errors"
)

// RootInode is reserved for the root directory.
const RootInode int64 = 1

// Inode is one row of the inodes table.
type Inode struct {
	ID       int64
	Mode     uint32
	UID      uint32
	GID      uint32
	Size     int64
	AtimeNs  int64
	MtimeNs  int64
	CtimeNs  int64
	Refcount int64
	Locked   bool
	Rdev     uint64
}

// DirEntry is the (parent_inode, name, child_inode) triple.
type DirEntry struct {
	ParentInode int64
	Name        []byte
	ChildInode  int64
}

// Block is one row of the blocks table.
type Block struct {
	ID       int64
	Hash     []byte
	Refcount int64
	Size     int64
	ObjID    int64
}

// Object is one row of the objects table.
type Object struct {
	ID       int64
	Refcount int64
	Hash     []byte
	PhysSize int64
	Length   int64
}

// DB wraps the sqlite connection and exposes the transaction-scoped API
// every other layer uses to mutate structural state.
type DB struct {
	sql *sql.DB
}

// Open opens (or creates) the metadata database at path and applies the
// schema. The database file lives under the local cache directory while
// mounted.
func Open(path string) (*DB, error) {
	// Foreign keys stay unenforced: referential integrity is maintained by
	// the layers above and repaired by fsck, which must be able to observe
	// (and fix) dangling rows left by a crash rather than have sqlite
	// reject them outright.
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata database: %w", err)
	}
	conn.SetMaxOpenConns(1) // single-writer: one global metadata transaction at a time
	if _, err := conn.Exec(schema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to apply metadata schema: %w", err)
	}
	db := &DB{sql: conn}
	if err := db.ensureRoot(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) ensureRoot() error {
	var count int
	if err := db.sql.QueryRow(`SELECT COUNT(*) FROM inodes WHERE id = ?`, RootInode).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	now := time.Now().UnixNano()
	_, err := db.sql.Exec(
		`INSERT INTO inodes (id, mode, uid, gid, size, atime_ns, mtime_ns, ctime_ns, refcount, locked, rdev)
		 VALUES (?, ?, 0, 0, 0, ?, ?, ?, 1, 0, 0)`,
		RootInode, 0o40755, now, now, now,
	)
	if err != nil {
		return err
	}
	// Root's own parent is itself.
	_, err = db.sql.Exec(`INSERT INTO contents (parent_inode, name, child_inode) VALUES (?, ?, ?)`,
		RootInode, []byte("."), RootInode)
	return err
}

// Close closes the underlying connection.
func (db *DB) Close() error { return db.sql.Close() }

// Path returns the database's backing file descriptor for snapshotting by
// internal/uploader. Since sqlite's WAL mode keeps data partly in the -wal
// file, callers should checkpoint before reading raw bytes; see
// internal/uploader.
func (db *DB) Checkpoint() error {
	_, err := db.sql.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`)
	return err
}

// Tx is a metadata transaction. Every field/method on DB used inside
// WithTx's callback must go through Tx, never db.sql directly, so that all
// structural mutation is observably atomic.
type Tx struct {
	tx *sql.Tx
}

// WithTx runs fn inside a serializable transaction, committing on success
// and rolling back on error or panic.
func (db *DB) WithTx(ctx context.Context, fn func(*Tx) error) (err error) {
	sqlTx, err := db.sql.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	tx := &Tx{tx: sqlTx}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = sqlTx.Rollback()
			return
		}
		err = sqlTx.Commit()
	}()
	err = fn(tx)
	return err
}

// --- Inodes ---

func (tx *Tx) NextInodeID() (int64, error) {
	row := tx.tx.QueryRow(`SELECT COALESCE(MAX(id), 0) + 1 FROM inodes`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	if id <= RootInode {
		id = RootInode + 1
	}
	return id, nil
}

func (tx *Tx) CreateInode(in *Inode) error {
	_, err := tx.tx.Exec(
		`INSERT INTO inodes (id, mode, uid, gid, size, atime_ns, mtime_ns, ctime_ns, refcount, locked, rdev)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.Mode, in.UID, in.GID, in.Size, in.AtimeNs, in.MtimeNs, in.CtimeNs, in.Refcount, boolToInt(in.Locked), in.Rdev,
	)
	return err
}

func (tx *Tx) GetInode(id int64) (*Inode, error) {
	row := tx.tx.QueryRow(
		`SELECT id, mode, uid, gid, size, atime_ns, mtime_ns, ctime_ns, refcount, locked, rdev FROM inodes WHERE id = ?`, id)
	in := &Inode{}
	var locked int
	if err := row.Scan(&in.ID, &in.Mode, &in.UID, &in.GID, &in.Size, &in.AtimeNs, &in.MtimeNs, &in.CtimeNs, &in.Refcount, &locked, &in.Rdev); err != nil {
		if err == sql.ErrNoRows {
			return nil, s3qlerrors.NewError(s3qlerrors.ErrCodeInvalidArgument, fmt.Sprintf("no such inode: %d", id))
		}
		return nil, err
	}
	in.Locked = locked != 0
	return in, nil
}

func (tx *Tx) UpdateInode(in *Inode) error {
	_, err := tx.tx.Exec(
		`UPDATE inodes SET mode=?, uid=?, gid=?, size=?, atime_ns=?, mtime_ns=?, ctime_ns=?, refcount=?, locked=?, rdev=? WHERE id=?`,
		in.Mode, in.UID, in.GID, in.Size, in.AtimeNs, in.MtimeNs, in.CtimeNs, in.Refcount, boolToInt(in.Locked), in.Rdev, in.ID,
	)
	return err
}

func (tx *Tx) DeleteInode(id int64) error {
	_, err := tx.tx.Exec(`DELETE FROM ext_attributes WHERE inode = ?`, id)
	if err != nil {
		return err
	}
	_, err = tx.tx.Exec(`DELETE FROM symlink_targets WHERE inode = ?`, id)
	if err != nil {
		return err
	}
	_, err = tx.tx.Exec(`DELETE FROM inodes WHERE id = ?`, id)
	return err
}

// --- Directory contents ---

func (tx *Tx) AddEntry(e *DirEntry) error {
	_, err := tx.tx.Exec(`INSERT INTO contents (parent_inode, name, child_inode) VALUES (?, ?, ?)`,
		e.ParentInode, e.Name, e.ChildInode)
	return err
}

func (tx *Tx) RemoveEntry(parent int64, name []byte) error {
	_, err := tx.tx.Exec(`DELETE FROM contents WHERE parent_inode = ? AND name = ?`, parent, name)
	return err
}

func (tx *Tx) Lookup(parent int64, name []byte) (int64, error) {
	var child int64
	err := tx.tx.QueryRow(`SELECT child_inode FROM contents WHERE parent_inode = ? AND name = ?`, parent, name).Scan(&child)
	if err == sql.ErrNoRows {
		return 0, s3qlerrors.NewError(s3qlerrors.ErrCodeInvalidArgument, "no such directory entry")
	}
	return child, err
}

func (tx *Tx) Readdir(parent int64) ([]DirEntry, error) {
	rows, err := tx.tx.Query(`SELECT parent_inode, name, child_inode FROM contents WHERE parent_inode = ? ORDER BY name`, parent)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var entries []DirEntry
	for rows.Next() {
		var e DirEntry
		if err := rows.Scan(&e.ParentInode, &e.Name, &e.ChildInode); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// EntriesForInode returns every directory entry naming child (used to
// enforce the one-name-per-directory invariant and by rename).
func (tx *Tx) EntriesForInode(child int64) ([]DirEntry, error) {
	rows, err := tx.tx.Query(`SELECT parent_inode, name, child_inode FROM contents WHERE child_inode = ?`, child)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var entries []DirEntry
	for rows.Next() {
		var e DirEntry
		if err := rows.Scan(&e.ParentInode, &e.Name, &e.ChildInode); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (tx *Tx) RenameEntry(oldParent int64, oldName []byte, newParent int64, newName []byte) error {
	if _, err := tx.tx.Exec(`DELETE FROM contents WHERE parent_inode = ? AND name = ?`, newParent, newName); err != nil {
		return err
	}
	_, err := tx.tx.Exec(`UPDATE contents SET parent_inode=?, name=? WHERE parent_inode=? AND name=?`,
		newParent, newName, oldParent, oldName)
	return err
}

// --- Symlinks ---

func (tx *Tx) SetSymlinkTarget(inode int64, target []byte) error {
	_, err := tx.tx.Exec(`INSERT INTO symlink_targets (inode, target) VALUES (?, ?)`, inode, target)
	return err
}

func (tx *Tx) GetSymlinkTarget(inode int64) ([]byte, error) {
	var target []byte
	err := tx.tx.QueryRow(`SELECT target FROM symlink_targets WHERE inode = ?`, inode).Scan(&target)
	return target, err
}

// --- Extended attributes ---

func (tx *Tx) internName(name string) (int64, error) {
	if _, err := tx.tx.Exec(`INSERT OR IGNORE INTO ext_attribute_names (name) VALUES (?)`, name); err != nil {
		return 0, err
	}
	var id int64
	err := tx.tx.QueryRow(`SELECT id FROM ext_attribute_names WHERE name = ?`, name).Scan(&id)
	return id, err
}

func (tx *Tx) SetXAttr(inode int64, name string, value []byte) error {
	nameID, err := tx.internName(name)
	if err != nil {
		return err
	}
	_, err = tx.tx.Exec(`INSERT INTO ext_attributes (inode, name_id, value) VALUES (?, ?, ?)
		ON CONFLICT(inode, name_id) DO UPDATE SET value=excluded.value`, inode, nameID, value)
	return err
}

func (tx *Tx) GetXAttr(inode int64, name string) ([]byte, error) {
	var value []byte
	err := tx.tx.QueryRow(
		`SELECT value FROM ext_attributes a JOIN ext_attribute_names n ON a.name_id = n.id
		 WHERE a.inode = ? AND n.name = ?`, inode, name).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, s3qlerrors.NewError(s3qlerrors.ErrCodeInvalidArgument, fmt.Sprintf("no such xattr: %s", name))
	}
	return value, err
}

func (tx *Tx) RemoveXAttr(inode int64, name string) error {
	_, err := tx.tx.Exec(
		`DELETE FROM ext_attributes WHERE inode = ? AND name_id = (SELECT id FROM ext_attribute_names WHERE name = ?)`,
		inode, name)
	return err
}

func (tx *Tx) ListXAttr(inode int64) ([]string, error) {
	rows, err := tx.tx.Query(
		`SELECT n.name FROM ext_attributes a JOIN ext_attribute_names n ON a.name_id = n.id WHERE a.inode = ?`, inode)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// --- Objects & blocks ---

func (tx *Tx) CreateObject(hash []byte) (int64, error) {
	res, err := tx.tx.Exec(`INSERT INTO objects (refcount, hash, phys_size, length) VALUES (0, ?, 0, 0)`, hash)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (tx *Tx) GetObject(id int64) (*Object, error) {
	o := &Object{ID: id}
	err := tx.tx.QueryRow(`SELECT refcount, hash, phys_size, length FROM objects WHERE id = ?`, id).
		Scan(&o.Refcount, &o.Hash, &o.PhysSize, &o.Length)
	return o, err
}

func (tx *Tx) SetObjectPhysSize(id, physSize, length int64) error {
	_, err := tx.tx.Exec(`UPDATE objects SET phys_size=?, length=? WHERE id=?`, physSize, length, id)
	return err
}

func (tx *Tx) IncObjectRefcount(id int64, delta int64) (int64, error) {
	if _, err := tx.tx.Exec(`UPDATE objects SET refcount = refcount + ? WHERE id = ?`, delta, id); err != nil {
		return 0, err
	}
	var refcount int64
	err := tx.tx.QueryRow(`SELECT refcount FROM objects WHERE id = ?`, id).Scan(&refcount)
	return refcount, err
}

func (tx *Tx) DeleteObject(id int64) error {
	_, err := tx.tx.Exec(`DELETE FROM objects WHERE id = ?`, id)
	return err
}

func (tx *Tx) FindBlockByHash(hash []byte) (*Block, error) {
	b := &Block{}
	err := tx.tx.QueryRow(`SELECT id, hash, refcount, size, obj_id FROM blocks WHERE hash = ?`, hash).
		Scan(&b.ID, &b.Hash, &b.Refcount, &b.Size, &b.ObjID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return b, err
}

func (tx *Tx) CreateBlock(hash []byte, size, objID int64) (int64, error) {
	res, err := tx.tx.Exec(`INSERT INTO blocks (hash, refcount, size, obj_id) VALUES (?, 0, ?, ?)`, hash, size, objID)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (tx *Tx) GetBlock(id int64) (*Block, error) {
	b := &Block{ID: id}
	err := tx.tx.QueryRow(`SELECT hash, refcount, size, obj_id FROM blocks WHERE id = ?`, id).
		Scan(&b.Hash, &b.Refcount, &b.Size, &b.ObjID)
	return b, err
}

func (tx *Tx) IncBlockRefcount(id int64, delta int64) (int64, error) {
	if _, err := tx.tx.Exec(`UPDATE blocks SET refcount = refcount + ? WHERE id = ?`, delta, id); err != nil {
		return 0, err
	}
	var refcount int64
	err := tx.tx.QueryRow(`SELECT refcount FROM blocks WHERE id = ?`, id).Scan(&refcount)
	return refcount, err
}

func (tx *Tx) DeleteBlock(id int64) error {
	_, err := tx.tx.Exec(`DELETE FROM blocks WHERE id = ?`, id)
	return err
}

// --- inode_blocks ---

func (tx *Tx) GetInodeBlock(inode, blockno int64) (int64, bool, error) {
	var blockID int64
	err := tx.tx.QueryRow(`SELECT block_id FROM inode_blocks WHERE inode = ? AND blockno = ?`, inode, blockno).Scan(&blockID)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	return blockID, err == nil, err
}

func (tx *Tx) SetInodeBlock(inode, blockno, blockID int64) error {
	_, err := tx.tx.Exec(`INSERT INTO inode_blocks (inode, blockno, block_id) VALUES (?, ?, ?)
		ON CONFLICT(inode, blockno) DO UPDATE SET block_id=excluded.block_id`, inode, blockno, blockID)
	return err
}

func (tx *Tx) RemoveInodeBlock(inode, blockno int64) (int64, error) {
	var blockID int64
	err := tx.tx.QueryRow(`SELECT block_id FROM inode_blocks WHERE inode = ? AND blockno = ?`, inode, blockno).Scan(&blockID)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	_, err = tx.tx.Exec(`DELETE FROM inode_blocks WHERE inode = ? AND blockno = ?`, inode, blockno)
	return blockID, err
}

// RemoveInodeBlocksFrom removes every inode_blocks row with blockno >= from,
// returning their block ids (used by truncate's shrink case).
func (tx *Tx) RemoveInodeBlocksFrom(inode, from int64) ([]int64, error) {
	rows, err := tx.tx.Query(`SELECT block_id FROM inode_blocks WHERE inode = ? AND blockno >= ?`, inode, from)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	_, err = tx.tx.Exec(`DELETE FROM inode_blocks WHERE inode = ? AND blockno >= ?`, inode, from)
	return ids, err
}

func (tx *Tx) MaxBlockno(inode int64) (int64, bool, error) {
	var maxBlockno sql.NullInt64
	err := tx.tx.QueryRow(`SELECT MAX(blockno) FROM inode_blocks WHERE inode = ?`, inode).Scan(&maxBlockno)
	if err != nil {
		return 0, false, err
	}
	return maxBlockno.Int64, maxBlockno.Valid, nil
}

// --- Deferred delete queue ---

func (tx *Tx) EnqueueDelete(objID int64) error {
	_, err := tx.tx.Exec(`INSERT OR IGNORE INTO objects_to_delete (obj_id, enqueued_ns) VALUES (?, ?)`,
		objID, time.Now().UnixNano())
	return err
}

func (tx *Tx) DrainDeleteQueue(limit int) ([]int64, error) {
	rows, err := tx.tx.Query(`SELECT obj_id FROM objects_to_delete ORDER BY enqueued_ns LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (tx *Tx) RemoveFromDeleteQueue(objID int64) error {
	_, err := tx.tx.Exec(`DELETE FROM objects_to_delete WHERE obj_id = ?`, objID)
	return err
}

// --- fs_params (volatile per-mount bookkeeping) ---

func (tx *Tx) SetParam(key, value string) error {
	_, err := tx.tx.Exec(`INSERT INTO fs_params (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	return err
}

func (tx *Tx) GetParam(key string) (string, bool, error) {
	var value string
	err := tx.tx.QueryRow(`SELECT value FROM fs_params WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	return value, err == nil, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
