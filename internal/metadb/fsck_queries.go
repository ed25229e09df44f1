package metadb

// This file adds the bulk-scan queries internal/fsck needs that no
// transactional caller requires during normal operation: walking every row
// of a table rather than looking one up by key. Kept separate from
// metadb.go's per-row API so that file stays focused on the transactional
// contract every other layer depends on.

// AllInodeIDs returns every inode id in the database.
func (tx *Tx) AllInodeIDs() ([]int64, error) {
	rows, err := tx.tx.Query(`SELECT id FROM inodes ORDER BY id`)
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

// AllBlocks returns every blocks row.
func (tx *Tx) AllBlocks() ([]Block, error) {
	rows, err := tx.tx.Query(`SELECT id, hash, refcount, size, obj_id FROM blocks ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Block
	for rows.Next() {
		var b Block
		if err := rows.Scan(&b.ID, &b.Hash, &b.Refcount, &b.Size, &b.ObjID); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// AllObjects returns every objects row.
func (tx *Tx) AllObjects() ([]Object, error) {
	rows, err := tx.tx.Query(`SELECT id, refcount, hash, phys_size, length FROM objects ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Object
	for rows.Next() {
		var o Object
		if err := rows.Scan(&o.ID, &o.Refcount, &o.Hash, &o.PhysSize, &o.Length); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// CountInodeBlocksByBlockID returns the number of inode_blocks rows pointing
// at blockID, used to verify that blocks.refcount equals the number of
// inode_blocks rows pointing at it" constraint.
func (tx *Tx) CountInodeBlocksByBlockID(blockID int64) (int64, error) {
	var n int64
	err := tx.tx.QueryRow(`SELECT COUNT(*) FROM inode_blocks WHERE block_id = ?`, blockID).Scan(&n)
	return n, err
}

// CountBlocksByObjID returns the number of blocks rows pointing at objID,
// used to verify the object-refcount constraint.
func (tx *Tx) CountBlocksByObjID(objID int64) (int64, error) {
	var n int64
	err := tx.tx.QueryRow(`SELECT COUNT(*) FROM blocks WHERE obj_id = ?`, objID).Scan(&n)
	return n, err
}

// CountEntriesByChild returns the number of directory entries naming child,
// used to verify that an inode's refcount equals the entries naming it and
// "a directory has exactly one name" invariants.
func (tx *Tx) CountEntriesByChild(child int64) (int64, error) {
	var n int64
	err := tx.tx.QueryRow(`SELECT COUNT(*) FROM contents WHERE child_inode = ?`, child).Scan(&n)
	return n, err
}

// DanglingInodeBlock names an inode_blocks row whose block_id has no
// matching blocks row.
type DanglingInodeBlock struct {
	Inode   int64
	Blockno int64
	BlockID int64
}

// OrphanInodeBlocks returns every inode_blocks row whose block_id has no
// matching blocks row; every inode_blocks.block_id must reference an
// existing blocks.id.
func (tx *Tx) OrphanInodeBlocks() ([]DanglingInodeBlock, error) {
	rows, err := tx.tx.Query(
		`SELECT ib.inode, ib.blockno, ib.block_id FROM inode_blocks ib
		 LEFT JOIN blocks b ON ib.block_id = b.id WHERE b.id IS NULL`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []DanglingInodeBlock
	for rows.Next() {
		var r DanglingInodeBlock
		if err := rows.Scan(&r.Inode, &r.Blockno, &r.BlockID); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteInodeBlockRow removes a single inode_blocks row identified by its
// composite key, used by fsck to drop a dangling reference it cannot repair.
func (tx *Tx) DeleteInodeBlockRow(inode, blockno int64) error {
	_, err := tx.tx.Exec(`DELETE FROM inode_blocks WHERE inode = ? AND blockno = ?`, inode, blockno)
	return err
}

// SetBlockRefcount forcibly sets a blocks row's refcount, used by fsck to
// repair drift against the counted inode_blocks rows.
func (tx *Tx) SetBlockRefcount(blockID, refcount int64) error {
	_, err := tx.tx.Exec(`UPDATE blocks SET refcount = ? WHERE id = ?`, refcount, blockID)
	return err
}

// SetObjectRefcount forcibly sets an objects row's refcount, used by fsck to
// repair drift against the counted blocks rows.
func (tx *Tx) SetObjectRefcount(objID, refcount int64) error {
	_, err := tx.tx.Exec(`UPDATE objects SET refcount = ? WHERE id = ?`, refcount, objID)
	return err
}

// SetInodeRefcount forcibly sets an inode's refcount, used by fsck to repair
// drift against the counted directory entries.
func (tx *Tx) SetInodeRefcount(inodeID, refcount int64) error {
	_, err := tx.tx.Exec(`UPDATE inodes SET refcount = ? WHERE id = ?`, refcount, inodeID)
	return err
}

// IsDir reports whether mode encodes a directory (S_IFDIR, 0o040000).
func IsDir(mode uint32) bool {
	return mode&0o170000 == 0o040000
}
