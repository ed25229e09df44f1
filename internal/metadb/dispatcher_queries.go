package metadb

// This file adds the small bulk queries internal/dispatcher needs beyond
// the per-blockno API in metadb.go: listing every block an inode owns (for
// fsync/flush) and summing stored bytes (for statfs).

// BlockIDsForInode returns every block_id an inode currently owns, used by
// flush/fsync to wait on each one's upload acknowledgement (a flush on
// an open handle returns only after every dirty block it owns has an
// acknowledged upload").
func (tx *Tx) BlockIDsForInode(inode int64) ([]int64, error) {
	rows, err := tx.tx.Query(`SELECT block_id FROM inode_blocks WHERE inode = ?`, inode)
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

// TotalPhysSize sums every object's on-the-wire encoded size: the bytes
// actually stored at the backend, used for statfs's "used" figure.
func (tx *Tx) TotalPhysSize() (int64, error) {
	var total int64
	err := tx.tx.QueryRow(`SELECT COALESCE(SUM(phys_size), 0) FROM objects`).Scan(&total)
	return total, err
}
