// Package inode translates POSIX-shaped filesystem operations into
// metadata-database transactions and block-manager calls:
// offset→block translation for read/write, the three truncate cases,
// directory-tree mutations, and the open-handle table that defers destroying
// an unlinked-but-still-open inode.
package inode

import (
	"context"
	"sync"
	"time"

	"github.com/s3ql-go/s3ql/internal/block"
	"github.com/s3ql-go/s3ql/internal/metadb"
	"github.com/s3ql-go/s3ql/pkg/errors"
)

// Layer is the per-mount inode/data-path implementation.
type Layer struct {
	db        *metadb.DB
	blocks    *block.Manager
	blockSize int64

	mu            sync.Mutex
	openHandles   map[int64]int
	pendingUnlink map[int64]bool
}

// New builds an inode layer over db and blocks, translating offsets using
// blockSize (the filesystem's immutable data_block_size parameter).
func New(db *metadb.DB, blocks *block.Manager, blockSize int64) *Layer {
	return &Layer{
		db:            db,
		blocks:        blocks,
		blockSize:     blockSize,
		openHandles:   make(map[int64]int),
		pendingUnlink: make(map[int64]bool),
	}
}

func nowNs() int64 { return time.Now().UnixNano() }

// GetAttr returns an inode's metadata row.
func (l *Layer) GetAttr(ctx context.Context, inodeID int64) (*metadb.Inode, error) {
	var in *metadb.Inode
	err := l.db.WithTx(ctx, func(tx *metadb.Tx) error {
		var err error
		in, err = tx.GetInode(inodeID)
		return err
	})
	return in, err
}

// Lookup resolves a directory entry to its child inode id.
func (l *Layer) Lookup(ctx context.Context, parent int64, name []byte) (int64, error) {
	var child int64
	err := l.db.WithTx(ctx, func(tx *metadb.Tx) error {
		var err error
		child, err = tx.Lookup(parent, name)
		return err
	})
	return child, err
}

// Readdir lists a directory's entries.
func (l *Layer) Readdir(ctx context.Context, parent int64) ([]metadb.DirEntry, error) {
	var entries []metadb.DirEntry
	err := l.db.WithTx(ctx, func(tx *metadb.Tx) error {
		var err error
		entries, err = tx.Readdir(parent)
		return err
	})
	return entries, err
}

// Readlink returns a symlink's stored target.
func (l *Layer) Readlink(ctx context.Context, inodeID int64) ([]byte, error) {
	var target []byte
	err := l.db.WithTx(ctx, func(tx *metadb.Tx) error {
		var err error
		target, err = tx.GetSymlinkTarget(inodeID)
		return err
	})
	return target, err
}

func (l *Layer) createInode(ctx context.Context, parent int64, name []byte, mode uint32, uid, gid uint32, rdev uint64, refcount int64) (*metadb.Inode, error) {
	now := nowNs()
	in := &metadb.Inode{
		Mode: mode, UID: uid, GID: gid,
		AtimeNs: now, MtimeNs: now, CtimeNs: now,
		Refcount: refcount, Rdev: rdev,
	}
	err := l.db.WithTx(ctx, func(tx *metadb.Tx) error {
		id, err := tx.NextInodeID()
		if err != nil {
			return err
		}
		in.ID = id
		if err := tx.CreateInode(in); err != nil {
			return err
		}
		return tx.AddEntry(&metadb.DirEntry{ParentInode: parent, Name: name, ChildInode: id})
	})
	return in, err
}

// Create makes a regular file.
func (l *Layer) Create(ctx context.Context, parent int64, name []byte, mode uint32, uid, gid uint32) (*metadb.Inode, error) {
	return l.createInode(ctx, parent, name, mode, uid, gid, 0, 1)
}

// Mkdir makes a directory. Directory refcount is always 1.
func (l *Layer) Mkdir(ctx context.Context, parent int64, name []byte, mode uint32, uid, gid uint32) (*metadb.Inode, error) {
	return l.createInode(ctx, parent, name, mode, uid, gid, 0, 1)
}

// Mknod makes a device node.
func (l *Layer) Mknod(ctx context.Context, parent int64, name []byte, mode uint32, rdev uint64, uid, gid uint32) (*metadb.Inode, error) {
	return l.createInode(ctx, parent, name, mode, uid, gid, rdev, 1)
}

// Symlink makes a symbolic link pointing at target.
func (l *Layer) Symlink(ctx context.Context, parent int64, name []byte, target []byte, uid, gid uint32) (*metadb.Inode, error) {
	now := nowNs()
	in := &metadb.Inode{
		Mode: 0o120777, UID: uid, GID: gid,
		AtimeNs: now, MtimeNs: now, CtimeNs: now,
		Refcount: 1, Size: int64(len(target)),
	}
	err := l.db.WithTx(ctx, func(tx *metadb.Tx) error {
		id, err := tx.NextInodeID()
		if err != nil {
			return err
		}
		in.ID = id
		if err := tx.CreateInode(in); err != nil {
			return err
		}
		if err := tx.SetSymlinkTarget(id, target); err != nil {
			return err
		}
		return tx.AddEntry(&metadb.DirEntry{ParentInode: parent, Name: name, ChildInode: id})
	})
	return in, err
}

// Link adds another directory entry for an existing inode (hardlink),
// incrementing its refcount.
func (l *Layer) Link(ctx context.Context, parent int64, name []byte, target int64) error {
	return l.db.WithTx(ctx, func(tx *metadb.Tx) error {
		in, err := tx.GetInode(target)
		if err != nil {
			return err
		}
		if in.Mode&0o170000 == 0o040000 {
			return errors.NewError(errors.ErrCodeUnsupported, "hardlinks to directories are not supported")
		}
		if err := tx.AddEntry(&metadb.DirEntry{ParentInode: parent, Name: name, ChildInode: target}); err != nil {
			return err
		}
		in.Refcount++
		in.CtimeNs = nowNs()
		return tx.UpdateInode(in)
	})
}

// Unlink removes a directory entry. If the inode's refcount drops to zero
// and no handle has it open, the inode and its blocks are destroyed
// immediately; otherwise destruction is deferred until the last open
// handle closes.
func (l *Layer) Unlink(ctx context.Context, parent int64, name []byte) error {
	var destroy bool
	var target int64
	err := l.db.WithTx(ctx, func(tx *metadb.Tx) error {
		child, err := tx.Lookup(parent, name)
		if err != nil {
			return err
		}
		target = child
		in, err := tx.GetInode(child)
		if err != nil {
			return err
		}
		if err := tx.RemoveEntry(parent, name); err != nil {
			return err
		}
		in.Refcount--
		in.CtimeNs = nowNs()
		if err := tx.UpdateInode(in); err != nil {
			return err
		}
		if in.Refcount <= 0 {
			l.mu.Lock()
			open := l.openHandles[child] > 0
			l.mu.Unlock()
			if open {
				l.mu.Lock()
				l.pendingUnlink[child] = true
				l.mu.Unlock()
			} else {
				destroy = true
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if destroy {
		return l.destroy(ctx, target)
	}
	return nil
}

// Rmdir removes an empty directory.
func (l *Layer) Rmdir(ctx context.Context, parent int64, name []byte) error {
	return l.db.WithTx(ctx, func(tx *metadb.Tx) error {
		child, err := tx.Lookup(parent, name)
		if err != nil {
			return err
		}
		in, err := tx.GetInode(child)
		if err != nil {
			return err
		}
		if in.Mode&0o170000 != 0o040000 {
			return errors.NewError(errors.ErrCodeInvalidArgument, "not a directory")
		}
		entries, err := tx.Readdir(child)
		if err != nil {
			return err
		}
		if len(entries) > 0 {
			return errors.NewError(errors.ErrCodeInvalidArgument, "directory not empty")
		}
		if err := tx.RemoveEntry(parent, name); err != nil {
			return err
		}
		return tx.DeleteInode(child)
	})
}

// Rename moves a directory entry, rejecting a move into its own descendant
// (which maps to EINVAL at the FUSE layer).
func (l *Layer) Rename(ctx context.Context, oldParent int64, oldName []byte, newParent int64, newName []byte) error {
	return l.db.WithTx(ctx, func(tx *metadb.Tx) error {
		child, err := tx.Lookup(oldParent, oldName)
		if err != nil {
			return err
		}
		cur := newParent
		for {
			if cur == child {
				return errors.NewError(errors.ErrCodeInvalidArgument, "cannot rename a directory into its own descendant")
			}
			if cur == metadb.RootInode {
				break
			}
			parents, err := tx.EntriesForInode(cur)
			if err != nil {
				return err
			}
			if len(parents) == 0 {
				break
			}
			cur = parents[0].ParentInode
		}
		return tx.RenameEntry(oldParent, oldName, newParent, newName)
	})
}

// Open registers a new handle on inodeID, pinning it against destruction
// even if it is unlinked while open.
func (l *Layer) Open(inodeID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.openHandles[inodeID]++
}

// CloseHandle releases one open handle. If it was the last one and the
// inode was unlinked while open, the inode is destroyed now.
func (l *Layer) CloseHandle(ctx context.Context, inodeID int64) error {
	l.mu.Lock()
	l.openHandles[inodeID]--
	last := l.openHandles[inodeID] <= 0
	pending := last && l.pendingUnlink[inodeID]
	if last {
		delete(l.openHandles, inodeID)
		delete(l.pendingUnlink, inodeID)
	}
	l.mu.Unlock()

	if pending {
		return l.destroy(ctx, inodeID)
	}
	return nil
}

// destroy releases every block owned by inodeID and removes its row.
func (l *Layer) destroy(ctx context.Context, inodeID int64) error {
	var blockIDs []int64
	err := l.db.WithTx(ctx, func(tx *metadb.Tx) error {
		var err error
		blockIDs, err = tx.RemoveInodeBlocksFrom(inodeID, 0)
		if err != nil {
			return err
		}
		return tx.DeleteInode(inodeID)
	})
	if err != nil {
		return err
	}
	for _, id := range blockIDs {
		if err := l.blocks.Release(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Read returns up to length bytes starting at offset. Reads beyond the
// inode's size, or inside a hole, return zeros without backend traffic.
func (l *Layer) Read(ctx context.Context, inodeID int64, offset, length int64) ([]byte, error) {
	in, err := l.GetAttr(ctx, inodeID)
	if err != nil {
		return nil, err
	}
	if offset >= in.Size || length <= 0 {
		return []byte{}, nil
	}
	if offset+length > in.Size {
		length = in.Size - offset
	}

	result := make([]byte, 0, length)
	pos, remaining := offset, length
	for remaining > 0 {
		blockno := pos / l.blockSize
		blockOff := pos % l.blockSize
		n := l.blockSize - blockOff
		if n > remaining {
			n = remaining
		}

		var blockID int64
		var hadBlock bool
		err := l.db.WithTx(ctx, func(tx *metadb.Tx) error {
			var err error
			blockID, hadBlock, err = tx.GetInodeBlock(inodeID, blockno)
			return err
		})
		if err != nil {
			return nil, err
		}

		if !hadBlock {
			result = append(result, make([]byte, n)...)
		} else {
			data, err := l.blocks.Fetch(ctx, blockID)
			if err != nil {
				return nil, err
			}
			avail := int64(len(data)) - blockOff
			if avail < 0 {
				avail = 0
			}
			if avail > n {
				avail = n
			}
			if avail > 0 {
				result = append(result, data[blockOff:blockOff+avail]...)
			}
			if avail < n {
				result = append(result, make([]byte, n-avail)...)
			}
		}
		pos += n
		remaining -= n
	}
	return result, nil
}

// Write stores data at offset, extending the inode's size if necessary.
// A write that exactly covers a full aligned block replaces it outright;
// anything partial read-modify-writes the touched block. Either way the new
// content is rehashed on store, which may deduplicate against a different
// existing block, releasing the block's previous owner.
func (l *Layer) Write(ctx context.Context, inodeID int64, offset int64, data []byte) (int, error) {
	written := 0
	pos := offset
	remaining := data

	for len(remaining) > 0 {
		blockno := pos / l.blockSize
		blockOff := pos % l.blockSize
		n := l.blockSize - blockOff
		if n > int64(len(remaining)) {
			n = int64(len(remaining))
		}

		var oldBlockID int64
		var hadBlock bool
		err := l.db.WithTx(ctx, func(tx *metadb.Tx) error {
			var err error
			oldBlockID, hadBlock, err = tx.GetInodeBlock(inodeID, blockno)
			return err
		})
		if err != nil {
			return written, err
		}

		var plaintext []byte
		if blockOff == 0 && n == l.blockSize {
			// The write covers the entire block: the new bytes are the
			// block's full content, so there is nothing to merge and no
			// need to fetch the block it replaces.
			plaintext = remaining[:n]
		} else {
			buf := make([]byte, l.blockSize)
			contentLen := blockOff + n
			if hadBlock {
				existing, err := l.blocks.Fetch(ctx, oldBlockID)
				if err != nil {
					return written, err
				}
				copy(buf, existing)
				if int64(len(existing)) > contentLen {
					contentLen = int64(len(existing))
				}
			}
			copy(buf[blockOff:blockOff+n], remaining[:n])
			plaintext = buf[:contentLen]
		}

		newBlockID, err := l.blocks.Store(ctx, plaintext)
		if err != nil {
			return written, err
		}
		err = l.db.WithTx(ctx, func(tx *metadb.Tx) error {
			return tx.SetInodeBlock(inodeID, blockno, newBlockID)
		})
		if err != nil {
			return written, err
		}
		if hadBlock {
			if err := l.blocks.Release(ctx, oldBlockID); err != nil {
				return written, err
			}
		}

		written += int(n)
		pos += n
		remaining = remaining[n:]
	}

	return written, l.db.WithTx(ctx, func(tx *metadb.Tx) error {
		in, err := tx.GetInode(inodeID)
		if err != nil {
			return err
		}
		now := nowNs()
		in.MtimeNs = now
		in.CtimeNs = now
		if offset+int64(written) > in.Size {
			in.Size = offset + int64(written)
		}
		return tx.UpdateInode(in)
	})
}

// Truncate changes an inode's size, splitting into the three cases
// shrink discards blocks beyond the new last block,
// a partial last block is fetched and clipped, and growing is a pure
// metadata update producing a hole.
func (l *Layer) Truncate(ctx context.Context, inodeID int64, newSize int64) error {
	in, err := l.GetAttr(ctx, inodeID)
	if err != nil {
		return err
	}
	if newSize == in.Size {
		return nil
	}
	if newSize > in.Size {
		return l.db.WithTx(ctx, func(tx *metadb.Tx) error {
			in.Size = newSize
			now := nowNs()
			in.MtimeNs, in.CtimeNs = now, now
			return tx.UpdateInode(in)
		})
	}

	var lastBlockno int64 = -1
	if newSize > 0 {
		lastBlockno = (newSize - 1) / l.blockSize
	}

	var removed []int64
	err = l.db.WithTx(ctx, func(tx *metadb.Tx) error {
		var err error
		removed, err = tx.RemoveInodeBlocksFrom(inodeID, lastBlockno+1)
		return err
	})
	if err != nil {
		return err
	}
	for _, id := range removed {
		if err := l.blocks.Release(ctx, id); err != nil {
			return err
		}
	}

	if lastBlockno >= 0 {
		partialLen := newSize - lastBlockno*l.blockSize
		if partialLen < l.blockSize {
			var oldBlockID int64
			var hadBlock bool
			err = l.db.WithTx(ctx, func(tx *metadb.Tx) error {
				var err error
				oldBlockID, hadBlock, err = tx.GetInodeBlock(inodeID, lastBlockno)
				return err
			})
			if err != nil {
				return err
			}
			if hadBlock {
				data, err := l.blocks.Fetch(ctx, oldBlockID)
				if err != nil {
					return err
				}
				if int64(len(data)) > partialLen {
					data = data[:partialLen]
				}
				newBlockID, err := l.blocks.Store(ctx, data)
				if err != nil {
					return err
				}
				err = l.db.WithTx(ctx, func(tx *metadb.Tx) error {
					return tx.SetInodeBlock(inodeID, lastBlockno, newBlockID)
				})
				if err != nil {
					return err
				}
				if err := l.blocks.Release(ctx, oldBlockID); err != nil {
					return err
				}
			}
		}
	}

	return l.db.WithTx(ctx, func(tx *metadb.Tx) error {
		in.Size = newSize
		now := nowNs()
		in.MtimeNs, in.CtimeNs = now, now
		return tx.UpdateInode(in)
	})
}

// SetAttr applies a partial attribute update (mode/uid/gid), as used by
// chmod/chown/utimens.
func (l *Layer) SetAttr(ctx context.Context, inodeID int64, apply func(*metadb.Inode)) error {
	return l.db.WithTx(ctx, func(tx *metadb.Tx) error {
		in, err := tx.GetInode(inodeID)
		if err != nil {
			return err
		}
		apply(in)
		in.CtimeNs = nowNs()
		return tx.UpdateInode(in)
	})
}

func (l *Layer) GetXAttr(ctx context.Context, inodeID int64, name string) ([]byte, error) {
	var value []byte
	err := l.db.WithTx(ctx, func(tx *metadb.Tx) error {
		var err error
		value, err = tx.GetXAttr(inodeID, name)
		return err
	})
	return value, err
}

func (l *Layer) SetXAttr(ctx context.Context, inodeID int64, name string, value []byte) error {
	return l.db.WithTx(ctx, func(tx *metadb.Tx) error {
		return tx.SetXAttr(inodeID, name, value)
	})
}

func (l *Layer) ListXAttr(ctx context.Context, inodeID int64) ([]string, error) {
	var names []string
	err := l.db.WithTx(ctx, func(tx *metadb.Tx) error {
		var err error
		names, err = tx.ListXAttr(inodeID)
		return err
	})
	return names, err
}

func (l *Layer) RemoveXAttr(ctx context.Context, inodeID int64, name string) error {
	return l.db.WithTx(ctx, func(tx *metadb.Tx) error {
		return tx.RemoveXAttr(inodeID, name)
	})
}
