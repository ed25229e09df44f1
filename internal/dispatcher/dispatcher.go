// Package dispatcher implements the request dispatcher: the single entry
// point receiving FUSE-shaped operations and routing them through
// internal/inode, internal/block and internal/blockcache. Metadata
// transactions already serialize at internal/metadb (a single sqlite
// connection acts as the global metadata lock); Dispatcher's own job is
// per-operation timing/metrics, drain-flag rejection once shutdown begins,
// and mapping every error kind to the POSIX errno FUSE expects.
package dispatcher

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/s3ql-go/s3ql/internal/block"
	"github.com/s3ql-go/s3ql/internal/blockcache"
	"github.com/s3ql-go/s3ql/internal/inode"
	"github.com/s3ql-go/s3ql/internal/metadb"
	"github.com/s3ql-go/s3ql/internal/metrics"
	"github.com/s3ql-go/s3ql/pkg/errors"
	"github.com/s3ql-go/s3ql/pkg/utils"
)

// MinFree is the floor statfs reports free space at: free is
// max(used, 1 TiB), so the reported total never reads below 2 TiB.
const MinFree = 1 << 40 // 1 TiB

// Dispatcher is the serialized entry point for every filesystem operation.
// One Dispatcher serves one mount.
type Dispatcher struct {
	db     *metadb.DB
	inodes *inode.Layer
	blocks *block.Manager
	cache  *blockcache.Cache
	logger *utils.StructuredLogger
	metric *metrics.Collector

	shuttingDown atomic.Bool
}

// New builds a dispatcher over an already-wired inode layer, block manager
// and block cache.
func New(db *metadb.DB, inodes *inode.Layer, blocks *block.Manager, cache *blockcache.Cache, logger *utils.StructuredLogger, metric *metrics.Collector) *Dispatcher {
	return &Dispatcher{db: db, inodes: inodes, blocks: blocks, cache: cache, logger: logger, metric: metric}
}

// BeginShutdown sets the drain flag: every subsequent call returns
// shutting-down immediately. In-flight calls are not
// interrupted; the caller (internal/engine) is expected to have already
// waited out any operations it cares about before calling this if it wants
// a truly quiescent state, but for the purposes of the drain-flag contract
// itself this is enough: new operations receive shutting-down.
func (d *Dispatcher) BeginShutdown() {
	d.shuttingDown.Store(true)
}

func (d *Dispatcher) checkShuttingDown() error {
	if d.shuttingDown.Load() {
		return errors.NewError(errors.ErrCodeShuttingDown, "filesystem is shutting down").WithComponent("dispatcher")
	}
	return nil
}

func (d *Dispatcher) record(op string, start time.Time, size int64, err error) {
	if d.metric == nil {
		return
	}
	d.metric.RecordOperation(op, time.Since(start), size, err == nil)
	if err != nil {
		d.metric.RecordError(op, err)
	}
}

// Errno maps any error this package's methods return to the POSIX errno a
// FUSE binding should surface to the kernel.
func Errno(err error) int32 {
	if err == nil {
		return 0
	}
	if se, ok := errors.As(err); ok {
		return int32(errors.Errno(se.Code))
	}
	return int32(errors.Errno(errors.ErrCodeCorruption))
}

// GetAttr returns an inode's metadata row.
func (d *Dispatcher) GetAttr(ctx context.Context, inodeID int64) (*metadb.Inode, error) {
	start := time.Now()
	if err := d.checkShuttingDown(); err != nil {
		return nil, err
	}
	in, err := d.inodes.GetAttr(ctx, inodeID)
	d.record("getattr", start, 0, err)
	return in, err
}

// Lookup resolves a directory entry.
func (d *Dispatcher) Lookup(ctx context.Context, parent int64, name []byte) (int64, error) {
	start := time.Now()
	if err := d.checkShuttingDown(); err != nil {
		return 0, err
	}
	child, err := d.inodes.Lookup(ctx, parent, name)
	d.record("lookup", start, 0, err)
	return child, err
}

// Readdir lists a directory's entries.
func (d *Dispatcher) Readdir(ctx context.Context, parent int64) ([]metadb.DirEntry, error) {
	start := time.Now()
	if err := d.checkShuttingDown(); err != nil {
		return nil, err
	}
	entries, err := d.inodes.Readdir(ctx, parent)
	d.record("readdir", start, 0, err)
	return entries, err
}

// Open registers a new handle on inodeID.
func (d *Dispatcher) Open(ctx context.Context, inodeID int64) error {
	start := time.Now()
	err := d.checkShuttingDown()
	if err == nil {
		d.inodes.Open(inodeID)
	}
	d.record("open", start, 0, err)
	return err
}

// Create makes a regular file and opens it.
func (d *Dispatcher) Create(ctx context.Context, parent int64, name []byte, mode uint32, uid, gid uint32) (*metadb.Inode, error) {
	start := time.Now()
	if err := d.checkShuttingDown(); err != nil {
		return nil, err
	}
	in, err := d.inodes.Create(ctx, parent, name, mode, uid, gid)
	if err == nil {
		d.inodes.Open(in.ID)
	}
	d.record("create", start, 0, err)
	return in, err
}

// Read returns up to length bytes starting at offset.
func (d *Dispatcher) Read(ctx context.Context, inodeID int64, offset, length int64) ([]byte, error) {
	start := time.Now()
	if err := d.checkShuttingDown(); err != nil {
		return nil, err
	}
	data, err := d.inodes.Read(ctx, inodeID, offset, length)
	d.record("read", start, int64(len(data)), err)
	return data, err
}

// Write stores data at offset.
func (d *Dispatcher) Write(ctx context.Context, inodeID int64, offset int64, data []byte) (int, error) {
	start := time.Now()
	if err := d.checkShuttingDown(); err != nil {
		return 0, err
	}
	n, err := d.inodes.Write(ctx, inodeID, offset, data)
	d.record("write", start, int64(n), err)
	return n, err
}

// Flush waits for every block an inode owns to finish an acknowledged
// upload. Unlike the other operations this deliberately does not fail
// fast on the drain flag: a flush in flight when shutdown begins is exactly
// the drain the shutdown sequence depends on completing.
func (d *Dispatcher) Flush(ctx context.Context, inodeID int64) error {
	start := time.Now()
	var blockIDs []int64
	err := d.db.WithTx(ctx, func(tx *metadb.Tx) error {
		var err error
		blockIDs, err = tx.BlockIDsForInode(inodeID)
		return err
	})
	if err == nil {
		for _, id := range blockIDs {
			if werr := d.cache.WaitFlush(ctx, id); werr != nil {
				err = werr
				break
			}
		}
	}
	d.record("flush", start, 0, err)
	return err
}

// Fsync is Flush plus a checkpoint hint; in this engine both reduce to
// waiting for every owned block's upload to acknowledge, since metadata
// mutations are already transactionally durable the moment their
// transaction commits.
func (d *Dispatcher) Fsync(ctx context.Context, inodeID int64) error {
	start := time.Now()
	err := d.Flush(ctx, inodeID)
	d.record("fsync", start, 0, err)
	return err
}

// Release closes one open handle on inodeID, destroying the inode if it was
// unlinked while open and this was the last handle.
func (d *Dispatcher) Release(ctx context.Context, inodeID int64) error {
	start := time.Now()
	err := d.inodes.CloseHandle(ctx, inodeID)
	d.record("release", start, 0, err)
	return err
}

// Unlink removes a directory entry.
func (d *Dispatcher) Unlink(ctx context.Context, parent int64, name []byte) error {
	start := time.Now()
	if err := d.checkShuttingDown(); err != nil {
		return err
	}
	err := d.inodes.Unlink(ctx, parent, name)
	d.record("unlink", start, 0, err)
	return err
}

// Mkdir makes a directory.
func (d *Dispatcher) Mkdir(ctx context.Context, parent int64, name []byte, mode uint32, uid, gid uint32) (*metadb.Inode, error) {
	start := time.Now()
	if err := d.checkShuttingDown(); err != nil {
		return nil, err
	}
	in, err := d.inodes.Mkdir(ctx, parent, name, mode, uid, gid)
	d.record("mkdir", start, 0, err)
	return in, err
}

// Rmdir removes an empty directory.
func (d *Dispatcher) Rmdir(ctx context.Context, parent int64, name []byte) error {
	start := time.Now()
	if err := d.checkShuttingDown(); err != nil {
		return err
	}
	err := d.inodes.Rmdir(ctx, parent, name)
	d.record("rmdir", start, 0, err)
	return err
}

// Rename moves a directory entry.
func (d *Dispatcher) Rename(ctx context.Context, oldParent int64, oldName []byte, newParent int64, newName []byte) error {
	start := time.Now()
	if err := d.checkShuttingDown(); err != nil {
		return err
	}
	err := d.inodes.Rename(ctx, oldParent, oldName, newParent, newName)
	d.record("rename", start, 0, err)
	return err
}

// Link adds a hardlink.
func (d *Dispatcher) Link(ctx context.Context, parent int64, name []byte, target int64) error {
	start := time.Now()
	if err := d.checkShuttingDown(); err != nil {
		return err
	}
	err := d.inodes.Link(ctx, parent, name, target)
	d.record("link", start, 0, err)
	return err
}

// Symlink makes a symbolic link.
func (d *Dispatcher) Symlink(ctx context.Context, parent int64, name, target []byte, uid, gid uint32) (*metadb.Inode, error) {
	start := time.Now()
	if err := d.checkShuttingDown(); err != nil {
		return nil, err
	}
	in, err := d.inodes.Symlink(ctx, parent, name, target, uid, gid)
	d.record("symlink", start, 0, err)
	return in, err
}

// Mknod makes a device node.
func (d *Dispatcher) Mknod(ctx context.Context, parent int64, name []byte, mode uint32, rdev uint64, uid, gid uint32) (*metadb.Inode, error) {
	start := time.Now()
	if err := d.checkShuttingDown(); err != nil {
		return nil, err
	}
	in, err := d.inodes.Mknod(ctx, parent, name, mode, rdev, uid, gid)
	d.record("mknod", start, 0, err)
	return in, err
}

// Readlink returns a symlink's target.
func (d *Dispatcher) Readlink(ctx context.Context, inodeID int64) ([]byte, error) {
	start := time.Now()
	if err := d.checkShuttingDown(); err != nil {
		return nil, err
	}
	target, err := d.inodes.Readlink(ctx, inodeID)
	d.record("readlink", start, 0, err)
	return target, err
}

// Truncate changes an inode's size.
func (d *Dispatcher) Truncate(ctx context.Context, inodeID int64, size int64) error {
	start := time.Now()
	if err := d.checkShuttingDown(); err != nil {
		return err
	}
	err := d.inodes.Truncate(ctx, inodeID, size)
	d.record("truncate", start, 0, err)
	return err
}

// SetAttr applies a partial attribute update.
func (d *Dispatcher) SetAttr(ctx context.Context, inodeID int64, apply func(*metadb.Inode)) error {
	start := time.Now()
	if err := d.checkShuttingDown(); err != nil {
		return err
	}
	err := d.inodes.SetAttr(ctx, inodeID, apply)
	d.record("setattr", start, 0, err)
	return err
}

// GetXAttr returns an extended attribute's value.
func (d *Dispatcher) GetXAttr(ctx context.Context, inodeID int64, name string) ([]byte, error) {
	start := time.Now()
	if err := d.checkShuttingDown(); err != nil {
		return nil, err
	}
	value, err := d.inodes.GetXAttr(ctx, inodeID, name)
	d.record("getxattr", start, 0, err)
	return value, err
}

// SetXAttr sets an extended attribute.
func (d *Dispatcher) SetXAttr(ctx context.Context, inodeID int64, name string, value []byte) error {
	start := time.Now()
	if err := d.checkShuttingDown(); err != nil {
		return err
	}
	err := d.inodes.SetXAttr(ctx, inodeID, name, value)
	d.record("setxattr", start, 0, err)
	return err
}

// ListXAttr lists extended attribute names.
func (d *Dispatcher) ListXAttr(ctx context.Context, inodeID int64) ([]string, error) {
	start := time.Now()
	if err := d.checkShuttingDown(); err != nil {
		return nil, err
	}
	names, err := d.inodes.ListXAttr(ctx, inodeID)
	d.record("listxattr", start, 0, err)
	return names, err
}

// RemoveXAttr removes an extended attribute.
func (d *Dispatcher) RemoveXAttr(ctx context.Context, inodeID int64, name string) error {
	start := time.Now()
	if err := d.checkShuttingDown(); err != nil {
		return err
	}
	err := d.inodes.RemoveXAttr(ctx, inodeID, name)
	d.record("removexattr", start, 0, err)
	return err
}

// StatFS reports filesystem-wide space usage: used is the sum of
// bytes actually stored at the backend, free is reported as max(used, 1
// TiB) so the total never reads as less than 2 TiB.
type StatFS struct {
	UsedBytes int64
	FreeBytes int64
	BlockSize int64
}

func (d *Dispatcher) StatFS(ctx context.Context, blockSize int64) (*StatFS, error) {
	start := time.Now()
	if err := d.checkShuttingDown(); err != nil {
		return nil, err
	}
	var used int64
	err := d.db.WithTx(ctx, func(tx *metadb.Tx) error {
		var err error
		used, err = tx.TotalPhysSize()
		return err
	})
	d.record("statfs", start, 0, err)
	if err != nil {
		return nil, err
	}
	free := used
	if free < MinFree {
		free = MinFree
	}
	return &StatFS{UsedBytes: used, FreeBytes: free, BlockSize: blockSize}, nil
}
