// This file binds the core Dispatcher to github.com/hanwen/go-fuse/v2.
// Node carries an inode ID and every method below is a thin translation
// from go-fuse's NodeXxx/FileXxx calling convention into the corresponding
// Dispatcher call, with pkg/errors.Errno() turning a returned
// *errors.S3QLError into the syscall.Errno go-fuse expects.
package dispatcher

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/s3ql-go/s3ql/internal/metadb"
)

// FS is the go-fuse root: one per mounted filesystem.
type FS struct {
	disp      *Dispatcher
	blockSize int64
}

// NewFS wraps disp as a go-fuse filesystem root.
func NewFS(disp *Dispatcher, blockSize int64) *FS {
	return &FS{disp: disp, blockSize: blockSize}
}

// Root returns the node for the root inode (metadb.RootInode).
func (f *FS) Root() fs.InodeEmbedder {
	return &Node{fsys: f, id: metadb.RootInode}
}

// Node is a go-fuse inode embedder addressing one S3QL inode.
type Node struct {
	fs.Inode
	fsys *FS
	id   int64
}

var (
	_ fs.NodeLookuper      = (*Node)(nil)
	_ fs.NodeGetattrer     = (*Node)(nil)
	_ fs.NodeSetattrer     = (*Node)(nil)
	_ fs.NodeReaddirer     = (*Node)(nil)
	_ fs.NodeMkdirer       = (*Node)(nil)
	_ fs.NodeCreater       = (*Node)(nil)
	_ fs.NodeUnlinker      = (*Node)(nil)
	_ fs.NodeRmdirer       = (*Node)(nil)
	_ fs.NodeRenamer       = (*Node)(nil)
	_ fs.NodeLinker        = (*Node)(nil)
	_ fs.NodeSymlinker     = (*Node)(nil)
	_ fs.NodeReadlinker    = (*Node)(nil)
	_ fs.NodeGetxattrer    = (*Node)(nil)
	_ fs.NodeSetxattrer    = (*Node)(nil)
	_ fs.NodeListxattrer   = (*Node)(nil)
	_ fs.NodeRemovexattrer = (*Node)(nil)
	_ fs.NodeStatfser      = (*Node)(nil)
	_ fs.NodeOpener        = (*Node)(nil)
)

func toAttr(in *metadb.Inode, out *fuse.Attr) {
	out.Mode = in.Mode
	out.Size = uint64(in.Size)
	out.Uid = in.UID
	out.Gid = in.GID
	out.Rdev = uint32(in.Rdev)
	out.Atime, out.Atimensec = splitNs(in.AtimeNs)
	out.Mtime, out.Mtimensec = splitNs(in.MtimeNs)
	out.Ctime, out.Ctimensec = splitNs(in.CtimeNs)
	out.Nlink = uint32(in.Refcount)
	if out.Nlink == 0 {
		out.Nlink = 1
	}
}

func splitNs(ns int64) (sec uint64, nsec uint32) {
	return uint64(ns / 1e9), uint32(ns % 1e9)
}

func (n *Node) child(ctx context.Context, childID int64) *fs.Inode {
	return n.NewInode(ctx, &Node{fsys: n.fsys, id: childID}, fs.StableAttr{Ino: uint64(childID)})
}

// Lookup resolves name under this directory.
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	childID, err := n.fsys.disp.Lookup(ctx, n.id, []byte(name))
	if err != nil {
		return nil, syscall.Errno(Errno(err))
	}
	in, err := n.fsys.disp.GetAttr(ctx, childID)
	if err != nil {
		return nil, syscall.Errno(Errno(err))
	}
	toAttr(in, &out.Attr)
	return n.child(ctx, childID), 0
}

// Getattr reports this inode's attributes.
func (n *Node) Getattr(ctx context.Context, _ fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	in, err := n.fsys.disp.GetAttr(ctx, n.id)
	if err != nil {
		return syscall.Errno(Errno(err))
	}
	toAttr(in, &out.Attr)
	return 0
}

// Setattr applies a partial attribute change (chmod/chown/truncate/utimes).
func (n *Node) Setattr(ctx context.Context, _ fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if size, ok := in.GetSize(); ok {
		if err := n.fsys.disp.Truncate(ctx, n.id, int64(size)); err != nil {
			return syscall.Errno(Errno(err))
		}
	}
	err := n.fsys.disp.SetAttr(ctx, n.id, func(inode *metadb.Inode) {
		if mode, ok := in.GetMode(); ok {
			inode.Mode = (inode.Mode &^ 0o7777) | (mode & 0o7777)
		}
		if uid, ok := in.GetUID(); ok {
			inode.UID = uid
		}
		if gid, ok := in.GetGID(); ok {
			inode.GID = gid
		}
		if mtime, ok := in.GetMTime(); ok {
			inode.MtimeNs = mtime.UnixNano()
		}
		if atime, ok := in.GetATime(); ok {
			inode.AtimeNs = atime.UnixNano()
		}
	})
	if err != nil {
		return syscall.Errno(Errno(err))
	}
	attr, err := n.fsys.disp.GetAttr(ctx, n.id)
	if err != nil {
		return syscall.Errno(Errno(err))
	}
	toAttr(attr, &out.Attr)
	return 0
}

type dirStream struct {
	entries []metadb.DirEntry
	pos     int
}

func (d *dirStream) HasNext() bool { return d.pos < len(d.entries) }
func (d *dirStream) Next() (fuse.DirEntry, syscall.Errno) {
	e := d.entries[d.pos]
	d.pos++
	// The directory entry itself doesn't carry the child's type; go-fuse
	// only uses Mode's file-type bits for the d_type hint, which callers
	// tolerate being DT_UNKNOWN (0) and resolve via a follow-up Lookup.
	return fuse.DirEntry{Ino: uint64(e.ChildInode), Name: string(e.Name)}, 0
}
func (d *dirStream) Close() {}

// Readdir lists this directory's entries.
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := n.fsys.disp.Readdir(ctx, n.id)
	if err != nil {
		return nil, syscall.Errno(Errno(err))
	}
	return &dirStream{entries: entries}, 0
}

// Mkdir creates a subdirectory.
func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	caller, _ := fuse.FromContext(ctx)
	uid, gid := callerIDs(caller)
	// The kernel sends permission bits only for MKDIR; the stored mode must
	// carry the type.
	in, err := n.fsys.disp.Mkdir(ctx, n.id, []byte(name), (mode&0o7777)|syscall.S_IFDIR, uid, gid)
	if err != nil {
		return nil, syscall.Errno(Errno(err))
	}
	toAttr(in, &out.Attr)
	return n.child(ctx, in.ID), 0
}

// Create makes a regular file and opens it.
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	caller, _ := fuse.FromContext(ctx)
	uid, gid := callerIDs(caller)
	in, err := n.fsys.disp.Create(ctx, n.id, []byte(name), (mode&0o7777)|syscall.S_IFREG, uid, gid)
	if err != nil {
		return nil, nil, 0, syscall.Errno(Errno(err))
	}
	toAttr(in, &out.Attr)
	return n.child(ctx, in.ID), &Handle{fsys: n.fsys, id: in.ID}, 0, 0
}

// Unlink removes a directory entry.
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	if err := n.fsys.disp.Unlink(ctx, n.id, []byte(name)); err != nil {
		return syscall.Errno(Errno(err))
	}
	return 0
}

// Rmdir removes an empty subdirectory.
func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	if err := n.fsys.disp.Rmdir(ctx, n.id, []byte(name)); err != nil {
		return syscall.Errno(Errno(err))
	}
	return 0
}

// Rename moves a directory entry, possibly across directories.
func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, _ uint32) syscall.Errno {
	dst, ok := newParent.(*Node)
	if !ok {
		return syscall.EINVAL
	}
	if err := n.fsys.disp.Rename(ctx, n.id, []byte(name), dst.id, []byte(newName)); err != nil {
		return syscall.Errno(Errno(err))
	}
	return 0
}

// Link adds a hardlink to an existing inode under this directory.
func (n *Node) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	src, ok := target.(*Node)
	if !ok {
		return nil, syscall.EINVAL
	}
	if err := n.fsys.disp.Link(ctx, n.id, []byte(name), src.id); err != nil {
		return nil, syscall.Errno(Errno(err))
	}
	in, err := n.fsys.disp.GetAttr(ctx, src.id)
	if err != nil {
		return nil, syscall.Errno(Errno(err))
	}
	toAttr(in, &out.Attr)
	return n.child(ctx, src.id), 0
}

// Symlink creates a symbolic link.
func (n *Node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	caller, _ := fuse.FromContext(ctx)
	uid, gid := callerIDs(caller)
	in, err := n.fsys.disp.Symlink(ctx, n.id, []byte(name), []byte(target), uid, gid)
	if err != nil {
		return nil, syscall.Errno(Errno(err))
	}
	toAttr(in, &out.Attr)
	return n.child(ctx, in.ID), 0
}

// Readlink returns this symlink's target.
func (n *Node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.fsys.disp.Readlink(ctx, n.id)
	if err != nil {
		return nil, syscall.Errno(Errno(err))
	}
	return target, 0
}

// Getxattr returns an extended attribute's value.
func (n *Node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	value, err := n.fsys.disp.GetXAttr(ctx, n.id, attr)
	if err != nil {
		return 0, syscall.Errno(Errno(err))
	}
	if len(dest) < len(value) {
		return uint32(len(value)), syscall.ERANGE
	}
	copy(dest, value)
	return uint32(len(value)), 0
}

// Setxattr sets an extended attribute.
func (n *Node) Setxattr(ctx context.Context, attr string, data []byte, _ uint32) syscall.Errno {
	if err := n.fsys.disp.SetXAttr(ctx, n.id, attr, data); err != nil {
		return syscall.Errno(Errno(err))
	}
	return 0
}

// Listxattr lists extended attribute names, NUL-joined per the FUSE ABI.
func (n *Node) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	names, err := n.fsys.disp.ListXAttr(ctx, n.id)
	if err != nil {
		return 0, syscall.Errno(Errno(err))
	}
	var size int
	for _, name := range names {
		size += len(name) + 1
	}
	if len(dest) < size {
		return uint32(size), syscall.ERANGE
	}
	off := 0
	for _, name := range names {
		off += copy(dest[off:], name)
		dest[off] = 0
		off++
	}
	return uint32(size), 0
}

// Removexattr removes an extended attribute.
func (n *Node) Removexattr(ctx context.Context, attr string) syscall.Errno {
	if err := n.fsys.disp.RemoveXAttr(ctx, n.id, attr); err != nil {
		return syscall.Errno(Errno(err))
	}
	return 0
}

// Statfs reports filesystem-wide space usage.
func (n *Node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	stat, err := n.fsys.disp.StatFS(ctx, n.fsys.blockSize)
	if err != nil {
		return syscall.Errno(Errno(err))
	}
	out.Bsize = uint32(stat.BlockSize)
	out.Blocks = uint64(stat.UsedBytes+stat.FreeBytes) / uint64(stat.BlockSize)
	out.Bfree = uint64(stat.FreeBytes) / uint64(stat.BlockSize)
	out.Bavail = out.Bfree
	out.NameLen = 255
	return 0
}

// Open opens an existing inode for I/O.
func (n *Node) Open(ctx context.Context, _ uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if err := n.fsys.disp.Open(ctx, n.id); err != nil {
		return nil, 0, syscall.Errno(Errno(err))
	}
	return &Handle{fsys: n.fsys, id: n.id}, 0, 0
}

// Handle is an open file handle on one inode.
type Handle struct {
	fsys *FS
	id   int64
}

var (
	_ fs.FileReader   = (*Handle)(nil)
	_ fs.FileWriter   = (*Handle)(nil)
	_ fs.FileFlusher  = (*Handle)(nil)
	_ fs.FileReleaser = (*Handle)(nil)
	_ fs.FileFsyncer  = (*Handle)(nil)
)

// Read returns up to len(dest) bytes starting at off.
func (h *Handle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, err := h.fsys.disp.Read(ctx, h.id, off, int64(len(dest)))
	if err != nil {
		return nil, syscall.Errno(Errno(err))
	}
	return fuse.ReadResultData(data), 0
}

// Write stores data at off.
func (h *Handle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := h.fsys.disp.Write(ctx, h.id, off, data)
	if err != nil {
		return 0, syscall.Errno(Errno(err))
	}
	return uint32(n), 0
}

// Flush waits for this inode's dirty blocks to finish uploading.
func (h *Handle) Flush(ctx context.Context) syscall.Errno {
	if err := h.fsys.disp.Flush(ctx, h.id); err != nil {
		return syscall.Errno(Errno(err))
	}
	return 0
}

// Fsync is equivalent to Flush in this engine; see Dispatcher.Fsync.
func (h *Handle) Fsync(ctx context.Context, _ uint32) syscall.Errno {
	if err := h.fsys.disp.Fsync(ctx, h.id); err != nil {
		return syscall.Errno(Errno(err))
	}
	return 0
}

// Release closes this handle.
func (h *Handle) Release(ctx context.Context) syscall.Errno {
	if err := h.fsys.disp.Release(ctx, h.id); err != nil {
		return syscall.Errno(Errno(err))
	}
	return 0
}

func callerIDs(caller *fuse.Caller) (uid, gid uint32) {
	if caller == nil {
		return 0, 0
	}
	return caller.Uid, caller.Gid
}
