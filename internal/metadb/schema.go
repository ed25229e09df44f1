package metadb

// schema is applied to a fresh metadata database (mkfs) and after
// downloading+replaying a snapshot on mount. Tables:
// inodes, directory contents, xattrs (name-interned), objects, blocks,
// inode_blocks, and the deferred-delete queue.
const schema = `
CREATE TABLE IF NOT EXISTS inodes (
	id        INTEGER PRIMARY KEY,
	mode      INTEGER NOT NULL,
	uid       INTEGER NOT NULL,
	gid       INTEGER NOT NULL,
	size      INTEGER NOT NULL DEFAULT 0,
	atime_ns  INTEGER NOT NULL,
	mtime_ns  INTEGER NOT NULL,
	ctime_ns  INTEGER NOT NULL,
	refcount  INTEGER NOT NULL DEFAULT 1,
	locked    INTEGER NOT NULL DEFAULT 0,
	rdev      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS contents (
	parent_inode INTEGER NOT NULL REFERENCES inodes(id),
	name         BLOB NOT NULL,
	child_inode  INTEGER NOT NULL REFERENCES inodes(id),
	UNIQUE (parent_inode, name)
);
CREATE INDEX IF NOT EXISTS idx_contents_parent_name ON contents(parent_inode, name);
CREATE INDEX IF NOT EXISTS idx_contents_child ON contents(child_inode);

CREATE TABLE IF NOT EXISTS symlink_targets (
	inode  INTEGER PRIMARY KEY REFERENCES inodes(id),
	target BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS ext_attribute_names (
	id   INTEGER PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS ext_attributes (
	inode   INTEGER NOT NULL REFERENCES inodes(id),
	name_id INTEGER NOT NULL REFERENCES ext_attribute_names(id),
	value   BLOB NOT NULL,
	PRIMARY KEY (inode, name_id)
);

CREATE TABLE IF NOT EXISTS objects (
	id        INTEGER PRIMARY KEY,
	refcount  INTEGER NOT NULL DEFAULT 0,
	hash      BLOB NOT NULL,
	phys_size INTEGER NOT NULL DEFAULT 0,
	length    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS blocks (
	id       INTEGER PRIMARY KEY,
	hash     BLOB NOT NULL UNIQUE,
	refcount INTEGER NOT NULL DEFAULT 0,
	size     INTEGER NOT NULL DEFAULT 0,
	obj_id   INTEGER NOT NULL REFERENCES objects(id)
);
CREATE INDEX IF NOT EXISTS idx_blocks_hash ON blocks(hash);

CREATE TABLE IF NOT EXISTS inode_blocks (
	inode   INTEGER NOT NULL REFERENCES inodes(id),
	blockno INTEGER NOT NULL,
	block_id INTEGER NOT NULL REFERENCES blocks(id),
	PRIMARY KEY (inode, blockno)
);
CREATE INDEX IF NOT EXISTS idx_inode_blocks_inode_blockno ON inode_blocks(inode, blockno);
CREATE INDEX IF NOT EXISTS idx_inode_blocks_block_id ON inode_blocks(block_id);

-- Deferred delete queue: objects awaiting backend deletion once
-- their refcount has dropped to zero.
CREATE TABLE IF NOT EXISTS objects_to_delete (
	obj_id    INTEGER PRIMARY KEY,
	enqueued_ns INTEGER NOT NULL
);

-- Per-mount volatile bookkeeping persisted so a cold-start (no prior
-- in-memory state) can resume next_inode_id correctly after a replayed
-- snapshot.
CREATE TABLE IF NOT EXISTS fs_params (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`
