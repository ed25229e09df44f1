package metadb

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "metadata.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenCreatesRootInode(t *testing.T) {
	db := openTestDB(t)
	err := db.WithTx(context.Background(), func(tx *Tx) error {
		in, err := tx.GetInode(RootInode)
		if err != nil {
			return err
		}
		if in.Refcount != 1 {
			t.Errorf("root refcount = %d, want 1", in.Refcount)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx failed: %v", err)
	}
}

func TestInodeCreateGetUpdateDelete(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	var id int64
	err := db.WithTx(ctx, func(tx *Tx) error {
		var err error
		id, err = tx.NextInodeID()
		if err != nil {
			return err
		}
		return tx.CreateInode(&Inode{ID: id, Mode: 0o100644, UID: 1000, GID: 1000, Refcount: 1})
	})
	if err != nil {
		t.Fatalf("create inode: %v", err)
	}

	err = db.WithTx(ctx, func(tx *Tx) error {
		in, err := tx.GetInode(id)
		if err != nil {
			return err
		}
		if in.Mode != 0o100644 {
			t.Errorf("mode = %o, want %o", in.Mode, 0o100644)
		}
		in.Size = 4096
		return tx.UpdateInode(in)
	})
	if err != nil {
		t.Fatalf("update inode: %v", err)
	}

	err = db.WithTx(ctx, func(tx *Tx) error {
		in, err := tx.GetInode(id)
		if err != nil {
			return err
		}
		if in.Size != 4096 {
			t.Errorf("size = %d, want 4096", in.Size)
		}
		return tx.DeleteInode(id)
	})
	if err != nil {
		t.Fatalf("delete inode: %v", err)
	}

	err = db.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.GetInode(id)
		return err
	})
	if err == nil {
		t.Fatal("expected error looking up deleted inode")
	}
}

func TestDirectoryEntriesAndRename(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	var fileID int64
	err := db.WithTx(ctx, func(tx *Tx) error {
		var err error
		fileID, err = tx.NextInodeID()
		if err != nil {
			return err
		}
		if err := tx.CreateInode(&Inode{ID: fileID, Mode: 0o100644, Refcount: 1}); err != nil {
			return err
		}
		return tx.AddEntry(&DirEntry{ParentInode: RootInode, Name: []byte("foo.txt"), ChildInode: fileID})
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	err = db.WithTx(ctx, func(tx *Tx) error {
		child, err := tx.Lookup(RootInode, []byte("foo.txt"))
		if err != nil {
			return err
		}
		if child != fileID {
			t.Errorf("lookup child = %d, want %d", child, fileID)
		}
		return tx.RenameEntry(RootInode, []byte("foo.txt"), RootInode, []byte("bar.txt"))
	})
	if err != nil {
		t.Fatalf("rename: %v", err)
	}

	err = db.WithTx(ctx, func(tx *Tx) error {
		entries, err := tx.Readdir(RootInode)
		if err != nil {
			return err
		}
		found := false
		for _, e := range entries {
			if string(e.Name) == "bar.txt" {
				found = true
			}
			if string(e.Name) == "foo.txt" {
				t.Error("old name still present after rename")
			}
		}
		if !found {
			t.Error("new name missing after rename")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
}

func TestXAttrRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	err := db.WithTx(ctx, func(tx *Tx) error {
		if err := tx.SetXAttr(RootInode, "user.comment", []byte("hello")); err != nil {
			return err
		}
		value, err := tx.GetXAttr(RootInode, "user.comment")
		if err != nil {
			return err
		}
		if string(value) != "hello" {
			t.Errorf("xattr value = %q, want %q", value, "hello")
		}
		names, err := tx.ListXAttr(RootInode)
		if err != nil {
			return err
		}
		if len(names) != 1 || names[0] != "user.comment" {
			t.Errorf("ListXAttr = %v, want [user.comment]", names)
		}
		return tx.RemoveXAttr(RootInode, "user.comment")
	})
	if err != nil {
		t.Fatalf("xattr round trip: %v", err)
	}

	err = db.WithTx(ctx, func(tx *Tx) error {
		names, err := tx.ListXAttr(RootInode)
		if err != nil {
			return err
		}
		if len(names) != 0 {
			t.Errorf("ListXAttr after remove = %v, want empty", names)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("xattr after remove: %v", err)
	}
}

func TestBlockDedupByHash(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	hash := []byte("0123456789abcdef0123456789abcdef")

	var firstBlockID, objID int64
	err := db.WithTx(ctx, func(tx *Tx) error {
		var err error
		objID, err = tx.CreateObject(hash)
		if err != nil {
			return err
		}
		firstBlockID, err = tx.CreateBlock(hash, 4096, objID)
		if err != nil {
			return err
		}
		_, err = tx.IncBlockRefcount(firstBlockID, 1)
		return err
	})
	if err != nil {
		t.Fatalf("create block: %v", err)
	}

	err = db.WithTx(ctx, func(tx *Tx) error {
		existing, err := tx.FindBlockByHash(hash)
		if err != nil {
			return err
		}
		if existing == nil || existing.ID != firstBlockID {
			t.Fatalf("FindBlockByHash did not find existing block")
		}
		refcount, err := tx.IncBlockRefcount(existing.ID, 1)
		if err != nil {
			return err
		}
		if refcount != 2 {
			t.Errorf("refcount after second reference = %d, want 2", refcount)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("dedup reference: %v", err)
	}
}

func TestInodeBlocksTruncateFrom(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	var fileID int64

	err := db.WithTx(ctx, func(tx *Tx) error {
		var err error
		fileID, err = tx.NextInodeID()
		if err != nil {
			return err
		}
		if err := tx.CreateInode(&Inode{ID: fileID, Mode: 0o100644, Refcount: 1}); err != nil {
			return err
		}
		objID, err := tx.CreateObject([]byte("h"))
		if err != nil {
			return err
		}
		for bn := int64(0); bn < 5; bn++ {
			blockID, err := tx.CreateBlock([]byte{byte(bn)}, 4096, objID)
			if err != nil {
				return err
			}
			if err := tx.SetInodeBlock(fileID, bn, blockID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	err = db.WithTx(ctx, func(tx *Tx) error {
		removed, err := tx.RemoveInodeBlocksFrom(fileID, 3)
		if err != nil {
			return err
		}
		if len(removed) != 2 {
			t.Errorf("removed %d blocks, want 2", len(removed))
		}
		maxBlockno, ok, err := tx.MaxBlockno(fileID)
		if err != nil {
			return err
		}
		if !ok || maxBlockno != 2 {
			t.Errorf("MaxBlockno = %d, %v; want 2, true", maxBlockno, ok)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
}

func TestDeleteQueue(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	err := db.WithTx(ctx, func(tx *Tx) error {
		objID, err := tx.CreateObject([]byte("h"))
		if err != nil {
			return err
		}
		return tx.EnqueueDelete(objID)
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	err = db.WithTx(ctx, func(tx *Tx) error {
		ids, err := tx.DrainDeleteQueue(10)
		if err != nil {
			return err
		}
		if len(ids) != 1 {
			t.Fatalf("drained %d ids, want 1", len(ids))
		}
		return tx.RemoveFromDeleteQueue(ids[0])
	})
	if err != nil {
		t.Fatalf("drain: %v", err)
	}

	err = db.WithTx(ctx, func(tx *Tx) error {
		ids, err := tx.DrainDeleteQueue(10)
		if err != nil {
			return err
		}
		if len(ids) != 0 {
			t.Errorf("queue not empty after removal: %v", ids)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify drained: %v", err)
	}
}
