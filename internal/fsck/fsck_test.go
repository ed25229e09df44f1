package fsck

import (
	"bytes"
	"context"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/s3ql-go/s3ql/internal/backend"
	"github.com/s3ql-go/s3ql/internal/backend/local"
	"github.com/s3ql-go/s3ql/internal/block"
	"github.com/s3ql-go/s3ql/internal/blockcache"
	"github.com/s3ql-go/s3ql/internal/codec"
	"github.com/s3ql-go/s3ql/internal/metadb"
)

type testSetup struct {
	db        *metadb.DB
	mgr       *block.Manager
	cache     *blockcache.Cache
	be        backend.Backend
	masterKey []byte
}

func newTestSetup(t *testing.T) *testSetup {
	t.Helper()
	db, err := metadb.Open(filepath.Join(t.TempDir(), "metadata.db"))
	if err != nil {
		t.Fatalf("metadb.Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	be, err := local.New(t.TempDir())
	if err != nil {
		t.Fatalf("local.New() failed: %v", err)
	}

	masterKey := bytes.Repeat([]byte{0x44}, 32)
	mgr := block.NewManager(db, be, masterKey, block.Config{Algorithm: codec.AlgNone}, nil)
	cache, err := blockcache.New(blockcache.Config{
		Directory:     t.TempDir(),
		MaxEntries:    1000,
		MaxSize:       1 << 20,
		UploadWorkers: 2,
	}, mgr, mgr, nil)
	if err != nil {
		t.Fatalf("blockcache.New() failed: %v", err)
	}
	mgr.AttachCache(cache)
	cache.Start()
	t.Cleanup(cache.Stop)
	return &testSetup{db: db, mgr: mgr, cache: cache, be: be, masterKey: masterKey}
}

// store writes plaintext through the block manager and waits for its upload
// to land at the backend, so fsck's backend reconciliation sees it.
func (s *testSetup) store(t *testing.T, ctx context.Context, plaintext []byte) int64 {
	t.Helper()
	blockID, err := s.mgr.Store(ctx, plaintext)
	if err != nil {
		t.Fatalf("Store() failed: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.cache.WaitFlush(waitCtx, blockID); err != nil {
		t.Fatalf("WaitFlush(%d) failed: %v", blockID, err)
	}
	return blockID
}

func TestRunCleanFilesystemReportsClean(t *testing.T) {
	s := newTestSetup(t)
	ctx := context.Background()

	blockID := s.store(t, ctx, []byte("hello world"))

	err := s.db.WithTx(ctx, func(tx *metadb.Tx) error {
		id, err := tx.NextInodeID()
		if err != nil {
			return err
		}
		if err := tx.CreateInode(&metadb.Inode{ID: id, Mode: 0o100644, Refcount: 1}); err != nil {
			return err
		}
		return tx.SetInodeBlock(id, 0, blockID)
	})
	if err != nil {
		t.Fatalf("seed write failed: %v", err)
	}

	checker := New(s.db, s.be, s.masterKey, nil)
	report, err := checker.Run(ctx, Options{})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if !report.Clean {
		t.Errorf("report = %+v, want Clean", report)
	}
	if report.DanglingInodeBlocks != 0 || report.RefcountDrifts != 0 {
		t.Errorf("unexpected drift on a freshly-written filesystem: %+v", report)
	}
}

func TestRunRepairsBlockRefcountDrift(t *testing.T) {
	s := newTestSetup(t)
	ctx := context.Background()

	blockID := s.store(t, ctx, []byte("drifted block"))

	// Corrupt the recorded refcount directly, simulating drift from a crash
	// between an inode_blocks write and its refcount update.
	err := s.db.WithTx(ctx, func(tx *metadb.Tx) error {
		return tx.SetBlockRefcount(blockID, 5)
	})
	if err != nil {
		t.Fatalf("corrupting refcount failed: %v", err)
	}

	checker := New(s.db, s.be, s.masterKey, nil)
	report, err := checker.Run(ctx, Options{})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if report.RefcountDrifts == 0 {
		t.Error("expected Run() to detect and repair the forced refcount drift")
	}

	var blocks []metadb.Block
	err = s.db.WithTx(ctx, func(tx *metadb.Tx) error {
		var err error
		blocks, err = tx.AllBlocks()
		return err
	})
	if err != nil {
		t.Fatalf("AllBlocks() failed: %v", err)
	}
	for _, b := range blocks {
		if b.ID == blockID && b.Refcount != 0 {
			t.Errorf("block %d refcount = %d, want repaired to 0 (no inode_blocks rows reference it)", b.ID, b.Refcount)
		}
	}
}

func TestRunRemovesDanglingInodeBlocks(t *testing.T) {
	s := newTestSetup(t)
	ctx := context.Background()

	// Create an inode_blocks row pointing at a block_id that was never
	// inserted into the blocks table (simulates a crash between the two
	// writes).
	err := s.db.WithTx(ctx, func(tx *metadb.Tx) error {
		id, err := tx.NextInodeID()
		if err != nil {
			return err
		}
		if err := tx.CreateInode(&metadb.Inode{ID: id, Mode: 0o100644, Refcount: 1}); err != nil {
			return err
		}
		return tx.SetInodeBlock(id, 0, 9999)
	})
	if err != nil {
		t.Fatalf("seed write failed: %v", err)
	}

	checker := New(db, be, masterKey, nil)
	report, err := checker.Run(ctx, Options{})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if report.DanglingInodeBlocks != 1 {
		t.Errorf("DanglingInodeBlocks = %d, want 1", report.DanglingInodeBlocks)
	}
}

func TestRunMovesOrphanBackendObjectsToLostFound(t *testing.T) {
	db, _, be, masterKey := newTestSetup(t)
	ctx := context.Background()

	// Write a data object with no corresponding objects table row.
	encoded, err := codec.Encode(masterKey, 777, codec.AlgNone, 0, []byte("orphaned"))
	if err != nil {
		t.Fatalf("codec.Encode() failed: %v", err)
	}
	if err := be.Put(ctx, "s3ql_data_777", bytes.NewReader(encoded), int64(len(encoded)), nil); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	checker := New(db, be, masterKey, nil)
	report, err := checker.Run(ctx, Options{})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if report.OrphanObjects != 1 {
		t.Errorf("OrphanObjects = %d, want 1", report.OrphanObjects)
	}

	if _, err := be.Lookup(ctx, "s3ql_data_777"); err == nil {
		t.Error("orphan object should have been moved out of its original key")
	}
	if _, err := be.Lookup(ctx, "lost+found/s3ql_data_777"); err != nil {
		t.Errorf("orphan object should now be under lost+found/: %v", err)
	}
}

func TestRunDeepModeDetectsHashMismatch(t *testing.T) {
	db, mgr, be, masterKey := newTestSetup(t)
	ctx := context.Background()

	blockID, err := mgr.Store(ctx, []byte("original plaintext"))
	if err != nil {
		t.Fatalf("Store() failed: %v", err)
	}

	var objID int64
	err = db.WithTx(ctx, func(tx *metadb.Tx) error {
		b, err := tx.GetBlock(blockID)
		if err != nil {
			return err
		}
		objID = b.ObjID
		return nil
	})
	if err != nil {
		t.Fatalf("GetBlock() failed: %v", err)
	}

	// Overwrite the backend object with different (still validly encoded)
	// plaintext so its decoded hash no longer matches blocks.hash.
	tampered, err := codec.Encode(masterKey, uint64(objID), codec.AlgNone, 0, []byte("tampered plaintext!"))
	if err != nil {
		t.Fatalf("codec.Encode() failed: %v", err)
	}
	key := "s3ql_data_" + strconv.FormatInt(objID, 10)
	if err := be.Put(ctx, key, bytes.NewReader(tampered), int64(len(tampered)), nil); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	checker := New(db, be, masterKey, nil)
	report, err := checker.Run(ctx, Options{Deep: true})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if report.HashMismatches == 0 {
		t.Error("expected deep mode to detect the tampered object's hash mismatch")
	}
}
