// Package block implements the content-addressed block manager:
// store/fetch/release over the metadata database, object codec, and
// backend. Blocks with identical plaintext share one row (and one backend
// object); deletes are deferred through a persistent queue drained by a
// background loop.
package block

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/s3ql-go/s3ql/internal/backend"
	"github.com/s3ql-go/s3ql/internal/blockcache"
	"github.com/s3ql-go/s3ql/internal/codec"
	"github.com/s3ql-go/s3ql/internal/metadb"
	"github.com/s3ql-go/s3ql/pkg/errors"
	"github.com/s3ql-go/s3ql/pkg/utils"
)

// dataKey returns the backend key for an object id.
func dataKey(objID int64) string {
	return fmt.Sprintf("s3ql_data_%d", objID)
}

// Manager implements blockcache.Downloader and blockcache.Uploader, and is
// the only component that translates between plaintext blocks and
// encrypted backend objects.
type Manager struct {
	db        *metadb.DB
	be        backend.Backend
	cache     *blockcache.Cache
	masterKey []byte
	algorithm codec.Algorithm
	level     int
	logger    *utils.StructuredLogger

	drainInterval time.Duration
	drainBatch    int
	drainTicker   *time.Ticker
	stopCh        chan struct{}
	wg            sync.WaitGroup
}

// Config carries the block manager's codec and deferred-delete drain
// settings.
type Config struct {
	Algorithm     codec.Algorithm
	Level         int
	DrainInterval time.Duration
	DrainBatch    int
}

// NewManager builds a block manager. AttachCache must be called once the
// owning blockcache.Cache exists, since the two are mutually dependent
// (the cache calls back into the manager for downloads/uploads).
func NewManager(db *metadb.DB, be backend.Backend, masterKey []byte, cfg Config, logger *utils.StructuredLogger) *Manager {
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = 30 * time.Second
	}
	if cfg.DrainBatch <= 0 {
		cfg.DrainBatch = 64
	}
	return &Manager{
		db:            db,
		be:            be,
		masterKey:     masterKey,
		algorithm:     cfg.Algorithm,
		level:         cfg.Level,
		logger:        logger,
		drainInterval: cfg.DrainInterval,
		drainBatch:    cfg.DrainBatch,
		stopCh:        make(chan struct{}),
	}
}

// AttachCache wires the block cache this manager reads through and uploads
// for.
func (m *Manager) AttachCache(cache *blockcache.Cache) {
	m.cache = cache
}

// Store computes plaintext's content digest and either increments an
// existing block's refcount (dedup) or allocates a new block_id+obj_id and
// enqueues its ciphertext upload. The caller is expected to
// immediately attach the returned block_id to exactly one inode_blocks row;
// Store's refcount bookkeeping assumes that invariant.
func (m *Manager) Store(ctx context.Context, plaintext []byte) (int64, error) {
	digest := codec.Hash(plaintext)

	var blockID int64
	var isNew bool
	err := m.db.WithTx(ctx, func(tx *metadb.Tx) error {
		existing, err := tx.FindBlockByHash(digest[:])
		if err != nil {
			return err
		}
		if existing != nil {
			if _, err := tx.IncBlockRefcount(existing.ID, 1); err != nil {
				return err
			}
			blockID = existing.ID
			return nil
		}

		objID, err := tx.CreateObject(digest[:])
		if err != nil {
			return err
		}
		if _, err := tx.IncObjectRefcount(objID, 1); err != nil {
			return err
		}
		blockID, err = tx.CreateBlock(digest[:], int64(len(plaintext)), objID)
		if err != nil {
			return err
		}
		_, err = tx.IncBlockRefcount(blockID, 1)
		isNew = true
		return err
	})
	if err != nil {
		return 0, err
	}

	if isNew {
		if err := m.cache.Put(ctx, blockID, plaintext); err != nil {
			return 0, err
		}
	}
	return blockID, nil
}

// Fetch returns a block's plaintext, consulting the cache first.
func (m *Manager) Fetch(ctx context.Context, blockID int64) ([]byte, error) {
	return m.cache.Get(ctx, blockID)
}

// Release decrements a block's refcount; at zero it decrements the owning
// object's refcount and, if that also reaches zero, enqueues the object for
// deferred backend deletion and evicts its cache entry.
func (m *Manager) Release(ctx context.Context, blockID int64) error {
	return m.db.WithTx(ctx, func(tx *metadb.Tx) error {
		block, err := tx.GetBlock(blockID)
		if err != nil {
			return err
		}
		refcount, err := tx.IncBlockRefcount(blockID, -1)
		if err != nil {
			return err
		}
		if refcount > 0 {
			return nil
		}
		if err := tx.DeleteBlock(blockID); err != nil {
			return err
		}
		objRefcount, err := tx.IncObjectRefcount(block.ObjID, -1)
		if err != nil {
			return err
		}
		if objRefcount <= 0 {
			if err := tx.EnqueueDelete(block.ObjID); err != nil {
				return err
			}
		}
		m.cache.Evict(blockID)
		return nil
	})
}

// DownloadBlock implements blockcache.Downloader: fetch the ciphertext
// object, decrypt, decompress, and verify against the recorded hash.
func (m *Manager) DownloadBlock(ctx context.Context, blockID int64) ([]byte, error) {
	var block *metadb.Block
	err := m.db.WithTx(ctx, func(tx *metadb.Tx) error {
		var err error
		block, err = tx.GetBlock(blockID)
		return err
	})
	if err != nil {
		return nil, err
	}

	body, _, err := m.be.Get(ctx, dataKey(block.ObjID))
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()

	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body for block %d: %w", blockID, err)
	}

	plaintext, objID, err := codec.Decode(m.masterKey, raw)
	if err != nil {
		return nil, err
	}
	if objID != uint64(block.ObjID) {
		return nil, errors.NewError(errors.ErrCodeCorruption,
			fmt.Sprintf("object header obj_id %d does not match expected %d for block %d", objID, block.ObjID, blockID))
	}

	digest := codec.Hash(plaintext)
	if !bytes.Equal(digest[:], block.Hash) {
		return nil, errors.NewError(errors.ErrCodeCorruption,
			fmt.Sprintf("plaintext hash mismatch for block %d", blockID))
	}
	return plaintext, nil
}

// UploadBlock implements blockcache.Uploader: encrypt+compress plaintext
// under the configured codec settings and store it at the block's object
// key, recording the encoded size.
func (m *Manager) UploadBlock(ctx context.Context, blockID int64, plaintext []byte) error {
	var block *metadb.Block
	err := m.db.WithTx(ctx, func(tx *metadb.Tx) error {
		var err error
		block, err = tx.GetBlock(blockID)
		return err
	})
	if err != nil {
		return err
	}

	encoded, err := codec.Encode(m.masterKey, uint64(block.ObjID), m.algorithm, m.level, plaintext)
	if err != nil {
		return err
	}

	if err := m.be.Put(ctx, dataKey(block.ObjID), bytes.NewReader(encoded), int64(len(encoded)), nil); err != nil {
		return err
	}

	return m.db.WithTx(ctx, func(tx *metadb.Tx) error {
		return tx.SetObjectPhysSize(block.ObjID, int64(len(encoded)), int64(len(plaintext)))
	})
}

// Start launches the deferred-delete drain loop.
func (m *Manager) Start() {
	m.drainTicker = time.NewTicker(m.drainInterval)
	m.wg.Add(1)
	go m.drainLoop()
}

// Stop halts the drain loop after one final drain pass.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	if m.drainTicker != nil {
		m.drainTicker.Stop()
	}
}

func (m *Manager) drainLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.drainTicker.C:
			m.drainOnce(context.Background())
		case <-m.stopCh:
			m.drainOnce(context.Background())
			return
		}
	}
}

// drainOnce deletes a batch of backend objects queued by Release, removing
// each from objects_to_delete only after the backend confirms deletion.
func (m *Manager) drainOnce(ctx context.Context) {
	var ids []int64
	err := m.db.WithTx(ctx, func(tx *metadb.Tx) error {
		var err error
		ids, err = tx.DrainDeleteQueue(m.drainBatch)
		return err
	})
	if err != nil {
		if m.logger != nil {
			m.logger.WithComponent("block").Error(fmt.Sprintf("failed to read delete queue: %v", err))
		}
		return
	}
	for _, objID := range ids {
		if err := m.be.Delete(ctx, dataKey(objID)); err != nil {
			if m.logger != nil {
				m.logger.WithComponent("block").Error(fmt.Sprintf("failed to delete object %d: %v", objID, err))
			}
			continue
		}
		err := m.db.WithTx(ctx, func(tx *metadb.Tx) error {
			return tx.RemoveFromDeleteQueue(objID)
		})
		if err != nil && m.logger != nil {
			m.logger.WithComponent("block").Error(fmt.Sprintf("failed to dequeue deleted object %d: %v", objID, err))
		}
	}
}

var (
	_ blockcache.Downloader = (*Manager)(nil)
	_ blockcache.Uploader   = (*Manager)(nil)
)
