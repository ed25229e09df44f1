// Package uploader implements the metadata uploader: periodic incremental
// snapshots of changed database pages plus a full snapshot with rotating
// backups on clean unmount.
package uploader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/s3ql-go/s3ql/internal/backend"
	"github.com/s3ql-go/s3ql/internal/codec"
	"github.com/s3ql-go/s3ql/internal/metadb"
	"github.com/s3ql-go/s3ql/pkg/utils"
)

const (
	fullKey      = "s3ql_metadata"
	backupPrefix = "s3ql_metadata_bak"
	deltaPrefix  = "s3ql_metadata_delta_"
)

// Config carries the uploader's cadence and codec settings.
type Config struct {
	IncrementalInterval time.Duration
	KeepBackups         int
	Algorithm           codec.Algorithm
	Level               int
}

// Manager periodically ships the metadata database's changed pages to the
// backend, and performs a full rotated snapshot on clean unmount.
type Manager struct {
	db        *metadb.DB
	dbPath    string
	walPath   string
	be        backend.Backend
	masterKey []byte
	cfg       Config
	logger    *utils.StructuredLogger

	mu         sync.Mutex
	nextDelta  int64
	deltaSeqOK bool

	ticker *time.Ticker
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager builds a metadata uploader. dbPath must be the same path
// passed to metadb.Open; the uploader reads it and its "-wal" sibling
// directly from disk.
func NewManager(db *metadb.DB, dbPath string, be backend.Backend, masterKey []byte, cfg Config, logger *utils.StructuredLogger) *Manager {
	if cfg.IncrementalInterval <= 0 {
		cfg.IncrementalInterval = 24 * time.Hour
	}
	if cfg.KeepBackups <= 0 {
		cfg.KeepBackups = 10
	}
	return &Manager{
		db:        db,
		dbPath:    dbPath,
		walPath:   dbPath + "-wal",
		be:        be,
		masterKey: masterKey,
		cfg:       cfg,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the incremental-upload ticker.
func (m *Manager) Start() {
	m.ticker = time.NewTicker(m.cfg.IncrementalInterval)
	m.wg.Add(1)
	go m.loop()
}

// Stop halts the ticker. It does not perform a final upload; callers
// orchestrating a clean unmount should call UploadFull explicitly first.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	if m.ticker != nil {
		m.ticker.Stop()
	}
}

func (m *Manager) loop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ticker.C:
			if err := m.UploadIncremental(context.Background()); err != nil && m.logger != nil {
				m.logger.WithComponent("uploader").Error(fmt.Sprintf("incremental upload failed: %v", err))
			}
		case <-m.stopCh:
			return
		}
	}
}

// UploadIncremental ships the database's WAL file (the pages changed since
// the last checkpoint) as a numbered delta object, then checkpoints the
// database so the next delta starts from an empty WAL.
func (m *Manager) UploadIncremental(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// After a crash-remount the backend may still hold deltas from the
	// previous mount; new deltas must number past them, not overwrite them.
	if !m.deltaSeqOK {
		keys, err := m.be.List(ctx, deltaPrefix)
		if err != nil {
			return fmt.Errorf("failed to list existing metadata deltas: %w", err)
		}
		for _, key := range keys {
			if seq := deltaSeq(key); seq >= m.nextDelta {
				m.nextDelta = seq + 1
			}
		}
		m.deltaSeqOK = true
	}

	data, err := os.ReadFile(m.walPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read wal file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	encoded, err := codec.Encode(m.masterKey, uint64(m.nextDelta), m.cfg.Algorithm, m.cfg.Level, data)
	if err != nil {
		return fmt.Errorf("failed to encode metadata delta: %w", err)
	}
	key := fmt.Sprintf("%s%d", deltaPrefix, m.nextDelta)
	if err := m.be.Put(ctx, key, bytes.NewReader(encoded), int64(len(encoded)), nil); err != nil {
		return fmt.Errorf("failed to upload metadata delta: %w", err)
	}

	if err := m.db.Checkpoint(); err != nil {
		return fmt.Errorf("failed to checkpoint database after delta upload: %w", err)
	}
	m.nextDelta++
	return nil
}

// UploadFull checkpoints the database, rotates existing backups, uploads the
// current database file as the new full snapshot, and removes the delta
// objects it supersedes.
func (m *Manager) UploadFull(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.db.Checkpoint(); err != nil {
		return fmt.Errorf("failed to checkpoint database before full upload: %w", err)
	}
	data, err := os.ReadFile(m.dbPath)
	if err != nil {
		return fmt.Errorf("failed to read metadata database: %w", err)
	}

	if err := m.rotateBackups(ctx); err != nil {
		return err
	}

	encoded, err := codec.Encode(m.masterKey, 0, m.cfg.Algorithm, m.cfg.Level, data)
	if err != nil {
		return fmt.Errorf("failed to encode full metadata snapshot: %w", err)
	}
	if err := m.be.Put(ctx, fullKey, bytes.NewReader(encoded), int64(len(encoded)), nil); err != nil {
		return fmt.Errorf("failed to upload full metadata snapshot: %w", err)
	}

	if err := m.clearDeltas(ctx); err != nil {
		return err
	}
	m.nextDelta = 0
	return nil
}

// rotateBackups shifts s3ql_metadata_bak0..bak(N-2) to bak1..bak(N-1) and the
// current full snapshot to bak0, keeping cfg.KeepBackups copies.
func (m *Manager) rotateBackups(ctx context.Context) error {
	for i := m.cfg.KeepBackups - 1; i > 0; i-- {
		src := fmt.Sprintf("%s%d", backupPrefix, i-1)
		dst := fmt.Sprintf("%s%d", backupPrefix, i)
		if _, err := m.be.Lookup(ctx, src); err != nil {
			if backend.IsNotFound(err) {
				continue
			}
			return err
		}
		if err := m.be.Rename(ctx, src, dst); err != nil {
			return fmt.Errorf("failed to rotate backup %s -> %s: %w", src, dst, err)
		}
	}
	if _, err := m.be.Lookup(ctx, fullKey); err == nil {
		if err := m.be.Copy(ctx, fullKey, backupPrefix+"0"); err != nil {
			return fmt.Errorf("failed to copy current snapshot to bak0: %w", err)
		}
	} else if !backend.IsNotFound(err) {
		return err
	}
	return nil
}

func (m *Manager) clearDeltas(ctx context.Context) error {
	keys, err := m.be.List(ctx, deltaPrefix)
	if err != nil {
		return fmt.Errorf("failed to list metadata deltas: %w", err)
	}
	for _, key := range keys {
		if err := m.be.Delete(ctx, key); err != nil {
			return fmt.Errorf("failed to delete superseded delta %s: %w", key, err)
		}
	}
	return nil
}

// Restore downloads the latest full metadata snapshot (if any) followed by
// every delta object in numeric order, writing dbPath and replaying deltas
// as WAL files checkpointed in sequence, so deltas are replayed in order.
// It is a no-op (fresh filesystem) if no full snapshot exists yet.
func Restore(ctx context.Context, be backend.Backend, dbPath string, masterKey []byte) error {
	body, _, err := be.Get(ctx, fullKey)
	if err != nil {
		if backend.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to download metadata snapshot: %w", err)
	}
	raw, err := io.ReadAll(body)
	_ = body.Close()
	if err != nil {
		return fmt.Errorf("failed to read metadata snapshot body: %w", err)
	}
	plaintext, _, err := codec.Decode(masterKey, raw)
	if err != nil {
		return fmt.Errorf("failed to decode metadata snapshot: %w", err)
	}
	if err := os.WriteFile(dbPath, plaintext, 0o600); err != nil {
		return fmt.Errorf("failed to write restored metadata database: %w", err)
	}

	deltaKeys, err := be.List(ctx, deltaPrefix)
	if err != nil {
		return fmt.Errorf("failed to list metadata deltas: %w", err)
	}
	sort.Slice(deltaKeys, func(i, j int) bool {
		return deltaSeq(deltaKeys[i]) < deltaSeq(deltaKeys[j])
	})

	for _, key := range deltaKeys {
		body, _, err := be.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to download metadata delta %s: %w", key, err)
		}
		raw, err := io.ReadAll(body)
		_ = body.Close()
		if err != nil {
			return fmt.Errorf("failed to read metadata delta body %s: %w", key, err)
		}
		plaintext, _, err := codec.Decode(masterKey, raw)
		if err != nil {
			return fmt.Errorf("failed to decode metadata delta %s: %w", key, err)
		}
		if err := os.WriteFile(dbPath+"-wal", plaintext, 0o600); err != nil {
			return fmt.Errorf("failed to apply metadata delta %s: %w", key, err)
		}
		db, err := metadb.Open(dbPath)
		if err != nil {
			return fmt.Errorf("failed to open database to replay delta %s: %w", key, err)
		}
		if err := db.Checkpoint(); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to checkpoint replayed delta %s: %w", key, err)
		}
		if err := db.Close(); err != nil {
			return err
		}
	}
	return nil
}

func deltaSeq(key string) int64 {
	n, _ := strconv.ParseInt(strings.TrimPrefix(key, deltaPrefix), 10, 64)
	return n
}
