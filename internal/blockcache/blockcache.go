// Package blockcache implements the on-disk block cache state machine:
// absent → downloading → clean → dirty → uploading, with LRU eviction of
// clean entries, backpressure on writers when the cache is full of dirty
// data, and coalescing of concurrent downloads of the same block.
package blockcache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/s3ql-go/s3ql/pkg/errors"
	"github.com/s3ql-go/s3ql/pkg/utils"
)

// State is a cache entry's position in the entry state machine.
type State int

const (
	StateAbsent State = iota
	StateDownloading
	StateClean
	StateDirty
	StateUploading
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateDownloading:
		return "downloading"
	case StateClean:
		return "clean"
	case StateDirty:
		return "dirty"
	case StateUploading:
		return "uploading"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Downloader fetches a block's plaintext from the backend on a cache miss.
// Implemented by internal/block.
type Downloader interface {
	DownloadBlock(ctx context.Context, blockID int64) ([]byte, error)
}

// Uploader ships a dirty block's plaintext to the backend. Implemented by
// internal/block.
type Uploader interface {
	UploadBlock(ctx context.Context, blockID int64, plaintext []byte) error
}

// Metrics receives cache observability events. Implemented by
// internal/metrics.Collector.
type Metrics interface {
	RecordCacheHit(source string, size int64)
	RecordCacheMiss(source string, size int64)
	UpdateCacheSize(level string, size int64)
}

// Config is the cache's size policy and backing directory.
type Config struct {
	Directory     string
	MaxEntries    int
	MaxSize       int64
	UploadWorkers int
}

type entry struct {
	state   State
	size    int64
	hash    [32]byte
	lruElem *list.Element // non-nil only while state == StateClean
	cond    *sync.Cond
	err     error
}

// Cache is the per-mount block cache.
type Cache struct {
	cfg        Config
	downloader Downloader
	uploader   Uploader
	logger     *utils.StructuredLogger
	metrics    Metrics

	mu       sync.Mutex
	entries  map[int64]*entry
	lru      *list.List // front = most recently used clean entry
	curSize  int64
	dirtyIDs map[int64]struct{}

	flushCh   chan int64
	stopCh    chan struct{}
	wg        sync.WaitGroup
	spaceCond *sync.Cond

	stats Stats
}

// Stats exposes counters for internal/metrics to publish.
type Stats struct {
	Hits        int64
	Misses      int64
	Evictions   int64
	Uploads     int64
	UploadFails int64
}

type indexRecord struct {
	State State  `json:"state"`
	Size  int64  `json:"size"`
	Hash  string `json:"hash"`
}

// New creates a block cache rooted at cfg.Directory.
func New(cfg Config, downloader Downloader, uploader Uploader, logger *utils.StructuredLogger) (*Cache, error) {
	if cfg.UploadWorkers <= 0 {
		cfg.UploadWorkers = 4
	}
	if err := os.MkdirAll(cfg.Directory, 0750); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	c := &Cache{
		cfg:        cfg,
		downloader: downloader,
		uploader:   uploader,
		logger:     logger,
		entries:    make(map[int64]*entry),
		lru:        list.New(),
		dirtyIDs:   make(map[int64]struct{}),
		flushCh:    make(chan int64, 1024),
		stopCh:     make(chan struct{}),
	}
	c.spaceCond = sync.NewCond(&c.mu)
	if err := c.loadIndex(); err != nil {
		return nil, err
	}
	return c, nil
}

// AttachMetrics wires a metrics sink for hit/miss counters and the size
// gauge. Optional; a cache without one records only its own Stats.
func (c *Cache) AttachMetrics(m Metrics) {
	c.metrics = m
}

func (c *Cache) publishSizeLocked() {
	if c.metrics != nil {
		c.metrics.UpdateCacheSize("disk", c.curSize)
	}
}

func (c *Cache) blockPath(blockID int64) string {
	return filepath.Join(c.cfg.Directory, strconv.FormatInt(blockID, 10))
}

func (c *Cache) indexPath() string {
	return filepath.Join(c.cfg.Directory, "index.json")
}

// loadIndex restores entry metadata from a prior mount. Any block left
// dirty or uploading at last exit is requeued for upload: data a caller
// fsynced must survive a crash mid-upload, so dirty blocks are never
// silently forgotten.
func (c *Cache) loadIndex() error {
	data, err := os.ReadFile(c.indexPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read cache index: %w", err)
	}
	var records map[string]indexRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("failed to parse cache index: %w", err)
	}
	for key, rec := range records {
		blockID, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			continue
		}
		e := &entry{state: rec.State, size: rec.Size, cond: sync.NewCond(&c.mu)}
		if rec.State == StateUploading {
			e.state = StateDirty // uploading was in-flight, not acknowledged; redo it
		}
		if e.state == StateClean {
			e.lruElem = c.lru.PushFront(blockID)
			c.curSize += rec.Size
		} else if e.state == StateDirty {
			c.dirtyIDs[blockID] = struct{}{}
			c.curSize += rec.Size
		}
		c.entries[blockID] = e
	}
	return nil
}

func (c *Cache) saveIndexLocked() error {
	records := make(map[string]indexRecord, len(c.entries))
	for blockID, e := range c.entries {
		if e.state == StateClean || e.state == StateDirty || e.state == StateUploading {
			records[strconv.FormatInt(blockID, 10)] = indexRecord{State: e.state, Size: e.size, Hash: fmt.Sprintf("%x", e.hash)}
		}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	tmp := c.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, c.indexPath())
}

// Start launches the upload-worker pool.
func (c *Cache) Start() {
	for i := 0; i < c.cfg.UploadWorkers; i++ {
		c.wg.Add(1)
		go c.uploadWorker()
	}
	// requeue blocks that were already dirty at load time
	c.mu.Lock()
	for blockID := range c.dirtyIDs {
		c.enqueueFlushLocked(blockID)
	}
	c.mu.Unlock()
}

// Stop drains the upload queue and waits for in-flight uploads to finish.
func (c *Cache) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Cache) uploadWorker() {
	defer c.wg.Done()
	for {
		select {
		case blockID := <-c.flushCh:
			c.uploadOne(context.Background(), blockID)
		case <-c.stopCh:
			// drain remaining queued flushes before exiting; a clean
			// unmount must flush every dirty block.
			for {
				select {
				case blockID := <-c.flushCh:
					c.uploadOne(context.Background(), blockID)
				default:
					return
				}
			}
		}
	}
}

func (c *Cache) enqueueFlushLocked(blockID int64) {
	select {
	case c.flushCh <- blockID:
	default:
		// queue full; hand off without holding the lock. The index keeps the
		// entry dirty, so even a shutdown race leaves it requeued on the
		// next mount.
		go func() {
			select {
			case c.flushCh <- blockID:
			case <-c.stopCh:
			}
		}()
	}
}

func (c *Cache) uploadOne(ctx context.Context, blockID int64) {
	c.mu.Lock()
	e, ok := c.entries[blockID]
	if !ok || e.state != StateDirty {
		c.mu.Unlock()
		return
	}
	e.state = StateUploading
	c.mu.Unlock()

	data, err := os.ReadFile(c.blockPath(blockID))
	if err != nil {
		c.finishUpload(blockID, err)
		return
	}
	err = c.uploader.UploadBlock(ctx, blockID, data)
	c.finishUpload(blockID, err)
}

func (c *Cache) finishUpload(blockID int64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[blockID]
	if !ok {
		return
	}
	if err != nil {
		e.state = StateErrored
		e.err = err
		c.stats.UploadFails++
		if c.logger != nil {
			c.logger.WithComponent("blockcache").Error(fmt.Sprintf("upload of block %d failed: %v", blockID, err))
		}
		e.cond.Broadcast()
		return
	}
	delete(c.dirtyIDs, blockID)
	e.state = StateClean
	e.lruElem = c.lru.PushFront(blockID)
	c.stats.Uploads++
	e.cond.Broadcast()
	_ = c.saveIndexLocked()
	c.evictLocked()
	c.spaceCond.Broadcast()
}

// Get returns a block's plaintext, downloading it on a cache miss.
// Concurrent Get calls for the same absent block coalesce onto a single
// download: at most one is in flight per block.
func (c *Cache) Get(ctx context.Context, blockID int64) ([]byte, error) {
	c.mu.Lock()
	e, ok := c.entries[blockID]
	if !ok {
		e = &entry{state: StateAbsent, cond: sync.NewCond(&c.mu)}
		c.entries[blockID] = e
	}

	for e.state == StateDownloading {
		e.cond.Wait()
	}

	switch e.state {
	case StateClean, StateDirty, StateUploading:
		c.stats.Hits++
		if c.metrics != nil {
			c.metrics.RecordCacheHit(e.state.String(), e.size)
		}
		if e.lruElem != nil {
			c.lru.MoveToFront(e.lruElem)
		}
		c.mu.Unlock()
		return os.ReadFile(c.blockPath(blockID))
	case StateErrored:
		err := e.err
		c.mu.Unlock()
		return nil, errors.NewError(errors.ErrCodeCorruption, fmt.Sprintf("block %d previously failed to upload", blockID)).WithCause(err)
	}

	e.state = StateDownloading
	c.stats.Misses++
	if c.metrics != nil {
		c.metrics.RecordCacheMiss("backend", 0)
	}
	c.mu.Unlock()

	data, err := c.downloader.DownloadBlock(ctx, blockID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		e.state = StateAbsent
		e.cond.Broadcast()
		return nil, err
	}
	if writeErr := os.WriteFile(c.blockPath(blockID), data, 0600); writeErr != nil {
		e.state = StateAbsent
		e.cond.Broadcast()
		return nil, writeErr
	}
	e.state = StateClean
	e.size = int64(len(data))
	e.hash = sha256.Sum256(data)
	e.lruElem = c.lru.PushFront(blockID)
	c.curSize += e.size
	c.evictLocked()
	c.publishSizeLocked()
	e.cond.Broadcast()
	return data, nil
}

// Put stores newly-produced plaintext (from block.Store or a
// partial-block rewrite) as a dirty entry and enqueues it for upload.
// Blocks the caller while the cache is over its size caps, which is the
// system's write backpressure.
func (c *Cache) Put(ctx context.Context, blockID int64, data []byte) error {
	if err := os.WriteFile(c.blockPath(blockID), data, 0600); err != nil {
		return fmt.Errorf("failed to write block %d to cache: %w", blockID, err)
	}

	c.mu.Lock()
	e, ok := c.entries[blockID]
	if !ok {
		e = &entry{cond: sync.NewCond(&c.mu)}
		c.entries[blockID] = e
	}
	if e.lruElem != nil {
		c.lru.Remove(e.lruElem)
		e.lruElem = nil
	}
	c.curSize += int64(len(data)) - e.size
	e.state = StateDirty
	e.size = int64(len(data))
	e.hash = sha256.Sum256(data)
	c.dirtyIDs[blockID] = struct{}{}
	_ = c.saveIndexLocked()
	c.enqueueFlushLocked(blockID)

	c.evictLocked()
	c.publishSizeLocked()
	for c.overCapLocked() && c.cleanCountLocked() == 0 {
		// Every entry is dirty/uploading; nothing left to evict. Block the
		// writer until an upload completes and frees space. ctx cancellation and Stop()
		// both need to wake this goroutine, so a watcher rebroadcasts
		// spaceCond when either fires.
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				c.spaceCond.Broadcast()
			case <-c.stopCh:
				c.spaceCond.Broadcast()
			case <-done:
			}
		}()
		c.spaceCond.Wait()
		close(done)
		if ctx.Err() != nil {
			c.mu.Unlock()
			return ctx.Err()
		}
	}
	c.mu.Unlock()
	return nil
}

// WaitFlush blocks until blockID leaves the dirty/uploading state. Flush
// on an open handle returns only after every dirty block it owns has an
// acknowledged upload; this is the per-block wait backing that.
func (c *Cache) WaitFlush(ctx context.Context, blockID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[blockID]
	if !ok {
		return nil
	}
	for e.state == StateDirty || e.state == StateUploading {
		e.cond.Wait()
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	if e.state == StateErrored {
		return errors.NewError(errors.ErrCodeCorruption, fmt.Sprintf("block %d failed to upload", blockID)).WithCause(e.err)
	}
	return nil
}

// Evict removes a block's on-disk cache file entirely, used by
// internal/block.Release once a block's refcount has dropped to zero.
func (c *Cache) Evict(blockID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[blockID]
	if !ok {
		return
	}
	if e.lruElem != nil {
		c.lru.Remove(e.lruElem)
	}
	c.curSize -= e.size
	delete(c.entries, blockID)
	delete(c.dirtyIDs, blockID)
	_ = os.Remove(c.blockPath(blockID))
	_ = c.saveIndexLocked()
	c.publishSizeLocked()
}

func (c *Cache) overCapLocked() bool {
	return c.curSize > c.cfg.MaxSize || len(c.entries) > c.cfg.MaxEntries
}

func (c *Cache) cleanCountLocked() int {
	return c.lru.Len()
}

// evictLocked discards least-recently-used clean entries until both size
// caps are satisfied. Dirty and uploading entries are never
// evicted.
func (c *Cache) evictLocked() {
	for c.overCapLocked() {
		back := c.lru.Back()
		if back == nil {
			return
		}
		blockID := back.Value.(int64)
		e := c.entries[blockID]
		c.lru.Remove(back)
		c.curSize -= e.size
		delete(c.entries, blockID)
		_ = os.Remove(c.blockPath(blockID))
		c.stats.Evictions++
	}
	c.publishSizeLocked()
}

// GetStats returns a snapshot of cache counters.
func (c *Cache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
