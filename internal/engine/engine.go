// Package engine wires every other package into one mount: it owns the
// init/active/shutdown lifecycle: mount exclusion, metadata restore,
// backend/cache/uploader startup, and the ordered drain a clean unmount
// performs. Construction order is backend first, then the metadata db and
// cache/block layers, then background workers.
package engine

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/s3ql-go/s3ql/internal/backend"
	"github.com/s3ql-go/s3ql/internal/backend/local"
	"github.com/s3ql-go/s3ql/internal/backend/s3"
	"github.com/s3ql-go/s3ql/internal/block"
	"github.com/s3ql-go/s3ql/internal/blockcache"
	"github.com/s3ql-go/s3ql/internal/circuit"
	"github.com/s3ql-go/s3ql/internal/codec"
	"github.com/s3ql-go/s3ql/internal/config"
	"github.com/s3ql-go/s3ql/internal/dispatcher"
	"github.com/s3ql-go/s3ql/internal/fsck"
	"github.com/s3ql-go/s3ql/internal/inode"
	"github.com/s3ql-go/s3ql/internal/metadb"
	"github.com/s3ql-go/s3ql/internal/metrics"
	"github.com/s3ql-go/s3ql/internal/mountlock"
	"github.com/s3ql-go/s3ql/internal/uploader"
	"github.com/s3ql-go/s3ql/pkg/errors"
	"github.com/s3ql-go/s3ql/pkg/retry"
	"github.com/s3ql-go/s3ql/pkg/utils"
)

// DefaultDataBlockSize is the data_block_size mkfs records when none is
// given explicitly.
const DefaultDataBlockSize = 10 * 1024 * 1024

const paramDataBlockSize = "data_block_size"

// Engine owns the full set of resources a mount holds for its lifetime.
type Engine struct {
	cfg        *config.Configuration
	logger     *utils.StructuredLogger
	be         backend.Backend
	db         *metadb.DB
	blocks     *block.Manager
	cache      *blockcache.Cache
	inodes     *inode.Layer
	uploadMgr  *uploader.Manager
	metrics    *metrics.Collector
	Dispatcher *dispatcher.Dispatcher
	FS         *dispatcher.FS
	lock       *mountlock.Lock
	lockFile   *os.File
	blockSize  int64
	dbPath     string
}

// Options carries the mount-time parameters not already in cfg: where the
// local metadata cache and database file live, and the passphrase used to
// derive the master key.
type Options struct {
	CacheDir   string
	Passphrase string
}

// passphraseKey is the backend object holding the wrapped master key.
const passphraseKey = "s3ql_passphrase"

// lockCacheDir takes an exclusive, non-blocking flock on
// <cacheDir>/mount.lock: the cache directory belongs to at most one mount
// at a time. The kernel drops a flock when its holder dies, so a crashed
// mount never leaves a stale lock behind.
func lockCacheDir(cacheDir string) (*os.File, error) {
	if err := os.MkdirAll(cacheDir, 0700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(cacheDir, "mount.lock"), os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache lockfile: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, errors.NewError(errors.ErrCodeAlreadyMounted,
			fmt.Sprintf("cache directory %s is in use by another mount", cacheDir)).
			WithComponent("engine").WithCause(err)
	}
	return f, nil
}

func unlockCacheDir(f *os.File) {
	if f == nil {
		return
	}
	_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	_ = f.Close()
}

// BuildBackend constructs and wraps the configured backend variant,
// exactly the retry+circuit-breaker
// composition internal/backend.Resilient exists for. Exported so cmd/s3qlfs
// can share it across mkfs/mount/fsck/adm without duplicating the
// switch-on-cfg.Backend.Type logic.
func BuildBackend(ctx context.Context, cfg *config.Configuration) (backend.Backend, error) {
	var inner backend.Backend
	var err error
	switch cfg.Backend.Type {
	case "local":
		inner, err = local.New(cfg.Backend.Local.Directory)
	case "s3":
		inner, err = s3.New(ctx, s3.Config{
			Bucket:          cfg.Backend.S3.Bucket,
			Region:          cfg.Backend.S3.Region,
			Endpoint:        cfg.Backend.S3.Endpoint,
			AccessKeyID:     cfg.Backend.S3.AccessKeyID,
			SecretAccessKey: cfg.Backend.S3.SecretAccessKey,
			SessionToken:    cfg.Backend.S3.SessionToken,
			ForcePathStyle:  cfg.Backend.S3.ForcePathStyle,
			ConnectTimeout:  cfg.Backend.S3.ConnectTimeout,
			RequestTimeout:  cfg.Backend.S3.RequestTimeout,
		})
	default:
		return nil, errors.NewError(errors.ErrCodeUnsupported,
			fmt.Sprintf("unsupported backend type %q", cfg.Backend.Type)).WithComponent("engine")
	}
	if err != nil {
		return nil, err
	}

	retryCfg := retry.Config{
		MaxAttempts:  cfg.Network.Retry.MaxAttempts,
		InitialDelay: cfg.Network.Retry.BaseDelay,
		MaxDelay:     cfg.Network.Retry.MaxDelay,
		Multiplier:   2.0,
		Jitter:       true,
	}
	breakerCfg := circuit.Config{
		MaxRequests: 1,
		Interval:    cfg.Network.CircuitBreaker.Timeout,
		Timeout:     cfg.Network.CircuitBreaker.Timeout,
	}
	return backend.NewResilient(cfg.Backend.Type, inner, retryCfg, breakerCfg), nil
}

// InitMasterKey generates a fresh random 256-bit master key, wraps it under
// passphrase, uploads the wrapped form to the backend's
// s3ql_passphrase object, and caches the unwrapped key locally so the
// mounting machine need not re-derive it on every operation. Called once,
// by mkfs.
func InitMasterKey(ctx context.Context, be backend.Backend, passphrase string, cacheDir string) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	wrapped, err := codec.WrapMasterKey(passphrase, key)
	if err != nil {
		return nil, err
	}
	if err := be.Put(ctx, passphraseKey, bytes.NewReader(wrapped), int64(len(wrapped)), nil); err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", passphraseKey, err)
	}
	if err := cacheMasterKey(cacheDir, key); err != nil {
		return nil, err
	}
	return key, nil
}

// LoadMasterKey recovers the master key for an existing filesystem: the
// local cache file written by a prior InitMasterKey/LoadMasterKey on this
// machine when present (so a hot mount/remount never re-contacts the
// backend or re-runs PBKDF2), else by downloading and unwrapping
// s3ql_passphrase, the path exercised on a fresh machine, which
// is the whole point of storing the wrapped key remotely rather than only
// locally. Used by Mount and Fsck.
func LoadMasterKey(ctx context.Context, be backend.Backend, passphrase string, cacheDir string) ([]byte, error) {
	keyFile := filepath.Join(cacheDir, "master.key")
	if data, err := os.ReadFile(keyFile); err == nil {
		return data, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	rc, _, err := be.Get(ctx, passphraseKey)
	if err != nil {
		if backend.IsNotFound(err) {
			return nil, errors.NewError(errors.ErrCodeInvalidArgument,
				fmt.Sprintf("%s not found: is this filesystem initialized with mkfs?", passphraseKey)).WithComponent("engine")
		}
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	wrapped, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}

	key, err := codec.UnwrapMasterKey(passphrase, wrapped)
	if err != nil {
		return nil, err
	}
	if err := cacheMasterKey(cacheDir, key); err != nil {
		return nil, err
	}
	return key, nil
}

func cacheMasterKey(cacheDir string, key []byte) error {
	if err := os.MkdirAll(cacheDir, 0700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cacheDir, "master.key"), key, 0600)
}

// Mount runs the full init sequence: lock the local cache directory,
// acquire the backend mount-exclusion lock, restore metadata from the
// backend's most recent snapshot, open the local database, and wire every
// other layer on top of it. Returns a ready Engine whose FS is ready to
// pass to a go-fuse server.
func Mount(ctx context.Context, cfg *config.Configuration, opts Options) (eng *Engine, err error) {
	logger, err := utils.NewStructuredLogger(&utils.StructuredLoggerConfig{
		Level:         utils.INFO,
		Output:        os.Stdout,
		Format:        utils.FormatJSON,
		IncludeCaller: true,
	})
	if err != nil {
		return nil, err
	}

	lockFile, err := lockCacheDir(opts.CacheDir)
	if err != nil {
		return nil, err
	}
	defer func() {
		if eng == nil {
			unlockCacheDir(lockFile)
		}
	}()

	be, err := BuildBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}

	clean, err := mountlock.CleanMarkers(ctx, be)
	if err != nil {
		return nil, err
	}
	lock, err := mountlock.Acquire(ctx, be, clean, logger)
	if err != nil {
		return nil, err
	}

	masterKey, err := LoadMasterKey(ctx, be, opts.Passphrase, opts.CacheDir)
	if err != nil {
		return nil, err
	}

	dbPath := filepath.Join(opts.CacheDir, "metadata.db")
	if err := restoreMetadataIfNeeded(ctx, be, dbPath, masterKey); err != nil {
		return nil, err
	}

	db, err := metadb.Open(dbPath)
	if err != nil {
		return nil, err
	}

	blockSize, err := loadOrInitBlockSize(ctx, db)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(blockSize); err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidArgument, err.Error()).WithComponent("engine")
	}

	alg, err := codec.ParseAlgorithm(cfg.Codec.CompressionAlgorithm)
	if err != nil {
		return nil, err
	}

	blockMgr := block.NewManager(db, be, masterKey, block.Config{
		Algorithm:     alg,
		Level:         cfg.Codec.CompressionLevel,
		DrainInterval: 30 * time.Second,
		DrainBatch:    256,
	}, logger)

	cache, err := blockcache.New(blockcache.Config{
		Directory:     cfg.Cache.Directory,
		MaxEntries:    cfg.Cache.MaxEntries,
		MaxSize:       cfg.Cache.MaxSize,
		UploadWorkers: cfg.Global.UploadThreads,
	}, blockMgr, blockMgr, logger)
	if err != nil {
		return nil, err
	}
	blockMgr.AttachCache(cache)

	inodes := inode.New(db, blockMgr, blockSize)

	var metricsCollector *metrics.Collector
	if cfg.Monitoring.Metrics.Enabled {
		metricsCollector, err = metrics.NewCollector(&metrics.Config{
			Enabled:   true,
			Port:      cfg.Global.MetricsPort,
			Path:      "/metrics",
			Namespace: "s3ql",
		})
		if err != nil {
			return nil, err
		}
		cache.AttachMetrics(metricsCollector)
	}

	upMgr := uploader.NewManager(db, dbPath, be, masterKey, uploader.Config{
		IncrementalInterval: cfg.Uploader.MetadataUploadInterval,
		KeepBackups:         cfg.Uploader.BackupCopies,
		Algorithm:           alg,
		Level:               cfg.Codec.CompressionLevel,
	}, logger)

	disp := dispatcher.New(db, inodes, blockMgr, cache, logger, metricsCollector)

	e := &Engine{
		cfg:        cfg,
		logger:     logger,
		be:         be,
		db:         db,
		blocks:     blockMgr,
		cache:      cache,
		inodes:     inodes,
		uploadMgr:  upMgr,
		metrics:    metricsCollector,
		Dispatcher: disp,
		FS:         dispatcher.NewFS(disp, blockSize),
		lock:       lock,
		lockFile:   lockFile,
		blockSize:  blockSize,
		dbPath:     dbPath,
	}

	blockMgr.Start()
	cache.Start()
	upMgr.Start()
	if metricsCollector != nil {
		if err := metricsCollector.Start(ctx); err != nil {
			logger.WithComponent("engine").Warn(fmt.Sprintf("metrics server failed to start: %v", err))
		}
	}

	return e, nil
}

// loadOrInitBlockSize reads data_block_size from fs_params, or seeds it
// with DefaultDataBlockSize on a fresh filesystem (mkfs never ran a
// separate step in this build; the first mount bootstraps it).
func loadOrInitBlockSize(ctx context.Context, db *metadb.DB) (int64, error) {
	var size int64
	err := db.WithTx(ctx, func(tx *metadb.Tx) error {
		val, ok, err := tx.GetParam(paramDataBlockSize)
		if err != nil {
			return err
		}
		if ok {
			size, err = strconv.ParseInt(val, 10, 64)
			return err
		}
		size = DefaultDataBlockSize
		return tx.SetParam(paramDataBlockSize, strconv.FormatInt(size, 10))
	})
	return size, err
}

// restoreMetadataIfNeeded downloads the backend's metadata snapshot chain
// into dbPath when no local copy exists yet (fresh mount on a new machine,
// or after the local cache directory was lost).
func restoreMetadataIfNeeded(ctx context.Context, be backend.Backend, dbPath string, masterKey []byte) error {
	if _, err := os.Stat(dbPath); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return err
	}
	return uploader.Restore(ctx, be, dbPath, masterKey)
}

// Unmount runs the clean shutdown sequence: stop accepting new
// operations, drain every in-flight block upload, checkpoint and snapshot
// metadata, then release every held resource. Order matters: the
// dispatcher must stop first so nothing enqueues new dirty blocks while the
// cache and uploader drain.
func (e *Engine) Unmount(ctx context.Context) error {
	e.Dispatcher.BeginShutdown()

	e.blocks.Stop()
	e.cache.Stop()

	if err := e.uploadMgr.UploadFull(ctx); err != nil {
		return fmt.Errorf("final metadata upload failed: %w", err)
	}
	e.uploadMgr.Stop()

	if err := mountlock.MarkClean(ctx, e.be, e.lock.SeqNo); err != nil {
		return err
	}

	if e.metrics != nil {
		if err := e.metrics.Stop(ctx); err != nil {
			e.logger.WithComponent("engine").Warn(fmt.Sprintf("metrics server shutdown error: %v", err))
		}
	}

	if err := e.db.Close(); err != nil {
		return err
	}
	if err := e.be.Close(); err != nil {
		return err
	}
	unlockCacheDir(e.lockFile)
	return nil
}

// Fsck runs an offline consistency check against this engine's database and
// backend. Intended to run before Mount, against a dbPath restored
// by restoreMetadataIfNeeded, or as a standalone admin command; exposed here
// so cmd/s3qlfs can share the construction logic with Mount.
func Fsck(ctx context.Context, cfg *config.Configuration, opts Options, deep bool) (*fsck.Report, error) {
	be, err := BuildBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = be.Close() }()

	masterKey, err := LoadMasterKey(ctx, be, opts.Passphrase, opts.CacheDir)
	if err != nil {
		return nil, err
	}

	dbPath := filepath.Join(opts.CacheDir, "metadata.db")
	if err := restoreMetadataIfNeeded(ctx, be, dbPath, masterKey); err != nil {
		return nil, err
	}

	db, err := metadb.Open(dbPath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.Close() }()

	logger, err := utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
	if err != nil {
		return nil, err
	}

	checker := fsck.New(db, be, masterKey, logger)
	report, err := checker.Run(ctx, fsck.Options{Deep: deep})
	if err != nil {
		return nil, err
	}

	// A repair pass that leaves no unrepairable corruption behind (no missing
	// backend objects, no hash mismatches) clears the not-clean state that
	// brought the filesystem here: re-upload metadata so the next Acquire
	// sees a consistent snapshot, then mark the highest seq_no's mount clean
	// so it no longer blocks mounting.
	if report.MissingObjects == 0 && report.HashMismatches == 0 {
		highest, err := mountlock.List(ctx, be)
		if err != nil {
			return report, err
		}
		if len(highest) > 0 {
			seqNo := highest[len(highest)-1]

			alg, err := codec.ParseAlgorithm(cfg.Codec.CompressionAlgorithm)
			if err != nil {
				return report, err
			}
			upMgr := uploader.NewManager(db, dbPath, be, masterKey, uploader.Config{
				KeepBackups: cfg.Uploader.BackupCopies,
				Algorithm:   alg,
				Level:       cfg.Codec.CompressionLevel,
			}, logger)
			if err := upMgr.UploadFull(ctx); err != nil {
				return report, err
			}

			if err := mountlock.MarkClean(ctx, be, seqNo); err != nil {
				return report, err
			}
		}
	}

	return report, nil
}
