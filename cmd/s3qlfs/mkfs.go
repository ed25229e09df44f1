package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/s3ql-go/s3ql/internal/codec"
	"github.com/s3ql-go/s3ql/internal/engine"
	"github.com/s3ql-go/s3ql/internal/metadb"
	"github.com/s3ql-go/s3ql/internal/mountlock"
	"github.com/s3ql-go/s3ql/internal/uploader"
	"github.com/s3ql-go/s3ql/pkg/utils"
)

func newMkfsCmd() *cobra.Command {
	var cacheDir string
	var blockSize int64
	var passphrase string

	cmd := &cobra.Command{
		Use:   "mkfs <url>",
		Short: "Initialize a new filesystem at a storage url",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMkfs(cmd.Context(), args[0], cacheDir, blockSize, passphrase)
		},
	}
	cmd.Flags().StringVar(&cacheDir, "cache-dir", defaultCacheDir(), "local cache directory")
	cmd.Flags().Int64Var(&blockSize, "block-size", engine.DefaultDataBlockSize, "immutable data_block_size in bytes")
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "encryption passphrase (read from $AUTHFILE if unset)")
	return cmd
}

func runMkfs(ctx context.Context, url, cacheDir string, blockSize int64, passphrase string) error {
	cfg, err := loadConfig(url, cacheDir)
	if err != nil {
		return err
	}
	if passphrase == "" {
		passphrase = passphraseFromAuthFile()
	}

	mountCacheDir := filepath.Join(cacheDir, fsUUID(url))
	if err := os.MkdirAll(mountCacheDir, 0700); err != nil {
		return err
	}

	be, err := engine.BuildBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = be.Close() }()

	if keys, err := be.List(ctx, "s3ql_"); err == nil && len(keys) > 0 {
		return fmt.Errorf("refusing to mkfs: backend already contains s3ql objects")
	}

	masterKey, err := engine.InitMasterKey(ctx, be, passphrase, mountCacheDir)
	if err != nil {
		return err
	}

	dbPath := filepath.Join(mountCacheDir, "metadata.db")
	_ = os.Remove(dbPath)
	db, err := metadb.Open(dbPath)
	if err != nil {
		return err
	}
	if err := db.WithTx(ctx, func(tx *metadb.Tx) error {
		return tx.SetParam("data_block_size", strconv.FormatInt(blockSize, 10))
	}); err != nil {
		_ = db.Close()
		return err
	}
	if err := db.Checkpoint(); err != nil {
		_ = db.Close()
		return err
	}

	alg, err := codec.ParseAlgorithm(cfg.Codec.CompressionAlgorithm)
	if err != nil {
		_ = db.Close()
		return err
	}
	upMgr := uploader.NewManager(db, dbPath, be, masterKey, uploader.Config{
		KeepBackups: cfg.Uploader.BackupCopies,
		Algorithm:   alg,
		Level:       cfg.Codec.CompressionLevel,
	}, nil)
	if err := upMgr.UploadFull(ctx); err != nil {
		_ = db.Close()
		return err
	}
	if err := db.Close(); err != nil {
		return err
	}

	lock, err := mountlock.Acquire(ctx, be, map[int64]bool{}, nil)
	if err != nil {
		return err
	}
	if err := mountlock.MarkClean(ctx, be, lock.SeqNo); err != nil {
		return err
	}

	fmt.Printf("filesystem created at %s (data_block_size=%s)\n", url, utils.FormatBytes(blockSize))
	return nil
}

// fsUUID derives a filesystem-local cache subdirectory name from its url so
// multiple filesystems can share one cache-dir root without colliding.
func fsUUID(url string) string {
	return strings.NewReplacer("/", "_", ":", "_").Replace(url)
}
