package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/s3ql-go/s3ql/internal/engine"
	"github.com/s3ql-go/s3ql/pkg/errors"
)

func newFsckCmd() *cobra.Command {
	var cacheDir string
	var passphrase string
	var deep bool

	cmd := &cobra.Command{
		Use:   "fsck <url>",
		Short: "Offline consistency check and repair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFsck(cmd.Context(), args[0], cacheDir, passphrase, deep)
		},
	}
	cmd.Flags().StringVar(&cacheDir, "cache-dir", defaultCacheDir(), "local cache directory")
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "encryption passphrase (read from $AUTHFILE if unset)")
	cmd.Flags().BoolVar(&deep, "deep", false, "re-download and decrypt every object to verify its stored hash")
	return cmd
}

func runFsck(ctx context.Context, url, cacheDir string, passphrase string, deep bool) error {
	cfg, err := loadConfig(url, cacheDir)
	if err != nil {
		return err
	}
	if passphrase == "" {
		passphrase = passphraseFromAuthFile()
	}

	report, err := engine.Fsck(ctx, cfg, engine.Options{
		CacheDir:   filepath.Join(cacheDir, fsUUID(url)),
		Passphrase: passphrase,
	}, deep)
	if err != nil {
		return err
	}

	fmt.Printf("inodes checked:         %d\n", report.InodesChecked)
	fmt.Printf("blocks checked:         %d\n", report.BlocksChecked)
	fmt.Printf("objects checked:        %d\n", report.ObjectsChecked)
	fmt.Printf("dangling inode_blocks:  %d\n", report.DanglingInodeBlocks)
	fmt.Printf("refcount drifts fixed:  %d\n", report.RefcountDrifts)
	fmt.Printf("orphan objects moved:   %d\n", report.OrphanObjects)
	fmt.Printf("missing objects:        %d\n", report.MissingObjects)
	fmt.Printf("hash mismatches:        %d\n", report.HashMismatches)

	if !report.Clean {
		fmt.Println("filesystem had errors; repairs were applied")
		if report.MissingObjects > 0 || report.HashMismatches > 0 {
			return errors.NewError(errors.ErrCodeCorruption, "unrepairable corruption found during fsck").WithComponent("fsck")
		}
		return nil
	}
	fmt.Println("filesystem is clean")
	return nil
}
