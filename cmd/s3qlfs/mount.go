package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/spf13/cobra"

	"github.com/s3ql-go/s3ql/internal/engine"
)

func newMountCmd() *cobra.Command {
	var cacheDir string
	var passphrase string
	var allowOther bool
	var foreground bool

	cmd := &cobra.Command{
		Use:   "mount <url> <mountpoint>",
		Short: "Mount a filesystem at a storage url onto a local directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMount(cmd.Context(), args[0], args[1], cacheDir, passphrase, allowOther, foreground)
		},
	}
	cmd.Flags().StringVar(&cacheDir, "cache-dir", defaultCacheDir(), "local cache directory")
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "encryption passphrase (read from $AUTHFILE if unset)")
	cmd.Flags().BoolVar(&allowOther, "allow-other", false, "allow other users to access the mount")
	cmd.Flags().BoolVar(&foreground, "foreground", false, "stay attached to the terminal instead of forking")
	return cmd
}

func runMount(ctx context.Context, url, mountpoint, cacheDir, passphrase string, allowOther, foreground bool) error {
	cfg, err := loadConfig(url, cacheDir)
	if err != nil {
		return err
	}
	if passphrase == "" {
		passphrase = passphraseFromAuthFile()
	}

	info, err := os.Stat(mountpoint)
	if err != nil {
		return fmt.Errorf("invalid mountpoint: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mountpoint %q is not a directory", mountpoint)
	}

	mountCacheDir := filepath.Join(cacheDir, fsUUID(url))
	if err := os.MkdirAll(mountCacheDir, 0700); err != nil {
		return err
	}

	eng, err := engine.Mount(ctx, cfg, engine.Options{
		CacheDir:   mountCacheDir,
		Passphrase: passphrase,
	})
	if err != nil {
		return err
	}

	// AttrTimeout/EntryTimeout plus the subset of MountOptions this build
	// exposes as flags.
	attrTimeout := time.Second
	entryTimeout := time.Second
	fsOpts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Name:        "s3qlfs",
			FsName:      url,
			AllowOther:  allowOther,
			DirectMount: true,
		},
		AttrTimeout:  &attrTimeout,
		EntryTimeout: &entryTimeout,
	}

	server, err := fs.Mount(mountpoint, eng.FS.Root(), fsOpts)
	if err != nil {
		_ = eng.Unmount(ctx)
		return fmt.Errorf("failed to mount filesystem: %w", err)
	}

	log.Printf("s3qlfs mounted %s at %s", url, mountpoint)

	// On SIGINT/SIGTERM the dispatcher performs a clean unmount
	// (flush, metadata upload, final seq_no). An external umount.s3ql
	// invocation unmounts at the kernel level directly, which unblocks
	// server.Wait() below without a signal ever arriving; either path
	// converges on the same Unmount call exactly once.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		server.Wait()
		close(done)
	}()

	select {
	case <-sigCh:
		log.Printf("signal received, unmounting %s", mountpoint)
		if err := server.Unmount(); err != nil {
			log.Printf("kernel unmount failed: %v", err)
		}
		<-done
	case <-done:
	}

	if err := eng.Unmount(ctx); err != nil {
		return fmt.Errorf("clean unmount failed: %w", err)
	}
	log.Printf("s3qlfs unmounted %s", mountpoint)
	return nil
}
