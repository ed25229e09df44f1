// Command s3qlfs bundles the mkfs/mount/umount/fsck/adm entry points
// behind one binary with cobra subcommands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Process exit codes.
const (
	exitOK             = 0
	exitGeneric        = 1
	exitNotClean       = 10
	exitAlreadyMounted = 11
	exitAuth           = 12
	exitWrongVersion   = 13
	exitBackendError   = 14
)

func main() {
	root := &cobra.Command{
		Use:   "s3qlfs",
		Short: "Content-addressed, block-deduplicated filesystem over object storage",
	}

	root.AddCommand(newMkfsCmd())
	root.AddCommand(newMountCmd())
	root.AddCommand(newUmountCmd())
	root.AddCommand(newFsckCmd())
	root.AddCommand(newAdmCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCodeFor(err))
	}
}
