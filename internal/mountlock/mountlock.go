// Package mountlock implements the mount-exclusion protocol: the
// s3ql_seq_no_<N> marker objects used to detect a concurrent mount and, on
// the following mount, an unclean previous exit. Only list and head calls
// are issued, so the protocol works identically over any transport.
package mountlock

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/s3ql-go/s3ql/internal/backend"
	"github.com/s3ql-go/s3ql/pkg/errors"
	"github.com/s3ql-go/s3ql/pkg/utils"
)

const (
	seqNoPrefix       = "s3ql_seq_no_"
	cleanMarkerPrefix = "s3ql_clean_"
)

// ConsistencyWindow is how long Acquire waits between writing its seq_no
// object and re-listing to check for a racing mounter. Real backends are
// read-after-write consistent on their own keys but not list-after-write,
// so this window gives a concurrent mount's write time to appear in a
// second listing. A var (not const) so tests can shrink it.
var ConsistencyWindow = 3 * time.Second

// Lock is the result of a successful Acquire: the seq_no this mount claimed,
// used to name the final seq_no object written on clean unmount.
type Lock struct {
	SeqNo int64
}

// highestSeqNo lists every s3ql_seq_no_<N> object and returns the largest N
// seen, or -1 if none exist yet (fresh filesystem).
func highestSeqNo(ctx context.Context, be backend.Backend) (int64, error) {
	keys, err := be.List(ctx, seqNoPrefix)
	if err != nil {
		return 0, fmt.Errorf("failed to list seq_no objects: %w", err)
	}
	highest := int64(-1)
	for _, key := range keys {
		n, err := strconv.ParseInt(strings.TrimPrefix(key, seqNoPrefix), 10, 64)
		if err != nil {
			continue
		}
		if n > highest {
			highest = n
		}
	}
	return highest, nil
}

// Acquire runs the seq_no dance: determine the highest seq_no seen,
// write the next one, wait out the consistency window, then list again and
// abort with already-mounted if a higher number appeared that this call did
// not write (a concurrent mounter raced it).
//
// Before claiming the next seq_no, Acquire checks whether the previous
// mount's final metadata snapshot is present: a seq_no with no corresponding
// clean-unmount marker means the prior mount exited without flushing
// metadata, and the caller must run fsck first.
func Acquire(ctx context.Context, be backend.Backend, cleanMarkers map[int64]bool, logger *utils.StructuredLogger) (*Lock, error) {
	before, err := highestSeqNo(ctx, be)
	if err != nil {
		return nil, err
	}

	if before >= 0 && !cleanMarkers[before] {
		return nil, errors.NewError(errors.ErrCodeNotClean,
			fmt.Sprintf("seq_no %d has no clean-unmount marker; run fsck before mounting", before)).
			WithComponent("mountlock")
	}

	mySeqNo := before + 1
	if err := be.Put(ctx, seqNoKey(mySeqNo), strings.NewReader(""), 0, nil); err != nil {
		return nil, fmt.Errorf("failed to write seq_no %d: %w", mySeqNo, err)
	}

	if logger != nil {
		logger.WithComponent("mountlock").Info(fmt.Sprintf("claimed seq_no %d, waiting consistency window", mySeqNo))
	}

	select {
	case <-time.After(ConsistencyWindow):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	after, err := highestSeqNo(ctx, be)
	if err != nil {
		return nil, err
	}
	if after > mySeqNo {
		return nil, errors.NewError(errors.ErrCodeAlreadyMounted,
			fmt.Sprintf("seq_no %d appeared after this mount claimed %d: concurrent mount detected", after, mySeqNo)).
			WithComponent("mountlock")
	}

	return &Lock{SeqNo: mySeqNo}, nil
}

// seqNoKey returns the backend key for seq_no n.
func seqNoKey(n int64) string {
	return fmt.Sprintf("%s%d", seqNoPrefix, n)
}

// cleanMarkerKey returns the backend key that records seq_no n's mount as
// having shut down cleanly. It is qualified by the exact seq_no it attests
// to so that a marker left over from an earlier mount (or the one mkfs
// writes for seq_no 0) can never be misread as proof that a *later* seq_no's
// mount also exited cleanly.
func cleanMarkerKey(n int64) string {
	return fmt.Sprintf("%s%d", cleanMarkerPrefix, n)
}

// MarkClean records that seqNo's mount shut down cleanly: it flushed a final
// metadata snapshot before exiting. Callers write this only after that
// upload succeeds (internal/engine.Unmount, a successful internal/fsck
// repair pass, and cmd/s3qlfs/mkfs.go for the filesystem's initial seq_no).
// CleanMarkers checks this exact key, keyed by seq_no, rather than the
// generic presence of s3ql_metadata: that object is written once at mkfs and
// overwritten on every clean unmount, so its mere existence says nothing
// about whether the *current* highest seq_no's mount exited cleanly.
func MarkClean(ctx context.Context, be backend.Backend, seqNo int64) error {
	if err := be.Put(ctx, cleanMarkerKey(seqNo), strings.NewReader(""), 0, nil); err != nil {
		return fmt.Errorf("failed to write clean marker for seq_no %d: %w", seqNo, err)
	}
	return nil
}

// CleanMarkers reports, for every seq_no claimed so far, whether that
// specific mount's clean marker was written. Only the highest seq_no's
// status is actually consulted by Acquire, but earlier ones are reported as
// clean unconditionally: Acquire never grants seq_no N+1 unless seq_no N's
// marker was present at the time, so by induction every seq_no below the
// highest must already have been clean when it was superseded.
func CleanMarkers(ctx context.Context, be backend.Backend) (map[int64]bool, error) {
	highest, err := highestSeqNo(ctx, be)
	if err != nil {
		return nil, err
	}
	markers := make(map[int64]bool)
	if highest < 0 {
		return markers, nil
	}
	_, err = be.Lookup(ctx, cleanMarkerKey(highest))
	clean := err == nil
	if err != nil && !backend.IsNotFound(err) {
		return nil, err
	}
	markers[highest] = clean
	for n := int64(0); n < highest; n++ {
		markers[n] = true
	}
	return markers, nil
}

// sortedSeqNos is a small helper fsck uses to enumerate every seq_no object
// present, oldest first, when reporting mount history.
func sortedSeqNos(ctx context.Context, be backend.Backend) ([]int64, error) {
	keys, err := be.List(ctx, seqNoPrefix)
	if err != nil {
		return nil, err
	}
	nums := make([]int64, 0, len(keys))
	for _, key := range keys {
		n, err := strconv.ParseInt(strings.TrimPrefix(key, seqNoPrefix), 10, 64)
		if err != nil {
			continue
		}
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums, nil
}

// List returns every mount's seq_no, oldest first; exported for fsck and adm.
func List(ctx context.Context, be backend.Backend) ([]int64, error) {
	return sortedSeqNos(ctx, be)
}
