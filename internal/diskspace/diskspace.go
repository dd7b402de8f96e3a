// Package diskspace answers whether enough free storage exists before a
// download is started. Callers consult it explicitly; the downloader never
// does.
package diskspace

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/disk"
)

const bytesPerMB = 1024 * 1024

// Result is the outcome of a storage check. All sizes are in MiB.
type Result struct {
	HasSpace    bool   `json:"has_space"`
	AvailableMB uint64 `json:"available_mb"`
	RequiredMB  uint64 `json:"required_mb"`
	ShortfallMB uint64 `json:"shortfall_mb"`
}

// String renders the result for humans, e.g. "12 GiB available, 4.0 GiB required".
func (r Result) String() string {
	s := humanize.IBytes(r.AvailableMB*bytesPerMB) + " available, " + humanize.IBytes(r.RequiredMB*bytesPerMB) + " required"
	if !r.HasSpace {
		s += ", short by " + humanize.IBytes(r.ShortfallMB*bytesPerMB)
	}

	return s
}

// Check sums the space available to unprivileged users across all mounted
// volumes and compares it with requiredMB.
func Check(requiredMB uint64) (Result, error) {
	return CheckContext(context.Background(), requiredMB)
}

// CheckContext is Check with a context bounding the partition scan.
func CheckContext(ctx context.Context, requiredMB uint64) (Result, error) {
	parts, err := disk.PartitionsWithContext(ctx, false)
	if err != nil && len(parts) == 0 {
		return Result{}, fmt.Errorf("failed to list partitions: %w", err)
	}

	available, err := sumAvailable(parts, func(path string) (*disk.UsageStat, error) {
		return disk.UsageWithContext(ctx, path)
	})
	if err != nil {
		return Result{}, err
	}

	return Evaluate(available, requiredMB), nil
}

// sumAvailable adds up the free space of every distinct device. Devices
// mounted more than once are counted once; mount points that cannot be
// read are skipped. With no readable partition the root volume is used.
func sumAvailable(parts []disk.PartitionStat, usage func(path string) (*disk.UsageStat, error)) (uint64, error) {
	seen := make(map[string]bool)

	var total uint64

	for _, p := range parts {
		if seen[p.Device] {
			continue
		}

		u, err := usage(p.Mountpoint)
		if err != nil || u.Total == 0 {
			continue
		}

		seen[p.Device] = true
		total += u.Free
	}

	if len(seen) > 0 {
		return total, nil
	}

	u, err := usage("/")
	if err != nil {
		return 0, fmt.Errorf("failed to stat root filesystem: %w", err)
	}

	return u.Free, nil
}

// Evaluate builds a Result from a byte count.
func Evaluate(availableBytes, requiredMB uint64) Result {
	availableMB := availableBytes / bytesPerMB

	r := Result{
		HasSpace:    availableMB >= requiredMB,
		AvailableMB: availableMB,
		RequiredMB:  requiredMB,
	}

	if !r.HasSpace {
		r.ShortfallMB = requiredMB - availableMB
	}

	return r
}
