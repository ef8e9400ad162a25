package writer

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"
)

// checkDiskSpace reports an error when the filesystem backing dir has
// fewer than minFreeBytes available, adapted from
// BenMeehan-iot-agent/internal/metrics_collectors/disk_metric_collector.go's
// disk.Usage call — here used as a pre-write guard rather than a
// periodic metric, since an ENOSPC mid-write would otherwise surface as
// an opaque I/O error per spec §4.4/§7.
func checkDiskSpace(dir string, minFreeBytes int64) error {
	if minFreeBytes <= 0 {
		return nil
	}
	usage, err := disk.Usage(dir)
	if err != nil {
		// Disk stats are advisory: if they can't be read, fall through
		// to the real write and let it fail on its own terms.
		return nil
	}
	if usage.Free < uint64(minFreeBytes) {
		return fmt.Errorf("only %d bytes free on %s, below min_free_bytes=%d", usage.Free, dir, minFreeBytes)
	}
	return nil
}
