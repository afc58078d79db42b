package monitor

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/coder/quartz"
)

// usageCacheTTL bounds how often the data dir is walked.
const usageCacheTTL = 10 * time.Second

// ErrLimitExceeded is returned by CheckLimit once the data dir reaches its limit.
var ErrLimitExceeded = errors.New("storage limit exceeded")

// StorageMonitor measures the on-disk size of the data dir against a limit.
// Session imports are refused while the limit is exceeded; rollups and
// retention keep running, since retention is what frees space.
type StorageMonitor struct {
	dataDir  string
	maxBytes int64
	clock    quartz.Clock

	mu       sync.Mutex
	cached   int64
	measured time.Time
}

// NewStorageMonitor creates a monitor for dataDir. maxBytes <= 0 disables the
// limit. A nil clock uses the real clock.
func NewStorageMonitor(dataDir string, maxBytes int64, clock quartz.Clock) *StorageMonitor {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &StorageMonitor{
		dataDir:  dataDir,
		maxBytes: maxBytes,
		clock:    clock,
	}
}

// Usage returns the allocated size of the data dir in bytes. Results are
// reused for usageCacheTTL.
func (sm *StorageMonitor) Usage() (int64, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	now := sm.clock.Now()
	if !sm.measured.IsZero() && now.Sub(sm.measured) < usageCacheTTL {
		return sm.cached, nil
	}

	usage, err := dirSize(sm.dataDir)
	if err != nil {
		return 0, fmt.Errorf("measure %s: %w", sm.dataDir, err)
	}
	sm.cached = usage
	sm.measured = now
	return usage, nil
}

// Limit returns the configured limit in bytes.
func (sm *StorageMonitor) Limit() int64 {
	return sm.maxBytes
}

// CheckLimit returns ErrLimitExceeded when usage is at or over the limit.
func (sm *StorageMonitor) CheckLimit() error {
	if sm.maxBytes <= 0 {
		return nil
	}
	usage, err := sm.Usage()
	if err != nil {
		return err
	}
	if usage >= sm.maxBytes {
		return fmt.Errorf("%w: %d of %d bytes used", ErrLimitExceeded, usage, sm.maxBytes)
	}
	return nil
}

// dirSize sums allocated blocks rather than logical sizes, so sparse badger
// value logs are not over-counted.
func dirSize(root string) (int64, error) {
	var size int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if allocated, err := getActualFileSize(path, info); err == nil {
			size += allocated
		} else {
			size += info.Size()
		}
		return nil
	})
	return size, err
}
