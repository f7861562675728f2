package metrics

import (
	"context"
	"runtime"
	"time"
)

// SampleSystem records memory, goroutine and GC pause gauges once.
// lastGC is the GC count seen by the previous call; the new count is returned.
func SampleSystem(lastGC uint32) uint32 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	UpdateSystemMemoryUsage(ms.HeapAlloc)
	UpdateSystemGoroutineCount(runtime.NumGoroutine())

	// PauseNs is a ring of the most recent 256 pauses
	n := ms.NumGC - lastGC
	if n > uint32(len(ms.PauseNs)) {
		n = uint32(len(ms.PauseNs))
	}
	for i := uint32(0); i < n; i++ {
		pause := ms.PauseNs[(ms.NumGC-i+255)%256]
		RecordSystemGCPauseTime(float64(pause) / float64(time.Millisecond))
	}
	return ms.NumGC
}

// RunSystemSampler samples system gauges at the manager's refresh interval
// until ctx is done.
func RunSystemSampler(ctx context.Context) {
	ticker := time.NewTicker(globalManager.RefreshInterval())
	defer ticker.Stop()

	last := SampleSystem(0)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last = SampleSystem(last)
		}
	}
}
