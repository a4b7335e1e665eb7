package health

import (
	"context"
	"os"
	"runtime"

	"scribe/internal/forensics"
)

// StoreCheck fails when ping does.
func StoreCheck(ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) Result {
		if err := ping(ctx); err != nil {
			return Result{Status: StatusUnhealthy, Message: "database unreachable", Error: err.Error()}
		}
		return Result{Status: StatusHealthy, Message: "database reachable"}
	}
}

// SchemaCheck fails when the database schema is behind or damaged.
func SchemaCheck(check func(ctx context.Context) error) Check {
	return func(ctx context.Context) Result {
		if err := check(ctx); err != nil {
			return Result{Status: StatusUnhealthy, Message: "schema out of date", Error: err.Error()}
		}
		return Result{Status: StatusHealthy, Message: "schema current"}
	}
}

// CalibrationCheck reports the calibration new fingerprints are built with.
func CalibrationCheck(current func() *forensics.Calibration) Check {
	return func(ctx context.Context) Result {
		cal := current()
		if cal == nil {
			return Result{Status: StatusUnhealthy, Message: "no calibration installed"}
		}
		return Result{
			Status:  StatusHealthy,
			Message: "calibration " + cal.Tag(),
			Details: map[string]any{
				"version":    cal.Version(),
				"tag":        cal.Tag(),
				"dimensions": cal.Dimensions(),
			},
		}
	}
}

// DirectoryCheck degrades when dir cannot take a new file.
func DirectoryCheck(dir string) Check {
	return func(ctx context.Context) Result {
		details := map[string]any{"path": dir}
		f, err := os.CreateTemp(dir, ".health-*")
		if err != nil {
			return Result{Status: StatusDegraded, Message: "directory not writable", Details: details, Error: err.Error()}
		}
		f.Close()
		os.Remove(f.Name())
		return Result{Status: StatusHealthy, Message: "directory writable", Details: details}
	}
}

// MemoryCheck degrades when the heap exceeds maxHeapBytes. Zero means no
// limit.
func MemoryCheck(maxHeapBytes uint64) Check {
	return func(ctx context.Context) Result {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		r := Result{
			Status:  StatusHealthy,
			Message: "memory ok",
			Details: map[string]any{
				"heap_alloc_bytes": ms.HeapAlloc,
				"max_heap_bytes":   maxHeapBytes,
				"goroutines":       runtime.NumGoroutine(),
			},
		}
		if maxHeapBytes > 0 && ms.HeapAlloc > maxHeapBytes {
			r.Status = StatusDegraded
			r.Message = "heap above limit"
		}
		return r
	}
}
