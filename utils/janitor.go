package utils

import (
	"context"
	"sync"
	"time"
)

// JanitorJob is a periodic best-effort maintenance task.
type JanitorJob struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// StartJanitor launches one goroutine per job and returns a wait function that blocks
// until all of them stopped after ctx is cancelled. Failures are logged, never fatal.
func StartJanitor(ctx context.Context, jobs ...JanitorJob) (wait func()) {
	var wg sync.WaitGroup
	for _, job := range jobs {
		job := job
		if job.Interval <= 0 {
			job.Interval = time.Hour
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(job.Interval)
			defer ticker.Stop()
			for {
				// Sleep first to avoid racing immediately at startup
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
				if err := job.Run(ctx); err != nil {
					Sugar.Warnf("janitor job %s failed: %v", job.Name, err)
				}
			}
		}()
	}
	return wg.Wait
}
