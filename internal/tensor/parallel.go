package tensor

import (
	"runtime"
	"sync"
)

// minRowsPerWorker keeps tiny inputs on the calling goroutine.
const minRowsPerWorker = 8

// workersFor caps GOMAXPROCS by the amount of work available.
func workersFor(rows int) int {
	workers := runtime.GOMAXPROCS(0)
	if workers < 1 {
		workers = 1
	}
	if limit := rows / minRowsPerWorker; workers > limit {
		workers = limit
	}
	return max(workers, 1)
}

// parallelRows splits [0, rows) into contiguous spans and runs fn on each
// span concurrently. fn receives the worker index so it can use per-worker
// scratch space. Spans never overlap, so fn may write rows without locking.
func parallelRows(rows int, fn func(worker, lo, hi int)) {
	workers := workersFor(rows)
	if workers == 1 {
		fn(0, 0, rows)
		return
	}
	per := (rows + workers - 1) / workers
	var wg sync.WaitGroup
	for w := range workers {
		lo := w * per
		hi := min(lo+per, rows)
		if lo >= hi {
			break
		}
		wg.Go(func() { fn(w, lo, hi) })
	}
	wg.Wait()
}
