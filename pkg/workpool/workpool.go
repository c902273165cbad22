// Package workpool runs independent per-item tasks on a fixed set of workers.
package workpool

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// ProgressCallback is a function that reports progress after each completed item
type ProgressCallback func(completed, total int)

// Options configures a pool run
type Options struct {
	// Workers is the number of worker goroutines. Zero means one per CPU.
	Workers int

	// Progress is called on the coordinating goroutine after each item
	Progress ProgressCallback
}

type result[R any] struct {
	index int
	value R
}

// Run calls work for every index in [0, n). Each index is handed to exactly
// one worker. done is called for each finished item, in completion order, on
// the goroutine that called Run, so it may update shared state without
// locking. Run returns when every item is done.
func Run[R any](n int, opts Options, work func(i int) R, done func(i int, r R)) {
	if n <= 0 {
		return
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > n {
		workers = n
	}

	jobs := make(chan int)
	results := make(chan result[R])

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := range jobs {
				results <- result[R]{index: i, value: work(i)}
			}
			return nil
		})
	}

	next, completed := 0, 0
	for completed < n {
		// A nil channel disables the send case once all work is handed out.
		var send chan<- int
		if next < n {
			send = jobs
		}
		select {
		case send <- next:
			next++
			if next == n {
				close(jobs)
			}
		case r := <-results:
			completed++
			if done != nil {
				done(r.index, r.value)
			}
			if opts.Progress != nil {
				opts.Progress(completed, n)
			}
		}
	}
	_ = g.Wait()
}

// ForEach calls work for every index in [0, n) and waits for all of them.
func ForEach(n int, opts Options, work func(i int)) {
	Run(n, opts, func(i int) struct{} {
		work(i)
		return struct{}{}
	}, nil)
}
