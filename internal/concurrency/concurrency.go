// SPDX-License-Identifier: GPL-3.0-or-later

// Package concurrency bounds fan-out across a batch of work using the same
// semaphore-channel pattern as the teacher's GoRoutineSpamClassifier
// (classifier/concurrentclassifier.go), generalized from a fixed
// mail-classification signature to an arbitrary per-index function so both
// the ingest and batch loops can share it.
package concurrency

// Pool runs bounded-concurrency fan-out over a fixed number of items.
type Pool struct {
	concurrency int
}

// New builds a Pool that runs at most concurrency items at once. A
// concurrency of zero or less is treated as 1, since an empty semaphore
// buffer would block every goroutine forever.
func New(concurrency int) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{concurrency: concurrency}
}

// Run calls fn(i) for every i in [0, n), running at most p.concurrency
// calls at once, and blocks until all of them have returned.
func (p *Pool) Run(n int, fn func(index int)) {
	semaphore := make(chan bool, p.concurrency)
	for i := 0; i < n; i++ {
		semaphore <- true
		go func(index int) {
			defer func() { <-semaphore }()
			fn(index)
		}(i)
	}

	for i := 0; i < p.concurrency; i++ {
		semaphore <- true
	}
}
