package replication

import (
	"context"
	"fmt"
	"sync"

	"github.com/techresidents/chatsvc/internal/svcerr"
)

// Result is the future returned by Replicate: it resolves successfully once
// W copies (counting the local one) are confirmed, or fails once more than
// maxErrors remote sends have failed (spec.md §4.5).
type Result struct {
	w         int
	maxErrors int

	mu        sync.Mutex
	successes int
	errors    int
	done      chan struct{}
	closed    bool
	err       error
}

func newResult(w, maxErrors int) *Result {
	return &Result{w: w, maxErrors: maxErrors, done: make(chan struct{})}
}

func (r *Result) finish(err error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.err = err
	r.mu.Unlock()
	close(r.done)
}

// addSuccess records one more confirmed copy, resolving the future once the
// quorum W is reached.
func (r *Result) addSuccess() {
	r.mu.Lock()
	r.successes++
	reached := r.successes >= r.w
	r.mu.Unlock()
	if reached {
		r.finish(nil)
	}
}

// addError records one more failed remote send, failing the future once
// more than maxErrors have accumulated.
func (r *Result) addError() {
	r.mu.Lock()
	r.errors++
	breached := r.errors > r.maxErrors
	r.mu.Unlock()
	if breached {
		r.finish(svcerr.Unavailable("replication quorum unreachable: too many peer errors"))
	}
}

// finalize is called once the job coordinator has walked the whole
// preference list and awaited all outstanding sends: if quorum was never
// reached, fail; otherwise the future already resolved (successfully) the
// moment W was hit. Returns the final success count for the caller to log.
func (r *Result) finalize() (successes int, alreadyDone bool) {
	r.mu.Lock()
	successes = r.successes
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return successes, true
	}
	if successes < r.w {
		r.finish(svcerr.Unavailable(fmt.Sprintf("replication quorum not reached: %d/%d", successes, r.w)))
		return successes, false
	}
	r.finish(nil)
	return successes, false
}

// Wait blocks until the future resolves or ctx is cancelled.
func (r *Result) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return svcerr.Unavailable("replication timed out waiting for quorum")
	}
}
