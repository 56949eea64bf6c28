package macrojob

import (
	"context"
	"sync"

	"go.od2.network/jobcore/pkg/jobserr"
	"go.od2.network/jobcore/pkg/promise"
)

// ResultBuilder accumulates child promises produced by a macro job's
// expansion, in order, and completes exactly once (spec.md section 3's
// resultBuilder).
type ResultBuilder struct {
	mu       sync.Mutex
	members  []*promise.Promise
	complete bool
	err      error
	token    jobserr.CancelToken
	doneCh   chan struct{}
}

// NewResultBuilder builds an empty, incomplete result builder.
func NewResultBuilder() *ResultBuilder {
	return &ResultBuilder{doneCh: make(chan struct{})}
}

// SetMember records the child promise produced at index. Indices passed
// across one expansion form a contiguous prefix [0..count) (spec.md
// section 8, invariant 3).
func (r *ResultBuilder) SetMember(index int, p *promise.Promise) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.members) <= index {
		r.members = append(r.members, nil)
	}
	r.members[index] = p
}

// TryComplete finalizes the result builder exactly once; later calls are
// silently ignored (spec.md section 7's "subsequent failures are
// swallowed").
func (r *ResultBuilder) TryComplete(count int, err error, token jobserr.CancelToken) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.complete {
		return false
	}
	r.members = r.members[:min(count, len(r.members))]
	r.complete = true
	r.err = err
	r.token = token
	close(r.doneCh)
	return true
}

// IsComplete reports whether TryComplete has run.
func (r *ResultBuilder) IsComplete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.complete
}

// WaitForAllPromises blocks until the builder is complete and every
// member promise has itself completed, then returns the ordered member
// list (spec.md section 4.F's "waitForAllPromisesAsync").
func (r *ResultBuilder) WaitForAllPromises(ctx context.Context) ([]*promise.Promise, error) {
	select {
	case <-r.doneCh:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r.mu.Lock()
	if r.err != nil {
		err := r.err
		r.mu.Unlock()
		return nil, err
	}
	members := append([]*promise.Promise(nil), r.members...)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, m := range members {
		if m == nil || m.IsComplete() {
			continue
		}
		wg.Add(1)
		m.Subscribe(func(*promise.Promise) { wg.Done() })
	}
	wg.Wait()
	return members, nil
}
