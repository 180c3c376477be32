// Package channel provides the revisioned shared records that control loops,
// the planner and the orchestrator use to talk to each other.
package channel

import (
	"context"
	"sync"
)

// Cloner is implemented by every record held in a Var. Clone must return a
// deep copy so that snapshots never alias the live value.
type Cloner[T any] interface {
	Clone() T
}

// Var holds a value plus a monotonic revision counter.
//
// Readers take a snapshot with Get. Writers take an exclusive copy with Set and
// publish it with Release. The data lock is held only while copying, so a
// writer's computation never blocks readers. Writers serialize against each
// other.
type Var[T Cloner[T]] struct {
	writeMu sync.Mutex

	mu       sync.Mutex
	cond     *sync.Cond
	value    T
	revision uint64
}

// New returns a Var holding initial at revision 0.
func New[T Cloner[T]](initial T) *Var[T] {
	v := &Var[T]{value: initial}
	v.cond = sync.NewCond(&v.mu)
	return v
}

// Get returns a snapshot of the current value.
func (v *Var[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.value.Clone()
}

// GetWithRevision returns a snapshot together with the revision it was taken at.
func (v *Var[T]) GetWithRevision() (T, uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.value.Clone(), v.revision
}

// Revision returns the number of times the value has been published.
func (v *Var[T]) Revision() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.revision
}

// Access is an exclusively owned mutable view returned by Set.
type Access[T Cloner[T]] struct {
	Value T

	owner *Var[T]
	done  bool
}

// Set acquires the writer lock and returns a private copy of the value. The
// caller must call Release or Discard exactly once.
func (v *Var[T]) Set() *Access[T] {
	v.writeMu.Lock()
	v.mu.Lock()
	value := v.value.Clone()
	v.mu.Unlock()
	return &Access[T]{Value: value, owner: v}
}

// Release publishes the view, bumps the revision and wakes waiters.
func (a *Access[T]) Release() uint64 {
	if a.done {
		return a.owner.Revision()
	}
	a.done = true
	v := a.owner
	v.mu.Lock()
	v.value = a.Value
	v.revision++
	rev := v.revision
	v.cond.Broadcast()
	v.mu.Unlock()
	v.writeMu.Unlock()
	return rev
}

// Discard drops the view without publishing.
func (a *Access[T]) Discard() {
	if a.done {
		return
	}
	a.done = true
	a.owner.writeMu.Unlock()
}

// Update runs fn on a private copy and publishes the result.
func (v *Var[T]) Update(fn func(*T)) uint64 {
	acc := v.Set()
	fn(&acc.Value)
	return acc.Release()
}

// WaitForNextRevision blocks until the value has been published at least once
// after the call, or ctx is done.
func (v *Var[T]) WaitForNextRevision(ctx context.Context) (uint64, error) {
	return v.WaitForRevision(ctx, v.Revision())
}

// WaitForRevision blocks until the revision is greater than rev.
func (v *Var[T]) WaitForRevision(ctx context.Context, rev uint64) (uint64, error) {
	stop := context.AfterFunc(ctx, func() {
		v.mu.Lock()
		v.cond.Broadcast()
		v.mu.Unlock()
	})
	defer stop()

	v.mu.Lock()
	defer v.mu.Unlock()
	for v.revision <= rev {
		if err := ctx.Err(); err != nil {
			return v.revision, err
		}
		v.cond.Wait()
	}
	return v.revision, nil
}
