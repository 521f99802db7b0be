// Package guard serializes state-mutating entry points of the settlement engine.
package guard

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"
)

var (
	ErrReentrant          = errors.New("guard: reentrant call")
	ErrInvariantViolation = errors.New("guard: invariant violation")
)

// Violation is implemented by panic values that signal a broken internal
// invariant. The guard converts them to ErrInvariantViolation; any other
// panic is re-raised after release.
type Violation interface {
	error
	InvariantViolation()
}

// InvariantError is the Violation raised by engine packages.
type InvariantError struct {
	Msg string
}

func (e InvariantError) Error() string { return "invariant: " + e.Msg }

func (InvariantError) InvariantViolation() {}

// Violatef panics with an InvariantError.
func Violatef(format string, args ...interface{}) {
	panic(InvariantError{Msg: fmt.Sprintf(format, args...)})
}

// Lock is the ledger-side half of the flag, shared by every process that
// settles against the same store. TryAcquire never blocks.
type Lock interface {
	TryAcquire(ctx context.Context) (release func(), ok bool, err error)
}

// Guard is a single global flag. Acquisition never blocks: a held flag
// means the caller is nested inside another settlement, or another process
// is applying one against the shared ledger.
type Guard struct {
	held     atomic.Bool
	lock     Lock
	rejected atomic.Int64
	onReject func()
}

// New returns a process-local guard, for ledgers no other process opens.
func New() *Guard {
	return &Guard{}
}

// NewShared returns a guard that also holds lock for the whole of Do.
func NewShared(lock Lock) *Guard {
	return &Guard{lock: lock}
}

// OnReject registers a callback invoked on every Reentrant rejection.
func (g *Guard) OnReject(fn func()) {
	g.onReject = fn
}

// Held reports whether a settlement is currently applying effects.
func (g *Guard) Held() bool {
	return g.held.Load()
}

// Rejections returns the number of Reentrant failures so far.
func (g *Guard) Rejections() int64 {
	return g.rejected.Load()
}

// Do runs fn while holding the flag. The flag is released on every exit
// path, including panics.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !g.held.CompareAndSwap(false, true) {
		return g.reject()
	}
	defer g.held.Store(false)

	if g.lock != nil {
		release, ok, err := g.lock.TryAcquire(ctx)
		if err != nil {
			return errors.Wrap(err, "guard: acquire ledger lock")
		}
		if !ok {
			return g.reject()
		}
		defer release()
	}

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if v, ok := r.(Violation); ok {
			err = errors.Wrap(ErrInvariantViolation, v.Error())
			return
		}
		panic(r)
	}()

	return fn(ctx)
}

func (g *Guard) reject() error {
	g.rejected.Add(1)
	if g.onReject != nil {
		g.onReject()
	}
	return ErrReentrant
}
