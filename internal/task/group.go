// Package task provides a small supervised-goroutine group. It reconstructs
// the API shape of dwarri-gazette's internal task.Group -- observed in
// consumer/service.go as tasks.Queue("name", func() error {...}) paired with
// tasks.Context() -- which is itself an internal package of the teacher
// repository and not separately fetchable; this is a from-scratch
// implementation of the same contract, not a copy.
package task

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Group supervises a set of named goroutines. The first to return a non-nil
// error cancels the Group's Context, signalling the rest to wind down;
// Wait blocks until every queued function has returned and reports the
// first error seen.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	wg      sync.WaitGroup
	err     error
	errOnce sync.Once
}

// NewGroup returns a Group deriving its Context from parent.
func NewGroup(parent context.Context) *Group {
	var g = &Group{}
	g.ctx, g.cancel = context.WithCancel(parent)
	return g
}

// Context is cancelled when any queued function returns an error, or when
// the parent context passed to NewGroup is cancelled.
func (g *Group) Context() context.Context { return g.ctx }

// Queue runs fn in a new goroutine under the name |name|, used only for
// logging. fn should return promptly after g.Context() is done.
func (g *Group) Queue(name string, fn func() error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := fn(); err != nil {
			g.errOnce.Do(func() {
				g.mu.Lock()
				g.err = errors.WithMessage(err, name)
				g.mu.Unlock()
				g.cancel()
			})
			log.WithFields(log.Fields{"task": name, "err": err}).Warn("task exited with error")
		}
	}()
}

// Wait blocks until all queued tasks have returned, and returns the first
// error observed (wrapped with the failing task's name), or nil.
func (g *Group) Wait() error {
	g.wg.Wait()
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

// Cancel cancels the Group's Context without waiting.
func (g *Group) Cancel() { g.cancel() }
