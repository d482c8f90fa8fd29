package helpers

import (
	"context"
	"fmt"

	"github.com/temoto/alive/v2"
)

var ErrExecutorStopped = fmt.Errorf("executor is stopped")

// Executor runs submitted functions one at a time on its own goroutine.
// Contract:
// - Do blocks caller until the function finished or ctx is done
// - abandoned function still runs to completion, its result is discarded
// - Stop does not interrupt running function, Wait returns after it finished
type Executor struct {
	alive *alive.Alive
	ch    chan func()
}

func NewExecutor() *Executor {
	e := &Executor{
		alive: alive.NewAlive(),
		ch:    make(chan func()), // unbuffered, see Do
	}
	e.alive.Add(1)
	go e.worker()
	return e
}

func (e *Executor) Do(ctx context.Context, f func() error) error {
	done := make(chan error, 1)
	if err := e.submit(ctx, func() { done <- f() }); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) Stop()           { e.alive.Stop() }
func (e *Executor) Wait()           { e.alive.Wait() }
func (e *Executor) IsRunning() bool { return e.alive.IsRunning() }

func (e *Executor) submit(ctx context.Context, f func()) error {
	if !e.alive.Add(1) {
		return ErrExecutorStopped
	}
	task := func() {
		defer e.alive.Done()
		f()
	}
	select {
	case e.ch <- task:
		return nil
	case <-ctx.Done():
		e.alive.Done()
		return ctx.Err()
	case <-e.alive.StopChan():
		e.alive.Done()
		return ErrExecutorStopped
	}
}

func (e *Executor) worker() {
	defer e.alive.Done()
	stopch := e.alive.StopChan()
	for {
		select {
		case task := <-e.ch:
			task()
		case <-stopch:
			return
		}
	}
}
