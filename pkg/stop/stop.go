// Package stop implements a pattern for shutting down a group of processes.
package stop

import (
	"sync"
)

// Result is the outcome of a shutdown: at most one error, delivered when the
// shutdown completes, then the channel closes. A Result that closes without
// ever delivering a value indicates a clean shutdown.
type Result <-chan error

// Channel is the write side of a Result. A Stopper constructs one, hands the
// Result half back to its caller immediately, and calls Done from a
// goroutine once the actual shutdown work finishes.
type Channel chan error

// Done reports that the shutdown represented by c has finished, optionally
// carrying the error it finished with, and closes c. Passing no error, or a
// nil error, signals a clean shutdown.
func (c Channel) Done(err ...error) {
	if len(err) > 0 && err[0] != nil {
		c <- err[0]
	}
	close(c)
}

// Result returns the read-only Result view of c.
func (c Channel) Result() Result {
	var r <-chan error = c
	return r
}

// AlreadyStopped is a closed Result, to be returned by a Stopper whose Stop
// method is called more than once.
var AlreadyStopped Result

func init() {
	c := make(Channel)
	close(c)
	AlreadyStopped = c.Result()
}

// Stopper is an interface that allows a clean shutdown.
type Stopper interface {
	// Stop returns a Result indicating whether the stop was successful.
	// Stop() should return immediately and perform the actual shutdown in
	// a separate goroutine.
	Stop() Result
}

// Func is a function that can be used to provide a clean shutdown, usable as
// a Stopper without declaring a type.
type Func func() Result

// Group is a collection of Stoppers that can be stopped all at once.
type Group struct {
	stoppables []Func
	sync.Mutex
}

// NewGroup allocates a new Group.
func NewGroup() *Group {
	return &Group{
		stoppables: make([]Func, 0),
	}
}

// Add appends a Stopper to the Group.
func (cg *Group) Add(toAdd Stopper) {
	cg.Lock()
	defer cg.Unlock()

	cg.stoppables = append(cg.stoppables, toAdd.Stop)
}

// AddFunc appends a Func to the Group.
func (cg *Group) AddFunc(toAddFunc Func) {
	cg.Lock()
	defer cg.Unlock()

	cg.stoppables = append(cg.stoppables, toAddFunc)
}

// Stop stops all members of the Group concurrently and returns a Result
// that completes once every member has stopped, carrying the first error
// encountered, if any.
func (cg *Group) Stop() Result {
	cg.Lock()
	results := make([]Result, 0, len(cg.stoppables))
	for _, toStop := range cg.stoppables {
		results = append(results, toStop())
	}
	cg.Unlock()

	c := make(Channel)
	go func() {
		var first error
		for _, r := range results {
			if err, ok := <-r; ok && err != nil && first == nil {
				first = err
			}
		}
		c.Done(first)
	}()

	return c.Result()
}
