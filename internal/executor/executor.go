// Package executor provides the execution contexts tasks and callbacks run on.
//
// A Serial executor runs tasks one at a time, in submission order, on a
// single worker goroutine. Goroutine runs every task on its own goroutine and
// is therefore a concurrent context. Inline runs the task on the caller.
package executor

// Executor runs tasks on some execution context.
type Executor interface {
	Execute(task func())
}

// Func adapts a function to the Executor interface.
type Func func(task func())

// Execute calls f(task).
func (f Func) Execute(task func()) {
	f(task)
}

var (
	// Goroutine runs each task in a new goroutine.
	Goroutine Executor = Func(func(task func()) { go task() })

	// Inline runs each task synchronously on the calling goroutine.
	Inline Executor = Func(func(task func()) { task() })
)
