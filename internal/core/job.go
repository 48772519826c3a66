package core

import (
	"context"
	"sync/atomic"
	"time"
)

// JobKind classifies how a unit of work must run. The kind is fixed at
// construction because classification sits on the hot path of every
// scheduled unit of work.
type JobKind int

const (
	// JobCallback runs inline on the loop goroutine. Callbacks must
	// never block or wait on other loop work.
	JobCallback JobKind = iota + 1

	// JobTask runs as a tracked goroutine.
	JobTask

	// JobBlocking runs on the worker pool, for work that may block on
	// I/O or computation.
	JobBlocking
)

func (k JobKind) String() string {
	switch k {
	case JobCallback:
		return "callback"
	case JobTask:
		return "task"
	case JobBlocking:
		return "blocking"
	default:
		return "unknown"
	}
}

// JobTarget is the callable wrapped by a Job. Arguments are bound at
// dispatch time (a listener receives its event, a service handler its
// call).
type JobTarget func(ctx context.Context, args ...any) error

// Job is the core's unit of schedulable work: a target plus the kind
// that decides where it runs.
type Job struct {
	kind   JobKind
	name   string
	target JobTarget
}

// NewCallbackJob wraps target as a callback job.
func NewCallbackJob(name string, target JobTarget) *Job {
	return &Job{kind: JobCallback, name: name, target: target}
}

// NewTaskJob wraps target as a tracked goroutine job.
func NewTaskJob(name string, target JobTarget) *Job {
	return &Job{kind: JobTask, name: name, target: target}
}

// NewBlockingJob wraps target as a worker-pool job.
func NewBlockingJob(name string, target JobTarget) *Job {
	return &Job{kind: JobBlocking, name: name, target: target}
}

// Kind returns the job's execution class.
func (j *Job) Kind() JobKind { return j.kind }

// Name returns the job's diagnostic name.
func (j *Job) Name() string { return j.name }

// Task is the future-like handle for a scheduled job. It completes
// exactly once; Err is valid after Done is closed.
type Task struct {
	id      uint64
	name    string
	created time.Time
	done    chan struct{}
	err     error
	settled atomic.Bool
}

func newTask(id uint64, name string) *Task {
	return &Task{
		id:      id,
		name:    name,
		created: time.Now(),
		done:    make(chan struct{}),
	}
}

// completedTask returns an already-settled task, used for callback jobs
// that ran inline.
func completedTask(name string, err error) *Task {
	t := newTask(0, name)
	t.complete(err)
	return t
}

func (t *Task) complete(err error) {
	if !t.settled.CompareAndSwap(false, true) {
		return
	}
	t.err = err
	close(t.done)
}

// Done returns a channel closed when the task settles.
func (t *Task) Done() <-chan struct{} { return t.done }

// Completed reports whether the task has settled without blocking.
func (t *Task) Completed() bool { return t.settled.Load() }

// Err returns the task's result error. Only valid once Done is closed.
func (t *Task) Err() error { return t.err }

// Name returns the task's diagnostic name.
func (t *Task) Name() string { return t.name }

// Age returns how long the task has existed.
func (t *Task) Age() time.Duration { return time.Since(t.created) }

// Wait blocks until the task settles or ctx is done.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
