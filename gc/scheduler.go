// ABOUTME: Job scheduler used to fan collector phases out to worker goroutines
// ABOUTME: Jobs run on up to N workers plus the joining thread, panics surface on Join

package gc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Priority hints how urgently a job should run
type Priority int

const (
	// PriorityBestEffort jobs run in the background with a single worker
	PriorityBestEffort Priority = iota
	PriorityUserVisible
	// PriorityUserBlocking jobs are joined by a paused mutator
	PriorityUserBlocking
)

func (p Priority) String() string {
	switch p {
	case PriorityBestEffort:
		return "best-effort"
	case PriorityUserVisible:
		return "user-visible"
	case PriorityUserBlocking:
		return "user-blocking"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Delegate is handed to a running task
type Delegate interface {
	// IsJoiningThread reports whether the task runs on the thread that called Join
	IsJoiningThread() bool
	// TaskID is 0 on the joining thread and 1..N on workers
	TaskID() int
	// ShouldYield reports whether the job was cancelled
	ShouldYield() bool
}

// Task is a unit of parallel work. Run may be called concurrently.
type Task interface {
	Run(d Delegate)
	// MaxConcurrency bounds the number of workers worth starting
	MaxConcurrency(workerCount int) int
}

// JobHandle controls a posted job
type JobHandle interface {
	// Join runs the task on the calling thread and waits for every worker.
	// A panic raised by any worker is re-raised here.
	Join()
	// Cancel asks workers to yield and waits for them
	Cancel()
}

// Scheduler posts jobs
type Scheduler interface {
	PostJob(p Priority, t Task) JobHandle
	WorkerCount() int
}

type pool struct {
	workers int
}

// NewScheduler returns a scheduler running jobs on up to workers goroutines
func NewScheduler(workers int) Scheduler {
	if workers < 0 {
		workers = 0
	}
	return &pool{workers: workers}
}

func (p *pool) WorkerCount() int { return p.workers }

func (p *pool) PostJob(prio Priority, t Task) JobHandle {
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	j := &job{task: t, group: g, ctx: gctx, cancel: cancel}
	n := t.MaxConcurrency(p.workers)
	if n > p.workers {
		n = p.workers
	}
	if prio == PriorityBestEffort && n > 1 {
		n = 1
	}
	for id := 1; id <= n; id++ {
		d := &delegate{job: j, id: id}
		g.Go(func() error { return j.run(d) })
	}
	return j
}

type taskPanic struct {
	value any
}

func (p *taskPanic) Error() string { return fmt.Sprintf("task panicked: %v", p.value) }

type job struct {
	task   Task
	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func (j *job) run(d *delegate) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &taskPanic{value: r}
		}
	}()
	j.task.Run(d)
	return nil
}

func (j *job) Join() {
	j.once.Do(func() {
		var joinErr error
		if j.ctx.Err() == nil {
			joinErr = j.run(&delegate{job: j, joining: true})
		}
		if joinErr != nil {
			j.cancel()
		}
		j.finish(joinErr)
	})
}

func (j *job) Cancel() {
	j.once.Do(func() {
		j.cancel()
		j.finish(nil)
	})
}

func (j *job) finish(first error) {
	err := j.group.Wait()
	j.cancel()
	if first != nil {
		err = first
	}
	var p *taskPanic
	if errors.As(err, &p) {
		panic(p.value)
	}
}

type delegate struct {
	job     *job
	id      int
	joining bool
}

func (d *delegate) IsJoiningThread() bool { return d.joining }
func (d *delegate) TaskID() int           { return d.id }
func (d *delegate) ShouldYield() bool     { return d.job.ctx.Err() != nil }

// mainThread is the delegate used when a phase runs without workers
type mainThread struct{}

func (mainThread) IsJoiningThread() bool { return true }
func (mainThread) TaskID() int           { return 0 }
func (mainThread) ShouldYield() bool     { return false }

// itemJob hands out n independent items to whoever asks first
type itemJob struct {
	n         int
	next      atomic.Int64
	remaining atomic.Int64
	fn        func(i int, d Delegate)
}

func newItemJob(n int, fn func(i int, d Delegate)) *itemJob {
	j := &itemJob{n: n, fn: fn}
	j.remaining.Store(int64(n))
	return j
}

func (j *itemJob) Run(d Delegate) {
	for !d.ShouldYield() {
		i := int(j.next.Add(1) - 1)
		if i >= j.n {
			return
		}
		j.fn(i, d)
		j.remaining.Add(-1)
	}
}

func (j *itemJob) MaxConcurrency(workerCount int) int {
	r := int(j.remaining.Load())
	if r > workerCount {
		return workerCount
	}
	return r
}
