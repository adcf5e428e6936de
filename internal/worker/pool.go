// Package worker runs deferred jobs on a fixed set of goroutines.
package worker

import (
	"context"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	jobIdle int32 = iota
	jobQueued
	jobRunning
)

// A Job is a unit of work that is queued at most once at a time. Submitting
// a Job that is already queued or running is a no-op.
type Job struct {
	name  string
	fn    func(ctx context.Context)
	state int32
	// inQueue is set while an entry for the job sits in the queue.
	inQueue int32
}

// NewJob wraps fn. name is only used for logging.
func NewJob(name string, fn func(ctx context.Context)) *Job {
	return &Job{name: name, fn: fn}
}

// Busy reports whether j is queued or running.
func (j *Job) Busy() bool { return atomic.LoadInt32(&j.state) != jobIdle }

// Pool executes submitted jobs.
type Pool struct {
	queue  chan *Job
	ctx    context.Context
	cancel context.CancelFunc
	g      *errgroup.Group
	log    *logrus.Entry
}

// New starts a pool of n workers with room for depth queued jobs.
func New(n, depth int, l *logrus.Entry) *Pool {
	if n < 1 {
		n = 1
	}
	if depth < 1 {
		depth = 1
	}
	if l == nil {
		l = logrus.NewEntry(logrus.StandardLogger())
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	p := &Pool{
		queue:  make(chan *Job, depth),
		ctx:    ctx,
		cancel: cancel,
		g:      g,
		log:    l.WithField("component", "worker"),
	}
	for i := 0; i < n; i++ {
		g.Go(p.work)
	}
	return p
}

func (p *Pool) work() error {
	for {
		select {
		case <-p.ctx.Done():
			return nil
		case j := <-p.queue:
			atomic.StoreInt32(&j.inQueue, 0)
			// Revoked after it was queued; skip it.
			if !atomic.CompareAndSwapInt32(&j.state, jobQueued, jobRunning) {
				continue
			}
			p.log.Tracef("running %s", j.name)
			j.fn(p.ctx)
			atomic.StoreInt32(&j.state, jobIdle)
		}
	}
}

// Submit queues j. It returns false if j is already queued or running,
// or the pool is stopped or full.
func (p *Pool) Submit(j *Job) bool {
	if p.ctx.Err() != nil {
		return false
	}
	if !atomic.CompareAndSwapInt32(&j.state, jobIdle, jobQueued) {
		return false
	}
	// A revoked entry still in the queue is armed again instead.
	if !atomic.CompareAndSwapInt32(&j.inQueue, 0, 1) {
		return true
	}
	select {
	case <-p.ctx.Done():
	case p.queue <- j:
		return true
	default:
		p.log.Warnf("queue full, dropping %s", j.name)
	}
	atomic.StoreInt32(&j.inQueue, 0)
	atomic.StoreInt32(&j.state, jobIdle)
	return false
}

// Revoke takes back a job that has not started yet. It returns false if
// the job is running or was never queued.
func (p *Pool) Revoke(j *Job) bool {
	return atomic.CompareAndSwapInt32(&j.state, jobQueued, jobIdle)
}

// Stop cancels the context handed to running jobs and waits for the
// workers to exit.
func (p *Pool) Stop() error {
	p.cancel()
	return p.g.Wait()
}
