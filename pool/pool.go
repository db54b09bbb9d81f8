// Package pool implements the bounded-parallelism scheduler over many
// uploader.Task workers: admission up to pool_size, bandwidth apportionment,
// event fan-out, auto-advance on completion, and graceful teardown
// (spec.md §4.4). It mirrors the worker/WaitGroup fan-in shape of
// backend/b2's largeUpload.Upload, using golang.org/x/sync/errgroup in
// place of a bare sync.WaitGroup to wait for every worker in Dispose.
// Workers always return nil (uploader.Task converts every failure into a
// terminal event), and Dispose discards the group's result.
package pool

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/panupload/panupload/fs"
	"github.com/panupload/panupload/fs/accounting"
	"github.com/panupload/panupload/transport"
	"github.com/panupload/panupload/uploader"
)

// EventKind is an alias so callers don't need to import package uploader
// just to switch on event kind (TaskStarted, TaskPaused, TaskCancelled,
// TaskError, TaskFinished, in spec.md §4.4's vocabulary).
type EventKind = uploader.EventKind

// Listener receives every task's events, fanned out by the pool. Spec.md
// §4.4: "handler exceptions are swallowed so one bad subscriber cannot
// break the pool" - enforced the same way uploader.Task.emit isolates a
// single observer, but here additionally off a bounded per-listener
// channel so one slow listener can't stall a worker goroutine.
type Listener func(PoolEvent)

// PoolEvent re-wraps a task event with the task as sender, per spec.md §4.4.
type PoolEvent struct {
	Kind    EventKind
	Task    *uploader.Task
	Err     error
	Success bool
}

// entry is the pool's bookkeeping record for one task, kept in both a map
// (for O(1) lookup by id) and an ordered slice (for queue-position and
// "first pool_size" semantics) - ordering is the part spec.md §9 open
// question 2 says must never be "iterate by dense integer index".
type entry struct {
	task *uploader.Task
	tb   *accounting.TokenBucket
}

// Pool is the concurrency controller of spec.md §4.4.
type Pool struct {
	mu sync.Mutex

	tr transport.Transport

	poolSize    int
	totalLimit  int64
	autoStart   bool
	maxThreads  int
	nextTaskID  int64

	order   []int64
	tasks   map[int64]*entry
	running map[int64]struct{}

	disposed bool

	listeners   []chan PoolEvent
	listenersWG sync.WaitGroup

	eg     *errgroup.Group
	egCtx  context.Context
	cancel context.CancelFunc
}

// New creates a Pool bounded at poolSize concurrent uploads, issuing
// requests through tr. A poolSize <= 0 is coerced to 1 (spec.md §6:
// pool_size must be > 0).
func New(tr transport.Transport, poolSize int) *Pool {
	if poolSize <= 0 {
		poolSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	eg, egCtx := errgroup.WithContext(ctx)
	return &Pool{
		tr:       tr,
		poolSize: poolSize,
		tasks:    make(map[int64]*entry),
		running:  make(map[int64]struct{}),
		eg:       eg,
		egCtx:    egCtx,
		cancel:   cancel,
	}
}

// Subscribe registers a global listener and returns an unsubscribe func.
// Events are delivered off a bounded channel so a slow listener drops
// events rather than blocking a task's worker (spec.md §9's message-
// passing redesign of the source's multicast subscriptions).
func (p *Pool) Subscribe(l Listener) (unsubscribe func()) {
	ch := make(chan PoolEvent, 64)
	p.mu.Lock()
	p.listeners = append(p.listeners, ch)
	p.mu.Unlock()

	p.listenersWG.Add(1)
	go func() {
		defer p.listenersWG.Done()
		for ev := range ch {
			func() {
				defer func() { recover() }()
				l(ev)
			}()
		}
	}()

	return func() {
		p.mu.Lock()
		for i, c := range p.listeners {
			if c == ch {
				p.listeners = append(p.listeners[:i], p.listeners[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
		close(ch)
	}
}

// publish fans ev out to every subscribed listener, dropping it for any
// listener whose channel is full rather than blocking the caller.
func (p *Pool) publish(ev PoolEvent) {
	p.mu.Lock()
	chans := append([]chan PoolEvent(nil), p.listeners...)
	p.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- ev:
		default:
			fs.Debugf(ev.Task, "pool listener backlogged, dropping event")
		}
	}
}
