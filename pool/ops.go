package pool

import (
	"github.com/panupload/panupload/fs/accounting"
	"github.com/panupload/panupload/uploader"
)

// QueueTask creates a task in Init state and, if auto-start is on and a
// running slot is free, starts it immediately (spec.md §4.4). It returns
// the assigned task id, or 0 if the pool has been disposed.
func (p *Pool) QueueTask(file uploader.TrackedFile, remotePath string, opts uploader.Options) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return 0
	}
	p.nextTaskID++
	id := p.nextTaskID
	tb := accounting.NewTokenBucket(0)
	task := uploader.New(id, remotePath, file, opts, func(ev uploader.Event) {
		p.onTaskEvent(id, ev)
	})
	p.order = append(p.order, id)
	p.tasks[id] = &entry{task: task, tb: tb}
	if p.autoStart {
		p.admitLocked()
	}
	p.reapportionLocked()
	return id
}

// Start turns auto-start on and admits as many queued tasks as pool_size
// allows, in queue order.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return
	}
	p.autoStart = true
	p.admitLocked()
	p.reapportionLocked()
}

// StartTask starts the named task even if doing so exceeds pool_size - an
// explicit override of the admission bound (spec.md §9 open question 3,
// kept intentionally rather than "fixed").
func (p *Pool) StartTask(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return
	}
	e, ok := p.tasks[id]
	if !ok {
		return
	}
	if _, running := p.running[id]; running {
		return
	}
	if e.task.IsTerminal() {
		return
	}
	p.startLocked(id, e)
	p.reapportionLocked()
}

// Pause turns auto-start off and pauses every task currently in the pool -
// the fix for spec.md §9 open question 2 (never a dense-index iteration).
func (p *Pool) Pause() {
	p.mu.Lock()
	p.autoStart = false
	tasks := p.allTasksLocked()
	p.mu.Unlock()
	for _, t := range tasks {
		t.Pause()
	}
}

// PauseTask pauses a single task by id; a no-op if the id is unknown.
func (p *Pool) PauseTask(id int64) {
	p.mu.Lock()
	e, ok := p.tasks[id]
	p.mu.Unlock()
	if !ok {
		return
	}
	e.task.Pause()
}

// Cancel cancels and removes every task currently in the pool, emptying
// the queue (spec.md §4.4).
func (p *Pool) Cancel() {
	p.mu.Lock()
	p.autoStart = false
	tasks := p.allTasksLocked()
	p.mu.Unlock()
	for _, t := range tasks {
		t.Cancel()
	}
}

// CancelTask cancels and removes a single task by id.
func (p *Pool) CancelTask(id int64) {
	p.mu.Lock()
	e, ok := p.tasks[id]
	p.mu.Unlock()
	if !ok {
		return
	}
	e.task.Cancel()
}

// SetSpeedLimit changes the aggregate bandwidth cap (bytes/sec); 0 means
// unlimited. Recomputes every running task's share immediately.
func (p *Pool) SetSpeedLimit(totalBytesPerSec int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.totalLimit = totalBytesPerSec
	p.reapportionLocked()
}

// SetPoolSize changes the concurrency bound. If auto-start is on and the
// bound grew, additional queued tasks are admitted immediately.
func (p *Pool) SetPoolSize(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n <= 0 {
		n = 1
	}
	p.poolSize = n
	if p.autoStart {
		p.admitLocked()
	}
	p.reapportionLocked()
}

// SetMaxThreadsPerTask records the configured per-task thread cap. The
// slice loop is strictly sequential by design (spec.md §4.3: "concurrency
// across slices is not part of this design"), so this value is accepted
// for configuration-surface completeness but has nothing to bind to yet;
// a future multi-threaded SliceTransport would read it here.
func (p *Pool) SetMaxThreadsPerTask(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxThreads = n
}

// Dispose cancels every task, waits for running workers to unwind, and
// marks the pool unusable - further control operations are no-ops rather
// than a nil-map panic (spec.md §9 open question 4).
func (p *Pool) Dispose() {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.disposed = true
	p.autoStart = false
	notRunning := make([]*uploader.Task, 0, len(p.tasks))
	for id, e := range p.tasks {
		if _, running := p.running[id]; !running {
			notRunning = append(notRunning, e.task)
		}
	}
	p.cancel()
	p.mu.Unlock()

	for _, t := range notRunning {
		t.Cancel()
	}
	_ = p.eg.Wait()

	p.mu.Lock()
	listeners := p.listeners
	p.listeners = nil
	p.order = nil
	p.tasks = make(map[int64]*entry)
	p.running = make(map[int64]struct{})
	p.mu.Unlock()

	for _, ch := range listeners {
		close(ch)
	}
	p.listenersWG.Wait()
}

// RunningCount reports how many tasks are currently admitted and running.
func (p *Pool) RunningCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

// QueuedCount reports how many tasks the pool currently holds, running or
// pending.
func (p *Pool) QueuedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}

func (p *Pool) allTasksLocked() []*uploader.Task {
	out := make([]*uploader.Task, 0, len(p.order))
	for _, id := range p.order {
		if e, ok := p.tasks[id]; ok {
			out = append(out, e.task)
		}
	}
	return out
}

// admitLocked starts queued tasks in order until running count reaches
// pool_size or no eligible task remains. Caller holds p.mu.
func (p *Pool) admitLocked() {
	for len(p.running) < p.poolSize {
		id, e := p.nextQueuedLocked()
		if e == nil {
			return
		}
		p.startLocked(id, e)
	}
}

// nextQueuedLocked returns the first task in queue order that is neither
// running nor terminal, or (0, nil) if none remain.
func (p *Pool) nextQueuedLocked() (int64, *entry) {
	for _, id := range p.order {
		if _, running := p.running[id]; running {
			continue
		}
		e, ok := p.tasks[id]
		if !ok {
			continue
		}
		if e.task.IsTerminal() {
			continue
		}
		return id, e
	}
	return 0, nil
}

// startLocked marks id running and launches its worker. Caller holds p.mu.
func (p *Pool) startLocked(id int64, e *entry) {
	p.running[id] = struct{}{}
	tr := p.tr
	task := e.task
	tb := e.tb
	ctx := p.egCtx
	p.eg.Go(func() error {
		task.Run(ctx, tr, tb)
		return nil
	})
}

// reapportionLocked recomputes each running task's bandwidth share: the
// configured total split evenly across min(queue_count, pool_size)
// (spec.md §4.4). Caller holds p.mu.
func (p *Pool) reapportionLocked() {
	divisor := len(p.order)
	if divisor > p.poolSize {
		divisor = p.poolSize
	}
	if divisor <= 0 {
		divisor = 1
	}
	var perTask int64
	if p.totalLimit > 0 {
		perTask = p.totalLimit / int64(divisor)
		if perTask <= 0 {
			perTask = 1
		}
	}
	for id := range p.running {
		if e, ok := p.tasks[id]; ok {
			e.tb.SetLimit(perTask)
		}
	}
}

// onTaskEvent is the per-task observer every uploader.Task in this pool is
// constructed with. It updates pool bookkeeping, auto-advances on a
// terminal event, and fans the event out to subscribers.
func (p *Pool) onTaskEvent(id int64, ev uploader.Event) {
	p.mu.Lock()
	switch ev.Kind {
	case uploader.PausedEvent:
		delete(p.running, id)
	case uploader.CancelledEvent, uploader.ErrorEvent, uploader.FinishedEvent:
		delete(p.running, id)
		delete(p.tasks, id)
		p.removeFromOrderLocked(id)
		if p.autoStart && !p.disposed {
			p.admitLocked()
		}
	}
	p.reapportionLocked()
	p.mu.Unlock()

	p.publish(PoolEvent{Kind: ev.Kind, Task: ev.Task, Err: ev.Err, Success: ev.Success})
}

func (p *Pool) removeFromOrderLocked(id int64) {
	for i, oid := range p.order {
		if oid == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			return
		}
	}
}
