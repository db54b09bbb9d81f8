package uploader

// EventKind identifies which of the five lifecycle events fired.
type EventKind int

// Event kinds. Exactly one of Cancelled/Error/Finished fires per task, and
// it is always the last event for that task (spec.md §5 ordering guarantee).
const (
	Started EventKind = iota
	PausedEvent
	CancelledEvent
	ErrorEvent
	FinishedEvent
	// NotificationEvent is non-terminal: a rapid-upload attempt failed for a
	// reason other than "not eligible" and the engine is falling through to
	// chunked upload anyway (spec.md §4.3/§7 category 4). It never counts
	// as the one terminal event a task emits.
	NotificationEvent
)

// Event is delivered to a Task's Observer. This replaces the source's
// multicast event subscriptions with direct message passing (spec.md §9):
// one observer per task, called synchronously from the task's own worker.
type Event struct {
	Kind    EventKind
	Task    *Task
	Err     error // set for ErrorEvent, a FinishedEvent that failed verification, and a non-fatal RapidUpload notification
	Success bool  // set for FinishedEvent: false on a verification mismatch
}

// Observer receives a Task's lifecycle events. It must not block for long:
// the pool drains observers off the worker goroutine via a bounded channel,
// but a single-task Observer set directly on a Task runs inline and a slow
// one will stall that task's worker.
type Observer func(Event)

// emit calls t.observer if set, guarding against a panicking observer the
// way the pool's dispatcher isolates one bad subscriber from the rest
// (spec.md §7 propagation policy): recovered, logged, and dropped.
func (t *Task) emit(ev Event) {
	if t.observer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logRecoveredObserverPanic(t, r)
		}
	}()
	t.observer(ev)
}
