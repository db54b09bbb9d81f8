package uploader

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panupload/panupload/transport"
	"github.com/panupload/panupload/transport/transporttest"
)

func tempFile(t *testing.T, size int) string {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func runToCompletion(t *testing.T, task *Task, tr transport.Transport) []Event {
	t.Helper()
	var events []Event
	task.observer = func(ev Event) {
		events = append(events, ev)
	}
	done := make(chan struct{})
	go func() {
		task.Run(context.Background(), tr, nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("task did not reach a terminal state in time")
	}
	return events
}

func lastEvent(events []Event) Event {
	return events[len(events)-1]
}

// S1: small file, no rapid-upload attempt (below head window), chunked
// upload with a single slice.
func TestRunSmallFileChunkedHappyPath(t *testing.T) {
	path := tempFile(t, 100)
	task := New(1, "/remote/small.bin", TrackedFile{LocalPath: path}, Options{EnableRapidUpload: true}, nil)
	fake := transporttest.New()

	events := runToCompletion(t, task, fake)

	final := lastEvent(events)
	assert.Equal(t, FinishedEvent, final.Kind)
	assert.True(t, final.Success)
	assert.False(t, fake.RapidUploadCall)
	assert.Equal(t, 1, fake.PrecreateCalls)
	assert.Equal(t, []int{0}, fake.SliceCalls)
	assert.Equal(t, Finished, task.State())
}

// S2: rapid upload accepted, no chunked transfer at all.
func TestRunRapidUploadAccepted(t *testing.T) {
	path := tempFile(t, 1<<20) // 1 MiB, above the head window
	task := New(2, "/remote/big.bin", TrackedFile{LocalPath: path}, Options{EnableRapidUpload: true}, nil)
	fake := transporttest.New()
	fake.RapidUploadEligible = true

	events := runToCompletion(t, task, fake)

	final := lastEvent(events)
	assert.Equal(t, FinishedEvent, final.Kind)
	assert.True(t, final.Success)
	assert.True(t, fake.RapidUploadCall)
	assert.Equal(t, 0, fake.PrecreateCalls)
	assert.Empty(t, fake.SliceCalls)
}

// S3: rapid upload rejected as "not eligible", falls through to chunked
// upload which completes normally.
func TestRunRapidUploadRejectedFallsBackToChunked(t *testing.T) {
	path := tempFile(t, 5<<20) // 5 MiB -> 2 slices
	task := New(3, "/remote/medium.bin", TrackedFile{LocalPath: path}, Options{EnableRapidUpload: true}, nil)
	fake := transporttest.New()
	fake.RapidUploadEligible = false

	events := runToCompletion(t, task, fake)

	final := lastEvent(events)
	assert.Equal(t, FinishedEvent, final.Kind)
	assert.True(t, final.Success)
	assert.True(t, fake.RapidUploadCall)
	assert.Equal(t, 1, fake.PrecreateCalls)
	assert.Equal(t, []int{0, 1}, fake.SliceCalls)
}

// Non-fatal rapid-upload error (not a "not eligible" classification) still
// falls through to chunked upload, but emits a NotificationEvent first.
func TestRunRapidUploadOtherErrorEmitsNotificationAndContinues(t *testing.T) {
	path := tempFile(t, 1<<20)
	task := New(4, "/remote/notified.bin", TrackedFile{LocalPath: path}, Options{EnableRapidUpload: true}, nil)
	fake := transporttest.New()
	fake.RapidUploadEligible = false
	fake.RapidUploadErr = assertableErr{"server hiccup"}

	events := runToCompletion(t, task, fake)

	var sawNotification bool
	for _, ev := range events[:len(events)-1] {
		if ev.Kind == NotificationEvent {
			sawNotification = true
		}
	}
	assert.True(t, sawNotification)
	assert.Equal(t, FinishedEvent, lastEvent(events).Kind)
	assert.True(t, lastEvent(events).Success)
}

type assertableErr struct{ msg string }

func (e assertableErr) Error() string { return e.msg }

// S4: an empty slice identifier must be retried at the same index without
// advancing accepted_slices.
func TestRunSliceEmptyIdentifierIsRetried(t *testing.T) {
	path := tempFile(t, 5<<20) // 2 slices
	task := New(5, "/remote/retry.bin", TrackedFile{LocalPath: path}, Options{EnableRapidUpload: false}, nil)
	fake := transporttest.New()
	fake.EmptySliceOnce = 1 // index 1's first attempt returns empty

	events := runToCompletion(t, task, fake)

	assert.Equal(t, FinishedEvent, lastEvent(events).Kind)
	assert.True(t, lastEvent(events).Success)
	// index 1 was attempted twice: the empty retry, then the accepted call.
	assert.Equal(t, []int{0, 1, 1}, fake.SliceCalls)
	snap := task.Snapshot()
	assert.Equal(t, 2, snap.AcceptedSliceCount)
}

// Precreate retries indefinitely on a transient error until it succeeds.
func TestRunPrecreateRetriesOnTransientError(t *testing.T) {
	path := tempFile(t, 100)
	task := New(6, "/remote/flaky.bin", TrackedFile{LocalPath: path}, Options{}, nil)
	fake := transporttest.New()
	failures := 0
	fake.PrecreateErr = func(attempt int) error {
		if attempt < 2 {
			failures++
			return assertableErr{"transient"}
		}
		return nil
	}

	events := runToCompletion(t, task, fake)

	assert.Equal(t, FinishedEvent, lastEvent(events).Kind)
	assert.Equal(t, 2, failures)
	assert.Equal(t, 3, fake.PrecreateCalls)
}

// A classified protocol error on precreate is fatal and transitions to
// Cancelled, matching source behavior (spec.md §9 open question 1).
func TestRunPrecreateProtocolErrorCancels(t *testing.T) {
	path := tempFile(t, 100)
	task := New(7, "/remote/fatal.bin", TrackedFile{LocalPath: path}, Options{}, nil)
	fake := transporttest.New()
	fake.PrecreateErr = func(attempt int) error {
		return &transport.ProtocolError{Code: 999, Message: "no such path"}
	}

	events := runToCompletion(t, task, fake)

	assert.Equal(t, CancelledEvent, lastEvent(events).Kind)
	assert.Equal(t, Cancelled, task.State())
}

// Finalize retries while FS_ID == 0 without a protocol error.
func TestRunFinalizeRetriesOnRetryMe(t *testing.T) {
	path := tempFile(t, 100)
	task := New(8, "/remote/finalize-retry.bin", TrackedFile{LocalPath: path}, Options{}, nil)
	fake := transporttest.New()
	calls := 0
	fake.FinalizeErr = func(attempt int) error {
		calls++
		return nil
	}
	fake.ZeroFsIDCount = 2 // first two calls report FS_ID==0, third succeeds

	events := runToCompletion(t, task, fake)
	assert.Equal(t, FinishedEvent, lastEvent(events).Kind)
}

// Pause during Transferring stops the worker and preserves accepted
// slices; a subsequent Run resumes at the right index and reaches the same
// final accepted_slices sequence as an uninterrupted run.
func TestPauseThenResumeYieldsSameSlices(t *testing.T) {
	path := tempFile(t, 9<<20) // 3 slices
	task := New(9, "/remote/pausable.bin", TrackedFile{LocalPath: path}, Options{}, nil)
	fake := transporttest.New()
	blocker := make(chan struct{})
	fake.BlockSliceIndex(1, blocker)

	var events []Event
	task.observer = func(ev Event) { events = append(events, ev) }

	done := make(chan struct{})
	go func() {
		task.Run(context.Background(), fake, nil)
		close(done)
	}()

	fake.WaitForBlock(t, 1)
	task.Pause()
	close(blocker)
	<-done

	assert.Equal(t, Paused, task.State())
	snap := task.Snapshot()
	assert.Equal(t, 1, snap.AcceptedSliceCount)

	events = nil
	done2 := make(chan struct{})
	go func() {
		task.Run(context.Background(), fake, nil)
		close(done2)
	}()
	select {
	case <-done2:
	case <-time.After(5 * time.Second):
		t.Fatal("resume did not complete in time")
	}

	assert.Equal(t, FinishedEvent, lastEvent(events).Kind)
	assert.Equal(t, []int{0, 1, 1, 2}, fake.SliceCalls)
}

// Cancel during Transferring stops promptly and never emits Finished.
func TestCancelDuringTransferring(t *testing.T) {
	path := tempFile(t, 9<<20)
	task := New(10, "/remote/cancel-me.bin", TrackedFile{LocalPath: path}, Options{}, nil)
	fake := transporttest.New()
	blocker := make(chan struct{})
	fake.BlockSliceIndex(1, blocker)

	var events []Event
	task.observer = func(ev Event) { events = append(events, ev) }

	done := make(chan struct{})
	go func() {
		task.Run(context.Background(), fake, nil)
		close(done)
	}()

	fake.WaitForBlock(t, 1)
	task.Cancel()
	close(blocker)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not unblock the worker in time")
	}

	assert.Equal(t, CancelledEvent, lastEvent(events).Kind)
	for _, ev := range events {
		assert.NotEqual(t, FinishedEvent, ev.Kind)
	}
}

// Cancel on an already-terminal task is a no-op: no new events.
func TestCancelOnTerminalTaskIsNoOp(t *testing.T) {
	path := tempFile(t, 100)
	task := New(11, "/remote/done.bin", TrackedFile{LocalPath: path}, Options{}, nil)
	fake := transporttest.New()
	var events []Event
	task.observer = func(ev Event) { events = append(events, ev) }
	task.Run(context.Background(), fake, nil)
	require.Equal(t, Finished, task.State())

	before := len(events)
	task.Cancel()
	assert.Equal(t, before, len(events))
	assert.Equal(t, Finished, task.State())
}

// Zero-length file: exactly one slice, rapid-upload not attempted.
func TestRunZeroLengthFile(t *testing.T) {
	path := tempFile(t, 0)
	task := New(12, "/remote/empty.bin", TrackedFile{LocalPath: path}, Options{EnableRapidUpload: true}, nil)
	fake := transporttest.New()

	events := runToCompletion(t, task, fake)

	assert.Equal(t, FinishedEvent, lastEvent(events).Kind)
	assert.False(t, fake.RapidUploadCall)
	snap := task.Snapshot()
	assert.Equal(t, int64(1), snap.SliceCount)
}

// bytes_uploaded never exceeds content_length at any sampled point
// (testable property 1 of spec.md §8).
func TestBytesUploadedNeverExceedsContentLength(t *testing.T) {
	path := tempFile(t, 9<<20)
	task := New(13, "/remote/watch.bin", TrackedFile{LocalPath: path}, Options{}, nil)
	fake := transporttest.New()
	var maxSeen int64
	fake.OnSlice(func(index int) {
		snap := task.Snapshot()
		if snap.BytesUploaded > maxSeen {
			maxSeen = snap.BytesUploaded
		}
		assert.LessOrEqual(t, snap.BytesUploaded, snap.ContentLength)
	})

	runToCompletion(t, task, fake)
	assert.Greater(t, maxSeen, int64(0))
}
