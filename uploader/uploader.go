package uploader

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/panupload/panupload/digest"
	"github.com/panupload/panupload/fs"
	"github.com/panupload/panupload/fs/accounting"
	"github.com/panupload/panupload/transport"
)

// New constructs a queued Task in state Init. The pool is the only intended
// caller; TaskID is assigned by the pool's monotonic counter.
func New(taskID int64, remotePath string, file TrackedFile, opts Options, observer Observer) *Task {
	if opts.OnDuplicate == "" {
		opts.OnDuplicate = transport.Overwrite
	}
	t := &Task{
		TaskID:     taskID,
		RemotePath: remotePath,
		File:       file,
		opts:       opts,
		state:      Init,
		observer:   observer,
		done:       make(chan struct{}),
	}
	if file.ContentLength > 0 {
		t.contentLength = file.ContentLength
		t.sliceCount = digest.SliceCount(file.ContentLength)
	}
	t.contentMD5 = file.ContentMD5
	t.contentCRC32 = file.ContentCRC32
	t.sliceMD5 = file.SliceMD5
	return t
}

// digestsKnown reports whether the content length and every digest this
// task needs were pre-supplied.
func (t *Task) digestsKnown() bool {
	if t.contentLength <= 0 {
		return false
	}
	if t.contentMD5 == "" {
		return false
	}
	if t.contentLength >= digest.HeadSize && t.sliceMD5 == "" {
		return false
	}
	return true
}

// Run executes (or resumes) t until it either reaches a terminal state,
// emitting exactly one terminal event, or stops on a Pause, emitting
// PausedEvent. The caller (package pool) runs this in its own
// goroutine; Run blocks until a terminal state, a Pause, or ctx is done.
func (t *Task) Run(parent context.Context, tr transport.Transport, tb *accounting.TokenBucket) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	t.mu.Lock()
	t.cancelFunc = cancel
	t.cancelRequested = false
	t.pauseRequested = false
	resumingTransfer := t.state == Paused
	t.mu.Unlock()

	t.emit(Event{Kind: Started, Task: t})
	fs.Infof(t, "run starting in state %v", t.getState())

	stopSampler := t.startSpeedSampler()
	defer stopSampler()

	if !resumingTransfer {
		t.setState(Hashing)
	}

	if !t.digestsKnown() {
		t.setState(Hashing)
		if err := t.runHashing(ctx); err != nil {
			t.finishOnError(ctx, err)
			return
		}
	}
	if t.handledControl(ctx) {
		return
	}

	if t.uploadSessionID == "" && len(t.acceptedSlices) == 0 && !t.rapidAttempted {
		t.rapidAttempted = true
		done, err := t.attemptRapidUpload(ctx, tr)
		if err != nil {
			t.finishOnError(ctx, err)
			return
		}
		if done {
			t.finishSuccess()
			return
		}
	}
	if t.handledControl(ctx) {
		return
	}

	t.setState(Transferring)

	if t.uploadSessionID == "" {
		sessionID, err := t.runPrecreate(ctx, tr)
		if err != nil {
			t.finishOnError(ctx, err)
			return
		}
		t.mu.Lock()
		t.uploadSessionID = sessionID
		t.mu.Unlock()
	}
	if t.handledControl(ctx) {
		return
	}

	if err := t.runSliceLoop(ctx, tr, tb); err != nil {
		t.finishOnError(ctx, err)
		return
	}
	if t.handledControl(ctx) {
		return
	}

	meta, err := t.runFinalize(ctx, tr)
	if err != nil {
		t.finishOnError(ctx, err)
		return
	}

	t.verifyAndFinish(meta)
}

// handledControl checks for a pending Pause/Cancel at a phase boundary and,
// if one is pending, performs the corresponding transition and returns true
// to tell Run to stop. It is called between blocking calls; a Pause or
// Cancel that arrives mid-request aborts that request through the task's
// context instead.
func (t *Task) handledControl(ctx context.Context) bool {
	t.mu.Lock()
	cancelReq := t.cancelRequested
	pauseReq := t.pauseRequested
	t.mu.Unlock()
	if cancelReq {
		t.finishCancelled()
		return true
	}
	if pauseReq {
		t.pauseNow()
		return true
	}
	if ctx.Err() != nil {
		// Context died without either flag set: treat as cancellation, the
		// safer default for an externally cancelled parent context.
		t.finishCancelled()
		return true
	}
	return false
}

func (t *Task) pauseNow() {
	t.closeFile()
	t.mu.Lock()
	t.bytesUploaded = sliceWindowBytes * int64(len(t.acceptedSlices))
	t.state = Paused
	t.mu.Unlock()
	fs.Infof(t, "paused at slice %d/%d", len(t.acceptedSlices), t.sliceCount)
	t.emit(Event{Kind: PausedEvent, Task: t})
}

func (t *Task) finishCancelled() {
	t.closeFile()
	t.setState(Cancelled)
	close(t.done)
	fs.Infof(t, "cancelled")
	t.emit(Event{Kind: CancelledEvent, Task: t})
}

// finishOnError classifies err: a *transport.ProtocolError (spec.md §7
// category 2) is fatal but, per source-behavior parity (spec.md §9 Open
// Question 1), maps to Cancelled rather than Error. Anything that looks
// like our own cooperative cancellation/pause signal is routed there
// instead of being reported as a failure. Everything else is a genuine
// I/O/engine Error.
func (t *Task) finishOnError(ctx context.Context, err error) {
	t.mu.Lock()
	cancelReq := t.cancelRequested
	pauseReq := t.pauseRequested
	t.mu.Unlock()
	if errors.Is(err, context.Canceled) {
		if pauseReq {
			t.pauseNow()
			return
		}
		t.finishCancelled()
		return
	}
	if cancelReq {
		t.finishCancelled()
		return
	}
	if _, ok := transport.IsProtocolError(err); ok {
		fs.Errorf(t, "protocol error, cancelling: %v", err)
		t.closeFile()
		t.setState(Cancelled)
		close(t.done)
		t.emit(Event{Kind: CancelledEvent, Task: t})
		return
	}
	fs.Errorf(t, "error: %v", err)
	t.closeFile()
	t.setState(Error)
	close(t.done)
	t.emit(Event{Kind: ErrorEvent, Task: t, Err: err})
}

func (t *Task) finishSuccess() {
	t.closeFile()
	t.setState(Finished)
	close(t.done)
	fs.Infof(t, "finished")
	t.emit(Event{Kind: FinishedEvent, Task: t, Success: true})
}

// finishVerificationFailure emits a terminal Finished(success=false) rather
// than Error, kept for source-behavior fidelity per spec.md §4.3/§9: a
// stricter implementation might prefer Error here.
func (t *Task) finishVerificationFailure(err error) {
	t.closeFile()
	t.setState(Finished)
	close(t.done)
	fs.Errorf(t, "verification failed: %v", err)
	t.emit(Event{Kind: FinishedEvent, Task: t, Success: false, Err: err})
}

// runHashing computes any digests TrackedFile didn't already supply.
func (t *Task) runHashing(ctx context.Context) error {
	known := digest.Known{
		ContentLength: t.contentLength,
		ContentMD5:    t.contentMD5,
		ContentCRC32:  t.contentCRC32,
		SliceMD5:      t.sliceMD5,
	}
	result, err := digest.Compute(ctx, t.File.LocalPath, known, func(read, total int64) {
		fs.Debugf(t, "hashing %d/%d", read, total)
	})
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.contentLength = result.ContentLength
	t.contentMD5 = result.ContentMD5
	t.contentCRC32 = result.ContentCRC32
	t.sliceMD5 = result.SliceMD5
	t.sliceCount = digest.SliceCount(result.ContentLength)
	t.mu.Unlock()
	return nil
}

// rapidEligible mirrors spec.md §4.3: attempted only when the file is at
// least one head-window long, its slice digest is known, and the feature
// is enabled.
func (t *Task) rapidEligible() bool {
	return t.opts.EnableRapidUpload && t.contentLength >= digest.HeadSize && t.sliceMD5 != ""
}

// attemptRapidUpload returns (true, nil) if the file was accepted without a
// chunked transfer. A "not eligible" outcome returns (false, nil); any
// other error is surfaced as a NotificationEvent and also returns
// (false, nil) so the caller falls through to chunked upload (spec.md §7
// category 4). A context cancellation is returned as the error.
func (t *Task) attemptRapidUpload(ctx context.Context, tr transport.Transport) (bool, error) {
	if !t.rapidEligible() {
		return false, nil
	}
	meta, err := tr.RapidUpload(ctx, t.RemotePath, t.contentLength, t.contentMD5, t.contentCRC32, t.sliceMD5, t.opts.OnDuplicate)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return false, err
		}
		if transport.IsNotEligible(err) {
			fs.Debugf(t, "rapid upload not eligible, falling back to chunked")
			return false, nil
		}
		fs.Infof(t, "rapid upload failed, falling back to chunked: %v", err)
		t.emit(Event{Kind: NotificationEvent, Task: t, Err: err})
		return false, nil
	}
	if meta.FsID == 0 {
		return false, nil
	}
	return true, nil
}

// runPrecreate retries indefinitely until it gets a session id or a
// classified protocol error (spec.md §4.3).
func (t *Task) runPrecreate(ctx context.Context, tr transport.Transport) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		result, err := tr.Precreate(ctx, t.RemotePath, t.sliceCount)
		if err == nil && result.UploadSessionID != "" {
			return result.UploadSessionID, nil
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return "", err
			}
			if _, ok := transport.IsProtocolError(err); ok {
				return "", err
			}
			fs.Debugf(t, "precreate failed, retrying: %v", err)
		}
		if err := sleepOrDone(ctx, time.Second); err != nil {
			return "", err
		}
	}
}

// runSliceLoop transfers every slice strictly sequentially, starting at
// i = len(accepted_slices) so a resumed Pause continues where it left off.
func (t *Task) runSliceLoop(ctx context.Context, tr transport.Transport, tb *accounting.TokenBucket) error {
	f, err := os.Open(t.File.LocalPath)
	if err != nil {
		return err
	}
	t.setFile(f)
	defer t.closeFile()

	var pos int64
	t.mu.Lock()
	start := len(t.acceptedSlices)
	t.mu.Unlock()

	for i := start; i < int(t.sliceCount); i++ {
		t.mu.Lock()
		cancelReq, pauseReq := t.cancelRequested, t.pauseRequested
		t.mu.Unlock()
		if cancelReq || pauseReq {
			return ctx.Err()
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		from, to := digest.SliceRange(i, t.contentLength)
		if from != pos {
			if _, err := f.Seek(from, io.SeekStart); err != nil {
				return err
			}
			pos = from
		}

		sliceSize := to - from
		limited := io.LimitReader(f, sliceSize)
		for {
			if tb != nil {
				if err := tb.WaitN(ctx, int(sliceSize)); err != nil {
					return err
				}
			}
			sliceID, err := tr.UploadSlice(ctx, limited, t.RemotePath, t.uploadSessionID, i, func(current int64) {
				t.reportSliceProgress(i, current)
			})
			if err != nil {
				return err
			}
			if sliceID == "" {
				// Empty identifier: retry this same index without advancing,
				// re-seeking since the reader was consumed (spec.md §4.2).
				fs.Debugf(t, "slice %d returned empty identifier, retrying", i)
				if _, err := f.Seek(from, io.SeekStart); err != nil {
					return err
				}
				limited = io.LimitReader(f, sliceSize)
				continue
			}
			t.mu.Lock()
			t.acceptedSlices = append(t.acceptedSlices, sliceID)
			t.bytesUploaded = sliceWindowBytes * int64(len(t.acceptedSlices))
			if t.bytesUploaded > t.contentLength {
				t.bytesUploaded = t.contentLength
			}
			t.mu.Unlock()
			break
		}
		pos = to
	}
	return nil
}

func (t *Task) reportSliceProgress(index int, current int64) {
	t.mu.Lock()
	base := sliceWindowBytes * int64(index)
	uploaded := base + current
	if uploaded > t.contentLength {
		uploaded = t.contentLength
	}
	t.bytesUploaded = uploaded
	t.mu.Unlock()
}

// runFinalize retries indefinitely while the remote reports FS_ID==0
// without a protocol error (spec.md §4.3).
func (t *Task) runFinalize(ctx context.Context, tr transport.Transport) (transport.ObjectMetadata, error) {
	t.mu.Lock()
	slices := append([]string(nil), t.acceptedSlices...)
	t.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return transport.ObjectMetadata{}, err
		}
		meta, err := tr.CreateSuperFile(ctx, t.RemotePath, t.uploadSessionID, slices, t.contentLength)
		if err == nil && meta.FsID != 0 {
			return meta, nil
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return transport.ObjectMetadata{}, err
			}
			if _, ok := transport.IsProtocolError(err); ok {
				return transport.ObjectMetadata{}, err
			}
			fs.Debugf(t, "finalize failed, retrying: %v", err)
		}
		if err := sleepOrDone(ctx, time.Second); err != nil {
			return transport.ObjectMetadata{}, err
		}
	}
}

// verifyAndFinish implements spec.md §4.3's verification step.
func (t *Task) verifyAndFinish(meta transport.ObjectMetadata) {
	if t.contentMD5 != "" && meta.MD5 != "" && meta.MD5 != t.contentMD5 {
		t.finishVerificationFailure(errMd5Mismatch)
		return
	}
	if meta.Size != t.contentLength {
		t.finishVerificationFailure(errSizeMismatch)
		return
	}
	t.finishSuccess()
}

var (
	errMd5Mismatch  = errors.New("md5 mismatch")
	errSizeMismatch = errors.New("size mismatch")
)

func sleepOrDone(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (t *Task) setFile(f *os.File) {
	t.mu.Lock()
	t.file = f
	t.mu.Unlock()
}

func (t *Task) closeFile() {
	t.mu.Lock()
	f := t.file
	t.file = nil
	t.mu.Unlock()
	if f != nil {
		_ = f.Close()
	}
}

// startSpeedSampler launches the 1 Hz auxiliary worker spec.md §4.3/§5
// describes and returns a function to stop it.
func (t *Task) startSpeedSampler() (stop func()) {
	ticker := time.NewTicker(time.Second)
	stopCh := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				t.mu.Lock()
				cur := t.bytesUploaded
				delta := cur - t.lastSample
				if delta < 0 {
					delta = 0
				}
				t.instantaneousSpeed = delta
				t.lastSample = cur
				t.lastSampleAt = time.Now()
				t.mu.Unlock()
			}
		}
	}()
	var once bool
	return func() {
		if once {
			return
		}
		once = true
		close(stopCh)
	}
}

func logRecoveredObserverPanic(t *Task, r interface{}) {
	fs.Errorf(t, "observer panicked, dropping: %v", r)
}
