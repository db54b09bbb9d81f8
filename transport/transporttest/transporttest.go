// Package transporttest is a deterministic, in-memory transport.Transport
// for exercising package uploader and package pool without a network,
// mirroring the role a hand-written fake Fs plays in the teacher's own
// backend test suites (e.g. backend/seafile's mock server, one layer up).
package transporttest

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/panupload/panupload/digest"
	"github.com/panupload/panupload/transport"
)

// Fake is a scriptable transport.Transport. Configure its exported fields
// before handing it to an uploader.Task or pool.Pool; the unexported
// bookkeeping is safe for concurrent use by the task's worker goroutine.
type Fake struct {
	mu sync.Mutex

	// RapidUploadEligible, when true, makes RapidUpload succeed outright.
	RapidUploadEligible bool
	// RapidUploadErr, when non-nil and RapidUploadEligible is false, is
	// returned instead of the "not eligible" protocol error - used to
	// exercise the non-fatal-notification fallthrough path.
	RapidUploadErr error

	// EmptySliceOnce names a slice index whose first UploadSlice call
	// returns an empty identifier (spec.md §4.2's "retry me"); -1 disables
	// this behavior entirely.
	EmptySliceOnce int
	emptied        bool

	// PrecreateErr and FinalizeErr, when set, are consulted on every call
	// attempt (0-indexed) and returned verbatim if non-nil - use a
	// *transport.ProtocolError to exercise the fatal path, anything else
	// to exercise the retry loop.
	PrecreateErr func(attempt int) error
	FinalizeErr  func(attempt int) error

	// ZeroFsIDCount is the number of leading CreateSuperFile calls that
	// report FS_ID == 0 ("retry me") before one finally succeeds.
	ZeroFsIDCount int

	precreateAttempts int
	finalizeAttempts  int
	nextFsID          int64

	blockIndex    int
	blockUnblock  <-chan struct{}
	blockedSignal chan struct{}
	blockedOnce   bool

	sliceHook func(index int)

	SliceCalls      []int
	PrecreateCalls  int
	FinalizeCalls   int
	RapidUploadCall bool
}

// New returns a Fake configured to accept every call on the first try.
func New() *Fake {
	return &Fake{nextFsID: 1, EmptySliceOnce: -1, blockIndex: -1}
}

// BlockSliceIndex makes the first UploadSlice call for index hang until
// unblock is closed, or until the call's context is done - whichever comes
// first. Use WaitForBlock to synchronize a test goroutine with the moment
// the call starts blocking.
func (f *Fake) BlockSliceIndex(index int, unblock <-chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockIndex = index
	f.blockUnblock = unblock
	f.blockedSignal = make(chan struct{})
	f.blockedOnce = false
}

// WaitForBlock blocks the calling goroutine until the configured slice
// index has actually entered its blocking wait.
func (f *Fake) WaitForBlock(t *testing.T, index int) {
	t.Helper()
	f.mu.Lock()
	sig := f.blockedSignal
	f.mu.Unlock()
	if sig == nil {
		t.Fatalf("transporttest: no block configured for index %d", index)
	}
	select {
	case <-sig:
	case <-time.After(5 * time.Second):
		t.Fatalf("transporttest: slice %d never blocked", index)
	}
}

// OnSlice registers a hook invoked synchronously, in the caller's worker
// goroutine, right after each successfully accepted slice.
func (f *Fake) OnSlice(hook func(index int)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sliceHook = hook
}

func (f *Fake) GetRapidUploadDigests(ctx context.Context, localPath string, progress transport.ProgressFunc) (int64, string, string, string, error) {
	result, err := digest.Compute(ctx, localPath, digest.Known{}, func(read, total int64) {
		if progress != nil {
			progress(read)
		}
	})
	if err != nil {
		return 0, "", "", "", err
	}
	return result.ContentLength, result.ContentCRC32, result.ContentMD5, result.SliceMD5, nil
}

func (f *Fake) RapidUpload(ctx context.Context, remotePath string, length int64, md5sum, crc32, sliceMD5 string, onDup transport.DuplicatePolicy) (transport.ObjectMetadata, error) {
	f.mu.Lock()
	f.RapidUploadCall = true
	f.mu.Unlock()
	if f.RapidUploadEligible {
		return transport.ObjectMetadata{FsID: f.allocFsID(), MD5: md5sum, Size: length}, nil
	}
	if f.RapidUploadErr != nil {
		return transport.ObjectMetadata{}, f.RapidUploadErr
	}
	return transport.ObjectMetadata{}, &transport.ProtocolError{Code: transport.CodeRapidUploadNotEligible, Message: "not eligible"}
}

func (f *Fake) Precreate(ctx context.Context, remotePath string, sliceCount int64) (transport.PrecreateResult, error) {
	f.mu.Lock()
	f.PrecreateCalls++
	attempt := f.precreateAttempts
	f.precreateAttempts++
	f.mu.Unlock()
	if f.PrecreateErr != nil {
		if err := f.PrecreateErr(attempt); err != nil {
			return transport.PrecreateResult{}, err
		}
	}
	return transport.PrecreateResult{UploadSessionID: fmt.Sprintf("session-%s", remotePath)}, nil
}

func (f *Fake) UploadSlice(ctx context.Context, in io.Reader, remotePath, sessionID string, index int, progress transport.ProgressFunc) (string, error) {
	data, err := io.ReadAll(in)
	if err != nil {
		return "", err
	}

	f.mu.Lock()
	f.SliceCalls = append(f.SliceCalls, index)
	doBlock := index == f.blockIndex && !f.blockedOnce
	if doBlock {
		f.blockedOnce = true
	}
	sig := f.blockedSignal
	unblock := f.blockUnblock
	f.mu.Unlock()

	if doBlock {
		close(sig)
		select {
		case <-unblock:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if progress != nil {
		progress(int64(len(data)))
	}

	f.mu.Lock()
	shouldEmpty := index == f.EmptySliceOnce && !f.emptied
	if shouldEmpty {
		f.emptied = true
	}
	hook := f.sliceHook
	f.mu.Unlock()

	if shouldEmpty {
		return "", nil
	}
	sum := md5.Sum(data)
	id := fmt.Sprintf("slice-%d-%s", index, hex.EncodeToString(sum[:])[:8])
	if hook != nil {
		hook(index)
	}
	return id, nil
}

func (f *Fake) CreateSuperFile(ctx context.Context, remotePath, sessionID string, sliceIDs []string, length int64) (transport.ObjectMetadata, error) {
	f.mu.Lock()
	f.FinalizeCalls++
	attempt := f.finalizeAttempts
	f.finalizeAttempts++
	zeroLeft := f.ZeroFsIDCount > f.finalizeAttempts-1
	f.mu.Unlock()

	if f.FinalizeErr != nil {
		if err := f.FinalizeErr(attempt); err != nil {
			return transport.ObjectMetadata{}, err
		}
	}
	if zeroLeft {
		return transport.ObjectMetadata{Size: length}, nil
	}
	return transport.ObjectMetadata{FsID: f.allocFsID(), MD5: "", Size: length}, nil
}

func (f *Fake) allocFsID() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextFsID
	f.nextFsID++
	return id
}
