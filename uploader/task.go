// Package uploader implements the per-file upload state machine: hash
// precomputation, a rapid-upload attempt, slice-by-slice chunked transfer,
// finalization and verification (spec.md §4.3). Cancellation and pause are
// cooperative - a context plus a checked flag - rather than the source's
// forcible thread abortion (spec.md §9's re-architecture note).
package uploader

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/panupload/panupload/digest"
	"github.com/panupload/panupload/transport"
)

// State is one of the Task lifecycle states (spec.md §3).
type State int

// Lifecycle states. Cancelled, Error and Finished are absorbing: no further
// transitions and no further events are emitted once reached.
const (
	Init State = iota
	Hashing
	Transferring
	Paused
	Cancelled
	Error
	Finished
)

// String renders a State for logging.
func (s State) String() string {
	switch s {
	case Init:
		return "Init"
	case Hashing:
		return "Hashing"
	case Transferring:
		return "Transferring"
	case Paused:
		return "Paused"
	case Cancelled:
		return "Cancelled"
	case Error:
		return "Error"
	case Finished:
		return "Finished"
	default:
		return "Unknown"
	}
}

// terminal reports whether s is one of the absorbing states.
func (s State) terminal() bool {
	return s == Cancelled || s == Error || s == Finished
}

// TrackedFile is the input descriptor for one upload (spec.md §3). Any
// subset of the digest fields may be pre-supplied by a caller-owned
// metadata cache keyed by path+mtime+size; the caller is responsible for
// staleness, the engine never re-validates a supplied digest against disk.
type TrackedFile struct {
	LocalPath     string
	ContentLength int64 // 0 means "unknown, hash to find out"
	ContentMD5    string
	ContentCRC32  string
	SliceMD5      string
}

// Options configure a single Task beyond its TrackedFile/RemotePath.
type Options struct {
	OnDuplicate       transport.DuplicatePolicy // defaults to Overwrite
	EnableRapidUpload bool                      // zero value disables it; config.New defaults it to true
	// Encrypt is the seam for an external encryption filter. The Task
	// stores it but does not apply it: hashing and slice transfer both
	// read the plaintext file at TrackedFile.LocalPath directly.
	Encrypt EncryptionFilter
}

// EncryptionFilter opens the file at path and returns a cipher stream over
// it together with that stream's size. The key manager that backs a real
// implementation is an external collaborator (spec.md §1); this interface
// is only the seam.
type EncryptionFilter interface {
	Wrap(path string) (reader ReadSeekCloser, size int64, err error)
}

// ReadSeekCloser is the stream type both plain files and EncryptionFilter
// outputs must satisfy: slice transfer seeks to a slice boundary before
// each transmission (spec.md §4.2).
type ReadSeekCloser interface {
	Read(p []byte) (int, error)
	Seek(offset int64, whence int) (int64, error)
	Close() error
}

// Task is one in-flight or queued upload: the data spec.md §3 calls
// UploadTask, plus the control state that makes it an Uploader state
// machine. Exported fields are safe to read under Snapshot; mutate only
// through Run/Pause/Cancel.
type Task struct {
	// Identity, set at construction and never mutated.
	TaskID     int64
	RemotePath string
	File       TrackedFile
	opts       Options

	mu sync.Mutex

	// Protocol state (spec.md §3 invariants).
	uploadSessionID string
	sliceCount      int64
	acceptedSlices  []string

	// Digest state, filled in by Hashing if not pre-supplied.
	contentLength int64
	contentMD5    string
	contentCRC32  string
	sliceMD5      string

	// Progress.
	bytesUploaded      int64
	instantaneousSpeed int64
	lastSample         int64
	lastSampleAt       time.Time

	state State

	// Control plane: cooperative cancellation/pause, checked at phase
	// boundaries and inside the transport's read loop (spec.md §9).
	cancelRequested bool
	pauseRequested  bool
	cancelFunc      context.CancelFunc

	// rapidAttempted is set the first time Run tries RapidUpload so a
	// resumed (paused-then-restarted) task never tries it twice.
	rapidAttempted bool

	// file is the slice loop's open handle, tracked here so the worker
	// closes it on every exit path (pause, cancel, error, finish).
	file *os.File

	observer Observer
	done     chan struct{} // closed once a terminal event has been emitted
}

// Snapshot is a point-in-time, race-free copy of a Task's observable state.
type Snapshot struct {
	TaskID             int64
	RemotePath         string
	LocalPath          string
	UploadSessionID    string
	SliceCount         int64
	AcceptedSliceCount int
	ContentLength      int64
	ContentMD5         string
	BytesUploaded      int64
	InstantaneousSpeed int64
	State              State
}

// Snapshot copies out t's current observable state under its lock.
func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		TaskID:             t.TaskID,
		RemotePath:         t.RemotePath,
		LocalPath:          t.File.LocalPath,
		UploadSessionID:    t.uploadSessionID,
		SliceCount:         t.sliceCount,
		AcceptedSliceCount: len(t.acceptedSlices),
		ContentLength:      t.contentLength,
		ContentMD5:         t.contentMD5,
		BytesUploaded:      t.bytesUploaded,
		InstantaneousSpeed: t.instantaneousSpeed,
		State:              t.state,
	}
}

// String identifies t for log lines, matching the "%v: message" shape
// fs.Logf expects of the object a log line concerns.
func (t *Task) String() string {
	return t.RemotePath
}

func (t *Task) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *Task) getState() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// sliceWindowBytes is digest.SliceSize as an int64, named for readability
// at call sites that derive bytesUploaded from an accepted-slice count.
const sliceWindowBytes = int64(digest.SliceSize)
