// Package transport defines the remote's three-step chunked-upload protocol
// plus its rapid-upload shortcut (spec.md §6). This is the seam between the
// Uploader and whatever concrete HTTP client talks to the object store: the
// core never marshals a request itself, exactly as backend/b2 and
// backend/mailru keep API-shape types in a sibling api package and leave
// request marshalling to rest.Client.
package transport

import (
	"context"
	"io"
)

// DuplicatePolicy is the wire-level on-duplicate instruction (spec.md §6).
type DuplicatePolicy string

// Recognized on-duplicate policies; Overwrite is the default when unspecified.
const (
	Overwrite DuplicatePolicy = "overwrite"
	NewCopy   DuplicatePolicy = "newcopy"
	Skip      DuplicatePolicy = "skip"
)

// ObjectMetadata is returned by rapid-upload and finalize calls.
// FsID != 0 iff the file materialized on the server (spec.md §6).
type ObjectMetadata struct {
	FsID int64
	MD5  string
	Size int64
}

// ProtocolError is a classified, fatal error carrying the remote's own error
// code - the Go expression of the source's ErrnoException. A ProtocolError
// is never retried (spec.md §7 category 2). Package uploader retries other
// Precreate and CreateSuperFile errors, reports other RapidUpload errors as
// a notification, and ends the task with Error on other UploadSlice errors.
type ProtocolError struct {
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	return e.Message
}

// IsProtocolError reports whether err is (or wraps) a *ProtocolError.
func IsProtocolError(err error) (*ProtocolError, bool) {
	type causer interface{ Cause() error }
	for err != nil {
		if pe, ok := err.(*ProtocolError); ok {
			return pe, true
		}
		c, ok := err.(causer)
		if !ok {
			return nil, false
		}
		err = c.Cause()
	}
	return nil, false
}

// ProgressFunc reports current bytes transferred within the call in progress.
type ProgressFunc func(current int64)

// PrecreateResult is returned by Precreate.
type PrecreateResult struct {
	UploadSessionID string
}

// Transport is the consumer surface the upload engine requires of the
// remote object store (spec.md §6). Implementations may raise a
// *ProtocolError for a recognized failure code; how package uploader
// treats any other error depends on the method (see each one below).
type Transport interface {
	// GetRapidUploadDigests may be implemented in-process by package digest;
	// a remote-backed implementation is free to ignore it and let the
	// caller hash locally instead.
	GetRapidUploadDigests(ctx context.Context, localPath string, progress ProgressFunc) (contentLength int64, contentCRC32, contentMD5, sliceMD5 string, err error)

	// RapidUpload attempts the content-addressed shortcut. A recognized
	// "not eligible" outcome must be returned as a *ProtocolError with a
	// code the caller's IsNotEligible classifies; any other error is
	// surfaced as a non-fatal notification by the Uploader (spec.md §4.3).
	RapidUpload(ctx context.Context, remotePath string, length int64, md5, crc32, sliceMD5 string, onDup DuplicatePolicy) (ObjectMetadata, error)

	// Precreate allocates an upload_session_id for a forthcoming chunked
	// upload. Retried indefinitely by the caller on non-protocol errors.
	Precreate(ctx context.Context, remotePath string, sliceCount int64) (PrecreateResult, error)

	// UploadSlice transfers slice index i, reading up to digest.SliceSize
	// bytes from in (which is already positioned by the caller). An empty
	// returned identifier with a nil error means "retry me" (spec.md §4.2).
	// Any error other than a cancellation ends the task: Cancelled for a
	// *ProtocolError, Error otherwise.
	UploadSlice(ctx context.Context, in io.Reader, remotePath, sessionID string, index int, progress ProgressFunc) (sliceID string, err error)

	// CreateSuperFile assembles the accepted slice identifiers into one
	// stored object. FsID == 0 on the returned metadata with a nil error
	// means "retry me"; a non-nil error is either transient or a
	// *ProtocolError.
	CreateSuperFile(ctx context.Context, remotePath, sessionID string, sliceIDs []string, length int64) (ObjectMetadata, error)
}

// IsNotEligible reports whether err is the remote's "not eligible for rapid
// upload" outcome: a *ProtocolError (possibly wrapped) whose code is
// CodeRapidUploadNotEligible. Both httptransport and transporttest.Fake
// report that outcome this way.
func IsNotEligible(err error) bool {
	pe, ok := IsProtocolError(err)
	if !ok {
		return false
	}
	return pe.Code == CodeRapidUploadNotEligible
}

// Known protocol error codes recognized by this engine. A real remote's
// code space is much larger; this is the only one the engine distinguishes.
const (
	// CodeRapidUploadNotEligible is returned when the remote has no object
	// matching the given digests; chunked upload should proceed.
	CodeRapidUploadNotEligible = 31079
)
