// Package digest implements the HashingFilter: a single sequential pass over
// a local file that produces the two digests the rapid-upload API needs,
// the way backend/mailru's makeTempFile tees one read into several
// hash.Hash instances instead of re-reading the file per digest.
package digest

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"hash"
	"io"
	"os"

	"github.com/pkg/errors"
)

// Tuning constants from spec.md §4.1.
const (
	// SliceSize is the fixed window size of one upload slice.
	SliceSize = 4 * 1024 * 1024
	// HeadSize is the number of leading bytes hashed for the rapid-upload
	// slice digest.
	HeadSize = 262144
	// ReadBufferSize is the granularity at which Progress fires.
	ReadBufferSize = 8192
)

// Known carries digests the caller already trusts (e.g. from a metadata
// cache keyed by path+mtime+size). Any subset may be populated; Compute only
// fills in what's missing. The caller is responsible for staleness.
type Known struct {
	ContentLength int64
	ContentMD5    string
	ContentCRC32  string
	SliceMD5      string
}

// Result is the full set of digests after Compute, with content length
// always freshly observed (it drives SliceCount downstream).
type Result struct {
	ContentLength int64
	ContentMD5    string
	ContentCRC32  string
	// SliceMD5 is the MD5 of the first HeadSize bytes, or "" if
	// ContentLength < HeadSize (spec.md §4.1 edge case).
	SliceMD5 string
}

// ProgressFunc reports bytesRead out of total (total may be unknown ahead of
// time; callers pass the best estimate, or it mirrors the final ContentLength).
type ProgressFunc func(bytesRead, total int64)

// Compute streams path once, filling in only the digests missing from known.
// It never re-opens the file after this call; the Uploader relies on the
// finalize-time length check (spec.md §4.3) to catch a file that changed
// size after hashing, rather than re-hashing mid-upload.
func Compute(ctx context.Context, path string, known Known, progress ProgressFunc) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, errors.Wrap(err, "digest: open")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Result{}, errors.Wrap(err, "digest: stat")
	}
	total := info.Size()

	needMD5 := known.ContentMD5 == ""
	needSlice := known.SliceMD5 == "" && total >= HeadSize

	result := Result{
		ContentLength: total,
		ContentMD5:    known.ContentMD5,
		ContentCRC32:  known.ContentCRC32,
		SliceMD5:      known.SliceMD5,
	}
	if total < HeadSize {
		// Rapid-upload is not attempted below the head window; slice digest
		// is defined as empty, not "MD5 of zero bytes".
		result.SliceMD5 = ""
	}
	if !needMD5 && !needSlice {
		return result, nil
	}

	var full hash.Hash
	var head hash.Hash
	if needMD5 {
		full = md5.New()
	}
	if needSlice {
		head = md5.New()
	}

	buf := make([]byte, ReadBufferSize)
	var read int64
	for {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		n, rerr := f.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if full != nil {
				full.Write(chunk)
			}
			if head != nil && read < HeadSize {
				remain := HeadSize - read
				if int64(len(chunk)) > remain {
					head.Write(chunk[:remain])
				} else {
					head.Write(chunk)
				}
			}
			read += int64(n)
			if progress != nil {
				progress(read, total)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return Result{}, errors.Wrap(rerr, "digest: read")
		}
	}

	if full != nil {
		result.ContentMD5 = hex.EncodeToString(full.Sum(nil))
	}
	if head != nil {
		result.SliceMD5 = hex.EncodeToString(head.Sum(nil))
	}
	return result, nil
}

// SliceCount returns ceil(length/SliceSize), with the spec.md §4 invariant
// that a zero-length file still counts as exactly one slice.
func SliceCount(length int64) int64 {
	if length <= 0 {
		return 1
	}
	n := length / SliceSize
	if length%SliceSize != 0 {
		n++
	}
	return n
}

// SliceRange returns the byte range [start, end) for slice index i of a file
// of the given length, matching the strict positional indexing invariant of
// accepted_slices.
func SliceRange(i int, length int64) (start, end int64) {
	start = int64(i) * SliceSize
	end = start + SliceSize
	if end > length {
		end = length
	}
	return start, end
}
