// Package fserrors classifies errors as retryable or fatal, the way the
// teacher's fs/fserrors package underlies every backend's shouldRetry.
package fserrors

// causer is satisfied by github.com/pkg/errors-wrapped errors and by our
// own wrapped errors alike.
type causer interface {
	Cause() error
}

// temporary is the standard net.Error-style marker for a retryable error.
type temporary interface {
	Temporary() bool
}

// Cause unwraps err down to its root cause.
func Cause(err error) error {
	for err != nil {
		c, ok := err.(causer)
		if !ok {
			break
		}
		next := c.Cause()
		if next == nil {
			break
		}
		err = next
	}
	return err
}

// ShouldRetry reports whether err looks transient rather than a classified
// protocol error. A nil error never needs retrying.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if t, ok := Cause(err).(temporary); ok {
		return t.Temporary()
	}
	// Unclassified errors (a bare I/O error, a context cancellation) are not
	// assumed retryable: spec.md §7 only retries classified non-protocol
	// outcomes (empty slice id, FS_ID==0), which callers detect themselves.
	return false
}
