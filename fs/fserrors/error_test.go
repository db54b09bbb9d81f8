package fserrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type causeWrap struct {
	cause error
	msg   string
}

func (w *causeWrap) Error() string { return w.msg + ": " + w.cause.Error() }
func (w *causeWrap) Cause() error  { return w.cause }

type temporaryError struct {
	temp bool
}

func (e *temporaryError) Error() string   { return "temporary error" }
func (e *temporaryError) Temporary() bool { return e.temp }

func TestCauseUnwrapsChain(t *testing.T) {
	root := errors.New("root cause")
	wrapped := &causeWrap{cause: root, msg: "context"}
	assert.Equal(t, root, Cause(wrapped))
	assert.Equal(t, root, Cause(root))
	assert.Nil(t, Cause(nil))
}

func TestShouldRetryNilIsFalse(t *testing.T) {
	assert.False(t, ShouldRetry(nil))
}

func TestShouldRetryUnclassifiedIsFalse(t *testing.T) {
	assert.False(t, ShouldRetry(errors.New("boom")))
}

func TestShouldRetryTemporaryIsTrue(t *testing.T) {
	err := &causeWrap{cause: &temporaryError{temp: true}, msg: "dial"}
	assert.True(t, ShouldRetry(err))
}

func TestShouldRetryNonTemporaryIsFalse(t *testing.T) {
	err := &causeWrap{cause: &temporaryError{temp: false}, msg: "dial"}
	assert.False(t, ShouldRetry(err))
}
