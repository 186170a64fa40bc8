package wsrpc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewErrorDetail_CapturesMessageAndReasons(t *testing.T) {
	root := errors.New("disk full")
	err := errWrap("writing file", errWrap("flushing buffer", root))
	detail := NewErrorDetail(err, 0)

	assert.Equal(t, err.Error(), detail.Error)
	require.Len(t, detail.Reasons, 2)
	assert.Equal(t, "flushing buffer: disk full", detail.Reasons[0])
	assert.Equal(t, "disk full", detail.Reasons[1])
	assert.Nil(t, detail.StackTrace, "stackDepth=0 must capture no frames")
}

func TestNewErrorDetail_StackDepthZeroOmitsTrace(t *testing.T) {
	detail := NewErrorDetail(errors.New("boom"), 0)
	assert.Nil(t, detail.StackTrace)
}

func TestNewErrorDetail_PositiveStackDepthTruncates(t *testing.T) {
	detail := NewErrorDetail(errors.New("boom"), 2)
	assert.LessOrEqual(t, len(detail.StackTrace), 2)
	assert.NotEmpty(t, detail.StackTrace)
}

func TestNewErrorDetail_NegativeStackDepthIsUnbounded(t *testing.T) {
	detail := NewErrorDetail(errors.New("boom"), -1)
	assert.NotEmpty(t, detail.StackTrace)
}

func errWrap(msg string, cause error) error {
	return &wrappedErr{msg: msg, cause: cause}
}

type wrappedErr struct {
	msg   string
	cause error
}

func (e *wrappedErr) Error() string { return e.msg + ": " + e.cause.Error() }
func (e *wrappedErr) Unwrap() error { return e.cause }
