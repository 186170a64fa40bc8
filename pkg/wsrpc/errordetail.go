package wsrpc

import (
	"errors"
	"runtime"
)

// ErrorFrame is one entry of a captured stack trace, mirroring the wire
// shape {class, method, file, line}. Go has no "class" in the JVM sense;
// Frame.Function's package-qualified name is reported there so the shape
// matches peers that do have one.
type ErrorFrame struct {
	Class  string `json:"class"`
	Method string `json:"method"`
	File   string `json:"file"`
	Line   int    `json:"line"`
}

// ErrorDetail is the body of every ERROR envelope: the top-level message,
// the chain of wrapped causes (innermost last), and an optionally
// truncated stack trace.
type ErrorDetail struct {
	Error      string       `json:"error"`
	Reasons    []string     `json:"reasons,omitempty"`
	StackTrace []ErrorFrame `json:"stackTrace,omitempty"`
}

// NewErrorDetail serializes err into an ErrorDetail. stackDepth caps how
// many frames are captured: 0 captures none, a positive N captures at
// most N, a negative value captures all available frames.
func NewErrorDetail(err error, stackDepth int) ErrorDetail {
	detail := ErrorDetail{Error: err.Error()}

	for cause := errors.Unwrap(err); cause != nil; cause = errors.Unwrap(cause) {
		detail.Reasons = append(detail.Reasons, cause.Error())
	}

	if stackDepth != 0 {
		detail.StackTrace = captureStack(stackDepth)
	}

	return detail
}

// captureStack walks the caller's program counters into ErrorFrames,
// skipping the frames internal to the error-reporting path itself.
// depth < 0 means unbounded.
func captureStack(depth int) []ErrorFrame {
	const skip = 3 // runtime.Callers, captureStack, NewErrorDetail
	const maxCapture = 64

	limit := maxCapture
	if depth > 0 && depth < limit {
		limit = depth
	}

	pcs := make([]uintptr, limit)
	n := runtime.Callers(skip, pcs)
	for depth < 0 && n == len(pcs) {
		pcs = make([]uintptr, 2*len(pcs))
		n = runtime.Callers(skip, pcs)
	}
	if n == 0 {
		return nil
	}

	frames := runtime.CallersFrames(pcs[:n])
	out := make([]ErrorFrame, 0, n)
	for {
		frame, more := frames.Next()
		out = append(out, ErrorFrame{
			Class:  frame.Function,
			Method: frame.Function,
			File:   frame.File,
			Line:   frame.Line,
		})
		if depth > 0 && len(out) >= depth {
			break
		}
		if !more {
			break
		}
	}
	return out
}
