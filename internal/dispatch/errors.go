package dispatch

import (
	"fmt"

	"github.com/lib/pq"

	"github.com/dreamware/gangway/internal/cluster"
)

// SQLSTATE codes raised by the dispatcher itself.
const (
	CodeInterconnectionError pq.ErrorCode = "58M01"
	CodeConnectionFailure    pq.ErrorCode = "08006"
	CodeQueryCanceled        pq.ErrorCode = "57014"
	CodeInternalError        pq.ErrorCode = "XX000"
)

// Error is the statement-level failure reported after dispatch. It carries
// the first error code recorded across all segments.
type Error struct {
	Code    pq.ErrorCode
	Segment cluster.SegmentInfo
	Message string
	Detail  string
	// Cause is the segment's own error when one was received.
	Cause *pq.Error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s) [%s]", e.Message, e.Segment.Name(), e.Code)
}

// SQLState returns the five character error code.
func (e *Error) SQLState() string {
	return string(e.Code)
}

func (e *Error) Unwrap() error {
	if e.Cause == nil {
		return nil
	}
	return e.Cause
}

func newPQError(code pq.ErrorCode, format string, args ...any) *pq.Error {
	return &pq.Error{Severity: "ERROR", Code: code, Message: fmt.Sprintf(format, args...)}
}

// sqlstateOf maps a segment error to a code, falling back to a generic
// internal error when the segment sent no usable SQLSTATE.
func sqlstateOf(err *pq.Error) pq.ErrorCode {
	if err == nil || len(err.Code) != 5 {
		return CodeInternalError
	}
	return err.Code
}
