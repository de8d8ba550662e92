package moira

import "fmt"

type ErrorCode int

const (
	Unknown ErrorCode = iota
	LockAcquisitionFailure
	ExpressionRejected
	EvaluationFailure
	TargetParseFailure
)

// Checker custom error. Code classifies the failure so callers can branch
// without string matching.
type Error struct {
	Code ErrorCode
	Err  error
}

func (e Error) Error() string {
	return fmt.Sprintf("error code: %d, details: %v", e.Code, e.Err)
}

func (e Error) Unwrap() error {
	return e.Err
}
