// Package errorsx tags relay failures with a reason code. The code decides what a client is
// told, which metric label a failure lands under and how a task outcome is classified.
package errorsx

import "errors"

type reasoned struct {
	err    error
	reason ReasonCode
}

func (e *reasoned) Error() string {
	if e.err == nil {
		return string(e.reason)
	}
	return e.err.Error()
}

func (e *reasoned) Unwrap() error { return e.err }

// Wrap tags err with reason. The innermost tag wins, so a transport error keeps its reason
// after being wrapped again further up.
func Wrap(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	if _, ok := find(err); ok {
		return err
	}
	return &reasoned{err: err, reason: reason}
}

// Reason returns the tag on err, or ReasonUnknown.
func Reason(err error) ReasonCode {
	if r, ok := find(err); ok {
		return r.reason
	}
	return ReasonUnknown
}

func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}

func find(err error) (*reasoned, bool) {
	var r *reasoned
	if err == nil || !errors.As(err, &r) {
		return nil, false
	}
	return r, true
}
