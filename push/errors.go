package push

import "fmt"

// PushError reports a push that could not be completed.
type PushError struct {
	Dest   Destination
	Msg    string
	Output string
	Err    error
}

func (e *PushError) Error() string {
	msg := e.Msg
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return fmt.Sprintf("Error during DICOM push operation:\n  [%s]", msg)
}

func (e *PushError) Unwrap() error { return e.Err }
