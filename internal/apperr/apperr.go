package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure of the capture and evaluation pipeline.
type Kind string

const (
	PermissionDenied    Kind = "PERMISSION_DENIED"
	DeviceUnavailable   Kind = "DEVICE_UNAVAILABLE"
	AlreadyRecording    Kind = "ALREADY_RECORDING"
	EmptyRecording      Kind = "EMPTY_RECORDING"
	AlreadySubmitting   Kind = "ALREADY_SUBMITTING"
	UploadError         Kind = "UPLOAD_ERROR"
	EvaluationError     Kind = "EVALUATION_ERROR"
	MalformedEvaluation Kind = "MALFORMED_EVALUATION"
)

// Error carries a Kind alongside a human readable message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same Kind, so sentinel comparisons such
// as errors.Is(err, apperr.New(apperr.EmptyRecording, "")) work.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the outermost Kind found in the error chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether any error in the chain has the given Kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}

// Message renders the user-facing text for a failure.
func Message(err error) string {
	switch KindOf(err) {
	case PermissionDenied:
		return "Microphone permission was denied"
	case DeviceUnavailable:
		return "No usable microphone was found"
	case AlreadyRecording:
		return "A recording is already in progress"
	case EmptyRecording:
		return "The recording is empty"
	case AlreadySubmitting:
		return "This recording is already being submitted"
	case UploadError:
		return "Uploading the recording failed"
	case EvaluationError:
		return "The evaluation could not be completed"
	case MalformedEvaluation:
		return "The evaluation result was not understood"
	default:
		if err == nil {
			return ""
		}
		return err.Error()
	}
}
