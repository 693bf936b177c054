// Package perr defines the stable wire-visible error code enum shared by
// every component of the mesh, and a single rich error type used for aborts.
package perr

import "fmt"

// Code is the 16-bit wire-visible error code carried on Packet.errorCode.
type Code uint16

const (
	Success                Code = 0
	RequestTimeout         Code = 1
	ServerNotFound         Code = 2
	StageNotFound          Code = 3
	ActorNotFound          Code = 4
	AuthenticationFailed   Code = 5
	NotAuthenticated       Code = 6
	AlreadyAuthenticated   Code = 7
	StageAlreadyExists     Code = 8
	StageCreationFailed    Code = 9
	JoinStageFailed        Code = 10
	InvalidMessage         Code = 11
	HandlerNotFound        Code = 12
	InvalidStageType       Code = 13
	SystemError            Code = 14
	UncheckedContentsError Code = 15
	InvalidAccountId       Code = 16
	JoinStageRejected      Code = 17
	InternalError          Code = 99
	ApplicationBase        Code = 1000
)

var names = map[Code]string{
	Success:                "Success",
	RequestTimeout:         "RequestTimeout",
	ServerNotFound:         "ServerNotFound",
	StageNotFound:          "StageNotFound",
	ActorNotFound:          "ActorNotFound",
	AuthenticationFailed:   "AuthenticationFailed",
	NotAuthenticated:       "NotAuthenticated",
	AlreadyAuthenticated:   "AlreadyAuthenticated",
	StageAlreadyExists:     "StageAlreadyExists",
	StageCreationFailed:    "StageCreationFailed",
	JoinStageFailed:        "JoinStageFailed",
	InvalidMessage:         "InvalidMessage",
	HandlerNotFound:        "HandlerNotFound",
	InvalidStageType:       "InvalidStageType",
	SystemError:            "SystemError",
	UncheckedContentsError: "UncheckedContentsError",
	InvalidAccountId:       "InvalidAccountId",
	JoinStageRejected:      "JoinStageRejected",
	InternalError:          "InternalError",
	ApplicationBase:        "ApplicationBase",
}

func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return fmt.Sprintf("Code(%d)", uint16(c))
}

// Error is the single rich error type used for aborts across the mesh, per
// the design note replacing "exceptions for errors" with tagged results.
// Handler code and transport code alike wrap a Code with enough Context to
// debug it without needing a stack trace across process boundaries.
type Error struct {
	Code    Code
	Cause   error
	Context string
}

func New(code Code, context string) *Error {
	return &Error{Code: code, Context: context}
}

func Wrap(code Code, context string, cause error) *Error {
	return &Error{Code: code, Cause: cause, Context: context}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		if e.Context != "" {
			return fmt.Sprintf("%s: %s: %v", e.Code, e.Context, e.Cause)
		}
		return fmt.Sprintf("%s: %v", e.Code, e.Cause)
	}
	if e.Context != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Context)
	}
	return e.Code.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// CodeOf extracts the wire code from any error, defaulting to
// UncheckedContentsError for user code that panicked or returned a plain
// error instead of a *Error, per spec.md's failure mapping rule.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var pe *Error
	if ok := As(err, &pe); ok {
		return pe.Code
	}
	return UncheckedContentsError
}

// As is a small local stand-in for errors.As, specialised to *Error: it
// walks single-error Unwrap chains and does not import package errors.
func As(err error, target **Error) bool {
	for err != nil {
		if pe, ok := err.(*Error); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
