package abi

import (
	"errors"
	"fmt"
)

// Status is the 32-bit result code returned across the ABI boundary.
// Zero is success; negative values are failures.
type Status int32

const (
	StatusOK                Status = 0
	StatusFalse             Status = 1
	StatusNoInterface       Status = -2147467262 // 0x80004002
	StatusPointer           Status = -2147467261 // 0x80004003
	StatusFail              Status = -2147467259 // 0x80004005
	StatusUnexpected        Status = -2147418113 // 0x8000FFFF
	StatusNoAggregation     Status = -2147221232 // 0x80040110
	StatusClassNotAvailable Status = -2147221231 // 0x80040111
)

func (s Status) Succeeded() bool {
	return s >= 0
}

func (s Status) Failed() bool {
	return s < 0
}

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "S_OK"
	case StatusFalse:
		return "S_FALSE"
	case StatusNoInterface:
		return "E_NOINTERFACE"
	case StatusPointer:
		return "E_POINTER"
	case StatusFail:
		return "E_FAIL"
	case StatusUnexpected:
		return "E_UNEXPECTED"
	case StatusNoAggregation:
		return "CLASS_E_NOAGGREGATION"
	case StatusClassNotAvailable:
		return "CLASS_E_CLASSNOTAVAILABLE"
	default:
		return fmt.Sprintf("0x%08X", uint32(s))
	}
}

// StatusError carries an explicit status code out of a Dispatcher or
// handler.
type StatusError struct {
	Code Status
	Msg  string
}

func (e *StatusError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("abi: status %s", e.Code)
	}
	return fmt.Sprintf("abi: status %s: %s", e.Code, e.Msg)
}

func Errorf(code Status, format string, args ...any) error {
	return &StatusError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// StatusOf maps an error to the status returned to the host. A StatusError
// anywhere in the chain wins; a StatusError carrying a success code is
// treated as a failure since an error was returned.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var se *StatusError
	if errors.As(err, &se) && se.Code.Failed() {
		return se.Code
	}
	return StatusFail
}

// ProtocolViolation is raised as a panic when the host breaks the
// reference counting contract. It is never converted to a status.
type ProtocolViolation struct {
	Op     string
	Object *Object
}

func (v *ProtocolViolation) Error() string {
	return fmt.Sprintf("abi: protocol violation: %s on object %p with zero references", v.Op, v.Object)
}
