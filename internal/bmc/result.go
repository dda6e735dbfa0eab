package bmc

import "fmt"

// Status classifies the outcome of a power or boot-device operation so
// callers do not have to inspect error types to decide what to tell the
// IPMI client.
type Status int

const (
	// StatusOK means the operation completed, including no-op cases such
	// as powering on a VM that is already running.
	StatusOK Status = iota

	// StatusRetryable means the operation failed in a way the IPMI
	// client may recover from by resending the request.
	StatusRetryable

	// StatusInvalidRequest means the request carried a malformed or
	// unsupported argument; the hypervisor was never contacted.
	StatusInvalidRequest

	// StatusFatal means an unclassified failure.
	StatusFatal
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusRetryable:
		return "retryable"
	case StatusInvalidRequest:
		return "invalid request"
	default:
		return "fatal"
	}
}

// IPMI completion codes from the IPMI v2.0 specification, section 5.2.
const (
	codeOK          uint8 = 0x00
	codeNodeBusy    uint8 = 0xC0
	codeInvalidData uint8 = 0xCC
	codeUnspecified uint8 = 0xFF
)

// CompletionCode returns the IPMI completion code the status maps onto.
func (s Status) CompletionCode() uint8 {
	switch s {
	case StatusOK:
		return codeOK
	case StatusRetryable:
		return codeNodeBusy
	case StatusInvalidRequest:
		return codeInvalidData
	default:
		return codeUnspecified
	}
}

// ControllerError reports an unexpected hypervisor failure during a
// read-only state query. It carries the VM name so a process serving
// many BMCs can attribute the failure.
type ControllerError struct {
	VM  string
	Err error
}

func (e *ControllerError) Error() string {
	return fmt.Sprintf("vm %q: %v", e.VM, e.Err)
}

func (e *ControllerError) Unwrap() error {
	return e.Err
}
