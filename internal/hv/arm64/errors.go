package arm64

import (
	"errors"
	"fmt"
)

var (
	ErrAArch32Unsupported = errors.New("32bit guests are not supported")
	ErrPMUv3Unsupported   = errors.New("PMUv3 is not supported")
)

// ErrorKind classifies an OpError for the caller's abort-or-recover policy.
type ErrorKind int

const (
	// KindConfig means the host cannot run the configured guest.
	KindConfig ErrorKind = iota + 1
	// KindABI means a hypervisor request failed unexpectedly.
	KindABI
	// KindFeature means finalizing an optional feature failed; callers may
	// retry with a narrower feature set.
	KindFeature
	// KindAccess means the request was refused before reaching the
	// hypervisor because the guest's registers are not accessible.
	KindAccess
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindABI:
		return "abi"
	case KindFeature:
		return "feature"
	case KindAccess:
		return "access"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// OpError records the operation and vCPU an error came from.
type OpError struct {
	Op   string
	CPU  int
	Kind ErrorKind
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("arm64: vcpu%d: %s: %v", e.CPU, e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

func opError(cpu int, op string, kind ErrorKind, err error) error {
	return &OpError{Op: op, CPU: cpu, Kind: kind, Err: err}
}

// IsFatal reports whether err leaves the VM unusable. Only feature
// finalization failures are recoverable.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var op *OpError
	if errors.As(err, &op) {
		return op.Kind != KindFeature
	}
	return true
}

// KindOf returns the kind of the first OpError in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var op *OpError
	if errors.As(err, &op) {
		return op.Kind
	}
	return 0
}
