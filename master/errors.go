package master

import "fmt"

// ErrorKind is the abstract error taxonomy of spec §7. It deliberately
// mirrors original_source/spi.h's SPI_* codes (SPI_INVALID_OPCODE,
// SPI_INVALID_ADDRESS, SPI_INVALID_LENGTH, ...) plus the higher-level
// kinds the flash/status layers need.
type ErrorKind int

const (
	ErrUnknown ErrorKind = iota
	ErrInvalidLength
	ErrInvalidOpcode
	ErrInvalidAddress
	ErrTransport
	ErrTimeout
	ErrBusy
	ErrProgramError
	ErrEraseError
	ErrVerifyFail
	ErrWriteProtected
	ErrProtectionStuck
	ErrAmbiguousChip
	ErrUnsupported
)

func (k ErrorKind) String() string {
	switch k {
	case ErrInvalidLength:
		return "INVALID_LENGTH"
	case ErrInvalidOpcode:
		return "INVALID_OPCODE"
	case ErrInvalidAddress:
		return "INVALID_ADDRESS"
	case ErrTransport:
		return "TRANSPORT"
	case ErrTimeout:
		return "TIMEOUT"
	case ErrBusy:
		return "BUSY"
	case ErrProgramError:
		return "PROGRAM_ERROR"
	case ErrEraseError:
		return "ERASE_ERROR"
	case ErrVerifyFail:
		return "VERIFY_FAIL"
	case ErrWriteProtected:
		return "WP_ENABLED"
	case ErrProtectionStuck:
		return "PROTECTION_STUCK"
	case ErrAmbiguousChip:
		return "AMBIGUOUS_CHIP"
	case ErrUnsupported:
		return "UNSUPPORTED"
	default:
		return "UNKNOWN"
	}
}

// Error is the typed error the core returns. Offset/Length annotate
// VERIFY_FAIL and similar region-scoped failures; Op names the failing
// operation for context, the way the teacher wraps transport errors with
// "failed to get SPI port: %w" rather than inventing an error type per
// call site.
type Error struct {
	Kind   ErrorKind
	Op     string
	Offset int64
	Length int64
	Err    error
}

func (e *Error) Error() string {
	if e.Op == "" && e.Err == nil {
		return e.Kind.String()
	}
	if e.Length > 0 || e.Offset > 0 {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s at offset=0x%x len=%d: %v", e.Op, e.Kind, e.Offset, e.Length, e.Err)
		}
		return fmt.Sprintf("%s: %s at offset=0x%x len=%d", e.Op, e.Kind, e.Offset, e.Length)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, master.ErrKind(X)) style matching against Kind.
func (e *Error) Is(target error) bool {
	o, ok := target.(*Error)
	return ok && o.Kind == e.Kind && o.Op == "" && o.Err == nil
}

// ErrKind builds a sentinel usable with errors.Is to match just on Kind,
// e.g. errors.Is(err, master.ErrKind(master.ErrBusy)).
func ErrKind(k ErrorKind) error { return &Error{Kind: k} }

// Wrap annotates err as an Error of the given kind and operation name.
func Wrap(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// WrapRegion annotates err with an offset/length, for VERIFY_FAIL and
// region-scoped ERASE_ERROR/PROGRAM_ERROR per spec §7.
func WrapRegion(kind ErrorKind, op string, offset, length int64, err error) error {
	return &Error{Kind: kind, Op: op, Offset: offset, Length: length, Err: err}
}
