package proto

import (
	"fmt"
)

// Server-reported error codes as defined by the native protocol.
const (
	ErrCodeServer          = 0x0000
	ErrCodeProtocol        = 0x000A
	ErrCodeCredentials     = 0x0100
	ErrCodeUnavailable     = 0x1000
	ErrCodeOverloaded      = 0x1001
	ErrCodeBootstrapping   = 0x1002
	ErrCodeTruncate        = 0x1003
	ErrCodeWriteTimeout    = 0x1100
	ErrCodeReadTimeout     = 0x1200
	ErrCodeReadFailure     = 0x1300
	ErrCodeFunctionFailure = 0x1400
	ErrCodeWriteFailure    = 0x1500
	ErrCodeCASWriteUnknown = 0x1700
	ErrCodeSyntax          = 0x2000
	ErrCodeUnauthorized    = 0x2100
	ErrCodeInvalid         = 0x2200
	ErrCodeConfig          = 0x2300
	ErrCodeAlreadyExists   = 0x2400
	ErrCodeUnprepared      = 0x2500
)

// RequestError is implemented by every structured server-reported error.
type RequestError interface {
	error
	Code() int
	Message() string
}

// ErrorMap maps replica addresses to failure reason codes. It is only
// populated when the negotiated protocol version supports it; a nil map is a
// valid state, not an error.
type ErrorMap map[string]uint16

type errorFrame struct {
	code    int
	message string
}

func (e errorFrame) Code() int       { return e.code }
func (e errorFrame) Message() string { return e.message }
func (e errorFrame) Error() string   { return fmt.Sprintf("server error 0x%04x: %s", e.code, e.message) }

// ErrServer covers the structureless error codes (server error, overloaded,
// bootstrapping, syntax, unauthorized, etc.) as well as any code this driver
// does not recognize.
type ErrServer struct {
	errorFrame
}

// IsOverloaded reports whether the coordinator node rejected the request
// because it is overloaded.
func (e *ErrServer) IsOverloaded() bool { return e.code == ErrCodeOverloaded }

// IsBootstrapping reports whether the coordinator node is still bootstrapping
// and cannot serve requests yet.
func (e *ErrServer) IsBootstrapping() bool { return e.code == ErrCodeBootstrapping }

// ErrUnavailable is returned when not enough replicas were alive to satisfy
// the requested consistency level.
type ErrUnavailable struct {
	errorFrame
	Consistency Consistency
	Required    int
	Alive       int
}

func (e *ErrUnavailable) Error() string {
	return fmt.Sprintf("unavailable: consistency %s requires %d replicas, %d alive", e.Consistency, e.Required, e.Alive)
}

// ErrReadTimeout is returned when a read did not gather enough responses
// within the coordinator's timeout.
type ErrReadTimeout struct {
	errorFrame
	Consistency Consistency
	Received    int
	BlockFor    int
	DataPresent bool
}

func (e *ErrReadTimeout) Error() string {
	return fmt.Sprintf("read timeout: consistency %s, received %d of %d required, data present: %t",
		e.Consistency, e.Received, e.BlockFor, e.DataPresent)
}

// ErrWriteTimeout is returned when a write did not gather enough
// acknowledgements within the coordinator's timeout. WriteType records which
// kind of write timed out and determines whether a retry is safe.
type ErrWriteTimeout struct {
	errorFrame
	Consistency Consistency
	Received    int
	BlockFor    int
	WriteType   string
}

func (e *ErrWriteTimeout) Error() string {
	return fmt.Sprintf("write timeout: consistency %s, received %d of %d required, write type %s",
		e.Consistency, e.Received, e.BlockFor, e.WriteType)
}

// ErrReadFailure is returned when replicas reported actual failures, not just
// a timeout. FailureReasons is nil below protocol v5.
type ErrReadFailure struct {
	errorFrame
	Consistency    Consistency
	Received       int
	BlockFor       int
	NumFailures    int
	FailureReasons ErrorMap
	DataPresent    bool
}

func (e *ErrReadFailure) Error() string {
	return fmt.Sprintf("read failure: consistency %s, received %d of %d required, %d failures",
		e.Consistency, e.Received, e.BlockFor, e.NumFailures)
}

// ErrWriteFailure is the write-side counterpart of ErrReadFailure.
type ErrWriteFailure struct {
	errorFrame
	Consistency    Consistency
	Received       int
	BlockFor       int
	NumFailures    int
	FailureReasons ErrorMap
	WriteType      string
}

func (e *ErrWriteFailure) Error() string {
	return fmt.Sprintf("write failure: consistency %s, received %d of %d required, %d failures, write type %s",
		e.Consistency, e.Received, e.BlockFor, e.NumFailures, e.WriteType)
}

// ErrFunctionFailure is returned when a user defined function failed during
// execution.
type ErrFunctionFailure struct {
	errorFrame
	Keyspace string
	Function string
	ArgTypes []string
}

func (e *ErrFunctionFailure) Error() string {
	return fmt.Sprintf("function failure: %s.%s", e.Keyspace, e.Function)
}

// ErrCASWriteUnknown is returned when the outcome of a lightweight
// transaction is unknown.
type ErrCASWriteUnknown struct {
	errorFrame
	Consistency Consistency
	Received    int
	BlockFor    int
}

func (e *ErrCASWriteUnknown) Error() string {
	return fmt.Sprintf("cas write unknown: consistency %s, received %d of %d required",
		e.Consistency, e.Received, e.BlockFor)
}

// ErrAlreadyExists is returned by schema statements targeting an existing
// keyspace or table.
type ErrAlreadyExists struct {
	errorFrame
	Keyspace string
	Table    string
}

// ErrUnprepared is returned when executing a prepared statement id unknown to
// the coordinator node.
type ErrUnprepared struct {
	errorFrame
	StatementID []byte
}

// parseErrorFrame decodes the body of an ERROR frame into a typed error.
// Decoding is total: codes this driver does not know decode to ErrServer
// carrying the raw code, never a failure.
func (f *Framer) parseErrorFrame() RequestError {
	code := f.readInt()
	msg := f.readString()

	base := errorFrame{code: code, message: msg}

	switch code {
	case ErrCodeUnavailable:
		return &ErrUnavailable{
			errorFrame:  base,
			Consistency: f.readConsistency(),
			Required:    f.readInt(),
			Alive:       f.readInt(),
		}
	case ErrCodeWriteTimeout:
		return &ErrWriteTimeout{
			errorFrame:  base,
			Consistency: f.readConsistency(),
			Received:    f.readInt(),
			BlockFor:    f.readInt(),
			WriteType:   f.readString(),
		}
	case ErrCodeReadTimeout:
		return &ErrReadTimeout{
			errorFrame:  base,
			Consistency: f.readConsistency(),
			Received:    f.readInt(),
			BlockFor:    f.readInt(),
			DataPresent: f.readByte() != 0,
		}
	case ErrCodeReadFailure:
		res := &ErrReadFailure{errorFrame: base}
		res.Consistency = f.readConsistency()
		res.Received = f.readInt()
		res.BlockFor = f.readInt()
		if f.proto.SupportsErrorMap() {
			res.FailureReasons = f.readErrorMap()
			res.NumFailures = len(res.FailureReasons)
		} else {
			res.NumFailures = f.readInt()
		}
		res.DataPresent = f.readByte() != 0
		return res
	case ErrCodeWriteFailure:
		res := &ErrWriteFailure{errorFrame: base}
		res.Consistency = f.readConsistency()
		res.Received = f.readInt()
		res.BlockFor = f.readInt()
		if f.proto.SupportsErrorMap() {
			res.FailureReasons = f.readErrorMap()
			res.NumFailures = len(res.FailureReasons)
		} else {
			res.NumFailures = f.readInt()
		}
		res.WriteType = f.readString()
		return res
	case ErrCodeFunctionFailure:
		return &ErrFunctionFailure{
			errorFrame: base,
			Keyspace:   f.readString(),
			Function:   f.readString(),
			ArgTypes:   f.readStringList(),
		}
	case ErrCodeCASWriteUnknown:
		return &ErrCASWriteUnknown{
			errorFrame:  base,
			Consistency: f.readConsistency(),
			Received:    f.readInt(),
			BlockFor:    f.readInt(),
		}
	case ErrCodeAlreadyExists:
		return &ErrAlreadyExists{
			errorFrame: base,
			Keyspace:   f.readString(),
			Table:      f.readString(),
		}
	case ErrCodeUnprepared:
		return &ErrUnprepared{
			errorFrame:  base,
			StatementID: f.readShortBytes(),
		}
	default:
		return &ErrServer{errorFrame: base}
	}
}
