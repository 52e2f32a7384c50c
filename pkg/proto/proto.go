// Package proto implements the subset of the CQL binary protocol the
// execution engine needs: frame framing, error decoding and the consistency
// and version enums. Column value codecs are intentionally out of scope.
package proto

import (
	"fmt"
	"strings"

	"github.com/golang/snappy"
)

// ProtoVersion is a negotiated native protocol version. Versions 3 through 5
// are supported; the per-replica failure reason map on failure frames is only
// present from version 5 onwards.
type ProtoVersion byte

const (
	ProtoVersion3 ProtoVersion = 3
	ProtoVersion4 ProtoVersion = 4
	ProtoVersion5 ProtoVersion = 5

	protoDirectionMask = 0x80
	protoVersionMask   = 0x7f

	maxFrameSize = 256 * 1024 * 1024
)

func (v ProtoVersion) String() string {
	return fmt.Sprintf("v%d", byte(v))
}

// SupportsErrorMap reports whether failure frames negotiated under this
// version carry a per-replica failure reason map instead of a bare count.
func (v ProtoVersion) SupportsErrorMap() bool {
	return v > ProtoVersion4
}

type FrameOp byte

const (
	OpError         FrameOp = 0x00
	OpStartup       FrameOp = 0x01
	OpReady         FrameOp = 0x02
	OpAuthenticate  FrameOp = 0x03
	OpOptions       FrameOp = 0x05
	OpSupported     FrameOp = 0x06
	OpQuery         FrameOp = 0x07
	OpResult        FrameOp = 0x08
	OpPrepare       FrameOp = 0x09
	OpExecute       FrameOp = 0x0A
	OpRegister      FrameOp = 0x0B
	OpEvent         FrameOp = 0x0C
	OpBatch         FrameOp = 0x0D
	OpAuthChallenge FrameOp = 0x0E
	OpAuthResponse  FrameOp = 0x0F
	OpAuthSuccess   FrameOp = 0x10
)

func (op FrameOp) String() string {
	switch op {
	case OpError:
		return "ERROR"
	case OpStartup:
		return "STARTUP"
	case OpReady:
		return "READY"
	case OpAuthenticate:
		return "AUTHENTICATE"
	case OpOptions:
		return "OPTIONS"
	case OpSupported:
		return "SUPPORTED"
	case OpQuery:
		return "QUERY"
	case OpResult:
		return "RESULT"
	case OpPrepare:
		return "PREPARE"
	case OpExecute:
		return "EXECUTE"
	case OpRegister:
		return "REGISTER"
	case OpEvent:
		return "EVENT"
	case OpBatch:
		return "BATCH"
	case OpAuthChallenge:
		return "AUTH_CHALLENGE"
	case OpAuthResponse:
		return "AUTH_RESPONSE"
	case OpAuthSuccess:
		return "AUTH_SUCCESS"
	default:
		return fmt.Sprintf("UNKNOWN_OP_0x%x", byte(op))
	}
}

const (
	flagCompress byte = 0x01
	flagTracing  byte = 0x02
	flagPayload  byte = 0x04
	flagWarning  byte = 0x08
)

// Consistency is the CQL consistency level of an operation.
type Consistency uint16

const (
	Any         Consistency = 0x00
	One         Consistency = 0x01
	Two         Consistency = 0x02
	Three       Consistency = 0x03
	Quorum      Consistency = 0x04
	All         Consistency = 0x05
	LocalQuorum Consistency = 0x06
	EachQuorum  Consistency = 0x07
	Serial      Consistency = 0x08
	LocalSerial Consistency = 0x09
	LocalOne    Consistency = 0x0A
)

func (c Consistency) String() string {
	switch c {
	case Any:
		return "ANY"
	case One:
		return "ONE"
	case Two:
		return "TWO"
	case Three:
		return "THREE"
	case Quorum:
		return "QUORUM"
	case All:
		return "ALL"
	case LocalQuorum:
		return "LOCAL_QUORUM"
	case EachQuorum:
		return "EACH_QUORUM"
	case Serial:
		return "SERIAL"
	case LocalSerial:
		return "LOCAL_SERIAL"
	case LocalOne:
		return "LOCAL_ONE"
	default:
		return fmt.Sprintf("UNKNOWN_CONS_0x%x", uint16(c))
	}
}

func (c Consistency) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Consistency) UnmarshalText(text []byte) error {
	switch string(text) {
	case "ANY":
		*c = Any
	case "ONE":
		*c = One
	case "TWO":
		*c = Two
	case "THREE":
		*c = Three
	case "QUORUM":
		*c = Quorum
	case "ALL":
		*c = All
	case "LOCAL_QUORUM":
		*c = LocalQuorum
	case "EACH_QUORUM":
		*c = EachQuorum
	case "SERIAL":
		*c = Serial
	case "LOCAL_SERIAL":
		*c = LocalSerial
	case "LOCAL_ONE":
		*c = LocalOne
	default:
		return fmt.Errorf("invalid consistency %q", string(text))
	}
	return nil
}

// ParseConsistency parses a consistency level name, case-insensitively.
func ParseConsistency(s string) (Consistency, error) {
	var c Consistency
	err := c.UnmarshalText([]byte(strings.ToUpper(s)))
	return c, err
}

// Compressor compresses and decompresses frame bodies.
type Compressor interface {
	Name() string
	Encode(data []byte) ([]byte, error)
	Decode(data []byte) ([]byte, error)
}

// SnappyCompressor implements frame body compression using Google's snappy
// block format.
type SnappyCompressor struct{}

func (s SnappyCompressor) Name() string { return "snappy" }

func (s SnappyCompressor) Encode(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (s SnappyCompressor) Decode(data []byte) ([]byte, error) {
	return snappy.Decode(nil, data)
}
