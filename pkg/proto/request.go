package proto

import (
	"io"
)

const (
	queryFlagValues            byte = 0x01
	queryFlagSkipMetadata      byte = 0x02
	queryFlagPageSize          byte = 0x04
	queryFlagWithPagingState   byte = 0x08
	queryFlagSerialConsistency byte = 0x10
	queryFlagDefaultTimestamp  byte = 0x20
	queryFlagWithKeyspace      byte = 0x80
)

// QueryParams carries everything needed to frame one QUERY or EXECUTE
// request.
type QueryParams struct {
	// Statement is the CQL text; ignored when PreparedID is set.
	Statement  string
	PreparedID []byte

	Values            [][]byte
	Consistency       Consistency
	PageSize          int
	PagingState       []byte
	SerialConsistency Consistency
	// DefaultTimestamp is the client-supplied write timestamp in
	// microseconds; zero means the server assigns one.
	DefaultTimestamp int64
	// Keyspace overrides the connection keyspace, protocol v5 only.
	Keyspace string
}

// WriteStartup frames and writes a STARTUP request.
func (f *Framer) WriteStartup(w io.Writer, stream int16) error {
	f.Reset()
	opts := map[string]string{"CQL_VERSION": "3.0.0"}
	if f.compressor != nil {
		opts["COMPRESSION"] = f.compressor.Name()
	}
	f.writeStringMap(opts)
	return f.WriteFrame(w, OpStartup, stream)
}

// WriteAuthResponse frames and writes an AUTH_RESPONSE carrying token.
func (f *Framer) WriteAuthResponse(w io.Writer, stream int16, token []byte) error {
	f.Reset()
	f.writeBytes(token)
	return f.WriteFrame(w, OpAuthResponse, stream)
}

// WriteQuery frames and writes a QUERY (or EXECUTE, when p.PreparedID is set)
// request.
func (f *Framer) WriteQuery(w io.Writer, stream int16, p QueryParams) error {
	f.Reset()

	op := OpQuery
	if len(p.PreparedID) > 0 {
		op = OpExecute
		f.writeShortBytes(p.PreparedID)
		if f.proto >= ProtoVersion5 {
			// result metadata id, unused without the prepared metadata cache
			f.writeShortBytes(p.PreparedID)
		}
	} else {
		f.writeLongString(p.Statement)
	}

	f.writeConsistency(p.Consistency)

	var flags byte
	if len(p.Values) > 0 {
		flags |= queryFlagValues
	}
	if p.PageSize > 0 {
		flags |= queryFlagPageSize
	}
	if len(p.PagingState) > 0 {
		flags |= queryFlagWithPagingState
	}
	if p.SerialConsistency > 0 {
		flags |= queryFlagSerialConsistency
	}
	if p.DefaultTimestamp > 0 {
		flags |= queryFlagDefaultTimestamp
	}
	if p.Keyspace != "" && f.proto >= ProtoVersion5 {
		flags |= queryFlagWithKeyspace
	}

	if f.proto >= ProtoVersion5 {
		// flags widened to [int] in v5
		f.writeInt(int32(flags))
	} else {
		f.writeByte(flags)
	}

	if flags&queryFlagValues != 0 {
		f.writeShort(uint16(len(p.Values)))
		for _, v := range p.Values {
			f.writeBytes(v)
		}
	}
	if flags&queryFlagPageSize != 0 {
		f.writeInt(int32(p.PageSize))
	}
	if flags&queryFlagWithPagingState != 0 {
		f.writeBytes(p.PagingState)
	}
	if flags&queryFlagSerialConsistency != 0 {
		f.writeConsistency(p.SerialConsistency)
	}
	if flags&queryFlagDefaultTimestamp != 0 {
		f.writeLong(p.DefaultTimestamp)
	}
	if flags&queryFlagWithKeyspace != 0 {
		f.writeString(p.Keyspace)
	}

	return f.WriteFrame(w, op, stream)
}

// WritePrepare frames and writes a PREPARE request for the given statement.
func (f *Framer) WritePrepare(w io.Writer, stream int16, statement string) error {
	f.Reset()
	f.writeLongString(statement)
	if f.proto >= ProtoVersion5 {
		f.writeInt(0) // prepare flags
	}
	return f.WriteFrame(w, OpPrepare, stream)
}
