package proto

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func responseFramer(v ProtoVersion) *Framer {
	f := NewFramer(v, nil)
	f.header = &FrameHeader{Version: v, Op: OpError}
	return f
}

func (f *Framer) writeErrorMap(m map[string]uint16) {
	f.writeInt(int32(len(m)))
	for addr, code := range m {
		ip := net.ParseIP(addr).To4()
		f.writeByte(byte(len(ip)))
		f.buf = append(f.buf, ip...)
		f.writeShort(code)
	}
}

func TestParseError_Unavailable(t *testing.T) {
	f := responseFramer(ProtoVersion4)
	f.writeInt(ErrCodeUnavailable)
	f.writeString("cannot achieve consistency")
	f.writeConsistency(Quorum)
	f.writeInt(3)
	f.writeInt(1)

	reqErr, err := f.ParseError()
	require.NoError(t, err)

	unavail, ok := reqErr.(*ErrUnavailable)
	require.True(t, ok, "expected ErrUnavailable, got %T", reqErr)
	assert.Equal(t, Quorum, unavail.Consistency)
	assert.Equal(t, 3, unavail.Required)
	assert.Equal(t, 1, unavail.Alive)
	assert.Equal(t, ErrCodeUnavailable, unavail.Code())
}

func TestParseError_ReadTimeout(t *testing.T) {
	f := responseFramer(ProtoVersion4)
	f.writeInt(ErrCodeReadTimeout)
	f.writeString("read timed out")
	f.writeConsistency(LocalQuorum)
	f.writeInt(1)
	f.writeInt(2)
	f.writeByte(1)

	reqErr, err := f.ParseError()
	require.NoError(t, err)

	rt, ok := reqErr.(*ErrReadTimeout)
	require.True(t, ok)
	assert.Equal(t, LocalQuorum, rt.Consistency)
	assert.Equal(t, 1, rt.Received)
	assert.Equal(t, 2, rt.BlockFor)
	assert.True(t, rt.DataPresent)
}

func TestParseError_WriteTimeout(t *testing.T) {
	f := responseFramer(ProtoVersion3)
	f.writeInt(ErrCodeWriteTimeout)
	f.writeString("write timed out")
	f.writeConsistency(One)
	f.writeInt(0)
	f.writeInt(1)
	f.writeString("SIMPLE")

	reqErr, err := f.ParseError()
	require.NoError(t, err)

	wt, ok := reqErr.(*ErrWriteTimeout)
	require.True(t, ok)
	assert.Equal(t, One, wt.Consistency)
	assert.Equal(t, 0, wt.Received)
	assert.Equal(t, 1, wt.BlockFor)
	assert.Equal(t, "SIMPLE", wt.WriteType)
}

func TestParseError_WriteFailureReasonMapByVersion(t *testing.T) {
	writeBody := func(f *Framer) {
		f.writeInt(ErrCodeWriteFailure)
		f.writeString("write failed")
		f.writeConsistency(Quorum)
		f.writeInt(1)
		f.writeInt(2)
		if f.proto.SupportsErrorMap() {
			f.writeErrorMap(map[string]uint16{"10.0.0.1": 0x0001, "10.0.0.2": 0x0002})
		} else {
			f.writeInt(2)
		}
		f.writeString("BATCH_LOG")
	}

	t.Run("v5 carries a reason map", func(t *testing.T) {
		f := responseFramer(ProtoVersion5)
		writeBody(f)

		reqErr, err := f.ParseError()
		require.NoError(t, err)

		wf, ok := reqErr.(*ErrWriteFailure)
		require.True(t, ok)
		require.NotEmpty(t, wf.FailureReasons)
		assert.Equal(t, uint16(0x0001), wf.FailureReasons["10.0.0.1"])
		assert.Equal(t, uint16(0x0002), wf.FailureReasons["10.0.0.2"])
		assert.Equal(t, 2, wf.NumFailures)
		assert.Equal(t, "BATCH_LOG", wf.WriteType)
	})

	t.Run("v4 carries only a failure count", func(t *testing.T) {
		f := responseFramer(ProtoVersion4)
		writeBody(f)

		reqErr, err := f.ParseError()
		require.NoError(t, err)

		wf, ok := reqErr.(*ErrWriteFailure)
		require.True(t, ok)
		assert.Nil(t, wf.FailureReasons)
		assert.Equal(t, 2, wf.NumFailures)
		assert.Equal(t, "BATCH_LOG", wf.WriteType)
	})
}

func TestParseError_ReadFailureReasonMapByVersion(t *testing.T) {
	f := responseFramer(ProtoVersion5)
	f.writeInt(ErrCodeReadFailure)
	f.writeString("read failed")
	f.writeConsistency(Quorum)
	f.writeInt(1)
	f.writeInt(3)
	f.writeErrorMap(map[string]uint16{"10.0.0.9": 0x0000})
	f.writeByte(0)

	reqErr, err := f.ParseError()
	require.NoError(t, err)

	rf, ok := reqErr.(*ErrReadFailure)
	require.True(t, ok)
	assert.Equal(t, 1, rf.NumFailures)
	assert.Contains(t, rf.FailureReasons, "10.0.0.9")
	assert.False(t, rf.DataPresent)
}

func TestParseError_UnknownCodeDoesNotFail(t *testing.T) {
	f := responseFramer(ProtoVersion4)
	f.writeInt(0x7777)
	f.writeString("from the future")
	// trailing bytes a newer server might append
	f.writeInt(42)

	reqErr, err := f.ParseError()
	require.NoError(t, err)

	srv, ok := reqErr.(*ErrServer)
	require.True(t, ok)
	assert.Equal(t, 0x7777, srv.Code())
	assert.Equal(t, "from the future", srv.Message())
}

func TestParseError_TruncatedBody(t *testing.T) {
	f := responseFramer(ProtoVersion4)
	f.writeInt(ErrCodeUnavailable)
	f.writeString("truncated")
	f.writeConsistency(Quorum)
	// required and alive ints missing

	_, err := f.ParseError()
	require.Error(t, err)
}

func TestReadHeader(t *testing.T) {
	raw := []byte{
		byte(ProtoVersion4) | protoDirectionMask, // response direction
		0x00,
		0x00, 0x07, // stream 7
		byte(OpResult),
		0x00, 0x00, 0x00, 0x0c, // length 12
	}

	head, err := ReadHeader(bytes.NewReader(raw), make([]byte, 9))
	require.NoError(t, err)
	assert.Equal(t, ProtoVersion4, head.Version)
	assert.Equal(t, int16(7), head.Stream)
	assert.Equal(t, OpResult, head.Op)
	assert.Equal(t, int32(12), head.Length)
}

func TestReadHeader_RejectsRequestDirection(t *testing.T) {
	raw := []byte{byte(ProtoVersion4), 0x00, 0x00, 0x01, byte(OpQuery), 0, 0, 0, 0}
	_, err := ReadHeader(bytes.NewReader(raw), make([]byte, 9))
	require.Error(t, err)
}

func TestFrameRoundTripWithCompression(t *testing.T) {
	var buf bytes.Buffer

	wf := NewFramer(ProtoVersion4, SnappyCompressor{})
	err := wf.WriteQuery(&buf, 3, QueryParams{
		Statement:   "SELECT cluster_name FROM system.local",
		Consistency: One,
		PageSize:    100,
	})
	require.NoError(t, err)

	head, err := readRequestHeader(&buf)
	require.NoError(t, err)
	assert.Equal(t, OpQuery, head.Op)
	assert.Equal(t, int16(3), head.Stream)

	rf := NewFramer(ProtoVersion4, SnappyCompressor{})
	require.NoError(t, rf.ReadFrame(&buf, head))
	assert.Contains(t, string(rf.buf), "SELECT cluster_name")
}

// readRequestHeader parses a client-written header, which ReadHeader rejects
// on direction grounds.
func readRequestHeader(buf *bytes.Buffer) (FrameHeader, error) {
	p := buf.Next(9)
	return FrameHeader{
		Version: ProtoVersion(p[0] & protoVersionMask),
		Flags:   p[1],
		Stream:  int16(p[2])<<8 | int16(p[3]),
		Op:      FrameOp(p[4]),
		Length:  int32(readInt(p[5:9])),
	}, nil
}

func TestParseResult_Rows(t *testing.T) {
	f := NewFramer(ProtoVersion4, nil)
	f.header = &FrameHeader{Version: ProtoVersion4, Op: OpResult}

	f.writeInt(resultKindRows)
	f.writeInt(rowsFlagGlobalTableSpec)
	f.writeInt(2) // columns
	f.writeString("ks")
	f.writeString("tbl")
	f.writeString("id")
	f.writeShort(0x0009) // int type
	f.writeString("name")
	f.writeShort(0x000D) // varchar type
	f.writeInt(1)        // rows
	f.writeBytes([]byte{0, 0, 0, 1})
	f.writeBytes([]byte("alice"))

	res, err := f.ParseResult()
	require.NoError(t, err)
	require.Len(t, res.Columns, 2)
	assert.Equal(t, "id", res.Columns[0].Name)
	assert.Equal(t, "ks", res.Columns[1].Keyspace)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, []byte("alice"), res.Rows[0][1])
}

func TestParseConsistency(t *testing.T) {
	c, err := ParseConsistency("local_quorum")
	require.NoError(t, err)
	assert.Equal(t, LocalQuorum, c)

	_, err = ParseConsistency("nonsense")
	require.Error(t, err)
}
