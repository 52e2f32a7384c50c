package proto

import (
	"fmt"
	"io"
	"net"

	"github.com/pkg/errors"
)

// FrameHeader is the fixed 9-byte header preceding every frame body on
// protocol v3 and later.
type FrameHeader struct {
	Version ProtoVersion
	Flags   byte
	Stream  int16
	Op      FrameOp
	Length  int32

	Warnings []string
}

func (h FrameHeader) String() string {
	return fmt.Sprintf("[header version=%s flags=0x%x stream=%d op=%s length=%d]",
		h.Version, h.Flags, h.Stream, h.Op, h.Length)
}

// ReadHeader reads one frame header off r. The scratch buffer p must be at
// least 9 bytes.
func ReadHeader(r io.Reader, p []byte) (FrameHeader, error) {
	if _, err := io.ReadFull(r, p[:9]); err != nil {
		return FrameHeader{}, err
	}

	version := p[0] & protoVersionMask
	if version < byte(ProtoVersion3) || version > byte(ProtoVersion5) {
		return FrameHeader{}, errors.Errorf("unsupported protocol response version: %d", version)
	}
	if p[0]&protoDirectionMask == 0 {
		return FrameHeader{}, errors.New("got a request frame from server")
	}

	return FrameHeader{
		Version: ProtoVersion(version),
		Flags:   p[1],
		Stream:  int16(p[2])<<8 | int16(p[3]),
		Op:      FrameOp(p[4]),
		Length:  int32(readInt(p[5:9])),
	}, nil
}

// A Framer reads and writes frame bodies on a single request/response
// exchange. It is not safe for concurrent use.
type Framer struct {
	proto      ProtoVersion
	flags      byte
	compressor Compressor
	header     *FrameHeader

	// holds a ref to the whole allocation so buf can be re-sliced after reads
	readBuffer []byte
	buf        []byte
}

func NewFramer(version ProtoVersion, compressor Compressor) *Framer {
	buf := make([]byte, 512)
	f := &Framer{
		proto:      version,
		compressor: compressor,
		readBuffer: buf,
		buf:        buf[:0],
	}
	if compressor != nil {
		f.flags |= flagCompress
	}
	return f
}

// ReadFrame reads the frame body described by head into the framer's buffer,
// decompressing it if needed.
func (f *Framer) ReadFrame(r io.Reader, head FrameHeader) error {
	if head.Length < 0 {
		return errors.Errorf("frame body length can not be less than 0: %d", head.Length)
	} else if head.Length > maxFrameSize {
		// free up the connection to be used again
		if _, err := io.CopyN(io.Discard, r, int64(head.Length)); err != nil {
			return errors.Wrap(err, "discarding oversized frame")
		}
		return errors.Errorf("frame body too large: %d", head.Length)
	}

	if cap(f.readBuffer) >= int(head.Length) {
		f.buf = f.readBuffer[:head.Length]
	} else {
		f.readBuffer = make([]byte, head.Length)
		f.buf = f.readBuffer
	}

	if _, err := io.ReadFull(r, f.buf); err != nil {
		return errors.Wrap(err, "reading frame body")
	}

	if head.Flags&flagCompress != 0 {
		if f.compressor == nil {
			return errors.New("compressed frame body but no compressor configured")
		}
		buf, err := f.compressor.Decode(f.buf)
		if err != nil {
			return err
		}
		f.buf = buf
	}

	f.header = &head
	if head.Flags&flagWarning != 0 {
		f.header.Warnings = f.readStringList()
	}
	return nil
}

// WriteFrame frames up the pending body and writes it to w as a single
// request frame on the given stream.
func (f *Framer) WriteFrame(w io.Writer, op FrameOp, stream int16) error {
	body := f.buf
	flags := byte(0)
	if f.compressor != nil && op != OpStartup && len(body) > 0 {
		enc, err := f.compressor.Encode(body)
		if err != nil {
			return err
		}
		body = enc
		flags |= flagCompress
	}

	head := make([]byte, 9)
	head[0] = byte(f.proto)
	head[1] = flags
	head[2] = byte(stream >> 8)
	head[3] = byte(stream)
	head[4] = byte(op)
	writeInt(head[5:], int32(len(body)))

	if _, err := w.Write(head); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// Reset discards any pending body so the framer can be reused for the next
// exchange.
func (f *Framer) Reset() {
	f.buf = f.readBuffer[:0]
	f.header = nil
}

func readInt(p []byte) int32 {
	return int32(p[0])<<24 | int32(p[1])<<16 | int32(p[2])<<8 | int32(p[3])
}

func writeInt(p []byte, n int32) {
	p[0] = byte(n >> 24)
	p[1] = byte(n >> 16)
	p[2] = byte(n >> 8)
	p[3] = byte(n)
}

func (f *Framer) readInt() int {
	if len(f.buf) < 4 {
		panic(errors.Errorf("not enough bytes in buffer to read int, require 4 got: %d", len(f.buf)))
	}
	n := readInt(f.buf[:4])
	f.buf = f.buf[4:]
	return int(n)
}

func (f *Framer) readShort() uint16 {
	if len(f.buf) < 2 {
		panic(errors.Errorf("not enough bytes in buffer to read short, require 2 got: %d", len(f.buf)))
	}
	n := uint16(f.buf[0])<<8 | uint16(f.buf[1])
	f.buf = f.buf[2:]
	return n
}

func (f *Framer) readByte() byte {
	if len(f.buf) < 1 {
		panic(errors.New("not enough bytes in buffer to read byte"))
	}
	b := f.buf[0]
	f.buf = f.buf[1:]
	return b
}

func (f *Framer) readString() string {
	size := int(f.readShort())
	if len(f.buf) < size {
		panic(errors.Errorf("not enough bytes in buffer to read string, require %d got: %d", size, len(f.buf)))
	}
	s := string(f.buf[:size])
	f.buf = f.buf[size:]
	return s
}

func (f *Framer) readLongString() string {
	size := f.readInt()
	if size < 0 || len(f.buf) < size {
		panic(errors.Errorf("not enough bytes in buffer to read long string, require %d got: %d", size, len(f.buf)))
	}
	s := string(f.buf[:size])
	f.buf = f.buf[size:]
	return s
}

func (f *Framer) readStringList() []string {
	size := int(f.readShort())
	list := make([]string, size)
	for i := 0; i < size; i++ {
		list[i] = f.readString()
	}
	return list
}

func (f *Framer) readShortBytes() []byte {
	size := int(f.readShort())
	if len(f.buf) < size {
		panic(errors.Errorf("not enough bytes in buffer to read short bytes, require %d got: %d", size, len(f.buf)))
	}
	// defensively copy, the buffer is reused across exchanges
	b := make([]byte, size)
	copy(b, f.buf[:size])
	f.buf = f.buf[size:]
	return b
}

func (f *Framer) readBytes() []byte {
	size := f.readInt()
	if size < 0 {
		return nil
	}
	if len(f.buf) < size {
		panic(errors.Errorf("not enough bytes in buffer to read bytes, require %d got: %d", size, len(f.buf)))
	}
	b := make([]byte, size)
	copy(b, f.buf[:size])
	f.buf = f.buf[size:]
	return b
}

func (f *Framer) readConsistency() Consistency {
	return Consistency(f.readShort())
}

func (f *Framer) readInetAddrOnly() net.IP {
	size := int(f.readByte())
	if size != 4 && size != 16 {
		panic(errors.Errorf("invalid inet address size: %d", size))
	}
	if len(f.buf) < size {
		panic(errors.Errorf("not enough bytes in buffer to read inet, require %d got: %d", size, len(f.buf)))
	}
	ip := make(net.IP, size)
	copy(ip, f.buf[:size])
	f.buf = f.buf[size:]
	return ip
}

func (f *Framer) readErrorMap() ErrorMap {
	m := make(ErrorMap)
	numErrs := f.readInt()
	for i := 0; i < numErrs; i++ {
		addr := f.readInetAddrOnly().String()
		m[addr] = f.readShort()
	}
	return m
}

func (f *Framer) writeInt(n int32) {
	f.buf = append(f.buf, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
}

func (f *Framer) writeShort(n uint16) {
	f.buf = append(f.buf, byte(n>>8), byte(n))
}

func (f *Framer) writeByte(b byte) {
	f.buf = append(f.buf, b)
}

func (f *Framer) writeString(s string) {
	f.writeShort(uint16(len(s)))
	f.buf = append(f.buf, s...)
}

func (f *Framer) writeLongString(s string) {
	f.writeInt(int32(len(s)))
	f.buf = append(f.buf, s...)
}

func (f *Framer) writeShortBytes(b []byte) {
	f.writeShort(uint16(len(b)))
	f.buf = append(f.buf, b...)
}

func (f *Framer) writeBytes(b []byte) {
	if b == nil {
		f.writeInt(-1)
		return
	}
	f.writeInt(int32(len(b)))
	f.buf = append(f.buf, b...)
}

func (f *Framer) writeLong(n int64) {
	f.buf = append(f.buf,
		byte(n>>56), byte(n>>48), byte(n>>40), byte(n>>32),
		byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
}

func (f *Framer) writeConsistency(c Consistency) {
	f.writeShort(uint16(c))
}

func (f *Framer) writeStringMap(m map[string]string) {
	f.writeShort(uint16(len(m)))
	for k, v := range m {
		f.writeString(k)
		f.writeString(v)
	}
}
