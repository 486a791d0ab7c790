package replica

import (
	"encoding/binary"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Writer appends fixed width integers and length delimited byte ranges to a
// growing buffer. Header fields are big endian u32; payload ranges are
// varint length delimited so that a reader can capture the exact byte range
// of one record's payload for later replay.
type Writer struct {
	b []byte
}

func NewWriter() *Writer {
	return &Writer{
		b: []byte{},
	}
}

func (self *Writer) WriteUint32(v uint32) {
	self.b = binary.BigEndian.AppendUint32(self.b, v)
}

func (self *Writer) WriteVarint(v uint64) {
	self.b = protowire.AppendVarint(self.b, v)
}

func (self *Writer) WriteBytes(p []byte) {
	self.b = protowire.AppendBytes(self.b, p)
}

func (self *Writer) Bytes() []byte {
	return self.b
}

func (self *Writer) Reset() {
	self.b = self.b[:0]
}

func (self *Writer) Len() int {
	return len(self.b)
}

// Reader consumes the same layout. All read errors mean the update is
// truncated or malformed and must abort the whole decode.
type Reader struct {
	b []byte
	i int
}

func NewReader(b []byte) *Reader {
	return &Reader{
		b: b,
	}
}

func (self *Reader) ReadUint32() (uint32, error) {
	if len(self.b)-self.i < 4 {
		return 0, fmt.Errorf("truncated stream at %d", self.i)
	}
	v := binary.BigEndian.Uint32(self.b[self.i:])
	self.i += 4
	return v, nil
}

func (self *Reader) ReadVarint() (uint64, error) {
	v, n := protowire.ConsumeVarint(self.b[self.i:])
	if n < 0 {
		return 0, fmt.Errorf("truncated varint at %d", self.i)
	}
	self.i += n
	return v, nil
}

// ReadBytes returns a view into the underlying buffer, not a copy.
func (self *Reader) ReadBytes() ([]byte, error) {
	p, n := protowire.ConsumeBytes(self.b[self.i:])
	if n < 0 {
		return nil, fmt.Errorf("truncated byte range at %d", self.i)
	}
	self.i += n
	return p, nil
}

func (self *Reader) Remaining() int {
	return len(self.b) - self.i
}
