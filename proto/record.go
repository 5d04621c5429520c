package proto

import (
	"encoding/binary"
	"fmt"
)

// All wire integers are big-endian. A record is the concatenation of its
// fields in declaration order; there is no tagging and no padding.

const (
	boolSize = 1
	intSize  = 4
	longSize = 8

	// Length-prefixed types carry a 4-byte count before their payload.
	bufferOverheadSize = intSize
	stringOverheadSize = intSize
	vectorOverheadSize = intSize
)

// Record is a unit of wire serialization. Unmarshal reads fields through the
// decoder's sticky error; callers check Decoder.Err (or use Unmarshal below).
type Record interface {
	marshal(enc *Encoder)
	unmarshal(dec *Decoder)
}

// Marshal serializes a record to a fresh buffer.
func Marshal(rec Record) []byte {
	var enc Encoder
	rec.marshal(&enc)
	return enc.Bytes()
}

// MarshalTo appends a record's serialization to the encoder. Frames that
// carry a header followed by a body are built by two MarshalTo calls on the
// same encoder.
func MarshalTo(enc *Encoder, rec Record) {
	rec.marshal(enc)
}

// Unmarshal deserializes a record from the decoder, consuming exactly the
// record's fields.
func Unmarshal(dec *Decoder, rec Record) error {
	rec.unmarshal(dec)
	return dec.Err()
}

// An Encoder accumulates the big-endian serialization of records.
type Encoder struct {
	buf []byte
}

func (e *Encoder) Bytes() []byte { return e.buf }

func (e *Encoder) Len() int { return len(e.buf) }

func (e *Encoder) PutBool(v bool) {
	if v {
		e.buf = append(e.buf, 1)
	} else {
		e.buf = append(e.buf, 0)
	}
}

func (e *Encoder) PutInt(v int32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(v))
}

func (e *Encoder) PutLong(v int64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, uint64(v))
}

func (e *Encoder) PutBuffer(v []byte) {
	e.PutInt(int32(len(v)))
	e.buf = append(e.buf, v...)
}

func (e *Encoder) PutString(v string) {
	e.PutInt(int32(len(v)))
	e.buf = append(e.buf, v...)
}

func (e *Encoder) PutStrings(v []string) {
	e.PutInt(int32(len(v)))
	for _, s := range v {
		e.PutString(s)
	}
}

// A Decoder reads the big-endian serialization of records. The first decode
// failure sticks; subsequent reads return zero values.
type Decoder struct {
	data []byte
	off  int
	err  error
}

func NewDecoder(data []byte) *Decoder {
	return &Decoder{data: data}
}

func (d *Decoder) Err() error { return d.err }

// Remaining reports how many bytes have not been consumed yet.
func (d *Decoder) Remaining() int { return len(d.data) - d.off }

func (d *Decoder) fail(n int) {
	if d.err == nil {
		d.err = fmt.Errorf("short record: need %d bytes at offset %d, have %d", n, d.off, len(d.data)-d.off)
	}
}

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.off+n > len(d.data) {
		d.fail(n)
		return nil
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b
}

func (d *Decoder) Bool() bool {
	b := d.take(boolSize)
	if b == nil {
		return false
	}
	return b[0] != 0
}

func (d *Decoder) Int() int32 {
	b := d.take(intSize)
	if b == nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(b))
}

func (d *Decoder) Long() int64 {
	b := d.take(longSize)
	if b == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func (d *Decoder) Buffer() []byte {
	n := d.Int()
	if d.err != nil {
		return nil
	}
	if n < 0 {
		d.err = fmt.Errorf("negative buffer length %d at offset %d", n, d.off)
		return nil
	}
	b := d.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (d *Decoder) String() string {
	n := d.Int()
	if d.err != nil {
		return ""
	}
	if n < 0 {
		d.err = fmt.Errorf("negative string length %d at offset %d", n, d.off)
		return ""
	}
	b := d.take(int(n))
	if b == nil {
		return ""
	}
	return string(b)
}

func (d *Decoder) Strings() []string {
	n := d.Int()
	if d.err != nil {
		return nil
	}
	if n < 0 {
		d.err = fmt.Errorf("negative vector length %d at offset %d", n, d.off)
		return nil
	}
	out := make([]string, 0, minInt(int(n), 64))
	for i := int32(0); i < n; i++ {
		s := d.String()
		if d.err != nil {
			return nil
		}
		out = append(out, s)
	}
	return out
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
