package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

var (
	// ErrVarIntTooBig is returned when a VarInt runs past five bytes.
	ErrVarIntTooBig = errors.New("varint is too big")
	// ErrStringTooLong is returned when a decoded string exceeds its declared limit.
	ErrStringTooLong = errors.New("string exceeds maximum length")
)

const maxVarIntLen = 5

// PutVarInt appends the VarInt encoding of v to b and returns the extended slice.
func PutVarInt(b []byte, v int32) []byte {
	u := uint32(v)
	for {
		if u&^0x7F == 0 {
			return append(b, byte(u))
		}
		b = append(b, byte(u&0x7F|0x80))
		u >>= 7
	}
}

// VarIntSize returns the number of bytes needed to encode v.
func VarIntSize(v int32) int {
	u := uint32(v)
	n := 1
	for u&^0x7F != 0 {
		u >>= 7
		n++
	}
	return n
}

// ReadVarInt reads a single VarInt from r.
func ReadVarInt(r io.ByteReader) (int32, error) {
	var result uint32
	for i := 0; i < maxVarIntLen; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		result |= uint32(b&0x7F) << (7 * i)
		if b&0x80 == 0 {
			return int32(result), nil
		}
	}
	return 0, ErrVarIntTooBig
}

// Writer accumulates the payload of a packet.
type Writer struct {
	buf bytes.Buffer
}

func (w *Writer) Bytes() []byte { return w.buf.Bytes() }

func (w *Writer) VarInt(v int32) {
	var tmp [maxVarIntLen]byte
	w.buf.Write(PutVarInt(tmp[:0], v))
}

func (w *Writer) String(s string) {
	w.VarInt(int32(len(s)))
	w.buf.WriteString(s)
}

// ByteArray writes a VarInt length prefixed byte slice.
func (w *Writer) ByteArray(b []byte) {
	w.VarInt(int32(len(b)))
	w.buf.Write(b)
}

func (w *Writer) Bool(v bool) {
	if v {
		w.buf.WriteByte(1)
	} else {
		w.buf.WriteByte(0)
	}
}

func (w *Writer) Uint16(v uint16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	w.buf.Write(tmp[:])
}

func (w *Writer) Int64(v int64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	w.buf.Write(tmp[:])
}

func (w *Writer) UUID(id uuid.UUID) {
	w.buf.Write(id[:])
}

// Raw appends b without any length prefix.
func (w *Writer) Raw(b []byte) {
	w.buf.Write(b)
}

// Reader decodes fields from a packet payload.
type Reader struct {
	r *bytes.Reader
}

func NewReader(data []byte) *Reader {
	return &Reader{r: bytes.NewReader(data)}
}

// Len returns the number of unread bytes.
func (r *Reader) Len() int { return r.r.Len() }

func (r *Reader) VarInt() (int32, error) {
	return ReadVarInt(r.r)
}

// String reads a VarInt prefixed UTF-8 string of at most maxLen bytes.
func (r *Reader) String(maxLen int) (string, error) {
	n, err := r.VarInt()
	if err != nil {
		return "", err
	}
	if n < 0 || int(n) > maxLen {
		return "", fmt.Errorf("%w: %d > %d", ErrStringTooLong, n, maxLen)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *Reader) ByteArray() ([]byte, error) {
	n, err := r.VarInt()
	if err != nil {
		return nil, err
	}
	if n < 0 || int(n) > r.r.Len() {
		return nil, io.ErrUnexpectedEOF
	}
	b := make([]byte, n)
	_, err = io.ReadFull(r.r, b)
	return b, err
}

func (r *Reader) Bool() (bool, error) {
	b, err := r.r.ReadByte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

func (r *Reader) Uint16() (uint16, error) {
	var tmp [2]byte
	if _, err := io.ReadFull(r.r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(tmp[:]), nil
}

func (r *Reader) Int64() (int64, error) {
	var tmp [8]byte
	if _, err := io.ReadFull(r.r, tmp[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(tmp[:])), nil
}

func (r *Reader) UUID() (uuid.UUID, error) {
	var id uuid.UUID
	_, err := io.ReadFull(r.r, id[:])
	return id, err
}

// Rest returns every unread byte.
func (r *Reader) Rest() []byte {
	b := make([]byte, r.r.Len())
	_, _ = io.ReadFull(r.r, b)
	return b
}
