package protocol

import (
	"bufio"
	"bytes"
	"context"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/klauspost/compress/zlib"
)

const (
	// MaxFrameSize is the largest frame length a 3 byte VarInt can declare.
	MaxFrameSize = 2097151
	// maxUncompressedSize mirrors the vanilla server's inflate limit.
	maxUncompressedSize = 8388608
)

var (
	ErrFrameTooLarge  = errors.New("frame exceeds maximum size")
	ErrEmptyFrame     = errors.New("frame has no packet id")
	ErrBadCompression = errors.New("malformed compressed frame")
)

// RawPacket is a decompressed, decrypted frame whose payload hasn't been decoded.
type RawPacket struct {
	ID   int32
	Data []byte
}

// Tracer observes every frame read or written on a Conn. inbound is true for
// frames read from the peer.
type Tracer func(inbound bool, state State, pkt *RawPacket)

// Conn is a framed connection to either a game client or a game server. It is
// not safe for concurrent use; ownership passes between goroutines instead.
type Conn struct {
	conn    net.Conn
	reader  *bufio.Reader
	writer  io.Writer
	inbound Direction
	state   State

	// Compression is disabled while threshold is negative.
	threshold int
	zw        *zlib.Writer

	Tracer Tracer
}

// NewConn wraps an established transport. inbound is the direction of the
// packets this side reads: Serverbound for accepted client connections,
// Clientbound for connections dialed to a backend.
func NewConn(conn net.Conn, inbound Direction) *Conn {
	return &Conn{
		conn:      conn,
		reader:    bufio.NewReader(conn),
		writer:    conn,
		inbound:   inbound,
		state:     StateHandshake,
		threshold: -1,
	}
}

// Dial opens a TCP connection to a game server.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return NewConn(conn, Clientbound), nil
}

func (c *Conn) State() State         { return c.state }
func (c *Conn) SetState(s State)     { c.state = s }
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }
func (c *Conn) Close() error         { return c.conn.Close() }

// CompressionThreshold returns the active threshold, or -1 when disabled.
func (c *Conn) CompressionThreshold() int { return c.threshold }

// SetReadDeadline forwards to the underlying transport.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetCompressionThreshold enables compression for frames of at least n bytes.
// A negative n disables it.
func (c *Conn) SetCompressionThreshold(n int) {
	c.threshold = n
}

// EnableEncryption installs the shared secret in both directions. Bytes that
// were already buffered from the transport get decrypted as well.
func (c *Conn) EnableEncryption(secret []byte) error {
	enc, dec, err := NewCipherPair(secret)
	if err != nil {
		return err
	}
	c.reader = bufio.NewReader(cipher.StreamReader{S: dec, R: c.reader})
	c.writer = cipher.StreamWriter{S: enc, W: c.writer}
	return nil
}

// Read reads and decodes the next packet for the current state.
func (c *Conn) Read() (Packet, error) {
	raw, err := c.ReadRaw()
	if err != nil {
		return nil, err
	}
	return Decode(c.state, c.inbound, raw)
}

// Write encodes and sends a typed packet.
func (c *Conn) Write(pkt Packet) error {
	return c.WriteRaw(Encode(pkt))
}

// ReadRaw reads the next frame without decoding its payload.
func (c *Conn) ReadRaw() (*RawPacket, error) {
	length, err := ReadVarInt(c.reader)
	if err != nil {
		return nil, err
	}
	if length < 0 || length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d", ErrFrameTooLarge, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(c.reader, body); err != nil {
		return nil, err
	}

	if c.threshold >= 0 {
		if body, err = c.inflate(body); err != nil {
			return nil, err
		}
	}
	if len(body) == 0 {
		return nil, ErrEmptyFrame
	}

	r := bytes.NewReader(body)
	id, err := ReadVarInt(r)
	if err != nil {
		return nil, fmt.Errorf("reading packet id: %w", err)
	}
	pkt := &RawPacket{ID: id, Data: body[len(body)-r.Len():]}

	if c.Tracer != nil {
		c.Tracer(true, c.state, pkt)
	}
	return pkt, nil
}

func (c *Conn) inflate(body []byte) ([]byte, error) {
	r := bytes.NewReader(body)
	dataLength, err := ReadVarInt(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCompression, err)
	}
	rest := body[len(body)-r.Len():]
	if dataLength == 0 {
		return rest, nil
	}
	if dataLength < int32(c.threshold) || dataLength > maxUncompressedSize {
		return nil, fmt.Errorf("%w: declared size %d", ErrBadCompression, dataLength)
	}

	zr, err := zlib.NewReader(bytes.NewReader(rest))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCompression, err)
	}
	defer zr.Close()

	out := make([]byte, dataLength)
	if _, err := io.ReadFull(zr, out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCompression, err)
	}
	return out, nil
}

// WriteRaw frames, compresses and encrypts pkt as configured and writes it in
// a single call to the transport.
func (c *Conn) WriteRaw(pkt *RawPacket) error {
	payload := PutVarInt(make([]byte, 0, maxVarIntLen+len(pkt.Data)), pkt.ID)
	payload = append(payload, pkt.Data...)

	var body []byte
	switch {
	case c.threshold < 0:
		body = payload
	case len(payload) < c.threshold:
		body = append([]byte{0}, payload...)
	default:
		var buf bytes.Buffer
		var tmp [maxVarIntLen]byte
		buf.Write(PutVarInt(tmp[:0], int32(len(payload))))
		if c.zw == nil {
			c.zw = zlib.NewWriter(&buf)
		} else {
			c.zw.Reset(&buf)
		}
		if _, err := c.zw.Write(payload); err != nil {
			return fmt.Errorf("compressing packet: %w", err)
		}
		if err := c.zw.Close(); err != nil {
			return fmt.Errorf("compressing packet: %w", err)
		}
		body = buf.Bytes()
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("%w: %d", ErrFrameTooLarge, len(body))
	}

	frame := PutVarInt(make([]byte, 0, maxVarIntLen+len(body)), int32(len(body)))
	frame = append(frame, body...)

	if c.Tracer != nil {
		c.Tracer(false, c.state, pkt)
	}
	if _, err := c.writer.Write(frame); err != nil {
		return fmt.Errorf("writing packet to %s: %w", c.conn.RemoteAddr(), err)
	}
	return nil
}

// Stream gives up framing and returns the connection as a raw byte stream.
// Encryption stays in effect and bytes already buffered are not lost. The
// Conn must not be used for packets afterwards.
func (c *Conn) Stream() *Stream {
	return &Stream{Reader: c.reader, Writer: c.writer, conn: c.conn}
}

// Stream is an unframed view of a Conn used for opaque relaying.
type Stream struct {
	io.Reader
	io.Writer
	conn net.Conn
}

func (s *Stream) Close() error                      { return s.conn.Close() }
func (s *Stream) SetReadDeadline(t time.Time) error { return s.conn.SetReadDeadline(t) }
func (s *Stream) RemoteAddr() net.Addr              { return s.conn.RemoteAddr() }
