package protocol

import (
	"fmt"

	"github.com/google/uuid"
)

// Version is the only protocol version spoken on either side of the relay.
const (
	Version     = 760
	VersionName = "1.19.2"
)

// State is the phase a connection is in. It selects which packet ids are valid.
type State int

const (
	StateHandshake State = iota
	StateStatus
	StateLogin
	StateGame
)

func (s State) String() string {
	switch s {
	case StateHandshake:
		return "handshake"
	case StateStatus:
		return "status"
	case StateLogin:
		return "login"
	case StateGame:
		return "game"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Direction is the flow of a packet relative to the game server.
type Direction int

const (
	Serverbound Direction = iota
	Clientbound
)

// Intention is the next state a client declares in its handshake.
type Intention int32

const (
	IntentionStatus Intention = 1
	IntentionLogin  Intention = 2
)

func (i Intention) String() string {
	switch i {
	case IntentionStatus:
		return "status"
	case IntentionLogin:
		return "login"
	}
	return fmt.Sprintf("Intention(%d)", int32(i))
}

// Packet is a typed packet that can be written to or decoded from a frame.
type Packet interface {
	ID() int32
	Encode(w *Writer)
	Decode(r *Reader) error
}

// Packet ids, grouped by state and direction.
const (
	HandshakeID = 0x00

	StatusRequestID  = 0x00
	StatusResponseID = 0x00
	PingRequestID    = 0x01
	PongResponseID   = 0x01

	LoginHelloID              = 0x00
	LoginEncryptionResponseID = 0x01
	LoginDisconnectID         = 0x00
	LoginEncryptionRequestID  = 0x01
	LoginSuccessID            = 0x02
	LoginCompressionID        = 0x03

	GameKeepAliveID            = 0x20
	GameServerboundKeepAliveID = 0x12
)

var registry = map[State]map[Direction]map[int32]func() Packet{
	StateHandshake: {
		Serverbound: {HandshakeID: func() Packet { return &Handshake{} }},
	},
	StateStatus: {
		Serverbound: {
			StatusRequestID: func() Packet { return &StatusRequest{} },
			PingRequestID:   func() Packet { return &PingRequest{} },
		},
		Clientbound: {
			StatusResponseID: func() Packet { return &StatusResponse{} },
			PongResponseID:   func() Packet { return &PongResponse{} },
		},
	},
	StateLogin: {
		Serverbound: {
			LoginHelloID:              func() Packet { return &LoginHello{} },
			LoginEncryptionResponseID: func() Packet { return &EncryptionResponse{} },
		},
		Clientbound: {
			LoginDisconnectID:        func() Packet { return &LoginDisconnect{} },
			LoginEncryptionRequestID: func() Packet { return &EncryptionRequest{} },
			LoginSuccessID:           func() Packet { return &GameProfile{} },
			LoginCompressionID:       func() Packet { return &LoginCompression{} },
		},
	},
	StateGame: {
		Serverbound: {GameServerboundKeepAliveID: func() Packet { return &ServerboundKeepAlive{} }},
		Clientbound: {GameKeepAliveID: func() Packet { return &KeepAlive{} }},
	},
}

// Decode turns a raw frame into a typed packet. Ids without a registered type
// come back as *Unknown.
func Decode(state State, dir Direction, raw *RawPacket) (Packet, error) {
	newFn, ok := registry[state][dir][raw.ID]
	if !ok {
		return &Unknown{PacketID: raw.ID, Data: raw.Data}, nil
	}
	pkt := newFn()
	if err := pkt.Decode(NewReader(raw.Data)); err != nil {
		return nil, fmt.Errorf("decoding %s packet 0x%02x: %w", state, raw.ID, err)
	}
	return pkt, nil
}

// Encode serializes a typed packet into a raw frame.
func Encode(pkt Packet) *RawPacket {
	var w Writer
	pkt.Encode(&w)
	return &RawPacket{ID: pkt.ID(), Data: w.Bytes()}
}

// Kind returns a short human readable name for a packet, used in errors and logs.
func Kind(pkt Packet) string {
	if u, ok := pkt.(*Unknown); ok {
		return fmt.Sprintf("unknown(0x%02x)", u.PacketID)
	}
	return fmt.Sprintf("%T", pkt)[len("*protocol."):]
}

// Unknown holds a packet whose id has no typed representation.
type Unknown struct {
	PacketID int32
	Data     []byte
}

func (p *Unknown) ID() int32              { return p.PacketID }
func (p *Unknown) Encode(w *Writer)       { w.Raw(p.Data) }
func (p *Unknown) Decode(r *Reader) error { p.Data = r.Rest(); return nil }

// Handshake is the first packet sent by every client.
type Handshake struct {
	ProtocolVersion int32
	ServerAddress   string
	ServerPort      uint16
	Intention       Intention
}

func (p *Handshake) ID() int32 { return HandshakeID }

func (p *Handshake) Encode(w *Writer) {
	w.VarInt(p.ProtocolVersion)
	w.String(p.ServerAddress)
	w.Uint16(p.ServerPort)
	w.VarInt(int32(p.Intention))
}

func (p *Handshake) Decode(r *Reader) (err error) {
	if p.ProtocolVersion, err = r.VarInt(); err != nil {
		return err
	}
	if p.ServerAddress, err = r.String(255); err != nil {
		return err
	}
	if p.ServerPort, err = r.Uint16(); err != nil {
		return err
	}
	intention, err := r.VarInt()
	p.Intention = Intention(intention)
	return err
}

type StatusRequest struct{}

func (p *StatusRequest) ID() int32            { return StatusRequestID }
func (p *StatusRequest) Encode(*Writer)       {}
func (p *StatusRequest) Decode(*Reader) error { return nil }

// StatusResponse carries the server list JSON document.
type StatusResponse struct {
	JSON string
}

func (p *StatusResponse) ID() int32        { return StatusResponseID }
func (p *StatusResponse) Encode(w *Writer) { w.String(p.JSON) }
func (p *StatusResponse) Decode(r *Reader) (err error) {
	p.JSON, err = r.String(32767 * 4)
	return err
}

type PingRequest struct {
	Time int64
}

func (p *PingRequest) ID() int32        { return PingRequestID }
func (p *PingRequest) Encode(w *Writer) { w.Int64(p.Time) }
func (p *PingRequest) Decode(r *Reader) (err error) {
	p.Time, err = r.Int64()
	return err
}

type PongResponse struct {
	Time int64
}

func (p *PongResponse) ID() int32        { return PongResponseID }
func (p *PongResponse) Encode(w *Writer) { w.Int64(p.Time) }
func (p *PongResponse) Decode(r *Reader) (err error) {
	p.Time, err = r.Int64()
	return err
}

// PlayerKey is the optional chat signing key a client may attach to its hello.
type PlayerKey struct {
	ExpiresAt int64
	PublicKey []byte
	Signature []byte
}

// LoginHello is the first login packet, declaring the player's name.
type LoginHello struct {
	Username  string
	Key       *PlayerKey
	ProfileID *uuid.UUID
}

func (p *LoginHello) ID() int32 { return LoginHelloID }

func (p *LoginHello) Encode(w *Writer) {
	w.String(p.Username)
	w.Bool(p.Key != nil)
	if p.Key != nil {
		w.Int64(p.Key.ExpiresAt)
		w.ByteArray(p.Key.PublicKey)
		w.ByteArray(p.Key.Signature)
	}
	w.Bool(p.ProfileID != nil)
	if p.ProfileID != nil {
		w.UUID(*p.ProfileID)
	}
}

func (p *LoginHello) Decode(r *Reader) (err error) {
	if p.Username, err = r.String(16); err != nil {
		return err
	}
	hasKey, err := r.Bool()
	if err != nil {
		return err
	}
	if hasKey {
		key := &PlayerKey{}
		if key.ExpiresAt, err = r.Int64(); err != nil {
			return err
		}
		if key.PublicKey, err = r.ByteArray(); err != nil {
			return err
		}
		if key.Signature, err = r.ByteArray(); err != nil {
			return err
		}
		p.Key = key
	}
	// Older 1.19 clients omit the profile id entirely.
	if r.Len() == 0 {
		return nil
	}
	hasID, err := r.Bool()
	if err != nil {
		return err
	}
	if hasID {
		id, err := r.UUID()
		if err != nil {
			return err
		}
		p.ProfileID = &id
	}
	return nil
}

// LoginDisconnect kicks a client during login. Reason is a JSON chat component.
type LoginDisconnect struct {
	Reason string
}

func (p *LoginDisconnect) ID() int32        { return LoginDisconnectID }
func (p *LoginDisconnect) Encode(w *Writer) { w.String(p.Reason) }
func (p *LoginDisconnect) Decode(r *Reader) (err error) {
	p.Reason, err = r.String(262144)
	return err
}

type EncryptionRequest struct {
	ServerID    string
	PublicKey   []byte
	VerifyToken []byte
}

func (p *EncryptionRequest) ID() int32 { return LoginEncryptionRequestID }

func (p *EncryptionRequest) Encode(w *Writer) {
	w.String(p.ServerID)
	w.ByteArray(p.PublicKey)
	w.ByteArray(p.VerifyToken)
}

func (p *EncryptionRequest) Decode(r *Reader) (err error) {
	if p.ServerID, err = r.String(20); err != nil {
		return err
	}
	if p.PublicKey, err = r.ByteArray(); err != nil {
		return err
	}
	p.VerifyToken, err = r.ByteArray()
	return err
}

// EncryptionResponse answers an EncryptionRequest. Exactly one of VerifyToken
// or (Salt, Signature) is sent.
type EncryptionResponse struct {
	SharedSecret []byte
	VerifyToken  []byte
	Salt         int64
	Signature    []byte
}

func (p *EncryptionResponse) ID() int32 { return LoginEncryptionResponseID }

func (p *EncryptionResponse) Encode(w *Writer) {
	w.ByteArray(p.SharedSecret)
	w.Bool(p.VerifyToken != nil)
	if p.VerifyToken != nil {
		w.ByteArray(p.VerifyToken)
		return
	}
	w.Int64(p.Salt)
	w.ByteArray(p.Signature)
}

func (p *EncryptionResponse) Decode(r *Reader) (err error) {
	if p.SharedSecret, err = r.ByteArray(); err != nil {
		return err
	}
	hasToken, err := r.Bool()
	if err != nil {
		return err
	}
	if hasToken {
		p.VerifyToken, err = r.ByteArray()
		return err
	}
	if p.Salt, err = r.Int64(); err != nil {
		return err
	}
	p.Signature, err = r.ByteArray()
	return err
}

// ProfileProperty is a signed texture/skin property attached to a profile.
type ProfileProperty struct {
	Name      string
	Value     string
	Signature *string
}

// GameProfile is the login success packet: the identity the backend accepted.
type GameProfile struct {
	UUID       uuid.UUID
	Name       string
	Properties []ProfileProperty
}

func (p *GameProfile) ID() int32 { return LoginSuccessID }

func (p *GameProfile) Encode(w *Writer) {
	w.UUID(p.UUID)
	w.String(p.Name)
	w.VarInt(int32(len(p.Properties)))
	for _, prop := range p.Properties {
		w.String(prop.Name)
		w.String(prop.Value)
		w.Bool(prop.Signature != nil)
		if prop.Signature != nil {
			w.String(*prop.Signature)
		}
	}
}

func (p *GameProfile) Decode(r *Reader) (err error) {
	if p.UUID, err = r.UUID(); err != nil {
		return err
	}
	if p.Name, err = r.String(16); err != nil {
		return err
	}
	n, err := r.VarInt()
	if err != nil {
		return err
	}
	if n < 0 || int(n) > r.Len() {
		return fmt.Errorf("invalid property count %d", n)
	}
	p.Properties = make([]ProfileProperty, 0, n)
	for i := int32(0); i < n; i++ {
		var prop ProfileProperty
		if prop.Name, err = r.String(32767); err != nil {
			return err
		}
		if prop.Value, err = r.String(32767); err != nil {
			return err
		}
		signed, err := r.Bool()
		if err != nil {
			return err
		}
		if signed {
			sig, err := r.String(32767)
			if err != nil {
				return err
			}
			prop.Signature = &sig
		}
		p.Properties = append(p.Properties, prop)
	}
	return nil
}

type LoginCompression struct {
	Threshold int32
}

func (p *LoginCompression) ID() int32        { return LoginCompressionID }
func (p *LoginCompression) Encode(w *Writer) { w.VarInt(p.Threshold) }
func (p *LoginCompression) Decode(r *Reader) (err error) {
	p.Threshold, err = r.VarInt()
	return err
}

// KeepAlive is the backend's liveness ping during the game phase.
type KeepAlive struct {
	KeepAliveID int64
}

func (p *KeepAlive) ID() int32        { return GameKeepAliveID }
func (p *KeepAlive) Encode(w *Writer) { w.Int64(p.KeepAliveID) }
func (p *KeepAlive) Decode(r *Reader) (err error) {
	p.KeepAliveID, err = r.Int64()
	return err
}

// ServerboundKeepAlive echoes a KeepAlive id back to the backend.
type ServerboundKeepAlive struct {
	KeepAliveID int64
}

func (p *ServerboundKeepAlive) ID() int32        { return GameServerboundKeepAliveID }
func (p *ServerboundKeepAlive) Encode(w *Writer) { w.Int64(p.KeepAliveID) }
func (p *ServerboundKeepAlive) Decode(r *Reader) (err error) {
	p.KeepAliveID, err = r.Int64()
	return err
}
