// Package sio encodes and decodes Engine.IO v4 / Socket.IO v4 text frames
// carried over a websocket.
//
// An Engine.IO frame is a single type digit followed by its payload:
//
//	0{"sid":"...","pingInterval":25000,"pingTimeout":20000}   open
//	2                                                        ping
//	3                                                        pong
//	4<socket.io packet>                                      message
//
// A Socket.IO packet inside a message frame is
//
//	<type>[/<namespace>,][<ack id>][<json>]
//
// e.g. 42/notifications,["notification",{...}]. Binary packets are rejected.
package sio

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/teranos/notiflow/errors"
)

// EngineType is the Engine.IO packet type digit.
type EngineType byte

const (
	EngineOpen    EngineType = '0'
	EngineClose   EngineType = '1'
	EnginePing    EngineType = '2'
	EnginePong    EngineType = '3'
	EngineMessage EngineType = '4'
	EngineUpgrade EngineType = '5'
	EngineNoop    EngineType = '6'
)

func (t EngineType) String() string {
	switch t {
	case EngineOpen:
		return "open"
	case EngineClose:
		return "close"
	case EnginePing:
		return "ping"
	case EnginePong:
		return "pong"
	case EngineMessage:
		return "message"
	case EngineUpgrade:
		return "upgrade"
	case EngineNoop:
		return "noop"
	default:
		return "unknown(" + string(rune(t)) + ")"
	}
}

// PacketType is the Socket.IO packet type.
type PacketType int

const (
	PacketConnect PacketType = iota
	PacketDisconnect
	PacketEvent
	PacketAck
	PacketConnectError
	PacketBinaryEvent
	PacketBinaryAck
)

func (t PacketType) String() string {
	switch t {
	case PacketConnect:
		return "connect"
	case PacketDisconnect:
		return "disconnect"
	case PacketEvent:
		return "event"
	case PacketAck:
		return "ack"
	case PacketConnectError:
		return "connect_error"
	case PacketBinaryEvent:
		return "binary_event"
	case PacketBinaryAck:
		return "binary_ack"
	default:
		return "unknown(" + strconv.Itoa(int(t)) + ")"
	}
}

// ErrMalformed is returned for frames that cannot be decoded.
var ErrMalformed = errors.New("malformed socket.io frame")

// OpenPayload is the handshake data carried by the Engine.IO open packet.
type OpenPayload struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"` // milliseconds
	PingTimeout  int      `json:"pingTimeout"`  // milliseconds
	MaxPayload   int      `json:"maxPayload"`
}

// Packet is a decoded Socket.IO packet.
type Packet struct {
	Type      PacketType
	Namespace string // "/" when absent on the wire
	AckID     *int
	Data      json.RawMessage
}

// EncodeEngine builds an Engine.IO frame.
func EncodeEngine(t EngineType, payload []byte) []byte {
	out := make([]byte, 0, len(payload)+1)
	out = append(out, byte(t))
	return append(out, payload...)
}

// DecodeEngine splits a frame into its type and payload.
func DecodeEngine(frame []byte) (EngineType, []byte, error) {
	if len(frame) == 0 {
		return 0, nil, errors.Wrap(ErrMalformed, "empty engine.io frame")
	}
	t := EngineType(frame[0])
	if t < EngineOpen || t > EngineNoop {
		return 0, nil, errors.Wrapf(ErrMalformed, "unknown engine.io packet type %q", frame[0])
	}
	return t, frame[1:], nil
}

// DecodeOpen parses the payload of an open packet.
func DecodeOpen(payload []byte) (OpenPayload, error) {
	var open OpenPayload
	if err := json.Unmarshal(payload, &open); err != nil {
		return OpenPayload{}, errors.Wrap(errors.WithSecondaryError(ErrMalformed, err), "invalid open payload")
	}
	if open.SID == "" {
		return OpenPayload{}, errors.Wrap(ErrMalformed, "open payload without sid")
	}
	return open, nil
}

// Encode renders p as a complete Engine.IO message frame.
func (p Packet) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(EngineMessage))
	buf.WriteString(strconv.Itoa(int(p.Type)))
	if p.Namespace != "" && p.Namespace != "/" {
		buf.WriteString(p.Namespace)
		buf.WriteByte(',')
	}
	if p.AckID != nil {
		buf.WriteString(strconv.Itoa(*p.AckID))
	}
	buf.Write(p.Data)
	return buf.Bytes()
}

// DecodePacket parses the payload of an Engine.IO message frame.
func DecodePacket(payload []byte) (Packet, error) {
	if len(payload) == 0 {
		return Packet{}, errors.Wrap(ErrMalformed, "empty socket.io packet")
	}
	c := payload[0]
	if c < '0' || c > '6' {
		return Packet{}, errors.Wrapf(ErrMalformed, "unknown socket.io packet type %q", c)
	}
	p := Packet{Type: PacketType(c - '0'), Namespace: "/"}
	if p.Type == PacketBinaryEvent || p.Type == PacketBinaryAck {
		return Packet{}, errors.Wrapf(ErrMalformed, "binary packets are not supported (%s)", p.Type)
	}

	rest := payload[1:]
	if len(rest) > 0 && rest[0] == '/' {
		end := bytes.IndexByte(rest, ',')
		if end < 0 {
			// "41/notifications" with nothing after the namespace
			p.Namespace = string(rest)
			return p, nil
		}
		p.Namespace = string(rest[:end])
		rest = rest[end+1:]
	}

	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	if digits > 0 {
		id, err := strconv.Atoi(string(rest[:digits]))
		if err != nil {
			return Packet{}, errors.Wrap(errors.WithSecondaryError(ErrMalformed, err), "invalid ack id")
		}
		p.AckID = &id
		rest = rest[digits:]
	}

	if len(rest) > 0 {
		if !json.Valid(rest) {
			return Packet{}, errors.Wrap(ErrMalformed, "packet data is not valid JSON")
		}
		p.Data = json.RawMessage(rest)
	}
	return p, nil
}

// NewConnect builds a namespace connect packet with an auth payload.
func NewConnect(namespace string, auth interface{}) (Packet, error) {
	p := Packet{Type: PacketConnect, Namespace: namespace}
	if auth != nil {
		b, err := json.Marshal(auth)
		if err != nil {
			return Packet{}, errors.Wrap(err, "failed to encode connect auth")
		}
		p.Data = b
	}
	return p, nil
}

// NewDisconnect builds a namespace disconnect packet.
func NewDisconnect(namespace string) Packet {
	return Packet{Type: PacketDisconnect, Namespace: namespace}
}

// NewEvent builds an event packet: ["name", args...].
func NewEvent(namespace, name string, args ...interface{}) (Packet, error) {
	arr := make([]interface{}, 0, len(args)+1)
	arr = append(arr, name)
	arr = append(arr, args...)
	b, err := json.Marshal(arr)
	if err != nil {
		return Packet{}, errors.Wrapf(err, "failed to encode %s event", name)
	}
	return Packet{Type: PacketEvent, Namespace: namespace, Data: b}, nil
}

// Event splits an event packet into its name and raw arguments.
func (p Packet) Event() (string, []json.RawMessage, error) {
	if p.Type != PacketEvent {
		return "", nil, errors.Newf("packet is %s, not an event", p.Type)
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(p.Data, &arr); err != nil {
		return "", nil, errors.Wrap(errors.WithSecondaryError(ErrMalformed, err), "event data is not an array")
	}
	if len(arr) == 0 {
		return "", nil, errors.Wrap(ErrMalformed, "event without name")
	}
	var name string
	if err := json.Unmarshal(arr[0], &name); err != nil {
		return "", nil, errors.Wrap(errors.WithSecondaryError(ErrMalformed, err), "event name is not a string")
	}
	return name, arr[1:], nil
}

// ConnectErrorMessage extracts the server's message from a connect_error packet.
func (p Packet) ConnectErrorMessage() string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(p.Data, &body); err == nil && body.Message != "" {
		return body.Message
	}
	var s string
	if err := json.Unmarshal(p.Data, &s); err == nil {
		return s
	}
	return string(p.Data)
}
