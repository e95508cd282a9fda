// Package protocol implements the length-prefixed message format relayed
// between the game client and server: the binary frame, typed cursor reads,
// structural editing of constructed messages and the text template form.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// PreambleSize is the length field plus the header.
const PreambleSize = 6

// Destination tags which side a message is travelling to.
type Destination int

const (
	DestinationUnknown Destination = iota
	DestinationClient
	DestinationServer
)

func (d Destination) String() string {
	switch d {
	case DestinationClient:
		return "client"
	case DestinationServer:
		return "server"
	}
	return "unknown"
}

// Message is a single framed packet.
//
// Messages built with New are constructive: their body is always the
// concatenation of the written chunks and they accept structural edits.
// Messages built with Parse are read-only apart from SetHeader.
type Message struct {
	header       uint16
	body         []byte
	raw          []byte
	position     int
	destination  Destination
	corrupted    bool
	constructive bool

	read    []Value
	written []Value

	bytesCache []byte
	textCache  string
	textValid  bool
}

// Parse decodes a wire frame. A frame whose length field disagrees with
// len(data)-4 is returned as a corrupted message rather than an error.
func Parse(data []byte, dest Destination) (*Message, error) {
	if len(data) < PreambleSize {
		return nil, fmt.Errorf("%w: frame needs %d bytes, got %d", ErrInsufficientData, PreambleSize, len(data))
	}
	m := &Message{destination: dest}
	if DeclaredLength(data) != len(data)-4 {
		m.corrupted = true
		m.raw = append([]byte(nil), data...)
		return m, nil
	}
	m.header = binary.BigEndian.Uint16(data[4:])
	m.body = append([]byte(nil), data[PreambleSize:]...)
	return m, nil
}

// New builds a constructive message from a header and typed values.
func New(header uint16, values ...Value) (*Message, error) {
	m := &Message{header: header, constructive: true}
	if err := m.setWritten(append([]Value(nil), values...)); err != nil {
		return nil, err
	}
	return m, nil
}

// Construct returns the wire frame for header and values.
func Construct(header uint16, values ...Value) ([]byte, error) {
	body, err := Encode(values...)
	if err != nil {
		return nil, err
	}
	return frame(header, body), nil
}

func frame(header uint16, body []byte) []byte {
	data := make([]byte, PreambleSize+len(body))
	binary.BigEndian.PutUint32(data, uint32(len(body)+2))
	binary.BigEndian.PutUint16(data[4:], header)
	copy(data[PreambleSize:], body)
	return data
}

func (m *Message) Header() uint16           { return m.header }
func (m *Message) IsCorrupted() bool        { return m.corrupted }
func (m *Message) IsConstructive() bool     { return m.constructive && !m.corrupted }
func (m *Message) Position() int            { return m.position }
func (m *Message) SetPosition(p int)        { m.position = p }
func (m *Message) Destination() Destination { return m.destination }

func (m *Message) SetDestination(d Destination) { m.destination = d }

// SetHeader changes the header. It has no effect on corrupted messages.
func (m *Message) SetHeader(h uint16) {
	if m.corrupted || m.header == h {
		return
	}
	m.header = h
	m.invalidate()
}

// Length is the body length plus the header, excluding the length field.
// For corrupted messages it is the raw byte count.
func (m *Message) Length() int {
	if m.corrupted {
		return len(m.raw)
	}
	return len(m.body) + 2
}

// Body returns a copy of the bytes after the header.
func (m *Message) Body() []byte {
	return append([]byte(nil), m.body...)
}

// ChunksRead returns the values read so far through the public readers.
func (m *Message) ChunksRead() []Value {
	return append([]Value(nil), m.read...)
}

// ChunksWritten returns the written chunk list in its current order.
func (m *Message) ChunksWritten() []Value {
	return append([]Value(nil), m.written...)
}

// Bytes returns the wire form. Corrupted messages return their raw bytes.
func (m *Message) Bytes() []byte {
	if m.corrupted {
		return append([]byte(nil), m.raw...)
	}
	if m.bytesCache == nil {
		m.bytesCache = frame(m.header, m.body)
	}
	return append([]byte(nil), m.bytesCache...)
}

// String returns the escaped text form of Bytes.
func (m *Message) String() string {
	if !m.textValid {
		m.textCache = FormatText(m.Bytes())
		m.textValid = true
	}
	return m.textCache
}

// AsConstructive returns an editable copy holding the body as one raw chunk.
func (m *Message) AsConstructive() (*Message, error) {
	if m.corrupted {
		return nil, ErrNotConstructible
	}
	var values []Value
	if len(m.body) > 0 {
		values = append(values, Raw(m.body))
	}
	c, err := New(m.header, values...)
	if err != nil {
		return nil, err
	}
	c.destination = m.destination
	return c, nil
}

func (m *Message) invalidate() {
	m.bytesCache = nil
	m.textCache = ""
	m.textValid = false
}
