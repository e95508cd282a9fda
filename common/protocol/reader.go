package protocol

import (
	"encoding/binary"
	"fmt"
)

// fieldSize is the number of body bytes a value of kind occupies at index.
// It is the single width rule shared by reads, CanReadAt, RemoveAt and
// ReplaceAt. String widths are peeked from the prefix without touching the
// read history.
func (m *Message) fieldSize(kind Kind, index int) (int, error) {
	if index < 0 {
		return 0, fmt.Errorf("%w for %s at offset %d", ErrInsufficientData, kind, index)
	}
	switch kind {
	case KindString:
		n, err := DecodeUint16(m.body, index)
		if err != nil {
			return 0, fmt.Errorf("%w for %s at offset %d", ErrInsufficientData, kind, index)
		}
		size := 2 + int(n)
		if index+size > len(m.body) {
			return 0, fmt.Errorf("%w for %s at offset %d", ErrInsufficientData, kind, index)
		}
		return size, nil
	case KindRaw:
		return 0, fmt.Errorf("%w: %s has no width", ErrUnsupportedKind, kind)
	}
	w := kind.width()
	if w < 0 {
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}
	if index+w > len(m.body) {
		return 0, fmt.Errorf("%w for %s at offset %d", ErrInsufficientData, kind, index)
	}
	return w, nil
}

func (m *Message) readAt(kind Kind, index int, record bool) (Value, int, error) {
	size, err := m.fieldSize(kind, index)
	if err != nil {
		return Value{}, index, err
	}
	var v Value
	switch kind {
	case KindInt32:
		v = Int32(int32(binary.BigEndian.Uint32(m.body[index:])))
	case KindUint16:
		v = Uint16(binary.BigEndian.Uint16(m.body[index:]))
	case KindBool:
		v = Bool(m.body[index] == 1)
	case KindByte:
		v = Byte(m.body[index])
	case KindString:
		v = String(string(m.body[index+2 : index+size]))
	}
	if record {
		m.read = append(m.read, v)
	}
	return v, index + size, nil
}

func (m *Message) readNext(kind Kind) (Value, error) {
	v, next, err := m.readAt(kind, m.position, true)
	if err != nil {
		return Value{}, err
	}
	m.position = next
	return v, nil
}

// ReadValue reads a value of kind at the cursor and advances it.
func (m *Message) ReadValue(kind Kind) (Value, error) {
	return m.readNext(kind)
}

// ReadValueAt reads a value of kind at index without moving the cursor.
func (m *Message) ReadValueAt(kind Kind, index int) (Value, error) {
	v, _, err := m.readAt(kind, index, true)
	return v, err
}

func (m *Message) ReadInt32() (int32, error) {
	v, err := m.readNext(KindInt32)
	return v.Int32(), err
}

func (m *Message) ReadInt32At(index int) (int32, error) {
	v, err := m.ReadValueAt(KindInt32, index)
	return v.Int32(), err
}

func (m *Message) ReadUint16() (uint16, error) {
	v, err := m.readNext(KindUint16)
	return v.Uint16(), err
}

func (m *Message) ReadUint16At(index int) (uint16, error) {
	v, err := m.ReadValueAt(KindUint16, index)
	return v.Uint16(), err
}

func (m *Message) ReadBool() (bool, error) {
	v, err := m.readNext(KindBool)
	return v.Bool(), err
}

func (m *Message) ReadBoolAt(index int) (bool, error) {
	v, err := m.ReadValueAt(KindBool, index)
	return v.Bool(), err
}

func (m *Message) ReadString() (string, error) {
	v, err := m.readNext(KindString)
	return v.Text(), err
}

func (m *Message) ReadStringAt(index int) (string, error) {
	v, err := m.ReadValueAt(KindString, index)
	return v.Text(), err
}

// CanRead reports whether a value of kind can be read at the cursor.
func (m *Message) CanRead(kind Kind) bool {
	return m.CanReadAt(kind, m.position)
}

// CanReadAt reports whether a value of kind can be read at index.
func (m *Message) CanReadAt(kind Kind, index int) bool {
	_, err := m.fieldSize(kind, index)
	return err == nil
}

// BytesAvailable is the number of body bytes after the cursor.
func (m *Message) BytesAvailable() int {
	return max(0, len(m.body)-m.position)
}
