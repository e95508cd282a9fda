package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies the wire type of a Value.
type Kind uint8

const (
	KindInt32 Kind = iota + 1
	KindUint16
	KindBool
	KindByte
	KindString
	KindRaw
)

func (k Kind) String() string {
	switch k {
	case KindInt32:
		return "int32"
	case KindUint16:
		return "uint16"
	case KindBool:
		return "bool"
	case KindByte:
		return "byte"
	case KindString:
		return "string"
	case KindRaw:
		return "raw"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// width is the fixed encoded width of k, or -1 when the width depends on the data.
func (k Kind) width() int {
	switch k {
	case KindInt32:
		return 4
	case KindUint16:
		return 2
	case KindBool, KindByte:
		return 1
	}
	return -1
}

// Value is one typed field of a message body.
type Value struct {
	kind Kind
	num  int32
	str  string
	raw  []byte
}

func Int32(v int32) Value   { return Value{kind: KindInt32, num: v} }
func Uint16(v uint16) Value { return Value{kind: KindUint16, num: int32(v)} }
func Byte(v byte) Value     { return Value{kind: KindByte, num: int32(v)} }
func String(v string) Value { return Value{kind: KindString, str: v} }

func Bool(v bool) Value {
	if v {
		return Value{kind: KindBool, num: 1}
	}
	return Value{kind: KindBool}
}

// Raw wraps bytes that are written verbatim, without a length prefix.
func Raw(b []byte) Value {
	return Value{kind: KindRaw, raw: append([]byte(nil), b...)}
}

func (v Value) Kind() Kind       { return v.kind }
func (v Value) Int32() int32     { return v.num }
func (v Value) Uint16() uint16   { return uint16(v.num) }
func (v Value) Bool() bool       { return v.num != 0 }
func (v Value) Byte() byte       { return byte(v.num) }
func (v Value) Text() string     { return v.str }
func (v Value) RawBytes() []byte { return append([]byte(nil), v.raw...) }

func (v Value) String() string {
	switch v.kind {
	case KindInt32:
		return strconv.FormatInt(int64(v.num), 10)
	case KindUint16, KindByte:
		return strconv.FormatUint(uint64(uint32(v.num)), 10)
	case KindBool:
		return strconv.FormatBool(v.num != 0)
	case KindString:
		return strconv.Quote(v.str)
	case KindRaw:
		return fmt.Sprintf("% x", v.raw)
	}
	return "<invalid>"
}

// encodedText applies the escape expansion strings get on the wire.
func encodedText(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	s = strings.ReplaceAll(s, `\r`, "\r")
	return strings.ReplaceAll(s, `\n`, "\n")
}

// Size is the number of bytes v occupies once encoded.
func (v Value) Size() int {
	switch v.kind {
	case KindString:
		return 2 + len(encodedText(v.str))
	case KindRaw:
		return len(v.raw)
	}
	if w := v.kind.width(); w > 0 {
		return w
	}
	return 0
}

func (v Value) appendTo(buf []byte) ([]byte, error) {
	switch v.kind {
	case KindInt32:
		return append(buf, byte(v.num>>24), byte(v.num>>16), byte(v.num>>8), byte(v.num)), nil
	case KindUint16:
		return append(buf, byte(v.num>>8), byte(v.num)), nil
	case KindBool, KindByte:
		return append(buf, byte(v.num)), nil
	case KindString:
		text := encodedText(v.str)
		if len(text) > 0xFFFF {
			return buf, fmt.Errorf("%w: string of %d bytes", ErrValueTooLarge, len(text))
		}
		buf = append(buf, byte(len(text)>>8), byte(len(text)))
		return append(buf, text...), nil
	case KindRaw:
		return append(buf, v.raw...), nil
	}
	return buf, fmt.Errorf("%w: %s", ErrUnsupportedKind, v.kind)
}

// Encode concatenates the wire encodings of values in order.
func Encode(values ...Value) ([]byte, error) {
	size := 0
	for _, v := range values {
		size += v.Size()
	}
	buf := make([]byte, 0, size)
	var err error
	for _, v := range values {
		if buf, err = v.appendTo(buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}
