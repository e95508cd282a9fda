package protocol

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// maxEscape is the highest byte rendered as a bracketed token.
const maxEscape = 13

// FormatText renders data one byte per character, with bytes 0..13 written
// as "[n]".
func FormatText(data []byte) string {
	var sb strings.Builder
	sb.Grow(len(data))
	for _, b := range data {
		if b <= maxEscape {
			sb.WriteByte('[')
			sb.WriteString(strconv.Itoa(int(b)))
			sb.WriteByte(']')
			continue
		}
		sb.WriteRune(rune(b))
	}
	return sb.String()
}

// unescape turns "[n]" tokens (n in 0..13) back into the runes they stand for.
func unescape(text []rune) []rune {
	out := make([]rune, 0, len(text))
	for i := 0; i < len(text); i++ {
		if text[i] == '[' {
			if n, width, ok := escapeToken(text[i+1:]); ok {
				out = append(out, rune(n))
				i += width
				continue
			}
		}
		out = append(out, text[i])
	}
	return out
}

func escapeToken(text []rune) (int, int, bool) {
	for digits := 1; digits <= 2 && digits < len(text); digits++ {
		if text[digits] != ']' {
			continue
		}
		n := 0
		for _, c := range text[:digits] {
			if c < '0' || c > '9' {
				return 0, 0, false
			}
			n = n*10 + int(c-'0')
		}
		if n > maxEscape || (digits == 2 && text[0] == '0') {
			return 0, 0, false
		}
		return n, digits + 1, true
	}
	return 0, 0, false
}

// ParseTemplate converts template text back into bytes. It reverses
// FormatText and expands placeholders:
//
//	{s:text} string   {i:n} int32   {u:n} uint16   {b:true|false|0..255} bool or byte
//
// A leading {l} prefixes the result with its own 4-byte length. Characters
// above U+00FF outside placeholders are written as UTF-8.
func ParseTemplate(text string) ([]byte, error) {
	runes := unescape([]rune(text))

	writeLength := false
	if len(runes) >= 3 && string(runes[:3]) == "{l}" {
		writeLength = true
		runes = runes[3:]
	}

	out := make([]byte, 0, len(runes))
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != '{' || i+2 >= len(runes) || runes[i+2] != ':' || !isTagRune(runes[i+1]) {
			out = appendLiteral(out, r)
			continue
		}

		end := -1
		for j := i + 3; j < len(runes); j++ {
			if runes[j] == '}' {
				end = j
				break
			}
		}
		if end < 0 {
			return nil, fmt.Errorf("%w: unterminated placeholder at %d", ErrTemplate, i)
		}
		if end == i+3 {
			// an empty value is not a placeholder
			out = appendLiteral(out, r)
			continue
		}

		v, err := placeholderValue(runes[i+1], string(runes[i+3:end]))
		if err != nil {
			return nil, err
		}
		if out, err = v.appendTo(out); err != nil {
			return nil, err
		}
		i = end
	}

	if writeLength {
		prefixed := make([]byte, 4, 4+len(out))
		binary.BigEndian.PutUint32(prefixed, uint32(len(out)))
		out = append(prefixed, out...)
	}
	return out, nil
}

// ParseText builds a message from template text.
func ParseText(text string, dest Destination) (*Message, error) {
	data, err := ParseTemplate(text)
	if err != nil {
		return nil, err
	}
	return Parse(data, dest)
}

func isTagRune(r rune) bool {
	return r >= 'a' && r <= 'z'
}

func appendLiteral(out []byte, r rune) []byte {
	if r <= 0xFF {
		return append(out, byte(r))
	}
	return utf8.AppendRune(out, r)
}

func placeholderValue(tag rune, value string) (Value, error) {
	switch tag {
	case 's':
		return String(value), nil
	case 'i':
		n, err := strconv.ParseInt(value, 10, 32)
		if err != nil {
			return Value{}, fmt.Errorf("%w: int32 %q: %v", ErrTemplate, value, err)
		}
		return Int32(int32(n)), nil
	case 'u':
		n, err := strconv.ParseUint(value, 10, 16)
		if err != nil {
			return Value{}, fmt.Errorf("%w: uint16 %q: %v", ErrTemplate, value, err)
		}
		return Uint16(uint16(n)), nil
	case 'b':
		if b, err := strconv.ParseBool(value); err == nil && len(value) > 1 {
			return Bool(b), nil
		}
		n, err := strconv.ParseUint(value, 10, 8)
		if err != nil {
			return Value{}, fmt.Errorf("%w: byte or bool %q: %v", ErrTemplate, value, err)
		}
		return Byte(byte(n)), nil
	}
	return Value{}, fmt.Errorf("%w: unknown tag %q", ErrTemplate, tag)
}
