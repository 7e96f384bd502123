package session

import (
	"strings"
	"unicode/utf8"
)

// utf8Stream decodes a byte stream that may split multi-byte runes across
// reads. Incomplete trailing bytes are held back until the next chunk.
type utf8Stream struct {
	carry []byte
}

func (d *utf8Stream) decode(p []byte) string {
	data := p
	if len(d.carry) > 0 {
		data = append(d.carry, p...)
		d.carry = nil
	}
	if cut := incompleteTail(data); cut > 0 {
		d.carry = append([]byte(nil), data[len(data)-cut:]...)
		data = data[:len(data)-cut]
	}
	return strings.ToValidUTF8(string(data), string(utf8.RuneError))
}

// flush returns whatever is still held back.
func (d *utf8Stream) flush() string {
	if len(d.carry) == 0 {
		return ""
	}
	s := strings.ToValidUTF8(string(d.carry), string(utf8.RuneError))
	d.carry = nil
	return s
}

// incompleteTail returns how many trailing bytes of b form the start of a
// rune that is not complete yet.
func incompleteTail(b []byte) int {
	for i := 1; i <= utf8.UTFMax-1 && i <= len(b); i++ {
		c := b[len(b)-i]
		if c < utf8.RuneSelf {
			return 0
		}
		if !utf8.RuneStart(c) {
			continue
		}
		var need int
		switch {
		case c&0xE0 == 0xC0:
			need = 2
		case c&0xF0 == 0xE0:
			need = 3
		case c&0xF8 == 0xF0:
			need = 4
		default:
			return 0
		}
		if need > i {
			return i
		}
		return 0
	}
	return 0
}
