package fragments

import (
	"encoding/binary"

	"golang.org/x/sys/cpu"
)

// A ByteOrder is a byte order usable in wire messages: it can encode
// and decode multi-byte values, and knows the wire flag byte that
// announces it in a message header.
type ByteOrder interface {
	stdOrder
	flagByte() byte
}

type stdOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

type order struct {
	stdOrder
}

func (o order) flagByte() byte {
	switch o.stdOrder {
	case binary.LittleEndian:
		return 'l'
	case binary.BigEndian:
		return 'B'
	case binary.NativeEndian:
		if cpu.IsBigEndian {
			return 'B'
		}
		return 'l'
	default:
		panic("unsupported binary.ByteOrder")
	}
}

var (
	LittleEndian ByteOrder = order{binary.LittleEndian}
	BigEndian    ByteOrder = order{binary.BigEndian}
	NativeEndian ByteOrder = order{binary.NativeEndian}
)
