package dbus

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"reflect"

	"github.com/busproto/dbus/fragments"
)

// msgType is the kind of a wire message.
type msgType byte

const (
	msgTypeCall msgType = iota + 1
	msgTypeReturn
	msgTypeError
	msgTypeSignal
)

func (t msgType) String() string {
	switch t {
	case msgTypeCall:
		return "call"
	case msgTypeReturn:
		return "return"
	case msgTypeError:
		return "error"
	case msgTypeSignal:
		return "signal"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Message flag bits.
const (
	flagNoReplyExpected = 0x1
	flagNoAutoStart     = 0x2
	flagAllowInteract   = 0x4
)

const protocolVersion = 1

// Header field keys, in a(yv) header order.
const (
	fieldPath        = 1
	fieldInterface   = 2
	fieldMember      = 3
	fieldErrName     = 4
	fieldReplySerial = 5
	fieldDestination = 6
	fieldSender      = 7
	fieldSignature   = 8
	fieldNumFDs      = 9
)

// header is a wire message header.
type header struct {
	// Order is the message's byte order, from its byte order mark.
	Order fragments.ByteOrder
	// Type is the message's kind.
	Type msgType
	// Flags is the message's flag byte.
	Flags byte
	// Version is the wire protocol version.
	Version uint8
	// Length is the length of the message body, not counting the
	// header or the padding between header and body.
	Length uint32
	// Serial is the sender-assigned serial for this message. It must
	// be non-zero.
	Serial uint32

	// Path is the target object for a call, or the source object for
	// a signal. Required for msgTypeCall and msgTypeSignal.
	Path ObjectPath
	// Interface is the interface to target for a call, or the source
	// interface for a signal. Required for msgTypeSignal, optional
	// for msgTypeCall.
	Interface string
	// Member is the method name for a call, or signal name for a
	// signal. Required for msgTypeCall and msgTypeSignal.
	Member string
	// ErrName is the name of the error that occurred. Required for
	// msgTypeError.
	ErrName string
	// ReplySerial is the serial of the call this message responds
	// to. Required for msgTypeReturn and msgTypeError.
	ReplySerial uint32
	// Destination is the intended recipient of the message. Optional
	// for signals, required for everything else on a routed bus.
	Destination string
	// Sender is the client ID of the message sender. The bus fills
	// this in itself, any sent value is ignored.
	Sender string
	// Signature is the type signature of the message body. Absent
	// when the body is empty.
	Signature Signature
	// NumFDs is the number of file descriptors attached to the
	// message. Absent when no descriptors are attached.
	NumFDs uint32

	// Unknown collects header fields this implementation does not
	// know about. They are preserved but otherwise ignored.
	Unknown map[uint8]Variant
}

// Valid checks that the header is valid for its message type.
func (h *header) Valid() error {
	if h.Serial == 0 {
		return fmt.Errorf("invalid message with zero Serial")
	}
	switch h.Type {
	case 0:
		return fmt.Errorf("invalid message with Type 0")
	case msgTypeCall:
		if h.Path == "" {
			return fmt.Errorf("missing required header field Path")
		}
		if h.Member == "" {
			return fmt.Errorf("missing required header field Member")
		}
	case msgTypeReturn:
		if h.ReplySerial == 0 {
			return fmt.Errorf("missing required header field ReplySerial")
		}
	case msgTypeError:
		if h.ReplySerial == 0 {
			return fmt.Errorf("missing required header field ReplySerial")
		}
		if h.ErrName == "" {
			return fmt.Errorf("missing required header field ErrName")
		}
	case msgTypeSignal:
		if h.Path == "" {
			return fmt.Errorf("missing required header field Path")
		}
		if h.Interface == "" {
			return fmt.Errorf("missing required header field Interface")
		}
		if h.Member == "" {
			return fmt.Errorf("missing required header field Member")
		}
	default:
		// Unknown message types pass through, the protocol requires
		// tolerating them.
	}
	return nil
}

// WantReply reports whether the message requires a response.
func (h *header) WantReply() bool {
	return h.Type == msgTypeCall && h.Flags&flagNoReplyExpected == 0
}

// CanInteract reports whether the caller is willing to wait for an
// interactive authorization prompt.
func (h *header) CanInteract() bool {
	return h.Type == msgTypeCall && h.Flags&flagAllowInteract != 0
}

// headerField appends one a(yv) header field.
func headerField(e *fragments.Encoder, key uint8, sig string, write func()) error {
	return e.Struct(func() error {
		e.Uint8(key)
		e.SignatureString(sig)
		write()
		return nil
	})
}

// encodeTo appends the header to e, including the trailing padding
// that precedes the message body. h.Length and h.Serial must already
// be set, and e.Order must match h.Order.
func (h *header) encodeTo(ctx context.Context, e *fragments.Encoder) error {
	e.ByteOrderFlag()
	e.Uint8(byte(h.Type))
	e.Uint8(h.Flags)
	e.Uint8(protocolVersion)
	e.Uint32(h.Length)
	e.Uint32(h.Serial)
	err := e.Array(true, func() error {
		if h.Path != "" {
			if err := headerField(e, fieldPath, "o", func() { e.String(string(h.Path)) }); err != nil {
				return err
			}
		}
		if h.Interface != "" {
			if err := headerField(e, fieldInterface, "s", func() { e.String(h.Interface) }); err != nil {
				return err
			}
		}
		if h.Member != "" {
			if err := headerField(e, fieldMember, "s", func() { e.String(h.Member) }); err != nil {
				return err
			}
		}
		if h.ErrName != "" {
			if err := headerField(e, fieldErrName, "s", func() { e.String(h.ErrName) }); err != nil {
				return err
			}
		}
		if h.ReplySerial != 0 {
			if err := headerField(e, fieldReplySerial, "u", func() { e.Uint32(h.ReplySerial) }); err != nil {
				return err
			}
		}
		if h.Destination != "" {
			if err := headerField(e, fieldDestination, "s", func() { e.String(h.Destination) }); err != nil {
				return err
			}
		}
		if h.Sender != "" {
			if err := headerField(e, fieldSender, "s", func() { e.String(h.Sender) }); err != nil {
				return err
			}
		}
		if !h.Signature.IsZero() {
			if err := headerField(e, fieldSignature, "g", func() { e.SignatureString(h.Signature.asMsgBody().String()) }); err != nil {
				return err
			}
		}
		if h.NumFDs != 0 {
			if err := headerField(e, fieldNumFDs, "u", func() { e.Uint32(h.NumFDs) }); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.Pad(8)
	return nil
}

// decodeFrom reads a header from d, including the trailing padding
// that precedes the message body. On return d.Order is set to the
// message's byte order.
func (h *header) decodeFrom(ctx context.Context, d *fragments.Decoder) error {
	if err := d.ByteOrderFlag(); err != nil {
		return err
	}
	h.Order = d.Order
	t, err := d.Uint8()
	if err != nil {
		return err
	}
	h.Type = msgType(t)
	if h.Flags, err = d.Uint8(); err != nil {
		return err
	}
	if h.Version, err = d.Uint8(); err != nil {
		return err
	}
	if h.Version != protocolVersion {
		return fmt.Errorf("unsupported protocol version %d", h.Version)
	}
	if h.Length, err = d.Uint32(); err != nil {
		return err
	}
	if h.Serial, err = d.Uint32(); err != nil {
		return err
	}
	_, err = d.Array(true, func(int) error {
		return d.Struct(func() error {
			key, err := d.Uint8()
			if err != nil {
				return err
			}
			var val Variant
			if err := val.UnmarshalDBus(ctx, d); err != nil {
				return fmt.Errorf("reading header field %d: %w", key, err)
			}
			return h.setField(key, val)
		})
	})
	if err != nil {
		return err
	}
	return d.Pad(8)
}

func (h *header) setField(key uint8, val Variant) error {
	var err error
	switch key {
	case fieldPath:
		err = val.Store(&h.Path)
	case fieldInterface:
		err = val.Store(&h.Interface)
	case fieldMember:
		err = val.Store(&h.Member)
	case fieldErrName:
		err = val.Store(&h.ErrName)
	case fieldReplySerial:
		err = val.Store(&h.ReplySerial)
	case fieldDestination:
		err = val.Store(&h.Destination)
	case fieldSender:
		err = val.Store(&h.Sender)
	case fieldSignature:
		err = val.Store(&h.Signature)
	case fieldNumFDs:
		err = val.Store(&h.NumFDs)
	default:
		if h.Unknown == nil {
			h.Unknown = map[uint8]Variant{}
		}
		h.Unknown[key] = val
		return nil
	}
	if err != nil {
		return fmt.Errorf("header field %d: %w", key, err)
	}
	return nil
}

// msg is a decoded incoming message: its header, its still-encoded
// body, and any attached files.
type msg struct {
	hdr   header
	body  []byte
	files []*os.File
}

// bodyDecoder returns a decoder positioned at the start of the
// message body. The body begins at an 8-aligned offset, so a fresh
// decoder's alignment arithmetic remains correct.
func (m *msg) bodyDecoder() *fragments.Decoder {
	return &fragments.Decoder{
		Order:  m.hdr.Order,
		Mapper: decoderFor,
		In:     bytes.NewReader(m.body),
	}
}

// decodeInto decodes the message body into dst, a non-nil pointer.
//
// The message's declared body signature must match dst's signature
// exactly, otherwise decodeInto fails with a [TypeMismatchError] and
// consumes nothing. A *any dst accepts any body and materializes it
// as the signature's natural Go shape, with multi-value bodies
// wrapped in an anonymous struct.
func (m *msg) decodeInto(ctx context.Context, dst any) error {
	ctx = withContextFiles(ctx, m.files)

	if p, ok := dst.(*any); ok {
		if m.hdr.Signature.IsZero() {
			*p = nil
			return nil
		}
		// Multi-value bodies already parse as an anonymous struct
		// type, single values as their natural type.
		inner := reflect.New(m.hdr.Signature.Type())
		if err := m.bodyDecoder().Value(ctx, inner.Interface()); err != nil {
			return err
		}
		*p = inner.Elem().Interface()
		return nil
	}

	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("message decode target must be a non-nil pointer, got %T", dst)
	}
	want, err := signatureFor(rv.Type().Elem(), nil)
	if err != nil {
		return err
	}
	if got, want := m.hdr.Signature.asMsgBody().String(), want.asMsgBody().String(); got != want {
		return TypeMismatchError{Want: want, Got: got}
	}
	return m.bodyDecoder().Value(ctx, dst)
}
