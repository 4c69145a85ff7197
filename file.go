package dbus

import (
	"context"
	"errors"
	"os"
	"reflect"

	"github.com/busproto/dbus/fragments"
)

// File is an open file sent or received over the bus.
//
// On the wire a file is a uint32 index into the message's attached
// file descriptor table; the descriptors themselves travel as socket
// ancillary data. A received File is owned by the receiver, which is
// responsible for closing it.
type File struct {
	*os.File
}

var fileSignature = mkSignature(reflect.TypeFor[File](), "h")

func (f File) SignatureDBus() Signature { return fileSignature }
func (f File) IsDBusStruct() bool       { return false }

func (f File) MarshalDBus(ctx context.Context, e *fragments.Encoder) error {
	if f.File == nil {
		return errors.New("cannot marshal File with nil *os.File")
	}
	idx, err := contextPutFile(ctx, f.File)
	if err != nil {
		return err
	}
	e.Uint32(idx)
	return nil
}

func (f *File) UnmarshalDBus(ctx context.Context, d *fragments.Decoder) error {
	idx, err := d.Uint32()
	if err != nil {
		return err
	}
	file := contextFile(ctx, idx)
	if file == nil {
		return errors.New("message references file descriptor that was not attached")
	}
	f.File = file
	return nil
}
