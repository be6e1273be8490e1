package dbus

import (
	"context"
	"errors"
	"os"

	"github.com/KillingSpark/rustbus/fragments"
)

// File is a file descriptor to be sent or received over the bus, for
// use with the typed [Marshaler]/[Unmarshaler] codec path. It
// marshals as an `h` value: an index into the owning message's FD
// array (see [contextPutFile]/[contextFile]).
type File struct {
	*os.File
}

func (f *File) SignatureDBus() Type { return Type{Kind: KindUnixFD} }

func (f *File) MarshalDBus(ctx context.Context, e *fragments.Encoder) error {
	if f.File == nil {
		return errors.New("cannot marshal File: File.File is nil")
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
		return errors.New("cannot unmarshal File: no file descriptor available at index")
	}
	f.File = file
	return nil
}
