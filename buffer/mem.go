package buffer

import "github.com/avrnet/stack/errs"

// Mem is a Buffer backed by a plain in-memory byte slice. It is used for
// assembled protocol headers, DNS query/response scratch space, and
// application-facing send/receive staging.
type Mem struct {
	data []byte
}

// NewMem allocates a zeroed Mem buffer of the given length.
func NewMem(length int) *Mem {
	return &Mem{data: make([]byte, length)}
}

// WrapMem returns a Mem buffer backed directly by data, with no copy.
func WrapMem(data []byte) *Mem {
	return &Mem{data: data}
}

func (m *Mem) Size() int { return len(m.data) }

func (m *Mem) Kind() Kind { return KindMem }

// Bytes returns the buffer's backing slice, for callers that need to hand
// the payload to something outside the Buffer abstraction (e.g. a link
// Device's Send).
func (m *Mem) Bytes() []byte { return m.data }

func (m *Mem) WriteAt(offset int, data []byte) error {
	if offset < 0 || offset+len(data) > len(m.data) {
		return errs.ErrBuffer
	}
	copy(m.data[offset:], data)
	return nil
}

func (m *Mem) ReadAt(offset int, data []byte) error {
	if offset < 0 || offset+len(data) > len(m.data) {
		return errs.ErrBuffer
	}
	copy(data, m.data[offset:offset+len(data)])
	return nil
}
