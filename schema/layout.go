package schema

// layout assigns struct slots. Data slots are bump allocated and aligned to
// their own width; pointers are numbered sequentially. Groups and their
// unions share the layout of the enclosing struct. Union members get
// separate slots rather than overlapping.
type layout struct {
	bits     uint32
	pointers uint32
}

// data allocates a slot of width bits and returns its offset in units of
// width.
func (l *layout) data(width uint32) uint32 {
	off := (l.bits + width - 1) / width
	l.bits = (off + 1) * width
	return off
}

func (l *layout) pointer() uint32 {
	p := l.pointers
	l.pointers++
	return p
}

func (l *layout) dataWords() uint16 {
	return uint16((l.bits + 63) / 64)
}

func (l *layout) pointerCount() uint16 {
	return uint16(l.pointers)
}

// place assigns the slot for a field of type t.
func (l *layout) place(t Type) uint32 {
	if IsPointer(t) {
		return l.pointer()
	}
	if bits := DataBits(t); bits > 0 {
		return l.data(bits)
	}
	return 0
}
