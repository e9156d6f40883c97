package dynamic

import (
	"strings"

	"github.com/wippyai/capbridge/errors"
	capnp "zombiezen.com/go/capnproto2"
)

const wordSize = 8

// Limits bound the work spent reading a message, which may come from an
// untrusted peer.
type Limits struct {
	// TraversalWords is the total number of words readers may visit.
	TraversalWords int
	// Depth is the deepest allowed nesting of structs and lists.
	Depth int
	// MaxListLength bounds the element count of a single list.
	MaxListLength int
	// MaxTextSize bounds a single text or data blob in bytes.
	MaxTextSize int
}

// DefaultTraversalLimit is 64 MiB worth of words.
const DefaultTraversalLimit = 8 << 20

var DefaultLimits = Limits{
	TraversalWords: DefaultTraversalLimit,
	Depth:          64,
	MaxListLength:  1 << 24,
	MaxTextSize:    64 << 20,
}

// Capability is an entry in a message's capability table. Retain returns a
// new reference that must be released separately.
type Capability interface {
	Retain() Capability
	Release()
}

// capClient holds one reference to a Capability in a capnp capability
// table. Closing it releases the reference.
type capClient struct {
	cap Capability
}

func (c *capClient) Call(*capnp.Call) capnp.Answer {
	return capnp.ErrorAnswer(errors.Unsupported(errors.PhaseRPC, "direct call through a capability table entry"))
}

func (c *capClient) Close() error {
	c.cap.Release()
	return nil
}

// TableEntry wraps c, without retaining it, for a capnp capability table.
// A nil c yields a nil entry.
func TableEntry(c Capability) capnp.Client {
	if c == nil {
		return nil
	}
	return &capClient{cap: c}
}

// FromTable returns the capability behind a table entry made by TableEntry,
// or nil for any other entry.
func FromTable(c capnp.Client) Capability {
	if cc, ok := c.(*capClient); ok {
		return cc.cap
	}
	return nil
}

// Message is the arena holding one struct tree. All builders and readers
// derived from it refer back to it and stay valid as long as it does.
type Message struct {
	msg     *capnp.Message
	root    capnp.Ptr
	wrapped bool
	limits  Limits
}

// NewMessage creates an empty single-segment message.
func NewMessage() *Message {
	msg, _, err := capnp.NewMessage(capnp.SingleSegment(nil))
	if err != nil {
		// A fresh single-segment arena always has room for the root pointer.
		panic(err)
	}
	m := &Message{msg: msg}
	m.SetLimits(DefaultLimits)
	return m
}

// Wrap returns a message whose root struct is the one root points to inside
// msg, as with the content of an RPC payload. The capability table is the
// one of msg, and releasing the returned message releases it.
func Wrap(msg *capnp.Message, root capnp.Ptr) *Message {
	m := &Message{msg: msg, root: root, wrapped: true}
	m.SetLimits(DefaultLimits)
	return m
}

// SetLimits replaces the read limits and resets the traversal budget.
func (m *Message) SetLimits(l Limits) {
	m.limits = l
	m.msg.ReadLimiter().Reset(uint64(l.TraversalWords) * wordSize)
	if !m.wrapped {
		// The root pointer is one level above the root struct.
		m.msg.DepthLimit = uint(l.Depth) + 2
	}
}

// Root returns the pointer to the root struct.
func (m *Message) Root() (capnp.Ptr, error) {
	if m.wrapped {
		return m.root, nil
	}
	p, err := m.msg.RootPtr()
	if err != nil {
		return capnp.Ptr{}, m.readErr(err)
	}
	return p, nil
}

func (m *Message) rootStruct() (capnp.Struct, error) {
	p, err := m.Root()
	if err != nil {
		return capnp.Struct{}, err
	}
	return m.readStruct(p)
}

func (m *Message) segment() (*capnp.Segment, error) {
	return m.msg.Segment(0)
}

// AddCap retains c and appends it to the capability table.
func (m *Message) AddCap(c Capability) uint32 {
	return uint32(m.msg.AddCap(TableEntry(c.Retain())))
}

// Cap returns the table entry at i without retaining it. Entries may be nil.
func (m *Message) Cap(i uint32) (Capability, bool) {
	if int64(i) >= int64(len(m.msg.CapTable)) {
		return nil, false
	}
	return FromTable(m.msg.CapTable[i]), true
}

// CapTable returns the capabilities in table order.
func (m *Message) CapTable() []Capability {
	caps := make([]Capability, len(m.msg.CapTable))
	for i, c := range m.msg.CapTable {
		caps[i] = FromTable(c)
	}
	return caps
}

// SetCapTable installs caps, taking ownership of the references.
func (m *Message) SetCapTable(caps []Capability) {
	table := make([]capnp.Client, len(caps))
	for i, c := range caps {
		table[i] = TableEntry(c)
	}
	m.msg.CapTable = table
}

// Release drops every reference held by the capability table.
func (m *Message) Release() {
	table := m.msg.CapTable
	m.msg.CapTable = nil
	for _, c := range table {
		if c != nil {
			_ = c.Close()
		}
	}
}

// Marshal encodes the message in the standard stream framing. A wrapped
// message is copied out of its container first.
func (m *Message) Marshal() ([]byte, error) {
	msg := m.msg
	if m.wrapped {
		out, _, err := capnp.NewMessage(capnp.SingleSegment(nil))
		if err != nil {
			return nil, errors.Wrap(errors.PhaseEncode, errors.KindInternal, err, "allocate message")
		}
		if err := out.SetRootPtr(m.root); err != nil {
			return nil, errors.Wrap(errors.PhaseEncode, errors.KindInvalidData, err, "copy root")
		}
		msg = out
	}
	data, err := msg.Marshal()
	if err != nil {
		return nil, errors.Wrap(errors.PhaseEncode, errors.KindInternal, err, "marshal message")
	}
	return data, nil
}

// Unmarshal parses a message in the standard stream framing, with any
// number of segments. The data is copied.
func Unmarshal(data []byte) (*Message, error) {
	msg, err := capnp.Unmarshal(append([]byte(nil), data...))
	if err != nil {
		return nil, errors.Wrap(errors.PhaseDecode, errors.KindInvalidData, err, "malformed message framing")
	}
	if _, err := msg.RootPtr(); err != nil {
		return nil, errors.Wrap(errors.PhaseDecode, errors.KindInvalidData, err, "malformed root pointer")
	}
	m := &Message{msg: msg}
	m.SetLimits(DefaultLimits)
	return m, nil
}

// readErr classifies a failure the arena reported while following a
// pointer.
func (m *Message) readErr(err error) error {
	if _, ok := errors.As(err); ok {
		return err
	}
	text := err.Error()
	switch {
	case strings.Contains(text, "traversal limit"):
		e := errors.Limit(errors.PhaseDecode, nil, "traversal words", m.limits.TraversalWords)
		e.Cause = err
		return e
	case strings.Contains(text, "depth limit"):
		e := errors.Limit(errors.PhaseDecode, nil, "nesting depth", m.limits.Depth)
		e.Cause = err
		return e
	}
	return errors.Wrap(errors.PhaseDecode, errors.KindInvalidData, err, "malformed pointer")
}

// readStruct interprets p as a struct pointer. A null pointer yields an
// empty struct that reads as all defaults.
func (m *Message) readStruct(p capnp.Ptr) (capnp.Struct, error) {
	if !p.IsValid() {
		return capnp.Struct{}, nil
	}
	st := p.Struct()
	if !st.IsValid() {
		return capnp.Struct{}, errors.InvalidData(errors.PhaseDecode, nil, "expected a struct pointer")
	}
	return st, nil
}

// readList interprets p as a list pointer and applies the length limit.
func (m *Message) readList(p capnp.Ptr) (capnp.List, error) {
	if !p.IsValid() {
		return capnp.List{}, nil
	}
	l := p.List()
	if !l.IsValid() {
		return capnp.List{}, errors.InvalidData(errors.PhaseDecode, nil, "expected a list pointer")
	}
	if l.Len() > m.limits.MaxListLength {
		return capnp.List{}, errors.Limit(errors.PhaseDecode, nil, "list length", m.limits.MaxListLength)
	}
	return l, nil
}

// readBlob reads a byte list. Text drops its trailing NUL.
func (m *Message) readBlob(p capnp.Ptr, text bool) ([]byte, error) {
	l, err := m.readList(p)
	if err != nil || l.Len() == 0 {
		return nil, err
	}
	if l.Len() > m.limits.MaxTextSize {
		return nil, errors.Limit(errors.PhaseDecode, nil, "blob size", m.limits.MaxTextSize)
	}
	b := p.Data()
	if b == nil {
		return nil, errors.InvalidData(errors.PhaseDecode, nil, "expected a byte list")
	}
	if text {
		if b[len(b)-1] != 0 {
			return nil, errors.InvalidData(errors.PhaseDecode, nil, "text is not NUL terminated")
		}
		b = b[:len(b)-1]
	}
	return b, nil
}

// readCap interprets p as a capability pointer. A null pointer yields nil.
func (m *Message) readCap(p capnp.Ptr) (Capability, error) {
	if !p.IsValid() {
		return nil, nil
	}
	iface := p.Interface()
	if !iface.IsValid() {
		return nil, errors.InvalidData(errors.PhaseDecode, nil, "expected a capability pointer")
	}
	c, ok := m.Cap(uint32(iface.Capability()))
	if !ok {
		return nil, errors.InvalidData(errors.PhaseDecode, nil, "capability index out of range")
	}
	return c, nil
}

// capPointer stores c in the table and returns a pointer referring to it.
func (m *Message) capPointer(seg *capnp.Segment, c Capability) capnp.Ptr {
	return capnp.NewInterface(seg, capnp.CapabilityID(m.AddCap(c))).ToPtr()
}

func structSize(dataWords, ptrs uint16) capnp.ObjectSize {
	return capnp.ObjectSize{DataSize: capnp.Size(dataWords) * wordSize, PointerCount: ptrs}
}
