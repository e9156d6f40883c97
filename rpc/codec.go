package rpc

import (
	"encoding/binary"
	"fmt"

	"github.com/wippyai/capbridge/errors"
	capnp "zombiezen.com/go/capnproto2"
	rpccapnp "zombiezen.com/go/capnproto2/std/capnp/rpc"
)

// Every frame is one rpc.capnp Message in the standard Cap'n Proto stream
// framing: a segment count minus one, the size of each segment in words,
// padding to a word boundary and the segments themselves. Restore travels
// as a Bootstrap whose deprecatedObjectId is a text pointer naming the
// object; an empty name sends a plain Bootstrap.

// frameHeaderSize is the fixed part of a frame header: the segment count
// and the size of the first segment.
const frameHeaderSize = 8

// maxSegments bounds the segment table of an incoming frame.
const maxSegments = 512

// MessageType is the union tag of a protocol message. Its String form is
// the label used by logs and metrics.
type MessageType = rpccapnp.Message_Which

const (
	MsgUnimplemented = rpccapnp.Message_Which_unimplemented
	MsgAbort         = rpccapnp.Message_Which_abort
	MsgBootstrap     = rpccapnp.Message_Which_bootstrap
	MsgCall          = rpccapnp.Message_Which_call
	MsgReturn        = rpccapnp.Message_Which_return
	MsgFinish        = rpccapnp.Message_Which_finish
	MsgRelease       = rpccapnp.Message_Which_release
)

// descKind says where a capability in a payload lives, from the sender's
// point of view.
type descKind uint8

const (
	descNone descKind = iota
	// descSenderHosted is an export of the sender; the receiver imports it.
	descSenderHosted
	// descReceiverHosted is an export of the receiver it had sent earlier.
	descReceiverHosted
	// descReceiverAnswer is a capability in an answer the receiver owes.
	descReceiverAnswer
)

type capDescriptor struct {
	kind      descKind
	id        uint32
	transform []uint16
}

func (d capDescriptor) write(cd rpccapnp.CapDescriptor) error {
	switch d.kind {
	case descSenderHosted:
		cd.SetSenderHosted(d.id)
	case descReceiverHosted:
		cd.SetReceiverHosted(d.id)
	case descReceiverAnswer:
		pa, err := cd.NewReceiverAnswer()
		if err != nil {
			return err
		}
		pa.SetQuestionId(d.id)
		return writeTransform(pa, d.transform)
	default:
		cd.SetNone()
	}
	return nil
}

func readDescriptor(cd rpccapnp.CapDescriptor) (capDescriptor, error) {
	switch cd.Which() {
	case rpccapnp.CapDescriptor_Which_none:
		return capDescriptor{kind: descNone}, nil
	case rpccapnp.CapDescriptor_Which_senderHosted:
		return capDescriptor{kind: descSenderHosted, id: cd.SenderHosted()}, nil
	case rpccapnp.CapDescriptor_Which_receiverHosted:
		return capDescriptor{kind: descReceiverHosted, id: cd.ReceiverHosted()}, nil
	case rpccapnp.CapDescriptor_Which_receiverAnswer:
		pa, err := cd.ReceiverAnswer()
		if err != nil {
			return capDescriptor{}, malformed(err)
		}
		ops, err := readTransform(pa)
		if err != nil {
			return capDescriptor{}, err
		}
		return capDescriptor{kind: descReceiverAnswer, id: pa.QuestionId(), transform: ops}, nil
	default:
		return capDescriptor{}, errors.Protocol(fmt.Sprintf("unsupported capability descriptor %s", cd.Which()))
	}
}

type target struct {
	promised  bool
	id        uint32 // import id, or the question id when promised
	transform []uint16
}

func (t target) write(mt rpccapnp.MessageTarget) error {
	if !t.promised {
		mt.SetImportedCap(t.id)
		return nil
	}
	pa, err := mt.NewPromisedAnswer()
	if err != nil {
		return err
	}
	pa.SetQuestionId(t.id)
	return writeTransform(pa, t.transform)
}

func readTarget(mt rpccapnp.MessageTarget) (target, error) {
	switch mt.Which() {
	case rpccapnp.MessageTarget_Which_importedCap:
		return target{id: mt.ImportedCap()}, nil
	case rpccapnp.MessageTarget_Which_promisedAnswer:
		pa, err := mt.PromisedAnswer()
		if err != nil {
			return target{}, malformed(err)
		}
		ops, err := readTransform(pa)
		if err != nil {
			return target{}, err
		}
		return target{promised: true, id: pa.QuestionId(), transform: ops}, nil
	default:
		return target{}, errors.Protocol(fmt.Sprintf("unsupported message target %s", mt.Which()))
	}
}

func writeTransform(pa rpccapnp.PromisedAnswer, ops []uint16) error {
	if len(ops) == 0 {
		return nil
	}
	list, err := pa.NewTransform(int32(len(ops)))
	if err != nil {
		return err
	}
	for i, op := range ops {
		list.At(i).SetGetPointerField(op)
	}
	return nil
}

// readTransform returns the pointer indices of a transform. Noop steps
// are dropped.
func readTransform(pa rpccapnp.PromisedAnswer) ([]uint16, error) {
	list, err := pa.Transform()
	if err != nil {
		return nil, malformed(err)
	}
	var ops []uint16
	for i := 0; i < list.Len(); i++ {
		op := list.At(i)
		switch op.Which() {
		case rpccapnp.PromisedAnswer_Op_Which_noop:
		case rpccapnp.PromisedAnswer_Op_Which_getPointerField:
			ops = append(ops, op.GetPointerField())
		default:
			return nil, errors.Protocol(fmt.Sprintf("unsupported transform step %s", op.Which()))
		}
	}
	return ops, nil
}

type exception struct {
	reason        string
	nature        errors.Nature
	durability    errors.Durability
	unimplemented bool
}

func exceptionFrom(err error) *exception {
	e := errors.Describe(errors.PhaseRPC, err)
	return &exception{
		reason:        e.Message(),
		nature:        e.EffectiveNature(),
		durability:    e.EffectiveDurability(),
		unimplemented: e.Kind == errors.KindUnsupported,
	}
}

func (e *exception) toError() *errors.Error {
	return errors.Remote(e.reason, e.nature, e.durability)
}

// Exception.type carries the coarse classification. The obsolete
// isCallersFault and durability fields carry the nature and durability
// that type cannot express.
func (e *exception) write(x rpccapnp.Exception) error {
	if err := x.SetReason(e.reason); err != nil {
		return err
	}
	switch {
	case e.durability == errors.DurabilityOverloaded:
		x.SetType(rpccapnp.Exception_Type_overloaded)
	case e.nature == errors.NatureNetworkFailure:
		x.SetType(rpccapnp.Exception_Type_disconnected)
	case e.unimplemented:
		x.SetType(rpccapnp.Exception_Type_unimplemented)
	default:
		x.SetType(rpccapnp.Exception_Type_failed)
	}
	x.SetObsoleteIsCallersFault(e.nature == errors.NaturePrecondition)
	switch e.durability {
	case errors.DurabilityTemporary:
		x.SetObsoleteDurability(1)
	case errors.DurabilityOverloaded:
		x.SetObsoleteDurability(2)
	default:
		x.SetObsoleteDurability(0)
	}
	return nil
}

func readException(x rpccapnp.Exception) (*exception, error) {
	reason, err := x.Reason()
	if err != nil {
		return nil, malformed(err)
	}
	e := &exception{reason: reason, nature: errors.NatureOther, durability: errors.DurabilityPermanent}
	switch x.ObsoleteDurability() {
	case 1:
		e.durability = errors.DurabilityTemporary
	case 2:
		e.durability = errors.DurabilityOverloaded
	}
	switch x.Type() {
	case rpccapnp.Exception_Type_overloaded:
		e.durability = errors.DurabilityOverloaded
	case rpccapnp.Exception_Type_disconnected:
		e.nature = errors.NatureNetworkFailure
		e.durability = errors.DurabilityTemporary
	case rpccapnp.Exception_Type_unimplemented:
		e.nature = errors.NaturePrecondition
		e.unimplemented = true
	}
	if x.ObsoleteIsCallersFault() {
		e.nature = errors.NaturePrecondition
	}
	return e, nil
}

// encodeFrame builds one message and returns it framed for the stream.
func encodeFrame(build func(rpccapnp.Message) error) ([]byte, error) {
	msg, seg, err := capnp.NewMessage(capnp.SingleSegment(nil))
	if err != nil {
		return nil, errors.Wrap(errors.PhaseRPC, errors.KindInternal, err, "allocate message")
	}
	m, err := rpccapnp.NewRootMessage(seg)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseRPC, errors.KindInternal, err, "allocate message")
	}
	if err := build(m); err != nil {
		if _, ok := errors.As(err); ok {
			return nil, err
		}
		return nil, errors.Wrap(errors.PhaseRPC, errors.KindInternal, err, "encode message")
	}
	frame, err := msg.Marshal()
	if err != nil {
		return nil, errors.Wrap(errors.PhaseRPC, errors.KindInternal, err, "marshal message")
	}
	return frame, nil
}

// segmentTableSize returns how many header bytes follow the first eight,
// padding included, for a frame of count segments.
func segmentTableSize(count uint32) int {
	return int((4+4*uint64(count)+7)&^7) - frameHeaderSize
}

// frameWords sums the segment sizes of a frame header of count segments.
func frameWords(header []byte, count uint32) uint64 {
	var words uint64
	for i := uint32(0); i < count; i++ {
		words += uint64(binary.LittleEndian.Uint32(header[4+4*i:]))
	}
	return words
}

func malformed(err error) error {
	if _, ok := errors.As(err); ok {
		return err
	}
	return errors.New(errors.PhaseRPC, errors.KindProtocol).
		Cause(err).
		Detail("malformed message").
		Build()
}
