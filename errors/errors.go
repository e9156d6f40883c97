package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseSchema  Phase = "schema"  // schema loading and lookup
	PhaseEncode  Phase = "encode"  // host value to wire
	PhaseDecode  Phase = "decode"  // wire to host value
	PhaseRPC     Phase = "rpc"     // capability calls and connections
	PhaseIO      Phase = "io"      // descriptor streams
	PhaseReactor Phase = "reactor" // event loop and futures
	PhaseHost    Phase = "host"    // boundary adapter
	PhaseConfig  Phase = "config"  // configuration loading
)

// Kind categorizes the error
type Kind string

const (
	KindTypeMismatch Kind = "type_mismatch"
	KindOutOfBounds  Kind = "out_of_bounds"
	KindInvalidData  Kind = "invalid_data"
	KindUnsupported  Kind = "unsupported"
	KindFieldUnknown Kind = "field_unknown"
	KindOverflow     Kind = "overflow"
	KindInvalidEnum  Kind = "invalid_enum"
	KindNotFound     Kind = "not_found"
	KindInvalidInput Kind = "invalid_input"
	KindInvalidState Kind = "invalid_state"
	KindLimit        Kind = "limit_exceeded"
	KindSyscall      Kind = "syscall"
	KindProtocol     Kind = "protocol"
	KindDisconnected Kind = "disconnected"
	KindCanceled     Kind = "canceled"
	KindClosed       Kind = "closed"
	KindRemote       Kind = "remote"
	KindInternal     Kind = "internal"
)

// Nature classifies who is at fault.
type Nature string

const (
	NaturePrecondition   Nature = "precondition"
	NatureLocalBug       Nature = "localBug"
	NatureOSError        Nature = "osError"
	NatureNetworkFailure Nature = "networkFailure"
	NatureOther          Nature = "other"
)

// Durability tells callers whether retrying can help.
type Durability string

const (
	DurabilityPermanent  Durability = "permanent"
	DurabilityTemporary  Durability = "temporary"
	DurabilityOverloaded Durability = "overloaded"
)

// Fixed messages surfaced to hosts verbatim.
const (
	MsgCanceled     = "Request canceled by caller."
	MsgClosed       = "Capability has been closed."
	MsgPrematureEOF = "Premature EOF"
)

// Error is the structured error type used throughout the module
type Error struct {
	Value      any
	Cause      error
	Phase      Phase
	Kind       Kind
	Nature     Nature
	Durability Durability
	HostType   string
	SchemaType string
	Detail     string
	Path       []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.HostType != "" || e.SchemaType != "" {
		b.WriteString(": ")
		if e.HostType != "" && e.SchemaType != "" {
			b.WriteString("host type ")
			b.WriteString(e.HostType)
			b.WriteString(", schema type ")
			b.WriteString(e.SchemaType)
		} else if e.HostType != "" {
			b.WriteString("host type ")
			b.WriteString(e.HostType)
		} else {
			b.WriteString("schema type ")
			b.WriteString(e.SchemaType)
		}
	}

	if e.Detail != "" {
		if e.HostType != "" || e.SchemaType != "" {
			b.WriteString(" - ")
		} else {
			b.WriteString(": ")
		}
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Message returns the detail text alone, which is what hosts display.
func (e *Error) Message() string {
	if e.Detail != "" {
		return e.Detail
	}
	return e.Error()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// EffectiveNature returns the explicit nature or the default for the kind.
func (e *Error) EffectiveNature() Nature {
	if e.Nature != "" {
		return e.Nature
	}
	return defaultNature(e.Kind)
}

// EffectiveDurability returns the explicit durability or the default for the kind.
func (e *Error) EffectiveDurability() Durability {
	if e.Durability != "" {
		return e.Durability
	}
	if e.Kind == KindDisconnected {
		return DurabilityTemporary
	}
	return DurabilityPermanent
}

func defaultNature(k Kind) Nature {
	switch k {
	case KindTypeMismatch, KindFieldUnknown, KindInvalidEnum, KindInvalidInput,
		KindInvalidState, KindUnsupported, KindNotFound, KindOverflow:
		return NaturePrecondition
	case KindSyscall:
		return NatureOSError
	case KindDisconnected, KindProtocol:
		return NatureNetworkFailure
	case KindInternal:
		return NatureLocalBug
	default:
		return NatureOther
	}
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the field path
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// HostType sets the host value type name
func (b *Builder) HostType(t string) *Builder {
	b.err.HostType = t
	return b
}

// SchemaType sets the schema type name
func (b *Builder) SchemaType(t string) *Builder {
	b.err.SchemaType = t
	return b
}

// Nature sets the fault classification
func (b *Builder) Nature(n Nature) *Builder {
	b.err.Nature = n
	return b
}

// Durability sets the retry classification
func (b *Builder) Durability(d Durability) *Builder {
	b.err.Durability = d
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// TypeMismatch creates a type mismatch error
func TypeMismatch(phase Phase, path []string, hostType, schemaType string) *Error {
	return &Error{
		Phase:      phase,
		Kind:       KindTypeMismatch,
		Path:       path,
		HostType:   hostType,
		SchemaType: schemaType,
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// OutOfBounds creates an out of bounds error
func OutOfBounds(phase Phase, path []string, index, length int) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Path:   path,
		Detail: fmt.Sprintf("index %d out of bounds (length %d)", index, length),
		Value:  index,
	}
}

// Overflow creates an overflow error
func Overflow(phase Phase, path []string, value any, targetType string) *Error {
	return &Error{
		Phase:      phase,
		Kind:       KindOverflow,
		Path:       path,
		SchemaType: targetType,
		Detail:     fmt.Sprintf("value %v overflows %s", value, targetType),
		Value:      value,
	}
}

// FieldUnknown creates an unknown field error
func FieldUnknown(phase Phase, path []string, fieldName string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindFieldUnknown,
		Path:   path,
		Detail: fmt.Sprintf("No field named: %s", fieldName),
	}
}

// InvalidEnum creates an invalid enum value error
func InvalidEnum(phase Phase, path []string, value any, enumType string) *Error {
	return &Error{
		Phase:      phase,
		Kind:       KindInvalidEnum,
		Path:       path,
		SchemaType: enumType,
		Detail:     fmt.Sprintf("invalid enum value %v for %s", value, enumType),
		Value:      value,
	}
}

// InvalidData creates an invalid data error
func InvalidData(phase Phase, path []string, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidData,
		Path:   path,
		Detail: detail,
	}
}

// Limit creates a safety limit error
func Limit(phase Phase, path []string, what string, limit int) *Error {
	return &Error{
		Phase:      phase,
		Kind:       KindLimit,
		Path:       path,
		Detail:     fmt.Sprintf("%s exceeds limit %d", what, limit),
		Value:      limit,
		Durability: DurabilityPermanent,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// InvalidState creates a precondition error for an operation issued at the wrong time
func InvalidState(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidState,
		Detail: detail,
	}
}

// Internal creates a local bug error
func Internal(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInternal,
		Detail: detail,
	}
}

// Protocol creates a protocol violation error
func Protocol(detail string) *Error {
	return &Error{
		Phase:  PhaseRPC,
		Kind:   KindProtocol,
		Detail: detail,
	}
}

// Canceled creates the error delivered when a caller cancels a pending call
func Canceled() *Error {
	return &Error{
		Phase:      PhaseRPC,
		Kind:       KindCanceled,
		Nature:     NatureOther,
		Durability: DurabilityPermanent,
		Detail:     MsgCanceled,
	}
}

// Closed creates the error returned by a client after it was closed
func Closed() *Error {
	return &Error{
		Phase:      PhaseRPC,
		Kind:       KindClosed,
		Nature:     NaturePrecondition,
		Durability: DurabilityPermanent,
		Detail:     MsgClosed,
	}
}

// Disconnected creates the error used for everything pending on a lost connection
func Disconnected(cause error) *Error {
	return &Error{
		Phase:      PhaseRPC,
		Kind:       KindDisconnected,
		Nature:     NatureNetworkFailure,
		Durability: DurabilityTemporary,
		Detail:     "connection lost",
		Cause:      cause,
	}
}

// Remote creates an error received from the peer, keeping its classification
func Remote(reason string, nature Nature, durability Durability) *Error {
	if nature == "" {
		nature = NatureOther
	}
	if durability == "" {
		durability = DurabilityPermanent
	}
	return &Error{
		Phase:      PhaseRPC,
		Kind:       KindRemote,
		Nature:     nature,
		Durability: durability,
		Detail:     reason,
	}
}

// PrematureEOF creates the error for a stream that ended inside a required read
func PrematureEOF(want, got int) *Error {
	return &Error{
		Phase:  PhaseIO,
		Kind:   KindInvalidData,
		Nature: NatureNetworkFailure,
		Detail: MsgPrematureEOF,
		Value:  fmt.Sprintf("%d/%d", got, want),
	}
}

// Sentinels for errors.Is matching.
var (
	ErrCanceled     = &Error{Phase: PhaseRPC, Kind: KindCanceled}
	ErrClosed       = &Error{Phase: PhaseRPC, Kind: KindClosed}
	ErrDisconnected = &Error{Phase: PhaseRPC, Kind: KindDisconnected}
	ErrRemote       = &Error{Phase: PhaseRPC, Kind: KindRemote}
)
