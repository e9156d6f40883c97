// Package errors provides structured error types for capbridge.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// Each error also carries a Nature (who is at fault) and a Durability (whether a retry
// can help); both default from the Kind when not set explicitly. Remote exceptions keep
// the classification the peer sent.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseEncode, errors.KindTypeMismatch).
//		Path("user", "age").
//		HostType("string").
//		SchemaType("UInt32").
//		Detail("cannot convert string to integer").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.TypeMismatch(errors.PhaseEncode, path, "string", "UInt32")
//	err := errors.Canceled()
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
