package errors

import stderrors "errors"

// NatureOf returns the nature of err, looking through wrapping.
// Plain errors are classified as other.
func NatureOf(err error) Nature {
	var e *Error
	if stderrors.As(err, &e) {
		return e.EffectiveNature()
	}
	return NatureOther
}

// DurabilityOf returns the durability of err, looking through wrapping.
func DurabilityOf(err error) Durability {
	var e *Error
	if stderrors.As(err, &e) {
		return e.EffectiveDurability()
	}
	return DurabilityPermanent
}

// As is a shortcut for extracting the structured error from a chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := stderrors.As(err, &e)
	return e, ok
}

// Describe converts any error into a structured one.
// Errors that are already structured are returned unchanged.
func Describe(phase Phase, err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := As(err); ok {
		return e
	}
	return &Error{
		Phase:  phase,
		Kind:   KindInternal,
		Nature: NatureOther,
		Detail: err.Error(),
		Cause:  err,
	}
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}
