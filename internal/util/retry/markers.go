package retry

import "errors"

// FatalError marks a programming bug or a violated invariant. The engine
// logs it loudly and keeps the key in backoff rotation.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal marks err as fatal. A nil err stays nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether any error in err's chain was marked with Fatal.
func IsFatal(err error) bool {
	var target *FatalError
	return errors.As(err, &target)
}

// TerminalError marks a failure that retrying the same input cannot fix,
// such as a malformed object or a rejected request.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string { return e.Err.Error() }
func (e *TerminalError) Unwrap() error { return e.Err }

// Terminal marks err as terminal. A nil err stays nil.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Err: err}
}

// IsTerminal reports whether any error in err's chain was marked with Terminal.
func IsTerminal(err error) bool {
	var target *TerminalError
	return errors.As(err, &target)
}
