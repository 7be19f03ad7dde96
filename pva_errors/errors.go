// Provides common pva client errors definitions.
package pva_errors

import "errors"

var (
	ErrNilContext    = errors.New("pva: nil context")
	ErrContextClosed = errors.New("pva: context closed")

	ErrPutNeedsValue    = errors.New("pva: put() needs either a .Build() or at least one .Set()")
	ErrRPCArgConflict   = errors.New("pva: rpc() with argument and builder .Arg() are mutually exclusive")
	ErrCallbackRequired = errors.New("pva: callback required")
	ErrDuplicateField   = errors.New("pva: can't assign a second value to a field")
	ErrNoWaiter         = errors.New("pva: operation has a custom result callback, nothing to wait for")
	ErrInterrupted      = errors.New("pva: operation interrupted")
)
