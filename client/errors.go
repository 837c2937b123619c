package client

import "errors"

// ConfigurationError and InvariantViolation are the two error kinds
// that raise at construction or at the offending call and are never
// retried. They are distinct types from the lease package's types of
// the same names: New reports invalid configuration with this
// ConfigurationError, while a lease failure (such as an over-budget
// label from lease.Manager.Mint) surfaces as the lease package's type.
// No code path in this package returns InvariantViolation.
type ConfigurationError struct{ Msg string }

func (e *ConfigurationError) Error() string { return e.Msg }

type InvariantViolation struct{ Msg string }

func (e *InvariantViolation) Error() string { return e.Msg }

// ErrClosed is returned by any operation issued after Close.
var ErrClosed = errors.New("client: closed")
