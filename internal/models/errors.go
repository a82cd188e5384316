package models

import "errors"

// ErrValidation marks input problems that must fail fast, before any outbound
// provider call. Handlers map it to 400 and it is never retried.
var ErrValidation = errors.New("validation failed")

// ErrInvalidCallback marks a provider callback that carries neither a tracking
// id nor a merchant reference.
var ErrInvalidCallback = errors.New("invalid callback payload")
