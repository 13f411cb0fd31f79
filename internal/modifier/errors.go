package modifier

import "errors"

// ErrInvalidPayload is returned when a requested modifier cannot be accepted.
// It is always reported before anything is sent or persisted.
var ErrInvalidPayload = errors.New("invalid modifier payload")
