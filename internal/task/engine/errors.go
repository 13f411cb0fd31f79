package engine

import "errors"

var (
	ErrDisabled   = errors.New("task engine disabled")
	ErrNotRunning = errors.New("task engine not running")
	ErrStopping   = errors.New("task engine stopping")
)
