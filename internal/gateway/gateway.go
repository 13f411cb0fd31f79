// Package gateway talks to the chat platform that hosts published posts.
//
// Every error returned by a Gateway matches exactly one of ErrNotFound,
// ErrForbidden, ErrRateLimited or ErrUnknown under errors.Is.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"deferbot/internal/modifier"
)

// MessageID identifies a message inside its destination.
type MessageID = int64

type Gateway interface {
	Send(ctx context.Context, dest, text string, buttons []modifier.Button) (MessageID, error)
	Edit(ctx context.Context, dest string, id MessageID, text string) error
	EditButtons(ctx context.Context, dest string, id MessageID, buttons []modifier.Button) error
	Delete(ctx context.Context, dest string, id MessageID) error
	Pin(ctx context.Context, dest string, id MessageID) error
	// Unpin with id 0 unpins the most recently pinned message.
	Unpin(ctx context.Context, dest string, id MessageID) error
	UnpinAll(ctx context.Context, dest string) error
	Forward(ctx context.Context, from, to string, id MessageID) (MessageID, error)
}

var (
	ErrNotFound    = errors.New("gateway: not found")
	ErrForbidden   = errors.New("gateway: forbidden")
	ErrRateLimited = errors.New("gateway: rate limited")
	ErrUnknown     = errors.New("gateway: unknown failure")
)

// Error is a classified gateway failure.
type Error struct {
	Op    string
	Class error
	// RetryAfter is set for ErrRateLimited when the platform says so.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Class, e.Err)
}

func (e *Error) Unwrap() []error { return []error{e.Class, e.Err} }

// Class returns the taxonomy sentinel for err, or nil for a nil error.
// Unclassified errors map to ErrUnknown.
func Class(err error) error {
	if err == nil {
		return nil
	}
	for _, c := range []error{ErrNotFound, ErrForbidden, ErrRateLimited, ErrUnknown} {
		if errors.Is(err, c) {
			return c
		}
	}
	return ErrUnknown
}

// ClassName is a short label for logs and metrics.
func ClassName(err error) string {
	switch Class(err) {
	case nil:
		return "ok"
	case ErrNotFound:
		return "not_found"
	case ErrForbidden:
		return "forbidden"
	case ErrRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}
