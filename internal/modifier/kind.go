package modifier

import (
	"fmt"
	"strings"
)

// Kind names one post-publication action. The set is closed: anything that
// is not listed in kinds is rejected by ParseKind.
type Kind string

const (
	Pin           Kind = "pin"
	Unpin         Kind = "unpin"
	Delete        Kind = "delete"
	Edit          Kind = "edit"
	Resend        Kind = "resend"
	UpdateButtons Kind = "update_buttons"
	ReplaceText   Kind = "replace_text"
	ForwardTo     Kind = "forward_to"
)

var kinds = []Kind{Pin, Unpin, Delete, Edit, Resend, UpdateButtons, ReplaceText, ForwardTo}

// Kinds returns every known kind in canonical order.
func Kinds() []Kind {
	out := make([]Kind, len(kinds))
	copy(out, kinds)
	return out
}

func (k Kind) Valid() bool {
	for _, x := range kinds {
		if x == k {
			return true
		}
	}
	return false
}

func (k Kind) String() string { return string(k) }

// ParseKind accepts the wire names case-insensitively.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, s)
	}
	return k, nil
}

func rank(k Kind) int {
	for i, x := range kinds {
		if x == k {
			return i
		}
	}
	return len(kinds)
}
