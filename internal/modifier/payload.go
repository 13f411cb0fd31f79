package modifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Payload is the per-kind configuration captured at publish time.
//
// Delay is in whole minutes. Text is the replacement for replace_text,
// Target the destination for forward_to.
type Payload struct {
	Delay  int    `json:"delay"`
	Text   string `json:"text,omitempty"`
	Target string `json:"target,omitempty"`
}

// After returns the delay as a duration.
func (p Payload) After() time.Duration { return time.Duration(p.Delay) * time.Minute }

// MarshalJSON emits a bare number when only a delay is set.
func (p Payload) MarshalJSON() ([]byte, error) {
	if p.Text == "" && p.Target == "" {
		return []byte(strconv.Itoa(p.Delay)), nil
	}
	type plain Payload
	return json.Marshal(plain(p))
}

// UnmarshalJSON accepts 10, "10" or {"delay":10,"text":"...","target":"..."}.
func (p *Payload) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '{' {
		var raw struct {
			Delay  json.RawMessage `json:"delay"`
			Text   string          `json:"text"`
			Target string          `json:"target"`
		}
		if err := json.Unmarshal(b, &raw); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		d := 0
		if len(raw.Delay) > 0 {
			v, err := parseDelay(raw.Delay)
			if err != nil {
				return err
			}
			d = v
		}
		*p = Payload{Delay: d, Text: raw.Text, Target: strings.TrimSpace(raw.Target)}
		return nil
	}
	d, err := parseDelay(b)
	if err != nil {
		return err
	}
	*p = Payload{Delay: d}
	return nil
}

func parseDelay(raw json.RawMessage) (int, error) {
	s := strings.TrimSpace(string(raw))
	if s == "null" {
		return 0, nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return 0, fmt.Errorf("%w: delay %s", ErrInvalidPayload, s)
		}
		s = strings.TrimSpace(str)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: delay %q is not a number", ErrInvalidPayload, s)
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("%w: delay %q is not a whole number of minutes", ErrInvalidPayload, s)
	}
	if f < 0 {
		return 0, fmt.Errorf("%w: delay %q is negative", ErrInvalidPayload, s)
	}
	if f > math.MaxInt32 {
		return 0, fmt.Errorf("%w: delay %q is too large", ErrInvalidPayload, s)
	}
	return int(f), nil
}

// Set maps each requested kind to its payload.
type Set map[Kind]Payload

// Validate checks every entry; the first problem wins.
func (s Set) Validate() error {
	for _, k := range s.Kinds() {
		if err := validate(k, s[k]); err != nil {
			return err
		}
	}
	// Kinds() skips unknown keys, catch them here.
	for k := range s {
		if !k.Valid() {
			return fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, string(k))
		}
	}
	return nil
}

func validate(k Kind, p Payload) error {
	if p.Delay < 0 {
		return fmt.Errorf("%w: %s: delay %d is negative", ErrInvalidPayload, k, p.Delay)
	}
	switch k {
	case ReplaceText:
		if strings.TrimSpace(p.Text) == "" {
			return fmt.Errorf("%w: %s: replacement text is required", ErrInvalidPayload, k)
		}
	case ForwardTo:
		if strings.TrimSpace(p.Target) == "" {
			return fmt.Errorf("%w: %s: target destination is required", ErrInvalidPayload, k)
		}
	}
	return nil
}

// Kinds returns the known kinds present in s in canonical order.
func (s Set) Kinds() []Kind {
	out := make([]Kind, 0, len(s))
	for k := range s {
		if k.Valid() {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return rank(out[i]) < rank(out[j]) })
	return out
}

func (s *Set) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	out := make(Set, len(raw))
	for name, v := range raw {
		k, err := ParseKind(name)
		if err != nil {
			return err
		}
		var p Payload
		if err := json.Unmarshal(v, &p); err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
		out[k] = p
	}
	*s = out
	return nil
}

// ParseSet decodes and validates a JSON object of requested modifiers.
func ParseSet(b []byte) (Set, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return Set{}, nil
	}
	var s Set
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}
