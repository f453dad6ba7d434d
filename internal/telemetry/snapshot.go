// Package telemetry defines the controller snapshot exchanged between the
// padlink client and server, and its JSON and CBOR encodings.
package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/exp/slices"
)

// ErrMalformed is returned when a body cannot be decoded as a snapshot.
var ErrMalformed = errors.New("malformed telemetry")

// Top-level snapshot keys.
const (
	KeyButtonStates = "button_states"
	KeyAxisValues   = "axis_values"
	KeyHatValues    = "hat_values"
)

// ButtonState is a pressed flag. It decodes from booleans and from the
// integers 0 and 1.
type ButtonState bool

func (b *ButtonState) UnmarshalJSON(data []byte) error {
	switch string(bytes.TrimSpace(data)) {
	case "true", "1":
		*b = true
	case "false", "0":
		*b = false
	default:
		return fmt.Errorf("button state must be a boolean or 0/1, got %s", data)
	}
	return nil
}

// Hat is a directional pad position, each component in {-1, 0, 1}.
type Hat [2]int

// Snapshot is one sample of controller state. Key names are not validated;
// any vocabulary passes through.
type Snapshot struct {
	ButtonStates map[string]ButtonState `json:"button_states" cbor:"button_states"`
	AxisValues   map[string]float64     `json:"axis_values" cbor:"axis_values"`
	HatValues    map[string]Hat         `json:"hat_values" cbor:"hat_values"`
}

// NewSnapshot returns a snapshot with empty, non-nil maps.
func NewSnapshot() Snapshot {
	return Snapshot{
		ButtonStates: map[string]ButtonState{},
		AxisValues:   map[string]float64{},
		HatValues:    map[string]Hat{},
	}
}

// normalize replaces nil maps so encodings carry {} rather than null.
func (s Snapshot) normalize() Snapshot {
	if s.ButtonStates == nil {
		s.ButtonStates = map[string]ButtonState{}
	}
	if s.AxisValues == nil {
		s.AxisValues = map[string]float64{}
	}
	if s.HatValues == nil {
		s.HatValues = map[string]Hat{}
	}
	return s
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	out := NewSnapshot()
	for k, v := range s.ButtonStates {
		out.ButtonStates[k] = v
	}
	for k, v := range s.AxisValues {
		out.AxisValues[k] = v
	}
	for k, v := range s.HatValues {
		out.HatValues[k] = v
	}
	return out
}

// Pressed returns the names of pressed buttons in sorted order.
func (s Snapshot) Pressed() []string {
	names := make([]string, 0, len(s.ButtonStates))
	for name, pressed := range s.ButtonStates {
		if pressed {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// Equal reports whether two snapshots carry the same values.
func (s Snapshot) Equal(other Snapshot) bool {
	a, b := s.normalize(), other.normalize()
	if len(a.ButtonStates) != len(b.ButtonStates) ||
		len(a.AxisValues) != len(b.AxisValues) ||
		len(a.HatValues) != len(b.HatValues) {
		return false
	}
	for k, v := range a.ButtonStates {
		if w, ok := b.ButtonStates[k]; !ok || w != v {
			return false
		}
	}
	for k, v := range a.AxisValues {
		if w, ok := b.AxisValues[k]; !ok || w != v {
			return false
		}
	}
	for k, v := range a.HatValues {
		if w, ok := b.HatValues[k]; !ok || w != v {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the snapshot with all three keys present.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	type plain Snapshot
	return json.Marshal(plain(s.normalize()))
}

// DecodeJSON parses a request body. The body must be a JSON object holding
// at least one of button_states, axis_values or hat_values, each with the
// expected value types. Other keys are ignored.
func DecodeJSON(data []byte) (Snapshot, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return Snapshot{}, fmt.Errorf("%w: body must be a JSON object", ErrMalformed)
	}

	snap := Snapshot{}
	found := false
	if raw, ok := fields[KeyButtonStates]; ok {
		found = true
		if err := json.Unmarshal(raw, &snap.ButtonStates); err != nil {
			return Snapshot{}, fieldError(KeyButtonStates, err)
		}
	}
	if raw, ok := fields[KeyAxisValues]; ok {
		found = true
		if err := json.Unmarshal(raw, &snap.AxisValues); err != nil {
			return Snapshot{}, fieldError(KeyAxisValues, err)
		}
	}
	if raw, ok := fields[KeyHatValues]; ok {
		found = true
		if err := json.Unmarshal(raw, &snap.HatValues); err != nil {
			return Snapshot{}, fieldError(KeyHatValues, err)
		}
	}
	if !found {
		return Snapshot{}, fmt.Errorf("%w: no controller fields present", ErrMalformed)
	}
	return snap.normalize(), nil
}

func fieldError(key string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrMalformed, key, err)
}
