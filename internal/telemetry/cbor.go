package telemetry

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Content types accepted on the ingestion endpoint.
const (
	ContentTypeJSON = "application/json"
	ContentTypeCBOR = "application/cbor"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("telemetry: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("telemetry: CBOR decoder initialization failed: " + err.Error())
	}
}

func (b *ButtonState) UnmarshalCBOR(data []byte) error {
	var v any
	if err := decMode.Unmarshal(data, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case bool:
		*b = ButtonState(x)
	case uint64:
		if x > 1 {
			return fmt.Errorf("button state must be a boolean or 0/1, got %d", x)
		}
		*b = x == 1
	default:
		return fmt.Errorf("button state must be a boolean or 0/1, got %T", v)
	}
	return nil
}

// MarshalCBOR encodes the snapshot deterministically with all three keys.
func (s Snapshot) MarshalCBOR() ([]byte, error) {
	type plain Snapshot
	return encMode.Marshal(plain(s.normalize()))
}

// DecodeCBOR is the CBOR counterpart of DecodeJSON.
func DecodeCBOR(data []byte) (Snapshot, error) {
	var fields map[string]cbor.RawMessage
	if err := decMode.Unmarshal(data, &fields); err != nil || fields == nil {
		return Snapshot{}, fmt.Errorf("%w: body must be a CBOR map", ErrMalformed)
	}

	snap := Snapshot{}
	found := false
	if raw, ok := fields[KeyButtonStates]; ok {
		found = true
		if err := decMode.Unmarshal(raw, &snap.ButtonStates); err != nil {
			return Snapshot{}, fieldError(KeyButtonStates, err)
		}
	}
	if raw, ok := fields[KeyAxisValues]; ok {
		found = true
		if err := decMode.Unmarshal(raw, &snap.AxisValues); err != nil {
			return Snapshot{}, fieldError(KeyAxisValues, err)
		}
	}
	if raw, ok := fields[KeyHatValues]; ok {
		found = true
		if err := decMode.Unmarshal(raw, &snap.HatValues); err != nil {
			return Snapshot{}, fieldError(KeyHatValues, err)
		}
	}
	if !found {
		return Snapshot{}, fmt.Errorf("%w: no controller fields present", ErrMalformed)
	}
	return snap.normalize(), nil
}

// Encode serializes a snapshot for the given content type.
func Encode(contentType string, s Snapshot) ([]byte, error) {
	switch contentType {
	case ContentTypeCBOR:
		return s.MarshalCBOR()
	case ContentTypeJSON, "":
		return s.MarshalJSON()
	default:
		return nil, fmt.Errorf("telemetry: unsupported content type %q", contentType)
	}
}

// Decode parses a body of the given content type. Anything other than CBOR
// is treated as JSON.
func Decode(contentType string, data []byte) (Snapshot, error) {
	if contentType == ContentTypeCBOR {
		return DecodeCBOR(data)
	}
	return DecodeJSON(data)
}
