package telemetry

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    Snapshot
		wantErr bool
	}{
		{
			name: "full snapshot",
			body: `{"button_states":{"cross":true,"circle":false},"axis_values":{"left_stick_x":0.5},"hat_values":{"hat_0":[0,1]}}`,
			want: Snapshot{
				ButtonStates: map[string]ButtonState{"cross": true, "circle": false},
				AxisValues:   map[string]float64{"left_stick_x": 0.5},
				HatValues:    map[string]Hat{"hat_0": {0, 1}},
			},
		},
		{
			name: "integer buttons",
			body: `{"button_states":{"cross":1,"square":0}}`,
			want: Snapshot{
				ButtonStates: map[string]ButtonState{"cross": true, "square": false},
				AxisValues:   map[string]float64{},
				HatValues:    map[string]Hat{},
			},
		},
		{
			name: "unknown key names pass through",
			body: `{"axis_values":{"axis_9":-1},"extra":"ignored"}`,
			want: Snapshot{
				ButtonStates: map[string]ButtonState{},
				AxisValues:   map[string]float64{"axis_9": -1},
				HatValues:    map[string]Hat{},
			},
		},
		{
			name: "null field is empty",
			body: `{"hat_values":null}`,
			want: NewSnapshot(),
		},
		{name: "not json", body: `not json`, wantErr: true},
		{name: "json array", body: `[1,2,3]`, wantErr: true},
		{name: "json null", body: `null`, wantErr: true},
		{name: "empty object", body: `{}`, wantErr: true},
		{name: "no controller keys", body: `{"foo":{}}`, wantErr: true},
		{name: "button out of range", body: `{"button_states":{"cross":2}}`, wantErr: true},
		{name: "axis as string", body: `{"axis_values":{"l2":"high"}}`, wantErr: true},
		{name: "hat as object", body: `{"hat_values":{"hat_0":{"x":1}}}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeJSON([]byte(tt.body))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMarshalJSONAlwaysCarriesAllKeys(t *testing.T) {
	data, err := json.Marshal(Snapshot{AxisValues: map[string]float64{"r2": 1}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"button_states":{},"axis_values":{"r2":1},"hat_values":{}}`, string(data))
}

func TestCBORRoundTrip(t *testing.T) {
	snap := Snapshot{
		ButtonStates: map[string]ButtonState{"triangle": true, "l1": false},
		AxisValues:   map[string]float64{"right_stick_y": -0.25},
		HatValues:    map[string]Hat{"hat_0": {-1, 0}},
	}

	data, err := Encode(ContentTypeCBOR, snap)
	require.NoError(t, err)

	got, err := Decode(ContentTypeCBOR, data)
	require.NoError(t, err)
	assert.True(t, snap.Equal(got))
}

func TestCBOREncodingIsDeterministic(t *testing.T) {
	snap := Snapshot{AxisValues: map[string]float64{"a": 1, "b": 2, "c": 3, "d": 4}}
	first, err := snap.MarshalCBOR()
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := snap.MarshalCBOR()
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestDecodeCBORAcceptsIntegerButtons(t *testing.T) {
	data, err := encMode.Marshal(map[string]any{
		"button_states": map[string]int{"cross": 1, "circle": 0},
	})
	require.NoError(t, err)

	got, err := DecodeCBOR(data)
	require.NoError(t, err)
	assert.Equal(t, ButtonState(true), got.ButtonStates["cross"])
	assert.Equal(t, ButtonState(false), got.ButtonStates["circle"])
}

func TestDecodeCBORRejectsMalformed(t *testing.T) {
	notMap, err := encMode.Marshal([]int{1, 2})
	require.NoError(t, err)
	_, err = DecodeCBOR(notMap)
	assert.ErrorIs(t, err, ErrMalformed)

	noKeys, err := encMode.Marshal(map[string]int{"x": 1})
	require.NoError(t, err)
	_, err = DecodeCBOR(noKeys)
	assert.ErrorIs(t, err, ErrMalformed)

	badButton, err := encMode.Marshal(map[string]any{"button_states": map[string]string{"cross": "yes"}})
	require.NoError(t, err)
	_, err = DecodeCBOR(badButton)
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = DecodeCBOR([]byte{0xff})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEncodeUnsupportedContentType(t *testing.T) {
	_, err := Encode("text/plain", NewSnapshot())
	assert.Error(t, err)
}

func TestSnapshotHelpers(t *testing.T) {
	snap := Snapshot{ButtonStates: map[string]ButtonState{"r1": true, "cross": true, "l1": false}}

	assert.Equal(t, []string{"cross", "r1"}, snap.Pressed())

	clone := snap.Clone()
	clone.ButtonStates["l1"] = true
	assert.Equal(t, ButtonState(false), snap.ButtonStates["l1"])
	assert.False(t, snap.Equal(clone))
	assert.True(t, snap.Equal(snap.Clone()))
	assert.True(t, Snapshot{}.Equal(NewSnapshot()))
}
